// Package x402gate implements server-side payment gating for HTTP resources
// following the x402 "402 Payment Required" flow. A request either carries a
// verifiable proof of an on-chain payment or receives a challenge describing
// the payment that would unlock the resource.
//
// This package holds the shared data model and contracts. The engine
// subpackage exposes the single decision entry point and the subpackages
// under http/ contain the thin glue for specific HTTP stacks.
package x402gate

import "math/big"

// ChainType identifies a blockchain network the gate can verify payments on.
// It is the registry key for chain verifiers and is carried verbatim in
// challenges and proofs.
type ChainType string

// Supported chain identifiers.
const (
	ChainEthereum  ChainType = "ethereum"
	ChainBase      ChainType = "base"
	ChainBSC       ChainType = "bsc"
	ChainPolygon   ChainType = "polygon"
	ChainArbitrum  ChainType = "arbitrum"
	ChainOptimism  ChainType = "optimism"
	ChainAvalanche ChainType = "avalanche"

	ChainBaseSepolia ChainType = "base-sepolia"

	ChainSolana       ChainType = "solana"
	ChainSolanaDevnet ChainType = "solana-devnet"

	ChainAptos ChainType = "aptos"
	ChainSui   ChainType = "sui"
)

// ChainFamily groups chains that share a verification model.
type ChainFamily int

const (
	// FamilyUnknown represents an unrecognized chain.
	FamilyUnknown ChainFamily = iota
	// FamilyEVM covers account-based chains verified by EIP-712 signature recovery.
	FamilyEVM
	// FamilySolana covers chains verified by transaction confirmation lookup.
	FamilySolana
	// FamilyMove covers Move-based ledgers (Aptos, Sui) verified by transaction lookup.
	FamilyMove
)

// ChainInfo carries the static parameters of a supported chain.
type ChainInfo struct {
	// Chain is the x402 network identifier.
	Chain ChainType

	// Family selects the verification model.
	Family ChainFamily

	// ChainID is the EVM chain ID; nil for non-EVM chains.
	ChainID *big.Int

	// EIP712Name is the default EIP-712 domain "name" used when a payment
	// authorization does not pin one (empty for non-EVM chains).
	EIP712Name string

	// EIP712Version is the default EIP-712 domain "version" (empty for non-EVM chains).
	EIP712Version string
}

// chainTable is the closed set of chains the gate knows about. The verifier
// registry only accepts chains present here.
var chainTable = map[ChainType]ChainInfo{
	ChainEthereum:  {Chain: ChainEthereum, Family: FamilyEVM, ChainID: big.NewInt(1), EIP712Name: "USD Coin", EIP712Version: "2"},
	ChainBase:      {Chain: ChainBase, Family: FamilyEVM, ChainID: big.NewInt(8453), EIP712Name: "USD Coin", EIP712Version: "2"},
	ChainBSC:       {Chain: ChainBSC, Family: FamilyEVM, ChainID: big.NewInt(56), EIP712Name: "USD Coin", EIP712Version: "2"},
	ChainPolygon:   {Chain: ChainPolygon, Family: FamilyEVM, ChainID: big.NewInt(137), EIP712Name: "USD Coin", EIP712Version: "2"},
	ChainArbitrum:  {Chain: ChainArbitrum, Family: FamilyEVM, ChainID: big.NewInt(42161), EIP712Name: "USD Coin", EIP712Version: "2"},
	ChainOptimism:  {Chain: ChainOptimism, Family: FamilyEVM, ChainID: big.NewInt(10), EIP712Name: "USD Coin", EIP712Version: "2"},
	ChainAvalanche: {Chain: ChainAvalanche, Family: FamilyEVM, ChainID: big.NewInt(43114), EIP712Name: "USD Coin", EIP712Version: "2"},

	ChainBaseSepolia: {Chain: ChainBaseSepolia, Family: FamilyEVM, ChainID: big.NewInt(84532), EIP712Name: "USDC", EIP712Version: "2"},

	ChainSolana:       {Chain: ChainSolana, Family: FamilySolana},
	ChainSolanaDevnet: {Chain: ChainSolanaDevnet, Family: FamilySolana},

	ChainAptos: {Chain: ChainAptos, Family: FamilyMove},
	ChainSui:   {Chain: ChainSui, Family: FamilyMove},
}

// Info returns the static parameters for a chain, or false if the chain is
// not in the supported set.
func (c ChainType) Info() (ChainInfo, bool) {
	info, ok := chainTable[c]
	return info, ok
}

// Family returns the verification family for the chain, FamilyUnknown if the
// chain is not supported.
func (c ChainType) Family() ChainFamily {
	return chainTable[c].Family
}

// IsEVM reports whether the chain uses the EVM signature verification model.
func (c ChainType) IsEVM() bool { return c.Family() == FamilyEVM }

// IsSolana reports whether the chain uses the Solana transaction model.
func (c ChainType) IsSolana() bool { return c.Family() == FamilySolana }

// IsMove reports whether the chain is a Move-based ledger.
func (c ChainType) IsMove() bool { return c.Family() == FamilyMove }

func (c ChainType) String() string { return string(c) }

// SupportedChains returns the identifiers of every chain in the static table.
func SupportedChains() []ChainType {
	chains := make([]ChainType, 0, len(chainTable))
	for chain := range chainTable {
		chains = append(chains, chain)
	}
	return chains
}
