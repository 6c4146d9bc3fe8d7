// Package evm verifies EVM payment proofs by recovering the signer of an
// EIP-3009 transferWithAuthorization typed message. Verification is
// signature-only by default; an optional backend adds a read-only balance
// check against the token contract.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	x402gate "github.com/gatewaylabs/x402-gate"
)

// balanceOfSelector is the 4-byte selector of balanceOf(address).
var balanceOfSelector = crypto.Keccak256([]byte("balanceOf(address)"))[:4]

// Backend is the read-only chain access the verifier needs. *ethclient.Client
// satisfies it; tests substitute a mock.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Verifier checks EIP-3009 payment authorizations for one EVM chain.
type Verifier struct {
	chain   x402gate.ChainType
	info    x402gate.ChainInfo
	backend Backend
	now     func() time.Time
}

// Option customizes a Verifier.
type Option func(*Verifier)

// WithBackend enables the on-chain balance check through a chain RPC client.
func WithBackend(b Backend) Option {
	return func(v *Verifier) { v.backend = b }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// New builds a verifier for chain, which must be an EVM chain.
func New(chain x402gate.ChainType, opts ...Option) (*Verifier, error) {
	info, ok := chain.Info()
	if !ok || info.Family != x402gate.FamilyEVM {
		return nil, fmt.Errorf("%w: %s is not an EVM chain", x402gate.ErrUnsupportedChain, chain)
	}
	v := &Verifier{chain: chain, info: info, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Dial builds a verifier backed by a live RPC endpoint.
func Dial(ctx context.Context, chain x402gate.ChainType, endpoint string, opts ...Option) (*Verifier, error) {
	client, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", x402gate.ErrUpstreamUnavailable, chain, err)
	}
	return New(chain, append([]Option{WithBackend(client)}, opts...)...)
}

// Chain returns the network this verifier is bound to.
func (v *Verifier) Chain() x402gate.ChainType { return v.chain }

// Verify checks the proof's signed authorization against the requirement.
// All mismatches wrap ErrProofInvalid; only backend transport failures wrap
// ErrUpstreamUnavailable. The expiry check runs before any chain call.
func (v *Verifier) Verify(ctx context.Context, proof *x402gate.PaymentProof, req *x402gate.PaymentRequirement) (*x402gate.VerificationOutcome, error) {
	now := v.now()
	if req.Expired(now) {
		return nil, fmt.Errorf("%w: expired at %s", x402gate.ErrRequirementExpired, req.Expiry.Format(time.RFC3339))
	}

	auth := proof.Authorization
	if auth == nil || proof.Signature == "" {
		return nil, fmt.Errorf("%w: missing authorization or signature", x402gate.ErrProofInvalid)
	}

	if !strings.EqualFold(auth.Nonce, req.Nonce) {
		return nil, fmt.Errorf("%w: authorization nonce does not match challenge", x402gate.ErrProofInvalid)
	}
	if !common.IsHexAddress(auth.From) || !common.IsHexAddress(auth.To) {
		return nil, fmt.Errorf("%w: malformed address in authorization", x402gate.ErrProofInvalid)
	}
	if common.HexToAddress(auth.To) != common.HexToAddress(req.Recipient) {
		return nil, fmt.Errorf("%w: authorization pays %s, requirement wants %s", x402gate.ErrProofInvalid, auth.To, req.Recipient)
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, fmt.Errorf("%w: malformed value %q", x402gate.ErrProofInvalid, auth.Value)
	}
	if value.Cmp(req.Amount) < 0 {
		return nil, fmt.Errorf("%w: authorized %s below required %s", x402gate.ErrProofInvalid, value, req.Amount)
	}

	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("%w: malformed validAfter %q", x402gate.ErrProofInvalid, auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("%w: malformed validBefore %q", x402gate.ErrProofInvalid, auth.ValidBefore)
	}
	unix := big.NewInt(now.Unix())
	if unix.Cmp(validAfter) < 0 || unix.Cmp(validBefore) >= 0 {
		return nil, fmt.Errorf("%w: authorization validity window does not contain now", x402gate.ErrProofInvalid)
	}

	signer, err := v.recoverSigner(proof.Signature, auth, req)
	if err != nil {
		return nil, err
	}
	if signer != common.HexToAddress(auth.From) {
		return nil, fmt.Errorf("%w: signature recovers %s, authorization claims %s", x402gate.ErrProofInvalid, signer, auth.From)
	}
	if signer != common.HexToAddress(proof.Payer) {
		return nil, fmt.Errorf("%w: signature recovers %s, proof claims payer %s", x402gate.ErrProofInvalid, signer, proof.Payer)
	}

	if v.backend != nil {
		if err := v.checkBalance(ctx, common.HexToAddress(req.Asset), signer, value); err != nil {
			return nil, err
		}
	}

	return &x402gate.VerificationOutcome{
		Payer:      signer.Hex(),
		PaidAmount: value,
		VerifiedAt: now,
	}, nil
}

// recoverSigner rebuilds the EIP-712 digest the payer signed and recovers the
// signing address from the 65-byte signature.
func (v *Verifier) recoverSigner(signature string, auth *x402gate.EVMAuthorization, req *x402gate.PaymentRequirement) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != 65 {
		return common.Address{}, fmt.Errorf("%w: signature is not 65 bytes of hex", x402gate.ErrProofInvalid)
	}
	// Accept both raw (0/1) and Ethereum (27/28) recovery ids.
	sig = append([]byte(nil), sig...)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	digest, err := v.authorizationDigest(auth, req)
	if err != nil {
		return common.Address{}, err
	}

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: recovering public key: %v", x402gate.ErrProofInvalid, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// authorizationDigest hashes the transferWithAuthorization typed data under
// the chain's EIP-712 domain with the requirement's asset as the verifying
// contract.
func (v *Verifier) authorizationDigest(auth *x402gate.EVMAuthorization, req *x402gate.PaymentRequirement) ([]byte, error) {
	value, _ := new(big.Int).SetString(auth.Value, 10)
	validAfter, _ := new(big.Int).SetString(auth.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(auth.ValidBefore, 10)

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              v.info.EIP712Name,
			Version:           v.info.EIP712Version,
			ChainId:           (*math.HexOrDecimal256)(v.info.ChainID),
			VerifyingContract: common.HexToAddress(req.Asset).Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        common.HexToAddress(auth.From).Hex(),
			"to":          common.HexToAddress(auth.To).Hex(),
			"value":       (*math.HexOrDecimal256)(value),
			"validAfter":  (*math.HexOrDecimal256)(validAfter),
			"validBefore": (*math.HexOrDecimal256)(validBefore),
			"nonce":       common.HexToHash(auth.Nonce).Hex(),
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("%w: hashing domain: %v", x402gate.ErrProofInvalid, err)
	}
	messageHash, err := typedData.HashStruct("TransferWithAuthorization", typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("%w: hashing message: %v", x402gate.ErrProofInvalid, err)
	}

	rawData := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	return crypto.Keccak256(rawData), nil
}

// checkBalance queries balanceOf(payer) on the token contract and rejects
// proofs whose signer cannot cover the authorized value.
func (v *Verifier) checkBalance(ctx context.Context, token, payer common.Address, value *big.Int) error {
	data := append(append([]byte(nil), balanceOfSelector...), common.LeftPadBytes(payer.Bytes(), 32)...)
	out, err := v.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: balanceOf call on %s: %v", x402gate.ErrUpstreamUnavailable, v.chain, err)
	}
	if len(out) != 32 {
		return fmt.Errorf("%w: malformed balanceOf response", x402gate.ErrUpstreamUnavailable)
	}
	balance := new(big.Int).SetBytes(out)
	if balance.Cmp(value) < 0 {
		return fmt.Errorf("%w: payer balance %s below authorized %s", x402gate.ErrProofInvalid, balance, value)
	}
	return nil
}
