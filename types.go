package x402gate

import (
	"math/big"
	"time"
)

// PaymentRequirement describes the payment that unlocks a resource. It is
// built by the pricing layer when a challenge is issued and is immutable from
// then on: the verification step later matches the presented proof against
// the exact requirement that was handed out.
type PaymentRequirement struct {
	// Chain is the network the payment must be made on.
	Chain ChainType `json:"chain"`

	// Amount is the required payment in atomic units (wei, lamports, octas).
	// Stored as *big.Int so no precision is lost on large values.
	Amount *big.Int `json:"amount"`

	// Recipient is the address the payment must be sent to, in the chain's
	// canonical encoding.
	Recipient string `json:"recipient"`

	// Asset is the token contract (EVM) or mint (Solana) address. Empty means
	// the chain's native asset.
	Asset string `json:"asset,omitempty"`

	// Resource identifies the gated resource the requirement was issued for.
	Resource string `json:"resource"`

	// Description is a human-readable summary included in the challenge.
	Description string `json:"description,omitempty"`

	// Nonce is the single-use challenge identifier binding a proof to this
	// requirement. 32 bytes of entropy, 0x-prefixed hex.
	Nonce string `json:"nonce"`

	// Expiry is the instant after which the requirement can no longer be
	// redeemed and a fresh challenge must be requested.
	Expiry time.Time `json:"expiry"`
}

// Expired reports whether the requirement can no longer be redeemed at t.
func (r *PaymentRequirement) Expired(t time.Time) bool {
	return !r.Expiry.IsZero() && t.After(r.Expiry)
}

// EVMAuthorization is the typed message an EVM payer signs, following the
// EIP-3009 transferWithAuthorization shape. All numeric fields are decimal
// strings to survive JSON transport without precision loss.
type EVMAuthorization struct {
	// From is the payer's address.
	From string `json:"from"`

	// To is the recipient's address.
	To string `json:"to"`

	// Value is the authorized amount in atomic units.
	Value string `json:"value"`

	// ValidAfter is the unix timestamp after which the authorization is valid.
	ValidAfter string `json:"validAfter"`

	// ValidBefore is the unix timestamp before which the authorization is valid.
	ValidBefore string `json:"validBefore"`

	// Nonce is the 32-byte challenge nonce, 0x-prefixed hex.
	Nonce string `json:"nonce"`
}

// PaymentProof is the client-supplied evidence that a requirement was
// satisfied. Exactly one of the chain-specific fields is meaningful:
// Signature+Authorization for EVM chains, TxRef for Solana and Move chains.
type PaymentProof struct {
	// Payer is the address claiming to have paid.
	Payer string `json:"payer"`

	// Chain is the network the payment was made on.
	Chain ChainType `json:"chain"`

	// Nonce echoes the challenge nonce the proof redeems.
	Nonce string `json:"nonce"`

	// Signature is the hex-encoded 65-byte ECDSA signature over the EVM
	// authorization (EVM chains only).
	Signature string `json:"signature,omitempty"`

	// Authorization is the signed typed message (EVM chains only).
	Authorization *EVMAuthorization `json:"authorization,omitempty"`

	// TxRef references an on-chain transaction: a base58 signature on
	// Solana, a 0x-prefixed hash on Aptos, a digest on Sui.
	TxRef string `json:"txRef,omitempty"`
}

// AccessResult is the engine's per-request decision.
type AccessResult struct {
	// ShouldServeContent is true only after a fully affirmative verification.
	ShouldServeContent bool `json:"shouldServeContent"`

	// Requirement carries the challenge terms when content is withheld and a
	// payment would unlock it. Nil when content is served.
	Requirement *PaymentRequirement `json:"requirement,omitempty"`

	// Err describes why content was withheld when the request carried a
	// proof that did not check out. Nil on success and on plain challenges.
	Err *GateError `json:"error,omitempty"`
}
