package x402gate

import (
	"context"
	"math/big"
	"time"
)

// VerificationOutcome is the affirmative result of a chain verification.
type VerificationOutcome struct {
	// Payer is the address the verifier attributed the payment to, in the
	// chain's canonical encoding.
	Payer string `json:"payer"`

	// PaidAmount is the verified amount in atomic units.
	PaidAmount *big.Int `json:"paidAmount"`

	// TxHash references the on-chain transaction when the chain model has
	// one (empty for pure signature verification).
	TxHash string `json:"txHash,omitempty"`

	// VerifiedAt is the instant the verdict was reached.
	VerifiedAt time.Time `json:"verifiedAt"`
}

// ChainVerifier validates a payment proof against a specific chain.
//
// Implementations must classify failures: a cryptographic or logical
// mismatch wraps ErrProofInvalid, an RPC timeout or transport failure wraps
// ErrUpstreamUnavailable. The engine releases the nonce in both cases but
// only the former is terminal for the proof. Verifiers never submit
// transactions; every RPC call is a read-only query.
type ChainVerifier interface {
	// Verify checks proof against requirement. It must enforce
	// requirement.Expiry before issuing any RPC call.
	Verify(ctx context.Context, proof *PaymentProof, requirement *PaymentRequirement) (*VerificationOutcome, error)

	// Chain returns the network this verifier instance is bound to.
	Chain() ChainType
}

// VerifierResolver resolves a chain to its configured verifier. Resolution
// is a pure lookup and never initiates network I/O.
type VerifierResolver interface {
	Resolve(chain ChainType) (ChainVerifier, bool)
}
