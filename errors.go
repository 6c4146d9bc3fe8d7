package x402gate

import (
	"errors"
	"fmt"
)

// Sentinel errors for the access decision path. Callers branch with
// errors.Is; the HTTP glue maps them onto status codes.
var (
	// ErrUnsupportedChain indicates no verifier is registered for the proof's chain.
	ErrUnsupportedChain = errors.New("unsupported chain")

	// ErrReplayedPayment indicates the nonce was already consumed.
	ErrReplayedPayment = errors.New("payment already redeemed")

	// ErrVerificationInProgress indicates another request is mid-verification
	// for the same nonce.
	ErrVerificationInProgress = errors.New("verification in progress")

	// ErrRequirementExpired indicates the challenge expired before the proof arrived.
	ErrRequirementExpired = errors.New("payment requirement expired")

	// ErrProofInvalid indicates a signature, amount, or recipient mismatch.
	ErrProofInvalid = errors.New("invalid payment proof")

	// ErrUpstreamUnavailable indicates the chain RPC endpoint timed out or failed.
	ErrUpstreamUnavailable = errors.New("chain rpc unavailable")

	// ErrUnknownNonce indicates the proof references a nonce the gate never issued.
	ErrUnknownNonce = errors.New("unknown payment nonce")

	// ErrPayerMismatch indicates the proof's payer differs from the identity
	// the challenge was issued to.
	ErrPayerMismatch = errors.New("payer mismatch")

	// ErrInvalidConfig indicates the gate configuration failed validation.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Stable machine-readable codes carried by GateError.
const (
	CodeUnsupportedChain       = "UNSUPPORTED_CHAIN"
	CodeReplayedPayment        = "REPLAYED_PAYMENT"
	CodeVerificationInProgress = "VERIFICATION_IN_PROGRESS"
	CodeRequirementExpired     = "REQUIREMENT_EXPIRED"
	CodeProofInvalid           = "PROOF_INVALID"
	CodeUpstreamUnavailable    = "UPSTREAM_UNAVAILABLE"
	CodeUnknownNonce           = "UNKNOWN_NONCE"
	CodePayerMismatch          = "PAYER_MISMATCH"
	CodeInvalidConfig          = "INVALID_CONFIG"
)

// GateError is a coded error surfaced in AccessResult and across the HTTP
// boundary. It wraps one of the sentinel errors so errors.Is keeps working
// on the decision path.
type GateError struct {
	// Code is the stable machine-readable identifier.
	Code string `json:"code"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Details carries optional structured context (chain, nonce, ...).
	Details map[string]string `json:"details,omitempty"`

	// Err is the underlying sentinel or transport error.
	Err error `json:"-"`
}

func (e *GateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *GateError) Unwrap() error { return e.Err }

// WithDetail attaches a key/value pair and returns the error for chaining.
func (e *GateError) WithDetail(key, value string) *GateError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// NewGateError builds a coded error wrapping cause.
func NewGateError(code, message string, cause error) *GateError {
	return &GateError{Code: code, Message: message, Err: cause}
}

// Retryable reports whether the caller may retry the same proof: true for
// transient conditions (upstream outage, concurrent verification), false for
// terminal rejections.
func (e *GateError) Retryable() bool {
	switch e.Code {
	case CodeUpstreamUnavailable, CodeVerificationInProgress:
		return true
	default:
		return false
	}
}
