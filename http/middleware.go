// Package http provides net/http middleware that gates handlers behind the
// payment decision engine. Framework-specific adapters live in the chi and
// gin subpackages.
package http

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"

	x402gate "github.com/gatewaylabs/x402-gate"
)

// Header names on the request side.
const (
	// HeaderPayment carries the base64-encoded JSON payment proof.
	HeaderPayment = "X-Payment"

	// HeaderUserAddress identifies the payer requesting a challenge.
	HeaderUserAddress = "X-402-User-Address"

	// HeaderPaymentNonce optionally carries the challenge nonce when the
	// proof payload omits it.
	HeaderPaymentNonce = "X-402-Payment-Nonce"
)

// AccessDecider is the decision surface the middleware needs. *engine.Engine
// satisfies it.
type AccessDecider interface {
	HandleAccessRequest(ctx context.Context, resource, payer string, proof *x402gate.PaymentProof) (*x402gate.AccessResult, error)
}

// challengeResponse is the 402 body when payment terms are attached.
type challengeResponse struct {
	Error       string                       `json:"error"`
	Requirement *x402gate.PaymentRequirement `json:"requirement"`
}

// denialResponse is the body when a presented proof is rejected.
type denialResponse struct {
	Error *x402gate.GateError `json:"error"`
}

// Middleware wraps next so it only runs after an affirmative access decision.
// The request path identifies the resource.
func Middleware(decider AccessDecider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Gate(decider, r.URL.Path, w, r, next.ServeHTTP)
		})
	}
}

// Gate runs the access decision for resource and either invokes serve or
// writes the challenge/denial response. Adapters call it with their own
// resource identifier (a route pattern, a normalized path).
func Gate(decider AccessDecider, resource string, w http.ResponseWriter, r *http.Request, serve http.HandlerFunc) {
	payer := r.Header.Get(HeaderUserAddress)

	proof, err := ParsePaymentHeader(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, denialResponse{
			Error: x402gate.NewGateError(x402gate.CodeProofInvalid, "malformed payment header", err),
		})
		return
	}

	result, err := decider.HandleAccessRequest(r.Context(), resource, payer, proof)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, denialResponse{
			Error: x402gate.NewGateError(x402gate.CodeUpstreamUnavailable, "access decision failed", err),
		})
		return
	}

	switch {
	case result.ShouldServeContent:
		serve(w, r)
	case result.Requirement != nil:
		writeJSON(w, http.StatusPaymentRequired, challengeResponse{
			Error:       "payment required",
			Requirement: result.Requirement,
		})
	default:
		writeJSON(w, StatusForCode(result.Err.Code), denialResponse{Error: result.Err})
	}
}

// ParsePaymentHeader decodes the base64 JSON proof from the request, or
// returns nil when the header is absent.
func ParsePaymentHeader(r *http.Request) (*x402gate.PaymentProof, error) {
	raw := r.Header.Get(HeaderPayment)
	if raw == "" {
		return nil, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	var proof x402gate.PaymentProof
	if err := json.Unmarshal(decoded, &proof); err != nil {
		return nil, err
	}
	if proof.Nonce == "" {
		proof.Nonce = r.Header.Get(HeaderPaymentNonce)
	}
	return &proof, nil
}

// EncodePaymentHeader is the client-side counterpart of ParsePaymentHeader.
func EncodePaymentHeader(proof *x402gate.PaymentProof) (string, error) {
	raw, err := json.Marshal(proof)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// StatusForCode maps a gate error code to an HTTP status. Payment-level
// rejections stay 402 so clients uniformly retry with a fresh challenge.
func StatusForCode(code string) int {
	switch code {
	case x402gate.CodeUnsupportedChain:
		return http.StatusBadRequest
	case x402gate.CodeVerificationInProgress:
		return http.StatusConflict
	case x402gate.CodeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusPaymentRequired
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
