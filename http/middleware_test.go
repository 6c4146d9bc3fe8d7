package http

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	x402gate "github.com/gatewaylabs/x402-gate"
)

// stubDecider replays a scripted decision and records what it was asked.
type stubDecider struct {
	result       *x402gate.AccessResult
	err          error
	lastResource string
	lastPayer    string
	lastProof    *x402gate.PaymentProof
}

func (s *stubDecider) HandleAccessRequest(_ context.Context, resource, payer string, proof *x402gate.PaymentProof) (*x402gate.AccessResult, error) {
	s.lastResource = resource
	s.lastPayer = payer
	s.lastProof = proof
	return s.result, s.err
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("premium content"))
	})
}

func testRequirement() *x402gate.PaymentRequirement {
	return &x402gate.PaymentRequirement{
		Chain:     x402gate.ChainBase,
		Amount:    big.NewInt(10000),
		Recipient: "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		Resource:  "/premium",
		Nonce:     "0xaa",
		Expiry:    time.Now().Add(5 * time.Minute),
	}
}

func TestMiddlewareServesOnAffirmativeDecision(t *testing.T) {
	decider := &stubDecider{result: &x402gate.AccessResult{ShouldServeContent: true}}
	handler := Middleware(decider)(okHandler())

	proof := &x402gate.PaymentProof{Payer: "0xpayer", Chain: x402gate.ChainBase, Nonce: "0xaa"}
	header, err := EncodePaymentHeader(proof)
	if err != nil {
		t.Fatalf("EncodePaymentHeader() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	req.Header.Set(HeaderPayment, header)
	req.Header.Set(HeaderUserAddress, "0xpayer")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "premium content" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if decider.lastResource != "/premium" || decider.lastPayer != "0xpayer" {
		t.Errorf("decider saw resource=%q payer=%q", decider.lastResource, decider.lastPayer)
	}
	if decider.lastProof == nil || decider.lastProof.Nonce != "0xaa" {
		t.Errorf("decider saw proof %+v", decider.lastProof)
	}
}

func TestMiddlewareRendersChallenge(t *testing.T) {
	decider := &stubDecider{result: &x402gate.AccessResult{Requirement: testRequirement()}}
	handler := Middleware(decider)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	if decider.lastProof != nil {
		t.Error("no payment header should parse to a nil proof")
	}

	var body challengeResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Requirement == nil || body.Requirement.Nonce != "0xaa" {
		t.Errorf("challenge body = %+v", body)
	}
}

func TestMiddlewareStatusMapping(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{code: x402gate.CodeReplayedPayment, want: http.StatusPaymentRequired},
		{code: x402gate.CodeProofInvalid, want: http.StatusPaymentRequired},
		{code: x402gate.CodeRequirementExpired, want: http.StatusPaymentRequired},
		{code: x402gate.CodePayerMismatch, want: http.StatusPaymentRequired},
		{code: x402gate.CodeUnknownNonce, want: http.StatusPaymentRequired},
		{code: x402gate.CodeUnsupportedChain, want: http.StatusBadRequest},
		{code: x402gate.CodeVerificationInProgress, want: http.StatusConflict},
		{code: x402gate.CodeUpstreamUnavailable, want: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			decider := &stubDecider{result: &x402gate.AccessResult{
				Err: &x402gate.GateError{Code: tt.code, Message: "rejected"},
			}}
			handler := Middleware(decider)(okHandler())

			req := httptest.NewRequest(http.MethodGet, "/premium", nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			var body denialResponse
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decoding body: %v", err)
			}
			if body.Error == nil || body.Error.Code != tt.code {
				t.Errorf("body error = %+v, want code %s", body.Error, tt.code)
			}
		})
	}
}

func TestMiddlewareRejectsMalformedPaymentHeader(t *testing.T) {
	decider := &stubDecider{result: &x402gate.AccessResult{ShouldServeContent: true}}
	handler := Middleware(decider)(okHandler())

	for _, header := range []string{"not base64!!", "aGVsbG8="} {
		req := httptest.NewRequest(http.MethodGet, "/premium", nil)
		req.Header.Set(HeaderPayment, header)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("header %q: status = %d, want 400", header, rec.Code)
		}
	}
}

func TestPaymentHeaderRoundTrip(t *testing.T) {
	proof := &x402gate.PaymentProof{
		Payer: "0xpayer",
		Chain: x402gate.ChainSolana,
		Nonce: "0xbb",
		TxRef: "5sig",
	}
	header, err := EncodePaymentHeader(proof)
	if err != nil {
		t.Fatalf("EncodePaymentHeader() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderPayment, header)
	got, err := ParsePaymentHeader(req)
	if err != nil {
		t.Fatalf("ParsePaymentHeader() error = %v", err)
	}
	if got.Payer != proof.Payer || got.Chain != proof.Chain || got.Nonce != proof.Nonce || got.TxRef != proof.TxRef {
		t.Errorf("round trip = %+v, want %+v", got, proof)
	}
}
