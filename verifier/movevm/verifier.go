// Package movevm verifies payment proofs on Move-based ledgers. Aptos
// transactions are fetched over the node REST API, Sui transactions over
// JSON-RPC; in both cases the referenced transaction must have succeeded and
// moved at least the required amount to the recipient.
package movevm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	x402gate "github.com/gatewaylabs/x402-gate"
)

// Doer issues HTTP requests. *http.Client satisfies it; tests substitute a
// mock.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

var _ Doer = (*http.Client)(nil)

// Verifier checks Move payment proofs for one network.
type Verifier struct {
	chain    x402gate.ChainType
	endpoint string
	client   Doer
	now      func() time.Time
}

// Option customizes a Verifier.
type Option func(*Verifier)

// WithHTTPClient overrides the HTTP client, for tests or custom transports.
func WithHTTPClient(d Doer) Option {
	return func(v *Verifier) { v.client = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// New builds a verifier for chain against a node endpoint.
func New(chain x402gate.ChainType, endpoint string, opts ...Option) (*Verifier, error) {
	if chain.Family() != x402gate.FamilyMove {
		return nil, fmt.Errorf("%w: %s is not a Move chain", x402gate.ErrUnsupportedChain, chain)
	}
	if endpoint == "" {
		return nil, fmt.Errorf("%w: empty endpoint", x402gate.ErrInvalidConfig)
	}
	v := &Verifier{
		chain:    chain,
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Chain returns the network this verifier is bound to.
func (v *Verifier) Chain() x402gate.ChainType { return v.chain }

// Verify fetches the transaction referenced by the proof and confirms it paid
// the requirement. The expiry check runs before any HTTP call.
func (v *Verifier) Verify(ctx context.Context, proof *x402gate.PaymentProof, req *x402gate.PaymentRequirement) (*x402gate.VerificationOutcome, error) {
	now := v.now()
	if req.Expired(now) {
		return nil, fmt.Errorf("%w: expired at %s", x402gate.ErrRequirementExpired, req.Expiry.Format(time.RFC3339))
	}
	if proof.TxRef == "" {
		return nil, fmt.Errorf("%w: missing transaction reference", x402gate.ErrProofInvalid)
	}

	var (
		paid *big.Int
		err  error
	)
	switch v.chain {
	case x402gate.ChainAptos:
		paid, err = v.verifyAptos(ctx, proof, req)
	case x402gate.ChainSui:
		paid, err = v.verifySui(ctx, proof, req)
	default:
		return nil, fmt.Errorf("%w: %s", x402gate.ErrUnsupportedChain, v.chain)
	}
	if err != nil {
		return nil, err
	}
	if paid.Cmp(req.Amount) < 0 {
		return nil, fmt.Errorf("%w: paid %s below required %s", x402gate.ErrProofInvalid, paid, req.Amount)
	}

	return &x402gate.VerificationOutcome{
		Payer:      proof.Payer,
		PaidAmount: paid,
		TxHash:     proof.TxRef,
		VerifiedAt: now,
	}, nil
}

// aptosTransaction is the subset of the node API response the verifier reads.
type aptosTransaction struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	Sender    string `json:"sender"`
	Timestamp string `json:"timestamp"`
	Payload   struct {
		Function      string            `json:"function"`
		TypeArguments []string          `json:"type_arguments"`
		Arguments     []json.RawMessage `json:"arguments"`
	} `json:"payload"`
}

// aptosNativeCoin is the coin type an empty requirement asset resolves to.
const aptosNativeCoin = "0x1::aptos_coin::AptosCoin"

// aptosTransferFunctions are the entry functions accepted as direct coin
// transfers, all shaped (recipient, amount). The value reports whether the
// function is generic over the coin type; 0x1::aptos_account::transfer moves
// the native coin only.
var aptosTransferFunctions = map[string]bool{
	"0x1::aptos_account::transfer":       false,
	"0x1::aptos_account::transfer_coins": true,
	"0x1::coin::transfer":                true,
}

func (v *Verifier) verifyAptos(ctx context.Context, proof *x402gate.PaymentProof, req *x402gate.PaymentRequirement) (*big.Int, error) {
	url := v.endpoint + "/v1/transactions/by_hash/" + proof.TxRef
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", x402gate.ErrUpstreamUnavailable, err)
	}

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching aptos transaction: %v", x402gate.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: transaction %s not found", x402gate.ErrProofInvalid, proof.TxRef)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: aptos node returned %d", x402gate.ErrUpstreamUnavailable, resp.StatusCode)
	}

	var tx aptosTransaction
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&tx); err != nil {
		return nil, fmt.Errorf("%w: decoding aptos response: %v", x402gate.ErrUpstreamUnavailable, err)
	}

	if tx.Type != "user_transaction" || !tx.Success {
		return nil, fmt.Errorf("%w: transaction %s did not succeed", x402gate.ErrProofInvalid, proof.TxRef)
	}
	if !moveAddressEqual(tx.Sender, proof.Payer) {
		return nil, fmt.Errorf("%w: transaction sender is not the claimed payer", x402gate.ErrProofInvalid)
	}
	if tx.Timestamp != "" && !req.Expiry.IsZero() {
		micros, perr := strconv.ParseInt(tx.Timestamp, 10, 64)
		if perr != nil {
			return nil, fmt.Errorf("%w: malformed transaction timestamp %q", x402gate.ErrProofInvalid, tx.Timestamp)
		}
		if time.UnixMicro(micros).After(req.Expiry) {
			return nil, fmt.Errorf("%w: payment landed after the challenge expired", x402gate.ErrProofInvalid)
		}
	}

	generic, ok := aptosTransferFunctions[tx.Payload.Function]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported entry function %q", x402gate.ErrProofInvalid, tx.Payload.Function)
	}
	coinType := aptosNativeCoin
	if generic {
		if len(tx.Payload.TypeArguments) != 1 {
			return nil, fmt.Errorf("%w: malformed transfer type arguments", x402gate.ErrProofInvalid)
		}
		coinType = tx.Payload.TypeArguments[0]
	}
	wantCoin := req.Asset
	if wantCoin == "" {
		wantCoin = aptosNativeCoin
	}
	if !moveCoinTypeEqual(coinType, wantCoin) {
		return nil, fmt.Errorf("%w: transaction moves %s, requirement wants %s", x402gate.ErrProofInvalid, coinType, wantCoin)
	}
	if len(tx.Payload.Arguments) < 2 {
		return nil, fmt.Errorf("%w: malformed transfer arguments", x402gate.ErrProofInvalid)
	}

	var recipient, amountStr string
	if err := json.Unmarshal(tx.Payload.Arguments[0], &recipient); err != nil {
		return nil, fmt.Errorf("%w: malformed transfer recipient", x402gate.ErrProofInvalid)
	}
	if err := json.Unmarshal(tx.Payload.Arguments[1], &amountStr); err != nil {
		return nil, fmt.Errorf("%w: malformed transfer amount", x402gate.ErrProofInvalid)
	}
	if !moveAddressEqual(recipient, req.Recipient) {
		return nil, fmt.Errorf("%w: transaction pays %s, requirement wants %s", x402gate.ErrProofInvalid, recipient, req.Recipient)
	}
	amount, ok := new(big.Int).SetString(amountStr, 10)
	if !ok {
		return nil, fmt.Errorf("%w: malformed transfer amount %q", x402gate.ErrProofInvalid, amountStr)
	}
	return amount, nil
}

// suiTransactionBlock is the subset of the sui_getTransactionBlock result the
// verifier reads.
type suiTransactionBlock struct {
	Digest      string `json:"digest"`
	TimestampMs string `json:"timestampMs"`
	Effects     struct {
		Status struct {
			Status string `json:"status"`
		} `json:"status"`
	} `json:"effects"`
	Transaction struct {
		Data struct {
			Sender string `json:"sender"`
		} `json:"data"`
	} `json:"transaction"`
	BalanceChanges []struct {
		Owner struct {
			AddressOwner string `json:"AddressOwner"`
		} `json:"owner"`
		CoinType string `json:"coinType"`
		Amount   string `json:"amount"`
	} `json:"balanceChanges"`
}

func (v *Verifier) verifySui(ctx context.Context, proof *x402gate.PaymentProof, req *x402gate.PaymentRequirement) (*big.Int, error) {
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "sui_getTransactionBlock",
		"params": []interface{}{
			proof.TxRef,
			map[string]bool{
				"showEffects":        true,
				"showInput":          true,
				"showBalanceChanges": true,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", x402gate.ErrUpstreamUnavailable, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", x402gate.ErrUpstreamUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching sui transaction: %v", x402gate.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: sui node returned %d", x402gate.ErrUpstreamUnavailable, resp.StatusCode)
	}

	var rpcResp struct {
		Result *suiTransactionBlock `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("%w: decoding sui response: %v", x402gate.ErrUpstreamUnavailable, err)
	}
	if rpcResp.Error != nil || rpcResp.Result == nil {
		return nil, fmt.Errorf("%w: transaction %s not found", x402gate.ErrProofInvalid, proof.TxRef)
	}

	block := rpcResp.Result
	if block.Effects.Status.Status != "success" {
		return nil, fmt.Errorf("%w: transaction %s did not succeed", x402gate.ErrProofInvalid, proof.TxRef)
	}
	if !moveAddressEqual(block.Transaction.Data.Sender, proof.Payer) {
		return nil, fmt.Errorf("%w: transaction sender is not the claimed payer", x402gate.ErrProofInvalid)
	}
	if block.TimestampMs != "" && !req.Expiry.IsZero() {
		millis, perr := strconv.ParseInt(block.TimestampMs, 10, 64)
		if perr != nil {
			return nil, fmt.Errorf("%w: malformed transaction timestamp %q", x402gate.ErrProofInvalid, block.TimestampMs)
		}
		if time.UnixMilli(millis).After(req.Expiry) {
			return nil, fmt.Errorf("%w: payment landed after the challenge expired", x402gate.ErrProofInvalid)
		}
	}

	coinType := req.Asset
	if coinType == "" {
		coinType = "0x2::sui::SUI"
	}

	total := new(big.Int)
	for _, change := range block.BalanceChanges {
		if !moveCoinTypeEqual(change.CoinType, coinType) || !moveAddressEqual(change.Owner.AddressOwner, req.Recipient) {
			continue
		}
		amount, ok := new(big.Int).SetString(change.Amount, 10)
		if !ok || amount.Sign() <= 0 {
			continue
		}
		total.Add(total, amount)
	}
	if total.Sign() == 0 {
		return nil, fmt.Errorf("%w: no balance increase for recipient found", x402gate.ErrProofInvalid)
	}
	return total, nil
}

// moveAddressEqual compares Move addresses ignoring case and leading zeros
// after the 0x prefix.
func moveAddressEqual(a, b string) bool {
	return normalizeMoveAddress(a) == normalizeMoveAddress(b)
}

// moveCoinTypeEqual compares fully qualified coin types such as
// "0x1::aptos_coin::AptosCoin", normalizing the address segment the way
// moveAddressEqual does. Module and struct names stay case-sensitive.
func moveCoinTypeEqual(a, b string) bool {
	addrA, restA, okA := strings.Cut(a, "::")
	addrB, restB, okB := strings.Cut(b, "::")
	if !okA || !okB {
		return a == b
	}
	return moveAddressEqual(addrA, addrB) && restA == restB
}

func normalizeMoveAddress(addr string) string {
	addr = strings.ToLower(strings.TrimPrefix(addr, "0x"))
	addr = strings.TrimLeft(addr, "0")
	if addr == "" {
		addr = "0"
	}
	return addr
}
