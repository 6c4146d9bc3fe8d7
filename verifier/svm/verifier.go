// Package svm verifies Solana payment proofs by looking up the referenced
// transaction and matching its effects against the requirement. SOL payments
// are matched by decoding system transfer instructions; SPL token payments by
// the recipient's token balance delta in the transaction meta.
package svm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"

	x402gate "github.com/gatewaylabs/x402-gate"
)

// RPC is the read-only Solana access the verifier needs. *rpc.Client
// satisfies it; tests substitute a mock.
type RPC interface {
	GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

var _ RPC = (*rpc.Client)(nil)

// Verifier checks Solana payment proofs for one cluster.
type Verifier struct {
	chain  x402gate.ChainType
	client RPC
	now    func() time.Time
}

// Option customizes a Verifier.
type Option func(*Verifier)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// New builds a verifier for chain over an RPC client.
func New(chain x402gate.ChainType, client RPC, opts ...Option) (*Verifier, error) {
	if chain.Family() != x402gate.FamilySolana {
		return nil, fmt.Errorf("%w: %s is not a Solana chain", x402gate.ErrUnsupportedChain, chain)
	}
	if client == nil {
		return nil, fmt.Errorf("%w: nil rpc client", x402gate.ErrInvalidConfig)
	}
	v := &Verifier{chain: chain, client: client, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Dial builds a verifier over a JSON-RPC endpoint.
func Dial(chain x402gate.ChainType, endpoint string, opts ...Option) (*Verifier, error) {
	return New(chain, rpc.New(endpoint), opts...)
}

// Chain returns the cluster this verifier is bound to.
func (v *Verifier) Chain() x402gate.ChainType { return v.chain }

// Verify fetches the transaction referenced by the proof and confirms it paid
// the requirement. The expiry check runs before the RPC call so an expired
// challenge never reaches the cluster.
func (v *Verifier) Verify(ctx context.Context, proof *x402gate.PaymentProof, req *x402gate.PaymentRequirement) (*x402gate.VerificationOutcome, error) {
	now := v.now()
	if req.Expired(now) {
		return nil, fmt.Errorf("%w: expired at %s", x402gate.ErrRequirementExpired, req.Expiry.Format(time.RFC3339))
	}

	if proof.TxRef == "" {
		return nil, fmt.Errorf("%w: missing transaction reference", x402gate.ErrProofInvalid)
	}
	sig, err := solana.SignatureFromBase58(proof.TxRef)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed transaction signature: %v", x402gate.ErrProofInvalid, err)
	}
	payer, err := solana.PublicKeyFromBase58(proof.Payer)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed payer address: %v", x402gate.ErrProofInvalid, err)
	}
	recipient, err := solana.PublicKeyFromBase58(req.Recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed recipient address: %v", x402gate.ErrProofInvalid, err)
	}

	maxVersion := uint64(0)
	result, err := v.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: getTransaction on %s: %v", x402gate.ErrUpstreamUnavailable, v.chain, err)
	}
	if result == nil || result.Transaction == nil {
		return nil, fmt.Errorf("%w: transaction %s not found", x402gate.ErrProofInvalid, proof.TxRef)
	}
	if result.Meta != nil && result.Meta.Err != nil {
		return nil, fmt.Errorf("%w: transaction %s failed on chain", x402gate.ErrProofInvalid, proof.TxRef)
	}
	if result.BlockTime != nil && !req.Expiry.IsZero() && result.BlockTime.Time().After(req.Expiry) {
		return nil, fmt.Errorf("%w: payment landed after the challenge expired", x402gate.ErrProofInvalid)
	}

	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("%w: decoding transaction: %v", x402gate.ErrProofInvalid, err)
	}
	if len(tx.Message.AccountKeys) == 0 || !tx.Message.AccountKeys[0].Equals(payer) {
		return nil, fmt.Errorf("%w: transaction fee payer is not the claimed payer", x402gate.ErrProofInvalid)
	}
	if err := v.checkMemoBinding(tx, req.Nonce); err != nil {
		return nil, err
	}

	var paid *big.Int
	if req.Asset == "" {
		paid, err = solTransferred(tx, payer, recipient)
	} else {
		paid, err = tokenTransferred(result.Meta, req.Asset, recipient)
	}
	if err != nil {
		return nil, err
	}
	if paid.Cmp(req.Amount) < 0 {
		return nil, fmt.Errorf("%w: paid %s below required %s", x402gate.ErrProofInvalid, paid, req.Amount)
	}

	return &x402gate.VerificationOutcome{
		Payer:      payer.String(),
		PaidAmount: paid,
		TxHash:     proof.TxRef,
		VerifiedAt: now,
	}, nil
}

// checkMemoBinding rejects transactions whose memo disagrees with the
// challenge nonce. A transaction without a memo is accepted; one with a memo
// must echo the nonce, which binds the payment to this specific challenge.
func (v *Verifier) checkMemoBinding(tx *solana.Transaction, nonce string) error {
	for _, inst := range tx.Message.Instructions {
		prog, err := tx.Message.Program(inst.ProgramIDIndex)
		if err != nil || !prog.Equals(solana.MemoProgramID) {
			continue
		}
		if !strings.Contains(string(inst.Data), nonce) {
			return fmt.Errorf("%w: transaction memo does not reference the challenge nonce", x402gate.ErrProofInvalid)
		}
	}
	return nil
}

// solTransferred sums the lamports moved from payer to recipient by system
// transfer instructions.
func solTransferred(tx *solana.Transaction, payer, recipient solana.PublicKey) (*big.Int, error) {
	total := new(big.Int)

	for _, inst := range tx.Message.Instructions {
		prog, err := tx.Message.Program(inst.ProgramIDIndex)
		if err != nil || !prog.Equals(solana.SystemProgramID) {
			continue
		}

		metas := make([]*solana.AccountMeta, len(inst.Accounts))
		skip := false
		for i, accIdx := range inst.Accounts {
			if int(accIdx) >= len(tx.Message.AccountKeys) {
				skip = true
				break
			}
			pub := tx.Message.AccountKeys[accIdx]
			writable, err := tx.Message.IsWritable(pub)
			if err != nil {
				skip = true
				break
			}
			metas[i] = &solana.AccountMeta{
				PublicKey:  pub,
				IsSigner:   tx.Message.IsSigner(pub),
				IsWritable: writable,
			}
		}
		if skip {
			continue
		}

		sysInst, err := system.DecodeInstruction(metas, inst.Data)
		if err != nil {
			continue
		}
		transfer, ok := sysInst.Impl.(*system.Transfer)
		if !ok || len(metas) < 2 {
			continue
		}
		if metas[0].PublicKey.Equals(payer) && metas[1].PublicKey.Equals(recipient) {
			total.Add(total, new(big.Int).SetUint64(*transfer.Lamports))
		}
	}

	if total.Sign() == 0 {
		return nil, fmt.Errorf("%w: no transfer from payer to recipient found", x402gate.ErrProofInvalid)
	}
	return total, nil
}

// tokenTransferred computes how much of mint the recipient gained, from the
// pre/post token balances in the transaction meta.
func tokenTransferred(meta *rpc.TransactionMeta, mint string, recipient solana.PublicKey) (*big.Int, error) {
	if meta == nil {
		return nil, fmt.Errorf("%w: transaction meta unavailable for token transfer", x402gate.ErrProofInvalid)
	}

	owner := recipient.String()
	pre := make(map[uint16]*big.Int)
	for _, b := range meta.PreTokenBalances {
		if b.Mint.String() != mint || b.Owner == nil || b.Owner.String() != owner {
			continue
		}
		if amt, ok := new(big.Int).SetString(b.UiTokenAmount.Amount, 10); ok {
			pre[b.AccountIndex] = amt
		}
	}

	delta := new(big.Int)
	for _, b := range meta.PostTokenBalances {
		if b.Mint.String() != mint || b.Owner == nil || b.Owner.String() != owner {
			continue
		}
		post, ok := new(big.Int).SetString(b.UiTokenAmount.Amount, 10)
		if !ok {
			continue
		}
		before := pre[b.AccountIndex]
		if before == nil {
			before = new(big.Int)
		}
		delta.Add(delta, new(big.Int).Sub(post, before))
	}

	if delta.Sign() <= 0 {
		return nil, fmt.Errorf("%w: recipient token balance did not increase", x402gate.ErrProofInvalid)
	}
	return delta, nil
}
