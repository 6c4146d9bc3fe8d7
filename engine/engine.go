// Package engine implements the access decision for payment-gated resources.
// Every request resolves to exactly one of three outcomes: serve the content,
// withhold it with a payment challenge, or withhold it with a denial. The
// engine fails closed: any doubt about a proof withholds the content.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	x402gate "github.com/gatewaylabs/x402-gate"
	"github.com/gatewaylabs/x402-gate/logging"
	"github.com/gatewaylabs/x402-gate/metrics"
	"github.com/gatewaylabs/x402-gate/pricing"
	"github.com/gatewaylabs/x402-gate/retry"
	"github.com/gatewaylabs/x402-gate/session"
	"github.com/gatewaylabs/x402-gate/verifier"
)

// Engine coordinates pricing, the nonce cache, and chain verifiers into
// per-request access decisions. It is safe for concurrent use.
type Engine struct {
	registry *verifier.Registry
	resolver x402gate.VerifierResolver
	sessions *session.Cache
	builder  *pricing.Builder

	verifyTimeout time.Duration
	retryCfg      retry.Config

	log logging.Logger
	rec metrics.Recorder
	now func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger installs a structured logger. Default is a no-op logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics installs a metrics recorder. Default is a no-op recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(e *Engine) { e.rec = r }
}

// WithResolver replaces the built-in registry as the verifier source. Chains
// from the configuration endpoints are then ignored.
func WithResolver(r x402gate.VerifierResolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New assembles an engine from cfg: one verifier per configured endpoint, a
// nonce cache with the configured retention and concurrency policy, and a
// requirement builder over the configured prices.
func New(ctx context.Context, cfg *x402gate.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		verifyTimeout: cfg.VerifyTimeout,
		log:           logging.Nop(),
		rec:           metrics.Nop(),
		now:           time.Now,
	}
	if e.verifyTimeout <= 0 {
		e.verifyTimeout = 15 * time.Second
	}
	e.retryCfg = retry.DefaultConfig
	if cfg.RetryAttempts > 0 {
		e.retryCfg.MaxAttempts = cfg.RetryAttempts
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.resolver == nil {
		e.registry = verifier.NewRegistry()
		for chain, endpoint := range cfg.Endpoints {
			if err := e.registry.RegisterEndpoint(ctx, chain, endpoint); err != nil {
				return nil, fmt.Errorf("registering %s: %w", chain, err)
			}
		}
		e.resolver = e.registry
	}

	policy := session.FailFast
	if cfg.Concurrency == x402gate.PolicyBlock {
		policy = session.Block
	}
	e.sessions = session.NewCache(session.Config{
		Retention:       cfg.SessionRetention,
		LedgerRetention: cfg.LedgerRetention,
		SweepInterval:   cfg.SweepInterval,
		Policy:          policy,
	})

	builder, err := buildPricing(cfg)
	if err != nil {
		e.sessions.Close()
		return nil, err
	}
	e.builder = builder

	return e, nil
}

// buildPricing converts the human-unit price table into an atomic-unit
// policy and wraps it in a requirement builder.
func buildPricing(cfg *x402gate.Config) (*pricing.Builder, error) {
	toPrice := func(resource string, p x402gate.PriceConfig) (pricing.Price, error) {
		amount, err := pricing.ParseAmount(p.Amount, p.Decimals)
		if err != nil {
			return pricing.Price{}, fmt.Errorf("%w: pricing %q: %v", x402gate.ErrInvalidConfig, resource, err)
		}
		return pricing.Price{
			Chain:       p.Chain,
			Amount:      amount,
			Recipient:   p.Recipient,
			Asset:       p.Asset,
			Description: p.Description,
		}, nil
	}

	table := make(map[string]pricing.Price, len(cfg.Prices))
	for resource, p := range cfg.Prices {
		price, err := toPrice(resource, p)
		if err != nil {
			return nil, err
		}
		table[resource] = price
	}
	var defaultPrice *pricing.Price
	if cfg.DefaultPrice != nil {
		price, err := toPrice("(default)", *cfg.DefaultPrice)
		if err != nil {
			return nil, err
		}
		defaultPrice = &price
	}

	opts := []pricing.Option{}
	if cfg.ChallengeTTL > 0 {
		opts = append(opts, pricing.WithTTL(cfg.ChallengeTTL))
	}
	return pricing.NewBuilder(pricing.NewFixedTable(table, defaultPrice), opts...), nil
}

// Close releases background resources.
func (e *Engine) Close() {
	e.sessions.Close()
}

// RegisterVerifier installs or replaces a chain verifier at runtime. It
// fails when the engine was built with an external resolver.
func (e *Engine) RegisterVerifier(v x402gate.ChainVerifier) error {
	if e.registry == nil {
		return fmt.Errorf("%w: engine uses an external verifier resolver", x402gate.ErrInvalidConfig)
	}
	return e.registry.Register(v)
}

// HandleAccessRequest decides whether to serve resource to payer.
//
// Without a proof the decision is a challenge carrying fresh payment terms,
// or a serve when the resource is unpriced. With a proof the nonce is
// admitted through the session cache, the chain verifier is consulted, and
// the nonce is consumed only on a fully affirmative verdict; on every other
// path it is released so the payer can retry with the same challenge.
//
// The returned error is reserved for internal faults (entropy exhaustion);
// all payment-level rejections travel inside the AccessResult.
func (e *Engine) HandleAccessRequest(ctx context.Context, resource, payer string, proof *x402gate.PaymentProof) (*x402gate.AccessResult, error) {
	if proof == nil {
		return e.challenge(resource, payer)
	}
	return e.redeem(ctx, resource, payer, proof)
}

func (e *Engine) challenge(resource, payer string) (*x402gate.AccessResult, error) {
	req, priced, err := e.builder.Build(resource)
	if err != nil {
		return nil, err
	}
	if !priced {
		e.rec.AccessDecision("", "serve", "")
		return &x402gate.AccessResult{ShouldServeContent: true}, nil
	}

	if err := e.sessions.Issue(payer, req); err != nil {
		// A 32-byte nonce collision is practically impossible; treat it as
		// an internal fault rather than minting a weaker challenge.
		return nil, fmt.Errorf("issuing challenge: %w", err)
	}
	e.rec.NonceCacheSize(e.sessions.Len())
	e.rec.AccessDecision(req.Chain.String(), "challenge", "")
	e.log.Debug("issued payment challenge",
		logging.F("resource", resource),
		logging.F("chain", req.Chain),
		logging.F("payer", payer),
		logging.F("nonce", req.Nonce),
	)
	return &x402gate.AccessResult{Requirement: req}, nil
}

func (e *Engine) redeem(ctx context.Context, resource, payer string, proof *x402gate.PaymentProof) (*x402gate.AccessResult, error) {
	log := e.log.With(
		logging.F("resource", resource),
		logging.F("chain", proof.Chain),
		logging.F("nonce", proof.Nonce),
	)
	if payer == "" {
		payer = proof.Payer
	}

	// Resolve before touching the cache so an unsupported chain leaves the
	// nonce state untouched.
	chainVerifier, ok := e.resolver.Resolve(proof.Chain)
	if !ok {
		return e.deny(log, proof.Chain,
			x402gate.NewGateError(x402gate.CodeUnsupportedChain, "no verifier registered for chain", x402gate.ErrUnsupportedChain).
				WithDetail("chain", proof.Chain.String())), nil
	}

	adm, err := e.sessions.TryBegin(ctx, proof.Chain, payer, proof.Nonce)
	if err != nil {
		return e.deny(log, proof.Chain, e.classify(err)), nil
	}

	consumed := false
	defer func() {
		if !consumed {
			e.sessions.Complete(proof.Chain, payer, proof.Nonce, session.Released)
		}
		e.rec.NonceCacheSize(e.sessions.Len())
	}()

	req := adm.Requirement
	if req.Resource != resource {
		return e.deny(log, proof.Chain,
			x402gate.NewGateError(x402gate.CodeProofInvalid, "challenge was issued for a different resource", x402gate.ErrProofInvalid)), nil
	}
	if req.Chain != proof.Chain {
		return e.deny(log, proof.Chain,
			x402gate.NewGateError(x402gate.CodeProofInvalid, "challenge was issued for a different chain", x402gate.ErrProofInvalid)), nil
	}
	// A transaction that already paid for one challenge is spent; reject
	// before the chain round trip.
	if proof.TxRef != "" && e.sessions.RefConsumed(proof.Chain, proof.TxRef) {
		return e.deny(log, proof.Chain,
			x402gate.NewGateError(x402gate.CodeReplayedPayment, "transaction already redeemed a challenge", x402gate.ErrReplayedPayment).
				WithDetail("tx", proof.TxRef)), nil
	}

	verifyCtx, cancel := context.WithTimeout(ctx, e.verifyTimeout)
	defer cancel()

	start := e.now()
	outcome, err := retry.Do(verifyCtx, e.retryCfg, func(err error) bool {
		return errors.Is(err, x402gate.ErrUpstreamUnavailable)
	}, func() (*x402gate.VerificationOutcome, error) {
		return chainVerifier.Verify(verifyCtx, proof, req)
	})
	e.rec.VerificationDuration(proof.Chain.String(), e.now().Sub(start), err == nil)

	if err != nil {
		return e.deny(log, proof.Chain, e.classify(err)), nil
	}

	// Consume atomically re-checks the ref ledger, closing the race where
	// two in-flight verifications cite the same transaction.
	if err := e.sessions.Consume(proof.Chain, payer, proof.Nonce, proof.TxRef); err != nil {
		return e.deny(log, proof.Chain, e.classify(err)), nil
	}
	consumed = true

	e.rec.AccessDecision(proof.Chain.String(), "serve", "")
	log.Info("payment verified",
		logging.F("payer", outcome.Payer),
		logging.F("amount", outcome.PaidAmount.String()),
		logging.F("tx", outcome.TxHash),
	)
	return &x402gate.AccessResult{ShouldServeContent: true}, nil
}

func (e *Engine) deny(log logging.Logger, chain x402gate.ChainType, gerr *x402gate.GateError) *x402gate.AccessResult {
	e.rec.AccessDecision(chain.String(), "deny", gerr.Code)
	log.Warn("withholding content", logging.F("code", gerr.Code), logging.F("reason", gerr.Message))
	return &x402gate.AccessResult{Err: gerr}
}

// classify maps a decision-path error onto its stable coded form.
func (e *Engine) classify(err error) *x402gate.GateError {
	switch {
	case errors.Is(err, x402gate.ErrReplayedPayment):
		return x402gate.NewGateError(x402gate.CodeReplayedPayment, "payment nonce already redeemed", err)
	case errors.Is(err, x402gate.ErrVerificationInProgress):
		return x402gate.NewGateError(x402gate.CodeVerificationInProgress, "another verification is in flight for this nonce", err)
	case errors.Is(err, x402gate.ErrUnknownNonce):
		return x402gate.NewGateError(x402gate.CodeUnknownNonce, "nonce was never issued or has expired from the cache", err)
	case errors.Is(err, x402gate.ErrPayerMismatch):
		return x402gate.NewGateError(x402gate.CodePayerMismatch, "challenge was issued to a different payer", err)
	case errors.Is(err, x402gate.ErrRequirementExpired):
		return x402gate.NewGateError(x402gate.CodeRequirementExpired, "payment requirement expired, request a new challenge", err)
	case errors.Is(err, x402gate.ErrUpstreamUnavailable), errors.Is(err, context.DeadlineExceeded):
		return x402gate.NewGateError(x402gate.CodeUpstreamUnavailable, "chain verification temporarily unavailable", err)
	case errors.Is(err, x402gate.ErrUnsupportedChain):
		return x402gate.NewGateError(x402gate.CodeUnsupportedChain, "no verifier registered for chain", err)
	default:
		// Unknown failure modes withhold content rather than serve it.
		return x402gate.NewGateError(x402gate.CodeProofInvalid, "payment proof rejected", err)
	}
}

// SupportedChains reports the chains the engine can currently verify.
func (e *Engine) SupportedChains() []x402gate.ChainType {
	if e.registry != nil {
		return e.registry.Chains()
	}
	return nil
}
