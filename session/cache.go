// Package session tracks the lifecycle of payment nonces. It is the only
// mutable shared state on the hot path and enforces at-most-once redemption:
// for a given (chain, payer, nonce) key exactly one caller wins admission to
// chain verification, and once a key is consumed it stays consumed.
package session

import (
	"context"
	"sync"
	"time"

	x402gate "github.com/gatewaylabs/x402-gate"
)

// State is the lifecycle position of a session entry.
type State int

const (
	// StateIssued means the challenge was handed out and no proof has been
	// presented yet.
	StateIssued State = iota
	// StatePending means a verification is in flight for the nonce.
	StatePending
	// StateConsumed means the nonce was redeemed; it can never be reused.
	StateConsumed
)

// Outcome is the terminal result a caller reports for an admitted nonce.
type Outcome int

const (
	// Released returns the nonce to the issued state so the payer may retry.
	Released Outcome = iota
	// Consumed permanently retires the nonce.
	Consumed
)

// AdmitPolicy selects the behavior when a second caller races an in-flight
// verification for the same nonce.
type AdmitPolicy int

const (
	// FailFast rejects the second caller immediately.
	FailFast AdmitPolicy = iota
	// Block parks the second caller until the in-flight verification
	// reaches a terminal state, then re-evaluates.
	Block
)

// key identifies an issued challenge. The payer is bound at issuance and
// checked on redemption, so the nonce alone disambiguates within a chain.
type key struct {
	chain x402gate.ChainType
	nonce string
}

// refKey identifies an on-chain transaction that already paid for a
// challenge. Tracked separately from nonces so one settled transaction
// cannot redeem several distinct challenges.
type refKey struct {
	chain x402gate.ChainType
	ref   string
}

type entry struct {
	state       State
	payer       string
	requirement *x402gate.PaymentRequirement
	insertedAt  time.Time

	// done is closed when a pending verification resolves, waking blocked
	// callers. Replaced on every Issued->Pending transition.
	done chan struct{}
}

// Config controls cache retention and admission behavior.
type Config struct {
	// Retention bounds how long an entry lives regardless of state. It
	// should outlast realistic client retry windows; expired entries are
	// removed by the sweep.
	Retention time.Duration

	// LedgerRetention bounds the long-lived consumed ledger that prevents
	// replay after an entry is evicted. Must be >= Retention.
	LedgerRetention time.Duration

	// SweepInterval is the eviction period. Zero disables the background
	// sweep (entries are then only evicted opportunistically).
	SweepInterval time.Duration

	// Policy selects FailFast or Block on concurrent redemption attempts.
	Policy AdmitPolicy
}

// DefaultConfig retains entries for an hour and consumed keys for a day.
var DefaultConfig = Config{
	Retention:       time.Hour,
	LedgerRetention: 24 * time.Hour,
	SweepInterval:   time.Minute,
	Policy:          FailFast,
}

// Cache is the nonce/session store. All transitions happen under a single
// mutex; the begin/complete pair around chain verification is the only
// long-lived hold a caller has, and it is represented by state, not by the
// lock.
type Cache struct {
	mu      sync.Mutex
	entries map[key]*entry

	// consumed survives entry eviction so a late replay of an evicted nonce
	// is still rejected while the ledger remembers it.
	consumed map[key]time.Time

	// refs records the transaction references that paid for consumed nonces,
	// with the same retention as the consumed ledger.
	refs map[refKey]time.Time

	cfg  Config
	now  func() time.Time
	stop chan struct{}
	once sync.Once
}

// NewCache builds a cache and starts the background sweep if configured.
func NewCache(cfg Config) *Cache {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig.Retention
	}
	if cfg.LedgerRetention < cfg.Retention {
		cfg.LedgerRetention = DefaultConfig.LedgerRetention
	}
	c := &Cache{
		entries:  make(map[key]*entry),
		consumed: make(map[key]time.Time),
		refs:     make(map[refKey]time.Time),
		cfg:      cfg,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	if cfg.SweepInterval > 0 {
		go c.sweepLoop()
	}
	return c
}

// Close stops the background sweep.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.stop) })
}

// Issue records a freshly built requirement for payer. The nonce must be
// unique; colliding with a live or consumed nonce fails with
// ErrReplayedPayment since a reissued nonce would weaken replay protection.
func (c *Cache) Issue(payer string, req *x402gate.PaymentRequirement) error {
	k := key{chain: req.Chain, nonce: req.Nonce}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.consumed[k]; ok {
		return x402gate.ErrReplayedPayment
	}
	if _, ok := c.entries[k]; ok {
		return x402gate.ErrReplayedPayment
	}
	c.entries[k] = &entry{
		state:       StateIssued,
		payer:       payer,
		requirement: req,
		insertedAt:  c.now(),
	}
	return nil
}

// Admission is the token a winning caller holds between TryBegin and
// Complete. It snapshots the requirement the proof must be matched against.
type Admission struct {
	Requirement *x402gate.PaymentRequirement
}

// TryBegin attempts the Issued->Pending transition for (chain, payer, nonce).
//
// Exactly one concurrent caller wins; the compare-and-set nature of the
// transition under the cache mutex guarantees it. Losers observe
// ErrVerificationInProgress (FailFast) or block until the winner resolves
// (Block). A consumed nonce always fails with ErrReplayedPayment, a nonce
// the cache never issued with ErrUnknownNonce, and a nonce issued to a
// different payer with ErrPayerMismatch.
//
// Every successful TryBegin must be paired with Complete on all exit paths.
func (c *Cache) TryBegin(ctx context.Context, chain x402gate.ChainType, payer, nonce string) (*Admission, error) {
	k := key{chain: chain, nonce: nonce}

	for {
		c.mu.Lock()
		if _, ok := c.consumed[k]; ok {
			c.mu.Unlock()
			return nil, x402gate.ErrReplayedPayment
		}
		e, ok := c.entries[k]
		if !ok {
			c.mu.Unlock()
			return nil, x402gate.ErrUnknownNonce
		}
		// A challenge issued without a payer identity binds to whoever
		// redeems it first.
		if e.payer != "" && e.payer != payer {
			c.mu.Unlock()
			return nil, x402gate.ErrPayerMismatch
		}

		switch e.state {
		case StateConsumed:
			c.mu.Unlock()
			return nil, x402gate.ErrReplayedPayment

		case StatePending:
			if c.cfg.Policy == FailFast {
				c.mu.Unlock()
				return nil, x402gate.ErrVerificationInProgress
			}
			done := e.done
			c.mu.Unlock()
			select {
			case <-done:
				// In-flight verification resolved; re-evaluate from scratch.
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}

		case StateIssued:
			e.state = StatePending
			e.payer = payer
			e.done = make(chan struct{})
			adm := &Admission{Requirement: e.requirement}
			c.mu.Unlock()
			return adm, nil
		}
	}
}

// Complete resolves a pending verification. Consumed retires the nonce and
// records it in the long-lived ledger; Released returns it to Issued so the
// payer may retry. Completing a key that is not pending is a no-op, which
// makes deferred release safe on paths that already consumed.
func (c *Cache) Complete(chain x402gate.ChainType, payer, nonce string, outcome Outcome) {
	k := key{chain: chain, nonce: nonce}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[k]
	if !ok || e.state != StatePending || e.payer != payer {
		return
	}

	if outcome == Consumed {
		e.state = StateConsumed
		c.consumed[k] = c.now()
	} else {
		e.state = StateIssued
	}
	if e.done != nil {
		close(e.done)
		e.done = nil
	}
}

// Consume retires a pending nonce and records the transaction reference that
// paid for it. A non-empty ref that already redeemed another nonce on the
// chain fails with ErrReplayedPayment and releases the entry, so the payer
// can retry the challenge with a fresh payment. Signature-carried proofs
// consume with an empty ref; their replay protection is the nonce itself.
func (c *Cache) Consume(chain x402gate.ChainType, payer, nonce, ref string) error {
	k := key{chain: chain, nonce: nonce}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[k]
	if !ok || e.state != StatePending || e.payer != payer {
		return nil
	}

	if ref != "" {
		rk := refKey{chain: chain, ref: ref}
		if _, used := c.refs[rk]; used {
			e.state = StateIssued
			if e.done != nil {
				close(e.done)
				e.done = nil
			}
			return x402gate.ErrReplayedPayment
		}
		c.refs[rk] = c.now()
	}

	e.state = StateConsumed
	c.consumed[k] = c.now()
	if e.done != nil {
		close(e.done)
		e.done = nil
	}
	return nil
}

// RefConsumed reports whether a transaction reference already redeemed a
// nonce on the chain.
func (c *Cache) RefConsumed(chain x402gate.ChainType, ref string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.refs[refKey{chain: chain, ref: ref}]
	return ok
}

// StateOf reports the current state of a nonce. Evicted but consumed keys
// report StateConsumed from the ledger.
func (c *Cache) StateOf(chain x402gate.ChainType, nonce string) (State, bool) {
	k := key{chain: chain, nonce: nonce}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[k]; ok {
		return e.state, true
	}
	if _, ok := c.consumed[k]; ok {
		return StateConsumed, true
	}
	return StateIssued, false
}

// Len returns the number of live entries, for tests and metrics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep evicts entries older than the retention window and ledger keys older
// than the ledger retention. Evicting a Pending entry is an implicit release:
// blocked callers wake and observe ErrUnknownNonce, which lets the payer
// request a fresh challenge rather than replay the old one.
func (c *Cache) Sweep() {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if now.Sub(e.insertedAt) < c.cfg.Retention {
			continue
		}
		if e.state == StatePending && e.done != nil {
			close(e.done)
		}
		delete(c.entries, k)
	}
	for k, consumedAt := range c.consumed {
		if now.Sub(consumedAt) >= c.cfg.LedgerRetention {
			delete(c.consumed, k)
		}
	}
	for rk, usedAt := range c.refs {
		if now.Sub(usedAt) >= c.cfg.LedgerRetention {
			delete(c.refs, rk)
		}
	}
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stop:
			return
		}
	}
}
