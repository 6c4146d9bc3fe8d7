// Package pricing decides what a resource costs and mints the payment
// requirements handed out in challenges. A Policy maps resources to prices;
// the Builder stamps each requirement with a fresh single-use nonce and an
// expiry window.
package pricing

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"path"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	x402gate "github.com/gatewaylabs/x402-gate"
)

// Price is the payment terms for one resource, before challenge-specific
// fields (nonce, expiry) are added.
type Price struct {
	// Chain is the network the payment must be made on.
	Chain x402gate.ChainType

	// Amount is the required payment in atomic units.
	Amount *big.Int

	// Recipient is the pay-to address on Chain.
	Recipient string

	// Asset is the token contract or mint; empty for the native asset.
	Asset string

	// Description overrides the generated challenge description when set.
	Description string
}

// Policy resolves a resource identifier to its price. The second return is
// false when the policy has no opinion on the resource.
type Policy interface {
	PriceFor(resource string) (Price, bool)
}

// ParseAmount converts a human-readable amount ("0.01") to atomic units
// given the asset's decimals (6 for USDC). Fractional dust beyond the
// asset's precision is rejected rather than silently truncated.
func ParseAmount(human string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(human)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", human, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("invalid amount %q: negative", human)
	}
	atomic := d.Shift(decimals)
	if !atomic.Equal(atomic.Truncate(0)) {
		return nil, fmt.Errorf("invalid amount %q: more than %d decimal places", human, decimals)
	}
	return atomic.BigInt(), nil
}

// FixedTable is a Policy backed by an exact resource-to-price map with an
// optional default for everything else.
type FixedTable struct {
	prices       map[string]Price
	defaultPrice *Price
}

// NewFixedTable builds a table policy. defaultPrice may be nil, in which
// case unlisted resources are unpriced (and the gate serves them freely).
func NewFixedTable(prices map[string]Price, defaultPrice *Price) *FixedTable {
	cp := make(map[string]Price, len(prices))
	for k, v := range prices {
		cp[k] = v
	}
	return &FixedTable{prices: cp, defaultPrice: defaultPrice}
}

func (t *FixedTable) PriceFor(resource string) (Price, bool) {
	if p, ok := t.prices[resource]; ok {
		return p, true
	}
	if t.defaultPrice != nil {
		return *t.defaultPrice, true
	}
	return Price{}, false
}

// PatternRule prices every resource matching a path pattern. Patterns use
// path.Match syntax ("/premium/*") with "/**" accepted as a recursive suffix.
type PatternRule struct {
	Pattern string
	Price   Price
}

// PatternRules is a Policy evaluated in declaration order; the first matching
// rule wins.
type PatternRules struct {
	rules []PatternRule
}

// NewPatternRules builds an ordered pattern policy.
func NewPatternRules(rules []PatternRule) *PatternRules {
	return &PatternRules{rules: append([]PatternRule(nil), rules...)}
}

func (p *PatternRules) PriceFor(resource string) (Price, bool) {
	for _, r := range p.rules {
		if matchPattern(r.Pattern, resource) {
			return r.Price, true
		}
	}
	return Price{}, false
}

func matchPattern(pattern, resource string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		return resource == prefix || strings.HasPrefix(resource, prefix+"/")
	}
	ok, err := path.Match(pattern, resource)
	return err == nil && ok
}

// Builder mints payment requirements from a policy, attaching a fresh nonce
// and expiry to each. Builders are safe for concurrent use.
type Builder struct {
	policy Policy
	ttl    time.Duration
	now    func() time.Time
	nonce  func() (string, error)
}

// Option customizes a Builder.
type Option func(*Builder)

// WithTTL sets the challenge validity window. Default is 5 minutes.
func WithTTL(ttl time.Duration) Option {
	return func(b *Builder) { b.ttl = ttl }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// WithNonceSource overrides nonce generation, for tests.
func WithNonceSource(fn func() (string, error)) Option {
	return func(b *Builder) { b.nonce = fn }
}

// NewBuilder builds a requirement builder over policy.
func NewBuilder(policy Policy, opts ...Option) *Builder {
	b := &Builder{
		policy: policy,
		ttl:    5 * time.Minute,
		now:    time.Now,
		nonce:  GenerateNonce,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build mints a requirement for resource. The second return is false when
// the policy does not price the resource. Each call produces a distinct
// nonce, so concurrent challenges for the same resource never collide.
func (b *Builder) Build(resource string) (*x402gate.PaymentRequirement, bool, error) {
	price, ok := b.policy.PriceFor(resource)
	if !ok {
		return nil, false, nil
	}

	nonce, err := b.nonce()
	if err != nil {
		return nil, false, fmt.Errorf("generating nonce: %w", err)
	}

	desc := price.Description
	if desc == "" {
		desc = "Access to: " + resource
	}

	return &x402gate.PaymentRequirement{
		Chain:       price.Chain,
		Amount:      new(big.Int).Set(price.Amount),
		Recipient:   price.Recipient,
		Asset:       price.Asset,
		Resource:    resource,
		Description: desc,
		Nonce:       nonce,
		Expiry:      b.now().Add(b.ttl),
	}, true, nil
}

// GenerateNonce returns 32 bytes of entropy as a 0x-prefixed hex string.
func GenerateNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading entropy: %w", err)
	}
	return "0x" + hex.EncodeToString(buf), nil
}
