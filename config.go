package x402gate

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ConcurrencyPolicy selects how a request racing an in-flight verification
// for the same nonce is handled.
type ConcurrencyPolicy string

const (
	// PolicyFailFast rejects the racing request immediately.
	PolicyFailFast ConcurrencyPolicy = "fail-fast"
	// PolicyBlock parks the racing request until the in-flight verification
	// resolves.
	PolicyBlock ConcurrencyPolicy = "block"
)

// PriceConfig declares the payment terms for a resource in human units.
type PriceConfig struct {
	// Chain is the network payments are accepted on.
	Chain ChainType `json:"chain" validate:"required"`

	// Amount is the price in human-readable units ("0.01").
	Amount string `json:"amount" validate:"required"`

	// Decimals converts Amount to atomic units (6 for USDC, 9 for SOL).
	Decimals int32 `json:"decimals" validate:"gte=0,lte=36"`

	// Recipient is the pay-to address.
	Recipient string `json:"recipient" validate:"required"`

	// Asset is the token contract or mint; empty for the native asset.
	Asset string `json:"asset,omitempty"`

	// Description overrides the generated challenge description.
	Description string `json:"description,omitempty"`
}

// Config assembles a gate. Zero durations fall back to the documented
// defaults at construction time.
type Config struct {
	// Endpoints maps each accepted chain to its RPC or node endpoint. An
	// empty endpoint is allowed for EVM chains, which then verify by
	// signature recovery alone.
	Endpoints map[ChainType]string `json:"endpoints" validate:"min=1"`

	// Prices maps resource identifiers to their payment terms.
	Prices map[string]PriceConfig `json:"prices" validate:"dive"`

	// DefaultPrice applies to resources absent from Prices. Nil means
	// unlisted resources are served without payment.
	DefaultPrice *PriceConfig `json:"defaultPrice,omitempty"`

	// ChallengeTTL is how long an issued requirement stays redeemable.
	// Default 5 minutes.
	ChallengeTTL time.Duration `json:"challengeTTL" validate:"gte=0"`

	// SessionRetention bounds nonce cache entries; it should outlast client
	// retry windows. Default 1 hour.
	SessionRetention time.Duration `json:"sessionRetention" validate:"gte=0"`

	// LedgerRetention bounds the consumed-nonce ledger that blocks replay
	// after eviction. Default 24 hours.
	LedgerRetention time.Duration `json:"ledgerRetention" validate:"gte=0"`

	// SweepInterval is the cache eviction period. Default 1 minute.
	SweepInterval time.Duration `json:"sweepInterval" validate:"gte=0"`

	// Concurrency selects fail-fast or block on racing redemptions.
	// Default fail-fast.
	Concurrency ConcurrencyPolicy `json:"concurrency" validate:"omitempty,oneof=fail-fast block"`

	// VerifyTimeout bounds a single chain verification including retries.
	// Default 15 seconds.
	VerifyTimeout time.Duration `json:"verifyTimeout" validate:"gte=0"`

	// RetryAttempts is the total number of attempts for transient upstream
	// failures. Default 3.
	RetryAttempts int `json:"retryAttempts" validate:"gte=0,lte=10"`
}

var validate = validator.New()

// Validate checks structural constraints and that every referenced chain is
// in the supported set.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	for chain := range c.Endpoints {
		if _, ok := chain.Info(); !ok {
			return fmt.Errorf("%w: unknown chain %q in endpoints", ErrInvalidConfig, chain)
		}
	}

	check := func(resource string, p PriceConfig) error {
		if _, ok := p.Chain.Info(); !ok {
			return fmt.Errorf("%w: unknown chain %q pricing %q", ErrInvalidConfig, p.Chain, resource)
		}
		if _, ok := c.Endpoints[p.Chain]; !ok {
			return fmt.Errorf("%w: %q is priced on %s but no endpoint is configured for it", ErrInvalidConfig, resource, p.Chain)
		}
		return nil
	}
	for resource, p := range c.Prices {
		if err := check(resource, p); err != nil {
			return err
		}
	}
	if c.DefaultPrice != nil {
		if err := check("(default)", *c.DefaultPrice); err != nil {
			return err
		}
	}
	return nil
}
