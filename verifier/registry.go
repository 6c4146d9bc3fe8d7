// Package verifier holds the chain verifier registry and constructors that
// dispatch on a chain's verification family.
package verifier

import (
	"context"
	"fmt"
	"sort"
	"sync"

	x402gate "github.com/gatewaylabs/x402-gate"
	"github.com/gatewaylabs/x402-gate/verifier/evm"
	"github.com/gatewaylabs/x402-gate/verifier/movevm"
	"github.com/gatewaylabs/x402-gate/verifier/svm"
)

// Registry maps chains to their verifiers. Registration is expected at
// startup but is safe at any time; registering a chain again replaces the
// previous verifier, so endpoints can be rotated without a restart.
type Registry struct {
	mu        sync.RWMutex
	verifiers map[x402gate.ChainType]x402gate.ChainVerifier
}

var _ x402gate.VerifierResolver = (*Registry)(nil)

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{verifiers: make(map[x402gate.ChainType]x402gate.ChainVerifier)}
}

// Register installs v for its chain, replacing any existing verifier.
func (r *Registry) Register(v x402gate.ChainVerifier) error {
	if v == nil {
		return fmt.Errorf("%w: nil verifier", x402gate.ErrInvalidConfig)
	}
	chain := v.Chain()
	if _, ok := chain.Info(); !ok {
		return fmt.Errorf("%w: %s", x402gate.ErrUnsupportedChain, chain)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifiers[chain] = v
	return nil
}

// RegisterEndpoint builds the family-appropriate verifier for chain against
// endpoint and installs it. EVM chains get a signature verifier with an RPC
// balance backend, Solana chains a transaction lookup verifier, Move chains a
// node API verifier.
func (r *Registry) RegisterEndpoint(ctx context.Context, chain x402gate.ChainType, endpoint string) error {
	var (
		v   x402gate.ChainVerifier
		err error
	)
	switch chain.Family() {
	case x402gate.FamilyEVM:
		if endpoint == "" {
			v, err = evm.New(chain)
		} else {
			v, err = evm.Dial(ctx, chain, endpoint)
		}
	case x402gate.FamilySolana:
		v, err = svm.Dial(chain, endpoint)
	case x402gate.FamilyMove:
		v, err = movevm.New(chain, endpoint)
	default:
		return fmt.Errorf("%w: %s", x402gate.ErrUnsupportedChain, chain)
	}
	if err != nil {
		return err
	}
	return r.Register(v)
}

// Resolve returns the verifier for chain. It is a pure map lookup and never
// touches the network.
func (r *Registry) Resolve(chain x402gate.ChainType) (x402gate.ChainVerifier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.verifiers[chain]
	return v, ok
}

// Chains returns the registered chains in stable order.
func (r *Registry) Chains() []x402gate.ChainType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chains := make([]x402gate.ChainType, 0, len(r.verifiers))
	for chain := range r.verifiers {
		chains = append(chains, chain)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })
	return chains
}
