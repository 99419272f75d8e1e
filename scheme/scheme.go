// Package scheme defines the payment-scheme interface and the registry that
// dispatches (scheme id, network) pairs onto concrete implementations.
package scheme

import (
	"context"

	"github.com/nexapay/x402-facilitator/types"
)

// Scheme is one payment mechanism on one chain family. Verify must logically
// precede Settle for a given payload; implementations re-run an equivalent
// verification pass inside Settle immediately before submission. Replay
// protection across settlements of one authorization is provided by the chain,
// not by this layer.
type Scheme interface {
	// ParsePrice converts a human price into atomic units of the asset the
	// scheme settles on the given network.
	ParsePrice(price any, network string) (*types.AssetAmount, error)

	// Verify checks a payment payload against requirements without touching
	// chain state. Check order is fixed and fail-fast.
	Verify(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.VerifyResponse, error)

	// Settle submits the payment on-chain and waits for inclusion.
	Settle(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.SettleResponse, error)
}

type entry struct {
	scheme  string
	pattern string
	impl    Scheme
}

// Registry maps (scheme id, CAIP-2 network pattern) pairs to Scheme
// implementations. Patterns may use a wildcard reference, e.g. "eip155:*".
// Registries are instance-scoped; first registered match wins.
type Registry struct {
	entries []entry
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a scheme under the given id and network pattern.
func (r *Registry) Register(schemeID, networkPattern string, s Scheme) {
	r.entries = append(r.entries, entry{scheme: schemeID, pattern: networkPattern, impl: s})
}

// Lookup returns the first registered scheme matching the id and network.
func (r *Registry) Lookup(schemeID, network string) (Scheme, bool) {
	for _, e := range r.entries {
		if e.scheme == schemeID && types.MatchNetworkPattern(e.pattern, network) {
			return e.impl, true
		}
	}
	return nil, false
}

// Kinds lists every registered (scheme, network pattern) pair.
func (r *Registry) Kinds() []types.SupportedKind {
	kinds := make([]types.SupportedKind, 0, len(r.entries))
	for _, e := range r.entries {
		kinds = append(kinds, types.SupportedKind{Scheme: e.scheme, Network: types.NormalizeNetwork(e.pattern)})
	}
	return kinds
}
