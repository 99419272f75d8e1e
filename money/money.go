// Package money converts human-readable prices into on-chain asset amounts.
//
// A Chain is an ordered list of parser functions tried in registration order;
// the first parser returning a non-nil AssetAmount wins. A parser that returns
// an error is treated as "no match" and the chain continues. When nothing
// matches, a default converter turns numeric or "$X.XX" prices into atomic
// units of the network's default token, truncating extra fractional digits.
package money

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/nexapay/x402-facilitator/types"
)

// Sentinel errors returned by Parse. Callers map these onto the wire-level
// error codes invalid_price_format and unsupported_network.
var (
	ErrInvalidPrice       = errors.New("invalid price format")
	ErrUnsupportedNetwork = errors.New("unsupported network")
)

// TokenInfo describes a network's default settlement token.
type TokenInfo struct {
	Asset    string
	Decimals int32
	Extra    map[string]any
}

// Parser attempts to turn price into an AssetAmount for network. Returning
// (nil, nil) or an error means "no match"; the chain moves on.
type Parser func(price any, network string) (*types.AssetAmount, error)

// Chain is an instance-scoped price parser chain. Instances are intentionally
// not shared through package state so that tenants with different token
// configurations cannot observe each other's parsers.
type Chain struct {
	parsers  []Parser
	defaults map[string]TokenInfo
}

// NewChain builds a Chain over the given per-network default tokens. The map
// is keyed by canonical CAIP-2 identifiers.
func NewChain(defaults map[string]TokenInfo, parsers ...Parser) *Chain {
	c := &Chain{defaults: map[string]TokenInfo{}}
	for network, info := range defaults {
		c.defaults[types.NormalizeNetwork(network)] = info
	}
	c.parsers = append(c.parsers, parsers...)
	return c
}

// Register appends a parser to the chain. Parsers run in registration order.
func (c *Chain) Register(p Parser) {
	c.parsers = append(c.parsers, p)
}

// Parse resolves price into an atomic asset amount for network.
func (c *Chain) Parse(price any, network string) (*types.AssetAmount, error) {
	// A typed amount passes through, backfilled with the network default
	// asset when the caller left it blank.
	switch v := price.(type) {
	case types.AssetAmount:
		return c.fillDefaults(&v, network)
	case *types.AssetAmount:
		if v == nil {
			return nil, errors.Wrap(ErrInvalidPrice, "nil asset amount")
		}
		amount := *v
		return c.fillDefaults(&amount, network)
	}

	for _, parse := range c.parsers {
		amount, err := parse(price, network)
		if err != nil {
			continue
		}
		if amount != nil {
			return amount, nil
		}
	}

	return c.convertDefault(price, network)
}

func (c *Chain) fillDefaults(amount *types.AssetAmount, network string) (*types.AssetAmount, error) {
	if amount.Amount == "" {
		return nil, errors.Wrap(ErrInvalidPrice, "asset amount has no amount")
	}
	if amount.Asset == "" || amount.Extra == nil {
		info, ok := c.defaults[types.NormalizeNetwork(network)]
		if !ok {
			return nil, errors.Wrapf(ErrUnsupportedNetwork, "no default token for %q", network)
		}
		if amount.Asset == "" {
			amount.Asset = info.Asset
		}
		if amount.Extra == nil {
			amount.Extra = info.Extra
		}
	}
	return amount, nil
}

// convertDefault handles numeric prices and "$X.XX" strings against the
// network's default token. Fractional digits beyond the token's precision are
// truncated, never rounded, so the charged amount can only be lower.
func (c *Chain) convertDefault(price any, network string) (*types.AssetAmount, error) {
	info, ok := c.defaults[types.NormalizeNetwork(network)]
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedNetwork, "no default token for %q", network)
	}

	d, err := toDecimal(price)
	if err != nil {
		return nil, err
	}
	if d.IsNegative() {
		return nil, errors.Wrapf(ErrInvalidPrice, "price must not be negative: %s", d)
	}

	atomic := d.Shift(info.Decimals).Truncate(0)
	return &types.AssetAmount{
		Amount: atomic.String(),
		Asset:  info.Asset,
		Extra:  info.Extra,
	}, nil
}

func toDecimal(price any) (decimal.Decimal, error) {
	switch v := price.(type) {
	case string:
		s := strings.TrimSpace(v)
		s = strings.TrimPrefix(s, "$")
		s = strings.ReplaceAll(s, ",", "")
		if s == "" {
			return decimal.Zero, errors.Wrap(ErrInvalidPrice, "empty price string")
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, errors.Wrapf(ErrInvalidPrice, "%q", v)
		}
		return d, nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case uint64:
		return decimal.NewFromUint64(v), nil
	case decimal.Decimal:
		return v, nil
	default:
		return decimal.Zero, errors.Wrap(ErrInvalidPrice, fmt.Sprintf("unsupported price type %T", price))
	}
}
