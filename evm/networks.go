package evm

import (
	"math/big"
	"strconv"

	"github.com/nexapay/x402-facilitator/money"
	"github.com/nexapay/x402-facilitator/types"
)

// AssetInfo is the metadata of a network's default settlement token. Name and
// Version are the token's EIP-712 domain parameters.
type AssetInfo struct {
	Address  string
	Name     string
	Version  string
	Decimals int32
}

// NetworkConfig ties a CAIP-2 network to its chain id and default token.
type NetworkConfig struct {
	ChainID      *big.Int
	DefaultAsset AssetInfo
}

// Token metadata is resolved from this table exclusively; there is no dynamic
// on-chain lookup by address. Per-payment overrides come in through
// requirements.extra (name/version).
var networkConfigs = map[string]NetworkConfig{
	"eip155:1": {
		ChainID: big.NewInt(1),
		DefaultAsset: AssetInfo{
			Address:  "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
			Name:     "USD Coin",
			Version:  "2",
			Decimals: 6,
		},
	},
	"eip155:8453": {
		ChainID: big.NewInt(8453),
		DefaultAsset: AssetInfo{
			Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			Name:     "USDC",
			Version:  "2",
			Decimals: 6,
		},
	},
	"eip155:84532": {
		ChainID: big.NewInt(84532),
		DefaultAsset: AssetInfo{
			Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			Name:     "USDC",
			Version:  "2",
			Decimals: 6,
		},
	},
	"eip155:11155111": {
		ChainID: big.NewInt(11155111),
		DefaultAsset: AssetInfo{
			Address:  "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
			Name:     "USDC",
			Version:  "2",
			Decimals: 6,
		},
	},
	"eip155:43114": {
		ChainID: big.NewInt(43114),
		DefaultAsset: AssetInfo{
			Address:  "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
			Name:     "USD Coin",
			Version:  "2",
			Decimals: 6,
		},
	},
	"eip155:43113": {
		ChainID: big.NewInt(43113),
		DefaultAsset: AssetInfo{
			Address:  "0x5425890298aed601595a70AB815c96711a31Bc65",
			Name:     "USD Coin",
			Version:  "2",
			Decimals: 6,
		},
	},
	"eip155:137": {
		ChainID: big.NewInt(137),
		DefaultAsset: AssetInfo{
			Address:  "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
			Name:     "USDC",
			Version:  "2",
			Decimals: 6,
		},
	},
	"eip155:80002": {
		ChainID: big.NewInt(80002),
		DefaultAsset: AssetInfo{
			Address:  "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
			Name:     "USDC",
			Version:  "2",
			Decimals: 6,
		},
	},
}

// Network looks up the configuration for a CAIP-2 network identifier,
// normalizing legacy aliases first.
func Network(network string) (NetworkConfig, bool) {
	cfg, ok := networkConfigs[types.NormalizeNetwork(network)]
	return cfg, ok
}

// ChainID resolves the numeric chain id of an eip155 network. Networks absent
// from the registry still resolve as long as the CAIP-2 reference is numeric,
// so payments with an explicit asset work on any EVM chain.
func ChainID(network string) (*big.Int, bool) {
	ns, ref, err := types.ParseNetwork(network)
	if err != nil || ns != types.NamespaceEVM {
		return nil, false
	}
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return nil, false
	}
	return big.NewInt(id), true
}

// DefaultTokens exposes the registry in the shape the money parser chain
// consumes.
func DefaultTokens() map[string]money.TokenInfo {
	tokens := make(map[string]money.TokenInfo, len(networkConfigs))
	for network, cfg := range networkConfigs {
		tokens[network] = money.TokenInfo{
			Asset:    cfg.DefaultAsset.Address,
			Decimals: cfg.DefaultAsset.Decimals,
			Extra: map[string]any{
				"name":    cfg.DefaultAsset.Name,
				"version": cfg.DefaultAsset.Version,
			},
		}
	}
	return tokens
}
