package tron

import (
	"strings"

	"github.com/nexapay/x402-facilitator/money"
	"github.com/nexapay/x402-facilitator/types"
)

type networkConfig struct {
	Network  string
	USDT     string
	Decimals int32
}

// USDT contracts per TRON network. Decimals are 6 everywhere.
var networkConfigs = map[string]networkConfig{
	"tron:mainnet": {Network: "tron:mainnet", USDT: "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t", Decimals: 6},
	"tron:nile":    {Network: "tron:nile", USDT: "TXYZopYRdj2D9XRtbG411XZZ3kM5VkAeBf", Decimals: 6},
	"tron:shasta":  {Network: "tron:shasta", USDT: "TG3XXyExBkPp9nzdajDZsozEu4BkaSJozs", Decimals: 6},
}

// IsTronNetwork reports whether the CAIP-2 identifier names a TRON network.
func IsTronNetwork(network string) bool {
	return strings.HasPrefix(types.NormalizeNetwork(network), types.NamespaceTron+":")
}

// DefaultTokens returns the default settlement token per supported network.
func DefaultTokens() map[string]money.TokenInfo {
	tokens := make(map[string]money.TokenInfo, len(networkConfigs))
	for network, cfg := range networkConfigs {
		tokens[network] = money.TokenInfo{Asset: cfg.USDT, Decimals: cfg.Decimals}
	}
	return tokens
}
