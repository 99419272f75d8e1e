package types

import (
	"fmt"
	"strings"
)

// CAIP-2 namespaces understood by this module.
const (
	NamespaceEVM    = "eip155"
	NamespaceTron   = "tron"
	NamespaceSolana = "solana"
)

// legacyNetworkNames maps pre-CAIP network names still seen in the wild to
// their canonical CAIP-2 identifiers.
var legacyNetworkNames = map[string]string{
	"base":            "eip155:8453",
	"base-sepolia":    "eip155:84532",
	"ethereum":        "eip155:1",
	"sepolia":         "eip155:11155111",
	"avalanche":       "eip155:43114",
	"avalanche-fuji":  "eip155:43113",
	"polygon":         "eip155:137",
	"polygon-amoy":    "eip155:80002",
	"tron":            "tron:mainnet",
	"tron-nile":       "tron:nile",
	"tron-shasta":     "tron:shasta",
	"solana":          "solana:mainnet",
	"solana-devnet":   "solana:devnet",
}

// NormalizeNetwork returns the canonical CAIP-2 form of a network identifier,
// translating legacy aliases. Unknown inputs are returned unchanged.
func NormalizeNetwork(network string) string {
	n := strings.ToLower(strings.TrimSpace(network))
	if canonical, ok := legacyNetworkNames[n]; ok {
		return canonical
	}
	return n
}

// ParseNetwork splits a CAIP-2 identifier into namespace and reference.
func ParseNetwork(network string) (namespace, reference string, err error) {
	n := NormalizeNetwork(network)
	parts := strings.SplitN(n, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid CAIP-2 network identifier: %q", network)
	}
	return parts[0], parts[1], nil
}

// SameNetwork reports whether two network identifiers refer to the same chain
// after normalization.
func SameNetwork(a, b string) bool {
	return NormalizeNetwork(a) == NormalizeNetwork(b)
}

// MatchNetworkPattern reports whether network matches pattern. A pattern is a
// CAIP-2 identifier whose reference may be the wildcard "*", e.g. "eip155:*".
func MatchNetworkPattern(pattern, network string) bool {
	p := NormalizeNetwork(pattern)
	n := NormalizeNetwork(network)
	if p == n {
		return true
	}
	ns, ref, err := ParseNetwork(p)
	if err != nil || ref != "*" {
		return false
	}
	nns, _, err := ParseNetwork(n)
	return err == nil && ns == nns
}
