package types_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexapay/x402-facilitator/types"
)

func TestNormalizeNetwork(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"eip155:8453", "eip155:8453"},
		{"base", "eip155:8453"},
		{"base-sepolia", "eip155:84532"},
		{"Base-Sepolia", "eip155:84532"},
		{"tron", "tron:mainnet"},
		{"tron:nile", "tron:nile"},
		{"solana-devnet", "solana:devnet"},
		{"eip155:999999", "eip155:999999"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, types.NormalizeNetwork(tt.in), "input %q", tt.in)
	}
}

func TestParseNetwork(t *testing.T) {
	ns, ref, err := types.ParseNetwork("eip155:84532")
	require.NoError(t, err)
	assert.Equal(t, "eip155", ns)
	assert.Equal(t, "84532", ref)

	ns, ref, err = types.ParseNetwork("base")
	require.NoError(t, err)
	assert.Equal(t, "eip155", ns)
	assert.Equal(t, "8453", ref)

	_, _, err = types.ParseNetwork("notanetwork")
	require.Error(t, err)

	_, _, err = types.ParseNetwork("eip155:")
	require.Error(t, err)
}

func TestMatchNetworkPattern(t *testing.T) {
	assert.True(t, types.MatchNetworkPattern("eip155:*", "eip155:84532"))
	assert.True(t, types.MatchNetworkPattern("eip155:*", "base"))
	assert.True(t, types.MatchNetworkPattern("eip155:8453", "base"))
	assert.True(t, types.MatchNetworkPattern("tron:*", "tron:nile"))
	assert.False(t, types.MatchNetworkPattern("eip155:*", "tron:mainnet"))
	assert.False(t, types.MatchNetworkPattern("eip155:8453", "eip155:84532"))
	assert.False(t, types.MatchNetworkPattern("*", "eip155:1"))
}

func TestSameNetwork(t *testing.T) {
	assert.True(t, types.SameNetwork("base-sepolia", "eip155:84532"))
	assert.False(t, types.SameNetwork("eip155:8453", "eip155:84532"))
}
