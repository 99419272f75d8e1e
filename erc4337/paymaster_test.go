package erc4337

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePaymasterResult(t *testing.T) {
	paymaster := common.HexToAddress("0x1234567890123456789012345678901234567890")

	t.Run("v0.7 split fields", func(t *testing.T) {
		raw := json.RawMessage(`{
			"paymaster": "0x1234567890123456789012345678901234567890",
			"paymasterData": "0xdeadbeef",
			"paymasterVerificationGasLimit": "0x7a120",
			"paymasterPostOpGasLimit": "0x2710"
		}`)
		data := normalizePaymasterResult(raw)
		assert.Equal(t, paymaster, data.Paymaster)
		assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, data.PaymasterData)
		assert.Equal(t, big.NewInt(500_000), data.PaymasterVerificationGasLimit)
		assert.Equal(t, big.NewInt(10_000), data.PaymasterPostOpGasLimit)
		assert.False(t, data.IsZero())

		packed := data.Packed()
		require.Len(t, packed, 20+32+4)
		assert.Equal(t, paymaster.Bytes(), packed[:20])
		verification, postOp := unpackPair([32]byte(packed[20:52]))
		assert.Equal(t, big.NewInt(500_000), verification)
		assert.Equal(t, big.NewInt(10_000), postOp)
		assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, packed[52:])
	})

	t.Run("legacy packed shape", func(t *testing.T) {
		raw := json.RawMessage(`{"paymasterAndData": "0x1234567890123456789012345678901234567890deadbeef"}`)
		data := normalizePaymasterResult(raw)
		assert.False(t, data.IsZero())
		assert.Equal(t, common.FromHex("0x1234567890123456789012345678901234567890deadbeef"), data.Packed())
	})

	t.Run("unrecognized shape is zero value, not error", func(t *testing.T) {
		data := normalizePaymasterResult(json.RawMessage(`{"sponsorship": 42}`))
		assert.True(t, data.IsZero())
		assert.Nil(t, data.Packed())

		data = normalizePaymasterResult(json.RawMessage(`"not even an object"`))
		assert.True(t, data.IsZero())
	})
}

func TestPaymasterClients(t *testing.T) {
	result := `{"paymaster":"0x1234567890123456789012345678901234567890","paymasterData":"0xbeef","paymasterPostOpGasLimit":"0x2710"}`
	entryPoint, _ := EntryPointAddress(EntryPointV07)
	chainID := big.NewInt(84532)

	t.Run("sponsoring", func(t *testing.T) {
		server := newRPCTestServer(t)
		server.respond("pm_getPaymasterData", result)
		client := NewSponsoringPaymaster(server.server.URL, nil)

		data, err := client.GetPaymasterData(context.Background(), sampleOp(), chainID, entryPoint)
		require.NoError(t, err)
		assert.False(t, data.IsZero())
		assert.True(t, client.WillSponsor(context.Background(), sampleOp(), chainID, entryPoint))

		requests := server.recorded()
		require.NotEmpty(t, requests)
		assert.Equal(t, "pm_getPaymasterData", requests[0].Method)
		require.Len(t, requests[0].Params, 4)
		assert.Equal(t, "0x14a34", requests[0].Params[2], "chain id is a hex quantity")
	})

	t.Run("mode-based", func(t *testing.T) {
		server := newRPCTestServer(t)
		server.respond("pm_getPaymasterData", result)
		client := NewModePaymaster(server.server.URL, "SPONSORED", nil)

		_, err := client.GetPaymasterData(context.Background(), sampleOp(), chainID, entryPoint)
		require.NoError(t, err)

		requests := server.recorded()
		require.NotEmpty(t, requests)
		modeCtx, ok := requests[0].Params[3].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "SPONSORED", modeCtx["mode"])
	})

	t.Run("stub data", func(t *testing.T) {
		server := newRPCTestServer(t)
		server.respond("pm_getPaymasterStubData", result)
		client := NewStubDataPaymaster(server.server.URL, nil)

		data, err := client.GetPaymasterData(context.Background(), sampleOp(), chainID, entryPoint)
		require.NoError(t, err)
		assert.False(t, data.IsZero())
		assert.Equal(t, "pm_getPaymasterStubData", server.recorded()[0].Method)
	})

	t.Run("rpc error refuses sponsorship", func(t *testing.T) {
		server := newRPCTestServer(t)
		server.errorBody = `{"code":-32500,"message":"policy rejected"}`
		client := NewSponsoringPaymaster(server.server.URL, nil)

		_, err := client.GetPaymasterData(context.Background(), sampleOp(), chainID, entryPoint)
		require.Error(t, err)
		assert.False(t, client.WillSponsor(context.Background(), sampleOp(), chainID, entryPoint))
	})
}
