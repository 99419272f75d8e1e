package tron_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexapay/x402-facilitator/keystore"
	"github.com/nexapay/x402-facilitator/tron"
	"github.com/nexapay/x402-facilitator/types"
)

func TestCreatePaymentPayload(t *testing.T) {
	key, err := keystore.NewKey()
	require.NoError(t, err)

	from := tron.EVMAddressToAddress(key.Address())
	expiration := time.Now().Add(10 * time.Minute).UnixMilli()

	// The node assembles the unsigned transaction; mirror what a real node
	// returns for the trigger request.
	rawBytes := []byte("synthetic raw data for the transfer")
	txID := sha256.Sum256(rawBytes)
	to, err := tron.Base58ToAddress(testPayTo)
	require.NoError(t, err)
	client := &mockNodeClient{
		trigger: &tron.TriggerSmartContractResponse{
			Result: tron.TriggerResult{Result: true},
			Transaction: &tron.Transaction{
				Visible:    true,
				TxID:       hex.EncodeToString(txID[:]),
				RawDataHex: hex.EncodeToString(rawBytes),
				RawData: tron.RawData{
					Contract: []tron.Contract{{
						Type: "TriggerSmartContract",
						Parameter: tron.Parameter{Value: tron.ParameterValue{
							OwnerAddress:    from.String(),
							ContractAddress: testUSDT,
							Data:            hex.EncodeToString(tron.PackTransfer(to, mustBig(t, "1000000"))),
						}},
					}},
					Expiration: expiration,
					FeeLimit:   tron.DefaultFeeLimit,
				},
			},
		},
	}

	builder := tron.NewPayloadBuilder(client, key, from)
	payload, err := builder.CreatePaymentPayload(context.Background(), testRequirements("1000000"))
	require.NoError(t, err)
	assert.Equal(t, types.X402Version, payload.X402Version)
	assert.Equal(t, testNetwork, payload.Accepted.Network)
	// Echoed so a server accepting several tokens on one network can match.
	assert.Equal(t, testUSDT, payload.Accepted.Asset)
	require.NotNil(t, client.lastTrigger)
	assert.Equal(t, "transfer(address,uint256)", client.lastTrigger.FunctionSelector)

	var exact types.ExactTronPayload
	require.NoError(t, json.Unmarshal(payload.Payload, &exact))
	assert.Equal(t, from.String(), exact.Authorization.From)
	assert.Equal(t, expiration, exact.Authorization.Expiration)

	// The built payload must pass local verification.
	err = tron.LocalVerifier{}.VerifyTransaction(context.Background(), exact.SignedTransaction, exact.Authorization)
	require.NoError(t, err)
}

func TestCreatePaymentPayloadRejectsForeignNetwork(t *testing.T) {
	key, err := keystore.NewKey()
	require.NoError(t, err)
	builder := tron.NewPayloadBuilder(&mockNodeClient{}, key, tron.EVMAddressToAddress(key.Address()))

	_, err = builder.CreatePaymentPayload(context.Background(), &types.PaymentRequirements{
		Scheme:  types.SchemeExact,
		Network: "eip155:8453",
	})
	require.Error(t, err)
}

func mustBig(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	require.True(t, ok)
	return v
}
