package evm_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nexapay/x402-facilitator/evm"
	"github.com/nexapay/x402-facilitator/keystore"
	"github.com/nexapay/x402-facilitator/types"
)

const (
	testNetwork = "eip155:84532"
	testAsset   = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testPayTo   = "0x9876543210987654321098765432109876543210"
)

var (
	balanceOfSelector = hexutil.MustDecode("0x70a08231")
	transferSelector  = hexutil.MustDecode("0xe3ee160e")
)

// mockChainClient implements evm.ChainClient against canned responses.
type mockChainClient struct {
	balance      *big.Int
	balanceErr   error
	simulateErr  error
	sendErr      error
	receipt      *evm.Receipt
	receiptErr   error
	lastCallData []byte
}

func (m *mockChainClient) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(84532), nil
}

func (m *mockChainClient) CallContract(_ context.Context, _ common.Address, data []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(data, balanceOfSelector):
		if m.balanceErr != nil {
			return nil, m.balanceErr
		}
		balance := m.balance
		if balance == nil {
			balance = big.NewInt(1_000_000_000_000)
		}
		return common.LeftPadBytes(balance.Bytes(), 32), nil
	case bytes.HasPrefix(data, transferSelector):
		if m.simulateErr != nil {
			return nil, m.simulateErr
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected call %x", data[:4])
	}
}

func (m *mockChainClient) CodeAt(context.Context, common.Address) ([]byte, error) {
	return nil, nil
}

func (m *mockChainClient) SuggestFees(context.Context) (*big.Int, *big.Int, error) {
	return big.NewInt(1_000_000_000), big.NewInt(100_000_000), nil
}

func (m *mockChainClient) SendContractTransaction(_ context.Context, _ common.Address, data []byte) (common.Hash, error) {
	if m.sendErr != nil {
		return common.Hash{}, m.sendErr
	}
	m.lastCallData = data
	return common.HexToHash("0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef"), nil
}

func (m *mockChainClient) WaitForReceipt(_ context.Context, txHash common.Hash) (*evm.Receipt, error) {
	if m.receiptErr != nil {
		return nil, m.receiptErr
	}
	if m.receipt != nil {
		return m.receipt, nil
	}
	return &evm.Receipt{TxHash: txHash, Status: evm.TxStatusSuccess, BlockNumber: 1}, nil
}

func testRequirements(amount string) *types.PaymentRequirements {
	return &types.PaymentRequirements{
		Scheme:            types.SchemeExact,
		Network:           testNetwork,
		Amount:            amount,
		Asset:             testAsset,
		PayTo:             testPayTo,
		MaxTimeoutSeconds: 300,
		Extra:             map[string]any{"name": "USDC", "version": "2"},
	}
}

// signedPayload builds a payload signed by key for the given authorization
// window and value.
func signedPayload(t *testing.T, key *keystore.Key, value, validAfter, validBefore string) *types.PaymentPayload {
	t.Helper()

	auth := types.EvmAuthorization{
		From:        key.Address().Hex(),
		To:          testPayTo,
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       "0x0000000000000000000000000000000000000000000000000000000000000001",
	}
	domain := evm.TypedDomain{
		Name:              "USDC",
		Version:           "2",
		ChainID:           big.NewInt(84532),
		VerifyingContract: testAsset,
	}
	sig, err := key.SignTypedData(context.Background(), evm.TransferAuthorizationTypedData(auth, domain))
	require.NoError(t, err)

	raw, err := json.Marshal(types.ExactEvmPayload{Signature: hexutil.Encode(sig), Authorization: auth})
	require.NoError(t, err)

	return &types.PaymentPayload{
		X402Version: types.X402Version,
		Accepted:    types.PaymentRequirements{Scheme: types.SchemeExact, Network: testNetwork},
		Payload:     raw,
	}
}

func newScheme(t *testing.T, client evm.ChainClient, opts ...evm.Option) *evm.ExactScheme {
	t.Helper()
	return evm.NewExactScheme(client, zaptest.NewLogger(t).Sugar(), opts...)
}

func futureUnix(d time.Duration) string {
	return strconv.FormatInt(time.Now().Add(d).Unix(), 10)
}

func TestVerifyAndSettleHappyPath(t *testing.T) {
	key, err := keystore.NewKey()
	require.NoError(t, err)
	client := &mockChainClient{}
	s := newScheme(t, client)

	payload := signedPayload(t, key, "1000", "0", futureUnix(5*time.Minute))
	requirements := testRequirements("1000")

	verification, err := s.Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	require.True(t, verification.IsValid, "unexpected rejection: %s %s", verification.InvalidReason, verification.ErrorMessage)
	assert.Equal(t, key.Address().Hex(), verification.Payer)

	settlement, err := s.Settle(context.Background(), payload, requirements)
	require.NoError(t, err)
	require.True(t, settlement.Success, "unexpected failure: %s %s", settlement.ErrorReason, settlement.ErrorMessage)
	assert.NotEmpty(t, settlement.Transaction)
	assert.Equal(t, testNetwork, settlement.Network)
	assert.Equal(t, key.Address().Hex(), settlement.Payer)
	assert.True(t, bytes.HasPrefix(client.lastCallData, transferSelector))
}

func TestVerifyOverpaymentAccepted(t *testing.T) {
	key, err := keystore.NewKey()
	require.NoError(t, err)
	s := newScheme(t, &mockChainClient{})

	payload := signedPayload(t, key, "1000000", "0", futureUnix(5*time.Minute))
	verification, err := s.Verify(context.Background(), payload, testRequirements("500000"))
	require.NoError(t, err)
	assert.True(t, verification.IsValid)
}

func TestVerifyFailFastOrdering(t *testing.T) {
	key, err := keystore.NewKey()
	require.NoError(t, err)
	s := newScheme(t, &mockChainClient{})

	// Expired authorization AND a scheme mismatch: the scheme check runs
	// first, so the expiry must not leak through.
	payload := signedPayload(t, key, "1000", "0", "1")
	payload.Accepted.Scheme = "stream"

	verification, err := s.Verify(context.Background(), payload, testRequirements("1000"))
	require.NoError(t, err)
	require.False(t, verification.IsValid)
	assert.Equal(t, types.ErrUnsupportedScheme, verification.InvalidReason)
}

func TestVerifyRejections(t *testing.T) {
	key, err := keystore.NewKey()
	require.NoError(t, err)

	tests := []struct {
		name    string
		client  *mockChainClient
		mutate  func(p *types.PaymentPayload, r *types.PaymentRequirements)
		payload func() *types.PaymentPayload
		want    types.ErrorCode
	}{
		{
			name:   "network mismatch",
			client: &mockChainClient{},
			mutate: func(p *types.PaymentPayload, r *types.PaymentRequirements) {
				p.Accepted.Network = "eip155:8453"
			},
			want: types.ErrNetworkMismatch,
		},
		{
			name:   "insufficient amount",
			client: &mockChainClient{},
			payload: func() *types.PaymentPayload {
				return signedPayload(t, key, "100", "0", futureUnix(5*time.Minute))
			},
			want: types.ErrInsufficientAmount,
		},
		{
			name:   "not yet valid",
			client: &mockChainClient{},
			payload: func() *types.PaymentPayload {
				return signedPayload(t, key, "1000", futureUnix(time.Hour), futureUnix(2*time.Hour))
			},
			want: types.ErrAuthorizationNotYetValid,
		},
		{
			name:   "expired",
			client: &mockChainClient{},
			payload: func() *types.PaymentPayload {
				return signedPayload(t, key, "1000", "0", "1")
			},
			want: types.ErrAuthorizationExpired,
		},
		{
			name:   "insufficient balance",
			client: &mockChainClient{balance: big.NewInt(1)},
			want:   types.ErrInsufficientBalance,
		},
		{
			name:   "simulation revert",
			client: &mockChainClient{simulateErr: fmt.Errorf("execution reverted: authorization used")},
			want:   types.ErrSimulationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newScheme(t, tt.client)

			payload := signedPayload(t, key, "1000", "0", futureUnix(5*time.Minute))
			if tt.payload != nil {
				payload = tt.payload()
			}
			requirements := testRequirements("1000")
			if tt.mutate != nil {
				tt.mutate(payload, requirements)
			}

			verification, err := s.Verify(context.Background(), payload, requirements)
			require.NoError(t, err)
			require.False(t, verification.IsValid)
			assert.Equal(t, tt.want, verification.InvalidReason)
		})
	}
}

func TestVerifyRecipientMismatch(t *testing.T) {
	key, err := keystore.NewKey()
	require.NoError(t, err)
	s := newScheme(t, &mockChainClient{})

	payload := signedPayload(t, key, "1000", "0", futureUnix(5*time.Minute))
	requirements := testRequirements("1000")
	requirements.PayTo = "0x1111111111111111111111111111111111111111"

	verification, err := s.Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	require.False(t, verification.IsValid)
	assert.Equal(t, types.ErrRecipientMismatch, verification.InvalidReason)
}

func TestVerifySignatureFromWrongKey(t *testing.T) {
	payer, err := keystore.NewKey()
	require.NoError(t, err)
	imposter, err := keystore.NewKey()
	require.NoError(t, err)
	s := newScheme(t, &mockChainClient{})

	// Signed by the imposter but declaring the payer as from.
	payload := signedPayload(t, imposter, "1000", "0", futureUnix(5*time.Minute))
	var exact types.ExactEvmPayload
	require.NoError(t, json.Unmarshal(payload.Payload, &exact))
	exact.Authorization.From = payer.Address().Hex()
	raw, err := json.Marshal(exact)
	require.NoError(t, err)
	payload.Payload = raw

	verification, err := s.Verify(context.Background(), payload, testRequirements("1000"))
	require.NoError(t, err)
	require.False(t, verification.IsValid)
	assert.Equal(t, types.ErrInvalidSignature, verification.InvalidReason)
}

func TestVerifyBalanceRPCErrorIsAdvisory(t *testing.T) {
	key, err := keystore.NewKey()
	require.NoError(t, err)
	s := newScheme(t, &mockChainClient{balanceErr: fmt.Errorf("connection refused")})

	payload := signedPayload(t, key, "1000", "0", futureUnix(5*time.Minute))
	verification, err := s.Verify(context.Background(), payload, testRequirements("1000"))
	require.NoError(t, err)
	assert.True(t, verification.IsValid)
}

func TestSettleFailures(t *testing.T) {
	key, err := keystore.NewKey()
	require.NoError(t, err)
	payload := signedPayload(t, key, "1000", "0", futureUnix(5*time.Minute))
	requirements := testRequirements("1000")

	t.Run("broadcast error", func(t *testing.T) {
		s := newScheme(t, &mockChainClient{sendErr: fmt.Errorf("nonce too low")})
		settlement, err := s.Settle(context.Background(), payload, requirements)
		require.NoError(t, err)
		require.False(t, settlement.Success)
		assert.Equal(t, types.ErrTransactionFailed, settlement.ErrorReason)
	})

	t.Run("reverted on chain", func(t *testing.T) {
		s := newScheme(t, &mockChainClient{receipt: &evm.Receipt{Status: evm.TxStatusFailed, BlockNumber: 7}})
		settlement, err := s.Settle(context.Background(), payload, requirements)
		require.NoError(t, err)
		require.False(t, settlement.Success)
		assert.Equal(t, types.ErrTransactionFailed, settlement.ErrorReason)
	})

	t.Run("invalid payload fails before broadcast", func(t *testing.T) {
		s := newScheme(t, &mockChainClient{})
		expired := signedPayload(t, key, "1000", "0", "1")
		settlement, err := s.Settle(context.Background(), expired, requirements)
		require.NoError(t, err)
		require.False(t, settlement.Success)
		assert.Equal(t, types.ErrAuthorizationExpired, settlement.ErrorReason)
	})
}

func TestSettleRoutesThroughGaslessSettler(t *testing.T) {
	key, err := keystore.NewKey()
	require.NoError(t, err)
	client := &mockChainClient{}
	settler := &mockGaslessSettler{hash: common.HexToHash("0xfeed")}
	s := newScheme(t, client, evm.WithGaslessSettler(settler))

	payload := signedPayload(t, key, "1000", "0", futureUnix(5*time.Minute))
	settlement, err := s.Settle(context.Background(), payload, testRequirements("1000"))
	require.NoError(t, err)
	require.True(t, settlement.Success)
	assert.Equal(t, settler.hash.Hex(), settlement.Transaction)
	assert.Nil(t, client.lastCallData, "direct path must not be used")
}

type mockGaslessSettler struct {
	hash common.Hash
}

func (m *mockGaslessSettler) SettleCall(context.Context, common.Address, []byte) (common.Hash, error) {
	return m.hash, nil
}

func TestParsePrice(t *testing.T) {
	s := newScheme(t, &mockChainClient{})

	amount, err := s.ParsePrice("$0.001", testNetwork)
	require.NoError(t, err)
	assert.Equal(t, "1000", amount.Amount)
	assert.Equal(t, testAsset, amount.Asset)
}

func TestCreatePaymentPayload(t *testing.T) {
	key, err := keystore.NewKey()
	require.NoError(t, err)
	builder := evm.NewPayloadBuilder(key)

	payload, err := builder.CreatePaymentPayload(context.Background(), testRequirements("1000"))
	require.NoError(t, err)
	assert.Equal(t, types.X402Version, payload.X402Version)
	assert.Equal(t, types.SchemeExact, payload.Accepted.Scheme)
	// Echoed so a server accepting several tokens on one network can match.
	assert.Equal(t, testRequirements("1000").Asset, payload.Accepted.Asset)

	// The produced payload must verify.
	s := newScheme(t, &mockChainClient{})
	verification, err := s.Verify(context.Background(), payload, testRequirements("1000"))
	require.NoError(t, err)
	require.True(t, verification.IsValid, "%s %s", verification.InvalidReason, verification.ErrorMessage)
	assert.Equal(t, key.Address().Hex(), verification.Payer)

	_, err = builder.CreatePaymentPayload(context.Background(), &types.PaymentRequirements{
		Scheme:  types.SchemeExact,
		Network: "tron:mainnet",
	})
	require.Error(t, err)
}
