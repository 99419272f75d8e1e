package tron_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nexapay/x402-facilitator/tron"
	"github.com/nexapay/x402-facilitator/types"
)

const (
	testNetwork = "tron:mainnet"
	testUSDT    = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
	testPayTo   = "TVSTZkvVosqh4YHLwHmmNuqeyn967aE2iv"
)

type broadcastResult struct {
	resp *tron.BroadcastResponse
	err  error
}

type mockNodeClient struct {
	account     *tron.AccountInfo
	accountErr  error
	balance     *big.Int
	balanceErr  error
	trigger     *tron.TriggerSmartContractResponse
	broadcasts  []broadcastResult
	broadcastN  int
	info        *tron.TransactionInfo
	infoErr     error
	infoMisses  int
	lastTxCast  *tron.Transaction
	lastTrigger *tron.TriggerSmartContractRequest
}

func (m *mockNodeClient) GetAccount(context.Context, tron.Address) (*tron.AccountInfo, error) {
	if m.accountErr != nil {
		return nil, m.accountErr
	}
	if m.account != nil {
		return m.account, nil
	}
	return &tron.AccountInfo{Address: "set", Balance: 1}, nil
}

func (m *mockNodeClient) TRC20BalanceOf(context.Context, tron.Address, tron.Address) (*big.Int, error) {
	if m.balanceErr != nil {
		return nil, m.balanceErr
	}
	if m.balance != nil {
		return m.balance, nil
	}
	return big.NewInt(1_000_000_000), nil
}

func (m *mockNodeClient) TriggerSmartContract(_ context.Context, req *tron.TriggerSmartContractRequest) (*tron.TriggerSmartContractResponse, error) {
	m.lastTrigger = req
	return m.trigger, nil
}

func (m *mockNodeClient) BroadcastTransaction(_ context.Context, tx *tron.Transaction) (*tron.BroadcastResponse, error) {
	m.lastTxCast = tx
	if len(m.broadcasts) > 0 {
		result := m.broadcasts[0]
		if len(m.broadcasts) > 1 {
			m.broadcasts = m.broadcasts[1:]
		}
		m.broadcastN++
		return result.resp, result.err
	}
	m.broadcastN++
	return &tron.BroadcastResponse{Result: true, Code: tron.ResponseCodeSuccess, TxID: tx.TxID}, nil
}

func (m *mockNodeClient) GetTransactionInfoByID(_ context.Context, txID string) (*tron.TransactionInfo, error) {
	if m.infoMisses > 0 {
		m.infoMisses--
		return nil, tron.NotFoundErr
	}
	if m.infoErr != nil {
		return nil, m.infoErr
	}
	if m.info != nil {
		return m.info, nil
	}
	return &tron.TransactionInfo{
		ID:          txID,
		BlockNumber: 100,
		Receipt:     tron.ResourceReceipt{Result: tron.ContractResultSuccess},
	}, nil
}

// signedTransfer assembles a consistent signed transfer transaction for key:
// synthetic raw data, a matching txID, and an authentic signature.
func signedTransfer(t *testing.T, key *ecdsa.PrivateKey, amount *big.Int, expiration int64) *tron.Transaction {
	t.Helper()

	from := tron.PubkeyToAddress(key.PublicKey)
	to, err := tron.Base58ToAddress(testPayTo)
	require.NoError(t, err)

	rawBytes := make([]byte, 64)
	_, err = rand.Read(rawBytes)
	require.NoError(t, err)
	txID := sha256.Sum256(rawBytes)

	sig, err := crypto.Sign(txID[:], key)
	require.NoError(t, err)

	tx := &tron.Transaction{
		Visible:    true,
		TxID:       hex.EncodeToString(txID[:]),
		RawDataHex: hex.EncodeToString(rawBytes),
		RawData: tron.RawData{
			Contract: []tron.Contract{{
				Type: "TriggerSmartContract",
				Parameter: tron.Parameter{Value: tron.ParameterValue{
					OwnerAddress:    from.String(),
					ContractAddress: testUSDT,
					Data:            hex.EncodeToString(tron.PackTransfer(to, amount)),
				}},
			}},
			Expiration: expiration,
			FeeLimit:   tron.DefaultFeeLimit,
		},
	}
	tx.AddSignatureBytes(sig)
	return tx
}

func paymentPayload(t *testing.T, key *ecdsa.PrivateKey, amount string, expiration int64) *types.PaymentPayload {
	t.Helper()

	value, ok := new(big.Int).SetString(amount, 10)
	require.True(t, ok)
	tx := signedTransfer(t, key, value, expiration)
	signed, err := json.Marshal(tx)
	require.NoError(t, err)

	raw, err := json.Marshal(types.ExactTronPayload{
		SignedTransaction: signed,
		Authorization: types.TronAuthorization{
			From:            tron.PubkeyToAddress(key.PublicKey).String(),
			To:              testPayTo,
			ContractAddress: testUSDT,
			Amount:          amount,
			Expiration:      expiration,
		},
	})
	require.NoError(t, err)

	return &types.PaymentPayload{
		X402Version: types.X402Version,
		Accepted:    types.PaymentRequirements{Scheme: types.SchemeExact, Network: testNetwork},
		Payload:     raw,
	}
}

func testRequirements(amount string) *types.PaymentRequirements {
	return &types.PaymentRequirements{
		Scheme:            types.SchemeExact,
		Network:           testNetwork,
		Amount:            amount,
		Asset:             testUSDT,
		PayTo:             testPayTo,
		MaxTimeoutSeconds: 300,
	}
}

func newScheme(t *testing.T, client tron.NodeClient, opts ...tron.Option) *tron.ExactScheme {
	t.Helper()
	return tron.NewExactScheme(client, zaptest.NewLogger(t).Sugar(), opts...)
}

func farExpiration() int64 {
	return time.Now().Add(10 * time.Minute).UnixMilli()
}

func TestVerifyAndSettleHappyPath(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	client := &mockNodeClient{}
	s := newScheme(t, client)

	payload := paymentPayload(t, key, "1000000", farExpiration())
	requirements := testRequirements("1000000")

	verification, err := s.Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	require.True(t, verification.IsValid, "unexpected rejection: %s %s", verification.InvalidReason, verification.ErrorMessage)
	assert.Equal(t, tron.PubkeyToAddress(key.PublicKey).String(), verification.Payer)

	settlement, err := s.Settle(context.Background(), payload, requirements)
	require.NoError(t, err)
	require.True(t, settlement.Success, "unexpected failure: %s %s", settlement.ErrorReason, settlement.ErrorMessage)
	assert.NotEmpty(t, settlement.Transaction)
	assert.Equal(t, testNetwork, settlement.Network)
	require.NotNil(t, client.lastTxCast)
	assert.Equal(t, settlement.Transaction, client.lastTxCast.TxID)
}

func TestVerifyRejections(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	tests := []struct {
		name    string
		client  *mockNodeClient
		payload func() *types.PaymentPayload
		mutate  func(p *types.PaymentPayload, r *types.PaymentRequirements)
		want    types.ErrorCode
	}{
		{
			name:   "scheme mismatch wins over expiry",
			client: &mockNodeClient{},
			payload: func() *types.PaymentPayload {
				p := paymentPayload(t, key, "1000000", time.Now().UnixMilli())
				p.Accepted.Scheme = "stream"
				return p
			},
			want: types.ErrUnsupportedScheme,
		},
		{
			name:   "network mismatch",
			client: &mockNodeClient{},
			mutate: func(p *types.PaymentPayload, r *types.PaymentRequirements) {
				p.Accepted.Network = "tron:nile"
			},
			want: types.ErrNetworkMismatch,
		},
		{
			name:   "not a tron network",
			client: &mockNodeClient{},
			mutate: func(p *types.PaymentPayload, r *types.PaymentRequirements) {
				p.Accepted.Network = "eip155:8453"
				r.Network = "eip155:8453"
			},
			want: types.ErrUnsupportedNetwork,
		},
		{
			name:   "expires inside the buffer",
			client: &mockNodeClient{},
			payload: func() *types.PaymentPayload {
				return paymentPayload(t, key, "1000000", time.Now().Add(10*time.Second).UnixMilli())
			},
			want: types.ErrAuthorizationExpired,
		},
		{
			name:   "account not activated",
			client: &mockNodeClient{account: &tron.AccountInfo{}},
			want:   types.ErrAccountNotActivated,
		},
		{
			name:   "insufficient balance",
			client: &mockNodeClient{balance: big.NewInt(1)},
			want:   types.ErrInsufficientBalance,
		},
		{
			name:   "insufficient amount",
			client: &mockNodeClient{},
			mutate: func(p *types.PaymentPayload, r *types.PaymentRequirements) {
				r.Amount = "2000000"
			},
			want: types.ErrInsufficientAmount,
		},
		{
			name:   "recipient mismatch",
			client: &mockNodeClient{},
			mutate: func(p *types.PaymentPayload, r *types.PaymentRequirements) {
				r.PayTo = "TG3XXyExBkPp9nzdajDZsozEu4BkaSJozs"
			},
			want: types.ErrRecipientMismatch,
		},
		{
			name:   "asset mismatch",
			client: &mockNodeClient{},
			mutate: func(p *types.PaymentPayload, r *types.PaymentRequirements) {
				r.Asset = "TG3XXyExBkPp9nzdajDZsozEu4BkaSJozs"
			},
			want: types.ErrAssetMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newScheme(t, tt.client)

			payload := paymentPayload(t, key, "1000000", farExpiration())
			if tt.payload != nil {
				payload = tt.payload()
			}
			requirements := testRequirements("1000000")
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

func TestVerifyExpiryBoundary(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	t0 := time.Now()
	s := newScheme(t, &mockNodeClient{}, tron.WithClock(func() time.Time { return t0 }))

	t.Run("one second short of the buffer is rejected", func(t *testing.T) {
		payload := paymentPayload(t, key, "1000000", t0.Add(tron.MinValidityBuffer-time.Second).UnixMilli())
		verification, err := s.Verify(context.Background(), payload, testRequirements("1000000"))
		require.NoError(t, err)
		require.False(t, verification.IsValid)
		assert.Equal(t, types.ErrAuthorizationExpired, verification.InvalidReason)
	})

	t.Run("exactly the buffer is rejected", func(t *testing.T) {
		payload := paymentPayload(t, key, "1000000", t0.Add(tron.MinValidityBuffer).UnixMilli())
		verification, err := s.Verify(context.Background(), payload, testRequirements("1000000"))
		require.NoError(t, err)
		require.False(t, verification.IsValid)
		assert.Equal(t, types.ErrAuthorizationExpired, verification.InvalidReason)
	})

	t.Run("one second past the buffer is accepted", func(t *testing.T) {
		payload := paymentPayload(t, key, "1000000", t0.Add(tron.MinValidityBuffer+time.Second).UnixMilli())
		verification, err := s.Verify(context.Background(), payload, testRequirements("1000000"))
		require.NoError(t, err)
		assert.True(t, verification.IsValid, "unexpected rejection: %s %s", verification.InvalidReason, verification.ErrorMessage)
	})
}

func TestVerifySignatureFromWrongKey(t *testing.T) {
	payer, err := crypto.GenerateKey()
	require.NoError(t, err)
	imposter, err := crypto.GenerateKey()
	require.NoError(t, err)
	s := newScheme(t, &mockNodeClient{})

	// signed by the imposter, declared as the payer
	payload := paymentPayload(t, imposter, "1000000", farExpiration())
	var exact types.ExactTronPayload
	require.NoError(t, json.Unmarshal(payload.Payload, &exact))
	exact.Authorization.From = tron.PubkeyToAddress(payer.PublicKey).String()
	raw, err := json.Marshal(exact)
	require.NoError(t, err)
	payload.Payload = raw

	verification, err := s.Verify(context.Background(), payload, testRequirements("1000000"))
	require.NoError(t, err)
	require.False(t, verification.IsValid)
	assert.Equal(t, types.ErrInvalidSignature, verification.InvalidReason)
}

func TestVerifyTamperedCalldata(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s := newScheme(t, &mockNodeClient{})

	// authorization claims a different amount than the embedded calldata
	payload := paymentPayload(t, key, "1000000", farExpiration())
	var exact types.ExactTronPayload
	require.NoError(t, json.Unmarshal(payload.Payload, &exact))
	exact.Authorization.Amount = "2000000"
	raw, err := json.Marshal(exact)
	require.NoError(t, err)
	payload.Payload = raw

	verification, err := s.Verify(context.Background(), payload, testRequirements("1000000"))
	require.NoError(t, err)
	require.False(t, verification.IsValid)
	assert.Equal(t, types.ErrInvalidSignature, verification.InvalidReason)
}

func TestVerifyAdvisoryRPCFailures(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s := newScheme(t, &mockNodeClient{
		accountErr: assert.AnError,
		balanceErr: assert.AnError,
	})

	payload := paymentPayload(t, key, "1000000", farExpiration())
	verification, err := s.Verify(context.Background(), payload, testRequirements("1000000"))
	require.NoError(t, err)
	assert.True(t, verification.IsValid)
}

func TestSettleBroadcastRetry(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	client := &mockNodeClient{
		broadcasts: []broadcastResult{
			{resp: &tron.BroadcastResponse{Result: false, Code: tron.ResponseCodeServerBusy}, err: assert.AnError},
			{resp: &tron.BroadcastResponse{Result: true, Code: tron.ResponseCodeSuccess}},
		},
	}
	s := newScheme(t, client)

	payload := paymentPayload(t, key, "1000000", farExpiration())
	settlement, err := s.Settle(context.Background(), payload, testRequirements("1000000"))
	require.NoError(t, err)
	require.True(t, settlement.Success)
	assert.Equal(t, 2, client.broadcastN)
}

func TestSettleFailures(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	payload := paymentPayload(t, key, "1000000", farExpiration())
	requirements := testRequirements("1000000")

	t.Run("terminal broadcast error", func(t *testing.T) {
		client := &mockNodeClient{
			broadcasts: []broadcastResult{
				{resp: &tron.BroadcastResponse{Result: false, Code: tron.ResponseCodeSigError}, err: assert.AnError},
			},
		}
		s := newScheme(t, client)
		settlement, err := s.Settle(context.Background(), payload, requirements)
		require.NoError(t, err)
		require.False(t, settlement.Success)
		assert.Equal(t, types.ErrTransactionFailed, settlement.ErrorReason)
		assert.Equal(t, 1, client.broadcastN)
	})

	t.Run("reverted execution", func(t *testing.T) {
		s := newScheme(t, &mockNodeClient{
			info: &tron.TransactionInfo{ID: "x", Receipt: tron.ResourceReceipt{Result: tron.ContractResultRevert}},
		})
		settlement, err := s.Settle(context.Background(), payload, requirements)
		require.NoError(t, err)
		require.False(t, settlement.Success)
		assert.Equal(t, types.ErrTransactionFailed, settlement.ErrorReason)
	})

	t.Run("expired payload fails before broadcast", func(t *testing.T) {
		client := &mockNodeClient{}
		s := newScheme(t, client)
		expired := paymentPayload(t, key, "1000000", time.Now().UnixMilli())
		settlement, err := s.Settle(context.Background(), expired, requirements)
		require.NoError(t, err)
		require.False(t, settlement.Success)
		assert.Equal(t, types.ErrAuthorizationExpired, settlement.ErrorReason)
		assert.Equal(t, 0, client.broadcastN)
	})
}

func TestSettleWaitsForLaggingNode(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	client := &mockNodeClient{infoMisses: 1}
	s := newScheme(t, client)

	payload := paymentPayload(t, key, "1000000", farExpiration())
	settlement, err := s.Settle(context.Background(), payload, testRequirements("1000000"))
	require.NoError(t, err)
	assert.True(t, settlement.Success)
}
