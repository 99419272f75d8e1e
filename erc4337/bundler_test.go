package erc4337

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rpcTestServer records incoming JSON-RPC requests and answers from a script
// of per-method responses.
type rpcTestServer struct {
	t  *testing.T
	mu sync.Mutex

	requests  []rpcRequest
	responses map[string][]string
	status    int
	errorBody string

	server *httptest.Server
}

func newRPCTestServer(t *testing.T) *rpcTestServer {
	s := &rpcTestServer{t: t, responses: map[string][]string{}, status: http.StatusOK}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		s.mu.Lock()
		s.requests = append(s.requests, req)
		queue := s.responses[req.Method]
		var body string
		if len(queue) > 0 {
			body = queue[0]
			if len(queue) > 1 {
				s.responses[req.Method] = queue[1:]
			}
		}
		status := s.status
		errorBody := s.errorBody
		s.mu.Unlock()

		if status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprint(w, "upstream exploded")
			return
		}
		if errorBody != "" {
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"error":%s}`, req.ID, errorBody)
			return
		}
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":%s}`, req.ID, body)
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *rpcTestServer) respond(method string, results ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[method] = results
}

func (s *rpcTestServer) recorded() []rpcRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]rpcRequest(nil), s.requests...)
}

func TestBundlerRequestIDsAreMonotonic(t *testing.T) {
	server := newRPCTestServer(t)
	server.respond("eth_supportedEntryPoints", `["0x0000000071727De22E5E9d8BAf0edAc6f37da032"]`)
	bundler := NewBundler(server.server.URL)

	for i := 0; i < 3; i++ {
		_, err := bundler.SupportedEntryPoints(context.Background())
		require.NoError(t, err)
	}

	requests := server.recorded()
	require.Len(t, requests, 3)
	for i, req := range requests {
		assert.Equal(t, uint64(i+1), req.ID)
		assert.Equal(t, "2.0", req.JSONRPC)
	}
}

func TestSendUserOperation(t *testing.T) {
	server := newRPCTestServer(t)
	opHash := "0x00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
	server.respond("eth_sendUserOperation", `"`+opHash+`"`)
	bundler := NewBundler(server.server.URL)

	entryPoint, _ := EntryPointAddress(EntryPointV07)
	hash, err := bundler.SendUserOperation(context.Background(), sampleOp(), entryPoint)
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash(opHash), hash)
}

func TestSendUserOperationWireForms(t *testing.T) {
	factory := common.HexToAddress("0x4e1DCf7AD4e460CfD30791CCC4F9c8a4f820ec67")
	paymaster := common.HexToAddress("0x4242424242424242424242424242424242424242")

	op := sampleOp()
	op.InitCode = append(factory.Bytes(), 0xfa, 0xca)
	op.PaymasterAndData = paymaster.Bytes()
	op.PaymasterAndData = append(op.PaymasterAndData, common.LeftPadBytes([]byte{0x0a}, 16)...)
	op.PaymasterAndData = append(op.PaymasterAndData, common.LeftPadBytes([]byte{0x0b}, 16)...)
	op.PaymasterAndData = append(op.PaymasterAndData, 0x99)

	sentOp := func(t *testing.T, entryPoint common.Address) map[string]any {
		t.Helper()
		server := newRPCTestServer(t)
		server.respond("eth_sendUserOperation", `"0x01"`)
		bundler := NewBundler(server.server.URL)

		_, err := bundler.SendUserOperation(context.Background(), op, entryPoint)
		require.NoError(t, err)

		requests := server.recorded()
		require.Len(t, requests, 1)
		wire, ok := requests[0].Params[0].(map[string]any)
		require.True(t, ok)
		return wire
	}

	t.Run("v0.7 entry point gets split fields", func(t *testing.T) {
		entryPoint, _ := EntryPointAddress(EntryPointV07)
		wire := sentOp(t, entryPoint)

		assert.NotContains(t, wire, "initCode")
		assert.NotContains(t, wire, "paymasterAndData")
		assert.Equal(t, strings.ToLower(factory.Hex()), strings.ToLower(wire["factory"].(string)))
		assert.Equal(t, "0xfaca", wire["factoryData"])
		assert.Equal(t, strings.ToLower(paymaster.Hex()), strings.ToLower(wire["paymaster"].(string)))
		assert.Equal(t, "0xa", wire["paymasterVerificationGasLimit"])
		assert.Equal(t, "0xb", wire["paymasterPostOpGasLimit"])
		assert.Equal(t, "0x99", wire["paymasterData"])
		assert.Equal(t, "0x3b9aca00", wire["maxFeePerGas"])
	})

	t.Run("v0.6 entry point gets packed fields", func(t *testing.T) {
		entryPoint, _ := EntryPointAddress(EntryPointV06)
		wire := sentOp(t, entryPoint)

		assert.NotContains(t, wire, "factory")
		assert.NotContains(t, wire, "paymaster")
		assert.Contains(t, wire, "initCode")
		assert.Contains(t, wire, "paymasterAndData")
	})
}

func TestBundlerRPCError(t *testing.T) {
	server := newRPCTestServer(t)
	server.errorBody = `{"code":-32602,"message":"invalid UserOperation"}`
	bundler := NewBundler(server.server.URL)

	entryPoint, _ := EntryPointAddress(EntryPointV07)
	_, err := bundler.SendUserOperation(context.Background(), sampleOp(), entryPoint)
	require.Error(t, err)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32602, rpcErr.Code)
	assert.Contains(t, rpcErr.Message, "invalid UserOperation")
}

func TestBundlerHTTPError(t *testing.T) {
	server := newRPCTestServer(t)
	server.status = http.StatusBadGateway
	bundler := NewBundler(server.server.URL)

	_, err := bundler.SupportedEntryPoints(context.Background())
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -http.StatusBadGateway, rpcErr.Code)
}

func TestWaitForReceiptPollsUntilFound(t *testing.T) {
	server := newRPCTestServer(t)
	receipt := `{"userOpHash":"0x01","success":true,"receipt":{"transactionHash":"0xbeef"}}`
	server.respond("eth_getUserOperationReceipt", "null", "null", receipt)
	bundler := NewBundler(server.server.URL, WithReceiptPolling(5*time.Millisecond, time.Second))

	got, err := bundler.WaitForReceipt(context.Background(), common.HexToHash("0x01"))
	require.NoError(t, err)
	assert.True(t, got.Success)
	assert.Equal(t, common.HexToHash("0xbeef"), got.Receipt.TransactionHash)
	assert.GreaterOrEqual(t, len(server.recorded()), 3)
}

func TestWaitForReceiptTimeoutNamesHash(t *testing.T) {
	server := newRPCTestServer(t)
	server.respond("eth_getUserOperationReceipt", "null")
	bundler := NewBundler(server.server.URL, WithReceiptPolling(5*time.Millisecond, 20*time.Millisecond))

	opHash := common.HexToHash("0xabcdef")
	_, err := bundler.WaitForReceipt(context.Background(), opHash)
	require.Error(t, err)
	assert.Contains(t, err.Error(), opHash.Hex())
}

func TestWaitForReceiptHonorsContext(t *testing.T) {
	server := newRPCTestServer(t)
	server.respond("eth_getUserOperationReceipt", "null")
	bundler := NewBundler(server.server.URL, WithReceiptPolling(10*time.Millisecond, time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := bundler.WaitForReceipt(ctx, common.HexToHash("0x01"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEstimateUserOperationGas(t *testing.T) {
	server := newRPCTestServer(t)
	server.respond("eth_estimateUserOperationGas", `{"preVerificationGas":"0xea60","verificationGasLimit":"0x7a120","callGasLimit":"0x30d40"}`)
	bundler := NewBundler(server.server.URL)

	entryPoint, _ := EntryPointAddress(EntryPointV07)
	estimate, err := bundler.EstimateUserOperationGas(context.Background(), sampleOp(), entryPoint)
	require.NoError(t, err)
	assert.Equal(t, int64(60_000), estimate.PreVerificationGas.ToInt().Int64())
	assert.Equal(t, int64(500_000), estimate.VerificationGasLimit.ToInt().Int64())
	assert.Equal(t, int64(200_000), estimate.CallGasLimit.ToInt().Int64())
}
