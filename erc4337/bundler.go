package erc4337

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
)

const (
	DefaultReceiptPollInterval = 2 * time.Second
	DefaultReceiptTimeout      = 60 * time.Second
)

// RPCError is a populated JSON-RPC error object, surfaced as a typed error so
// callers can inspect bundler rejection codes.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return errors.Errorf("rpc error %d: %s", e.Code, e.Message).Error()
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      uint64 `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// GasEstimate is the bundler's answer to eth_estimateUserOperationGas.
type GasEstimate struct {
	PreVerificationGas            *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit          *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit                  *hexutil.Big `json:"callGasLimit"`
	PaymasterVerificationGasLimit *hexutil.Big `json:"paymasterVerificationGasLimit,omitempty"`
}

// UserOperationLookup is the result of eth_getUserOperationByHash.
type UserOperationLookup struct {
	UserOperation   UserOperation  `json:"userOperation"`
	EntryPoint      common.Address `json:"entryPoint"`
	BlockNumber     *hexutil.Big   `json:"blockNumber"`
	BlockHash       common.Hash    `json:"blockHash"`
	TransactionHash common.Hash    `json:"transactionHash"`
}

// TransactionReceipt is the inner receipt of the including transaction.
type TransactionReceipt struct {
	TransactionHash common.Hash  `json:"transactionHash"`
	BlockNumber     *hexutil.Big `json:"blockNumber"`
	BlockHash       common.Hash  `json:"blockHash"`
	GasUsed         *hexutil.Big `json:"gasUsed"`
	Status          string       `json:"status"`
}

// UserOperationReceipt is the result of eth_getUserOperationReceipt.
type UserOperationReceipt struct {
	UserOpHash    common.Hash        `json:"userOpHash"`
	EntryPoint    common.Address     `json:"entryPoint"`
	Sender        common.Address     `json:"sender"`
	Nonce         *hexutil.Big       `json:"nonce"`
	Paymaster     common.Address     `json:"paymaster"`
	ActualGasUsed *hexutil.Big       `json:"actualGasUsed"`
	ActualGasCost *hexutil.Big       `json:"actualGasCost"`
	Success       bool               `json:"success"`
	Reason        string             `json:"reason,omitempty"`
	Receipt       TransactionReceipt `json:"receipt"`
}

// BundlerClient is the ERC-4337 bundler RPC surface the settler needs.
type BundlerClient interface {
	SendUserOperation(ctx context.Context, op *UserOperation, entryPoint common.Address) (common.Hash, error)
	EstimateUserOperationGas(ctx context.Context, op *UserOperation, entryPoint common.Address) (*GasEstimate, error)
	GetUserOperationByHash(ctx context.Context, userOpHash common.Hash) (*UserOperationLookup, error)
	GetUserOperationReceipt(ctx context.Context, userOpHash common.Hash) (*UserOperationReceipt, error)
	SupportedEntryPoints(ctx context.Context) ([]common.Address, error)
	WaitForReceipt(ctx context.Context, userOpHash common.Hash) (*UserOperationReceipt, error)
}

// Bundler talks JSON-RPC 2.0 to an ERC-4337 bundler endpoint.
type Bundler struct {
	url          string
	httpClient   *http.Client
	pollInterval time.Duration
	timeout      time.Duration
	nextID       atomic.Uint64
}

var _ BundlerClient = (*Bundler)(nil)

type BundlerOption func(*Bundler)

// WithReceiptPolling overrides the WaitForReceipt interval and deadline.
func WithReceiptPolling(interval, timeout time.Duration) BundlerOption {
	return func(b *Bundler) {
		b.pollInterval = interval
		b.timeout = timeout
	}
}

func WithHTTPClient(client *http.Client) BundlerOption {
	return func(b *Bundler) { b.httpClient = client }
}

func NewBundler(url string, opts ...BundlerOption) *Bundler {
	b := &Bundler{
		url:          url,
		httpClient:   http.DefaultClient,
		pollInterval: DefaultReceiptPollInterval,
		timeout:      DefaultReceiptTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bundler) call(ctx context.Context, method string, params []any, result any) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      b.nextID.Add(1),
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal %s request", method)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrapf(err, "failed to create %s request", method)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return errors.Wrapf(err, "%s request failed", method)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return errors.Wrapf(err, "failed to read %s response", method)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return &RPCError{Code: -httpResp.StatusCode, Message: string(body)}
	}

	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return errors.Wrapf(err, "failed to unmarshal %s response", method)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result == nil || bytes.Equal(resp.Result, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return errors.Wrapf(err, "failed to unmarshal %s result", method)
	}
	return nil
}

// wireFormFor picks the JSON encoding matching the EntryPoint the operation
// targets: split fields for v0.7 bundlers, packed initCode/paymasterAndData
// for v0.6.
func wireFormFor(op *UserOperation, entryPoint common.Address) any {
	if v07, ok := EntryPointAddress(EntryPointV07); ok && entryPoint == v07 {
		return op.WireV07()
	}
	return op
}

func (b *Bundler) SendUserOperation(ctx context.Context, op *UserOperation, entryPoint common.Address) (common.Hash, error) {
	var hash common.Hash
	if err := b.call(ctx, "eth_sendUserOperation", []any{wireFormFor(op, entryPoint), entryPoint}, &hash); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

func (b *Bundler) EstimateUserOperationGas(ctx context.Context, op *UserOperation, entryPoint common.Address) (*GasEstimate, error) {
	var estimate GasEstimate
	if err := b.call(ctx, "eth_estimateUserOperationGas", []any{wireFormFor(op, entryPoint), entryPoint}, &estimate); err != nil {
		return nil, err
	}
	return &estimate, nil
}

func (b *Bundler) GetUserOperationByHash(ctx context.Context, userOpHash common.Hash) (*UserOperationLookup, error) {
	var lookup *UserOperationLookup
	if err := b.call(ctx, "eth_getUserOperationByHash", []any{userOpHash}, &lookup); err != nil {
		return nil, err
	}
	return lookup, nil
}

func (b *Bundler) GetUserOperationReceipt(ctx context.Context, userOpHash common.Hash) (*UserOperationReceipt, error) {
	var receipt *UserOperationReceipt
	if err := b.call(ctx, "eth_getUserOperationReceipt", []any{userOpHash}, &receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

func (b *Bundler) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	var entryPoints []common.Address
	if err := b.call(ctx, "eth_supportedEntryPoints", []any{}, &entryPoints); err != nil {
		return nil, err
	}
	return entryPoints, nil
}

// WaitForReceipt polls until the operation is included or the deadline
// elapses. The timeout error names the hash so callers can resume waiting.
func (b *Bundler) WaitForReceipt(ctx context.Context, userOpHash common.Hash) (*UserOperationReceipt, error) {
	deadline := time.Now().Add(b.timeout)
	for {
		receipt, err := b.GetUserOperationReceipt(ctx, userOpHash)
		if err != nil {
			return nil, err
		}
		if receipt != nil {
			return receipt, nil
		}
		if time.Now().After(deadline) {
			return nil, errors.Errorf("user operation %s not included within %s", userOpHash.Hex(), b.timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.pollInterval):
		}
	}
}

// bigOrDefault guards against bundlers that omit estimate fields.
func bigOrDefault(v *hexutil.Big, fallback *big.Int) *big.Int {
	if v == nil {
		return new(big.Int).Set(fallback)
	}
	return (*big.Int)(v)
}
