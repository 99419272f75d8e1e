package erc4337

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
)

// PaymasterData is the normalized result of a paymaster sponsorship request,
// regardless of which wire shape the service returned.
type PaymasterData struct {
	Paymaster                     common.Address
	PaymasterData                 []byte
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
	// PaymasterAndData is the v0.6 packed form: paymaster address followed
	// by the opaque data.
	PaymasterAndData []byte
}

// IsZero reports whether the service granted no sponsorship.
func (d *PaymasterData) IsZero() bool {
	return d.Paymaster == (common.Address{}) && len(d.PaymasterAndData) == 0
}

// Packed returns the v0.6 paymasterAndData bytes, deriving them from the
// split fields when the service answered in the v0.7 shape.
func (d *PaymasterData) Packed() []byte {
	if len(d.PaymasterAndData) > 0 {
		return d.PaymasterAndData
	}
	if d.Paymaster == (common.Address{}) {
		return nil
	}
	packed := make([]byte, 0, 20+32+len(d.PaymasterData))
	packed = append(packed, d.Paymaster.Bytes()...)
	if d.PaymasterVerificationGasLimit != nil || d.PaymasterPostOpGasLimit != nil {
		word, err := packPair(orZero(d.PaymasterVerificationGasLimit), orZero(d.PaymasterPostOpGasLimit))
		if err == nil {
			packed = append(packed, word[:]...)
		}
	}
	return append(packed, d.PaymasterData...)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// PaymasterClient obtains sponsorship data for a user operation.
type PaymasterClient interface {
	// WillSponsor reports whether the service would sponsor the operation.
	WillSponsor(ctx context.Context, op *UserOperation, chainID *big.Int, entryPoint common.Address) bool

	// GetPaymasterData asks the service to sponsor the operation.
	GetPaymasterData(ctx context.Context, op *UserOperation, chainID *big.Int, entryPoint common.Address) (*PaymasterData, error)
}

// paymasterResult accepts both ERC-7677 wire shapes: the legacy packed
// paymasterAndData field and the v0.7 split fields.
type paymasterResult struct {
	PaymasterAndData              hexutil.Bytes  `json:"paymasterAndData,omitempty"`
	Paymaster                     common.Address `json:"paymaster,omitempty"`
	PaymasterData                 hexutil.Bytes  `json:"paymasterData,omitempty"`
	PaymasterVerificationGasLimit *hexutil.Big   `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big   `json:"paymasterPostOpGasLimit,omitempty"`
	Sponsor                       *struct {
		Name string `json:"name"`
	} `json:"sponsor,omitempty"`
}

// normalizePaymasterResult maps either wire shape onto PaymasterData. An
// unrecognized shape yields the zero value, not an error.
func normalizePaymasterResult(raw json.RawMessage) *PaymasterData {
	var result paymasterResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return &PaymasterData{}
	}
	return &PaymasterData{
		Paymaster:                     result.Paymaster,
		PaymasterData:                 result.PaymasterData,
		PaymasterVerificationGasLimit: (*big.Int)(result.PaymasterVerificationGasLimit),
		PaymasterPostOpGasLimit:       (*big.Int)(result.PaymasterPostOpGasLimit),
		PaymasterAndData:              result.PaymasterAndData,
	}
}

// paymasterRPC is the shared JSON-RPC plumbing of the paymaster backends.
type paymasterRPC struct {
	url        string
	httpClient *http.Client
	nextID     atomic.Uint64
}

func (p *paymasterRPC) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      p.nextID.Add(1),
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal %s request", method)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s request", method)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrapf(err, "%s request failed", method)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s response", method)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, &RPCError{Code: -httpResp.StatusCode, Message: string(body)}
	}

	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal %s response", method)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func newPaymasterRPC(url string, httpClient *http.Client) paymasterRPC {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return paymasterRPC{url: url, httpClient: httpClient}
}

// chainIDHex renders chain ids the way ERC-7677 expects them.
func chainIDHex(chainID *big.Int) string {
	return hexutil.EncodeBig(chainID)
}

// SponsoringPaymaster asks a service that sponsors every allowed operation
// via pm_getPaymasterData.
type SponsoringPaymaster struct {
	rpc paymasterRPC
}

var _ PaymasterClient = (*SponsoringPaymaster)(nil)

func NewSponsoringPaymaster(url string, httpClient *http.Client) *SponsoringPaymaster {
	return &SponsoringPaymaster{rpc: newPaymasterRPC(url, httpClient)}
}

func (p *SponsoringPaymaster) WillSponsor(ctx context.Context, op *UserOperation, chainID *big.Int, entryPoint common.Address) bool {
	data, err := p.GetPaymasterData(ctx, op, chainID, entryPoint)
	return err == nil && !data.IsZero()
}

func (p *SponsoringPaymaster) GetPaymasterData(ctx context.Context, op *UserOperation, chainID *big.Int, entryPoint common.Address) (*PaymasterData, error) {
	raw, err := p.rpc.call(ctx, "pm_getPaymasterData", []any{op, entryPoint, chainIDHex(chainID), map[string]any{}})
	if err != nil {
		return nil, err
	}
	return normalizePaymasterResult(raw), nil
}

// ModePaymaster requests sponsorship under a named sponsorship mode, for
// services that gate policies by mode context.
type ModePaymaster struct {
	rpc  paymasterRPC
	mode string
}

var _ PaymasterClient = (*ModePaymaster)(nil)

func NewModePaymaster(url, mode string, httpClient *http.Client) *ModePaymaster {
	return &ModePaymaster{rpc: newPaymasterRPC(url, httpClient), mode: mode}
}

func (p *ModePaymaster) WillSponsor(ctx context.Context, op *UserOperation, chainID *big.Int, entryPoint common.Address) bool {
	data, err := p.GetPaymasterData(ctx, op, chainID, entryPoint)
	return err == nil && !data.IsZero()
}

func (p *ModePaymaster) GetPaymasterData(ctx context.Context, op *UserOperation, chainID *big.Int, entryPoint common.Address) (*PaymasterData, error) {
	modeCtx := map[string]any{"mode": p.mode}
	raw, err := p.rpc.call(ctx, "pm_getPaymasterData", []any{op, entryPoint, chainIDHex(chainID), modeCtx})
	if err != nil {
		return nil, err
	}
	return normalizePaymasterResult(raw), nil
}

// StubDataPaymaster fetches stub sponsorship data for gas estimation via
// pm_getPaymasterStubData. Stub data is not valid for submission.
type StubDataPaymaster struct {
	rpc paymasterRPC
}

var _ PaymasterClient = (*StubDataPaymaster)(nil)

func NewStubDataPaymaster(url string, httpClient *http.Client) *StubDataPaymaster {
	return &StubDataPaymaster{rpc: newPaymasterRPC(url, httpClient)}
}

func (p *StubDataPaymaster) WillSponsor(ctx context.Context, op *UserOperation, chainID *big.Int, entryPoint common.Address) bool {
	data, err := p.GetPaymasterData(ctx, op, chainID, entryPoint)
	return err == nil && !data.IsZero()
}

func (p *StubDataPaymaster) GetPaymasterData(ctx context.Context, op *UserOperation, chainID *big.Int, entryPoint common.Address) (*PaymasterData, error) {
	raw, err := p.rpc.call(ctx, "pm_getPaymasterStubData", []any{op, entryPoint, chainIDHex(chainID), map[string]any{}})
	if err != nil {
		return nil, err
	}
	return normalizePaymasterResult(raw), nil
}
