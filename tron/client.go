package tron

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"

	eCommon "github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// Broadcast response codes returned by TRON nodes.
// https://github.com/tronprotocol/java-tron/blob/master/protocol/src/main/protos/api/api.proto
const (
	ResponseCodeSuccess                    = "SUCCESS"
	ResponseCodeSigError                   = "SIGERROR"
	ResponseCodeContractValidateError      = "CONTRACT_VALIDATE_ERROR"
	ResponseCodeContractExeError           = "CONTRACT_EXE_ERROR"
	ResponseCodeBandwidthError             = "BANDWITH_ERROR"
	ResponseCodeDupTransactionError        = "DUP_TRANSACTION_ERROR"
	ResponseCodeTaposError                 = "TAPOS_ERROR"
	ResponseCodeTransactionExpirationError = "TRANSACTION_EXPIRATION_ERROR"
	ResponseCodeServerBusy                 = "SERVER_BUSY"
	ResponseCodeBlockUnsolidified          = "BLOCK_UNSOLIDIFIED"
	ResponseCodeOtherError                 = "OTHER_ERROR"
)

// Contract execution results reported in transaction info.
const (
	ContractResultDefault     = "DEFAULT"
	ContractResultSuccess     = "SUCCESS"
	ContractResultRevert      = "REVERT"
	ContractResultOutOfEnergy = "OUT_OF_ENERGY"
	ContractResultOutOfTime   = "OUT_OF_TIME"
)

type ParameterValue struct {
	OwnerAddress    string `json:"owner_address,omitempty"`
	ToAddress       string `json:"to_address,omitempty"`
	ContractAddress string `json:"contract_address,omitempty"`
	Data            string `json:"data,omitempty"`
	Amount          int64  `json:"amount,omitempty"`
}

type Parameter struct {
	Value   ParameterValue `json:"value,omitempty"`
	TypeUrl string         `json:"type_url,omitempty"`
}

type Contract struct {
	Parameter Parameter `json:"parameter,omitempty"`
	Type      string    `json:"type,omitempty"`
}

type RawData struct {
	Contract      []Contract `json:"contract,omitempty"`
	RefBlockBytes string     `json:"ref_block_bytes,omitempty"`
	RefBlockHash  string     `json:"ref_block_hash,omitempty"`
	Expiration    int64      `json:"expiration,omitempty"`
	FeeLimit      int64      `json:"fee_limit,omitempty"`
	Timestamp     int64      `json:"timestamp,omitempty"`
}

// Transaction is the JSON form a TRON node accepts for broadcast.
type Transaction struct {
	Visible    bool     `json:"visible"`
	TxID       string   `json:"txID"`
	RawData    RawData  `json:"raw_data"`
	RawDataHex string   `json:"raw_data_hex"`
	Signature  []string `json:"signature"`
}

func (t *Transaction) AddSignatureBytes(sig []byte) {
	t.Signature = append(t.Signature, hex.EncodeToString(sig))
}

type TriggerResult struct {
	Result  bool   `json:"result"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type TriggerSmartContractRequest struct {
	OwnerAddress     string `json:"owner_address"`
	ContractAddress  string `json:"contract_address"`
	FunctionSelector string `json:"function_selector"`
	Parameter        string `json:"parameter"`
	FeeLimit         int64  `json:"fee_limit"`
	CallValue        int64  `json:"call_value"`
	Visible          bool   `json:"visible"`
}

type TriggerSmartContractResponse struct {
	Result      TriggerResult `json:"result"`
	Transaction *Transaction  `json:"transaction"`
}

type TriggerConstantContractResponse struct {
	Result         TriggerResult `json:"result"`
	EnergyUsed     int64         `json:"energy_used"`
	ConstantResult []string      `json:"constant_result"`
}

type BroadcastResponse struct {
	Result  bool   `json:"result"`
	Code    string `json:"code"`
	TxID    string `json:"txid"`
	Message string `json:"message"`
}

type AccountInfo struct {
	Address    string `json:"address"`
	Balance    int64  `json:"balance"`
	CreateTime int64  `json:"create_time"`
}

// Activated reports whether the account exists on chain. TRON nodes return an
// empty object for addresses that never received funds.
func (a *AccountInfo) Activated() bool {
	return a.Address != ""
}

type ResourceReceipt struct {
	EnergyUsageTotal int64  `json:"energy_usage_total,omitempty"`
	NetUsage         int64  `json:"net_usage,omitempty"`
	NetFee           int64  `json:"net_fee,omitempty"`
	Result           string `json:"result,omitempty"`
}

type TransactionInfo struct {
	ID             string          `json:"id"`
	Fee            int64           `json:"fee"`
	BlockNumber    int64           `json:"blockNumber"`
	BlockTimeStamp int64           `json:"blockTimeStamp"`
	ContractResult []string        `json:"contractResult"`
	Receipt        ResourceReceipt `json:"receipt"`
	Result         string          `json:"result"`
	ResMessage     string          `json:"resMessage"`
}

// NotFoundErr marks a transaction that the node does not know about yet.
var NotFoundErr = errors.New("transaction not found")

// NodeClient is the subset of the TRON node HTTP API the scheme needs.
type NodeClient interface {
	GetAccount(ctx context.Context, addr Address) (*AccountInfo, error)
	TRC20BalanceOf(ctx context.Context, contract, owner Address) (*big.Int, error)
	TriggerSmartContract(ctx context.Context, req *TriggerSmartContractRequest) (*TriggerSmartContractResponse, error)
	BroadcastTransaction(ctx context.Context, tx *Transaction) (*BroadcastResponse, error)
	GetTransactionInfoByID(ctx context.Context, txID string) (*TransactionInfo, error)
}

// Client talks to a TRON node over its HTTP wallet API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ NodeClient = (*Client)(nil)

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

func (c *Client) post(ctx context.Context, path string, reqBody, respBody any) error {
	endpoint := c.baseURL + path

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal request body (%s)", endpoint)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrapf(err, "failed to create request (%s)", endpoint)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "request failed (%s)", endpoint)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "failed to read response body (%s)", endpoint)
	}
	// TRON nodes only return 200 for success.
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected http status %d (%s)", resp.StatusCode, endpoint)
	}

	// Nodes report some failures as 200 with an Error field.
	var errProbe struct {
		Error string `json:"Error"`
	}
	if err := json.Unmarshal(body, &errProbe); err != nil {
		return errors.Wrapf(err, "failed to unmarshal response (%s)", endpoint)
	}
	if errProbe.Error != "" {
		return errors.Errorf("node returned error (%s): %s", endpoint, errProbe.Error)
	}

	if err := json.Unmarshal(body, respBody); err != nil {
		return errors.Wrapf(err, "failed to unmarshal response (%s)", endpoint)
	}
	return nil
}

func (c *Client) GetAccount(ctx context.Context, addr Address) (*AccountInfo, error) {
	req := struct {
		Address string `json:"address"`
		Visible bool   `json:"visible"`
	}{Address: addr.String(), Visible: true}

	var account AccountInfo
	if err := c.post(ctx, "/walletsolidity/getaccount", req, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// TRC20BalanceOf reads a token balance through triggerconstantcontract.
func (c *Client) TRC20BalanceOf(ctx context.Context, contract, owner Address) (*big.Int, error) {
	req := struct {
		OwnerAddress     string `json:"owner_address"`
		ContractAddress  string `json:"contract_address"`
		FunctionSelector string `json:"function_selector"`
		Parameter        string `json:"parameter"`
		Visible          bool   `json:"visible"`
	}{
		OwnerAddress:     owner.String(),
		ContractAddress:  contract.String(),
		FunctionSelector: "balanceOf(address)",
		Parameter:        hex.EncodeToString(eCommon.LeftPadBytes(owner.EVM().Bytes(), 32)),
		Visible:          true,
	}

	var resp TriggerConstantContractResponse
	if err := c.post(ctx, "/wallet/triggerconstantcontract", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Result.Result {
		return nil, errors.Errorf("constant call failed, code: %s, message: %s", resp.Result.Code, resp.Result.Message)
	}
	if len(resp.ConstantResult) == 0 {
		return nil, errors.New("constant call returned no result")
	}
	raw, err := hex.DecodeString(resp.ConstantResult[0])
	if err != nil {
		return nil, errors.Wrap(err, "undecodable constant result")
	}
	return new(big.Int).SetBytes(raw), nil
}

// TriggerSmartContract builds an unsigned contract call transaction.
func (c *Client) TriggerSmartContract(ctx context.Context, req *TriggerSmartContractRequest) (*TriggerSmartContractResponse, error) {
	var resp TriggerSmartContractResponse
	if err := c.post(ctx, "/wallet/triggersmartcontract", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Result.Result {
		return &resp, errors.Errorf("trigger failed, code: %s, message: %s", resp.Result.Code, resp.Result.Message)
	}
	if resp.Transaction == nil {
		return &resp, errors.New("trigger returned no transaction")
	}
	return &resp, nil
}

func (c *Client) BroadcastTransaction(ctx context.Context, tx *Transaction) (*BroadcastResponse, error) {
	if tx == nil {
		return nil, errors.New("empty transaction")
	}
	if tx.TxID == "" {
		return nil, errors.New("empty transaction ID")
	}
	if len(tx.Signature) == 0 {
		return nil, errors.New("no signatures")
	}

	var resp BroadcastResponse
	if err := c.post(ctx, "/wallet/broadcasttransaction", tx, &resp); err != nil {
		return nil, err
	}
	if !resp.Result {
		return &resp, fmt.Errorf("broadcast failed, code: %s, message: %s", resp.Code, resp.Message)
	}
	return &resp, nil
}

func (c *Client) GetTransactionInfoByID(ctx context.Context, txID string) (*TransactionInfo, error) {
	req := struct {
		Value string `json:"value"`
	}{Value: txID}

	var info TransactionInfo
	if err := c.post(ctx, "/walletsolidity/gettransactioninfobyid", req, &info); err != nil {
		return nil, err
	}
	// absent transactions still come back as 200 with an empty object
	if info.ID == "" {
		return nil, NotFoundErr
	}
	return &info, nil
}
