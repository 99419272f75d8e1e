package types

import (
	"encoding/json"
	"fmt"
)

// X402Version is the protocol version implemented by this module.
const X402Version = 2

// SchemeExact is the identifier of the "exact" payment scheme.
const SchemeExact = "exact"

// PaymentRequirements describes a single payment option a resource server
// accepts. Amounts are decimal integer strings in the asset's atomic units and
// networks are CAIP-2 identifiers (e.g. "eip155:8453").
type PaymentRequirements struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	Amount            string         `json:"amount"`
	Asset             string         `json:"asset"`
	PayTo             string         `json:"payTo"`
	MaxTimeoutSeconds uint64         `json:"maxTimeoutSeconds,omitempty"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// ExtraString returns the string value stored under key in Extra, if any.
func (r *PaymentRequirements) ExtraString(key string) (string, bool) {
	if r.Extra == nil {
		return "", false
	}
	v, ok := r.Extra[key].(string)
	return v, ok
}

// PaymentPayload is the signed payment a client attaches to its retried
// request. Accepted echoes the scheme and network of the requirements entry the
// client chose; Payload is the scheme-specific signed data.
type PaymentPayload struct {
	X402Version int                 `json:"x402Version"`
	Accepted    PaymentRequirements `json:"accepted"`
	Payload     json.RawMessage     `json:"payload"`
}

// EvmAuthorization mirrors the EIP-3009 TransferWithAuthorization message.
// ValidAfter and ValidBefore are unix seconds as decimal strings, Nonce is a
// 0x-prefixed 32-byte hex string.
type EvmAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactEvmPayload is the scheme-specific payload of the exact scheme on EVM
// networks: an EIP-712 signature over the EIP-3009 authorization.
type ExactEvmPayload struct {
	Signature     string           `json:"signature"`
	Authorization EvmAuthorization `json:"authorization"`
}

// TronAuthorization describes a pre-signed TRC-20 transfer. TRON has no
// EIP-3009 equivalent, so the transfer parameters are carried alongside the
// signed transaction and cross-checked by the facilitator. Expiration is unix
// milliseconds.
type TronAuthorization struct {
	From            string `json:"from"`
	To              string `json:"to"`
	ContractAddress string `json:"contractAddress"`
	Amount          string `json:"amount"`
	Expiration      int64  `json:"expiration"`
}

// ExactTronPayload is the scheme-specific payload of the exact scheme on TRON:
// a fully signed transaction, ready to broadcast, plus its authorization.
type ExactTronPayload struct {
	SignedTransaction json.RawMessage   `json:"signedTransaction"`
	Authorization     TronAuthorization `json:"authorization"`
}

// VerifyResponse is the tagged result of a verification pass.
type VerifyResponse struct {
	IsValid       bool      `json:"isValid"`
	InvalidReason ErrorCode `json:"invalidReason,omitempty"`
	ErrorMessage  string    `json:"errorMessage,omitempty"`
	Payer         string    `json:"payer,omitempty"`
}

// SettleResponse is the tagged result of a settlement attempt.
type SettleResponse struct {
	Success      bool      `json:"success"`
	ErrorReason  ErrorCode `json:"errorReason,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Transaction  string    `json:"transaction,omitempty"`
	Network      string    `json:"network,omitempty"`
	Payer        string    `json:"payer,omitempty"`
}

// SupportedKind is one scheme+network pair a facilitator can settle.
type SupportedKind struct {
	Scheme  string `json:"scheme"`
	Network string `json:"network"`
}

// SupportedResponse is the body of GET /supported.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// AssetAmount is a fully resolved on-chain price: an atomic-unit amount of a
// concrete asset contract.
type AssetAmount struct {
	Amount string         `json:"amount"`
	Asset  string         `json:"asset"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// Valid returns a passing VerifyResponse for the given payer address.
func Valid(payer string) *VerifyResponse {
	return &VerifyResponse{IsValid: true, Payer: payer}
}

// Invalid returns a failing VerifyResponse tagged with code.
func Invalid(code ErrorCode, format string, args ...any) *VerifyResponse {
	return &VerifyResponse{
		IsValid:       false,
		InvalidReason: code,
		ErrorMessage:  fmt.Sprintf(format, args...),
	}
}

// Settled returns a successful SettleResponse.
func Settled(txHash, network, payer string) *SettleResponse {
	return &SettleResponse{Success: true, Transaction: txHash, Network: network, Payer: payer}
}

// SettleFailed returns a failed SettleResponse tagged with code.
func SettleFailed(code ErrorCode, format string, args ...any) *SettleResponse {
	return &SettleResponse{
		Success:      false,
		ErrorReason:  code,
		ErrorMessage: fmt.Sprintf(format, args...),
	}
}

// ExactEvmPayloadFromRaw decodes the scheme-specific payload of an EVM exact
// payment. The signature and authorization are required.
func ExactEvmPayloadFromRaw(raw json.RawMessage) (*ExactEvmPayload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	var p ExactEvmPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode evm payload: %w", err)
	}
	return &p, nil
}

// ExactTronPayloadFromRaw decodes the scheme-specific payload of a TRON exact
// payment.
func ExactTronPayloadFromRaw(raw json.RawMessage) (*ExactTronPayload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	var p ExactTronPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode tron payload: %w", err)
	}
	return &p, nil
}
