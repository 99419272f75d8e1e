// Package middleware provides the resource-server side of x402: an HTTP
// middleware that answers unpaid requests with 402 and releases paid ones, and
// a client for a remote facilitator's verify/settle API.
package middleware

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/nexapay/x402-facilitator/types"
)

// Protocol v2 header names.
const (
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"
	HeaderPaymentResponse  = "PAYMENT-RESPONSE"
	HeaderPaymentRequired  = "PAYMENT-REQUIRED"

	// v1 legacy header names.
	HeaderLegacyPayment         = "X-PAYMENT"
	HeaderLegacyPaymentResponse = "X-PAYMENT-RESPONSE"
)

// PaymentRequiredResponse is the 402 response body and the decoded form of the
// PAYMENT-REQUIRED header.
type PaymentRequiredResponse struct {
	X402Version int                         `json:"x402Version"`
	Error       string                      `json:"error"`
	Accepts     []types.PaymentRequirements `json:"accepts"`
}

// legacyPayment is a parsed v1 X-PAYMENT header.
type legacyPayment struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     json.RawMessage `json:"payload"`
}

// EncodePaymentPayload encodes a payload for the PAYMENT-SIGNATURE header.
func EncodePaymentPayload(payload *types.PaymentPayload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal payment payload")
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePaymentPayload decodes a v2 PAYMENT-SIGNATURE header.
func DecodePaymentPayload(header string) (*types.PaymentPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode base64")
	}
	var payload types.PaymentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errors.Wrap(err, "failed to parse payment payload")
	}
	if payload.X402Version < types.X402Version {
		return nil, errors.Errorf("PAYMENT-SIGNATURE requires x402Version >= %d, got %d", types.X402Version, payload.X402Version)
	}
	if len(payload.Payload) == 0 {
		return nil, errors.New("payload is required")
	}
	return &payload, nil
}

// DecodeLegacyPayment decodes a v1 X-PAYMENT header and lifts it into the v2
// payload shape. The accepted requirements are filled from the matched
// requirements entry since v1 clients do not echo them.
func DecodeLegacyPayment(header string, requirements *types.PaymentRequirements) (*types.PaymentPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode base64")
	}
	var legacy legacyPayment
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, errors.Wrap(err, "failed to parse payment header")
	}
	if legacy.X402Version == 0 {
		return nil, errors.New("x402Version is required")
	}
	if legacy.Scheme == "" {
		return nil, errors.New("scheme is required")
	}
	if legacy.Network == "" {
		return nil, errors.New("network is required")
	}
	if len(legacy.Payload) == 0 {
		return nil, errors.New("payload is required")
	}

	accepted := types.PaymentRequirements{Scheme: legacy.Scheme, Network: legacy.Network}
	if requirements != nil {
		accepted.Amount = requirements.Amount
		accepted.Asset = requirements.Asset
		accepted.PayTo = requirements.PayTo
	}
	return &types.PaymentPayload{
		X402Version: legacy.X402Version,
		Accepted:    accepted,
		Payload:     legacy.Payload,
	}, nil
}

// EncodePaymentRequired encodes the 402 body for the PAYMENT-REQUIRED header.
func EncodePaymentRequired(resp *PaymentRequiredResponse) (string, error) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal payment requirements")
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePaymentResponse decodes a PAYMENT-RESPONSE or X-PAYMENT-RESPONSE
// header into the settlement result.
func DecodePaymentResponse(header string) (*types.SettleResponse, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode base64")
	}
	var resp types.SettleResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errors.Wrap(err, "failed to parse payment response")
	}
	return &resp, nil
}

// ReadPaymentRequirements extracts payment requirements from a 402 response,
// preferring the PAYMENT-REQUIRED header over the body.
func ReadPaymentRequirements(resp *http.Response) (*PaymentRequiredResponse, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, errors.Errorf("expected status 402, got %d", resp.StatusCode)
	}
	if header := resp.Header.Get(HeaderPaymentRequired); header != "" {
		raw, err := base64.StdEncoding.DecodeString(header)
		if err == nil {
			var required PaymentRequiredResponse
			if err := json.Unmarshal(raw, &required); err == nil {
				return &required, nil
			}
		}
	}
	var required PaymentRequiredResponse
	if err := json.NewDecoder(resp.Body).Decode(&required); err != nil {
		return nil, errors.Wrap(err, "failed to decode 402 body")
	}
	return &required, nil
}
