package types

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Header names used to carry x402 payloads over HTTP, with the pre-v2 legacy
// fallbacks still accepted by resource servers.
const (
	HeaderPaymentRequired  = "PAYMENT-REQUIRED"
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"
	HeaderPaymentResponse  = "PAYMENT-RESPONSE"

	HeaderLegacyPayment         = "X-PAYMENT"
	HeaderLegacyPaymentResponse = "X-PAYMENT-RESPONSE"
)

// PaymentRequired is the body of a 402 response: the payment options the
// server accepts for the requested resource.
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// EncodeHeader marshals v to JSON and base64-encodes it for use as an HTTP
// header value.
func EncodeHeader(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal header payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeHeader reverses EncodeHeader into out.
func DecodeHeader(value string, out any) error {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return fmt.Errorf("header value is not valid base64: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to unmarshal header payload: %w", err)
	}
	return nil
}

// DecodePaymentHeader decodes a PAYMENT-SIGNATURE (or legacy X-PAYMENT) header
// value into a PaymentPayload.
func DecodePaymentHeader(value string) (*PaymentPayload, error) {
	var payload PaymentPayload
	if err := DecodeHeader(value, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
