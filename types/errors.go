package types

// ErrorCode is a machine-readable rejection or failure reason. Verification
// checks run in a fixed order and fail fast on the first violated check; a
// rejected payload is never retryable as-is.
type ErrorCode string

const (
	// Structural
	ErrInvalidPayloadStructure ErrorCode = "invalid_payload_structure"

	// Identity
	ErrUnsupportedScheme  ErrorCode = "unsupported_scheme"
	ErrUnsupportedNetwork ErrorCode = "unsupported_network"
	ErrNetworkMismatch    ErrorCode = "network_mismatch"
	ErrAssetMismatch      ErrorCode = "asset_mismatch"
	ErrRecipientMismatch  ErrorCode = "recipient_mismatch"

	// Cryptographic
	ErrInvalidSignature        ErrorCode = "invalid_signature"
	ErrInvalidPayerAddress     ErrorCode = "invalid_payer_address"
	ErrInvalidRecipientAddress ErrorCode = "invalid_recipient_address"
	ErrInvalidAssetAddress     ErrorCode = "invalid_asset_address"

	// Temporal
	ErrAuthorizationNotYetValid ErrorCode = "authorization_not_yet_valid"
	ErrAuthorizationExpired     ErrorCode = "authorization_expired"

	// Economic
	ErrInsufficientAmount    ErrorCode = "insufficient_amount"
	ErrInsufficientBalance   ErrorCode = "insufficient_balance"
	ErrInsufficientAllowance ErrorCode = "insufficient_allowance"

	// Execution
	ErrSimulationFailed  ErrorCode = "simulation_failed"
	ErrTransactionFailed ErrorCode = "transaction_failed"

	// Account state
	ErrAccountNotActivated ErrorCode = "account_not_activated"

	// Pricing
	ErrInvalidPriceFormat ErrorCode = "invalid_price_format"
)

func (c ErrorCode) String() string {
	return string(c)
}
