package evm

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nexapay/x402-facilitator/money"
	"github.com/nexapay/x402-facilitator/scheme"
	"github.com/nexapay/x402-facilitator/types"
)

var _ scheme.Scheme = (*ExactScheme)(nil)

// ExactScheme is the facilitator side of the "exact" scheme on EVM networks:
// EIP-3009 transferWithAuthorization verification and settlement.
type ExactScheme struct {
	client  ChainClient
	gasless GaslessSettler
	prices  *money.Chain
	lggr    *zap.SugaredLogger
	now     func() time.Time
}

type Option func(*ExactScheme)

// WithGaslessSettler routes settlement through an ERC-4337 pipeline instead of
// a direct transaction from the facilitator key.
func WithGaslessSettler(settler GaslessSettler) Option {
	return func(s *ExactScheme) { s.gasless = settler }
}

// WithPriceParsers prepends custom parsers to the scheme's price parser chain.
func WithPriceParsers(parsers ...money.Parser) Option {
	return func(s *ExactScheme) {
		for _, p := range parsers {
			s.prices.Register(p)
		}
	}
}

func NewExactScheme(client ChainClient, lggr *zap.SugaredLogger, opts ...Option) *ExactScheme {
	s := &ExactScheme{
		client: client,
		prices: money.NewChain(DefaultTokens()),
		lggr:   lggr.Named("ExactEvmScheme"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ParsePrice resolves a human price into atomic units of the network's default
// token (or of a typed asset amount's own asset).
func (s *ExactScheme) ParsePrice(price any, network string) (*types.AssetAmount, error) {
	return s.prices.Parse(price, network)
}

// Verify checks the payload against the requirements. Checks run in a fixed
// order and the first violated check decides the reason; later checks never
// mask earlier ones.
func (s *ExactScheme) Verify(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.VerifyResponse, error) {
	if payload == nil || requirements == nil {
		return nil, errors.New("payload and requirements are required")
	}

	// 1. Scheme and network identity.
	if payload.Accepted.Scheme != types.SchemeExact || payload.Accepted.Scheme != requirements.Scheme {
		return types.Invalid(types.ErrUnsupportedScheme, "expected scheme %q, payload accepted %q", requirements.Scheme, payload.Accepted.Scheme), nil
	}
	if !types.SameNetwork(payload.Accepted.Network, requirements.Network) {
		return types.Invalid(types.ErrNetworkMismatch, "payload network %q does not match requirements network %q", payload.Accepted.Network, requirements.Network), nil
	}
	if _, ok := ChainID(requirements.Network); !ok {
		return types.Invalid(types.ErrUnsupportedNetwork, "not an EVM network: %q", requirements.Network), nil
	}

	// 2. Structure.
	exact, err := types.ExactEvmPayloadFromRaw(payload.Payload)
	if err != nil {
		return types.Invalid(types.ErrInvalidPayloadStructure, "%v", err), nil
	}
	auth := exact.Authorization
	if exact.Signature == "" {
		return types.Invalid(types.ErrInvalidPayloadStructure, "missing signature"), nil
	}
	if !common.IsHexAddress(auth.From) {
		return types.Invalid(types.ErrInvalidPayerAddress, "invalid payer address %q", auth.From), nil
	}
	if !common.IsHexAddress(auth.To) {
		return types.Invalid(types.ErrInvalidRecipientAddress, "invalid recipient address %q", auth.To), nil
	}
	if !common.IsHexAddress(requirements.Asset) {
		return types.Invalid(types.ErrInvalidAssetAddress, "invalid asset address %q", requirements.Asset), nil
	}

	// 3. Signature must recover to the declared payer.
	domain, err := domainFor(requirements)
	if err != nil {
		return types.Invalid(types.ErrInvalidPayloadStructure, "%v", err), nil
	}
	signer, err := RecoverAuthorizationSigner(auth, domain, exact.Signature)
	if err != nil {
		return types.Invalid(types.ErrInvalidSignature, "%v", err), nil
	}
	if signer != common.HexToAddress(auth.From) {
		return types.Invalid(types.ErrInvalidSignature, "signature recovers to %s, not %s", signer.Hex(), auth.From), nil
	}

	// 4. Authorized value must cover the required amount. Overpayment is
	// accepted.
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return types.Invalid(types.ErrInvalidPayloadStructure, "invalid value %q", auth.Value), nil
	}
	required, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok {
		return types.Invalid(types.ErrInvalidPayloadStructure, "invalid required amount %q", requirements.Amount), nil
	}
	if value.Cmp(required) < 0 {
		return types.Invalid(types.ErrInsufficientAmount, "authorized %s is less than required %s", auth.Value, requirements.Amount), nil
	}

	// 5. Validity window: validAfter <= now < validBefore.
	now := s.now().Unix()
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return types.Invalid(types.ErrInvalidPayloadStructure, "invalid validAfter %q", auth.ValidAfter), nil
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return types.Invalid(types.ErrInvalidPayloadStructure, "invalid validBefore %q", auth.ValidBefore), nil
	}
	if validAfter.Cmp(big.NewInt(now)) > 0 {
		return types.Invalid(types.ErrAuthorizationNotYetValid, "authorization valid from %s, now %d", auth.ValidAfter, now), nil
	}
	if validBefore.Cmp(big.NewInt(now)) <= 0 {
		return types.Invalid(types.ErrAuthorizationExpired, "authorization expired at %s, now %d", auth.ValidBefore, now), nil
	}

	// 6. Recipient must be the requirements' payee.
	if common.HexToAddress(auth.To) != common.HexToAddress(requirements.PayTo) {
		return types.Invalid(types.ErrRecipientMismatch, "authorization pays %s, requirements demand %s", auth.To, requirements.PayTo), nil
	}

	// 7. On-chain balance. An RPC failure here is advisory: verification
	// continues, settlement would surface the real state.
	asset := common.HexToAddress(requirements.Asset)
	if raw, err := s.client.CallContract(ctx, asset, PackBalanceOf(common.HexToAddress(auth.From))); err != nil {
		s.lggr.Warnw("balance check skipped, RPC error", "payer", auth.From, "error", err)
	} else if balance, err := UnpackBalanceOf(raw); err != nil {
		s.lggr.Warnw("balance check skipped, undecodable result", "payer", auth.From, "error", err)
	} else if balance.Cmp(value) < 0 {
		return types.Invalid(types.ErrInsufficientBalance, "payer balance %s is less than authorized %s", balance, auth.Value), nil
	}

	// 8. Dry-run the transfer. A revert is fatal; a transport failure is
	// advisory like the balance check.
	callData, err := PackTransferWithAuthorization(auth, exact.Signature)
	if err != nil {
		return types.Invalid(types.ErrInvalidPayloadStructure, "%v", err), nil
	}
	if _, err := s.client.CallContract(ctx, asset, callData); err != nil {
		if isRevert(err) {
			return types.Invalid(types.ErrSimulationFailed, "transferWithAuthorization reverted: %v", err), nil
		}
		s.lggr.Warnw("simulation skipped, RPC error", "payer", auth.From, "error", err)
	}

	return types.Valid(common.HexToAddress(auth.From).Hex()), nil
}

// Settle re-verifies the payload and submits the transfer, either directly
// from the facilitator key or through the configured ERC-4337 pipeline.
func (s *ExactScheme) Settle(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.SettleResponse, error) {
	verification, err := s.Verify(ctx, payload, requirements)
	if err != nil {
		return nil, err
	}
	if !verification.IsValid {
		return types.SettleFailed(verification.InvalidReason, "%s", verification.ErrorMessage), nil
	}

	exact, err := types.ExactEvmPayloadFromRaw(payload.Payload)
	if err != nil {
		return types.SettleFailed(types.ErrInvalidPayloadStructure, "%v", err), nil
	}
	callData, err := PackTransferWithAuthorization(exact.Authorization, exact.Signature)
	if err != nil {
		return types.SettleFailed(types.ErrInvalidPayloadStructure, "%v", err), nil
	}
	asset := common.HexToAddress(requirements.Asset)

	var txHash common.Hash
	if s.gasless != nil {
		txHash, err = s.gasless.SettleCall(ctx, asset, callData)
	} else {
		txHash, err = s.client.SendContractTransaction(ctx, asset, callData)
	}
	if err != nil {
		return types.SettleFailed(types.ErrTransactionFailed, "failed to submit transfer: %v", err), nil
	}

	s.lggr.Infow("settlement submitted", "txHash", txHash.Hex(), "payer", verification.Payer, "network", requirements.Network)

	receipt, err := s.client.WaitForReceipt(ctx, txHash)
	if err != nil {
		return types.SettleFailed(types.ErrTransactionFailed, "failed waiting for receipt of %s: %v", txHash.Hex(), err), nil
	}
	if receipt.Status != TxStatusSuccess {
		return types.SettleFailed(types.ErrTransactionFailed, "transaction %s reverted in block %d", txHash.Hex(), receipt.BlockNumber), nil
	}

	s.lggr.Infow("settlement confirmed", "txHash", txHash.Hex(), "block", receipt.BlockNumber)
	return types.Settled(txHash.Hex(), types.NormalizeNetwork(requirements.Network), verification.Payer), nil
}

// isRevert distinguishes an EVM execution revert from a transport-level RPC
// failure, based on the error strings EVM nodes return for eth_call.
func isRevert(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "revert") || strings.Contains(msg, "execution error")
}
