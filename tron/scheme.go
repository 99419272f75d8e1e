package tron

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nexapay/x402-facilitator/money"
	"github.com/nexapay/x402-facilitator/scheme"
	"github.com/nexapay/x402-facilitator/types"
)

const (
	// MinValidityBuffer is the minimum remaining lifetime an authorization
	// must have at verification time.
	MinValidityBuffer = 30 * time.Second

	// MaxBroadcastRetryDuration bounds the SERVER_BUSY / BLOCK_UNSOLIDIFIED
	// retry loop.
	MaxBroadcastRetryDuration = 30 * time.Second
	BroadcastRetryDelay       = 2 * time.Second

	ConfirmPollInterval = 3 * time.Second
	ConfirmTimeout      = 60 * time.Second
)

var _ scheme.Scheme = (*ExactScheme)(nil)

// ExactScheme is the facilitator side of the "exact" scheme on TRON. TRC-20
// tokens have no EIP-3009 equivalent, so payments arrive as pre-signed
// transfer transactions, cross-checked against a plaintext authorization and
// broadcast at settlement time.
type ExactScheme struct {
	client   NodeClient
	verifier TransactionVerifier
	prices   *money.Chain
	lggr     *zap.SugaredLogger
	now      func() time.Time
}

type Option func(*ExactScheme)

// WithVerifier replaces the default local transaction verifier.
func WithVerifier(v TransactionVerifier) Option {
	return func(s *ExactScheme) { s.verifier = v }
}

// WithPriceParsers prepends custom parsers to the scheme's price parser chain.
func WithPriceParsers(parsers ...money.Parser) Option {
	return func(s *ExactScheme) {
		for _, p := range parsers {
			s.prices.Register(p)
		}
	}
}

// WithClock overrides the wall clock used for expiry checks and settlement
// deadlines. Tests inject a fixed time.
func WithClock(now func() time.Time) Option {
	return func(s *ExactScheme) { s.now = now }
}

func NewExactScheme(client NodeClient, lggr *zap.SugaredLogger, opts ...Option) *ExactScheme {
	s := &ExactScheme{
		client:   client,
		verifier: LocalVerifier{},
		prices:   money.NewChain(DefaultTokens()),
		lggr:     lggr.Named("ExactTronScheme"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ExactScheme) ParsePrice(price any, network string) (*types.AssetAmount, error) {
	return s.prices.Parse(price, network)
}

// Verify checks the payload against the requirements. Checks run in a fixed
// order and the first violated check decides the reason.
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
	if !IsTronNetwork(requirements.Network) {
		return types.Invalid(types.ErrUnsupportedNetwork, "not a TRON network: %q", requirements.Network), nil
	}

	// 2. Structure, including address formats.
	exact, err := types.ExactTronPayloadFromRaw(payload.Payload)
	if err != nil {
		return types.Invalid(types.ErrInvalidPayloadStructure, "%v", err), nil
	}
	auth := exact.Authorization
	if len(exact.SignedTransaction) == 0 {
		return types.Invalid(types.ErrInvalidPayloadStructure, "missing signed transaction"), nil
	}
	if !IsBase58Address(auth.From) {
		return types.Invalid(types.ErrInvalidPayerAddress, "invalid payer address %q", auth.From), nil
	}
	if !IsBase58Address(auth.To) {
		return types.Invalid(types.ErrInvalidRecipientAddress, "invalid recipient address %q", auth.To), nil
	}
	if !IsBase58Address(auth.ContractAddress) {
		return types.Invalid(types.ErrInvalidAssetAddress, "invalid contract address %q", auth.ContractAddress), nil
	}

	// 3. The signed transaction must be authentic and encode exactly the
	// declared transfer.
	if err := s.verifier.VerifyTransaction(ctx, exact.SignedTransaction, auth); err != nil {
		return types.Invalid(types.ErrInvalidSignature, "%v", err), nil
	}

	// 4. Expiration with a safety buffer, so the transaction survives
	// broadcast and solidification. Expiration is unix milliseconds and
	// enforced here by wall clock only; unlike an EIP-3009 window it is not
	// bound into the signature the chain checks.
	remaining := time.Duration(auth.Expiration-s.now().UnixMilli()) * time.Millisecond
	if remaining <= MinValidityBuffer {
		return types.Invalid(types.ErrAuthorizationExpired, "authorization expires in %s, need at least %s", remaining, MinValidityBuffer), nil
	}

	from, err := Base58ToAddress(auth.From)
	if err != nil {
		return types.Invalid(types.ErrInvalidPayerAddress, "%v", err), nil
	}
	contract, err := Base58ToAddress(auth.ContractAddress)
	if err != nil {
		return types.Invalid(types.ErrInvalidAssetAddress, "%v", err), nil
	}
	amount, ok := new(big.Int).SetString(auth.Amount, 10)
	if !ok {
		return types.Invalid(types.ErrInvalidPayloadStructure, "invalid amount %q", auth.Amount), nil
	}

	// 5. Account activation and balance. RPC failures here are advisory,
	// but an account the chain has never seen cannot pay.
	if account, err := s.client.GetAccount(ctx, from); err != nil {
		s.lggr.Warnw("activation check skipped, RPC error", "payer", auth.From, "error", err)
	} else if !account.Activated() {
		return types.Invalid(types.ErrAccountNotActivated, "payer account %s is not activated", auth.From), nil
	}
	if balance, err := s.client.TRC20BalanceOf(ctx, contract, from); err != nil {
		s.lggr.Warnw("balance check skipped, RPC error", "payer", auth.From, "error", err)
	} else if balance.Cmp(amount) < 0 {
		return types.Invalid(types.ErrInsufficientBalance, "payer balance %s is less than authorized %s", balance, auth.Amount), nil
	}

	// 6. Transferred amount must cover the required amount.
	required, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok {
		return types.Invalid(types.ErrInvalidPayloadStructure, "invalid required amount %q", requirements.Amount), nil
	}
	if amount.Cmp(required) < 0 {
		return types.Invalid(types.ErrInsufficientAmount, "authorized %s is less than required %s", auth.Amount, requirements.Amount), nil
	}

	// 7. Recipient and asset must match the requirements.
	payTo, err := Base58ToAddress(requirements.PayTo)
	if err != nil {
		return types.Invalid(types.ErrInvalidRecipientAddress, "invalid payTo address %q", requirements.PayTo), nil
	}
	to, err := Base58ToAddress(auth.To)
	if err != nil {
		return types.Invalid(types.ErrInvalidRecipientAddress, "%v", err), nil
	}
	if to != payTo {
		return types.Invalid(types.ErrRecipientMismatch, "transfer pays %s, requirements demand %s", auth.To, requirements.PayTo), nil
	}
	asset, err := Base58ToAddress(requirements.Asset)
	if err != nil {
		return types.Invalid(types.ErrInvalidAssetAddress, "invalid asset address %q", requirements.Asset), nil
	}
	if contract != asset {
		return types.Invalid(types.ErrAssetMismatch, "transfer uses %s, requirements demand %s", auth.ContractAddress, requirements.Asset), nil
	}

	return types.Valid(auth.From), nil
}

// Settle re-verifies the payload, broadcasts the pre-signed transaction, and
// waits for the transfer to confirm.
func (s *ExactScheme) Settle(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.SettleResponse, error) {
	verification, err := s.Verify(ctx, payload, requirements)
	if err != nil {
		return nil, err
	}
	if !verification.IsValid {
		return types.SettleFailed(verification.InvalidReason, "%s", verification.ErrorMessage), nil
	}

	exact, err := types.ExactTronPayloadFromRaw(payload.Payload)
	if err != nil {
		return types.SettleFailed(types.ErrInvalidPayloadStructure, "%v", err), nil
	}
	var tx Transaction
	if err := json.Unmarshal(exact.SignedTransaction, &tx); err != nil {
		return types.SettleFailed(types.ErrInvalidPayloadStructure, "undecodable signed transaction: %v", err), nil
	}

	broadcast, err := s.broadcastWithRetry(ctx, &tx)
	if err != nil {
		return types.SettleFailed(types.ErrTransactionFailed, "broadcast failed: %v", err), nil
	}
	txID := broadcast.TxID
	if txID == "" {
		txID = tx.TxID
	}
	s.lggr.Infow("settlement broadcast", "txID", txID, "payer", verification.Payer, "network", requirements.Network)

	info, err := s.waitForConfirmation(ctx, txID)
	if err != nil {
		return types.SettleFailed(types.ErrTransactionFailed, "confirmation failed for %s: %v", txID, err), nil
	}
	if failed, reason := executionFailed(info); failed {
		return types.SettleFailed(types.ErrTransactionFailed, "transaction %s failed: %s", txID, reason), nil
	}

	s.lggr.Infow("settlement confirmed", "txID", txID, "block", info.BlockNumber)
	return types.Settled(txID, types.NormalizeNetwork(requirements.Network), verification.Payer), nil
}

// broadcastWithRetry retries only the transient SERVER_BUSY and
// BLOCK_UNSOLIDIFIED responses; all other failures are terminal.
func (s *ExactScheme) broadcastWithRetry(ctx context.Context, tx *Transaction) (*BroadcastResponse, error) {
	start := s.now()
	attempt := 1
	for {
		resp, err := s.client.BroadcastTransaction(ctx, tx)
		if err == nil {
			return resp, nil
		}
		if resp == nil || (resp.Code != ResponseCodeServerBusy && resp.Code != ResponseCodeBlockUnsolidified) {
			return nil, err
		}
		if s.now().Sub(start) >= MaxBroadcastRetryDuration {
			return nil, errors.Wrap(err, "max broadcast retry duration reached")
		}
		s.lggr.Debugw("node busy, retrying broadcast", "code", resp.Code, "attempt", attempt)
		attempt++
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(BroadcastRetryDelay):
		}
	}
}

// waitForConfirmation polls until the transaction shows up in a solidified
// block or the timeout elapses.
func (s *ExactScheme) waitForConfirmation(ctx context.Context, txID string) (*TransactionInfo, error) {
	deadline := s.now().Add(ConfirmTimeout)
	for {
		info, err := s.client.GetTransactionInfoByID(ctx, txID)
		if err == nil {
			return info, nil
		}
		if !errors.Is(err, NotFoundErr) {
			s.lggr.Warnw("confirmation poll failed", "txID", txID, "error", err)
		}
		if s.now().After(deadline) {
			return nil, errors.Errorf("transaction %s not confirmed within %s", txID, ConfirmTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(ConfirmPollInterval):
		}
	}
}

func executionFailed(info *TransactionInfo) (bool, string) {
	if info.Result == "FAILED" {
		return true, info.ResMessage
	}
	if info.Receipt.Result != "" && info.Receipt.Result != ContractResultSuccess && info.Receipt.Result != ContractResultDefault {
		return true, info.Receipt.Result
	}
	return false, ""
}
