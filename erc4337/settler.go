package erc4337

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nexapay/x402-facilitator/evm"
)

// getNonce(address,uint192)
var getNonceSelector = []byte{0x35, 0x56, 0x7e, 0x1a}

// Settler drives a full gasless settlement: it wraps a contract call in a
// UserOperation from the configured smart account, obtains paymaster
// sponsorship, and submits through the bundler. It satisfies the settlement
// hook the EVM scheme accepts.
type Settler struct {
	account    *SmartAccount
	bundler    BundlerClient
	paymaster  PaymasterClient
	chain      evm.ChainClient
	version    EntryPointVersion
	entryPoint common.Address
	lggr       *zap.SugaredLogger
}

var _ evm.GaslessSettler = (*Settler)(nil)

type SettlerOption func(*Settler)

// WithPaymaster enables sponsorship through the given paymaster client.
// Without one the account pays its own gas from its deposit.
func WithPaymaster(p PaymasterClient) SettlerOption {
	return func(s *Settler) { s.paymaster = p }
}

// WithEntryPointVersion selects the EntryPoint deployment. v0.7 is the
// default; v0.6 remains supported for legacy paymasters.
func WithEntryPointVersion(version EntryPointVersion) SettlerOption {
	return func(s *Settler) { s.version = version }
}

func NewSettler(account *SmartAccount, bundler BundlerClient, chain evm.ChainClient, lggr *zap.SugaredLogger, opts ...SettlerOption) (*Settler, error) {
	s := &Settler{
		account: account,
		bundler: bundler,
		chain:   chain,
		version: EntryPointV07,
		lggr:    lggr.Named("Erc4337Settler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	entryPoint, ok := EntryPointAddress(s.version)
	if !ok {
		return nil, errors.Errorf("unknown entry point version %q", s.version)
	}
	s.entryPoint = entryPoint
	return s, nil
}

// SettleCall wraps callData-to-to in a user operation and submits it,
// returning the hash of the including transaction.
func (s *Settler) SettleCall(ctx context.Context, to common.Address, callData []byte) (common.Hash, error) {
	op, err := s.buildOperation(ctx, to, callData)
	if err != nil {
		return common.Hash{}, err
	}

	chainID, err := s.chain.ChainID(ctx)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to resolve chain id")
	}

	if s.paymaster != nil {
		sponsorship, err := s.paymaster.GetPaymasterData(ctx, op, chainID, s.entryPoint)
		if err != nil {
			return common.Hash{}, errors.Wrap(err, "paymaster refused sponsorship")
		}
		op.PaymasterAndData = sponsorship.Packed()
	}

	if err := s.estimateGas(ctx, op); err != nil {
		return common.Hash{}, err
	}

	userOpHash, err := s.operationHash(op, chainID)
	if err != nil {
		return common.Hash{}, err
	}
	op.Signature, err = s.account.SignUserOpHash(ctx, userOpHash)
	if err != nil {
		return common.Hash{}, err
	}

	sentHash, err := s.bundler.SendUserOperation(ctx, op, s.entryPoint)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "bundler rejected user operation")
	}
	s.lggr.Infow("user operation submitted", "userOpHash", sentHash.Hex(), "sender", op.Sender.Hex())

	receipt, err := s.bundler.WaitForReceipt(ctx, sentHash)
	if err != nil {
		return common.Hash{}, err
	}
	if !receipt.Success {
		return common.Hash{}, errors.Errorf("user operation %s reverted: %s", sentHash.Hex(), receipt.Reason)
	}
	s.lggr.Infow("user operation included", "userOpHash", sentHash.Hex(), "txHash", receipt.Receipt.TransactionHash.Hex())
	return receipt.Receipt.TransactionHash, nil
}

func (s *Settler) buildOperation(ctx context.Context, to common.Address, callData []byte) (*UserOperation, error) {
	sender := s.account.GetAddress()

	nonce, err := s.entryPointNonce(ctx, sender)
	if err != nil {
		return nil, err
	}

	// A zero-fee operation is never included; fee suggestion failures are
	// fatal, unlike gas-limit estimation.
	maxFee, maxPriority, err := s.chain.SuggestFees(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to suggest fees")
	}

	op := &UserOperation{
		Sender:               sender,
		Nonce:                nonce,
		CallData:             EncodeExecute(to, new(big.Int), callData, CallOp),
		CallGasLimit:         new(big.Int).Set(defaultCallGasLimit),
		VerificationGasLimit: new(big.Int).Set(defaultVerificationGasLimit),
		PreVerificationGas:   new(big.Int).Set(defaultPreVerificationGas),
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: maxPriority,
	}
	if deployed, err := s.isDeployed(ctx, sender); err != nil {
		return nil, err
	} else if !deployed {
		op.InitCode = s.account.GetInitCode()
	}
	return op, nil
}

// entryPointNonce reads getNonce(sender, 0) from the EntryPoint.
func (s *Settler) entryPointNonce(ctx context.Context, sender common.Address) (*big.Int, error) {
	data := make([]byte, 0, 4+2*32)
	data = append(data, getNonceSelector...)
	data = append(data, leftPadWord(sender.Bytes())...)
	data = append(data, make([]byte, 32)...)

	raw, err := s.chain.CallContract(ctx, s.entryPoint, data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read entry point nonce")
	}
	return new(big.Int).SetBytes(raw), nil
}

// isDeployed checks whether the counterfactual account already has code.
// Only undeployed accounts carry initCode; bundlers reject it otherwise.
func (s *Settler) isDeployed(ctx context.Context, sender common.Address) (bool, error) {
	code, err := s.chain.CodeAt(ctx, sender)
	if err != nil {
		return false, errors.Wrap(err, "failed to probe account deployment")
	}
	return len(code) > 0, nil
}

func (s *Settler) estimateGas(ctx context.Context, op *UserOperation) error {
	estimate, err := s.bundler.EstimateUserOperationGas(ctx, op, s.entryPoint)
	if err != nil {
		// estimation failures are advisory, defaults remain in place
		s.lggr.Warnw("gas estimation failed, using defaults", "error", err)
		return nil
	}
	op.CallGasLimit = bigOrDefault(estimate.CallGasLimit, defaultCallGasLimit)
	op.VerificationGasLimit = bigOrDefault(estimate.VerificationGasLimit, defaultVerificationGasLimit)
	op.PreVerificationGas = bigOrDefault(estimate.PreVerificationGas, defaultPreVerificationGas)
	return nil
}

func (s *Settler) operationHash(op *UserOperation, chainID *big.Int) (common.Hash, error) {
	if s.version == EntryPointV06 {
		return op.HashV06(s.entryPoint, chainID), nil
	}
	return op.HashV07(s.entryPoint, chainID)
}
