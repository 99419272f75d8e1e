package evm

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
)

const receiptPollInterval = 2 * time.Second

// TxSender is the facilitator-side key capability the RPC client signs
// settlement transactions with. Implemented by keystore keys.
type TxSender interface {
	Address() common.Address
	SignHash(digest []byte) ([]byte, error)
}

// RPCClient implements ChainClient over an EVM JSON-RPC endpoint.
type RPCClient struct {
	ec      *ethclient.Client
	sender  TxSender
	chainID *big.Int
}

var _ ChainClient = (*RPCClient)(nil)

// NewRPCClient dials url and binds the settlement key. The chain id is
// resolved once at construction and reused for signing.
func NewRPCClient(ctx context.Context, url string, sender TxSender) (*RPCClient, error) {
	ec, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", url)
	}
	chainID, err := ec.ChainID(ctx)
	if err != nil {
		ec.Close()
		return nil, errors.Wrap(err, "failed to resolve chain id")
	}
	return &RPCClient{ec: ec, sender: sender, chainID: chainID}, nil
}

func (c *RPCClient) Close() {
	c.ec.Close()
}

func (c *RPCClient) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.chainID), nil
}

func (c *RPCClient) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.ec.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// NativeBalance returns the latest native token balance of addr in wei.
func (c *RPCClient) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return c.ec.BalanceAt(ctx, addr, nil)
}

func (c *RPCClient) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	return c.ec.CodeAt(ctx, addr, nil)
}

// SuggestFees derives EIP-1559 fee caps from the node: the suggested tip as
// the priority fee, and the suggested gas price plus the tip as the max fee,
// leaving headroom for base-fee growth before inclusion.
func (c *RPCClient) SuggestFees(ctx context.Context) (*big.Int, *big.Int, error) {
	tip, err := c.ec.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to fetch tip cap")
	}
	gasPrice, err := c.ec.SuggestGasPrice(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to fetch gas price")
	}
	return new(big.Int).Add(gasPrice, tip), tip, nil
}

// SendContractTransaction signs a legacy transaction with the bound key and
// broadcasts it.
func (c *RPCClient) SendContractTransaction(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	from := c.sender.Address()

	nonce, err := c.ec.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to fetch nonce")
	}
	gasPrice, err := c.ec.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to fetch gas price")
	}
	gasLimit, err := c.ec.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to estimate gas")
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signer := types.LatestSignerForChainID(c.chainID)
	sig, err := c.sender.SignHash(signer.Hash(tx).Bytes())
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to sign transaction")
	}
	signed, err := tx.WithSignature(signer, sig)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to attach signature")
	}

	if err := c.ec.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to broadcast transaction")
	}
	return signed.Hash(), nil
}

// WaitForReceipt polls until the transaction is included or ctx ends.
func (c *RPCClient) WaitForReceipt(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	for {
		receipt, err := c.ec.TransactionReceipt(ctx, txHash)
		if err == nil {
			return &Receipt{
				TxHash:      receipt.TxHash,
				Status:      receipt.Status,
				BlockNumber: receipt.BlockNumber.Uint64(),
			}, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, errors.Wrapf(err, "failed to fetch receipt for %s", txHash.Hex())
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(receiptPollInterval):
		}
	}
}
