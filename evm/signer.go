package evm

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Transaction receipt status values, as reported by EVM nodes.
const (
	TxStatusFailed  uint64 = 0
	TxStatusSuccess uint64 = 1
)

// Receipt is the subset of a transaction receipt the settlement path needs.
type Receipt struct {
	TxHash      common.Hash
	Status      uint64
	BlockNumber uint64
}

// ClientSigner is the payer-side signing capability. Key custody is external;
// implementations only need to produce EIP-712 signatures for the configured
// account.
type ClientSigner interface {
	Address() common.Address
	SignTypedData(ctx context.Context, typed apitypes.TypedData) ([]byte, error)
}

// ChainClient is the facilitator-side chain access capability: read calls for
// verification and a funded account for submitting settlements. Implementations
// wrap an EVM JSON-RPC endpoint.
type ChainClient interface {
	ChainID(ctx context.Context) (*big.Int, error)

	// CallContract performs a read-only eth_call against to.
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)

	// CodeAt returns the deployed bytecode at addr, empty for EOAs and
	// counterfactual accounts.
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)

	// SuggestFees returns the node's current EIP-1559 fee caps: the max fee
	// per gas and the max priority fee per gas.
	SuggestFees(ctx context.Context) (maxFeePerGas, maxPriorityFeePerGas *big.Int, err error)

	// SendContractTransaction signs a transaction to `to` with the
	// facilitator key and broadcasts it.
	SendContractTransaction(ctx context.Context, to common.Address, data []byte) (common.Hash, error)

	// WaitForReceipt blocks until the transaction is included or ctx ends.
	WaitForReceipt(ctx context.Context, txHash common.Hash) (*Receipt, error)
}

// GaslessSettler submits a contract call through an ERC-4337 pipeline instead
// of a direct transaction, for facilitators configured to sponsor gas via a
// paymaster. Implemented by the erc4337 package.
type GaslessSettler interface {
	SettleCall(ctx context.Context, to common.Address, callData []byte) (common.Hash, error)
}
