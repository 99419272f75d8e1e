package tron

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"time"

	"github.com/pkg/errors"

	"github.com/nexapay/x402-facilitator/types"
)

// DefaultFeeLimit is the fee cap attached to built transfers, in SUN.
const DefaultFeeLimit = 100_000_000

// TransactionSigner signs 32 byte transaction digests. Implemented by
// keystore keys.
type TransactionSigner interface {
	SignHash(digest []byte) ([]byte, error)
}

// PayloadBuilder constructs exact-scheme payment payloads on the client side:
// it asks a node to assemble the transfer, signs it locally, and wraps the
// still-unbroadcast transaction with its authorization.
type PayloadBuilder struct {
	client NodeClient
	signer TransactionSigner
	from   Address
	now    func() time.Time
}

func NewPayloadBuilder(client NodeClient, signer TransactionSigner, from Address) *PayloadBuilder {
	return &PayloadBuilder{client: client, signer: signer, from: from, now: time.Now}
}

// CreatePaymentPayload builds and signs a TRC-20 transfer satisfying the
// requirements. The transaction is not broadcast; the facilitator does that
// at settlement.
func (b *PayloadBuilder) CreatePaymentPayload(ctx context.Context, requirements *types.PaymentRequirements) (*types.PaymentPayload, error) {
	if !IsTronNetwork(requirements.Network) {
		return nil, errors.Errorf("not a TRON network: %q", requirements.Network)
	}
	contract, err := Base58ToAddress(requirements.Asset)
	if err != nil {
		return nil, errors.Wrap(err, "invalid asset address")
	}
	to, err := Base58ToAddress(requirements.PayTo)
	if err != nil {
		return nil, errors.Wrap(err, "invalid payTo address")
	}
	amount, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok {
		return nil, errors.Errorf("invalid amount %q", requirements.Amount)
	}

	calldata := PackTransfer(to, amount)
	resp, err := b.client.TriggerSmartContract(ctx, &TriggerSmartContractRequest{
		OwnerAddress:     b.from.String(),
		ContractAddress:  contract.String(),
		FunctionSelector: "transfer(address,uint256)",
		Parameter:        hex.EncodeToString(calldata[4:]),
		FeeLimit:         DefaultFeeLimit,
		Visible:          true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to build transfer")
	}
	tx := resp.Transaction

	txID, err := hex.DecodeString(tx.TxID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid transaction ID")
	}
	sig, err := b.signer.SignHash(txID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign transaction")
	}
	tx.AddSignatureBytes(sig)

	signed, err := json.Marshal(tx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal signed transaction")
	}
	raw, err := json.Marshal(types.ExactTronPayload{
		SignedTransaction: signed,
		Authorization: types.TronAuthorization{
			From:            b.from.String(),
			To:              to.String(),
			ContractAddress: contract.String(),
			Amount:          amount.String(),
			Expiration:      tx.RawData.Expiration,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal payload")
	}

	return &types.PaymentPayload{
		X402Version: types.X402Version,
		Accepted: types.PaymentRequirements{
			Scheme:  types.SchemeExact,
			Network: types.NormalizeNetwork(requirements.Network),
			// The asset disambiguates routes accepting several tokens on
			// one network.
			Asset: contract.String(),
		},
		Payload: raw,
	}, nil
}
