package tron

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/big"

	eCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/nexapay/x402-facilitator/types"
)

// transferSelector is the 4 byte selector of transfer(address,uint256).
var transferSelector = []byte{0xa9, 0x05, 0x9c, 0xbb}

// TransactionVerifier checks that a pre-signed transaction is authentic and
// performs exactly the transfer its authorization declares.
type TransactionVerifier interface {
	VerifyTransaction(ctx context.Context, signed json.RawMessage, auth types.TronAuthorization) error
}

// LocalVerifier verifies pre-signed transactions without a node: it recomputes
// the transaction hash from raw_data_hex, recovers the signer, and cross-checks
// the embedded TRC-20 calldata against the authorization.
type LocalVerifier struct{}

var _ TransactionVerifier = LocalVerifier{}

func (LocalVerifier) VerifyTransaction(_ context.Context, signed json.RawMessage, auth types.TronAuthorization) error {
	var tx Transaction
	if err := json.Unmarshal(signed, &tx); err != nil {
		return errors.Wrap(err, "undecodable signed transaction")
	}
	if tx.RawDataHex == "" {
		return errors.New("signed transaction has no raw_data_hex")
	}
	if len(tx.Signature) == 0 {
		return errors.New("signed transaction has no signature")
	}

	rawData, err := hex.DecodeString(tx.RawDataHex)
	if err != nil {
		return errors.Wrap(err, "invalid raw_data_hex")
	}
	txID := sha256.Sum256(rawData)
	if tx.TxID != "" && tx.TxID != hex.EncodeToString(txID[:]) {
		return errors.Errorf("txID %s does not match raw_data hash", tx.TxID)
	}

	from, err := Base58ToAddress(auth.From)
	if err != nil {
		return errors.Wrap(err, "invalid from address")
	}
	signer, err := recoverSigner(txID[:], tx.Signature[0])
	if err != nil {
		return err
	}
	if signer != from {
		return errors.Errorf("signature recovers to %s, not %s", signer, auth.From)
	}

	return checkTransferContract(&tx, auth)
}

func recoverSigner(digest []byte, sigHex string) (Address, error) {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return Address{}, errors.Wrap(err, "invalid signature hex")
	}
	if len(sig) != 65 {
		return Address{}, errors.Errorf("invalid signature length %d", len(sig))
	}
	if sig[64] >= 27 {
		sig = append(bytes.Clone(sig[:64]), sig[64]-27)
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return Address{}, errors.Wrap(err, "failed to recover signer")
	}
	return PubkeyToAddress(*pub), nil
}

// checkTransferContract ensures the transaction carries a single
// TriggerSmartContract whose calldata is transfer(to, amount) on the
// authorized contract, from the authorized owner.
func checkTransferContract(tx *Transaction, auth types.TronAuthorization) error {
	if len(tx.RawData.Contract) != 1 {
		return errors.Errorf("expected 1 contract, got %d", len(tx.RawData.Contract))
	}
	contract := tx.RawData.Contract[0]
	if contract.Type != "TriggerSmartContract" {
		return errors.Errorf("unexpected contract type %q", contract.Type)
	}

	owner, err := StringToAddress(contract.Parameter.Value.OwnerAddress)
	if err != nil {
		return errors.Wrap(err, "invalid owner_address in transaction")
	}
	from, err := Base58ToAddress(auth.From)
	if err != nil {
		return errors.Wrap(err, "invalid from address")
	}
	if owner != from {
		return errors.Errorf("transaction owner %s is not the declared payer %s", owner, auth.From)
	}

	target, err := StringToAddress(contract.Parameter.Value.ContractAddress)
	if err != nil {
		return errors.Wrap(err, "invalid contract_address in transaction")
	}
	asset, err := Base58ToAddress(auth.ContractAddress)
	if err != nil {
		return errors.Wrap(err, "invalid authorized contract address")
	}
	if target != asset {
		return errors.Errorf("transaction targets %s, authorization names %s", target, auth.ContractAddress)
	}

	data, err := hex.DecodeString(contract.Parameter.Value.Data)
	if err != nil {
		return errors.Wrap(err, "invalid calldata hex")
	}
	to, err := Base58ToAddress(auth.To)
	if err != nil {
		return errors.Wrap(err, "invalid to address")
	}
	amount, ok := new(big.Int).SetString(auth.Amount, 10)
	if !ok {
		return errors.Errorf("invalid amount %q", auth.Amount)
	}
	expected := PackTransfer(to, amount)
	if !bytes.Equal(data, expected) {
		return errors.New("calldata does not encode the authorized transfer")
	}
	return nil
}

// PackTransfer encodes transfer(to, amount) TRC-20 calldata.
func PackTransfer(to Address, amount *big.Int) []byte {
	data := make([]byte, 0, 4+64)
	data = append(data, transferSelector...)
	data = append(data, eCommon.LeftPadBytes(to.EVM().Bytes(), 32)...)
	data = append(data, eCommon.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}
