// Package erc4337 implements the account-abstraction pipeline used for
// gasless settlement: UserOperation construction and hashing, a bundler
// JSON-RPC client, paymaster clients, and a Safe-style smart account.
package erc4337

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// UserOperation is the bundler wire form of an ERC-4337 operation.
type UserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

// userOpWire carries the hex-quantity JSON encoding bundlers expect.
type userOpWire struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

func (op UserOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(userOpWire{
		Sender:               op.Sender,
		Nonce:                (*hexutil.Big)(op.Nonce),
		InitCode:             op.InitCode,
		CallData:             op.CallData,
		CallGasLimit:         (*hexutil.Big)(op.CallGasLimit),
		VerificationGasLimit: (*hexutil.Big)(op.VerificationGasLimit),
		PreVerificationGas:   (*hexutil.Big)(op.PreVerificationGas),
		MaxFeePerGas:         (*hexutil.Big)(op.MaxFeePerGas),
		MaxPriorityFeePerGas: (*hexutil.Big)(op.MaxPriorityFeePerGas),
		PaymasterAndData:     op.PaymasterAndData,
		Signature:            op.Signature,
	})
}

func (op *UserOperation) UnmarshalJSON(data []byte) error {
	var wire userOpWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*op = UserOperation{
		Sender:               wire.Sender,
		Nonce:                (*big.Int)(wire.Nonce),
		InitCode:             wire.InitCode,
		CallData:             wire.CallData,
		CallGasLimit:         (*big.Int)(wire.CallGasLimit),
		VerificationGasLimit: (*big.Int)(wire.VerificationGasLimit),
		PreVerificationGas:   (*big.Int)(wire.PreVerificationGas),
		MaxFeePerGas:         (*big.Int)(wire.MaxFeePerGas),
		MaxPriorityFeePerGas: (*big.Int)(wire.MaxPriorityFeePerGas),
		PaymasterAndData:     wire.PaymasterAndData,
		Signature:            wire.Signature,
	}
	return nil
}

// userOpWireV07 is the split-field JSON encoding v0.7 bundlers expect:
// initCode travels as factory/factoryData and paymasterAndData as its
// paymaster, gas-limit, and data components.
type userOpWireV07 struct {
	Sender                        common.Address  `json:"sender"`
	Nonce                         *hexutil.Big    `json:"nonce"`
	Factory                       *common.Address `json:"factory,omitempty"`
	FactoryData                   hexutil.Bytes   `json:"factoryData,omitempty"`
	CallData                      hexutil.Bytes   `json:"callData"`
	CallGasLimit                  *hexutil.Big    `json:"callGasLimit"`
	VerificationGasLimit          *hexutil.Big    `json:"verificationGasLimit"`
	PreVerificationGas            *hexutil.Big    `json:"preVerificationGas"`
	MaxFeePerGas                  *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas          *hexutil.Big    `json:"maxPriorityFeePerGas"`
	Paymaster                     *common.Address `json:"paymaster,omitempty"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData,omitempty"`
	Signature                     hexutil.Bytes   `json:"signature"`
}

// WireV07 returns the operation in the split-field form sent to v0.7
// bundlers. Packed fields shorter than their fixed-width prefixes are carried
// as absent rather than rejected; the bundler reports them against the
// submitted shape.
func (op *UserOperation) WireV07() any {
	wire := userOpWireV07{
		Sender:               op.Sender,
		Nonce:                (*hexutil.Big)(op.Nonce),
		CallData:             op.CallData,
		CallGasLimit:         (*hexutil.Big)(op.CallGasLimit),
		VerificationGasLimit: (*hexutil.Big)(op.VerificationGasLimit),
		PreVerificationGas:   (*hexutil.Big)(op.PreVerificationGas),
		MaxFeePerGas:         (*hexutil.Big)(op.MaxFeePerGas),
		MaxPriorityFeePerGas: (*hexutil.Big)(op.MaxPriorityFeePerGas),
		Signature:            op.Signature,
	}
	if len(op.InitCode) >= common.AddressLength {
		factory := common.BytesToAddress(op.InitCode[:common.AddressLength])
		wire.Factory = &factory
		if data := op.InitCode[common.AddressLength:]; len(data) > 0 {
			wire.FactoryData = data
		}
	}
	if len(op.PaymasterAndData) >= common.AddressLength {
		paymaster := common.BytesToAddress(op.PaymasterAndData[:common.AddressLength])
		wire.Paymaster = &paymaster
		// canonical v0.7: paymaster ++ verificationGasLimit(16) ++
		// postOpGasLimit(16) ++ data; blobs without the gas word carry
		// their remainder as data
		rest := op.PaymasterAndData[common.AddressLength:]
		if len(rest) >= 32 {
			wire.PaymasterVerificationGasLimit = (*hexutil.Big)(new(big.Int).SetBytes(rest[:16]))
			wire.PaymasterPostOpGasLimit = (*hexutil.Big)(new(big.Int).SetBytes(rest[16:32]))
			rest = rest[32:]
		}
		if len(rest) > 0 {
			wire.PaymasterData = rest
		}
	}
	return wire
}

// PackedUserOperation is the on-chain form used by EntryPoint v0.7, with the
// gas limit and fee pairs packed into single 32 byte words.
type PackedUserOperation struct {
	Sender             common.Address
	Nonce              *big.Int
	InitCode           []byte
	CallData           []byte
	AccountGasLimits   [32]byte
	PreVerificationGas *big.Int
	GasFees            [32]byte
	PaymasterAndData   []byte
	Signature          []byte
}

// packPair left-pads each value into 16 bytes of one 32 byte word, high half
// first. Values wider than 16 bytes are rejected rather than truncated.
func packPair(high, low *big.Int) ([32]byte, error) {
	var word [32]byte
	if high == nil || low == nil {
		return word, errors.New("nil value")
	}
	hb, lb := high.Bytes(), low.Bytes()
	if len(hb) > 16 {
		return word, errors.Errorf("value %s does not fit in 16 bytes", high)
	}
	if len(lb) > 16 {
		return word, errors.Errorf("value %s does not fit in 16 bytes", low)
	}
	copy(word[16-len(hb):16], hb)
	copy(word[32-len(lb):], lb)
	return word, nil
}

func unpackPair(word [32]byte) (high, low *big.Int) {
	return new(big.Int).SetBytes(word[:16]), new(big.Int).SetBytes(word[16:])
}

// PackAccountGasLimits packs verificationGasLimit and callGasLimit into the
// accountGasLimits word.
func PackAccountGasLimits(verificationGasLimit, callGasLimit *big.Int) ([32]byte, error) {
	return packPair(verificationGasLimit, callGasLimit)
}

// UnpackAccountGasLimits splits the accountGasLimits word.
func UnpackAccountGasLimits(word [32]byte) (verificationGasLimit, callGasLimit *big.Int) {
	return unpackPair(word)
}

// PackGasFees packs maxPriorityFeePerGas and maxFeePerGas into the gasFees
// word.
func PackGasFees(maxPriorityFeePerGas, maxFeePerGas *big.Int) ([32]byte, error) {
	return packPair(maxPriorityFeePerGas, maxFeePerGas)
}

// UnpackGasFees splits the gasFees word.
func UnpackGasFees(word [32]byte) (maxPriorityFeePerGas, maxFeePerGas *big.Int) {
	return unpackPair(word)
}

// Pack converts the wire form into the EntryPoint v0.7 on-chain form.
func (op *UserOperation) Pack() (*PackedUserOperation, error) {
	accountGasLimits, err := PackAccountGasLimits(op.VerificationGasLimit, op.CallGasLimit)
	if err != nil {
		return nil, errors.Wrap(err, "accountGasLimits")
	}
	gasFees, err := PackGasFees(op.MaxPriorityFeePerGas, op.MaxFeePerGas)
	if err != nil {
		return nil, errors.Wrap(err, "gasFees")
	}
	return &PackedUserOperation{
		Sender:             op.Sender,
		Nonce:              op.Nonce,
		InitCode:           op.InitCode,
		CallData:           op.CallData,
		AccountGasLimits:   accountGasLimits,
		PreVerificationGas: op.PreVerificationGas,
		GasFees:            gasFees,
		PaymasterAndData:   op.PaymasterAndData,
		Signature:          op.Signature,
	}, nil
}

// Unpack converts the on-chain form back into the wire form.
func (p *PackedUserOperation) Unpack() *UserOperation {
	verificationGasLimit, callGasLimit := UnpackAccountGasLimits(p.AccountGasLimits)
	maxPriorityFeePerGas, maxFeePerGas := UnpackGasFees(p.GasFees)
	return &UserOperation{
		Sender:               p.Sender,
		Nonce:                p.Nonce,
		InitCode:             p.InitCode,
		CallData:             p.CallData,
		CallGasLimit:         callGasLimit,
		VerificationGasLimit: verificationGasLimit,
		PreVerificationGas:   p.PreVerificationGas,
		MaxFeePerGas:         maxFeePerGas,
		MaxPriorityFeePerGas: maxPriorityFeePerGas,
		PaymasterAndData:     p.PaymasterAndData,
		Signature:            p.Signature,
	}
}

// HashV06 computes the EntryPoint v0.6 userOpHash: the keccak of the
// statically encoded operation, rehashed with the entry point and chain id.
func (op *UserOperation) HashV06(entryPoint common.Address, chainID *big.Int) common.Hash {
	encoded := make([]byte, 0, 10*32)
	encoded = append(encoded, leftPadWord(op.Sender.Bytes())...)
	encoded = append(encoded, bigWord(op.Nonce)...)
	encoded = append(encoded, crypto.Keccak256(op.InitCode)...)
	encoded = append(encoded, crypto.Keccak256(op.CallData)...)
	encoded = append(encoded, bigWord(op.CallGasLimit)...)
	encoded = append(encoded, bigWord(op.VerificationGasLimit)...)
	encoded = append(encoded, bigWord(op.PreVerificationGas)...)
	encoded = append(encoded, bigWord(op.MaxFeePerGas)...)
	encoded = append(encoded, bigWord(op.MaxPriorityFeePerGas)...)
	encoded = append(encoded, crypto.Keccak256(op.PaymasterAndData)...)
	return finalizeHash(crypto.Keccak256(encoded), entryPoint, chainID)
}

// HashV07 computes the EntryPoint v0.7 userOpHash over the packed form.
func (op *UserOperation) HashV07(entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	packed, err := op.Pack()
	if err != nil {
		return common.Hash{}, err
	}
	encoded := make([]byte, 0, 8*32)
	encoded = append(encoded, leftPadWord(packed.Sender.Bytes())...)
	encoded = append(encoded, bigWord(packed.Nonce)...)
	encoded = append(encoded, crypto.Keccak256(packed.InitCode)...)
	encoded = append(encoded, crypto.Keccak256(packed.CallData)...)
	encoded = append(encoded, packed.AccountGasLimits[:]...)
	encoded = append(encoded, bigWord(packed.PreVerificationGas)...)
	encoded = append(encoded, packed.GasFees[:]...)
	encoded = append(encoded, crypto.Keccak256(packed.PaymasterAndData)...)
	return finalizeHash(crypto.Keccak256(encoded), entryPoint, chainID), nil
}

func finalizeHash(opHash []byte, entryPoint common.Address, chainID *big.Int) common.Hash {
	outer := make([]byte, 0, 3*32)
	outer = append(outer, opHash...)
	outer = append(outer, leftPadWord(entryPoint.Bytes())...)
	outer = append(outer, bigWord(chainID)...)
	return common.BytesToHash(crypto.Keccak256(outer))
}

func leftPadWord(b []byte) []byte {
	return common.LeftPadBytes(b, 32)
}

func bigWord(v *big.Int) []byte {
	if v == nil {
		return make([]byte, 32)
	}
	return common.LeftPadBytes(v.Bytes(), 32)
}
