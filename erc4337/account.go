package erc4337

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// Call operation kinds used by Safe-style accounts and MultiSend.
const (
	CallOp         = byte(0)
	DelegateCallOp = byte(1)
)

// Function selectors of the deployed contracts. Any drift from the on-chain
// ABI silently sends funds into the void, so these are fixed literals covered
// by golden-vector tests.
var (
	// executeUserOp(address,uint256,bytes,uint8)
	executeUserOpSelector = []byte{0x7b, 0xb3, 0x74, 0x28}
	// multiSend(bytes)
	multiSendSelector = []byte{0x8d, 0x80, 0xff, 0x0a}
	// createProxyWithNonce(address,bytes,uint256)
	createProxySelector = []byte{0x16, 0x88, 0xf0, 0xb9}
)

// AccountSigner signs 32 byte digests with the account owner key. The
// recovery id convention of the raw signature does not matter; SignUserOpHash
// normalizes it.
type AccountSigner interface {
	Address() common.Address
	SignHash(digest []byte) ([]byte, error)
}

// SmartAccount is a counterfactual Safe-style ERC-4337 account: a proxy
// deployed by the factory via CREATE2, executing through the 4337 module.
type SmartAccount struct {
	owner       AccountSigner
	factory     common.Address
	singleton   common.Address
	initializer []byte
	saltNonce   *big.Int

	mu      sync.Mutex
	address *common.Address
}

type AccountOption func(*SmartAccount)

// WithFactory overrides the canonical proxy factory and singleton.
func WithFactory(factory, singleton common.Address) AccountOption {
	return func(a *SmartAccount) {
		a.factory = factory
		a.singleton = singleton
	}
}

// WithInitializer sets the proxy setup calldata baked into the deployment.
func WithInitializer(initializer []byte) AccountOption {
	return func(a *SmartAccount) { a.initializer = initializer }
}

// WithSaltNonce sets the CREATE2 salt nonce; zero by default, so one owner
// maps to one account unless distinguished explicitly.
func WithSaltNonce(saltNonce *big.Int) AccountOption {
	return func(a *SmartAccount) { a.saltNonce = saltNonce }
}

func NewSmartAccount(owner AccountSigner, opts ...AccountOption) *SmartAccount {
	a := &SmartAccount{
		owner:     owner,
		factory:   SafeProxyFactory(),
		singleton: SafeSingleton(),
		saltNonce: new(big.Int),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.initializer == nil {
		a.initializer = a.owner.Address().Bytes()
	}
	return a
}

// Owner returns the signing owner address.
func (a *SmartAccount) Owner() common.Address {
	return a.owner.Address()
}

// GetAddress returns the counterfactual account address:
// keccak256(0xff ++ factory ++ salt ++ keccak256(initCode))[12:], with
// salt = keccak256(keccak256(initializer) ++ saltNonce). The result is
// memoized; the inputs are immutable for the account's lifetime.
func (a *SmartAccount) GetAddress() common.Address {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.address != nil {
		return *a.address
	}

	salt := crypto.Keccak256(crypto.Keccak256(a.initializer), bigWord(a.saltNonce))
	initCodeHash := crypto.Keccak256(a.deploymentCall())
	addr := crypto.CreateAddress2(a.factory, common.BytesToHash(salt), initCodeHash)
	a.address = &addr
	return addr
}

// GetInitCode returns the ERC-4337 initCode: the factory address followed by
// the deployment calldata the EntryPoint forwards to it.
func (a *SmartAccount) GetInitCode() []byte {
	return append(a.factory.Bytes(), a.deploymentCall()...)
}

// deploymentCall encodes createProxyWithNonce(singleton, initializer,
// saltNonce). Layout: selector, singleton word, offset to the dynamic bytes
// (0x60), saltNonce word, then length-prefixed padded initializer.
func (a *SmartAccount) deploymentCall() []byte {
	data := make([]byte, 0, 4+4*32+len(a.initializer)+32)
	data = append(data, createProxySelector...)
	data = append(data, leftPadWord(a.singleton.Bytes())...)
	data = append(data, bigWord(big.NewInt(0x60))...)
	data = append(data, bigWord(a.saltNonce)...)
	data = append(data, bigWord(big.NewInt(int64(len(a.initializer))))...)
	data = append(data, rightPad32(a.initializer)...)
	return data
}

// SignUserOpHash signs a userOpHash the way the 4337 module validates it:
// the hash is wrapped with the personal-sign prefix, signed, and the
// recovery id normalized to 27/28.
func (a *SmartAccount) SignUserOpHash(_ context.Context, userOpHash common.Hash) ([]byte, error) {
	prefixed := crypto.Keccak256(
		[]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(userOpHash))),
		userOpHash.Bytes(),
	)
	sig, err := a.owner.SignHash(prefixed)
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign user operation hash")
	}
	if len(sig) != 65 {
		return nil, errors.Errorf("unexpected signature length %d", len(sig))
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// EncodeExecute encodes executeUserOp(to, value, data, operation). Layout:
// selector, to word, value word, offset to the dynamic bytes (0x80),
// operation word, then length-prefixed padded data.
func EncodeExecute(to common.Address, value *big.Int, data []byte, operation byte) []byte {
	encoded := make([]byte, 0, 4+5*32+len(data)+32)
	encoded = append(encoded, executeUserOpSelector...)
	encoded = append(encoded, leftPadWord(to.Bytes())...)
	encoded = append(encoded, bigWord(value)...)
	encoded = append(encoded, bigWord(big.NewInt(0x80))...)
	encoded = append(encoded, bigWord(big.NewInt(int64(operation)))...)
	encoded = append(encoded, bigWord(big.NewInt(int64(len(data))))...)
	encoded = append(encoded, rightPad32(data)...)
	return encoded
}

// BatchCall is one call inside a MultiSend batch.
type BatchCall struct {
	To    common.Address
	Value *big.Int
	Data  []byte
}

// EncodeExecuteBatch encodes a batch as a DELEGATECALL into the MultiSend
// aggregator wrapping the tightly packed call list. Each packed call is:
// 1 byte operation, 20 byte target, 32 byte value, 32 byte data length,
// then the unpadded data.
func EncodeExecuteBatch(calls []BatchCall) ([]byte, error) {
	if len(calls) == 0 {
		return nil, errors.New("empty batch")
	}

	var packed []byte
	for _, call := range calls {
		packed = append(packed, CallOp)
		packed = append(packed, call.To.Bytes()...)
		packed = append(packed, bigWord(call.Value)...)
		packed = append(packed, bigWord(big.NewInt(int64(len(call.Data))))...)
		packed = append(packed, call.Data...)
	}

	// multiSend(bytes) around the packed list
	multiSendCall := make([]byte, 0, 4+2*32+len(packed)+32)
	multiSendCall = append(multiSendCall, multiSendSelector...)
	multiSendCall = append(multiSendCall, bigWord(big.NewInt(0x20))...)
	multiSendCall = append(multiSendCall, bigWord(big.NewInt(int64(len(packed))))...)
	multiSendCall = append(multiSendCall, rightPad32(packed)...)

	return EncodeExecute(MultiSend(false), new(big.Int), multiSendCall, DelegateCallOp), nil
}

// rightPad32 pads b with zeros to a multiple of 32 bytes.
func rightPad32(b []byte) []byte {
	rem := len(b) % 32
	if rem == 0 {
		return b
	}
	padded := make([]byte, len(b)+32-rem)
	copy(padded, b)
	return padded
}
