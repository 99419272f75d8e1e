// Package keystore provides an in-memory secp256k1 key implementing the
// signer capabilities the schemes inject. Production key custody is an
// external concern; this implementation backs the CLI and the tests.
package keystore

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"
)

// Key wraps a secp256k1 private key.
type Key struct {
	priv *ecdsa.PrivateKey
}

// NewKey generates a fresh key.
func NewKey() (*Key, error) {
	priv, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate key")
	}
	return &Key{priv: priv}, nil
}

// FromHex loads a key from a hex-encoded private key, with or without a 0x
// prefix.
func FromHex(hexKey string) (*Key, error) {
	priv, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid private key")
	}
	return &Key{priv: priv}, nil
}

// FromFile loads a hex-encoded private key from a file.
func FromFile(path string) (*Key, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read key file")
	}
	return FromHex(strings.TrimSpace(string(raw)))
}

// Address returns the key's EVM address.
func (k *Key) Address() common.Address {
	return crypto.PubkeyToAddress(k.priv.PublicKey)
}

// PublicKey returns the uncompressed public key bytes (0x04-prefixed).
func (k *Key) PublicKey() []byte {
	return crypto.FromECDSAPub(&k.priv.PublicKey)
}

// SignTypedData produces an EIP-712 signature over the typed data, with the
// recovery id normalized to 27/28 as token contracts expect.
func (k *Key) SignTypedData(_ context.Context, typed apitypes.TypedData) ([]byte, error) {
	digest, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return nil, errors.Wrap(err, "failed to hash typed data")
	}
	sig, err := crypto.Sign(digest, k.priv)
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign typed data")
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// SignHash signs a pre-computed 32-byte digest. The recovery id stays in
// {0,1}; callers needing 27/28 adjust it themselves.
func (k *Key) SignHash(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, errors.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	return crypto.Sign(digest, k.priv)
}

// Keystore holds named keys, mirroring how a node-backed keystore would be
// addressed. Safe for concurrent use.
type Keystore struct {
	mu   sync.RWMutex
	keys map[string]*Key
}

func New() *Keystore {
	return &Keystore{keys: map[string]*Key{}}
}

// Put registers key under account (typically the address string).
func (s *Keystore) Put(account string, key *Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[strings.ToLower(account)] = key
}

// Get returns the key registered under account.
func (s *Keystore) Get(account string) (*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[strings.ToLower(account)]
	if !ok {
		return nil, errors.Errorf("no key for account %s", account)
	}
	return key, nil
}

// Sign signs a 32-byte digest with the key registered under account. A nil
// digest is a liveness probe: it checks the key exists without signing.
func (s *Keystore) Sign(_ context.Context, account string, digest []byte) ([]byte, error) {
	key, err := s.Get(account)
	if err != nil {
		return nil, err
	}
	if digest == nil {
		return nil, nil
	}
	return key.SignHash(digest)
}

// Accounts lists the registered account names.
func (s *Keystore) Accounts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	accounts := make([]string, 0, len(s.keys))
	for account := range s.keys {
		accounts = append(accounts, account)
	}
	return accounts
}

// ParseDigestHex decodes a hex digest string (with or without 0x prefix).
func ParseDigestHex(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid hex digest")
	}
	return raw, nil
}
