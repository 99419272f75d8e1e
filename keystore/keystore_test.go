package keystore

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromHex(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)
	hexKey := hex.EncodeToString(crypto.FromECDSA(key.priv))

	loaded, err := FromHex("0x" + hexKey)
	require.NoError(t, err)
	assert.Equal(t, key.Address(), loaded.Address())

	// Prefix is optional.
	loaded, err = FromHex(hexKey)
	require.NoError(t, err)
	assert.Equal(t, key.Address(), loaded.Address())

	_, err = FromHex("not-a-key")
	assert.Error(t, err)
}

func TestFromFile(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, []byte(" 0x"+hex.EncodeToString(crypto.FromECDSA(key.priv))+"\n"), 0600))

	loaded, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, key.Address(), loaded.Address())

	_, err = FromFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestSignHash(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)

	digest := crypto.Keccak256([]byte("payload"))
	sig, err := key.SignHash(digest)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.LessOrEqual(t, sig[64], byte(1))

	pub, err := crypto.SigToPub(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, key.Address(), crypto.PubkeyToAddress(*pub))

	_, err = key.SignHash([]byte("short"))
	assert.Error(t, err)
}

func TestKeystoreSign(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)

	ks := New()
	account := key.Address().Hex()
	ks.Put(account, key)

	t.Run("lookup is case-insensitive", func(t *testing.T) {
		got, err := ks.Get(key.Address().Hex())
		require.NoError(t, err)
		assert.Same(t, key, got)
	})

	t.Run("nil digest is a liveness probe", func(t *testing.T) {
		sig, err := ks.Sign(context.Background(), account, nil)
		require.NoError(t, err)
		assert.Nil(t, sig)
	})

	t.Run("signs registered key", func(t *testing.T) {
		digest := crypto.Keccak256([]byte("x"))
		sig, err := ks.Sign(context.Background(), account, digest)
		require.NoError(t, err)
		assert.Len(t, sig, 65)
	})

	t.Run("unknown account", func(t *testing.T) {
		_, err := ks.Sign(context.Background(), "0x0000000000000000000000000000000000000001", nil)
		assert.Error(t, err)
	})

	assert.Equal(t, []string{strings.ToLower(account)}, ks.Accounts())
}

func TestParseDigestHex(t *testing.T) {
	raw, err := ParseDigestHex("0xdeadbeef")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, raw)

	_, err = ParseDigestHex("zz")
	assert.Error(t, err)
}
