package tron

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"regexp"

	eCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
)

const (
	// AddressLength is the byte length of a TRON address.
	AddressLength = 21
	// AddressLengthBase58 is the character length of a base58check address.
	AddressLengthBase58 = 34
	// AddressPrefix is the leading byte of every TRON address.
	AddressPrefix = byte(0x41)
)

// base58AddressRe matches the base58check form: a T followed by 33 base58
// characters (no 0, O, I or l).
var base58AddressRe = regexp.MustCompile(`^T[1-9A-HJ-NP-Za-km-z]{33}$`)

// Address is the 21 byte, 0x41-prefixed address of a TRON account.
type Address [AddressLength]byte

// IsBase58Address reports whether s is shaped like a base58check address.
// It checks the alphabet and length only, not the checksum.
func IsBase58Address(s string) bool {
	return base58AddressRe.MatchString(s)
}

// Base58ToAddress decodes a base58check address, verifying the checksum.
func Base58ToAddress(s string) (Address, error) {
	if !IsBase58Address(s) {
		return Address{}, errors.Errorf("invalid TRON address format: %q", s)
	}
	decoded, err := base58.Decode(s)
	if err != nil {
		return Address{}, errors.Wrapf(err, "invalid base58 in %q", s)
	}
	if len(decoded) != AddressLength+4 {
		return Address{}, errors.Errorf("invalid decoded length %d for %q", len(decoded), s)
	}
	payload, checksum := decoded[:AddressLength], decoded[AddressLength:]
	digest := doubleSHA256(payload)
	for i := 0; i < 4; i++ {
		if digest[i] != checksum[i] {
			return Address{}, errors.Errorf("bad checksum in %q", s)
		}
	}
	if payload[0] != AddressPrefix {
		return Address{}, errors.Errorf("unexpected prefix byte 0x%02x in %q", payload[0], s)
	}
	var a Address
	copy(a[:], payload)
	return a, nil
}

// HexToAddress decodes the 21 byte hex form ("41" prefixed, no "0x").
func HexToAddress(s string) (Address, error) {
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, errors.Wrapf(err, "invalid hex address %q", s)
	}
	if len(decoded) != AddressLength || decoded[0] != AddressPrefix {
		return Address{}, errors.Errorf("invalid hex address %q", s)
	}
	var a Address
	copy(a[:], decoded)
	return a, nil
}

// StringToAddress accepts the base58check, 41-prefixed hex, and EVM 0x hex
// address forms.
func StringToAddress(s string) (Address, error) {
	switch {
	case eCommon.IsHexAddress(s):
		return EVMAddressToAddress(eCommon.HexToAddress(s)), nil
	case len(s) == AddressLength*2 && s[:2] == "41":
		return HexToAddress(s)
	default:
		return Base58ToAddress(s)
	}
}

// EVMAddressToAddress prefixes a 20 byte EVM address with the TRON byte.
func EVMAddressToAddress(addr eCommon.Address) Address {
	var a Address
	a[0] = AddressPrefix
	copy(a[1:], addr[:])
	return a
}

// PubkeyToAddress derives the TRON address of a secp256k1 public key. Same
// keccak derivation as EVM, different presentation.
func PubkeyToAddress(pub ecdsa.PublicKey) Address {
	return EVMAddressToAddress(crypto.PubkeyToAddress(pub))
}

// EVM returns the trailing 20 bytes as an EVM address.
func (a Address) EVM() eCommon.Address {
	return eCommon.BytesToAddress(a[1:])
}

// Hex returns the 21 byte hex form without a "0x" prefix.
func (a Address) Hex() string {
	return hex.EncodeToString(a[:])
}

// String returns the base58check form.
func (a Address) String() string {
	digest := doubleSHA256(a[:])
	return base58.Encode(append(a[:], digest[:4]...))
}

func doubleSHA256(b []byte) [sha256.Size]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}
