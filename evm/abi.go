package evm

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"

	"github.com/nexapay/x402-facilitator/types"
)

// transferWithAuthorization with the v,r,s signature shape (EOA signatures),
// plus the ERC-20 reads the verifier needs.
const tokenABIJSON = `[
	{
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "validAfter", "type": "uint256"},
			{"name": "validBefore", "type": "uint256"},
			{"name": "nonce", "type": "bytes32"},
			{"name": "v", "type": "uint8"},
			{"name": "r", "type": "bytes32"},
			{"name": "s", "type": "bytes32"}
		],
		"name": "transferWithAuthorization",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [{"name": "account", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"name": "to", "type": "address"}, {"name": "value", "type": "uint256"}],
		"name": "transfer",
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

var tokenABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(tokenABIJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// PackTransferWithAuthorization builds the transferWithAuthorization calldata
// from a verified authorization and its 65-byte signature.
func PackTransferWithAuthorization(auth types.EvmAuthorization, signature string) ([]byte, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != 65 {
		return nil, errors.New("signature must be 65 bytes of hex")
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, errors.Errorf("invalid value %q", auth.Value)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return nil, errors.Errorf("invalid validAfter %q", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return nil, errors.Errorf("invalid validBefore %q", auth.ValidBefore)
	}
	nonce, err := hexutil.Decode(auth.Nonce)
	if err != nil || len(nonce) != 32 {
		return nil, errors.New("nonce must be 32 bytes of hex")
	}

	var nonce32, r, s [32]byte
	copy(nonce32[:], nonce)
	copy(r[:], sig[0:32])
	copy(s[:], sig[32:64])
	v := sig[64]
	if v < 27 {
		v += 27
	}

	return tokenABI.Pack("transferWithAuthorization",
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value,
		validAfter,
		validBefore,
		nonce32,
		v,
		r,
		s,
	)
}

// PackBalanceOf builds balanceOf(account) calldata.
func PackBalanceOf(account common.Address) []byte {
	data, err := tokenABI.Pack("balanceOf", account)
	if err != nil {
		// static inputs, cannot fail
		panic(err)
	}
	return data
}

// UnpackBalanceOf decodes the result of a balanceOf call.
func UnpackBalanceOf(data []byte) (*big.Int, error) {
	out, err := tokenABI.Unpack("balanceOf", data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to unpack balanceOf result")
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, errors.New("unexpected balanceOf result type")
	}
	return balance, nil
}
