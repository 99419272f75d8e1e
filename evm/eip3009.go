package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"

	"github.com/nexapay/x402-facilitator/types"
)

// TypedDomain are the EIP-712 domain parameters of the token contract the
// authorization is addressed to.
type TypedDomain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract string
}

// TransferAuthorizationTypedData builds the EIP-712 typed data for an
// EIP-3009 TransferWithAuthorization message.
func TransferAuthorizationTypedData(auth types.EvmAuthorization, domain TypedDomain) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       auth.Value,
			"validAfter":  auth.ValidAfter,
			"validBefore": auth.ValidBefore,
			"nonce":       auth.Nonce,
		},
	}
}

// HashTransferAuthorization computes the EIP-712 digest the payer signs.
func HashTransferAuthorization(auth types.EvmAuthorization, domain TypedDomain) ([]byte, error) {
	digest, _, err := apitypes.TypedDataAndHash(TransferAuthorizationTypedData(auth, domain))
	if err != nil {
		return nil, errors.Wrap(err, "failed to hash transfer authorization")
	}
	return digest, nil
}

// RecoverAuthorizationSigner recovers the signer address of an EIP-3009
// authorization from its 65-byte signature.
func RecoverAuthorizationSigner(auth types.EvmAuthorization, domain TypedDomain, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "signature is not valid hex")
	}
	if len(sig) != 65 {
		return common.Address{}, errors.Errorf("signature must be 65 bytes, got %d", len(sig))
	}

	digest, err := HashTransferAuthorization(auth, domain)
	if err != nil {
		return common.Address{}, err
	}

	// Recovery expects v in {0,1}; wallets emit 27/28.
	recovery := make([]byte, 65)
	copy(recovery, sig)
	if recovery[64] >= 27 {
		recovery[64] -= 27
	}

	pub, err := crypto.SigToPub(digest, recovery)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "failed to recover signer")
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// domainFor resolves the EIP-712 domain for a payment from the static network
// registry, honoring name/version overrides in requirements.extra.
func domainFor(requirements *types.PaymentRequirements) (TypedDomain, error) {
	chainID, ok := ChainID(requirements.Network)
	if !ok {
		return TypedDomain{}, fmt.Errorf("not an EVM network: %q", requirements.Network)
	}

	domain := TypedDomain{ChainID: chainID, VerifyingContract: requirements.Asset}
	if cfg, ok := Network(requirements.Network); ok && strings.EqualFold(cfg.DefaultAsset.Address, requirements.Asset) {
		domain.Name = cfg.DefaultAsset.Name
		domain.Version = cfg.DefaultAsset.Version
	}
	if name, ok := requirements.ExtraString("name"); ok {
		domain.Name = name
	}
	if version, ok := requirements.ExtraString("version"); ok {
		domain.Version = version
	}
	if domain.Name == "" {
		return TypedDomain{}, fmt.Errorf("no token metadata for asset %s on %s; set extra.name and extra.version", requirements.Asset, requirements.Network)
	}
	return domain, nil
}
