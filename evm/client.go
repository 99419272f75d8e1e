package evm

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"

	"github.com/nexapay/x402-facilitator/types"
)

// DefaultValidityWindow bounds the authorization lifetime when the
// requirements carry no timeout.
const DefaultValidityWindow = 300 * time.Second

// PayloadBuilder creates signed exact-scheme payment payloads on EVM networks.
type PayloadBuilder struct {
	signer ClientSigner
	now    func() time.Time
}

func NewPayloadBuilder(signer ClientSigner) *PayloadBuilder {
	return &PayloadBuilder{signer: signer, now: time.Now}
}

// CreatePaymentPayload signs an EIP-3009 transfer authorization satisfying the
// given requirements. The validity window starts immediately: [now, now+window).
func (b *PayloadBuilder) CreatePaymentPayload(ctx context.Context, requirements *types.PaymentRequirements) (*types.PaymentPayload, error) {
	if requirements == nil {
		return nil, errors.New("requirements are required")
	}
	if _, ok := ChainID(requirements.Network); !ok {
		return nil, fmt.Errorf("not an EVM network: %q", requirements.Network)
	}
	domain, err := domainFor(requirements)
	if err != nil {
		return nil, err
	}

	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, errors.Wrap(err, "failed to generate nonce")
	}

	window := DefaultValidityWindow
	if requirements.MaxTimeoutSeconds > 0 {
		window = time.Duration(requirements.MaxTimeoutSeconds) * time.Second
	}
	now := b.now()

	auth := types.EvmAuthorization{
		From:        b.signer.Address().Hex(),
		To:          requirements.PayTo,
		Value:       requirements.Amount,
		ValidAfter:  strconv.FormatInt(now.Unix(), 10),
		ValidBefore: strconv.FormatInt(now.Add(window).Unix(), 10),
		Nonce:       hexutil.Encode(nonce[:]),
	}

	signature, err := b.signer.SignTypedData(ctx, TransferAuthorizationTypedData(auth, domain))
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign authorization")
	}
	// Contracts expect v in {27,28}.
	if len(signature) == 65 && signature[64] < 27 {
		signature[64] += 27
	}

	raw, err := json.Marshal(types.ExactEvmPayload{
		Signature:     hexutil.Encode(signature),
		Authorization: auth,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal payload")
	}

	return &types.PaymentPayload{
		X402Version: types.X402Version,
		Accepted: types.PaymentRequirements{
			Scheme:  requirements.Scheme,
			Network: types.NormalizeNetwork(requirements.Network),
			// The asset disambiguates routes accepting several tokens on
			// one network.
			Asset: requirements.Asset,
		},
		Payload: raw,
	}, nil
}
