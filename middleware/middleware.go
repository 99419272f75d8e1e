package middleware

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nexapay/x402-facilitator/types"
)

// AcceptedToken is one asset a route accepts payment in.
type AcceptedToken struct {
	Network string // CAIP-2
	Asset   string
	PayTo   string
	Name    string
	Version string
}

// Route prices one endpoint. Pattern is an exact path or a prefix ending in
// "/*". Amount is in atomic units of each accepted token.
type Route struct {
	Pattern string
	Amount  string
	Tokens  []AcceptedToken
}

// Config configures PaymentMiddleware.
type Config struct {
	Facilitator       Facilitator
	Routes            []Route
	MaxTimeoutSeconds uint64
	Lggr              *zap.SugaredLogger
}

func (c *Config) validate() error {
	if c.Facilitator == nil {
		return errors.New("facilitator is required")
	}
	if len(c.Routes) == 0 {
		return errors.New("at least one route is required")
	}
	for _, r := range c.Routes {
		if r.Pattern == "" || r.Amount == "" {
			return errors.Errorf("route %q must have a pattern and an amount", r.Pattern)
		}
		if len(r.Tokens) == 0 {
			return errors.Errorf("route %q must accept at least one token", r.Pattern)
		}
	}
	return nil
}

func (c *Config) matchRoute(path string) (*Route, bool) {
	for i := range c.Routes {
		r := &c.Routes[i]
		if prefix, ok := strings.CutSuffix(r.Pattern, "/*"); ok {
			if strings.HasPrefix(path, prefix+"/") || path == prefix {
				return r, true
			}
			continue
		}
		if path == r.Pattern {
			return r, true
		}
	}
	return nil, false
}

// PaymentContext carries the settled payment into downstream handlers.
type PaymentContext struct {
	Payer       string
	Amount      string
	Network     string
	Transaction string
	SettledAt   time.Time
}

type contextKey string

const paymentContextKey contextKey = "x402-payment"

// PaymentFromContext extracts the settled payment from a request context.
func PaymentFromContext(ctx context.Context) (*PaymentContext, bool) {
	p, ok := ctx.Value(paymentContextKey).(*PaymentContext)
	return p, ok
}

// PaymentMiddleware gates priced routes behind x402 payment. Unpaid requests
// get a 402 listing the accepted payment options; requests carrying a valid
// payment header are verified and settled through the facilitator before the
// wrapped handler runs.
func PaymentMiddleware(cfg Config) (func(http.Handler) http.Handler, error) {
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid x402 middleware configuration")
	}
	lggr := cfg.Lggr
	if lggr == nil {
		lggr = zap.NewNop().Sugar()
	}
	m := &paymentGate{cfg: cfg, lggr: lggr.Named("PaymentMiddleware")}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.serve(w, r, next)
		})
	}, nil
}

type paymentGate struct {
	cfg  Config
	lggr *zap.SugaredLogger
}

func (m *paymentGate) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	route, priced := m.cfg.matchRoute(r.URL.Path)
	if !priced {
		next.ServeHTTP(w, r)
		return
	}

	// v2 header first, v1 fallback.
	header := r.Header.Get(HeaderPaymentSignature)
	isV2 := true
	if header == "" {
		header = r.Header.Get(HeaderLegacyPayment)
		isV2 = false
	}
	if header == "" {
		m.sendPaymentRequired(w, route, "Payment required")
		return
	}

	var payload *types.PaymentPayload
	var err error
	if isV2 {
		payload, err = DecodePaymentPayload(header)
	} else {
		// v1 clients do not echo requirements; bind them to the route's
		// first accepted token.
		reqs := m.requirementsFor(route)
		payload, err = DecodeLegacyPayment(header, &reqs[0])
	}
	if err != nil {
		m.sendError(w, http.StatusBadRequest, errors.Wrap(err, "invalid payment header").Error())
		return
	}

	requirements, ok := m.matchRequirements(route, payload)
	if !ok {
		m.sendPaymentRequired(w, route, "Payment does not match any accepted option")
		return
	}

	ctx := r.Context()
	verifyResp, err := m.cfg.Facilitator.Verify(ctx, payload, requirements)
	if err != nil {
		m.lggr.Errorw("Verification request failed", "path", r.URL.Path, "err", err)
		m.sendError(w, http.StatusInternalServerError, "payment verification error")
		return
	}
	if !verifyResp.IsValid {
		m.lggr.Infow("Rejected payment", "path", r.URL.Path, "reason", verifyResp.InvalidReason, "message", verifyResp.ErrorMessage)
		m.sendPaymentRequired(w, route, "Payment verification failed: "+verifyResp.InvalidReason.String())
		return
	}

	settleResp, err := m.cfg.Facilitator.Settle(ctx, payload, requirements)
	if err != nil {
		m.lggr.Errorw("Settlement request failed", "path", r.URL.Path, "err", err)
		m.sendError(w, http.StatusInternalServerError, "payment settlement error")
		return
	}
	if !settleResp.Success {
		m.lggr.Warnw("Settlement rejected", "path", r.URL.Path, "reason", settleResp.ErrorReason, "message", settleResp.ErrorMessage)
		m.sendPaymentRequired(w, route, "Payment settlement failed: "+settleResp.ErrorReason.String())
		return
	}

	payment := &PaymentContext{
		Payer:       settleResp.Payer,
		Amount:      requirements.Amount,
		Network:     types.NormalizeNetwork(requirements.Network),
		Transaction: settleResp.Transaction,
		SettledAt:   time.Now().UTC(),
	}
	ctx = context.WithValue(ctx, paymentContextKey, payment)

	if encoded, err := encodeSettleResponse(settleResp); err == nil {
		if isV2 {
			w.Header().Set(HeaderPaymentResponse, encoded)
		} else {
			w.Header().Set(HeaderLegacyPaymentResponse, encoded)
		}
	}
	m.lggr.Infow("Payment settled", "path", r.URL.Path, "payer", payment.Payer, "transaction", payment.Transaction)
	next.ServeHTTP(w, r.WithContext(ctx))
}

// requirementsFor expands a route into one requirements entry per accepted
// token.
func (m *paymentGate) requirementsFor(route *Route) []types.PaymentRequirements {
	reqs := make([]types.PaymentRequirements, 0, len(route.Tokens))
	for _, token := range route.Tokens {
		extra := map[string]any{}
		if token.Name != "" {
			extra["name"] = token.Name
		}
		if token.Version != "" {
			extra["version"] = token.Version
		}
		if len(extra) == 0 {
			extra = nil
		}
		reqs = append(reqs, types.PaymentRequirements{
			Scheme:            types.SchemeExact,
			Network:           token.Network,
			Amount:            route.Amount,
			Asset:             token.Asset,
			PayTo:             token.PayTo,
			MaxTimeoutSeconds: m.cfg.MaxTimeoutSeconds,
			Extra:             extra,
		})
	}
	return reqs
}

// matchRequirements picks the route requirements entry the client paid
// against, keyed by the network and asset it echoed.
func (m *paymentGate) matchRequirements(route *Route, payload *types.PaymentPayload) (*types.PaymentRequirements, bool) {
	for _, req := range m.requirementsFor(route) {
		if !types.SameNetwork(req.Network, payload.Accepted.Network) {
			continue
		}
		if payload.Accepted.Asset != "" && !strings.EqualFold(req.Asset, payload.Accepted.Asset) {
			continue
		}
		return &req, true
	}
	return nil, false
}

func (m *paymentGate) sendPaymentRequired(w http.ResponseWriter, route *Route, reason string) {
	resp := &PaymentRequiredResponse{
		X402Version: types.X402Version,
		Error:       reason,
		Accepts:     m.requirementsFor(route),
	}
	if encoded, err := EncodePaymentRequired(resp); err == nil {
		w.Header().Set(HeaderPaymentRequired, encoded)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(resp)
}

func (m *paymentGate) sendError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func encodeSettleResponse(resp *types.SettleResponse) (string, error) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
