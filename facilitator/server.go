// Package facilitator exposes the x402 facilitator HTTP API: verification and
// settlement of payment payloads on behalf of resource servers.
package facilitator

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nexapay/x402-facilitator/monitor"
	"github.com/nexapay/x402-facilitator/scheme"
	"github.com/nexapay/x402-facilitator/types"
)

const (
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 90 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// VerifyRequest is the body of POST /verify and POST /settle.
type VerifyRequest struct {
	X402Version         int                        `json:"x402Version"`
	PaymentPayload      *types.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *types.PaymentRequirements `json:"paymentRequirements"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server serves the facilitator API over HTTP.
type Server struct {
	registry *scheme.Registry
	lggr     *zap.SugaredLogger
	srv      *http.Server
}

func NewServer(addr string, registry *scheme.Registry, lggr *zap.SugaredLogger) *Server {
	s := &Server{
		registry: registry,
		lggr:     lggr.Named("FacilitatorServer"),
	}
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.router(),
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	}
	return s
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	r.POST("/verify", s.handleVerify)
	r.POST("/settle", s.handleSettle)
	r.GET("/supported", s.handleSupported)
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start blocks serving requests until Stop is called.
func (s *Server) Start() error {
	s.lggr.Infow("Starting facilitator server", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-Id", requestID)
		c.Set("requestID", requestID)

		start := time.Now()
		c.Next()
		s.lggr.Debugw("Handled request",
			"requestID", requestID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start),
		)
	}
}

func (s *Server) handleVerify(c *gin.Context) {
	req, impl, ok := s.bindPayment(c)
	if !ok {
		return
	}
	resp, err := impl.Verify(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		s.lggr.Errorw("Verification failed", "requestID", c.GetString("requestID"), "err", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "verification failed"})
		return
	}
	monitor.RecordVerification(req.PaymentRequirements.Scheme, types.NormalizeNetwork(req.PaymentRequirements.Network), resp.IsValid)
	if !resp.IsValid {
		s.lggr.Infow("Rejected payment",
			"requestID", c.GetString("requestID"),
			"reason", resp.InvalidReason,
			"message", resp.ErrorMessage,
		)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSettle(c *gin.Context) {
	req, impl, ok := s.bindPayment(c)
	if !ok {
		return
	}
	resp, err := impl.Settle(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		s.lggr.Errorw("Settlement failed", "requestID", c.GetString("requestID"), "err", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "settlement failed"})
		return
	}
	monitor.RecordSettlement(req.PaymentRequirements.Scheme, types.NormalizeNetwork(req.PaymentRequirements.Network), resp.Success)
	if resp.Success {
		s.lggr.Infow("Settled payment",
			"requestID", c.GetString("requestID"),
			"network", resp.Network,
			"payer", resp.Payer,
			"transaction", resp.Transaction,
		)
	} else {
		s.lggr.Warnw("Settlement rejected",
			"requestID", c.GetString("requestID"),
			"reason", resp.ErrorReason,
			"message", resp.ErrorMessage,
		)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSupported(c *gin.Context) {
	c.JSON(http.StatusOK, types.SupportedResponse{Kinds: s.registry.Kinds()})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// bindPayment decodes and sanity checks a verify/settle request body,
// resolving the scheme implementation. Writes the error response itself when
// the request cannot be dispatched.
func (s *Server) bindPayment(c *gin.Context) (*VerifyRequest, scheme.Scheme, bool) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return nil, nil, false
	}
	if req.PaymentPayload == nil || req.PaymentRequirements == nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "paymentPayload and paymentRequirements are required"})
		return nil, nil, false
	}
	if req.X402Version != 0 && req.X402Version != types.X402Version {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "unsupported x402 version"})
		return nil, nil, false
	}
	impl, ok := s.registry.Lookup(req.PaymentRequirements.Scheme, req.PaymentRequirements.Network)
	if !ok {
		c.JSON(http.StatusBadRequest, errorResponse{
			Error: "no scheme registered for " + req.PaymentRequirements.Scheme + " on " + req.PaymentRequirements.Network,
		})
		return nil, nil, false
	}
	return &req, impl, true
}
