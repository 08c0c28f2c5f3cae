// Package server exposes the x402 credit flow over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"

	"github.com/vitwit/pay402"
	"github.com/vitwit/pay402/logger"
	"github.com/vitwit/pay402/types"
	"github.com/vitwit/pay402/utils"
)

const (
	// PaymentHeader carries the payment transaction reference.
	PaymentHeader = "X-PAYMENT"
	// PaymentResponseHeader carries the settlement summary on success.
	PaymentResponseHeader = "X-PAYMENT-RESPONSE"
)

// Service is the part of pay402.Pay402 the handlers use.
type Service interface {
	Quote(ctx context.Context, credit int64) (*types.PaymentClaim, error)
	Settle(ctx context.Context, req *types.SettleRequest) (types.SettlementOutcome, error)
	Stats(ctx context.Context) (*types.CreditStats, error)
	UserStats(ctx context.Context, address string) (*types.UserStats, error)
	Info() pay402.Info
}

var _ Service = (*pay402.Pay402)(nil)

type Config struct {
	Address         string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// Server is the HTTP front end of a Service.
type Server struct {
	cfg     Config
	svc     Service
	router  *gin.Engine
	logger  logger.Logger
	metrics http.Handler
	now     func() time.Time
}

type Option func(*Server)

func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

func New(svc Service, cfg Config, opts ...Option) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}

	s := &Server{
		cfg:    cfg,
		svc:    svc,
		router: gin.New(),
		logger: logger.NoopLogger{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(requestID())
	s.router.Use(requestLogger(s.logger))

	s.router.GET("/health", s.health)
	s.router.GET("/info", s.info)

	s.router.GET("/credit-quote", s.quote)
	s.router.POST("/credit-settle", s.settle)

	s.router.GET("/stats", s.stats)
	s.router.GET("/stats/:address", s.userStats)

	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics))
	}
}

// Handler returns the router wrapped in the CORS policy.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", PaymentHeader},
		ExposedHeaders:   []string{PaymentResponseHeader, requestIDHeader},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Run serves until ctx is done, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", map[string]any{"address": s.cfg.Address})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"protocol":  "x402",
		"version":   pay402.Version,
		"timestamp": s.now().UnixMilli(),
	})
}

func (s *Server) info(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Info())
}

func (s *Server) quote(c *gin.Context) {
	raw := c.Query("amount")
	if raw == "" {
		s.writeError(c, types.NewValidationError(types.ErrMissingField, "missing amount parameter"))
		return
	}
	credit, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || credit <= 0 {
		s.writeError(c, types.NewValidationError(types.ErrInvalidAmount, "amount must be a positive integer, got %q", raw))
		return
	}

	claim, err := s.svc.Quote(c.Request.Context(), credit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusPaymentRequired, types.X402Response{Status: http.StatusPaymentRequired, Payment: claim})
}

func (s *Server) settle(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<16))
	if err != nil {
		s.writeError(c, types.NewValidationError(types.ErrInvalidPayload, "read request body: %v", err))
		return
	}
	req, err := utils.ParseSettleRequest(c.GetHeader(PaymentHeader), body)
	if err != nil {
		s.writeError(c, err)
		return
	}

	outcome, err := s.svc.Settle(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}

	switch o := outcome.(type) {
	case types.Settled:
		s.writeSettled(c, o)
	case types.Rejected:
		c.JSON(http.StatusPaymentRequired, types.X402Response{
			Status:  http.StatusPaymentRequired,
			Payment: o.Claim,
			Error:   o.Detail,
		})
	case types.AlreadyProcessed:
		code, msg := types.ErrAlreadyProcessed, "payment already processed"
		if o.Pending {
			code, msg = types.ErrSettlementPending, "payment settlement in progress"
		}
		resp := gin.H{"error": msg, "code": code, "txHash": o.TransactionReference}
		if o.Record != nil {
			resp["settlementTxReference"] = o.Record.SettlementTxReference
		}
		c.JSON(http.StatusConflict, resp)
	case types.Failed:
		s.logger.Error("settlement failed", map[string]any{"error": o.Error(), "request_id": c.GetString(requestIDKey)})
		c.JSON(http.StatusInternalServerError, gin.H{"error": o.Reason, "code": types.ErrSettlementFailed})
	default:
		s.writeError(c, types.NewInfrastructureError(types.ErrSettlementFailed, "unknown settlement outcome %T", outcome))
	}
}

type paymentResponse struct {
	Settled     bool   `json:"settled"`
	TxHash      string `json:"txHash"`
	TokenAmount int64  `json:"tokenAmount"`
	Timestamp   int64  `json:"timestamp"`
}

func (s *Server) writeSettled(c *gin.Context, o types.Settled) {
	rec := o.Record
	ts := rec.SettledAt.UnixMilli()

	header, err := json.Marshal(paymentResponse{
		Settled:     true,
		TxHash:      rec.SettlementTxReference,
		TokenAmount: rec.CreditAmount,
		Timestamp:   ts,
	})
	if err == nil {
		c.Header(PaymentResponseHeader, string(header))
	}

	body, err := utils.SerializeSettlementResult(&types.SettlementResult{
		Success:               true,
		Message:               "Credits granted",
		SettlementTxReference: rec.SettlementTxReference,
		CreditAmount:          rec.CreditAmount,
		UserAddress:           rec.UserAddress,
		PaymentTxReference:    rec.TransactionReference,
		Timestamp:             ts,
	})
	if err != nil {
		s.writeError(c, types.NewInfrastructureError(types.ErrSettlementFailed, "%v", err))
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}

func (s *Server) stats(c *gin.Context) {
	stats, err := s.svc.Stats(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "stats": stats})
}

func (s *Server) userStats(c *gin.Context) {
	address := c.Param("address")
	stats, err := s.svc.UserStats(c.Request.Context(), address)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "address": address, "userStats": stats})
}

// writeError maps err onto its status code. Anything that is not an
// X402Error is reported as an internal error without its message.
func (s *Server) writeError(c *gin.Context, err error) {
	var xe *types.X402Error
	if !errors.As(err, &xe) {
		s.logger.Error("request failed", map[string]any{"error": err, "request_id": c.GetString(requestIDKey)})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	status := xe.Kind.HTTPStatus()
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", map[string]any{"error": err, "code": xe.Code, "request_id": c.GetString(requestIDKey)})
	}
	resp := gin.H{"error": xe.Message, "code": xe.Code}
	if xe.Data != nil {
		resp["data"] = xe.Data
	}
	c.JSON(status, resp)
}
