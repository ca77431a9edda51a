// Package api exposes the client-facing HTTP surface: quote/create,
// status polling and cancellation. It is a read-mostly projection over
// the store; the oracle's internals (retry counters, operator
// signatures) never leak through it.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/fiapo/payment-oracle/fees"
	"github.com/fiapo/payment-oracle/logger"
	"github.com/fiapo/payment-oracle/store"
	"github.com/fiapo/payment-oracle/types"
)

// Config parameterizes the HTTP surface.
type Config struct {
	// Receiver is the oracle's receiving wallet on chain A, returned
	// with every quote.
	Receiver string
	// TTL is the payment window length, e.g. 30 minutes.
	TTL time.Duration
	// Schedule overrides the default fee table when non-nil.
	Schedule []fees.Tier
}

type Server struct {
	store store.Store
	cfg   Config
	log   logger.Logger
	clock func() time.Time
}

func NewServer(st store.Store, cfg Config, log logger.Logger) *Server {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.Schedule == nil {
		cfg.Schedule = fees.DefaultSchedule
	}
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &Server{store: st, cfg: cfg, log: log, clock: time.Now}
}

// WithClock overrides the time source. Test hook.
func (s *Server) WithClock(now func() time.Time) *Server {
	s.clock = now
	return s
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	payment := r.Group("/api/payment")
	payment.POST("/create", s.createPayment)
	payment.GET("/status/:id", s.paymentStatus)
	payment.POST("/cancel/:id", s.cancelPayment)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type createRequest struct {
	ID              string                  `json:"id"`
	PrincipalAmount decimal.Decimal         `json:"principalAmount" binding:"required"`
	Method          types.PaymentMethod     `json:"method" binding:"required"`
	Action          types.DestinationAction `json:"action" binding:"required"`

	PayerChainBAddress string `json:"payerChainBAddress"`
}

type createResponse struct {
	ID               string          `json:"id"`
	RecipientAddress string          `json:"recipientAddress"`
	FeeAmount        decimal.Decimal `json:"feeAmount"`
	FeePercent       decimal.Decimal `json:"feePercent"`
	TotalDue         decimal.Decimal `json:"totalDue"`
	ExpiresAt        time.Time       `json:"expiresAt"`
}

func (s *Server) createPayment(c *gin.Context) {
	var body createRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !body.Method.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported payment method"})
		return
	}
	if err := body.Action.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	quote, err := fees.ComputeWithSchedule(body.PrincipalAmount, s.cfg.Schedule)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := body.ID
	if id == "" {
		id = uuid.NewString()
	}

	now := s.clock()
	req := &types.PaymentRequest{
		ID:                 id,
		PrincipalAmount:    body.PrincipalAmount,
		FeeAmount:          quote.FeeAmount,
		FeePercent:         quote.FeePercent,
		FeeTier:            quote.Tier,
		Method:             body.Method,
		Action:             body.Action,
		PayerChainBAddress: body.PayerChainBAddress,
		RecipientAddress:   s.cfg.Receiver,
		Status:             types.StatusPending,
		CreatedAt:          now,
		ExpiresAt:          now.Add(s.cfg.TTL),
	}

	created, err := s.store.Create(c.Request.Context(), req)
	if err != nil {
		if types.IsAlreadyExists(err) {
			c.JSON(http.StatusConflict, gin.H{"error": "payment id already used"})
			return
		}
		s.log.Error("create payment failed", map[string]any{"error": err.Error()})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, createResponse{
		ID:               created.ID,
		RecipientAddress: created.RecipientAddress,
		FeeAmount:        created.FeeAmount,
		FeePercent:       created.FeePercent,
		TotalDue:         created.TotalDue(),
		ExpiresAt:        created.ExpiresAt,
	})
}

// statusResponse is the public projection: terminal-or-pending status
// plus the decoded error, nothing about retries or signatures.
type statusResponse struct {
	Status       types.Status      `json:"status"`
	ChainATxHash string            `json:"chainATxHash,omitempty"`
	ChainBTxHash string            `json:"chainBTxHash,omitempty"`
	LastError    *types.ChainError `json:"lastError,omitempty"`
}

func (s *Server) paymentStatus(c *gin.Context) {
	req, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if types.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "payment request not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, statusResponse{
		Status:       req.Status,
		ChainATxHash: req.ChainATxHash,
		ChainBTxHash: req.ChainBTxHash,
		LastError:    req.LastError,
	})
}

func (s *Server) cancelPayment(c *gin.Context) {
	id := c.Param("id")
	_, err := s.store.Transition(c.Request.Context(), id, types.StatusPending, types.StatusFailed, store.Patch{
		LastError: &types.ChainError{
			Section: "oracle",
			Name:    "Cancelled",
			Message: "cancelled by payer before payment",
		},
	})
	if err != nil {
		switch {
		case types.IsNotFound(err):
			c.JSON(http.StatusNotFound, gin.H{"error": "payment request not found"})
		case types.IsConflict(err):
			// only pending requests can be cancelled
			c.JSON(http.StatusConflict, gin.H{"error": "payment request is no longer pending"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(types.StatusFailed)})
}
