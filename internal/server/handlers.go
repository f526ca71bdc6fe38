package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sardis-labs/paycore/internal/executor"
	"github.com/sardis-labs/paycore/internal/fiatorchestrator"
	"github.com/sardis-labs/paycore/internal/logging"
	"github.com/sardis-labs/paycore/internal/mandate"
	"github.com/sardis-labs/paycore/internal/metrics"
	"github.com/sardis-labs/paycore/internal/money"
	"github.com/sardis-labs/paycore/internal/ports"
	"github.com/sardis-labs/paycore/internal/validation"
)

// setupMiddleware installs the standard chain every request passes through:
// recovery, request-size guard, rate limit, metrics, request ID, logging.
func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "an unexpected error occurred",
		})
	}))

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(s.rateLimitMiddleware())
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.rateLimiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "provider_rate_limited",
				"message": "too many requests",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = mandateRequestID()
		}
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())
		fields := []any{"method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds()}
		switch {
		case status >= 500:
			logger.Error("request completed", fields...)
		case status >= 400:
			logger.Warn("request completed", fields...)
		default:
			logger.Info("request completed", fields...)
		}
	}
}

// setupRoutes wires health/metrics and the v1 payment-execution API.
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.healthHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.POST("/payments", s.createPaymentHandler)
	v1.GET("/audit/:id", s.auditEntryHandler)
	v1.GET("/balances/:agent_id", s.balanceHandler)
	v1.POST("/fiat/deposit", s.fiatDepositHandler)
	v1.POST("/fiat/withdraw", s.fiatWithdrawHandler)
	v1.POST("/fiat/fund-card", s.fiatFundCardHandler)
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthRegistry.CheckAll(c.Request.Context())
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"healthy": healthy, "checks": statuses})
}

// paymentRequest is the wire shape of a mandate chain submission: the three
// mandates plus the dispatch-time fields the executor needs but the
// mandates themselves don't carry (tenant/policy context, optional mode
// override).
type paymentRequest struct {
	Intent  mandateIntentWire  `json:"intent"`
	Cart    mandateCartWire    `json:"cart"`
	Payment mandatePaymentWire `json:"payment"`

	TenantID     string  `json:"tenant_id"`
	ServiceType  string  `json:"service_type"`
	RequestCount int     `json:"request_count"`
	TotalSpent   string  `json:"total_spent"`
	CredentialID string  `json:"credential_id"`
	Nonce        uint64  `json:"nonce"`
	AmountUSDC   float64 `json:"amount_usdc"`
	MaxTotal     string  `json:"max_total"`
	Mode         string  `json:"mode,omitempty"`
}

type mandateIntentWire struct {
	MandateID             string             `json:"mandate_id"`
	Subject               string             `json:"subject"`
	Issuer                string             `json:"issuer"`
	Scope                 []string           `json:"scope"`
	AuthorizedAmountMinor int64              `json:"authorized_amount_minor"`
	ExpiresAt             time.Time          `json:"expires_at"`
	Nonce                 string             `json:"nonce"`
	Proof                 ports.MandateProof `json:"proof"`
}

type mandateCartWire struct {
	MandateID      string             `json:"mandate_id"`
	CartID         string             `json:"cart_id"`
	Subject        string             `json:"subject"`
	MerchantID     string             `json:"merchant_id"`
	MerchantDomain string             `json:"merchant_domain"`
	Currency       string             `json:"currency"`
	Subtotal       money.Amount       `json:"subtotal"`
	Taxes          money.Amount       `json:"taxes"`
	Shipping       money.Amount       `json:"shipping"`
	ExpiresAt      time.Time          `json:"expires_at"`
	Nonce          string             `json:"nonce"`
	Proof          ports.MandateProof `json:"proof"`
}

type mandatePaymentWire struct {
	MandateID   string             `json:"mandate_id"`
	CheckoutID  string             `json:"checkout_id"`
	Subject     string             `json:"subject"`
	Chain       string             `json:"chain"`
	Token       string             `json:"token"`
	AmountMinor int64              `json:"amount_minor"`
	Destination string             `json:"destination"`
	AuditHash   string             `json:"audit_hash"`
	ExpiresAt   time.Time          `json:"expires_at"`
	Nonce       string             `json:"nonce"`
	Proof       ports.MandateProof `json:"proof"`
}

// createPaymentHandler submits one mandate chain to the executor and
// returns its Result verbatim: an Outcome of {accepted, denied, failed} plus
// the ErrorCode/Reason/AuditID fields (encoded under those Go field names)
// the caller can use to prove what was decided.
func (s *Server) createPaymentHandler(c *gin.Context) {
	var req paymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	chain := mandate.Chain{
		Intent: mandate.Intent{
			MandateID:             req.Intent.MandateID,
			Subject:                req.Intent.Subject,
			Issuer:                 req.Intent.Issuer,
			Scope:                  req.Intent.Scope,
			AuthorizedAmountMinor:  req.Intent.AuthorizedAmountMinor,
			ExpiresAt:              req.Intent.ExpiresAt,
			Nonce:                  req.Intent.Nonce,
			Proof:                  req.Intent.Proof,
		},
		Cart: mandate.Cart{
			MandateID:      req.Cart.MandateID,
			CartID:         req.Cart.CartID,
			Subject:        req.Cart.Subject,
			MerchantID:     req.Cart.MerchantID,
			MerchantDomain: req.Cart.MerchantDomain,
			Currency:       req.Cart.Currency,
			Subtotal:       req.Cart.Subtotal,
			Taxes:          req.Cart.Taxes,
			Shipping:       req.Cart.Shipping,
			ExpiresAt:      req.Cart.ExpiresAt,
			Nonce:          req.Cart.Nonce,
			Proof:          req.Cart.Proof,
		},
		Payment: mandate.Payment{
			MandateID:   req.Payment.MandateID,
			CheckoutID:  req.Payment.CheckoutID,
			Subject:     req.Payment.Subject,
			Chain:       req.Payment.Chain,
			Token:       req.Payment.Token,
			AmountMinor: req.Payment.AmountMinor,
			Destination: req.Payment.Destination,
			AuditHash:   req.Payment.AuditHash,
			ExpiresAt:   req.Payment.ExpiresAt,
			Nonce:       req.Payment.Nonce,
			Proof:       req.Payment.Proof,
		},
	}

	execReq := executor.Request{
		Chain:        chain,
		TenantID:     req.TenantID,
		ServiceType:  req.ServiceType,
		RequestCount: req.RequestCount,
		TotalSpent:   req.TotalSpent,
		SessionStart: time.Now(),
		CredentialID: req.CredentialID,
		Nonce:        req.Nonce,
		AmountUSDC:   req.AmountUSDC,
		MaxTotal:     req.MaxTotal,
	}
	if req.Mode != "" {
		execReq.Mode = ports.SettlementMode(req.Mode)
	}

	result := s.executor.Execute(c.Request.Context(), execReq)

	status := http.StatusOK
	switch result.Outcome {
	case executor.OutcomeDenied:
		status = http.StatusForbidden
	case executor.OutcomeFailed:
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, result)
}

func (s *Server) auditEntryHandler(c *gin.Context) {
	id := c.Param("id")
	c.JSON(http.StatusNotImplemented, gin.H{
		"error":   "not_implemented",
		"message": "audit entry lookup by string id is not yet wired to the store's uint64 sequence; see DESIGN.md",
		"id":      id,
	})
}

func (s *Server) balanceHandler(c *gin.Context) {
	agentID := c.Param("agent_id")
	if agentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address"})
		return
	}
	balance, err := s.subledger.GetBalance(c.Request.Context(), agentID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, balance)
}

type fiatDepositRequest struct {
	AgentID     string       `json:"agent_id"`
	Amount      money.Amount `json:"amount"`
	ReferenceID string       `json:"reference_id"`
	Source      string       `json:"source"`
}

func (s *Server) fiatDepositHandler(c *gin.Context) {
	var req fiatDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	result := s.fiat.Deposit(c.Request.Context(), req.AgentID, req.Amount, req.ReferenceID, req.Source)
	c.JSON(flowStatusCode(result), result)
}

type fiatWithdrawRequest struct {
	AgentID            string       `json:"agent_id"`
	Amount             money.Amount `json:"amount"`
	DestinationAccount string       `json:"destination_account"`
	Description        string       `json:"description"`
}

func (s *Server) fiatWithdrawHandler(c *gin.Context) {
	var req fiatWithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	result := s.fiat.WithdrawToBank(c.Request.Context(), req.AgentID, req.Amount, req.DestinationAccount, req.Description)
	c.JSON(flowStatusCode(result), result)
}

type fiatFundCardRequest struct {
	AgentID       string       `json:"agent_id"`
	Amount        money.Amount `json:"amount"`
	WalletAddress string       `json:"wallet_address"`
	Chain         string       `json:"chain"`
}

func (s *Server) fiatFundCardHandler(c *gin.Context) {
	var req fiatFundCardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	result := s.fiat.FundCardFromCrypto(c.Request.Context(), req.AgentID, req.Amount, req.WalletAddress, req.Chain)
	c.JSON(flowStatusCode(result), result)
}

func flowStatusCode(r fiatorchestrator.Result) int {
	switch r.Status {
	case fiatorchestrator.StatusCompleted, fiatorchestrator.StatusPending:
		return http.StatusOK
	default:
		return http.StatusUnprocessableEntity
	}
}

func mandateRequestID() string {
	return time.Now().UTC().Format("20060102T150405.000000000")
}
