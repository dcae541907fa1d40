// Package api exposes the operator HTTP surface: status, gate queries, size
// previews, manual reset, and a websocket feed of safety events.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"capguard/config"
	"capguard/internal/auth"
	"capguard/internal/capital"
	"capguard/internal/core"
	"capguard/internal/database"
	"capguard/internal/events"
	"capguard/internal/risk"
	"capguard/internal/safety"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RateLimiter provides simple in-memory rate limiting per endpoint
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int           // max requests
	window   time.Duration // time window
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Server is the operator HTTP API
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	core        *core.Core
	hub         *WSHub
	jwtManager  *auth.JWTManager
	authEnabled bool
	auditRepo   *database.AuditRepository
	cfg         config.ServerConfig
	rateLimiter *RateLimiter
	logger      zerolog.Logger
}

// NewServer builds the API around the control-plane core. jwtManager and
// auditRepo may be nil when auth or the audit database are disabled.
func NewServer(cfg config.ServerConfig, c *core.Core, bus *events.EventBus,
	jwtManager *auth.JWTManager, auditRepo *database.AuditRepository, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "" || cfg.AllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		core:        c,
		hub:         NewWSHub(logger),
		jwtManager:  jwtManager,
		authEnabled: jwtManager != nil,
		auditRepo:   auditRepo,
		cfg:         cfg,
		rateLimiter: NewRateLimiter(120, time.Minute),
		logger:      logger.With().Str("component", "APIServer").Logger(),
	}

	server.setupRoutes()
	server.hub.AttachTo(bus)
	go server.hub.Run()

	return server
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", s.hub.handleWebSocket)

	apiGroup := s.router.Group("/api")
	apiGroup.Use(s.rateLimitMiddleware())
	if s.authEnabled {
		apiGroup.Use(s.authMiddleware())
	}

	apiGroup.GET("/status", s.handleStatus)
	apiGroup.GET("/can-trade", s.handleCanTrade)
	apiGroup.POST("/order-size", s.handleOrderSize)
	apiGroup.POST("/report/balance", s.handleReportBalance)
	apiGroup.POST("/report/positions", s.handleReportPositions)
	apiGroup.POST("/report/failure", s.handleReportFailure)
	apiGroup.GET("/history", s.handleHistory)
	apiGroup.POST("/trading/enable", s.requireOperator(), s.handleEnableTrading)
	apiGroup.POST("/trading/disable", s.requireOperator(), s.handleDisableTrading)
	apiGroup.POST("/manual-reset", s.requireOperator(), s.handleManualReset)
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if !s.rateLimiter.Allow(path) {
			errorResponse(c, http.StatusTooManyRequests, "rate limit exceeded")
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			errorResponse(c, http.StatusUnauthorized, "missing bearer token")
			c.Abort()
			return
		}

		claims, err := s.jwtManager.ValidateToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			errorResponse(c, http.StatusUnauthorized, "invalid token")
			c.Abort()
			return
		}

		c.Set("operator_id", claims.OperatorID)
		c.Set("operator_role", claims.Role)
		c.Next()
	}
}

// requireOperator gates mutating endpoints behind the operator role. With
// auth disabled the calls pass through with an anonymous identity.
func (s *Server) requireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.authEnabled {
			c.Set("operator_id", "anonymous")
			c.Next()
			return
		}
		if c.GetString("operator_role") != "operator" {
			errorResponse(c, http.StatusForbidden, "operator role required")
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"state":     s.core.Machine.State().String(),
		"observers": s.hub.ClientCount(),
		"time":      time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	successResponse(c, s.core.Status())
}

func (s *Server) handleCanTrade(c *gin.Context) {
	op, err := safety.ParseOperation(c.DefaultQuery("operation", "entry"))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	allowed, reason := s.core.RequestCanTrade(op)
	successResponse(c, gin.H{
		"operation": op.String(),
		"allowed":   allowed,
		"reason":    reason,
	})
}

type orderSizeRequest struct {
	BaseSize          float64 `json:"base_size" binding:"required"`
	AvgCorrelation    float64 `json:"avg_correlation"`
	TrailingReturnPct float64 `json:"trailing_return_pct"`
	Volatility        float64 `json:"volatility"`
	Volume24hUSD      float64 `json:"volume_24h_usd"`
	TrailingVolumeUSD float64 `json:"trailing_volume_usd"`
}

func (s *Server) handleOrderSize(c *gin.Context) {
	var req orderSizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	result := s.core.RequestOrderSize(req.BaseSize, risk.MarketContext{
		AvgCorrelation:    req.AvgCorrelation,
		TrailingReturnPct: req.TrailingReturnPct,
		Volatility:        req.Volatility,
		Volume24hUSD:      req.Volume24hUSD,
		TrailingVolumeUSD: req.TrailingVolumeUSD,
	})

	successResponse(c, result)
}

type balanceReport struct {
	Balance float64 `json:"balance" binding:"required"`
}

func (s *Server) handleReportBalance(c *gin.Context) {
	var req balanceReport
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if req.Balance < 0 {
		errorResponse(c, http.StatusBadRequest, "balance must be non-negative")
		return
	}

	s.core.ReportBalance(req.Balance)
	successResponse(c, s.core.Capital.Snapshot())
}

type positionReport struct {
	Positions []positionEntry `json:"positions"`
}

type positionEntry struct {
	Symbol   string  `json:"symbol" binding:"required"`
	Quantity float64 `json:"quantity"`
	USDValue float64 `json:"usd_value"`
	PnLPct   float64 `json:"pnl_pct"`
}

func (s *Server) handleReportPositions(c *gin.Context) {
	var req positionReport
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	records := make([]capital.PositionRecord, len(req.Positions))
	for i, p := range req.Positions {
		records[i] = capital.PositionRecord{
			Symbol:   p.Symbol,
			Quantity: p.Quantity,
			USDValue: p.USDValue,
			PnLPct:   p.PnLPct,
			OpenedAt: time.Now(),
		}
	}

	s.core.ReportPositions(records)
	successResponse(c, gin.H{"position_count": len(records)})
}

type failureReport struct {
	Kind   string `json:"kind" binding:"required"`
	Detail string `json:"detail"`
}

func (s *Server) handleReportFailure(c *gin.Context) {
	var req failureReport
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	s.core.ReportTradeFailure(req.Kind, req.Detail)
	successResponse(c, gin.H{
		"failure_count": s.core.Machine.Status().FailureCount,
		"state":         s.core.Machine.State().String(),
	})
}

func (s *Server) handleHistory(c *gin.Context) {
	// Prefer the audit database when available; fall back to the bounded
	// in-memory history
	if s.auditRepo != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		entries, err := s.auditRepo.RecentEvents(ctx, 100)
		if err == nil {
			successResponse(c, entries)
			return
		}
		s.logger.Warn().Err(err).Msg("audit query failed, serving in-memory history")
	}

	successResponse(c, s.core.Machine.History())
}

func (s *Server) handleEnableTrading(c *gin.Context) {
	if !s.core.Machine.EnableTrading() {
		errorResponse(c, http.StatusConflict, "trading cannot be enabled in the current state")
		return
	}
	successResponse(c, gin.H{"trading_enabled": true})
}

func (s *Server) handleDisableTrading(c *gin.Context) {
	if !s.core.Machine.DisableTrading() {
		errorResponse(c, http.StatusConflict, "trading flag cannot be changed in the current state")
		return
	}
	successResponse(c, gin.H{"trading_enabled": false})
}

type manualResetRequest struct {
	Notes string `json:"notes" binding:"required"`
}

func (s *Server) handleManualReset(c *gin.Context) {
	var req manualResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	operatorID := c.GetString("operator_id")
	if !s.core.ManualReset(operatorID, req.Notes) {
		errorResponse(c, http.StatusConflict, "reset refused: review period not elapsed or state does not allow recovery")
		return
	}

	successResponse(c, gin.H{"state": s.core.Machine.State().String()})
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
