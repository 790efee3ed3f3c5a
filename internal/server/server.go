// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/decoyworks/lure/internal/config"
	"github.com/decoyworks/lure/internal/detect"
	"github.com/decoyworks/lure/internal/engine"
	"github.com/decoyworks/lure/internal/health"
	"github.com/decoyworks/lure/internal/idgen"
	"github.com/decoyworks/lure/internal/logging"
	"github.com/decoyworks/lure/internal/metrics"
	"github.com/decoyworks/lure/internal/ratelimit"
	"github.com/decoyworks/lure/internal/realtime"
	"github.com/decoyworks/lure/internal/reply"
	"github.com/decoyworks/lure/internal/report"
	"github.com/decoyworks/lure/internal/security"
	"github.com/decoyworks/lure/internal/session"
	"github.com/decoyworks/lure/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	store        session.Store
	engine       *engine.Engine
	reporter     engine.Reporter
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	healthChecks *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithReporter sets a custom collector reporter (for testing)
func WithReporter(r engine.Reporter) Option {
	return func(s *Server) {
		s.reporter = r
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:          cfg,
		logger:       logging.New(cfg.LogLevel, "json"),
		healthChecks: health.NewRegistry(),
	}

	// Apply options first (may set reporter/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var auditStore report.AuditStore
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.store = session.NewPostgresStore(db)
		auditStore = report.NewPostgresAudit(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.healthChecks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.store = session.NewMemoryStore()
		auditStore = report.NewMemoryAudit()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Collector reporter, unless one was injected
	if s.reporter == nil {
		if cfg.CollectorURL != "" {
			s.reporter = report.NewDispatcher(report.Config{
				URL:     cfg.CollectorURL,
				APIKey:  cfg.CollectorAPIKey,
				Timeout: cfg.CollectorTimeout,
			}, s.logger, report.WithAudit(auditStore))
			s.logger.Info("report collector enabled", "url", cfg.CollectorURL)
		} else {
			s.reporter = &logReporter{logger: s.logger}
			s.logger.Warn("no COLLECTOR_URL set, reports will only be logged")
		}
	}

	s.healthChecks.Register("collector", func(_ context.Context) health.Status {
		if cfg.CollectorURL == "" {
			return health.Status{Name: "collector", Healthy: true, Detail: "log-only (no COLLECTOR_URL)"}
		}
		return health.Status{Name: "collector", Healthy: true, Detail: "configured"}
	})

	// Reply generation: LLM with canned fallback, or canned only
	canned := reply.NewCanned(time.Now().UnixNano())
	var generator reply.Generator = canned
	if cfg.OpenAIKey != "" {
		generator = reply.NewOpenAI(reply.OpenAIConfig{
			APIKey:  cfg.OpenAIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
			Timeout: cfg.OpenAITimeout,
		}, canned, s.logger)
		s.logger.Info("LLM reply generation enabled", "model", cfg.OpenAIModel)
	} else {
		s.logger.Info("using canned replies (no OPENAI_API_KEY set)")
	}

	// Realtime hub for WebSocket streaming of engagement events
	s.realtimeHub = realtime.NewHub(s.logger)

	s.engine = engine.New(
		s.store,
		detect.New(cfg.ConfidenceThreshold),
		generator,
		s.reporter,
		engine.Config{
			MinEngagementTurns: cfg.MinEngagementTurns,
			MaxEngagementTurns: cfg.MaxEngagementTurns,
		},
		engine.WithLogger(s.logger),
		engine.WithEvents(s.realtimeHub),
	)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// logReporter is the no-collector fallback: the finalize payload lands in the
// logs instead of an external endpoint.
type logReporter struct {
	logger *slog.Logger
}

func (r *logReporter) Send(_ context.Context, p *report.Payload) error {
	r.logger.Info("final report",
		"session_id", p.SessionID,
		"scam_detected", p.ScamDetected,
		"turns", p.TotalMessagesExchanged,
		"notes", p.AgentNotes,
	)
	return nil
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// apiKeyMiddleware authenticates callers with the shared X-API-Key value.
// When no key is configured (development), all requests pass.
func (s *Server) apiKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.APIKey == "" {
			c.Next()
			return
		}
		provided := c.GetHeader("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.APIKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Missing or invalid X-API-Key header",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/", s.infoHandler)

	// WebSocket for real-time engagement streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// Honeypot API (protected when API_KEY is configured)
	api := s.router.Group("/api")
	api.Use(s.apiKeyMiddleware())
	{
		api.POST("/honeypot", s.processTurnHandler)
		api.POST("/honeypot/finalize", s.finalizeHandler)
		api.GET("/honeypot/sessions", s.listSessionsHandler)
		api.GET("/honeypot/session/:sessionId", validation.SessionParamMiddleware(), s.getSessionHandler)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// turnRequest is the inbound message envelope.
type turnRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
	// Message may be empty: a blank inbound still counts as a turn.
	Message struct {
		Sender    string `json:"sender"`
		Text      string `json:"text"`
		Timestamp string `json:"timestamp"`
	} `json:"message"`
}

func (s *Server) processTurnHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Body must include a sessionId",
		})
		return
	}

	if verrs := validation.Validate(
		validation.ValidSessionID("sessionId", req.SessionID),
		validation.MaxLength("message.text", req.Message.Text, validation.MaxMessageLength),
	); len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": verrs,
		})
		return
	}

	result, err := s.engine.ProcessTurn(ctx, req.SessionID, session.Message{
		Sender:    req.Message.Sender,
		Text:      req.Message.Text,
		Timestamp: req.Message.Timestamp,
	})
	if err != nil {
		if errors.Is(err, session.ErrFinalized) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "session_finalized",
				"message": "Session is finalized and no longer accepts messages",
			})
			return
		}
		logging.L(ctx).Error("turn processing failed", "session_id", req.SessionID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to process message",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionId":    req.SessionID,
		"reply":        result.Reply,
		"scamDetected": result.ScamDetected,
		"confidence":   result.Confidence,
	})
}

func (s *Server) finalizeHandler(c *gin.Context) {
	ctx := c.Request.Context()

	id := c.Query("sessionId")
	if id == "" || !validation.IsValidSessionID(id) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_session_id",
			"message": "Provide a valid sessionId query parameter",
		})
		return
	}

	outcome, err := s.engine.Finalize(ctx, id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "session_not_found",
				"message": "No session with that ID",
			})
			return
		}
		logging.L(ctx).Error("finalize failed", "session_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to finalize session",
		})
		return
	}

	// Delivery failure is not terminal: the session stays retryable, and the
	// caller sees a gateway-ish status so it can retry later.
	if outcome.Status == engine.FinalizeFailed {
		c.JSON(http.StatusBadGateway, outcome)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (s *Server) getSessionHandler(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("sessionId")

	sess, err := s.engine.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "session_not_found",
				"message": "No session with that ID",
			})
			return
		}
		logging.L(ctx).Error("session lookup failed", "session_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load session",
		})
		return
	}

	c.JSON(http.StatusOK, sess)
}

func (s *Server) listSessionsHandler(c *gin.Context) {
	ctx := c.Request.Context()

	summaries, err := s.engine.Sessions(ctx)
	if err != nil {
		logging.L(ctx).Error("session listing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list sessions",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": summaries,
		"count":    len(summaries),
	})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Lure",
		"description": "Conversational honeypot for scam intelligence",
		"version":     "0.1.0",
		"status":      "running",
	})
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthChecks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Export database pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	return idgen.WithPrefix("req_")
}
