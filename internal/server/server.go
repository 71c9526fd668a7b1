// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/trueque-io/trueque/internal/audit"
	"github.com/trueque-io/trueque/internal/config"
	"github.com/trueque-io/trueque/internal/exchange"
	"github.com/trueque-io/trueque/internal/health"
	"github.com/trueque-io/trueque/internal/idgen"
	"github.com/trueque-io/trueque/internal/ledger"
	"github.com/trueque-io/trueque/internal/listing"
	"github.com/trueque-io/trueque/internal/logging"
	"github.com/trueque-io/trueque/internal/metrics"
	"github.com/trueque-io/trueque/internal/ratelimit"
	"github.com/trueque-io/trueque/internal/realtime"
	"github.com/trueque-io/trueque/internal/security"
	"github.com/trueque-io/trueque/internal/storage"
	"github.com/trueque-io/trueque/internal/traces"
	"github.com/trueque-io/trueque/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg             *config.Config
	db              *storage.DB // nil if using in-memory
	ledger          *ledger.Ledger
	listings        *listing.Service
	exchanges       *exchange.Service
	auditStore      audit.Store
	realtimeHub     *realtime.Hub
	rateLimiter     *ratelimit.Limiter
	checks          *health.Registry
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	shutdownTracing func(context.Context) error

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Realtime hub first so services can publish into it
	s.realtimeHub = realtime.NewHub(s.logger)

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := storage.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", storage.MaskDSN(cfg.DatabaseURL))

		s.ledger = ledger.New(ledger.NewPostgresStore(db),
			ledger.WithStartingCredits(cfg.StartingCredits),
			ledger.WithMaxPurchase(cfg.MaxPurchase),
		)
		s.listings = listing.NewService(listing.NewPostgresStore(db))
		s.auditStore = audit.NewPostgresStore(db)
		s.exchanges = exchange.NewService(
			exchange.NewPostgresStore(db, cfg.StartingCredits),
			s.listings,
			exchange.WithEvents(s.realtimeHub),
			exchange.WithMessenger(&hubMessenger{s.realtimeHub}),
		)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		ledgerStore := ledger.NewMemoryStore()
		auditStore := audit.NewMemoryStore()
		s.ledger = ledger.New(ledgerStore,
			ledger.WithStartingCredits(cfg.StartingCredits),
			ledger.WithMaxPurchase(cfg.MaxPurchase),
		)
		s.listings = listing.NewService(listing.NewMemoryStore())
		s.auditStore = auditStore
		s.exchanges = exchange.NewService(
			exchange.NewMemoryStore(ledgerStore, auditStore, cfg.StartingCredits),
			s.listings,
			exchange.WithEvents(s.realtimeHub),
			exchange.WithMessenger(&hubMessenger{s.realtimeHub}),
		)
	}

	s.checks = health.NewRegistry()
	s.checks.Register("database", func(ctx context.Context) health.Status {
		if s.db == nil {
			return health.Status{Name: "database", Healthy: true, Detail: "in-memory"}
		}
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "database", Healthy: true}
	})
	s.checks.Register("realtime", func(ctx context.Context) health.Status {
		stats := s.realtimeHub.Stats()
		return health.Status{
			Name:    "realtime",
			Healthy: true,
			Detail:  fmt.Sprintf("%v clients connected", stats["connectedClients"]),
		}
	})

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

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	limitCfg := ratelimit.DefaultConfig()
	limitCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(limitCfg)
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

// identityMiddleware resolves the caller-asserted user identity. The
// platform trusts the X-User-ID header; authentication lives at an outer
// gateway layer.
func identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "missing_identity",
				"message": "X-User-ID header is required",
			})
			return
		}
		if !validation.IsValidUserID(userID) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_identity",
				"message": "X-User-ID must be 1-64 characters of letters, digits, '_', '.', or '-'",
			})
			return
		}
		c.Set("userID", userID)
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

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	// PUBLIC ROUTES (no identity required): browse the marketplace
	listingHandler := listing.NewHandler(s.listings)
	listingHandler.RegisterRoutes(v1)
	v1.GET("/realtime/stats", s.realtimeStatsHandler)

	// PROTECTED ROUTES (require a caller identity)
	protected := v1.Group("")
	protected.Use(identityMiddleware())
	{
		listingHandler.RegisterProtectedRoutes(protected)

		ledgerHandler := ledger.NewHandler(s.ledger)
		ledgerHandler.RegisterRoutes(protected)

		exchangeHandler := exchange.NewHandler(s.exchanges)
		exchangeHandler.RegisterRoutes(protected)

		auditHandler := audit.NewHandler(s.auditStore)
		auditHandler.RegisterRoutes(protected)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Trueque",
		"description": "Peer-to-peer goods exchange with escrowed platform credits",
		"version":     "0.1.0",
		"currency":    "credits",
	})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Distributed tracing (no-op unless an OTLP endpoint is configured)
	shutdownTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTracing = shutdownTracing
	}

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

	// Cancel the context for background goroutines (realtime hub)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

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

	// Flush traces
	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Warn("trace shutdown error", "error", err)
		}
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
	return idgen.Hex(16)
}

// hubMessenger forwards negotiation messages to realtime subscribers.
// Delivery is best-effort; the message already lives in the proposal row
// and the bitácora.
type hubMessenger struct {
	hub *realtime.Hub
}

func (m *hubMessenger) SendMessage(ctx context.Context, proposalID, fromID, body string) error {
	m.hub.Broadcast("proposal.message", map[string]string{
		"proposalId": proposalID,
		"from":       fromID,
		"body":       body,
	})
	return nil
}
