// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/errandly/internal/auth"
	"github.com/mbd888/errandly/internal/autorelease"
	"github.com/mbd888/errandly/internal/booking"
	"github.com/mbd888/errandly/internal/config"
	"github.com/mbd888/errandly/internal/escrow"
	"github.com/mbd888/errandly/internal/gateway"
	"github.com/mbd888/errandly/internal/health"
	"github.com/mbd888/errandly/internal/idempotency"
	"github.com/mbd888/errandly/internal/jobs"
	"github.com/mbd888/errandly/internal/ledger"
	"github.com/mbd888/errandly/internal/logging"
	"github.com/mbd888/errandly/internal/metrics"
	"github.com/mbd888/errandly/internal/money"
	"github.com/mbd888/errandly/internal/payout"
	"github.com/mbd888/errandly/internal/ratelimit"
	"github.com/mbd888/errandly/internal/realtime"
	"github.com/mbd888/errandly/internal/reconciliation"
	"github.com/mbd888/errandly/internal/security"
	"github.com/mbd888/errandly/internal/traces"
	"github.com/mbd888/errandly/internal/validation"
)

// Version is reported by /health and tracing. Set by cmd/server.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	ledger      *ledger.Ledger
	escrow      *escrow.Service
	bookings    *booking.Service
	jobs        *jobs.Service
	autoRelease *autorelease.Service
	payouts     *payout.Service
	gateway     gateway.Gateway
	reconciler  *reconciliation.Runner
	realtimeHub *realtime.Hub

	autoReleaseTimer *autorelease.Timer
	reconcileTimer   *reconciliation.Timer
	limiters         []*ratelimit.Limiter

	health       *health.Registry
	db           *sql.DB       // nil if using in-memory
	cache        *redis.Client // nil without REDIS_URL
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	stopTracing  func(context.Context) error
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

// WithGateway replaces the configured payout gateway (for testing)
func WithGateway(gw gateway.Gateway) Option {
	return func(s *Server) {
		s.gateway = gw
	}
}

type stores struct {
	ledger      ledger.Store
	bookings    booking.Store
	reviews     booking.ReviewStore
	jobs        jobs.Store
	autoRelease autorelease.Store
	payouts     payout.Store
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var st stores
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		bookingStore := booking.NewPostgresStore(db)
		st = stores{
			ledger:      ledger.NewPostgresStore(db),
			bookings:    bookingStore,
			reviews:     bookingStore,
			jobs:        jobs.NewPostgresStore(db),
			autoRelease: autorelease.NewPostgresStore(db),
			payouts:     payout.NewPostgresStore(db),
		}
		s.health.RegisterPinger("postgres", db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		bookingStore := booking.NewMemoryStore()
		st = stores{
			ledger:      ledger.NewMemoryStore(),
			bookings:    bookingStore,
			reviews:     bookingStore,
			jobs:        jobs.NewMemoryStore(),
			autoRelease: autorelease.NewMemoryStore(),
			payouts:     payout.NewMemoryStore(),
		}
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (data is lost on restart)")
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.cache = redis.NewClient(opt)
		if err := s.cache.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.health.RegisterPinger("redis", redisPinger{s.cache})
		s.logger.Info("redis connected, idempotency replay enabled")
	}

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	if err := s.wire(st); err != nil {
		return nil, err
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// wire builds the services and connects their listeners.
func (s *Server) wire(st stores) error {
	cfg := s.cfg

	minWithdrawal, err := money.ParsePositive(cfg.MinWithdrawal)
	if err != nil {
		return fmt.Errorf("invalid MIN_WITHDRAWAL: %w", err)
	}

	s.ledger = ledger.New(st.ledger,
		ledger.WithMinWithdrawal(minWithdrawal),
		ledger.WithLogger(s.logger),
	)
	s.escrow = escrow.NewService(s.ledger, s.logger)
	s.realtimeHub = realtime.NewHub(s.logger)

	s.bookings = booking.NewService(st.bookings, s.escrow, s.logger).WithReviews(st.reviews)
	s.jobs = jobs.NewService(st.jobs, s.bookings, cfg.SelectionWindow, s.logger).WithJobTTL(cfg.JobTTL)

	notifier := realtime.NewNotifier(s.realtimeHub, s.jobs, s.bookings)
	s.bookings.WithListener(s.jobs).WithListener(notifier)
	s.jobs.WithListener(notifier)

	s.autoRelease = autorelease.NewService(st.autoRelease, s.bookings, s.logger).
		WithHousekeeper(s.jobs).
		WithListener(notifier).
		WithDefaultGrace(cfg.DefaultGraceHours)
	if cfg.SweepInterval > 0 {
		s.autoReleaseTimer = autorelease.NewTimer(s.autoRelease, cfg.SweepInterval, s.logger)
		s.health.RegisterLoop("autorelease_timer", s.autoReleaseTimer.Running)
	}

	if s.gateway == nil {
		gw, err := gateway.Open(gateway.Config{
			Provider:          cfg.GatewayProvider,
			PaystackSecretKey: cfg.PaystackSecretKey,
			PaystackBaseURL:   cfg.PaystackBaseURL,
			StripeSecretKey:   cfg.StripeSecretKey,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("failed to open payment gateway: %w", err)
		}
		s.gateway = gw
	}
	s.payouts = payout.NewService(st.payouts, s.ledger, s.gateway, s.logger)

	s.reconciler = reconciliation.NewRunner(s.ledger, s.bookings, s.logger).WithPayouts(s.payouts)
	if cfg.ReconcileInterval > 0 {
		s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)
		s.health.RegisterLoop("reconciliation_timer", s.reconcileTimer.Running)
	}

	s.logger.Info("services ready",
		"gateway", s.gateway.Name(),
		"selection_window", cfg.SelectionWindow,
		"grace_hours", cfg.DefaultGraceHours,
		"sweep_interval", cfg.SweepInterval,
	)
	return nil
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(traces.Middleware())
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(auth.Middleware())

	if s.cfg.RateLimitPerMinute > 0 {
		rl := ratelimit.DefaultConfig()
		rl.RequestsPerMinute = s.cfg.RateLimitPerMinute
		s.router.Use(ratelimit.Middleware(s.limiter("api", rl)))
	}
}

// limiter returns a Redis-backed limiter when Redis is configured, else an
// in-process one that Shutdown stops.
func (s *Server) limiter(scope string, cfg ratelimit.Config) ratelimit.Allower {
	if s.cache != nil {
		return ratelimit.NewRedis(s.cache, scope, cfg, s.logger)
	}
	l := ratelimit.New(cfg)
	s.limiters = append(s.limiters, l)
	return l
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
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
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
	s.router.GET("/ws", s.websocketHandler)
	s.router.GET("/api", s.infoHandler)

	v1 := s.router.Group("/v1")

	// Signed provider callbacks
	gateway.NewWebhookHandler(s.escrow, s.cfg.PaystackSecretKey, s.cfg.StripeWebhookSecret, s.logger).
		RegisterRoutes(v1)

	// Auto-release trigger for the external scheduler
	autoReleaseHandler := autorelease.NewHandler(s.autoRelease, s.logger)
	autoReleaseHandler.RegisterSweepRoutes(v1.Group("", auth.RequireSweepToken(s.cfg.SweepSecret)))

	// Authenticated user routes
	protected := v1.Group("", auth.RequireUser())
	if s.cache != nil {
		protected.Use(idempotency.Middleware(s.cache, s.cfg.IdempotencyTTL, s.logger))
	}
	ledger.NewHandler(s.ledger, s.logger).RegisterProtectedRoutes(protected)
	escrow.NewHandler(s.escrow, s.logger).RegisterProtectedRoutes(protected)
	booking.NewHandler(s.bookings, s.logger).RegisterProtectedRoutes(protected)
	jobs.NewHandler(s.jobs, s.logger).RegisterProtectedRoutes(protected)

	payoutHandler := payout.NewHandler(s.payouts, s.logger)
	payoutRoutes := protected.Group("")
	if s.cfg.RateLimitPerMinute > 0 {
		payoutRoutes.Use(ratelimit.Middleware(s.limiter("withdrawals", ratelimit.WithdrawalConfig())))
	}
	payoutHandler.RegisterProtectedRoutes(payoutRoutes)

	// Operator routes
	admin := v1.Group("", auth.RequireAdmin(s.cfg.AdminSecret))
	ledger.NewHandler(s.ledger, s.logger).RegisterAdminRoutes(admin)
	escrow.NewHandler(s.escrow, s.logger).RegisterAdminRoutes(admin)
	booking.NewHandler(s.bookings, s.logger).RegisterAdminRoutes(admin)
	autoReleaseHandler.RegisterAdminRoutes(admin)
	payoutHandler.RegisterAdminRoutes(admin)
	reconciliation.NewHandler(s.reconciler, s.logger).RegisterAdminRoutes(admin)
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
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
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
		"name":            "Errandly",
		"description":     "Escrowed payments for a local services marketplace",
		"version":         Version,
		"currency":        money.Currency,
		"gateway":         s.gateway.Name(),
		"selectionWindow": s.cfg.SelectionWindow.String(),
		"graceHours":      s.cfg.DefaultGraceHours,
	})
}

// websocketHandler streams events to a user, or to an operator presenting
// the admin secret.
func (s *Server) websocketHandler(c *gin.Context) {
	if secret := c.GetHeader(auth.HeaderAdminSecret); secret != "" && s.cfg.AdminSecret != "" &&
		auth.SecretEqual(secret, s.cfg.AdminSecret) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request, "")
		return
	}
	userID := auth.UserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "X-User-ID header is required",
		})
		return
	}
	s.realtimeHub.HandleWebSocket(c.Writer, c.Request, userID)
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
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	// Seed the default auto-release rule before the first sweep.
	if err := s.autoRelease.EnsureDefaultRules(runCtx); err != nil {
		s.logger.Warn("failed to ensure default auto-release rule", "error", err)
	}

	if s.autoReleaseTimer != nil {
		go s.autoReleaseTimer.Start(runCtx)
	}

	if s.reconcileTimer != nil {
		go s.reconcileTimer.Start(runCtx)
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

	// Cancel the context for all background goroutines (hub, timers, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.autoReleaseTimer != nil {
		s.autoReleaseTimer.Stop()
		s.logger.Info("auto-release timer stopped")
	}

	if s.reconcileTimer != nil {
		s.reconcileTimer.Stop()
		s.logger.Info("reconciliation timer stopped")
	}

	for _, l := range s.limiters {
		l.Stop()
	}

	if err := s.stopTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}

	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

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
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// redisPinger adapts the redis client to health.Pinger.
type redisPinger struct{ client *redis.Client }

func (p redisPinger) PingContext(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
