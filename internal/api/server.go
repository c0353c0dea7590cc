package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/result-sentinel/internal/config"
	"github.com/raaihank/result-sentinel/internal/logger"
	"github.com/raaihank/result-sentinel/internal/metrics"
	"github.com/raaihank/result-sentinel/internal/privacy"
	"github.com/raaihank/result-sentinel/internal/security"
	"github.com/raaihank/result-sentinel/internal/web"
	"github.com/raaihank/result-sentinel/internal/websocket"
)

const version = "0.2.0"

// HealthCheck is a named dependency check reported by /health
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Dependencies are the components the server exposes over HTTP. Everything
// except Service is optional.
type Dependencies struct {
	Service *privacy.Service
	Metrics *metrics.Collector
	Hub     *websocket.Hub
	Limiter *security.RateLimiter
	Checks  []HealthCheck
}

// Server is the masking HTTP server
type Server struct {
	config  *config.Config
	logger  *logger.Logger
	service *privacy.Service
	metrics *metrics.Collector
	wsHub   *websocket.Hub
	limiter *security.RateLimiter
	checks  []HealthCheck
	router  *mux.Router
	server  *http.Server
	started time.Time
}

// New creates a new server instance
func New(cfg *config.Config, log *logger.Logger, deps Dependencies) (*Server, error) {
	if deps.Service == nil {
		return nil, fmt.Errorf("masking service is required")
	}

	s := &Server{
		config:  cfg,
		logger:  log.WithComponent("api"),
		service: deps.Service,
		metrics: deps.Metrics,
		wsHub:   deps.Hub,
		limiter: deps.Limiter,
		checks:  deps.Checks,
		router:  mux.NewRouter(),
		started: time.Now(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.metricsMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	if s.metrics != nil && s.config.Metrics.Enabled {
		s.router.Handle(s.config.Metrics.Path, s.metrics.Handler()).Methods(http.MethodGet)
	}

	if s.wsHub != nil && s.config.WebSocket.Enabled {
		s.router.HandleFunc(s.config.WebSocket.Path, s.wsHub.HandleWebSocket).Methods(http.MethodGet)
		s.router.HandleFunc("/", web.ServeDashboard).Methods(http.MethodGet)
		s.router.HandleFunc("/dashboard", web.ServeDashboard).Methods(http.MethodGet)
	}

	// mux reports a verb mismatch inside a subrouter as 404 unless the
	// subrouter carries its own handler, and skips router middleware for it
	methodNotAllowed := s.requestIDMiddleware(http.HandlerFunc(s.handleMethodNotAllowed))
	s.router.MethodNotAllowedHandler = methodNotAllowed

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.MethodNotAllowedHandler = methodNotAllowed
	v1.Use(s.loggingMiddleware)
	v1.Use(s.rateLimitMiddleware)
	v1.HandleFunc("/agents/{agentID}/sanitize", s.handleSanitize).Methods(http.MethodPost)
	v1.HandleFunc("/agents/{agentID}/rules", s.handleRules).Methods(http.MethodGet)
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting result-sentinel server",
		zap.Int("port", s.config.Server.Port),
		zap.String("storage_driver", s.config.Storage.Driver),
		zap.Bool("cache_enabled", s.config.Cache.Enabled),
		zap.Bool("rate_limit_enabled", s.config.RateLimit.Enabled),
	)

	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping result-sentinel server")
	return s.server.Shutdown(ctx)
}
