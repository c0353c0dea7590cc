package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/result-sentinel/internal/api"
	"github.com/raaihank/result-sentinel/internal/cache"
	"github.com/raaihank/result-sentinel/internal/config"
	"github.com/raaihank/result-sentinel/internal/logger"
	"github.com/raaihank/result-sentinel/internal/metrics"
	"github.com/raaihank/result-sentinel/internal/privacy"
	"github.com/raaihank/result-sentinel/internal/rules"
	"github.com/raaihank/result-sentinel/internal/security"
	"github.com/raaihank/result-sentinel/internal/store"
	"github.com/raaihank/result-sentinel/internal/websocket"
)

var (
	version = "0.2.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.String("health-check", "", "Check the health endpoint at this base URL and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("result-sentinel %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if *healthCheck != "" {
		performHealthCheck(*healthCheck)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		}
	}

	log, err := logger.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting result-sentinel",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := metrics.NewCollector(cfg.Metrics, nil)

	backend, err := openRuleStore(cfg, log)
	if err != nil {
		log.Fatal("Failed to open rule storage", zap.Error(err))
	}
	defer backend.close()

	var hub *websocket.Hub
	var audit privacy.AuditSink
	if cfg.WebSocket.Enabled {
		hub = websocket.NewHub(&websocket.HubConfig{
			BroadcastSummaries:   cfg.WebSocket.BroadcastSummaries,
			BroadcastReloads:     cfg.WebSocket.BroadcastReloads,
			BroadcastConnections: cfg.WebSocket.BroadcastConnections,
			Username:             cfg.WebSocket.Username,
			Password:             cfg.WebSocket.Password,
		}, log.WithComponent("websocket").Logger)
		hub.OnClientCount(collector.SetWebSocketClients)
		go hub.Run(ctx)
		audit = hub
	}

	var source rules.Store = backend.store
	var ruleCache *cache.RuleCache
	if cfg.Cache.Enabled {
		ruleCache, err = cache.NewRuleCache(cfg.Cache, backend.store, log.WithComponent("cache").Logger)
		if err != nil {
			log.Warn("Rule cache unavailable, reading rules from storage", zap.Error(err))
		} else {
			defer ruleCache.Close()
			ruleCache.SetObserver(collector)
			source = ruleCache
			backend.checks = append(backend.checks, api.HealthCheck{Name: "cache", Check: ruleCache.Ping})

			if cfg.Cache.WarmSchedule != "" {
				warmer, err := cache.NewWarmer(ruleCache, cfg.Cache.WarmSchedule, cfg.Cache.WarmAgents, log.WithComponent("warmer").Logger)
				if err != nil {
					log.Fatal("Invalid cache warm schedule", zap.Error(err))
				}
				if err := warmer.Start(ctx); err != nil {
					log.Fatal("Failed to start cache warmer", zap.Error(err))
				}
			}
		}
	}

	if backend.file != nil {
		fileStore := backend.file
		fileStore.OnReload(func() {
			n := 0
			if list, err := fileStore.ListRules(ctx); err == nil {
				n = len(list)
			}
			if ruleCache != nil {
				if err := ruleCache.Invalidate(ctx); err != nil {
					log.Warn("Failed to invalidate rule cache after reload", zap.Error(err))
				}
			}
			if hub != nil {
				hub.PublishReload(cfg.Storage.RulesFile, n)
			}
		})
		if cfg.Storage.Watch {
			if err := fileStore.Watch(ctx); err != nil {
				log.Warn("Rule file hot reload disabled", zap.Error(err))
			}
		}
	}

	limiter := security.NewRateLimiter(cfg.RateLimit)
	limiter.StartCleanupRoutine(ctx, 0)

	resolver := privacy.NewResolver(source, log.WithComponent("resolver").Logger, collector)
	service := privacy.New(cfg.Masking, resolver, log.WithComponent("privacy"), collector, audit)

	server, err := api.New(cfg, log, api.Dependencies{
		Service: service,
		Metrics: collector,
		Hub:     hub,
		Limiter: limiter,
		Checks:  backend.checks,
	})
	if err != nil {
		log.Fatal("Failed to create server", zap.Error(err))
	}

	config.Watch(func(updated *config.Config) {
		log.Info("Configuration file changed; restart to apply",
			zap.String("storage_driver", updated.Storage.Driver),
			zap.Bool("cache_enabled", updated.Cache.Enabled))
	}, func(err error) {
		log.Warn("Ignoring invalid configuration update", zap.Error(err))
	})

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		serverErrors <- server.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error", zap.Error(err))
		}
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 30 seconds to complete
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Stop(shutdownCtx); err != nil {
			log.Error("Failed to shutdown server gracefully", zap.Error(err))
		}
		cancel()

		log.Info("Server shutdown complete")
	}
}

// ruleBackend is the configured rule storage and its health checks
type ruleBackend struct {
	store  rules.Store
	file   *store.FileStore
	checks []api.HealthCheck
	close  func()
}

// openRuleStore opens the rule storage selected by storage.driver
func openRuleStore(cfg *config.Config, log *logger.Logger) (*ruleBackend, error) {
	storeLogger := log.WithComponent("store").Logger

	if cfg.Storage.Driver == "file" {
		fileStore, err := store.NewFileStore(cfg.Storage.RulesFile, storeLogger)
		if err != nil {
			return nil, err
		}
		return &ruleBackend{
			store: fileStore,
			file:  fileStore,
			checks: []api.HealthCheck{{Name: "storage", Check: func(ctx context.Context) error {
				if fileStore.LoadedAt().IsZero() {
					return fmt.Errorf("rule file not loaded")
				}
				return nil
			}}},
			close: func() {},
		}, nil
	}

	sqlStore, err := store.NewSQLStore(cfg.Storage, storeLogger)
	if err != nil {
		return nil, err
	}
	return &ruleBackend{
		store:  sqlStore,
		checks: []api.HealthCheck{{Name: "storage", Check: sqlStore.Ping}},
		close:  func() { sqlStore.Close() },
	}, nil
}

// performHealthCheck performs a health check against a running server
func performHealthCheck(baseURL string) {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
	os.Exit(0)
}
