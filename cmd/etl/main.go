package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/raaihank/result-sentinel/internal/cache"
	"github.com/raaihank/result-sentinel/internal/config"
	"github.com/raaihank/result-sentinel/internal/etl"
	"github.com/raaihank/result-sentinel/internal/logger"
	"github.com/raaihank/result-sentinel/internal/store"
)

func main() {
	var (
		configPath   = flag.String("config", "", "Configuration file path")
		inputFile    = flag.String("input", "", "Rule file to import (YAML, JSON, JSONL, CSV or Parquet)")
		exportFile   = flag.String("export", "", "Write every stored rule to this file")
		deleteRule   = flag.String("delete", "", "Delete the rule with this id")
		batchSize    = flag.Int("batch-size", 500, "Rules per transaction")
		skipCache    = flag.Bool("skip-cache", false, "Do not invalidate the Redis rule cache")
		validateOnly = flag.Bool("validate-only", false, "Only validate rules, don't write them")
		keepLast     = flag.Bool("keep-last", false, "On duplicate ids keep the last occurrence")
		migrate      = flag.Bool("migrate", false, "Create the rule schema before importing")
		showStats    = flag.Bool("stats", false, "Show rule statistics and exit")
	)
	flag.Parse()

	if *inputFile == "" && *exportFile == "" && *deleteRule == "" && !*showStats && !*migrate {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --migrate --input rules.yaml\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --input rules.parquet --batch-size 1000\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --export backup.csv\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --stats\n", os.Args[0])
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting result-sentinel rule importer",
		zap.String("storage_driver", cfg.Storage.Driver))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, cancelling operations...")
		cancel()
	}()

	services, err := initializeServices(cfg, *skipCache || *validateOnly, log)
	if err != nil {
		log.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.cleanup()

	if *migrate {
		if err := services.ruleStore.Migrate(ctx); err != nil {
			log.Fatal("Migration failed", zap.Error(err))
		}
		log.Info("Rule schema ready")
	}

	switch {
	case *showStats:
		if err := showRuleStats(ctx, services); err != nil {
			log.Fatal("Failed to show stats", zap.Error(err))
		}
	case *exportFile != "":
		n, err := etl.ExportFile(ctx, services.ruleStore, *exportFile)
		if err != nil {
			log.Fatal("Export failed", zap.Error(err))
		}
		log.Info("Rules exported", zap.String("file", *exportFile), zap.Int("rules", n))
	case *deleteRule != "":
		if err := removeRule(ctx, services, *deleteRule, log); err != nil {
			log.Fatal("Delete failed", zap.Error(err))
		}
	case *inputFile != "":
		etlConfig := &etl.Config{
			BatchSize:       *batchSize,
			SkipDuplicates:  !*keepLast,
			ValidateOnly:    *validateOnly,
			InvalidateCache: !*skipCache,
			ProgressReport:  1000,
		}
		if err := importRules(ctx, services, etlConfig, *inputFile, log); err != nil {
			log.Fatal("Rule import failed", zap.Error(err))
		}
	}

	log.Info("Rule importer completed successfully")
}

// services holds all initialized services
type services struct {
	ruleStore *store.SQLStore
	ruleCache *cache.RuleCache
}

func (s *services) cleanup() {
	if s.ruleCache != nil {
		s.ruleCache.Close()
	}
	if s.ruleStore != nil {
		s.ruleStore.Close()
	}
}

// initializeServices connects to rule storage and, unless skipped, the cache
func initializeServices(cfg *config.Config, skipCache bool, log *logger.Logger) (*services, error) {
	if cfg.Storage.Driver == "file" {
		return nil, fmt.Errorf("storage.driver is \"file\"; edit %s directly or configure postgres or sqlite", cfg.Storage.RulesFile)
	}

	svc := &services{}

	log.Info("Initializing rule store...")
	ruleStore, err := store.NewSQLStore(cfg.Storage, log.WithComponent("store").Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rule store: %w", err)
	}
	svc.ruleStore = ruleStore

	if cfg.Cache.Enabled && !skipCache {
		ruleCache, err := cache.NewRuleCache(cfg.Cache, ruleStore, log.WithComponent("cache").Logger)
		if err != nil {
			// Entries expire after cache.ttl anyway
			log.Warn("Rule cache unavailable, cached snapshots will expire on their own", zap.Error(err))
		} else {
			svc.ruleCache = ruleCache
		}
	}

	return svc, nil
}

// importRules runs the import pipeline over inputFile
func importRules(ctx context.Context, services *services, etlConfig *etl.Config, inputFile string, log *logger.Logger) error {
	if _, err := os.Stat(inputFile); os.IsNotExist(err) {
		return fmt.Errorf("input file does not exist: %s", inputFile)
	}

	var invalidator etl.CacheInvalidator
	if services.ruleCache != nil {
		invalidator = services.ruleCache
	}

	pipeline := etl.NewPipeline(services.ruleStore, invalidator, etlConfig, log.WithComponent("etl").Logger)

	result, err := pipeline.ProcessFile(ctx, inputFile)
	if err != nil {
		return fmt.Errorf("pipeline processing failed: %w", err)
	}

	log.Info("Rule file processed",
		zap.String("file", inputFile),
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("imported", result.Imported),
		zap.Int64("rejected", result.Rejected),
		zap.Int64("duplicates", result.Duplicates),
		zap.Strings("affected_agents", result.AffectedAgents),
		zap.Bool("global_rules", result.GlobalRules),
		zap.Duration("total_duration", result.Duration),
		zap.Duration("database_time", result.DatabaseTime),
		zap.Duration("cache_time", result.CacheTime))

	for _, v := range result.ValidationErrors {
		log.Warn("Rule rejected", zap.Int64("row", v.Row), zap.String("rule_id", v.RuleID), zap.String("reason", v.Message))
	}
	if len(result.Errors) > 0 {
		log.Warn("Processing completed with errors", zap.Strings("errors", result.Errors))
	}

	return nil
}

// removeRule deletes one rule and drops every cached snapshot
func removeRule(ctx context.Context, services *services, id string, log *logger.Logger) error {
	deleted, err := services.ruleStore.DeleteRule(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("rule %q not found", id)
	}
	if services.ruleCache != nil {
		if err := services.ruleCache.Invalidate(ctx); err != nil {
			log.Warn("Failed to invalidate rule cache", zap.Error(err))
		}
	}
	log.Info("Rule deleted", zap.String("rule_id", id))
	return nil
}

// showRuleStats prints current rule statistics
func showRuleStats(ctx context.Context, services *services) error {
	stats, err := services.ruleStore.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get rule stats: %w", err)
	}

	fmt.Printf("\n=== result-sentinel Rule Statistics ===\n")
	fmt.Printf("Total Rules:     %d\n", stats.Total)
	fmt.Printf("Active Rules:    %d\n", stats.Active)
	fmt.Printf("Global Rules:    %d\n", stats.Global)
	fmt.Printf("Agents:          %d\n", stats.Agents)

	if services.ruleCache != nil {
		cacheStats, err := services.ruleCache.GetStats(ctx)
		if err == nil {
			fmt.Printf("Cache Hit Rate:  %.1f%%\n", cacheStats.HitRate)
			fmt.Printf("Cache Memory:    %d bytes\n", cacheStats.MemoryUsage)
		}
	}
	fmt.Println()

	return nil
}
