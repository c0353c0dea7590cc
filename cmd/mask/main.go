package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/raaihank/result-sentinel/internal/config"
	"github.com/raaihank/result-sentinel/internal/logger"
	"github.com/raaihank/result-sentinel/internal/privacy"
	"github.com/raaihank/result-sentinel/internal/resultfile"
	"github.com/raaihank/result-sentinel/internal/rules"
	"github.com/raaihank/result-sentinel/internal/store"
)

// summary is printed to stderr once the export has been sanitized
type summary struct {
	AgentID         string                `json:"agent_id"`
	RequestID       string                `json:"request_id"`
	Input           string                `json:"input"`
	Output          string                `json:"output"`
	Rows            int64                 `json:"rows"`
	Pages           int                   `json:"pages"`
	MaskedCellCount int                   `json:"masked_cell_count"`
	ByLevel         map[string]int        `json:"by_level"`
	ByRule          map[string]int        `json:"by_rule"`
	Warnings        []privacy.RuleWarning `json:"warnings,omitempty"`
	DurationMS      int64                 `json:"duration_ms"`
}

func main() {
	os.Exit(run())
}

// run returns the exit code so deferred cleanup runs before the process exits
func run() int {
	var (
		configPath = flag.String("config", "", "Configuration file path")
		agentID    = flag.String("agent", "", "Agent the results are sanitized for")
		inputFile  = flag.String("input", "", "Result export to sanitize (CSV or JSON lines)")
		outputFile = flag.String("output", "", "Sanitized output file (CSV or JSON lines)")
		rulesFile  = flag.String("rules", "", "Read rules from this file instead of the configured storage")
		pageSize   = flag.Int("page-size", 1000, "Rows sanitized per page")
	)
	flag.Parse()

	if *agentID == "" || *inputFile == "" || *outputFile == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s --agent ID --input FILE --output FILE [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --agent A1 --input export.csv --output masked.csv\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --agent B7 --rules rules.yaml --input rows.jsonl --output masked.jsonl\n", os.Args[0])
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			log.Info("Received shutdown signal, cancelling...")
			cancel()
		case <-ctx.Done():
		}
	}()

	ruleStore, closeStore, err := openRules(cfg, *rulesFile, log)
	if err != nil {
		log.Error("Failed to open rule storage", zap.Error(err))
		return 1
	}
	defer closeStore()

	resolver := privacy.NewResolver(ruleStore, log.WithComponent("resolver").Logger, nil)
	service := privacy.New(cfg.Masking, resolver, log.WithComponent("privacy"), nil, nil)

	result, err := maskFile(ctx, service, *agentID, *inputFile, *outputFile, *pageSize)
	if err != nil {
		log.Error("Sanitizing failed", zap.Error(err))
		return 1
	}

	enc := json.NewEncoder(os.Stderr)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		log.Error("Failed to write summary", zap.Error(err))
		return 1
	}
	return 0
}

// openRules opens the rule file given on the command line or the configured storage
func openRules(cfg *config.Config, rulesFile string, log *logger.Logger) (rules.Store, func(), error) {
	storeLogger := log.WithComponent("store").Logger

	if rulesFile == "" && cfg.Storage.Driver == "file" {
		rulesFile = cfg.Storage.RulesFile
	}
	if rulesFile != "" {
		fileStore, err := store.NewFileStore(rulesFile, storeLogger)
		if err != nil {
			return nil, nil, err
		}
		return fileStore, func() {}, nil
	}

	sqlStore, err := store.NewSQLStore(cfg.Storage, storeLogger)
	if err != nil {
		return nil, nil, err
	}
	return sqlStore, func() { sqlStore.Close() }, nil
}

// maskFile sanitizes input page by page within one session so tokens stay
// consistent across the whole export. Output is removed when sanitizing fails
// so partial output is never mistaken for a sanitized export.
func maskFile(ctx context.Context, service *privacy.Service, agentID, input, output string, pageSize int) (*summary, error) {
	result, created, err := sanitizePages(ctx, service, agentID, input, output, pageSize)
	if err != nil {
		if !created {
			return nil, err
		}
		if rmErr := os.Remove(output); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return nil, fmt.Errorf("%w (partial output %s not removed: %v)", err, output, rmErr)
		}
		return nil, err
	}
	return result, nil
}

// sanitizePages reports whether it created output, even when it fails
func sanitizePages(ctx context.Context, service *privacy.Service, agentID, input, output string, pageSize int) (*summary, bool, error) {
	start := time.Now()
	requestID := uuid.New().String()
	ctx = privacy.WithRequestID(ctx, requestID)

	reader, err := resultfile.Open(input)
	if err != nil {
		return nil, false, err
	}
	defer reader.Close()

	session, err := service.NewSession(ctx, agentID)
	if err != nil {
		return nil, false, err
	}

	writer, err := resultfile.Create(output)
	if err != nil {
		return nil, false, err
	}

	// JSON lines records may add columns on any line; the CSV header must
	// hold all of them before the first page is written
	if outFormat, _ := resultfile.DetectFormat(output); outFormat == resultfile.FormatCSV && reader.Columns() == nil {
		columns, err := resultfile.ScanColumns(input)
		if err != nil {
			writer.Close()
			return nil, true, err
		}
		if err := writer.SetColumns(columns); err != nil {
			writer.Close()
			return nil, true, err
		}
	}

	result := &summary{
		AgentID:   agentID,
		RequestID: requestID,
		Input:     input,
		Output:    output,
		ByLevel:   make(map[string]int),
		ByRule:    make(map[string]int),
		Warnings:  session.RuleSet().Warnings,
	}

	for {
		if err := ctx.Err(); err != nil {
			writer.Close()
			return nil, true, err
		}

		page, err := reader.ReadPage(pageSize)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writer.Close()
			return nil, true, err
		}

		resp, err := session.Sanitize(ctx, page)
		if err != nil {
			writer.Close()
			return nil, true, err
		}
		if err := writer.WritePage(resp); err != nil {
			writer.Close()
			return nil, true, err
		}

		result.Pages++
		result.MaskedCellCount += resp.MaskedCellCount
		for k, v := range resp.RuleHitSummary.ByLevel {
			result.ByLevel[k] += v
		}
		for k, v := range resp.RuleHitSummary.ByRule {
			result.ByRule[k] += v
		}
	}

	if err := writer.Close(); err != nil {
		return nil, true, err
	}

	result.Rows = reader.Records()
	result.DurationMS = time.Since(start).Milliseconds()
	return result, true, nil
}
