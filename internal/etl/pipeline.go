package etl

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/result-sentinel/internal/privacy"
	"github.com/raaihank/result-sentinel/internal/rules"
	"github.com/raaihank/result-sentinel/internal/store"
)

// Pipeline imports rule files into rule storage
type Pipeline struct {
	writer RuleWriter
	cache  CacheInvalidator
	config *Config
	logger *zap.Logger
	stats  *ProcessingStats
	mu     sync.RWMutex
}

// NewPipeline creates a new import pipeline. cache may be nil.
func NewPipeline(writer RuleWriter, cache CacheInvalidator, config *Config, logger *zap.Logger) *Pipeline {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 500
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		writer: writer,
		cache:  cache,
		config: config,
		logger: logger,
		stats:  &ProcessingStats{StartTime: time.Now()},
	}
}

// ProcessFile imports a rule file (YAML, JSON, JSON lines, CSV or Parquet)
func (p *Pipeline) ProcessFile(ctx context.Context, filePath string) (*ProcessingResult, error) {
	format, err := store.DetectFileFormat(filePath)
	if err != nil {
		return &ProcessingResult{}, err
	}

	p.logger.Info("Starting rule import",
		zap.String("file", filePath),
		zap.String("format", string(format)),
		zap.Int("batch_size", p.config.BatchSize),
		zap.Bool("validate_only", p.config.ValidateOnly))

	list, err := store.ReadRuleFile(filePath)
	if err != nil {
		return &ProcessingResult{}, fmt.Errorf("%s processing failed: %w", format, err)
	}

	return p.ProcessRules(ctx, list)
}

// ProcessRules validates, de-duplicates and writes rules in batches, then
// invalidates the cached snapshots they affect
func (p *Pipeline) ProcessRules(ctx context.Context, list []rules.SensitivityRule) (*ProcessingResult, error) {
	start := time.Now()
	result := &ProcessingResult{}
	p.resetStats()

	valid := p.validate(list, result)

	if p.config.ValidateOnly {
		result.Duration = time.Since(start)
		p.logger.Info("Validation completed",
			zap.Int64("total_records", result.TotalRecords),
			zap.Int64("valid", int64(len(valid))),
			zap.Int64("rejected", result.Rejected),
			zap.Int64("duplicates", result.Duplicates))
		return result, nil
	}

	global, agents := affectedScopes(valid)

	for i := 0; i < len(valid); i += p.config.BatchSize {
		select {
		case <-ctx.Done():
			result.Duration = time.Since(start)
			return result, ctx.Err()
		default:
		}

		end := i + p.config.BatchSize
		if end > len(valid) {
			end = len(valid)
		}
		if err := p.processBatch(ctx, valid[i:end], result); err != nil {
			p.logger.Error("Batch processing failed", zap.Int("offset", i), zap.Error(err))
			result.Errors = append(result.Errors, err.Error())
			continue
		}

		if p.config.ProgressReport > 0 && result.Imported%int64(p.config.ProgressReport) == 0 {
			p.reportProgress(result)
		}
	}

	result.GlobalRules = global
	result.AffectedAgents = agents
	if result.Imported > 0 {
		p.invalidate(ctx, global, agents, result)
	}

	result.Duration = time.Since(start)
	p.logger.Info("Rule import completed",
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("imported", result.Imported),
		zap.Int64("rejected", result.Rejected),
		zap.Int64("duplicates", result.Duplicates),
		zap.Duration("total_duration", result.Duration),
		zap.Duration("database_time", result.DatabaseTime))

	return result, nil
}

// validate drops rules that would be rejected at resolution time. Duplicate
// ids keep the first occurrence when SkipDuplicates is set, the last otherwise.
func (p *Pipeline) validate(list []rules.SensitivityRule, result *ProcessingResult) []rules.SensitivityRule {
	seen := make(map[string]int, len(list))
	valid := make([]rules.SensitivityRule, 0, len(list))

	for i, rule := range list {
		result.TotalRecords++
		p.bumpRead()

		if _, err := privacy.NewCompiledRule(rule); err != nil {
			result.Rejected++
			result.ValidationErrors = append(result.ValidationErrors, ValidationError{
				Row:     int64(i + 1),
				RuleID:  rule.ID,
				Message: err.Error(),
			})
			p.bumpInvalid()
			p.logger.Debug("Invalid rule", zap.Int("row", i+1), zap.String("rule_id", rule.ID), zap.Error(err))
			continue
		}

		if idx, dup := seen[rule.ID]; dup {
			result.Duplicates++
			if !p.config.SkipDuplicates {
				valid[idx] = rule
			}
			continue
		}

		seen[rule.ID] = len(valid)
		valid = append(valid, rule)
		p.bumpValid()
	}
	return valid
}

// processBatch writes a single batch of rules
func (p *Pipeline) processBatch(ctx context.Context, batch []rules.SensitivityRule, result *ProcessingResult) error {
	p.mu.Lock()
	p.stats.CurrentBatch++
	p.mu.Unlock()

	dbStart := time.Now()
	batchResult, err := p.writer.UpsertRules(ctx, batch)
	result.DatabaseTime += time.Since(dbStart)
	if err != nil {
		return fmt.Errorf("database batch upsert failed: %w", err)
	}

	result.Imported += batchResult.Upserted
	result.Rejected += batchResult.Rejected
	result.Errors = append(result.Errors, batchResult.Errors...)

	p.mu.Lock()
	p.stats.DatabaseWrites += batchResult.Upserted
	p.mu.Unlock()

	p.logger.Debug("Batch processed",
		zap.Int("batch_size", len(batch)),
		zap.Int64("upserted", batchResult.Upserted),
		zap.Int64("rejected", batchResult.Rejected),
		zap.Duration("database_time", batchResult.Duration))

	return nil
}

// invalidate drops cached snapshots touched by the import. A changed global
// rule affects every agent.
func (p *Pipeline) invalidate(ctx context.Context, global bool, agents []string, result *ProcessingResult) {
	if !p.config.InvalidateCache || p.cache == nil {
		return
	}

	cacheStart := time.Now()
	var err error
	if global {
		err = p.cache.Invalidate(ctx)
	} else if len(agents) > 0 {
		err = p.cache.Invalidate(ctx, agents...)
	}
	result.CacheTime = time.Since(cacheStart)

	if err != nil {
		p.logger.Warn("Failed to invalidate rule cache", zap.Error(err))
		result.Errors = append(result.Errors, fmt.Sprintf("cache invalidation: %v", err))
	}
}

func affectedScopes(list []rules.SensitivityRule) (bool, []string) {
	global := false
	set := make(map[string]struct{})
	for _, r := range list {
		if r.Scope == rules.ScopeGlobal {
			global = true
			continue
		}
		set[r.AgentID] = struct{}{}
	}

	agents := make([]string, 0, len(set))
	for id := range set {
		agents = append(agents, id)
	}
	sort.Strings(agents)
	return global, agents
}

// ExportFile writes every stored rule to filePath in the format implied by its
// extension
func ExportFile(ctx context.Context, lister RuleLister, filePath string) (int, error) {
	list, err := lister.ListRules(ctx)
	if err != nil {
		return 0, err
	}
	if err := store.WriteRuleFile(filePath, list); err != nil {
		return 0, err
	}
	return len(list), nil
}

// reportProgress reports current processing progress
func (p *Pipeline) reportProgress(result *ProcessingResult) {
	p.mu.Lock()
	elapsed := time.Since(p.stats.StartTime)
	if elapsed > 0 {
		p.stats.ProcessingRate = float64(result.Imported) / elapsed.Seconds()
	}
	rate := p.stats.ProcessingRate
	p.mu.Unlock()

	p.logger.Info("Processing progress",
		zap.Int64("records_imported", result.Imported),
		zap.Int64("records_rejected", result.Rejected),
		zap.Float64("rate_per_sec", rate),
		zap.Duration("elapsed", elapsed))
}

func (p *Pipeline) bumpRead() {
	p.mu.Lock()
	p.stats.RecordsRead++
	p.mu.Unlock()
}

func (p *Pipeline) bumpValid() {
	p.mu.Lock()
	p.stats.RecordsValid++
	p.mu.Unlock()
}

func (p *Pipeline) bumpInvalid() {
	p.mu.Lock()
	p.stats.RecordsInvalid++
	p.mu.Unlock()
}

// resetStats resets processing statistics
func (p *Pipeline) resetStats() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats = &ProcessingStats{
		StartTime: time.Now(),
	}
}

// GetStats returns current processing statistics
func (p *Pipeline) GetStats() *ProcessingStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := *p.stats
	return &stats
}
