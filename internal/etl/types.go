package etl

import (
	"context"
	"time"

	"github.com/raaihank/result-sentinel/internal/rules"
	"github.com/raaihank/result-sentinel/internal/store"
)

// RuleWriter persists batches of rules
type RuleWriter interface {
	UpsertRules(ctx context.Context, list []rules.SensitivityRule) (*store.BatchResult, error)
}

// RuleLister reads every stored rule, active or not
type RuleLister interface {
	ListRules(ctx context.Context) ([]rules.SensitivityRule, error)
}

// CacheInvalidator drops cached rule snapshots. With no agent ids every
// snapshot is dropped.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, agentIDs ...string) error
}

// ProcessingResult represents the result of importing a rule file
type ProcessingResult struct {
	TotalRecords     int64             `json:"total_records"`
	Imported         int64             `json:"imported"`
	Rejected         int64             `json:"rejected"`
	Duplicates       int64             `json:"duplicates"`
	Duration         time.Duration     `json:"duration"`
	DatabaseTime     time.Duration     `json:"database_time"`
	CacheTime        time.Duration     `json:"cache_time"`
	AffectedAgents   []string          `json:"affected_agents,omitempty"`
	GlobalRules      bool              `json:"global_rules"`
	ValidationErrors []ValidationError `json:"validation_errors,omitempty"`
	Errors           []string          `json:"errors,omitempty"`
}

// Config contains import pipeline configuration
type Config struct {
	BatchSize       int  `yaml:"batch_size" mapstructure:"batch_size"`             // 500
	SkipDuplicates  bool `yaml:"skip_duplicates" mapstructure:"skip_duplicates"`   // true
	ValidateOnly    bool `yaml:"validate_only" mapstructure:"validate_only"`       // false
	InvalidateCache bool `yaml:"invalidate_cache" mapstructure:"invalidate_cache"` // true
	ProgressReport  int  `yaml:"progress_report" mapstructure:"progress_report"`   // 1000
}

// DefaultConfig returns the importer defaults
func DefaultConfig() *Config {
	return &Config{
		BatchSize:       500,
		SkipDuplicates:  true,
		InvalidateCache: true,
		ProgressReport:  1000,
	}
}

// ValidationError represents a rule rejected before it reached storage
type ValidationError struct {
	Row     int64  `json:"row"`
	RuleID  string `json:"rule_id"`
	Message string `json:"message"`
}

// ProcessingStats tracks real-time processing statistics
type ProcessingStats struct {
	StartTime      time.Time `json:"start_time"`
	RecordsRead    int64     `json:"records_read"`
	RecordsValid   int64     `json:"records_valid"`
	RecordsInvalid int64     `json:"records_invalid"`
	DatabaseWrites int64     `json:"database_writes"`
	CurrentBatch   int64     `json:"current_batch"`
	ProcessingRate float64   `json:"processing_rate"` // records per second
}
