package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/raaihank/result-sentinel/internal/config"
	"github.com/raaihank/result-sentinel/internal/rules"
)

func init() {
	// sqlx does not know the modernc driver name
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

const schema = `
CREATE TABLE IF NOT EXISTS sensitivity_rules (
	id                TEXT PRIMARY KEY,
	scope             TEXT NOT NULL,
	agent_id          TEXT,
	pattern_type      TEXT NOT NULL,
	pattern_value     TEXT NOT NULL,
	pattern_regex     TEXT,
	sensitivity_level INTEGER NOT NULL,
	masking_strategy  TEXT NOT NULL,
	is_active         BOOLEAN NOT NULL DEFAULT TRUE,
	description       TEXT,
	created_by        TEXT,
	created_at        TIMESTAMP NOT NULL,
	updated_at        TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sensitivity_rules_scope ON sensitivity_rules (scope, agent_id);
`

const ruleColumns = `id, scope, agent_id, pattern_type, pattern_value, pattern_regex,
	sensitivity_level, masking_strategy, is_active, description, created_by, created_at, updated_at`

// SQLStore reads and writes sensitivity rules in PostgreSQL or SQLite
type SQLStore struct {
	db      *sqlx.DB
	driver  string
	timeout time.Duration
	logger  *zap.Logger
}

// ruleRow is the database shape of a rule
type ruleRow struct {
	ID               string         `db:"id"`
	Scope            string         `db:"scope"`
	AgentID          sql.NullString `db:"agent_id"`
	PatternType      string         `db:"pattern_type"`
	PatternValue     string         `db:"pattern_value"`
	PatternRegex     sql.NullString `db:"pattern_regex"`
	SensitivityLevel int            `db:"sensitivity_level"`
	MaskingStrategy  string         `db:"masking_strategy"`
	IsActive         bool           `db:"is_active"`
	Description      sql.NullString `db:"description"`
	CreatedBy        sql.NullString `db:"created_by"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func (r ruleRow) toRule() rules.SensitivityRule {
	return rules.SensitivityRule{
		ID:               r.ID,
		Scope:            rules.Scope(r.Scope),
		AgentID:          r.AgentID.String,
		PatternType:      rules.PatternType(r.PatternType),
		PatternValue:     r.PatternValue,
		PatternRegex:     r.PatternRegex.String,
		SensitivityLevel: rules.Level(r.SensitivityLevel),
		MaskingStrategy:  rules.Strategy(r.MaskingStrategy),
		IsActive:         r.IsActive,
		Description:      r.Description.String,
		CreatedBy:        r.CreatedBy.String,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

// RuleStats summarizes stored rules
type RuleStats struct {
	Total  int64 `db:"total" json:"total"`
	Active int64 `db:"active" json:"active"`
	Global int64 `db:"global" json:"global"`
	Agents int64 `db:"agents" json:"agents"`
}

// BatchResult is the outcome of a bulk upsert
type BatchResult struct {
	Upserted int64         `json:"upserted"`
	Rejected int64         `json:"rejected"`
	Duration time.Duration `json:"duration"`
	Errors   []string      `json:"errors,omitempty"`
}

// NewSQLStore connects to the configured database
func NewSQLStore(cfg config.StorageConfig, logger *zap.Logger) (*SQLStore, error) {
	driver, err := driverName(cfg.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == "sqlite" {
		// single writer
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	s := &SQLStore{db: db, driver: driver, timeout: timeout, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}

	logger.Info("Rule store initialized",
		zap.String("driver", driver),
		zap.String("dsn", maskDSN(cfg.DSN)),
		zap.Bool("auto_migrate", cfg.AutoMigrate))

	return s, nil
}

func driverName(name string) (string, error) {
	switch name {
	case "postgres", "postgresql":
		return "postgres", nil
	case "sqlite", "sqlite3":
		return "sqlite", nil
	default:
		return "", fmt.Errorf("unsupported database driver: %s", name)
	}
}

// Migrate creates the rules table if it does not exist
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	s.logger.Info("Rule schema ready")
	return nil
}

// ListActiveGlobalRules returns all active platform-wide rules
func (s *SQLStore) ListActiveGlobalRules(ctx context.Context) ([]rules.SensitivityRule, error) {
	query := s.db.Rebind(`SELECT ` + ruleColumns + ` FROM sensitivity_rules
		WHERE scope = ? AND is_active = TRUE ORDER BY id`)

	list, err := s.query(ctx, query, string(rules.ScopeGlobal))
	if err != nil {
		return nil, fmt.Errorf("failed to list global rules: %w", err)
	}
	return list, nil
}

// ListActiveAgentRules returns active rules bound to agentID
func (s *SQLStore) ListActiveAgentRules(ctx context.Context, agentID string) ([]rules.SensitivityRule, error) {
	query := s.db.Rebind(`SELECT ` + ruleColumns + ` FROM sensitivity_rules
		WHERE scope = ? AND agent_id = ? AND is_active = TRUE ORDER BY id`)

	list, err := s.query(ctx, query, string(rules.ScopeAgent), agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules for agent %s: %w", agentID, err)
	}
	return list, nil
}

// ListRules returns every stored rule, active or not
func (s *SQLStore) ListRules(ctx context.Context) ([]rules.SensitivityRule, error) {
	list, err := s.query(ctx, `SELECT `+ruleColumns+` FROM sensitivity_rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return list, nil
}

func (s *SQLStore) query(ctx context.Context, query string, args ...interface{}) ([]rules.SensitivityRule, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []ruleRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		s.logger.Error("Rule query failed", zap.Error(err))
		return nil, err
	}

	out := make([]rules.SensitivityRule, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRule())
	}
	return out, nil
}

var upsertQuery = `
	INSERT INTO sensitivity_rules (` + ruleColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		scope = excluded.scope,
		agent_id = excluded.agent_id,
		pattern_type = excluded.pattern_type,
		pattern_value = excluded.pattern_value,
		pattern_regex = excluded.pattern_regex,
		sensitivity_level = excluded.sensitivity_level,
		masking_strategy = excluded.masking_strategy,
		is_active = excluded.is_active,
		description = excluded.description,
		created_by = excluded.created_by,
		updated_at = excluded.updated_at`

// UpsertRule validates and stores a single rule
func (s *SQLStore) UpsertRule(ctx context.Context, rule rules.SensitivityRule) error {
	result, err := s.UpsertRules(ctx, []rules.SensitivityRule{rule})
	if err != nil {
		return err
	}
	if result.Rejected > 0 {
		return fmt.Errorf("rule %s rejected: %s", rule.ID, result.Errors[0])
	}
	return nil
}

// UpsertRules stores rules in a single transaction. Invalid rules are
// rejected and reported without aborting the batch.
func (s *SQLStore) UpsertRules(ctx context.Context, list []rules.SensitivityRule) (*BatchResult, error) {
	start := time.Now()
	result := &BatchResult{}
	if len(list) == 0 {
		return result, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, s.db.Rebind(upsertQuery))
	if err != nil {
		return result, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, r := range list {
		if err := r.Validate(); err != nil {
			result.Rejected++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", r.ID, err))
			continue
		}
		created := r.CreatedAt
		if created.IsZero() {
			created = now
		}

		_, err := stmt.ExecContext(ctx,
			r.ID,
			string(r.Scope),
			nullString(r.AgentID),
			string(r.PatternType),
			r.PatternValue,
			nullString(r.PatternRegex),
			int(r.SensitivityLevel),
			string(r.MaskingStrategy),
			r.IsActive,
			nullString(r.Description),
			nullString(r.CreatedBy),
			created.UTC(),
			now,
		)
		if err != nil {
			s.logger.Error("Failed to upsert rule", zap.String("rule_id", r.ID), zap.Error(err))
			return result, fmt.Errorf("failed to upsert rule %s: %w", r.ID, err)
		}
		result.Upserted++
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("failed to commit rules: %w", err)
	}

	result.Duration = time.Since(start)
	s.logger.Info("Rules upserted",
		zap.Int64("upserted", result.Upserted),
		zap.Int64("rejected", result.Rejected),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// DeleteRule removes a rule. It reports whether a row was deleted.
func (s *SQLStore) DeleteRule(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM sensitivity_rules WHERE id = ?`), id)
	if err != nil {
		return false, fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	return n > 0, nil
}

// Stats returns rule counts
func (s *SQLStore) Stats(ctx context.Context) (*RuleStats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := s.db.Rebind(`
		SELECT
			COUNT(*) AS total,
			COUNT(CASE WHEN is_active = TRUE THEN 1 END) AS active,
			COUNT(CASE WHEN scope = ? THEN 1 END) AS global,
			COUNT(DISTINCT agent_id) AS agents
		FROM sensitivity_rules`)

	var stats RuleStats
	if err := s.db.GetContext(ctx, &stats, query, string(rules.ScopeGlobal)); err != nil {
		return nil, fmt.Errorf("failed to get rule stats: %w", err)
	}
	return &stats, nil
}

// Ping checks the database connection
func (s *SQLStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

// maskDSN hides the password of a database URL for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}
