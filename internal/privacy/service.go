package privacy

import (
	"context"
	"fmt"
	"time"

	"github.com/raaihank/result-sentinel/internal/config"
	"github.com/raaihank/result-sentinel/internal/logger"
	"go.uber.org/zap"
)

// SanitizeMetrics receives per-request sanitize counters
type SanitizeMetrics interface {
	ResolverMetrics
	RecordSanitize(agentID string, rows int, outcomes []MaskingOutcome, unsupported int, duration time.Duration, err error)
}

// AuditSink receives one summary per sanitized page. Implementations must not
// block.
type AuditSink interface {
	PublishSummary(ctx context.Context, summary AuditSummary)
}

// AuditSummary is what leaves the engine for audit purposes
type AuditSummary struct {
	AgentID         string         `json:"agent_id"`
	RequestID       string         `json:"request_id,omitempty"`
	Rows            int            `json:"rows"`
	MaskedCellCount int            `json:"masked_cell_count"`
	RuleHitSummary  RuleHitSummary `json:"rule_hit_summary"`
	Warnings        int            `json:"warnings"`
	ProcessingMS    float64        `json:"processing_ms"`
}

type requestIDKey struct{}

// WithRequestID attaches a request id used for logging and audit events
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestID returns the request id stored in ctx, if any
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// Service is the entry point used by callers: resolve once, then sanitize
type Service struct {
	resolver  *Resolver
	sanitizer *Sanitizer
	config    config.MaskingConfig
	logger    *logger.Logger
	metrics   SanitizeMetrics
	audit     AuditSink
}

// New creates a masking service. metrics and audit may be nil.
func New(cfg config.MaskingConfig, resolver *Resolver, log *logger.Logger, metrics SanitizeMetrics, audit AuditSink) *Service {
	svc := &Service{
		resolver:  resolver,
		sanitizer: NewSanitizer(SanitizerOptions{Workers: cfg.Workers}, log.Logger),
		config:    cfg,
		logger:    log,
		metrics:   metrics,
		audit:     audit,
	}

	log.Info("Masking service initialized",
		zap.Int("workers", cfg.Workers),
		zap.Bool("keyed_hash", cfg.HashKey != ""),
		zap.Int("max_rows", cfg.MaxRows),
	)

	return svc
}

// Resolve returns the effective rule set for agentID
func (s *Service) Resolve(ctx context.Context, agentID string) (*EffectiveRuleSet, error) {
	return s.resolver.Resolve(ctx, agentID)
}

// SanitizeForAgent resolves the rules for agentID and masks rs with them
func (s *Service) SanitizeForAgent(ctx context.Context, agentID string, rs ResultSet) (*Response, error) {
	session, err := s.NewSession(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return session.Sanitize(ctx, rs)
}

// Session holds the rule set and tokenizer of one request so several pages of
// the same result can be sanitized consistently.
type Session struct {
	service *Service
	agentID string
	set     *EffectiveRuleSet
	masker  *Masker
	logger  *logger.Logger
}

// NewSession resolves rules for agentID once for the lifetime of a request
func (s *Service) NewSession(ctx context.Context, agentID string) (*Session, error) {
	log := s.logger.WithAgent(agentID)
	if id := RequestID(ctx); id != "" {
		log = log.WithRequestID(id)
	}

	set, err := s.resolver.Resolve(ctx, agentID)
	if err != nil {
		log.Error("Rule resolution failed, refusing to return results", zap.Error(err))
		return nil, err
	}

	return &Session{
		service: s,
		agentID: agentID,
		set:     set,
		masker:  NewMasker([]byte(s.config.HashKey), NewTokenizer()),
		logger:  log,
	}, nil
}

// RuleSet returns the session's effective rules
func (ss *Session) RuleSet() *EffectiveRuleSet {
	return ss.set
}

// Sanitize masks one page of results
func (ss *Session) Sanitize(ctx context.Context, rs ResultSet) (*Response, error) {
	start := time.Now()
	svc := ss.service

	if svc.config.MaxRows > 0 && len(rs.Rows) > svc.config.MaxRows {
		err := fmt.Errorf("%w: %d rows, limit is %d", ErrTooManyRows, len(rs.Rows), svc.config.MaxRows)
		svc.recordSanitize(ss.agentID, len(rs.Rows), nil, 0, time.Since(start), err)
		return nil, err
	}

	result, err := svc.sanitizer.Sanitize(rs, ss.set, ss.masker)
	if err != nil {
		svc.recordSanitize(ss.agentID, len(rs.Rows), nil, 0, time.Since(start), err)
		return nil, err
	}

	duration := time.Since(start)
	summary := Summarize(result.Outcomes)
	svc.recordSanitize(ss.agentID, len(rs.Rows), result.Outcomes, result.UnsupportedCells, duration, nil)

	resp := &Response{
		AgentID:         ss.agentID,
		Columns:         result.Columns,
		Rows:            result.Rows,
		MaskedCellCount: len(result.Outcomes),
		RuleHitSummary:  summary,
		Warnings:        ss.set.Warnings,
	}
	if svc.config.IncludeOutcomes {
		resp.Outcomes = result.Outcomes
	}

	if len(result.Outcomes) > 0 {
		ss.logger.Info("Sensitive cells masked",
			zap.Int("rows", len(rs.Rows)),
			zap.Int("masked_cells", resp.MaskedCellCount),
			zap.Any("by_level", summary.ByLevel),
			zap.Duration("duration", duration),
		)
	}

	if svc.audit != nil {
		svc.audit.PublishSummary(ctx, AuditSummary{
			AgentID:         ss.agentID,
			RequestID:       RequestID(ctx),
			Rows:            len(rs.Rows),
			MaskedCellCount: resp.MaskedCellCount,
			RuleHitSummary:  summary,
			Warnings:        len(ss.set.Warnings),
			ProcessingMS:    float64(duration.Microseconds()) / 1000,
		})
	}

	return resp, nil
}

func (s *Service) recordSanitize(agentID string, rows int, outcomes []MaskingOutcome, unsupported int, duration time.Duration, err error) {
	if s.metrics != nil {
		s.metrics.RecordSanitize(agentID, rows, outcomes, unsupported, duration, err)
	}
}
