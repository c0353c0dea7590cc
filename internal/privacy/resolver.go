package privacy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/raaihank/result-sentinel/internal/rules"
	"go.uber.org/zap"
)

// ResolverMetrics receives resolution counters. *metrics.Collector implements it.
type ResolverMetrics interface {
	RecordResolution(agentID string, ruleCount int, duration time.Duration, err error)
	RecordInvalidRule(reason string)
}

// Resolver merges global and agent rules into an EffectiveRuleSet
type Resolver struct {
	store   rules.Store
	logger  *zap.Logger
	metrics ResolverMetrics
}

// NewResolver creates a resolver over store. metrics may be nil.
func NewResolver(store rules.Store, logger *zap.Logger, metrics ResolverMetrics) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:   store,
		logger:  logger,
		metrics: metrics,
	}
}

// Resolve loads the rules in force for agentID and returns them de-duplicated
// and in precedence order. It fails only when rule storage cannot be read.
func (r *Resolver) Resolve(ctx context.Context, agentID string) (*EffectiveRuleSet, error) {
	start := time.Now()

	set, err := r.resolve(ctx, agentID)
	if r.metrics != nil {
		count := 0
		if set != nil {
			count = set.Len()
		}
		r.metrics.RecordResolution(agentID, count, time.Since(start), err)
	}
	return set, err
}

func (r *Resolver) resolve(ctx context.Context, agentID string) (*EffectiveRuleSet, error) {
	global, err := r.store.ListActiveGlobalRules(ctx)
	if err != nil {
		r.logger.Error("Failed to load global rules", zap.Error(err))
		return nil, storageError(err)
	}

	var agent []rules.SensitivityRule
	if agentID != "" {
		agent, err = r.store.ListActiveAgentRules(ctx, agentID)
		if err != nil {
			r.logger.Error("Failed to load agent rules", zap.String("agent_id", agentID), zap.Error(err))
			return nil, storageError(err)
		}
	}

	var warnings []RuleWarning
	globalByKey := r.compileScope(global, rules.ScopeGlobal, "", &warnings)
	agentByKey := r.compileScope(agent, rules.ScopeAgent, agentID, &warnings)

	effective := make([]*CompiledRule, 0, len(globalByKey)+len(agentByKey))
	for key, rule := range globalByKey {
		if override, ok := agentByKey[key]; ok {
			r.logger.Debug("Agent rule overrides global rule",
				zap.String("agent_id", agentID),
				zap.String("global_rule_id", rule.ID),
				zap.String("agent_rule_id", override.ID),
			)
			continue
		}
		effective = append(effective, rule)
	}
	for _, rule := range agentByKey {
		effective = append(effective, rule)
	}

	sortByPrecedence(effective)

	r.logger.Debug("Rules resolved",
		zap.String("agent_id", agentID),
		zap.Int("global_rules", len(global)),
		zap.Int("agent_rules", len(agent)),
		zap.Int("effective_rules", len(effective)),
		zap.Int("warnings", len(warnings)),
	)

	return newEffectiveRuleSet(agentID, effective, warnings), nil
}

// compileScope validates and compiles one scope's rules and keys them by
// detection target. Within a scope the highest level wins a duplicate key,
// then the lowest id.
func (r *Resolver) compileScope(list []rules.SensitivityRule, scope rules.Scope, agentID string, warnings *[]RuleWarning) map[rules.Key]*CompiledRule {
	byKey := make(map[rules.Key]*CompiledRule, len(list))

	for _, rule := range list {
		if !rule.IsActive {
			continue
		}
		if rule.Scope != scope || (scope == rules.ScopeAgent && rule.AgentID != agentID) {
			r.reject(warnings, &InvalidRuleError{RuleID: rule.ID, Reason: "scope does not match request"}, "scope_mismatch")
			continue
		}

		compiled, err := NewCompiledRule(rule)
		if err != nil {
			r.reject(warnings, err, "invalid_definition")
			continue
		}

		key := compiled.Key()
		existing, ok := byKey[key]
		if !ok {
			byKey[key] = compiled
			continue
		}

		winner, loser := existing, compiled
		if outranks(compiled, existing) {
			winner, loser = compiled, existing
		}
		byKey[key] = winner
		*warnings = append(*warnings, RuleWarning{
			RuleID: loser.ID,
			Reason: fmt.Sprintf("duplicate of rule %s for the same target", winner.ID),
		})
		r.logger.Warn("Duplicate active rule ignored",
			zap.String("rule_id", loser.ID),
			zap.String("kept_rule_id", winner.ID),
			zap.String("scope", string(scope)),
		)
	}

	return byKey
}

func (r *Resolver) reject(warnings *[]RuleWarning, err error, reason string) {
	var invalid *InvalidRuleError
	ruleID := ""
	if errors.As(err, &invalid) {
		ruleID = invalid.RuleID
	}
	*warnings = append(*warnings, RuleWarning{RuleID: ruleID, Reason: err.Error()})
	r.logger.Warn("Rule excluded from resolution", zap.String("rule_id", ruleID), zap.Error(err))
	if r.metrics != nil {
		r.metrics.RecordInvalidRule(reason)
	}
}

func outranks(a, b *CompiledRule) bool {
	if a.SensitivityLevel != b.SensitivityLevel {
		return a.SensitivityLevel > b.SensitivityLevel
	}
	return a.ID < b.ID
}

// sortByPrecedence orders rules by level (critical first), then agent before
// global, then id. Rule files may reuse an id, so the key breaks the last tie.
func sortByPrecedence(list []*CompiledRule) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.SensitivityLevel != b.SensitivityLevel {
			return a.SensitivityLevel > b.SensitivityLevel
		}
		if a.Scope != b.Scope {
			return a.Scope == rules.ScopeAgent
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		ka, kb := a.Key(), b.Key()
		if ka.PatternType != kb.PatternType {
			return ka.PatternType < kb.PatternType
		}
		return ka.Pattern < kb.Pattern
	})
}

func storageError(err error) error {
	if errors.Is(err, rules.ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", rules.ErrStorageUnavailable, err)
}
