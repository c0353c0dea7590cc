package rules

import (
	"context"
	"errors"
)

// ErrStorageUnavailable is returned when rules cannot be read. Callers must
// refuse to return unmasked data when they see it.
var ErrStorageUnavailable = errors.New("rule storage unavailable")

// Store is the read-only view of rule storage used by the engine
type Store interface {
	ListActiveGlobalRules(ctx context.Context) ([]SensitivityRule, error)
	ListActiveAgentRules(ctx context.Context, agentID string) ([]SensitivityRule, error)
}

// StaticStore serves a fixed in-memory rule list
type StaticStore struct {
	Rules []SensitivityRule
}

// ListActiveGlobalRules returns active global rules
func (s *StaticStore) ListActiveGlobalRules(ctx context.Context) ([]SensitivityRule, error) {
	return Filter(s.Rules, ScopeGlobal, ""), nil
}

// ListActiveAgentRules returns active rules scoped to agentID
func (s *StaticStore) ListActiveAgentRules(ctx context.Context, agentID string) ([]SensitivityRule, error) {
	return Filter(s.Rules, ScopeAgent, agentID), nil
}

// Filter returns the active rules of the given scope. For ScopeAgent only
// rules bound to agentID are kept.
func Filter(all []SensitivityRule, scope Scope, agentID string) []SensitivityRule {
	out := make([]SensitivityRule, 0, len(all))
	for _, r := range all {
		if !r.IsActive || r.Scope != scope {
			continue
		}
		if scope == ScopeAgent && r.AgentID != agentID {
			continue
		}
		out = append(out, r)
	}
	return out
}
