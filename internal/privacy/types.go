package privacy

import (
	"regexp"

	"github.com/raaihank/result-sentinel/internal/rules"
)

// Row is a single result record keyed by column name
type Row map[string]interface{}

// ResultSet is a page of tabular query results
type ResultSet struct {
	Columns []string `json:"columns,omitempty"`
	Rows    []Row    `json:"rows"`
}

// CompiledRule is a validated rule with its regex compiled once per resolution
type CompiledRule struct {
	rules.SensitivityRule
	regex *regexp.Regexp
}

// NewCompiledRule validates r and compiles its regex. Column rules ignore
// PatternRegex.
func NewCompiledRule(r rules.SensitivityRule) (*CompiledRule, error) {
	if err := r.Validate(); err != nil {
		return nil, &InvalidRuleError{RuleID: r.ID, Reason: err.Error()}
	}

	cr := &CompiledRule{SensitivityRule: r}
	if r.PatternType == rules.PatternValue && r.PatternRegex != "" {
		re, err := regexp.Compile(r.PatternRegex)
		if err != nil {
			return nil, &InvalidRuleError{RuleID: r.ID, Reason: "invalid regex: " + err.Error()}
		}
		cr.regex = re
	}
	return cr, nil
}

// EffectiveRuleSet is the resolved, conflict-free and ordered rule list for one
// agent. It belongs to a single request.
type EffectiveRuleSet struct {
	AgentID  string          `json:"agent_id"`
	Rules    []*CompiledRule `json:"-"`
	Warnings []RuleWarning   `json:"warnings,omitempty"`

	columnRules []*CompiledRule
	valueRules  []*CompiledRule
}

func newEffectiveRuleSet(agentID string, ordered []*CompiledRule, warnings []RuleWarning) *EffectiveRuleSet {
	set := &EffectiveRuleSet{
		AgentID:  agentID,
		Rules:    ordered,
		Warnings: warnings,
	}
	for _, r := range ordered {
		if r.PatternType == rules.PatternColumnName {
			set.columnRules = append(set.columnRules, r)
		} else {
			set.valueRules = append(set.valueRules, r)
		}
	}
	return set
}

// ColumnRules returns the column-name rules in precedence order
func (s *EffectiveRuleSet) ColumnRules() []*CompiledRule {
	return s.columnRules
}

// ValueRules returns the value-pattern rules in precedence order
func (s *EffectiveRuleSet) ValueRules() []*CompiledRule {
	return s.valueRules
}

// Len returns the number of effective rules
func (s *EffectiveRuleSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Rules)
}

// RuleWarning records a rule that was excluded or shadowed during resolution
type RuleWarning struct {
	RuleID string `json:"rule_id"`
	Reason string `json:"reason"`
}

// MaskingOutcome is the audit record of one masked cell. It never carries the
// original value.
type MaskingOutcome struct {
	Row      int            `json:"row"`
	Column   string         `json:"column"`
	RuleID   string         `json:"rule_id"`
	Level    rules.Level    `json:"level"`
	Strategy rules.Strategy `json:"strategy"`
}

// SanitizedResult is the output of a single Sanitize call
type SanitizedResult struct {
	Columns          []string         `json:"columns"`
	Rows             []Row            `json:"rows"`
	Outcomes         []MaskingOutcome `json:"outcomes"`
	UnsupportedCells int              `json:"unsupported_cells"`
}

// RuleHitSummary aggregates masked cells without exposing values
type RuleHitSummary struct {
	ByLevel    map[string]int `json:"by_level"`
	ByRule     map[string]int `json:"by_rule"`
	ByStrategy map[string]int `json:"by_strategy"`
}

// Summarize aggregates outcomes into a RuleHitSummary
func Summarize(outcomes []MaskingOutcome) RuleHitSummary {
	summary := RuleHitSummary{
		ByLevel:    make(map[string]int),
		ByRule:     make(map[string]int),
		ByStrategy: make(map[string]int),
	}
	for _, o := range outcomes {
		summary.ByLevel[o.Level.String()]++
		summary.ByRule[o.RuleID]++
		summary.ByStrategy[string(o.Strategy)]++
	}
	return summary
}

// Response is returned to callers of SanitizeForAgent
type Response struct {
	AgentID         string           `json:"agent_id"`
	Columns         []string         `json:"columns"`
	Rows            []Row            `json:"rows"`
	MaskedCellCount int              `json:"masked_cell_count"`
	RuleHitSummary  RuleHitSummary   `json:"rule_hit_summary"`
	Outcomes        []MaskingOutcome `json:"outcomes,omitempty"`
	Warnings        []RuleWarning    `json:"warnings,omitempty"`
}
