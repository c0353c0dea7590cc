package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Scope identifies where a rule applies
type Scope string

const (
	// ScopeGlobal rules apply to every agent
	ScopeGlobal Scope = "global"
	// ScopeAgent rules apply to a single agent and may override a global rule
	ScopeAgent Scope = "agent"
)

// PatternType selects what a rule is matched against
type PatternType string

const (
	// PatternColumnName matches against column names
	PatternColumnName PatternType = "column_name"
	// PatternValue matches against cell values
	PatternValue PatternType = "value_pattern"
)

// Level is the ordered sensitivity of a rule. Higher is more severe.
type Level int

const (
	LevelLow Level = iota + 1
	LevelMedium
	LevelHigh
	LevelCritical
)

// String returns the lowercase name of the level
func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Valid reports whether l is one of the defined levels
func (l Level) Valid() bool {
	return l >= LevelLow && l <= LevelCritical
}

// ParseLevel converts a level name into a Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return LevelLow, nil
	case "medium":
		return LevelMedium, nil
	case "high":
		return LevelHigh, nil
	case "critical":
		return LevelCritical, nil
	}
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil && Level(n).Valid() {
		return Level(n), nil
	}
	return 0, fmt.Errorf("unknown sensitivity level: %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Strategy is the transformation applied to a matched value
type Strategy string

const (
	StrategyFull     Strategy = "full"
	StrategyPartial  Strategy = "partial"
	StrategyHash     Strategy = "hash"
	StrategyRedact   Strategy = "redact"
	StrategyTokenize Strategy = "tokenize"
)

// Valid reports whether s is one of the supported strategies
func (s Strategy) Valid() bool {
	switch s {
	case StrategyFull, StrategyPartial, StrategyHash, StrategyRedact, StrategyTokenize:
		return true
	}
	return false
}

// ParseStrategy converts a strategy name into a Strategy
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown masking strategy: %q", s)
	}
	return st, nil
}

// SensitivityRule is one operator-defined detection rule. Rules are read-only
// snapshots from the engine's point of view.
type SensitivityRule struct {
	ID               string      `json:"id" yaml:"id"`
	Scope            Scope       `json:"scope" yaml:"scope"`
	AgentID          string      `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	PatternType      PatternType `json:"pattern_type" yaml:"pattern_type"`
	PatternValue     string      `json:"pattern_value" yaml:"pattern_value"`
	PatternRegex     string      `json:"pattern_regex,omitempty" yaml:"pattern_regex,omitempty"`
	SensitivityLevel Level       `json:"sensitivity_level" yaml:"sensitivity_level"`
	MaskingStrategy  Strategy    `json:"masking_strategy" yaml:"masking_strategy"`
	IsActive         bool        `json:"is_active" yaml:"is_active"`
	Description      string      `json:"description,omitempty" yaml:"description,omitempty"`
	CreatedBy        string      `json:"created_by,omitempty" yaml:"created_by,omitempty"`
	CreatedAt        time.Time   `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt        time.Time   `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// Key identifies the detection target of a rule irrespective of scope
type Key struct {
	PatternType PatternType
	Pattern     string
}

// NormalizePattern trims and lowercases a pattern value
func NormalizePattern(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// Key returns the (pattern type, normalized pattern value) pair
func (r *SensitivityRule) Key() Key {
	return Key{PatternType: r.PatternType, Pattern: NormalizePattern(r.PatternValue)}
}

// Validate checks the structural invariants of a rule
func (r *SensitivityRule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("rule id is empty")
	}
	if NormalizePattern(r.PatternValue) == "" {
		return fmt.Errorf("pattern value is empty")
	}
	switch r.Scope {
	case ScopeGlobal:
	case ScopeAgent:
		if strings.TrimSpace(r.AgentID) == "" {
			return fmt.Errorf("agent scoped rule has no agent id")
		}
	default:
		return fmt.Errorf("unknown scope: %q", r.Scope)
	}
	if r.PatternType != PatternColumnName && r.PatternType != PatternValue {
		return fmt.Errorf("unknown pattern type: %q", r.PatternType)
	}
	if !r.SensitivityLevel.Valid() {
		return fmt.Errorf("unknown sensitivity level: %d", r.SensitivityLevel)
	}
	if !r.MaskingStrategy.Valid() {
		return fmt.Errorf("unknown masking strategy: %q", r.MaskingStrategy)
	}
	return nil
}
