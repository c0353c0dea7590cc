package privacy

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/raaihank/result-sentinel/internal/rules"
	"go.uber.org/zap"
)

func resolveStatic(t *testing.T, agentID string, list ...rules.SensitivityRule) *EffectiveRuleSet {
	t.Helper()
	set, err := NewResolver(&rules.StaticStore{Rules: list}, zap.NewNop(), nil).Resolve(context.Background(), agentID)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	return set
}

func TestSanitizeColumnWinner(t *testing.T) {
	set := resolveStatic(t, "A1",
		globalRule("ssn", rules.PatternColumnName, "ssn", rules.LevelCritical, rules.StrategyFull),
		globalRule("secret", rules.PatternValue, "secret", rules.LevelLow, rules.StrategyRedact),
	)

	rs := ResultSet{
		Columns: []string{"ssn", "name"},
		Rows: []Row{
			{"ssn": "123-45-6789", "name": "Alice"},
			{"ssn": nil, "name": "Bob secret"},
			{"ssn": 987654321, "name": "Carol"},
		},
	}

	res, err := NewSanitizer(SanitizerOptions{}, zap.NewNop()).Sanitize(rs, set, NewMasker(nil, nil))
	if err != nil {
		t.Fatalf("Sanitize failed: %v", err)
	}

	if res.Rows[0]["ssn"] != FullMask || res.Rows[2]["ssn"] != FullMask {
		t.Errorf("ssn column not masked: %+v", res.Rows)
	}
	if res.Rows[1]["ssn"] != nil {
		t.Error("nil cells must stay nil")
	}
	if res.Rows[1]["name"] != RedactMarker {
		t.Errorf("value rule not applied: %v", res.Rows[1]["name"])
	}
	if res.Rows[0]["name"] != "Alice" || res.Rows[2]["name"] != "Carol" {
		t.Error("untouched cells must equal input")
	}

	want := []MaskingOutcome{
		{Row: 0, Column: "ssn", RuleID: "ssn", Level: rules.LevelCritical, Strategy: rules.StrategyFull},
		{Row: 1, Column: "name", RuleID: "secret", Level: rules.LevelLow, Strategy: rules.StrategyRedact},
		{Row: 2, Column: "ssn", RuleID: "ssn", Level: rules.LevelCritical, Strategy: rules.StrategyFull},
	}
	if !reflect.DeepEqual(res.Outcomes, want) {
		t.Errorf("outcomes = %+v, want %+v", res.Outcomes, want)
	}

	// input untouched
	if rs.Rows[0]["ssn"] != "123-45-6789" {
		t.Error("input rows were mutated")
	}
}

func TestSanitizeColumnShortCircuitsValueRules(t *testing.T) {
	set := resolveStatic(t, "",
		globalRule("notes-col", rules.PatternColumnName, "notes", rules.LevelLow, rules.StrategyPartial),
		globalRule("secret", rules.PatternValue, "secret", rules.LevelCritical, rules.StrategyRedact),
	)

	rs := ResultSet{Rows: []Row{{"notes": "top secret plan"}}}
	res, err := NewSanitizer(SanitizerOptions{}, nil).Sanitize(rs, set, NewMasker(nil, nil))
	if err != nil {
		t.Fatalf("Sanitize failed: %v", err)
	}

	if len(res.Outcomes) != 1 || res.Outcomes[0].RuleID != "notes-col" {
		t.Errorf("column-level rule should win exclusively: %+v", res.Outcomes)
	}
	if res.Rows[0]["notes"] != "to***********an" {
		t.Errorf("unexpected masked value %v", res.Rows[0]["notes"])
	}
}

func TestSanitizeFirstValueRuleWins(t *testing.T) {
	set := resolveStatic(t, "",
		globalRule("low", rules.PatternValue, "acct", rules.LevelLow, rules.StrategyRedact),
		globalRule("high", rules.PatternValue, "acct-9", rules.LevelHigh, rules.StrategyHash),
	)

	rs := ResultSet{Rows: []Row{{"ref": "acct-9001"}, {"ref": "acct-1001"}, {"ref": "none"}}}
	res, err := NewSanitizer(SanitizerOptions{}, nil).Sanitize(rs, set, NewMasker(nil, nil))
	if err != nil {
		t.Fatalf("Sanitize failed: %v", err)
	}

	if len(res.Outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %+v", res.Outcomes)
	}
	if res.Outcomes[0].RuleID != "high" || res.Outcomes[1].RuleID != "low" {
		t.Errorf("cells in the same column should be masked by different rules: %+v", res.Outcomes)
	}
	if res.Rows[2]["ref"] != "none" {
		t.Error("unmatched cell changed")
	}
}

func TestSanitizeEmptyInputs(t *testing.T) {
	set := resolveStatic(t, "", globalRule("ssn", rules.PatternColumnName, "ssn", rules.LevelCritical, rules.StrategyFull))
	s := NewSanitizer(SanitizerOptions{}, nil)

	res, err := s.Sanitize(ResultSet{}, set, NewMasker(nil, nil))
	if err != nil || len(res.Rows) != 0 || len(res.Outcomes) != 0 {
		t.Errorf("zero rows: res=%+v err=%v", res, err)
	}

	res, err = s.Sanitize(ResultSet{Rows: []Row{{}, {}}}, set, NewMasker(nil, nil))
	if err != nil || len(res.Rows) != 2 || len(res.Outcomes) != 0 {
		t.Errorf("zero columns: res=%+v err=%v", res, err)
	}

	if _, err := s.Sanitize(ResultSet{}, set, nil); err == nil {
		t.Error("expected error without masker")
	}
}

func TestSanitizeNilPointerCell(t *testing.T) {
	set := resolveStatic(t, "", globalRule("acct", rules.PatternValue, "acct", rules.LevelHigh, rules.StrategyRedact))
	s := NewSanitizer(SanitizerOptions{}, nil)

	var ref *accountRef
	rs := ResultSet{Rows: []Row{{"c": ref}, {"c": &accountRef{id: "7"}}}}
	res, err := s.Sanitize(rs, set, NewMasker(nil, nil))
	if err != nil {
		t.Fatalf("Sanitize failed: %v", err)
	}
	if res.Rows[0]["c"] != ref {
		t.Errorf("nil cell changed to %v", res.Rows[0]["c"])
	}
	if res.Rows[1]["c"] != "[REDACTED]" || len(res.Outcomes) != 1 {
		t.Errorf("rows=%v outcomes=%v", res.Rows, res.Outcomes)
	}
}

func TestSanitizeNestedValues(t *testing.T) {
	set := resolveStatic(t, "", globalRule("secret", rules.PatternValue, "secret", rules.LevelHigh, rules.StrategyRedact))

	rs := ResultSet{Rows: []Row{
		{"payload": map[string]interface{}{"token": "secret-123"}},
		{"payload": []interface{}{"public"}},
	}}
	res, err := NewSanitizer(SanitizerOptions{}, nil).Sanitize(rs, set, NewMasker(nil, nil))
	if err != nil {
		t.Fatalf("Sanitize failed: %v", err)
	}

	if res.Rows[0]["payload"] != RedactMarker {
		t.Errorf("nested value not masked: %v", res.Rows[0]["payload"])
	}
	if !reflect.DeepEqual(res.Rows[1]["payload"], []interface{}{"public"}) {
		t.Error("unmatched nested value changed")
	}
	if res.UnsupportedCells != 2 {
		t.Errorf("unsupported cells = %d, want 2", res.UnsupportedCells)
	}
}

func TestSanitizeTokenizeDeterministic(t *testing.T) {
	set := resolveStatic(t, "",
		globalRule("user", rules.PatternColumnName, "user", rules.LevelMedium, rules.StrategyTokenize),
		globalRule("ip", rules.PatternColumnName, "ip", rules.LevelMedium, rules.StrategyHash),
	)

	rs := ResultSet{
		Columns: []string{"user", "ip"},
		Rows: []Row{
			{"user": "alice", "ip": "10.0.0.1"},
			{"user": "bob", "ip": "10.0.0.2"},
			{"user": "alice", "ip": "10.0.0.1"},
		},
	}
	res, err := NewSanitizer(SanitizerOptions{}, nil).Sanitize(rs, set, NewMasker(nil, nil))
	if err != nil {
		t.Fatalf("Sanitize failed: %v", err)
	}

	if res.Rows[0]["user"] != "TOK_1" || res.Rows[1]["user"] != "TOK_2" || res.Rows[2]["user"] != "TOK_1" {
		t.Errorf("unexpected tokens: %v %v %v", res.Rows[0]["user"], res.Rows[1]["user"], res.Rows[2]["user"])
	}
	if res.Rows[0]["ip"] != res.Rows[2]["ip"] || res.Rows[0]["ip"] == res.Rows[1]["ip"] {
		t.Error("hash should be stable for equal values and differ otherwise")
	}
}

func TestSanitizeParallelMatchesSequential(t *testing.T) {
	set := resolveStatic(t, "",
		globalRule("email", rules.PatternColumnName, "email", rules.LevelHigh, rules.StrategyTokenize),
		globalRule("vip", rules.PatternValue, "vip", rules.LevelLow, rules.StrategyRedact),
	)

	rows := make([]Row, 2000)
	for i := range rows {
		note := "regular"
		if i%7 == 0 {
			note = "VIP customer"
		}
		rows[i] = Row{
			"id":    i,
			"email": fmt.Sprintf("user%d@example.com", i%50),
			"note":  note,
		}
	}
	rs := ResultSet{Columns: []string{"id", "email", "note"}, Rows: rows}

	seq, err := NewSanitizer(SanitizerOptions{Workers: 1}, nil).Sanitize(rs, set, NewMasker(nil, nil))
	if err != nil {
		t.Fatalf("sequential Sanitize failed: %v", err)
	}
	par, err := NewSanitizer(SanitizerOptions{Workers: 4}, nil).Sanitize(rs, set, NewMasker(nil, nil))
	if err != nil {
		t.Fatalf("parallel Sanitize failed: %v", err)
	}

	if !reflect.DeepEqual(seq.Rows, par.Rows) {
		t.Error("parallel rows differ from sequential rows")
	}
	if !reflect.DeepEqual(seq.Outcomes, par.Outcomes) {
		t.Error("parallel outcomes differ from sequential outcomes")
	}
	if !strings.HasPrefix(par.Rows[0]["email"].(string), TokenPrefix) {
		t.Errorf("email not tokenized: %v", par.Rows[0]["email"])
	}
}

func TestResolveColumns(t *testing.T) {
	rs := ResultSet{
		Columns: []string{"b", "a", "b"},
		Rows: []Row{
			{"a": 1, "b": 2, "z": 3, "c": 4},
			{"d": 5},
		},
	}
	got := resolveColumns(rs)
	want := []string{"b", "a", "c", "z", "d"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("resolveColumns = %v, want %v", got, want)
	}
}
