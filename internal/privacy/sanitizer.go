package privacy

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// minRowsPerWorker keeps small results on the calling goroutine
const minRowsPerWorker = 256

// SanitizerOptions tunes a Sanitizer
type SanitizerOptions struct {
	// Workers is the number of goroutines selecting winners. Values below 2
	// process rows sequentially.
	Workers int
}

// Sanitizer applies an EffectiveRuleSet to result sets
type Sanitizer struct {
	logger  *zap.Logger
	options SanitizerOptions
}

// NewSanitizer creates a sanitizer
func NewSanitizer(options SanitizerOptions, logger *zap.Logger) *Sanitizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sanitizer{logger: logger, options: options}
}

// cellDecision is the winning rule for one cell
type cellDecision struct {
	row    int
	column string
	rule   *CompiledRule
}

// Sanitize masks rs using set. Column-level winners mask the whole column and
// short-circuit value rules for it. The input is never mutated.
func (s *Sanitizer) Sanitize(rs ResultSet, set *EffectiveRuleSet, masker *Masker) (*SanitizedResult, error) {
	if masker == nil {
		return nil, fmt.Errorf("masker is required")
	}

	columns := resolveColumns(rs)
	result := &SanitizedResult{
		Columns:  columns,
		Rows:     make([]Row, len(rs.Rows)),
		Outcomes: []MaskingOutcome{},
	}

	if len(rs.Rows) == 0 || len(columns) == 0 || set.Len() == 0 {
		for i, row := range rs.Rows {
			result.Rows[i] = copyRow(row)
		}
		return result, nil
	}

	columnWinners := make(map[string]*CompiledRule, len(columns))
	for _, col := range columns {
		if winner := firstColumnMatch(col, set); winner != nil {
			columnWinners[col] = winner
		}
	}

	decisions, unsupported := s.selectWinners(rs.Rows, columns, columnWinners, set)
	result.UnsupportedCells = unsupported

	for i, row := range rs.Rows {
		result.Rows[i] = copyRow(row)
	}

	// Strategies run in row then column order so tokens are assigned
	// deterministically regardless of the worker count.
	for _, d := range decisions {
		out := result.Rows[d.row]
		out[d.column] = masker.Apply(out[d.column], d.rule.MaskingStrategy)
		result.Outcomes = append(result.Outcomes, MaskingOutcome{
			Row:      d.row,
			Column:   d.column,
			RuleID:   d.rule.ID,
			Level:    d.rule.SensitivityLevel,
			Strategy: d.rule.MaskingStrategy,
		})
	}

	if unsupported > 0 {
		s.logger.Debug("Non-scalar cells processed as serialized text", zap.Int("count", unsupported))
	}

	return result, nil
}

// selectWinners picks the winning rule per cell, optionally across workers
func (s *Sanitizer) selectWinners(rows []Row, columns []string, columnWinners map[string]*CompiledRule, set *EffectiveRuleSet) ([]cellDecision, int) {
	workers := s.options.Workers
	if limit := len(rows) / minRowsPerWorker; workers > limit {
		workers = limit
	}
	if workers < 2 {
		return s.selectRange(rows, 0, len(rows), columns, columnWinners, set)
	}

	type chunk struct {
		decisions   []cellDecision
		unsupported int
	}
	chunks := make([]chunk, workers)
	size := (len(rows) + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * size
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		if start >= end {
			continue
		}
		wg.Add(1)
		go func(w, start, end int) {
			defer wg.Done()
			d, u := s.selectRange(rows, start, end, columns, columnWinners, set)
			chunks[w] = chunk{decisions: d, unsupported: u}
		}(w, start, end)
	}
	wg.Wait()

	var decisions []cellDecision
	unsupported := 0
	for _, c := range chunks {
		decisions = append(decisions, c.decisions...)
		unsupported += c.unsupported
	}
	return decisions, unsupported
}

func (s *Sanitizer) selectRange(rows []Row, start, end int, columns []string, columnWinners map[string]*CompiledRule, set *EffectiveRuleSet) ([]cellDecision, int) {
	var decisions []cellDecision
	unsupported := 0
	valueRules := set.ValueRules()

	for i := start; i < end; i++ {
		row := rows[i]
		for _, col := range columns {
			value, ok := row[col]
			if !ok || value == nil {
				continue
			}

			text, scalar := Canonical(value)
			if !scalar {
				unsupported++
				s.logger.Debug("Unsupported cell type",
					zap.Error(&UnsupportedCellError{Row: i, Column: col, Type: fmt.Sprintf("%T", value)}))
			}

			if winner, ok := columnWinners[col]; ok {
				decisions = append(decisions, cellDecision{row: i, column: col, rule: winner})
				continue
			}

			for _, rule := range valueRules {
				if matchText(text, rule) {
					decisions = append(decisions, cellDecision{row: i, column: col, rule: rule})
					break
				}
			}
		}
	}
	return decisions, unsupported
}

func firstColumnMatch(column string, set *EffectiveRuleSet) *CompiledRule {
	for _, rule := range set.ColumnRules() {
		if MatchColumn(column, rule) {
			return rule
		}
	}
	return nil
}

// resolveColumns returns the declared column order followed by undeclared
// columns, grouped by the first row they appear in and sorted within it.
func resolveColumns(rs ResultSet) []string {
	seen := make(map[string]bool, len(rs.Columns))
	columns := make([]string, 0, len(rs.Columns))
	for _, c := range rs.Columns {
		if !seen[c] {
			seen[c] = true
			columns = append(columns, c)
		}
	}

	for _, row := range rs.Rows {
		var extra []string
		for c := range row {
			if !seen[c] {
				seen[c] = true
				extra = append(extra, c)
			}
		}
		sort.Strings(extra)
		columns = append(columns, extra...)
	}
	return columns
}

func copyRow(row Row) Row {
	if row == nil {
		return nil
	}
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
