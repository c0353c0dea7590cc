package privacy

import (
	"errors"
	"fmt"
)

// ErrTooManyRows is returned when a page exceeds masking.max_rows
var ErrTooManyRows = errors.New("result exceeds row limit")

// InvalidRuleError describes a rule that cannot take part in resolution
type InvalidRuleError struct {
	RuleID string
	Reason string
}

func (e *InvalidRuleError) Error() string {
	return fmt.Sprintf("invalid rule definition %q: %s", e.RuleID, e.Reason)
}

// UnsupportedCellError describes a cell whose type is not a scalar. The cell is
// still processed through its textual form.
type UnsupportedCellError struct {
	Row    int
	Column string
	Type   string
}

func (e *UnsupportedCellError) Error() string {
	return fmt.Sprintf("unsupported cell type %s at row %d column %q", e.Type, e.Row, e.Column)
}
