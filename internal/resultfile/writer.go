package resultfile

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/raaihank/result-sentinel/internal/privacy"
)

// ErrUnexpectedColumn is returned when a page carries a column the CSV header
// does not have
var ErrUnexpectedColumn = errors.New("column missing from CSV header")

// Writer writes sanitized pages in the same formats Reader accepts
type Writer struct {
	format  Format
	buf     *bufio.Writer
	csv     *csv.Writer
	encoder *json.Encoder
	columns []string
	known   map[string]bool
	header  bool
	closer  io.Closer
}

// Create creates path, choosing the format from its extension
func Create(path string) (*Writer, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	w := NewWriter(file, format)
	w.closer = file
	return w, nil
}

// NewWriter wraps dst
func NewWriter(dst io.Writer, format Format) *Writer {
	w := &Writer{format: format, buf: bufio.NewWriter(dst)}
	if format == FormatCSV {
		w.csv = csv.NewWriter(w.buf)
	} else {
		w.encoder = json.NewEncoder(w.buf)
	}
	return w
}

// SetColumns fixes the CSV header before the first page is written. Without
// it the header is taken from the first page.
func (w *Writer) SetColumns(columns []string) error {
	if w.header {
		return fmt.Errorf("CSV header already written")
	}
	w.setColumns(columns)
	return nil
}

func (w *Writer) setColumns(columns []string) {
	w.columns = columns
	w.known = make(map[string]bool, len(columns))
	for _, c := range columns {
		w.known[c] = true
	}
}

// WritePage appends the rows of one sanitized page. A page whose columns are
// not all in the CSV header fails with ErrUnexpectedColumn.
func (w *Writer) WritePage(resp *privacy.Response) error {
	if w.format != FormatCSV {
		for _, row := range resp.Rows {
			if err := w.encoder.Encode(row); err != nil {
				return fmt.Errorf("failed to write JSON line: %w", err)
			}
		}
		return nil
	}

	if w.known == nil {
		w.setColumns(resp.Columns)
	}
	for _, c := range resp.Columns {
		if !w.known[c] {
			return fmt.Errorf("%w: %q", ErrUnexpectedColumn, c)
		}
	}

	if !w.header {
		if err := w.csv.Write(w.columns); err != nil {
			return fmt.Errorf("failed to write CSV header: %w", err)
		}
		w.header = true
	}

	record := make([]string, len(w.columns))
	for _, row := range resp.Rows {
		for i, col := range w.columns {
			record[i], _ = privacy.Canonical(row[col])
		}
		if err := w.csv.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}
	return nil
}

// Close flushes buffered output and closes the file, if Create opened it
func (w *Writer) Close() error {
	if w.csv != nil {
		w.csv.Flush()
		if err := w.csv.Error(); err != nil {
			return err
		}
	}
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}
