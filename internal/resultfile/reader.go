package resultfile

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/raaihank/result-sentinel/internal/privacy"
)

// Format is the encoding of a result export
type Format string

const (
	FormatCSV       Format = "csv"
	FormatJSONLines Format = "jsonl"
)

// DetectFormat detects the export format from the file extension
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".jsonl", ".ndjson", ".json":
		return FormatJSONLines, nil
	default:
		return "", fmt.Errorf("unsupported result file extension %q", filepath.Ext(path))
	}
}

// Reader reads a result export page by page
type Reader struct {
	format  Format
	csv     *csv.Reader
	decoder *json.Decoder
	columns []string
	closer  io.Closer
	records int64
}

// Open opens path and reads the CSV header when there is one
func Open(path string) (*Reader, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open result file: %w", err)
	}
	r, err := NewReader(file, format)
	if err != nil {
		file.Close()
		return nil, err
	}
	r.closer = file
	return r, nil
}

// NewReader wraps src. CSV input must start with a header row.
func NewReader(src io.Reader, format Format) (*Reader, error) {
	r := &Reader{format: format}

	switch format {
	case FormatCSV:
		r.csv = csv.NewReader(src)
		r.csv.FieldsPerRecord = -1
		header, err := r.csv.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("CSV result file is empty")
			}
			return nil, fmt.Errorf("failed to read CSV header: %w", err)
		}
		r.columns = header
	case FormatJSONLines:
		r.decoder = json.NewDecoder(src)
		r.decoder.UseNumber()
	default:
		return nil, fmt.Errorf("unsupported result format %q", format)
	}

	return r, nil
}

// Columns returns the CSV header, or nil for JSON lines input
func (r *Reader) Columns() []string {
	return r.columns
}

// Records returns the number of rows read so far
func (r *Reader) Records() int64 {
	return r.records
}

// ReadPage reads up to size rows. It returns io.EOF once the input is drained.
func (r *Reader) ReadPage(size int) (privacy.ResultSet, error) {
	if size <= 0 {
		size = 1000
	}
	rs := privacy.ResultSet{Columns: r.columns, Rows: make([]privacy.Row, 0, size)}

	for len(rs.Rows) < size {
		row, err := r.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return rs, fmt.Errorf("record %d: %w", r.records+1, err)
		}
		r.records++
		rs.Rows = append(rs.Rows, row)
	}

	if len(rs.Rows) == 0 {
		return rs, io.EOF
	}
	return rs, nil
}

func (r *Reader) next() (privacy.Row, error) {
	if r.format == FormatCSV {
		record, err := r.csv.Read()
		if err != nil {
			return nil, err
		}
		if len(record) != len(r.columns) {
			return nil, fmt.Errorf("has %d fields, header has %d", len(record), len(r.columns))
		}
		row := make(privacy.Row, len(record))
		for i, v := range record {
			row[r.columns[i]] = v
		}
		return row, nil
	}

	var row privacy.Row
	if err := r.decoder.Decode(&row); err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("line is not a JSON object")
	}
	return row, nil
}

// ScanColumns reads the whole export at path and returns every column it
// holds. For JSON lines, columns are grouped by the first record they appear
// in and sorted within it, the same order a single sanitized page reports.
func ScanColumns(path string) ([]string, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	if r.format == FormatCSV {
		return r.columns, nil
	}

	seen := make(map[string]bool)
	var columns []string
	for {
		row, err := r.next()
		if errors.Is(err, io.EOF) {
			return columns, nil
		}
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", r.records+1, err)
		}
		r.records++

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
}

// Close closes the underlying file, if Open created it
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
