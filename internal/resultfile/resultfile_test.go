package resultfile

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/raaihank/result-sentinel/internal/privacy"
)

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		path    string
		want    Format
		wantErr bool
	}{
		{"export.csv", FormatCSV, false},
		{"EXPORT.CSV", FormatCSV, false},
		{"rows.jsonl", FormatJSONLines, false},
		{"rows.ndjson", FormatJSONLines, false},
		{"rows.json", FormatJSONLines, false},
		{"rows.xlsx", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := DetectFormat(tt.path)
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Errorf("DetectFormat(%q) = %q, %v", tt.path, got, err)
			}
		})
	}
}

func TestReadCSVPages(t *testing.T) {
	input := "name,ssn\nAnn,111\nBob,222\nCid,333\n"
	r, err := NewReader(strings.NewReader(input), FormatCSV)
	if err != nil {
		t.Fatal(err)
	}

	page, err := r.ReadPage(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Rows) != 2 || strings.Join(page.Columns, ",") != "name,ssn" || page.Rows[1]["ssn"] != "222" {
		t.Errorf("unexpected first page: %+v", page)
	}

	page, err = r.ReadPage(2)
	if err != nil || len(page.Rows) != 1 {
		t.Fatalf("second page: %d rows, err %v", len(page.Rows), err)
	}

	if _, err := r.ReadPage(2); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
	if r.Records() != 3 {
		t.Errorf("records = %d", r.Records())
	}
}

func TestReadErrors(t *testing.T) {
	if _, err := NewReader(strings.NewReader(""), FormatCSV); err == nil {
		t.Error("empty CSV should fail")
	}

	r, _ := NewReader(strings.NewReader("a,b\n1\n"), FormatCSV)
	if _, err := r.ReadPage(10); err == nil || !strings.Contains(err.Error(), "record 1") {
		t.Errorf("short record error = %v", err)
	}

	r, _ = NewReader(strings.NewReader("[1,2]\n"), FormatJSONLines)
	if _, err := r.ReadPage(10); err == nil {
		t.Error("non-object line should fail")
	}

	if _, err := NewReader(strings.NewReader(""), Format("xml")); err == nil {
		t.Error("unknown format should fail")
	}
}

func TestReadJSONLines(t *testing.T) {
	input := `{"id":12345678901234567890,"email":"a@b.io","tags":["x"]}` + "\n" + `{"id":2}` + "\n"
	r, err := NewReader(strings.NewReader(input), FormatJSONLines)
	if err != nil {
		t.Fatal(err)
	}

	page, err := r.ReadPage(10)
	if err != nil {
		t.Fatal(err)
	}
	if r.Columns() != nil || len(page.Rows) != 2 {
		t.Fatalf("unexpected page: %+v", page)
	}
	if got, _ := privacy.Canonical(page.Rows[0]["id"]); got != "12345678901234567890" {
		t.Errorf("large number lost precision: %s", got)
	}
}

func TestWriteCSV(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out, FormatCSV)

	pages := []*privacy.Response{
		{Columns: []string{"name", "ssn"}, Rows: []privacy.Row{{"name": "Ann", "ssn": "***REDACTED***"}}},
		{Columns: []string{"name", "ssn"}, Rows: []privacy.Row{{"name": "Bob, Jr.", "ssn": nil}}},
	}
	for _, p := range pages {
		if err := w.WritePage(p); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	want := "name,ssn\nAnn,***REDACTED***\n\"Bob, Jr.\",\n"
	if out.String() != want {
		t.Errorf("got %q, want %q", out.String(), want)
	}
}

func TestWriteCSVLateColumn(t *testing.T) {
	page1 := &privacy.Response{Columns: []string{"id"}, Rows: []privacy.Row{{"id": "1"}}}
	page2 := &privacy.Response{Columns: []string{"id", "email"}, Rows: []privacy.Row{{"id": "2", "email": "TOK_1"}}}

	t.Run("header from first page", func(t *testing.T) {
		var out bytes.Buffer
		w := NewWriter(&out, FormatCSV)
		if err := w.WritePage(page1); err != nil {
			t.Fatal(err)
		}
		if err := w.WritePage(page2); !errors.Is(err, ErrUnexpectedColumn) {
			t.Fatalf("expected ErrUnexpectedColumn, got %v", err)
		}
	})

	t.Run("header set up front", func(t *testing.T) {
		var out bytes.Buffer
		w := NewWriter(&out, FormatCSV)
		if err := w.SetColumns([]string{"id", "email"}); err != nil {
			t.Fatal(err)
		}
		for _, p := range []*privacy.Response{page1, page2} {
			if err := w.WritePage(p); err != nil {
				t.Fatal(err)
			}
		}
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
		if want := "id,email\n1,\n2,TOK_1\n"; out.String() != want {
			t.Errorf("got %q, want %q", out.String(), want)
		}
		if err := w.SetColumns([]string{"id"}); err == nil {
			t.Error("SetColumns after the header was written should fail")
		}
	})
}

func TestScanColumns(t *testing.T) {
	dir := t.TempDir()
	jsonl := filepath.Join(dir, "rows.jsonl")
	data := `{"id":1}` + "\n" + `{"id":2,"phone":"555","email":"b@x.io"}` + "\n" + `{"note":"x"}` + "\n"
	if err := os.WriteFile(jsonl, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	cols, err := ScanColumns(jsonl)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(cols, ","); got != "id,email,phone,note" {
		t.Errorf("columns = %s", got)
	}

	csvPath := filepath.Join(dir, "rows.csv")
	if err := os.WriteFile(csvPath, []byte("b,a\n1,2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if cols, err := ScanColumns(csvPath); err != nil || strings.Join(cols, ",") != "b,a" {
		t.Errorf("CSV columns = %v, %v", cols, err)
	}
}

func TestCreateAndOpenJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	w, err := Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WritePage(&privacy.Response{Rows: []privacy.Row{{"email": "[REDACTED]"}, {"email": "TOK_1"}}}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	page, err := r.ReadPage(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Rows) != 2 || page.Rows[1]["email"] != "TOK_1" {
		t.Errorf("unexpected round trip: %+v", page.Rows)
	}

	if _, err := Create(filepath.Join(t.TempDir(), "out.txt")); err == nil {
		t.Error("unknown output extension should fail")
	}
}
