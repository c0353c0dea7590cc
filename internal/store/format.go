package store

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/segmentio/parquet-go"
	"gopkg.in/yaml.v3"

	"github.com/raaihank/result-sentinel/internal/rules"
)

// FileFormat represents supported rule file formats
type FileFormat string

const (
	FormatYAML    FileFormat = "yaml"
	FormatJSON    FileFormat = "json"
	FormatJSONL   FileFormat = "jsonl"
	FormatCSV     FileFormat = "csv"
	FormatParquet FileFormat = "parquet"
)

// DetectFileFormat detects the rule file format from its extension
func DetectFileFormat(path string) (FileFormat, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".jsonl", ".ndjson":
		return FormatJSONL, nil
	case ".csv":
		return FormatCSV, nil
	case ".parquet":
		return FormatParquet, nil
	default:
		return "", fmt.Errorf("unsupported rule file format: %s", path)
	}
}

// ruleFile is the document layout of YAML and JSON rule files
type ruleFile struct {
	Rules []rules.SensitivityRule `yaml:"rules" json:"rules"`
}

// ruleRecord is the flat layout of CSV and Parquet rule files
type ruleRecord struct {
	ID               string `parquet:"id"`
	Scope            string `parquet:"scope"`
	AgentID          string `parquet:"agent_id,optional"`
	PatternType      string `parquet:"pattern_type"`
	PatternValue     string `parquet:"pattern_value"`
	PatternRegex     string `parquet:"pattern_regex,optional"`
	SensitivityLevel string `parquet:"sensitivity_level"`
	MaskingStrategy  string `parquet:"masking_strategy"`
	IsActive         bool   `parquet:"is_active"`
	Description      string `parquet:"description,optional"`
	CreatedBy        string `parquet:"created_by,optional"`
}

func (r ruleRecord) toRule() (rules.SensitivityRule, error) {
	level, err := rules.ParseLevel(r.SensitivityLevel)
	if err != nil {
		return rules.SensitivityRule{}, err
	}
	return rules.SensitivityRule{
		ID:               strings.TrimSpace(r.ID),
		Scope:            rules.Scope(strings.ToLower(strings.TrimSpace(r.Scope))),
		AgentID:          strings.TrimSpace(r.AgentID),
		PatternType:      rules.PatternType(strings.ToLower(strings.TrimSpace(r.PatternType))),
		PatternValue:     r.PatternValue,
		PatternRegex:     r.PatternRegex,
		SensitivityLevel: level,
		MaskingStrategy:  rules.Strategy(strings.ToLower(strings.TrimSpace(r.MaskingStrategy))),
		IsActive:         r.IsActive,
		Description:      r.Description,
		CreatedBy:        r.CreatedBy,
	}, nil
}

func recordFromRule(r rules.SensitivityRule) ruleRecord {
	return ruleRecord{
		ID:               r.ID,
		Scope:            string(r.Scope),
		AgentID:          r.AgentID,
		PatternType:      string(r.PatternType),
		PatternValue:     r.PatternValue,
		PatternRegex:     r.PatternRegex,
		SensitivityLevel: r.SensitivityLevel.String(),
		MaskingStrategy:  string(r.MaskingStrategy),
		IsActive:         r.IsActive,
		Description:      r.Description,
		CreatedBy:        r.CreatedBy,
	}
}

var csvHeader = []string{
	"id", "scope", "agent_id", "pattern_type", "pattern_value", "pattern_regex",
	"sensitivity_level", "masking_strategy", "is_active", "description", "created_by",
}

// ReadRuleFile decodes every rule in path. Malformed records are returned as
// errors; semantic validation is left to the resolver.
func ReadRuleFile(path string) ([]rules.SensitivityRule, error) {
	format, err := DetectFileFormat(path)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rule file: %w", err)
	}
	defer file.Close()

	switch format {
	case FormatYAML:
		return decodeYAML(file)
	case FormatJSON:
		return decodeJSON(file)
	case FormatJSONL:
		return decodeJSONLines(file)
	case FormatCSV:
		return decodeCSV(file)
	default:
		info, err := file.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat rule file: %w", err)
		}
		return decodeParquet(file, info.Size())
	}
}

func decodeYAML(r io.Reader) ([]rules.SensitivityRule, error) {
	var doc ruleFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode YAML rules: %w", err)
	}
	return doc.Rules, nil
}

func decodeJSON(r io.Reader) ([]rules.SensitivityRule, error) {
	var doc ruleFile
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode JSON rules: %w", err)
	}
	return doc.Rules, nil
}

// decodeJSONLines reads one JSON rule per line
func decodeJSONLines(r io.Reader) ([]rules.SensitivityRule, error) {
	decoder := json.NewDecoder(r)
	var out []rules.SensitivityRule
	for {
		var rule rules.SensitivityRule
		err := decoder.Decode(&rule)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode JSON rule %d: %w", len(out)+1, err)
		}
		out = append(out, rule)
	}
}

func decodeCSV(r io.Reader) ([]rules.SensitivityRule, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"id", "scope", "pattern_type", "pattern_value", "sensitivity_level", "masking_strategy"} {
		if _, ok := index[required]; !ok {
			return nil, fmt.Errorf("CSV header is missing column %q", required)
		}
	}

	field := func(record []string, name string) string {
		if i, ok := index[name]; ok && i < len(record) {
			return record[i]
		}
		return ""
	}

	var out []rules.SensitivityRule
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV line %d: %w", line, err)
		}

		active := true
		if v := strings.TrimSpace(field(record, "is_active")); v != "" {
			active, err = strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid is_active %q", line, v)
			}
		}

		rule, err := ruleRecord{
			ID:               field(record, "id"),
			Scope:            field(record, "scope"),
			AgentID:          field(record, "agent_id"),
			PatternType:      field(record, "pattern_type"),
			PatternValue:     field(record, "pattern_value"),
			PatternRegex:     field(record, "pattern_regex"),
			SensitivityLevel: field(record, "sensitivity_level"),
			MaskingStrategy:  field(record, "masking_strategy"),
			IsActive:         active,
			Description:      field(record, "description"),
			CreatedBy:        field(record, "created_by"),
		}.toRule()
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, rule)
	}
}

func decodeParquet(r io.ReaderAt, size int64) ([]rules.SensitivityRule, error) {
	reader := parquet.NewReader(io.NewSectionReader(r, 0, size))
	defer reader.Close()

	var out []rules.SensitivityRule
	for {
		var record ruleRecord
		err := reader.Read(&record)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read Parquet rule %d: %w", len(out)+1, err)
		}
		rule, err := record.toRule()
		if err != nil {
			return nil, fmt.Errorf("parquet rule %d: %w", len(out)+1, err)
		}
		out = append(out, rule)
	}
}

// WriteRuleFile encodes rules into path using the format implied by its
// extension.
func WriteRuleFile(path string, list []rules.SensitivityRule) error {
	format, err := DetectFileFormat(path)
	if err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create rule file: %w", err)
	}
	defer file.Close()

	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(file)
		enc.SetIndent(2)
		if err := enc.Encode(ruleFile{Rules: list}); err != nil {
			return fmt.Errorf("failed to encode YAML rules: %w", err)
		}
		err = enc.Close()
	case FormatJSON:
		enc := json.NewEncoder(file)
		enc.SetIndent("", "  ")
		err = enc.Encode(ruleFile{Rules: list})
	case FormatJSONL:
		enc := json.NewEncoder(file)
		for _, r := range list {
			if err = enc.Encode(r); err != nil {
				break
			}
		}
	case FormatCSV:
		w := csv.NewWriter(file)
		if err = w.Write(csvHeader); err != nil {
			break
		}
		for _, r := range list {
			rec := recordFromRule(r)
			if err = w.Write([]string{
				rec.ID, rec.Scope, rec.AgentID, rec.PatternType, rec.PatternValue, rec.PatternRegex,
				rec.SensitivityLevel, rec.MaskingStrategy, strconv.FormatBool(rec.IsActive), rec.Description, rec.CreatedBy,
			}); err != nil {
				break
			}
		}
		w.Flush()
		if err == nil {
			err = w.Error()
		}
	case FormatParquet:
		w := parquet.NewGenericWriter[ruleRecord](file)
		records := make([]ruleRecord, 0, len(list))
		for _, r := range list {
			records = append(records, recordFromRule(r))
		}
		if _, err = w.Write(records); err == nil {
			err = w.Close()
		}
	}
	if err != nil {
		return fmt.Errorf("failed to write %s rules: %w", format, err)
	}
	return file.Close()
}
