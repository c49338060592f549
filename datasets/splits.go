package datasets

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// RawSplit holds the rows of one split file. Rows are kept in file order.
type RawSplit struct {
	name     string
	path     string
	columns  []string
	examples []Example
}

// Name returns the split name derived from the file name.
func (s *RawSplit) Name() string { return s.name }

// Len returns the number of rows.
func (s *RawSplit) Len() int { return len(s.examples) }

// Columns returns the raw column names in the order they were first seen.
func (s *RawSplit) Columns() []string { return s.columns }

// Examples returns the rows of the split.
func (s *RawSplit) Examples() []Example { return s.examples }

// Example returns row idx.
func (s *RawSplit) Example(idx int) (Example, error) {
	if idx < 0 || idx >= len(s.examples) {
		return Example{}, errors.Errorf("index %d out of range [0, %d)", idx, len(s.examples))
	}
	return s.examples[idx], nil
}

// LoadSplit reads a .jsonl or .csv split file and checks that every row has
// the required text fields.
func LoadSplit(path string, required []string) (*RawSplit, error) {
	name := splitName(path)
	var (
		split *RawSplit
		err   error
	)
	switch splitFormat(path) {
	case ".jsonl":
		split, err = loadJSONLines(path, name)
	case ".csv":
		split, err = loadCSV(path, name)
	default:
		return nil, errors.Errorf("unsupported split file %s", path)
	}
	if err != nil {
		return nil, err
	}

	for i, ex := range split.examples {
		for _, col := range required {
			if _, ok := ex.Fields[col]; !ok {
				return nil, errors.Errorf("%s row %d: required column %q not found", path, i, col)
			}
		}
	}
	return split, nil
}

func loadJSONLines(path, name string) (*RawSplit, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open split %s", path)
	}
	defer file.Close()

	split := &RawSplit{name: name, path: path}
	seen := map[string]bool{}
	reader := bufio.NewReader(file)
	for lineNo := 1; ; lineNo++ {
		line, err := reader.ReadBytes('\n')
		if len(strings.TrimSpace(string(line))) > 0 {
			row := map[string]any{}
			if jerr := json.Unmarshal(line, &row); jerr != nil {
				return nil, errors.Wrapf(jerr, "%s line %d", path, lineNo)
			}
			ex, rerr := exampleFromJSON(row, len(split.examples))
			if rerr != nil {
				return nil, errors.Wrapf(rerr, "%s line %d", path, lineNo)
			}
			split.examples = append(split.examples, ex)
			split.columns = appendColumns(split.columns, seen, sortedKeys(row))
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read split %s", path)
		}
	}
	return split, nil
}

func exampleFromJSON(row map[string]any, position int) (Example, error) {
	ex := Example{Index: position, Label: NoLabel, Fields: make(map[string]string, len(row))}
	for key, value := range row {
		switch key {
		case rawLabelColumn:
			label, ok := value.(float64)
			if !ok {
				return Example{}, errors.Errorf("label is %T, want a number", value)
			}
			ex.Label = float32(label)
		case rawIndexColumn:
			if idx, ok := value.(float64); ok {
				ex.Index = int(idx)
			}
		default:
			if s, ok := value.(string); ok {
				ex.Fields[key] = s
			}
		}
	}
	return ex, nil
}

func loadCSV(path, name string) (*RawSplit, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open split %s", path)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return nil, errors.Wrapf(err, "read header of %s", path)
	}
	colIndex := make(map[string]int, len(header))
	columns := make([]string, 0, len(header))
	for i, col := range header {
		col = strings.TrimSpace(strings.ToLower(col))
		colIndex[col] = i
		columns = append(columns, col)
	}

	split := &RawSplit{name: name, path: path, columns: columns}
	for rowIdx := 0; ; rowIdx++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "%s row %d", path, rowIdx)
		}
		ex := Example{Index: rowIdx, Label: NoLabel, Fields: make(map[string]string, len(header))}
		for col, i := range colIndex {
			if i >= len(record) {
				continue
			}
			switch col {
			case rawLabelColumn:
				label, err := parseLabel(record[i])
				if err != nil {
					return nil, errors.Wrapf(err, "%s row %d: label", path, rowIdx)
				}
				ex.Label = label
			case rawIndexColumn:
				if idx, err := parseLabel(record[i]); err == nil {
					ex.Index = int(idx)
				}
			default:
				ex.Fields[col] = record[i]
			}
		}
		split.examples = append(split.examples, ex)
	}
	return split, nil
}

// DiscoverSplits returns split files under dir keyed by split name. When a
// split exists in both formats the .jsonl file wins.
func DiscoverSplits(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "list splits in %s", dir)
	}
	found := map[string]string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if splitFormat(e.Name()) == "" {
			continue
		}
		name := splitName(e.Name())
		if prev, ok := found[name]; ok && strings.HasSuffix(prev, ".jsonl") {
			continue
		}
		found[name] = filepath.Join(dir, e.Name())
	}
	return found, nil
}

// SortedSplitNames returns the keys of splits in lexical order, which keeps
// "validation_matched" ahead of "validation_mismatched".
func SortedSplitNames(splits map[string]string) []string {
	names := make([]string, 0, len(splits))
	for name := range splits {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// splitFormat returns the lower-cased extension of a supported split file,
// or "" when path is not one.
func splitFormat(path string) string {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".jsonl", ".csv":
		return ext
	}
	return ""
}

func splitName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func appendColumns(columns []string, seen map[string]bool, keys []string) []string {
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			columns = append(columns, k)
		}
	}
	return columns
}
