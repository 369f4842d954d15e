// Package compute applies the post-processing steps declared on a source to
// the table it produced.
package compute

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/nmslite/collector/internal/connector"
	"github.com/nmslite/collector/internal/sourcetable"
)

var (
	ErrColumnOutOfRange   = errors.New("column out of range")
	ErrUnknownTranslation = errors.New("unknown translation table")
	ErrUnsupportedCompute = errors.New("unsupported compute")
)

var columnRef = regexp.MustCompile(`^\$(\d+)$`)

// Apply runs computes over a copy of table in declared order. The first
// failing compute stops the chain; callers publish an empty table instead.
func Apply(table sourcetable.SourceTable, computes []connector.Compute, conn *connector.Connector) (sourcetable.SourceTable, error) {
	if len(computes) == 0 {
		return table, nil
	}
	out := table.Copy()
	for i, c := range computes {
		var err error
		out, err = applyOne(out, c, conn)
		if err != nil {
			return sourcetable.Empty(), fmt.Errorf("compute %d (%s): %w", i+1, c.ComputeKind(), err)
		}
	}
	return out, nil
}

func applyOne(t sourcetable.SourceTable, c connector.Compute, conn *connector.Connector) (sourcetable.SourceTable, error) {
	switch v := c.(type) {
	case connector.LeftConcat:
		return eachCell(t, v.Column, func(row []string, cell string) (string, error) {
			return resolveValue(v.Value, row) + cell, nil
		})
	case connector.RightConcat:
		return eachCell(t, v.Column, func(row []string, cell string) (string, error) {
			return cell + resolveValue(v.Value, row), nil
		})
	case connector.Replace:
		return eachCell(t, v.Column, func(row []string, cell string) (string, error) {
			return strings.ReplaceAll(cell, resolveValue(v.Existing, row), resolveValue(v.New, row)), nil
		})
	case connector.KeepOnlyMatchingLines:
		return filterRows(t, v.Column, v.RegExp, v.ValueList, true)
	case connector.ExcludeMatchingLines:
		return filterRows(t, v.Column, v.RegExp, v.ValueList, false)
	case connector.KeepColumns:
		return keepColumns(t, v.Columns)
	case connector.DuplicateColumn:
		return duplicateColumn(t, v.Column)
	case connector.Translate:
		return translate(t, v, conn)
	case connector.Arithmetic:
		return arithmetic(t, v)
	case connector.Substring:
		return eachCell(t, v.Column, func(_ []string, cell string) (string, error) {
			return substring(cell, v.Start, v.Length), nil
		})
	case connector.Extract:
		return eachCell(t, v.Column, func(_ []string, cell string) (string, error) {
			parts := sourcetable.SplitAny(cell, v.SubSeparators)
			if v.SubColumn < 1 || v.SubColumn > len(parts) {
				return "", nil
			}
			return parts[v.SubColumn-1], nil
		})
	case connector.JSON2CSV:
		return json2csv(t, v)
	}
	return t, fmt.Errorf("%w: %T", ErrUnsupportedCompute, c)
}

// resolveValue returns the cell a "$N" value points at, or the literal.
func resolveValue(value string, row []string) string {
	m := columnRef.FindStringSubmatch(value)
	if m == nil {
		return value
	}
	n, _ := strconv.Atoi(m[1])
	if n < 1 || n > len(row) {
		return ""
	}
	return row[n-1]
}

func eachCell(t sourcetable.SourceTable, column int, fn func(row []string, cell string) (string, error)) (sourcetable.SourceTable, error) {
	if column < 1 {
		return t, fmt.Errorf("%w: %d", ErrColumnOutOfRange, column)
	}
	for _, row := range t.Table {
		if column > len(row) {
			continue
		}
		v, err := fn(row, row[column-1])
		if err != nil {
			return t, err
		}
		row[column-1] = v
	}
	return t, nil
}

func filterRows(t sourcetable.SourceTable, column int, expr string, values []string, keep bool) (sourcetable.SourceTable, error) {
	if column < 1 {
		return t, fmt.Errorf("%w: %d", ErrColumnOutOfRange, column)
	}
	var re *regexp.Regexp
	if expr != "" {
		var err error
		if re, err = regexp.Compile(expr); err != nil {
			return t, fmt.Errorf("invalid regexp %q: %w", expr, err)
		}
	}

	kept := make([][]string, 0, len(t.Table))
	for _, row := range t.Table {
		cell := ""
		if column <= len(row) {
			cell = row[column-1]
		}
		matched := (re != nil && re.MatchString(cell)) || slices.Contains(values, cell)
		if matched == keep {
			kept = append(kept, row)
		}
	}
	t.Table = kept
	return t, nil
}

func keepColumns(t sourcetable.SourceTable, columns []int) (sourcetable.SourceTable, error) {
	if len(columns) == 0 {
		return t, fmt.Errorf("%w: no column to keep", ErrColumnOutOfRange)
	}
	for _, c := range columns {
		if c < 1 {
			return t, fmt.Errorf("%w: %d", ErrColumnOutOfRange, c)
		}
	}
	for i, row := range t.Table {
		kept := make([]string, 0, len(columns))
		for _, c := range columns {
			if c <= len(row) {
				kept = append(kept, row[c-1])
			} else {
				kept = append(kept, "")
			}
		}
		t.Table[i] = kept
	}
	return t, nil
}

func duplicateColumn(t sourcetable.SourceTable, column int) (sourcetable.SourceTable, error) {
	if column < 1 {
		return t, fmt.Errorf("%w: %d", ErrColumnOutOfRange, column)
	}
	for i, row := range t.Table {
		if column > len(row) {
			continue
		}
		t.Table[i] = slices.Insert(row, column, row[column-1])
	}
	return t, nil
}

func translate(t sourcetable.SourceTable, v connector.Translate, conn *connector.Connector) (sourcetable.SourceTable, error) {
	var table map[string]string
	if conn != nil {
		table = conn.TranslationTables[v.TranslationTable]
	}
	if table == nil {
		return t, fmt.Errorf("%w: %s", ErrUnknownTranslation, v.TranslationTable)
	}
	return eachCell(t, v.Column, func(_ []string, cell string) (string, error) {
		if out, ok := table[cell]; ok {
			return out, nil
		}
		if out, ok := table[strings.ToLower(cell)]; ok {
			return out, nil
		}
		if out, ok := table["Default"]; ok {
			return out, nil
		}
		return "", nil
	})
}

func arithmetic(t sourcetable.SourceTable, v connector.Arithmetic) (sourcetable.SourceTable, error) {
	return eachCell(t, v.Column, func(row []string, cell string) (string, error) {
		left, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
		if err != nil {
			return "", nil
		}
		right, err := strconv.ParseFloat(strings.TrimSpace(resolveValue(v.Value, row)), 64)
		if err != nil {
			return "", nil
		}
		var result float64
		switch v.Op {
		case connector.OpAdd:
			result = left + right
		case connector.OpSubtract:
			result = left - right
		case connector.OpMultiply:
			result = left * right
		case connector.OpDivide:
			if right == 0 {
				return "", nil
			}
			result = left / right
		default:
			return "", fmt.Errorf("%w: arithmetic %q", ErrUnsupportedCompute, v.Op)
		}
		return strconv.FormatFloat(result, 'f', -1, 64), nil
	})
}

func substring(s string, start, length int) string {
	runes := []rune(s)
	if start < 1 || start > len(runes) {
		return ""
	}
	end := len(runes)
	if length >= 0 && start-1+length < end {
		end = start - 1 + length
	}
	return string(runes[start-1 : end])
}

func json2csv(t sourcetable.SourceTable, v connector.JSON2CSV) (sourcetable.SourceTable, error) {
	var doc any
	if err := json.Unmarshal([]byte(t.RawData), &doc); err != nil {
		return t, fmt.Errorf("invalid JSON payload: %w", err)
	}

	node := doc
	for _, part := range strings.Split(strings.Trim(v.EntryKey, "/"), "/") {
		if part == "" {
			continue
		}
		obj, ok := node.(map[string]any)
		if !ok {
			return t, fmt.Errorf("entry key %q does not resolve", v.EntryKey)
		}
		node = obj[part]
	}

	var entries []any
	switch n := node.(type) {
	case []any:
		entries = n
	case map[string]any:
		entries = []any{n}
	default:
		return t, fmt.Errorf("entry key %q does not resolve to objects", v.EntryKey)
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		row := make([]string, 0, len(v.Properties))
		for _, p := range v.Properties {
			row = append(row, jsonProperty(e, p))
		}
		rows = append(rows, row)
	}
	t.Table = rows
	t.Headers = slices.Clone(v.Properties)
	return t, nil
}

// jsonProperty follows a slash separated path inside one entry.
func jsonProperty(entry any, path string) string {
	node := entry
	for _, part := range strings.Split(path, "/") {
		obj, ok := node.(map[string]any)
		if !ok {
			return ""
		}
		node = obj[part]
	}
	switch n := node.(type) {
	case nil:
		return ""
	case string:
		return n
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(n)
	default:
		b, _ := json.Marshal(n)
		return string(b)
	}
}
