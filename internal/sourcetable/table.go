// Package sourcetable holds the tabular result of a source execution and the
// per-connector store the results are published into.
package sourcetable

import (
	"strings"
)

// DefaultSeparator is the cell separator used when a source does not declare one.
const DefaultSeparator = ";"

// SourceTable is the result of executing a source: rows of string cells, optional
// column headers and an optional raw payload for answers that are not tabular.
type SourceTable struct {
	Table   [][]string
	Headers []string
	RawData string
}

// Empty returns the canonical empty table.
func Empty() SourceTable {
	return SourceTable{}
}

// FromRaw wraps a raw text payload.
func FromRaw(raw string) SourceTable {
	return SourceTable{RawData: raw}
}

// FromRows wraps rows without headers.
func FromRows(rows [][]string) SourceTable {
	return SourceTable{Table: rows}
}

// IsEmpty reports whether both the rows and the raw payload are absent.
func (t SourceTable) IsEmpty() bool {
	return len(t.Table) == 0 && t.RawData == ""
}

// RowCount returns the number of rows.
func (t SourceTable) RowCount() int {
	return len(t.Table)
}

// Copy returns a deep copy: mutating the copy's rows never touches the receiver.
func (t SourceTable) Copy() SourceTable {
	out := SourceTable{RawData: t.RawData}
	if t.Table != nil {
		out.Table = make([][]string, len(t.Table))
		for i, row := range t.Table {
			out.Table[i] = append([]string(nil), row...)
		}
	}
	if t.Headers != nil {
		out.Headers = append([]string(nil), t.Headers...)
	}
	return out
}

// RowToLine serializes a row, appending the trailing separator.
func RowToLine(row []string, sep string) string {
	var b strings.Builder
	for _, cell := range row {
		b.WriteString(cell)
		b.WriteString(sep)
	}
	return b.String()
}

// TableToCSV serializes every row with RowToLine, rows separated by newlines.
func TableToCSV(table [][]string, sep string) string {
	if len(table) == 0 {
		return ""
	}
	lines := make([]string, 0, len(table))
	for _, row := range table {
		lines = append(lines, RowToLine(row, sep))
	}
	return strings.Join(lines, "\n")
}

// LineToRow splits one serialized line back into cells. The trailing separator
// written by RowToLine is dropped, every other empty cell is kept.
func LineToRow(line, sep string) []string {
	line = strings.TrimSuffix(line, "\r")
	if sep == "" {
		return []string{line}
	}
	return strings.Split(strings.TrimSuffix(line, sep), sep)
}

// CSVToTable parses the output of TableToCSV. A blank line between rows is a
// row without cells; blank lines at the end are dropped, so a table whose last
// row has no cells does not survive the round trip.
func CSVToTable(csv, sep string) [][]string {
	table := [][]string{}
	lines := strings.Split(csv, "\n")
	for len(lines) > 0 && strings.TrimSuffix(lines[len(lines)-1], "\r") == "" {
		lines = lines[:len(lines)-1]
	}
	for _, line := range lines {
		if strings.TrimSuffix(line, "\r") == "" {
			table = append(table, []string{})
			continue
		}
		table = append(table, LineToRow(line, sep))
	}
	return table
}

// SplitAny splits a line on every character of separators, keeping empty cells.
// Command-line sources may declare several separator characters at once.
func SplitAny(line, separators string) []string {
	if separators == "" {
		return []string{line}
	}
	var (
		cells []string
		cur   strings.Builder
	)
	for _, r := range line {
		if strings.ContainsRune(separators, r) {
			cells = append(cells, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteRune(r)
	}
	return append(cells, cur.String())
}
