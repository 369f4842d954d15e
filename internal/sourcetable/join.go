package sourcetable

import (
	"errors"
	"strings"
)

// KeyTypeWBEM marks join keys that are WBEM object paths.
const KeyTypeWBEM = "WBEM"

// ErrInvalidJoin is returned when a join precondition does not hold.
var ErrInvalidJoin = errors.New("invalid table join")

// JoinSpec describes how two tables are joined.
type JoinSpec struct {
	// LeftKeyColumn and RightKeyColumn are 1-based.
	LeftKeyColumn  int
	RightKeyColumn int
	// DefaultRightLine is appended to left rows without a match, split on
	// Separator. When empty, unmatched left rows are dropped.
	DefaultRightLine string
	Separator        string
	KeyType          string
	CaseInsensitive  bool
}

// Join joins left and right on key-column equality. Every matching right row
// produces one output row made of the left cells followed by the right cells.
func Join(left, right [][]string, spec JoinSpec) ([][]string, error) {
	if left == nil || right == nil {
		return nil, ErrInvalidJoin
	}
	if spec.LeftKeyColumn < 1 || spec.RightKeyColumn < 1 {
		return nil, ErrInvalidJoin
	}

	sep := spec.Separator
	if sep == "" {
		sep = DefaultSeparator
	}
	var defaultRight []string
	if spec.DefaultRightLine != "" {
		defaultRight = LineToRow(spec.DefaultRightLine, sep)
	}

	foldCase := spec.CaseInsensitive || strings.EqualFold(spec.KeyType, KeyTypeWBEM)
	normalize := func(v string) string {
		if strings.EqualFold(spec.KeyType, KeyTypeWBEM) {
			v = normalizeWBEMPath(v)
		}
		if foldCase {
			return strings.ToLower(v)
		}
		return v
	}

	index := make(map[string][][]string)
	for _, row := range right {
		if spec.RightKeyColumn > len(row) {
			continue
		}
		k := normalize(row[spec.RightKeyColumn-1])
		index[k] = append(index[k], row)
	}

	result := make([][]string, 0, len(left))
	for _, row := range left {
		if spec.LeftKeyColumn > len(row) {
			continue
		}
		matches := index[normalize(row[spec.LeftKeyColumn-1])]
		if len(matches) == 0 {
			if defaultRight != nil {
				result = append(result, concatRows(row, defaultRight))
			}
			continue
		}
		for _, match := range matches {
			result = append(result, concatRows(row, match))
		}
	}
	return result, nil
}

// Union concatenates the rows of every table, in order.
func Union(tables ...SourceTable) SourceTable {
	var (
		rows [][]string
		raws []string
	)
	for _, t := range tables {
		for _, row := range t.Table {
			rows = append(rows, append([]string(nil), row...))
		}
		if t.RawData != "" {
			raws = append(raws, t.RawData)
		}
	}
	return SourceTable{Table: rows, RawData: strings.Join(raws, "\n")}
}

func concatRows(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

// normalizeWBEMPath strips the host part of a WBEM object path so that paths
// returned by different queries on the same server compare equal.
func normalizeWBEMPath(path string) string {
	if !strings.HasPrefix(path, "//") {
		return path
	}
	rest := path[2:]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[i+1:]
	}
	return rest
}
