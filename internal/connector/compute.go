package connector

// Compute is a post-processing step applied to a source table. Computes of a
// source run in declared order; see package compute for their semantics.
type Compute interface {
	ComputeKind() string
}

// Column numbers in computes are 1-based. Value fields may be a literal or a
// "$N" reference to another column of the same row.

type LeftConcat struct {
	Column int
	Value  string
}

type RightConcat struct {
	Column int
	Value  string
}

type Replace struct {
	Column   int
	Existing string
	New      string
}

type KeepOnlyMatchingLines struct {
	Column    int
	RegExp    string
	ValueList []string
}

type ExcludeMatchingLines struct {
	Column    int
	RegExp    string
	ValueList []string
}

type KeepColumns struct {
	Columns []int
}

type DuplicateColumn struct {
	Column int
}

// Translate replaces a cell through one of the connector translation tables.
type Translate struct {
	Column           int
	TranslationTable string
}

// ArithmeticOp is the operator of an Arithmetic compute.
type ArithmeticOp string

const (
	OpAdd      ArithmeticOp = "add"
	OpSubtract ArithmeticOp = "subtract"
	OpMultiply ArithmeticOp = "multiply"
	OpDivide   ArithmeticOp = "divide"
)

type Arithmetic struct {
	Op     ArithmeticOp
	Column int
	Value  string
}

// Substring keeps Length characters starting at the 1-based Start.
type Substring struct {
	Column int
	Start  int
	Length int
}

// Extract replaces a cell with one of its sub-fields.
type Extract struct {
	Column        int
	SubColumn     int
	SubSeparators string
}

// JSON2CSV converts the raw JSON payload into rows. EntryKey is a slash
// separated path to the array (or object) of entries.
type JSON2CSV struct {
	EntryKey   string
	Properties []string
}

func (LeftConcat) ComputeKind() string            { return "leftConcat" }
func (RightConcat) ComputeKind() string           { return "rightConcat" }
func (Replace) ComputeKind() string               { return "replace" }
func (KeepOnlyMatchingLines) ComputeKind() string { return "keepOnlyMatchingLines" }
func (ExcludeMatchingLines) ComputeKind() string  { return "excludeMatchingLines" }
func (KeepColumns) ComputeKind() string           { return "keepColumns" }
func (DuplicateColumn) ComputeKind() string       { return "duplicateColumn" }
func (Translate) ComputeKind() string             { return "translate" }
func (Arithmetic) ComputeKind() string            { return "arithmetic" }
func (Substring) ComputeKind() string             { return "substring" }
func (Extract) ComputeKind() string               { return "extract" }
func (JSON2CSV) ComputeKind() string              { return "json2csv" }
