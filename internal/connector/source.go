package connector

import (
	"fmt"
	"slices"
)

// SourceKind identifies the variant of a source.
type SourceKind string

const (
	KindHTTP           SourceKind = "http"
	KindSNMPGet        SourceKind = "snmpGet"
	KindSNMPTable      SourceKind = "snmpTable"
	KindWBEM           SourceKind = "wbem"
	KindWMI            SourceKind = "wmi"
	KindIPMI           SourceKind = "ipmi"
	KindOSCommand      SourceKind = "osCommand"
	KindSSHInteractive SourceKind = "sshInteractive"
	KindReference      SourceKind = "reference"
	KindStatic         SourceKind = "static"
	KindTableJoin      SourceKind = "tableJoin"
	KindTableUnion     SourceKind = "tableUnion"
)

// AutomaticNamespace asks for the namespace found by auto-detection.
const AutomaticNamespace = "automatic"

// SourceKey builds the key of the n-th source of a job.
func SourceKey(monitorType string, kind JobKind, n int) string {
	return fmt.Sprintf("%s.%s.source(%d)", monitorType, kind, n)
}

// PreSourceKey builds the key of the n-th pre-collection source.
func PreSourceKey(n int) string {
	return fmt.Sprintf("pre.source(%d)", n)
}

// Source is one data-fetch step. Implementations are treated as immutable
// templates: code that needs a request-specific variant works on Clone().
type Source interface {
	Key() string
	Kind() SourceKind
	Computes() []Compute
	Clone() Source
}

// SourceBase carries the fields shared by every source.
type SourceBase struct {
	SourceKey    string
	ComputeSteps []Compute
}

// Key returns the source key.
func (b *SourceBase) Key() string { return b.SourceKey }

// Computes returns the post-processing steps in declared order.
func (b *SourceBase) Computes() []Compute { return b.ComputeSteps }

func (b SourceBase) clone() SourceBase {
	return SourceBase{SourceKey: b.SourceKey, ComputeSteps: slices.Clone(b.ComputeSteps)}
}

// EntryConcatMethod tells how per-entry HTTP results are assembled.
type EntryConcatMethod string

const (
	ConcatList              EntryConcatMethod = "LIST"
	ConcatJSONArray         EntryConcatMethod = "JSON_ARRAY"
	ConcatJSONArrayExtended EntryConcatMethod = "JSON_ARRAY_EXTENDED"
	ConcatCustom            EntryConcatMethod = "CUSTOM"
)

// EntryBinding makes an HTTP source execute once per row of another table.
type EntryBinding struct {
	Source      string
	Concat      EntryConcatMethod
	ConcatStart string
	ConcatEnd   string
}

// HTTPSource issues an HTTP request against the host.
type HTTPSource struct {
	SourceBase
	Method string
	URL    string
	Header string
	Body   string
	// ResultContent is one of body, header, http_status, all.
	ResultContent         string
	ExecuteForEachEntryOf *EntryBinding
}

func (s *HTTPSource) Kind() SourceKind { return KindHTTP }

func (s *HTTPSource) Clone() Source {
	cp := *s
	cp.SourceBase = s.SourceBase.clone()
	if s.ExecuteForEachEntryOf != nil {
		binding := *s.ExecuteForEachEntryOf
		cp.ExecuteForEachEntryOf = &binding
	}
	return &cp
}

// SNMPGetSource reads a single OID.
type SNMPGetSource struct {
	SourceBase
	OID string
}

func (s *SNMPGetSource) Kind() SourceKind { return KindSNMPGet }

func (s *SNMPGetSource) Clone() Source {
	cp := *s
	cp.SourceBase = s.SourceBase.clone()
	return &cp
}

// SNMPTableSource walks an SNMP table. SelectColumns lists column numbers;
// "ID" selects the row index.
type SNMPTableSource struct {
	SourceBase
	OID           string
	SelectColumns []string
}

func (s *SNMPTableSource) Kind() SourceKind { return KindSNMPTable }

func (s *SNMPTableSource) Clone() Source {
	cp := *s
	cp.SourceBase = s.SourceBase.clone()
	cp.SelectColumns = slices.Clone(s.SelectColumns)
	return &cp
}

// WBEMSource runs a WQL/CQL query through CIM-XML.
type WBEMSource struct {
	SourceBase
	Query     string
	Namespace string
}

func (s *WBEMSource) Kind() SourceKind { return KindWBEM }

func (s *WBEMSource) Clone() Source {
	cp := *s
	cp.SourceBase = s.SourceBase.clone()
	return &cp
}

// WMISource runs a WQL query against Windows management instrumentation.
type WMISource struct {
	SourceBase
	Query     string
	Namespace string
}

func (s *WMISource) Kind() SourceKind { return KindWMI }

func (s *WMISource) Clone() Source {
	cp := *s
	cp.SourceBase = s.SourceBase.clone()
	return &cp
}

// IPMISource reads the sensors and FRU inventory of the host.
type IPMISource struct {
	SourceBase
}

func (s *IPMISource) Kind() SourceKind { return KindIPMI }

func (s *IPMISource) Clone() Source {
	cp := *s
	cp.SourceBase = s.SourceBase.clone()
	return &cp
}

// LineFilter post-processes the text output of command-based sources.
type LineFilter struct {
	ExcludeRegExp     string
	KeepOnlyRegExp    string
	BeginAtLineNumber int
	EndAtLineNumber   int
	Separators        string
	// SelectColumns are 1-based.
	SelectColumns []int
}

// OSCommandSource runs a command line on the host or locally.
type OSCommandSource struct {
	SourceBase
	LineFilter
	CommandLine    string
	TimeoutSeconds int
	ExecuteLocally bool
}

func (s *OSCommandSource) Kind() SourceKind { return KindOSCommand }

func (s *OSCommandSource) Clone() Source {
	cp := *s
	cp.SourceBase = s.SourceBase.clone()
	cp.SelectColumns = slices.Clone(s.SelectColumns)
	return &cp
}

// StepKind identifies an interactive SSH step.
type StepKind string

const (
	StepSendText      StepKind = "sendText"
	StepSendUsername  StepKind = "sendUsername"
	StepSendPassword  StepKind = "sendPassword"
	StepWaitFor       StepKind = "waitFor"
	StepWaitForPrompt StepKind = "waitForPrompt"
	StepSleep         StepKind = "sleep"
	StepGetAvailable  StepKind = "getAvailable"
)

// Step is one action of an interactive SSH session.
type Step struct {
	Kind           StepKind
	Text           string
	TimeoutSeconds int
	// Capture adds the output read during this step to the source result.
	Capture bool
}

// SSHInteractiveSource drives an interactive shell step by step.
type SSHInteractiveSource struct {
	SourceBase
	LineFilter
	Port  int
	Steps []Step
}

func (s *SSHInteractiveSource) Kind() SourceKind { return KindSSHInteractive }

func (s *SSHInteractiveSource) Clone() Source {
	cp := *s
	cp.SourceBase = s.SourceBase.clone()
	cp.SelectColumns = slices.Clone(s.SelectColumns)
	cp.Steps = slices.Clone(s.Steps)
	return &cp
}

// ReferenceSource republishes another source's table.
type ReferenceSource struct {
	SourceBase
	Reference string
}

func (s *ReferenceSource) Kind() SourceKind { return KindReference }

func (s *ReferenceSource) Clone() Source {
	cp := *s
	cp.SourceBase = s.SourceBase.clone()
	return &cp
}

// StaticSource publishes a literal value. The value is split into cells
// when it contains Separator, or ";" when Separator is empty.
type StaticSource struct {
	SourceBase
	Value     string
	Separator string
}

func (s *StaticSource) Kind() SourceKind { return KindStatic }

func (s *StaticSource) Clone() Source {
	cp := *s
	cp.SourceBase = s.SourceBase.clone()
	return &cp
}

// TableJoinSource joins two published tables.
type TableJoinSource struct {
	SourceBase
	LeftTable        string
	RightTable       string
	LeftKeyColumn    int
	RightKeyColumn   int
	DefaultRightLine string
	KeyType          string
	CaseInsensitive  bool
}

func (s *TableJoinSource) Kind() SourceKind { return KindTableJoin }

func (s *TableJoinSource) Clone() Source {
	cp := *s
	cp.SourceBase = s.SourceBase.clone()
	return &cp
}

// TableUnionSource concatenates published tables.
type TableUnionSource struct {
	SourceBase
	Tables []string
}

func (s *TableUnionSource) Kind() SourceKind { return KindTableUnion }

func (s *TableUnionSource) Clone() Source {
	cp := *s
	cp.SourceBase = s.SourceBase.clone()
	cp.Tables = slices.Clone(s.Tables)
	return &cp
}
