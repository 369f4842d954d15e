package connector

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// The YAML documents below mirror the in-memory graph field by field. Every
// variant is a flat document with a `type:` discriminator.

type connectorDoc struct {
	ID                string                       `yaml:"id"`
	DisplayName       string                       `yaml:"displayName"`
	Detection         *detectionDoc                `yaml:"detection"`
	PreSources        []sourceDoc                  `yaml:"preSources"`
	Monitors          map[string]monitorDoc        `yaml:"monitors"`
	Metrics           map[string]MetricDefinition  `yaml:"metrics"`
	TranslationTables map[string]map[string]string `yaml:"translationTables"`
	EmbeddedFiles     map[string]string            `yaml:"embeddedFiles"`
}

type detectionDoc struct {
	AppliesTo  []HostType     `yaml:"appliesTo"`
	Supersedes []string       `yaml:"supersedes"`
	Criteria   []criterionDoc `yaml:"criteria"`
}

type monitorDoc struct {
	Discovery *jobDoc `yaml:"discovery"`
	Collect   *jobDoc `yaml:"collect"`
}

type jobDoc struct {
	Type           CollectType         `yaml:"type"`
	Keys           []string            `yaml:"keys"`
	Sources        []sourceDoc         `yaml:"sources"`
	Dependencies   map[string][]string `yaml:"dependencies"`
	ExecutionOrder []string            `yaml:"executionOrder"`
	Mappings       []Mapping           `yaml:"mappings"`
}

type sourceDoc struct {
	Type     string       `yaml:"type"`
	Key      string       `yaml:"key"`
	Computes []computeDoc `yaml:"computes"`

	Method                string `yaml:"method"`
	URL                   string `yaml:"url"`
	Header                string `yaml:"header"`
	Body                  string `yaml:"body"`
	ResultContent         string `yaml:"resultContent"`
	ExecuteForEachEntryOf string `yaml:"executeForEachEntryOf"`
	EntryConcatMethod     string `yaml:"entryConcatMethod"`
	EntryConcatStart      string `yaml:"entryConcatStart"`
	EntryConcatEnd        string `yaml:"entryConcatEnd"`

	OID           string   `yaml:"oid"`
	SelectColumns []string `yaml:"selectColumns"`

	Query     string `yaml:"query"`
	Namespace string `yaml:"namespace"`

	CommandLine       string `yaml:"commandLine"`
	Timeout           int    `yaml:"timeout"`
	ExecuteLocally    bool   `yaml:"executeLocally"`
	ExcludeRegExp     string `yaml:"exclude"`
	KeepOnlyRegExp    string `yaml:"keep"`
	BeginAtLineNumber int    `yaml:"beginAtLineNumber"`
	EndAtLineNumber   int    `yaml:"endAtLineNumber"`
	Separators        string `yaml:"separators"`
	Port              int    `yaml:"port"`
	Steps             []Step `yaml:"steps"`

	Reference string `yaml:"reference"`
	Value     string `yaml:"value"`
	Separator string `yaml:"separator"`

	LeftTable        string   `yaml:"leftTable"`
	RightTable       string   `yaml:"rightTable"`
	LeftKeyColumn    int      `yaml:"leftKeyColumn"`
	RightKeyColumn   int      `yaml:"rightKeyColumn"`
	DefaultRightLine string   `yaml:"defaultRightLine"`
	KeyType          string   `yaml:"keyType"`
	CaseInsensitive  bool     `yaml:"caseInsensitive"`
	Tables           []string `yaml:"tables"`
}

type computeDoc struct {
	Type             string   `yaml:"type"`
	Column           int      `yaml:"column"`
	Value            string   `yaml:"value"`
	Existing         string   `yaml:"existingValue"`
	New              string   `yaml:"newValue"`
	RegExp           string   `yaml:"regExp"`
	ValueList        []string `yaml:"valueList"`
	Columns          []int    `yaml:"columns"`
	TranslationTable string   `yaml:"translationTable"`
	Op               string   `yaml:"op"`
	Start            int      `yaml:"start"`
	Length           int      `yaml:"length"`
	SubColumn        int      `yaml:"subColumn"`
	SubSeparators    string   `yaml:"subSeparators"`
	EntryKey         string   `yaml:"entryKey"`
	Properties       []string `yaml:"properties"`
}

type criterionDoc struct {
	Type           string     `yaml:"type"`
	Keep           []HostType `yaml:"keep"`
	Exclude        []HostType `yaml:"exclude"`
	Method         string     `yaml:"method"`
	URL            string     `yaml:"url"`
	Header         string     `yaml:"header"`
	Body           string     `yaml:"body"`
	ResultContent  string     `yaml:"resultContent"`
	ExpectedResult string     `yaml:"expectedResult"`
	OID            string     `yaml:"oid"`
	Query          string     `yaml:"query"`
	Namespace      string     `yaml:"namespace"`
	CommandLine    string     `yaml:"commandLine"`
	ExecuteLocally bool       `yaml:"executeLocally"`
	Timeout        int        `yaml:"timeout"`
	Name           string     `yaml:"name"`
}

// UnmarshalYAML lets steps be written as {type: waitFor, text: ...}.
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	var doc struct {
		Type    StepKind `yaml:"type"`
		Text    string   `yaml:"text"`
		Timeout int      `yaml:"timeout"`
		Capture bool     `yaml:"capture"`
	}
	if err := node.Decode(&doc); err != nil {
		return err
	}
	*s = Step{Kind: doc.Type, Text: doc.Text, TimeoutSeconds: doc.Timeout, Capture: doc.Capture}
	return nil
}

// LoadDir loads every *.yaml and *.yml file of dir. The file name without
// extension is the connector ID unless the document sets one.
func LoadDir(dir string) (*Store, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read connector directory: %w", err)
	}

	var connectors []*Connector
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read connector %s: %w", entry.Name(), err)
		}
		c, err := Parse(strings.TrimSuffix(entry.Name(), ext), data)
		if err != nil {
			return nil, fmt.Errorf("connector %s: %w", entry.Name(), err)
		}
		connectors = append(connectors, c)
	}
	return NewStore(connectors...), nil
}

// Parse decodes one connector document.
func Parse(defaultID string, data []byte) (*Connector, error) {
	var doc connectorDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse connector: %w", err)
	}

	c := &Connector{
		ID:                doc.ID,
		DisplayName:       doc.DisplayName,
		Jobs:              make(map[string]*MonitorJob, len(doc.Monitors)),
		Metrics:           doc.Metrics,
		TranslationTables: doc.TranslationTables,
		EmbeddedFiles:     doc.EmbeddedFiles,
	}
	if c.ID == "" {
		c.ID = defaultID
	}
	if c.DisplayName == "" {
		c.DisplayName = c.ID
	}

	if doc.Detection != nil {
		c.Detection = &Detection{AppliesTo: doc.Detection.AppliesTo, Supersedes: doc.Detection.Supersedes}
		for i, cd := range doc.Detection.Criteria {
			crit, err := cd.build()
			if err != nil {
				return nil, fmt.Errorf("criterion %d: %w", i+1, err)
			}
			c.Detection.Criteria = append(c.Detection.Criteria, crit)
		}
	}

	for i, sd := range doc.PreSources {
		src, err := sd.build(PreSourceKey(i + 1))
		if err != nil {
			return nil, fmt.Errorf("pre-source %d: %w", i+1, err)
		}
		c.PreSources = append(c.PreSources, src)
	}
	c.PreDependencies = DeriveDependencies(c.PreSources)

	for monitorType, md := range doc.Monitors {
		mj := &MonitorJob{MonitorType: monitorType}
		var err error
		if md.Discovery != nil {
			if mj.Discovery, err = md.Discovery.build(monitorType, JobDiscovery); err != nil {
				return nil, fmt.Errorf("%s discovery: %w", monitorType, err)
			}
		}
		if md.Collect != nil {
			if mj.Collect, err = md.Collect.build(monitorType, JobCollect); err != nil {
				return nil, fmt.Errorf("%s collect: %w", monitorType, err)
			}
		}
		c.Jobs[monitorType] = mj
	}
	return c, nil
}

func (jd *jobDoc) build(monitorType string, kind JobKind) (*Job, error) {
	job := &Job{
		Kind:           kind,
		ExecutionOrder: jd.ExecutionOrder,
		Mappings:       jd.Mappings,
		Keys:           jd.Keys,
	}
	if kind == JobCollect {
		job.CollectType = jd.Type
		if job.CollectType == "" {
			job.CollectType = MultiInstance
		}
		if job.CollectType != MonoInstance && job.CollectType != MultiInstance {
			return nil, fmt.Errorf("unknown collect type %q", jd.Type)
		}
		if job.CollectType == MultiInstance && len(job.Keys) == 0 {
			job.Keys = []string{"id"}
		}
	}
	for i, sd := range jd.Sources {
		src, err := sd.build(SourceKey(monitorType, kind, i+1))
		if err != nil {
			return nil, fmt.Errorf("source %d: %w", i+1, err)
		}
		job.Sources = append(job.Sources, src)
	}

	job.Dependencies = DeriveDependencies(job.Sources)
	for key, deps := range jd.Dependencies {
		job.Dependencies[key] = appendUnique(job.Dependencies[key], deps...)
	}
	if _, err := OrderSources(job.Sources, job.ExecutionOrder, job.Dependencies); err != nil {
		return nil, err
	}
	return job, nil
}

func (sd *sourceDoc) build(defaultKey string) (Source, error) {
	base := SourceBase{SourceKey: sd.Key}
	if base.SourceKey == "" {
		base.SourceKey = defaultKey
	}
	for i, cd := range sd.Computes {
		comp, err := cd.build()
		if err != nil {
			return nil, fmt.Errorf("compute %d: %w", i+1, err)
		}
		base.ComputeSteps = append(base.ComputeSteps, comp)
	}

	filter := LineFilter{
		ExcludeRegExp:     sd.ExcludeRegExp,
		KeepOnlyRegExp:    sd.KeepOnlyRegExp,
		BeginAtLineNumber: sd.BeginAtLineNumber,
		EndAtLineNumber:   sd.EndAtLineNumber,
		Separators:        sd.Separators,
	}
	if SourceKind(sd.Type) == KindOSCommand || SourceKind(sd.Type) == KindSSHInteractive {
		for _, col := range sd.SelectColumns {
			n, err := strconv.Atoi(strings.TrimSpace(col))
			if err != nil {
				return nil, fmt.Errorf("invalid select column %q", col)
			}
			filter.SelectColumns = append(filter.SelectColumns, n)
		}
	}

	switch SourceKind(sd.Type) {
	case KindHTTP:
		s := &HTTPSource{
			SourceBase:    base,
			Method:        sd.Method,
			URL:           sd.URL,
			Header:        sd.Header,
			Body:          sd.Body,
			ResultContent: sd.ResultContent,
		}
		if sd.ExecuteForEachEntryOf != "" {
			s.ExecuteForEachEntryOf = &EntryBinding{
				Source:      sd.ExecuteForEachEntryOf,
				Concat:      EntryConcatMethod(strings.ToUpper(sd.EntryConcatMethod)),
				ConcatStart: sd.EntryConcatStart,
				ConcatEnd:   sd.EntryConcatEnd,
			}
		}
		return s, nil
	case KindSNMPGet:
		return &SNMPGetSource{SourceBase: base, OID: sd.OID}, nil
	case KindSNMPTable:
		return &SNMPTableSource{SourceBase: base, OID: sd.OID, SelectColumns: sd.SelectColumns}, nil
	case KindWBEM:
		return &WBEMSource{SourceBase: base, Query: sd.Query, Namespace: sd.Namespace}, nil
	case KindWMI:
		return &WMISource{SourceBase: base, Query: sd.Query, Namespace: sd.Namespace}, nil
	case KindIPMI:
		return &IPMISource{SourceBase: base}, nil
	case KindOSCommand:
		return &OSCommandSource{
			SourceBase:     base,
			LineFilter:     filter,
			CommandLine:    sd.CommandLine,
			TimeoutSeconds: sd.Timeout,
			ExecuteLocally: sd.ExecuteLocally,
		}, nil
	case KindSSHInteractive:
		return &SSHInteractiveSource{SourceBase: base, LineFilter: filter, Port: sd.Port, Steps: sd.Steps}, nil
	case KindReference:
		return &ReferenceSource{SourceBase: base, Reference: sd.Reference}, nil
	case KindStatic:
		return &StaticSource{SourceBase: base, Value: sd.Value, Separator: sd.Separator}, nil
	case KindTableJoin:
		return &TableJoinSource{
			SourceBase:       base,
			LeftTable:        sd.LeftTable,
			RightTable:       sd.RightTable,
			LeftKeyColumn:    sd.LeftKeyColumn,
			RightKeyColumn:   sd.RightKeyColumn,
			DefaultRightLine: sd.DefaultRightLine,
			KeyType:          sd.KeyType,
			CaseInsensitive:  sd.CaseInsensitive,
		}, nil
	case KindTableUnion:
		return &TableUnionSource{SourceBase: base, Tables: sd.Tables}, nil
	}
	return nil, fmt.Errorf("unknown source type %q", sd.Type)
}

func (cd *computeDoc) build() (Compute, error) {
	switch cd.Type {
	case "leftConcat":
		return LeftConcat{Column: cd.Column, Value: cd.Value}, nil
	case "rightConcat":
		return RightConcat{Column: cd.Column, Value: cd.Value}, nil
	case "replace":
		return Replace{Column: cd.Column, Existing: cd.Existing, New: cd.New}, nil
	case "keepOnlyMatchingLines":
		return KeepOnlyMatchingLines{Column: cd.Column, RegExp: cd.RegExp, ValueList: cd.ValueList}, nil
	case "excludeMatchingLines":
		return ExcludeMatchingLines{Column: cd.Column, RegExp: cd.RegExp, ValueList: cd.ValueList}, nil
	case "keepColumns":
		return KeepColumns{Columns: cd.Columns}, nil
	case "duplicateColumn":
		return DuplicateColumn{Column: cd.Column}, nil
	case "translate":
		return Translate{Column: cd.Column, TranslationTable: cd.TranslationTable}, nil
	case "add", "subtract", "multiply", "divide":
		return Arithmetic{Op: ArithmeticOp(cd.Type), Column: cd.Column, Value: cd.Value}, nil
	case "substring":
		return Substring{Column: cd.Column, Start: cd.Start, Length: cd.Length}, nil
	case "extract":
		return Extract{Column: cd.Column, SubColumn: cd.SubColumn, SubSeparators: cd.SubSeparators}, nil
	case "json2csv":
		return JSON2CSV{EntryKey: cd.EntryKey, Properties: cd.Properties}, nil
	}
	return nil, fmt.Errorf("unknown compute type %q", cd.Type)
}

func (cd *criterionDoc) build() (Criterion, error) {
	switch cd.Type {
	case "deviceType":
		return DeviceTypeCriterion{Keep: cd.Keep, Exclude: cd.Exclude}, nil
	case "http":
		return HTTPCriterion{
			Method:         cd.Method,
			URL:            cd.URL,
			Header:         cd.Header,
			Body:           cd.Body,
			ResultContent:  cd.ResultContent,
			ExpectedResult: cd.ExpectedResult,
		}, nil
	case "snmpGet":
		return SNMPGetCriterion{OID: cd.OID, ExpectedResult: cd.ExpectedResult}, nil
	case "snmpGetNext":
		return SNMPGetNextCriterion{OID: cd.OID, ExpectedResult: cd.ExpectedResult}, nil
	case "wbem":
		return WBEMCriterion{Query: cd.Query, Namespace: cd.Namespace, ExpectedResult: cd.ExpectedResult}, nil
	case "wmi":
		return WMICriterion{Query: cd.Query, Namespace: cd.Namespace, ExpectedResult: cd.ExpectedResult}, nil
	case "osCommand":
		return OSCommandCriterion{
			CommandLine:    cd.CommandLine,
			ExpectedResult: cd.ExpectedResult,
			ExecuteLocally: cd.ExecuteLocally,
			TimeoutSeconds: cd.Timeout,
		}, nil
	case "ipmi":
		return IPMICriterion{}, nil
	case "process":
		return ProcessCriterion{CommandLine: cd.CommandLine}, nil
	case "service":
		return ServiceCriterion{Name: cd.Name}, nil
	}
	return nil, fmt.Errorf("unknown criterion type %q", cd.Type)
}

var sourceRefPattern = regexp.MustCompile(`[\w.-]+\.source\(\d+\)`)

// DeriveDependencies finds, for every source, the other sources it reads:
// reference, join and union tables, per-entry bindings and any source key
// mentioned in its text fields.
func DeriveDependencies(sources []Source) map[string][]string {
	deps := make(map[string][]string, len(sources))
	for _, s := range sources {
		var refs []string
		switch v := s.(type) {
		case *ReferenceSource:
			refs = append(refs, v.Reference)
		case *TableJoinSource:
			refs = append(refs, v.LeftTable, v.RightTable)
		case *TableUnionSource:
			refs = append(refs, v.Tables...)
		case *HTTPSource:
			if v.ExecuteForEachEntryOf != nil {
				refs = append(refs, v.ExecuteForEachEntryOf.Source)
			}
			refs = append(refs, sourceRefPattern.FindAllString(v.URL+" "+v.Header+" "+v.Body, -1)...)
		case *OSCommandSource:
			refs = append(refs, sourceRefPattern.FindAllString(v.CommandLine, -1)...)
		}
		var clean []string
		for _, r := range refs {
			if r != "" && r != s.Key() {
				clean = appendUnique(clean, r)
			}
		}
		if len(clean) > 0 {
			sort.Strings(clean)
			deps[s.Key()] = clean
		}
	}
	return deps
}

func appendUnique(list []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, existing := range list {
			if existing == v {
				found = true
				break
			}
		}
		if !found {
			list = append(list, v)
		}
	}
	return list
}
