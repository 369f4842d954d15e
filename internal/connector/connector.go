// Package connector is the in-memory object graph of a connector definition:
// monitor jobs, sources, computes, mappings and detection criteria. Connectors
// are immutable once loaded and are shared by every collection cycle.
package connector

import (
	"slices"
	"sort"
	"strings"
)

// HostType is the family of the monitored system.
type HostType string

const (
	HostWindows HostType = "windows"
	HostLinux   HostType = "linux"
	HostSolaris HostType = "solaris"
	HostAIX     HostType = "aix"
	HostHPUX    HostType = "hpux"
	HostStorage HostType = "storage"
	HostNetwork HostType = "network"
	// HostOOB is an out-of-band management card (BMC, iLO, iDRAC).
	HostOOB HostType = "oob"
)

// IsUnix reports whether the host runs a Unix-like operating system.
func (h HostType) IsUnix() bool {
	switch h {
	case HostLinux, HostSolaris, HostAIX, HostHPUX:
		return true
	}
	return false
}

// Valid reports whether h is a known host type.
func (h HostType) Valid() bool {
	return h.IsUnix() || h == HostWindows || h == HostStorage || h == HostNetwork || h == HostOOB
}

// JobKind tells a discovery job from a collect job.
type JobKind string

const (
	JobDiscovery JobKind = "discovery"
	JobCollect   JobKind = "collect"
)

// CollectType tells how the rows of a collect job map onto monitors.
type CollectType string

const (
	// MonoInstance jobs update one already known monitor per execution.
	MonoInstance CollectType = "monoInstance"
	// MultiInstance jobs update many monitors matched through attribute keys.
	MultiInstance CollectType = "multiInstance"
)

// MetricType is the kind of value a metric holds.
type MetricType string

const (
	MetricGauge    MetricType = "gauge"
	MetricCounter  MetricType = "counter"
	MetricStateSet MetricType = "stateSet"
)

// MetricDefinition describes a metric a connector can produce.
type MetricDefinition struct {
	Unit        string     `yaml:"unit"`
	Description string     `yaml:"description"`
	Type        MetricType `yaml:"type"`
	States      []string   `yaml:"states"`
}

// Mapping binds extraction expressions to the table of one source.
type Mapping struct {
	Source               string            `yaml:"source"`
	Attributes           map[string]string `yaml:"attributes"`
	Metrics              map[string]string `yaml:"metrics"`
	LegacyTextParameters map[string]string `yaml:"legacyTextParameters"`
}

// Job is the discovery or collect part of a monitor job.
type Job struct {
	Kind           JobKind
	Sources        []Source
	Dependencies   map[string][]string
	ExecutionOrder []string
	Mappings       []Mapping
	CollectType    CollectType
	// Keys are the attribute names matched by multi-instance collects.
	Keys []string
}

// IsMonoInstance reports whether the job updates one known monitor at a time.
func (j *Job) IsMonoInstance() bool {
	return j.Kind == JobCollect && j.CollectType == MonoInstance
}

// MonitorJob groups the jobs of one monitor type.
type MonitorJob struct {
	MonitorType string
	Discovery   *Job
	Collect     *Job
}

// Connector is a loaded connector definition.
type Connector struct {
	// ID is the compiled file name of the connector.
	ID                string
	DisplayName       string
	Detection         *Detection
	PreSources        []Source
	PreDependencies   map[string][]string
	Jobs              map[string]*MonitorJob
	Metrics           map[string]MetricDefinition
	TranslationTables map[string]map[string]string
	EmbeddedFiles     map[string]string
}

// MonitorTypes returns the monitor types with a job, sorted.
func (c *Connector) MonitorTypes() []string {
	types := make([]string, 0, len(c.Jobs))
	for t := range c.Jobs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// MetricDefinition looks up the definition of a metric by name. Attribute
// qualifiers such as `hw.status{hw.type="fan"}` are ignored.
func (c *Connector) MetricDefinition(name string) (MetricDefinition, bool) {
	if c.Metrics == nil {
		return MetricDefinition{}, false
	}
	if def, ok := c.Metrics[name]; ok {
		return def, true
	}
	if i := strings.IndexByte(name, '{'); i > 0 {
		def, ok := c.Metrics[name[:i]]
		return def, ok
	}
	return MetricDefinition{}, false
}

// Detection holds the criteria a host must satisfy for the connector to apply.
type Detection struct {
	AppliesTo  []HostType
	Criteria   []Criterion
	Supersedes []string
}

// AppliesToHost reports whether the connector targets the given host type.
func (d *Detection) AppliesToHost(h HostType) bool {
	if d == nil || len(d.AppliesTo) == 0 {
		return true
	}
	return slices.Contains(d.AppliesTo, h)
}

// Store is the catalog of loaded connectors.
type Store struct {
	connectors map[string]*Connector
}

// NewStore builds a catalog. Later connectors replace earlier ones with the same ID.
func NewStore(connectors ...*Connector) *Store {
	s := &Store{connectors: make(map[string]*Connector, len(connectors))}
	for _, c := range connectors {
		s.connectors[c.ID] = c
	}
	return s
}

// Get returns a connector by ID.
func (s *Store) Get(id string) (*Connector, bool) {
	c, ok := s.connectors[id]
	return c, ok
}

// All returns every connector sorted by ID.
func (s *Store) All() []*Connector {
	out := make([]*Connector, 0, len(s.connectors))
	for _, c := range s.connectors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of connectors.
func (s *Store) Len() int {
	return len(s.connectors)
}
