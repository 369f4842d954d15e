// Package telemetry holds the monitors discovered on a host, their metrics,
// and the per-host session state shared by the collection strategies.
package telemetry

import (
	"maps"
	"slices"
	"sort"
	"sync"
	"time"
)

// Attribute names the engine itself reads or writes.
const (
	AttrID          = "id"
	AttrConnectorID = "connector_id"
	AttrParentID    = "parent_id"
	AttrParentType  = "parent_type"
	AttrName        = "name"
	AttrHostname    = "host.name"
)

// HostMonitorType is the type of the monitor representing the host itself.
const HostMonitorType = "host"

// Monitor is a discovered resource instance.
type Monitor struct {
	mu sync.RWMutex

	monitorType          string
	id                   string
	attributes           map[string]string
	metrics              map[string]Metric
	counters             map[string]*NumberMetric
	legacyTextParameters map[string]string
	discoveryTime        time.Time
	collectTime          time.Time
}

// NewMonitor creates an empty monitor.
func NewMonitor(monitorType, id string) *Monitor {
	return &Monitor{
		monitorType:          monitorType,
		id:                   id,
		attributes:           make(map[string]string),
		metrics:              make(map[string]Metric),
		counters:             make(map[string]*NumberMetric),
		legacyTextParameters: make(map[string]string),
	}
}

func (m *Monitor) Type() string { return m.monitorType }

func (m *Monitor) ID() string { return m.id }

// Attribute returns the value of an attribute.
func (m *Monitor) Attribute(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.attributes[key]
	return v, ok
}

// Attributes returns a copy of the attribute map.
func (m *Monitor) Attributes() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.attributes)
}

func (m *Monitor) SetAttribute(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attributes[key] = value
}

// AddAttributes merges attrs into the attribute map.
func (m *Monitor) AddAttributes(attrs map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	maps.Copy(m.attributes, attrs)
}

// ConnectorID returns the connector that discovered the monitor.
func (m *Monitor) ConnectorID() string {
	v, _ := m.Attribute(AttrConnectorID)
	return v
}

// DeviceID returns the id attribute, falling back to the monitor id.
func (m *Monitor) DeviceID() string {
	if v, ok := m.Attribute(AttrID); ok && v != "" {
		return v
	}
	return m.id
}

// Metric returns a copy of a metric.
func (m *Monitor) Metric(name string) (Metric, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	metric, ok := m.metrics[name]
	if !ok {
		return nil, false
	}
	return metric.Copy(), true
}

// NumberMetric returns a copy of a numeric metric.
func (m *Monitor) NumberMetric(name string) (NumberMetric, bool) {
	metric, ok := m.Metric(name)
	if !ok {
		return NumberMetric{}, false
	}
	n, ok := metric.(*NumberMetric)
	if !ok {
		return NumberMetric{}, false
	}
	return *n, true
}

// Metrics returns copies of every metric.
func (m *Monitor) Metrics() map[string]Metric {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Metric, len(m.metrics))
	for name, metric := range m.metrics {
		out[name] = metric.Copy()
	}
	return out
}

// MetricNames returns the metric names, sorted.
func (m *Monitor) MetricNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.metrics))
	for name := range m.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetNumber records a numeric sample, keeping the previous value of an
// existing metric. A metric of another kind is replaced.
func (m *Monitor) SetNumber(name string, value float64, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.metrics[name].(*NumberMetric)
	if !ok {
		n = &NumberMetric{Name: name}
		m.metrics[name] = n
	}
	n.Set(value, at)
	m.collectTime = at
}

// SetState records a state-set sample.
func (m *Monitor) SetState(name, state string, states []string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.metrics[name].(*StateSetMetric)
	if !ok {
		s = &StateSetMetric{Name: name}
		m.metrics[name] = s
	}
	if len(states) > 0 {
		s.States = slices.Clone(states)
	}
	s.Set(state, at)
	m.collectTime = at
}

// Counter returns a copy of the raw sample kept for a differential metric.
func (m *Monitor) Counter(name string) (NumberMetric, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.counters[name]
	if !ok {
		return NumberMetric{}, false
	}
	return *c, true
}

// RecordCounter stores a raw sample for a differential metric and returns
// the updated sample with its previous value.
func (m *Monitor) RecordCounter(name string, value float64, at time.Time) NumberMetric {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[name]
	if !ok {
		c = &NumberMetric{Name: name}
		m.counters[name] = c
	}
	c.Set(value, at)
	return *c
}

// AddLegacyTextParameters merges legacy text parameters.
func (m *Monitor) AddLegacyTextParameters(params map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	maps.Copy(m.legacyTextParameters, params)
}

// LegacyTextParameters returns a copy of the legacy text parameters.
func (m *Monitor) LegacyTextParameters() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.legacyTextParameters)
}

// Save shifts every metric's current value into its previous value.
func (m *Monitor) Save() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, metric := range m.metrics {
		metric.Save()
	}
	for _, c := range m.counters {
		c.Save()
	}
}

// MarkDiscovered records the time the monitor was last seen by discovery.
func (m *Monitor) MarkDiscovered(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discoveryTime = at
}

func (m *Monitor) DiscoveryTime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.discoveryTime
}

func (m *Monitor) CollectTime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collectTime
}

// IsStale reports whether the last discovery that ran at discoveryRun did
// not see the monitor.
func (m *Monitor) IsStale(discoveryRun time.Time) bool {
	return m.DiscoveryTime().Before(discoveryRun)
}
