package telemetry

import (
	"slices"
	"strconv"
	"time"
)

// Metric is a value collected for a monitor.
type Metric interface {
	MetricName() string
	// Save shifts the current value into the previous value.
	Save()
	Collected() time.Time
	// Text renders the current value.
	Text() string
	Copy() Metric
}

// NumberMetric is a gauge or counter value.
type NumberMetric struct {
	Name                string
	Value               float64
	PreviousValue       float64
	HasPrevious         bool
	CollectTime         time.Time
	PreviousCollectTime time.Time
}

func (m *NumberMetric) MetricName() string { return m.Name }

func (m *NumberMetric) Save() {
	if m.CollectTime.IsZero() {
		return
	}
	m.PreviousValue = m.Value
	m.PreviousCollectTime = m.CollectTime
	m.HasPrevious = true
}

func (m *NumberMetric) Collected() time.Time { return m.CollectTime }

func (m *NumberMetric) Text() string {
	return strconv.FormatFloat(m.Value, 'f', -1, 64)
}

func (m *NumberMetric) Copy() Metric {
	cp := *m
	return &cp
}

// Set records a new sample.
func (m *NumberMetric) Set(value float64, at time.Time) {
	m.Value = value
	m.CollectTime = at
}

// Elapsed returns the time between the previous and the current sample, or
// zero when there is no previous sample.
func (m *NumberMetric) Elapsed() time.Duration {
	if !m.HasPrevious || m.CollectTime.IsZero() {
		return 0
	}
	return m.CollectTime.Sub(m.PreviousCollectTime)
}

// StateSetMetric holds one state out of an enumerated set.
type StateSetMetric struct {
	Name                string
	Value               string
	States              []string
	PreviousValue       string
	HasPrevious         bool
	CollectTime         time.Time
	PreviousCollectTime time.Time
}

func (m *StateSetMetric) MetricName() string { return m.Name }

func (m *StateSetMetric) Save() {
	if m.CollectTime.IsZero() {
		return
	}
	m.PreviousValue = m.Value
	m.PreviousCollectTime = m.CollectTime
	m.HasPrevious = true
}

func (m *StateSetMetric) Collected() time.Time { return m.CollectTime }

func (m *StateSetMetric) Text() string { return m.Value }

func (m *StateSetMetric) Copy() Metric {
	cp := *m
	cp.States = slices.Clone(m.States)
	return &cp
}

// Set records a new state.
func (m *StateSetMetric) Set(state string, at time.Time) {
	m.Value = state
	m.CollectTime = at
}

// Changed reports whether the state differs from the previous cycle.
func (m *StateSetMetric) Changed() bool {
	return m.HasPrevious && m.PreviousValue != m.Value
}
