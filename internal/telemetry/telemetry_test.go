package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmslite/collector/internal/connector"
)

func TestNumberMetricSave(t *testing.T) {
	m := NewMonitor("fan", "fan1")
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	m.SetNumber("hw.fan.speed", 1200, t0)
	m.Save()
	m.SetNumber("hw.fan.speed", 1500, t0.Add(time.Minute))

	got, ok := m.NumberMetric("hw.fan.speed")
	require.True(t, ok)
	assert.Equal(t, 1500.0, got.Value)
	assert.Equal(t, 1200.0, got.PreviousValue)
	assert.True(t, got.HasPrevious)
	assert.Equal(t, time.Minute, got.Elapsed())
	assert.Equal(t, "1500", got.Text())
}

func TestSaveWithoutSampleKeepsNoPrevious(t *testing.T) {
	metric := &NumberMetric{Name: "x"}
	metric.Save()
	assert.False(t, metric.HasPrevious)
	assert.Zero(t, metric.Elapsed())
}

func TestStateSetMetric(t *testing.T) {
	m := NewMonitor("disk", "d1")
	t0 := time.Now()
	states := []string{"ok", "degraded", "failed"}

	m.SetState("hw.status", "ok", states, t0)
	m.Save()
	m.SetState("hw.status", "failed", nil, t0.Add(time.Second))

	metric, ok := m.Metric("hw.status")
	require.True(t, ok)
	s := metric.(*StateSetMetric)
	assert.Equal(t, "failed", s.Value)
	assert.Equal(t, "ok", s.PreviousValue)
	assert.True(t, s.Changed())
	assert.Equal(t, states, s.States)

	states[0] = "mutated"
	metric, _ = m.Metric("hw.status")
	assert.Equal(t, "ok", metric.(*StateSetMetric).States[0])
}

func TestMetricCopyIsIsolated(t *testing.T) {
	m := NewMonitor("cpu", "0")
	m.SetNumber("hw.cpu.speed", 2400, time.Now())

	metric, _ := m.Metric("hw.cpu.speed")
	metric.(*NumberMetric).Value = 1

	got, _ := m.NumberMetric("hw.cpu.speed")
	assert.Equal(t, 2400.0, got.Value)
}

func TestRecordCounter(t *testing.T) {
	m := NewMonitor("network", "eth0")
	t0 := time.Now()

	first := m.RecordCounter("hw.network.io", 1000, t0)
	assert.False(t, first.HasPrevious)

	m.Save()
	second := m.RecordCounter("hw.network.io", 4000, t0.Add(30*time.Second))
	assert.True(t, second.HasPrevious)
	assert.Equal(t, 1000.0, second.PreviousValue)
	assert.Equal(t, 30*time.Second, second.Elapsed())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	m := r.AddOrUpdate("disk", "d2", map[string]string{AttrID: "d2", AttrConnectorID: "c1"})
	r.AddOrUpdate("disk", "d1", nil)
	r.AddOrUpdate("fan", "f1", nil)
	same := r.AddOrUpdate("disk", "d2", map[string]string{"serial": "XYZ"})

	assert.Same(t, m, same)
	assert.Equal(t, "c1", same.ConnectorID())
	serial, _ := same.Attribute("serial")
	assert.Equal(t, "XYZ", serial)

	assert.Equal(t, 3, r.Count())
	assert.Equal(t, 2, r.CountByType("disk"))
	assert.Equal(t, []string{"disk", "fan"}, r.Types())

	sorted := r.SortedMonitors("disk")
	require.Len(t, sorted, 2)
	assert.Equal(t, "d1", sorted[0].ID())
	assert.Equal(t, "d2", sorted[1].ID())

	index := r.FindMonitorsByType("disk")
	delete(index, "d1")
	_, ok := r.FindMonitor("disk", "d1")
	assert.True(t, ok, "FindMonitorsByType must return a copy of the index")

	_, ok = r.FindMonitor("psu", "p1")
	assert.False(t, ok)
	assert.Empty(t, r.FindMonitorsByType("psu"))
}

func TestRegistrySaveMetrics(t *testing.T) {
	r := NewRegistry()
	m := r.AddOrUpdate("fan", "f1", nil)
	m.SetNumber("hw.fan.speed", 100, time.Now())

	r.SaveMetrics()

	got, _ := m.NumberMetric("hw.fan.speed")
	assert.True(t, got.HasPrevious)
	assert.Equal(t, 100.0, got.PreviousValue)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := r.AddOrUpdate("disk", "d", map[string]string{"n": "x"})
			m.SetNumber("hw.disk.size", float64(i), time.Now())
			_ = r.FindMonitorsByType("disk")
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, r.Count())
}

func TestMonitorDeviceID(t *testing.T) {
	m := NewMonitor("disk", "monitor-key")
	assert.Equal(t, "monitor-key", m.DeviceID())
	m.SetAttribute(AttrID, "0:1:2")
	assert.Equal(t, "0:1:2", m.DeviceID())
}

func TestMonitorIsStale(t *testing.T) {
	m := NewMonitor("disk", "d1")
	run := time.Now()
	m.MarkDiscovered(run.Add(-time.Hour))
	assert.True(t, m.IsStale(run))
	m.MarkDiscovered(run)
	assert.False(t, m.IsStale(run))
}

func TestConnectorNamespaceResolve(t *testing.T) {
	ns := &ConnectorNamespace{}
	probes := 0
	probe := func() ([]string, error) {
		probes++
		return []string{"root/cimv2", "root/emc"}, nil
	}

	failing := func([]string) (string, error) { return "", errors.New("no winner") }
	_, err := ns.Resolve(probe, failing)
	require.Error(t, err)
	assert.Equal(t, NamespaceCandidatesKnown, ns.State())
	assert.Equal(t, []string{"root/cimv2", "root/emc"}, ns.Candidates())

	pick := func(c []string) (string, error) { return c[1], nil }
	got, err := ns.Resolve(probe, pick)
	require.NoError(t, err)
	assert.Equal(t, "root/emc", got)
	assert.Equal(t, 1, probes, "candidates are probed once")

	detected, ok := ns.Detected()
	assert.True(t, ok)
	assert.Equal(t, "root/emc", detected)
	assert.Equal(t, "detected", ns.State().String())
}

func TestConnectorNamespaceProbeFailure(t *testing.T) {
	ns := &ConnectorNamespace{}
	_, err := ns.Resolve(func() ([]string, error) { return nil, errors.New("auth") }, nil)
	require.Error(t, err)
	assert.Equal(t, NamespaceUnknown, ns.State())
}

func TestConnectorNamespaceFirstDetectorWins(t *testing.T) {
	ns := &ConnectorNamespace{}
	var probes, verifies atomic.Int32
	probe := func() ([]string, error) {
		probes.Add(1)
		time.Sleep(10 * time.Millisecond)
		return []string{"root/hitachi"}, nil
	}
	verify := func(c []string) (string, error) {
		verifies.Add(1)
		return c[0], nil
	}

	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = ns.Resolve(probe, verify)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), probes.Load())
	assert.Equal(t, int32(1), verifies.Load())
	for _, r := range results {
		assert.Equal(t, "root/hitachi", r)
	}
}

func TestHostSession(t *testing.T) {
	c1 := &connector.Connector{ID: "c1"}
	c2 := &connector.Connector{ID: "c2"}
	s := NewHostSession(Host{Hostname: "server01"}, connector.NewStore(c1, c2))

	assert.NotNil(t, s.Host.Protocols)
	assert.Same(t, s.Tables("c1"), s.Tables("c1"))
	assert.NotSame(t, s.Tables("c1"), s.Tables("c2"))
	assert.Same(t, s.Namespace("c1", "wbem"), s.Namespace("c1", "wbem"))
	assert.NotSame(t, s.Namespace("c1", "wbem"), s.Namespace("c1", "wmi"))

	s.SetDetected([]string{"c2", "missing"})
	detected := s.Detected()
	require.Len(t, detected, 1)
	assert.Equal(t, "c2", detected[0].ID)

	now := time.Now()
	s.SetStrategyTime(now)
	assert.Equal(t, now, s.StrategyTime())
}

func TestHostIsLocal(t *testing.T) {
	assert.True(t, Host{Hostname: "localhost"}.IsLocal())
	assert.True(t, Host{Hostname: "127.0.0.1"}.IsLocal())
	assert.False(t, Host{Hostname: "server01"}.IsLocal())
}

func TestJobInfoMarshal(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	logger.Info().Object("job", JobInfo{Hostname: "h", ConnectorID: "c", JobName: "collect", MonitorType: "disk"}).Msg("x")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	job := entry["job"].(map[string]any)
	assert.Equal(t, "h", job["hostname"])
	assert.Equal(t, "c", job["connector_id"])
	assert.Equal(t, "collect", job["job"])
	assert.Equal(t, "disk", job["monitor_type"])
}
