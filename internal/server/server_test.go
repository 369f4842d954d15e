package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmslite/collector/internal/connector"
	"github.com/nmslite/collector/internal/telemetry"
)

type fakeStatus bool

func (f fakeStatus) IsRunning() bool { return bool(f) }

func newTestServer(t *testing.T, running bool) (*Server, *telemetry.HostSession) {
	t.Helper()
	session := telemetry.NewHostSession(telemetry.Host{Hostname: "server01", Type: connector.HostLinux}, nil)
	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	disk := session.Registry.AddOrUpdate("disk", "disk-1", map[string]string{"id": "1", "vendor": "Seagate"})
	disk.MarkDiscovered(at)
	disk.SetNumber("hw.disk.temperature", 38, at)
	disk.SetState("hw.status", "ok", []string{"ok", "failed"}, at)
	session.Registry.AddOrUpdate("fan", "fan-1", nil)

	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "collector_test_total", Help: "Test counter."})
	registry.MustRegister(counter)
	counter.Inc()

	return NewServer(session, fakeStatus(running), registry, zerolog.Nop()), session
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name    string
		running bool
		status  int
		state   string
	}{
		{name: "running", running: true, status: http.StatusOK, state: "ok"},
		{name: "stopped", running: false, status: http.StatusServiceUnavailable, state: "stopped"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, tt.running)
			rec := get(t, s, "/healthz")
			assert.Equal(t, tt.status, rec.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.state, body["status"])
			assert.Equal(t, "server01", body["hostname"])
			assert.Equal(t, 2.0, body["monitors"])
			assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, true)
	rec := get(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "collector_test_total 1"))
}

func TestMonitors(t *testing.T) {
	s, _ := newTestServer(t, true)

	t.Run("list all", func(t *testing.T) {
		rec := get(t, s, "/api/v1/monitors")
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Data  []MonitorView `json:"data"`
			Total int           `json:"total"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, 2, body.Total)
		assert.Equal(t, "disk", body.Data[0].Type)
		assert.Equal(t, "fan", body.Data[1].Type)
	})

	t.Run("by type", func(t *testing.T) {
		rec := get(t, s, "/api/v1/monitors/fan/")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"total":1`)
	})

	t.Run("one monitor", func(t *testing.T) {
		rec := get(t, s, "/api/v1/monitors/disk/disk-1")
		require.Equal(t, http.StatusOK, rec.Code)

		var view MonitorView
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
		assert.Equal(t, "Seagate", view.Attributes["vendor"])
		assert.Equal(t, 38.0, view.Metrics["hw.disk.temperature"])
		assert.Equal(t, "ok", view.Metrics["hw.status"])
		require.NotNil(t, view.CollectTime)
	})

	t.Run("unknown monitor", func(t *testing.T) {
		rec := get(t, s, "/api/v1/monitors/disk/nope")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "NOT_FOUND")
	})
}

func TestConnectors(t *testing.T) {
	s, session := newTestServer(t, true)
	session.Connectors = connector.NewStore(&connector.Connector{ID: "linux_ipmi"})
	session.SetDetected([]string{"linux_ipmi"})

	rec := get(t, s, "/api/v1/connectors")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":["linux_ipmi"],"total":1}`, rec.Body.String())
}

func TestProtocols(t *testing.T) {
	s, _ := newTestServer(t, true)

	t.Run("list", func(t *testing.T) {
		rec := get(t, s, "/api/v1/protocols")
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Data []struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.NotEmpty(t, body.Data)
		assert.Equal(t, "http", body.Data[0].ID)
	})

	t.Run("schema", func(t *testing.T) {
		rec := get(t, s, "/api/v1/protocols/snmp/schema")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"protocol_id":"snmp"`)
	})

	t.Run("unknown protocol", func(t *testing.T) {
		rec := get(t, s, "/api/v1/protocols/telnet/schema")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
