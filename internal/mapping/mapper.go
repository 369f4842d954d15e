// Package mapping turns published source tables into monitor attributes and
// metrics.
package mapping

import (
	"context"
	"maps"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nmslite/collector/internal/connector"
	"github.com/nmslite/collector/internal/telemetry"
)

// MapRequest is one mapping of a collect job.
type MapRequest struct {
	Session   *telemetry.HostSession
	Connector *connector.Connector
	Mapping   connector.Mapping
	Job       telemetry.JobInfo
	// Monitor is the target of a mono-instance collect.
	Monitor *telemetry.Monitor
	// Keys are the attributes matched by a multi-instance collect.
	Keys []string
}

func (r MapRequest) monitorType() string { return r.Job.MonitorType }

// CollectMapper applies collect mappings to known monitors. It never
// creates monitors.
type CollectMapper struct {
	logger zerolog.Logger
	now    func() time.Time
}

func NewCollectMapper(logger zerolog.Logger) *CollectMapper {
	return &CollectMapper{
		logger: logger.With().Str("component", "collect_mapper").Logger(),
		now:    time.Now,
	}
}

// rowValues holds what one row evaluates to.
type rowValues struct {
	attributes map[string]string
	metrics    map[string]string
	legacy     map[string]string
}

// Map resolves the mapping's table and updates the matching monitors. It
// returns the number of monitors updated.
func (m *CollectMapper) Map(ctx context.Context, req MapRequest) int {
	table, ok := req.Session.Tables(req.Connector.ID).Get(req.Mapping.Source)
	if !ok {
		m.logger.Debug().Object("job", req.Job).Str("source_key", req.Mapping.Source).Msg("No table for mapping")
		return 0
	}
	if len(table.Table) == 0 {
		return 0
	}

	rows := table.Table
	if req.Monitor != nil {
		rows = rows[:1]
	}

	at := m.now()
	updated := 0
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		values := m.evalIndependent(req, row)

		monitor := req.Monitor
		if monitor == nil {
			monitor = m.resolveMonitor(req, values.attributes)
			if monitor == nil {
				continue
			}
		}

		contextual := m.evalContextual(req, row, monitor, at)
		merged := maps.Clone(values.metrics)
		maps.Copy(merged, contextual)

		monitor.AddAttributes(values.attributes)
		applyMetrics(monitor, req.Connector, merged, at, m.logger)
		if len(values.legacy) > 0 {
			monitor.AddLegacyTextParameters(values.legacy)
		}
		updated++
	}
	return updated
}

// evalIndependent evaluates every expression that only needs the row.
func (m *CollectMapper) evalIndependent(req MapRequest, row []string) rowValues {
	return rowValues{
		attributes: evalAll(req.Mapping.Attributes, row, req.Connector, req.Job, m.logger),
		metrics:    evalAll(req.Mapping.Metrics, row, req.Connector, req.Job, m.logger),
		legacy:     evalAll(req.Mapping.LegacyTextParameters, row, req.Connector, req.Job, m.logger),
	}
}

// evalContextual evaluates the metric expressions that need the monitor.
func (m *CollectMapper) evalContextual(req MapRequest, row []string, monitor *telemetry.Monitor, at time.Time) map[string]string {
	out := make(map[string]string)
	for name, raw := range req.Mapping.Metrics {
		expr := Parse(raw)
		if !expr.Contextual() {
			continue
		}
		v, ok, err := expr.EvalContextual(name, row, monitor, at)
		if err != nil {
			m.logger.Debug().Object("job", req.Job).Str("metric", name).Str("expression", raw).Err(err).Msg("Contextual expression failed")
			continue
		}
		if ok {
			out[name] = strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return out
}

// resolveMonitor finds the monitor of the request's type and connector whose
// attributes equal the row's on every key. Ties go to the lowest monitor id.
func (m *CollectMapper) resolveMonitor(req MapRequest, attrs map[string]string) *telemetry.Monitor {
	if len(req.Keys) == 0 {
		return nil
	}
	var matches []*telemetry.Monitor
	for _, candidate := range req.Session.Registry.SortedMonitors(req.monitorType()) {
		if candidate.ConnectorID() != req.Connector.ID {
			continue
		}
		if MatchesKeys(candidate, attrs, req.Keys) {
			matches = append(matches, candidate)
		}
	}
	if len(matches) == 0 {
		m.logger.Debug().Object("job", req.Job).Interface("attributes", attrs).Msg("No monitor matches row")
		return nil
	}
	if len(matches) > 1 {
		ignored := make([]string, 0, len(matches)-1)
		for _, dup := range matches[1:] {
			ignored = append(ignored, dup.ID())
		}
		m.logger.Debug().
			Object("job", req.Job).
			Str("monitor_id", matches[0].ID()).
			Strs("ignored", ignored).
			Msg("Several monitors match row")
	}
	return matches[0]
}

// MatchesKeys reports whether the monitor and the row agree on every key
// with a non-empty value.
func MatchesKeys(monitor *telemetry.Monitor, attrs map[string]string, keys []string) bool {
	if len(keys) == 0 {
		return false
	}
	for _, key := range keys {
		rowValue, ok := attrs[key]
		if !ok || rowValue == "" {
			return false
		}
		stored, ok := monitor.Attribute(key)
		if !ok || stored != rowValue {
			return false
		}
	}
	return true
}

func evalAll(exprs map[string]string, row []string, conn *connector.Connector, job telemetry.JobInfo, logger zerolog.Logger) map[string]string {
	out := make(map[string]string, len(exprs))
	for name, raw := range exprs {
		expr := Parse(raw)
		if expr.Contextual() {
			continue
		}
		v, err := expr.Eval(row, conn)
		if err != nil {
			logger.Debug().Object("job", job).Str("name", name).Str("expression", raw).Err(err).Msg("Expression failed")
			continue
		}
		out[name] = v
	}
	return out
}

// applyMetrics stores the values according to their definition: state sets
// keep the text value, everything else must be numeric.
func applyMetrics(monitor *telemetry.Monitor, conn *connector.Connector, values map[string]string, at time.Time, logger zerolog.Logger) {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := strings.TrimSpace(values[name])
		if value == "" {
			continue
		}
		def, _ := conn.MetricDefinition(name)
		if def.Type == connector.MetricStateSet {
			monitor.SetState(name, value, def.States, at)
			continue
		}
		v, err := parseNumber(value)
		if err != nil {
			logger.Debug().Str("monitor_id", monitor.ID()).Str("metric", name).Str("value", value).Msg("Skipping non-numeric metric value")
			continue
		}
		monitor.SetNumber(name, v, at)
	}
}
