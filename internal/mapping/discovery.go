package mapping

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nmslite/collector/internal/telemetry"
)

// DiscoveryMapper creates or refreshes monitors from the rows of discovery
// jobs.
type DiscoveryMapper struct {
	logger zerolog.Logger
	now    func() time.Time
}

func NewDiscoveryMapper(logger zerolog.Logger) *DiscoveryMapper {
	return &DiscoveryMapper{
		logger: logger.With().Str("component", "discovery_mapper").Logger(),
		now:    time.Now,
	}
}

// MonitorID builds the registry id of a discovered monitor.
func MonitorID(connectorID, monitorType, id string) string {
	return fmt.Sprintf("%s_%s_%s", connectorID, monitorType, id)
}

// Map registers one monitor per row of the mapping's table and returns the
// number of monitors created or updated. Rows without an id are skipped. Host
// rows refresh the session host monitor instead of registering a new one.
func (m *DiscoveryMapper) Map(ctx context.Context, req MapRequest) int {
	table, ok := req.Session.Tables(req.Connector.ID).Get(req.Mapping.Source)
	if !ok || len(table.Table) == 0 {
		m.logger.Debug().Object("job", req.Job).Str("source_key", req.Mapping.Source).Msg("Nothing to discover")
		return 0
	}

	monitorType := req.monitorType()
	hostID := req.Session.Hostname()
	at := m.now()
	discovered := 0
	for _, row := range table.Table {
		if ctx.Err() != nil {
			break
		}
		attrs := evalAll(req.Mapping.Attributes, row, req.Connector, req.Job, m.logger)
		id := attrs[telemetry.AttrID]
		if id == "" {
			m.logger.Debug().Object("job", req.Job).Strs("row", row).Msg("Discovered row has no id")
			continue
		}

		attrs[telemetry.AttrConnectorID] = req.Connector.ID
		attrs[telemetry.AttrHostname] = hostID
		monitorID := MonitorID(req.Connector.ID, monitorType, id)
		if monitorType == telemetry.HostMonitorType {
			// There is one host monitor per session; connectors only enrich it.
			monitorID = hostID
			attrs[telemetry.AttrID] = hostID
		} else if attrs[telemetry.AttrParentID] == "" {
			attrs[telemetry.AttrParentID] = hostID
			attrs[telemetry.AttrParentType] = telemetry.HostMonitorType
		}

		monitor := req.Session.Registry.AddOrUpdate(monitorType, monitorID, attrs)
		monitor.MarkDiscovered(at)

		metrics := evalAll(req.Mapping.Metrics, row, req.Connector, req.Job, m.logger)
		applyMetrics(monitor, req.Connector, metrics, at, m.logger)
		if legacy := evalAll(req.Mapping.LegacyTextParameters, row, req.Connector, req.Job, m.logger); len(legacy) > 0 {
			monitor.AddLegacyTextParameters(legacy)
		}
		discovered++
	}
	return discovered
}

// DiscoverHost registers the monitor of the host itself.
func DiscoverHost(session *telemetry.HostSession, at time.Time) *telemetry.Monitor {
	hostID := session.Hostname()
	monitor := session.Registry.AddOrUpdate(telemetry.HostMonitorType, hostID, map[string]string{
		telemetry.AttrID:       hostID,
		telemetry.AttrName:     hostID,
		telemetry.AttrHostname: hostID,
		"host.type":            string(session.Host.Type),
	})
	monitor.MarkDiscovered(at)
	return monitor
}

