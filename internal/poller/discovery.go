package poller

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/nmslite/collector/internal/connector"
	"github.com/nmslite/collector/internal/dispatcher"
	"github.com/nmslite/collector/internal/mapping"
	"github.com/nmslite/collector/internal/telemetry"
)

// DetectionStrategy selects the connectors that apply to the host.
type DetectionStrategy struct {
	base
}

func NewDetectionStrategy(session *telemetry.HostSession, engine *Engine, timeout time.Duration, logger zerolog.Logger) *DetectionStrategy {
	return &DetectionStrategy{base: newBase("detection", session, engine, timeout, logger)}
}

func (s *DetectionStrategy) Run(ctx context.Context) error {
	ids := s.engine.Detection.DetectConnectors(ctx, s.session)
	if err := ctx.Err(); err != nil {
		return err
	}
	s.session.SetDetected(ids)

	if len(ids) == 0 {
		s.logger.Warn().Str("hostname", s.session.Hostname()).Msg("No connector matches the host")
		return nil
	}
	s.logger.Info().Str("hostname", s.session.Hostname()).Strs("connectors", ids).Msg("Connectors detected")
	return nil
}

// DiscoveryStrategy registers the host and the monitors every detected
// connector discovers.
type DiscoveryStrategy struct {
	base
}

func NewDiscoveryStrategy(session *telemetry.HostSession, engine *Engine, timeout time.Duration, logger zerolog.Logger) *DiscoveryStrategy {
	return &DiscoveryStrategy{base: newBase("discovery", session, engine, timeout, logger)}
}

func (s *DiscoveryStrategy) Run(ctx context.Context) error {
	s.session.SetDiscoveryRun(s.strategyTime)
	mapping.DiscoverHost(s.session, s.strategyTime)

	for _, conn := range s.session.Detected() {
		if err := s.discoverConnector(ctx, conn); err != nil {
			return err
		}
	}

	for _, monitorType := range s.session.Registry.Types() {
		s.engine.Metrics.monitors.WithLabelValues(monitorType).Set(float64(s.session.Registry.CountByType(monitorType)))
	}
	s.logger.Info().
		Str("hostname", s.session.Hostname()).
		Int("monitors", s.session.Registry.Count()).
		Msg("Discovery complete")
	return nil
}

func (s *DiscoveryStrategy) discoverConnector(ctx context.Context, conn *connector.Connector) error {
	if err := s.runPreSources(ctx, conn); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Error().Str("connector_id", conn.ID).Err(err).Msg("Pre sources failed")
	}

	for _, monitorType := range conn.MonitorTypes() {
		mj := conn.Jobs[monitorType]
		if mj.Discovery == nil {
			continue
		}
		if err := s.discoverType(ctx, conn, monitorType, mj.Discovery); err != nil {
			return err
		}
	}
	return nil
}

func (s *DiscoveryStrategy) discoverType(ctx context.Context, conn *connector.Connector, monitorType string, job *connector.Job) error {
	info := s.jobInfo(conn, monitorType, jobDiscovery)
	start := time.Now()
	defer s.observeJob(info, start)

	ec := dispatcher.ExecContext{Session: s.session, Connector: conn, Job: info}
	ok, err := s.process(ctx, job, ec)
	if !ok {
		return err
	}

	discovered := 0
	for _, m := range job.Mappings {
		discovered += s.engine.Discovery.Map(ctx, mapping.MapRequest{
			Session:   s.session,
			Connector: conn,
			Mapping:   m,
			Job:       info,
		})
	}
	s.logger.Debug().Object("job", info).Int("monitors", discovered).Msg("Monitor type discovered")
	return nil
}
