package poller

import (
	"context"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nmslite/collector/internal/connector"
	"github.com/nmslite/collector/internal/dispatcher"
	"github.com/nmslite/collector/internal/mapping"
	"github.com/nmslite/collector/internal/telemetry"
)

// PriorityMonitorTypes always run first, one after the other, in this order.
var PriorityMonitorTypes = []string{"host", "enclosure", "blade", "disk_controller", "cpu"}

// CollectStrategy runs the collect jobs of every detected connector.
type CollectStrategy struct {
	base
	poolSize   int
	jobTimeout time.Duration
}

func NewCollectStrategy(session *telemetry.HostSession, engine *Engine, poolSize int, jobTimeout, timeout time.Duration, logger zerolog.Logger) *CollectStrategy {
	if poolSize < 1 {
		poolSize = 1
	}
	return &CollectStrategy{
		base:       newBase("collect", session, engine, timeout, logger),
		poolSize:   poolSize,
		jobTimeout: jobTimeout,
	}
}

func (s *CollectStrategy) Run(ctx context.Context) error {
	for _, conn := range s.session.Detected() {
		if err := s.collectConnector(ctx, conn); err != nil {
			return err
		}
	}
	return nil
}

func (s *CollectStrategy) collectConnector(ctx context.Context, conn *connector.Connector) error {
	if !s.engine.Detection.Evaluate(ctx, s.session, conn).Success {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.engine.Metrics.connectorSkips.WithLabelValues(conn.ID).Inc()
		s.logger.Error().
			Str("hostname", s.session.Hostname()).
			Str("connector_id", conn.ID).
			Msg("Connector no longer matches the host, skipping its collect")
		return nil
	}

	if err := s.runPreSources(ctx, conn); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Error().Str("connector_id", conn.ID).Err(err).Msg("Pre sources failed")
	}

	priority, others := partitionJobs(conn)
	for _, mj := range priority {
		if err := s.collectType(ctx, conn, mj); err != nil {
			return err
		}
	}

	if s.session.Host.Sequential {
		for _, mj := range others {
			if err := s.collectType(ctx, conn, mj); err != nil {
				return err
			}
		}
		return nil
	}
	return s.collectParallel(ctx, conn, others)
}

// collectParallel submits one task per monitor type to a bounded pool and
// waits up to the job timeout. On expiry the tasks are asked to stop through
// their context but are not waited for; what they already applied stays.
func (s *CollectStrategy) collectParallel(ctx context.Context, conn *connector.Connector, jobs []*connector.MonitorJob) error {
	if len(jobs) == 0 {
		return nil
	}

	poolCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	g.SetLimit(s.poolSize)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, mj := range jobs {
			mj := mj
			g.Go(func() error {
				return s.collectType(poolCtx, conn, mj)
			})
		}
		_ = g.Wait()
	}()

	timer := time.NewTimer(s.jobTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		s.engine.Metrics.poolTimeouts.Inc()
		s.logger.Debug().
			Str("connector_id", conn.ID).
			Dur("timeout", s.jobTimeout).
			Msg("Stopped waiting for monitor jobs, keeping partial results")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// collectType runs the collect job of one monitor type.
func (s *CollectStrategy) collectType(ctx context.Context, conn *connector.Connector, mj *connector.MonitorJob) error {
	job := mj.Collect
	info := s.jobInfo(conn, mj.MonitorType, jobCollect)
	start := time.Now()
	defer s.observeJob(info, start)

	if job.IsMonoInstance() {
		return s.collectMonoInstance(ctx, conn, job, info)
	}

	ec := dispatcher.ExecContext{Session: s.session, Connector: conn, Job: info}
	ok, err := s.process(ctx, job, ec)
	if !ok {
		return err
	}
	updated := 0
	for _, m := range job.Mappings {
		updated += s.engine.Collect.Map(ctx, mapping.MapRequest{
			Session:   s.session,
			Connector: conn,
			Mapping:   m,
			Job:       info,
			Keys:      job.Keys,
		})
	}
	s.logger.Debug().Object("job", info).Int("updated", updated).Msg("Monitor type collected")
	return nil
}

// collectMonoInstance runs the job once per known monitor, with the sources
// bound to that monitor's device id.
func (s *CollectStrategy) collectMonoInstance(ctx context.Context, conn *connector.Connector, job *connector.Job, info telemetry.JobInfo) error {
	for _, monitor := range connectorMonitors(s.session, conn, info.MonitorType) {
		ec := dispatcher.ExecContext{Session: s.session, Connector: conn, Job: info, Monitor: monitor}
		ok, err := s.process(ctx, job, ec)
		if err != nil {
			return err
		}
		if !ok {
			// The job cannot be ordered for any monitor.
			return nil
		}
		for _, m := range job.Mappings {
			s.engine.Collect.Map(ctx, mapping.MapRequest{
				Session:   s.session,
				Connector: conn,
				Mapping:   m,
				Job:       info,
				Monitor:   monitor,
			})
		}
	}
	return nil
}

// partitionJobs splits the collect jobs of a connector into the priority
// types, in priority order, and the others, sorted by type.
func partitionJobs(conn *connector.Connector) (priority, others []*connector.MonitorJob) {
	for _, monitorType := range PriorityMonitorTypes {
		if mj, ok := conn.Jobs[monitorType]; ok && mj.Collect != nil {
			priority = append(priority, mj)
		}
	}
	for _, monitorType := range conn.MonitorTypes() {
		mj := conn.Jobs[monitorType]
		if mj.Collect == nil || slices.Contains(PriorityMonitorTypes, monitorType) {
			continue
		}
		others = append(others, mj)
	}
	return priority, others
}
