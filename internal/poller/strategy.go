// Package poller drives the collection strategies of a host session:
// detection, discovery and the repeated collect cycle.
package poller

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/nmslite/collector/internal/connector"
	"github.com/nmslite/collector/internal/detection"
	"github.com/nmslite/collector/internal/dispatcher"
	"github.com/nmslite/collector/internal/mapping"
	"github.com/nmslite/collector/internal/oscommand"
	"github.com/nmslite/collector/internal/protocols"
	"github.com/nmslite/collector/internal/telemetry"
)

const (
	jobPre       = "pre"
	jobDiscovery = "discovery"
	jobCollect   = "collect"
)

// Strategy is one phase of the collection state machine.
type Strategy interface {
	Name() string
	Run(ctx context.Context) error
	// StrategyTime is the reference time of the run.
	StrategyTime() time.Time
	// Timeout is advisory. Strategies do not enforce it themselves.
	Timeout() time.Duration
}

// Engine holds the components the strategies share.
type Engine struct {
	Clients    *protocols.Clients
	Detection  *detection.Evaluator
	Dispatcher *dispatcher.Dispatcher
	Collect    *mapping.CollectMapper
	Discovery  *mapping.DiscoveryMapper
	Metrics    *Metrics
	logger     zerolog.Logger
}

// NewEngine wires the detection, dispatch and mapping components on top of
// the protocol clients.
func NewEngine(clients *protocols.Clients, logger zerolog.Logger) *Engine {
	commands := oscommand.NewRunner(clients, logger)
	evaluator := detection.NewEvaluator(clients, commands, logger)
	return &Engine{
		Clients:    clients,
		Detection:  evaluator,
		Dispatcher: dispatcher.New(clients, commands, evaluator, logger),
		Collect:    mapping.NewCollectMapper(logger),
		Discovery:  mapping.NewDiscoveryMapper(logger),
		Metrics:    NewMetrics(),
		logger:     logger,
	}
}

// base carries what every strategy needs.
type base struct {
	name         string
	session      *telemetry.HostSession
	engine       *Engine
	strategyTime time.Time
	timeout      time.Duration
	logger       zerolog.Logger
}

func newBase(name string, session *telemetry.HostSession, engine *Engine, timeout time.Duration, logger zerolog.Logger) base {
	return base{
		name:         name,
		session:      session,
		engine:       engine,
		strategyTime: time.Now(),
		timeout:      timeout,
		logger:       logger.With().Str("component", "strategy").Str("strategy", name).Logger(),
	}
}

func (b *base) Name() string            { return b.name }
func (b *base) StrategyTime() time.Time { return b.strategyTime }
func (b *base) Timeout() time.Duration  { return b.timeout }

func (b *base) jobInfo(conn *connector.Connector, monitorType, job string) telemetry.JobInfo {
	return telemetry.JobInfo{
		Hostname:    b.session.Hostname(),
		ConnectorID: conn.ID,
		JobName:     job,
		MonitorType: monitorType,
	}
}

// runPreSources executes the connector's sources that every monitor job may
// reference.
func (b *base) runPreSources(ctx context.Context, conn *connector.Connector) error {
	if len(conn.PreSources) == 0 {
		return nil
	}
	ec := dispatcher.ExecContext{
		Session:   b.session,
		Connector: conn,
		Job:       b.jobInfo(conn, "", jobPre),
	}
	return b.engine.Dispatcher.Process(ctx, conn.PreSources, nil, conn.PreDependencies, ec)
}

// process runs the sources of one job and reports whether the mappings can
// be applied. A cancelled context is returned, anything else is logged.
func (b *base) process(ctx context.Context, job *connector.Job, ec dispatcher.ExecContext) (bool, error) {
	err := b.engine.Dispatcher.Process(ctx, job.Sources, job.ExecutionOrder, job.Dependencies, ec)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false, err
	}
	b.logger.Error().Object("job", ec.Job).Err(err).Msg("Job aborted")
	return false, nil
}

func (b *base) observeJob(info telemetry.JobInfo, start time.Time) {
	b.engine.Metrics.jobDuration.
		WithLabelValues(info.ConnectorID, info.MonitorType, info.JobName).
		Observe(time.Since(start).Seconds())
}

// hostMonitor returns the monitor of the host, registering it when needed.
func (b *base) hostMonitor() *telemetry.Monitor {
	if m, ok := b.session.Registry.FindMonitor(telemetry.HostMonitorType, b.session.Hostname()); ok {
		return m
	}
	return mapping.DiscoverHost(b.session, b.strategyTime)
}

// connectorMonitors returns the monitors of one type attributed to conn. The
// host monitor is shared by every connector.
func connectorMonitors(session *telemetry.HostSession, conn *connector.Connector, monitorType string) []*telemetry.Monitor {
	if monitorType == telemetry.HostMonitorType {
		if m, ok := session.Registry.FindMonitor(telemetry.HostMonitorType, session.Hostname()); ok {
			return []*telemetry.Monitor{m}
		}
		return nil
	}
	var out []*telemetry.Monitor
	for _, m := range session.Registry.SortedMonitors(monitorType) {
		if m.ConnectorID() == conn.ID {
			out = append(out, m)
		}
	}
	return out
}
