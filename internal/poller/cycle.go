package poller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nmslite/collector/internal/protocols"
	"github.com/nmslite/collector/internal/telemetry"
)

const (
	metricPower     = "hw.power"
	metricEnergy    = "hw.energy"
	metricHostPower = "hw.host.power"
	metricHostUp    = "hw.host.up"
)

// PrepareCollectStrategy starts a collect cycle: every current sample
// becomes the previous one.
type PrepareCollectStrategy struct {
	base
}

func NewPrepareCollectStrategy(session *telemetry.HostSession, engine *Engine, timeout time.Duration, logger zerolog.Logger) *PrepareCollectStrategy {
	return &PrepareCollectStrategy{base: newBase("prepare_collect", session, engine, timeout, logger)}
}

func (s *PrepareCollectStrategy) Run(_ context.Context) error {
	s.session.SetStrategyTime(s.strategyTime)
	s.session.Registry.SaveMetrics()
	return nil
}

// ProtocolHealthCheckStrategy probes every configured protocol and records
// the answer on the host monitor.
type ProtocolHealthCheckStrategy struct {
	base
}

func NewProtocolHealthCheckStrategy(session *telemetry.HostSession, engine *Engine, timeout time.Duration, logger zerolog.Logger) *ProtocolHealthCheckStrategy {
	return &ProtocolHealthCheckStrategy{base: newBase("protocol_health_check", session, engine, timeout, logger)}
}

type healthProbe func(ctx context.Context, hostname string, cfg *protocols.Configurations) error

func (s *ProtocolHealthCheckStrategy) probes() map[string]healthProbe {
	c := s.engine.Clients
	return map[string]healthProbe{
		protocols.ProtocolSNMP: func(ctx context.Context, hostname string, cfg *protocols.Configurations) error {
			_, _, err := c.SNMP.GetNext(ctx, hostname, cfg.SNMP, "1.3.6.1")
			return err
		},
		protocols.ProtocolHTTP: func(ctx context.Context, hostname string, cfg *protocols.Configurations) error {
			_, err := c.HTTP.Do(ctx, hostname, cfg.HTTP, protocols.HTTPRequest{Method: "GET", URL: "/", ResultContent: "http_status"})
			return err
		},
		protocols.ProtocolWBEM: func(ctx context.Context, hostname string, cfg *protocols.Configurations) error {
			_, err := c.WBEM.Query(ctx, hostname, cfg.WBEM, "SELECT Name FROM CIM_NameSpace", "root/interop")
			if protocols.IsAcceptableWBEMError(err) {
				return nil
			}
			return err
		},
		protocols.ProtocolWMI: func(ctx context.Context, hostname string, cfg *protocols.Configurations) error {
			_, err := c.WMI.Query(ctx, hostname, cfg.WMITransport(), "SELECT Name FROM Win32_ComputerSystem", "root/cimv2")
			return err
		},
		protocols.ProtocolSSH: func(ctx context.Context, hostname string, cfg *protocols.Configurations) error {
			_, err := c.SSH.RunCommand(ctx, hostname, cfg.SSH, "echo ok", 30*time.Second)
			return err
		},
		protocols.ProtocolIPMI: func(ctx context.Context, hostname string, cfg *protocols.Configurations) error {
			_, err := c.IPMI.Sensors(ctx, hostname, cfg.IPMI)
			return err
		},
	}
}

func (s *ProtocolHealthCheckStrategy) Run(ctx context.Context) error {
	host := s.session.Host
	if host.IsLocal() {
		return nil
	}
	monitor := s.hostMonitor()

	for id, probe := range s.probes() {
		if !host.Protocols.IsConfigured(id) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		up := 1.0
		if err := probe(ctx, host.Hostname, host.Protocols); err != nil {
			up = 0
			s.logger.Error().
				Str("hostname", host.Hostname).
				Str("protocol", id).
				Err(err).
				Msg("Protocol health check failed")
		}
		monitor.SetNumber(fmt.Sprintf(`%s{protocol="%s"}`, metricHostUp, id), up, time.Now())
	}
	return nil
}

// SimpleStrategy derives metrics from what the collect produced: energy from
// power samples and the power of the host from its enclosures.
type SimpleStrategy struct {
	base
}

func NewSimpleStrategy(session *telemetry.HostSession, engine *Engine, timeout time.Duration, logger zerolog.Logger) *SimpleStrategy {
	return &SimpleStrategy{base: newBase("simple", session, engine, timeout, logger)}
}

func (s *SimpleStrategy) Run(_ context.Context) error {
	cycleStart := s.session.StrategyTime()
	for _, m := range s.session.Registry.All() {
		estimateEnergy(m, cycleStart)
	}
	s.aggregateHostPower(cycleStart)
	return nil
}

// estimateEnergy integrates every power metric into its energy counterpart
// unless the connector collected the energy itself during this cycle.
func estimateEnergy(m *telemetry.Monitor, cycleStart time.Time) {
	for _, name := range m.MetricNames() {
		if !isPowerMetric(name) {
			continue
		}
		power, ok := m.NumberMetric(name)
		if !ok || power.CollectTime.Before(cycleStart) {
			continue
		}
		energyName := metricEnergy + strings.TrimPrefix(name, metricPower)
		energy, hasEnergy := m.NumberMetric(energyName)
		if hasEnergy && !energy.CollectTime.Before(cycleStart) {
			continue
		}
		if !power.HasPrevious {
			if !hasEnergy {
				m.SetNumber(energyName, 0, power.CollectTime)
			}
			continue
		}
		m.SetNumber(energyName, energy.Value+power.PreviousValue*power.Elapsed().Seconds(), power.CollectTime)
	}
}

// isPowerMetric matches hw.power and its labelled variants only.
func isPowerMetric(name string) bool {
	return name == metricPower || strings.HasPrefix(name, metricPower+"{")
}

func (s *SimpleStrategy) aggregateHostPower(cycleStart time.Time) {
	host, ok := s.session.Registry.FindMonitor(telemetry.HostMonitorType, s.session.Hostname())
	if !ok {
		return
	}
	if current, ok := host.NumberMetric(metricHostPower); ok && !current.CollectTime.Before(cycleStart) {
		return
	}

	total, found := 0.0, false
	var at time.Time
	for _, enclosure := range s.session.Registry.SortedMonitors("enclosure") {
		for _, name := range enclosure.MetricNames() {
			if !isPowerMetric(name) {
				continue
			}
			power, ok := enclosure.NumberMetric(name)
			if !ok || power.CollectTime.Before(cycleStart) {
				continue
			}
			total += power.Value
			found = true
			if power.CollectTime.After(at) {
				at = power.CollectTime
			}
		}
	}
	if found {
		host.SetNumber(metricHostPower, total, at)
	}
}

// PostCollectStrategy flags the monitors the last discovery did not see.
type PostCollectStrategy struct {
	base
}

func NewPostCollectStrategy(session *telemetry.HostSession, engine *Engine, timeout time.Duration, logger zerolog.Logger) *PostCollectStrategy {
	return &PostCollectStrategy{base: newBase("post_collect", session, engine, timeout, logger)}
}

// PresentMetric is the name of the presence metric of a monitor type.
func PresentMetric(monitorType string) string {
	return fmt.Sprintf(`hw.status{hw.type="%s",state="present"}`, monitorType)
}

func (s *PostCollectStrategy) Run(_ context.Context) error {
	discoveryRun := s.session.DiscoveryRun()
	missing := 0
	for _, m := range s.session.Registry.All() {
		if m.Type() == telemetry.HostMonitorType {
			continue
		}
		present := 1.0
		if m.IsStale(discoveryRun) {
			present = 0
			missing++
		}
		m.SetNumber(PresentMetric(m.Type()), present, s.strategyTime)
	}
	if missing > 0 {
		s.logger.Debug().Str("hostname", s.session.Hostname()).Int("missing", missing).Msg("Monitors missing since last discovery")
	}

	for _, monitorType := range s.session.Registry.Types() {
		s.engine.Metrics.monitors.WithLabelValues(monitorType).Set(float64(s.session.Registry.CountByType(monitorType)))
	}
	return nil
}
