// Package dispatcher executes connector sources against a host and publishes
// the resulting tables.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/nmslite/collector/internal/compute"
	"github.com/nmslite/collector/internal/connector"
	"github.com/nmslite/collector/internal/detection"
	"github.com/nmslite/collector/internal/oscommand"
	"github.com/nmslite/collector/internal/protocols"
	"github.com/nmslite/collector/internal/sourcetable"
	"github.com/nmslite/collector/internal/telemetry"
)

const defaultNamespace = "root/cimv2"

// ExecContext is what a source runs against.
type ExecContext struct {
	Session   *telemetry.HostSession
	Connector *connector.Connector
	Job       telemetry.JobInfo
	// Monitor is set for mono-instance collects; its device id replaces the
	// %<monitorType>.collect.deviceid% placeholder.
	Monitor *telemetry.Monitor
}

func (ec ExecContext) tables() *sourcetable.Store {
	return ec.Session.Tables(ec.Connector.ID)
}

// Dispatcher runs sources through the protocol clients.
type Dispatcher struct {
	clients    *protocols.Clients
	commands   *oscommand.Runner
	namespaces *detection.Evaluator
	logger     zerolog.Logger
	executions *prometheus.CounterVec
}

func New(clients *protocols.Clients, commands *oscommand.Runner, namespaces *detection.Evaluator, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		clients:    clients,
		commands:   commands,
		namespaces: namespaces,
		logger:     logger.With().Str("component", "dispatcher").Logger(),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collector",
			Name:      "source_executions_total",
			Help:      "Source executions by kind and outcome.",
		}, []string{"kind", "outcome"}),
	}
}

// Collectors returns the dispatcher's self-metrics for registration.
func (d *Dispatcher) Collectors() []prometheus.Collector {
	return []prometheus.Collector{d.executions}
}

// Process executes sources in dependency order, applies their computes and
// publishes every table under its source key. Only an unresolvable order or
// a cancelled context stop the job.
func (d *Dispatcher) Process(ctx context.Context, sources []connector.Source, executionOrder []string, dependencies map[string][]string, ec ExecContext) error {
	ordered, err := connector.OrderSources(sources, executionOrder, dependencies)
	if err != nil {
		return fmt.Errorf("connector %s, %s: %w", ec.Connector.ID, ec.Job.JobName, err)
	}

	store := ec.tables()
	for _, src := range ordered {
		if err := ctx.Err(); err != nil {
			return err
		}
		table := d.Execute(ctx, src, ec)
		if computes := src.Computes(); len(computes) > 0 && !table.IsEmpty() {
			computed, err := compute.Apply(table, computes, ec.Connector)
			if err != nil {
				d.logger.Error().
					Object("job", ec.Job).
					Str("source_key", src.Key()).
					Err(err).
					Msg("Compute failed, publishing an empty table")
			}
			table = computed
		}
		store.Put(src.Key(), table)
	}
	return nil
}

// Execute runs one source. It never fails: errors are logged and turned
// into an empty table.
func (d *Dispatcher) Execute(ctx context.Context, src connector.Source, ec ExecContext) (table sourcetable.SourceTable) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.fail(src, ec, fmt.Errorf("source panicked: %v", r))
			table = sourcetable.Empty()
		}
		outcome := "ok"
		if table.IsEmpty() {
			outcome = "empty"
		}
		d.executions.WithLabelValues(string(src.Kind()), outcome).Inc()
		d.logger.Trace().
			Object("job", ec.Job).
			Str("source_key", src.Key()).
			Int("rows", table.RowCount()).
			Dur("elapsed", time.Since(start)).
			Msg("Source executed")
	}()

	if ec.Monitor != nil {
		src = substituteDeviceID(src, ec.Job.MonitorType, ec.Monitor.DeviceID())
	}

	var err error
	switch s := src.(type) {
	case *connector.ReferenceSource:
		table = d.reference(s, ec)
	case *connector.StaticSource:
		table = static(s.Value, s.Separator)
	case *connector.TableJoinSource:
		table, err = d.join(s, ec)
	case *connector.TableUnionSource:
		table = d.union(s, ec)
	case *connector.HTTPSource:
		table, err = d.http(ctx, s, ec)
	case *connector.SNMPGetSource:
		table, err = d.snmpGet(ctx, s, ec)
	case *connector.SNMPTableSource:
		table, err = d.snmpTable(ctx, s, ec)
	case *connector.WBEMSource:
		table, err = d.wbem(ctx, s, ec)
	case *connector.WMISource:
		table, err = d.wmi(ctx, s, ec)
	case *connector.IPMISource:
		table, err = d.ipmi(ctx, ec)
	case *connector.OSCommandSource:
		table, err = d.osCommand(ctx, s, ec)
	case *connector.SSHInteractiveSource:
		table, err = d.sshInteractive(ctx, s, ec)
	default:
		err = fmt.Errorf("unsupported source kind %q", src.Kind())
	}

	if err != nil {
		d.fail(src, ec, err)
		return sourcetable.Empty()
	}
	return table
}

func (d *Dispatcher) fail(src connector.Source, ec ExecContext, err error) {
	event := d.logger.Error()
	if errors.Is(err, protocols.ErrProtocolNotConfigured) {
		event = d.logger.Debug()
	}
	event.
		Object("job", ec.Job).
		Str("source_key", src.Key()).
		Str("source_kind", string(src.Kind())).
		Err(err).
		Msg("Source execution failed")
}

func (d *Dispatcher) reference(s *connector.ReferenceSource, ec ExecContext) sourcetable.SourceTable {
	t, ok := ec.tables().Get(s.Reference)
	if !ok {
		d.logger.Debug().Object("job", ec.Job).Str("source_key", s.Key()).Str("reference", s.Reference).Msg("Referenced table not found")
		return sourcetable.Empty()
	}
	return t.Copy()
}

func static(value, separator string) sourcetable.SourceTable {
	if separator == "" {
		separator = sourcetable.DefaultSeparator
	}
	t := sourcetable.FromRaw(value)
	if strings.Contains(value, separator) {
		t.Table = sourcetable.CSVToTable(value, separator)
	} else {
		t.Table = [][]string{{value}}
	}
	return t
}

func (d *Dispatcher) join(s *connector.TableJoinSource, ec ExecContext) (sourcetable.SourceTable, error) {
	store := ec.tables()
	left, okLeft := store.Get(s.LeftTable)
	right, okRight := store.Get(s.RightTable)
	if !okLeft || !okRight {
		return sourcetable.Empty(), fmt.Errorf("join of %s and %s: %w", s.LeftTable, s.RightTable, sourcetable.ErrInvalidJoin)
	}
	rows, err := sourcetable.Join(presentRows(left), presentRows(right), sourcetable.JoinSpec{
		LeftKeyColumn:    s.LeftKeyColumn,
		RightKeyColumn:   s.RightKeyColumn,
		DefaultRightLine: s.DefaultRightLine,
		Separator:        sourcetable.DefaultSeparator,
		KeyType:          s.KeyType,
		CaseInsensitive:  s.CaseInsensitive,
	})
	if err != nil {
		return sourcetable.Empty(), fmt.Errorf("join of %s and %s: %w", s.LeftTable, s.RightTable, err)
	}
	return tableOf(rows), nil
}

// presentRows returns the rows of a table found in the store. A source that
// ran and returned nothing is published with nil rows; it still takes part in
// joins as an empty table.
func presentRows(t sourcetable.SourceTable) [][]string {
	if t.Table == nil {
		return [][]string{}
	}
	return t.Table
}

func (d *Dispatcher) union(s *connector.TableUnionSource, ec ExecContext) sourcetable.SourceTable {
	store := ec.tables()
	var members []sourcetable.SourceTable
	for _, key := range s.Tables {
		t, ok := store.Get(key)
		if !ok {
			d.logger.Debug().Object("job", ec.Job).Str("source_key", s.Key()).Str("member", key).Msg("Union member not found")
			continue
		}
		members = append(members, t)
	}
	return sourcetable.Union(members...)
}

func (d *Dispatcher) snmpGet(ctx context.Context, s *connector.SNMPGetSource, ec ExecContext) (sourcetable.SourceTable, error) {
	host := ec.Session.Host
	if host.Protocols.SNMP == nil {
		return sourcetable.Empty(), fmt.Errorf("%w: snmp", protocols.ErrProtocolNotConfigured)
	}
	value, err := d.clients.SNMP.Get(ctx, host.Hostname, host.Protocols.SNMP, s.OID)
	if err != nil {
		return sourcetable.Empty(), fmt.Errorf("SNMP get %s: %w", s.OID, err)
	}
	if value == "" {
		return sourcetable.Empty(), nil
	}
	return sourcetable.SourceTable{Table: [][]string{{value}}, RawData: value}, nil
}

func (d *Dispatcher) snmpTable(ctx context.Context, s *connector.SNMPTableSource, ec ExecContext) (sourcetable.SourceTable, error) {
	host := ec.Session.Host
	if host.Protocols.SNMP == nil {
		return sourcetable.Empty(), fmt.Errorf("%w: snmp", protocols.ErrProtocolNotConfigured)
	}
	rows, err := d.clients.SNMP.Table(ctx, host.Hostname, host.Protocols.SNMP, s.OID, s.SelectColumns)
	if err != nil {
		return sourcetable.Empty(), fmt.Errorf("SNMP table %s: %w", s.OID, err)
	}
	return tableOf(rows), nil
}

func (d *Dispatcher) wbem(ctx context.Context, s *connector.WBEMSource, ec ExecContext) (sourcetable.SourceTable, error) {
	host := ec.Session.Host
	cfg := host.Protocols.WBEM
	if cfg == nil {
		return sourcetable.Empty(), fmt.Errorf("%w: wbem", protocols.ErrProtocolNotConfigured)
	}
	namespace, err := d.namespace(ctx, ec, protocols.ProtocolWBEM, s.Namespace, cfg.Namespace)
	if err != nil {
		return sourcetable.Empty(), err
	}
	rows, err := d.clients.WBEM.Query(ctx, host.Hostname, cfg, s.Query, namespace)
	if err != nil {
		return sourcetable.Empty(), fmt.Errorf("WBEM query in %s: %w", namespace, err)
	}
	return tableOf(rows), nil
}

func (d *Dispatcher) wmi(ctx context.Context, s *connector.WMISource, ec ExecContext) (sourcetable.SourceTable, error) {
	host := ec.Session.Host
	cfg := host.Protocols.WMITransport()
	if cfg == nil {
		return sourcetable.Empty(), fmt.Errorf("%w: wmi", protocols.ErrProtocolNotConfigured)
	}
	namespace, err := d.namespace(ctx, ec, protocols.ProtocolWMI, s.Namespace, cfg.Namespace)
	if err != nil {
		return sourcetable.Empty(), err
	}
	rows, err := d.clients.WMI.Query(ctx, host.Hostname, cfg, s.Query, namespace)
	if err != nil {
		return sourcetable.Empty(), fmt.Errorf("WMI query in %s: %w", namespace, err)
	}
	return tableOf(rows), nil
}

// namespace resolves the namespace a WBEM or WMI source runs in: the
// declared one, the auto-detected one for "automatic", else the configured
// default.
func (d *Dispatcher) namespace(ctx context.Context, ec ExecContext, protocol, declared, configured string) (string, error) {
	switch {
	case strings.EqualFold(declared, connector.AutomaticNamespace):
		ns, err := d.namespaces.AutomaticNamespace(ctx, ec.Session, ec.Connector, protocol)
		if err != nil {
			return "", fmt.Errorf("automatic namespace: %w", err)
		}
		return ns, nil
	case declared != "":
		return declared, nil
	case configured != "":
		return configured, nil
	}
	return defaultNamespace, nil
}

func (d *Dispatcher) osCommand(ctx context.Context, s *connector.OSCommandSource, ec ExecContext) (sourcetable.SourceTable, error) {
	out, err := d.commands.Run(ctx, ec.Session.Host, s.CommandLine, protocols.Seconds(s.TimeoutSeconds, 0), s.ExecuteLocally)
	if err != nil {
		return sourcetable.Empty(), fmt.Errorf("OS command: %w", err)
	}
	rows, err := oscommand.Filter(out, s.LineFilter)
	if err != nil {
		return sourcetable.Empty(), err
	}
	return tableOf(rows), nil
}

func (d *Dispatcher) sshInteractive(ctx context.Context, s *connector.SSHInteractiveSource, ec ExecContext) (sourcetable.SourceTable, error) {
	host := ec.Session.Host
	if host.Protocols.SSH == nil {
		return sourcetable.Empty(), fmt.Errorf("%w: ssh", protocols.ErrProtocolNotConfigured)
	}
	out, err := d.clients.SSH.Interactive(ctx, host.Hostname, host.Protocols.SSH, s.Port, s.Steps)
	if err != nil {
		return sourcetable.Empty(), fmt.Errorf("SSH interactive session: %w", err)
	}
	rows, err := oscommand.Filter(out, s.LineFilter)
	if err != nil {
		return sourcetable.Empty(), err
	}
	return tableOf(rows), nil
}

// tableOf wraps rows and keeps their CSV form as the raw payload.
func tableOf(rows [][]string) sourcetable.SourceTable {
	if len(rows) == 0 {
		return sourcetable.Empty()
	}
	return sourcetable.SourceTable{Table: rows, RawData: sourcetable.TableToCSV(rows, sourcetable.DefaultSeparator)}
}

var deviceIDPatterns sync.Map

// deviceIDPattern matches %<monitorType>.collect.deviceid%. Patterns are
// compiled once per monitor type.
func deviceIDPattern(monitorType string) *regexp.Regexp {
	if re, ok := deviceIDPatterns.Load(monitorType); ok {
		return re.(*regexp.Regexp)
	}
	re, _ := deviceIDPatterns.LoadOrStore(monitorType,
		regexp.MustCompile(`(?i)%`+regexp.QuoteMeta(monitorType)+`\.collect\.deviceid%`))
	return re.(*regexp.Regexp)
}

// substituteDeviceID returns a copy of src with the monitor's device id in
// place of the placeholder. src itself is a shared template and is never
// modified.
func substituteDeviceID(src connector.Source, monitorType, deviceID string) connector.Source {
	re := deviceIDPattern(monitorType)
	replace := func(s string) string { return re.ReplaceAllLiteralString(s, deviceID) }

	cp := src.Clone()
	switch s := cp.(type) {
	case *connector.SNMPGetSource:
		s.OID = replace(s.OID)
	case *connector.SNMPTableSource:
		s.OID = replace(s.OID)
	case *connector.HTTPSource:
		s.URL = replace(s.URL)
		s.Header = replace(s.Header)
		s.Body = replace(s.Body)
	case *connector.WBEMSource:
		s.Query = replace(s.Query)
	case *connector.WMISource:
		s.Query = replace(s.Query)
	case *connector.OSCommandSource:
		s.CommandLine = replace(s.CommandLine)
	}
	return cp
}
