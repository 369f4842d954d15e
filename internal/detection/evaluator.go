// Package detection decides which connectors apply to a host and resolves
// the "automatic" WBEM and WMI namespaces.
package detection

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nmslite/collector/internal/connector"
	"github.com/nmslite/collector/internal/oscommand"
	"github.com/nmslite/collector/internal/protocols"
	"github.com/nmslite/collector/internal/sourcetable"
	"github.com/nmslite/collector/internal/telemetry"
)

// CriterionResult is the outcome of one criterion.
type CriterionResult struct {
	Kind    string
	Success bool
	Message string
	Result  string
}

// Result is the outcome of a connector's detection.
type Result struct {
	ConnectorID string
	Success     bool
	Criteria    []CriterionResult
}

// Evaluator runs detection criteria against a host.
type Evaluator struct {
	clients  *protocols.Clients
	commands *oscommand.Runner
	logger   zerolog.Logger
}

func NewEvaluator(clients *protocols.Clients, commands *oscommand.Runner, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		clients:  clients,
		commands: commands,
		logger:   logger.With().Str("component", "detection").Logger(),
	}
}

// DetectConnectors evaluates every candidate connector and returns the IDs of
// those that match, minus the ones superseded by another match.
func (e *Evaluator) DetectConnectors(ctx context.Context, session *telemetry.HostSession) []string {
	var matched []*connector.Connector
	for _, c := range session.Connectors.All() {
		if len(session.Host.Connectors) > 0 && !slices.Contains(session.Host.Connectors, c.ID) {
			continue
		}
		result := e.Evaluate(ctx, session, c)
		if result.Success {
			matched = append(matched, c)
		}
	}

	superseded := make(map[string]bool)
	for _, c := range matched {
		if c.Detection == nil {
			continue
		}
		for _, id := range c.Detection.Supersedes {
			superseded[id] = true
		}
	}

	ids := make([]string, 0, len(matched))
	for _, c := range matched {
		if superseded[c.ID] {
			e.logger.Debug().Str("connector_id", c.ID).Msg("Connector superseded by another detected connector")
			continue
		}
		ids = append(ids, c.ID)
	}
	sort.Strings(ids)
	return ids
}

// Evaluate ANDs the connector's criteria. It stops at the first failure.
func (e *Evaluator) Evaluate(ctx context.Context, session *telemetry.HostSession, c *connector.Connector) Result {
	result := Result{ConnectorID: c.ID}
	if c.Detection == nil {
		result.Criteria = append(result.Criteria, CriterionResult{Message: "connector has no detection"})
		return result
	}
	if !c.Detection.AppliesToHost(session.Host.Type) {
		result.Criteria = append(result.Criteria, CriterionResult{
			Message: fmt.Sprintf("connector does not apply to %s hosts", session.Host.Type),
		})
		return result
	}

	for _, criterion := range c.Detection.Criteria {
		cr := e.evaluateCriterion(ctx, session, c, criterion)
		result.Criteria = append(result.Criteria, cr)

		e.logger.Debug().
			Str("hostname", session.Hostname()).
			Str("connector_id", c.ID).
			Str("criterion", cr.Kind).
			Bool("success", cr.Success).
			Str("message", cr.Message).
			Msg("Detection criterion evaluated")

		if !cr.Success {
			return result
		}
	}
	result.Success = true
	return result
}

func (e *Evaluator) evaluateCriterion(ctx context.Context, session *telemetry.HostSession, c *connector.Connector, criterion connector.Criterion) (cr CriterionResult) {
	cr.Kind = criterion.CriterionKind()
	defer func() {
		if r := recover(); r != nil {
			cr.Success = false
			cr.Message = fmt.Sprintf("criterion panicked: %v", r)
		}
	}()

	host := session.Host
	cfg := host.Protocols

	switch k := criterion.(type) {
	case connector.DeviceTypeCriterion:
		return deviceType(cr, k, host.Type)

	case connector.HTTPCriterion:
		if cfg.HTTP == nil {
			return notConfigured(cr, protocols.ProtocolHTTP)
		}
		out, err := e.clients.HTTP.Do(ctx, host.Hostname, cfg.HTTP, protocols.HTTPRequest{
			Method: k.Method, URL: k.URL, Header: k.Header, Body: k.Body, ResultContent: k.ResultContent,
		})
		return expect(cr, out, err, k.ExpectedResult)

	case connector.SNMPGetCriterion:
		if cfg.SNMP == nil {
			return notConfigured(cr, protocols.ProtocolSNMP)
		}
		out, err := e.clients.SNMP.Get(ctx, host.Hostname, cfg.SNMP, k.OID)
		if err == nil && out == "" {
			err = fmt.Errorf("no value at %s", k.OID)
		}
		return expect(cr, out, err, k.ExpectedResult)

	case connector.SNMPGetNextCriterion:
		if cfg.SNMP == nil {
			return notConfigured(cr, protocols.ProtocolSNMP)
		}
		next, out, err := e.clients.SNMP.GetNext(ctx, host.Hostname, cfg.SNMP, k.OID)
		if err == nil && !strings.HasPrefix(next, strings.TrimPrefix(k.OID, ".")+".") {
			err = fmt.Errorf("nothing under %s", k.OID)
		}
		return expect(cr, out, err, k.ExpectedResult)

	case connector.WBEMCriterion:
		if cfg.WBEM == nil {
			return notConfigured(cr, protocols.ProtocolWBEM)
		}
		namespace := k.Namespace
		if strings.EqualFold(namespace, connector.AutomaticNamespace) {
			ns, err := e.AutomaticNamespace(ctx, session, c, protocols.ProtocolWBEM)
			if err != nil {
				cr.Message = fmt.Sprintf("namespace detection failed: %v", err)
				return cr
			}
			namespace = ns
		}
		rows, err := e.clients.WBEM.Query(ctx, host.Hostname, cfg.WBEM, k.Query, namespace)
		return expect(cr, sourcetable.TableToCSV(rows, sourcetable.DefaultSeparator), err, k.ExpectedResult)

	case connector.WMICriterion:
		transport := cfg.WMITransport()
		if transport == nil {
			return notConfigured(cr, protocols.ProtocolWMI)
		}
		namespace := k.Namespace
		if strings.EqualFold(namespace, connector.AutomaticNamespace) {
			ns, err := e.AutomaticNamespace(ctx, session, c, protocols.ProtocolWMI)
			if err != nil {
				cr.Message = fmt.Sprintf("namespace detection failed: %v", err)
				return cr
			}
			namespace = ns
		}
		rows, err := e.clients.WMI.Query(ctx, host.Hostname, transport, k.Query, namespace)
		return expect(cr, sourcetable.TableToCSV(rows, sourcetable.DefaultSeparator), err, k.ExpectedResult)

	case connector.OSCommandCriterion:
		out, err := e.commands.Run(ctx, host, k.CommandLine, protocols.Seconds(k.TimeoutSeconds, 0), k.ExecuteLocally)
		return expect(cr, out, err, k.ExpectedResult)

	case connector.IPMICriterion:
		return e.ipmi(ctx, cr, host)

	case connector.ProcessCriterion:
		return e.process(ctx, cr, host, k)

	case connector.ServiceCriterion:
		return e.service(ctx, cr, host, k)
	}

	cr.Message = fmt.Sprintf("unsupported criterion %q", cr.Kind)
	return cr
}

func deviceType(cr CriterionResult, k connector.DeviceTypeCriterion, hostType connector.HostType) CriterionResult {
	if len(k.Keep) > 0 && !slices.Contains(k.Keep, hostType) {
		cr.Message = fmt.Sprintf("host type %s is not in %v", hostType, k.Keep)
		return cr
	}
	if slices.Contains(k.Exclude, hostType) {
		cr.Message = fmt.Sprintf("host type %s is excluded", hostType)
		return cr
	}
	cr.Success = true
	cr.Message = fmt.Sprintf("host type %s accepted", hostType)
	return cr
}

func notConfigured(cr CriterionResult, protocol string) CriterionResult {
	cr.Message = fmt.Sprintf("%s is not configured for this host", protocol)
	return cr
}

// expect fills the criterion result from a protocol answer. An empty
// expectation only requires the request to succeed.
func expect(cr CriterionResult, out string, err error, expected string) CriterionResult {
	cr.Result = out
	if err != nil {
		cr.Message = err.Error()
		return cr
	}
	if expected != "" && !MatchesExpected(out, expected) {
		cr.Message = fmt.Sprintf("result does not match %q", expected)
		return cr
	}
	cr.Success = true
	cr.Message = "criterion matched"
	return cr
}

// MatchesExpected matches a result against a case-insensitive regular
// expression, or a plain substring when the pattern does not compile.
func MatchesExpected(result, expected string) bool {
	re, err := regexp.Compile("(?is)" + expected)
	if err != nil {
		return strings.Contains(strings.ToLower(result), strings.ToLower(expected))
	}
	return re.MatchString(result)
}

func (e *Evaluator) ipmi(ctx context.Context, cr CriterionResult, host telemetry.Host) CriterionResult {
	cfg := host.Protocols
	switch {
	case host.Type == connector.HostWindows:
		transport := cfg.WMITransport()
		if transport == nil {
			return notConfigured(cr, protocols.ProtocolWMI)
		}
		rows, err := e.clients.WMI.Query(ctx, host.Hostname, transport, "SELECT Description FROM ComputerSystem", "root/hardware")
		return expect(cr, sourcetable.TableToCSV(rows, sourcetable.DefaultSeparator), err, "")

	case host.Type.IsUnix():
		cmd := "%{SUDO:ipmitool}" + protocols.InBandCommand(cfg.IPMI) + " bmc info"
		out, err := e.commands.Run(ctx, host, cmd, 0, false)
		return expect(cr, out, err, "Device ID")

	case host.Type == connector.HostOOB:
		if cfg.IPMI == nil {
			return notConfigured(cr, protocols.ProtocolIPMI)
		}
		res, err := e.clients.IPMI.Sensors(ctx, host.Hostname, cfg.IPMI)
		return expect(cr, res.FRU, err, "")
	}
	cr.Message = fmt.Sprintf("IPMI is not supported on %s hosts", host.Type)
	return cr
}

func (e *Evaluator) process(ctx context.Context, cr CriterionResult, host telemetry.Host, k connector.ProcessCriterion) CriterionResult {
	var (
		listing string
		err     error
	)
	switch {
	case host.Type == connector.HostWindows:
		transport := host.Protocols.WMITransport()
		if transport == nil {
			return notConfigured(cr, protocols.ProtocolWMI)
		}
		var rows [][]string
		rows, err = e.clients.WMI.Query(ctx, host.Hostname, transport, "SELECT ProcessId, Name, CommandLine FROM Win32_Process", "root/cimv2")
		listing = sourcetable.TableToCSV(rows, sourcetable.DefaultSeparator)
	case host.Type.IsUnix():
		listing, err = e.commands.Run(ctx, host, "ps -A -o pid= -o comm= -o args=", 0, false)
	default:
		cr.Message = fmt.Sprintf("process criteria are not supported on %s hosts", host.Type)
		return cr
	}
	if err != nil {
		cr.Message = err.Error()
		return cr
	}
	for _, line := range strings.Split(listing, "\n") {
		if MatchesExpected(line, k.CommandLine) {
			cr.Success = true
			cr.Result = strings.TrimSpace(line)
			cr.Message = "process found"
			return cr
		}
	}
	cr.Message = fmt.Sprintf("no process matches %q", k.CommandLine)
	return cr
}

func (e *Evaluator) service(ctx context.Context, cr CriterionResult, host telemetry.Host, k connector.ServiceCriterion) CriterionResult {
	if host.Type != connector.HostWindows {
		cr.Message = "service criteria only apply to Windows hosts"
		return cr
	}
	if k.Name == "" {
		cr.Message = "service name is empty"
		return cr
	}
	transport := host.Protocols.WMITransport()
	if transport == nil {
		return notConfigured(cr, protocols.ProtocolWMI)
	}
	query := fmt.Sprintf("SELECT Name, State FROM Win32_Service WHERE Name = '%s'", strings.ReplaceAll(k.Name, "'", "''"))
	rows, err := e.clients.WMI.Query(ctx, host.Hostname, transport, query, "root/cimv2")
	if err != nil {
		cr.Message = err.Error()
		return cr
	}
	if len(rows) == 0 {
		cr.Message = fmt.Sprintf("service %s is not installed", k.Name)
		return cr
	}
	cr.Result = sourcetable.TableToCSV(rows, sourcetable.DefaultSeparator)
	if len(rows[0]) < 2 || !strings.EqualFold(rows[0][1], "Running") {
		cr.Message = fmt.Sprintf("service %s is not running", k.Name)
		return cr
	}
	cr.Success = true
	cr.Message = fmt.Sprintf("service %s is running", k.Name)
	return cr
}

// isAuthError reports failures that must stop namespace detection.
func isAuthError(err error) bool {
	return errors.Is(err, protocols.ErrAuthentication)
}
