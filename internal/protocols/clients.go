// Package protocols holds the protocol configurations of a host and the
// clients the dispatcher calls to reach it.
package protocols

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/nmslite/collector/internal/connector"
)

// HTTPRequest is one request issued by an HTTP source or criterion.
type HTTPRequest struct {
	Method string
	// URL is either absolute or a path appended to the host base URL.
	URL string
	// Header holds "Name: value" lines.
	Header string
	Body   string
	// ResultContent is one of body, header, http_status, all.
	ResultContent string
}

// HTTPClient executes HTTP requests.
type HTTPClient interface {
	Do(ctx context.Context, hostname string, cfg *HTTPConfig, req HTTPRequest) (string, error)
}

// SNMPClient reads OIDs and tables.
type SNMPClient interface {
	Get(ctx context.Context, hostname string, cfg *SNMPConfig, oid string) (string, error)
	// GetNext returns the OID following oid and its value.
	GetNext(ctx context.Context, hostname string, cfg *SNMPConfig, oid string) (string, string, error)
	// Table walks oid and returns one row per index. Columns are sub-OID
	// numbers; "ID" selects the row index.
	Table(ctx context.Context, hostname string, cfg *SNMPConfig, oid string, columns []string) ([][]string, error)
}

// WBEMClient runs CIM queries over CIM-XML.
type WBEMClient interface {
	Query(ctx context.Context, hostname string, cfg *WBEMConfig, query, namespace string) ([][]string, error)
}

// WMIClient runs WQL queries.
type WMIClient interface {
	Query(ctx context.Context, hostname string, cfg *WinRMConfig, query, namespace string) ([][]string, error)
}

// WinRMClient runs command lines on Windows hosts.
type WinRMClient interface {
	RunCommand(ctx context.Context, hostname string, cfg *WinRMConfig, command string) (string, error)
}

// SSHClient runs command lines and interactive sessions on Unix hosts.
type SSHClient interface {
	RunCommand(ctx context.Context, hostname string, cfg *SSHConfig, command string, timeout time.Duration) (string, error)
	Interactive(ctx context.Context, hostname string, cfg *SSHConfig, port int, steps []connector.Step) (string, error)
}

// CommandRunner runs command lines on the collector itself.
type CommandRunner interface {
	Run(ctx context.Context, commandLine string, timeout time.Duration) (string, error)
}

// IPMIResult is the raw output of an IPMI inventory and sensor read.
type IPMIResult struct {
	FRU string
	SDR string
}

// IPMIClient reads a management card over LAN.
type IPMIClient interface {
	Sensors(ctx context.Context, hostname string, cfg *IPMIConfig) (IPMIResult, error)
}

// Clients bundles one client per protocol.
type Clients struct {
	HTTP    HTTPClient
	SNMP    SNMPClient
	WBEM    WBEMClient
	WMI     WMIClient
	WinRM   WinRMClient
	SSH     SSHClient
	Command CommandRunner
	IPMI    IPMIClient
}

// NewClients returns the network implementations of every client.
func NewClients(logger zerolog.Logger) *Clients {
	winrm := newWinRMClient(logger)
	command := NewCommandRunner(logger)
	return &Clients{
		HTTP:    NewHTTPClient(logger),
		SNMP:    NewSNMPClient(logger),
		WBEM:    NewWBEMClient(logger),
		WMI:     winrm,
		WinRM:   winrm,
		SSH:     NewSSHClient(logger),
		Command: command,
		IPMI:    NewIPMIClient(command, logger),
	}
}
