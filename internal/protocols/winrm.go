package protocols

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/masterzen/winrm"
	"github.com/rs/zerolog"
)

const defaultWinRMTimeout = 60 * time.Second

// winrmClient serves both WinRM commands and WMI queries. WQL runs through
// Get-CimInstance and comes back as JSON.
type winrmClient struct {
	logger zerolog.Logger
}

func newWinRMClient(logger zerolog.Logger) *winrmClient {
	return &winrmClient{logger: logger.With().Str("component", "winrm_client").Logger()}
}

// NewWinRMClient returns a WinRMClient backed by masterzen/winrm.
func NewWinRMClient(logger zerolog.Logger) WinRMClient { return newWinRMClient(logger) }

// NewWMIClient returns a WMIClient that runs WQL over WinRM.
func NewWMIClient(logger zerolog.Logger) WMIClient { return newWinRMClient(logger) }

// connect creates a WinRM client based on the provided configuration
//   - If domain is empty, uses Basic Auth
//   - If domain is provided, uses NTLM Auth
//   - If https is true, uses HTTPS endpoint (typically port 5986)
func (c *winrmClient) connect(hostname string, cfg *WinRMConfig) (*winrm.Client, error) {
	if cfg == nil {
		return nil, ErrProtocolNotConfigured
	}
	endpoint := winrm.NewEndpoint(
		hostname,
		GetRegistry().MustProtocol(ProtocolWinRM).Port(cfg.Port, cfg.HTTPS),
		cfg.HTTPS,
		true, // insecure - skip certificate verification
		nil,  // CA certificate
		nil,  // client certificate
		nil,  // client key
		Seconds(cfg.TimeoutSeconds, defaultWinRMTimeout),
	)

	var (
		client *winrm.Client
		err    error
	)
	if cfg.Domain != "" {
		params := winrm.DefaultParameters
		params.TransportDecorator = func() winrm.Transporter {
			return &winrm.ClientNTLM{}
		}
		client, err = winrm.NewClientWithParameters(
			endpoint,
			fmt.Sprintf("%s\\%s", cfg.Domain, cfg.Username),
			cfg.Password,
			params,
		)
	} else {
		client, err = winrm.NewClient(endpoint, cfg.Username, cfg.Password)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create WinRM client: %w", err)
	}
	return client, nil
}

func (c *winrmClient) RunCommand(ctx context.Context, hostname string, cfg *WinRMConfig, command string) (string, error) {
	client, err := c.connect(hostname, cfg)
	if err != nil {
		return "", err
	}

	stdout, stderr, exitCode, err := client.RunWithContextWithString(ctx, command, "")
	if err != nil {
		return "", classifyWinRMError(fmt.Errorf("WinRM execution failed: %w", err))
	}
	if exitCode != 0 {
		return "", fmt.Errorf("command failed (exit code %d): %s", exitCode, strings.TrimSpace(stderr))
	}
	return stdout, nil
}

// Query runs a WQL query in namespace and returns one row per instance with
// the selected properties in query order.
func (c *winrmClient) Query(ctx context.Context, hostname string, cfg *WinRMConfig, query, namespace string) ([][]string, error) {
	client, err := c.connect(hostname, cfg)
	if err != nil {
		return nil, err
	}
	if namespace == "" {
		namespace = GetRegistry().MustProtocol(ProtocolWMI).DefaultNamespace
	}

	script := BuildCIMScript(query, namespace)
	c.logger.Debug().Str("hostname", hostname).Str("namespace", namespace).Str("query", query).Msg("Executing WQL query")

	stdout, stderr, exitCode, err := client.RunWithContextWithString(ctx, winrm.Powershell(script), "")
	if err != nil {
		return nil, classifyWinRMError(fmt.Errorf("WinRM execution failed: %w", err))
	}
	if exitCode != 0 || (strings.TrimSpace(stdout) == "" && strings.TrimSpace(stderr) != "") {
		if cimErr := ParseCIMErrorText(stderr); cimErr != nil {
			return nil, cimErr
		}
		return nil, fmt.Errorf("PowerShell command failed (exit code %d): %s", exitCode, strings.TrimSpace(stderr))
	}
	return ParseCIMJSON(stdout, SelectedProperties(query))
}

// BuildCIMScript builds the PowerShell pipeline that runs a WQL query.
func BuildCIMScript(query, namespace string) string {
	return fmt.Sprintf(
		"$ErrorActionPreference='Stop'; Get-CimInstance -Namespace '%s' -Query '%s' | ConvertTo-Json -Compress -Depth 2",
		strings.ReplaceAll(namespace, "'", "''"),
		strings.ReplaceAll(query, "'", "''"),
	)
}

// SelectedProperties returns the property list of a WQL SELECT, or nil for
// SELECT *.
func SelectedProperties(query string) []string {
	q := strings.TrimSpace(query)
	upper := strings.ToUpper(q)
	if !strings.HasPrefix(upper, "SELECT ") {
		return nil
	}
	from := strings.Index(upper, " FROM ")
	if from < 0 {
		return nil
	}
	list := strings.TrimSpace(q[len("SELECT "):from])
	if list == "*" {
		return nil
	}
	var props []string
	for _, p := range strings.Split(list, ",") {
		if p = strings.TrimSpace(p); p != "" {
			props = append(props, p)
		}
	}
	return props
}

// ParseCIMJSON converts ConvertTo-Json output into rows. Property names
// match case-insensitively; without a select list every property is
// returned in name order.
func ParseCIMJSON(output string, properties []string) ([][]string, error) {
	output = strings.TrimSpace(output)
	if output == "" {
		return [][]string{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(output)))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse CIM output: %w", err)
	}

	var instances []map[string]any
	switch v := raw.(type) {
	case []any:
		for _, item := range v {
			if obj, ok := item.(map[string]any); ok {
				instances = append(instances, obj)
			}
		}
	case map[string]any:
		instances = append(instances, v)
	default:
		return nil, fmt.Errorf("unexpected CIM output type %T", raw)
	}

	rows := make([][]string, 0, len(instances))
	for _, inst := range instances {
		props := properties
		if props == nil {
			props = instanceProperties(inst)
		}
		row := make([]string, 0, len(props))
		for _, p := range props {
			row = append(row, cimCell(lookupFold(inst, p)))
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// instanceProperties lists the properties of an instance, skipping the
// Cim* bookkeeping members PowerShell adds.
func instanceProperties(inst map[string]any) []string {
	props := make([]string, 0, len(inst))
	for k := range inst {
		if strings.HasPrefix(k, "Cim") || strings.HasPrefix(k, "PSComputerName") {
			continue
		}
		props = append(props, k)
	}
	sort.Strings(props)
	return props
}

func lookupFold(inst map[string]any, key string) any {
	if v, ok := inst[key]; ok {
		return v
	}
	for k, v := range inst {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return nil
}

func cimCell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, cimCell(item))
		}
		return strings.Join(parts, "|")
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// ParseCIMErrorText recognises the CIM failures PowerShell reports for a
// missing namespace, class or instance.
func ParseCIMErrorText(stderr string) error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "invalid namespace"):
		return &WBEMError{Code: CIMErrInvalidNamespace, Description: "invalid namespace"}
	case strings.Contains(lower, "invalid class"):
		return &WBEMError{Code: CIMErrInvalidClass, Description: "invalid class"}
	case strings.Contains(lower, "not found"):
		return &WBEMError{Code: CIMErrNotFound, Description: "not found"}
	}
	return nil
}

func classifyWinRMError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "access is denied") {
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return err
}
