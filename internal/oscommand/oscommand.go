// Package oscommand runs connector command lines on the monitored host and
// turns their output into table rows.
package oscommand

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nmslite/collector/internal/connector"
	"github.com/nmslite/collector/internal/protocols"
	"github.com/nmslite/collector/internal/sourcetable"
	"github.com/nmslite/collector/internal/telemetry"
)

const defaultTimeout = 30 * time.Second

var sudoMacro = regexp.MustCompile(`(?i)%\{SUDO:[^}]*\}`)

// Runner picks the transport a command line runs on: the collector itself,
// WinRM for Windows hosts, SSH for everything else.
type Runner struct {
	clients *protocols.Clients
	logger  zerolog.Logger
}

func NewRunner(clients *protocols.Clients, logger zerolog.Logger) *Runner {
	return &Runner{
		clients: clients,
		logger:  logger.With().Str("component", "os_command").Logger(),
	}
}

// Run expands the macros of commandLine and executes it.
func (r *Runner) Run(ctx context.Context, host telemetry.Host, commandLine string, timeout time.Duration, executeLocally bool) (string, error) {
	cfg := host.Protocols
	if cfg == nil {
		cfg = &protocols.Configurations{}
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	switch {
	case executeLocally || host.IsLocal():
		sudo := ""
		if cfg.OSCommand != nil {
			sudo = cfg.OSCommand.SudoCommand
			timeout = protocols.Seconds(cfg.OSCommand.TimeoutSeconds, timeout)
		}
		cmd := ReplaceMacros(commandLine, host.Hostname, "", "", sudo)
		return r.clients.Command.Run(ctx, cmd, timeout)

	case host.Type == connector.HostWindows:
		if cfg.WinRM == nil {
			return "", fmt.Errorf("%w: winrm", protocols.ErrProtocolNotConfigured)
		}
		cmd := ReplaceMacros(commandLine, host.Hostname, cfg.WinRM.Username, cfg.WinRM.Password, "")
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return r.clients.WinRM.RunCommand(ctx, host.Hostname, cfg.WinRM, cmd)

	default:
		if cfg.SSH == nil {
			return "", fmt.Errorf("%w: ssh", protocols.ErrProtocolNotConfigured)
		}
		cmd := ReplaceMacros(commandLine, host.Hostname, cfg.SSH.Username, cfg.SSH.Password, cfg.SSH.SudoCommand)
		return r.clients.SSH.RunCommand(ctx, host.Hostname, cfg.SSH, cmd, protocols.Seconds(cfg.SSH.TimeoutSeconds, timeout))
	}
}

// ReplaceMacros expands %{HOSTNAME}, %{USERNAME}, %{PASSWORD} and
// %{SUDO:<command>}. The sudo macro becomes the sudo command followed by a
// space, or nothing when no sudo command is configured.
func ReplaceMacros(commandLine, hostname, username, password, sudo string) string {
	prefix := ""
	if sudo != "" {
		prefix = sudo + " "
	}
	out := sudoMacro.ReplaceAllLiteralString(commandLine, prefix)
	return replaceFold(out, map[string]string{
		"%{HOSTNAME}": hostname,
		"%{USERNAME}": username,
		"%{PASSWORD}": password,
	})
}

func replaceFold(s string, macros map[string]string) string {
	for macro, value := range macros {
		re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(macro))
		s = re.ReplaceAllLiteralString(s, value)
	}
	return s
}

// Filter applies the line filter of a command source to its output.
func Filter(output string, f connector.LineFilter) ([][]string, error) {
	var (
		exclude, keep *regexp.Regexp
		err           error
	)
	if f.ExcludeRegExp != "" {
		if exclude, err = regexp.Compile(f.ExcludeRegExp); err != nil {
			return nil, fmt.Errorf("invalid exclude expression: %w", err)
		}
	}
	if f.KeepOnlyRegExp != "" {
		if keep, err = regexp.Compile(f.KeepOnlyRegExp); err != nil {
			return nil, fmt.Errorf("invalid keep expression: %w", err)
		}
	}

	lines := strings.Split(strings.ReplaceAll(output, "\r\n", "\n"), "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	rows := [][]string{}
	for i, line := range lines {
		number := i + 1
		if f.BeginAtLineNumber > 0 && number < f.BeginAtLineNumber {
			continue
		}
		if f.EndAtLineNumber > 0 && number > f.EndAtLineNumber {
			break
		}
		if exclude != nil && exclude.MatchString(line) {
			continue
		}
		if keep != nil && !keep.MatchString(line) {
			continue
		}

		var cells []string
		switch {
		case f.Separators != "":
			cells = sourcetable.SplitAny(line, f.Separators)
		case len(f.SelectColumns) > 0:
			cells = strings.Fields(line)
		default:
			cells = []string{line}
		}

		if len(f.SelectColumns) > 0 {
			selected := make([]string, 0, len(f.SelectColumns))
			for _, col := range f.SelectColumns {
				if col >= 1 && col <= len(cells) {
					selected = append(selected, strings.TrimSpace(cells[col-1]))
				} else {
					selected = append(selected, "")
				}
			}
			cells = selected
		}
		rows = append(rows, cells)
	}
	return rows, nil
}
