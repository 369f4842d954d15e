package dispatcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/nmslite/collector/internal/connector"
	"github.com/nmslite/collector/internal/protocols"
	"github.com/nmslite/collector/internal/sourcetable"
)

var entryColumn = regexp.MustCompile(`(?i)%entry\.column\((\d+)\)%`)

var httpMacro = regexp.MustCompile(`(?i)%\{(HOSTNAME|USERNAME|PASSWORD|BASIC_AUTH_BASE64)\}`)

func (d *Dispatcher) http(ctx context.Context, s *connector.HTTPSource, ec ExecContext) (sourcetable.SourceTable, error) {
	host := ec.Session.Host
	cfg := host.Protocols.HTTP
	if cfg == nil {
		return sourcetable.Empty(), fmt.Errorf("%w: http", protocols.ErrProtocolNotConfigured)
	}
	if s.ExecuteForEachEntryOf != nil {
		return d.httpForEachEntry(ctx, s, ec)
	}
	out, err := d.clients.HTTP.Do(ctx, host.Hostname, cfg, httpRequest(s, host.Hostname, cfg))
	if err != nil {
		return sourcetable.Empty(), fmt.Errorf("HTTP %s %s: %w", s.Method, s.URL, err)
	}
	return rawTable(out), nil
}

// httpForEachEntry runs the request once per row of the bound table and
// concatenates the answers.
func (d *Dispatcher) httpForEachEntry(ctx context.Context, s *connector.HTTPSource, ec ExecContext) (sourcetable.SourceTable, error) {
	host := ec.Session.Host
	binding := s.ExecuteForEachEntryOf

	entries, ok := ec.tables().Get(binding.Source)
	if !ok || len(entries.Table) == 0 {
		d.logger.Debug().Object("job", ec.Job).Str("source_key", s.Key()).Str("entries", binding.Source).Msg("No entries to iterate over")
		return sourcetable.Empty(), nil
	}

	var results []string
	for _, row := range entries.Table {
		if err := ctx.Err(); err != nil {
			return sourcetable.Empty(), err
		}
		entry, err := bindEntry(s, row)
		if err != nil {
			d.logger.Warn().
				Object("job", ec.Job).
				Str("source_key", s.Key()).
				Strs("row", row).
				Err(err).
				Msg("Skipping entry")
			continue
		}
		out, err := d.clients.HTTP.Do(ctx, host.Hostname, host.Protocols.HTTP, httpRequest(entry, host.Hostname, host.Protocols.HTTP))
		if err != nil {
			d.logger.Error().
				Object("job", ec.Job).
				Str("source_key", s.Key()).
				Str("url", entry.URL).
				Err(err).
				Msg("HTTP entry request failed")
			continue
		}
		formatted, err := formatEntryResult(binding, row, out)
		if err != nil {
			return sourcetable.Empty(), err
		}
		results = append(results, formatted)
	}
	if len(results) == 0 {
		return sourcetable.Empty(), nil
	}
	return rawTable(concatEntryResults(binding, results)), nil
}

// bindEntry copies s with %entry.column(N)% replaced by the N-th cell of row.
func bindEntry(s *connector.HTTPSource, row []string) (*connector.HTTPSource, error) {
	var bindErr error
	replace := func(text string) string {
		return entryColumn.ReplaceAllStringFunc(text, func(m string) string {
			n, _ := strconv.Atoi(entryColumn.FindStringSubmatch(m)[1])
			if n < 1 || n > len(row) {
				if bindErr == nil {
					bindErr = fmt.Errorf("placeholder %s is out of range for a row of %d columns", m, len(row))
				}
				return m
			}
			return row[n-1]
		})
	}

	cp := s.Clone().(*connector.HTTPSource)
	cp.URL = replace(cp.URL)
	cp.Header = replace(cp.Header)
	cp.Body = replace(cp.Body)
	cp.ExecuteForEachEntryOf = nil
	if bindErr != nil {
		return nil, bindErr
	}
	return cp, nil
}

func formatEntryResult(binding *connector.EntryBinding, row []string, out string) (string, error) {
	switch binding.Concat {
	case connector.ConcatJSONArrayExtended:
		entry := map[string]any{
			"Full":  sourcetable.RowToLine(row, sourcetable.DefaultSeparator),
			"Value": jsonValue(out),
		}
		for i, cell := range row {
			entry[fmt.Sprintf("Column(%d)", i+1)] = cell
		}
		b, err := json.Marshal(map[string]any{"Entry": entry})
		if err != nil {
			return "", fmt.Errorf("failed to wrap entry result: %w", err)
		}
		return string(b), nil
	case connector.ConcatCustom:
		return binding.ConcatStart + out + binding.ConcatEnd, nil
	}
	return out, nil
}

func concatEntryResults(binding *connector.EntryBinding, results []string) string {
	switch binding.Concat {
	case connector.ConcatJSONArray, connector.ConcatJSONArrayExtended:
		return strings.Join(results, ",\n")
	}
	return strings.Join(results, "")
}

// jsonValue embeds valid JSON answers as-is and everything else as a string.
func jsonValue(out string) any {
	trimmed := strings.TrimSpace(out)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	return out
}

func httpRequest(s *connector.HTTPSource, hostname string, cfg *protocols.HTTPConfig) protocols.HTTPRequest {
	values := map[string]string{
		"HOSTNAME":          hostname,
		"USERNAME":          cfg.Username,
		"PASSWORD":          cfg.Password,
		"BASIC_AUTH_BASE64": base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password)),
	}
	expand := func(text string) string {
		return httpMacro.ReplaceAllStringFunc(text, func(macro string) string {
			return values[strings.ToUpper(macro[2:len(macro)-1])]
		})
	}
	return protocols.HTTPRequest{
		Method:        s.Method,
		URL:           expand(s.URL),
		Header:        expand(s.Header),
		Body:          expand(s.Body),
		ResultContent: s.ResultContent,
	}
}

// rawTable keeps a non-tabular answer as the raw payload and exposes its
// lines as rows for mappings that read it directly.
func rawTable(out string) sourcetable.SourceTable {
	if out == "" {
		return sourcetable.Empty()
	}
	t := sourcetable.FromRaw(out)
	t.Table = sourcetable.CSVToTable(out, sourcetable.DefaultSeparator)
	return t
}
