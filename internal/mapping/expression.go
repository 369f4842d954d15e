package mapping

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nmslite/collector/internal/connector"
	"github.com/nmslite/collector/internal/telemetry"
)

var (
	ErrColumnOutOfRange = errors.New("column out of range")
	ErrNotANumber       = errors.New("not a number")
	ErrUnknownFunction  = errors.New("unknown function")
)

var (
	columnRef     = regexp.MustCompile(`^\$(\d+)$`)
	embeddedRef   = regexp.MustCompile(`\$(\d+)`)
	functionCall  = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9]*)\((.*)\)$`)
	contextualFns = map[string]bool{"rate": true, "fakecounter": true}
)

// Expression is a parsed mapping expression: a "$N" column reference, a
// literal with optional embedded "$N" references, or a function call.
type Expression struct {
	raw  string
	fn   string
	args []string
}

// Parse parses a mapping expression. Function names are case-insensitive.
func Parse(raw string) Expression {
	raw = strings.TrimSpace(raw)
	if m := functionCall.FindStringSubmatch(raw); m != nil {
		return Expression{raw: raw, fn: strings.ToLower(m[1]), args: splitArgs(m[2])}
	}
	return Expression{raw: raw}
}

func splitArgs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var args []string
	for _, a := range strings.Split(s, ",") {
		args = append(args, strings.Trim(strings.TrimSpace(a), `"`))
	}
	return args
}

func (e Expression) String() string { return e.raw }

// Contextual reports whether the expression needs the resolved monitor.
func (e Expression) Contextual() bool {
	return contextualFns[e.fn]
}

// Eval evaluates a non-contextual expression against a row.
func (e Expression) Eval(row []string, conn *connector.Connector) (string, error) {
	if e.fn == "" {
		return interpolate(e.raw, row)
	}

	switch e.fn {
	case "megabit2bit":
		v, err := e.number(row, 0)
		if err != nil {
			return "", err
		}
		return formatNumber(v * 1_000_000), nil

	case "percent2ratio":
		v, err := e.number(row, 0)
		if err != nil {
			return "", err
		}
		return formatNumber(v / 100), nil

	case "boolean":
		v, err := e.arg(row, 0)
		if err != nil {
			return "", err
		}
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on", "ok":
			return "1", nil
		}
		return "0", nil

	case "legacyledstatus":
		// legacyLedStatus($N, onStatus, offStatus, blinkingStatus)
		v, err := e.arg(row, 0)
		if err != nil {
			return "", err
		}
		statuses := map[string]int{"on": 1, "off": 2, "blinking": 3}
		i, ok := statuses[strings.ToLower(strings.TrimSpace(v))]
		if !ok || i >= len(e.args) {
			return "", nil
		}
		return interpolate(e.args[i], row)

	case "lookup":
		// lookup($N, translationTable)
		if len(e.args) != 2 {
			return "", fmt.Errorf("lookup expects a value and a translation table")
		}
		v, err := e.arg(row, 0)
		if err != nil {
			return "", err
		}
		return lookup(conn, e.args[1], v)
	}

	if e.Contextual() {
		return "", fmt.Errorf("%s needs a monitor", e.fn)
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownFunction, e.fn)
}

// EvalContextual evaluates rate() and fakeCounter() for one metric of the
// resolved monitor. The boolean result is false when no value can be
// computed yet, e.g. on the first sample of a rate.
func (e Expression) EvalContextual(metric string, row []string, monitor *telemetry.Monitor, at time.Time) (float64, bool, error) {
	v, err := e.number(row, 0)
	if err != nil {
		return 0, false, err
	}

	switch e.fn {
	case "rate":
		sample := monitor.RecordCounter(metric, v, at)
		if !sample.HasPrevious {
			return 0, false, nil
		}
		elapsed := sample.Elapsed().Seconds()
		if elapsed <= 0 {
			return 0, false, nil
		}
		return (sample.Value - sample.PreviousValue) / elapsed, true, nil

	case "fakecounter":
		// The cell holds a rate; the metric accumulates rate × elapsed.
		sample := monitor.RecordCounter(metric, v, at)
		if !sample.HasPrevious {
			return 0, true, nil
		}
		previous := 0.0
		if current, ok := monitor.NumberMetric(metric); ok {
			previous = current.Value
		}
		return previous + v*sample.Elapsed().Seconds(), true, nil
	}
	return 0, false, fmt.Errorf("%w: %s", ErrUnknownFunction, e.fn)
}

func (e Expression) arg(row []string, i int) (string, error) {
	if i >= len(e.args) {
		return "", fmt.Errorf("%s: missing argument %d", e.fn, i+1)
	}
	return interpolate(e.args[i], row)
}

func (e Expression) number(row []string, i int) (float64, error) {
	v, err := e.arg(row, i)
	if err != nil {
		return 0, err
	}
	return parseNumber(v)
}

// interpolate resolves "$N" or replaces every embedded "$N" by its cell.
func interpolate(expr string, row []string) (string, error) {
	if m := columnRef.FindStringSubmatch(expr); m != nil {
		return cell(row, m[1])
	}
	var err error
	out := embeddedRef.ReplaceAllStringFunc(expr, func(ref string) string {
		v, cellErr := cell(row, ref[1:])
		if cellErr != nil && err == nil {
			err = cellErr
		}
		return v
	})
	return out, err
}

func cell(row []string, n string) (string, error) {
	i, _ := strconv.Atoi(n)
	if i < 1 || i > len(row) {
		return "", fmt.Errorf("%w: $%s in a row of %d columns", ErrColumnOutOfRange, n, len(row))
	}
	return row[i-1], nil
}

func lookup(conn *connector.Connector, table, value string) (string, error) {
	if conn == nil || conn.TranslationTables == nil {
		return "", fmt.Errorf("unknown translation table %q", table)
	}
	translations, ok := conn.TranslationTables[table]
	if !ok {
		return "", fmt.Errorf("unknown translation table %q", table)
	}
	if v, ok := translations[value]; ok {
		return v, nil
	}
	for k, v := range translations {
		if strings.EqualFold(k, value) {
			return v, nil
		}
	}
	return translations["default"], nil
}

func parseNumber(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrNotANumber, s)
	}
	return v, nil
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
