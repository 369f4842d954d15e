package detection

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/nmslite/collector/internal/connector"
	"github.com/nmslite/collector/internal/protocols"
	"github.com/nmslite/collector/internal/sourcetable"
	"github.com/nmslite/collector/internal/telemetry"
)

// ErrNoNamespace is returned when no candidate namespace answers the
// connector's queries.
var ErrNoNamespace = errors.New("no suitable namespace found")

// Namespaces queried for the list of namespaces a CIM server hosts.
var interopNamespaces = []string{"root/interop", "interop", "root/PG_InterOp", "PG_InterOp"}

// Namespaces never returned as candidates, lower case.
var ignoredNamespaces = map[string]bool{
	"interop":           true,
	"root":              true,
	"root/interop":      true,
	"root/pg_interop":   true,
	"root/pg_internal":  true,
	"root/security":     true,
	"root/pg_reg":       true,
	"root/cimv2/help":   true,
	"root/subscription": true,
	"root/default":      true,
	"root/directory":    true,
	"root/rsop":         true,
	"root/wmi":          true,
	"root/microsoft":    true,
}

// namespaceQuerier runs one query in one namespace.
type namespaceQuerier func(ctx context.Context, query, namespace string) ([][]string, error)

// AutomaticNamespace returns the namespace the connector's WBEM or WMI
// sources run in when they ask for "automatic". The answer is detected once
// per connector and cached in the session for the rest of the run.
func (e *Evaluator) AutomaticNamespace(ctx context.Context, session *telemetry.HostSession, c *connector.Connector, protocol string) (string, error) {
	query, configured, err := e.querier(session, protocol)
	if err != nil {
		return "", err
	}

	ns := session.Namespace(c.ID, protocol)
	if configured != "" {
		return ns.Resolve(
			func() ([]string, error) { return []string{configured}, nil },
			func(candidates []string) (string, error) { return candidates[0], nil },
		)
	}

	return ns.Resolve(
		func() ([]string, error) {
			candidates, err := e.probeNamespaces(ctx, query, protocol)
			if err != nil {
				return nil, err
			}
			e.logger.Debug().
				Str("hostname", session.Hostname()).
				Str("connector_id", c.ID).
				Str("protocol", protocol).
				Strs("candidates", candidates).
				Msg("Namespace candidates found")
			return candidates, nil
		},
		func(candidates []string) (string, error) {
			winner, err := e.verifyNamespaces(ctx, query, c, protocol, candidates)
			if err != nil {
				return "", err
			}
			e.logger.Info().
				Str("hostname", session.Hostname()).
				Str("connector_id", c.ID).
				Str("protocol", protocol).
				Str("namespace", winner).
				Msg("Namespace detected")
			return winner, nil
		},
	)
}

func (e *Evaluator) querier(session *telemetry.HostSession, protocol string) (namespaceQuerier, string, error) {
	host := session.Host
	switch protocol {
	case protocols.ProtocolWBEM:
		cfg := host.Protocols.WBEM
		if cfg == nil {
			return nil, "", fmt.Errorf("%w: %s", protocols.ErrProtocolNotConfigured, protocol)
		}
		return func(ctx context.Context, query, namespace string) ([][]string, error) {
			return e.clients.WBEM.Query(ctx, host.Hostname, cfg, query, namespace)
		}, cfg.Namespace, nil
	case protocols.ProtocolWMI:
		cfg := host.Protocols.WMITransport()
		if cfg == nil {
			return nil, "", fmt.Errorf("%w: %s", protocols.ErrProtocolNotConfigured, protocol)
		}
		return func(ctx context.Context, query, namespace string) ([][]string, error) {
			return e.clients.WMI.Query(ctx, host.Hostname, cfg, query, namespace)
		}, cfg.Namespace, nil
	}
	return nil, "", fmt.Errorf("namespace detection is not supported for %s", protocol)
}

// probeNamespaces lists the candidate namespaces of the host. An
// authentication failure aborts the detection; other probe failures only
// skip that probe.
func (e *Evaluator) probeNamespaces(ctx context.Context, query namespaceQuerier, protocol string) ([]string, error) {
	found := make(map[string]bool)

	if protocol == protocols.ProtocolWMI {
		rows, err := query(ctx, "SELECT Name FROM __NAMESPACE", "root")
		if err != nil {
			return nil, fmt.Errorf("failed to list WMI namespaces: %w", err)
		}
		for _, row := range rows {
			if len(row) > 0 && row[0] != "" {
				found["root/"+row[0]] = true
			}
		}
	} else {
		for _, interop := range interopNamespaces {
			rows, err := query(ctx, "SELECT Name FROM CIM_Namespace", interop)
			if err != nil {
				if isAuthError(err) {
					return nil, fmt.Errorf("namespace probe in %s: %w", interop, err)
				}
				continue
			}
			for _, row := range rows {
				if len(row) > 0 && row[0] != "" {
					found[row[0]] = true
				}
			}
		}
	}

	candidates := make([]string, 0, len(found))
	for name := range found {
		if isIgnoredNamespace(name) {
			continue
		}
		candidates = append(candidates, name)
	}
	sort.Strings(candidates)
	return candidates, nil
}

func isIgnoredNamespace(name string) bool {
	normalized := strings.ToLower(strings.ReplaceAll(name, `\`, "/"))
	if ignoredNamespaces[normalized] {
		return true
	}
	for ignored := range ignoredNamespaces {
		if ignored != "root" && strings.HasPrefix(normalized, ignored+"/") {
			return true
		}
	}
	return false
}

// verifyNamespaces runs the connector's own criteria of the protocol in each
// candidate and returns the winner.
func (e *Evaluator) verifyNamespaces(ctx context.Context, query namespaceQuerier, c *connector.Connector, protocol string, candidates []string) (string, error) {
	checks := namespaceChecks(c, protocol)
	if len(checks) == 0 {
		return "", fmt.Errorf("connector %s has no %s criterion to verify namespaces", c.ID, protocol)
	}

	var winners []string
	for _, candidate := range candidates {
		ok, err := e.verifyCandidate(ctx, query, checks, candidate)
		if err != nil {
			return "", err
		}
		if ok {
			winners = append(winners, candidate)
		}
	}
	return PickNamespace(winners)
}

type namespaceCheck struct {
	query    string
	expected string
}

func namespaceChecks(c *connector.Connector, protocol string) []namespaceCheck {
	if c.Detection == nil {
		return nil
	}
	var checks []namespaceCheck
	for _, criterion := range c.Detection.Criteria {
		switch k := criterion.(type) {
		case connector.WBEMCriterion:
			if protocol == protocols.ProtocolWBEM {
				checks = append(checks, namespaceCheck{query: k.Query, expected: k.ExpectedResult})
			}
		case connector.WMICriterion:
			if protocol == protocols.ProtocolWMI {
				checks = append(checks, namespaceCheck{query: k.Query, expected: k.ExpectedResult})
			}
		}
	}
	return checks
}

// verifyCandidate keeps a namespace when every check either succeeds and
// matches its expected result or fails with an acceptable CIM error.
func (e *Evaluator) verifyCandidate(ctx context.Context, query namespaceQuerier, checks []namespaceCheck, candidate string) (bool, error) {
	for _, check := range checks {
		rows, err := query(ctx, check.query, candidate)
		switch {
		case err == nil:
			if check.expected != "" && !MatchesExpected(sourcetable.TableToCSV(rows, sourcetable.DefaultSeparator), check.expected) {
				return false, nil
			}
		case protocols.IsAcceptableWBEMError(err):
		case isAuthError(err):
			return false, err
		default:
			e.logger.Debug().Str("namespace", candidate).Err(err).Msg("Namespace candidate rejected")
			return false, nil
		}
	}
	return true, nil
}

// PickNamespace chooses among the namespaces that passed verification:
// root/cimv2 is dropped when others passed too, then the lexicographically
// first one wins.
func PickNamespace(winners []string) (string, error) {
	if len(winners) == 0 {
		return "", ErrNoNamespace
	}
	sorted := slices.Clone(winners)
	sort.Strings(sorted)
	if len(sorted) > 1 {
		sorted = slices.DeleteFunc(sorted, func(ns string) bool {
			return strings.EqualFold(strings.ReplaceAll(ns, `\`, "/"), "root/cimv2")
		})
		if len(sorted) == 0 {
			sorted = []string{winners[0]}
		}
	}
	return sorted[0], nil
}
