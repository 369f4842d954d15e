package telemetry

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nmslite/collector/internal/connector"
	"github.com/nmslite/collector/internal/protocols"
	"github.com/nmslite/collector/internal/sourcetable"
)

// Host describes the monitored system.
type Host struct {
	Hostname string
	Type     connector.HostType
	// Sequential forces every monitor job to run on the scheduling goroutine.
	Sequential bool
	// Connectors restricts detection to these connector IDs when not empty.
	Connectors []string
	Protocols  *protocols.Configurations
}

// IsLocal reports whether the host is the machine the collector runs on.
func (h Host) IsLocal() bool {
	switch strings.ToLower(h.Hostname) {
	case "localhost", "127.0.0.1", "::1", "":
		return true
	}
	return false
}

// HostSession is the state of one host monitoring run. Everything a
// collection cycle shares lives here so that sessions never interfere.
type HostSession struct {
	Host       Host
	Registry   *Registry
	Connectors *connector.Store

	mu           sync.Mutex
	tables       map[string]*sourcetable.Store
	namespaces   map[namespaceKey]*ConnectorNamespace
	detected     []string
	strategyTime time.Time
	discoveryRun time.Time
}

type namespaceKey struct {
	connectorID string
	protocol    string
}

// NewHostSession creates a session with an empty registry.
func NewHostSession(host Host, connectors *connector.Store) *HostSession {
	if connectors == nil {
		connectors = connector.NewStore()
	}
	if host.Protocols == nil {
		host.Protocols = &protocols.Configurations{}
	}
	return &HostSession{
		Host:       host,
		Registry:   NewRegistry(),
		Connectors: connectors,
		tables:     make(map[string]*sourcetable.Store),
		namespaces: make(map[namespaceKey]*ConnectorNamespace),
	}
}

func (s *HostSession) Hostname() string { return s.Host.Hostname }

// Tables returns the source table store of a connector, creating it on
// first use.
func (s *HostSession) Tables(connectorID string) *sourcetable.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	store, ok := s.tables[connectorID]
	if !ok {
		store = sourcetable.NewStore()
		s.tables[connectorID] = store
	}
	return store
}

// Namespace returns the namespace detection state of a connector for one
// protocol.
func (s *HostSession) Namespace(connectorID, protocol string) *ConnectorNamespace {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := namespaceKey{connectorID: connectorID, protocol: protocol}
	ns, ok := s.namespaces[key]
	if !ok {
		ns = &ConnectorNamespace{}
		s.namespaces[key] = ns
	}
	return ns
}

// SetDetected records the connectors that matched the host.
func (s *HostSession) SetDetected(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detected = slices.Clone(ids)
}

// Detected returns the connectors that matched the host.
func (s *HostSession) Detected() []*connector.Connector {
	s.mu.Lock()
	ids := slices.Clone(s.detected)
	s.mu.Unlock()

	out := make([]*connector.Connector, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.Connectors.Get(id); ok {
			out = append(out, c)
		}
	}
	return out
}

func (s *HostSession) SetStrategyTime(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategyTime = t
}

// StrategyTime is the start time of the running strategy. Metrics collected
// during the strategy carry it as their collect time.
func (s *HostSession) StrategyTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategyTime
}

func (s *HostSession) SetDiscoveryRun(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discoveryRun = t
}

// DiscoveryRun is the start time of the last discovery.
func (s *HostSession) DiscoveryRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discoveryRun
}

// NamespaceState is the progress of namespace auto-detection.
type NamespaceState int

const (
	NamespaceUnknown NamespaceState = iota
	NamespaceCandidatesKnown
	NamespaceDetected
)

func (s NamespaceState) String() string {
	switch s {
	case NamespaceCandidatesKnown:
		return "candidates_known"
	case NamespaceDetected:
		return "detected"
	}
	return "unknown"
}

// ConnectorNamespace caches the namespace auto-detected for one connector.
// Resolve holds the lock while detecting, so concurrent callers wait for the
// first one and then reuse its answer.
type ConnectorNamespace struct {
	mu         sync.Mutex
	state      NamespaceState
	candidates []string
	detected   string
}

// Resolve returns the detected namespace. In the Unknown state probe lists
// the candidate namespaces; verify then picks the winner among them. A
// failing verify leaves the candidates cached for the next attempt.
func (n *ConnectorNamespace) Resolve(probe func() ([]string, error), verify func(candidates []string) (string, error)) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state == NamespaceDetected {
		return n.detected, nil
	}
	if n.state == NamespaceUnknown {
		candidates, err := probe()
		if err != nil {
			return "", err
		}
		n.candidates = candidates
		n.state = NamespaceCandidatesKnown
	}

	winner, err := verify(slices.Clone(n.candidates))
	if err != nil {
		return "", err
	}
	n.detected = winner
	n.state = NamespaceDetected
	return winner, nil
}

func (n *ConnectorNamespace) State() NamespaceState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Detected returns the cached namespace.
func (n *ConnectorNamespace) Detected() (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.detected, n.state == NamespaceDetected
}

func (n *ConnectorNamespace) Candidates() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.candidates)
}
