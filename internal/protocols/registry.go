package protocols

import (
	"fmt"
	"sort"
	"sync"
)

// Protocol IDs.
const (
	ProtocolHTTP      = "http"
	ProtocolSNMP      = "snmp"
	ProtocolWBEM      = "wbem"
	ProtocolWMI       = "wmi"
	ProtocolWinRM     = "winrm"
	ProtocolIPMI      = "ipmi"
	ProtocolSSH       = "ssh"
	ProtocolOSCommand = "oscommand"
)

// Registry holds all protocol definitions
type Registry struct {
	protocols map[string]*Protocol
	mu        sync.RWMutex
}

// Protocol represents a protocol definition
type Protocol struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	DefaultPort int    `json:"default_port"`
	// SecurePort is used instead of DefaultPort when HTTPS is enabled.
	SecurePort int `json:"secure_port,omitempty"`
	// DefaultNamespace applies to namespace-bearing protocols.
	DefaultNamespace string `json:"default_namespace,omitempty"`
}

// Port picks the port to dial: the configured one, else the protocol default.
func (p *Protocol) Port(configured int, https bool) int {
	if configured > 0 {
		return configured
	}
	if https && p.SecurePort > 0 {
		return p.SecurePort
	}
	return p.DefaultPort
}

var (
	globalRegistry *Registry
	registryOnce   sync.Once
)

// GetRegistry returns the singleton Protocol Registry
func GetRegistry() *Registry {
	registryOnce.Do(func() {
		globalRegistry = NewRegistry()
		globalRegistry.initializeProtocols()
	})
	return globalRegistry
}

// NewRegistry creates a new protocol registry
func NewRegistry() *Registry {
	return &Registry{
		protocols: make(map[string]*Protocol),
	}
}

// initializeProtocols registers all supported protocols
func (r *Registry) initializeProtocols() {
	r.registerProtocol(&Protocol{
		ID:          ProtocolHTTP,
		Name:        "HTTP",
		Description: "REST and web management interfaces",
		DefaultPort: 80,
		SecurePort:  443,
	})
	r.registerProtocol(&Protocol{
		ID:          ProtocolSNMP,
		Name:        "SNMP",
		Description: "SNMP v1, v2c and v3 get, get-next and table walks",
		DefaultPort: 161,
	})
	r.registerProtocol(&Protocol{
		ID:               ProtocolWBEM,
		Name:             "WBEM",
		Description:      "CIM-XML queries over HTTP(S)",
		DefaultPort:      5988,
		SecurePort:       5989,
		DefaultNamespace: "root/cimv2",
	})
	r.registerProtocol(&Protocol{
		ID:               ProtocolWMI,
		Name:             "WMI",
		Description:      "WQL queries carried over WinRM",
		DefaultPort:      5985,
		SecurePort:       5986,
		DefaultNamespace: `root\cimv2`,
	})
	r.registerProtocol(&Protocol{
		ID:               ProtocolWinRM,
		Name:             "Windows Server (WinRM)",
		Description:      "Remote commands and CIM queries via WinRM",
		DefaultPort:      5985,
		SecurePort:       5986,
		DefaultNamespace: `root\cimv2`,
	})
	r.registerProtocol(&Protocol{
		ID:          ProtocolIPMI,
		Name:        "IPMI",
		Description: "IPMI-over-LAN sensor reads",
		DefaultPort: 623,
	})
	r.registerProtocol(&Protocol{
		ID:          ProtocolSSH,
		Name:        "Linux/Unix (SSH)",
		Description: "Remote commands and interactive sessions via SSH",
		DefaultPort: 22,
	})
	r.registerProtocol(&Protocol{
		ID:          ProtocolOSCommand,
		Name:        "Local OS command",
		Description: "Commands run on the collector itself",
	})
}

// registerProtocol registers a protocol
func (r *Registry) registerProtocol(protocol *Protocol) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.protocols[protocol.ID] = protocol
}

// GetProtocol returns a protocol by ID
func (r *Registry) GetProtocol(id string) (*Protocol, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	protocol, exists := r.protocols[id]
	if !exists {
		return nil, fmt.Errorf("protocol not found: %s", id)
	}
	return protocol, nil
}

// MustProtocol returns a registered protocol and panics on unknown IDs.
func (r *Registry) MustProtocol(id string) *Protocol {
	p, err := r.GetProtocol(id)
	if err != nil {
		panic(err)
	}
	return p
}

// ListProtocols returns all registered protocols sorted by ID
func (r *Registry) ListProtocols() []*Protocol {
	r.mu.RLock()
	defer r.mu.RUnlock()

	protocols := make([]*Protocol, 0, len(r.protocols))
	for _, p := range r.protocols {
		protocols = append(protocols, p)
	}
	sort.Slice(protocols, func(i, j int) bool { return protocols[i].ID < protocols[j].ID })
	return protocols
}

// GetConfigType returns an empty configuration struct for a protocol
func (r *Registry) GetConfigType(protocolID string) (interface{}, error) {
	if _, err := r.GetProtocol(protocolID); err != nil {
		return nil, err
	}
	switch protocolID {
	case ProtocolHTTP:
		return &HTTPConfig{}, nil
	case ProtocolSNMP:
		return &SNMPConfig{}, nil
	case ProtocolWBEM:
		return &WBEMConfig{}, nil
	case ProtocolWMI:
		return &WMIConfig{}, nil
	case ProtocolWinRM:
		return &WinRMConfig{}, nil
	case ProtocolIPMI:
		return &IPMIConfig{}, nil
	case ProtocolSSH:
		return &SSHConfig{}, nil
	default:
		return &OSCommandConfig{}, nil
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
