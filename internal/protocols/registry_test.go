package protocols

import (
	"testing"
)

func TestRegistryInitialization(t *testing.T) {
	registry := GetRegistry()

	// Test that registry is initialized
	if registry == nil {
		t.Fatal("Registry should not be nil")
	}

	protocols := registry.ListProtocols()
	if len(protocols) == 0 {
		t.Error("Registry should have protocols registered")
	}

	expected := map[string]bool{
		ProtocolHTTP:      false,
		ProtocolSNMP:      false,
		ProtocolWBEM:      false,
		ProtocolWMI:       false,
		ProtocolWinRM:     false,
		ProtocolIPMI:      false,
		ProtocolSSH:       false,
		ProtocolOSCommand: false,
	}

	for _, p := range protocols {
		if _, exists := expected[p.ID]; !exists {
			t.Errorf("Unexpected protocol: %s", p.ID)
		}
		expected[p.ID] = true
	}

	for protocolID, found := range expected {
		if !found {
			t.Errorf("Expected protocol not found: %s", protocolID)
		}
	}

	for i := 1; i < len(protocols); i++ {
		if protocols[i-1].ID > protocols[i].ID {
			t.Errorf("ListProtocols should be sorted, got %s before %s", protocols[i-1].ID, protocols[i].ID)
		}
	}
}

func TestGetProtocol(t *testing.T) {
	registry := GetRegistry()

	testCases := []struct {
		name        string
		protocolID  string
		shouldExist bool
	}{
		{"WinRM", ProtocolWinRM, true},
		{"SSH", ProtocolSSH, true},
		{"SNMP", ProtocolSNMP, true},
		{"WBEM", ProtocolWBEM, true},
		{"Invalid", "invalid-protocol", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			protocol, err := registry.GetProtocol(tc.protocolID)

			if tc.shouldExist {
				if err != nil {
					t.Fatalf("Expected protocol %s to exist, got error: %v", tc.protocolID, err)
				}
				if protocol.ID != tc.protocolID {
					t.Errorf("Expected ID %s, got %s", tc.protocolID, protocol.ID)
				}
			} else if err == nil {
				t.Errorf("Expected error for protocol %s, but got none", tc.protocolID)
			}
		})
	}
}

func TestProtocolPort(t *testing.T) {
	registry := GetRegistry()

	testCases := []struct {
		name       string
		protocolID string
		configured int
		https      bool
		expected   int
	}{
		{"HTTP default", ProtocolHTTP, 0, false, 80},
		{"HTTPS default", ProtocolHTTP, 0, true, 443},
		{"Configured wins", ProtocolHTTP, 8443, true, 8443},
		{"WBEM secure", ProtocolWBEM, 0, true, 5989},
		{"SNMP ignores https", ProtocolSNMP, 0, true, 161},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := registry.MustProtocol(tc.protocolID).Port(tc.configured, tc.https)
			if got != tc.expected {
				t.Errorf("Expected port %d, got %d", tc.expected, got)
			}
		})
	}
}

func TestGetConfigType(t *testing.T) {
	registry := GetRegistry()

	testCases := []struct {
		name        string
		protocolID  string
		shouldExist bool
	}{
		{"WinRM Config Type", ProtocolWinRM, true},
		{"SSH Config Type", ProtocolSSH, true},
		{"SNMP Config Type", ProtocolSNMP, true},
		{"Invalid Config Type", "invalid", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfgType, err := registry.GetConfigType(tc.protocolID)

			if tc.shouldExist {
				if err != nil {
					t.Errorf("Expected config type for %s to exist, got error: %v", tc.protocolID, err)
				}
				if cfgType == nil {
					t.Error("Config type should not be nil")
				}
			} else if err == nil {
				t.Errorf("Expected error for config type %s, but got none", tc.protocolID)
			}
		})
	}
}
