package protocols

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestValidateCredentialStruct(t *testing.T) {
	tests := []struct {
		name        string
		config      interface{}
		expectError bool
		errorMsg    string
	}{
		{
			name:        "Valid SSH",
			config:      &SSHConfig{Username: "admin", Password: "password"},
			expectError: false,
		},
		{
			name:        "SSH without secret",
			config:      &SSHConfig{Username: "admin"},
			expectError: true,
			errorMsg:    "either password or private_key",
		},
		{
			name:        "SSH without username",
			config:      &SSHConfig{Password: "password"},
			expectError: true,
			errorMsg:    "username is required",
		},
		{
			name:        "Valid WinRM",
			config:      &WinRMConfig{Username: "admin", Password: "password"},
			expectError: false,
		},
		{
			name:        "WinRM port out of range",
			config:      &WinRMConfig{Username: "admin", Password: "password", Port: 70000},
			expectError: true,
			errorMsg:    "port must be at most 65535",
		},
		{
			name:        "SNMP v2c needs community",
			config:      &SNMPConfig{Version: "v2c"},
			expectError: true,
			errorMsg:    "community is required",
		},
		{
			name:        "SNMP v3 needs user",
			config:      &SNMPConfig{Version: "v3", Community: "public"},
			expectError: true,
			errorMsg:    "username is required for SNMP v3",
		},
		{
			name:        "SNMP bad version",
			config:      &SNMPConfig{Version: "v4", Community: "public"},
			expectError: true,
			errorMsg:    "version must be one of",
		},
		{
			name:        "SNMP bad auth protocol",
			config:      &SNMPConfig{Version: "v3", Username: "u", AuthProtocol: "ROT13"},
			expectError: true,
			errorMsg:    "auth_protocol must be one of",
		},
		{
			name:        "IPMI snake case field",
			config:      &IPMIConfig{Username: "root", TimeoutSeconds: -1},
			expectError: true,
			errorMsg:    "timeout_seconds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCredentialStruct(tt.config)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error containing %q, got nil", tt.errorMsg)
				} else if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("expected error containing %q, got %q", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestConfigurationsValidate(t *testing.T) {
	cfg := &Configurations{
		SNMP: &SNMPConfig{Version: "v2c", Community: "public"},
		SSH:  &SSHConfig{Username: "root"},
	}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "protocols.ssh") {
		t.Fatalf("expected protocols.ssh error, got %v", err)
	}

	cfg.SSH.Password = "secret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestIsConfigured(t *testing.T) {
	cfg := &Configurations{WinRM: &WinRMConfig{Username: "a", Password: "b", Namespace: `root\cimv2`}}

	if !cfg.IsConfigured(ProtocolWMI) {
		t.Error("WMI should be available through WinRM")
	}
	if cfg.IsConfigured(ProtocolSNMP) {
		t.Error("SNMP is not configured")
	}
	if !cfg.IsConfigured(ProtocolOSCommand) {
		t.Error("local commands are always available")
	}

	var nilCfg *Configurations
	if nilCfg.IsConfigured(ProtocolHTTP) {
		t.Error("nil configuration has no protocol")
	}

	cfg.WMI = &WMIConfig{Username: "wmi", Password: "pw", Namespace: "root/hardware"}
	transport := cfg.WMITransport()
	if transport.Username != "wmi" || transport.Namespace != "root/hardware" {
		t.Errorf("WMI section should override the transport, got %+v", transport)
	}
	if cfg.WinRM.Username != "a" {
		t.Error("WMITransport must not modify the WinRM section")
	}
}

func TestToSnakeCase(t *testing.T) {
	testCases := map[string]string{
		"Username":       "username",
		"TimeoutSeconds": "timeout_seconds",
		"BMCKey":         "bmc_key",
		"HTTPS":          "https",
		"IPMIToolPath":   "ipmi_tool_path",
	}
	for in, expected := range testCases {
		if got := toSnakeCase(in); got != expected {
			t.Errorf("toSnakeCase(%q) = %q, expected %q", in, got, expected)
		}
	}
}

func TestIsAcceptableWBEMError(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		expected bool
	}{
		{"invalid namespace", &WBEMError{Code: CIMErrInvalidNamespace}, true},
		{"invalid class", &WBEMError{Code: CIMErrInvalidClass}, true},
		{"not found wrapped", fmt.Errorf("query: %w", &WBEMError{Code: CIMErrNotFound}), true},
		{"access denied", &WBEMError{Code: 2}, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsAcceptableWBEMError(tc.err); got != tc.expected {
				t.Errorf("expected %v, got %v", tc.expected, got)
			}
		})
	}
}
