package protocols

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// HTTPConfig configures HTTP sources and criteria.
type HTTPConfig struct {
	Port           int    `yaml:"port" validate:"omitempty,min=1,max=65535"`
	HTTPS          bool   `yaml:"https"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"omitempty,min=1"`
}

// SNMPConfig configures SNMP v1, v2c and v3 access.
type SNMPConfig struct {
	Version        string `yaml:"version" validate:"required,oneof=v1 v2c v3"`
	Port           int    `yaml:"port" validate:"omitempty,min=1,max=65535"`
	Community      string `yaml:"community"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"omitempty,min=1"`
	Retries        int    `yaml:"retries" validate:"omitempty,min=0"`
	// v3 USM
	SecurityLevel  string `yaml:"security_level" validate:"omitempty,oneof=noAuthNoPriv authNoPriv authPriv"`
	Username       string `yaml:"username"`
	AuthProtocol   string `yaml:"auth_protocol" validate:"omitempty,oneof=MD5 SHA SHA224 SHA256 SHA384 SHA512"`
	AuthPassphrase string `yaml:"auth_passphrase"`
	PrivProtocol   string `yaml:"priv_protocol" validate:"omitempty,oneof=DES AES AES192 AES256"`
	PrivPassphrase string `yaml:"priv_passphrase"`
}

// Validate implements custom validation for SNMP.
// v1/v2c need a community, v3 needs a user name.
func (s *SNMPConfig) Validate() error {
	if s.Version == "v3" {
		if s.Username == "" {
			return fmt.Errorf("username is required for SNMP v3")
		}
		return nil
	}
	if s.Community == "" {
		return fmt.Errorf("community is required for SNMP %s", s.Version)
	}
	return nil
}

// WBEMConfig configures CIM-XML over HTTP(S).
type WBEMConfig struct {
	Port           int    `yaml:"port" validate:"omitempty,min=1,max=65535"`
	HTTPS          bool   `yaml:"https"`
	Username       string `yaml:"username" validate:"required,min=1"`
	Password       string `yaml:"password"`
	Namespace      string `yaml:"namespace"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"omitempty,min=1"`
}

// WinRMConfig represents credentials for Windows Remote Management. WMI
// queries reuse this transport.
type WinRMConfig struct {
	Port           int    `yaml:"port" validate:"omitempty,min=1,max=65535"`
	HTTPS          bool   `yaml:"https"`
	Username       string `yaml:"username" validate:"required,min=1"`
	Password       string `yaml:"password" validate:"required,min=1"`
	Domain         string `yaml:"domain,omitempty"`
	Namespace      string `yaml:"namespace"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"omitempty,min=1"`
}

// WMIConfig selects WMI for the host. Transport and credentials come from
// WinRMConfig when the WMI section leaves them empty.
type WMIConfig struct {
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	Namespace      string `yaml:"namespace"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"omitempty,min=1"`
}

// IPMIConfig configures IPMI-over-LAN to a management card.
type IPMIConfig struct {
	Username       string `yaml:"username" validate:"required,min=1"`
	Password       string `yaml:"password"`
	BMCKey         string `yaml:"bmc_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"omitempty,min=1"`
	// IPMIToolPath is the ipmitool binary used for LAN requests and Unix hosts.
	IPMIToolPath string `yaml:"ipmitool_path"`
}

// SSHConfig represents credentials for SSH access
type SSHConfig struct {
	Username       string `yaml:"username" validate:"required,min=1"`
	Password       string `yaml:"password,omitempty"`
	PrivateKey     string `yaml:"private_key,omitempty"`
	Passphrase     string `yaml:"passphrase,omitempty"`
	Port           int    `yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"omitempty,min=1"`
	// SudoCommand replaces %{SUDO:...} macros in command lines.
	SudoCommand string `yaml:"sudo_command"`
}

// Validate implements custom validation for SSH credentials
// Either password or private_key must be provided
func (s *SSHConfig) Validate() error {
	if s.Password == "" && s.PrivateKey == "" {
		return fmt.Errorf("either password or private_key is required for SSH")
	}
	return nil
}

// OSCommandConfig configures commands run on the collector itself.
type OSCommandConfig struct {
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"omitempty,min=1"`
	SudoCommand    string `yaml:"sudo_command"`
}

// Configurations holds the protocols configured for one host. A nil entry
// means the protocol is not configured.
type Configurations struct {
	HTTP      *HTTPConfig      `yaml:"http,omitempty"`
	SNMP      *SNMPConfig      `yaml:"snmp,omitempty"`
	WBEM      *WBEMConfig      `yaml:"wbem,omitempty"`
	WMI       *WMIConfig       `yaml:"wmi,omitempty"`
	WinRM     *WinRMConfig     `yaml:"winrm,omitempty"`
	IPMI      *IPMIConfig      `yaml:"ipmi,omitempty"`
	SSH       *SSHConfig       `yaml:"ssh,omitempty"`
	OSCommand *OSCommandConfig `yaml:"os_command,omitempty"`
}

// Validate validates every configured protocol.
func (c *Configurations) Validate() error {
	sections := map[string]interface{}{}
	if c.HTTP != nil {
		sections[ProtocolHTTP] = c.HTTP
	}
	if c.SNMP != nil {
		sections[ProtocolSNMP] = c.SNMP
	}
	if c.WBEM != nil {
		sections[ProtocolWBEM] = c.WBEM
	}
	if c.WMI != nil {
		sections[ProtocolWMI] = c.WMI
	}
	if c.WinRM != nil {
		sections[ProtocolWinRM] = c.WinRM
	}
	if c.IPMI != nil {
		sections[ProtocolIPMI] = c.IPMI
	}
	if c.SSH != nil {
		sections[ProtocolSSH] = c.SSH
	}
	if c.OSCommand != nil {
		sections[ProtocolOSCommand] = c.OSCommand
	}
	for _, id := range sortedKeys(sections) {
		if err := ValidateCredentialStruct(sections[id]); err != nil {
			return fmt.Errorf("protocols.%s: %w", id, err)
		}
	}
	return nil
}

// Configured returns the IDs of the configured protocols, sorted.
func (c *Configurations) Configured() []string {
	var ids []string
	for _, p := range GetRegistry().ListProtocols() {
		if c.IsConfigured(p.ID) {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// IsConfigured reports whether the given protocol has a configuration.
// WMI is also available through a WinRM configuration.
func (c *Configurations) IsConfigured(id string) bool {
	if c == nil {
		return false
	}
	switch id {
	case ProtocolHTTP:
		return c.HTTP != nil
	case ProtocolSNMP:
		return c.SNMP != nil
	case ProtocolWBEM:
		return c.WBEM != nil
	case ProtocolWMI:
		return c.WMI != nil || c.WinRM != nil
	case ProtocolWinRM:
		return c.WinRM != nil
	case ProtocolIPMI:
		return c.IPMI != nil
	case ProtocolSSH:
		return c.SSH != nil
	case ProtocolOSCommand:
		return true
	}
	return false
}

// WMITransport returns the WinRM settings WMI queries travel on, with the
// WMI section overriding credentials, namespace and timeout.
func (c *Configurations) WMITransport() *WinRMConfig {
	if c == nil || (c.WMI == nil && c.WinRM == nil) {
		return nil
	}
	var out WinRMConfig
	if c.WinRM != nil {
		out = *c.WinRM
	}
	if c.WMI != nil {
		if c.WMI.Username != "" {
			out.Username = c.WMI.Username
			out.Password = c.WMI.Password
		}
		if c.WMI.Namespace != "" {
			out.Namespace = c.WMI.Namespace
		}
		if c.WMI.TimeoutSeconds > 0 {
			out.TimeoutSeconds = c.WMI.TimeoutSeconds
		}
	}
	return &out
}

// Seconds converts a configured timeout to a duration, falling back to def.
func Seconds(seconds int, def time.Duration) time.Duration {
	if seconds <= 0 {
		return def
	}
	return time.Duration(seconds) * time.Second
}

// Global validator instance
var validate = validator.New()

// ValidationError represents a field-level validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors holds multiple validation errors
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

// Error implements the error interface for ValidationErrors
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return "validation failed"
	}
	messages := make([]string, len(v.Errors))
	for i, e := range v.Errors {
		messages[i] = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// ValidateCredentialStruct validates any protocol configuration struct and
// returns detailed errors
func ValidateCredentialStruct(creds interface{}) error {
	err := validate.Struct(creds)
	if err != nil {
		validationErrs := &ValidationErrors{}
		fieldErrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}
		for _, e := range fieldErrs {
			validationErrs.Errors = append(validationErrs.Errors, ValidationError{
				Field:   toSnakeCase(e.Field()),
				Message: formatValidationMessage(e),
			})
		}
		return validationErrs
	}

	if v, ok := creds.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return &ValidationErrors{
				Errors: []ValidationError{{Field: "_custom", Message: err.Error()}},
			}
		}
	}
	return nil
}

// formatValidationMessage creates human-readable error messages
func formatValidationMessage(e validator.FieldError) string {
	field := toSnakeCase(e.Field())
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		if e.Kind().String() == "string" {
			return fmt.Sprintf("%s must be at least %s characters", field, e.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, e.Tag())
	}
}

// toSnakeCase converts PascalCase to snake_case. Runs of capitals such as
// "HTTPS" stay one word.
func toSnakeCase(s string) string {
	var result strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if r >= 'A' && r <= 'Z' {
			prevLower := i > 0 && !(runes[i-1] >= 'A' && runes[i-1] <= 'Z')
			nextLower := i > 0 && i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z' &&
				runes[i-1] >= 'A' && runes[i-1] <= 'Z'
			if prevLower || nextLower {
				result.WriteByte('_')
			}
			result.WriteRune(r + 'a' - 'A')
		} else {
			result.WriteRune(r)
		}
	}
	return result.String()
}
