// Package config
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nmslite/collector/internal/connector"
	"github.com/nmslite/collector/internal/logger"
	"github.com/nmslite/collector/internal/protocols"
	"github.com/nmslite/collector/internal/telemetry"
)

type Config struct {
	Host            HostConfig               `yaml:"host"`
	Protocols       protocols.Configurations `yaml:"protocols" validate:"-"`
	Connectors      ConnectorsConfig         `yaml:"connectors"`
	Poller          PollerConfig             `yaml:"poller"`
	MetricsListener MetricsListenerConfig    `yaml:"metrics_listener"`
	Logging         logger.Config            `yaml:"logging"`
}

type HostConfig struct {
	Hostname string `yaml:"hostname" validate:"required"`
	Type     string `yaml:"type" validate:"required,oneof=windows linux solaris aix hpux storage network oob"`
	// Sequential runs every monitor job on the scheduling goroutine.
	Sequential bool `yaml:"sequential"`
	// Connectors restricts detection to these connector IDs.
	Connectors []string `yaml:"connectors"`
}

type ConnectorsConfig struct {
	Directory string `yaml:"directory" validate:"required"`
}

type PollerConfig struct {
	JobPoolSize            int `yaml:"job_pool_size" validate:"omitempty,min=1"`
	JobTimeoutSeconds      int `yaml:"job_timeout_seconds" validate:"omitempty,min=1"`
	CollectIntervalSeconds int `yaml:"collect_interval_seconds" validate:"omitempty,min=1"`
	// DiscoveryCycle is the number of collect cycles between two discoveries.
	DiscoveryCycle         int `yaml:"discovery_cycle" validate:"omitempty,min=1"`
	StrategyTimeoutSeconds int `yaml:"strategy_timeout_seconds" validate:"omitempty,min=1"`
}

type MetricsListenerConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Address        string `yaml:"address" validate:"required_if=Enabled true"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
}

var validate = validator.New()

// Load reads configuration from file and applies environment variable overrides
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML configuration, applies environment overrides and
// defaults, then validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.Poller.ApplyDefaults()
	cfg.MetricsListener.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate ensures all required configuration values are set
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		msgs := make([]string, 0, len(fieldErrs))
		for _, e := range fieldErrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", yamlPath(e.Namespace()), e.Tag()))
		}
		return errors.New(strings.Join(msgs, "; "))
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path is required when output is file")
	}
	return c.Protocols.Validate()
}

// yamlPath turns Config.Host.Hostname into host.hostname.
func yamlPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		switch p {
		case "MetricsListener":
			parts[i] = "metrics_listener"
		default:
			parts[i] = snakeCase(p)
		}
	}
	return strings.Join(parts, ".")
}

func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && !(s[i-1] >= 'A' && s[i-1] <= 'Z') {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// applyEnvOverrides checks for environment variables with NMS_ prefix
func applyEnvOverrides(cfg *Config) {
	// Host overrides
	if v := os.Getenv("NMS_HOST_HOSTNAME"); v != "" {
		cfg.Host.Hostname = v
	}
	if v := os.Getenv("NMS_HOST_TYPE"); v != "" {
		cfg.Host.Type = v
	}
	if v := os.Getenv("NMS_CONNECTORS_DIRECTORY"); v != "" {
		cfg.Connectors.Directory = v
	}

	// Poller overrides
	if v := os.Getenv("NMS_POLLER_JOB_POOL_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Poller.JobPoolSize)
	}
	if v := os.Getenv("NMS_POLLER_COLLECT_INTERVAL_SECONDS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Poller.CollectIntervalSeconds)
	}

	// Credential overrides only touch configured protocols
	if v := os.Getenv("NMS_SNMP_COMMUNITY"); v != "" && cfg.Protocols.SNMP != nil {
		cfg.Protocols.SNMP.Community = v
	}
	if v := os.Getenv("NMS_SSH_PASSWORD"); v != "" && cfg.Protocols.SSH != nil {
		cfg.Protocols.SSH.Password = v
	}
	if v := os.Getenv("NMS_WINRM_PASSWORD"); v != "" && cfg.Protocols.WinRM != nil {
		cfg.Protocols.WinRM.Password = v
	}
	if v := os.Getenv("NMS_WBEM_PASSWORD"); v != "" && cfg.Protocols.WBEM != nil {
		cfg.Protocols.WBEM.Password = v
	}
	if v := os.Getenv("NMS_IPMI_PASSWORD"); v != "" && cfg.Protocols.IPMI != nil {
		cfg.Protocols.IPMI.Password = v
	}
	if v := os.Getenv("NMS_HTTP_PASSWORD"); v != "" && cfg.Protocols.HTTP != nil {
		cfg.Protocols.HTTP.Password = v
	}

	// Logging overrides
	if v := os.Getenv("NMS_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("NMS_METRICS_LISTENER_ADDRESS"); v != "" {
		cfg.MetricsListener.Address = v
	}
}

// ApplyDefaults sets default values for the poller
func (p *PollerConfig) ApplyDefaults() {
	if p.JobPoolSize == 0 {
		p.JobPoolSize = 20
	}
	if p.JobTimeoutSeconds == 0 {
		p.JobTimeoutSeconds = 120
	}
	if p.CollectIntervalSeconds == 0 {
		p.CollectIntervalSeconds = 120
	}
	if p.DiscoveryCycle == 0 {
		p.DiscoveryCycle = 30
	}
	if p.StrategyTimeoutSeconds == 0 {
		p.StrategyTimeoutSeconds = 900
	}
}

// JobTimeout bounds the wait for the monitor jobs of one collect.
func (p *PollerConfig) JobTimeout() time.Duration {
	return time.Duration(p.JobTimeoutSeconds) * time.Second
}

// CollectInterval returns the collect period as a duration
func (p *PollerConfig) CollectInterval() time.Duration {
	return time.Duration(p.CollectIntervalSeconds) * time.Second
}

// StrategyTimeout returns the strategy timeout as a duration
func (p *PollerConfig) StrategyTimeout() time.Duration {
	return time.Duration(p.StrategyTimeoutSeconds) * time.Second
}

// ApplyDefaults sets default timeouts for the metrics listener
func (m *MetricsListenerConfig) ApplyDefaults() {
	if m.ReadTimeoutMS == 0 {
		m.ReadTimeoutMS = 5000
	}
	if m.WriteTimeoutMS == 0 {
		m.WriteTimeoutMS = 10000
	}
}

// ReadTimeout returns the read timeout as a duration
func (m *MetricsListenerConfig) ReadTimeout() time.Duration {
	return time.Duration(m.ReadTimeoutMS) * time.Millisecond
}

// WriteTimeout returns the write timeout as a duration
func (m *MetricsListenerConfig) WriteTimeout() time.Duration {
	return time.Duration(m.WriteTimeoutMS) * time.Millisecond
}

// HostInfo returns the monitored host as seen by the collection session.
func (c *Config) HostInfo() telemetry.Host {
	protocolsCfg := c.Protocols
	return telemetry.Host{
		Hostname:   c.Host.Hostname,
		Type:       connector.HostType(c.Host.Type),
		Sequential: c.Host.Sequential,
		Connectors: c.Host.Connectors,
		Protocols:  &protocolsCfg,
	}
}

// DumpExampleConfig writes an example configuration to the provided writer
func DumpExampleConfig(w io.Writer) error {
	example := &Config{
		Host: HostConfig{
			Hostname:   "server01.example.com",
			Type:       "linux",
			Sequential: false,
		},
		Protocols: protocols.Configurations{
			SNMP: &protocols.SNMPConfig{
				Version:        "v2c",
				Community:      "public",
				TimeoutSeconds: 30,
			},
			SSH: &protocols.SSHConfig{
				Username:       "monitor",
				Password:       "changeme",
				TimeoutSeconds: 30,
				SudoCommand:    "sudo",
			},
			IPMI: &protocols.IPMIConfig{
				Username:       "admin",
				Password:       "changeme",
				TimeoutSeconds: 120,
			},
		},
		Connectors: ConnectorsConfig{
			Directory: "./connectors",
		},
		Poller: PollerConfig{
			JobPoolSize:            20,
			JobTimeoutSeconds:      120,
			CollectIntervalSeconds: 120,
			DiscoveryCycle:         30,
			StrategyTimeoutSeconds: 900,
		},
		MetricsListener: MetricsListenerConfig{
			Enabled:        true,
			Address:        ":9105",
			ReadTimeoutMS:  5000,
			WriteTimeoutMS: 10000,
		},
		Logging: logger.Config{
			Level:    "info",
			Format:   "json",
			Output:   "stdout",
			FilePath: "/var/log/collector/collector.log",
		},
	}

	// Create a YAML node for custom formatting with comments
	var node yaml.Node
	if err := node.Encode(example); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	header := `# =============================================================================
# Collector Example Configuration
# =============================================================================
# One collector instance monitors one host. Copy this file to config.yaml and
# adjust the host, protocols and connectors directory.
#
# Environment variable overrides follow the pattern: NMS_<SECTION>_<KEY>
# Example: NMS_HOST_HOSTNAME, NMS_SSH_PASSWORD
# =============================================================================

`
	if _, err := fmt.Fprint(w, header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(&node); err != nil {
		return fmt.Errorf("failed to encode YAML: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("failed to close encoder: %w", err)
	}
	return nil
}
