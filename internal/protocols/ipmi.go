package protocols

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultIPMITimeout = 120 * time.Second
	defaultIPMITool    = "ipmitool"
)

// IPMI sub-commands shared by the LAN client and the in-band Unix path.
const (
	IPMIFRUCommand = "fru"
	IPMISDRCommand = "-v sdr elist all"
)

// ipmiClient talks IPMI-over-LAN through ipmitool's lanplus interface.
type ipmiClient struct {
	runner CommandRunner
	logger zerolog.Logger
}

// NewIPMIClient returns an IPMIClient that shells out to ipmitool.
func NewIPMIClient(runner CommandRunner, logger zerolog.Logger) IPMIClient {
	return &ipmiClient{runner: runner, logger: logger.With().Str("component", "ipmi_client").Logger()}
}

func (c *ipmiClient) Sensors(ctx context.Context, hostname string, cfg *IPMIConfig) (IPMIResult, error) {
	if cfg == nil {
		return IPMIResult{}, ErrProtocolNotConfigured
	}
	timeout := Seconds(cfg.TimeoutSeconds, defaultIPMITimeout)

	base := LANCommand(hostname, cfg)
	fru, err := c.runner.Run(ctx, base+" "+IPMIFRUCommand, timeout)
	if err != nil {
		return IPMIResult{}, classifyIPMIError(fmt.Errorf("IPMI FRU request failed: %w", err))
	}
	sdr, err := c.runner.Run(ctx, base+" "+IPMISDRCommand, timeout)
	if err != nil {
		return IPMIResult{}, classifyIPMIError(fmt.Errorf("IPMI SDR request failed: %w", err))
	}
	return IPMIResult{FRU: fru, SDR: sdr}, nil
}

// LANCommand builds the ipmitool prefix for a lanplus session.
func LANCommand(hostname string, cfg *IPMIConfig) string {
	parts := []string{ToolPath(cfg), "-I", "lanplus", "-H", shellQuote(hostname), "-U", shellQuote(cfg.Username), "-P", shellQuote(cfg.Password)}
	if cfg.BMCKey != "" {
		parts = append(parts, "-y", shellQuote(cfg.BMCKey))
	}
	return strings.Join(parts, " ")
}

// InBandCommand builds the ipmitool prefix for the local OpenIPMI driver.
func InBandCommand(cfg *IPMIConfig) string {
	return ToolPath(cfg) + " -I open"
}

// ToolPath returns the configured ipmitool binary.
func ToolPath(cfg *IPMIConfig) string {
	if cfg != nil && cfg.IPMIToolPath != "" {
		return cfg.IPMIToolPath
	}
	return defaultIPMITool
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func classifyIPMIError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unauthorized name") || strings.Contains(msg, "rakp") || strings.Contains(msg, "invalid user") {
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return err
}
