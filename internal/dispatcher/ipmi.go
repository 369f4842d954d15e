package dispatcher

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/nmslite/collector/internal/connector"
	"github.com/nmslite/collector/internal/protocols"
	"github.com/nmslite/collector/internal/sourcetable"
)

// IPMI tables have one FRU row followed by one row per sensor:
//
//	FRU;vendor;model;serial
//	type;id;name;entity;value;unit;state
const fruRowType = "FRU"

const (
	wmiSensorQuery  = "SELECT DeviceID, ElementName, Description, SensorType, CurrentReading, UnitModifier, BaseUnits, CurrentState FROM NumericSensor"
	wmiProductQuery = "SELECT Vendor, Name, IdentifyingNumber FROM Win32_ComputerSystemProduct"
)

func (d *Dispatcher) ipmi(ctx context.Context, ec ExecContext) (sourcetable.SourceTable, error) {
	host := ec.Session.Host
	cfg := host.Protocols

	switch {
	case host.Type == connector.HostWindows:
		transport := cfg.WMITransport()
		if transport == nil {
			return sourcetable.Empty(), fmt.Errorf("%w: wmi", protocols.ErrProtocolNotConfigured)
		}
		product, err := d.clients.WMI.Query(ctx, host.Hostname, transport, wmiProductQuery, "root/cimv2")
		if err != nil {
			return sourcetable.Empty(), fmt.Errorf("IPMI product query: %w", err)
		}
		sensors, err := d.clients.WMI.Query(ctx, host.Hostname, transport, wmiSensorQuery, "root/hardware")
		if err != nil {
			return sourcetable.Empty(), fmt.Errorf("IPMI sensor query: %w", err)
		}
		return tableOf(TranslateWMISensors(product, sensors)), nil

	case host.Type.IsUnix():
		base := "%{SUDO:ipmitool}" + protocols.InBandCommand(cfg.IPMI)
		fru, err := d.commands.Run(ctx, host, base+" "+protocols.IPMIFRUCommand, 0, false)
		if err != nil {
			return sourcetable.Empty(), fmt.Errorf("ipmitool fru: %w", err)
		}
		sdr, err := d.commands.Run(ctx, host, base+" "+protocols.IPMISDRCommand, 0, false)
		if err != nil {
			return sourcetable.Empty(), fmt.Errorf("ipmitool sdr: %w", err)
		}
		return tableOf(ParseIPMITool(fru, sdr)), nil

	case host.Type == connector.HostOOB:
		if cfg.IPMI == nil {
			return sourcetable.Empty(), fmt.Errorf("%w: ipmi", protocols.ErrProtocolNotConfigured)
		}
		res, err := d.clients.IPMI.Sensors(ctx, host.Hostname, cfg.IPMI)
		if err != nil {
			return sourcetable.Empty(), fmt.Errorf("IPMI-over-LAN: %w", err)
		}
		return tableOf(ParseIPMITool(res.FRU, res.SDR)), nil
	}

	d.logger.Info().Object("job", ec.Job).Str("host_type", string(host.Type)).Msg("IPMI is not supported on this host type")
	return sourcetable.Empty(), nil
}

var (
	sensorIDLine = regexp.MustCompile(`^(.*?)\s*\((0x[0-9a-fA-F]+)\)\s*$`)
	entityLine   = regexp.MustCompile(`^([0-9.]+)\s*\((.*)\)\s*$`)
	readingLine  = regexp.MustCompile(`^([-+0-9.]+)(?:\s*\(\+/-\s*[0-9.]+\))?\s*(.*)$`)
	stateLine    = regexp.MustCompile(`^\[(.*)\]$`)
)

// ParseIPMITool turns the output of "ipmitool fru" and "ipmitool -v sdr elist
// all" into the uniform IPMI table.
func ParseIPMITool(fru, sdr string) [][]string {
	rows := [][]string{parseFRU(fru)}

	for _, block := range splitBlocks(sdr) {
		if row, ok := parseSensor(block); ok {
			rows = append(rows, row)
		}
	}
	return rows
}

// parseFRU reads the builtin FRU device, preferring product fields to board
// fields.
func parseFRU(out string) []string {
	fields := make(map[string]string)
	if blocks := splitBlocks(out); len(blocks) > 0 {
		for _, kv := range blocks[0] {
			fields[strings.ToLower(kv.key)] = kv.value
		}
	}
	pick := func(keys ...string) string {
		for _, k := range keys {
			if v := fields[k]; v != "" {
				return v
			}
		}
		return ""
	}
	return []string{
		fruRowType,
		pick("product manufacturer", "board mfg"),
		pick("product name", "board product"),
		pick("product serial", "board serial", "chassis serial"),
	}
}

type keyValue struct {
	key   string
	value string
	// extra holds indented continuation lines such as asserted states.
	extra []string
}

// splitBlocks parses "Key : value" blocks separated by blank lines.
func splitBlocks(out string) [][]keyValue {
	var (
		blocks  [][]keyValue
		current []keyValue
	)
	scanner := bufio.NewScanner(strings.NewReader(out))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			if len(current) > 0 {
				blocks = append(blocks, current)
				current = nil
			}
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(key) == "" {
			if n := len(current); n > 0 {
				current[n-1].extra = append(current[n-1].extra, strings.TrimSpace(line))
			}
			continue
		}
		current = append(current, keyValue{key: strings.TrimSpace(key), value: strings.TrimSpace(value)})
	}
	if len(current) > 0 {
		blocks = append(blocks, current)
	}
	return blocks
}

func parseSensor(block []keyValue) ([]string, bool) {
	var name, id, entity, sensorType, value, unit, state string
	var asserted []string

	for _, kv := range block {
		key := strings.ToLower(kv.key)
		switch {
		case key == "sensor id":
			name = kv.value
			if m := sensorIDLine.FindStringSubmatch(kv.value); m != nil {
				name, id = m[1], m[2]
			}
		case key == "entity id":
			entity = kv.value
			if m := entityLine.FindStringSubmatch(kv.value); m != nil {
				entity = m[2] + " " + m[1]
			}
		case strings.HasPrefix(key, "sensor type"):
			sensorType = kv.value
			if m := sensorIDLine.FindStringSubmatch(kv.value); m != nil {
				sensorType = m[1]
			}
		case key == "sensor reading":
			if m := readingLine.FindStringSubmatch(kv.value); m != nil {
				value, unit = m[1], strings.TrimSpace(m[2])
			}
		case key == "status":
			state = kv.value
		case key == "states asserted":
			for _, line := range append([]string{kv.value}, kv.extra...) {
				if m := stateLine.FindStringSubmatch(line); m != nil {
					asserted = append(asserted, m[1])
				}
			}
		}
	}
	if name == "" {
		return nil, false
	}
	if len(asserted) > 0 {
		state = strings.Join(asserted, "|")
	}
	return []string{sensorType, id, name, entity, value, unit, state}, true
}

var (
	wmiSensorTypes = map[string]string{
		"2":  "Temperature",
		"3":  "Voltage",
		"4":  "Current",
		"5":  "Fan",
		"13": "Power",
	}
	wmiUnits = map[string]string{
		"2":  "degrees C",
		"5":  "Volts",
		"6":  "Amps",
		"7":  "Watts",
		"19": "RPM",
	}
)

// TranslateWMISensors builds the uniform IPMI table from the Windows IPMI
// provider answers.
func TranslateWMISensors(product, sensors [][]string) [][]string {
	fru := []string{fruRowType, "", "", ""}
	if len(product) > 0 {
		for i := 0; i < 3 && i < len(product[0]); i++ {
			fru[i+1] = product[0][i]
		}
	}
	rows := [][]string{fru}

	for _, s := range sensors {
		if len(s) < 8 {
			continue
		}
		sensorType := wmiSensorTypes[s[3]]
		if sensorType == "" {
			sensorType = s[3]
		}
		rows = append(rows, []string{
			sensorType,
			s[0],
			s[1],
			s[2],
			scaleReading(s[4], s[5]),
			wmiUnits[s[6]],
			s[7],
		})
	}
	return rows
}

// scaleReading applies the CIM unit modifier (a power of ten).
func scaleReading(reading, modifier string) string {
	v, err := strconv.ParseFloat(reading, 64)
	if err != nil {
		return reading
	}
	if m, err := strconv.Atoi(modifier); err == nil && m != 0 {
		v *= math.Pow10(m)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
