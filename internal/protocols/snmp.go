package protocols

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gosnmp/gosnmp"
	"github.com/rs/zerolog"
)

const defaultSNMPTimeout = 10 * time.Second

type snmpClient struct {
	logger zerolog.Logger
}

// NewSNMPClient returns an SNMPClient backed by gosnmp.
func NewSNMPClient(logger zerolog.Logger) SNMPClient {
	return &snmpClient{logger: logger.With().Str("component", "snmp_client").Logger()}
}

// newSession builds a connected gosnmp session with the USM mapping of the
// configuration applied.
func newSession(ctx context.Context, hostname string, cfg *SNMPConfig) (*gosnmp.GoSNMP, error) {
	if cfg == nil {
		return nil, ErrProtocolNotConfigured
	}

	g := &gosnmp.GoSNMP{
		Context:            ctx,
		Target:             hostname,
		Port:               uint16(GetRegistry().MustProtocol(ProtocolSNMP).Port(cfg.Port, false)),
		Community:          cfg.Community,
		Timeout:            Seconds(cfg.TimeoutSeconds, defaultSNMPTimeout),
		Retries:            cfg.Retries,
		MaxOids:            gosnmp.MaxOids,
		MaxRepetitions:     20,
		ExponentialTimeout: false,
	}

	switch cfg.Version {
	case "v1":
		g.Version = gosnmp.Version1
	case "v3":
		g.Version = gosnmp.Version3
		if err := applyUSM(g, cfg); err != nil {
			return nil, err
		}
	default:
		g.Version = gosnmp.Version2c
	}

	if err := g.Connect(); err != nil {
		return nil, fmt.Errorf("SNMP connection failed: %w", err)
	}
	return g, nil
}

func applyUSM(g *gosnmp.GoSNMP, cfg *SNMPConfig) error {
	var securityLevel gosnmp.SnmpV3MsgFlags
	switch cfg.SecurityLevel {
	case "noAuthNoPriv":
		securityLevel = gosnmp.NoAuthNoPriv
	case "authNoPriv":
		securityLevel = gosnmp.AuthNoPriv
	case "authPriv":
		securityLevel = gosnmp.AuthPriv
	case "":
		switch {
		case cfg.PrivPassphrase != "":
			securityLevel = gosnmp.AuthPriv
		case cfg.AuthPassphrase != "":
			securityLevel = gosnmp.AuthNoPriv
		default:
			securityLevel = gosnmp.NoAuthNoPriv
		}
	default:
		return fmt.Errorf("invalid security level: %s", cfg.SecurityLevel)
	}

	var authProto gosnmp.SnmpV3AuthProtocol
	switch cfg.AuthProtocol {
	case "SHA":
		authProto = gosnmp.SHA
	case "SHA224":
		authProto = gosnmp.SHA224
	case "SHA256":
		authProto = gosnmp.SHA256
	case "SHA384":
		authProto = gosnmp.SHA384
	case "SHA512":
		authProto = gosnmp.SHA512
	default:
		authProto = gosnmp.MD5
	}

	var privProto gosnmp.SnmpV3PrivProtocol
	switch cfg.PrivProtocol {
	case "DES":
		privProto = gosnmp.DES
	case "AES":
		privProto = gosnmp.AES
	case "AES192":
		privProto = gosnmp.AES192
	case "AES256":
		privProto = gosnmp.AES256
	default:
		privProto = gosnmp.NoPriv
	}

	params := &gosnmp.UsmSecurityParameters{UserName: cfg.Username}
	if securityLevel != gosnmp.NoAuthNoPriv {
		params.AuthenticationProtocol = authProto
		params.AuthenticationPassphrase = cfg.AuthPassphrase
	}
	if securityLevel == gosnmp.AuthPriv {
		params.PrivacyProtocol = privProto
		params.PrivacyPassphrase = cfg.PrivPassphrase
	}

	g.SecurityModel = gosnmp.UserSecurityModel
	g.MsgFlags = securityLevel
	g.SecurityParameters = params
	return nil
}

func (c *snmpClient) Get(ctx context.Context, hostname string, cfg *SNMPConfig, oid string) (string, error) {
	g, err := newSession(ctx, hostname, cfg)
	if err != nil {
		return "", err
	}
	defer g.Conn.Close()

	result, err := g.Get([]string{oid})
	if err != nil {
		return "", classifySNMPError(fmt.Errorf("SNMP Get request failed: %w", err))
	}
	if len(result.Variables) == 0 {
		return "", nil
	}
	v := result.Variables[0]
	if v.Type == gosnmp.NoSuchObject || v.Type == gosnmp.NoSuchInstance || v.Type == gosnmp.EndOfMibView {
		return "", nil
	}
	return FormatPDU(v), nil
}

func (c *snmpClient) GetNext(ctx context.Context, hostname string, cfg *SNMPConfig, oid string) (string, string, error) {
	g, err := newSession(ctx, hostname, cfg)
	if err != nil {
		return "", "", err
	}
	defer g.Conn.Close()

	result, err := g.GetNext([]string{oid})
	if err != nil {
		return "", "", classifySNMPError(fmt.Errorf("SNMP GetNext request failed: %w", err))
	}
	if len(result.Variables) == 0 || result.Variables[0].Type == gosnmp.EndOfMibView {
		return "", "", nil
	}
	v := result.Variables[0]
	return strings.TrimPrefix(v.Name, "."), FormatPDU(v), nil
}

func (c *snmpClient) Table(ctx context.Context, hostname string, cfg *SNMPConfig, oid string, columns []string) ([][]string, error) {
	g, err := newSession(ctx, hostname, cfg)
	if err != nil {
		return nil, err
	}
	defer g.Conn.Close()

	root := "." + strings.Trim(oid, ".")
	// cells[index][column]
	cells := make(map[string]map[string]string)
	walk := func(pdu gosnmp.SnmpPDU) error {
		column, index, ok := splitTableOID(root, pdu.Name)
		if !ok {
			return nil
		}
		if cells[index] == nil {
			cells[index] = make(map[string]string)
		}
		cells[index][column] = FormatPDU(pdu)
		return nil
	}

	if g.Version == gosnmp.Version1 {
		err = g.Walk(root, walk)
	} else {
		err = g.BulkWalk(root, walk)
	}
	if err != nil {
		return nil, classifySNMPError(fmt.Errorf("failed to walk %s: %w", oid, err))
	}

	return buildSNMPTable(cells, columns), nil
}

// splitTableOID splits <root>.<column>.<index...> into column and index.
// Connectors point table sources at the table entry OID.
func splitTableOID(root, name string) (string, string, bool) {
	if !strings.HasPrefix(name, root+".") {
		return "", "", false
	}
	column, index, ok := strings.Cut(strings.TrimPrefix(name, root+"."), ".")
	if !ok || index == "" {
		return "", "", false
	}
	return column, index, true
}

// buildSNMPTable lays out the walked cells in index order, one row per index.
func buildSNMPTable(cells map[string]map[string]string, columns []string) [][]string {
	indexes := make([]string, 0, len(cells))
	for index := range cells {
		indexes = append(indexes, index)
	}
	sort.Slice(indexes, func(i, j int) bool { return compareOID(indexes[i], indexes[j]) < 0 })

	table := make([][]string, 0, len(indexes))
	for _, index := range indexes {
		row := make([]string, 0, len(columns))
		for _, col := range columns {
			if strings.EqualFold(strings.TrimSpace(col), "ID") {
				row = append(row, index)
				continue
			}
			row = append(row, cells[index][strings.TrimSpace(col)])
		}
		table = append(table, row)
	}
	return table
}

func compareOID(a, b string) int {
	pa, pb := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(pa) && i < len(pb); i++ {
		na, errA := strconv.Atoi(pa[i])
		nb, errB := strconv.Atoi(pb[i])
		if errA != nil || errB != nil {
			if c := strings.Compare(pa[i], pb[i]); c != 0 {
				return c
			}
			continue
		}
		if na != nb {
			if na < nb {
				return -1
			}
			return 1
		}
	}
	return len(pa) - len(pb)
}

// FormatPDU renders a PDU value as a table cell.
func FormatPDU(v gosnmp.SnmpPDU) string {
	switch v.Type {
	case gosnmp.OctetString:
		b, _ := v.Value.([]byte)
		if utf8.Valid(b) && isPrintable(b) {
			return strings.TrimRight(string(b), "\x00")
		}
		return formatHex(b)
	case gosnmp.ObjectIdentifier:
		s, _ := v.Value.(string)
		return strings.TrimPrefix(s, ".")
	case gosnmp.IPAddress:
		s, _ := v.Value.(string)
		return s
	case gosnmp.Null, gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView:
		return ""
	case gosnmp.Integer, gosnmp.Counter32, gosnmp.Gauge32, gosnmp.TimeTicks, gosnmp.Counter64, gosnmp.Uinteger32:
		return gosnmp.ToBigInt(v.Value).String()
	}
	return fmt.Sprintf("%v", v.Value)
}

func isPrintable(b []byte) bool {
	for _, c := range strings.TrimRight(string(b), "\x00") {
		if c < 0x20 && c != '\t' && c != '\n' && c != '\r' {
			return false
		}
	}
	return true
}

func formatHex(b []byte) string {
	parts := make([]string, len(b))
	for i := range b {
		parts[i] = hex.EncodeToString(b[i : i+1])
	}
	return strings.Join(parts, ":")
}

// classifySNMPError maps v3 authentication reports onto ErrAuthentication.
func classifySNMPError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "authentication") || strings.Contains(msg, "unknown user") || strings.Contains(msg, "wrong digest") {
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return err
}
