package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/nmslite/collector/internal/connector"
	"github.com/nmslite/collector/internal/protocols"
	"github.com/nmslite/collector/internal/telemetry"
)

type mockWMIClient struct{ mock.Mock }

func (m *mockWMIClient) Query(ctx context.Context, hostname string, cfg *protocols.WinRMConfig, query, namespace string) ([][]string, error) {
	args := m.Called(ctx, hostname, cfg, query, namespace)
	rows, _ := args.Get(0).([][]string)
	return rows, args.Error(1)
}

type mockIPMIClient struct{ mock.Mock }

func (m *mockIPMIClient) Sensors(ctx context.Context, hostname string, cfg *protocols.IPMIConfig) (protocols.IPMIResult, error) {
	args := m.Called(ctx, hostname, cfg)
	return args.Get(0).(protocols.IPMIResult), args.Error(1)
}

const fruOutput = `FRU Device Description : Builtin FRU Device (ID 0)
 Chassis Type          : Rack Mount Chassis
 Board Mfg             : DELL
 Board Product         : PowerEdge R740
 Board Serial          : CN7016395O0042
 Product Manufacturer  : DELL
 Product Name          : PowerEdge R740
 Product Serial        : 8XK4Q53

FRU Device Description : PS1 (ID 1)
 Product Manufacturer  : DELL
 Product Name          : PWR SPLY,750W
`

const sdrOutput = `Sensor ID              : Fan1 RPM (0x30)
 Entity ID             : 7.1 (System Board)
 Sensor Type (Threshold)  : Fan (0x04)
 Sensor Reading        : 4320 (+/- 120) RPM
 Status                : ok
 Lower critical        : 360.000

Sensor ID              : Temp (0x0e)
 Entity ID             : 3.1 (Processor)
 Sensor Type (Threshold)  : Temperature (0x01)
 Sensor Reading        : 40 (+/- 1) degrees C
 Status                : ok

Sensor ID              : PS1 Status (0x62)
 Entity ID             : 10.1 (Power Supply)
 Sensor Type (Discrete): Power Supply (0x08)
 States Asserted       : Power Supply
                         [Presence detected]
                         [Power Supply AC lost]
`

func TestParseIPMITool(t *testing.T) {
	rows := ParseIPMITool(fruOutput, sdrOutput)

	expected := [][]string{
		{"FRU", "DELL", "PowerEdge R740", "8XK4Q53"},
		{"Fan", "0x30", "Fan1 RPM", "System Board 7.1", "4320", "RPM", "ok"},
		{"Temperature", "0x0e", "Temp", "Processor 3.1", "40", "degrees C", "ok"},
		{"Power Supply", "0x62", "PS1 Status", "Power Supply 10.1", "", "", "Presence detected|Power Supply AC lost"},
	}
	assert.Equal(t, expected, rows)
}

func TestParseIPMIToolBoardFallback(t *testing.T) {
	rows := ParseIPMITool("FRU Device Description : Builtin FRU Device (ID 0)\n Board Mfg : Supermicro\n Board Product : X11DPi\n Board Serial : ZM1234\n", "")
	assert.Equal(t, [][]string{{"FRU", "Supermicro", "X11DPi", "ZM1234"}}, rows)
}

func TestTranslateWMISensors(t *testing.T) {
	product := [][]string{{"HPE", "ProLiant DL380 Gen10", "CZJ1234"}}
	sensors := [][]string{
		{"Sensor 1", "Fan 1", "System Fan", "5", "4500", "0", "19", "Normal"},
		{"Sensor 2", "Inlet Temp", "Ambient", "2", "215", "-1", "2", "Normal"},
		{"short row"},
	}

	rows := TranslateWMISensors(product, sensors)
	assert.Equal(t, [][]string{
		{"FRU", "HPE", "ProLiant DL380 Gen10", "CZJ1234"},
		{"Fan", "Sensor 1", "Fan 1", "System Fan", "4500", "RPM", "Normal"},
		{"Temperature", "Sensor 2", "Inlet Temp", "Ambient", "21.5", "degrees C", "Normal"},
	}, rows)
}

func TestIPMIByHostType(t *testing.T) {
	t.Run("unix runs ipmitool in band", func(t *testing.T) {
		local := &mockCommandRunner{}
		local.On("Run", mock.Anything, "ipmitool -I open fru", 30*time.Second).Return(fruOutput, nil)
		local.On("Run", mock.Anything, "ipmitool -I open -v sdr elist all", 30*time.Second).Return(sdrOutput, nil)

		d := newDispatcher(&protocols.Clients{Command: local})
		ec := newContext(telemetry.Host{Hostname: "localhost", Type: connector.HostLinux})

		out := d.Execute(context.Background(), &connector.IPMISource{SourceBase: base("ipmi.source(1)")}, ec)
		assert.Len(t, out.Table, 4)
		local.AssertExpectations(t)
	})

	t.Run("windows queries the IPMI provider over WMI", func(t *testing.T) {
		wmi := &mockWMIClient{}
		wmi.On("Query", mock.Anything, "win01", mock.AnythingOfType("*protocols.WinRMConfig"), wmiProductQuery, "root/cimv2").
			Return([][]string{{"HPE", "ProLiant DL380 Gen10", "CZJ1234"}}, nil)
		wmi.On("Query", mock.Anything, "win01", mock.AnythingOfType("*protocols.WinRMConfig"), wmiSensorQuery, "root/hardware").
			Return([][]string{
				{"Sensor 1", "Fan 1", "System Fan", "5", "4500", "0", "19", "Normal"},
				{"Sensor 2", "Inlet Temp", "Ambient", "2", "215", "-1", "2", "Normal"},
			}, nil)

		d := newDispatcher(&protocols.Clients{WMI: wmi})
		ec := newContext(telemetry.Host{
			Hostname:  "win01",
			Type:      connector.HostWindows,
			Protocols: &protocols.Configurations{WMI: &protocols.WMIConfig{Username: "admin", Password: "secret"}},
		})

		out := d.Execute(context.Background(), &connector.IPMISource{SourceBase: base("ipmi.source(1)")}, ec)
		assert.Equal(t, [][]string{
			{"FRU", "HPE", "ProLiant DL380 Gen10", "CZJ1234"},
			{"Fan", "Sensor 1", "Fan 1", "System Fan", "4500", "RPM", "Normal"},
			{"Temperature", "Sensor 2", "Inlet Temp", "Ambient", "21.5", "degrees C", "Normal"},
		}, out.Table)
		wmi.AssertExpectations(t)
		wmi.AssertNumberOfCalls(t, "Query", 2)
	})

	t.Run("windows without WMI credentials", func(t *testing.T) {
		wmi := &mockWMIClient{}
		d := newDispatcher(&protocols.Clients{WMI: wmi})
		ec := newContext(telemetry.Host{Hostname: "win01", Type: connector.HostWindows, Protocols: &protocols.Configurations{}})

		out := d.Execute(context.Background(), &connector.IPMISource{SourceBase: base("ipmi.source(1)")}, ec)
		assert.True(t, out.IsEmpty())
		wmi.AssertNotCalled(t, "Query", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("out-of-band card is read over LAN", func(t *testing.T) {
		cfg := &protocols.IPMIConfig{Username: "root", Password: "calvin"}
		ipmi := &mockIPMIClient{}
		ipmi.On("Sensors", mock.Anything, "idrac01", cfg).Return(protocols.IPMIResult{FRU: fruOutput, SDR: sdrOutput}, nil)

		d := newDispatcher(&protocols.Clients{IPMI: ipmi})
		ec := newContext(telemetry.Host{Hostname: "idrac01", Type: connector.HostOOB, Protocols: &protocols.Configurations{IPMI: cfg}})

		out := d.Execute(context.Background(), &connector.IPMISource{SourceBase: base("ipmi.source(1)")}, ec)
		assert.Equal(t, ParseIPMITool(fruOutput, sdrOutput), out.Table)
		assert.Len(t, out.Table, 4)
		assert.Equal(t, "FRU", out.Table[0][0])
		ipmi.AssertExpectations(t)
	})

	t.Run("out-of-band failure yields an empty table", func(t *testing.T) {
		cfg := &protocols.IPMIConfig{Username: "root"}
		ipmi := &mockIPMIClient{}
		ipmi.On("Sensors", mock.Anything, "idrac01", cfg).Return(protocols.IPMIResult{}, protocols.ErrProtocolNotConfigured)

		d := newDispatcher(&protocols.Clients{IPMI: ipmi})
		ec := newContext(telemetry.Host{Hostname: "idrac01", Type: connector.HostOOB, Protocols: &protocols.Configurations{IPMI: cfg}})

		out := d.Execute(context.Background(), &connector.IPMISource{SourceBase: base("ipmi.source(1)")}, ec)
		assert.True(t, out.IsEmpty())
	})

	t.Run("unsupported host type", func(t *testing.T) {
		d := newDispatcher(&protocols.Clients{})
		ec := newContext(telemetry.Host{Hostname: "array01", Type: connector.HostStorage})

		out := d.Execute(context.Background(), &connector.IPMISource{SourceBase: base("ipmi.source(1)")}, ec)
		assert.True(t, out.IsEmpty())
	})
}
