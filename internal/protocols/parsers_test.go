package protocols

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmslite/collector/internal/connector"
)

const execQueryResponse = `<?xml version="1.0" encoding="utf-8" ?>
<CIM CIMVERSION="2.0" DTDVERSION="2.0">
 <MESSAGE ID="1001" PROTOCOLVERSION="1.0">
  <SIMPLERSP>
   <IMETHODRESPONSE NAME="ExecQuery">
    <IRETURNVALUE>
     <VALUE.OBJECTWITHPATH>
      <INSTANCEPATH>
       <NAMESPACEPATH>
        <HOST>array01</HOST>
        <LOCALNAMESPACEPATH><NAMESPACE NAME="root"/><NAMESPACE NAME="emc"/></LOCALNAMESPACEPATH>
       </NAMESPACEPATH>
       <INSTANCENAME CLASSNAME="EMC_DiskDrive">
        <KEYBINDING NAME="DeviceID"><KEYVALUE>disk0</KEYVALUE></KEYBINDING>
       </INSTANCENAME>
      </INSTANCEPATH>
      <INSTANCE CLASSNAME="EMC_DiskDrive">
       <PROPERTY NAME="DeviceID" TYPE="string"><VALUE>disk0</VALUE></PROPERTY>
       <PROPERTY NAME="Caption" TYPE="string"></PROPERTY>
       <PROPERTY.ARRAY NAME="OperationalStatus" TYPE="uint16">
        <VALUE.ARRAY><VALUE>2</VALUE><VALUE>10</VALUE></VALUE.ARRAY>
       </PROPERTY.ARRAY>
      </INSTANCE>
     </VALUE.OBJECTWITHPATH>
    </IRETURNVALUE>
   </IMETHODRESPONSE>
  </SIMPLERSP>
 </MESSAGE>
</CIM>`

const execQueryError = `<?xml version="1.0" encoding="utf-8" ?>
<CIM CIMVERSION="2.0" DTDVERSION="2.0">
 <MESSAGE ID="1001" PROTOCOLVERSION="1.0">
  <SIMPLERSP>
   <IMETHODRESPONSE NAME="ExecQuery">
    <ERROR CODE="3" DESCRIPTION="CIM_ERR_INVALID_NAMESPACE"/>
   </IMETHODRESPONSE>
  </SIMPLERSP>
 </MESSAGE>
</CIM>`

func TestParseExecQueryResponse(t *testing.T) {
	rows, err := ParseExecQueryResponse([]byte(execQueryResponse), []string{"deviceid", "OperationalStatus", "Caption", PathProperty})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"disk0", "2|10", "", `//array01/root/emc:EMC_DiskDrive.DeviceID="disk0"`}, rows[0])

	rows, err = ParseExecQueryResponse([]byte(execQueryResponse), nil)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"disk0", "", "2|10"}}, rows)
}

func TestParseExecQueryResponseError(t *testing.T) {
	_, err := ParseExecQueryResponse([]byte(execQueryError), nil)
	require.Error(t, err)

	var wbemErr *WBEMError
	require.True(t, errors.As(err, &wbemErr))
	assert.Equal(t, CIMErrInvalidNamespace, wbemErr.Code)
	assert.True(t, IsAcceptableWBEMError(err))
}

func TestBuildExecQuery(t *testing.T) {
	body, err := buildExecQuery(`SELECT Name FROM CIM_Chassis WHERE Name <> ""`, `root\emc`)
	require.NoError(t, err)

	s := string(body)
	assert.Contains(t, s, `<NAMESPACE NAME="root"/><NAMESPACE NAME="emc"/>`)
	assert.Contains(t, s, `Name &lt;&gt; &#34;&#34;`)
}

func TestSelectedProperties(t *testing.T) {
	testCases := []struct {
		query    string
		expected []string
	}{
		{"SELECT Name, Status FROM Win32_DiskDrive", []string{"Name", "Status"}},
		{"select DeviceID from CIM_Processor where Enabled = true", []string{"DeviceID"}},
		{"SELECT * FROM Win32_Fan", nil},
		{"ASSOCIATORS OF {x}", nil},
	}
	for _, tc := range testCases {
		t.Run(tc.query, func(t *testing.T) {
			assert.Equal(t, tc.expected, SelectedProperties(tc.query))
		})
	}
}

func TestParseCIMJSON(t *testing.T) {
	t.Run("array with select list", func(t *testing.T) {
		out := `[{"Name":"C:","Size":500107862016,"Flags":[1,2]},{"name":"D:","Size":null,"Flags":[]}]`
		rows, err := ParseCIMJSON(out, []string{"Name", "Size", "Flags"})
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"C:", "500107862016", "1|2"}, {"D:", "", ""}}, rows)
	})

	t.Run("single object without select list", func(t *testing.T) {
		out := `{"Status":"OK","CimClass":"x","Caption":"Fan 1","PSComputerName":"h"}`
		rows, err := ParseCIMJSON(out, nil)
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"Fan 1", "OK"}}, rows)
	})

	t.Run("empty output", func(t *testing.T) {
		rows, err := ParseCIMJSON("  \r\n", []string{"Name"})
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ParseCIMJSON("not json", nil)
		assert.Error(t, err)
	})
}

func TestParseCIMErrorText(t *testing.T) {
	var wbemErr *WBEMError

	err := ParseCIMErrorText("Get-CimInstance : Invalid namespace \r\n At line:1")
	require.True(t, errors.As(err, &wbemErr))
	assert.Equal(t, CIMErrInvalidNamespace, wbemErr.Code)

	err = ParseCIMErrorText("Get-CimInstance : Invalid class")
	require.True(t, errors.As(err, &wbemErr))
	assert.Equal(t, CIMErrInvalidClass, wbemErr.Code)

	assert.Nil(t, ParseCIMErrorText("Access is denied"))
}

func TestBuildCIMScript(t *testing.T) {
	script := BuildCIMScript("SELECT Name FROM Win32_Service WHERE Name='x'", `root\cimv2`)
	assert.Contains(t, script, `-Namespace 'root\cimv2'`)
	assert.Contains(t, script, `WHERE Name=''x'''`)
	assert.Contains(t, script, "ConvertTo-Json -Compress")
}

func TestSplitTableOID(t *testing.T) {
	column, index, ok := splitTableOID("1.3.6.1.2.1.2.2.1", "1.3.6.1.2.1.2.2.1.2.5")
	require.True(t, ok)
	assert.Equal(t, "2", column)
	assert.Equal(t, "5", index)

	_, _, ok = splitTableOID("1.3.6.1.2.1.2.2.1", "1.3.6.1.2.1.2.2.1.2")
	assert.False(t, ok)

	_, _, ok = splitTableOID("1.3.6.1.2.1.2.2.1", "1.3.6.1.2.1.25.1")
	assert.False(t, ok)
}

func TestBuildSNMPTable(t *testing.T) {
	cells := map[string]map[string]string{
		"10": {"2": "eth10", "8": "1"},
		"2":  {"2": "eth1", "8": "2"},
		"1":  {"2": "lo"},
	}
	table := buildSNMPTable(cells, []string{"ID", "2", "8"})
	assert.Equal(t, [][]string{
		{"1", "lo", ""},
		{"2", "eth1", "2"},
		{"10", "eth10", "1"},
	}, table)
}

func TestCompareOID(t *testing.T) {
	assert.Negative(t, compareOID("1.2", "1.10"))
	assert.Positive(t, compareOID("1.2.1", "1.2"))
	assert.Zero(t, compareOID("3.4", "3.4"))
}

func TestFormatPDU(t *testing.T) {
	testCases := []struct {
		name     string
		pdu      gosnmp.SnmpPDU
		expected string
	}{
		{"string", gosnmp.SnmpPDU{Type: gosnmp.OctetString, Value: []byte("PowerEdge R740\x00")}, "PowerEdge R740"},
		{"binary", gosnmp.SnmpPDU{Type: gosnmp.OctetString, Value: []byte{0x00, 0x1a, 0xff}}, "00:1a:ff"},
		{"integer", gosnmp.SnmpPDU{Type: gosnmp.Integer, Value: 42}, "42"},
		{"counter64", gosnmp.SnmpPDU{Type: gosnmp.Counter64, Value: uint64(18446744073709551615)}, "18446744073709551615"},
		{"oid", gosnmp.SnmpPDU{Type: gosnmp.ObjectIdentifier, Value: ".1.3.6.1.4.1.674"}, "1.3.6.1.4.1.674"},
		{"no such object", gosnmp.SnmpPDU{Type: gosnmp.NoSuchObject}, ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, FormatPDU(tc.pdu))
		})
	}
}

func TestRunSteps(t *testing.T) {
	r, w := io.Pipe()
	go func() {
		_, _ = io.WriteString(w, "Username: ")
		time.Sleep(20 * time.Millisecond)
		_, _ = io.WriteString(w, "Password: ")
		time.Sleep(20 * time.Millisecond)
		_, _ = io.WriteString(w, "\nFAN1 OK\nFAN2 FAILED\nEND\n")
		_ = w.Close()
	}()

	var sent strings.Builder
	steps := []connector.Step{
		{Kind: connector.StepWaitFor, Text: "Username:"},
		{Kind: connector.StepSendUsername},
		{Kind: connector.StepWaitFor, Text: "Password:"},
		{Kind: connector.StepSendPassword},
		{Kind: connector.StepSendText, Text: `show fans\n`},
		{Kind: connector.StepWaitFor, Text: "END", Capture: true},
	}
	cfg := &SSHConfig{Username: "admin", Password: "secret"}

	out, err := RunSteps(context.Background(), NewExpectBuffer(r), &sent, cfg, steps)
	require.NoError(t, err)
	assert.Equal(t, " \nFAN1 OK\nFAN2 FAILED\nEND", out)
	assert.Equal(t, "admin\nsecret\nshow fans\n", sent.String())
}

func TestRunStepsClosedStream(t *testing.T) {
	steps := []connector.Step{{Kind: connector.StepWaitFor, Text: "never"}}
	_, err := RunSteps(context.Background(), NewExpectBuffer(strings.NewReader("prompt> ")), io.Discard, &SSHConfig{}, steps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 1")
}

func TestLANCommand(t *testing.T) {
	cfg := &IPMIConfig{Username: "root", Password: "it's", BMCKey: "abcd"}
	assert.Equal(t,
		`ipmitool -I lanplus -H 'bmc01' -U 'root' -P 'it'\''s' -y 'abcd'`,
		LANCommand("bmc01", cfg))

	cfg.IPMIToolPath = "/opt/ipmitool"
	assert.Equal(t, "/opt/ipmitool -I open", InBandCommand(cfg))
	assert.Equal(t, "ipmitool", ToolPath(nil))
}

func TestClassifyErrors(t *testing.T) {
	assert.ErrorIs(t, classifyIPMIError(errors.New("RAKP 2 message indicates an error")), ErrAuthentication)
	assert.ErrorIs(t, classifyWinRMError(errors.New("http response error: 401 - invalid content type")), ErrAuthentication)
	assert.ErrorIs(t, classifySNMPError(errors.New("unknown user name")), ErrAuthentication)
	assert.NotErrorIs(t, classifySNMPError(errors.New("request timeout")), ErrAuthentication)
}
