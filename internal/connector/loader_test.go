package connector

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const diskConnector = `
displayName: Linux disks
detection:
  appliesTo: [linux]
  criteria:
    - type: deviceType
      keep: [linux]
    - type: snmpGetNext
      oid: 1.3.6.1.2.1.25
preSources:
  - type: static
    value: "a,b"
    separator: ","
monitors:
  disk:
    discovery:
      sources:
        - type: snmpTable
          oid: 1.3.6.1.2.1.25.2.3.1
          selectColumns: [ID, "3"]
          computes:
            - type: leftConcat
              column: 1
              value: disk_
      mappings:
        - source: disk.discovery.source(1)
          attributes:
            id: $1
            name: $2
    collect:
      type: multiInstance
      sources:
        - type: osCommand
          commandLine: df -k
          keep: ^/dev
          separators: " "
          selectColumns: ["1", "5"]
        - type: tableJoin
          leftTable: disk.collect.source(1)
          rightTable: disk.discovery.source(1)
          leftKeyColumn: 1
          rightKeyColumn: 2
          caseInsensitive: true
      mappings:
        - source: disk.collect.source(2)
          attributes:
            id: $1
          metrics:
            hw.disk.usage: percent2Ratio($2)
metrics:
  hw.disk.usage:
    unit: "1"
    type: gauge
translationTables:
  status:
    "1": ok
`

func TestParse(t *testing.T) {
	c, err := Parse("LinuxDisk", []byte(diskConnector))
	require.NoError(t, err)

	assert.Equal(t, "LinuxDisk", c.ID)
	assert.Equal(t, "Linux disks", c.DisplayName)
	require.NotNil(t, c.Detection)
	assert.Equal(t, []HostType{HostLinux}, c.Detection.AppliesTo)
	require.Len(t, c.Detection.Criteria, 2)
	assert.IsType(t, DeviceTypeCriterion{}, c.Detection.Criteria[0])
	assert.Equal(t, "1.3.6.1.2.1.25", c.Detection.Criteria[1].(SNMPGetNextCriterion).OID)

	require.Len(t, c.PreSources, 1)
	assert.Equal(t, "pre.source(1)", c.PreSources[0].Key())
	assert.Equal(t, ",", c.PreSources[0].(*StaticSource).Separator)

	disk := c.Jobs["disk"]
	require.NotNil(t, disk)
	require.NotNil(t, disk.Discovery)
	table := disk.Discovery.Sources[0].(*SNMPTableSource)
	assert.Equal(t, "disk.discovery.source(1)", table.Key())
	assert.Equal(t, []string{"ID", "3"}, table.SelectColumns)
	assert.Equal(t, []Compute{LeftConcat{Column: 1, Value: "disk_"}}, table.Computes())

	collect := disk.Collect
	require.NotNil(t, collect)
	assert.Equal(t, MultiInstance, collect.CollectType)
	assert.Equal(t, []string{"id"}, collect.Keys)
	cmd := collect.Sources[0].(*OSCommandSource)
	assert.Equal(t, []int{1, 5}, cmd.SelectColumns)
	assert.Equal(t, "^/dev", cmd.KeepOnlyRegExp)
	assert.Equal(t, []string{"disk.collect.source(1)", "disk.discovery.source(1)"},
		collect.Dependencies["disk.collect.source(2)"])
	assert.True(t, collect.Sources[1].(*TableJoinSource).CaseInsensitive)

	assert.Equal(t, "percent2Ratio($2)", collect.Mappings[0].Metrics["hw.disk.usage"])
	assert.Equal(t, MetricGauge, c.Metrics["hw.disk.usage"].Type)
	assert.Equal(t, "ok", c.TranslationTables["status"]["1"])
}

func TestParseErrors(t *testing.T) {
	testCases := []struct {
		name string
		doc  string
	}{
		{name: "unknown source type", doc: "monitors:\n  fan:\n    collect:\n      sources:\n        - type: carrierPigeon\n"},
		{name: "unknown compute type", doc: "preSources:\n  - type: static\n    computes:\n      - type: sing\n"},
		{name: "unknown criterion type", doc: "detection:\n  criteria:\n    - type: guess\n"},
		{name: "bad collect type", doc: "monitors:\n  fan:\n    collect:\n      type: many\n"},
		{name: "cycle", doc: `
monitors:
  fan:
    collect:
      sources:
        - type: reference
          reference: fan.collect.source(2)
        - type: reference
          reference: fan.collect.source(1)
`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse("x", []byte(tc.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "LinuxDisk.yaml"), []byte(diskConnector), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Other.yml"), []byte("id: Custom\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# not a connector"), 0o644))

	store, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, store.Len())
	_, ok := store.Get("LinuxDisk")
	assert.True(t, ok)
	_, ok = store.Get("Custom")
	assert.True(t, ok)
}

func TestDeriveDependencies(t *testing.T) {
	sources := []Source{
		&HTTPSource{
			SourceBase:            SourceBase{SourceKey: "h"},
			URL:                   "/api/%entry.column(1)%",
			ExecuteForEachEntryOf: &EntryBinding{Source: "pre.source(1)"},
		},
		&TableUnionSource{SourceBase: SourceBase{SourceKey: "u"}, Tables: []string{"b", "a", "b"}},
		&StaticSource{SourceBase: SourceBase{SourceKey: "s"}},
	}
	deps := DeriveDependencies(sources)
	assert.Equal(t, []string{"pre.source(1)"}, deps["h"])
	assert.Equal(t, []string{"a", "b"}, deps["u"])
	assert.NotContains(t, deps, "s")
}
