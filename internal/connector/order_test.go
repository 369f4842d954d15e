package connector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticSources(keys ...string) []Source {
	sources := make([]Source, 0, len(keys))
	for _, k := range keys {
		sources = append(sources, &StaticSource{SourceBase: SourceBase{SourceKey: k}, Value: k})
	}
	return sources
}

func keysOf(sources []Source) []string {
	keys := make([]string, 0, len(sources))
	for _, s := range sources {
		keys = append(keys, s.Key())
	}
	return keys
}

func TestOrderSourcesDeclarationOrder(t *testing.T) {
	sources := staticSources("s1", "s2", "s3")

	ordered, err := OrderSources(sources, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2", "s3"}, keysOf(ordered))

	ordered, err = OrderSources(sources, nil, map[string][]string{})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2", "s3"}, keysOf(ordered))
}

func TestOrderSourcesRespectsDependencies(t *testing.T) {
	testCases := []struct {
		name     string
		keys     []string
		order    []string
		deps     map[string][]string
		expected []string
	}{
		{
			name:     "dependency declared later",
			keys:     []string{"join", "left", "right"},
			deps:     map[string][]string{"join": {"left", "right"}},
			expected: []string{"left", "right", "join"},
		},
		{
			name:     "chain",
			keys:     []string{"c", "b", "a"},
			deps:     map[string][]string{"c": {"b"}, "b": {"a"}},
			expected: []string{"a", "b", "c"},
		},
		{
			name:     "execution order breaks ties",
			keys:     []string{"a", "b", "c"},
			order:    []string{"c", "b"},
			expected: []string{"c", "b", "a"},
		},
		{
			name:     "unknown dependency is ignored",
			keys:     []string{"a", "b"},
			deps:     map[string][]string{"a": {"pre.source(1)"}},
			expected: []string{"a", "b"},
		},
		{
			name:     "diamond",
			keys:     []string{"d", "c", "b", "a"},
			deps:     map[string][]string{"d": {"b", "c"}, "b": {"a"}, "c": {"a"}},
			expected: []string{"a", "c", "b", "d"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ordered, err := OrderSources(staticSources(tc.keys...), tc.order, tc.deps)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, keysOf(ordered))

			position := make(map[string]int)
			for i, k := range keysOf(ordered) {
				position[k] = i
			}
			for key, deps := range tc.deps {
				for _, dep := range deps {
					if p, ok := position[dep]; ok {
						assert.Less(t, p, position[key], "%s must run before %s", dep, key)
					}
				}
			}
		})
	}
}

func TestOrderSourcesDetectsCycles(t *testing.T) {
	_, err := OrderSources(staticSources("a", "b", "c"), nil, map[string][]string{
		"a": {"b"},
		"b": {"c"},
		"c": {"a"},
	})
	require.ErrorIs(t, err, ErrCyclicDependency)
	assert.Contains(t, err.Error(), "a, b, c")

	_, err = OrderSources(staticSources("a"), nil, map[string][]string{"a": {"a"}})
	assert.ErrorIs(t, err, ErrCyclicDependency)
}

func TestSourceKeys(t *testing.T) {
	assert.Equal(t, "disk.collect.source(2)", SourceKey("disk", JobCollect, 2))
	assert.Equal(t, "pre.source(1)", PreSourceKey(1))
}

func TestCloneDoesNotShareState(t *testing.T) {
	original := &HTTPSource{
		SourceBase:            SourceBase{SourceKey: "k", ComputeSteps: []Compute{LeftConcat{Column: 1, Value: "x"}}},
		URL:                   "/api/%disk.collect.deviceid%",
		ExecuteForEachEntryOf: &EntryBinding{Source: "other", Concat: ConcatList},
	}
	cp := original.Clone().(*HTTPSource)
	cp.URL = "/api/1"
	cp.ExecuteForEachEntryOf.Source = "changed"
	cp.ComputeSteps[0] = RightConcat{}

	assert.Equal(t, "/api/%disk.collect.deviceid%", original.URL)
	assert.Equal(t, "other", original.ExecuteForEachEntryOf.Source)
	assert.IsType(t, LeftConcat{}, original.ComputeSteps[0])
}

func TestStoreAndMetricDefinition(t *testing.T) {
	c := &Connector{
		ID:      "b",
		Metrics: map[string]MetricDefinition{"hw.status": {Type: MetricStateSet, States: []string{"ok", "failed"}}},
		Jobs:    map[string]*MonitorJob{"fan": {}, "cpu": {}},
	}
	store := NewStore(c, &Connector{ID: "a"})
	assert.Equal(t, 2, store.Len())
	assert.Equal(t, "a", store.All()[0].ID)

	def, ok := c.MetricDefinition(`hw.status{hw.type="fan"}`)
	require.True(t, ok)
	assert.Equal(t, MetricStateSet, def.Type)
	assert.Equal(t, []string{"cpu", "fan"}, c.MonitorTypes())

	assert.True(t, (&Detection{}).AppliesToHost(HostLinux))
	assert.False(t, (&Detection{AppliesTo: []HostType{HostWindows}}).AppliesToHost(HostLinux))
}
