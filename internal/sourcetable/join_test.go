package sourcetable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoin(t *testing.T) {
	left := [][]string{{"1", "disk0"}, {"2", "disk1"}, {"3", "disk2"}}
	right := [][]string{{"1", "OK"}, {"2", "FAILED"}, {"2", "DEGRADED"}}

	t.Run("drops unmatched rows without default", func(t *testing.T) {
		out, err := Join(left, right, JoinSpec{LeftKeyColumn: 1, RightKeyColumn: 1})
		require.NoError(t, err)
		assert.Equal(t, [][]string{
			{"1", "disk0", "1", "OK"},
			{"2", "disk1", "2", "FAILED"},
			{"2", "disk1", "2", "DEGRADED"},
		}, out)
	})

	t.Run("uses default right line", func(t *testing.T) {
		out, err := Join(left, right, JoinSpec{LeftKeyColumn: 1, RightKeyColumn: 1, DefaultRightLine: ";UNKNOWN;"})
		require.NoError(t, err)
		require.Len(t, out, 4)
		assert.Equal(t, []string{"3", "disk2", "", "UNKNOWN"}, out[3])
	})

	t.Run("case insensitive", func(t *testing.T) {
		out, err := Join([][]string{{"ABC"}}, [][]string{{"abc", "v"}}, JoinSpec{
			LeftKeyColumn: 1, RightKeyColumn: 1, CaseInsensitive: true,
		})
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"ABC", "abc", "v"}}, out)
	})

	t.Run("wbem key type folds case", func(t *testing.T) {
		out, err := Join(
			[][]string{{`//srv/root/emc:EMC_Disk.Tag="A"`}},
			[][]string{{`root/emc:emc_disk.tag="a"`, "ok"}},
			JoinSpec{LeftKeyColumn: 1, RightKeyColumn: 1, KeyType: KeyTypeWBEM},
		)
		require.NoError(t, err)
		assert.Len(t, out, 1)
	})
}

func TestJoinPreconditions(t *testing.T) {
	testCases := []struct {
		name  string
		left  [][]string
		right [][]string
		spec  JoinSpec
	}{
		{"nil left", nil, [][]string{{"1"}}, JoinSpec{LeftKeyColumn: 1, RightKeyColumn: 1}},
		{"nil right", [][]string{{"1"}}, nil, JoinSpec{LeftKeyColumn: 1, RightKeyColumn: 1}},
		{"left column zero", [][]string{{"1"}}, [][]string{{"1"}}, JoinSpec{LeftKeyColumn: 0, RightKeyColumn: 1}},
		{"right column negative", [][]string{{"1"}}, [][]string{{"1"}}, JoinSpec{LeftKeyColumn: 1, RightKeyColumn: -1}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := Join(tc.left, tc.right, tc.spec)
			assert.ErrorIs(t, err, ErrInvalidJoin)
			assert.Nil(t, out)
		})
	}
}

func TestUnion(t *testing.T) {
	a := SourceTable{Table: [][]string{{"a"}}, RawData: "ra"}
	c := SourceTable{Table: [][]string{{"c"}, {"cc"}}, RawData: "rc"}

	u := Union(a, c)
	assert.Equal(t, [][]string{{"a"}, {"c"}, {"cc"}}, u.Table)
	assert.Equal(t, "ra\nrc", u.RawData)

	u.Table[0][0] = "changed"
	assert.Equal(t, "a", a.Table[0][0])
}
