package memlink_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-memlink"
)

func TestNodeLengths_SetAndTotal(t *testing.T) {
	var l memlink.NodeLengths
	require.NoError(t, l.Set(1, 128<<20))
	require.NoError(t, l.Set(15, 4096))

	total, err := l.Total()
	require.NoError(t, err)
	assert.Equal(t, uint64(128<<20+4096), total)
	assert.Equal(t, []int{1, 15}, l.Nodes())
	assert.False(t, l.IsEmpty())
}

func TestNodeLengths_SetOutOfRange(t *testing.T) {
	var l memlink.NodeLengths
	assert.ErrorIs(t, l.Set(16, 1), memlink.ErrInvalidRequest)
	assert.ErrorIs(t, l.Set(-1, 1), memlink.ErrInvalidRequest)
	assert.True(t, l.IsEmpty())
}

func TestNodeLengths_TotalOverflow(t *testing.T) {
	var l memlink.NodeLengths
	l[0] = math.MaxUint64
	l[1] = 1
	_, err := l.Total()
	assert.ErrorIs(t, err, memlink.ErrInvalidRequest)
}

func TestNodeLengthsFromSlice(t *testing.T) {
	l, err := memlink.NodeLengthsFromSlice([]uint64{0, 10, 0, 5})
	require.NoError(t, err)
	assert.Equal(t, uint64(10), l[1])

	_, err = memlink.NodeLengthsFromSlice(make([]uint64, memlink.MaxNUMANodes+1))
	assert.ErrorIs(t, err, memlink.ErrInvalidRequest)
}

func TestParseNodeLengths(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    map[int]uint64
		wantErr bool
	}{
		{name: "empty", input: "", want: map[int]uint64{}},
		{name: "single", input: "1=128MiB", want: map[int]uint64{1: 134217728}},
		{name: "bytes", input: "0=4096", want: map[int]uint64{0: 4096}},
		{name: "multiple", input: "1=128MiB, 3=1GiB", want: map[int]uint64{1: 128 << 20, 3: 1 << 30}},
		{name: "node out of range", input: "16=1MiB", wantErr: true},
		{name: "missing size", input: "1", wantErr: true},
		{name: "bad size", input: "1=lots", wantErr: true},
		{name: "duplicate node", input: "1=1MiB,1=2MiB", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := memlink.ParseNodeLengths(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, memlink.ErrInvalidRequest)
				return
			}
			require.NoError(t, err)
			var want memlink.NodeLengths
			for node, n := range tt.want {
				want[node] = n
			}
			assert.Equal(t, want, got)
		})
	}
}

func TestNodeLengths_StringParsesBack(t *testing.T) {
	var l memlink.NodeLengths
	l[1] = 128 << 20
	l[4] = 2 << 30
	back, err := memlink.ParseNodeLengths(l.String())
	require.NoError(t, err)
	assert.Equal(t, l, back)
}
