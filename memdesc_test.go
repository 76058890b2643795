package memlink_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-memlink"
)

func TestNewMemDesc_PrivLenConsistent(t *testing.T) {
	d := memlink.NewMemDesc(memlink.PrivOwnerChip)
	assert.Equal(t, uint16(2), d.PrivLen)
	assert.Zero(t, d.Addr)
	require.NoError(t, d.Validate())

	empty := memlink.NewMemDesc(memlink.PrivData(0))
	assert.Equal(t, uint16(0), empty.PrivLen)
	require.NoError(t, empty.Validate())
}

func TestMemDesc_ValidateRejectsPrivLenMismatch(t *testing.T) {
	d := memlink.NewMemDesc(memlink.PrivCacheable)
	d.PrivLen = 7
	err := d.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, memlink.ErrInvalidRequest)
}

func TestMemDesc_WireCarriesPayload(t *testing.T) {
	d := memlink.NewMemDesc(memlink.PrivOwnerChip | memlink.PrivCacheable)
	d.Addr = 0xffff_fc00_0000
	d.TokenID = 42
	d.SEID[0] = 1

	w := d.Wire()
	assert.Equal(t, d.Addr, w.Addr)
	assert.Equal(t, uint32(42), w.TokenID)
	assert.Equal(t, []byte{0x60, 0x00}, w.Priv)

	var back memlink.MemDesc[memlink.PrivData]
	back.PrivData = d.PrivData
	back.PrivLen = d.PrivLen
	back = back.WithWire(w)
	assert.Equal(t, d, back)
}

func TestEID_JSON(t *testing.T) {
	var e memlink.EID
	for i := range e {
		e[i] = byte(i * 16)
	}
	out, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Equal(t, `[0,16,32,48,64,80,96,112,128,144,160,176,192,208,224,240]`, string(out))

	var back memlink.EID
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, e, back)
}

func TestEID_JSONRejectsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "short", input: `[1,2,3]`},
		{name: "long", input: `[0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0]`},
		{name: "out of range", input: `[256,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0]`},
		{name: "negative", input: `[-1,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0]`},
		{name: "string", input: `"AAAAAAAAAAAAAAAAAAAAAA=="`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e memlink.EID
			assert.Error(t, json.Unmarshal([]byte(tt.input), &e))
		})
	}
}

func TestParseEID(t *testing.T) {
	e, err := memlink.ParseEID("0x000102030405060708090a0b0c0d0e0f")
	require.NoError(t, err)
	assert.Equal(t, byte(0x0f), e[15])
	assert.Equal(t, "000102030405060708090a0b0c0d0e0f", e.String())

	_, err = memlink.ParseEID("0102")
	assert.ErrorIs(t, err, memlink.ErrInvalidRequest)
}

func TestParseMemID(t *testing.T) {
	id, err := memlink.ParseMemID("0x10")
	require.NoError(t, err)
	assert.Equal(t, memlink.MemID(16), id)

	id, err = memlink.ParseMemID("42")
	require.NoError(t, err)
	assert.Equal(t, memlink.MemID(42), id)

	_, err = memlink.ParseMemID("0")
	assert.ErrorIs(t, err, memlink.ErrInvalidRequest)
	_, err = memlink.ParseMemID("")
	assert.ErrorIs(t, err, memlink.ErrInvalidRequest)
	_, err = memlink.ParseMemID("xyz")
	assert.ErrorIs(t, err, memlink.ErrInvalidRequest)

	assert.ErrorIs(t, memlink.CheckMemID(memlink.InvalidMemID), memlink.ErrInvalidRequest)
	assert.NoError(t, memlink.CheckMemID(1))
}
