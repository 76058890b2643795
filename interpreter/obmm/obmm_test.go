package obmm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/frobware/go-memlink"
	"github.com/frobware/go-memlink/interpreter"
)

func TestProtFor(t *testing.T) {
	tests := []struct {
		own  interpreter.Ownership
		want int
	}{
		{interpreter.OwnershipNone, unix.PROT_NONE},
		{interpreter.OwnershipRead, unix.PROT_READ},
		{interpreter.OwnershipWrite, unix.PROT_READ | unix.PROT_WRITE},
	}
	for _, tt := range tests {
		t.Run(string(tt.own), func(t *testing.T) {
			got, err := protFor(tt.own)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := protFor("exclusive")
	assert.ErrorIs(t, err, memlink.ErrInvalidRequest)
}

func TestErrnoOf(t *testing.T) {
	assert.Equal(t, unix.ENOENT, errnoOf(unix.ENOENT))
	assert.Equal(t, unix.EBUSY, errnoOf(errors.Join(errors.New("ctx"), unix.EBUSY)))
	assert.Equal(t, unix.EIO, errnoOf(nil), "failure without errno")
	assert.Equal(t, unix.EIO, errnoOf(unix.Errno(0)))
}
