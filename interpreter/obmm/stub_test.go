//go:build !obmm || !cgo

package obmm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_Unsupported(t *testing.T) {
	p, err := New(nil)
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.Nil(t, p)
}
