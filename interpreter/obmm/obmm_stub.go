//go:build !obmm || !cgo

package obmm

import (
	"log/slog"

	"github.com/frobware/go-memlink/interpreter"
)

// New reports ErrUnsupported: this binary has no libobmm binding.
func New(logger *slog.Logger) (interpreter.Provider, error) {
	providerLogger(logger).Debug("libobmm binding not compiled in")
	return nil, ErrUnsupported
}
