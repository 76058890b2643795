// Package obmm binds interpreter.Provider to the vendor memory
// device library, libobmm. The binding needs cgo and the "obmm" build
// tag; without them New returns ErrUnsupported.
package obmm

import (
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/frobware/go-memlink"
	"github.com/frobware/go-memlink/interpreter"
)

// ErrUnsupported is returned by New when the binary was built without
// the libobmm binding.
var ErrUnsupported = errors.New("obmm provider not compiled in (build with -tags obmm)")

// Name is the provider name used in configuration and logs.
const Name = "obmm"

// providerLogger scopes logger to this provider.
func providerLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", "provider", "provider", Name)
}

// protFor maps an ownership to the memory protection bits the
// library expects.
func protFor(own interpreter.Ownership) (int, error) {
	switch own {
	case interpreter.OwnershipNone:
		return unix.PROT_NONE, nil
	case interpreter.OwnershipRead:
		return unix.PROT_READ, nil
	case interpreter.OwnershipWrite:
		return unix.PROT_READ | unix.PROT_WRITE, nil
	default:
		return 0, fmt.Errorf("%w: unknown ownership %q", memlink.ErrInvalidRequest, own)
	}
}

// errnoOf extracts the errno captured by a library call. A call that
// failed without setting errno reports EIO.
func errnoOf(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) && errno != 0 {
		return errno
	}
	return unix.EIO
}
