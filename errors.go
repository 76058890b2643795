package memlink

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrInvalidRequest marks requests rejected locally, before anything
// reaches the provider: bad node indexes, unknown flag names, priv_len
// mismatches and the reserved invalid MemID.
var ErrInvalidRequest = errors.New("invalid request")

// ProviderError is returned when the capability provider rejects an
// operation. Code is the raw return value of the provider call and
// Errno the accompanying errno, if any.
type ProviderError struct {
	Op    string
	ID    MemID
	Code  int
	Errno unix.Errno
}

func (e *ProviderError) Error() string {
	msg := e.Op
	if e.ID.Valid() {
		msg += fmt.Sprintf(" memid %d", e.ID)
	}
	msg += fmt.Sprintf(": provider rejected (code %d", e.Code)
	if e.Errno != 0 {
		msg += ", " + e.Errno.Error()
	}
	return msg + ")"
}

// Unwrap exposes the errno so callers can match with errors.Is(err, unix.ENOENT).
func (e *ProviderError) Unwrap() error {
	if e.Errno == 0 {
		return nil
	}
	return e.Errno
}

// NewProviderError builds a ProviderError from a raw return code and
// errno.
func NewProviderError(op string, id MemID, code int, errno unix.Errno) *ProviderError {
	return &ProviderError{Op: op, ID: id, Code: code, Errno: errno}
}

// ErrHandleNotLive is returned when a lifecycle operation targets a
// handle that is not in the state the operation requires.
type ErrHandleNotLive struct {
	ID    MemID
	State HandleState
}

func (e *ErrHandleNotLive) Error() string {
	return fmt.Sprintf("memid %d is not a live handle (state %s)", e.ID, e.State)
}
