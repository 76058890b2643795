package manager

import (
	"errors"
	"log/slog"
)

// undoStep undoes one completed effect of a multi-step operation.
type undoStep struct {
	name string
	fn   func() error
}

// undoStack accumulates rollback steps that are executed in reverse
// order when an operation fails partway through. Each step undoes one
// provider or descriptor effect.
type undoStack []undoStep

// push appends a named rollback step to the stack.
func (u *undoStack) push(name string, fn func() error) {
	*u = append(*u, undoStep{name: name, fn: fn})
}

// rollback executes all steps in reverse order, logging and collecting
// any errors. Returns nil if every step succeeds.
func (u undoStack) rollback(logger *slog.Logger) error {
	var errs []error
	for i := len(u) - 1; i >= 0; i-- {
		if err := u[i].fn(); err != nil {
			logger.Error("rollback step failed", "step", u[i].name, "error", err)
			errs = append(errs, err)
			continue
		}
		logger.Debug("rolled back", "step", u[i].name)
	}
	return errors.Join(errs...)
}
