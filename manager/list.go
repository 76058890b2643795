package manager

import (
	"context"
	"fmt"

	"github.com/frobware/go-memlink"
	"github.com/frobware/go-memlink/interpreter"
)

// ListFilter selects handles. The zero value lists every live handle.
type ListFilter struct {
	// Role restricts the listing to exports or imports.
	Role memlink.Role
	// All includes released tombstones.
	All bool
}

// List returns the matching handle records ordered by id.
func (m *Manager[T]) List(ctx context.Context, filter ListFilter) ([]memlink.Handle, error) {
	if filter.Role != "" {
		if _, err := memlink.ParseRole(string(filter.Role)); err != nil {
			return nil, err
		}
	}
	handles, err := m.store.ListHandles(ctx, interpreter.HandleFilter{
		Role:            filter.Role,
		IncludeReleased: filter.All,
	})
	if err != nil {
		return nil, fmt.Errorf("list handles: %w", err)
	}
	return handles, nil
}
