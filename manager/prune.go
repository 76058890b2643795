package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/frobware/go-memlink"
)

// Prune deletes released records that were released more than
// olderThan ago and returns how many were removed. Live records are
// never pruned.
func (m *Manager[T]) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	ctx = ensureOpID(ctx)
	if olderThan < 0 {
		return 0, fmt.Errorf("prune: %w: negative age %s", memlink.ErrInvalidRequest, olderThan)
	}
	cutoff := time.Now().Add(-olderThan)
	n, err := m.store.DeleteReleasedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune released handles: %w", err)
	}
	m.logger.InfoContext(ctx, "pruned released handles", "count", n, "cutoff", cutoff.UTC().Format(time.RFC3339))
	return n, nil
}
