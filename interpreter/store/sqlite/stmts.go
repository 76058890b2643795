package sqlite

import (
	"context"
	"fmt"
)

const handleColumns = `mem_id, role, state, flags, lengths, length, numa, base_dist,
	peer_id, descriptor, digest, owner, persisted, created_at, released_at`

// prepareStatements prepares all SQL statements for reuse.
func (s *sqliteStore) prepareStatements(ctx context.Context) error {
	var err error

	const sqlInsertHandle = `
		INSERT INTO handles (` + handleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`
	if s.stmtInsertHandle, err = s.db.PrepareContext(ctx, sqlInsertHandle); err != nil {
		return fmt.Errorf("prepare InsertHandle: %w", err)
	}

	// Live rows sort first, then the newest tombstone.
	const sqlGetHandle = `
		SELECT ` + handleColumns + `
		FROM handles
		WHERE mem_id = ?
		ORDER BY (state != 'released') DESC, handle_id DESC
		LIMIT 1`
	if s.stmtGetHandle, err = s.db.PrepareContext(ctx, sqlGetHandle); err != nil {
		return fmt.Errorf("prepare GetHandle: %w", err)
	}

	const sqlListLiveHandles = `
		SELECT ` + handleColumns + `
		FROM handles
		WHERE state != 'released' AND (? = '' OR role = ?)
		ORDER BY mem_id, handle_id`
	if s.stmtListLiveHandles, err = s.db.PrepareContext(ctx, sqlListLiveHandles); err != nil {
		return fmt.Errorf("prepare ListLiveHandles: %w", err)
	}

	const sqlListAllHandles = `
		SELECT ` + handleColumns + `
		FROM handles
		WHERE (? = '' OR role = ?)
		ORDER BY mem_id, handle_id`
	if s.stmtListAllHandles, err = s.db.PrepareContext(ctx, sqlListAllHandles); err != nil {
		return fmt.Errorf("prepare ListAllHandles: %w", err)
	}

	const sqlMarkReleased = `
		UPDATE handles
		SET state = 'released', released_at = ?
		WHERE mem_id = ? AND state != 'released'`
	if s.stmtMarkReleased, err = s.db.PrepareContext(ctx, sqlMarkReleased); err != nil {
		return fmt.Errorf("prepare MarkReleased: %w", err)
	}

	const sqlDeleteReleasedBefore = `
		DELETE FROM handles
		WHERE state = 'released' AND released_at < ?`
	if s.stmtDeleteReleasedBefore, err = s.db.PrepareContext(ctx, sqlDeleteReleasedBefore); err != nil {
		return fmt.Errorf("prepare DeleteReleasedBefore: %w", err)
	}

	return nil
}
