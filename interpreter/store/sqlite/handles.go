package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/frobware/go-memlink"
	"github.com/frobware/go-memlink/interpreter"
	"github.com/frobware/go-memlink/interpreter/store"
)

// timeFormat has a fixed width so that stored timestamps order
// correctly as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// encodeLengths stores the length vector as 16 comma separated byte
// counts.
func encodeLengths(l memlink.NodeLengths) string {
	parts := make([]string, len(l))
	for i, n := range l {
		parts[i] = strconv.FormatUint(n, 10)
	}
	return strings.Join(parts, ",")
}

func decodeLengths(s string) (memlink.NodeLengths, error) {
	var l memlink.NodeLengths
	if s == "" {
		return l, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != memlink.MaxNUMANodes {
		return l, fmt.Errorf("stored length vector has %d slots, want %d", len(parts), memlink.MaxNUMANodes)
	}
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return l, fmt.Errorf("stored length vector slot %d: %w", i, err)
		}
		l[i] = n
	}
	return l, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanHandle(row rowScanner) (memlink.Handle, error) {
	var (
		h                             memlink.Handle
		memID, flags, length, peerID  int64
		digest, persisted             int64
		role, state, lengths, created string
		released                      sql.NullString
	)
	if err := row.Scan(&memID, &role, &state, &flags, &lengths, &length, &h.NUMA, &h.BaseDist,
		&peerID, &h.Descriptor, &digest, &h.Owner, &persisted, &created, &released); err != nil {
		return memlink.Handle{}, err
	}

	h.ID = memlink.MemID(uint64(memID))
	h.Flags = memlink.ExportFlags(uint64(flags))
	h.Length = uint64(length)
	h.PeerID = memlink.MemID(uint64(peerID))
	h.Digest = uint64(digest)
	h.Persisted = persisted != 0

	var err error
	if h.Role, err = memlink.ParseRole(role); err != nil {
		return memlink.Handle{}, err
	}
	if h.State, err = memlink.ParseHandleState(state); err != nil {
		return memlink.Handle{}, err
	}
	if h.Lengths, err = decodeLengths(lengths); err != nil {
		return memlink.Handle{}, err
	}
	if h.CreatedAt, err = time.Parse(timeFormat, created); err != nil {
		return memlink.Handle{}, fmt.Errorf("parse created_at: %w", err)
	}
	if released.Valid {
		at, err := time.Parse(timeFormat, released.String)
		if err != nil {
			return memlink.Handle{}, fmt.Errorf("parse released_at: %w", err)
		}
		h.ReleasedAt = &at
	}
	return h, nil
}

// SaveHandle records a new live handle.
func (s *sqliteStore) SaveHandle(ctx context.Context, h memlink.Handle) error {
	if !h.ID.Valid() {
		return fmt.Errorf("save handle: %w: memid 0", memlink.ErrInvalidRequest)
	}
	if h.State != h.Role.LiveState() {
		return fmt.Errorf("save handle %d: %w: state %s is not live for role %s", h.ID, memlink.ErrInvalidRequest, h.State, h.Role)
	}

	args := []any{
		int64(h.ID), string(h.Role), string(h.State), int64(h.Flags), encodeLengths(h.Lengths),
		int64(h.Length), h.NUMA, h.BaseDist, int64(h.PeerID), h.Descriptor, int64(h.Digest),
		h.Owner, boolToInt(h.Persisted), formatTime(h.CreatedAt),
	}
	logArgs := []any{uint64(h.ID), h.Role, h.State, h.Flags, "(lengths)", h.Length, h.NUMA, h.BaseDist, uint64(h.PeerID), "(descriptor)", h.Digest, h.Owner, h.Persisted, "(timestamp)"}

	start := time.Now()
	result, err := s.stmtInsertHandle.ExecContext(ctx, args...)
	if err != nil {
		s.logger.Debug("sql", "stmt", "InsertHandle", "args", logArgs, "duration_ms", msec(time.Since(start)), "error", err)
		return fmt.Errorf("save handle %d: %w", h.ID, err)
	}
	rows, _ := result.RowsAffected()
	s.logger.Debug("sql", "stmt", "InsertHandle", "args", logArgs, "duration_ms", msec(time.Since(start)), "rows_affected", rows)
	return nil
}

// GetHandle returns the live record for id, or the newest released
// one.
func (s *sqliteStore) GetHandle(ctx context.Context, id memlink.MemID) (memlink.Handle, error) {
	start := time.Now()
	h, err := scanHandle(s.stmtGetHandle.QueryRowContext(ctx, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Debug("sql", "stmt", "GetHandle", "args", []any{uint64(id)}, "duration_ms", msec(time.Since(start)), "rows", 0)
		return memlink.Handle{}, fmt.Errorf("handle %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		s.logger.Debug("sql", "stmt", "GetHandle", "args", []any{uint64(id)}, "duration_ms", msec(time.Since(start)), "error", err)
		return memlink.Handle{}, err
	}
	s.logger.Debug("sql", "stmt", "GetHandle", "args", []any{uint64(id)}, "duration_ms", msec(time.Since(start)), "rows", 1)
	return h, nil
}

// ListHandles returns matching records ordered by id.
func (s *sqliteStore) ListHandles(ctx context.Context, filter interpreter.HandleFilter) ([]memlink.Handle, error) {
	stmt, name := s.stmtListLiveHandles, "ListLiveHandles"
	if filter.IncludeReleased {
		stmt, name = s.stmtListAllHandles, "ListAllHandles"
	}
	role := string(filter.Role)

	start := time.Now()
	rows, err := stmt.QueryContext(ctx, role, role)
	if err != nil {
		s.logger.Debug("sql", "stmt", name, "args", []any{role}, "duration_ms", msec(time.Since(start)), "error", err)
		return nil, err
	}
	defer rows.Close()

	var result []memlink.Handle
	for rows.Next() {
		h, err := scanHandle(rows)
		if err != nil {
			s.logger.Debug("sql", "stmt", name, "args", []any{role}, "duration_ms", msec(time.Since(start)), "error", err)
			return nil, err
		}
		result = append(result, h)
	}
	if err := rows.Err(); err != nil {
		s.logger.Debug("sql", "stmt", name, "args", []any{role}, "duration_ms", msec(time.Since(start)), "error", err)
		return nil, err
	}

	s.logger.Debug("sql", "stmt", name, "args", []any{role}, "duration_ms", msec(time.Since(start)), "rows", len(result))
	return result, nil
}

// MarkReleased moves the live record for id to released.
func (s *sqliteStore) MarkReleased(ctx context.Context, id memlink.MemID, at time.Time) error {
	start := time.Now()
	result, err := s.stmtMarkReleased.ExecContext(ctx, formatTime(at), int64(id))
	if err != nil {
		s.logger.Debug("sql", "stmt", "MarkReleased", "args", []any{"(timestamp)", uint64(id)}, "duration_ms", msec(time.Since(start)), "error", err)
		return fmt.Errorf("mark handle %d released: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	s.logger.Debug("sql", "stmt", "MarkReleased", "args", []any{"(timestamp)", uint64(id)}, "duration_ms", msec(time.Since(start)), "rows_affected", rows)
	if rows == 0 {
		return fmt.Errorf("live handle %d: %w", id, store.ErrNotFound)
	}
	return nil
}

// DeleteReleasedBefore removes tombstones released before cutoff.
func (s *sqliteStore) DeleteReleasedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	start := time.Now()
	result, err := s.stmtDeleteReleasedBefore.ExecContext(ctx, formatTime(cutoff))
	if err != nil {
		s.logger.Debug("sql", "stmt", "DeleteReleasedBefore", "args", []any{formatTime(cutoff)}, "duration_ms", msec(time.Since(start)), "error", err)
		return 0, fmt.Errorf("delete released handles: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	s.logger.Debug("sql", "stmt", "DeleteReleasedBefore", "args", []any{formatTime(cutoff)}, "duration_ms", msec(time.Since(start)), "rows_affected", rows)
	return int(rows), nil
}
