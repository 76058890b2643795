// Package sqlite provides a SQLite implementation of the handle store.
//
// # Calling Conventions
//
// The store is a pure data access layer with no internal transaction
// management. Methods execute against s.conn, which is either the
// underlying *sql.DB (autocommit mode) or a *sql.Tx (transactional
// mode). Callers that need several writes to land together use
// RunInTransaction:
//
//	err := store.RunInTransaction(ctx, func(tx interpreter.HandleStore) error {
//	    if err := tx.SaveHandle(ctx, h); err != nil {
//	        return err // triggers rollback
//	    }
//	    return persistDescriptor() // commits if nil
//	})
//
// # Tombstones
//
// Releasing a handle does not delete its row. The row moves to the
// released state so that a later request against the same MemID can be
// told apart from a request against an id that was never issued.
// Released rows are removed by DeleteReleasedBefore.
//
// # Prepared Statements
//
// All SQL is prepared once when the database is opened. Inside a
// transaction, tx.StmtContext binds the already-compiled statements to
// the transaction; nothing is re-parsed.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/frobware/go-memlink/interpreter"
)

// msec formats a duration as milliseconds with 3 decimal places.
func msec(d time.Duration) string {
	return fmt.Sprintf("%.3f", float64(d.Microseconds())/1000)
}

//go:embed schema.sql
var schemaSQL string

// pragma is a connection-level setting passed through the DSN.
type pragma struct {
	name  string
	value string
}

// dbConn abstracts *sql.DB and *sql.Tx for query execution.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqliteStore implements interpreter.HandleStore using SQLite.
type sqliteStore struct {
	db     *sql.DB // original connection, used for BeginTx
	conn   dbConn  // active connection (db or tx)
	logger *slog.Logger

	stmtInsertHandle         *sql.Stmt
	stmtGetHandle            *sql.Stmt
	stmtListLiveHandles      *sql.Stmt
	stmtListAllHandles       *sql.Stmt
	stmtMarkReleased         *sql.Stmt
	stmtDeleteReleasedBefore *sql.Stmt
}

// New creates or opens a SQLite store at the given path.
func New(ctx context.Context, dbPath string, logger *slog.Logger) (interpreter.HandleStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "db", dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open(driverName, dsn(dbPath,
		pragma{"journal_mode", "WAL"},
		pragma{"busy_timeout", "5000"},
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s, err := open(ctx, db, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("opened database", "path", dbPath)
	return s, nil
}

// NewInMemory creates an in-memory SQLite store for testing.
func NewInMemory(ctx context.Context, logger *slog.Logger) (interpreter.HandleStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "db", ":memory:")

	db, err := sql.Open(driverName, dsn(":memory:"))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// Every connection to :memory: is a distinct database.
	db.SetMaxOpenConns(1)

	s, err := open(ctx, db, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("opened in-memory database")
	return s, nil
}

func open(ctx context.Context, db *sql.DB, logger *slog.Logger) (*sqliteStore, error) {
	s := &sqliteStore{db: db, conn: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := s.prepareStatements(ctx); err != nil {
		s.closeStatements()
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return s, nil
}

// Close closes all prepared statements and the database connection.
func (s *sqliteStore) Close() error {
	s.closeStatements()
	return s.db.Close()
}

// closeStatements closes all prepared statements. Each close error
// is silently ignored because the database is about to be closed.
func (s *sqliteStore) closeStatements() {
	stmts := []*sql.Stmt{
		s.stmtInsertHandle,
		s.stmtGetHandle,
		s.stmtListLiveHandles,
		s.stmtListAllHandles,
		s.stmtMarkReleased,
		s.stmtDeleteReleasedBefore,
	}
	for _, stmt := range stmts {
		if stmt != nil {
			stmt.Close()
		}
	}
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// RunInTransaction executes the callback within a database transaction.
// If the callback returns nil, the transaction commits.
// If the callback returns an error, the transaction rolls back.
//
// The transaction store uses transaction-bound handles of the master
// prepared statements. They become invalid after commit or rollback,
// which is fine because the transaction store goes out of scope; the
// masters stay valid for the lifetime of the database.
func (s *sqliteStore) RunInTransaction(ctx context.Context, fn func(interpreter.HandleStore) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	txStore := &sqliteStore{
		db:                       s.db,
		conn:                     tx,
		logger:                   s.logger,
		stmtInsertHandle:         tx.StmtContext(ctx, s.stmtInsertHandle),
		stmtGetHandle:            tx.StmtContext(ctx, s.stmtGetHandle),
		stmtListLiveHandles:      tx.StmtContext(ctx, s.stmtListLiveHandles),
		stmtListAllHandles:       tx.StmtContext(ctx, s.stmtListAllHandles),
		stmtMarkReleased:         tx.StmtContext(ctx, s.stmtMarkReleased),
		stmtDeleteReleasedBefore: tx.StmtContext(ctx, s.stmtDeleteReleasedBefore),
	}

	if err := fn(txStore); err != nil {
		return err
	}

	return tx.Commit()
}
