// Package engine runs read-only SQL against the backend data source through
// database/sql. It pins a connection per execution, disables implicit
// auto-commit with an explicit read-only transaction, and applies a
// best-effort per-statement execution-time ceiling.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"grepr/internal/domain"
)

var _ domain.Backend = (*Engine)(nil)

// Engine executes queries against one backend *sql.DB pool.
type Engine struct {
	db          *sql.DB
	driver      string
	stmtTimeout time.Duration
	logger      *slog.Logger
}

// New creates an Engine. driver is the database/sql driver name ("pgx" or
// "duckdb"); the statement timeout is only applied on drivers that support
// it server-side.
func New(db *sql.DB, driver string, stmtTimeout time.Duration, logger *slog.Logger) *Engine {
	return &Engine{db: db, driver: driver, stmtTimeout: stmtTimeout, logger: logger}
}

// Execute starts a streaming, read-only execution of sqlText. Cancelling
// ctx aborts the query at the driver level (a server-side cancel on
// PostgreSQL). The caller must drain or close the rows, then Commit, then
// Close.
func (e *Engine) Execute(ctx context.Context, sqlText string) (domain.QueryExecution, error) {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	// Explicit transaction disables implicit auto-commit. Read-only
	// enforcement is only available on drivers that support it.
	tx, err := conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: e.driver == "pgx"})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("begin tx: %w", err)
	}

	// Best-effort execution-time ceiling, enforced by the backend itself.
	// Not every driver understands it; failure to apply is logged, not fatal.
	if e.stmtTimeout > 0 && e.driver == "pgx" {
		stmt := fmt.Sprintf("SET LOCAL statement_timeout = %d", e.stmtTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			e.logger.Warn("apply statement timeout", "error", err)
		}
	}

	rows, err := tx.QueryContext(ctx, sqlText)
	if err != nil {
		_ = tx.Rollback()
		_ = conn.Close()
		return nil, err
	}

	return &execution{conn: conn, tx: tx, rows: rows}, nil
}

// execution is one live query. It is registered with the worker pool's
// cancel registry for the duration of the streaming.
type execution struct {
	conn      *sql.Conn
	tx        *sql.Tx
	rows      *sql.Rows
	committed bool
	closed    bool
}

func (x *execution) Rows() domain.Rows { return x.rows }

func (x *execution) Commit() error {
	if err := x.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	x.committed = true
	return nil
}

// Close releases the rows, the transaction (rolled back unless committed),
// and the pinned connection. Safe to call after Commit and after a context
// cancellation.
func (x *execution) Close() error {
	if x.closed {
		return nil
	}
	x.closed = true

	_ = x.rows.Close()
	if !x.committed {
		_ = x.tx.Rollback()
	}
	return x.conn.Close()
}
