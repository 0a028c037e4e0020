package domain

import (
	"context"
	"io"
	"time"
)

// QueryRepository is the durable job state store. All transition methods are
// conditioned on the expected prior status and report whether they took
// effect, so a stale or duplicate actor is a no-op rather than a corruption.
// The conditional update is the only concurrency-safety mechanism protecting
// the state machine.
type QueryRepository interface {
	// Create persists a new PENDING query.
	Create(ctx context.Context, q *Query) (*Query, error)
	// ByID returns the query scoped to its owner.
	ByID(ctx context.Context, userID, id string) (*Query, error)
	// ByIdempotencyKey returns the query previously created for
	// (userID, key), if any.
	ByIdempotencyKey(ctx context.Context, userID, key string) (*Query, error)
	// CountUser counts the user's queries in the given status.
	CountUser(ctx context.Context, userID string, status QueryStatus) (int, error)
	// CountGlobal counts all queries in the given status.
	CountGlobal(ctx context.Context, status QueryStatus) (int, error)

	// ClaimPending transitions PENDING → RUNNING. At most one caller wins.
	ClaimPending(ctx context.Context, id string, startedAt time.Time) (bool, error)
	// MarkSucceeded transitions RUNNING → SUCCEEDED with result metadata.
	MarkSucceeded(ctx context.Context, id string, endedAt time.Time, resultPath string, rows, bytes int64) (bool, error)
	// MarkFailed transitions RUNNING → FAILED with an error message.
	MarkFailed(ctx context.Context, id string, endedAt time.Time, message string) (bool, error)
	// FailPending transitions PENDING → FAILED. Used when a freshly created
	// query could not be enqueued and therefore will never run.
	FailPending(ctx context.Context, id string, endedAt time.Time, message string) error
	// MarkCancelled transitions PENDING or RUNNING → CANCELLED.
	MarkCancelled(ctx context.Context, id string, endedAt time.Time) (bool, error)

	// FailRunningOnStartup forces every RUNNING row to FAILED with the given
	// message. Called once before any submissions are accepted: a prior
	// incarnation's executions did not survive the restart.
	FailRunningOnStartup(ctx context.Context, message string) error
}

// Rows is the subset of *sql.Rows the worker streams from. Kept as an
// interface so tests can drive the worker with a stub backend.
type Rows interface {
	Columns() ([]string, error)
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
	Close() error
}

// QueryExecution is a live, in-flight backend execution. Close must be safe
// to call after Commit and after a context cancellation.
type QueryExecution interface {
	Rows() Rows
	// Commit commits the read transaction after streaming completed.
	Commit() error
	// Close releases the rows, transaction, and connection.
	Close() error
}

// Backend runs read-only SQL against the data source. Cancelling ctx aborts
// the remote execution at the driver level.
type Backend interface {
	Execute(ctx context.Context, sqlText string) (QueryExecution, error)
}

// ArtifactWriter receives one query's ndjson result stream.
type ArtifactWriter interface {
	io.Writer
	// Path is the location recorded on the query row once the artifact is
	// durable; ArtifactStore.Open and Remove accept it.
	Path() string
	// Commit durably flushes the artifact. No writes may follow.
	Commit() error
	// Abort discards the partial artifact.
	Abort() error
}

// ArtifactStore persists result artifacts, one per successful query.
type ArtifactStore interface {
	Create(ctx context.Context, id string) (ArtifactWriter, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Remove(ctx context.Context, path string) error
}
