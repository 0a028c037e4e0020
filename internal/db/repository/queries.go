// Package repository implements domain repository interfaces using SQLite.
package repository

import (
	"context"
	"database/sql"
	"time"

	"grepr/internal/domain"
)

var _ domain.QueryRepository = (*QueryRepo)(nil)

const queryColumns = `id, user_id, idempotency_key, sql_text, status,
       created_at, started_at, ended_at, error, result_path, rows_written, bytes_written`

// QueryRepo stores query lifecycle state in SQLite. Every status transition
// is a single conditional UPDATE keyed on the expected prior status; the
// RowsAffected count tells the caller whether the transition took effect.
type QueryRepo struct {
	db     *sql.DB
	reader *sql.DB
}

// NewQueryRepo creates a QueryRepo that uses one pool for everything.
func NewQueryRepo(db *sql.DB) *QueryRepo {
	return &QueryRepo{db: db, reader: db}
}

// NewQueryRepoPair routes lookups and counts to a dedicated read pool so
// they never queue behind the serialized writer.
func NewQueryRepoPair(writeDB, readDB *sql.DB) *QueryRepo {
	return &QueryRepo{db: writeDB, reader: readDB}
}

// Create inserts a new query row.
func (r *QueryRepo) Create(ctx context.Context, q *domain.Query) (*domain.Query, error) {
	if q == nil {
		return nil, domain.ErrValidation("query is required")
	}
	if q.ID == "" {
		q.ID = domain.NewID()
	}
	if q.Status == "" {
		q.Status = domain.QueryStatusPending
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO queries (id, user_id, idempotency_key, sql_text, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, q.ID, q.UserID, q.IdempotencyKey, q.SQLText, string(q.Status), time.Now().UTC())
	if err != nil {
		return nil, mapDBError(err)
	}

	return r.byID(ctx, q.UserID, q.ID)
}

// ByID returns a query by id, scoped to its owner.
func (r *QueryRepo) ByID(ctx context.Context, userID, id string) (*domain.Query, error) {
	return r.byID(ctx, userID, id)
}

// ByIdempotencyKey returns the query previously created for (userID, key).
func (r *QueryRepo) ByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Query, error) {
	return r.getOne(ctx, `
		SELECT `+queryColumns+`
		FROM queries
		WHERE user_id = ? AND idempotency_key = ?
	`, userID, key)
}

// CountUser counts the user's queries in the given status.
func (r *QueryRepo) CountUser(ctx context.Context, userID string, status domain.QueryStatus) (int, error) {
	var n int
	err := r.reader.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queries WHERE user_id = ? AND status = ?
	`, userID, string(status)).Scan(&n)
	if err != nil {
		return 0, mapDBError(err)
	}
	return n, nil
}

// CountGlobal counts all queries in the given status.
func (r *QueryRepo) CountGlobal(ctx context.Context, status domain.QueryStatus) (int, error) {
	var n int
	err := r.reader.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queries WHERE status = ?
	`, string(status)).Scan(&n)
	if err != nil {
		return 0, mapDBError(err)
	}
	return n, nil
}

// ClaimPending transitions PENDING → RUNNING. Concurrent claims on the same
// id resolve to exactly one winner.
func (r *QueryRepo) ClaimPending(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	return r.transition(ctx, `
		UPDATE queries SET status = ?, started_at = ?
		WHERE id = ? AND status = ?
	`, string(domain.QueryStatusRunning), startedAt.UTC(), id, string(domain.QueryStatusPending))
}

// MarkSucceeded transitions RUNNING → SUCCEEDED with result metadata. A
// no-op when the query was cancelled while the worker was finishing.
func (r *QueryRepo) MarkSucceeded(ctx context.Context, id string, endedAt time.Time, resultPath string, rows, bytes int64) (bool, error) {
	return r.transition(ctx, `
		UPDATE queries
		SET status = ?, ended_at = ?, result_path = ?, rows_written = ?, bytes_written = ?, error = NULL
		WHERE id = ? AND status = ?
	`, string(domain.QueryStatusSucceeded), endedAt.UTC(), resultPath, rows, bytes,
		id, string(domain.QueryStatusRunning))
}

// MarkFailed transitions RUNNING → FAILED with an error message.
func (r *QueryRepo) MarkFailed(ctx context.Context, id string, endedAt time.Time, message string) (bool, error) {
	return r.transition(ctx, `
		UPDATE queries SET status = ?, ended_at = ?, error = ?
		WHERE id = ? AND status = ?
	`, string(domain.QueryStatusFailed), endedAt.UTC(), message,
		id, string(domain.QueryStatusRunning))
}

// FailPending transitions PENDING → FAILED. Used when a freshly created
// query could not be enqueued: the row must still reach a terminal state
// even though no worker will ever claim it.
func (r *QueryRepo) FailPending(ctx context.Context, id string, endedAt time.Time, message string) error {
	_, err := r.transition(ctx, `
		UPDATE queries SET status = ?, ended_at = ?, error = ?
		WHERE id = ? AND status = ?
	`, string(domain.QueryStatusFailed), endedAt.UTC(), message,
		id, string(domain.QueryStatusPending))
	return err
}

// MarkCancelled transitions PENDING or RUNNING → CANCELLED. Terminal rows
// are left untouched.
func (r *QueryRepo) MarkCancelled(ctx context.Context, id string, endedAt time.Time) (bool, error) {
	return r.transition(ctx, `
		UPDATE queries SET status = ?, ended_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, string(domain.QueryStatusCancelled), endedAt.UTC(), id,
		string(domain.QueryStatusPending), string(domain.QueryStatusRunning))
}

// FailRunningOnStartup forces every RUNNING row to FAILED with the given
// message. The store has no way to know whether a prior incarnation's
// execution is still alive, so crash recovery treats it as certain failure.
func (r *QueryRepo) FailRunningOnStartup(ctx context.Context, message string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE queries SET status = ?, ended_at = ?, error = ?
		WHERE status = ?
	`, string(domain.QueryStatusFailed), time.Now().UTC(), message,
		string(domain.QueryStatusRunning))
	if err != nil {
		return mapDBError(err)
	}
	return nil
}

func (r *QueryRepo) transition(ctx context.Context, stmt string, args ...interface{}) (bool, error) {
	res, err := r.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return false, mapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapDBError(err)
	}
	return n == 1, nil
}

func (r *QueryRepo) byID(ctx context.Context, userID, id string) (*domain.Query, error) {
	return r.getOne(ctx, `
		SELECT `+queryColumns+`
		FROM queries
		WHERE id = ? AND user_id = ?
	`, id, userID)
}

func (r *QueryRepo) getOne(ctx context.Context, stmt string, args ...interface{}) (*domain.Query, error) {
	var (
		q                  domain.Query
		status             string
		idemKey            sql.NullString
		errMsg, resultPath sql.NullString
		startedAt, endedAt sql.NullTime
		rows, bytes        sql.NullInt64
		createdAt          time.Time
	)

	err := r.reader.QueryRowContext(ctx, stmt, args...).Scan(
		&q.ID,
		&q.UserID,
		&idemKey,
		&q.SQLText,
		&status,
		&createdAt,
		&startedAt,
		&endedAt,
		&errMsg,
		&resultPath,
		&rows,
		&bytes,
	)
	if err != nil {
		return nil, mapDBError(err)
	}

	q.Status = domain.QueryStatus(status)
	q.CreatedAt = createdAt
	if idemKey.Valid {
		k := idemKey.String
		q.IdempotencyKey = &k
	}
	if startedAt.Valid {
		t := startedAt.Time
		q.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		q.EndedAt = &t
	}
	if errMsg.Valid {
		m := errMsg.String
		q.ErrorMessage = &m
	}
	if resultPath.Valid {
		p := resultPath.String
		q.ResultPath = &p
	}
	if rows.Valid {
		n := rows.Int64
		q.RowsWritten = &n
	}
	if bytes.Valid {
		n := bytes.Int64
		q.BytesWritten = &n
	}

	return &q, nil
}
