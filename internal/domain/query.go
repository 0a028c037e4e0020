package domain

import "time"

// QueryStatus represents the lifecycle state of a submitted query.
type QueryStatus string

// Query lifecycle statuses. Transitions are one-directional:
// PENDING → RUNNING → SUCCEEDED|FAILED, PENDING|RUNNING → CANCELLED.
const (
	QueryStatusPending   QueryStatus = "PENDING"
	QueryStatusRunning   QueryStatus = "RUNNING"
	QueryStatusSucceeded QueryStatus = "SUCCEEDED"
	QueryStatusFailed    QueryStatus = "FAILED"
	QueryStatusCancelled QueryStatus = "CANCELLED"
)

// Terminal reports whether the status can never change again.
func (s QueryStatus) Terminal() bool {
	return s == QueryStatusSucceeded || s == QueryStatusFailed || s == QueryStatusCancelled
}

// Query stores durable state for one submitted SQL query and its execution.
type Query struct {
	ID             string
	UserID         string
	IdempotencyKey *string
	SQLText        string
	Status         QueryStatus
	CreatedAt      time.Time
	StartedAt      *time.Time
	EndedAt        *time.Time
	ErrorMessage   *string
	ResultPath     *string
	RowsWritten    *int64
	BytesWritten   *int64
}

// JobRef is the lightweight queue element handed to the worker pool.
// The full row is re-fetched from the store after the claim succeeds.
type JobRef struct {
	ID     string
	UserID string
}
