package query

import (
	"context"
	"sync"
	"time"

	"grepr/internal/domain"
)

// memRepo is an in-memory QueryRepository with the same conditional
// transition semantics as the SQLite implementation.
type memRepo struct {
	mu      sync.Mutex
	queries map[string]*domain.Query
}

func newMemRepo() *memRepo {
	return &memRepo{queries: make(map[string]*domain.Query)}
}

func (r *memRepo) Create(_ context.Context, q *domain.Query) (*domain.Query, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q.ID == "" {
		q.ID = domain.NewID()
	}
	if q.Status == "" {
		q.Status = domain.QueryStatusPending
	}
	q.CreatedAt = time.Now()
	cp := *q
	r.queries[q.ID] = &cp
	out := cp
	return &out, nil
}

func (r *memRepo) ByID(_ context.Context, userID, id string) (*domain.Query, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queries[id]
	if !ok || q.UserID != userID {
		return nil, domain.ErrNotFound("query %q not found", id)
	}
	cp := *q
	return &cp, nil
}

func (r *memRepo) ByIdempotencyKey(_ context.Context, userID, key string) (*domain.Query, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.queries {
		if q.UserID == userID && q.IdempotencyKey != nil && *q.IdempotencyKey == key {
			cp := *q
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound("no query for key %q", key)
}

func (r *memRepo) CountUser(_ context.Context, userID string, status domain.QueryStatus) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, q := range r.queries {
		if q.UserID == userID && q.Status == status {
			n++
		}
	}
	return n, nil
}

func (r *memRepo) CountGlobal(_ context.Context, status domain.QueryStatus) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, q := range r.queries {
		if q.Status == status {
			n++
		}
	}
	return n, nil
}

func (r *memRepo) ClaimPending(_ context.Context, id string, startedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queries[id]
	if !ok || q.Status != domain.QueryStatusPending {
		return false, nil
	}
	q.Status = domain.QueryStatusRunning
	t := startedAt
	q.StartedAt = &t
	return true, nil
}

func (r *memRepo) MarkSucceeded(_ context.Context, id string, endedAt time.Time, resultPath string, rows, bytes int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queries[id]
	if !ok || q.Status != domain.QueryStatusRunning {
		return false, nil
	}
	q.Status = domain.QueryStatusSucceeded
	t := endedAt
	q.EndedAt = &t
	p := resultPath
	q.ResultPath = &p
	rw, bw := rows, bytes
	q.RowsWritten = &rw
	q.BytesWritten = &bw
	q.ErrorMessage = nil
	return true, nil
}

func (r *memRepo) MarkFailed(_ context.Context, id string, endedAt time.Time, message string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queries[id]
	if !ok || q.Status != domain.QueryStatusRunning {
		return false, nil
	}
	q.Status = domain.QueryStatusFailed
	t := endedAt
	q.EndedAt = &t
	m := message
	q.ErrorMessage = &m
	return true, nil
}

func (r *memRepo) FailPending(_ context.Context, id string, endedAt time.Time, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queries[id]
	if !ok || q.Status != domain.QueryStatusPending {
		return nil
	}
	q.Status = domain.QueryStatusFailed
	t := endedAt
	q.EndedAt = &t
	m := message
	q.ErrorMessage = &m
	return nil
}

func (r *memRepo) MarkCancelled(_ context.Context, id string, endedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queries[id]
	if !ok || q.Status.Terminal() {
		return false, nil
	}
	q.Status = domain.QueryStatusCancelled
	t := endedAt
	q.EndedAt = &t
	return true, nil
}

func (r *memRepo) FailRunningOnStartup(_ context.Context, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.queries {
		if q.Status == domain.QueryStatusRunning {
			q.Status = domain.QueryStatusFailed
			m := message
			q.ErrorMessage = &m
			now := time.Now()
			q.EndedAt = &now
		}
	}
	return nil
}
