package query

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"grepr/internal/domain"
)

// Limits are the admission ceilings checked on every submission.
type Limits struct {
	MaxPendingPerUser int
	MaxRunningPerUser int
	MaxRunningGlobal  int
}

// executionCanceller aborts a live execution by job id. Implemented by Pool.
type executionCanceller interface {
	CancelExecution(id string) bool
}

// Service is the admission & queueing front of the query core. It validates,
// rate-limits, checks concurrency quotas, persists new queries, and hands
// job references to the worker pool over a bounded queue. It never blocks
// waiting for an execution to finish.
type Service struct {
	store     domain.QueryRepository
	guard     *Guard
	limiter   *RateLimiter
	artifacts domain.ArtifactStore
	pool      executionCanceller
	queue     chan<- domain.JobRef
	limits    Limits
	logger    *slog.Logger
}

// NewService creates the admission service. The queue channel is shared
// with the worker pool consuming it.
func NewService(
	store domain.QueryRepository,
	guard *Guard,
	limiter *RateLimiter,
	artifacts domain.ArtifactStore,
	pool executionCanceller,
	queue chan<- domain.JobRef,
	limits Limits,
	logger *slog.Logger,
) *Service {
	return &Service{
		store:     store,
		guard:     guard,
		limiter:   limiter,
		artifacts: artifacts,
		pool:      pool,
		queue:     queue,
		limits:    limits,
		logger:    logger,
	}
}

// Submit validates and admits a query for asynchronous execution.
//
// The quota checks are read-then-act without a transaction spanning the
// read and the insert: concurrent submissions can transiently exceed a
// ceiling by a small margin. That is an accepted soft-limit design.
func (s *Service) Submit(ctx context.Context, userID, sqlText, idempotencyKey string) (*domain.Query, error) {
	if err := s.guard.Validate(sqlText); err != nil {
		return nil, err
	}
	if !s.limiter.Allow(userID) {
		return nil, domain.ErrRateLimited("rate limited")
	}

	idem := strings.TrimSpace(idempotencyKey)
	if idem != "" {
		existing, err := s.store.ByIdempotencyKey(ctx, userID, idem)
		if err == nil {
			return existing, nil
		}
		if _, ok := err.(*domain.NotFoundError); !ok {
			return nil, fmt.Errorf("lookup query by idempotency key: %w", err)
		}
	}

	if err := s.checkQuotas(ctx, userID); err != nil {
		return nil, err
	}

	q := &domain.Query{
		ID:      domain.NewID(),
		UserID:  userID,
		SQLText: sqlText,
		Status:  domain.QueryStatusPending,
	}
	if idem != "" {
		q.IdempotencyKey = &idem
	}

	created, err := s.store.Create(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("create query: %w", err)
	}

	select {
	case s.queue <- domain.JobRef{ID: created.ID, UserID: created.UserID}:
	default:
		// Full queue fails fast rather than stalling the caller. The row
		// was already persisted, so it is failed in place: callers observe
		// a terminal FAILED job via status lookup.
		if err := s.store.FailPending(ctx, created.ID, time.Now(), "queue full"); err != nil {
			s.logger.Error("fail unqueued query", "query_id", created.ID, "error", err)
		}
		return nil, domain.ErrCapacity("server busy")
	}

	return created, nil
}

func (s *Service) checkQuotas(ctx context.Context, userID string) error {
	pending, err := s.store.CountUser(ctx, userID, domain.QueryStatusPending)
	if err != nil {
		return fmt.Errorf("count pending: %w", err)
	}
	if pending >= s.limits.MaxPendingPerUser {
		return domain.ErrCapacity("too many pending queries")
	}

	running, err := s.store.CountUser(ctx, userID, domain.QueryStatusRunning)
	if err != nil {
		return fmt.Errorf("count running: %w", err)
	}
	if running >= s.limits.MaxRunningPerUser {
		return domain.ErrCapacity("too many running queries")
	}

	global, err := s.store.CountGlobal(ctx, domain.QueryStatusRunning)
	if err != nil {
		return fmt.Errorf("count global running: %w", err)
	}
	if global >= s.limits.MaxRunningGlobal {
		return domain.ErrCapacity("server busy")
	}

	return nil
}

// Status returns the query scoped to its owner.
func (s *Service) Status(ctx context.Context, userID, id string) (*domain.Query, error) {
	return s.store.ByID(ctx, userID, id)
}

// Results opens the persisted result artifact of a succeeded query as a
// sequential byte stream. A recorded success whose artifact is missing is a
// data-integrity fault, logged loudly and surfaced generically.
func (s *Service) Results(ctx context.Context, userID, id string) (io.ReadCloser, error) {
	q, err := s.store.ByID(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if q.Status != domain.QueryStatusSucceeded {
		return nil, domain.ErrConflict("not ready")
	}
	if q.ResultPath == nil || *q.ResultPath == "" {
		s.logger.Error("succeeded query has no result path", "query_id", id)
		return nil, domain.ErrInternal("result missing")
	}

	rc, err := s.artifacts.Open(ctx, *q.ResultPath)
	if err != nil {
		s.logger.Error("result artifact missing", "query_id", id, "path", *q.ResultPath, "error", err)
		return nil, domain.ErrInternal("result file missing")
	}
	return rc, nil
}

// Cancel marks a pending or running query CANCELLED and asks the pool to
// abort the live execution if there is one. The returned snapshot reflects
// the store after the cancel was recorded; a worker that finishes later
// cannot overwrite the terminal state.
func (s *Service) Cancel(ctx context.Context, userID, id string) (*domain.Query, error) {
	if _, err := s.store.ByID(ctx, userID, id); err != nil {
		return nil, err
	}

	if _, err := s.store.MarkCancelled(ctx, id, time.Now()); err != nil {
		return nil, fmt.Errorf("mark cancelled: %w", err)
	}
	s.pool.CancelExecution(id)

	return s.store.ByID(ctx, userID, id)
}
