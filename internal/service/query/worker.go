package query

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"grepr/internal/domain"
)

var (
	errRowLimitExceeded  = errors.New("row limit exceeded")
	errByteLimitExceeded = errors.New("byte limit exceeded")
)

// PoolConfig sizes the worker pool and its per-query ceilings.
type PoolConfig struct {
	Workers  int
	MaxRows  int64
	MaxBytes int64
}

// Pool is a fixed set of worker loops consuming one bounded queue of job
// references. Each claimed job is executed against the backend and streamed
// to an artifact; all outcomes are recorded through conditional store
// transitions. Live executions are registered by job id so a concurrent
// cancel can abort them mid-flight.
type Pool struct {
	queue     <-chan domain.JobRef
	store     domain.QueryRepository
	backend   domain.Backend
	artifacts domain.ArtifactStore
	cfg       PoolConfig
	logger    *slog.Logger

	live   sync.Map // job id → context.CancelFunc
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewPool creates the worker pool. Call Start to begin consuming.
func NewPool(
	queue <-chan domain.JobRef,
	store domain.QueryRepository,
	backend domain.Backend,
	artifacts domain.ArtifactStore,
	cfg PoolConfig,
	logger *slog.Logger,
) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Pool{
		queue:     queue,
		store:     store,
		backend:   backend,
		artifacts: artifacts,
		cfg:       cfg,
		logger:    logger,
	}
}

// Start launches the worker loops. They run until Stop is called or ctx is
// cancelled.
func (p *Pool) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.group, runCtx = errgroup.WithContext(runCtx)

	for i := 0; i < p.cfg.Workers; i++ {
		worker := i
		p.group.Go(func() error {
			p.runLoop(runCtx, worker)
			return nil
		})
	}
}

// Stop cancels all workers and waits for them to drain.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.group != nil {
		_ = p.group.Wait()
	}
}

// CancelExecution aborts the live execution for the given job id, if any.
// Forget-and-abort: the registry entry is removed and the execution context
// cancelled; nobody waits for the worker to observe it. Returns whether a
// live execution was found.
func (p *Pool) CancelExecution(id string) bool {
	v, ok := p.live.LoadAndDelete(id)
	if !ok {
		return false
	}
	v.(context.CancelFunc)()
	return true
}

func (p *Pool) runLoop(ctx context.Context, worker int) {
	logger := p.logger.With("worker", worker)
	for {
		select {
		case <-ctx.Done():
			return
		case ref, ok := <-p.queue:
			if !ok {
				return
			}
			// A failing job must never take the loop down with it.
			if err := p.runOne(ctx, ref); err != nil {
				logger.Error("worker loop error", "query_id", ref.ID, "error", err)
			}
		}
	}
}

// runOne executes a single claimed job end to end.
func (p *Pool) runOne(ctx context.Context, ref domain.JobRef) error {
	claimed, err := p.store.ClaimPending(ctx, ref.ID, time.Now())
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	if !claimed {
		// Already claimed, cancelled, or gone. Nothing to do.
		return nil
	}

	q, err := p.store.ByID(ctx, ref.UserID, ref.ID)
	if err != nil {
		if _, err := p.store.MarkFailed(ctx, ref.ID, time.Now(), "failed"); err != nil {
			p.logger.Error("mark failed after lost row", "query_id", ref.ID, "error", err)
		}
		return fmt.Errorf("refetch claimed query: %w", err)
	}

	execCtx, cancel := context.WithCancel(ctx)
	p.live.Store(ref.ID, cancel)
	defer p.live.Delete(ref.ID)
	defer cancel()

	rows, bytes, path, execErr := p.execute(execCtx, q)
	if execErr != nil {
		// The conditional write is a no-op when a cancel won the race, so
		// CANCELLED is never overwritten by the worker's own completion.
		if _, err := p.store.MarkFailed(ctx, ref.ID, time.Now(), safeMessage(execErr)); err != nil {
			p.logger.Error("mark failed", "query_id", ref.ID, "error", err)
		}
		return nil
	}

	ok, err := p.store.MarkSucceeded(ctx, ref.ID, time.Now(), path, rows, bytes)
	if err != nil {
		p.logger.Error("mark succeeded", "query_id", ref.ID, "error", err)
		return nil
	}
	if !ok {
		// Cancelled after streaming finished. The row is terminal CANCELLED;
		// an artifact may only exist for SUCCEEDED rows.
		if err := p.artifacts.Remove(ctx, path); err != nil {
			p.logger.Warn("remove artifact of cancelled query", "query_id", ref.ID, "error", err)
		}
	}
	return nil
}

// execute streams the query's result rows to a fresh artifact, enforcing
// the row and byte ceilings. On any failure the partial artifact is
// discarded and the error returned.
func (p *Pool) execute(ctx context.Context, q *domain.Query) (rowCount, byteCount int64, path string, err error) {
	ex, err := p.backend.Execute(ctx, q.SQLText)
	if err != nil {
		return 0, 0, "", err
	}
	defer ex.Close()

	w, err := p.artifacts.Create(ctx, q.ID)
	if err != nil {
		return 0, 0, "", fmt.Errorf("create artifact: %w", err)
	}
	abort := func() {
		if aerr := w.Abort(); aerr != nil {
			p.logger.Warn("abort artifact", "query_id", q.ID, "error", aerr)
		}
	}

	rows := ex.Rows()
	cols, err := rows.Columns()
	if err != nil {
		abort()
		return 0, 0, "", err
	}

	buf := bufio.NewWriter(w)
	for rows.Next() {
		rowCount++
		if rowCount > p.cfg.MaxRows {
			abort()
			return rowCount, byteCount, "", errRowLimitExceeded
		}

		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			abort()
			return rowCount, byteCount, "", err
		}

		line := encodeRow(cols, vals)
		byteCount += int64(len(line))
		if byteCount > p.cfg.MaxBytes {
			abort()
			return rowCount, byteCount, "", errByteLimitExceeded
		}
		if _, err := buf.WriteString(line); err != nil {
			abort()
			return rowCount, byteCount, "", err
		}
	}
	if err := rows.Err(); err != nil {
		abort()
		return rowCount, byteCount, "", err
	}

	// Rows must be fully drained before the read transaction commits.
	if err := rows.Close(); err != nil {
		abort()
		return rowCount, byteCount, "", err
	}
	if err := ex.Commit(); err != nil {
		abort()
		return rowCount, byteCount, "", err
	}

	if err := buf.Flush(); err != nil {
		abort()
		return rowCount, byteCount, "", err
	}
	if err := w.Commit(); err != nil {
		abort()
		return rowCount, byteCount, "", fmt.Errorf("commit artifact: %w", err)
	}

	return rowCount, byteCount, w.Path(), nil
}

// safeMessage bounds a failure message to 300 characters and never returns
// an empty string.
func safeMessage(err error) string {
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return "failed"
	}
	if len(msg) > 300 {
		return msg[:300]
	}
	return msg
}
