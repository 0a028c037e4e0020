package query

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grepr/internal/domain"
	"grepr/internal/storage"
)

// stubCanceller records execution-cancel requests.
type stubCanceller struct {
	cancelled []string
	found     bool
}

func (c *stubCanceller) CancelExecution(id string) bool {
	c.cancelled = append(c.cancelled, id)
	return c.found
}

type serviceFixture struct {
	svc       *Service
	repo      *memRepo
	queue     chan domain.JobRef
	canceller *stubCanceller
	artifacts *storage.LocalStore
}

func newServiceFixture(t *testing.T, queueSize int, limits Limits) *serviceFixture {
	t.Helper()

	repo := newMemRepo()
	artifacts, err := storage.NewLocalStore(filepath.Join(t.TempDir(), "results"))
	require.NoError(t, err)

	queue := make(chan domain.JobRef, queueSize)
	canceller := &stubCanceller{}

	svc := NewService(
		repo,
		NewGuard(10_000),
		NewRateLimiter(1_000),
		artifacts,
		canceller,
		queue,
		limits,
		slog.New(slog.DiscardHandler),
	)
	return &serviceFixture{svc: svc, repo: repo, queue: queue, canceller: canceller, artifacts: artifacts}
}

func defaultLimits() Limits {
	return Limits{MaxPendingPerUser: 10, MaxRunningPerUser: 2, MaxRunningGlobal: 10}
}

func TestService_Submit_PersistsAndEnqueues(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, 4, defaultLimits())

	q, err := f.svc.Submit(context.Background(), "alice", "select 1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.QueryStatusPending, q.Status)
	assert.Equal(t, "alice", q.UserID)
	assert.Nil(t, q.IdempotencyKey)

	ref := <-f.queue
	assert.Equal(t, q.ID, ref.ID)
	assert.Equal(t, "alice", ref.UserID)
}

func TestService_Submit_RejectsUnsafeSQLBeforeAnyState(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, 4, defaultLimits())

	_, err := f.svc.Submit(context.Background(), "alice", "select 1; drop table x", "")
	var validation *domain.ValidationError
	require.ErrorAs(t, err, &validation)

	n, err := f.repo.CountGlobal(context.Background(), domain.QueryStatusPending)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.queue)
}

func TestService_Submit_RateLimited(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, 64, defaultLimits())
	f.svc.limiter = NewRateLimiter(1)
	f.svc.limits.MaxPendingPerUser = 100

	_, err := f.svc.Submit(context.Background(), "alice", "select 1", "")
	require.NoError(t, err)

	_, err = f.svc.Submit(context.Background(), "alice", "select 1", "")
	var limited *domain.RateLimitedError
	require.ErrorAs(t, err, &limited)
}

func TestService_Submit_IdempotentResubmission(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, 4, defaultLimits())
	ctx := context.Background()

	first, err := f.svc.Submit(ctx, "alice", "select 1", "retry-9")
	require.NoError(t, err)

	// Same key with different SQL still returns the first job; no second
	// job is created and nothing new is enqueued.
	second, err := f.svc.Submit(ctx, "alice", "select 2", "retry-9")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "select 1", second.SQLText)

	n, err := f.repo.CountGlobal(ctx, domain.QueryStatusPending)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, f.queue, 1)
}

func TestService_Submit_QuotaCeilings(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("too many pending", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t, 64, Limits{MaxPendingPerUser: 1, MaxRunningPerUser: 5, MaxRunningGlobal: 5})

		_, err := f.svc.Submit(ctx, "alice", "select 1", "")
		require.NoError(t, err)

		_, err = f.svc.Submit(ctx, "alice", "select 1", "")
		var capacity *domain.CapacityError
		require.ErrorAs(t, err, &capacity)
		assert.Equal(t, "too many pending queries", capacity.Message)

		// Another user is unaffected.
		_, err = f.svc.Submit(ctx, "bob", "select 1", "")
		require.NoError(t, err)
	})

	t.Run("too many running", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t, 64, Limits{MaxPendingPerUser: 10, MaxRunningPerUser: 1, MaxRunningGlobal: 10})

		q, err := f.svc.Submit(ctx, "alice", "select 1", "")
		require.NoError(t, err)
		claimed, err := f.repo.ClaimPending(ctx, q.ID, time.Now())
		require.NoError(t, err)
		require.True(t, claimed)

		_, err = f.svc.Submit(ctx, "alice", "select 1", "")
		var capacity *domain.CapacityError
		require.ErrorAs(t, err, &capacity)
		assert.Equal(t, "too many running queries", capacity.Message)
	})

	t.Run("global running ceiling", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t, 64, Limits{MaxPendingPerUser: 10, MaxRunningPerUser: 10, MaxRunningGlobal: 1})

		q, err := f.svc.Submit(ctx, "bob", "select 1", "")
		require.NoError(t, err)
		claimed, err := f.repo.ClaimPending(ctx, q.ID, time.Now())
		require.NoError(t, err)
		require.True(t, claimed)

		_, err = f.svc.Submit(ctx, "alice", "select 1", "")
		var capacity *domain.CapacityError
		require.ErrorAs(t, err, &capacity)
		assert.Equal(t, "server busy", capacity.Message)
	})
}

func TestService_Submit_QueueFull(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, 1, defaultLimits())
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, "alice", "select 1", "")
	require.NoError(t, err)

	// Queue is at capacity: the next submission's row is created, then
	// immediately failed in place, and the call reports backpressure.
	_, err = f.svc.Submit(ctx, "bob", "select 1", "")
	var capacity *domain.CapacityError
	require.ErrorAs(t, err, &capacity)
	assert.Equal(t, "server busy", capacity.Message)

	n, err := f.repo.CountUser(ctx, "bob", domain.QueryStatusFailed)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The failed row is observable and carries the queue-full reason.
	f.repo.mu.Lock()
	defer f.repo.mu.Unlock()
	for _, q := range f.repo.queries {
		if q.UserID != "bob" {
			continue
		}
		require.NotNil(t, q.ErrorMessage)
		assert.Equal(t, "queue full", *q.ErrorMessage)
	}
}

func TestService_Status(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, 4, defaultLimits())
	ctx := context.Background()

	q, err := f.svc.Submit(ctx, "alice", "select 1", "")
	require.NoError(t, err)

	got, err := f.svc.Status(ctx, "alice", q.ID)
	require.NoError(t, err)
	assert.Equal(t, q.ID, got.ID)

	_, err = f.svc.Status(ctx, "mallory", q.ID)
	var notFound *domain.NotFoundError
	require.ErrorAs(t, err, &notFound)

	_, err = f.svc.Status(ctx, "alice", "nope")
	require.ErrorAs(t, err, &notFound)
}

func TestService_Results(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, 4, defaultLimits())
	ctx := context.Background()

	q, err := f.svc.Submit(ctx, "alice", "select 1", "")
	require.NoError(t, err)

	// Not terminal yet.
	_, err = f.svc.Results(ctx, "alice", q.ID)
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)

	claimed, err := f.repo.ClaimPending(ctx, q.ID, time.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	w, err := f.artifacts.Create(ctx, q.ID)
	require.NoError(t, err)
	_, err = w.Write([]byte("{\"?column?\":1}\n"))
	require.NoError(t, err)
	require.NoError(t, w.Commit())

	ok, err := f.repo.MarkSucceeded(ctx, q.ID, time.Now(), w.Path(), 1, 15)
	require.NoError(t, err)
	require.True(t, ok)

	rc, err := f.svc.Results(ctx, "alice", q.ID)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "{\"?column?\":1}\n", string(data))
}

func TestService_Results_MissingArtifactIsInternal(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, 4, defaultLimits())
	ctx := context.Background()

	q, err := f.svc.Submit(ctx, "alice", "select 1", "")
	require.NoError(t, err)
	claimed, err := f.repo.ClaimPending(ctx, q.ID, time.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	// Recorded success pointing at an artifact that does not exist.
	ok, err := f.repo.MarkSucceeded(ctx, q.ID, time.Now(), filepath.Join(t.TempDir(), "gone.ndjson"), 1, 1)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.Results(ctx, "alice", q.ID)
	var internal *domain.InternalError
	require.ErrorAs(t, err, &internal)
}

func TestService_Cancel_PendingJob(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, 4, defaultLimits())
	ctx := context.Background()

	q, err := f.svc.Submit(ctx, "alice", "select 1", "")
	require.NoError(t, err)

	got, err := f.svc.Cancel(ctx, "alice", q.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueryStatusCancelled, got.Status)
	// No live execution existed, but the signal is still sent; the pool
	// treats an unknown id as a no-op.
	assert.Equal(t, []string{q.ID}, f.canceller.cancelled)
}

func TestService_Cancel_TerminalIsSnapshot(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, 4, defaultLimits())
	ctx := context.Background()

	q, err := f.svc.Submit(ctx, "alice", "select 1", "")
	require.NoError(t, err)
	claimed, err := f.repo.ClaimPending(ctx, q.ID, time.Now())
	require.NoError(t, err)
	require.True(t, claimed)
	ok, err := f.repo.MarkFailed(ctx, q.ID, time.Now(), "boom")
	require.NoError(t, err)
	require.True(t, ok)

	// Cancelling a terminal job is a no-op that returns the snapshot.
	got, err := f.svc.Cancel(ctx, "alice", q.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueryStatusFailed, got.Status)
}

func TestService_Cancel_NotFound(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, 4, defaultLimits())

	_, err := f.svc.Cancel(context.Background(), "alice", "nope")
	var notFound *domain.NotFoundError
	require.ErrorAs(t, err, &notFound)
}
