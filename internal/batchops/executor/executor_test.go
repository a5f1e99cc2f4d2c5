package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/catalog-batchops/internal/batchops/audit"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/domain"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/lock"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/progress"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/snapshot"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/store"
	"github.com/cuongbtq/catalog-batchops/internal/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *recordingSink) Record(_ context.Context, e audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

// countingHandler records how often each item was mutated.
type countingHandler struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ctx context.Context, itemID string) error
}

func newCountingHandler(fn func(ctx context.Context, itemID string) error) *countingHandler {
	return &countingHandler{calls: make(map[string]int), fn: fn}
}

func (h *countingHandler) Mutate(ctx context.Context, itemID string, _ map[string]any) error {
	h.mu.Lock()
	h.calls[itemID]++
	h.mu.Unlock()
	if h.fn == nil {
		return nil
	}
	return h.fn(ctx, itemID)
}

type harness struct {
	store    *store.Memory
	repo     *catalog.Memory
	catalog  *catalog.Catalog
	registry *Registry
	locker   *lock.Local
	sink     *recordingSink
	executor *Executor
}

func newHarness(t *testing.T, cfg Config, assets int) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seed := make([]*catalog.Asset, assets)
	for i := range seed {
		seed[i] = &catalog.Asset{
			ID:        itemID(i),
			Name:      fmt.Sprintf("asset %d", i),
			Status:    catalog.StatusDraft,
			CreatedAt: created.Add(time.Duration(i) * time.Second),
		}
	}
	repo := catalog.NewMemory(seed...)
	cat := catalog.New(repo, logger)

	st := store.NewMemory()
	registry := NewRegistry()
	registry.Register(domain.OperationStatusUpdate, HandlerFunc(cat.UpdateStatus))
	registry.Register(domain.OperationDelete, HandlerFunc(cat.Delete))
	registry.Register(domain.OperationMetadataUpdate, HandlerFunc(cat.UpdateMetadata))

	h := &harness{
		store:    st,
		repo:     repo,
		catalog:  cat,
		registry: registry,
		locker:   lock.NewLocal(),
		sink:     &recordingSink{},
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-test"
	}
	h.executor = New(Dependencies{
		Store:     st,
		Registry:  registry,
		Snapshots: snapshot.NewManager(st, cat, cat, snapshot.Config{UndoWindow: time.Hour}, logger),
		Tracker:   progress.NewTracker(st, nil, logger),
		Locker:    h.locker,
		Audit:     h.sink,
		Logger:    logger,
	}, cfg)
	return h
}

func itemID(i int) string {
	return fmt.Sprintf("asset-%03d", i)
}

func (h *harness) createJob(t *testing.T, opType domain.OperationType, params map[string]any, n, batchSize, concurrency int) *domain.Job {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		ids[i] = itemID(i)
	}
	now := time.Now().UTC()
	job := &domain.Job{
		ID:         fmt.Sprintf("job-%d", now.UnixNano()),
		Type:       opType,
		Status:     domain.JobStatusPending,
		TotalItems: n,
		CreatedBy:  "user-1",
		CreatedAt:  now,
		UpdatedAt:  now,
		Metadata: domain.Metadata{
			ItemIDs:      ids,
			Params:       params,
			BatchSize:    batchSize,
			Concurrency:  concurrency,
			TotalBatches: domain.BatchCount(n, batchSize),
		},
	}
	require.NoError(t, h.store.CreateJob(context.Background(), job))
	return job
}

func (h *harness) job(t *testing.T, id string) *domain.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func assertCounters(t *testing.T, job *domain.Job) {
	t.Helper()
	assert.Equal(t, job.ProcessedItems, job.SuccessItems+job.FailedItems)
	assert.LessOrEqual(t, job.ProcessedItems, job.TotalItems)
}

func TestExecutor_AllItemsSucceed(t *testing.T) {
	h := newHarness(t, Config{}, 25)
	job := h.createJob(t, domain.OperationStatusUpdate, map[string]any{"status": catalog.StatusActive}, 25, 10, 4)

	require.NoError(t, h.executor.Run(context.Background(), job.ID))

	got := h.job(t, job.ID)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Equal(t, 25, got.SuccessItems)
	assert.Equal(t, 3, got.Metadata.CurrentBatch)
	assert.True(t, got.CanUndo)
	require.NotNil(t, got.UndoExpiresAt)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, got.CompletedAt.Add(time.Hour), *got.UndoExpiresAt)
	assertCounters(t, got)

	for i := 0; i < 25; i++ {
		asset, err := h.repo.GetAsset(context.Background(), itemID(i))
		require.NoError(t, err)
		assert.Equal(t, catalog.StatusActive, asset.Status)
	}

	require.Len(t, h.sink.events, 1)
	assert.Equal(t, audit.EventJobFinished, h.sink.events[0].Type)
	assert.Equal(t, domain.JobStatusCompleted, h.sink.events[0].Status)
}

func TestExecutor_PartialFailure(t *testing.T) {
	h := newHarness(t, Config{}, 100)
	failing := map[string]bool{itemID(7): true, itemID(42): true, itemID(99): true}
	handler := newCountingHandler(func(_ context.Context, id string) error {
		if failing[id] {
			return domain.NewValidationError(errors.New("name is reserved"))
		}
		return nil
	})
	h.registry.Register("custom", handler)
	job := h.createJob(t, "custom", nil, 100, 10, 1)

	require.NoError(t, h.executor.Run(context.Background(), job.ID))

	got := h.job(t, job.ID)
	assert.Equal(t, domain.JobStatusPartiallyCompleted, got.Status)
	assert.Equal(t, 100, got.ProcessedItems)
	assert.Equal(t, 97, got.SuccessItems)
	assert.Equal(t, 3, got.FailedItems)
	assertCounters(t, got)

	outcomes, err := h.store.ListOutcomes(context.Background(), job.ID)
	require.NoError(t, err)
	errs := domain.ItemErrors(outcomes)
	require.Len(t, errs, 3)
	for _, e := range errs {
		assert.True(t, failing[e.ItemID])
		assert.False(t, e.CanRetry)
	}
}

func TestExecutor_AllItemsFail(t *testing.T) {
	h := newHarness(t, Config{}, 5)
	job := h.createJob(t, domain.OperationStatusUpdate, map[string]any{"status": "bogus"}, 5, 2, 1)

	require.NoError(t, h.executor.Run(context.Background(), job.ID))

	got := h.job(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Equal(t, 5, got.FailedItems)
	assert.False(t, got.CanUndo)
}

func TestExecutor_PauseAndResumeWithoutReprocessing(t *testing.T) {
	h := newHarness(t, Config{}, 100)
	var job *domain.Job
	handler := newCountingHandler(func(ctx context.Context, id string) error {
		// pause arrives while the third batch is in flight
		if id == itemID(25) {
			_, err := h.store.TransitionStatus(ctx, job.ID, []domain.Status{domain.JobStatusRunning}, domain.JobStatusPaused)
			return err
		}
		return nil
	})
	h.registry.Register("custom", handler)
	job = h.createJob(t, "custom", nil, 100, 10, 1)

	require.NoError(t, h.executor.Run(context.Background(), job.ID))

	paused := h.job(t, job.ID)
	assert.Equal(t, domain.JobStatusPaused, paused.Status)
	assert.Equal(t, 30, paused.ProcessedItems)
	assert.Equal(t, 3, paused.Metadata.CurrentBatch)

	// a paused job is a no-op for the executor
	require.NoError(t, h.executor.Run(context.Background(), job.ID))
	assert.Equal(t, 30, h.job(t, job.ID).ProcessedItems)

	_, err := h.store.TransitionStatus(context.Background(), job.ID, []domain.Status{domain.JobStatusPaused}, domain.JobStatusRunning)
	require.NoError(t, err)
	require.NoError(t, h.executor.Run(context.Background(), job.ID))

	done := h.job(t, job.ID)
	assert.Equal(t, domain.JobStatusCompleted, done.Status)
	assert.Equal(t, 100, done.ProcessedItems)
	for i := 0; i < 100; i++ {
		assert.Equal(t, 1, handler.calls[itemID(i)], itemID(i))
	}
}

func TestExecutor_CancelStopsBeforeNextBatch(t *testing.T) {
	h := newHarness(t, Config{}, 50)
	var job *domain.Job
	handler := newCountingHandler(func(ctx context.Context, id string) error {
		if id == itemID(14) {
			_, err := h.store.TransitionStatus(ctx, job.ID, []domain.Status{domain.JobStatusRunning}, domain.JobStatusCancelled)
			return err
		}
		return nil
	})
	h.registry.Register("custom", handler)
	job = h.createJob(t, "custom", nil, 50, 10, 1)

	require.NoError(t, h.executor.Run(context.Background(), job.ID))

	got := h.job(t, job.ID)
	assert.Equal(t, domain.JobStatusCancelled, got.Status)
	assert.Equal(t, 20, got.ProcessedItems)
	for i := 20; i < 50; i++ {
		assert.Zero(t, handler.calls[itemID(i)])
	}
	assert.Empty(t, h.sink.events)
}

func TestExecutor_UnknownOperationType(t *testing.T) {
	h := newHarness(t, Config{}, 3)
	job := h.createJob(t, "rename", nil, 3, 10, 1)

	require.NoError(t, h.executor.Run(context.Background(), job.ID))

	got := h.job(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Contains(t, got.Message, domain.ErrUnknownOperation.Error())
	assert.Zero(t, got.ProcessedItems)
}

func TestExecutor_UnclassifiedErrorAbortsJob(t *testing.T) {
	tests := []struct {
		name string
		fn   func(ctx context.Context, id string) error
	}{
		{
			name: "plain error",
			fn: func(_ context.Context, id string) error {
				if id == itemID(12) {
					return errors.New("nil pointer in mapper")
				}
				return nil
			},
		},
		{
			name: "panic",
			fn: func(_ context.Context, id string) error {
				if id == itemID(12) {
					panic("index out of range")
				}
				return nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{}, 40)
			handler := newCountingHandler(tt.fn)
			h.registry.Register("custom", handler)
			job := h.createJob(t, "custom", nil, 40, 10, 1)

			require.NoError(t, h.executor.Run(context.Background(), job.ID))

			got := h.job(t, job.ID)
			assert.Equal(t, domain.JobStatusFailed, got.Status)
			assert.Contains(t, got.Message, "aborted")
			assert.Equal(t, 13, got.ProcessedItems)
			assert.Equal(t, 1, got.FailedItems)
			assert.True(t, got.CanUndo)
			assertCounters(t, got)
			assert.Zero(t, handler.calls[itemID(13)])
			assert.Zero(t, handler.calls[itemID(20)])
		})
	}
}

func TestExecutor_RetryableClassification(t *testing.T) {
	h := newHarness(t, Config{}, 4)
	handler := newCountingHandler(func(_ context.Context, id string) error {
		switch id {
		case itemID(0):
			return domain.NewConflictError(errors.New("version mismatch"))
		case itemID(1):
			return domain.NewTransientError(errors.New("timeout"))
		case itemID(2):
			return domain.NewPermissionError(errors.New("forbidden"))
		}
		return nil
	})
	h.registry.Register("custom", handler)
	job := h.createJob(t, "custom", nil, 4, 10, 2)

	require.NoError(t, h.executor.Run(context.Background(), job.ID))

	outcomes, err := h.store.ListOutcomes(context.Background(), job.ID)
	require.NoError(t, err)
	retry := map[string]bool{}
	for _, e := range domain.ItemErrors(outcomes) {
		retry[e.ItemID] = e.CanRetry
	}
	assert.Equal(t, map[string]bool{itemID(0): true, itemID(1): true, itemID(2): false}, retry)
}

func TestExecutor_LockedJobIsRejected(t *testing.T) {
	h := newHarness(t, Config{LockWait: 50 * time.Millisecond}, 2)
	job := h.createJob(t, domain.OperationStatusUpdate, map[string]any{"status": catalog.StatusActive}, 2, 10, 1)

	_, ok, err := h.locker.Acquire(context.Background(), "job:"+job.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	err = h.executor.Run(context.Background(), job.ID)
	assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)
	assert.Equal(t, domain.JobStatusPending, h.job(t, job.ID).Status)
}

func TestExecutor_WaitsForLockBeingReleased(t *testing.T) {
	h := newHarness(t, Config{LockWait: time.Second}, 2)
	job := h.createJob(t, domain.OperationStatusUpdate, map[string]any{"status": catalog.StatusActive}, 2, 10, 1)

	lease, ok, err := h.locker.Acquire(context.Background(), "job:"+job.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// the previous run releases shortly after the new delivery arrives
	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = h.locker.Release(context.Background(), lease)
	}()

	require.NoError(t, h.executor.Run(context.Background(), job.ID))
	assert.Equal(t, domain.JobStatusCompleted, h.job(t, job.ID).Status)
}

func TestExecutor_ShutdownIsRetryable(t *testing.T) {
	h := newHarness(t, Config{}, 30)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := newCountingHandler(func(ctx context.Context, id string) error {
		if id == itemID(15) {
			cancel()
			return ctx.Err()
		}
		return nil
	})
	h.registry.Register("custom", handler)
	job := h.createJob(t, "custom", nil, 30, 10, 1)

	err := h.executor.Run(ctx, job.ID)
	var retryable *domain.RetryableError
	require.True(t, errors.As(err, &retryable))

	got := h.job(t, job.ID)
	assert.Equal(t, domain.JobStatusRunning, got.Status)
	assert.Equal(t, 1, got.Metadata.CurrentBatch)
	assert.Equal(t, 10, got.ProcessedItems)

	// recovery resumes at the interrupted batch
	require.NoError(t, h.executor.Run(context.Background(), job.ID))
	got = h.job(t, job.ID)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Equal(t, 30, got.ProcessedItems)
	assert.Equal(t, 1, handler.calls[itemID(5)])
}

func TestExecutor_JobTimeout(t *testing.T) {
	h := newHarness(t, Config{JobTimeout: 50 * time.Millisecond}, 20)
	handler := newCountingHandler(func(ctx context.Context, id string) error {
		if id == itemID(10) {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	h.registry.Register("custom", handler)
	job := h.createJob(t, "custom", nil, 20, 10, 1)

	require.NoError(t, h.executor.Run(context.Background(), job.ID))

	got := h.job(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Contains(t, got.Message, "timed out")
	assert.Equal(t, 10, got.ProcessedItems)
}

func TestExecutor_TimeoutKeepsOutcomeOfInFlightItem(t *testing.T) {
	h := newHarness(t, Config{JobTimeout: 50 * time.Millisecond}, 10)
	handler := newCountingHandler(func(ctx context.Context, id string) error {
		if id == itemID(3) {
			// ignores ctx and commits after the deadline
			time.Sleep(100 * time.Millisecond)
		}
		return h.catalog.UpdateStatus(context.WithoutCancel(ctx), id, map[string]any{"status": catalog.StatusActive})
	})
	h.registry.Register("custom", handler)
	job := h.createJob(t, "custom", nil, 10, 10, 1)

	require.NoError(t, h.executor.Run(context.Background(), job.ID))

	got := h.job(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Contains(t, got.Message, "timed out")
	assert.Equal(t, 4, got.SuccessItems)
	assertCounters(t, got)

	outcomes, err := h.store.ListOutcomes(context.Background(), job.ID)
	require.NoError(t, err)
	calls := 0
	for _, n := range handler.calls {
		calls += n
	}
	assert.Len(t, outcomes, calls)
	assert.Equal(t, 1, handler.calls[itemID(3)])
	assert.Zero(t, handler.calls[itemID(4)])

	snap, err := h.store.GetSnapshotByJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, snap.Index()[itemID(3)].Mutated)

	result, err := h.executor.snapshots.RestoreFromSnapshot(context.Background(), job.ID, domain.RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, 4, result.Restored)
	asset, err := h.repo.GetAsset(context.Background(), itemID(3))
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusDraft, asset.Status)
}

func TestExecutor_UndoAfterLongPause(t *testing.T) {
	h := newHarness(t, Config{}, 10)
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	h.executor.SetClock(clock)
	h.executor.snapshots.SetClock(clock)
	h.store.SetClock(clock)

	var job *domain.Job
	handler := newCountingHandler(func(ctx context.Context, id string) error {
		if err := h.catalog.UpdateStatus(ctx, id, map[string]any{"status": catalog.StatusActive}); err != nil {
			return err
		}
		if id == itemID(4) {
			_, err := h.store.TransitionStatus(ctx, job.ID, []domain.Status{domain.JobStatusRunning}, domain.JobStatusPaused)
			return err
		}
		return nil
	})
	h.registry.Register("custom", handler)
	job = h.createJob(t, "custom", nil, 10, 5, 1)

	require.NoError(t, h.executor.Run(ctx, job.ID))
	require.Equal(t, domain.JobStatusPaused, h.job(t, job.ID).Status)

	// the pause outlasts the undo window; the janitor must keep the snapshot
	now = now.Add(2 * time.Hour)
	purged, _, err := h.executor.snapshots.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, purged)

	_, err = h.store.TransitionStatus(ctx, job.ID, []domain.Status{domain.JobStatusPaused}, domain.JobStatusRunning)
	require.NoError(t, err)
	require.NoError(t, h.executor.Run(ctx, job.ID))

	done := h.job(t, job.ID)
	require.Equal(t, domain.JobStatusCompleted, done.Status)
	require.NotNil(t, done.UndoExpiresAt)
	assert.Equal(t, now.Add(time.Hour), *done.UndoExpiresAt)

	snap, err := h.store.GetSnapshotByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, *done.UndoExpiresAt, snap.ExpiresAt)

	now = now.Add(30 * time.Minute)
	result, err := h.executor.snapshots.RestoreFromSnapshot(ctx, job.ID, domain.RestoreOptions{})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 10, result.Restored)
	for i := 0; i < 10; i++ {
		asset, err := h.repo.GetAsset(ctx, itemID(i))
		require.NoError(t, err)
		assert.Equal(t, catalog.StatusDraft, asset.Status, itemID(i))
	}
}

func TestExecutor_UncapturedItemsAreNotMutated(t *testing.T) {
	h := newHarness(t, Config{}, 3)
	handler := newCountingHandler(nil)
	h.registry.Register("custom", handler)
	job := h.createJob(t, "custom", nil, 3, 10, 1)

	snap := &domain.Snapshot{
		ID:    "snap-1",
		JobID: job.ID,
		Entries: []domain.SnapshotEntry{
			{ItemID: itemID(0), Before: domain.ItemState{"status": "draft"}, Captured: true},
			{ItemID: itemID(1), CaptureError: "read timeout"},
			{ItemID: itemID(2), Before: domain.ItemState{"status": "draft"}, Captured: true},
		},
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, h.store.CreateSnapshot(context.Background(), snap))

	require.NoError(t, h.executor.Run(context.Background(), job.ID))

	got := h.job(t, job.ID)
	assert.Equal(t, domain.JobStatusPartiallyCompleted, got.Status)
	assert.Equal(t, 1, got.FailedItems)
	assert.Zero(t, handler.calls[itemID(1)])
	assert.Equal(t, "snap-1", got.Metadata.SnapshotID)
}

func TestExecutor_DeleteIsReversible(t *testing.T) {
	h := newHarness(t, Config{}, 6)
	job := h.createJob(t, domain.OperationDelete, nil, 6, 4, 2)

	require.NoError(t, h.executor.Run(context.Background(), job.ID))
	require.Equal(t, domain.JobStatusCompleted, h.job(t, job.ID).Status)

	_, err := h.repo.GetAsset(context.Background(), itemID(3))
	require.ErrorIs(t, err, domain.ErrItemNotFound)

	result, err := h.executor.snapshots.RestoreFromSnapshot(context.Background(), job.ID, domain.RestoreOptions{})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 6, result.Restored)

	asset, err := h.repo.GetAsset(context.Background(), itemID(3))
	require.NoError(t, err)
	assert.Equal(t, "asset 3", asset.Name)
}

func TestRegistry_Types(t *testing.T) {
	r := NewRegistry()
	r.Register(domain.OperationStatusUpdate, HandlerFunc(func(context.Context, string, map[string]any) error { return nil }))
	r.Register(domain.OperationDelete, HandlerFunc(func(context.Context, string, map[string]any) error { return nil }))

	assert.Equal(t, []domain.OperationType{domain.OperationDelete, domain.OperationStatusUpdate}, r.Types())
	_, ok := r.Lookup(domain.OperationMetadataUpdate)
	assert.False(t, ok)
}
