package progress

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/catalog-batchops/internal/batchops/domain"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	events []*domain.Progress
	err    error
}

func (p *recordingPublisher) PublishProgress(_ context.Context, progress *domain.Progress) error {
	p.events = append(p.events, progress)
	return p.err
}

func newTracker(t *testing.T, pub Publisher) (*Tracker, *store.Memory, *domain.Job) {
	t.Helper()
	st := store.NewMemory()
	job := &domain.Job{
		ID:         "job-1",
		Type:       domain.OperationMetadataUpdate,
		Status:     domain.JobStatusRunning,
		TotalItems: 4,
		CreatedAt:  time.Now(),
		Metadata: domain.Metadata{
			ItemIDs:      []string{"a", "b", "c", "d"},
			BatchSize:    2,
			TotalBatches: 2,
		},
	}
	require.NoError(t, st.CreateJob(context.Background(), job))
	return NewTracker(st, pub, slog.New(slog.NewTextHandler(io.Discard, nil))), st, job
}

func TestTracker_RecordBatch(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	tracker, st, job := newTracker(t, pub)
	now := time.Now()

	before := testutil.ToFloat64(itemsProcessedTotal.WithLabelValues(string(domain.OperationMetadataUpdate), domain.ItemFailed))

	progress, err := tracker.RecordBatch(ctx, job, 0, []domain.ItemOutcome{
		{ItemID: "a", Position: 0, Status: domain.ItemSucceeded, ProcessedAt: now},
		{ItemID: "b", Position: 1, Status: domain.ItemFailed, Error: "boom", CanRetry: true, ProcessedAt: now},
	}, 500*time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, 2, progress.ProcessedItems)
	assert.Equal(t, 1, progress.SuccessItems)
	assert.Equal(t, 1, progress.FailedItems)
	assert.Equal(t, 1, progress.CurrentBatch)
	assert.InDelta(t, 50.0, progress.PercentComplete, 0.001)
	assert.InDelta(t, 4.0, progress.ThroughputPerSecond, 0.001)
	assert.InDelta(t, 0.5, progress.EstimatedTimeRemaining, 0.001)
	require.Len(t, pub.events, 1)

	after := testutil.ToFloat64(itemsProcessedTotal.WithLabelValues(string(domain.OperationMetadataUpdate), domain.ItemFailed))
	assert.Equal(t, before+1, after)

	stored, err := tracker.GetProgress(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, progress.ProcessedItems, stored.ProcessedItems)
	assert.Equal(t, progress.CurrentBatch, stored.CurrentBatch)

	persisted, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, persisted.ProcessedItems, persisted.SuccessItems+persisted.FailedItems)
}

func TestTracker_PublishFailureIsNotFatal(t *testing.T) {
	tracker, _, job := newTracker(t, &recordingPublisher{err: errors.New("redis down")})

	_, err := tracker.RecordBatch(context.Background(), job, 0, []domain.ItemOutcome{
		{ItemID: "a", Status: domain.ItemSucceeded},
	}, time.Second)
	require.NoError(t, err)
}

func TestTracker_GetResult(t *testing.T) {
	ctx := context.Background()
	tracker, st, job := newTracker(t, nil)
	now := time.Now()

	_, err := tracker.RecordBatch(ctx, job, 0, []domain.ItemOutcome{
		{ItemID: "a", Position: 0, Status: domain.ItemSucceeded, ProcessedAt: now},
		{ItemID: "b", Position: 1, Status: domain.ItemFailed, Error: "conflict", CanRetry: true, ProcessedAt: now},
	}, time.Second)
	require.NoError(t, err)

	partial, err := tracker.GetResult(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, partial.Final)
	assert.Equal(t, []string{"a"}, partial.SucceededIDs)
	assert.Equal(t, []string{"b"}, partial.FailedIDs)
	assert.Contains(t, partial.Summary, "processed 2 of 4")

	_, err = tracker.RecordBatch(ctx, job, 1, []domain.ItemOutcome{
		{ItemID: "c", Position: 2, Status: domain.ItemSucceeded, ProcessedAt: now},
		{ItemID: "d", Position: 3, Status: domain.ItemSucceeded, ProcessedAt: now},
	}, time.Second)
	require.NoError(t, err)

	expires := now.Add(time.Hour)
	_, err = st.FinishJob(ctx, job.ID, []domain.Status{domain.JobStatusRunning}, store.Finish{
		Status: domain.JobStatusPartiallyCompleted, CanUndo: true, UndoExpiresAt: &expires, CompletedAt: now,
	})
	require.NoError(t, err)

	final, err := tracker.GetResult(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, final.Final)
	assert.Equal(t, domain.JobStatusPartiallyCompleted, final.Status)
	assert.Equal(t, []string{"a", "c", "d"}, final.SucceededIDs)
	require.Len(t, final.Errors, 1)
	assert.True(t, final.Errors[0].CanRetry)
	assert.True(t, final.CanUndo)
	assert.Equal(t, final.TotalItems, len(final.SucceededIDs)+len(final.FailedIDs))
}

func TestBuild(t *testing.T) {
	tests := []struct {
		name        string
		job         domain.Job
		wantPercent float64
		wantETA     float64
	}{
		{
			name:        "in flight",
			job:         domain.Job{Status: domain.JobStatusRunning, TotalItems: 10, ProcessedItems: 3, Metadata: domain.Metadata{ETASeconds: 7}},
			wantPercent: 30,
			wantETA:     7,
		},
		{
			name:        "terminal hides eta",
			job:         domain.Job{Status: domain.JobStatusCancelled, TotalItems: 10, ProcessedItems: 3, Metadata: domain.Metadata{ETASeconds: 7}},
			wantPercent: 30,
		},
		{
			name:        "empty terminal job",
			job:         domain.Job{Status: domain.JobStatusCompleted},
			wantPercent: 100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Build(&tt.job)
			assert.InDelta(t, tt.wantPercent, p.PercentComplete, 0.001)
			assert.InDelta(t, tt.wantETA, p.EstimatedTimeRemaining, 0.001)
		})
	}
}
