// Package snapshot captures item state before a batch operation mutates
// anything and replays it to reverse the operation.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/catalog-batchops/internal/batchops/domain"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/store"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const defaultReadConcurrency = 8

// ItemStateReader reads the current state of an item. It returns an error
// matching domain.ErrItemNotFound when the item does not exist.
type ItemStateReader interface {
	ReadState(ctx context.Context, itemID string) (domain.ItemState, error)
}

// ItemStateWriter puts an item back into a previously captured state. A nil
// state means the item must not exist.
type ItemStateWriter interface {
	Restore(ctx context.Context, itemID string, state domain.ItemState) error
}

// Config holds snapshot manager settings
type Config struct {
	UndoWindow      time.Duration
	ReadConcurrency int
}

// Manager creates, completes and replays snapshots.
type Manager struct {
	store       store.Store
	reader      ItemStateReader
	writer      ItemStateWriter
	undoWindow  time.Duration
	concurrency int
	now         func() time.Time
	logger      *slog.Logger
}

// NewManager creates a snapshot manager
func NewManager(st store.Store, reader ItemStateReader, writer ItemStateWriter, cfg Config, logger *slog.Logger) *Manager {
	if cfg.UndoWindow <= 0 {
		cfg.UndoWindow = domain.DefaultUndoWindow
	}
	if cfg.ReadConcurrency <= 0 {
		cfg.ReadConcurrency = defaultReadConcurrency
	}
	return &Manager{
		store:       st,
		reader:      reader,
		writer:      writer,
		undoWindow:  cfg.UndoWindow,
		concurrency: cfg.ReadConcurrency,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger,
	}
}

// SetClock overrides the time source
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// UndoWindow returns the configured retention of snapshots.
func (m *Manager) UndoWindow() time.Duration {
	return m.undoWindow
}

// CreateSnapshot reads the before-state of every item of job and stores it.
// Absent items are captured with a nil state; items whose read fails are
// stored uncaptured and must not be mutated.
func (m *Manager) CreateSnapshot(ctx context.Context, job *domain.Job) (*domain.Snapshot, error) {
	ids := job.Metadata.ItemIDs
	entries := make([]domain.SnapshotEntry, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			entries[i] = m.capture(gctx, id)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to capture item states: %w", err)
	}

	now := m.now()
	snap := &domain.Snapshot{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		Type:      job.Type,
		Entries:   entries,
		CreatedAt: now,
		ExpiresAt: now.Add(m.undoWindow),
	}
	if err := m.store.CreateSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	if err := m.store.AttachSnapshot(ctx, job.ID, snap.ID); err != nil {
		return nil, err
	}
	job.Metadata.SnapshotID = snap.ID

	uncaptured := 0
	for _, e := range entries {
		if !e.Captured {
			uncaptured++
		}
	}
	m.logger.Info("Snapshot captured",
		slog.String("job_id", job.ID),
		slog.String("snapshot_id", snap.ID),
		slog.Int("items", len(entries)),
		slog.Int("uncaptured", uncaptured),
	)
	return snap, nil
}

// EnsureSnapshot returns the snapshot of job, creating it on the first run.
func (m *Manager) EnsureSnapshot(ctx context.Context, job *domain.Job) (*domain.Snapshot, error) {
	snap, err := m.store.GetSnapshotByJob(ctx, job.ID)
	if err == nil {
		if job.Metadata.SnapshotID == "" {
			if err := m.store.AttachSnapshot(ctx, job.ID, snap.ID); err != nil {
				return nil, err
			}
			job.Metadata.SnapshotID = snap.ID
		}
		return snap, nil
	}
	if !errors.Is(err, domain.ErrOperationNotFound) {
		return nil, err
	}
	return m.CreateSnapshot(ctx, job)
}

// RecordAfter stores the post-mutation state of successfully processed items.
func (m *Manager) RecordAfter(ctx context.Context, snapshotID string, states map[string]domain.ItemState) error {
	return m.store.RecordAfterStates(ctx, snapshotID, states)
}

// ReadAfter reads the current state of an item right after it was mutated.
func (m *Manager) ReadAfter(ctx context.Context, itemID string) (domain.ItemState, error) {
	state, err := m.reader.ReadState(ctx, itemID)
	if errors.Is(err, domain.ErrItemNotFound) {
		return nil, nil
	}
	return state, err
}

// RestoreFromSnapshot puts every item changed by the job back into its
// before-state. Items modified since the job ran are reported as conflicts
// and left alone unless opts.Force is set.
func (m *Manager) RestoreFromSnapshot(ctx context.Context, jobID string, opts domain.RestoreOptions) (*domain.RestoreResult, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return nil, fmt.Errorf("%w: job %s", domain.ErrOperationNotFound, jobID)
		}
		return nil, err
	}

	snap, err := m.store.GetSnapshotByJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrOperationNotFound) {
			return nil, fmt.Errorf("%w: no snapshot for job %s", domain.ErrOperationNotFound, jobID)
		}
		return nil, err
	}

	now := m.now()
	if !job.UndoAvailable(now) {
		return nil, fmt.Errorf("%w: job %s", domain.ErrUndoExpired, jobID)
	}

	consumed, err := m.store.ConsumeUndo(ctx, jobID, now)
	if err != nil {
		return nil, err
	}
	if !consumed {
		return nil, fmt.Errorf("%w: job %s was already undone", domain.ErrUndoExpired, jobID)
	}

	var changed []domain.SnapshotEntry
	for _, e := range snap.Entries {
		if e.Changed() {
			changed = append(changed, e)
		}
	}

	failures := make([]*domain.ItemError, len(changed))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, e := range changed {
		i, e := i, e
		g.Go(func() error {
			failures[i] = m.restoreEntry(gctx, e, opts)
			return nil
		})
	}
	_ = g.Wait()

	result := &domain.RestoreResult{Conflicts: make([]domain.ItemError, 0)}
	for _, f := range failures {
		if f != nil {
			result.Conflicts = append(result.Conflicts, *f)
			continue
		}
		result.Restored++
	}
	result.Success = len(result.Conflicts) == 0
	if result.Success {
		result.Message = fmt.Sprintf("Restored %d items", result.Restored)
	} else {
		result.Message = fmt.Sprintf("Restored %d items, %d conflicts", result.Restored, len(result.Conflicts))
	}

	m.logger.Info("Snapshot restored",
		slog.String("job_id", jobID),
		slog.String("snapshot_id", snap.ID),
		slog.Int("restored", result.Restored),
		slog.Int("conflicts", len(result.Conflicts)),
		slog.Bool("force", opts.Force),
	)
	return result, nil
}

// PurgeExpired deletes expired snapshots of finished jobs and disables undo
// on jobs whose window has passed.
func (m *Manager) PurgeExpired(ctx context.Context) (snapshots, undos int64, err error) {
	now := m.now()
	undos, err = m.store.DisableExpiredUndo(ctx, now)
	if err != nil {
		return 0, 0, err
	}
	snapshots, err = m.store.DeleteExpiredSnapshots(ctx, now)
	if err != nil {
		return 0, undos, err
	}
	return snapshots, undos, nil
}

func (m *Manager) capture(ctx context.Context, itemID string) domain.SnapshotEntry {
	entry := domain.SnapshotEntry{ItemID: itemID}
	state, err := m.reader.ReadState(ctx, itemID)
	switch {
	case err == nil:
		entry.Before = state
		entry.Captured = true
	case errors.Is(err, domain.ErrItemNotFound):
		entry.Captured = true
	default:
		entry.CaptureError = err.Error()
		m.logger.Warn("Failed to capture item state",
			slog.String("item_id", itemID),
			slog.String("error", err.Error()),
		)
	}
	return entry
}

func (m *Manager) restoreEntry(ctx context.Context, e domain.SnapshotEntry, opts domain.RestoreOptions) *domain.ItemError {
	fail := func(err error, canRetry bool) *domain.ItemError {
		return &domain.ItemError{ItemID: e.ItemID, Error: err.Error(), Timestamp: m.now(), CanRetry: canRetry}
	}

	current, err := m.ReadAfter(ctx, e.ItemID)
	if err != nil {
		return fail(domain.NewTransientError(err), true)
	}
	if !current.Equal(e.After) && !opts.Force {
		return fail(domain.NewConflictError(errors.New("item modified after the operation")), false)
	}

	if err := m.writer.Restore(ctx, e.ItemID, e.Before); err != nil {
		m.logger.Error("Failed to restore item",
			slog.String("item_id", e.ItemID),
			slog.String("error", err.Error()),
		)
		return fail(err, true)
	}
	return nil
}
