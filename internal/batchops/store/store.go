// Package store defines the repository the batch engine persists through.
// The engine never depends on a concrete storage technology.
package store

import (
	"context"
	"time"

	"github.com/cuongbtq/catalog-batchops/internal/batchops/domain"
)

// BatchUpdate is persisted after every completed batch.
type BatchUpdate struct {
	// Delta is added to the job's running tallies.
	Delta        domain.Counters
	CurrentBatch int
	Outcomes     []domain.ItemOutcome
	Throughput   float64
	ETASeconds   float64
}

// Finish moves a job to a terminal status.
type Finish struct {
	Status        domain.Status
	Message       string
	CanUndo       bool
	UndoExpiresAt *time.Time
	CompletedAt   time.Time
}

// SnapshotExpiry is when the snapshot of a finished job may be purged.
func (f Finish) SnapshotExpiry() time.Time {
	if f.CanUndo && f.UndoExpiresAt != nil {
		return *f.UndoExpiresAt
	}
	return f.CompletedAt
}

// JobStore persists jobs and their item outcomes.
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error)

	// ClaimJob moves a PENDING or RUNNING job to RUNNING owned by workerID.
	// Jobs in any other status yield domain.ErrJobAlreadyClaimed together
	// with the current job so callers can decide what to do.
	ClaimJob(ctx context.Context, jobID, workerID string) (*domain.Job, error)

	// TransitionStatus atomically moves a job whose status is one of from to
	// the target status. On mismatch it returns the current job and an error
	// wrapping domain.ErrInvalidStateTransition.
	TransitionStatus(ctx context.Context, jobID string, from []domain.Status, to domain.Status) (*domain.Job, error)

	SaveBatch(ctx context.Context, jobID string, update BatchUpdate) error
	AttachSnapshot(ctx context.Context, jobID, snapshotID string) error

	// FinishJob applies fin only when the job is still in one of from. It
	// reports whether the update happened. The job's snapshot, if any, is
	// retained until fin.SnapshotExpiry().
	FinishJob(ctx context.Context, jobID string, from []domain.Status, fin Finish) (bool, error)

	ListOutcomes(ctx context.Context, jobID string) ([]domain.ItemOutcome, error)
	Heartbeat(ctx context.Context, jobID string) error
	ListStaleJobs(ctx context.Context, heartbeatBefore time.Time) ([]string, error)

	// ConsumeUndo flips can_undo to false if the undo is still available at
	// now. It reports whether this call consumed it.
	ConsumeUndo(ctx context.Context, jobID string, now time.Time) (bool, error)
	DisableExpiredUndo(ctx context.Context, now time.Time) (int64, error)
}

// SnapshotStore persists snapshots.
type SnapshotStore interface {
	CreateSnapshot(ctx context.Context, snap *domain.Snapshot) error
	GetSnapshotByJob(ctx context.Context, jobID string) (*domain.Snapshot, error)
	RecordAfterStates(ctx context.Context, snapshotID string, after map[string]domain.ItemState) error
	// DeleteExpiredSnapshots removes snapshots past their expiry whose job
	// has reached a terminal status.
	DeleteExpiredSnapshots(ctx context.Context, now time.Time) (int64, error)
}

// Store is the full repository used by the engine.
type Store interface {
	JobStore
	SnapshotStore
}

// ContainsStatus reports whether s is in set.
func ContainsStatus(set []domain.Status, s domain.Status) bool {
	for _, candidate := range set {
		if candidate == s {
			return true
		}
	}
	return false
}
