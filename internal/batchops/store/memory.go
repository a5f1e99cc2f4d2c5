package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/catalog-batchops/internal/batchops/domain"
)

// Memory is a process-local Store used by tests and single-process runs.
type Memory struct {
	mu        sync.RWMutex
	jobs      map[string]*domain.Job
	outcomes  map[string]map[string]domain.ItemOutcome
	snapshots map[string]*domain.Snapshot
	byJob     map[string]string
	now       func() time.Time
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		jobs:      make(map[string]*domain.Job),
		outcomes:  make(map[string]map[string]domain.ItemOutcome),
		snapshots: make(map[string]*domain.Snapshot),
		byJob:     make(map[string]string),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) CreateJob(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	m.jobs[job.ID] = cloneJob(job)
	m.outcomes[job.ID] = make(map[string]domain.ItemOutcome)
	return nil
}

func (m *Memory) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (m *Memory) ListJobs(_ context.Context, filter domain.JobFilter) ([]*domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*domain.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if filter.CreatedBy != "" && job.CreatedBy != filter.CreatedBy {
			continue
		}
		if filter.Type != "" && string(job.Type) != filter.Type {
			continue
		}
		if filter.Status != "" && string(job.Status) != filter.Status {
			continue
		}
		if c := filter.Cursor; c != nil {
			if job.CreatedAt.After(c.CreatedAt) || (job.CreatedAt.Equal(c.CreatedAt) && job.ID >= c.JobID) {
				continue
			}
		}
		jobs = append(jobs, cloneJob(job))
	}

	// Order by created_at DESC, id DESC for consistent pagination
	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
		}
		return jobs[i].ID > jobs[k].ID
	})

	// Fetch one extra to determine if there are more results
	if filter.PageSize > 0 && len(jobs) > filter.PageSize+1 {
		jobs = jobs[:filter.PageSize+1]
	}
	return jobs, nil
}

func (m *Memory) ClaimJob(_ context.Context, jobID, workerID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if job.Status != domain.JobStatusPending && job.Status != domain.JobStatusRunning {
		return cloneJob(job), domain.ErrJobAlreadyClaimed
	}

	now := m.now()
	job.Status = domain.JobStatusRunning
	job.WorkerID = workerID
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.LastHeartbeatAt = &now
	job.UpdatedAt = now
	return cloneJob(job), nil
}

func (m *Memory) TransitionStatus(_ context.Context, jobID string, from []domain.Status, to domain.Status) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if !ContainsStatus(from, job.Status) {
		return cloneJob(job), fmt.Errorf("%w: job %s is %s", domain.ErrInvalidStateTransition, jobID, job.Status)
	}

	now := m.now()
	job.Status = to
	job.UpdatedAt = now
	if to.IsTerminal() {
		job.CompletedAt = &now
	}
	return cloneJob(job), nil
}

func (m *Memory) SaveBatch(_ context.Context, jobID string, update BatchUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}

	job.ProcessedItems += update.Delta.Processed
	job.SuccessItems += update.Delta.Success
	job.FailedItems += update.Delta.Failed
	job.Metadata.CurrentBatch = update.CurrentBatch
	job.Metadata.Throughput = update.Throughput
	job.Metadata.ETASeconds = update.ETASeconds
	job.UpdatedAt = m.now()

	for _, o := range update.Outcomes {
		m.outcomes[jobID][o.ItemID] = o
	}
	return nil
}

func (m *Memory) AttachSnapshot(_ context.Context, jobID, snapshotID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.Metadata.SnapshotID = snapshotID
	return nil
}

func (m *Memory) FinishJob(_ context.Context, jobID string, from []domain.Status, fin Finish) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return false, domain.ErrJobNotFound
	}
	if !ContainsStatus(from, job.Status) {
		return false, nil
	}

	completedAt := fin.CompletedAt
	job.Status = fin.Status
	job.Message = fin.Message
	job.CanUndo = fin.CanUndo
	job.UndoExpiresAt = copyTime(fin.UndoExpiresAt)
	job.CompletedAt = &completedAt
	job.UpdatedAt = m.now()
	if id, ok := m.byJob[jobID]; ok {
		m.snapshots[id].ExpiresAt = fin.SnapshotExpiry()
	}
	return true, nil
}

func (m *Memory) ListOutcomes(_ context.Context, jobID string) ([]domain.ItemOutcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byItem, ok := m.outcomes[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	outcomes := make([]domain.ItemOutcome, 0, len(byItem))
	for _, o := range byItem {
		outcomes = append(outcomes, o)
	}
	sort.Slice(outcomes, func(i, k int) bool { return outcomes[i].Position < outcomes[k].Position })
	return outcomes, nil
}

func (m *Memory) Heartbeat(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.Status == domain.JobStatusRunning {
		now := m.now()
		job.LastHeartbeatAt = &now
	}
	return nil
}

func (m *Memory) ListStaleJobs(_ context.Context, heartbeatBefore time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, job := range m.jobs {
		if job.Status != domain.JobStatusRunning {
			continue
		}
		if job.LastHeartbeatAt == nil || job.LastHeartbeatAt.Before(heartbeatBefore) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) ConsumeUndo(_ context.Context, jobID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return false, domain.ErrJobNotFound
	}
	if !job.UndoAvailable(now) {
		return false, nil
	}
	job.CanUndo = false
	job.UpdatedAt = m.now()
	return true, nil
}

func (m *Memory) DisableExpiredUndo(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, job := range m.jobs {
		if job.CanUndo && job.UndoExpiresAt != nil && now.After(*job.UndoExpiresAt) {
			job.CanUndo = false
			n++
		}
	}
	return n, nil
}

func (m *Memory) CreateSnapshot(_ context.Context, snap *domain.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byJob[snap.JobID]; exists {
		return fmt.Errorf("snapshot for job %s already exists", snap.JobID)
	}
	m.snapshots[snap.ID] = cloneSnapshot(snap)
	m.byJob[snap.JobID] = snap.ID
	return nil
}

func (m *Memory) GetSnapshotByJob(_ context.Context, jobID string) (*domain.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byJob[jobID]
	if !ok {
		return nil, domain.ErrOperationNotFound
	}
	return cloneSnapshot(m.snapshots[id]), nil
}

func (m *Memory) RecordAfterStates(_ context.Context, snapshotID string, after map[string]domain.ItemState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.snapshots[snapshotID]
	if !ok {
		return domain.ErrOperationNotFound
	}
	for i := range snap.Entries {
		if state, ok := after[snap.Entries[i].ItemID]; ok {
			snap.Entries[i].After = state
			snap.Entries[i].Mutated = true
		}
	}
	return nil
}

func (m *Memory) DeleteExpiredSnapshots(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, snap := range m.snapshots {
		if job, ok := m.jobs[snap.JobID]; ok && !job.Status.IsTerminal() {
			continue
		}
		if now.After(snap.ExpiresAt) {
			delete(m.snapshots, id)
			delete(m.byJob, snap.JobID)
			n++
		}
	}
	return n, nil
}

func cloneJob(job *domain.Job) *domain.Job {
	c := *job
	c.Metadata.ItemIDs = append([]string(nil), job.Metadata.ItemIDs...)
	if job.Metadata.Params != nil {
		c.Metadata.Params = make(map[string]any, len(job.Metadata.Params))
		for k, v := range job.Metadata.Params {
			c.Metadata.Params[k] = v
		}
	}
	c.UndoExpiresAt = copyTime(job.UndoExpiresAt)
	c.StartedAt = copyTime(job.StartedAt)
	c.CompletedAt = copyTime(job.CompletedAt)
	c.LastHeartbeatAt = copyTime(job.LastHeartbeatAt)
	return &c
}

func cloneSnapshot(snap *domain.Snapshot) *domain.Snapshot {
	c := *snap
	c.Entries = append([]domain.SnapshotEntry(nil), snap.Entries...)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
