package domain

import (
	"encoding/json"
	"time"
)

// Job is one batch operation instance.
type Job struct {
	ID              string        `json:"id"`
	Type            OperationType `json:"type"`
	Status          Status        `json:"status"`
	TotalItems      int           `json:"total_items"`
	ProcessedItems  int           `json:"processed_items"`
	SuccessItems    int           `json:"success_items"`
	FailedItems     int           `json:"failed_items"`
	CreatedBy       string        `json:"created_by"`
	ParentJobID     string        `json:"parent_job_id,omitempty"`
	WorkerID        string        `json:"worker_id,omitempty"`
	Message         string        `json:"message,omitempty"`
	CanUndo         bool          `json:"can_undo"`
	UndoExpiresAt   *time.Time    `json:"undo_expires_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	LastHeartbeatAt *time.Time    `json:"last_heartbeat_at,omitempty"`
	UpdatedAt       time.Time     `json:"updated_at"`
	Metadata        Metadata      `json:"metadata"`
}

// Metadata holds the resolved selection and execution bookkeeping of a job.
type Metadata struct {
	ItemIDs      []string       `json:"item_ids"`
	Params       map[string]any `json:"params,omitempty"`
	BatchSize    int            `json:"batch_size"`
	Concurrency  int            `json:"concurrency"`
	CurrentBatch int            `json:"current_batch"`
	TotalBatches int            `json:"total_batches"`
	SnapshotID   string         `json:"snapshot_id,omitempty"`
	Throughput   float64        `json:"throughput_per_second"`
	ETASeconds   float64        `json:"eta_seconds"`
}

// Counters are the per-job item tallies persisted after every batch.
type Counters struct {
	Processed int
	Success   int
	Failed    int
}

// Add folds another tally into c.
func (c *Counters) Add(o Counters) {
	c.Processed += o.Processed
	c.Success += o.Success
	c.Failed += o.Failed
}

// Counters returns the current tallies of the job.
func (j *Job) Counters() Counters {
	return Counters{Processed: j.ProcessedItems, Success: j.SuccessItems, Failed: j.FailedItems}
}

// UndoAvailable reports whether an undo may still be issued at now.
func (j *Job) UndoAvailable(now time.Time) bool {
	if !j.CanUndo || j.UndoExpiresAt == nil {
		return false
	}
	return !now.After(*j.UndoExpiresAt)
}

// Batch returns the item ids of the zero-based batch index.
func (j *Job) Batch(index int) []string {
	size := j.Metadata.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	start := index * size
	if start >= len(j.Metadata.ItemIDs) || index < 0 {
		return nil
	}
	end := start + size
	if end > len(j.Metadata.ItemIDs) {
		end = len(j.Metadata.ItemIDs)
	}
	return j.Metadata.ItemIDs[start:end]
}

// BatchCount returns the number of batches needed for total items.
func BatchCount(total, batchSize int) int {
	if total <= 0 {
		return 0
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return (total + batchSize - 1) / batchSize
}

// JobFilter narrows job listings.
type JobFilter struct {
	CreatedBy string
	Type      string
	Status    string
	PageSize  int
	Cursor    *JobCursor
}

// JobCursor is the keyset position for job listings.
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// JobMessage represents a job message from the work queue
type JobMessage struct {
	JobID string `json:"job_id"`
}

// Encode returns the wire form of the message.
func (m JobMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// NewJob builds a PENDING job over the resolved item ids.
func NewJob(id string, opType OperationType, itemIDs []string, params map[string]any, batchSize, concurrency int, createdBy string, now time.Time) *Job {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Job{
		ID:         id,
		Type:       opType,
		Status:     JobStatusPending,
		TotalItems: len(itemIDs),
		CreatedBy:  createdBy,
		CreatedAt:  now,
		UpdatedAt:  now,
		Metadata: Metadata{
			ItemIDs:      itemIDs,
			Params:       params,
			BatchSize:    batchSize,
			Concurrency:  concurrency,
			TotalBatches: BatchCount(len(itemIDs), batchSize),
		},
	}
}
