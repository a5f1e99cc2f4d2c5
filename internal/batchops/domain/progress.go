package domain

import "time"

// Progress is a point-in-time view of a job, safe to poll.
type Progress struct {
	JobID                  string    `json:"job_id"`
	Status                 Status    `json:"status"`
	TotalItems             int       `json:"total_items"`
	ProcessedItems         int       `json:"processed_items"`
	SuccessItems           int       `json:"success_items"`
	FailedItems            int       `json:"failed_items"`
	CurrentBatch           int       `json:"current_batch"`
	TotalBatches           int       `json:"total_batches"`
	PercentComplete        float64   `json:"percent_complete"`
	ThroughputPerSecond    float64   `json:"throughput_per_second"`
	EstimatedTimeRemaining float64   `json:"estimated_time_remaining_seconds"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// Result is the outcome of a job. Final is false while the job is still active.
type Result struct {
	JobID          string        `json:"job_id"`
	Type           OperationType `json:"type"`
	Status         Status        `json:"status"`
	Final          bool          `json:"final"`
	TotalItems     int           `json:"total_items"`
	ProcessedItems int           `json:"processed_items"`
	SuccessItems   int           `json:"success_items"`
	FailedItems    int           `json:"failed_items"`
	SucceededIDs   []string      `json:"succeeded_ids"`
	FailedIDs      []string      `json:"failed_ids"`
	Errors         []ItemError   `json:"errors"`
	CanUndo        bool          `json:"can_undo"`
	UndoExpiresAt  *time.Time    `json:"undo_expires_at,omitempty"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	Summary        string        `json:"summary"`
}

// ActionResult is returned by pause, resume and cancel.
type ActionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
