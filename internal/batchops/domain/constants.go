package domain

import "time"

// Status is the lifecycle state of a batch operation.
type Status string

// Job status constants
const (
	JobStatusPending            Status = "PENDING"
	JobStatusRunning            Status = "RUNNING"
	JobStatusPaused             Status = "PAUSED"
	JobStatusCompleted          Status = "COMPLETED"
	JobStatusPartiallyCompleted Status = "PARTIALLY_COMPLETED"
	JobStatusFailed             Status = "FAILED"
	JobStatusCancelled          Status = "CANCELLED"
)

// OperationType names the mutation applied to every item of a job.
type OperationType string

// Built-in operation types
const (
	OperationStatusUpdate   OperationType = "status-update"
	OperationDelete         OperationType = "delete"
	OperationMetadataUpdate OperationType = "metadata-update"
)

// Item outcome constants
const (
	ItemSucceeded = "SUCCEEDED"
	ItemFailed    = "FAILED"
)

// Engine defaults
const (
	DefaultBatchSize   = 50
	DefaultConcurrency = 1
	DefaultUndoWindow  = 24 * time.Hour
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusPartiallyCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// TerminalStatuses lists every status a job can end in.
func TerminalStatuses() []Status {
	return []Status{JobStatusCompleted, JobStatusPartiallyCompleted, JobStatusFailed, JobStatusCancelled}
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusPaused:
		return true
	}
	return s.IsTerminal()
}

// CanTransitionTo reports whether the state machine allows s -> next.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusRunning || next == JobStatusCancelled || next == JobStatusFailed
	case JobStatusRunning:
		return next == JobStatusPaused || next == JobStatusCancelled ||
			next == JobStatusCompleted || next == JobStatusPartiallyCompleted || next == JobStatusFailed
	case JobStatusPaused:
		return next == JobStatusRunning || next == JobStatusCancelled
	}
	return false
}
