package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrOperationNotFound is returned when an undo targets a job without a snapshot
	ErrOperationNotFound = errors.New("operation not found")

	// ErrUndoExpired is returned when the undo window has passed or was already consumed
	ErrUndoExpired = errors.New("undo window expired")

	// ErrInvalidStateTransition is returned by lifecycle calls on a job in an incompatible state
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrJobAlreadyClaimed is returned when another executor already owns the job
	ErrJobAlreadyClaimed = errors.New("job already claimed by another executor")

	// ErrUnknownOperation is returned when no handler is registered for an operation type
	ErrUnknownOperation = errors.New("unknown operation type")

	// ErrInvalidPayload is returned when a queue message or job parameters are malformed
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrInvalidSelection matches every SelectionError
	ErrInvalidSelection = errors.New("invalid selection")

	// ErrItemNotFound is returned by collaborators when an item no longer exists
	ErrItemNotFound = errors.New("item not found")
)

// SelectionError reports a selection request that cannot be resolved.
type SelectionError struct {
	Reason string
	Err    error
}

func (e *SelectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("selection error: %s: %v", e.Reason, e.Err)
	}
	return "selection error: " + e.Reason
}

func (e *SelectionError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrInvalidSelection) hold for every SelectionError.
func (e *SelectionError) Is(target error) bool {
	return target == ErrInvalidSelection
}

// NewSelectionError creates a new selection error
func NewSelectionError(reason string, err error) error {
	return &SelectionError{Reason: reason, Err: err}
}

// InvalidTransitionError carries the states involved in a rejected transition.
type InvalidTransitionError struct {
	JobID  string
	From   Status
	Action string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s job %s in status %s", e.Action, e.JobID, e.From)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidStateTransition
}

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// ItemErrorKind classifies a per-item failure returned by a mutation handler.
type ItemErrorKind string

// Item error kinds
const (
	KindValidation ItemErrorKind = "validation"
	KindPermission ItemErrorKind = "permission"
	KindConflict   ItemErrorKind = "conflict"
	KindTransient  ItemErrorKind = "transient"
	KindNotFound   ItemErrorKind = "not_found"
)

// Retryable reports whether failures of this kind are eligible for retryFailedItems.
func (k ItemErrorKind) Retryable() bool {
	return k == KindConflict || k == KindTransient
}

// ItemFailure is a business error for a single item. It never aborts a batch.
type ItemFailure struct {
	Kind ItemErrorKind
	Err  error
}

func (e *ItemFailure) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *ItemFailure) Unwrap() error {
	return e.Err
}

// NewValidationError marks err as a non-retryable validation failure
func NewValidationError(err error) error {
	return &ItemFailure{Kind: KindValidation, Err: err}
}

// NewPermissionError marks err as a non-retryable permission failure
func NewPermissionError(err error) error {
	return &ItemFailure{Kind: KindPermission, Err: err}
}

// NewConflictError marks err as a retryable conflict
func NewConflictError(err error) error {
	return &ItemFailure{Kind: KindConflict, Err: err}
}

// NewTransientError marks err as a retryable transient failure
func NewTransientError(err error) error {
	return &ItemFailure{Kind: KindTransient, Err: err}
}

// NewNotFoundError marks err as a non-retryable missing-item failure
func NewNotFoundError(err error) error {
	return &ItemFailure{Kind: KindNotFound, Err: err}
}

// ClassifyItemError returns the failure kind of err. ok is false for
// unclassified errors, which the executor treats as bugs.
func ClassifyItemError(err error) (kind ItemErrorKind, ok bool) {
	var failure *ItemFailure
	if errors.As(err, &failure) {
		return failure.Kind, true
	}
	if errors.Is(err, ErrItemNotFound) {
		return KindNotFound, true
	}
	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return KindTransient, true
	}
	return "", false
}
