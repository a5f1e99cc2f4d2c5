package domain

import (
	"bytes"
	"encoding/json"
	"time"
)

// ItemState is the externally visible state of a catalog item. A nil state
// means the item is absent.
type ItemState map[string]any

// Equal compares two states by their canonical JSON encoding.
func (s ItemState) Equal(other ItemState) bool {
	if s == nil || other == nil {
		return s == nil && other == nil
	}
	a, errA := json.Marshal(s)
	b, errB := json.Marshal(other)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// ItemOutcome is the recorded result of processing one item.
type ItemOutcome struct {
	ItemID      string    `json:"item_id"`
	Position    int       `json:"position"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	CanRetry    bool      `json:"can_retry"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Succeeded reports whether the item was mutated successfully.
func (o ItemOutcome) Succeeded() bool {
	return o.Status == ItemSucceeded
}

// ItemError describes a failed item.
type ItemError struct {
	ItemID    string    `json:"item_id"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
	CanRetry  bool      `json:"can_retry"`
}

// ItemErrors extracts the failed outcomes.
func ItemErrors(outcomes []ItemOutcome) []ItemError {
	errs := make([]ItemError, 0)
	for _, o := range outcomes {
		if o.Succeeded() {
			continue
		}
		errs = append(errs, ItemError{
			ItemID:    o.ItemID,
			Error:     o.Error,
			Timestamp: o.ProcessedAt,
			CanRetry:  o.CanRetry,
		})
	}
	return errs
}
