package domain

import "time"

// Snapshot records pre-mutation state for every item of a job.
type Snapshot struct {
	ID        string          `json:"id"`
	JobID     string          `json:"job_id"`
	Type      OperationType   `json:"type"`
	Entries   []SnapshotEntry `json:"entries"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// SnapshotEntry is the (before, after) pair of one item.
type SnapshotEntry struct {
	ItemID       string    `json:"item_id"`
	Before       ItemState `json:"before"`
	After        ItemState `json:"after"`
	Captured     bool      `json:"captured"`
	CaptureError string    `json:"capture_error,omitempty"`
	Mutated      bool      `json:"mutated"`
}

// Changed reports whether the recorded after-state differs from the before-state.
func (e SnapshotEntry) Changed() bool {
	return e.Captured && e.Mutated && !e.Before.Equal(e.After)
}

// Entry returns the entry for itemID.
func (s *Snapshot) Entry(itemID string) (SnapshotEntry, bool) {
	for _, e := range s.Entries {
		if e.ItemID == itemID {
			return e, true
		}
	}
	return SnapshotEntry{}, false
}

// Index maps item ids to entries.
func (s *Snapshot) Index() map[string]SnapshotEntry {
	idx := make(map[string]SnapshotEntry, len(s.Entries))
	for _, e := range s.Entries {
		idx[e.ItemID] = e
	}
	return idx
}

// RestoreOptions tunes restoreFromSnapshot.
type RestoreOptions struct {
	// Force overwrites items whose state changed after the operation.
	Force bool
	// ActorID is recorded on the undo audit event.
	ActorID string
}

// RestoreResult is returned from restoreFromSnapshot.
type RestoreResult struct {
	Success   bool        `json:"success"`
	Restored  int         `json:"restored"`
	Conflicts []ItemError `json:"conflicts"`
	Message   string      `json:"message"`
}
