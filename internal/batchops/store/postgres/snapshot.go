package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/catalog-batchops/internal/batchops/domain"
	"github.com/lib/pq"
)

type snapshotRow struct {
	ID        string    `db:"id"`
	JobID     string    `db:"job_id"`
	Type      string    `db:"type"`
	CreatedAt time.Time `db:"created_at"`
	ExpiresAt time.Time `db:"expires_at"`
}

type snapshotItemRow struct {
	ItemID       string `db:"item_id"`
	BeforeState  []byte `db:"before_state"`
	AfterState   []byte `db:"after_state"`
	Captured     bool   `db:"captured"`
	CaptureError string `db:"capture_error"`
	Mutated      bool   `db:"mutated"`
}

// CreateSnapshot inserts the snapshot header and every entry in one transaction
func (s *Storage) CreateSnapshot(ctx context.Context, snap *domain.Snapshot) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batch_snapshots (id, job_id, type, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, snap.ID, snap.JobID, string(snap.Type), snap.CreatedAt, snap.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}

	for i, e := range snap.Entries {
		before, err := encodeState(e.Before)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO batch_snapshot_items (snapshot_id, item_id, position, before_state, captured, capture_error)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, snap.ID, e.ItemID, i, before, e.Captured, e.CaptureError)
		if err != nil {
			return fmt.Errorf("failed to create snapshot item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}

	s.logger.Info("Snapshot created",
		slog.String("snapshot_id", snap.ID),
		slog.String("job_id", snap.JobID),
		slog.Int("entries", len(snap.Entries)),
	)
	return nil
}

// GetSnapshotByJob loads the snapshot of a job with all entries
func (s *Storage) GetSnapshotByJob(ctx context.Context, jobID string) (*domain.Snapshot, error) {
	var header snapshotRow
	err := s.db.GetContext(ctx, &header, `
		SELECT id, job_id, type, created_at, expires_at
		FROM batch_snapshots
		WHERE job_id = $1
	`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrOperationNotFound
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	var items []snapshotItemRow
	err = s.db.SelectContext(ctx, &items, `
		SELECT item_id, before_state, after_state, captured, capture_error, mutated
		FROM batch_snapshot_items
		WHERE snapshot_id = $1
		ORDER BY position ASC
	`, header.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot items: %w", err)
	}

	snap := &domain.Snapshot{
		ID:        header.ID,
		JobID:     header.JobID,
		Type:      domain.OperationType(header.Type),
		CreatedAt: header.CreatedAt,
		ExpiresAt: header.ExpiresAt,
		Entries:   make([]domain.SnapshotEntry, len(items)),
	}
	for i, item := range items {
		before, err := decodeState(item.BeforeState)
		if err != nil {
			return nil, err
		}
		after, err := decodeState(item.AfterState)
		if err != nil {
			return nil, err
		}
		snap.Entries[i] = domain.SnapshotEntry{
			ItemID:       item.ItemID,
			Before:       before,
			After:        after,
			Captured:     item.Captured,
			CaptureError: item.CaptureError,
			Mutated:      item.Mutated,
		}
	}
	return snap, nil
}

// RecordAfterStates fills the after half of snapshot entries
func (s *Storage) RecordAfterStates(ctx context.Context, snapshotID string, after map[string]domain.ItemState) error {
	if len(after) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for itemID, state := range after {
		encoded, err := encodeState(state)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE batch_snapshot_items
			SET after_state = $1, mutated = TRUE
			WHERE snapshot_id = $2 AND item_id = $3
		`, encoded, snapshotID, itemID)
		if err != nil {
			return fmt.Errorf("failed to record after state: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit after states: %w", err)
	}
	return nil
}

// DeleteExpiredSnapshots removes snapshots of finished jobs past their
// expiry; items cascade
func (s *Storage) DeleteExpiredSnapshots(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM batch_snapshots snap
		USING batch_operations job
		WHERE snap.job_id = job.id
		  AND snap.expires_at < $1
		  AND job.status = ANY($2)
	`, now, pq.Array(statusStrings(domain.TerminalStatuses())))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired snapshots: %w", err)
	}
	return result.RowsAffected()
}

func encodeState(state domain.ItemState) (sql.NullString, error) {
	if state == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(state)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal item state: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeState(raw []byte) (domain.ItemState, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var state domain.ItemState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("failed to decode item state: %w", err)
	}
	return state, nil
}
