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
	"github.com/cuongbtq/catalog-batchops/internal/batchops/store"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const jobColumns = `
	id, type, status, total_items, processed_items, success_items, failed_items,
	created_by, parent_job_id, worker_id, message, can_undo, undo_expires_at, metadata,
	created_at, started_at, completed_at, last_heartbeat_at, updated_at`

// Storage handles all database operations for batch operations
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

var _ store.Store = (*Storage)(nil)

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

type jobRow struct {
	ID              string         `db:"id"`
	Type            string         `db:"type"`
	Status          string         `db:"status"`
	TotalItems      int            `db:"total_items"`
	ProcessedItems  int            `db:"processed_items"`
	SuccessItems    int            `db:"success_items"`
	FailedItems     int            `db:"failed_items"`
	CreatedBy       string         `db:"created_by"`
	ParentJobID     sql.NullString `db:"parent_job_id"`
	WorkerID        sql.NullString `db:"worker_id"`
	Message         string         `db:"message"`
	CanUndo         bool           `db:"can_undo"`
	UndoExpiresAt   sql.NullTime   `db:"undo_expires_at"`
	Metadata        []byte         `db:"metadata"`
	CreatedAt       time.Time      `db:"created_at"`
	StartedAt       sql.NullTime   `db:"started_at"`
	CompletedAt     sql.NullTime   `db:"completed_at"`
	LastHeartbeatAt sql.NullTime   `db:"last_heartbeat_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r *jobRow) toDomain() (*domain.Job, error) {
	job := &domain.Job{
		ID:              r.ID,
		Type:            domain.OperationType(r.Type),
		Status:          domain.Status(r.Status),
		TotalItems:      r.TotalItems,
		ProcessedItems:  r.ProcessedItems,
		SuccessItems:    r.SuccessItems,
		FailedItems:     r.FailedItems,
		CreatedBy:       r.CreatedBy,
		ParentJobID:     r.ParentJobID.String,
		WorkerID:        r.WorkerID.String,
		Message:         r.Message,
		CanUndo:         r.CanUndo,
		UndoExpiresAt:   nullTime(r.UndoExpiresAt),
		CreatedAt:       r.CreatedAt,
		StartedAt:       nullTime(r.StartedAt),
		CompletedAt:     nullTime(r.CompletedAt),
		LastHeartbeatAt: nullTime(r.LastHeartbeatAt),
		UpdatedAt:       r.UpdatedAt,
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &job.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode job metadata: %w", err)
		}
	}
	return job, nil
}

// CreateJob inserts a new batch operation row
func (s *Storage) CreateJob(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO batch_operations (
			id, type, status, total_items, processed_items, success_items, failed_items,
			created_by, parent_job_id, message, can_undo, metadata, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13, $14
		)
	`

	metadata, err := json.Marshal(job.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal job metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query,
		job.ID,
		string(job.Type),
		string(job.Status),
		job.TotalItems,
		job.ProcessedItems,
		job.SuccessItems,
		job.FailedItems,
		job.CreatedBy,
		nullString(job.ParentJobID),
		job.Message,
		job.CanUndo,
		string(metadata),
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJob retrieves a batch operation by its ID
func (s *Storage) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM batch_operations WHERE id = $1`

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return row.toDomain()
}

// ListJobs returns jobs ordered newest first, fetching one extra row past PageSize
func (s *Storage) ListJobs(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM batch_operations WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.CreatedBy != "" {
		query += fmt.Sprintf(" AND created_by = $%d", argIdx)
		args = append(args, filter.CreatedBy)
		argIdx++
	}

	if filter.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, filter.Type)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"

	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, pageSize+1)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*domain.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ClaimJob attempts to claim a job using optimistic locking
func (s *Storage) ClaimJob(ctx context.Context, jobID, workerID string) (*domain.Job, error) {
	query := `
		UPDATE batch_operations
		SET status = $1,
		    worker_id = $2,
		    started_at = COALESCE(started_at, NOW()),
		    last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE id = $3
		  AND status IN ($4, $5)
		RETURNING ` + jobColumns

	var row jobRow
	err := s.db.GetContext(ctx, &row, query,
		string(domain.JobStatusRunning), workerID, jobID,
		string(domain.JobStatusPending), string(domain.JobStatusRunning),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			current, getErr := s.GetJob(ctx, jobID)
			if getErr != nil {
				return nil, getErr
			}
			s.logger.Warn("Failed to claim job - not claimable",
				slog.String("job_id", jobID),
				slog.String("worker_id", workerID),
				slog.String("status", string(current.Status)),
			)
			return current, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Info("Job claimed successfully",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
		slog.String("job_type", row.Type),
	)

	return row.toDomain()
}

// TransitionStatus moves a job between statuses with a conditional update
func (s *Storage) TransitionStatus(ctx context.Context, jobID string, from []domain.Status, to domain.Status) (*domain.Job, error) {
	query := `
		UPDATE batch_operations
		SET status = $1::text,
		    completed_at = CASE WHEN $2::boolean THEN NOW() ELSE completed_at END,
		    updated_at = NOW()
		WHERE id = $3
		  AND status = ANY($4)
		RETURNING ` + jobColumns

	var row jobRow
	err := s.db.GetContext(ctx, &row, query, string(to), to.IsTerminal(), jobID, pq.Array(statusStrings(from)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			current, getErr := s.GetJob(ctx, jobID)
			if getErr != nil {
				return nil, getErr
			}
			return current, fmt.Errorf("%w: job %s is %s", domain.ErrInvalidStateTransition, jobID, current.Status)
		}
		return nil, fmt.Errorf("failed to update job status: %w", err)
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", jobID),
		slog.String("status", string(to)),
	)

	return row.toDomain()
}

// SaveBatch persists counters, progress metadata and item outcomes in one transaction
func (s *Storage) SaveBatch(ctx context.Context, jobID string, update store.BatchUpdate) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	patch, err := json.Marshal(map[string]any{
		"current_batch":         update.CurrentBatch,
		"throughput_per_second": update.Throughput,
		"eta_seconds":           update.ETASeconds,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE batch_operations
		SET processed_items = processed_items + $1,
		    success_items = success_items + $2,
		    failed_items = failed_items + $3,
		    metadata = metadata || $4::jsonb,
		    updated_at = NOW()
		WHERE id = $5
	`, update.Delta.Processed, update.Delta.Success, update.Delta.Failed, string(patch), jobID)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return domain.ErrJobNotFound
	}

	for _, o := range update.Outcomes {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO batch_operation_items (job_id, item_id, position, status, error, can_retry, processed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (job_id, item_id) DO UPDATE
			SET status = EXCLUDED.status,
			    error = EXCLUDED.error,
			    can_retry = EXCLUDED.can_retry,
			    processed_at = EXCLUDED.processed_at
		`, jobID, o.ItemID, o.Position, o.Status, o.Error, o.CanRetry, o.ProcessedAt)
		if err != nil {
			return fmt.Errorf("failed to record item outcome: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// AttachSnapshot stores the snapshot reference in the job metadata
func (s *Storage) AttachSnapshot(ctx context.Context, jobID, snapshotID string) error {
	query := `
		UPDATE batch_operations
		SET metadata = jsonb_set(metadata, '{snapshot_id}', to_jsonb($1::text)),
		    updated_at = NOW()
		WHERE id = $2
	`
	if _, err := s.db.ExecContext(ctx, query, snapshotID, jobID); err != nil {
		return fmt.Errorf("failed to attach snapshot: %w", err)
	}
	return nil
}

// FinishJob moves a job to a terminal status if it is still in one of from
// and moves its snapshot expiry to the end of the undo window
func (s *Storage) FinishJob(ctx context.Context, jobID string, from []domain.Status, fin store.Finish) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		UPDATE batch_operations
		SET status = $1,
		    message = $2,
		    can_undo = $3,
		    undo_expires_at = $4,
		    completed_at = $5,
		    updated_at = NOW()
		WHERE id = $6
		  AND status = ANY($7)
	`

	var undoExpiresAt sql.NullTime
	if fin.UndoExpiresAt != nil {
		undoExpiresAt = sql.NullTime{Time: *fin.UndoExpiresAt, Valid: true}
	}

	result, err := tx.ExecContext(ctx, query,
		string(fin.Status), fin.Message, fin.CanUndo, undoExpiresAt, fin.CompletedAt,
		jobID, pq.Array(statusStrings(from)),
	)
	if err != nil {
		return false, fmt.Errorf("failed to finish job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		s.logger.Info("Job not finished, status changed",
			slog.String("job_id", jobID),
			slog.String("status", string(fin.Status)),
		)
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE batch_snapshots
		SET expires_at = $1
		WHERE job_id = $2
	`, fin.SnapshotExpiry(), jobID)
	if err != nil {
		return false, fmt.Errorf("failed to update snapshot expiry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit finish: %w", err)
	}

	s.logger.Info("Job finished",
		slog.String("job_id", jobID),
		slog.String("status", string(fin.Status)),
	)
	return true, nil
}

type outcomeRow struct {
	ItemID      string    `db:"item_id"`
	Position    int       `db:"position"`
	Status      string    `db:"status"`
	Error       string    `db:"error"`
	CanRetry    bool      `db:"can_retry"`
	ProcessedAt time.Time `db:"processed_at"`
}

// ListOutcomes returns every recorded item outcome of a job in selection order
func (s *Storage) ListOutcomes(ctx context.Context, jobID string) ([]domain.ItemOutcome, error) {
	query := `
		SELECT item_id, position, status, error, can_retry, processed_at
		FROM batch_operation_items
		WHERE job_id = $1
		ORDER BY position ASC
	`

	var rows []outcomeRow
	if err := s.db.SelectContext(ctx, &rows, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to list item outcomes: %w", err)
	}

	outcomes := make([]domain.ItemOutcome, len(rows))
	for i, r := range rows {
		outcomes[i] = domain.ItemOutcome{
			ItemID:      r.ItemID,
			Position:    r.Position,
			Status:      r.Status,
			Error:       r.Error,
			CanRetry:    r.CanRetry,
			ProcessedAt: r.ProcessedAt,
		}
	}
	return outcomes, nil
}

// Heartbeat updates the last_heartbeat_at timestamp for a running job
func (s *Storage) Heartbeat(ctx context.Context, jobID string) error {
	query := `
		UPDATE batch_operations
		SET last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = $2
	`

	result, err := s.db.ExecContext(ctx, query, jobID, string(domain.JobStatusRunning))
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Job heartbeat update - no rows affected (job may not be running)",
			slog.String("job_id", jobID),
		)
	}

	return nil
}

// ListStaleJobs returns RUNNING jobs whose heartbeat is older than heartbeatBefore
func (s *Storage) ListStaleJobs(ctx context.Context, heartbeatBefore time.Time) ([]string, error) {
	query := `
		SELECT id FROM batch_operations
		WHERE status = $1
		  AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $2)
		ORDER BY id
	`

	var ids []string
	if err := s.db.SelectContext(ctx, &ids, query, string(domain.JobStatusRunning), heartbeatBefore); err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}
	return ids, nil
}

// ConsumeUndo atomically disables undo if it is still available
func (s *Storage) ConsumeUndo(ctx context.Context, jobID string, now time.Time) (bool, error) {
	query := `
		UPDATE batch_operations
		SET can_undo = FALSE,
		    updated_at = NOW()
		WHERE id = $1
		  AND can_undo = TRUE
		  AND undo_expires_at >= $2
	`

	result, err := s.db.ExecContext(ctx, query, jobID, now)
	if err != nil {
		return false, fmt.Errorf("failed to consume undo: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// DisableExpiredUndo clears can_undo on jobs whose window has passed
func (s *Storage) DisableExpiredUndo(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE batch_operations
		SET can_undo = FALSE,
		    updated_at = NOW()
		WHERE can_undo = TRUE
		  AND undo_expires_at < $1
	`

	result, err := s.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to disable expired undo: %w", err)
	}
	return result.RowsAffected()
}

func statusStrings(statuses []domain.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
