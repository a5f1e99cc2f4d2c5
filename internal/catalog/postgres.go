package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/catalog-batchops/internal/batchops/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Postgres stores assets in the catalog_assets table
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres creates a Postgres asset repository
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

type assetRow struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Category  string    `db:"category"`
	Status    string    `db:"status"`
	Locked    bool      `db:"locked"`
	Metadata  []byte    `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (p *Postgres) GetAsset(ctx context.Context, id string) (*Asset, error) {
	var row assetRow
	err := p.db.GetContext(ctx, &row, `
		SELECT id, name, category, status, locked, metadata, created_at, updated_at
		FROM catalog_assets
		WHERE id = $1
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("asset %s: %w", id, domain.ErrItemNotFound)
		}
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}

	asset := &Asset{
		ID:        row.ID,
		Name:      row.Name,
		Category:  row.Category,
		Status:    row.Status,
		Locked:    row.Locked,
		Metadata:  map[string]any{},
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &asset.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode asset metadata: %w", err)
		}
	}
	return asset, nil
}

func (p *Postgres) FindAssetIDs(ctx context.Context, criteria domain.Criteria) ([]string, error) {
	query := `SELECT id FROM catalog_assets WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if len(criteria.Statuses) > 0 {
		query += fmt.Sprintf(" AND status = ANY($%d)", argIdx)
		args = append(args, pq.Array(criteria.Statuses))
		argIdx++
	}

	if len(criteria.Categories) > 0 {
		query += fmt.Sprintf(" AND category = ANY($%d)", argIdx)
		args = append(args, pq.Array(criteria.Categories))
		argIdx++
	}

	if criteria.CreatedFrom != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *criteria.CreatedFrom)
		argIdx++
	}

	if criteria.CreatedTo != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *criteria.CreatedTo)
		argIdx++
	}

	if criteria.Search != "" {
		query += fmt.Sprintf(" AND name ILIKE $%d", argIdx)
		args = append(args, "%"+criteria.Search+"%")
	}

	query += " ORDER BY created_at ASC, id ASC"

	var ids []string
	if err := p.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("failed to find assets: %w", err)
	}
	return ids, nil
}

func (p *Postgres) UpdateStatus(ctx context.Context, id, status string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE catalog_assets
		SET status = $1, updated_at = NOW()
		WHERE id = $2
	`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update asset status: %w", err)
	}
	return requireRow(result, id)
}

func (p *Postgres) MergeMetadata(ctx context.Context, id string, patch map[string]any) error {
	encoded, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE catalog_assets
		SET metadata = metadata || $1::jsonb, updated_at = NOW()
		WHERE id = $2
	`, string(encoded), id)
	if err != nil {
		return fmt.Errorf("failed to update asset metadata: %w", err)
	}
	return requireRow(result, id)
}

func (p *Postgres) DeleteAsset(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM catalog_assets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete asset: %w", err)
	}
	return requireRow(result, id)
}

func (p *Postgres) UpsertAsset(ctx context.Context, asset *Asset) error {
	metadata, err := json.Marshal(asset.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	createdAt := asset.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO catalog_assets (id, name, category, status, locked, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    category = EXCLUDED.category,
		    status = EXCLUDED.status,
		    locked = EXCLUDED.locked,
		    metadata = EXCLUDED.metadata,
		    updated_at = NOW()
	`, asset.ID, asset.Name, asset.Category, asset.Status, asset.Locked, string(metadata), createdAt)
	if err != nil {
		return fmt.Errorf("failed to upsert asset: %w", err)
	}
	return nil
}

func requireRow(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("asset %s: %w", id, domain.ErrItemNotFound)
	}
	return nil
}
