package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/catalog-batchops/internal/batchops/domain"
)

// Repository persists assets. Lookups of missing assets return an error
// matching domain.ErrItemNotFound.
type Repository interface {
	GetAsset(ctx context.Context, id string) (*Asset, error)
	FindAssetIDs(ctx context.Context, criteria domain.Criteria) ([]string, error)
	UpdateStatus(ctx context.Context, id, status string) error
	MergeMetadata(ctx context.Context, id string, patch map[string]any) error
	DeleteAsset(ctx context.Context, id string) error
	UpsertAsset(ctx context.Context, asset *Asset) error
}

// Catalog adapts a Repository to the batch engine collaborators.
type Catalog struct {
	repo   Repository
	logger *slog.Logger
}

// New creates a catalog
func New(repo Repository, logger *slog.Logger) *Catalog {
	return &Catalog{repo: repo, logger: logger}
}

// FindIDs resolves criteria to asset ids.
func (c *Catalog) FindIDs(ctx context.Context, criteria domain.Criteria) ([]string, error) {
	return c.repo.FindAssetIDs(ctx, criteria)
}

// ReadState returns the current state of an asset.
func (c *Catalog) ReadState(ctx context.Context, itemID string) (domain.ItemState, error) {
	asset, err := c.repo.GetAsset(ctx, itemID)
	if err != nil {
		return nil, err
	}
	return asset.State(), nil
}

// Restore writes state back. A nil state deletes the asset.
func (c *Catalog) Restore(ctx context.Context, itemID string, state domain.ItemState) error {
	if state == nil {
		err := c.repo.DeleteAsset(ctx, itemID)
		if errors.Is(err, domain.ErrItemNotFound) {
			return nil
		}
		return err
	}
	asset, err := AssetFromState(itemID, state)
	if err != nil {
		return err
	}
	return c.repo.UpsertAsset(ctx, asset)
}

// UpdateStatus handles status-update items. params: {"status": string}.
func (c *Catalog) UpdateStatus(ctx context.Context, itemID string, params map[string]any) error {
	status, _ := params["status"].(string)
	if !validStatuses[status] {
		return domain.NewValidationError(fmt.Errorf("invalid status %q", status))
	}

	asset, err := c.writable(ctx, itemID)
	if err != nil {
		return err
	}
	if asset.Status == status {
		return nil
	}
	return c.classify(c.repo.UpdateStatus(ctx, itemID, status))
}

// Delete handles delete items.
func (c *Catalog) Delete(ctx context.Context, itemID string, _ map[string]any) error {
	if _, err := c.writable(ctx, itemID); err != nil {
		return err
	}
	return c.classify(c.repo.DeleteAsset(ctx, itemID))
}

// UpdateMetadata handles metadata-update items. params: {"metadata": object}.
func (c *Catalog) UpdateMetadata(ctx context.Context, itemID string, params map[string]any) error {
	patch, ok := params["metadata"].(map[string]any)
	if !ok || len(patch) == 0 {
		return domain.NewValidationError(errors.New("metadata must be a non-empty object"))
	}

	if _, err := c.writable(ctx, itemID); err != nil {
		return err
	}
	return c.classify(c.repo.MergeMetadata(ctx, itemID, patch))
}

func (c *Catalog) writable(ctx context.Context, itemID string) (*Asset, error) {
	asset, err := c.repo.GetAsset(ctx, itemID)
	if err != nil {
		return nil, c.classify(err)
	}
	if asset.Locked {
		return nil, domain.NewPermissionError(fmt.Errorf("asset %s is locked", itemID))
	}
	return asset, nil
}

// classify maps repository errors to item failures so that storage hiccups
// stay item-scoped.
func (c *Catalog) classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := domain.ClassifyItemError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	c.logger.Warn("Catalog operation failed",
		slog.String("error", err.Error()),
	)
	return domain.NewTransientError(err)
}
