// Package catalog is the data-asset catalog the batch engine mutates. It
// provides the item finder, state reader/writer and the built-in mutation
// handlers.
package catalog

import (
	"fmt"
	"time"

	"github.com/cuongbtq/catalog-batchops/internal/batchops/domain"
)

// Asset statuses
const (
	StatusDraft      = "draft"
	StatusActive     = "active"
	StatusDeprecated = "deprecated"
	StatusArchived   = "archived"
)

var validStatuses = map[string]bool{
	StatusDraft:      true,
	StatusActive:     true,
	StatusDeprecated: true,
	StatusArchived:   true,
}

// Asset is a catalogued data asset.
type Asset struct {
	ID        string
	Name      string
	Category  string
	Status    string
	Locked    bool
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// State returns the externally visible state of the asset.
func (a *Asset) State() domain.ItemState {
	metadata := map[string]any{}
	for k, v := range a.Metadata {
		metadata[k] = v
	}
	return domain.ItemState{
		"id":         a.ID,
		"name":       a.Name,
		"category":   a.Category,
		"status":     a.Status,
		"locked":     a.Locked,
		"metadata":   metadata,
		"created_at": a.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// AssetFromState rebuilds an asset from a captured state.
func AssetFromState(itemID string, state domain.ItemState) (*Asset, error) {
	a := &Asset{ID: itemID, Metadata: map[string]any{}}
	var ok bool
	if a.Name, ok = state["name"].(string); !ok {
		return nil, fmt.Errorf("state of %s has no name", itemID)
	}
	a.Category, _ = state["category"].(string)
	if a.Status, ok = state["status"].(string); !ok {
		return nil, fmt.Errorf("state of %s has no status", itemID)
	}
	a.Locked, _ = state["locked"].(bool)
	if md, ok := state["metadata"].(map[string]any); ok {
		for k, v := range md {
			a.Metadata[k] = v
		}
	}
	if raw, ok := state["created_at"].(string); ok {
		createdAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("state of %s has invalid created_at: %w", itemID, err)
		}
		a.CreatedAt = createdAt
	}
	return a, nil
}

func cloneAsset(a *Asset) *Asset {
	c := *a
	c.Metadata = make(map[string]any, len(a.Metadata))
	for k, v := range a.Metadata {
		c.Metadata[k] = v
	}
	return &c
}
