package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/catalog-batchops/internal/batchops/domain"
)

// Memory is an in-process asset repository.
type Memory struct {
	mu     sync.RWMutex
	assets map[string]*Asset
}

// NewMemory creates a repository seeded with assets
func NewMemory(assets ...*Asset) *Memory {
	m := &Memory{assets: make(map[string]*Asset, len(assets))}
	for _, a := range assets {
		m.assets[a.ID] = cloneAsset(a)
	}
	return m
}

func (m *Memory) GetAsset(_ context.Context, id string) (*Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.assets[id]
	if !ok {
		return nil, fmt.Errorf("asset %s: %w", id, domain.ErrItemNotFound)
	}
	return cloneAsset(a), nil
}

func (m *Memory) FindAssetIDs(_ context.Context, criteria domain.Criteria) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*Asset, 0, len(m.assets))
	for _, a := range m.assets {
		if matches(a, criteria) {
			matched = append(matched, a)
		}
	}
	sort.Slice(matched, func(i, k int) bool {
		if !matched[i].CreatedAt.Equal(matched[k].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[k].CreatedAt)
		}
		return matched[i].ID < matched[k].ID
	})

	ids := make([]string, len(matched))
	for i, a := range matched {
		ids[i] = a.ID
	}
	return ids, nil
}

func (m *Memory) UpdateStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assets[id]
	if !ok {
		return fmt.Errorf("asset %s: %w", id, domain.ErrItemNotFound)
	}
	a.Status = status
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) MergeMetadata(_ context.Context, id string, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assets[id]
	if !ok {
		return fmt.Errorf("asset %s: %w", id, domain.ErrItemNotFound)
	}
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	for k, v := range patch {
		a.Metadata[k] = v
	}
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) DeleteAsset(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.assets[id]; !ok {
		return fmt.Errorf("asset %s: %w", id, domain.ErrItemNotFound)
	}
	delete(m.assets, id)
	return nil
}

func (m *Memory) UpsertAsset(_ context.Context, asset *Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := cloneAsset(asset)
	c.UpdatedAt = time.Now().UTC()
	m.assets[asset.ID] = c
	return nil
}

func matches(a *Asset, c domain.Criteria) bool {
	if len(c.Statuses) > 0 && !contains(c.Statuses, a.Status) {
		return false
	}
	if len(c.Categories) > 0 && !contains(c.Categories, a.Category) {
		return false
	}
	if c.CreatedFrom != nil && a.CreatedAt.Before(*c.CreatedFrom) {
		return false
	}
	if c.CreatedTo != nil && a.CreatedAt.After(*c.CreatedTo) {
		return false
	}
	if c.Search != "" && !strings.Contains(strings.ToLower(a.Name), strings.ToLower(c.Search)) {
		return false
	}
	return true
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
