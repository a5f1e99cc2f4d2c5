package domain

import "time"

// Selection describes which items a job targets.
type Selection struct {
	ItemIDs           []string  `json:"item_ids" validate:"omitempty,max=100000,dive,max=128"`
	Criteria          *Criteria `json:"criteria,omitempty"`
	Exclude           []string  `json:"exclude,omitempty" validate:"omitempty,dive,max=128"`
	SelectAllMatching bool      `json:"select_all_matching"`
	RequireNonEmpty   bool      `json:"require_non_empty"`
}

// Criteria is a filter expression resolved to a concrete item-id set.
type Criteria struct {
	Statuses    []string   `json:"statuses,omitempty" validate:"omitempty,dive,required,max=64"`
	Categories  []string   `json:"categories,omitempty" validate:"omitempty,dive,required,max=64"`
	CreatedFrom *time.Time `json:"created_from,omitempty"`
	CreatedTo   *time.Time `json:"created_to,omitempty"`
	Search      string     `json:"search,omitempty" validate:"max=256"`
}

// Resolved is the materialized, ordered, deduplicated selection.
type Resolved struct {
	IDs   []string
	Count int
}
