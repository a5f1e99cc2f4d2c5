// Package selection turns a selection request into the concrete, ordered
// list of item ids a job will process.
package selection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/cuongbtq/catalog-batchops/internal/batchops/domain"
	"github.com/go-playground/validator/v10"
)

// ItemFinder resolves filter criteria to item ids.
type ItemFinder interface {
	FindIDs(ctx context.Context, criteria domain.Criteria) ([]string, error)
}

// Resolver materializes selections.
type Resolver struct {
	finder   ItemFinder
	validate *validator.Validate
	logger   *slog.Logger
}

// NewResolver creates a resolver. finder may be nil when only explicit id
// lists are accepted.
func NewResolver(finder ItemFinder, logger *slog.Logger) *Resolver {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	return &Resolver{
		finder:   finder,
		validate: v,
		logger:   logger,
	}
}

// Resolve returns the deduplicated ids of sel in request (or finder) order,
// minus every excluded id.
func (r *Resolver) Resolve(ctx context.Context, sel domain.Selection) (*domain.Resolved, error) {
	if err := r.validateSelection(sel); err != nil {
		return nil, err
	}

	var candidates []string
	switch {
	case sel.SelectAllMatching:
		if r.finder == nil {
			return nil, domain.NewSelectionError("select all matching is not supported", nil)
		}
		criteria := domain.Criteria{}
		if sel.Criteria != nil {
			criteria = *sel.Criteria
		}
		ids, err := r.finder.FindIDs(ctx, criteria)
		if err != nil {
			r.logger.Error("Failed to resolve selection criteria",
				slog.String("error", err.Error()),
			)
			return nil, domain.NewSelectionError("criteria could not be resolved", err)
		}
		candidates = ids
	case len(sel.ItemIDs) > 0:
		candidates = sel.ItemIDs
	default:
		return nil, domain.NewSelectionError("no item ids given and select all matching is off", nil)
	}

	ids := Apply(candidates, sel.Exclude)
	if len(ids) == 0 && sel.RequireNonEmpty {
		return nil, domain.NewSelectionError("selection resolved to no items", nil)
	}

	r.logger.Debug("Selection resolved",
		slog.Int("candidates", len(candidates)),
		slog.Int("excluded", len(sel.Exclude)),
		slog.Int("count", len(ids)),
	)

	return &domain.Resolved{IDs: ids, Count: len(ids)}, nil
}

// Apply deduplicates candidates keeping the first occurrence, drops blank
// ids and removes every id in exclude.
func Apply(candidates, exclude []string) []string {
	excluded := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[strings.TrimSpace(id)] = struct{}{}
	}

	seen := make(map[string]struct{}, len(candidates))
	ids := make([]string, 0, len(candidates))
	for _, raw := range candidates {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if _, ok := excluded[id]; ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

func (r *Resolver) validateSelection(sel domain.Selection) error {
	if err := r.validate.Struct(sel); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			reason := fmt.Sprintf("field '%s' failed '%s' validation", fe.Namespace(), fe.Tag())
			if fe.Param() != "" {
				reason = fmt.Sprintf("field '%s' failed '%s=%s' validation", fe.Namespace(), fe.Tag(), fe.Param())
			}
			return domain.NewSelectionError(reason, nil)
		}
		return domain.NewSelectionError("malformed selection", err)
	}

	if len(sel.ItemIDs) > 0 {
		switch {
		case sel.SelectAllMatching:
			return domain.NewSelectionError("item_ids cannot be combined with select_all_matching", nil)
		case sel.Criteria != nil:
			return domain.NewSelectionError("item_ids cannot be combined with criteria", nil)
		}
	}

	if c := sel.Criteria; c != nil && c.CreatedFrom != nil && c.CreatedTo != nil && c.CreatedFrom.After(*c.CreatedTo) {
		return domain.NewSelectionError("created_from must not be after created_to", nil)
	}
	return nil
}
