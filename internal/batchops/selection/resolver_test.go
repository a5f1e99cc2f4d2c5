package selection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/cuongbtq/catalog-batchops/internal/batchops/domain"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFinder struct {
	ids      []string
	err      error
	criteria domain.Criteria
}

func (f *stubFinder) FindIDs(_ context.Context, criteria domain.Criteria) ([]string, error) {
	f.criteria = criteria
	return f.ids, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolver_Resolve(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	tests := []struct {
		name      string
		finder    *stubFinder
		selection domain.Selection
		want      []string
		wantErr   bool
	}{
		{
			name:      "explicit ids keep request order",
			selection: domain.Selection{ItemIDs: []string{"c", "a", "b"}},
			want:      []string{"c", "a", "b"},
		},
		{
			name:      "duplicates and blanks removed",
			selection: domain.Selection{ItemIDs: []string{"a", " ", "b", "a", ""}},
			want:      []string{"a", "b"},
		},
		{
			name:      "exclusion wins over explicit ids",
			selection: domain.Selection{ItemIDs: []string{"a", "b", "c"}, Exclude: []string{"b"}},
			want:      []string{"a", "c"},
		},
		{
			name:   "select all matching uses finder",
			finder: &stubFinder{ids: []string{"x", "y", "z"}},
			selection: domain.Selection{
				SelectAllMatching: true,
				Criteria:          &domain.Criteria{Statuses: []string{"draft"}},
				Exclude:           []string{"y"},
			},
			want: []string{"x", "z"},
		},
		{
			name:      "empty result allowed when not required",
			selection: domain.Selection{ItemIDs: []string{"a"}, Exclude: []string{"a"}},
			want:      []string{},
		},
		{
			name:      "empty result rejected when required",
			selection: domain.Selection{ItemIDs: []string{"a"}, Exclude: []string{"a"}, RequireNonEmpty: true},
			wantErr:   true,
		},
		{
			name:      "nothing selected",
			selection: domain.Selection{},
			wantErr:   true,
		},
		{
			name:      "select all without finder",
			selection: domain.Selection{SelectAllMatching: true},
			wantErr:   true,
		},
		{
			name:   "finder failure",
			finder: &stubFinder{err: errors.New("db down")},
			selection: domain.Selection{
				SelectAllMatching: true,
			},
			wantErr: true,
		},
		{
			name:   "inverted date range",
			finder: &stubFinder{ids: []string{"a"}},
			selection: domain.Selection{
				SelectAllMatching: true,
				Criteria:          &domain.Criteria{CreatedFrom: &to, CreatedTo: &from},
			},
			wantErr: true,
		},
		{
			name:   "search too long",
			finder: &stubFinder{ids: []string{"a"}},
			selection: domain.Selection{
				SelectAllMatching: true,
				Criteria:          &domain.Criteria{Search: strings.Repeat("s", 257)},
			},
			wantErr: true,
		},
		{
			name:   "explicit ids with select all matching",
			finder: &stubFinder{ids: []string{"x"}},
			selection: domain.Selection{
				ItemIDs:           []string{"a"},
				SelectAllMatching: true,
			},
			wantErr: true,
		},
		{
			name:   "explicit ids with criteria",
			finder: &stubFinder{ids: []string{"x"}},
			selection: domain.Selection{
				ItemIDs:  []string{"a"},
				Criteria: &domain.Criteria{Statuses: []string{"draft"}},
			},
			wantErr: true,
		},
		{
			name:      "item id too long",
			selection: domain.Selection{ItemIDs: []string{strings.Repeat("i", 129)}},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var finder ItemFinder
			if tt.finder != nil {
				finder = tt.finder
			}
			r := NewResolver(finder, discardLogger())

			got, err := r.Resolve(context.Background(), tt.selection)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, domain.ErrInvalidSelection)
				var selErr *domain.SelectionError
				assert.True(t, errors.As(err, &selErr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.IDs)
			assert.Equal(t, len(tt.want), got.Count)
		})
	}
}

func TestResolver_PassesCriteriaToFinder(t *testing.T) {
	finder := &stubFinder{ids: []string{"a"}}
	r := NewResolver(finder, discardLogger())

	_, err := r.Resolve(context.Background(), domain.Selection{
		SelectAllMatching: true,
		Criteria:          &domain.Criteria{Categories: []string{"tables"}, Search: "orders"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"tables"}, finder.criteria.Categories)
	assert.Equal(t, "orders", finder.criteria.Search)
}

func TestProperty_ExclusionAlwaysWins(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	genID := gen.IntRange(0, 20).Map(func(i int) string { return fmt.Sprintf("item-%d", i) })

	properties.Property("no excluded id is ever resolved", prop.ForAll(
		func(candidates, exclude []string) bool {
			resolved := Apply(candidates, exclude)
			for _, id := range resolved {
				for _, ex := range exclude {
					if id == ex {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(genID),
		gen.SliceOf(genID),
	))

	properties.Property("resolved ids are unique and drawn from candidates", prop.ForAll(
		func(candidates, exclude []string) bool {
			resolved := Apply(candidates, exclude)
			inCandidates := make(map[string]bool, len(candidates))
			for _, id := range candidates {
				inCandidates[id] = true
			}
			seen := make(map[string]bool, len(resolved))
			for _, id := range resolved {
				if seen[id] || !inCandidates[id] {
					return false
				}
				seen[id] = true
			}
			return true
		},
		gen.SliceOf(genID),
		gen.SliceOf(genID),
	))

	properties.TestingRun(t)
}
