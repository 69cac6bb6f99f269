package service

import (
	"context"
	"fmt"

	"github.com/abdul-hamid-achik/vecmemo/internal/projection"
	"github.com/abdul-hamid-achik/vecmemo/internal/search"
)

// SearchOptions configures a query. Start from DefaultSearchOptions and
// override; the zero MinScore is honored as-is.
type SearchOptions struct {
	Limit    int
	MinScore float64

	SourceType string
	SourceID   *int64
	PairID     *int64
	ParentID   *int64

	// Like patterns are AND-joined substring filters; Match is a full-text
	// query. Both require text storage, as does IncludeText.
	Like        []string
	Match       string
	IncludeText bool

	// SQLWhere is a trusted raw predicate fragment, parenthesized into the
	// scan's WHERE. It may reference alias c and attached schemas.
	SQLWhere string

	// ProjectionThreshold bounds the projection pre-filter distance
	// (default 2.0). Negative disables the pre-filter.
	ProjectionThreshold float64
}

// DefaultSearchOptions returns the default query configuration.
func DefaultSearchOptions() SearchOptions {
	return SearchOptions{
		Limit:    10,
		MinScore: 0.7,
	}
}

// Search embeds the query, projects it, and runs the top-k scan under the
// bound service. Results come back in descending score order; match_count
// is incremented for every returned chunk.
func (s *Service) Search(ctx context.Context, query string, opts SearchOptions) ([]search.Result, error) {
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	if opts.Limit == 0 {
		opts.Limit = DefaultSearchOptions().Limit
	}

	emb, err := s.provider.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(emb.Vector) != s.svc.Dimensions {
		return nil, fmt.Errorf("query embedding has %d dimensions, service %q has %d: %w",
			len(emb.Vector), s.svc.Name, s.svc.Dimensions, search.ErrDimensionMismatch)
	}

	execOpts := search.Options{
		Limit:       opts.Limit,
		MinScore:    opts.MinScore,
		SourceType:  opts.SourceType,
		SourceID:    opts.SourceID,
		PairID:      opts.PairID,
		ParentID:    opts.ParentID,
		SQLWhere:    opts.SQLWhere,
		Like:        opts.Like,
		Match:       opts.Match,
		IncludeText: opts.IncludeText,
	}
	if opts.ProjectionThreshold >= 0 {
		proj, err := projection.Project(emb.Vector, s.vectors)
		if err != nil {
			return nil, err
		}
		execOpts.QueryProjection = proj
		execOpts.ProjectionThreshold = opts.ProjectionThreshold
	}

	return s.executor.Search(ctx, emb.Vector, s.svc.ID, execOpts)
}
