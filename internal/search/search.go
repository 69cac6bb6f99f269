// Package search provides the top-k streaming search executor. It composes
// one scanning query across chunks, embeddings, projections and the text
// store, streams candidates, scores them by cosine similarity and keeps a
// size-bounded top-k.
package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/abdul-hamid-achik/vecmemo/internal/db"
)

// DefaultProjectionThreshold is the default upper bound on squared distance
// between query and stored projections. Generous on purpose: the filter must
// not produce false negatives at the default.
const DefaultProjectionThreshold = 2.0

// Options configures a search scan.
type Options struct {
	Limit    int
	MinScore float64

	// Metadata filters, ANDed when set.
	SourceType string
	SourceID   *int64
	PairID     *int64
	ParentID   *int64

	// SQLWhere is a trusted raw predicate appended in parentheses. It may
	// refer to alias c (chunks) and, through attached schemas, application
	// tables. Never interpolate untrusted input through it.
	SQLWhere string

	// Text filters; each requires text storage.
	Like        []string // AND-joined LIKE patterns against t.content
	Match       string   // full-text query against the FTS index
	IncludeText bool

	// QueryProjection enables the projection pre-filter when non-nil.
	QueryProjection     []float64
	ProjectionThreshold float64 // DefaultProjectionThreshold when 0
}

// Result is a scored chunk.
type Result struct {
	ChunkID    int64   `json:"chunk_id"`
	Hash       []byte  `json:"hash"`
	SourceType string  `json:"source_type"`
	SourceID   int64   `json:"source_id"`
	PairID     *int64  `json:"pair_id,omitempty"`
	ParentID   *int64  `json:"parent_id,omitempty"`
	Offset     *int64  `json:"offset,omitempty"`
	Size       int64   `json:"size"`
	Score      float64 `json:"score"`
	Text       string  `json:"text,omitempty"`
}

// Executor runs search scans against a store.
type Executor struct {
	db  *db.DB
	log *zap.Logger
}

// NewExecutor creates a search executor.
func NewExecutor(database *db.DB, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{db: database, log: log}
}

// Search scans candidates for the query embedding under one service and
// returns the top-k results in descending score order. After the scan,
// match_count is incremented for every returned chunk; that update is
// best-effort and never invalidates the results.
func (e *Executor) Search(ctx context.Context, queryVec []float32, serviceID int64, opts Options) ([]Result, error) {
	if opts.Limit < 1 {
		return nil, fmt.Errorf("limit must be >= 1")
	}
	if opts.MinScore < -1 || opts.MinScore > 1 {
		return nil, fmt.Errorf("min_score must be in [-1, 1]")
	}

	wantText := opts.IncludeText || len(opts.Like) > 0 || opts.Match != ""
	if wantText && !e.db.StoresText() {
		return nil, fmt.Errorf("text filters require text storage")
	}

	query, args := e.buildQuery(serviceID, opts, wantText)

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search scan: %w", err)
	}
	defer rows.Close()

	top := newTopK(opts.Limit)
	for rows.Next() {
		var r Result
		var pair, parent, offset sql.NullInt64
		var blob []byte
		dest := []any{&r.ChunkID, &r.Hash, &r.SourceType, &r.SourceID, &pair, &parent, &offset, &r.Size, &blob}
		if wantText {
			dest = append(dest, &r.Text)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}

		stored, err := db.DecodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", r.ChunkID, err)
		}
		score, err := Cosine(queryVec, stored)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", r.ChunkID, err)
		}
		if score < opts.MinScore {
			continue
		}

		if pair.Valid {
			v := pair.Int64
			r.PairID = &v
		}
		if parent.Valid {
			v := parent.Int64
			r.ParentID = &v
		}
		if offset.Valid {
			v := offset.Int64
			r.Offset = &v
		}
		if !opts.IncludeText {
			r.Text = ""
		}
		r.Score = score
		top.Insert(r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search scan: %w", err)
	}

	results := top.Results()
	if len(results) > 0 {
		ids := make([]int64, len(results))
		for i, r := range results {
			ids[i] = r.ChunkID
		}
		if err := e.db.IncrementMatchCount(ctx, ids); err != nil {
			e.log.Warn("match_count increment failed", zap.Error(err))
		}
	}
	return results, nil
}

// buildQuery composes the single scanning query. Joins are added only for
// the features in use so the common scan stays narrow.
func (e *Executor) buildQuery(serviceID int64, opts Options, wantText bool) (string, []any) {
	ts := e.db.TextSchema()

	var sb strings.Builder
	sb.WriteString(`SELECT c.id, c.hash, c.source_type, c.source_id, c.pair_id, c.parent_id, c."offset", c.size, e.embedding`)
	if wantText {
		sb.WriteString(", t.content")
	}
	sb.WriteString(" FROM chunks c JOIN embeddings e ON c.hash = e.hash")
	if opts.QueryProjection != nil {
		sb.WriteString(" JOIN projections p ON c.hash = p.hash")
	}
	if wantText {
		fmt.Fprintf(&sb, " JOIN %q.texts t ON t.hash = c.hash", ts)
	}
	if opts.Match != "" {
		fmt.Fprintf(&sb, " JOIN %q.texts_fts fts ON fts.hash = c.hash", ts)
	}

	sb.WriteString(" WHERE e.service_id = ?")
	args := []any{serviceID}

	if opts.SourceType != "" {
		sb.WriteString(" AND c.source_type = ?")
		args = append(args, opts.SourceType)
	}
	if opts.SourceID != nil {
		sb.WriteString(" AND c.source_id = ?")
		args = append(args, *opts.SourceID)
	}
	if opts.PairID != nil {
		sb.WriteString(" AND c.pair_id = ?")
		args = append(args, *opts.PairID)
	}
	if opts.ParentID != nil {
		sb.WriteString(" AND c.parent_id = ?")
		args = append(args, *opts.ParentID)
	}
	if opts.SQLWhere != "" {
		sb.WriteString(" AND (")
		sb.WriteString(opts.SQLWhere)
		sb.WriteString(")")
	}
	for _, pattern := range opts.Like {
		sb.WriteString(" AND t.content LIKE ?")
		args = append(args, pattern)
	}
	if opts.Match != "" {
		// FTS5 matches through the hidden column named after the table; the
		// alias alone is not a matchable column.
		sb.WriteString(" AND fts.texts_fts MATCH ?")
		args = append(args, opts.Match)
	}
	if opts.QueryProjection != nil {
		threshold := opts.ProjectionThreshold
		if threshold == 0 {
			threshold = DefaultProjectionThreshold
		}
		sb.WriteString(" AND (")
		for i, v := range opts.QueryProjection {
			if i > 0 {
				sb.WriteString(" + ")
			}
			fmt.Fprintf(&sb, "(p.proj_%d - ?) * (p.proj_%d - ?)", i, i)
			args = append(args, v, v)
		}
		sb.WriteString(") <= ?")
		args = append(args, threshold)
	}

	return sb.String(), args
}
