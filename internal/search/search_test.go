package search

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/abdul-hamid-achik/vecmemo/internal/db"
	"github.com/abdul-hamid-achik/vecmemo/internal/projection"
)

type searchFixture struct {
	db      *db.DB
	svc     *db.Service
	vectors [][]float32
	exec    *Executor
}

func newFixture(t *testing.T) *searchFixture {
	t.Helper()
	return newFixtureWith(t, db.OpenOptions{DataDir: t.TempDir(), StoreText: true})
}

func newFixtureWith(t *testing.T, opts db.OpenOptions) *searchFixture {
	t.Helper()
	database, err := db.Open(opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	ctx := context.Background()
	svc, err := database.RegisterService(ctx, db.ServiceParams{
		Name: "s1", Format: "mock", Model: "test", Dimensions: 8, MaxTokens: 100,
	})
	if err != nil {
		t.Fatalf("RegisterService failed: %v", err)
	}
	vectors, err := projection.Generate(8)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if err := database.StoreProjectionVectors(ctx, svc.ID, vectors); err != nil {
		t.Fatalf("StoreProjectionVectors failed: %v", err)
	}
	return &searchFixture{db: database, svc: svc, vectors: vectors, exec: NewExecutor(database, nil)}
}

// axis returns the 8-dim standard basis vector along i.
func axis(i int) []float32 {
	v := make([]float32, 8)
	v[i] = 1
	return v
}

func (f *searchFixture) store(t *testing.T, serviceID int64, sourceType string, sourceID int64, text string, vec []float32) {
	t.Helper()
	proj, err := projection.Project(vec, f.vectors)
	if err != nil {
		t.Fatalf("Project failed: %v", err)
	}
	doc := db.Document{
		SourceType: sourceType,
		SourceID:   sourceID,
		ServiceID:  serviceID,
		Chunks: []db.DocumentChunk{{
			Text:       text,
			Hash:       db.Hash(text),
			Vector:     vec,
			TokenCount: len(text) / 4,
			Projection: proj,
			Offset:     0,
			Size:       int64(len(text)),
		}},
	}
	if err := f.db.StoreDocument(context.Background(), doc); err != nil {
		t.Fatalf("StoreDocument failed: %v", err)
	}
}

func (f *searchFixture) proj(t *testing.T, vec []float32) []float64 {
	t.Helper()
	p, err := projection.Project(vec, f.vectors)
	if err != nil {
		t.Fatalf("Project failed: %v", err)
	}
	return p
}

func TestSearchRanksByCosine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store(t, f.svc.ID, "event", 1, "aligned doc", axis(0))
	f.store(t, f.svc.ID, "event", 2, "orthogonal doc", axis(1))
	f.store(t, f.svc.ID, "event", 3, "partial doc", []float32{1, 1, 0, 0, 0, 0, 0, 0})

	results, err := f.exec.Search(ctx, axis(0), f.svc.ID, Options{Limit: 10, MinScore: 0})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].SourceID != 1 || results[0].Score < 0.999 {
		t.Errorf("best result should be the aligned doc: %+v", results[0])
	}
	if results[1].SourceID != 3 {
		t.Errorf("second result should be the partial doc: %+v", results[1])
	}
}

func TestSearchMinScore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store(t, f.svc.ID, "event", 1, "aligned", axis(0))
	f.store(t, f.svc.ID, "event", 2, "orthogonal", axis(1))

	results, err := f.exec.Search(ctx, axis(0), f.svc.ID, Options{Limit: 10, MinScore: 0.5})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].SourceID != 1 {
		t.Errorf("min_score should keep only the aligned doc: %v", results)
	}
}

func TestSearchLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		vec := axis(0)
		vec[1] = float32(i) * 0.1
		f.store(t, f.svc.ID, "event", i, "doc "+string(rune('0'+i)), vec)
	}

	results, err := f.exec.Search(ctx, axis(0), f.svc.ID, Options{Limit: 2, MinScore: 0})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Score < results[1].Score {
		t.Error("results not sorted descending")
	}
}

func TestSearchServiceIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s2, err := f.db.RegisterService(ctx, db.ServiceParams{
		Name: "s2", Format: "mock", Model: "other", Dimensions: 8, MaxTokens: 100,
	})
	if err != nil {
		t.Fatalf("RegisterService failed: %v", err)
	}

	f.store(t, f.svc.ID, "event", 1, "service one doc", axis(0))
	f.store(t, s2.ID, "event", 2, "service two doc", axis(0))

	results, err := f.exec.Search(ctx, axis(0), f.svc.ID, Options{Limit: 10, MinScore: 0})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].SourceID != 1 {
		t.Errorf("search must not cross services: %v", results)
	}
}

func TestSearchMetadataFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store(t, f.svc.ID, "event", 1, "event document", axis(0))
	f.store(t, f.svc.ID, "idea", 2, "idea document", axis(0))

	results, err := f.exec.Search(ctx, axis(0), f.svc.ID, Options{
		Limit: 10, MinScore: 0, SourceType: "event",
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].SourceType != "event" {
		t.Errorf("source_type filter failed: %v", results)
	}

	id := int64(2)
	results, err = f.exec.Search(ctx, axis(0), f.svc.ID, Options{
		Limit: 10, MinScore: 0, SourceID: &id,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].SourceID != 2 {
		t.Errorf("source_id filter failed: %v", results)
	}
}

func TestSearchPairAndParentFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair := int64(77)
	parent := int64(88)
	doc := db.Document{
		SourceType: "note", SourceID: 1, ServiceID: f.svc.ID,
		PairID: &pair, ParentID: &parent,
		Chunks: []db.DocumentChunk{{
			Text: "related note", Hash: db.Hash("related note"), Vector: axis(0),
			Projection: f.proj(t, axis(0)), Size: 12,
		}},
	}
	if err := f.db.StoreDocument(ctx, doc); err != nil {
		t.Fatalf("StoreDocument failed: %v", err)
	}
	f.store(t, f.svc.ID, "note", 2, "unrelated note", axis(0))

	results, err := f.exec.Search(ctx, axis(0), f.svc.ID, Options{Limit: 10, MinScore: 0, PairID: &pair})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].SourceID != 1 {
		t.Errorf("pair_id filter failed: %v", results)
	}

	results, err = f.exec.Search(ctx, axis(0), f.svc.ID, Options{Limit: 10, MinScore: 0, ParentID: &parent})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].SourceID != 1 {
		t.Errorf("parent_id filter failed: %v", results)
	}
}

func TestSearchLikeFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store(t, f.svc.ID, "event", 1, "the quick brown fox", axis(0))
	f.store(t, f.svc.ID, "event", 2, "a lazy dog sleeps", axis(0))

	results, err := f.exec.Search(ctx, axis(0), f.svc.ID, Options{
		Limit: 10, MinScore: 0, Like: []string{"%brown%"},
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].SourceID != 1 {
		t.Errorf("like filter failed: %v", results)
	}

	// AND-joined patterns.
	results, err = f.exec.Search(ctx, axis(0), f.svc.ID, Options{
		Limit: 10, MinScore: 0, Like: []string{"%brown%", "%lazy%"},
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("conjunctive like should match nothing: %v", results)
	}
}

func TestSearchFullTextMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store(t, f.svc.ID, "event", 1, "the quick brown fox jumps", axis(0))
	f.store(t, f.svc.ID, "event", 2, "an entirely different story", axis(0))

	results, err := f.exec.Search(ctx, axis(0), f.svc.ID, Options{
		Limit: 10, MinScore: 0, Match: "fox",
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].SourceID != 1 {
		t.Errorf("full-text match failed: %v", results)
	}
}

func TestSearchTextFiltersRequireTextStorage(t *testing.T) {
	f := newFixtureWith(t, db.OpenOptions{DataDir: t.TempDir(), StoreText: false})
	ctx := context.Background()

	if _, err := f.exec.Search(ctx, axis(0), f.svc.ID, Options{
		Limit: 10, Like: []string{"%x%"},
	}); err == nil {
		t.Error("expected error for like filter without text storage")
	}
	if _, err := f.exec.Search(ctx, axis(0), f.svc.ID, Options{
		Limit: 10, IncludeText: true,
	}); err == nil {
		t.Error("expected error for include_text without text storage")
	}
}

func TestSearchIncludeText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store(t, f.svc.ID, "event", 1, "retrievable body", axis(0))

	results, err := f.exec.Search(ctx, axis(0), f.svc.ID, Options{Limit: 10, MinScore: 0, IncludeText: true})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].Text != "retrievable body" {
		t.Errorf("include_text failed: %+v", results)
	}

	results, err = f.exec.Search(ctx, axis(0), f.svc.ID, Options{Limit: 10, MinScore: 0})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if results[0].Text != "" {
		t.Errorf("text should be omitted by default: %+v", results[0])
	}
}

func TestSearchSQLWhereAgainstAttachedDB(t *testing.T) {
	dir := t.TempDir()
	f := newFixtureWith(t, db.OpenOptions{
		DataDir:   dir,
		StoreText: true,
		Attach:    map[string]string{"app": filepath.Join(dir, "app.db")},
	})
	ctx := context.Background()

	if _, err := f.db.Exec(`CREATE TABLE app.events (id INTEGER PRIMARY KEY, starred INTEGER)`); err != nil {
		t.Fatalf("create aux table: %v", err)
	}
	if _, err := f.db.Exec(`INSERT INTO app.events VALUES (1, 1), (2, 0)`); err != nil {
		t.Fatalf("insert aux rows: %v", err)
	}

	f.store(t, f.svc.ID, "event", 1, "starred event", axis(0))
	f.store(t, f.svc.ID, "event", 2, "plain event", axis(0))

	results, err := f.exec.Search(ctx, axis(0), f.svc.ID, Options{
		Limit: 10, MinScore: 0,
		SQLWhere: "c.source_id IN (SELECT id FROM app.events WHERE starred = 1)",
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].SourceID != 1 {
		t.Errorf("sql_where filter failed: %v", results)
	}
}

func TestSearchProjectionFilterSoundness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stored := axis(0)
	f.store(t, f.svc.ID, "event", 1, "self match", stored)

	// Query equal to a stored embedding has projection self-distance 0, so
	// even a tight threshold must keep it.
	results, err := f.exec.Search(ctx, stored, f.svc.ID, Options{
		Limit: 10, MinScore: 0,
		QueryProjection:     f.proj(t, stored),
		ProjectionThreshold: 1e-6,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].SourceID != 1 {
		t.Errorf("projection self-match failed: %v", results)
	}
}

func TestSearchProjectionFilterPrunes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store(t, f.svc.ID, "event", 1, "near doc", axis(0))
	f.store(t, f.svc.ID, "event", 2, "far doc", []float32{-1, 0, 0, 0, 0, 0, 0, 0})

	// Distance between opposite unit vectors in projection space is 4 (the
	// projections are orthonormal images); a threshold of 1 prunes it.
	results, err := f.exec.Search(ctx, axis(0), f.svc.ID, Options{
		Limit: 10, MinScore: -1,
		QueryProjection:     f.proj(t, axis(0)),
		ProjectionThreshold: 1,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].SourceID != 1 {
		t.Errorf("projection pruning failed: %v", results)
	}
}

func TestSearchIncrementsMatchCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store(t, f.svc.ID, "event", 1, "counted doc", axis(0))

	for i := 0; i < 2; i++ {
		if _, err := f.exec.Search(ctx, axis(0), f.svc.ID, Options{Limit: 10, MinScore: 0}); err != nil {
			t.Fatalf("Search failed: %v", err)
		}
	}
	// A search that returns nothing must not touch counters.
	if _, err := f.exec.Search(ctx, axis(1), f.svc.ID, Options{Limit: 10, MinScore: 0.9}); err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	var matchCount int64
	if err := f.db.QueryRow("SELECT match_count FROM chunks WHERE source_id = 1").Scan(&matchCount); err != nil {
		t.Fatalf("select match_count: %v", err)
	}
	if matchCount != 2 {
		t.Errorf("match_count = %d, want 2", matchCount)
	}
}

func TestSearchInvalidParameters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.exec.Search(ctx, axis(0), f.svc.ID, Options{Limit: 0}); err == nil {
		t.Error("expected error for limit < 1")
	}
	if _, err := f.exec.Search(ctx, axis(0), f.svc.ID, Options{Limit: 5, MinScore: 1.5}); err == nil {
		t.Error("expected error for min_score out of range")
	}
}
