package db

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := Open(OpenOptions{DataDir: t.TempDir(), StoreText: true})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func testService(t *testing.T, database *DB, name string) *Service {
	t.Helper()
	svc, err := database.RegisterService(context.Background(), ServiceParams{
		Name:       name,
		Format:     "mock",
		Model:      "test",
		Dimensions: 8,
		MaxTokens:  100,
	})
	if err != nil {
		t.Fatalf("RegisterService failed: %v", err)
	}
	return svc
}

// testDoc builds a document for storage tests, one chunk per text. The vector
// is derived from the text length and the projection is all zeros; rows are
// keyed by the text hash, so distinct texts get distinct rows.
func testDoc(serviceID int64, sourceType string, sourceID int64, texts ...string) Document {
	doc := Document{SourceType: sourceType, SourceID: sourceID, ServiceID: serviceID}
	var offset int64
	for _, text := range texts {
		vec := make([]float32, 8)
		for i := range vec {
			vec[i] = float32(len(text)%7) + float32(i)
		}
		doc.Chunks = append(doc.Chunks, DocumentChunk{
			Text:       text,
			Hash:       Hash(text),
			Vector:     vec,
			TokenCount: len(text) / 4,
			Projection: make([]float64, ProjectionCount),
			Offset:     offset,
			Size:       int64(len(text)),
		})
		offset += int64(len(text))
	}
	return doc
}

func TestOpenIdempotentSchema(t *testing.T) {
	dir := t.TempDir()

	database, err := Open(OpenOptions{DataDir: dir, StoreText: true})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := database.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Second open against existing files must not fail.
	database, err = Open(OpenOptions{DataDir: dir, StoreText: true})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer database.Close()

	if !database.StoresText() {
		t.Error("expected text storage enabled")
	}
	if database.TextSchema() != DefaultTextSchema {
		t.Errorf("unexpected text schema: %s", database.TextSchema())
	}
}

func TestHashStability(t *testing.T) {
	a := Hash("The quick brown fox")
	b := Hash("The quick brown fox")
	if !bytes.Equal(a, b) {
		t.Error("hash is not deterministic")
	}
	if len(a) != HashSize {
		t.Errorf("expected %d-byte hash, got %d", HashSize, len(a))
	}
	if bytes.Equal(a, Hash("The quick brown fox.")) {
		t.Error("distinct inputs produced equal hashes")
	}
}

func TestRegisterServiceSynthesizedName(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	svc, err := database.RegisterService(ctx, ServiceParams{
		Format: "mock", Model: "tiny", Dimensions: 8, MaxTokens: 50,
	})
	if err != nil {
		t.Fatalf("RegisterService failed: %v", err)
	}
	if svc.Name != "mock/tiny" {
		t.Errorf("expected synthesized name mock/tiny, got %q", svc.Name)
	}
}

func TestRegisterServiceIdempotent(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	first := testService(t, database, "svc")

	// Same name with different parameters returns the original unchanged.
	second, err := database.RegisterService(ctx, ServiceParams{
		Name: "svc", Format: "openai", Model: "other", Dimensions: 16, MaxTokens: 10,
	})
	if err != nil {
		t.Fatalf("RegisterService failed: %v", err)
	}
	if second.ID != first.ID || second.Dimensions != 8 || second.Model != "test" {
		t.Errorf("existing service was not returned unchanged: %+v", second)
	}
}

func TestRegisterServiceValidation(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	if _, err := database.RegisterService(ctx, ServiceParams{
		Name: "bad", Format: "mock", Model: "m", Dimensions: 0, MaxTokens: 10,
	}); err == nil {
		t.Error("expected error for dimensions < 1")
	}
	if _, err := database.RegisterService(ctx, ServiceParams{
		Name: "bad", Format: "mock", Model: "m", Dimensions: 8, MaxTokens: 0,
	}); err == nil {
		t.Error("expected error for max_tokens < 1")
	}
}

func TestStoreEmbeddingIdempotent(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	svc := testService(t, database, "svc")

	hash := Hash("some content")
	vec := []float32{1, 2, 3, 4, 5, 6, 7, 8}

	if err := database.StoreEmbedding(ctx, hash, vec, 3, svc.ID); err != nil {
		t.Fatalf("StoreEmbedding failed: %v", err)
	}
	if err := database.StoreEmbedding(ctx, hash, vec, 3, svc.ID); err != nil {
		t.Fatalf("second StoreEmbedding failed: %v", err)
	}

	n, err := database.CountEmbeddings(ctx, svc.ID)
	if err != nil {
		t.Fatalf("CountEmbeddings failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 embedding, got %d", n)
	}

	got, err := database.GetEmbedding(ctx, hash)
	if err != nil {
		t.Fatalf("GetEmbedding failed: %v", err)
	}
	if len(got.Vector) != 8 || got.Vector[0] != 1 || got.TokenCount != 3 {
		t.Errorf("unexpected embedding: %+v", got)
	}
}

func TestStoreEmbeddingServiceMismatch(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	s1 := testService(t, database, "s1")
	s2 := testService(t, database, "s2")

	hash := Hash("shared content")
	vec := make([]float32, 8)

	if err := database.StoreEmbedding(ctx, hash, vec, 0, s1.ID); err != nil {
		t.Fatalf("StoreEmbedding failed: %v", err)
	}
	err := database.StoreEmbedding(ctx, hash, vec, 0, s2.ID)
	if !errors.Is(err, ErrServiceMismatch) {
		t.Errorf("expected ErrServiceMismatch, got %v", err)
	}
}

func TestStoreDocumentDedup(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	svc := testService(t, database, "svc")

	if err := database.StoreDocument(ctx, testDoc(svc.ID, "event", 1, "Shared text")); err != nil {
		t.Fatalf("StoreDocument failed: %v", err)
	}
	if err := database.StoreDocument(ctx, testDoc(svc.ID, "event", 2, "Shared text")); err != nil {
		t.Fatalf("second StoreDocument failed: %v", err)
	}

	stats, err := database.GetStats(ctx, svc.ID)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.Embeddings != 1 || stats.Chunks != 2 || stats.Sources != 2 {
		t.Errorf("expected embeddings=1 chunks=2 sources=2, got %+v", stats)
	}

	// Exactly one projection row for the shared hash.
	if _, err := database.GetProjection(ctx, Hash("Shared text")); err != nil {
		t.Errorf("GetProjection failed: %v", err)
	}
}

func TestStoreDocumentReplacesSource(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	svc := testService(t, database, "svc")

	if err := database.StoreDocument(ctx, testDoc(svc.ID, "note", 7, "old body")); err != nil {
		t.Fatalf("StoreDocument failed: %v", err)
	}
	if err := database.StoreDocument(ctx, testDoc(svc.ID, "note", 7, "new body")); err != nil {
		t.Fatalf("re-store failed: %v", err)
	}

	stats, err := database.GetStats(ctx, svc.ID)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.Embeddings != 1 || stats.Chunks != 1 || stats.Sources != 1 {
		t.Errorf("expected embeddings=1 chunks=1 sources=1 after replace, got %+v", stats)
	}
	if _, err := database.GetEmbedding(ctx, Hash("old body")); !errors.Is(err, ErrNotFound) {
		t.Errorf("old embedding should be collected, got %v", err)
	}
}

func TestDeleteChunksGC(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	svc := testService(t, database, "svc")

	// doc 1 has a unique chunk; docs 2 and 3 share a hash.
	if err := database.StoreDocument(ctx, testDoc(svc.ID, "a", 1, "unique")); err != nil {
		t.Fatalf("StoreDocument failed: %v", err)
	}
	if err := database.StoreDocument(ctx, testDoc(svc.ID, "a", 2, "shared")); err != nil {
		t.Fatalf("StoreDocument failed: %v", err)
	}
	if err := database.StoreDocument(ctx, testDoc(svc.ID, "a", 3, "shared")); err != nil {
		t.Fatalf("StoreDocument failed: %v", err)
	}

	deleted, err := database.DeleteChunks(ctx, 1, "", svc.ID)
	if err != nil {
		t.Fatalf("DeleteChunks failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted chunk, got %d", deleted)
	}
	if _, err := database.GetEmbedding(ctx, Hash("unique")); !errors.Is(err, ErrNotFound) {
		t.Errorf("orphan embedding should be gone, got %v", err)
	}
	if _, err := database.GetProjection(ctx, Hash("unique")); !errors.Is(err, ErrNotFound) {
		t.Errorf("orphan projection should be gone, got %v", err)
	}

	// The shared hash is still referenced by doc 3 after deleting doc 2.
	if _, err := database.DeleteChunks(ctx, 2, "a", svc.ID); err != nil {
		t.Fatalf("DeleteChunks failed: %v", err)
	}
	if _, err := database.GetEmbedding(ctx, Hash("shared")); err != nil {
		t.Errorf("still-referenced embedding should survive: %v", err)
	}
}

func TestIncrementCounters(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	svc := testService(t, database, "svc")

	if err := database.StoreDocument(ctx, testDoc(svc.ID, "a", 1, "body")); err != nil {
		t.Fatalf("StoreDocument failed: %v", err)
	}
	var chunkID int64
	if err := database.QueryRowContext(ctx, "SELECT id FROM chunks").Scan(&chunkID); err != nil {
		t.Fatalf("select chunk: %v", err)
	}

	// Empty input is a no-op.
	if err := database.IncrementMatchCount(ctx, nil); err != nil {
		t.Fatalf("empty IncrementMatchCount failed: %v", err)
	}

	if err := database.IncrementMatchCount(ctx, []int64{chunkID}); err != nil {
		t.Fatalf("IncrementMatchCount failed: %v", err)
	}
	if err := database.IncrementMatchCount(ctx, []int64{chunkID}); err != nil {
		t.Fatalf("IncrementMatchCount failed: %v", err)
	}
	if err := database.IncrementReadCount(ctx, []int64{chunkID}); err != nil {
		t.Fatalf("IncrementReadCount failed: %v", err)
	}

	var matches, reads int64
	if err := database.QueryRowContext(ctx,
		"SELECT match_count, read_count FROM chunks WHERE id = ?", chunkID).Scan(&matches, &reads); err != nil {
		t.Fatalf("select counters: %v", err)
	}
	if matches != 2 || reads != 1 {
		t.Errorf("expected match=2 read=1, got match=%d read=%d", matches, reads)
	}
}

func TestStoreTextAndFTS(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	hash := Hash("full text body")
	if err := database.StoreText(ctx, hash, "full text body"); err != nil {
		t.Fatalf("StoreText failed: %v", err)
	}
	// Content-addressed: a second store is a no-op and must not duplicate
	// the FTS shadow row.
	if err := database.StoreText(ctx, hash, "full text body"); err != nil {
		t.Fatalf("second StoreText failed: %v", err)
	}

	content, err := database.GetText(ctx, hash)
	if err != nil {
		t.Fatalf("GetText failed: %v", err)
	}
	if content != "full text body" {
		t.Errorf("unexpected content: %q", content)
	}

	var ftsRows int64
	err = database.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM "text_store".texts_fts WHERE texts_fts MATCH 'body'`).Scan(&ftsRows)
	if err != nil {
		t.Fatalf("fts query failed: %v", err)
	}
	if ftsRows != 1 {
		t.Errorf("expected exactly 1 fts row, got %d", ftsRows)
	}
}

func TestDeleteServiceForce(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	svc := testService(t, database, "doomed")

	if err := database.StoreDocument(ctx, testDoc(svc.ID, "a", 1, "payload")); err != nil {
		t.Fatalf("StoreDocument failed: %v", err)
	}
	vectors := make([][]float32, ProjectionCount)
	for i := range vectors {
		vectors[i] = make([]float32, 8)
	}
	if err := database.StoreProjectionVectors(ctx, svc.ID, vectors); err != nil {
		t.Fatalf("StoreProjectionVectors failed: %v", err)
	}

	err := database.DeleteService(ctx, "doomed", false)
	var notEmpty *ServiceNotEmptyError
	if !errors.As(err, &notEmpty) {
		t.Fatalf("expected ServiceNotEmptyError, got %v", err)
	}
	if notEmpty.Embeddings != 1 || notEmpty.Chunks != 1 {
		t.Errorf("unexpected counts in error: %+v", notEmpty)
	}

	if err := database.DeleteService(ctx, "doomed", true); err != nil {
		t.Fatalf("force DeleteService failed: %v", err)
	}
	if _, err := database.GetService(ctx, "doomed"); !errors.Is(err, ErrNotFound) {
		t.Errorf("service should be gone, got %v", err)
	}
	if _, err := database.GetProjectionVectors(ctx, svc.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("projection vectors should be gone, got %v", err)
	}
}

func TestAttachAuxiliaryDatabase(t *testing.T) {
	dir := t.TempDir()

	database, err := Open(OpenOptions{
		DataDir:   dir,
		StoreText: true,
		Attach:    map[string]string{"app": dir + "/app.db"},
	})
	if err != nil {
		t.Fatalf("Open with attach failed: %v", err)
	}
	defer database.Close()

	if _, err := database.Exec(`CREATE TABLE app.events (id INTEGER PRIMARY KEY, kind TEXT)`); err != nil {
		t.Fatalf("create aux table failed: %v", err)
	}
	if _, err := database.Exec(`INSERT INTO app.events (id, kind) VALUES (1, 'meeting')`); err != nil {
		t.Fatalf("insert aux row failed: %v", err)
	}

	var kind string
	if err := database.QueryRow(`SELECT kind FROM app.events WHERE id = 1`).Scan(&kind); err != nil {
		t.Fatalf("cross-schema query failed: %v", err)
	}
	if kind != "meeting" {
		t.Errorf("unexpected kind: %q", kind)
	}
}
