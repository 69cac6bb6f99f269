package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Chunk is a source reference to embedded content. Multiple chunks may point
// at the same hash; that is how deduplication keeps provenance.
type Chunk struct {
	ID         int64
	Hash       []byte
	SourceType string
	SourceID   int64
	PairID     *int64
	ParentID   *int64
	Offset     *int64
	Size       int64
	MatchCount int64
	ReadCount  int64
	CreatedAt  time.Time
}

// ChunkParams describes a chunk row to insert.
type ChunkParams struct {
	Hash       []byte
	SourceType string
	SourceID   int64
	PairID     *int64
	ParentID   *int64
	Offset     *int64
	Size       int64
}

// CreateChunk inserts a chunk row. (source_type, source_id, offset) is unique.
func (db *DB) CreateChunk(ctx context.Context, p ChunkParams) (int64, error) {
	return db.createChunkOn(ctx, db.DB, p)
}

func (db *DB) createChunkOn(ctx context.Context, q execer, p ChunkParams) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO chunks (hash, source_type, source_id, pair_id, parent_id, "offset", size, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Hash, p.SourceType, p.SourceID, nullInt(p.PairID), nullInt(p.ParentID),
		nullInt(p.Offset), p.Size, nowMillis())
	if err != nil {
		return 0, fmt.Errorf("create chunk: %w", err)
	}
	return res.LastInsertId()
}

// DocumentChunk is one chunk of a document, fully prepared for storage: text,
// vector and the 8 projection values.
type DocumentChunk struct {
	Text       string
	Hash       []byte
	Vector     []float32
	TokenCount int
	Projection []float64 // length ProjectionCount
	Offset     int64
	Size       int64
}

// Document is an ingestion unit stored atomically.
type Document struct {
	SourceType string
	SourceID   int64
	PairID     *int64
	ParentID   *int64
	ServiceID  int64
	Chunks     []DocumentChunk
}

// StoreDocument persists a chunked, embedded document under a single
// transaction: existing chunks of the same (source_type, source_id) are
// replaced (with orphan cleanup), then per chunk the embedding and projection
// rows are created when the hash is new, the chunk row always, and the text
// when text storage is enabled. Any failure rolls back the whole document.
func (db *DB) StoreDocument(ctx context.Context, doc Document) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := db.deleteChunksOn(ctx, tx, doc.SourceID, doc.SourceType, doc.ServiceID); err != nil {
		return err
	}

	for _, c := range doc.Chunks {
		inserted, err := db.storeEmbeddingInserted(ctx, tx, c.Hash, c.Vector, c.TokenCount, doc.ServiceID)
		if err != nil {
			return err
		}
		if inserted {
			if err := db.storeProjectionOn(ctx, tx, c.Hash, c.Projection); err != nil {
				return err
			}
		}
		offset := c.Offset
		_, err = db.createChunkOn(ctx, tx, ChunkParams{
			Hash:       c.Hash,
			SourceType: doc.SourceType,
			SourceID:   doc.SourceID,
			PairID:     doc.PairID,
			ParentID:   doc.ParentID,
			Offset:     &offset,
			Size:       c.Size,
		})
		if err != nil {
			return err
		}
		if db.storeText {
			if err := db.storeTextOn(ctx, tx, c.Hash, c.Text); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// DeleteChunks removes the chunks selected by source id (and source type,
// when non-empty) under a service, then garbage-collects every touched hash
// whose reference count dropped to zero: projection first, then embedding,
// then stored text. Returns the number of chunks deleted.
func (db *DB) DeleteChunks(ctx context.Context, sourceID int64, sourceType string, serviceID int64) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	n, err := db.deleteChunksOn(ctx, tx, sourceID, sourceType, serviceID)
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func (db *DB) deleteChunksOn(ctx context.Context, q execer, sourceID int64, sourceType string, serviceID int64) (int64, error) {
	where := `c.source_id = ? AND e.service_id = ?`
	args := []any{sourceID, serviceID}
	if sourceType != "" {
		where += ` AND c.source_type = ?`
		args = append(args, sourceType)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT c.hash FROM chunks c
		JOIN embeddings e ON c.hash = e.hash
		WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("select hashes: %w", err)
	}
	hashes, err := collectHashes(rows)
	if err != nil {
		return 0, err
	}
	if len(hashes) == 0 {
		return 0, nil
	}

	res, err := q.ExecContext(ctx, `
		DELETE FROM chunks WHERE id IN (
			SELECT c.id FROM chunks c JOIN embeddings e ON c.hash = e.hash WHERE `+where+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete chunks: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete chunks: %w", err)
	}

	for _, hash := range hashes {
		if err := db.collectOrphanOn(ctx, q, hash); err != nil {
			return 0, err
		}
	}
	return deleted, nil
}

// collectOrphanOn deletes the projection, embedding and text rows of a hash
// no chunk references anymore. Hashes still referenced are untouched.
func (db *DB) collectOrphanOn(ctx context.Context, q execer, hash []byte) error {
	var refs int64
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks WHERE hash = ?", hash).Scan(&refs); err != nil {
		return fmt.Errorf("count refs: %w", err)
	}
	if refs > 0 {
		return nil
	}
	if _, err := q.ExecContext(ctx, "DELETE FROM projections WHERE hash = ?", hash); err != nil {
		return fmt.Errorf("delete projection: %w", err)
	}
	if _, err := q.ExecContext(ctx, "DELETE FROM embeddings WHERE hash = ?", hash); err != nil {
		return fmt.Errorf("delete embedding: %w", err)
	}
	if db.storeText {
		if err := db.deleteTextOn(ctx, q, hash); err != nil {
			return err
		}
	}
	return nil
}

func collectHashes(rows *sql.Rows) ([][]byte, error) {
	defer rows.Close()
	var hashes [][]byte
	for rows.Next() {
		var h []byte
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// SourceRef identifies an indexed document with its relation metadata.
type SourceRef struct {
	SourceID int64
	PairID   *int64
	ParentID *int64
}

// ListSources returns the distinct (source_id, pair_id, parent_id) tuples
// indexed under a source type for a service.
func (db *DB) ListSources(ctx context.Context, sourceType string, serviceID int64) ([]SourceRef, error) {
	return db.listSourcesOn(ctx, db.DB, sourceType, serviceID)
}

func (db *DB) listSourcesOn(ctx context.Context, q execer, sourceType string, serviceID int64) ([]SourceRef, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT c.source_id, c.pair_id, c.parent_id
		FROM chunks c JOIN embeddings e ON c.hash = e.hash
		WHERE c.source_type = ? AND e.service_id = ?
		ORDER BY c.source_id`, sourceType, serviceID)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var refs []SourceRef
	for rows.Next() {
		var ref SourceRef
		var pair, parent sql.NullInt64
		if err := rows.Scan(&ref.SourceID, &pair, &parent); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		ref.PairID = fromNull(pair)
		ref.ParentID = fromNull(parent)
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// SourceText reconstructs a document's text from its stored chunks, in
// offset order, paragraph-joined. Requires text storage.
func (db *DB) SourceText(ctx context.Context, sourceType string, sourceID, serviceID int64) (string, error) {
	return db.sourceTextOn(ctx, db.DB, sourceType, sourceID, serviceID)
}

func (db *DB) sourceTextOn(ctx context.Context, q execer, sourceType string, sourceID, serviceID int64) (string, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`
		SELECT t.content
		FROM chunks c
		JOIN embeddings e ON c.hash = e.hash
		JOIN %s.texts t ON t.hash = c.hash
		WHERE c.source_type = ? AND c.source_id = ? AND e.service_id = ?
		ORDER BY c."offset"`, quoteIdent(db.textSchema)),
		sourceType, sourceID, serviceID)
	if err != nil {
		return "", fmt.Errorf("source text: %w", err)
	}
	defer rows.Close()

	var parts []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return "", fmt.Errorf("scan text: %w", err)
		}
		parts = append(parts, content)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("source %s/%d: %w", sourceType, sourceID, ErrNotFound)
	}
	return strings.Join(parts, "\n\n"), nil
}

// IncrementMatchCount bumps match_count by one for each chunk id. Empty
// input is a no-op. Runs as a single set-based update.
func (db *DB) IncrementMatchCount(ctx context.Context, chunkIDs []int64) error {
	return db.incrementCounter(ctx, "match_count", chunkIDs)
}

// IncrementReadCount bumps read_count by one for each chunk id.
func (db *DB) IncrementReadCount(ctx context.Context, chunkIDs []int64) error {
	return db.incrementCounter(ctx, "read_count", chunkIDs)
}

func (db *DB) incrementCounter(ctx context.Context, column string, chunkIDs []int64) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	placeholders := strings.Repeat(",?", len(chunkIDs))[1:]
	args := make([]any, len(chunkIDs))
	for i, id := range chunkIDs {
		args[i] = id
	}
	_, err := db.ExecContext(ctx, fmt.Sprintf(
		"UPDATE chunks SET %s = %s + 1 WHERE id IN (%s)", column, column, placeholders), args...)
	if err != nil {
		return fmt.Errorf("increment %s: %w", column, err)
	}
	return nil
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func fromNull(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
