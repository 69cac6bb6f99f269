package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Embedding is a stored vector keyed by content hash.
type Embedding struct {
	Hash       []byte
	Vector     []float32
	TokenCount int
	ServiceID  int64
	CreatedAt  time.Time
}

// StoreEmbedding inserts an embedding if absent. Idempotent by hash: a second
// store of the same hash under the same service is a no-op. Storing the same
// hash under a different service fails with ErrServiceMismatch.
func (db *DB) StoreEmbedding(ctx context.Context, hash []byte, vec []float32, tokenCount int, serviceID int64) error {
	return db.storeEmbeddingOn(ctx, db.DB, hash, vec, tokenCount, serviceID)
}

func (db *DB) storeEmbeddingOn(ctx context.Context, q execer, hash []byte, vec []float32, tokenCount int, serviceID int64) error {
	_, err := db.storeEmbeddingInserted(ctx, q, hash, vec, tokenCount, serviceID)
	return err
}

// storeEmbeddingInserted reports whether a row was inserted so document
// transactions know whether a projection row is owed.
func (db *DB) storeEmbeddingInserted(ctx context.Context, q execer, hash []byte, vec []float32, tokenCount int, serviceID int64) (bool, error) {
	if tokenCount < 0 {
		return false, fmt.Errorf("token count must be >= 0")
	}

	var existing int64
	err := q.QueryRowContext(ctx, "SELECT service_id FROM embeddings WHERE hash = ?", hash).Scan(&existing)
	switch {
	case err == nil:
		if existing != serviceID {
			return false, fmt.Errorf("hash %x: service %d vs %d: %w", hash[:4], existing, serviceID, ErrServiceMismatch)
		}
		return false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("check embedding: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO embeddings (hash, embedding, token_count, service_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		hash, EncodeVector(vec), tokenCount, serviceID, nowMillis())
	if err != nil {
		return false, fmt.Errorf("store embedding: %w", err)
	}
	return true, nil
}

// GetEmbedding returns the stored embedding for a hash.
func (db *DB) GetEmbedding(ctx context.Context, hash []byte) (*Embedding, error) {
	var e Embedding
	var blob []byte
	var createdAt int64
	err := db.QueryRowContext(ctx, `
		SELECT hash, embedding, token_count, service_id, created_at
		FROM embeddings WHERE hash = ?`, hash).
		Scan(&e.Hash, &blob, &e.TokenCount, &e.ServiceID, &createdAt)
	if err != nil {
		return nil, classifyNotFound(err, "embedding")
	}
	vec, err := DecodeVector(blob)
	if err != nil {
		return nil, err
	}
	e.Vector = vec
	e.CreatedAt = time.UnixMilli(createdAt)
	return &e, nil
}

// CountEmbeddings returns the number of embeddings owned by a service.
func (db *DB) CountEmbeddings(ctx context.Context, serviceID int64) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM embeddings WHERE service_id = ?", serviceID).Scan(&n)
	return n, err
}
