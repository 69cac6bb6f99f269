package db

import (
	"context"
	"fmt"
)

// ProjectionCount is the number of projection dimensions (and vectors) per
// service.
const ProjectionCount = 8

// StoreProjectionVectors persists the K generated projection vectors for a
// service. The row is write-once: a second call for the same service fails.
func (db *DB) StoreProjectionVectors(ctx context.Context, serviceID int64, vectors [][]float32) error {
	if len(vectors) != ProjectionCount {
		return fmt.Errorf("expected %d projection vectors, got %d", ProjectionCount, len(vectors))
	}
	args := make([]any, 0, ProjectionCount+2)
	args = append(args, serviceID)
	for _, v := range vectors {
		args = append(args, EncodeVector(v))
	}
	args = append(args, nowMillis())
	_, err := db.ExecContext(ctx, `
		INSERT INTO projection_vectors (service_id, vec_0, vec_1, vec_2, vec_3, vec_4, vec_5, vec_6, vec_7, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return fmt.Errorf("store projection vectors: %w", err)
	}
	return nil
}

// GetProjectionVectors loads the projection vectors of a service, or
// ErrNotFound when none were generated yet.
func (db *DB) GetProjectionVectors(ctx context.Context, serviceID int64) ([][]float32, error) {
	blobs := make([][]byte, ProjectionCount)
	err := db.QueryRowContext(ctx, `
		SELECT vec_0, vec_1, vec_2, vec_3, vec_4, vec_5, vec_6, vec_7
		FROM projection_vectors WHERE service_id = ?`, serviceID).
		Scan(&blobs[0], &blobs[1], &blobs[2], &blobs[3], &blobs[4], &blobs[5], &blobs[6], &blobs[7])
	if err != nil {
		return nil, classifyNotFound(err, "projection vectors")
	}
	vectors := make([][]float32, ProjectionCount)
	for i, b := range blobs {
		v, err := DecodeVector(b)
		if err != nil {
			return nil, fmt.Errorf("projection vector %d: %w", i, err)
		}
		vectors[i] = v
	}
	return vectors, nil
}

// StoreProjection records the K projection values of a hash. Created in the
// same transaction as the embedding, deleted in lockstep.
func (db *DB) StoreProjection(ctx context.Context, hash []byte, proj []float64) error {
	return db.storeProjectionOn(ctx, db.DB, hash, proj)
}

func (db *DB) storeProjectionOn(ctx context.Context, q execer, hash []byte, proj []float64) error {
	if len(proj) != ProjectionCount {
		return fmt.Errorf("expected %d projection values, got %d", ProjectionCount, len(proj))
	}
	args := make([]any, 0, ProjectionCount+1)
	args = append(args, hash)
	for _, p := range proj {
		args = append(args, p)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO projections (hash, proj_0, proj_1, proj_2, proj_3, proj_4, proj_5, proj_6, proj_7)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return fmt.Errorf("store projection: %w", err)
	}
	return nil
}

// GetProjection returns the stored projection values for a hash.
func (db *DB) GetProjection(ctx context.Context, hash []byte) ([]float64, error) {
	proj := make([]float64, ProjectionCount)
	err := db.QueryRowContext(ctx, `
		SELECT proj_0, proj_1, proj_2, proj_3, proj_4, proj_5, proj_6, proj_7
		FROM projections WHERE hash = ?`, hash).
		Scan(&proj[0], &proj[1], &proj[2], &proj[3], &proj[4], &proj[5], &proj[6], &proj[7])
	if err != nil {
		return nil, classifyNotFound(err, "projection")
	}
	return proj, nil
}
