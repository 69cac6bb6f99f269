package db

import (
	"context"
	"fmt"
)

// Stats are counts scoped to one service.
type Stats struct {
	Embeddings int64 `json:"embeddings"`
	Chunks     int64 `json:"chunks"`
	Sources    int64 `json:"sources"`
}

// GetStats returns embedding, chunk and distinct-source counts for a service.
func (db *DB) GetStats(ctx context.Context, serviceID int64) (Stats, error) {
	var s Stats
	err := db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM embeddings WHERE service_id = ?),
			(SELECT COUNT(*) FROM chunks c JOIN embeddings e ON c.hash = e.hash WHERE e.service_id = ?),
			(SELECT COUNT(*) FROM (
				SELECT DISTINCT c.source_type, c.source_id
				FROM chunks c JOIN embeddings e ON c.hash = e.hash
				WHERE e.service_id = ?))`,
		serviceID, serviceID, serviceID).Scan(&s.Embeddings, &s.Chunks, &s.Sources)
	if err != nil {
		return s, fmt.Errorf("stats: %w", err)
	}
	return s, nil
}
