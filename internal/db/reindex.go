package db

import (
	"context"
	"fmt"
)

// ReindexSource re-enqueues every document indexed under a source type for a
// service: collect the current (source_id, pair_id, parent_id) tuples,
// delete their chunks (with orphan cleanup), and enqueue each for fresh
// ingestion -- all in one transaction. The text comes from the text store
// when enabled, otherwise from the caller-supplied lookup. Processing the
// re-enqueued items is a separate step. Returns the number of documents
// re-enqueued.
func (db *DB) ReindexSource(ctx context.Context, serviceID int64, sourceType string, lookup func(sourceID int64) (string, error)) (int, error) {
	if !db.storeText && lookup == nil {
		return 0, fmt.Errorf("reindex %s: no text storage and no lookup function", sourceType)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	refs, err := db.listSourcesOn(ctx, tx, sourceType, serviceID)
	if err != nil {
		return 0, err
	}

	for _, ref := range refs {
		var text string
		if db.storeText {
			text, err = db.sourceTextOn(ctx, tx, sourceType, ref.SourceID, serviceID)
		} else {
			text, err = lookup(ref.SourceID)
		}
		if err != nil {
			return 0, fmt.Errorf("reindex %s/%d: %w", sourceType, ref.SourceID, err)
		}

		if _, err := db.deleteChunksOn(ctx, tx, ref.SourceID, sourceType, serviceID); err != nil {
			return 0, err
		}
		if err := db.enqueueOn(ctx, tx, sourceType, ref.SourceID, text, ref.PairID, ref.ParentID); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit reindex: %w", err)
	}
	return len(refs), nil
}
