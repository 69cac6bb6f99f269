package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Queue status codes.
const (
	QueueStatusPending = -1
	QueueStatusSuccess = 0
	// Terminal failure is any status >= 1; the value records the attempt
	// count at the time the item went terminal.
)

// queueMetaPrefix packs pair_id/parent_id into the queued text as a literal
// one-line prefix; absence means both are null.
const queueMetaPrefix = "MEMO_META:"

// QueueItem is a pending piece of embedding work.
type QueueItem struct {
	ID          int64
	SourceType  string
	SourceID    int64
	Text        string // payload with the MEMO_META prefix stripped
	PairID      *int64
	ParentID    *int64
	Status      int
	ErrorMsg    string
	Attempts    int
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// PackQueueText prepends the metadata prefix when either id is set.
func PackQueueText(text string, pairID, parentID *int64) string {
	if pairID == nil && parentID == nil {
		return text
	}
	var pair, parent string
	if pairID != nil {
		pair = strconv.FormatInt(*pairID, 10)
	}
	if parentID != nil {
		parent = strconv.FormatInt(*parentID, 10)
	}
	return queueMetaPrefix + pair + "," + parent + "\n" + text
}

// ParseQueueText splits a stored queue text back into payload and metadata.
func ParseQueueText(stored string) (text string, pairID, parentID *int64) {
	if !strings.HasPrefix(stored, queueMetaPrefix) {
		return stored, nil, nil
	}
	rest := stored[len(queueMetaPrefix):]
	line, payload, found := strings.Cut(rest, "\n")
	if !found {
		line, payload = rest, ""
	}
	pairStr, parentStr, _ := strings.Cut(line, ",")
	if v, err := strconv.ParseInt(pairStr, 10, 64); err == nil {
		pairID = &v
	}
	if v, err := strconv.ParseInt(parentStr, 10, 64); err == nil {
		parentID = &v
	}
	return payload, pairID, parentID
}

// Enqueue upserts a queue item keyed by (source_type, source_id). On
// conflict the text is replaced, status resets to pending, and the error,
// attempt count and processed timestamp are cleared.
func (db *DB) Enqueue(ctx context.Context, sourceType string, sourceID int64, text string, pairID, parentID *int64) error {
	return db.enqueueOn(ctx, db.DB, sourceType, sourceID, text, pairID, parentID)
}

func (db *DB) enqueueOn(ctx context.Context, q execer, sourceType string, sourceID int64, text string, pairID, parentID *int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO embed_queue (source_type, source_id, text, status, attempts, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT (source_type, source_id) DO UPDATE SET
			text = excluded.text,
			status = excluded.status,
			error_message = NULL,
			attempts = 0,
			processed_at = NULL`,
		sourceType, sourceID, PackQueueText(text, pairID, parentID), QueueStatusPending, nowMillis())
	if err != nil {
		return fmt.Errorf("enqueue %s/%d: %w", sourceType, sourceID, err)
	}
	return nil
}

// DequeuePending returns up to limit pending items, oldest first.
func (db *DB) DequeuePending(ctx context.Context, limit int) ([]QueueItem, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, source_type, source_id, text, status, error_message, attempts, created_at, processed_at
		FROM embed_queue WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		QueueStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	defer rows.Close()
	return scanQueueItems(rows)
}

// GetQueueItem looks an item up by its natural key.
func (db *DB) GetQueueItem(ctx context.Context, sourceType string, sourceID int64) (*QueueItem, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, source_type, source_id, text, status, error_message, attempts, created_at, processed_at
		FROM embed_queue WHERE source_type = ? AND source_id = ?`, sourceType, sourceID)
	if err != nil {
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	defer rows.Close()
	items, err := scanQueueItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("queue item %s/%d: %w", sourceType, sourceID, ErrNotFound)
	}
	return &items[0], nil
}

func scanQueueItems(rows *sql.Rows) ([]QueueItem, error) {
	var items []QueueItem
	for rows.Next() {
		var item QueueItem
		var stored string
		var errMsg sql.NullString
		var createdAt int64
		var processedAt sql.NullInt64
		if err := rows.Scan(&item.ID, &item.SourceType, &item.SourceID, &stored,
			&item.Status, &errMsg, &item.Attempts, &createdAt, &processedAt); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		item.Text, item.PairID, item.ParentID = ParseQueueText(stored)
		item.ErrorMsg = errMsg.String
		item.CreatedAt = time.UnixMilli(createdAt)
		if processedAt.Valid {
			t := time.UnixMilli(processedAt.Int64)
			item.ProcessedAt = &t
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkQueueSuccess finalizes an item: status success, attempts bumped,
// processed_at stamped. Success is terminal.
func (db *DB) MarkQueueSuccess(ctx context.Context, id int64) error {
	_, err := db.ExecContext(ctx, `
		UPDATE embed_queue SET status = ?, attempts = attempts + 1, processed_at = ?, error_message = NULL
		WHERE id = ?`, QueueStatusSuccess, nowMillis(), id)
	if err != nil {
		return fmt.Errorf("mark queue success: %w", err)
	}
	return nil
}

// MarkQueueFailure records a failed attempt. The item stays pending until
// attempts reaches maxRetries, at which point the status goes terminal
// (positive, recording the attempt count) and processed_at is stamped.
// Reports whether the item went terminal.
func (db *DB) MarkQueueFailure(ctx context.Context, id int64, errMsg string, maxRetries int) (bool, error) {
	var attempts int
	err := db.QueryRowContext(ctx, "SELECT attempts FROM embed_queue WHERE id = ?", id).Scan(&attempts)
	if err != nil {
		return false, classifyNotFound(err, "queue item")
	}
	attempts++

	if attempts >= maxRetries {
		_, err = db.ExecContext(ctx, `
			UPDATE embed_queue SET status = ?, attempts = ?, error_message = ?, processed_at = ?
			WHERE id = ?`, attempts, attempts, errMsg, nowMillis(), id)
		if err != nil {
			return false, fmt.Errorf("mark queue terminal: %w", err)
		}
		return true, nil
	}

	_, err = db.ExecContext(ctx, `
		UPDATE embed_queue SET attempts = ?, error_message = ? WHERE id = ?`,
		attempts, errMsg, id)
	if err != nil {
		return false, fmt.Errorf("mark queue failure: %w", err)
	}
	return false, nil
}

// QueueStats summarizes queue state.
type QueueStats struct {
	Pending   int64
	Succeeded int64
	Failed    int64
}

// GetQueueStats counts items per state.
func (db *DB) GetQueueStats(ctx context.Context) (QueueStats, error) {
	var s QueueStats
	err := db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = -1),
			COUNT(*) FILTER (WHERE status = 0),
			COUNT(*) FILTER (WHERE status >= 1)
		FROM embed_queue`).Scan(&s.Pending, &s.Succeeded, &s.Failed)
	if err != nil {
		return s, fmt.Errorf("queue stats: %w", err)
	}
	return s, nil
}

// ClearQueue removes pending items; with all set, every row goes.
func (db *DB) ClearQueue(ctx context.Context, all bool) (int64, error) {
	query := "DELETE FROM embed_queue WHERE status = -1"
	if all {
		query = "DELETE FROM embed_queue"
	}
	res, err := db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	return res.RowsAffected()
}
