package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/abdul-hamid-achik/vecmemo/internal/db"
)

// ErrTerminal is wrapped by errors returned when a queue item exhausts its
// retries.
var ErrTerminal = errors.New("queue item failed terminally")

// Index enqueues a document and processes it synchronously. The queue is the
// sole authority for ingestion state; Index is enqueue + process_queue_item.
func (s *Service) Index(ctx context.Context, sourceType string, sourceID int64, text string, pairID, parentID *int64) error {
	if err := s.Enqueue(ctx, sourceType, sourceID, text, pairID, parentID); err != nil {
		return err
	}
	return s.ProcessQueueItem(ctx, sourceType, sourceID)
}

// Enqueue upserts a document into the work queue. Re-enqueuing an existing
// (source_type, source_id) resets it to pending with a fresh attempt budget.
func (s *Service) Enqueue(ctx context.Context, sourceType string, sourceID int64, text string, pairID, parentID *int64) error {
	return s.db.Enqueue(ctx, sourceType, sourceID, text, pairID, parentID)
}

// ProcessQueueItem drives one item to success or terminal failure inside
// this call, retrying up to max_retries times. After the budget is spent the
// item goes terminal and the last error is returned, wrapped with
// ErrTerminal.
func (s *Service) ProcessQueueItem(ctx context.Context, sourceType string, sourceID int64) error {
	item, err := s.db.GetQueueItem(ctx, sourceType, sourceID)
	if err != nil {
		return err
	}
	switch {
	case item.Status == db.QueueStatusSuccess:
		return nil
	case item.Status >= 1:
		return fmt.Errorf("%s/%d after %d attempts: %s: %w",
			sourceType, sourceID, item.Attempts, item.ErrorMsg, ErrTerminal)
	}

	for {
		err := s.pipeline.EmbedAndStore(ctx, *item)
		if err == nil {
			return s.db.MarkQueueSuccess(ctx, item.ID)
		}
		s.log.Warn("ingestion attempt failed",
			zap.String("source_type", sourceType),
			zap.Int64("source_id", sourceID),
			zap.Error(err))

		terminal, markErr := s.db.MarkQueueFailure(ctx, item.ID, err.Error(), s.cfg.MaxRetries)
		if markErr != nil {
			return markErr
		}
		if terminal {
			return fmt.Errorf("%s/%d: %s: %w", sourceType, sourceID, err.Error(), ErrTerminal)
		}
	}
}

// ProcessQueue drains pending items in batches, oldest first. Each pass over
// a batch attempts every item once; items that keep failing accumulate
// attempts across passes until they go terminal, so the loop always
// terminates when a select comes back empty. One document's failure never
// affects another.
func (s *Service) ProcessQueue(ctx context.Context) error {
	for {
		items, err := s.db.DequeuePending(ctx, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		for _, item := range items {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.pipeline.EmbedAndStore(ctx, item); err != nil {
				s.log.Warn("queue item failed",
					zap.String("source_type", item.SourceType),
					zap.Int64("source_id", item.SourceID),
					zap.Int("attempts", item.Attempts+1),
					zap.Error(err))
				if _, markErr := s.db.MarkQueueFailure(ctx, item.ID, err.Error(), s.cfg.MaxRetries); markErr != nil {
					return markErr
				}
				continue
			}
			if err := s.db.MarkQueueSuccess(ctx, item.ID); err != nil {
				return err
			}
		}
	}
}

// ProcessQueueAsync starts queue processing in the background and returns
// immediately. The pass runs to natural completion; there is no external
// cancellation and no completion signal -- callers that need either should
// use ProcessQueue. Close waits for the pass to finish.
func (s *Service) ProcessQueueAsync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.ProcessQueue(context.Background()); err != nil {
			s.log.Error("background queue processing failed", zap.Error(err))
			return
		}
		s.log.Debug("background queue processing drained")
	}()
	return nil
}

// Reindex deletes and re-enqueues everything indexed under a source type in
// one transaction. The text comes from the text store when enabled,
// otherwise from lookup. Processing the re-enqueued items is a separate
// step: follow with ProcessQueue.
func (s *Service) Reindex(ctx context.Context, sourceType string, lookup func(sourceID int64) (string, error)) (int, error) {
	return s.db.ReindexSource(ctx, s.svc.ID, sourceType, lookup)
}

// QueueStats counts queue items per state.
func (s *Service) QueueStats(ctx context.Context) (db.QueueStats, error) {
	return s.db.GetQueueStats(ctx)
}

// ClearQueue removes pending items; with all set, every item.
func (s *Service) ClearQueue(ctx context.Context, all bool) (int64, error) {
	return s.db.ClearQueue(ctx, all)
}
