package source

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatcherConfig configures filesystem watching.
type WatcherConfig struct {
	// Debounce batches changes landing within this window.
	Debounce time.Duration
}

// DefaultWatcherConfig returns sensible defaults for the watcher.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{Debounce: 500 * time.Millisecond}
}

// Indexer is the slice of the service the watcher drives.
type Indexer interface {
	Index(ctx context.Context, sourceType string, sourceID int64, text string, pairID, parentID *int64) error
	Delete(ctx context.Context, sourceID int64, sourceType string) (int64, error)
}

// Watcher re-ingests changed files and removes deleted ones.
type Watcher struct {
	scanner *Scanner
	indexer Indexer
	config  WatcherConfig
	log     *zap.Logger
	watcher *fsnotify.Watcher

	pendingMu sync.Mutex
	pending   map[string]fsnotify.Op

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher creates a watcher over the scanner's root.
func NewWatcher(scanner *Scanner, indexer Indexer, cfg WatcherConfig, log *zap.Logger) (*Watcher, error) {
	if cfg.Debounce == 0 {
		cfg.Debounce = DefaultWatcherConfig().Debounce
	}
	if log == nil {
		log = zap.NewNop()
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		scanner: scanner,
		indexer: indexer,
		config:  cfg,
		log:     log,
		watcher: fsWatcher,
		pending: make(map[string]fsnotify.Op),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start begins watching recursively and returns immediately.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.scanner.Root()); err != nil {
		return err
	}
	go w.loop(ctx)
	return nil
}

// Stop ends watching and waits for the loop to exit.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	<-w.doneCh
	return w.watcher.Close()
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr == nil && rel != "." {
			if base := filepath.Base(p); base == ".git" || base == ".vecmemo" {
				return filepath.SkipDir
			}
		}
		return w.watcher.Add(p)
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)
	timer := time.NewTimer(w.config.Debounce)
	timer.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", zap.Error(err))
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(event.Name); err != nil {
						w.log.Warn("watch new directory", zap.String("path", event.Name), zap.Error(err))
					}
					continue
				}
			}
			w.pendingMu.Lock()
			w.pending[event.Name] |= event.Op
			w.pendingMu.Unlock()
			timer.Reset(w.config.Debounce)
		case <-timer.C:
			w.flush(ctx)
		}
	}
}

// flush applies the batched events: writes re-index, removals delete.
func (w *Watcher) flush(ctx context.Context) {
	w.pendingMu.Lock()
	batch := w.pending
	w.pending = make(map[string]fsnotify.Op)
	w.pendingMu.Unlock()

	for path, op := range batch {
		rel, err := filepath.Rel(w.scanner.Root(), path)
		if err != nil {
			continue
		}
		sourceType := w.scanner.SourceType()

		if op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename) {
			if _, err := w.indexer.Delete(ctx, SourceID(rel), sourceType); err != nil {
				w.log.Warn("delete on remove failed", zap.String("path", rel), zap.Error(err))
			}
			continue
		}

		doc, ok := w.scanner.Load(rel)
		if !ok {
			continue
		}
		if err := w.indexer.Index(ctx, sourceType, doc.SourceID, doc.Text, nil, nil); err != nil {
			w.log.Warn("auto-reindex failed", zap.String("path", rel), zap.Error(err))
		}
	}
}
