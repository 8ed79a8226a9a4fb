package ingestion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/apperr"
	"github.com/docchat/backend/internal/storage/models"
	"github.com/docchat/backend/pkg/logger"
)

// IngestFunc submits a document for ingestion.
type IngestFunc func(ctx context.Context, data []byte, filename string) (*models.Document, error)

// Watcher ingests supported files dropped into a directory. Files already in
// the directory are ingested when Run starts; content deduplication makes
// repeated submissions harmless.
type Watcher struct {
	dir      string
	ingest   IngestFunc
	debounce time.Duration
	fsw      *fsnotify.Watcher
	log      *zap.Logger
}

func NewWatcher(dir string, ingest IngestFunc) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create watch directory: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	return &Watcher{
		dir:      dir,
		ingest:   ingest,
		debounce: 500 * time.Millisecond,
		fsw:      fsw,
		log:      logger.Named("watcher"),
	}, nil
}

// Run blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	w.log.Info("Watching directory for documents", zap.String("dir", w.dir))

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", w.dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() && watchedFile(e.Name()) {
			w.ingestFile(ctx, filepath.Join(w.dir, e.Name()))
		}
	}

	// Writers emit several events per file; wait for them to settle.
	var mu sync.Mutex
	timers := make(map[string]*time.Timer)
	ready := make(chan string, 16)
	defer func() {
		mu.Lock()
		for _, t := range timers {
			t.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			path, ok := watchedPath(ev)
			if !ok {
				continue
			}
			mu.Lock()
			if t, exists := timers[path]; exists {
				t.Reset(w.debounce)
			} else {
				timers[path] = time.AfterFunc(w.debounce, func() {
					mu.Lock()
					delete(timers, path)
					mu.Unlock()
					select {
					case ready <- path:
					case <-ctx.Done():
					}
				})
			}
			mu.Unlock()

		case path := <-ready:
			w.ingestFile(ctx, path)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("Watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) ingestFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.log.Warn("Failed to read dropped file", zap.String("path", path), zap.Error(err))
		return
	}

	doc, err := w.ingest(ctx, data, filepath.Base(path))
	switch {
	case err == nil:
		w.log.Info("Dropped file submitted", zap.String("path", path), zap.String("document_id", doc.ID))
	case apperr.Is(err, apperr.KindDuplicateDocument):
		w.log.Debug("Dropped file already ingested", zap.String("path", path))
	default:
		w.log.Warn("Failed to submit dropped file", zap.String("path", path), zap.Error(err))
	}
}

// watchedPath returns the file an event refers to when it should trigger an
// ingestion.
func watchedPath(ev fsnotify.Event) (string, bool) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return "", false
	}
	if !watchedFile(filepath.Base(ev.Name)) {
		return "", false
	}
	return ev.Name, true
}

func watchedFile(name string) bool {
	return !strings.HasPrefix(name, ".") && SupportedExtension(name)
}
