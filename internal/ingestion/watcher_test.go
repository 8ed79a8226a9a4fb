package ingestion

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docchat/backend/internal/storage/models"
)

func TestWatchedPath(t *testing.T) {
	tests := []struct {
		name string
		ev   fsnotify.Event
		want bool
	}{
		{"create pdf", fsnotify.Event{Name: "/in/a.pdf", Op: fsnotify.Create}, true},
		{"write html", fsnotify.Event{Name: "/in/a.html", Op: fsnotify.Write}, true},
		{"remove pdf", fsnotify.Event{Name: "/in/a.pdf", Op: fsnotify.Remove}, false},
		{"chmod pdf", fsnotify.Event{Name: "/in/a.pdf", Op: fsnotify.Chmod}, false},
		{"text file", fsnotify.Event{Name: "/in/a.txt", Op: fsnotify.Create}, false},
		{"hidden file", fsnotify.Event{Name: "/in/.a.pdf", Op: fsnotify.Create}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := watchedPath(tt.ev)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestWatcher_IngestsExistingAndDroppedFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "existing.pdf"), []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("txt"), 0o644))

	got := make(chan string, 10)
	ingest := func(_ context.Context, data []byte, filename string) (*models.Document, error) {
		got <- filename
		return &models.Document{ID: filename}, nil
	}

	w, err := NewWatcher(dir, ingest)
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case name := <-got:
		assert.Equal(t, "existing.pdf", name)
	case <-time.After(5 * time.Second):
		t.Fatal("existing file was not ingested")
	}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.pdf"), []byte("new"), 0o644))

	select {
	case name := <-got:
		assert.Equal(t, "new.pdf", name)
	case <-time.After(5 * time.Second):
		t.Fatal("dropped file was not ingested")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
