package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of events editors emit for one save.
const DefaultDebounce = 100 * time.Millisecond

// ChangeEvent reports that the watched file was written or replaced.
type ChangeEvent struct {
	Path string
	At   time.Time
}

// FileWatcher emits debounced change notifications for a single file. The
// parent directory is watched so atomic replace-by-rename is detected too.
type FileWatcher struct {
	path        string
	debounce    time.Duration
	logger      *slog.Logger
	mu          sync.Mutex
	subscribers []chan ChangeEvent
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewFileWatcher starts watching path.
func NewFileWatcher(path string, debounce time.Duration, logger *slog.Logger) (*FileWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &FileWatcher{
		path:     absPath,
		debounce: debounce,
		logger:   logger.With("path", absPath),
		watcher:  watcher,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go w.watchLoop(ctx)

	return w, nil
}

// Path returns the absolute path being watched.
func (w *FileWatcher) Path() string {
	return w.path
}

// Subscribe returns a channel that receives change notifications. Slow
// consumers miss intermediate events but always see the latest one pending.
func (w *FileWatcher) Subscribe() <-chan ChangeEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan ChangeEvent, 1)
	w.subscribers = append(w.subscribers, ch)
	return ch
}

// Close stops the watcher and closes subscriber channels.
func (w *FileWatcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *FileWatcher) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		w.mu.Lock()
		for _, ch := range w.subscribers {
			close(ch)
		}
		w.subscribers = nil
		w.mu.Unlock()
		close(w.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != w.path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Chmod) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(w.debounce, w.notify)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("File watcher error", "error", err)
		}
	}
}

func (w *FileWatcher) notify() {
	event := ChangeEvent{Path: w.path, At: time.Now()}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.logger.Debug("Watched file changed")
	for _, ch := range w.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}
