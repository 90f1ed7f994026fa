package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for a burst of file events to settle.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads a Holder whenever its catalog file changes on disk.
//
// The catalog's directory is watched rather than the file itself so that
// editors and deploy tools that replace the file by rename keep triggering reloads.
type Watcher struct {
	holder   *Holder
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher

	mu       sync.Mutex
	timer    *time.Timer
	onReload func(*PriceBook)

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatcher creates a watcher for the catalog at path.
// debounce <= 0 uses DefaultDebounce.
func NewWatcher(holder *Holder, path string, debounce time.Duration) (*Watcher, error) {
	if holder == nil {
		return nil, fmt.Errorf("holder is required")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve catalog path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		holder:   holder,
		path:     abs,
		debounce: debounce,
		watcher:  fsw,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// OnReload registers fn to be called with each successfully loaded book.
func (w *Watcher) OnReload(fn func(*PriceBook)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = fn
}

// Run processes file events until ctx is cancelled or Close is called.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.doneCh)

	slog.Info("price catalog watcher started", "path", w.path)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("price catalog watcher error", "error", err)
		}
	}
}

// Close stops Run and releases the fsnotify watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)

		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()

		err = w.watcher.Close()
	})
	return err
}

// Done is closed when Run returns.
func (w *Watcher) Done() <-chan struct{} {
	return w.doneCh
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&fsnotify.Chmod == fsnotify.Chmod {
		return false
	}
	return filepath.Clean(event.Name) == w.path
}

// schedule resets the debounce timer; the reload runs once events stop arriving.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.stopCh:
			return
		default:
		}
		if err := w.holder.Reload(w.path); err != nil {
			slog.Error("price catalog reload failed, keeping previous catalog",
				"path", w.path,
				"error", err,
			)
			return
		}
		w.mu.Lock()
		fn := w.onReload
		w.mu.Unlock()
		if fn != nil {
			fn(w.holder.Book())
		}
	})
}
