package steps

import (
	"context"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher invalidates a Loader's caches when workflow templates or coding
// standards change on disk, so edits take effect without a restart.
type Watcher struct {
	watcher  *fsnotify.Watcher
	loader   *Loader
	debounce time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
}

// NewWatcher creates a watcher over the loader's template and standards dirs.
// Missing directories are skipped, not errors.
func NewWatcher(loader *Loader) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:  fw,
		loader:   loader,
		debounce: 500 * time.Millisecond,
	}

	for _, dir := range []string{loader.templatesDir, loader.standardsDir} {
		if dir == "" {
			continue
		}
		if err := fw.Add(dir); err != nil {
			continue
		}
	}
	return w, nil
}

// Start begins watching until ctx is cancelled
func (w *Watcher) Start(ctx context.Context) {
	go func() {
		defer w.watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				log.Printf("workflow watcher: %v", err)
			}
		}
	}()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	ext := filepath.Ext(event.Name)
	if ext != ".yaml" && ext != ".yml" && !strings.HasSuffix(event.Name, ".md") {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	fire := w.pending
	w.pending = false
	w.mu.Unlock()

	if fire {
		w.loader.Invalidate()
	}
}

// SetDebounce sets the delay between a file event and the cache flush
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}
