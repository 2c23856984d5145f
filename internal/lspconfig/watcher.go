package lspconfig

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher notifies when a config file changes on disk, so the orchestrator
// can re-check its signature without waiting for the next access. Watching
// is advisory: the signature check on access remains the source of truth.
type Watcher struct {
	fw     *fsnotify.Watcher
	logger *zap.Logger

	mu      sync.Mutex
	files   map[string]bool
	pending *time.Timer
	closed  bool

	onChange func(path string)
	done     chan struct{}
}

// watchDebounce coalesces editor save bursts into one notification.
const watchDebounce = 200 * time.Millisecond

// NewWatcher watches the given config file paths. Directories containing
// the files are watched so files created after startup are still seen.
func NewWatcher(paths []string, onChange func(path string), logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fw:       fw,
		logger:   logger,
		files:    make(map[string]bool),
		onChange: onChange,
		done:     make(chan struct{}),
	}
	dirs := make(map[string]bool)
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		w.files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			logger.Debug("config watch failed", zap.String("dir", dir), zap.Error(err))
		}
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil || !w.files[abs] {
				continue
			}
			w.schedule(abs)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Debug("config watch error", zap.Error(err))
		}
	}
}

// schedule arms (or re-arms) the debounce timer for a changed file.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(watchDebounce, func() {
		w.mu.Lock()
		closed := w.closed
		w.mu.Unlock()
		if closed || w.onChange == nil {
			return
		}
		w.onChange(path)
	})
}

// Close stops watching and releases resources.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()
	close(w.done)
	return w.fw.Close()
}
