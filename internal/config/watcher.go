package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// DefaultDebounce is the quiet period before a changed file is reloaded.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads the configuration file when it changes on disk.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher returns a watcher for path. onChange receives every successfully
// loaded configuration; invalid files are logged and ignored.
func NewWatcher(path string, debounce time.Duration, onChange func(*Config)) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{path: path, debounce: debounce, onChange: onChange}
}

// Run blocks until ctx is cancelled. The parent directory is watched so that
// editors replacing the file through a rename are still observed.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, errNew := fsnotify.NewWatcher()
	if errNew != nil {
		return fmt.Errorf("config: create watcher: %w", errNew)
	}
	defer func() {
		_ = fsw.Close()
	}()

	dir := filepath.Dir(w.path)
	if errAdd := fsw.Add(dir); errAdd != nil {
		return fmt.Errorf("config: watch %s: %w", dir, errAdd)
	}
	log.Infof("watching config file %s", w.path)

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return fmt.Errorf("config: watcher events channel closed")
			}
			if !w.relevant(event) {
				continue
			}
			w.schedule()
		case errWatch, ok := <-fsw.Errors:
			if !ok {
				return fmt.Errorf("config: watcher errors channel closed")
			}
			log.WithError(errWatch).Warn("config watcher error")
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&fsnotify.Chmod == fsnotify.Chmod {
		return false
	}
	return filepath.Clean(event.Name) == filepath.Clean(w.path)
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Watcher) reload() {
	cfg, errLoad := Load(w.path)
	if errLoad != nil {
		log.WithError(errLoad).Warn("config reload rejected, keeping previous configuration")
		return
	}
	log.Infof("config reloaded from %s", w.path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
