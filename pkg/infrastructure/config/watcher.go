package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors a config file and reloads it on change. Reloads are
// debounced because editors commonly emit several write events per save.
type Watcher struct {
	watcher    *fsnotify.Watcher
	configPath string
	onReload   func(*Config)
	onError    func(error)

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

// NewWatcher creates a watcher for the given config file. onReload is invoked
// with the freshly loaded configuration after every successful reload; load
// and validation failures go to onError and leave the previous config active.
func NewWatcher(configPath string, onReload func(*Config), onError func(error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	// Watch the directory rather than the file: most editors replace the
	// file on save, which would invalidate a direct file watch.
	dir := filepath.Dir(configPath)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	return &Watcher{
		watcher:    fw,
		configPath: configPath,
		onReload:   onReload,
		onError:    onError,
	}, nil
}

// Run processes filesystem events until the context is cancelled
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(250*time.Millisecond, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.configPath)
	if err != nil {
		if w.onError != nil {
			w.onError(err)
		}
		return
	}
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
