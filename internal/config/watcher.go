package config

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives every successfully loaded and validated config.
// It runs on the watcher goroutine.
type ReloadFunc func(newCfg *Config)

// Watcher reloads the config file when it changes. fsnotify events on the
// parent directory give fast reaction to editor saves; a content-hash poll
// catches mounted-volume updates that swap symlinks without inotify events.
type Watcher struct {
	path         string
	dir          string
	onReload     ReloadFunc
	logger       *slog.Logger
	debounce     time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewWatcher creates a watcher. Nothing is watched until Start is called.
func NewWatcher(path string, onReload ReloadFunc, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:         path,
		dir:          filepath.Dir(path),
		onReload:     onReload,
		logger:       logger.With("component", "config-watcher"),
		debounce:     300 * time.Millisecond,
		pollInterval: 2 * time.Second,
	}
}

// Start blocks until ctx is canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return err
	}

	w.logger.Info("watching config file", "path", w.path)

	lastHash := hashFile(w.path)
	var debounce <-chan time.Time

	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) && filepath.Base(ev.Name) != "..data" {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				debounce = time.After(w.debounce)
			}

		case <-debounce:
			debounce = nil
			lastHash = w.reloadIfChanged(lastHash)

		case <-poll.C:
			lastHash = w.reloadIfChanged(lastHash)

		case werr, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", werr)
		}
	}
}

// reloadIfChanged reloads when the file content hash differs from last and
// returns the current hash.
func (w *Watcher) reloadIfChanged(last string) string {
	current := hashFile(w.path)
	if current == last {
		return last
	}

	newCfg, err := LoadFromPath(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous config", "error", err)
		return current
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.onReload(newCfg)
	return current
}

// Stop terminates Start. Safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	if w.cancel != nil {
		w.cancel()
	}
}

// hashFile returns the SHA-256 of the resolved file content, or "" when
// the file cannot be read.
func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return string(h.Sum(nil))
}
