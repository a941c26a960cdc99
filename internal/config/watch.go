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

// watchDebounce coalesces the write bursts editors and atomic-rename
// savers produce into a single reload.
const watchDebounce = 100 * time.Millisecond

// Watch reloads the config whenever the file changes on disk and runs
// onReload with the fresh snapshot. It blocks until ctx is done. The
// parent directory is watched, not the file, so rename-style saves
// keep working.
func (m *Manager) Watch(ctx context.Context, logger *slog.Logger, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(m.configPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch config dir %s: %w", dir, err)
	}

	var (
		debounceMu    sync.Mutex
		debounceTimer *time.Timer
	)

	reload := func() {
		cfg, err := m.Load()
		if err != nil {
			logger.Error("config reload failed, keeping previous snapshot", "error", err)
			return
		}
		logger.Info("config reloaded", "path", m.configPath, "providers", len(cfg.Providers))
		if onReload != nil {
			onReload(cfg)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(m.configPath) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			debounceMu.Lock()
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(watchDebounce, reload)
			debounceMu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}
