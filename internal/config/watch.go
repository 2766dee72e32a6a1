package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config from path whenever the file changes and applies
// the new values onto cfg in place via ReplaceFrom; secrets are re-read from
// the environment after every reload. Only code that reads cfg at use time
// sees the new values: components that copied their settings when they were
// constructed (rate governor, queues, dispatcher, supervisor, sweeps) keep
// the values they started with. The config holds no per-channel toggles.
func Watch(ctx context.Context, path string, cfg *Config) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	lastHash := cfg.Hash()

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				reloaded, err := Load(path)
				if err != nil {
					slog.Warn("config reload failed", "error", err)
					continue
				}
				if h := reloaded.Hash(); h == lastHash {
					continue
				} else {
					lastHash = h
				}
				cfg.ReplaceFrom(reloaded)
				slog.Info("config reloaded", "path", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()

	return nil
}
