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

// watchDebounce is how long the config file must stay quiet before reload.
const watchDebounce = 200 * time.Millisecond

// Watch reloads the settings file at path whenever it changes and passes
// every valid result to onChange. Invalid edits are logged and ignored.
// Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, onChange func(*Settings)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// editors often replace the file, so watch its directory
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch dir: %w", err)
	}
	slog.Debug("watching config", "path", abs)

	var mu sync.Mutex
	var pending *time.Timer
	reload := func() {
		s, err := LoadSettings(abs)
		if err != nil {
			slog.Warn("config change ignored", "path", abs, "error", err)
			return
		}
		slog.Info("config reloaded", "path", abs)
		onChange(s)
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if pending != nil {
				pending.Stop()
			}
			mu.Unlock()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			mu.Lock()
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(watchDebounce, func() {
				if ctx.Err() != nil {
					return
				}
				reload()
			})
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("watcher error", "error", err)
		}
	}
}
