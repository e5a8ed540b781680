package config

import (
	"context"

	"github.com/fsnotify/fsnotify"

	"github.com/moonbitlang/submission-orchestrator/pkg/logging"
)

// Watch reloads path whenever it changes on disk and invokes onChange with the newly loaded
// Config. It runs until ctx is cancelled. Load errors during a reload are logged and skipped —
// the previous configuration stays in effect, rather than tearing down the service over a
// transient write.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	if path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}

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
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					logging.Warn("config", "ignoring invalid config reload from %s: %v", path, err)
					continue
				}
				logging.Info("config", "reloaded configuration from %s", path)
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Warn("config", "config watcher error: %v", err)
			}
		}
	}()

	return nil
}
