package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"audio-relay/work/logger"
)

// Watch reloads the config file whenever it changes on disk and hands the
// fresh Config to onChange. Only settings that are safe to apply at runtime
// (the log level) are expected to be acted upon by the caller; addresses and
// pool sizes take effect on the next start.
//
// The parent directory is watched rather than the file so editors that
// replace the file by rename are picked up. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}

	logger.Debug("{config - Watch} watching %s", abs)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			ClearConfigCache()
			cfg := LoadConfig(abs)
			logger.Info("[CONFIG_RELOAD] %s changed, log level now %s", abs, cfg.LogLevel)
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("{config - Watch} watcher error: %v", err)
		}
	}
}
