package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"vitalwatch/internal/logger"
)

// reloadDelay coalesces the burst of events one save produces
// (truncate, write, chmod, rename) into a single reload.
const reloadDelay = 150 * time.Millisecond

// Watch monitors path for changes and calls onChange with the newly loaded
// Config once a save settles. It runs until ctx is cancelled.
//
// The parent directory is watched rather than the file itself, so saves
// that replace the file (write to a temp file, rename over path) keep being
// seen. If a reload fails the error is logged and onChange is not called,
// so the previous config remains active.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	name := filepath.Base(path)

	log := logger.WithComponent("config")
	log.Info().Str("path", path).Msg("watching for changes")

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			timer.Reset(reloadDelay)

		case <-timer.C:
			cfg, err := Load(path)
			if err != nil {
				log.Error().Err(err).Str("path", path).Msg("reload failed, keeping previous config")
				continue
			}
			log.Info().Str("path", path).Int("rules", len(cfg.Rules)).Msg("config reloaded")
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("watcher error")
		}
	}
}
