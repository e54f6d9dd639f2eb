package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watch reloads filePath whenever it changes and passes the result to
// onChange. Editors often write a file several times in a row, so reloads
// are debounced. Watch blocks until ctx is done. A file that fails to parse
// is logged and skipped.
func Watch(ctx context.Context, filePath string, debounce time.Duration, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory; editors replace files by rename, which drops a
	// watch on the file itself
	abs, err := filepath.Abs(filePath)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filePath, err)
	}

	logger := log.With().Str("component", "config").Str("file", abs).Logger()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			cfg, err := LoadConfigFromFile(abs)
			if err == nil {
				applyEnvOverrides(cfg)
				err = cfg.Validate()
			}
			if err != nil {
				logger.Warn().Err(err).Msg("Ignoring invalid configuration change")
				continue
			}
			logger.Info().Msg("Configuration reloaded")
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("Watcher error")

		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		}
	}
}
