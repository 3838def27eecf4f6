package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/koga2020a/sftp-watch/internal/logging"
)

const debounceInterval = 300 * time.Millisecond

// Watch reloads the config file at path whenever it changes and hands the
// result to onChange. A reload that fails is logged and the previous
// config stays in effect. Blocks until ctx is cancelled.
//
// The directory is watched rather than the file so that editors which
// replace the file on save keep triggering reloads.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	l := logging.Sub("config")
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	l.Debug("watching config", "path", abs)

	timer := time.NewTimer(debounceInterval)
	timer.Stop()
	dirty := false

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			dirty = true
			timer.Reset(debounceInterval)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.Warn("config watcher error", "err", err)

		case <-timer.C:
			if !dirty {
				continue
			}
			dirty = false
			c, err := Load(abs)
			if err != nil {
				l.Warn("config reload failed, keeping previous settings", "err", err)
				continue
			}
			l.Info("config reloaded", "path", abs)
			onChange(c)
		}
	}
}
