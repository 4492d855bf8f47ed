package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the burst of filesystem events an atomic
// temp-and-rename save produces into one reload.
const watchDebounce = 100 * time.Millisecond

// Watch reloads the config whenever the file at path changes and hands the
// result to onChange. The watch runs until ctx is cancelled. The parent
// directory is watched rather than the file itself so atomic rename saves
// (which replace the inode) keep firing events.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	base := filepath.Base(path)

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.AfterFunc(watchDebounce, func() {
						reload(path, onChange)
					})
				} else {
					timer.Reset(watchDebounce)
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("[config] watch error", "path", path, "error", werr)
			}
		}
	}()
	return nil
}

func reload(path string, onChange func(Config)) {
	cfg, err := Load(path)
	if err != nil {
		slog.Warn("[config] reload after change failed, keeping previous config", "path", path, "error", err)
		return
	}
	slog.Info("[config] reloaded", "path", path)
	onChange(cfg)
}
