package deploy

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 500 * time.Millisecond

// Watch runs an initial sync and then re-runs it whenever a watched
// local path changes. Bursts of events (editor save, mpy-cross output)
// are coalesced into a single run.
func Watch(ctx context.Context, config *Config, devices []string, quiet, prune bool) error {
	if err := Run(ctx, config, devices, quiet, false, prune); err != nil {
		// The watcher keeps going: a board that is briefly offline
		// should not kill the session.
		slog.Error("sync failed, watching for changes", "error", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "Watch")
	}
	defer watcher.Close()

	ids := devices
	if len(ids) == 0 {
		for deviceID := range config.Devices {
			ids = append(ids, deviceID)
		}
	}

	watched := make(map[string]bool)
	for _, deviceID := range ids {
		dc, ok := config.Devices[deviceID]
		if !ok {
			return errors.New("no such device: " + deviceID)
		}
		for _, p := range dc.Paths {
			if err := addTree(watcher, p, watched); err != nil {
				return errors.Wrap(err, "Watch: "+p)
			}
		}
	}
	slog.Info("watching for changes", "dirs", len(watched))

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// New subdirectories must be picked up as they appear.
			if event.Op&fsnotify.Create != 0 {
				if st, err := os.Stat(event.Name); err == nil && st.IsDir() {
					if err := addTree(watcher, event.Name, watched); err != nil {
						slog.Warn("cannot watch new directory", "path", event.Name, "error", err)
					}
				}
			}
			slog.Debug("change detected", "path", event.Name, "op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(watchDebounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watch error", "error", err)

		case <-fire:
			timer = nil
			fire = nil
			if err := Run(ctx, config, devices, quiet, false, prune); err != nil {
				slog.Error("sync failed, watching for changes", "error", err)
			}
		}
	}
}

// addTree registers a path and, for directories, all subdirectories.
func addTree(watcher *fsnotify.Watcher, root string, watched map[string]bool) error {
	st, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		dir := filepath.Dir(root)
		if watched[dir] {
			return nil
		}
		watched[dir] = true
		return watcher.Add(dir)
	}

	return filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() || watched[p] {
			return nil
		}
		watched[p] = true
		return watcher.Add(p)
	})
}
