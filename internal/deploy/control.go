package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

const (
	lockFilename = ".lock"
)

// validateLockFilePath validates that a lock file path is safe for use.
// It prevents directory traversal attacks by ensuring the path is within
// the manifest directory.
func validateLockFilePath(lockFile, baseDir string) error {
	cleanLock := filepath.Clean(lockFile)
	cleanBase := filepath.Clean(baseDir)

	if strings.Contains(lockFile, "..") {
		return errors.New("unsafe lock file path (contains directory traversal): " + lockFile)
	}

	if !strings.HasPrefix(cleanLock, cleanBase) {
		return errors.New("lock file path outside of base directory: " + lockFile)
	}

	return nil
}

func updateDevices(ctx context.Context, config *Config, devices []string, quiet, dryRun, prune bool) error {
	var syncers []*Syncer
	for _, deviceID := range devices {
		syncer, err := NewSyncer(deviceID, config, quiet, dryRun, prune)
		if err != nil {
			return err
		}
		syncers = append(syncers, syncer)
	}

	if dryRun {
		slog.Info("dry-run mode: computing the transfer plan without connecting")
	} else {
		slog.Info("sync starts")
	}

	group, ctx := errgroup.WithContext(ctx)

	for _, syncer := range syncers {
		syncer := syncer
		group.Go(func() error {
			return syncer.Update(ctx)
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	if dryRun {
		printDryRunSummary(syncers)
	} else {
		slog.Info("sync ends")
	}
	return nil
}

// printDryRunSummary prints a summary of the transfer plan for all devices
func printDryRunSummary(syncers []*Syncer) {
	fmt.Println()
	fmt.Println("=== Transfer Plan Summary (Dry Run) ===")
	fmt.Println()

	sort.Slice(syncers, func(i, j int) bool {
		return syncers[i].id < syncers[j].id
	})

	var total UsageStats
	for _, syncer := range syncers {
		stats := syncer.UsageStats()
		total.UploadFiles += stats.UploadFiles
		total.UploadBytes += stats.UploadBytes
		total.ReusedFiles += stats.ReusedFiles
		total.ReusedBytes += stats.ReusedBytes
		total.Total += stats.Total
		total.FileCount += stats.FileCount
	}

	fmt.Printf("Total across all devices:\n")
	fmt.Printf("  To upload:   %s (%d files)\n", formatBytes(total.UploadBytes), total.UploadFiles)
	fmt.Printf("  Unchanged:   %s (%d files)\n", formatBytes(total.ReusedBytes), total.ReusedFiles)
	fmt.Printf("  Total tree:  %s (%d files)\n", formatBytes(total.Total), total.FileCount)
	fmt.Println()
}

// Run starts synchronization.
//
// The first thing to do is to acquire flock on the lock file so that
// two mpsync invocations cannot interleave uploads to the same board.
//
// devices is a list of device IDs defined in the configuration file
// (or keys in config.Devices). If devices is an empty list, all devices
// will be synchronized.
func Run(ctx context.Context, config *Config, devices []string, quiet, dryRun, prune bool) error {
	if err := os.MkdirAll(config.ManifestDir, 0750); err != nil {
		return errors.Wrap(err, "Run")
	}

	lockFile := filepath.Join(config.ManifestDir, lockFilename)
	if err := validateLockFilePath(lockFile, config.ManifestDir); err != nil {
		return errors.Wrap(err, "Run")
	}

	file, err := os.Open(lockFile) // #nosec G304 - lockFile path is validated by validateLockFilePath
	switch {
	case os.IsNotExist(err):
		file2, err := os.OpenFile(lockFile, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644) // #nosec G304,G302 - lockFile path validated, 0644 standard for lock files
		if err != nil {
			return err
		}
		file = file2
	case err != nil:
		return err
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close lock file", "error", err)
		}
	}()

	fileLock := Flock{file}
	if err := fileLock.Lock(); err != nil {
		return err
	}
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			slog.Warn("failed to unlock file", "error", err)
		}
	}()
	defer func() {
		if err := os.Remove(lockFile); err != nil {
			slog.Warn("failed to remove lock file", "error", err, "path", lockFile)
		}
	}()

	if len(devices) == 0 {
		for deviceID := range config.Devices {
			devices = append(devices, deviceID)
		}
		sort.Strings(devices)
	}

	return updateDevices(ctx, config, devices, quiet, dryRun, prune)
}
