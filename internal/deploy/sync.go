package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"regexp"

	"github.com/cheggaaa/pb/v3"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/mpsync/mpsync/internal/flashfs"
)

var (
	validID = regexp.MustCompile(`^[a-z0-9_-]+$`)
)

// IsValidID checks if the given device ID is valid.
func IsValidID(id string) bool {
	return validID.MatchString(id)
}

// UsageStats tracks transfer statistics for one device sync.
type UsageStats struct {
	UploadFiles int    // Files that need uploading
	UploadBytes uint64 // Bytes that need uploading
	ReusedFiles int    // Files unchanged since the last sync
	ReusedBytes uint64 // Bytes skipped thanks to the manifest
	Total       uint64 // Total size of the local tree
	FileCount   int    // Total number of files considered
}

// Syncer mirrors one device's configured paths to its /flash tree.
type Syncer struct {
	id       string
	dc       *DeviceConfig
	manifest *Manifest
	client   *FTPClient

	quiet  bool
	dryRun bool
	prune  bool

	usageStats *UsageStats
}

// NewSyncer constructs a Syncer for the given device id.
func NewSyncer(deviceID string, config *Config, quiet, dryRun, prune bool) (*Syncer, error) {
	dc, ok := config.Devices[deviceID]
	if !ok {
		return nil, errors.New("no such device: " + deviceID)
	}

	// sanity checks
	if !IsValidID(deviceID) {
		return nil, errors.New("invalid id: " + deviceID)
	}
	applyDeviceDefaults(dc)
	if err := dc.Check(); err != nil {
		return nil, errors.Wrap(err, deviceID)
	}

	if err := os.MkdirAll(config.ManifestDir, 0750); err != nil {
		return nil, errors.Wrap(err, deviceID)
	}
	manifest, err := NewManifest(config.ManifestDir, deviceID)
	if err != nil {
		return nil, errors.Wrap(err, deviceID)
	}
	if err := manifest.Load(); err != nil {
		return nil, errors.Wrap(err, deviceID)
	}

	return &Syncer{
		id:         deviceID,
		dc:         dc,
		manifest:   manifest,
		client:     NewFTPClient(deviceID, dc, config.MaxConns),
		quiet:      quiet,
		dryRun:     dryRun,
		prune:      prune,
		usageStats: &UsageStats{},
	}, nil
}

// UsageStats returns the statistics collected by the last Update.
func (s *Syncer) UsageStats() *UsageStats {
	return s.usageStats
}

// PrintUsageStats prints transfer statistics for this device.
func (s *Syncer) PrintUsageStats() {
	stats := s.usageStats
	fmt.Printf("Device: %s\n", s.id)
	fmt.Printf("  To upload:   %s (%d files)\n", formatBytes(stats.UploadBytes), stats.UploadFiles)
	fmt.Printf("  Unchanged:   %s (%d files)\n", formatBytes(stats.ReusedBytes), stats.ReusedFiles)
	fmt.Printf("  Total tree:  %s (%d files)\n", formatBytes(stats.Total), stats.FileCount)
	fmt.Println()
}

type upResult struct {
	fi  *flashfs.FileInfo
	err error
}

// Update synchronizes the device with the local tree.
func (s *Syncer) Update(ctx context.Context) error {
	defer s.client.Close()

	files, err := WalkPaths(s.dc)
	if err != nil {
		return errors.Wrap(err, s.id)
	}

	var uploads []LocalFile
	for _, lf := range files {
		s.usageStats.FileCount++
		s.usageStats.Total += lf.Info.Size()
		if s.manifest.Lookup(lf.Info) != nil {
			s.usageStats.ReusedFiles++
			s.usageStats.ReusedBytes += lf.Info.Size()
			continue
		}
		s.usageStats.UploadFiles++
		s.usageStats.UploadBytes += lf.Info.Size()
		uploads = append(uploads, lf)
	}

	slog.Info("sync plan", "device", s.id, "total", s.usageStats.FileCount,
		"unchanged", s.usageStats.ReusedFiles, "upload", s.usageStats.UploadFiles)

	if s.dryRun {
		for _, lf := range uploads {
			fmt.Printf("  would upload %s (%s)\n", lf.Info.Path(), formatBytes(lf.Info.Size()))
		}
		s.PrintUsageStats()
		return nil
	}

	if err := s.uploadAll(ctx, uploads); err != nil {
		return errors.Wrap(err, s.id)
	}

	if s.prune {
		if err := s.pruneRemote(ctx, files); err != nil {
			return errors.Wrap(err, s.id)
		}
	}

	// all files are uploaded (or reused)
	if err := s.manifest.Save(); err != nil {
		return errors.Wrap(err, s.id)
	}

	slog.Info("sync succeeded", "device", s.id,
		"uploaded", s.usageStats.UploadFiles, "unchanged", s.usageStats.ReusedFiles)
	return nil
}

// uploadAll transfers the planned files and records them in the manifest.
func (s *Syncer) uploadAll(ctx context.Context, uploads []LocalFile) error {
	if len(uploads) == 0 {
		return nil
	}

	var bar *pb.ProgressBar
	if !s.quiet {
		bar = pb.Full.Start64(int64(s.usageStats.UploadBytes))
		defer bar.Finish()
	}

	results := make(chan upResult, len(uploads))

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer close(results)

		workers, workerCtx := errgroup.WithContext(ctx)
		for _, lf := range uploads {
			lf := lf
			workers.Go(func() error {
				err := s.client.Upload(workerCtx, s.dc.RemoteDir, lf, bar)
				results <- upResult{fi: lf.Info, err: err}
				return nil
			})
		}
		return workers.Wait()
	})

	var firstErr error
	group.Go(func() error {
		for r := range results {
			if r.err != nil {
				// Keep draining so the senders never block.
				if firstErr == nil {
					firstErr = r.err
				}
				continue
			}
			if err := s.manifest.Record(r.fi); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})

	return group.Wait()
}

// pruneRemote deletes remote files that are absent from the local tree.
func (s *Syncer) pruneRemote(ctx context.Context, files []LocalFile) error {
	local := make(map[string]bool, len(files))
	for _, lf := range files {
		local[lf.Info.Path()] = true
	}

	remote, err := s.client.ListTree(ctx, s.dc.RemoteDir)
	if err != nil {
		return err
	}

	for _, p := range remote {
		if local[p] {
			continue
		}
		slog.Info("removing remote file", "device", s.id, "path", p)
		if err := s.client.Delete(ctx, path.Join(s.dc.RemoteDir, p)); err != nil {
			return err
		}
		s.manifest.Forget(p)
	}
	return nil
}

// formatBytes formats a byte count as a human-readable string
func formatBytes(bytes uint64) string {
	if bytes == 0 {
		return "0 B"
	}

	units := []string{"B", "KiB", "MiB", "GiB", "TiB"}
	size := float64(bytes)
	unit := 0
	for size >= 1024 && unit < len(units)-1 {
		size /= 1024
		unit++
	}
	if unit == 0 {
		return fmt.Sprintf("%d %s", bytes, units[unit])
	}
	return fmt.Sprintf("%.1f %s", size, units[unit])
}
