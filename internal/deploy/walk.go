package deploy

import (
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/mpsync/mpsync/internal/flashfs"
)

// LocalFile pairs a workstation file with its remote-relative record.
type LocalFile struct {
	LocalPath string
	Info      *flashfs.FileInfo
}

// Excluded reports whether relPath should be skipped.
//
// Patterns ending in "/" match directory base names (how __pycache__/
// is excluded). Other patterns match file base names, or the whole
// remote-relative path when the pattern contains a slash.
func Excluded(patterns []string, relPath string, isDir bool) bool {
	base := path.Base(relPath)
	for _, pattern := range patterns {
		if dirPattern, ok := strings.CutSuffix(pattern, "/"); ok {
			if !isDir {
				continue
			}
			if matched, _ := path.Match(dirPattern, base); matched {
				return true
			}
			continue
		}
		if isDir {
			continue
		}
		if matched, _ := path.Match(pattern, base); matched {
			return true
		}
		if strings.Contains(pattern, "/") {
			if matched, _ := path.Match(pattern, relPath); matched {
				return true
			}
		}
	}
	return false
}

// remoteBase maps a configured sync path to its remote-relative root.
//
// Relative paths keep their structure ("lib/terkin" lands under
// lib/terkin); absolute paths land under their base name.
func remoteBase(configured string) string {
	cleaned := path.Clean(filepath.ToSlash(configured))
	if filepath.IsAbs(configured) || strings.HasPrefix(cleaned, "..") {
		return path.Base(cleaned)
	}
	return cleaned
}

// WalkPaths walks the device's configured paths and returns the files
// to consider for upload, with checksums computed.
func WalkPaths(dc *DeviceConfig) ([]LocalFile, error) {
	patterns := dc.ExcludePatterns()

	var files []LocalFile
	for _, configured := range dc.Paths {
		st, err := os.Stat(configured)
		if err != nil {
			return nil, errors.Wrap(err, "WalkPaths: "+configured)
		}

		base := remoteBase(configured)
		if !st.IsDir() {
			if Excluded(patterns, base, false) {
				continue
			}
			fi, err := flashfs.FromFile(configured, base)
			if err != nil {
				return nil, errors.Wrap(err, "WalkPaths: "+configured)
			}
			files = append(files, LocalFile{LocalPath: configured, Info: fi})
			continue
		}

		err = filepath.Walk(configured, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(configured, p)
			if err != nil {
				return err
			}
			relPath := base
			if rel != "." {
				relPath = path.Join(base, filepath.ToSlash(rel))
			}

			if info.IsDir() {
				if rel != "." && Excluded(patterns, relPath, true) {
					return filepath.SkipDir
				}
				return nil
			}
			if !info.Mode().IsRegular() {
				slog.Debug("skipping irregular file", "path", p)
				return nil
			}
			if Excluded(patterns, relPath, false) {
				return nil
			}

			fi, err := flashfs.FromFile(p, relPath)
			if err != nil {
				return err
			}
			files = append(files, LocalFile{LocalPath: p, Info: fi})
			return nil
		})
		if err != nil {
			return nil, errors.Wrap(err, "WalkPaths: "+configured)
		}
	}
	return files, nil
}
