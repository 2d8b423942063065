package deploy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/mpsync/mpsync/internal/flashfs"
)

// validatePath validates that a remote-relative path is safe to record.
// It prevents directory traversal by checking for:
// 1. Parent directory references (..)
// 2. Absolute paths
// Returns an error if the path is unsafe.
func validatePath(path string) error {
	cleanPath := filepath.Clean(path)

	// Check for directory traversal attempts
	if strings.Contains(cleanPath, "..") {
		return errors.New("unsafe path (contains directory traversal): " + path)
	}

	// Check for absolute paths
	if filepath.IsAbs(cleanPath) {
		return errors.New("unsafe path (absolute path not allowed): " + path)
	}

	return nil
}

// Manifest records what mpsync last uploaded to one device.
//
// It maps remote-relative paths to checksummed file records so a later
// run can skip files whose content has not changed. The manifest lives
// on the workstation, not the board; wiping it merely forces a full
// re-upload.
type Manifest struct {
	path string

	mu   sync.RWMutex
	info map[string]*flashfs.FileInfo
}

// NewManifest constructs a Manifest for the given device.
//
// dir must be an absolute path to an existing directory.
func NewManifest(dir, deviceID string) (*Manifest, error) {
	if !filepath.IsAbs(dir) {
		return nil, errors.New("none absolute: " + dir)
	}

	dir = filepath.Clean(dir)
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.Mode().IsDir() {
		return nil, errors.New("not a directory: " + dir)
	}

	return &Manifest{
		path: filepath.Join(dir, deviceID+".manifest.json"),
		info: make(map[string]*flashfs.FileInfo),
	}, nil
}

// Load loads a previously saved manifest, if any.
func (m *Manifest) Load() error {
	f, err := os.Open(m.path) // #nosec G304 - path is built from validated manifest_dir and a checked device ID
	switch {
	case os.IsNotExist(err):
		return nil
	case err != nil:
		return err
	}
	defer f.Close()

	jd := json.NewDecoder(f)
	if err := jd.Decode(&m.info); err != nil {
		return errors.Wrap(err, "Manifest.Load: "+m.path)
	}
	return nil
}

// Save writes the manifest atomically: temp file, rename, dirsync.
func (m *Manifest) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := filepath.Dir(m.path)
	f, err := os.CreateTemp(dir, "_tmp")
	if err != nil {
		return err
	}
	tmpName := f.Name()
	defer os.Remove(tmpName)

	enc := json.NewEncoder(f)
	if err := enc.Encode(m.info); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpName, m.path); err != nil {
		return err
	}
	return DirSync(dir)
}

// Lookup returns the recorded FileInfo for fi's path if it matches fi,
// i.e. if the content on the board is already up to date.
func (m *Manifest) Lookup(fi *flashfs.FileInfo) *flashfs.FileInfo {
	p := fi.Path()
	if err := validatePath(p); err != nil {
		// Unsafe paths are simply treated as not recorded.
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	fi2, ok := m.info[p]
	if !ok || !fi.Same(fi2) {
		return nil
	}
	return fi2
}

// Record stores fi, replacing any previous record for the same path.
func (m *Manifest) Record(fi *flashfs.FileInfo) error {
	p := fi.Path()
	if err := validatePath(p); err != nil {
		return errors.Wrap(err, "Record")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.info[p] = fi
	return nil
}

// Forget drops the record for a path, if present.
func (m *Manifest) Forget(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.info, p)
}

// Paths returns the recorded paths in sorted order.
func (m *Manifest) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	paths := make([]string, 0, len(m.info))
	for p := range m.info {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Len returns the number of recorded files.
func (m *Manifest) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.info)
}
