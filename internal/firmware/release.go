// Package firmware fetches, verifies, and flashes MicroPython firmware
// images for ESP32 boards.
package firmware

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	version "github.com/knqyf263/go-deb-version"
)

const versionStateFile = "firmware.version"

// Sums holds the expected SHA256 checksums from a release sums file,
// keyed by file base name.
type Sums map[string]string

// ParseSums reads a "sha256sum" style listing: one "<hex>  <name>" pair
// per line, comments and blank lines ignored.
func ParseSums(r io.Reader) (Sums, error) {
	sums := make(Sums)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, errors.New("malformed sums line: " + line)
		}
		sum, name := fields[0], fields[1]
		if len(sum) != 64 {
			return nil, errors.New("not a SHA256 checksum: " + sum)
		}
		// sha256sum marks binary mode with a leading asterisk
		name = strings.TrimPrefix(name, "*")
		sums[filepath.Base(name)] = strings.ToLower(sum)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(sums) == 0 {
		return nil, errors.New("empty sums file")
	}
	return sums, nil
}

// Lookup returns the expected checksum for the named file.
func (s Sums) Lookup(name string) (string, bool) {
	sum, ok := s[filepath.Base(name)]
	return sum, ok
}

// CompareVersions orders two firmware version strings.
//
// Pycom releases carry tags like "1.20.2.r4"; Debian version ordering
// handles the mixed numeric/alpha segments correctly.
func CompareVersions(a, b string) (int, error) {
	va, err := version.NewVersion(a)
	if err != nil {
		return 0, errors.Wrap(err, "bad version "+a)
	}
	vb, err := version.NewVersion(b)
	if err != nil {
		return 0, errors.Wrap(err, "bad version "+b)
	}
	switch {
	case va.GreaterThan(vb):
		return 1, nil
	case va.LessThan(vb):
		return -1, nil
	default:
		return 0, nil
	}
}

// InstalledVersion reads the version last flashed by this workstation.
// An empty string means no record exists.
func InstalledVersion(stateDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, versionStateFile)) // #nosec G304 - stateDir is the validated manifest_dir
	switch {
	case os.IsNotExist(err):
		return "", nil
	case err != nil:
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// RecordInstalledVersion persists the version after a successful flash.
func RecordInstalledVersion(stateDir, v string) error {
	if err := os.MkdirAll(stateDir, 0750); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(stateDir, versionStateFile), []byte(v+"\n"), 0644) // #nosec G306 - version record is not sensitive
}
