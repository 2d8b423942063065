package flashfs

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"math"
	"os"

	"github.com/cockroachdb/errors"
)

// FileInfo is a set of meta data of a file destined for the board.
//
// The path is always slash-separated and relative to the remote root,
// e.g. "lib/terkin/datalogger.py".
type FileInfo struct {
	path   string
	size   uint64
	sha256 []byte
}

// Same returns true if t describes the same content at the same path.
func (fi *FileInfo) Same(t *FileInfo) bool {
	if fi == t {
		return true
	}
	if t == nil {
		return false
	}
	if fi.path != t.path {
		return false
	}
	if fi.size != t.size {
		return false
	}
	if fi.sha256 != nil && !bytes.Equal(fi.sha256, t.sha256) {
		return false
	}
	return true
}

// Path returns the identifying remote-relative path of the file.
func (fi *FileInfo) Path() string {
	return fi.path
}

// Size returns the number of bytes of the file body.
func (fi *FileInfo) Size() uint64 {
	return fi.size
}

// HasChecksum returns true if fi carries a SHA256 checksum.
func (fi *FileInfo) HasChecksum() bool {
	return fi.sha256 != nil
}

// SHA256 returns the hex-encoded checksum, or an empty string.
func (fi *FileInfo) SHA256() string {
	if fi.sha256 == nil {
		return ""
	}
	return hex.EncodeToString(fi.sha256)
}

type fileInfoJSON struct {
	Path      string
	Size      int64
	SHA256Sum string
}

// MarshalJSON implements json.Marshaler
func (fi *FileInfo) MarshalJSON() ([]byte, error) {
	var fij fileInfoJSON
	fij.Path = fi.path
	if fi.size > math.MaxInt64 {
		return nil, errors.Newf("file size %d exceeds maximum int64 value", fi.size)
	}
	fij.Size = int64(fi.size)
	if fi.sha256 != nil {
		fij.SHA256Sum = hex.EncodeToString(fi.sha256)
	}
	return json.Marshal(&fij)
}

// UnmarshalJSON implements json.Unmarshaler
func (fi *FileInfo) UnmarshalJSON(data []byte) error {
	var fij fileInfoJSON
	if err := json.Unmarshal(data, &fij); err != nil {
		return err
	}
	fi.path = fij.Path
	if fij.Size < 0 {
		return errors.Newf("negative file size %d not allowed", fij.Size)
	}
	fi.size = uint64(fij.Size)
	if fij.SHA256Sum != "" {
		sum, err := hex.DecodeString(fij.SHA256Sum)
		if err != nil {
			return errors.Wrap(err, "UnmarshalJSON SHA256Sum for "+fij.Path)
		}
		fi.sha256 = sum
	}
	return nil
}

// CopyWithFileInfo copies from src to dst until either EOF is reached
// on src or an error occurs, and returns FileInfo calculated while copying.
func CopyWithFileInfo(dst io.Writer, src io.Reader, p string) (*FileInfo, error) {
	h := sha256.New()

	w := io.MultiWriter(h, dst)
	n, err := io.Copy(w, src)
	if err != nil {
		return nil, err
	}

	return &FileInfo{
		path:   p,
		size:   uint64(n),
		sha256: h.Sum(nil),
	}, nil
}

// FromFile reads the named local file and returns its FileInfo
// recorded under remote-relative path p.
func FromFile(localPath, p string) (*FileInfo, error) {
	f, err := os.Open(localPath) // #nosec G304 - localPath comes from configured sync paths
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return CopyWithFileInfo(io.Discard, f, p)
}

// MakeFileInfoNoChecksum constructs a FileInfo without calculating checksums.
func MakeFileInfoNoChecksum(path string, size uint64) *FileInfo {
	return &FileInfo{
		path: path,
		size: size,
	}
}

// MakeFileInfo constructs a FileInfo from raw data.
func MakeFileInfo(path string, data []byte) *FileInfo {
	sum := sha256.Sum256(data)
	return &FileInfo{
		path:   path,
		size:   uint64(len(data)),
		sha256: sum[:],
	}
}
