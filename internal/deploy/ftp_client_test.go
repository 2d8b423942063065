package deploy

import (
	"context"
	"io"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/cockroachdb/errors"
	"github.com/jlaffaye/ftp"
	"github.com/stretchr/testify/assert"

	"github.com/mpsync/mpsync/internal/flashfs"
)

func TestProtocolError(t *testing.T) {
	t.Parallel()

	reply := &textproto.Error{Code: ftp.StatusFileUnavailable, Msg: "No such file or directory"}
	tpErr, ok := protocolError(errors.Wrap(reply, "list /flash/lib"))
	assert.True(t, ok, "wrapped status replies should be recognized")
	assert.Equal(t, ftp.StatusFileUnavailable, tpErr.Code)

	_, ok = protocolError(io.ErrUnexpectedEOF)
	assert.False(t, ok, "transport errors are not protocol replies")

	_, ok = protocolError(nil)
	assert.False(t, ok)
}

func TestEmptyListing(t *testing.T) {
	t.Parallel()

	assert.True(t, emptyListing(&textproto.Error{Code: ftp.StatusFileUnavailable}))
	assert.True(t, emptyListing(&textproto.Error{Code: ftp.StatusFileActionIgnored}))
	assert.False(t, emptyListing(&textproto.Error{Code: ftp.StatusBadFileName}))
	assert.False(t, emptyListing(io.ErrUnexpectedEOF))
}

func TestProgressReaderRollback(t *testing.T) {
	t.Parallel()

	bar := pb.New64(100)
	pr := &progressReader{r: strings.NewReader("import machine\n"), bar: bar}

	if _, err := io.CopyN(io.Discard, pr, 10); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, int64(10), bar.Current())

	// A failed attempt takes its bytes back, so the retry's re-read
	// does not double-count against the bar's total.
	pr.rollback()
	assert.Equal(t, int64(0), bar.Current())

	pr.r = strings.NewReader("import machine\n")
	if _, err := io.Copy(io.Discard, pr); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, int64(15), bar.Current())
}

func TestProgressReaderNilBar(t *testing.T) {
	t.Parallel()

	pr := &progressReader{r: strings.NewReader("data")}
	n, err := io.Copy(io.Discard, pr)
	assert.NoError(t, err)
	assert.Equal(t, int64(4), n)
	pr.rollback()
}

func TestUploadRetryHonorsCancel(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	local := filepath.Join(dir, "main.py")
	if err := os.WriteFile(local, []byte("print('x')\n"), 0600); err != nil {
		t.Fatal(err)
	}
	fi, err := flashfs.FromFile(local, "main.py")
	if err != nil {
		t.Fatal(err)
	}

	dc := &DeviceConfig{Paths: []string{"main.py"}}
	// Nothing listens on the discard port, so every dial fails fast.
	dc.Address.Host = "127.0.0.1"
	dc.Address.Port = "9"
	applyDeviceDefaults(dc)
	dc.Timeout = duration(200 * time.Millisecond)

	c := NewFTPClient("fipy-office", dc, 1)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = c.Upload(ctx, "/flash", LocalFile{LocalPath: local, Info: fi}, nil)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal(`upload to an unreachable device should fail`)
	}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	// Cancellation must cut the retry pauses short instead of sitting
	// through the full attempt budget.
	assert.Less(t, elapsed, maxUploadAttempts*retryPause)
}

func TestNewFTPClientDefaults(t *testing.T) {
	t.Parallel()

	dc := &DeviceConfig{Paths: []string{"main.py"}}
	dc.Address.Host = "192.168.178.143"
	dc.Address.Port = "21"
	applyDeviceDefaults(dc)

	c := NewFTPClient("fipy-office", dc, 1)
	defer c.Close()

	assert.Equal(t, "192.168.178.143:21", c.addr)
	assert.Equal(t, "micro", c.user)
	assert.True(t, c.disableEPSV, "extended passive mode should be off for the board's server")
	assert.Len(t, c.semaphore, 1, "the connection budget should be pre-filled")
}
