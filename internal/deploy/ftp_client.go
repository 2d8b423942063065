package deploy

import (
	"context"
	"io"
	"log/slog"
	"net/textproto"
	"os"
	"path"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/cockroachdb/errors"
	"github.com/jlaffaye/ftp"

	"github.com/mpsync/mpsync/internal/flashfs"
)

const (
	maxUploadAttempts = 5
	retryPause        = time.Second
)

// FTPClient manages FTP connections to a single device and performs
// uploads with retries.
//
// Connections are pooled up to the configured budget. A connection that
// produced a transport-level error is discarded; the next operation
// dials a fresh one after a flat pause; the board's FTP server gains
// nothing from an increasing backoff.
type FTPClient struct {
	deviceID    string
	addr        string
	user        string
	password    string
	timeout     time.Duration
	disableEPSV bool

	semaphore chan struct{}
	idle      chan *ftp.ServerConn

	mu       sync.Mutex
	madeDirs map[string]bool
}

// NewFTPClient creates a client for the device with a connection budget
// of maxConns.
func NewFTPClient(deviceID string, dc *DeviceConfig, maxConns int) *FTPClient {
	semaphore := make(chan struct{}, maxConns)

	// Pre-fill the semaphore with tokens
	for i := 0; i < maxConns; i++ {
		semaphore <- struct{}{}
	}

	return &FTPClient{
		deviceID:    deviceID,
		addr:        dc.Address.String(),
		user:        dc.User,
		password:    dc.Password,
		timeout:     dc.Timeout.Duration(),
		disableEPSV: !dc.EnableEPSV,
		semaphore:   semaphore,
		idle:        make(chan *ftp.ServerConn, maxConns),
		madeDirs:    make(map[string]bool),
	}
}

// dial establishes and authenticates a new control connection.
func (c *FTPClient) dial(ctx context.Context) (*ftp.ServerConn, error) {
	opts := []ftp.DialOption{
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(c.timeout),
	}
	if c.disableEPSV {
		opts = append(opts, ftp.DialWithDisabledEPSV(true))
	}

	conn, err := ftp.Dial(c.addr, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "dial "+c.addr)
	}
	if err := conn.Login(c.user, c.password); err != nil {
		if quitErr := conn.Quit(); quitErr != nil {
			slog.Debug("quit after failed login", "device", c.deviceID, "error", quitErr)
		}
		return nil, errors.Wrap(err, "login "+c.addr)
	}
	return conn, nil
}

// acquire takes a connection token and returns a live connection,
// reusing an idle one when possible.
func (c *FTPClient) acquire(ctx context.Context) (*ftp.ServerConn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.semaphore:
	}

	select {
	case conn := <-c.idle:
		return conn, nil
	default:
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.semaphore <- struct{}{}
		return nil, err
	}
	return conn, nil
}

// release returns the token and, unless the connection is broken,
// parks it for reuse.
func (c *FTPClient) release(conn *ftp.ServerConn, broken bool) {
	if conn != nil {
		if broken {
			if err := conn.Quit(); err != nil {
				slog.Debug("quit broken connection", "device", c.deviceID, "error", err)
			}
		} else {
			c.idle <- conn
			c.semaphore <- struct{}{}
			return
		}
	}
	c.semaphore <- struct{}{}
}

// Close quits all idle connections.
func (c *FTPClient) Close() {
	for {
		select {
		case conn := <-c.idle:
			if err := conn.Quit(); err != nil {
				slog.Debug("quit idle connection", "device", c.deviceID, "error", err)
			}
		default:
			return
		}
	}
}

// protocolError reports whether err is an FTP status reply, as opposed
// to a dead connection.
func protocolError(err error) (*textproto.Error, bool) {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr, true
	}
	return nil, false
}

// emptyListing reports whether err is the "no such file or directory"
// class of reply a bare board returns for unpopulated directories.
func emptyListing(err error) bool {
	tpErr, ok := protocolError(err)
	if !ok {
		return false
	}
	return tpErr.Code == ftp.StatusFileUnavailable || tpErr.Code == ftp.StatusFileActionIgnored
}

// ensureDir creates the remote directory and its parents.
// Already-exists replies are ignored; the board reports them as 550.
func (c *FTPClient) ensureDir(conn *ftp.ServerConn, dir string) error {
	if dir == "" || dir == "/" || dir == "." {
		return nil
	}

	c.mu.Lock()
	done := c.madeDirs[dir]
	c.mu.Unlock()
	if done {
		return nil
	}

	parts := []string{}
	for d := dir; d != "/" && d != "."; d = path.Dir(d) {
		parts = append([]string{d}, parts...)
	}
	for _, d := range parts {
		err := conn.MakeDir(d)
		if err != nil {
			if _, ok := protocolError(err); !ok {
				return errors.Wrap(err, "mkdir "+d)
			}
			// status reply: directory exists (or the server is picky);
			// the subsequent STOR will surface real problems
		}
	}

	c.mu.Lock()
	c.madeDirs[dir] = true
	c.mu.Unlock()
	return nil
}

// Upload stores the local file at its remote-relative path under
// remoteDir, overwriting any existing remote file.
func (c *FTPClient) Upload(ctx context.Context, remoteDir string, lf LocalFile, bar *pb.ProgressBar) error {
	remotePath := path.Join(remoteDir, lf.Info.Path())

	var lastErr error
	for attempt := 0; attempt < maxUploadAttempts; attempt++ {
		// allow interrupts
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if attempt > 0 {
			slog.Warn("retrying upload", "device", c.deviceID, "path", remotePath, "attempt", attempt+1, "max_attempts", maxUploadAttempts)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryPause):
			}
		}

		err := c.uploadOnce(ctx, remotePath, lf, bar)
		if err == nil {
			slog.Debug("file uploaded", "device", c.deviceID, "path", remotePath, "size", lf.Info.Size())
			return nil
		}
		lastErr = err
	}
	return errors.Wrapf(lastErr, "upload failed for %s after %d attempts", remotePath, maxUploadAttempts)
}

// progressReader counts read bytes into the bar and can take them back
// when an attempt fails, so a retried upload is not counted twice.
type progressReader struct {
	r   io.Reader
	bar *pb.ProgressBar
	n   int64
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	p.n += int64(n)
	if p.bar != nil {
		p.bar.Add(n)
	}
	return n, err
}

func (p *progressReader) rollback() {
	if p.bar != nil {
		p.bar.Add64(-p.n)
	}
	p.n = 0
}

func (c *FTPClient) uploadOnce(ctx context.Context, remotePath string, lf LocalFile, bar *pb.ProgressBar) error {
	f, err := os.Open(lf.LocalPath) // #nosec G304 - path was produced by WalkPaths from configured roots
	if err != nil {
		return err
	}
	defer f.Close()

	reader := &progressReader{r: f, bar: bar}

	conn, err := c.acquire(ctx)
	if err != nil {
		return err
	}

	if err := c.ensureDir(conn, path.Dir(remotePath)); err != nil {
		c.release(conn, true)
		return err
	}

	err = conn.Stor(remotePath, reader)
	if err != nil {
		reader.rollback()
		// A status reply leaves the control connection usable;
		// anything else means the link dropped mid-transfer.
		_, usable := protocolError(err)
		c.release(conn, !usable)
		return err
	}
	c.release(conn, false)
	return nil
}

// List returns the entries under the remote directory. An empty or
// missing directory yields an empty slice; the board's FTP server
// answers both with a file-unavailable reply.
func (c *FTPClient) List(ctx context.Context, dir string) ([]*ftp.Entry, error) {
	conn, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}

	entries, err := conn.List(dir)
	if err != nil {
		if emptyListing(err) {
			c.release(conn, false)
			return nil, nil
		}
		_, usable := protocolError(err)
		c.release(conn, !usable)
		return nil, errors.Wrap(err, "list "+dir)
	}
	c.release(conn, false)
	return entries, nil
}

// ListTree walks the remote directory recursively and returns the
// remote-relative paths of all regular files.
func (c *FTPClient) ListTree(ctx context.Context, root string) ([]string, error) {
	var files []string

	var walk func(dir, rel string) error
	walk = func(dir, rel string) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		entries, err := c.List(ctx, dir)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			name := entry.Name
			if name == "." || name == ".." {
				continue
			}
			childRel := name
			if rel != "" {
				childRel = rel + "/" + name
			}
			switch entry.Type {
			case ftp.EntryTypeFolder:
				if err := walk(path.Join(dir, name), childRel); err != nil {
					return err
				}
			case ftp.EntryTypeFile:
				files = append(files, childRel)
			default:
				// links do not occur on the board's filesystem
			}
		}
		return nil
	}

	if err := walk(root, ""); err != nil {
		return nil, err
	}
	return files, nil
}

// MakeDirAll creates the remote directory and any missing parents.
func (c *FTPClient) MakeDirAll(ctx context.Context, dir string) error {
	conn, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	err = c.ensureDir(conn, dir)
	c.release(conn, err != nil)
	return err
}

// Delete removes the remote file.
func (c *FTPClient) Delete(ctx context.Context, remotePath string) error {
	conn, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	err = conn.Delete(remotePath)
	if err != nil {
		_, usable := protocolError(err)
		c.release(conn, !usable)
		return errors.Wrap(err, "delete "+remotePath)
	}
	c.release(conn, false)
	return nil
}

// Retrieve copies the remote file into w and returns its FileInfo.
func (c *FTPClient) Retrieve(ctx context.Context, remotePath string, w io.Writer) (*flashfs.FileInfo, error) {
	conn, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := conn.Retr(remotePath)
	if err != nil {
		_, usable := protocolError(err)
		c.release(conn, !usable)
		return nil, errors.Wrap(err, "retr "+remotePath)
	}

	fi, copyErr := flashfs.CopyWithFileInfo(w, resp, remotePath)
	closeErr := resp.Close()
	if copyErr != nil {
		c.release(conn, true)
		return nil, errors.Wrap(copyErr, "retr "+remotePath)
	}
	if closeErr != nil {
		c.release(conn, true)
		return nil, errors.Wrap(closeErr, "retr "+remotePath)
	}
	c.release(conn, false)
	return fi, nil
}
