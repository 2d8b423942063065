package firmware

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/ProtonMail/gopenpgp/v3/crypto"
	"github.com/cheggaaa/pb/v3"
	"github.com/cockroachdb/errors"
	"github.com/ulikunitz/xz"
)

const (
	maxFetchAttempts = 5
	fetchRetryPause  = time.Second
)

// Fetcher downloads and verifies firmware release artifacts.
type Fetcher struct {
	client *http.Client
	quiet  bool
}

// NewFetcher creates a Fetcher.
func NewFetcher(quiet bool) *Fetcher {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 10
	tr.IdleConnTimeout = 90 * time.Second

	return &Fetcher{
		client: &http.Client{
			Transport: tr,
			Timeout:   0, // no timeout; timeout is controlled by context
		},
		quiet: quiet,
	}
}

// Fetch downloads rawURL into destDir, decompressing .xz and .gz
// archives, and returns the path of the stored image.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0750); err != nil {
		return "", errors.Wrap(err, "Fetch")
	}

	var lastErr error
	for attempt := 0; attempt < maxFetchAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		if attempt > 0 {
			slog.Warn("retrying download", "url", rawURL, "attempt", attempt+1, "max_attempts", maxFetchAttempts)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(fetchRetryPause):
			}
		}

		p, err := f.fetchOnce(ctx, rawURL, destDir)
		if err == nil {
			return p, nil
		}
		if !retryable(err) {
			return "", err
		}
		lastErr = err
	}
	return "", errors.Wrapf(lastErr, "download failed for %s after %d attempts", rawURL, maxFetchAttempts)
}

// retryableError marks transient download failures.
type retryableError struct {
	error
}

func retryable(err error) bool {
	var r retryableError
	return errors.As(err, &r)
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL, destDir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "mpsync")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", retryableError{err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", "error", err)
		}
	}()

	if resp.StatusCode >= 500 {
		return "", retryableError{errors.Newf("server error %d for %s", resp.StatusCode, rawURL)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.Newf("status %d for %s", resp.StatusCode, rawURL)
	}

	var body io.Reader = resp.Body
	var bar *pb.ProgressBar
	if !f.quiet && resp.ContentLength > 0 {
		bar = pb.Full.Start64(resp.ContentLength)
		body = bar.NewProxyReader(resp.Body)
		defer bar.Finish()
	}

	name := path.Base(req.URL.Path)
	var reader io.Reader
	switch {
	case strings.HasSuffix(name, ".xz"):
		xzr, err := xz.NewReader(body)
		if err != nil {
			return "", errors.Wrap(err, "xz "+rawURL)
		}
		reader = xzr
		name = strings.TrimSuffix(name, ".xz")
	case strings.HasSuffix(name, ".gz"):
		gzr, err := gzip.NewReader(body)
		if err != nil {
			return "", errors.Wrap(err, "gzip "+rawURL)
		}
		defer gzr.Close()
		reader = gzr
		name = strings.TrimSuffix(name, ".gz")
	default:
		reader = body
	}

	tmp, err := os.CreateTemp(destDir, "_tmp")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		return "", retryableError{errors.Wrap(err, "copy "+rawURL)}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	dest := filepath.Join(destDir, name)
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", err
	}
	slog.Info("download complete", "url", rawURL, "path", dest)
	return dest, nil
}

// VerifyImage checks the image file against the release sums.
func VerifyImage(imagePath string, sums Sums) error {
	want, ok := sums.Lookup(imagePath)
	if !ok {
		return errors.New("no checksum recorded for " + filepath.Base(imagePath))
	}

	f, err := os.Open(imagePath) // #nosec G304 - imagePath was produced by Fetch
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != want {
		return errors.Newf("checksum mismatch for %s: got %s, want %s", filepath.Base(imagePath), got, want)
	}
	return nil
}

// VerifySignature checks a detached armored PGP signature over data
// using the armored public key at keyPath.
func VerifySignature(data, signature []byte, keyPath string) error {
	armored, err := os.ReadFile(keyPath) // #nosec G304 - keyPath comes from validated configuration
	if err != nil {
		return errors.Wrap(err, "VerifySignature")
	}

	key, err := crypto.NewKeyFromArmored(string(armored))
	if err != nil {
		return errors.Wrap(err, "VerifySignature: parse key")
	}

	pgp := crypto.PGP()
	verifier, err := pgp.Verify().VerificationKey(key).New()
	if err != nil {
		return errors.Wrap(err, "VerifySignature")
	}

	result, err := verifier.VerifyDetached(data, signature, crypto.Armor)
	if err != nil {
		return errors.Wrap(err, "VerifySignature")
	}
	if err := result.SignatureError(); err != nil {
		return errors.Wrap(err, "VerifySignature: bad signature")
	}
	return nil
}
