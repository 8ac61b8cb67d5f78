// Package blocklist keeps the shared hosts file that is mounted over
// /etc/hosts inside every browser sandbox.
package blocklist

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/entrhq/webpilot/pkg/logging"
)

// Default download settings.
const (
	DefaultRetryMax       = 3
	DefaultTimeout        = time.Minute
	DefaultFailureBackoff = 5 * time.Minute
	DefaultMaxSize        = 64 << 20
)

// Options configure a Refresher.
type Options struct {
	// URL is the hosts file to download.
	URL string
	// Path is where the file is kept.
	Path string
	// MaxAge is how old the file may get before Stale reports true.
	MaxAge time.Duration
	// Timeout bounds one download including retries.
	Timeout  time.Duration
	RetryMax int
	// FailureBackoff is how long RefreshIfStale waits after a failed
	// download before trying again.
	FailureBackoff time.Duration
	// MaxSize rejects downloads larger than this many bytes.
	MaxSize int64
	// HTTPClient replaces the default transport client.
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// Refresher downloads the blocklist and replaces the local file atomically.
// Readers that open Path always see a complete file.
type Refresher struct {
	mu     sync.RWMutex
	opts   Options
	client *retryablehttp.Client
	logger *logging.Logger
	now    func() time.Time

	// failedAt is when the last download failed; zero after a success.
	failedAt time.Time
}

// New creates a refresher.
func New(opts Options) (*Refresher, error) {
	if opts.URL == "" || opts.Path == "" {
		return nil, fmt.Errorf("blocklist needs a url and a path")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = DefaultRetryMax
	}
	if opts.FailureBackoff <= 0 {
		opts.FailureBackoff = DefaultFailureBackoff
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}

	client := retryablehttp.NewClient()
	client.RetryMax = opts.RetryMax
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = nil
	if opts.HTTPClient != nil {
		client.HTTPClient = opts.HTTPClient
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewWriterLogger("blocklist", io.Discard)
	}

	return &Refresher{opts: opts, client: client, logger: logger, now: time.Now}, nil
}

// Path returns the local file path.
func (r *Refresher) Path() string {
	return r.opts.Path
}

// Available returns the path if the file exists, or "" otherwise.
func (r *Refresher) Available() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, err := os.Stat(r.opts.Path); err != nil {
		return ""
	}
	return r.opts.Path
}

// Age returns how long ago the file was written. ok is false if there is
// no file.
func (r *Refresher) Age() (age time.Duration, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, err := os.Stat(r.opts.Path)
	if err != nil {
		return 0, false
	}
	return r.now().Sub(info.ModTime()), true
}

// Stale reports whether the file is missing or older than MaxAge.
func (r *Refresher) Stale() bool {
	age, ok := r.Age()
	return !ok || age > r.opts.MaxAge
}

// Refresh downloads the blocklist and swaps it into place. On failure the
// previous file is left untouched.
func (r *Refresher) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, r.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build blocklist request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download blocklist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download blocklist: status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(r.opts.Path), 0755); err != nil {
		return fmt.Errorf("failed to create blocklist directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.opts.Path), ".hosts-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	n, err := io.Copy(tmp, io.LimitReader(resp.Body, r.opts.MaxSize+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write blocklist: %w", err)
	}
	if n > r.opts.MaxSize {
		return fmt.Errorf("blocklist exceeds %s", humanize.Bytes(uint64(r.opts.MaxSize)))
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("failed to set blocklist permissions: %w", err)
	}

	r.mu.Lock()
	err = os.Rename(tmpPath, r.opts.Path)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to replace blocklist: %w", err)
	}

	r.logger.Infof("Blocklist refreshed from %s (%s)", r.opts.URL, humanize.Bytes(uint64(n)))
	return nil
}

// RefreshIfStale refreshes when Stale reports true. Failures are logged and
// returned; the old file, if any, stays in use. After a failure no download
// is attempted until FailureBackoff has passed.
func (r *Refresher) RefreshIfStale(ctx context.Context) error {
	if !r.Stale() {
		return nil
	}

	r.mu.RLock()
	failedAt := r.failedAt
	r.mu.RUnlock()
	if !failedAt.IsZero() && r.now().Sub(failedAt) < r.opts.FailureBackoff {
		r.logger.Debugf("Blocklist refresh skipped, last attempt failed %s", humanize.Time(failedAt))
		return nil
	}

	err := r.Refresh(ctx)

	r.mu.Lock()
	if err != nil {
		r.failedAt = r.now()
	} else {
		r.failedAt = time.Time{}
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Warnf("Blocklist refresh failed, next attempt in %s: %v", r.opts.FailureBackoff, err)
		return err
	}
	return nil
}
