// Package downloader fetches update packages with resume and retry support.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/docker/go-units"

	"github.com/rexos/rexos-updated/api/updates"
	"github.com/rexos/rexos-updated/internal/version"
)

const (
	// DefaultRetryInterval is the base of the exponential backoff; attempt n waits 2^n times this.
	DefaultRetryInterval = time.Second

	// DefaultProgressInterval bounds how often progress is published.
	DefaultProgressInterval = 100 * time.Millisecond

	partialSuffix = ".partial"
	chunkSize     = 32 * 1024
)

// Downloader fetches release packages into a directory.
type Downloader struct {
	dir              string
	maxRetries       int
	client           *http.Client
	userAgent        string
	retryInterval    time.Duration
	progressInterval time.Duration

	mu       sync.Mutex
	progress *updates.DownloadProgress
	cancel   context.CancelFunc
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithClient sets the HTTP client used for transfers.
func WithClient(client *http.Client) Option {
	return func(d *Downloader) {
		if client != nil {
			d.client = client
		}
	}
}

// WithRetryInterval sets the backoff base interval.
func WithRetryInterval(interval time.Duration) Option {
	return func(d *Downloader) {
		d.retryInterval = interval
	}
}

// WithProgressInterval sets the minimum delay between progress updates.
func WithProgressInterval(interval time.Duration) Option {
	return func(d *Downloader) {
		d.progressInterval = interval
	}
}

// New returns a Downloader storing packages in dir.
func New(dir string, maxRetries int, opts ...Option) *Downloader {
	if maxRetries < 1 {
		maxRetries = 1
	}

	d := &Downloader{
		dir:              dir,
		maxRetries:       maxRetries,
		client:           http.DefaultClient,
		userAgent:        "RexOS/" + version.Build,
		retryInterval:    DefaultRetryInterval,
		progressInterval: DefaultProgressInterval,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// FileName returns the package file name for a version.
func FileName(v string) string {
	return "rexos-" + v + ".tar.gz"
}

// Path returns where the package for a version is stored.
func (d *Downloader) Path(v string) string {
	return filepath.Join(d.dir, FileName(v))
}

// Download fetches the release package, resuming any previous partial
// transfer, and returns the path of the completed file.
func (d *Downloader) Download(ctx context.Context, release *updates.ReleaseInfo) (string, error) {
	// Ensure download directory exists.
	err := os.MkdirAll(d.dir, 0o755)
	if err != nil {
		return "", err
	}

	outputPath := d.Path(release.Version)
	partialPath := outputPath + partialSuffix

	resumeFrom, err := fileSize(partialPath)
	if err != nil {
		return "", err
	}

	slog.InfoContext(ctx, "Downloading update", "url", release.DownloadURL, "size", units.HumanSize(float64(release.Size)), "resume_from", resumeFrom)

	dlCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.cancel = nil
		d.mu.Unlock()
	}()

	d.resetProgress(release, resumeFrom)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * d.retryInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 5 * time.Minute

	attempt := 0
	operation := func() (struct{}, error) {
		attempt++

		err := d.transfer(dlCtx, release, partialPath)
		if err == nil {
			return struct{}{}, nil
		}

		if dlCtx.Err() != nil {
			return struct{}{}, backoff.Permanent(dlCtx.Err())
		}

		slog.WarnContext(ctx, "Download attempt failed", "attempt", attempt, "max", d.maxRetries, "err", err)
		d.SetState(updates.DownloadStatePaused)

		return struct{}{}, err
	}

	_, err = backoff.Retry(dlCtx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(d.maxRetries)), //nolint:gosec
		backoff.WithMaxElapsedTime(24*time.Hour),
	)
	if err != nil {
		d.SetState(updates.DownloadStateFailed)

		if errors.Is(err, context.Canceled) || dlCtx.Err() != nil {
			return "", fmt.Errorf("%w: %s", ErrCancelled, release.Version)
		}

		if errors.Is(err, ErrDownloadFailed) {
			return "", err
		}

		return "", fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}

	// Move the completed file into place.
	err = os.Rename(partialPath, outputPath)
	if err != nil {
		d.SetState(updates.DownloadStateFailed)

		return "", err
	}

	d.mu.Lock()
	if d.progress != nil {
		d.progress.State = updates.DownloadStateCompleted
		d.progress.ETA = 0

		if d.progress.Total > 0 {
			d.progress.Downloaded = d.progress.Total
		}
	}
	d.mu.Unlock()

	return outputPath, nil
}

// transfer runs a single download attempt, appending to the partial file.
func (d *Downloader) transfer(ctx context.Context, release *updates.ReleaseInfo, partialPath string) error {
	resumeFrom, err := fileSize(partialPath)
	if err != nil {
		return err
	}

	// Nothing left to fetch.
	if release.Size > 0 && resumeFrom == release.Size {
		return nil
	}

	// A partial larger than the package can't be resumed.
	if release.Size > 0 && resumeFrom > release.Size {
		err = os.Remove(partialPath)
		if err != nil {
			return err
		}

		resumeFrom = 0
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, release.DownloadURL, nil)
	if err != nil {
		return fmt.Errorf("unable to create http request: %w", err)
	}

	req.Header.Set("User-Agent", d.userAgent)

	if resumeFrom > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(resumeFrom, 10)+"-")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}

	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND

	switch resp.StatusCode {
	case http.StatusPartialContent:
		contentRange := resp.Header.Get("Content-Range")
		if contentRange != "" && !strings.HasPrefix(contentRange, "bytes "+strconv.FormatInt(resumeFrom, 10)+"-") {
			return fmt.Errorf("%w: unexpected content range %q", ErrDownloadFailed, contentRange)
		}

	case http.StatusOK:
		// The server ignored the range request, start over.
		if resumeFrom > 0 {
			slog.WarnContext(ctx, "Server doesn't support resuming, restarting download", "url", release.DownloadURL)

			flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
			resumeFrom = 0
		}

	case http.StatusRequestedRangeNotSatisfiable:
		// The partial file may already hold the whole package.
		total, ok := completeLength(resp.Header.Get("Content-Range"))
		if ok && resumeFrom > 0 && total == resumeFrom {
			d.reportTransfer(resumeFrom, 0, 0)

			return nil
		}

		// Otherwise it can't be resumed, drop it so the next attempt restarts.
		_ = os.Remove(partialPath)

		return fmt.Errorf("%w: server rejected resume offset %d", ErrDownloadFailed, resumeFrom)

	default:
		return fmt.Errorf("%w: server returned %s", ErrDownloadFailed, resp.Status)
	}

	fd, err := os.OpenFile(partialPath, flags, 0o644) //nolint:gosec
	if err != nil {
		return err
	}

	defer fd.Close()

	downloaded := resumeFrom
	lastUpdate := time.Now()
	sinceUpdate := int64(0)
	buf := make([]byte, chunkSize)

	for {
		// Stop at the chunk boundary when cancelled.
		err = ctx.Err()
		if err != nil {
			return err
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			_, err = fd.Write(buf[:n])
			if err != nil {
				return err
			}

			downloaded += int64(n)
			sinceUpdate += int64(n)

			elapsed := time.Since(lastUpdate)
			if elapsed >= d.progressInterval {
				d.reportTransfer(downloaded, sinceUpdate, elapsed)

				lastUpdate = time.Now()
				sinceUpdate = 0
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}

			return fmt.Errorf("%w: %w", ErrDownloadFailed, readErr)
		}
	}

	d.reportTransfer(downloaded, sinceUpdate, time.Since(lastUpdate))

	err = fd.Sync()
	if err != nil {
		return err
	}

	if release.Size > 0 && downloaded < release.Size {
		return fmt.Errorf("%w: short transfer, got %d of %d bytes", ErrDownloadFailed, downloaded, release.Size)
	}

	return nil
}

// Cancel stops the in-flight download at its next chunk boundary.
func (d *Downloader) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Nothing in flight, keep the last result.
	if d.cancel == nil {
		return
	}

	d.cancel()

	if d.progress != nil {
		d.progress.State = updates.DownloadStateFailed
	}
}

// Cleanup removes stale partial downloads.
func (d *Downloader) Cleanup() error {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), partialSuffix) {
			continue
		}

		err = os.Remove(filepath.Join(d.dir, entry.Name()))
		if err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	return nil
}

// completeLength returns N from an unsatisfied range "bytes */N".
func completeLength(contentRange string) (int64, bool) {
	value, ok := strings.CutPrefix(contentRange, "bytes */")
	if !ok {
		return 0, false
	}

	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}

	return n, true
}

func fileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, err
	}

	return fi.Size(), nil
}
