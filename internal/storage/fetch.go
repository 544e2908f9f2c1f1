package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// FetchOptions configures remote downloads.
type FetchOptions struct {
	MaxAttempts int           // total attempts including the first (default 3)
	Backoff     time.Duration // initial backoff, doubled per retry (default 1s)
	Client      *http.Client  // default: 5 minute timeout client
}

func (o FetchOptions) withDefaults() FetchOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = time.Second
	}
	if o.Client == nil {
		o.Client = &http.Client{Timeout: 5 * time.Minute}
	}
	return o
}

// FetchRemote streams the resource at rawURL into destPath. The body is
// written to a temporary file next to the destination and renamed into place
// only after a complete 2xx transfer, so a network failure or error response
// leaves no partial file. Transient failures (transport errors, 5xx) are
// retried with exponential backoff up to MaxAttempts.
func (e *Engine) FetchRemote(ctx context.Context, bucketID, rawURL, destPath string, opts FetchOptions) error {
	opts = opts.withDefaults()

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: unsupported url %q", ErrInvalidPath, rawURL)
	}
	dst, err := e.resolve(bucketID, destPath)
	if err != nil {
		return err
	}
	if _, err := e.fs.Stat(dst); err == nil {
		return fmt.Errorf("%w: %s", ErrConflict, destPath)
	}
	if err := e.fs.MkdirAll(path.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create destination parent: %w", err)
	}

	backoff := opts.Backoff
	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			e.logger.Warn().Err(lastErr).Str("url", rawURL).Int("attempt", attempt).Msg("retrying remote fetch")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		var retryable bool
		retryable, lastErr = e.fetchOnce(ctx, opts.Client, rawURL, dst, bucketID)
		if lastErr == nil {
			return nil
		}
		if !retryable {
			return lastErr
		}
	}
	return fmt.Errorf("fetch %s: %w", rawURL, lastErr)
}

// fetchOnce performs a single download attempt. retryable reports whether the
// failure is transient and worth another attempt.
func (e *Engine) fetchOnce(ctx context.Context, client *http.Client, rawURL, dst, bucketID string) (retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return true, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode >= 500, fmt.Errorf("unexpected status %s", resp.Status)
	}
	if e.usage != nil && resp.ContentLength > 0 && !e.usage.CanAllocate(resp.ContentLength) {
		return false, fmt.Errorf("%w: remote resource is %d bytes", ErrQuotaExceeded, resp.ContentLength)
	}

	tmp, err := e.fs.TempFile(path.Dir(dst), ".fetch-")
	if err != nil {
		return false, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	written, err := io.Copy(tmp, resp.Body)
	if err != nil {
		_ = tmp.Close()
		_ = e.fs.Remove(tmpName)
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return true, fmt.Errorf("stream body: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = e.fs.Remove(tmpName)
		return false, fmt.Errorf("close temp file: %w", err)
	}
	if err := e.fs.Rename(tmpName, dst); err != nil {
		_ = e.fs.Remove(tmpName)
		return false, fmt.Errorf("finalize download: %w", err)
	}

	if e.usage != nil && !e.usage.Allocate(bucketID, written) {
		_ = e.fs.Remove(dst)
		return false, fmt.Errorf("%w: remote resource is %d bytes", ErrQuotaExceeded, written)
	}
	e.logger.Info().Str("bucket", bucketID).Str("url", rawURL).Int64("bytes", written).Msg("remote fetch complete")
	return false, nil
}
