package netutil

import (
	"context"
	"errors"
	"time"

	"github.com/eurekahq/eureka/internal/backoff"
)

// RetryDownloader decorates a Downloader with exponential backoff for
// transient failures. Server errors and transport faults are retried;
// client errors and request setup failures are returned immediately.
type RetryDownloader struct {
	Inner Downloader
	// Attempts is the total number of calls; Base is the first wait.
	// Zero values take the backoff package defaults.
	Attempts int
	Base     time.Duration
}

// Download fetches the URL, retrying transient failures until the
// attempt budget or the caller's context runs out.
func (r *RetryDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = backoff.DefaultAttempts
	}
	base := r.Base
	if base <= 0 {
		base = backoff.DefaultBase
	}
	return backoff.Retry(ctx, func(ctx context.Context) ([]byte, error) {
		return r.Inner.Download(ctx, url)
	}, isRetryableDownload, attempts, base, backoff.DefaultMultiplier)
}

// isRetryableDownload treats 5xx responses and transport errors as
// transient. 4xx responses and malformed requests fail for good, and
// caller-context cancellation is handled by the retry loop itself.
func isRetryableDownload(err error) bool {
	var nonRetryable *NonRetryableError
	if errors.As(err, &nonRetryable) {
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}
	return true
}
