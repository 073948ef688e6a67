package reliability

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/ent0n29/parley/internal/dispatch"
	"github.com/ent0n29/parley/internal/provider"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether a caller may resubmit a failed turn. The
// dispatcher never retries on its own.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *provider.StatusError
	if errors.As(err, &se) {
		return IsRetryableHTTPStatus(se.Code)
	}
	switch dispatch.ReasonOf(err) {
	case dispatch.ReasonStoreUnavailable, dispatch.ReasonCredentialUnavailable:
		return true
	case dispatch.ReasonInvalidRequest, dispatch.ReasonConfigError, dispatch.ReasonCancelled, dispatch.ReasonPersistPartial:
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Retry calls fn until it succeeds, returns a non-retryable error, or
// attempts run out. It waits ExponentialBackoff between attempts.
func Retry(ctx context.Context, attempts int, base, cap time.Duration, fn func(attempt int) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(attempt); err == nil || !IsRetryable(err) || attempt == attempts-1 {
			return err
		}
		t := time.NewTimer(ExponentialBackoff(attempt, base, cap))
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
	}
	return err
}
