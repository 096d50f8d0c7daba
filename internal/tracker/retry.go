// ABOUTME: Retry metadata riding alongside queued events.

package tracker

import "time"

// Retry backoff bounds applied to requeued events.
const (
	DefaultMaxAttempts  = 3
	DefaultInitialDelay = time.Second
	maxBackoff          = 30 * time.Second
)

// RetryInfo rides next to a queued event, never inside it: the event stays
// exactly what the relay delivered, and requeueing only touches this
// sidecar.
type RetryInfo struct {
	Attempts    int
	MaxAttempts int
	Backoff     time.Duration
}

// NewRetryInfo builds the sidecar for a freshly enqueued event.
func NewRetryInfo(maxAttempts int, initialDelay time.Duration) RetryInfo {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	if initialDelay <= 0 {
		initialDelay = DefaultInitialDelay
	}
	return RetryInfo{MaxAttempts: maxAttempts, Backoff: initialDelay}
}

// Exhausted reports whether the attempt budget is spent.
func (r RetryInfo) Exhausted() bool {
	return r.Attempts >= r.MaxAttempts
}

// Next returns the sidecar for the requeued copy: one more attempt burned,
// backoff doubled up to the ceiling.
func (r RetryInfo) Next() RetryInfo {
	next := r
	next.Attempts++
	next.Backoff = r.Backoff * 2
	if next.Backoff > maxBackoff {
		next.Backoff = maxBackoff
	}
	return next
}
