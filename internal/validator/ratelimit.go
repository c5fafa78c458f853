package validator

import (
	"fmt"
	"sync"
	"time"
)

// windowSpan is the sliding-window length for per-author limits.
const windowSpan = time.Minute

// authorWindow accumulates one author's activity since the window start.
// The window resets once windowSpan has elapsed since its start.
type authorWindow struct {
	start time.Time
	ops   int
	bytes int64
}

// rateLimiter tracks per-author windows. The table is shared between
// concurrent admitters and the periodic sweep, so all access goes through
// the mutex.
type rateLimiter struct {
	maxOps   int
	maxBytes int64

	mu      sync.Mutex
	windows map[string]*authorWindow
}

func newRateLimiter(maxOps int, maxBytes int64) *rateLimiter {
	return &rateLimiter{
		maxOps:   maxOps,
		maxBytes: maxBytes,
		windows:  make(map[string]*authorWindow),
	}
}

// check rejects if admitting size more bytes for did would exceed either
// limit within the current window. It does not consume budget.
func (r *rateLimiter) check(did string, now time.Time, size int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.current(did, now)
	if r.maxOps > 0 && w.ops+1 > r.maxOps {
		return fmt.Errorf("%w: %d operations in the current window, limit %d", ErrRateLimitExceeded, w.ops, r.maxOps)
	}
	if r.maxBytes > 0 && w.bytes+size > r.maxBytes {
		return fmt.Errorf("%w: %d bytes in the current window, limit %d", ErrBandwidthLimitExceeded, w.bytes+size, r.maxBytes)
	}
	return nil
}

// record consumes budget for an admitted operation.
func (r *rateLimiter) record(did string, now time.Time, size int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.current(did, now)
	w.ops++
	w.bytes += size
}

// current returns the live window for did, resetting an expired one.
// Caller holds the mutex.
func (r *rateLimiter) current(did string, now time.Time) *authorWindow {
	w, ok := r.windows[did]
	if !ok || now.Sub(w.start) >= windowSpan {
		w = &authorWindow{start: now}
		r.windows[did] = w
	}
	return w
}

// sweep removes expired windows.
func (r *rateLimiter) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for did, w := range r.windows {
		if now.Sub(w.start) >= windowSpan {
			delete(r.windows, did)
		}
	}
}
