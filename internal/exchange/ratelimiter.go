package exchange

import (
	"sync"
	"time"
)

// RateLimiter is an in-process sliding-window limiter: at most
// maxPerSecond dispatches are allowed within any trailing one-second
// window. Grounded directly in original_source's _rate_limit() method
// (hyperliquid_api_client.py): stamp each dispatch, and if the window is
// saturated, sleep until the oldest timestamp falls out of the window.
//
// A Redis-backed token bucket (see rishavpaul-system-design's
// ratelimiter.TokenBucket in _examples/) was considered and declined —
// This window is internal to a single process and not shared across
// sidecar, so there is no grounded need for a distributed store here;
// see DESIGN.md.
type RateLimiter struct {
	mu             sync.Mutex
	maxPerSecond   int
	dispatchTimes  []time.Time
}

func NewRateLimiter(maxPerSecond int) *RateLimiter {
	return &RateLimiter{maxPerSecond: maxPerSecond}
}

// Wait blocks, if necessary, until a dispatch slot is available, then
// stamps the dispatch.
func (r *RateLimiter) Wait() {
	for {
		r.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-time.Second)

		kept := r.dispatchTimes[:0]
		for _, t := range r.dispatchTimes {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		r.dispatchTimes = kept

		if len(r.dispatchTimes) < r.maxPerSecond {
			r.dispatchTimes = append(r.dispatchTimes, now)
			r.mu.Unlock()
			return
		}

		oldest := r.dispatchTimes[0]
		sleepFor := oldest.Add(time.Second).Sub(now)
		r.mu.Unlock()

		if sleepFor > 0 {
			time.Sleep(sleepFor)
		}
	}
}
