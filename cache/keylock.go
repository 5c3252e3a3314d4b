package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRevalidateThrottled is returned when the per-key revalidation rate has
// been exceeded. The caller decides what to do with the stale entry; the
// throttle only prevents revalidation storms against one origin resource.
var ErrRevalidateThrottled = errors.New("revalidation throttled")

// RevalidateLock serializes revalidations so that at most one is in flight
// per cache key, while concurrent cache-hit reads of a stable entry remain
// unaffected. Waiters block until the holder releases or their context is
// cancelled. The lock is never held across anything longer than the single
// revalidation it protects.
type RevalidateLock struct {
	mu     sync.Mutex
	leases map[string]chan struct{}
	limits map[string]*rate.Limiter
	limit  rate.Limit
	burst  int
}

// NewRevalidateLock creates a lock with a per-key revalidation rate limit.
// A zero limit disables throttling.
func NewRevalidateLock(limit rate.Limit, burst int) *RevalidateLock {
	if limit == 0 {
		limit = rate.Inf
		burst = 1
	}
	return &RevalidateLock{
		leases: make(map[string]chan struct{}),
		limits: make(map[string]*rate.Limiter),
		limit:  limit,
		burst:  burst,
	}
}

// Acquire obtains the revalidation lease for key, blocking while another
// exchange holds it. It returns a release function, and the time spent
// waiting for the lease, which is exposed for observability.
func (l *RevalidateLock) Acquire(ctx context.Context, key string) (func(), time.Duration, error) {
	start := time.Now()
	for {
		l.mu.Lock()
		held, ok := l.leases[key]
		if !ok {
			limiter := l.limits[key]
			if limiter == nil {
				limiter = rate.NewLimiter(l.limit, l.burst)
				l.limits[key] = limiter
			}
			if !limiter.Allow() {
				l.mu.Unlock()
				return nil, time.Since(start), ErrRevalidateThrottled
			}
			ch := make(chan struct{})
			l.leases[key] = ch
			l.mu.Unlock()
			release := func() {
				l.mu.Lock()
				delete(l.leases, key)
				l.mu.Unlock()
				close(ch)
			}
			return release, time.Since(start), nil
		}
		l.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, time.Since(start), ctx.Err()
		case <-held:
		}
	}
}
