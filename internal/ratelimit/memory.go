package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryLimiter is the in-process fallback used when no Redis is configured.
// Fixed windows with atomic increment-and-compare; each instance counts on
// its own, which is acceptable for approximate limiting.
type MemoryLimiter struct {
	cfg     Config
	windows sync.Map // key -> *window
	now     func() time.Time
}

type window struct {
	start atomic.Int64 // unix nanos of the window start
	count atomic.Int64
}

func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	return &MemoryLimiter{cfg: cfg, now: time.Now}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := l.now()
	start := now.Truncate(l.cfg.Window).UnixNano()

	value, _ := l.windows.LoadOrStore(key, &window{})
	w := value.(*window)

	// Rotate the window if it is stale. A racing rotation may drop a handful
	// of counts; over-admission by that margin is fine here.
	for {
		current := w.start.Load()
		if current == start {
			break
		}
		if w.start.CompareAndSwap(current, start) {
			w.count.Store(0)
			break
		}
	}

	count := w.count.Add(1)
	if count > int64(l.cfg.Limit) {
		windowEnd := time.Unix(0, start).Add(l.cfg.Window)
		return Decision{Allowed: false, RetryAfter: windowEnd.Sub(now)}, nil
	}
	return Decision{Allowed: true, Remaining: l.cfg.Limit - int(count)}, nil
}

var _ Limiter = (*MemoryLimiter)(nil)
