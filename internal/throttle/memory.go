package throttle

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const maxIdleBuckets = 4096

// Memory is an in-process token bucket per key. Buckets refill at
// Limit/Period and hold at most Limit tokens.
type Memory struct {
	rate Rate
	now  func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewMemory returns a limiter for r. A nil clock uses time.Now.
func NewMemory(r Rate, now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{rate: r, now: now, buckets: make(map[string]*bucket)}
}

func (m *Memory) Allow(_ context.Context, key string) (Decision, error) {
	if m.rate.Disabled() {
		return Decision{Allowed: true}, nil
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key]
	if !ok {
		if len(m.buckets) >= maxIdleBuckets {
			m.prune(now)
		}
		every := m.rate.Period / time.Duration(m.rate.Limit)
		b = &bucket{lim: rate.NewLimiter(rate.Every(every), m.rate.Limit)}
		m.buckets[key] = b
	}
	b.seen = now

	res := b.lim.ReserveN(now, 1)
	if !res.OK() {
		return Decision{Allowed: false, RetryAfter: m.rate.Period}, nil
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: delay}, nil
	}
	return Decision{Allowed: true}, nil
}

// prune drops buckets idle for a full period; they would be full again.
func (m *Memory) prune(now time.Time) {
	for k, b := range m.buckets {
		if now.Sub(b.seen) > m.rate.Period {
			delete(m.buckets, k)
		}
	}
}
