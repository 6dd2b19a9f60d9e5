package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket is a token bucket that refills continuously at capacity/window.
type bucket struct {
	capacity   int
	available  float64
	window     time.Duration
	lastRefill time.Time
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.available += float64(b.capacity) * float64(elapsed) / float64(b.window)
	if b.available > float64(b.capacity) {
		b.available = float64(b.capacity)
	}
	b.lastRefill = now
}

// untilNext returns how long until one whole token is available.
func (b *bucket) untilNext() time.Duration {
	missing := 1 - b.available
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing * float64(b.window) / float64(b.capacity))
}

// MemoryLimiter paces surface calls inside one process with a token
// bucket per resource.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool
	done    chan struct{}
	nowFunc func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
		nowFunc: time.Now,
	}
}

// SetCapacity configures the rate limit for a resource. Tokens already
// available are kept, up to the new capacity.
func (m *MemoryLimiter) SetCapacity(resource string, capacity int, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if capacity <= 0 || window <= 0 {
		delete(m.buckets, resource)
		return
	}

	now := m.nowFunc()
	if b, ok := m.buckets[resource]; ok {
		b.refill(now)
		b.capacity = capacity
		b.window = window
		if b.available > float64(capacity) {
			b.available = float64(capacity)
		}
		return
	}
	m.buckets[resource] = &bucket{
		capacity:   capacity,
		available:  float64(capacity),
		window:     window,
		lastRefill: now,
	}
}

// Capacity returns the current capacity info for a resource.
func (m *MemoryLimiter) Capacity(resource string) *Capacity {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[resource]
	if !ok {
		return nil
	}
	b.refill(m.nowFunc())
	return &Capacity{
		Resource:  resource,
		Available: int(b.available),
		Total:     b.capacity,
		Window:    b.window,
	}
}

// take removes a token if one is available, else returns the wait until the
// next one.
func (m *MemoryLimiter) take(resource string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	b, ok := m.buckets[resource]
	if !ok {
		return 0, ErrResourceUnknown
	}
	b.refill(m.nowFunc())
	if b.available >= 1 {
		b.available--
		return 0, nil
	}
	return b.untilNext(), nil
}

// Acquire waits for a token. A resource without a capacity fails with
// ErrResourceUnknown.
func (m *MemoryLimiter) Acquire(ctx context.Context, resource string) error {
	for {
		wait, err := m.take(resource)
		if err != nil {
			return err
		}
		if wait == 0 {
			return nil
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-m.done:
			timer.Stop()
			return ErrClosed
		case <-timer.C:
		}
	}
}

// TryAcquire takes a token only if one is ready now.
func (m *MemoryLimiter) TryAcquire(resource string) bool {
	wait, err := m.take(resource)
	return err == nil && wait == 0
}

// Throttled halves the resource's capacity locally.
func (m *MemoryLimiter) Throttled(resource string, reason string) {
	m.reduce(resource, 0.5)
}

// reduce scales capacity by factor (minimum 1) and returns the new capacity,
// or 0 if the resource is unknown.
func (m *MemoryLimiter) reduce(resource string, factor float64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[resource]
	if !ok {
		return 0
	}
	b.refill(m.nowFunc())
	next := int(float64(b.capacity) * factor)
	if next < 1 {
		next = 1
	}
	b.capacity = next
	if b.available > float64(next) {
		b.available = float64(next)
	}
	return next
}

// Close shuts down the limiter. Blocked Acquire calls return ErrClosed.
func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.closed = true
	close(m.done)
	return nil
}

var _ Limiter = (*MemoryLimiter)(nil)
