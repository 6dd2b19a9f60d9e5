package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrClosed          = errors.New("limiter closed")
	ErrResourceUnknown = errors.New("unknown resource")
	ErrInvalidConfig   = errors.New("invalid configuration")
)

// Limiter paces calls against a shared resource, such as the messaging
// surface as a whole or one of its channels.
type Limiter interface {
	// Acquire blocks until a token is available for the resource.
	// Returns the context error if ctx ends first, and ErrResourceUnknown if
	// the resource has no configured capacity.
	Acquire(ctx context.Context, resource string) error

	// TryAcquire takes a token without blocking and reports success.
	TryAcquire(resource string) bool

	// SetCapacity allows capacity tokens per window for the resource.
	// A non-positive capacity or window removes the limit.
	SetCapacity(resource string, capacity int, window time.Duration)

	// Throttled reports that the resource pushed back (e.g. a 429 from the
	// surface). The limiter lowers the resource's capacity; shared limiters
	// also tell the other replicas.
	Throttled(resource string, reason string)

	// Capacity returns the current state of a resource, or nil if unknown.
	Capacity(resource string) *Capacity

	// Close shuts down the limiter and wakes blocked callers.
	Close() error
}

// Capacity describes the rate limit state of a resource.
type Capacity struct {
	Resource  string
	Available int
	Total     int
	Window    time.Duration
}

// CapacityUpdate is broadcast when one replica lowers a resource's capacity.
type CapacityUpdate struct {
	Resource    string    `json:"resource"`
	Replica     string    `json:"replica"`
	NewCapacity int       `json:"new_capacity"`
	Reason      string    `json:"reason"`
	Timestamp   time.Time `json:"timestamp"`
}
