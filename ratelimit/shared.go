package ratelimit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/vinayprograms/taskboard/bus"
	"github.com/vinayprograms/taskboard/logging"
)

// SharedConfig configures a limiter shared by several controller replicas.
type SharedConfig struct {
	// Bus carries capacity announcements.
	Bus bus.MessageBus

	// Subject is where announcements are published and heard.
	Subject string

	// Replica identifies this process in announcements.
	Replica string

	// ReduceFactor scales capacity on Throttled (0-1).
	// Default: 0.5
	ReduceFactor float64

	// RecoveryInterval is how often reduced capacity grows back.
	// Default: 30s
	RecoveryInterval time.Duration

	// RecoveryFactor scales capacity on each recovery step (>1), capped at
	// the configured capacity.
	// Default: 1.25
	RecoveryFactor float64

	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *SharedConfig) Validate() error {
	if c.Bus == nil || c.Subject == "" || c.Replica == "" {
		return ErrInvalidConfig
	}
	return nil
}

type resourceConfig struct {
	capacity int
	window   time.Duration
}

// SharedLimiter keeps a local token bucket per resource and lowers it
// together with every other replica when any of them is throttled. Capacity
// recovers gradually once announcements stop.
type SharedLimiter struct {
	config SharedConfig
	local  *MemoryLimiter
	log    *logging.Logger

	mu            sync.Mutex
	configured    map[string]resourceConfig
	lastReduction map[string]time.Time

	sub    bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSharedLimiter subscribes to announcements and starts recovery.
func NewSharedLimiter(cfg SharedConfig) (*SharedLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ReduceFactor <= 0 || cfg.ReduceFactor >= 1 {
		cfg.ReduceFactor = 0.5
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = 30 * time.Second
	}
	if cfg.RecoveryFactor <= 1 {
		cfg.RecoveryFactor = 1.25
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}

	sub, err := cfg.Bus.Subscribe(cfg.Subject)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &SharedLimiter{
		config:        cfg,
		local:         NewMemoryLimiter(),
		log:           log.WithComponent("ratelimit"),
		configured:    make(map[string]resourceConfig),
		lastReduction: make(map[string]time.Time),
		sub:           sub,
		cancel:        cancel,
	}

	s.wg.Add(2)
	go s.listen(ctx)
	go s.recoveryLoop(ctx)

	return s, nil
}

func (s *SharedLimiter) listen(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.sub.Messages():
			if !ok {
				return
			}
			s.apply(msg)
		}
	}
}

// apply lowers local capacity to an announced value from another replica.
func (s *SharedLimiter) apply(msg *bus.Message) {
	var update CapacityUpdate
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		return
	}
	if update.Replica == s.config.Replica {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rc, ok := s.configured[update.Resource]
	if !ok || update.NewCapacity < 1 {
		return
	}
	current := s.local.Capacity(update.Resource)
	if current != nil && update.NewCapacity >= current.Total {
		return
	}
	s.local.SetCapacity(update.Resource, update.NewCapacity, rc.window)
	s.lastReduction[update.Resource] = time.Now()
	s.log.Warn("capacity_reduced_by_peer", map[string]interface{}{
		"resource": update.Resource,
		"capacity": update.NewCapacity,
		"replica":  update.Replica,
		"reason":   update.Reason,
	})
}

func (s *SharedLimiter) recoveryLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.recover(time.Now())
		}
	}
}

// recover grows reduced resources back toward their configured capacity.
func (s *SharedLimiter) recover(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for resource, last := range s.lastReduction {
		if now.Sub(last) < s.config.RecoveryInterval {
			continue
		}
		rc, ok := s.configured[resource]
		current := s.local.Capacity(resource)
		if !ok || current == nil {
			delete(s.lastReduction, resource)
			continue
		}

		next := int(float64(current.Total) * s.config.RecoveryFactor)
		if next <= current.Total {
			next = current.Total + 1
		}
		if next >= rc.capacity {
			next = rc.capacity
			delete(s.lastReduction, resource)
		}
		s.local.SetCapacity(resource, next, rc.window)
	}
}

// SetCapacity configures the resource's full capacity.
func (s *SharedLimiter) SetCapacity(resource string, capacity int, window time.Duration) {
	s.mu.Lock()
	if capacity <= 0 || window <= 0 {
		delete(s.configured, resource)
		delete(s.lastReduction, resource)
	} else {
		s.configured[resource] = resourceConfig{capacity: capacity, window: window}
	}
	s.mu.Unlock()

	s.local.SetCapacity(resource, capacity, window)
}

// Capacity returns the current capacity info for a resource.
func (s *SharedLimiter) Capacity(resource string) *Capacity {
	return s.local.Capacity(resource)
}

// Acquire blocks until a token is available for the resource.
func (s *SharedLimiter) Acquire(ctx context.Context, resource string) error {
	return s.local.Acquire(ctx, resource)
}

// TryAcquire attempts to acquire a token without blocking.
func (s *SharedLimiter) TryAcquire(resource string) bool {
	return s.local.TryAcquire(resource)
}

// Throttled lowers capacity locally and announces the new value.
func (s *SharedLimiter) Throttled(resource string, reason string) {
	s.mu.Lock()
	if _, ok := s.configured[resource]; !ok {
		s.mu.Unlock()
		return
	}
	next := s.local.reduce(resource, s.config.ReduceFactor)
	s.lastReduction[resource] = time.Now()
	s.mu.Unlock()

	s.log.Warn("capacity_reduced", map[string]interface{}{
		"resource": resource,
		"capacity": next,
		"reason":   reason,
	})

	data, err := json.Marshal(CapacityUpdate{
		Resource:    resource,
		Replica:     s.config.Replica,
		NewCapacity: next,
		Reason:      reason,
		Timestamp:   time.Now(),
	})
	if err != nil {
		return
	}
	if err := s.config.Bus.Publish(s.config.Subject, data); err != nil {
		s.log.Warn("capacity_announce_failed", map[string]interface{}{"error": err.Error()})
	}
}

// Close stops the background goroutines and the local limiter.
func (s *SharedLimiter) Close() error {
	s.cancel()
	_ = s.sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}

	return s.local.Close()
}

var _ Limiter = (*SharedLimiter)(nil)
