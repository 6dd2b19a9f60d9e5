package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/vinayprograms/taskboard/logging"
)

// Coordinator runs registered handlers phase by phase.
type Coordinator struct {
	config Config
	log    *logging.Logger

	mu       sync.Mutex
	handlers []registration
	started  bool

	once    sync.Once
	done    chan struct{}
	result  *Result
	signals chan os.Signal
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Coordinator{
		config:  cfg,
		log:     log.WithComponent("shutdown"),
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}
}

// Register adds a handler to phase.
func (c *Coordinator) Register(name string, phase int, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyShutdown
	}
	c.handlers = append(c.handlers, registration{name: name, handler: h, phase: phase})
	return nil
}

// RegisterFunc adds fn to phase.
func (c *Coordinator) RegisterFunc(name string, phase int, fn func(ctx context.Context) error) error {
	return c.Register(name, phase, Func(fn))
}

// Shutdown runs every phase once. Later calls wait for the first to
// finish and return its error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.started = true
		handlers := make([]registration, len(c.handlers))
		copy(handlers, c.handlers)
		c.mu.Unlock()

		c.result = c.run(ctx, handlers)
		close(c.done)
	})
	<-c.done
	return c.result.Err
}

// ShutdownWithTimeout runs Shutdown under timeout, or the configured
// timeout when zero.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout == 0 {
		timeout = c.config.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals starts shutdown on SIGTERM or SIGINT, or when Trigger
// is called.
func (c *Coordinator) HandleSignals() {
	signal.Notify(c.signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case sig := <-c.signals:
			signal.Stop(c.signals)
			c.log.Info("signal_received", map[string]interface{}{"signal": sig.String()})
			_ = c.ShutdownWithTimeout(c.config.Timeout)
		case <-c.done:
			signal.Stop(c.signals)
		}
	}()
}

// Trigger behaves like a received SIGTERM.
func (c *Coordinator) Trigger() {
	select {
	case c.signals <- syscall.SIGTERM:
	default:
	}
}

// Done is closed when shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error, or nil before Done is closed.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.result.Err
	default:
		return nil
	}
}

// Result returns the detailed outcome, or nil before Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context, handlers []registration) *Result {
	start := time.Now()
	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	result := &Result{Steps: make([]Step, 0, len(handlers))}
	var failed []Step

	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			c.log.Warn("shutdown_timeout", map[string]interface{}{"phase": group[0].phase})
			result.Err = ErrTimeout
			break
		}

		steps := c.runPhase(ctx, group)
		result.Steps = append(result.Steps, steps...)
		for _, s := range steps {
			if s.Err != nil {
				failed = append(failed, s)
			}
		}
		if len(failed) > 0 && c.config.StopOnError {
			break
		}
	}

	if result.Err == nil && len(failed) > 0 {
		result.Err = &StepError{Steps: failed}
	}
	result.Duration = time.Since(start)
	c.log.Info("shutdown_complete", map[string]interface{}{
		"steps":       len(result.Steps),
		"failed":      len(failed),
		"duration_ms": result.Duration.Milliseconds(),
	})
	return result
}

func (c *Coordinator) runPhase(ctx context.Context, group []registration) []Step {
	steps := make([]Step, len(group))
	var wg sync.WaitGroup
	for i, reg := range group {
		wg.Add(1)
		go func(i int, r registration) {
			defer wg.Done()
			begin := time.Now()
			err := r.handler.OnShutdown(ctx)
			steps[i] = Step{Name: r.name, Phase: r.phase, Duration: time.Since(begin), Err: err}

			fields := map[string]interface{}{
				"step":        r.name,
				"phase":       r.phase,
				"duration_ms": steps[i].Duration.Milliseconds(),
			}
			if err != nil {
				fields["error"] = err.Error()
				c.log.Warn("shutdown_step_failed", fields)
				return
			}
			c.log.Debug("shutdown_step", fields)
		}(i, reg)
	}
	wg.Wait()
	return steps
}

// groupByPhase splits handlers, already sorted by phase, into groups.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i := 0; i < len(handlers); {
		j := i
		for j < len(handlers) && handlers[j].phase == handlers[i].phase {
			j++
		}
		groups = append(groups, handlers[i:j])
		i = j
	}
	return groups
}
