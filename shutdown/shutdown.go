package shutdown

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/vinayprograms/taskboard/logging"
)

// Phases used by the taskboard server. Lower phases stop first; steps in
// the same phase stop concurrently.
const (
	// PhaseIngress stops accepting work: the HTTP listener and the
	// action subscription.
	PhaseIngress = 10

	// PhaseDrain waits for in-flight transitions and surface requests.
	PhaseDrain = 20

	// PhaseFlush pushes buffered telemetry out.
	PhaseFlush = 30

	// PhaseRelease closes the store and the limiter.
	PhaseRelease = 40

	// PhaseBus closes the bus connection the earlier phases rode on.
	PhaseBus = 50
)

var (
	// ErrAlreadyShutdown is returned by Register after shutdown began.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout indicates the deadline passed before every phase ran.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid shutdown configuration")
)

// Handler is implemented by components that need an orderly stop.
// The context is cancelled when the shutdown deadline passes.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// Func adapts a function to Handler.
type Func func(ctx context.Context) error

// OnShutdown implements Handler.
func (f Func) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// Closer adapts an io.Closer, such as a store or a bus, to Handler.
func Closer(c io.Closer) Handler {
	return Func(func(context.Context) error {
		return c.Close()
	})
}

// Stopper adapts a component with a blocking Stop, such as the action
// listener, to Handler. Stop keeps running in the background if ctx
// ends first.
func Stopper(stop func()) Handler {
	return Func(func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			stop()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// Step is the outcome of one registered handler.
type Step struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a whole shutdown.
type Result struct {
	Duration time.Duration
	Steps    []Step
	Err      error
}

// Failed reports whether any step failed or the deadline passed.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedSteps returns the names of the steps that failed.
func (r *Result) FailedSteps() []string {
	var failed []string
	for _, s := range r.Steps {
		if s.Err != nil {
			failed = append(failed, s.Name)
		}
	}
	return failed
}

// StepError reports the steps that failed during shutdown.
type StepError struct {
	Steps []Step
}

func (e *StepError) Error() string {
	parts := make([]string, 0, len(e.Steps))
	for _, s := range e.Steps {
		parts = append(parts, fmt.Sprintf("%s: %v", s.Name, s.Err))
	}
	return "shutdown steps failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes the step errors to errors.Is and errors.As.
func (e *StepError) Unwrap() []error {
	errs := make([]error, 0, len(e.Steps))
	for _, s := range e.Steps {
		errs = append(errs, s.Err)
	}
	return errs
}

// Config configures a Coordinator.
type Config struct {
	// Timeout bounds a signal-triggered or ShutdownWithTimeout shutdown.
	// Default: 30 seconds
	Timeout time.Duration

	// StopOnError skips later phases once a step fails. Release steps
	// usually still matter, so the default is to continue.
	StopOnError bool

	// Logger receives one entry per step.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	}
	return nil
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
	}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}
