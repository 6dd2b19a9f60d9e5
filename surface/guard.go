package surface

import (
	"context"
	"errors"
	"time"

	taskerr "github.com/vinayprograms/taskboard/errors"
	"github.com/vinayprograms/taskboard/logging"
	"github.com/vinayprograms/taskboard/ratelimit"
	"github.com/vinayprograms/taskboard/render"
	"github.com/vinayprograms/taskboard/store"
	"github.com/vinayprograms/taskboard/telemetry"
)

// DefaultTimeout bounds each surface call made through a Guard.
const DefaultTimeout = 10 * time.Second

// DefaultResource is the limiter resource a Guard draws tokens from.
const DefaultResource = "surface"

// Guard bounds every call to an inner Surface with a timeout, paces calls
// through a limiter, traces them, and returns categorized errors. Sentinel
// errors stay matchable with errors.Is.
type Guard struct {
	inner    Surface
	timeout  time.Duration
	limiter  ratelimit.Limiter
	resource string
	tracer   *telemetry.Tracer
	log      *logging.Logger
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithTimeout sets the per-call timeout. Non-positive disables it.
func WithTimeout(d time.Duration) GuardOption {
	return func(g *Guard) {
		g.timeout = d
	}
}

// WithLimiter paces calls through l using resource. The resource must
// already have a capacity set on l, otherwise calls are not paced.
func WithLimiter(l ratelimit.Limiter, resource string) GuardOption {
	return func(g *Guard) {
		g.limiter = l
		if resource != "" {
			g.resource = resource
		}
	}
}

// WithTracer sets the tracer for surface spans.
func WithTracer(t *telemetry.Tracer) GuardOption {
	return func(g *Guard) {
		g.tracer = t
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) GuardOption {
	return func(g *Guard) {
		g.log = l.WithComponent("surface")
	}
}

// NewGuard wraps inner.
func NewGuard(inner Surface, opts ...GuardOption) *Guard {
	g := &Guard{
		inner:    inner,
		timeout:  DefaultTimeout,
		resource: DefaultResource,
		tracer:   telemetry.GetTracer(),
		log:      logging.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Post posts content to channelID.
func (g *Guard) Post(ctx context.Context, channelID string, content render.Content) (store.MessageRef, error) {
	ctx, span := g.tracer.StartSurfaceSpan(ctx, "post")
	var ref store.MessageRef
	err := g.do(ctx, "post", func(ctx context.Context) error {
		var err error
		ref, err = g.inner.Post(ctx, channelID, content)
		return err
	})
	g.tracer.EndSurfaceSpan(span, telemetry.SurfaceSpanOptions{Channel: channelID, Ref: string(ref)}, err)
	if err != nil {
		return "", err
	}
	return ref, nil
}

// Delete deletes ref.
func (g *Guard) Delete(ctx context.Context, ref store.MessageRef) error {
	ctx, span := g.tracer.StartSurfaceSpan(ctx, "delete")
	err := g.do(ctx, "delete", func(ctx context.Context) error {
		return g.inner.Delete(ctx, ref)
	})
	g.tracer.EndSurfaceSpan(span, telemetry.SurfaceSpanOptions{Ref: string(ref)}, err)
	return err
}

// Fetch reports whether ref exists.
func (g *Guard) Fetch(ctx context.Context, ref store.MessageRef) (bool, error) {
	ctx, span := g.tracer.StartSurfaceSpan(ctx, "fetch")
	var exists bool
	err := g.do(ctx, "fetch", func(ctx context.Context) error {
		var err error
		exists, err = g.inner.Fetch(ctx, ref)
		return err
	})
	g.tracer.EndSurfaceSpan(span, telemetry.SurfaceSpanOptions{Ref: string(ref), Exists: exists}, err)
	return exists, err
}

func (g *Guard) do(ctx context.Context, op string, call func(context.Context) error) error {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	if g.limiter != nil {
		err := g.limiter.Acquire(ctx, g.resource)
		if err != nil && !errors.Is(err, ratelimit.ErrResourceUnknown) {
			return taskerr.WrapWithCode(err, taskerr.ErrCodeRateLimit, "surface "+op+": waiting for rate limit")
		}
	}

	err := call(ctx)
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrThrottled) {
		g.log.Warn("throttled", map[string]interface{}{"operation": op, "error": err.Error()})
		if g.limiter != nil {
			g.limiter.Throttled(g.resource, err.Error())
		}
	}
	return classify(err, op)
}

// classify wraps err with the error code matching its cause.
func classify(err error, op string) error {
	code := taskerr.ErrCodeSurface
	switch {
	case errors.Is(err, ErrNotFound):
		code = taskerr.ErrCodeNotFound
	case errors.Is(err, ErrForbidden):
		code = taskerr.ErrCodeForbidden
	case errors.Is(err, ErrThrottled):
		code = taskerr.ErrCodeRateLimit
	}
	return taskerr.WrapWithCode(err, code, "surface "+op)
}

var _ Surface = (*Guard)(nil)
