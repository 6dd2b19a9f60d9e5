// OpenTelemetry tracing for lifecycle operations and surface calls.
package telemetry

import (
	"context"
	"sync/atomic"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer opens the spans taskboard records. With debug set, task
// descriptions are attached to operation spans.
type Tracer struct {
	tracer trace.Tracer
	debug  bool
}

var global atomic.Pointer[Tracer]

// SetGlobalTracer makes t the tracer GetTracer returns.
func SetGlobalTracer(t *Tracer) { global.Store(t) }

// GetTracer returns the process tracer, or one that records nothing
// before InitProvider has run.
func GetTracer() *Tracer {
	if t := global.Load(); t != nil {
		return t
	}
	return NoopTracer()
}

func NoopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// NewTracerFrom names a tracer on tp.
func NewTracerFrom(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{tracer: tp.Tracer(name), debug: debug}
}

func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Lifecycle Spans ---

// OperationSpanOptions describes a finished controller operation.
type OperationSpanOptions struct {
	TaskID      int64
	Workspace   string
	Actor       string
	Outcome     string
	Degraded    bool
	Description string // Only included if debug=true
}

// StartOperationSpan starts a span for a controller operation such as
// "create" or "claim".
func (t *Tracer) StartOperationSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "task."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("task.operation", op))
	return ctx, span
}

// EndOperationSpan records the outcome and ends the span.
func (t *Tracer) EndOperationSpan(span trace.Span, opts OperationSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("task.outcome", opts.Outcome),
		attribute.Bool("task.degraded", opts.Degraded),
	}
	if opts.TaskID != 0 {
		attrs = append(attrs, attribute.Int64("task.id", opts.TaskID))
	}
	if opts.Workspace != "" {
		attrs = append(attrs, attribute.String("task.workspace", opts.Workspace))
	}
	if opts.Actor != "" {
		attrs = append(attrs, attribute.String("task.actor", opts.Actor))
	}
	if t.debug && opts.Description != "" {
		attrs = append(attrs, attribute.String("task.description", truncate(opts.Description, 1000)))
	}
	span.SetAttributes(attrs...)
	finish(span, err)
}

// --- Resync Spans ---

// ResyncSpanOptions describes a finished workspace resync.
type ResyncSpanOptions struct {
	Workspace  string
	Open       int
	InProgress int
	Failures   int
}

// StartResyncSpan starts a span for a workspace resync.
func (t *Tracer) StartResyncSpan(ctx context.Context, workspace string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "workspace.resync", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("task.workspace", workspace))
	return ctx, span
}

// EndResyncSpan records the resync counts and ends the span.
func (t *Tracer) EndResyncSpan(span trace.Span, opts ResyncSpanOptions, err error) {
	span.SetAttributes(
		attribute.Int("resync.open", opts.Open),
		attribute.Int("resync.in_progress", opts.InProgress),
		attribute.Int("resync.failures", opts.Failures),
	)
	finish(span, err)
}

// --- Surface Spans ---

// SurfaceSpanOptions describes a finished surface call.
type SurfaceSpanOptions struct {
	Channel string
	Ref     string
	Exists  bool
}

// StartSurfaceSpan starts a client span for a surface call ("post",
// "delete" or "fetch").
func (t *Tracer) StartSurfaceSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "surface."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("surface.operation", op))
	return ctx, span
}

// EndSurfaceSpan records the call result and ends the span.
func (t *Tracer) EndSurfaceSpan(span trace.Span, opts SurfaceSpanOptions, err error) {
	var attrs []attribute.KeyValue
	if opts.Channel != "" {
		attrs = append(attrs, attribute.String("surface.channel", opts.Channel))
	}
	if opts.Ref != "" {
		attrs = append(attrs, attribute.String("surface.ref", opts.Ref))
	}
	attrs = append(attrs, attribute.Bool("surface.exists", opts.Exists))
	span.SetAttributes(attrs...)
	finish(span, err)
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Context Propagation ---

// InjectContext writes the span context of ctx into carrier, usually the
// header of an outgoing bus message.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext continues the trace found in carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MapCarrier lets a bus message header carry trace context.
type MapCarrier = propagation.MapCarrier

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
