// Package reconcile keeps the messages on the surface in line with the
// task store.
//
// Represent is the single-task step: post a task's current card, link it,
// and retire the card of the other status. The lifecycle controller calls
// it after create and claim. Resync runs it over a whole workspace to
// repair whatever drift partial failures left behind.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vinayprograms/taskboard/logging"
	"github.com/vinayprograms/taskboard/render"
	"github.com/vinayprograms/taskboard/store"
	"github.com/vinayprograms/taskboard/surface"
	"github.com/vinayprograms/taskboard/telemetry"
)

var (
	// ErrMisconfigured is returned by Resync when the workspace lacks an
	// open or inprogress channel.
	ErrMisconfigured = errors.New("open and in-progress channels must be configured")

	// ErrStale means the task was removed or changed status while its card
	// was being posted.
	ErrStale = errors.New("task changed while being represented")
)

// Step names the part of Represent that failed.
type Step string

const (
	StepPost  Step = "post"
	StepLink  Step = "link"
	StepClear Step = "clear"
)

// StepError is returned by Represent. Err keeps the cause matchable.
type StepError struct {
	Step   Step
	TaskID int64
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("task %d: %s: %v", e.TaskID, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Engine reconciles tasks with the surface. It holds no locks; the store's
// conditional writes arbitrate concurrent callers.
type Engine struct {
	store   store.Store
	surface surface.Surface
	tracer  *telemetry.Tracer
	log     *logging.Logger
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		e.log = l.WithComponent("reconcile")
	}
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(e *Engine) {
		e.tracer = t
	}
}

// New creates an engine over st and sf.
func New(st store.Store, sf surface.Surface, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		surface: sf,
		tracer:  telemetry.GetTracer(),
		log:     logging.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Represent posts t's card for its current status to channel and records
// the reference. If the reference cannot be recorded, the new message is
// deleted again. On success the other status's message is deleted and its
// reference cleared; a failure there returns the new reference together
// with a StepClear error.
func (e *Engine) Represent(ctx context.Context, t *store.Task, channel string) (store.MessageRef, error) {
	slot := store.SlotFor(t.Status)

	ref, err := e.surface.Post(ctx, channel, render.Render(t, render.ViewFor(t.Status)))
	if err != nil {
		return "", &StepError{Step: StepPost, TaskID: t.ID, Err: err}
	}

	ok, err := e.store.SetMessageRef(ctx, t.ID, slot, ref)
	if err == nil && !ok {
		err = ErrStale
	}
	if err != nil {
		e.discard(ctx, t.ID, ref)
		return "", &StepError{Step: StepLink, TaskID: t.ID, Err: err}
	}

	if err := e.retire(ctx, t, slot.Other()); err != nil {
		return ref, &StepError{Step: StepClear, TaskID: t.ID, Err: err}
	}
	return ref, nil
}

// retire deletes the message in slot, if any, and clears the reference.
func (e *Engine) retire(ctx context.Context, t *store.Task, slot store.Slot) error {
	if old := t.Ref(slot); old != "" {
		e.discard(ctx, t.ID, old)
	}
	_, err := e.store.SetMessageRef(ctx, t.ID, slot, "")
	return err
}

// discard deletes a message, logging anything but NotFound and Forbidden.
func (e *Engine) discard(ctx context.Context, taskID int64, ref store.MessageRef) {
	err := e.surface.Delete(ctx, ref)
	switch {
	case err == nil:
	case surface.Ignorable(err):
		e.log.Debug("delete_ignored", map[string]interface{}{"task": taskID, "ref": string(ref), "error": err.Error()})
	default:
		e.log.Warn("delete_failed", map[string]interface{}{"task": taskID, "ref": string(ref), "error": err.Error()})
	}
}

// Failure is one task the resync could not repair.
type Failure struct {
	TaskID int64        `json:"task_id"`
	Status store.Status `json:"status"`
	Reason string       `json:"reason"`
}

// String formats the failure as a summary line.
func (f Failure) String() string {
	return fmt.Sprintf("Task %d: %s", f.TaskID, f.Reason)
}

// Summary reports what a resync did.
type Summary struct {
	Workspace  string    `json:"workspace_id"`
	Open       int       `json:"open"`
	InProgress int       `json:"in_progress"`
	Failures   []Failure `json:"failures,omitempty"`
}

// Lines returns the failures as summary lines.
func (s *Summary) Lines() []string {
	lines := make([]string, len(s.Failures))
	for i, f := range s.Failures {
		lines[i] = f.String()
	}
	return lines
}

// Text renders the summary for the user who asked for the resync.
func (s *Summary) Text() string {
	return render.ResyncSummary(s.Open, s.InProgress, s.Lines())
}

// Resync replaces the card of every open and in-progress task of the
// workspace with a fresh one. Failures are collected per task and never
// stop the batch. Only a missing route or a failed listing aborts.
func (e *Engine) Resync(ctx context.Context, workspaceID string) (*Summary, error) {
	start := e.now()
	ctx, span := e.tracer.StartResyncSpan(ctx, workspaceID)

	summary, err := e.resync(ctx, workspaceID)
	opts := telemetry.ResyncSpanOptions{Workspace: workspaceID}
	if summary != nil {
		opts.Open, opts.InProgress, opts.Failures = summary.Open, summary.InProgress, len(summary.Failures)
		e.log.ResyncSummary(workspaceID, summary.Open, summary.InProgress, len(summary.Failures), e.now().Sub(start))
	}
	e.tracer.EndResyncSpan(span, opts, err)
	return summary, err
}

func (e *Engine) resync(ctx context.Context, workspaceID string) (*Summary, error) {
	routes, err := e.store.GetRoutes(ctx, workspaceID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !routes.Ready()) {
		return nil, ErrMisconfigured
	}
	if err != nil {
		return nil, err
	}

	summary := &Summary{Workspace: workspaceID}
	for _, status := range []store.Status{store.StatusOpen, store.StatusInProgress} {
		tasks, err := e.store.ListByStatus(ctx, workspaceID, status)
		if err != nil {
			return summary, err
		}
		channel := routes.Channel(store.SlotFor(status))

		for _, t := range tasks {
			if err := ctx.Err(); err != nil {
				return summary, err
			}
			if err := e.refresh(ctx, t, channel); err != nil {
				summary.Failures = append(summary.Failures, Failure{
					TaskID: t.ID,
					Status: status,
					Reason: reason(err),
				})
				continue
			}
			if status == store.StatusOpen {
				summary.Open++
			} else {
				summary.InProgress++
			}
		}
	}
	return summary, nil
}

// refresh deletes t's current card and represents it again.
func (e *Engine) refresh(ctx context.Context, t *store.Task, channel string) error {
	if old := t.LiveRef(); old != "" {
		e.discard(ctx, t.ID, old)
	}
	_, err := e.Represent(ctx, t, channel)
	if err != nil {
		e.log.Warn("resync_task_failed", map[string]interface{}{"task": t.ID, "error": err.Error()})
	}
	return err
}

func reason(err error) string {
	var se *StepError
	if !errors.As(err, &se) {
		return err.Error()
	}
	switch {
	case errors.Is(se.Err, store.ErrConflict):
		return "message reference already in use"
	case errors.Is(se.Err, ErrStale):
		return "task changed during resync"
	}
	return fmt.Sprintf("%s failed: %v", se.Step, se.Err)
}
