package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/taskboard/logging"
	"github.com/vinayprograms/taskboard/reconcile"
	"github.com/vinayprograms/taskboard/render"
	"github.com/vinayprograms/taskboard/store"
	"github.com/vinayprograms/taskboard/surface"
	"github.com/vinayprograms/taskboard/telemetry"
)

// Controller runs task transitions against a store and mirrors them on a
// surface. It is safe for concurrent use and holds no locks: the store's
// Claim, DeleteIfInProgress and SetMessageRef decide every race.
type Controller struct {
	store   store.Store
	surface surface.Surface
	engine  *reconcile.Engine
	events  telemetry.Exporter
	tracer  *telemetry.Tracer
	log     *logging.Logger
	now     func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Controller) {
		c.log = l
	}
}

// WithTracer sets the tracer for operation spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(c *Controller) {
		c.tracer = t
	}
}

// WithEvents sets the exporter that receives lifecycle events.
func WithEvents(e telemetry.Exporter) Option {
	return func(c *Controller) {
		c.events = e
	}
}

// WithClock overrides the clock used for completion times.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// New creates a controller over st and sf.
func New(st store.Store, sf surface.Surface, opts ...Option) *Controller {
	c := &Controller{
		store:   st,
		surface: sf,
		events:  telemetry.NewNoopExporter(),
		tracer:  telemetry.GetTracer(),
		log:     logging.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.engine = reconcile.New(st, sf,
		reconcile.WithLogger(c.log),
		reconcile.WithTracer(c.tracer),
	)
	c.log = c.log.WithComponent("lifecycle")
	return c
}

// Engine returns the reconciliation engine the controller uses.
func (c *Controller) Engine() *reconcile.Engine {
	return c.engine
}

// span describes an operation for its trace span.
type span struct {
	trace.Span
	workspace   string
	actor       string
	description string
}

func (c *Controller) start(ctx context.Context, op string) (context.Context, *span) {
	ctx, s := c.tracer.StartOperationSpan(ctx, op)
	return ctx, &span{Span: s}
}

func (c *Controller) end(s *span, r Result) {
	c.tracer.EndOperationSpan(s.Span, telemetry.OperationSpanOptions{
		TaskID:      r.TaskID,
		Workspace:   s.workspace,
		Actor:       s.actor,
		Outcome:     string(r.Outcome),
		Degraded:    r.Degraded,
		Description: s.description,
	}, r.Err())
}

// Create stores a new open task and posts it to the open channel.
func (c *Controller) Create(ctx context.Context, workspaceID, description, creatorID string) (res Result) {
	ctx, sp := c.start(ctx, "create")
	sp.workspace, sp.actor, sp.description = workspaceID, creatorID, description
	defer func() { c.end(sp, res) }()

	description = strings.TrimSpace(description)
	switch {
	case workspaceID == "":
		return invalidInput("A workspace is required.")
	case creatorID == "":
		return invalidInput("A creator is required.")
	case description == "":
		return invalidInput("A task description is required.")
	}

	routes, res, ok := c.routes(ctx, workspaceID, 0, false)
	if !ok {
		return res
	}
	if !routes.Ready() {
		return misconfigured(workspaceID, 0, false)
	}

	id, err := c.store.CreateTask(ctx, workspaceID, description, creatorID)
	if err != nil {
		c.log.Error("create_failed", map[string]interface{}{"workspace": workspaceID, "error": err.Error()})
		return storageFailure(0, err, false)
	}
	c.log.TaskEvent("task_created", id, map[string]interface{}{"workspace": workspaceID, "creator": creatorID})
	c.events.LogEvent(telemetry.EventTaskCreated, map[string]interface{}{
		"task_id": id, "workspace_id": workspaceID, "creator_id": creatorID,
	})

	task, err := c.store.Get(ctx, id)
	if err != nil {
		return storageFailure(id, err, true)
	}

	detail := fmt.Sprintf("✅ Task **#%d** added to <#%s>!", id, routes.Open)
	return c.represent(ctx, task, routes.Open, detail)
}

// Claim moves an open task to in progress for actorID. A lost race is
// reported as already processed and produces no message. source is the
// message the action came from, if any.
func (c *Controller) Claim(ctx context.Context, id int64, actorID string, source store.MessageRef) (res Result) {
	ctx, sp := c.start(ctx, "claim")
	sp.actor = actorID
	defer func() { c.end(sp, res) }()

	if id <= 0 || actorID == "" {
		return invalidInput("A task id and an actor are required to claim a task.")
	}

	task, err := c.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		c.dropSource(ctx, source)
		return alreadyProcessed(id, "This task has already been claimed or completed.")
	}
	if err != nil {
		return storageFailure(id, err, false)
	}
	sp.workspace = task.WorkspaceID

	// A rejected claim leaves the task untouched.
	routes, res, ok := c.routes(ctx, task.WorkspaceID, id, false)
	if !ok {
		return res
	}
	if !routes.Ready() {
		return misconfigured(task.WorkspaceID, id, false)
	}

	won, err := c.store.Claim(ctx, id, actorID)
	if err != nil {
		c.log.Error("claim_failed", map[string]interface{}{"task": id, "error": err.Error()})
		return storageFailure(id, err, false)
	}
	if !won {
		c.dropSource(ctx, source)
		return alreadyProcessed(id, "This task has already been claimed or completed.")
	}
	c.log.TaskEvent("task_claimed", id, map[string]interface{}{"assignee": actorID})
	c.events.LogEvent(telemetry.EventTaskClaimed, map[string]interface{}{
		"task_id": id, "workspace_id": task.WorkspaceID, "assignee_id": actorID,
	})

	task, err = c.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		// Completed or discarded right after the claim.
		return okResult(id, fmt.Sprintf("✅ You claimed task **#%d**.", id))
	}
	if err != nil {
		return storageFailure(id, err, true)
	}

	res = c.represent(ctx, task, routes.InProgress,
		fmt.Sprintf("✅ You claimed task **#%d**. Moved to 'In Progress'.", id))
	if source != task.OpenRef {
		c.dropSource(ctx, source)
	}
	return res
}

// Complete removes an in-progress task and logs it to the completed
// channel when one is set. The log is best effort: if it fails the task is
// still removed and the result is degraded.
func (c *Controller) Complete(ctx context.Context, id int64, actorID string, source store.MessageRef) (res Result) {
	ctx, sp := c.start(ctx, "complete")
	sp.actor = actorID
	defer func() { c.end(sp, res) }()

	if id <= 0 || actorID == "" {
		return invalidInput("A task id and an actor are required to complete a task.")
	}

	task, err := c.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		c.dropSource(ctx, source)
		return alreadyProcessed(id, "This task seems to have already been processed or deleted.")
	}
	if err != nil {
		return storageFailure(id, err, false)
	}
	sp.workspace = task.WorkspaceID
	if task.Status != store.StatusInProgress {
		return alreadyProcessed(id, "This task is not 'in progress'.")
	}

	var completedChannel string
	routes, err := c.store.GetRoutes(ctx, task.WorkspaceID)
	switch {
	case err == nil:
		completedChannel = routes.Completed
	case !errors.Is(err, store.ErrNotFound):
		c.log.Warn("routes_unavailable", map[string]interface{}{"task": id, "error": err.Error()})
	}

	var logRef store.MessageRef
	var logErr error
	if completedChannel != "" {
		logRef, logErr = c.surface.Post(ctx, completedChannel, render.Completed(task, actorID, c.now()))
	}

	deleted, err := c.store.DeleteIfInProgress(ctx, id)
	if err != nil || !deleted {
		if logRef != "" {
			c.deleteMessage(ctx, id, logRef)
		}
		if err != nil {
			c.log.Error("complete_failed", map[string]interface{}{"task": id, "error": err.Error()})
			return storageFailure(id, err, false)
		}
		c.dropSource(ctx, source)
		return alreadyProcessed(id, "This task seems to have already been processed or deleted.")
	}

	c.log.TaskEvent("task_completed", id, map[string]interface{}{"by": actorID, "logged": logRef != ""})
	c.events.LogEvent(telemetry.EventTaskCompleted, map[string]interface{}{
		"task_id": id, "workspace_id": task.WorkspaceID, "completed_by": actorID,
	})
	c.deleteRefs(ctx, task, source)

	res = okResult(id, fmt.Sprintf("🎉 Task **#%d** completed by %s!", id, render.Mention(actorID)))
	switch {
	case logErr != nil:
		c.log.Degraded("completion_not_logged", id, logErr)
		res.Degraded = true
		res.Detail += " It could not be logged to the completed channel."
	case logRef != "":
		res.Detail += fmt.Sprintf(" Logged in <#%s>.", completedChannel)
	}
	return res
}

// Discard removes a task in any status and deletes its messages.
func (c *Controller) Discard(ctx context.Context, id int64) (res Result) {
	ctx, sp := c.start(ctx, "discard")
	defer func() { c.end(sp, res) }()

	task, err := c.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return alreadyProcessed(id, "This task no longer exists.")
	}
	if err != nil {
		return storageFailure(id, err, false)
	}
	sp.workspace = task.WorkspaceID

	removed, err := c.store.Delete(ctx, id)
	if err != nil {
		return storageFailure(id, err, false)
	}
	if !removed {
		return alreadyProcessed(id, "This task no longer exists.")
	}

	c.log.TaskEvent("task_discarded", id, nil)
	c.events.LogEvent(telemetry.EventTaskDiscarded, map[string]interface{}{"task_id": id, "workspace_id": task.WorkspaceID})
	c.deleteRefs(ctx, task, "")
	return okResult(id, fmt.Sprintf("Task **#%d** removed.", id))
}

// DiscardByMessage removes the task represented by ref, for when its
// message was deleted on the surface. Any other message of the task is
// deleted too.
func (c *Controller) DiscardByMessage(ctx context.Context, ref store.MessageRef) (res Result) {
	ctx, sp := c.start(ctx, "discard_by_message")
	defer func() { c.end(sp, res) }()

	if ref == "" {
		return invalidInput("A message reference is required.")
	}

	task, err := c.store.GetByMessageRef(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return alreadyProcessed(0, "No task is linked to that message.")
	}
	if err != nil {
		return storageFailure(0, err, false)
	}
	sp.workspace = task.WorkspaceID

	removed, err := c.store.RemoveByMessageRef(ctx, ref)
	if err != nil {
		return storageFailure(task.ID, err, false)
	}
	if !removed {
		return alreadyProcessed(task.ID, "No task is linked to that message.")
	}

	c.log.TaskEvent("task_discarded", task.ID, map[string]interface{}{"ref": string(ref)})
	c.events.LogEvent(telemetry.EventTaskDiscarded, map[string]interface{}{
		"task_id": task.ID, "workspace_id": task.WorkspaceID, "ref": string(ref),
	})
	for _, other := range []store.MessageRef{task.OpenRef, task.InProgressRef} {
		if other != "" && other != ref {
			c.deleteMessage(ctx, task.ID, other)
		}
	}
	return okResult(task.ID, fmt.Sprintf("Task **#%d** removed.", task.ID))
}

// Resync repairs every task message of the workspace.
func (c *Controller) Resync(ctx context.Context, workspaceID string) (res Result) {
	ctx, sp := c.start(ctx, "resync")
	sp.workspace = workspaceID
	defer func() { c.end(sp, res) }()

	if workspaceID == "" {
		return invalidInput("A workspace is required.")
	}

	summary, err := c.engine.Resync(ctx, workspaceID)
	if errors.Is(err, reconcile.ErrMisconfigured) {
		return misconfigured(workspaceID, 0, false)
	}
	if err != nil {
		c.log.Error("resync_failed", map[string]interface{}{"workspace": workspaceID, "error": err.Error()})
		res = storageFailure(0, err, false)
		res.Summary = summary
		return res
	}

	c.events.LogEvent(telemetry.EventResync, map[string]interface{}{
		"workspace_id": workspaceID,
		"open":         summary.Open,
		"in_progress":  summary.InProgress,
		"failures":     len(summary.Failures),
	})
	res = okResult(0, summary.Text())
	res.Summary = summary
	res.Degraded = len(summary.Failures) > 0
	return res
}

// Get returns one task or store.ErrNotFound.
func (c *Controller) Get(ctx context.Context, id int64) (*store.Task, error) {
	return c.store.Get(ctx, id)
}

// List returns the workspace's tasks in status.
func (c *Controller) List(ctx context.Context, workspaceID string, status store.Status) ([]*store.Task, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	return c.store.ListByStatus(ctx, workspaceID, status)
}

// represent posts task's card and turns any failure into a committed
// result, since the store transition before it already stands.
func (c *Controller) represent(ctx context.Context, task *store.Task, channel, detail string) Result {
	_, err := c.engine.Represent(ctx, task, channel)
	if err == nil {
		return okResult(task.ID, detail)
	}

	var se *reconcile.StepError
	errors.As(err, &se)
	c.log.Degraded("representation_failed", task.ID, err)

	switch {
	case se != nil && se.Step == reconcile.StepClear:
		res := okResult(task.ID, detail)
		res.Degraded = true
		return res
	case se != nil && se.Step == reconcile.StepLink &&
		!errors.Is(err, store.ErrConflict) && !errors.Is(err, reconcile.ErrStale):
		return storageFailure(task.ID, err, true)
	}
	return surfaceFailure(task.ID,
		fmt.Sprintf("Task **#%d** was saved, but its message could not be posted. Run a resync to repair it.", task.ID),
		err, true)
}

// routes loads the workspace's routes. A missing row yields empty routes.
func (c *Controller) routes(ctx context.Context, workspaceID string, id int64, committed bool) (*store.Routes, Result, bool) {
	routes, err := c.store.GetRoutes(ctx, workspaceID)
	if errors.Is(err, store.ErrNotFound) {
		return &store.Routes{WorkspaceID: workspaceID}, Result{}, true
	}
	if err != nil {
		return nil, storageFailure(id, err, committed), false
	}
	return routes, Result{}, true
}

// dropSource deletes the message an action came from unless some task
// still shows it as its live card.
func (c *Controller) dropSource(ctx context.Context, source store.MessageRef) {
	if source == "" {
		return
	}
	holder, err := c.store.GetByMessageRef(ctx, source)
	if err == nil && holder.LiveRef() == source {
		return
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return
	}
	c.deleteMessage(ctx, 0, source)
}

// deleteRefs deletes every message of a removed task, plus source.
func (c *Controller) deleteRefs(ctx context.Context, task *store.Task, source store.MessageRef) {
	for _, ref := range []store.MessageRef{task.OpenRef, task.InProgressRef} {
		if ref != "" {
			c.deleteMessage(ctx, task.ID, ref)
		}
	}
	if source != "" && !task.HoldsRef(source) {
		c.dropSource(ctx, source)
	}
}

func (c *Controller) deleteMessage(ctx context.Context, taskID int64, ref store.MessageRef) {
	err := c.surface.Delete(ctx, ref)
	switch {
	case err == nil:
	case surface.Ignorable(err):
		c.log.Debug("delete_ignored", map[string]interface{}{"task": taskID, "ref": string(ref), "error": err.Error()})
	default:
		c.log.Warn("delete_failed", map[string]interface{}{"task": taskID, "ref": string(ref), "error": err.Error()})
	}
}
