package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	taskerr "github.com/vinayprograms/taskboard/errors"
	"github.com/vinayprograms/taskboard/render"
	"github.com/vinayprograms/taskboard/store"
	"github.com/vinayprograms/taskboard/surface"
	"github.com/vinayprograms/taskboard/telemetry"
)

const (
	ws     = "W"
	chOpen = "C-open"
	chProg = "C-prog"
	chDone = "C-done"
)

type harness struct {
	ctx     context.Context
	store   store.Store
	surface *surface.MemorySurface
	events  *telemetry.Recorder
	ctl     *Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sf := surface.NewMemorySurface()
	events := telemetry.NewRecorder()
	clock := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return &harness{
		ctx:     context.Background(),
		store:   st,
		surface: sf,
		events:  events,
		ctl:     New(st, sf, WithEvents(events), WithClock(clock)),
	}
}

// setup binds the open and inprogress channels, plus completed if asked.
func (h *harness) setup(t *testing.T, withCompleted bool) {
	t.Helper()
	for slot, ch := range map[string]string{"open_channel": chOpen, "inprogress_channel": chProg} {
		if res := h.ctl.SetRoute(h.ctx, ws, slot, ch); !res.OK() {
			t.Fatalf("SetRoute(%s) = %+v", slot, res)
		}
	}
	if withCompleted {
		if res := h.ctl.SetRoute(h.ctx, ws, "completed", chDone); !res.OK() {
			t.Fatalf("SetRoute(completed) = %+v", res)
		}
	}
}

func (h *harness) create(t *testing.T, desc string) int64 {
	t.Helper()
	res := h.ctl.Create(h.ctx, ws, desc, "U1")
	if !res.OK() {
		t.Fatalf("Create = %+v", res)
	}
	return res.TaskID
}

func (h *harness) task(t *testing.T, id int64) *store.Task {
	t.Helper()
	task, err := h.store.Get(h.ctx, id)
	if err != nil {
		t.Fatalf("Get(%d) failed: %v", id, err)
	}
	return task
}

func (h *harness) gone(t *testing.T, id int64) {
	t.Helper()
	if _, err := h.store.Get(h.ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("task %d should be removed, Get err = %v", id, err)
	}
}

// === Scenario ===

func TestScenario_CreateClaimComplete(t *testing.T) {
	h := newHarness(t)
	h.setup(t, true)

	id := h.create(t, "fix login bug")
	task := h.task(t, id)
	if task.Status != store.StatusOpen || task.OpenRef == "" || task.InProgressRef != "" {
		t.Fatalf("after create: %+v", task)
	}
	if msgs := h.surface.Messages(chOpen); len(msgs) != 1 || msgs[0].Ref != task.OpenRef {
		t.Fatalf("open channel = %+v", msgs)
	}

	res := h.ctl.Claim(h.ctx, id, "U2", task.OpenRef)
	if !res.OK() || res.Degraded {
		t.Fatalf("Claim = %+v", res)
	}
	task = h.task(t, id)
	if task.Status != store.StatusInProgress || task.AssigneeID != "U2" || task.OpenRef != "" || task.InProgressRef == "" {
		t.Fatalf("after claim: %+v", task)
	}
	if len(h.surface.Messages(chOpen)) != 0 {
		t.Error("open message should be removed")
	}
	if msgs := h.surface.Messages(chProg); len(msgs) != 1 || msgs[0].Ref != task.InProgressRef {
		t.Fatalf("in-progress channel = %+v", msgs)
	}

	res = h.ctl.Complete(h.ctx, id, "U2", task.InProgressRef)
	if !res.OK() || res.Degraded {
		t.Fatalf("Complete = %+v", res)
	}
	h.gone(t, id)
	if len(h.surface.Messages(chProg)) != 0 {
		t.Error("in-progress message should be removed")
	}
	logs := h.surface.Messages(chDone)
	if len(logs) != 1 || logs[0].Content.Embed.Title != "✅ Task Completed!" {
		t.Fatalf("completed channel = %+v", logs)
	}
	if !strings.Contains(res.Detail, "Logged in") {
		t.Errorf("detail = %q", res.Detail)
	}

	want := []string{telemetry.EventTaskCreated, telemetry.EventTaskClaimed, telemetry.EventTaskCompleted}
	if got := h.events.Names(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", got, want)
	}
}

// === Create ===

func TestCreate_InvalidInput(t *testing.T) {
	h := newHarness(t)
	h.setup(t, false)

	for _, tc := range []struct{ ws, desc, creator string }{
		{"", "x", "U1"},
		{ws, "   ", "U1"},
		{ws, "x", ""},
	} {
		res := h.ctl.Create(h.ctx, tc.ws, tc.desc, tc.creator)
		if res.Outcome != OutcomeInvalidInput {
			t.Errorf("Create(%q, %q, %q) = %s", tc.ws, tc.desc, tc.creator, res.Outcome)
		}
		if !taskerr.Is(res.Err(), taskerr.ErrCodeInvalidInput) {
			t.Errorf("error code = %q", taskerr.Code(res.Err()))
		}
	}
}

func TestCreate_MisconfiguredRoutes(t *testing.T) {
	h := newHarness(t)

	res := h.ctl.Create(h.ctx, ws, "x", "U1")
	if res.Outcome != OutcomeMisconfigured || res.Committed {
		t.Fatalf("no routes: %+v", res)
	}

	h.ctl.SetRoute(h.ctx, ws, "open", chOpen)
	res = h.ctl.Create(h.ctx, ws, "x", "U1")
	if res.Outcome != OutcomeMisconfigured {
		t.Fatalf("open route only: %+v", res)
	}

	tasks, _ := h.store.ListByStatus(h.ctx, ws, store.StatusOpen)
	if len(tasks) != 0 {
		t.Errorf("no task should be stored, have %d", len(tasks))
	}
	if h.surface.Len() != 0 {
		t.Error("nothing should be posted")
	}
}

func TestCreate_PostFailureIsCommitted(t *testing.T) {
	h := newHarness(t)
	h.setup(t, false)
	h.surface.FailPosts(chOpen, surface.ErrForbidden)

	res := h.ctl.Create(h.ctx, ws, "x", "U1")
	if res.Outcome != OutcomeSurfaceFailure || !res.Committed || res.TaskID == 0 {
		t.Fatalf("Create = %+v", res)
	}
	task := h.task(t, res.TaskID)
	if task.Status != store.StatusOpen || task.OpenRef != "" {
		t.Errorf("task = %+v", task)
	}

	// Resync heals it once the channel works again.
	h.surface.FailPosts(chOpen, nil)
	if r := h.ctl.Resync(h.ctx, ws); !r.OK() || r.Summary.Open != 1 {
		t.Fatalf("Resync = %+v", r)
	}
	if h.task(t, res.TaskID).OpenRef == "" {
		t.Error("resync should link a message")
	}
}

// === Claim ===

func TestClaim_NoDoubleClaim(t *testing.T) {
	h := newHarness(t)
	h.setup(t, false)
	id := h.create(t, "contested")
	openRef := h.task(t, id).OpenRef

	const n = 16
	results := make([]Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actor := "U" + string(rune('A'+i))
			results[i] = h.ctl.Claim(h.ctx, id, actor, openRef)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, r := range results {
		switch r.Outcome {
		case OutcomeOK:
			winners++
		case OutcomeAlreadyProcessed:
		default:
			t.Errorf("unexpected outcome %+v", r)
		}
	}
	if winners != 1 {
		t.Fatalf("%d claims succeeded, want 1", winners)
	}

	task := h.task(t, id)
	if task.Status != store.StatusInProgress || task.AssigneeID == "" {
		t.Errorf("task = %+v", task)
	}
	if msgs := h.surface.Messages(chProg); len(msgs) != 1 {
		t.Errorf("in-progress channel has %d messages, want 1", len(msgs))
	}
	if len(h.surface.Messages(chOpen)) != 0 {
		t.Error("open message should be gone")
	}
}

func TestClaim_DuplicateIsAlreadyProcessed(t *testing.T) {
	h := newHarness(t)
	h.setup(t, false)
	id := h.create(t, "x")
	openRef := h.task(t, id).OpenRef

	if res := h.ctl.Claim(h.ctx, id, "U2", openRef); !res.OK() {
		t.Fatalf("first Claim = %+v", res)
	}
	posts := h.surface.Posts()

	res := h.ctl.Claim(h.ctx, id, "U2", openRef)
	if res.Outcome != OutcomeAlreadyProcessed {
		t.Fatalf("second Claim = %+v", res)
	}
	if !taskerr.Is(res.Err(), taskerr.ErrCodeConflict) {
		t.Errorf("error code = %q", taskerr.Code(res.Err()))
	}
	if h.surface.Posts() != posts {
		t.Error("duplicate claim must not post")
	}
	if h.task(t, id).AssigneeID != "U2" {
		t.Error("assignee changed")
	}
}

func TestClaim_MissingTask(t *testing.T) {
	h := newHarness(t)
	h.setup(t, false)

	if res := h.ctl.Claim(h.ctx, 999, "U2", ""); res.Outcome != OutcomeAlreadyProcessed {
		t.Errorf("Claim = %+v", res)
	}
	if res := h.ctl.Claim(h.ctx, 0, "U2", ""); res.Outcome != OutcomeInvalidInput {
		t.Errorf("Claim(0) = %+v", res)
	}
}

func TestClaim_MisconfiguredRoutesNoMutation(t *testing.T) {
	h := newHarness(t)
	h.setup(t, false)
	id := h.create(t, "x")
	before := h.task(t, id)
	posts := h.surface.Posts()

	if err := h.store.SetRoute(h.ctx, ws, store.SlotInProgress, ""); err != nil {
		t.Fatalf("SetRoute failed: %v", err)
	}

	res := h.ctl.Claim(h.ctx, id, "U2", before.OpenRef)
	if res.Outcome != OutcomeMisconfigured || res.Committed {
		t.Fatalf("Claim = %+v", res)
	}
	if !taskerr.Is(res.Err(), taskerr.ErrCodeMisconfigured) {
		t.Errorf("error code = %q", taskerr.Code(res.Err()))
	}

	after := h.task(t, id)
	if after.Status != store.StatusOpen || after.AssigneeID != "" {
		t.Errorf("task changed: status=%s assignee=%q", after.Status, after.AssigneeID)
	}
	if after.OpenRef != before.OpenRef || after.InProgressRef != "" {
		t.Errorf("refs changed: open=%q inprogress=%q", after.OpenRef, after.InProgressRef)
	}
	if h.surface.Posts() != posts {
		t.Error("rejected claim must not post")
	}
	if _, ok := h.surface.Get(before.OpenRef); !ok {
		t.Error("open card should stay live")
	}

	// Once the route is back the same claim goes through.
	h.setup(t, false)
	if res := h.ctl.Claim(h.ctx, id, "U2", before.OpenRef); !res.OK() {
		t.Fatalf("Claim after fixing routes = %+v", res)
	}
	if got := h.task(t, id); got.Status != store.StatusInProgress || got.AssigneeID != "U2" {
		t.Errorf("task = %+v", got)
	}
}

func TestClaim_PostFailureKeepsClaim(t *testing.T) {
	h := newHarness(t)
	h.setup(t, false)
	id := h.create(t, "x")
	h.surface.FailPosts(chProg, errors.New("channel missing"))

	res := h.ctl.Claim(h.ctx, id, "U2", "")
	if res.Outcome != OutcomeSurfaceFailure || !res.Committed {
		t.Fatalf("Claim = %+v", res)
	}
	task := h.task(t, id)
	if task.Status != store.StatusInProgress || task.AssigneeID != "U2" {
		t.Fatalf("claim must not be rolled back: %+v", task)
	}

	h.surface.FailPosts(chProg, nil)
	r := h.ctl.Resync(h.ctx, ws)
	if !r.OK() || r.Summary.InProgress != 1 {
		t.Fatalf("Resync = %+v", r)
	}
	task = h.task(t, id)
	if task.InProgressRef == "" || task.OpenRef != "" {
		t.Errorf("after resync: %+v", task)
	}
	if len(h.surface.Messages(chOpen)) != 0 || len(h.surface.Messages(chProg)) != 1 {
		t.Error("resync should leave exactly the in-progress message")
	}
}

func TestClaim_LostRaceDeletesStaleSource(t *testing.T) {
	h := newHarness(t)
	h.setup(t, false)
	id := h.create(t, "x")
	h.ctl.Claim(h.ctx, id, "U2", "")

	// A leftover card from before a resync, no longer linked to any task.
	stale, _ := h.surface.Post(h.ctx, chOpen, render.Render(h.task(t, id), render.ViewOpen))
	res := h.ctl.Claim(h.ctx, id, "U3", stale)
	if res.Outcome != OutcomeAlreadyProcessed {
		t.Fatalf("Claim = %+v", res)
	}
	if _, ok := h.surface.Get(stale); ok {
		t.Error("stale source message should be deleted")
	}
}

func TestClaim_LostRaceKeepsLiveSource(t *testing.T) {
	h := newHarness(t)
	h.setup(t, false)
	id := h.create(t, "x")
	h.ctl.Claim(h.ctx, id, "U2", "")
	live := h.task(t, id).InProgressRef

	// Clicking claim on a live card of another task must not delete it.
	res := h.ctl.Claim(h.ctx, id, "U3", live)
	if res.Outcome != OutcomeAlreadyProcessed {
		t.Fatalf("Claim = %+v", res)
	}
	if _, ok := h.surface.Get(live); !ok {
		t.Error("live message must survive")
	}
}

// === Complete ===

func TestComplete_RequiresInProgress(t *testing.T) {
	h := newHarness(t)
	h.setup(t, true)
	id := h.create(t, "x")
	before := h.task(t, id)

	res := h.ctl.Complete(h.ctx, id, "U2", "")
	if res.Outcome != OutcomeAlreadyProcessed {
		t.Fatalf("Complete = %+v", res)
	}
	after := h.task(t, id)
	if after.Status != before.Status || after.OpenRef != before.OpenRef {
		t.Errorf("store changed: %+v -> %+v", before, after)
	}
	if len(h.surface.Messages(chDone)) != 0 {
		t.Error("nothing should be logged")
	}
}

func TestComplete_DegradedWhenLogFails(t *testing.T) {
	h := newHarness(t)
	h.setup(t, true)
	id := h.create(t, "x")
	h.ctl.Claim(h.ctx, id, "U2", "")
	h.surface.FailPosts(chDone, surface.ErrForbidden)

	res := h.ctl.Complete(h.ctx, id, "U2", "")
	if res.Outcome != OutcomeOK || !res.Degraded {
		t.Fatalf("Complete = %+v", res)
	}
	h.gone(t, id)
	if len(h.surface.Messages(chProg)) != 0 {
		t.Error("in-progress message should be removed")
	}
}

func TestComplete_WithoutCompletedChannel(t *testing.T) {
	h := newHarness(t)
	h.setup(t, false)
	id := h.create(t, "x")
	h.ctl.Claim(h.ctx, id, "U2", "")

	res := h.ctl.Complete(h.ctx, id, "U3", "")
	if !res.OK() || res.Degraded {
		t.Fatalf("Complete = %+v", res)
	}
	h.gone(t, id)
	if h.surface.Len() != 0 {
		t.Errorf("surface should be empty, has %d", h.surface.Len())
	}
}

func TestComplete_ConcurrentSingleLog(t *testing.T) {
	h := newHarness(t)
	h.setup(t, true)
	id := h.create(t, "x")
	h.ctl.Claim(h.ctx, id, "U2", "")

	const n = 8
	results := make([]Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.ctl.Complete(h.ctx, id, "U2", "")
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, r := range results {
		if r.OK() {
			ok++
		} else if r.Outcome != OutcomeAlreadyProcessed {
			t.Errorf("unexpected outcome %+v", r)
		}
	}
	if ok != 1 {
		t.Fatalf("%d completions succeeded, want 1", ok)
	}
	h.gone(t, id)
	if logs := h.surface.Messages(chDone); len(logs) != 1 {
		t.Errorf("completed channel has %d logs, want 1", len(logs))
	}
}

// === Discard ===

func TestDiscard(t *testing.T) {
	h := newHarness(t)
	h.setup(t, false)
	id := h.create(t, "x")

	if res := h.ctl.Discard(h.ctx, id); !res.OK() {
		t.Fatalf("Discard = %+v", res)
	}
	h.gone(t, id)
	if h.surface.Len() != 0 {
		t.Error("message should be deleted")
	}
	if res := h.ctl.Discard(h.ctx, id); res.Outcome != OutcomeAlreadyProcessed {
		t.Errorf("second Discard = %+v", res)
	}
}

func TestDiscardByMessage(t *testing.T) {
	h := newHarness(t)
	h.setup(t, false)
	id := h.create(t, "x")
	h.ctl.Claim(h.ctx, id, "U2", "")
	ref := h.task(t, id).InProgressRef
	h.surface.Remove(ref)

	res := h.ctl.DiscardByMessage(h.ctx, ref)
	if !res.OK() || res.TaskID != id {
		t.Fatalf("DiscardByMessage = %+v", res)
	}
	h.gone(t, id)

	if res := h.ctl.DiscardByMessage(h.ctx, "unrelated"); res.Outcome != OutcomeAlreadyProcessed {
		t.Errorf("unrelated message: %+v", res)
	}
}

// === Workspace ===

func TestSetRoute(t *testing.T) {
	h := newHarness(t)

	if res := h.ctl.SetRoute(h.ctx, ws, "archive", "C9"); res.Outcome != OutcomeInvalidInput {
		t.Errorf("unknown slot: %+v", res)
	}
	if res := h.ctl.SetRoute(h.ctx, ws, "open", ""); res.Outcome != OutcomeInvalidInput {
		t.Errorf("empty channel: %+v", res)
	}

	res := h.ctl.SetRoute(h.ctx, ws, "completed_channel", chDone)
	if !res.OK() || !strings.Contains(res.Detail, chDone) {
		t.Fatalf("SetRoute = %+v", res)
	}
	routes := h.ctl.Routes(h.ctx, ws)
	if routes.Routes.Completed != chDone || routes.Routes.Ready() {
		t.Errorf("routes = %+v", routes.Routes)
	}
}

func TestWelcome(t *testing.T) {
	h := newHarness(t)

	if res := h.ctl.Welcome(h.ctx, ws, "C-general"); !res.OK() {
		t.Fatalf("Welcome = %+v", res)
	}
	if msgs := h.surface.Messages("C-general"); len(msgs) != 1 {
		t.Errorf("expected the welcome message, have %d", len(msgs))
	}

	h.surface.FailPosts("", surface.ErrForbidden)
	if res := h.ctl.Welcome(h.ctx, ws, "C-general"); res.Outcome != OutcomeSurfaceFailure {
		t.Errorf("Welcome = %+v", res)
	}
}

func TestTeardown(t *testing.T) {
	h := newHarness(t)
	h.setup(t, true)
	h.create(t, "a")
	id := h.create(t, "b")
	h.ctl.Claim(h.ctx, id, "U2", "")

	res := h.ctl.Teardown(h.ctx, ws)
	if !res.OK() || !strings.Contains(res.Detail, "Removed 2 tasks") {
		t.Fatalf("Teardown = %+v", res)
	}
	if _, err := h.store.GetRoutes(h.ctx, ws); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("routes should be gone, err = %v", err)
	}
	if res := h.ctl.Create(h.ctx, ws, "x", "U1"); res.Outcome != OutcomeMisconfigured {
		t.Errorf("Create after teardown = %+v", res)
	}
}

// === Resync ===

func TestResync_Misconfigured(t *testing.T) {
	h := newHarness(t)
	if res := h.ctl.Resync(h.ctx, ws); res.Outcome != OutcomeMisconfigured {
		t.Errorf("Resync = %+v", res)
	}
}

func TestResync_ReportsFailuresAsDegraded(t *testing.T) {
	h := newHarness(t)
	h.setup(t, false)
	h.create(t, "x")
	h.surface.FailPosts(chOpen, errors.New("boom"))

	res := h.ctl.Resync(h.ctx, ws)
	if !res.OK() || !res.Degraded || len(res.Summary.Failures) != 1 {
		t.Fatalf("Resync = %+v", res)
	}
	if !strings.Contains(res.Detail, "Task ") {
		t.Errorf("detail should list the failure: %q", res.Detail)
	}
}

func TestResync_OperationSpan(t *testing.T) {
	h := newHarness(t)
	h.setup(t, false)
	h.create(t, "x")

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	ctl := New(h.store, h.surface, WithTracer(telemetry.NewTracerFrom(tp, "test", false)))

	if res := ctl.Resync(h.ctx, ws); !res.OK() {
		t.Fatalf("Resync = %+v", res)
	}

	var op, inner sdktrace.ReadOnlySpan
	for _, s := range rec.Ended() {
		switch s.Name() {
		case "task.resync":
			op = s
		case "workspace.resync":
			inner = s
		}
	}
	if op == nil {
		t.Fatal("no task.resync span")
	}
	if inner == nil || inner.Parent().SpanID() != op.SpanContext().SpanID() {
		t.Error("workspace.resync should run under the operation span")
	}
	got := map[string]string{}
	for _, kv := range op.Attributes() {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	if got["task.outcome"] != string(OutcomeOK) || got["task.workspace"] != ws {
		t.Errorf("span attributes = %v", got)
	}
}
