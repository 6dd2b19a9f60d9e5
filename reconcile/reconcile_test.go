package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vinayprograms/taskboard/render"
	"github.com/vinayprograms/taskboard/store"
	"github.com/vinayprograms/taskboard/surface"
)

const (
	ws       = "W"
	chOpen   = "C-open"
	chProg   = "C-prog"
	chDone   = "C-done"
	creator  = "U1"
	assignee = "U2"
)

type fixture struct {
	ctx     context.Context
	store   store.Store
	surface *surface.MemorySurface
	engine  *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sf := surface.NewMemorySurface()
	return &fixture{
		ctx:     context.Background(),
		store:   st,
		surface: sf,
		engine:  New(st, sf),
	}
}

func (f *fixture) routes(t *testing.T, slots ...store.Slot) {
	t.Helper()
	channels := map[store.Slot]string{store.SlotOpen: chOpen, store.SlotInProgress: chProg, store.SlotCompleted: chDone}
	for _, slot := range slots {
		if err := f.store.SetRoute(f.ctx, ws, slot, channels[slot]); err != nil {
			t.Fatalf("SetRoute failed: %v", err)
		}
	}
}

func (f *fixture) create(t *testing.T, desc string) *store.Task {
	t.Helper()
	id, err := f.store.CreateTask(f.ctx, ws, desc, creator)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	return f.get(t, id)
}

func (f *fixture) get(t *testing.T, id int64) *store.Task {
	t.Helper()
	task, err := f.store.Get(f.ctx, id)
	if err != nil {
		t.Fatalf("Get(%d) failed: %v", id, err)
	}
	return task
}

func (f *fixture) claim(t *testing.T, id int64) *store.Task {
	t.Helper()
	ok, err := f.store.Claim(f.ctx, id, assignee)
	if err != nil || !ok {
		t.Fatalf("Claim(%d) = %v, %v", id, ok, err)
	}
	return f.get(t, id)
}

// assertRepresented checks the task has exactly one live reference and it
// points at a message in the right channel.
func (f *fixture) assertRepresented(t *testing.T, id int64) store.MessageRef {
	t.Helper()
	task := f.get(t, id)
	live := task.LiveRef()
	if live == "" {
		t.Fatalf("task %d has no live ref", id)
	}
	if other := task.Ref(store.SlotFor(task.Status).Other()); other != "" {
		t.Fatalf("task %d still holds %q in its other slot", id, other)
	}
	msg, ok := f.surface.Get(live)
	if !ok {
		t.Fatalf("task %d ref %q has no message", id, live)
	}
	want := chOpen
	if task.Status == store.StatusInProgress {
		want = chProg
	}
	if msg.Channel != want {
		t.Fatalf("task %d message in %q, want %q", id, msg.Channel, want)
	}
	return live
}

// === Represent ===

func TestRepresent_PostsAndLinks(t *testing.T) {
	f := newFixture(t)
	task := f.create(t, "fix login bug")

	ref, err := f.engine.Represent(f.ctx, task, chOpen)
	if err != nil {
		t.Fatalf("Represent failed: %v", err)
	}
	if got := f.assertRepresented(t, task.ID); got != ref {
		t.Errorf("stored ref %q, returned %q", got, ref)
	}
	msg, _ := f.surface.Get(ref)
	if msg.Content.Embed == nil || msg.Content.Embed.Title != "📬 Open Task" {
		t.Errorf("unexpected content: %+v", msg.Content)
	}
}

func TestRepresent_ClaimRetiresOpenCard(t *testing.T) {
	f := newFixture(t)
	task := f.create(t, "fix login bug")
	openRef, _ := f.engine.Represent(f.ctx, task, chOpen)

	task = f.claim(t, task.ID)
	progRef, err := f.engine.Represent(f.ctx, task, chProg)
	if err != nil {
		t.Fatalf("Represent failed: %v", err)
	}

	f.assertRepresented(t, task.ID)
	if _, ok := f.surface.Get(openRef); ok {
		t.Error("open message should be deleted")
	}
	if got := f.get(t, task.ID); got.InProgressRef != progRef || got.OpenRef != "" {
		t.Errorf("refs = open %q, inprogress %q", got.OpenRef, got.InProgressRef)
	}
}

func TestRepresent_PostFailure(t *testing.T) {
	f := newFixture(t)
	task := f.create(t, "x")
	f.surface.FailPosts("", errors.New("boom"))

	_, err := f.engine.Represent(f.ctx, task, chOpen)
	var se *StepError
	if !errors.As(err, &se) || se.Step != StepPost {
		t.Fatalf("expected StepPost error, got %v", err)
	}
	if got := f.get(t, task.ID); got.OpenRef != "" {
		t.Error("no ref should be recorded")
	}
}

func TestRepresent_StaleTaskDeletesPost(t *testing.T) {
	f := newFixture(t)
	task := f.create(t, "x")
	if _, err := f.store.Delete(f.ctx, task.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	_, err := f.engine.Represent(f.ctx, task, chOpen)
	var se *StepError
	if !errors.As(err, &se) || se.Step != StepLink || !errors.Is(err, ErrStale) {
		t.Fatalf("expected StepLink/ErrStale, got %v", err)
	}
	if f.surface.Len() != 0 {
		t.Errorf("posted message should be deleted, %d remain", f.surface.Len())
	}
}

func TestRepresent_StatusChangedDeletesPost(t *testing.T) {
	f := newFixture(t)
	task := f.create(t, "x")
	f.claim(t, task.ID)

	// task still says open; the store says in_progress.
	_, err := f.engine.Represent(f.ctx, task, chOpen)
	if !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
	if f.surface.Len() != 0 {
		t.Error("posted message should be deleted")
	}
}

// fixedRefSurface returns the same reference for every post.
type fixedRefSurface struct {
	*surface.MemorySurface
	ref store.MessageRef
}

func (s *fixedRefSurface) Post(ctx context.Context, _ string, _ render.Content) (store.MessageRef, error) {
	return s.ref, nil
}

func TestRepresent_ConflictNeverSharesRef(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, "a")
	refA, _ := f.engine.Represent(f.ctx, a, chOpen)
	b := f.create(t, "b")

	eng := New(f.store, &fixedRefSurface{MemorySurface: f.surface, ref: refA})
	_, err := eng.Represent(f.ctx, b, chOpen)
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if got := f.get(t, b.ID); got.OpenRef != "" {
		t.Errorf("task b must not hold %q", got.OpenRef)
	}
	if got := f.get(t, a.ID); got.OpenRef != refA {
		t.Errorf("task a lost its ref: %q", got.OpenRef)
	}
}

// === Resync ===

func TestResync_RequiresRoutes(t *testing.T) {
	f := newFixture(t)

	if _, err := f.engine.Resync(f.ctx, ws); !errors.Is(err, ErrMisconfigured) {
		t.Errorf("no routes: expected ErrMisconfigured, got %v", err)
	}

	f.routes(t, store.SlotOpen, store.SlotCompleted)
	if _, err := f.engine.Resync(f.ctx, ws); !errors.Is(err, ErrMisconfigured) {
		t.Errorf("no inprogress route: expected ErrMisconfigured, got %v", err)
	}
}

func TestResync_RepairsMissingMessages(t *testing.T) {
	f := newFixture(t)
	f.routes(t, store.SlotOpen, store.SlotInProgress)

	open := f.create(t, "open one")
	prog := f.create(t, "claimed one")
	f.claim(t, prog.ID)

	summary, err := f.engine.Resync(f.ctx, ws)
	if err != nil {
		t.Fatalf("Resync failed: %v", err)
	}
	if summary.Open != 1 || summary.InProgress != 1 || len(summary.Failures) != 0 {
		t.Errorf("summary = %+v", summary)
	}
	f.assertRepresented(t, open.ID)
	f.assertRepresented(t, prog.ID)
	if f.surface.Len() != 2 {
		t.Errorf("surface holds %d messages, want 2", f.surface.Len())
	}
}

func TestResync_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.routes(t, store.SlotOpen, store.SlotInProgress)

	var ids []int64
	for i := 0; i < 4; i++ {
		task := f.create(t, "task")
		f.engine.Represent(f.ctx, task, chOpen)
		ids = append(ids, task.ID)
	}
	claimed := f.claim(t, ids[0])
	f.engine.Represent(f.ctx, claimed, chProg)

	first, err := f.engine.Resync(f.ctx, ws)
	if err != nil {
		t.Fatalf("first Resync failed: %v", err)
	}
	firstRefs := map[int64]store.MessageRef{}
	for _, id := range ids {
		firstRefs[id] = f.assertRepresented(t, id)
	}

	second, err := f.engine.Resync(f.ctx, ws)
	if err != nil {
		t.Fatalf("second Resync failed: %v", err)
	}
	if first.Open != second.Open || first.InProgress != second.InProgress || len(second.Failures) != 0 {
		t.Errorf("summaries differ: %+v vs %+v", first, second)
	}
	for _, id := range ids {
		ref := f.assertRepresented(t, id)
		if ref == firstRefs[id] {
			t.Errorf("task %d kept the old message", id)
		}
		if _, ok := f.surface.Get(firstRefs[id]); ok {
			t.Errorf("task %d old message not deleted", id)
		}
	}
	if f.surface.Len() != len(ids) {
		t.Errorf("surface holds %d messages, want %d", f.surface.Len(), len(ids))
	}

	open, _ := f.store.ListByStatus(f.ctx, ws, store.StatusOpen)
	prog, _ := f.store.ListByStatus(f.ctx, ws, store.StatusInProgress)
	if len(open) != 3 || len(prog) != 1 {
		t.Errorf("task counts changed: open=%d in_progress=%d", len(open), len(prog))
	}
}

func TestResync_ReplacesExternallyDeletedMessage(t *testing.T) {
	f := newFixture(t)
	f.routes(t, store.SlotOpen, store.SlotInProgress)
	task := f.create(t, "x")
	ref, _ := f.engine.Represent(f.ctx, task, chOpen)
	f.surface.Remove(ref)

	summary, err := f.engine.Resync(f.ctx, ws)
	if err != nil || summary.Open != 1 {
		t.Fatalf("Resync = %+v, %v", summary, err)
	}
	f.assertRepresented(t, task.ID)
}

func TestResync_IgnoresForbiddenDelete(t *testing.T) {
	f := newFixture(t)
	f.routes(t, store.SlotOpen, store.SlotInProgress)
	task := f.create(t, "x")
	ref, _ := f.engine.Represent(f.ctx, task, chOpen)
	f.surface.Forbid(ref)

	summary, err := f.engine.Resync(f.ctx, ws)
	if err != nil || len(summary.Failures) != 0 {
		t.Fatalf("Resync = %+v, %v", summary, err)
	}
	if got := f.assertRepresented(t, task.ID); got == ref {
		t.Error("task should point at the new message")
	}
}

func TestResync_IsolatesFailures(t *testing.T) {
	f := newFixture(t)
	f.routes(t, store.SlotOpen, store.SlotInProgress)
	open := f.create(t, "fine")
	prog := f.create(t, "broken")
	f.claim(t, prog.ID)
	f.surface.FailPosts(chProg, errors.New("missing permission"))

	summary, err := f.engine.Resync(f.ctx, ws)
	if err != nil {
		t.Fatalf("Resync failed: %v", err)
	}
	if summary.Open != 1 || summary.InProgress != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if len(summary.Failures) != 1 || summary.Failures[0].TaskID != prog.ID {
		t.Fatalf("failures = %+v", summary.Failures)
	}
	f.assertRepresented(t, open.ID)

	text := summary.Text()
	if !strings.Contains(text, summary.Failures[0].String()) {
		t.Errorf("summary text missing failure line:\n%s", text)
	}
}

func TestResync_ScopedToWorkspace(t *testing.T) {
	f := newFixture(t)
	f.routes(t, store.SlotOpen, store.SlotInProgress)
	f.create(t, "mine")
	if _, err := f.store.CreateTask(f.ctx, "other", "theirs", creator); err != nil {
		t.Fatal(err)
	}

	summary, err := f.engine.Resync(f.ctx, ws)
	if err != nil || summary.Open != 1 {
		t.Fatalf("Resync = %+v, %v", summary, err)
	}
	if f.surface.Len() != 1 {
		t.Errorf("only this workspace's task should be posted, have %d", f.surface.Len())
	}
}

func TestResync_CanceledContext(t *testing.T) {
	f := newFixture(t)
	f.routes(t, store.SlotOpen, store.SlotInProgress)
	f.create(t, "x")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.engine.Resync(ctx, ws); err == nil {
		t.Error("expected error for canceled context")
	}
}
