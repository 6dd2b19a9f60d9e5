package surface

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vinayprograms/taskboard/bus"
	taskerr "github.com/vinayprograms/taskboard/errors"
	"github.com/vinayprograms/taskboard/ratelimit"
	"github.com/vinayprograms/taskboard/render"
	"github.com/vinayprograms/taskboard/store"
)

var content = render.Content{Text: "hello"}

// === MemorySurface ===

func TestMemorySurface_PostFetchDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySurface()

	ref, err := s.Post(ctx, "C1", content)
	if err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if ref == "" {
		t.Fatal("Post returned empty ref")
	}

	exists, err := s.Fetch(ctx, ref)
	if err != nil || !exists {
		t.Fatalf("Fetch = %v, %v; want true", exists, err)
	}
	msg, ok := s.Get(ref)
	if !ok || msg.Channel != "C1" || msg.Content.Text != "hello" {
		t.Errorf("Get = %+v, %v", msg, ok)
	}

	if err := s.Delete(ctx, ref); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if exists, _ := s.Fetch(ctx, ref); exists {
		t.Error("message still exists after delete")
	}
	if err := s.Delete(ctx, ref); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete: expected ErrNotFound, got %v", err)
	}
	if s.Posts() != 1 || s.Deletes() != 1 {
		t.Errorf("posts=%d deletes=%d", s.Posts(), s.Deletes())
	}
}

func TestMemorySurface_MessagesInOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySurface()

	a, _ := s.Post(ctx, "C1", render.Content{Text: "a"})
	s.Post(ctx, "C2", render.Content{Text: "b"})
	c, _ := s.Post(ctx, "C1", render.Content{Text: "c"})

	msgs := s.Messages("C1")
	if len(msgs) != 2 || msgs[0].Ref != a || msgs[1].Ref != c {
		t.Errorf("Messages(C1) = %+v", msgs)
	}
	if len(s.Messages("")) != 3 || s.Len() != 3 {
		t.Error("expected 3 messages in total")
	}
}

func TestMemorySurface_FailureInjection(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySurface()
	boom := errors.New("boom")

	s.FailPosts("C1", boom)
	if _, err := s.Post(ctx, "C1", content); err != boom {
		t.Errorf("Post to C1: expected boom, got %v", err)
	}
	if _, err := s.Post(ctx, "C2", content); err != nil {
		t.Errorf("Post to C2 should succeed, got %v", err)
	}

	s.FailPosts("C1", nil)
	s.FailPosts("", ErrForbidden)
	if _, err := s.Post(ctx, "C2", content); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden everywhere, got %v", err)
	}
	s.FailPosts("", nil)

	ref, _ := s.Post(ctx, "C1", content)
	s.Forbid(ref)
	if err := s.Delete(ctx, ref); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}

	s.FailFetches(boom)
	if _, err := s.Fetch(ctx, ref); err != boom {
		t.Errorf("Fetch: expected boom, got %v", err)
	}
}

func TestMemorySurface_RemoveOutOfBand(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySurface()
	ref, _ := s.Post(ctx, "C1", content)

	if !s.Remove(ref) {
		t.Fatal("Remove should report the message existed")
	}
	if exists, _ := s.Fetch(ctx, ref); exists {
		t.Error("message still exists")
	}
}

func TestIgnorable(t *testing.T) {
	if !Ignorable(ErrNotFound) || !Ignorable(ErrForbidden) {
		t.Error("NotFound and Forbidden should be ignorable")
	}
	if !Ignorable(classify(ErrNotFound, "delete")) {
		t.Error("classified NotFound should stay ignorable")
	}
	if Ignorable(errors.New("boom")) {
		t.Error("other errors are not ignorable")
	}
}

// === BusSurface ===

func newBusPair(t *testing.T) (*BusSurface, *MemorySurface) {
	t.Helper()
	b := bus.NewMemoryBus(bus.DefaultConfig())
	t.Cleanup(func() { b.Close() })

	backend := NewMemorySurface()
	subjects := bus.NewSubjects("test")
	r := NewResponder(b, subjects, backend)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(r.Stop)

	return NewBusSurface(b, subjects), backend
}

func TestBusSurface_Roundtrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	client, backend := newBusPair(t)

	ref, err := client.Post(ctx, "C1", content)
	if err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if _, ok := backend.Get(ref); !ok {
		t.Fatal("backend does not hold the posted message")
	}

	exists, err := client.Fetch(ctx, ref)
	if err != nil || !exists {
		t.Fatalf("Fetch = %v, %v", exists, err)
	}

	if err := client.Delete(ctx, ref); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	exists, err = client.Fetch(ctx, ref)
	if err != nil || exists {
		t.Errorf("Fetch after delete = %v, %v", exists, err)
	}
}

func TestBusSurface_ErrorsCrossTheWire(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	client, backend := newBusPair(t)

	if err := client.Delete(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	ref, _ := client.Post(ctx, "C1", content)
	backend.Forbid(ref)
	if err := client.Delete(ctx, ref); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}

	backend.FailPosts("", ErrThrottled)
	if _, err := client.Post(ctx, "C1", content); !errors.Is(err, ErrThrottled) {
		t.Errorf("expected ErrThrottled, got %v", err)
	}

	backend.FailPosts("", errors.New("channel archived"))
	_, err := client.Post(ctx, "C1", content)
	if err == nil || Ignorable(err) {
		t.Errorf("expected generic failure, got %v", err)
	}
}

func TestBusSurface_NoGateway(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	client := NewBusSurface(b, bus.NewSubjects("test"))
	if _, err := client.Post(context.Background(), "C1", content); !errors.Is(err, bus.ErrNoResponders) {
		t.Errorf("expected ErrNoResponders, got %v", err)
	}
}

// === Guard ===

// slowSurface blocks every call until ctx ends.
type slowSurface struct{}

func (slowSurface) Post(ctx context.Context, _ string, _ render.Content) (store.MessageRef, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (slowSurface) Delete(ctx context.Context, _ store.MessageRef) error {
	<-ctx.Done()
	return ctx.Err()
}

func (slowSurface) Fetch(ctx context.Context, _ store.MessageRef) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func TestGuard_Timeout(t *testing.T) {
	g := NewGuard(slowSurface{}, WithTimeout(20*time.Millisecond))

	_, err := g.Post(context.Background(), "C1", content)
	if !taskerr.Is(err, taskerr.ErrCodeTimeout) {
		t.Errorf("expected TIMEOUT, got %v (code %q)", err, taskerr.Code(err))
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("cause should remain DeadlineExceeded")
	}
}

func TestGuard_ClassifiesErrors(t *testing.T) {
	ctx := context.Background()
	inner := NewMemorySurface()
	g := NewGuard(inner)

	err := g.Delete(ctx, "missing")
	if !taskerr.Is(err, taskerr.ErrCodeNotFound) || !errors.Is(err, ErrNotFound) {
		t.Errorf("expected NOT_FOUND wrapping ErrNotFound, got %v", err)
	}

	inner.FailPosts("", errors.New("boom"))
	_, err = g.Post(ctx, "C1", content)
	if !taskerr.Is(err, taskerr.ErrCodeSurface) {
		t.Errorf("expected SURFACE, got %v", taskerr.Code(err))
	}
	if !taskerr.IsRetryable(err) {
		t.Error("surface failures should be retryable")
	}
}

func TestGuard_PassesThrough(t *testing.T) {
	ctx := context.Background()
	inner := NewMemorySurface()
	g := NewGuard(inner)

	ref, err := g.Post(ctx, "C1", content)
	if err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if exists, err := g.Fetch(ctx, ref); err != nil || !exists {
		t.Errorf("Fetch = %v, %v", exists, err)
	}
	if err := g.Delete(ctx, ref); err != nil {
		t.Errorf("Delete failed: %v", err)
	}
}

func TestGuard_RateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter()
	defer limiter.Close()
	limiter.SetCapacity(DefaultResource, 1, time.Hour)

	g := NewGuard(NewMemorySurface(), WithLimiter(limiter, ""), WithTimeout(20*time.Millisecond))

	if _, err := g.Post(context.Background(), "C1", content); err != nil {
		t.Fatalf("first Post failed: %v", err)
	}
	_, err := g.Post(context.Background(), "C1", content)
	if !taskerr.Is(err, taskerr.ErrCodeTimeout) {
		t.Errorf("second Post should time out waiting for a token, got %v", err)
	}
}

func TestGuard_ThrottledLowersCapacity(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter()
	defer limiter.Close()
	limiter.SetCapacity(DefaultResource, 10, time.Second)

	inner := NewMemorySurface()
	inner.FailPosts("", ErrThrottled)
	g := NewGuard(inner, WithLimiter(limiter, DefaultResource))

	_, err := g.Post(context.Background(), "C1", content)
	if !taskerr.Is(err, taskerr.ErrCodeRateLimit) {
		t.Errorf("expected RATE_LIMITED, got %v", taskerr.Code(err))
	}
	if c := limiter.Capacity(DefaultResource); c.Total != 5 {
		t.Errorf("capacity = %d, want 5", c.Total)
	}
}

func TestGuard_UnknownResourceIsUnpaced(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter()
	defer limiter.Close()

	g := NewGuard(NewMemorySurface(), WithLimiter(limiter, "unset"))
	if _, err := g.Post(context.Background(), "C1", content); err != nil {
		t.Errorf("Post failed: %v", err)
	}
}
