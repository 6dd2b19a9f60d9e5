package state

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

// runConformance exercises the StateStore contract against any backend.
func runConformance(t *testing.T, newStore func(t *testing.T) StateStore) {
	ctx := context.Background()

	t.Run("GetNotFound", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Get(ctx, "missing.key"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("CreateOnlyOnce", func(t *testing.T) {
		s := newStore(t)
		rev, err := s.Create(ctx, "once.key", []byte("a"))
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if rev == 0 {
			t.Error("expected non-zero revision")
		}
		if _, err := s.Create(ctx, "once.key", []byte("b")); err != ErrKeyExists {
			t.Errorf("expected ErrKeyExists, got %v", err)
		}
		kv, err := s.Get(ctx, "once.key")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(kv.Value) != "a" {
			t.Errorf("value = %q, want a", kv.Value)
		}
	})

	t.Run("UpdateAtRevision", func(t *testing.T) {
		s := newStore(t)
		rev, _ := s.Create(ctx, "cas.key", []byte("v1"))

		rev2, err := s.Update(ctx, "cas.key", []byte("v2"), rev)
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if rev2 <= rev {
			t.Errorf("revision should advance: %d -> %d", rev, rev2)
		}
		if _, err := s.Update(ctx, "cas.key", []byte("v3"), rev); err != ErrRevisionMismatch {
			t.Errorf("stale Update: expected ErrRevisionMismatch, got %v", err)
		}
		kv, _ := s.Get(ctx, "cas.key")
		if string(kv.Value) != "v2" {
			t.Errorf("value = %q, want v2", kv.Value)
		}
	})

	t.Run("DeleteAtRevision", func(t *testing.T) {
		s := newStore(t)
		rev, _ := s.Create(ctx, "del.key", []byte("x"))
		s.Put(ctx, "del.key", []byte("y"))

		if err := s.Delete(ctx, "del.key", rev); err != ErrRevisionMismatch {
			t.Errorf("expected ErrRevisionMismatch, got %v", err)
		}
		kv, _ := s.Get(ctx, "del.key")
		if err := s.Delete(ctx, "del.key", kv.Revision); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := s.Get(ctx, "del.key"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := s.Delete(ctx, "del.key", 0); err != nil {
			t.Errorf("unconditional delete of missing key should succeed, got %v", err)
		}
		if _, err := s.Create(ctx, "del.key", []byte("again")); err != nil {
			t.Errorf("Create after delete should succeed, got %v", err)
		}
	})

	t.Run("KeysByPrefix", func(t *testing.T) {
		s := newStore(t)
		s.Put(ctx, "tasks.1", []byte("a"))
		s.Put(ctx, "tasks.2", []byte("b"))
		s.Put(ctx, "routes.W", []byte("c"))

		keys, err := s.Keys(ctx, "tasks.")
		if err != nil {
			t.Fatalf("Keys failed: %v", err)
		}
		if len(keys) != 2 || keys[0] != "tasks.1" || keys[1] != "tasks.2" {
			t.Errorf("Keys = %v", keys)
		}
	})

	t.Run("ConcurrentUpdateSingleWinner", func(t *testing.T) {
		s := newStore(t)
		rev, _ := s.Create(ctx, "race.key", []byte("open"))

		const goroutines = 16
		var wins atomic.Int32
		var wg sync.WaitGroup
		wg.Add(goroutines)
		for i := 0; i < goroutines; i++ {
			go func() {
				defer wg.Done()
				if _, err := s.Update(ctx, "race.key", []byte("claimed"), rev); err == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		if wins.Load() != 1 {
			t.Errorf("expected exactly one winner, got %d", wins.Load())
		}
	})
}

func TestMemoryStore_Conformance(t *testing.T) {
	runConformance(t, func(t *testing.T) StateStore {
		s := NewMemoryStore()
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestMemoryStore_ValueIsolation(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	value := []byte("original")
	s.Put(ctx, "iso.key", value)
	value[0] = 'X'

	kv, _ := s.Get(ctx, "iso.key")
	if string(kv.Value) != "original" {
		t.Errorf("stored value mutated through caller slice: %q", kv.Value)
	}
	kv.Value[0] = 'Y'
	again, _ := s.Get(ctx, "iso.key")
	if string(again.Value) != "original" {
		t.Errorf("stored value mutated through returned slice: %q", again.Value)
	}
}

func TestMemoryStore_OperationsAfterClose(t *testing.T) {
	s := NewMemoryStore()
	s.Close()
	ctx := context.Background()

	if _, err := s.Get(ctx, "k"); err != ErrClosed {
		t.Errorf("Get after close: expected ErrClosed, got %v", err)
	}
	if _, err := s.Put(ctx, "k", nil); err != ErrClosed {
		t.Errorf("Put after close: expected ErrClosed, got %v", err)
	}
	if _, err := s.Keys(ctx, ""); err != ErrClosed {
		t.Errorf("Keys after close: expected ErrClosed, got %v", err)
	}
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Create(ctx, "k", []byte("v")); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestValidateKey(t *testing.T) {
	valid := []string{"tasks.1", "taskboard.ref.YWJj", "a-b_c=d/e"}
	for _, k := range valid {
		if err := ValidateKey(k); err != nil {
			t.Errorf("ValidateKey(%q) = %v, want nil", k, err)
		}
	}
	invalid := []string{"", ".lead", "trail.", "has space", "star*", "gt>"}
	for _, k := range invalid {
		if err := ValidateKey(k); err != ErrInvalidKey {
			t.Errorf("ValidateKey(%q) = %v, want ErrInvalidKey", k, err)
		}
	}
}
