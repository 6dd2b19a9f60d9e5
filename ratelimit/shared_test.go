package ratelimit

import (
	"testing"
	"time"

	"github.com/vinayprograms/taskboard/bus"
)

const testSubject = "taskboard.ratelimit.capacity"

func newSharedPair(t *testing.T) (*SharedLimiter, *SharedLimiter) {
	t.Helper()
	b := bus.NewMemoryBus(bus.DefaultConfig())
	t.Cleanup(func() { b.Close() })

	mk := func(replica string) *SharedLimiter {
		l, err := NewSharedLimiter(SharedConfig{
			Bus:              b,
			Subject:          testSubject,
			Replica:          replica,
			RecoveryInterval: time.Hour,
		})
		if err != nil {
			t.Fatalf("NewSharedLimiter failed: %v", err)
		}
		t.Cleanup(func() { l.Close() })
		l.SetCapacity("surface", 8, time.Second)
		return l
	}
	return mk("a"), mk("b")
}

func waitForTotal(t *testing.T, l *SharedLimiter, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c := l.Capacity("surface"); c != nil && c.Total == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("capacity never reached %d, have %+v", want, l.Capacity("surface"))
}

func TestSharedLimiter_ConfigValidation(t *testing.T) {
	if _, err := NewSharedLimiter(SharedConfig{}); err != ErrInvalidConfig {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestSharedLimiter_ThrottlePropagates(t *testing.T) {
	a, b := newSharedPair(t)

	a.Throttled("surface", "429 from gateway")

	if c := a.Capacity("surface"); c.Total != 4 {
		t.Errorf("local capacity = %d, want 4", c.Total)
	}
	waitForTotal(t, b, 4)
}

func TestSharedLimiter_IgnoresHigherAnnouncements(t *testing.T) {
	a, b := newSharedPair(t)

	b.Throttled("surface", "429")
	b.Throttled("surface", "429")
	waitForTotal(t, a, 2)

	// An older, larger value must not raise capacity again.
	a.apply(&bus.Message{Data: []byte(`{"resource":"surface","replica":"c","new_capacity":6}`)})
	if c := a.Capacity("surface"); c.Total != 2 {
		t.Errorf("capacity = %d, want 2", c.Total)
	}
}

func TestSharedLimiter_Recovery(t *testing.T) {
	a, _ := newSharedPair(t)

	a.Throttled("surface", "429")
	a.Throttled("surface", "429")
	if c := a.Capacity("surface"); c.Total != 2 {
		t.Fatalf("capacity = %d, want 2", c.Total)
	}

	// Too soon: no change.
	a.recover(time.Now())
	if c := a.Capacity("surface"); c.Total != 2 {
		t.Errorf("recovered too early: %d", c.Total)
	}

	later := time.Now().Add(2 * time.Hour)
	for i := 0; i < 10; i++ {
		a.recover(later)
	}
	if c := a.Capacity("surface"); c.Total != 8 {
		t.Errorf("capacity after recovery = %d, want 8", c.Total)
	}
}
