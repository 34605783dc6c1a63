package input

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// 1.- Now returns the configured timestamp for deterministic gate decisions.
func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// 2.- Advance moves the internal clock forward to simulate elapsed time.
func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestGateAllowsBurstThenLimits(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	gate := NewGate(Config{Rate: 10, Burst: 3}, WithClock(clock))

	//1.- The bucket starts full, so the burst passes back to back.
	for i := 0; i < 3; i++ {
		if err := gate.Allow(); err != nil {
			t.Fatalf("action %d unexpectedly limited: %v", i, err)
		}
	}
	//2.- The next action inside the same instant exceeds the budget.
	if err := gate.Allow(); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if drops := gate.Drops(); drops.RateLimited != 1 {
		t.Fatalf("rate limited drops = %d, want 1", drops.RateLimited)
	}
}

func TestGateRefillsOverTime(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	gate := NewGate(Config{Rate: 10, Burst: 1}, WithClock(clock))

	if err := gate.Allow(); err != nil {
		t.Fatalf("first action limited: %v", err)
	}
	if err := gate.Allow(); err == nil {
		t.Fatal("expected second immediate action to be limited")
	}
	//1.- One tenth of a second restores exactly one token at 10 actions per second.
	clock.Advance(100 * time.Millisecond)
	if err := gate.Allow(); err != nil {
		t.Fatalf("expected refill after 100ms, got %v", err)
	}
}

func TestGateDisabledAndNil(t *testing.T) {
	gate := NewGate(Config{})
	for i := 0; i < 1000; i++ {
		if err := gate.Allow(); err != nil {
			t.Fatalf("disabled gate limited action %d", i)
		}
	}
	var nilGate *Gate
	if err := nilGate.Allow(); err != nil {
		t.Fatalf("nil gate must allow, got %v", err)
	}
	nilGate.Invalid()
	if nilGate.Drops() != (DropCounters{}) {
		t.Fatal("nil gate must report zero drops")
	}
}

func TestGateCountsInvalidFrames(t *testing.T) {
	gate := NewGate(Config{Rate: 1, Burst: 0})
	gate.Invalid()
	gate.Invalid()
	if drops := gate.Drops(); drops.Invalid != 2 || drops.RateLimited != 0 {
		t.Fatalf("unexpected drops %+v", drops)
	}
	if err := gate.Allow(); err != nil {
		t.Fatalf("burst below one must still admit an action: %v", err)
	}
}
