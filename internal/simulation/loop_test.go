package simulation

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestLoopRunsAtLeastTargetTicks(t *testing.T) {
	var ticks int32
	loop := NewLoop(60, func(time.Duration) bool {
		atomic.AddInt32(&ticks, 1)
		return true
	})
	if !loop.Start(context.Background()) {
		t.Fatalf("expected loop to start")
	}
	time.Sleep(55 * time.Millisecond)
	loop.Stop()
	if atomic.LoadInt32(&ticks) == 0 {
		t.Fatalf("expected loop to tick at least once")
	}
}

func TestLoopStartsOnce(t *testing.T) {
	loop := NewLoop(60, nil)
	if !loop.Start(context.Background()) {
		t.Fatalf("expected first start to succeed")
	}
	if loop.Start(context.Background()) {
		t.Fatalf("expected second start to be refused")
	}
	loop.Stop()
}

func TestLoopEndsWhenStepReturnsFalse(t *testing.T) {
	var ticks int32
	loop := NewLoop(500, func(time.Duration) bool {
		return atomic.AddInt32(&ticks, 1) < 3
	})
	loop.Start(context.Background())
	select {
	case <-loop.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not exit after step returned false")
	}
	if got := atomic.LoadInt32(&ticks); got != 3 {
		t.Fatalf("expected exactly 3 ticks, got %d", got)
	}
}

func TestLoopStopWithoutContextCancel(t *testing.T) {
	loop := NewLoop(120, func(time.Duration) bool { return true })
	loop.Start(context.Background())
	finished := make(chan struct{})
	go func() {
		loop.Stop()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatalf("stop blocked")
	}
}

func TestLoopCancelFromStep(t *testing.T) {
	var loop *Loop
	loop = NewLoop(500, func(time.Duration) bool {
		loop.Cancel()
		return true
	})
	loop.Start(context.Background())
	select {
	case <-loop.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("cancel from step did not end loop")
	}
}

func TestLoopStepDuration(t *testing.T) {
	loop := NewLoop(120, nil)
	if step := loop.StepDuration(); step != time.Second/120 {
		t.Fatalf("unexpected step duration %v", step)
	}
	var nilLoop *Loop
	if nilLoop.StepDuration() != 0 || nilLoop.Start(context.Background()) {
		t.Fatalf("nil loop must be inert")
	}
}
