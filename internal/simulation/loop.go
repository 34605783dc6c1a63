package simulation

import (
	"context"
	"sync"
	"time"
)

const maxCatchUpSteps = 5

// StepFunc advances the simulation by a fixed timestep. Returning false ends the loop.
type StepFunc func(step time.Duration) bool

// Loop drives a fixed timestep simulation at the configured target frequency.
type Loop struct {
	step     time.Duration
	stepFunc StepFunc

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoop configures a loop that targets the provided frames per second.
func NewLoop(targetHz float64, step StepFunc) *Loop {
	if targetHz <= 0 {
		targetHz = 60
	}
	if step == nil {
		step = func(time.Duration) bool { return true }
	}
	interval := time.Duration(float64(time.Second) / targetHz)
	if interval <= 0 {
		interval = time.Second / 60
	}
	return &Loop{
		step:     interval,
		stepFunc: step,
	}
}

// Start begins ticking until the context is cancelled, the step function returns false or
// Cancel is invoked. A loop starts at most once; later calls return false.
func (l *Loop) Start(ctx context.Context) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	if l.done != nil {
		l.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done
	l.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		ticker := time.NewTicker(l.step)
		defer ticker.Stop()
		last := time.Now()
		accumulator := time.Duration(0)
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				//1.- Accumulate elapsed time and run fixed steps while catching up.
				accumulator += now.Sub(last)
				last = now
				//2.- A stalled process drops the backlog instead of fast-forwarding the match.
				if limit := maxCatchUpSteps * l.step; accumulator > limit {
					accumulator = limit
				}
				for accumulator >= l.step {
					if ctx.Err() != nil || !l.stepFunc(l.step) {
						return
					}
					accumulator -= l.step
				}
			}
		}
	}()
	return true
}

// Cancel asks the loop to exit without waiting. It is safe to call from the step function.
func (l *Loop) Cancel() {
	if l == nil {
		return
	}
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Stop cancels the loop and waits for the goroutine to exit. It must not be called from the
// step function.
func (l *Loop) Stop() {
	if l == nil {
		return
	}
	l.Cancel()
	if done := l.Done(); done != nil {
		<-done
	}
}

// Done is closed once the loop goroutine has exited. It is nil before Start.
func (l *Loop) Done() <-chan struct{} {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// StepDuration exposes the configured timestep for testing.
func (l *Loop) StepDuration() time.Duration {
	if l == nil {
		return 0
	}
	return l.step
}
