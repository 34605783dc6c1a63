package input

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a connection exceeds its action budget.
var ErrRateLimited = errors.New("input rate limited")

// Clock exposes the current time for rate limiting decisions.
type Clock interface {
	Now() time.Time
}

type clockFunc func() time.Time

// Now implements Clock for functional adapters.
func (c clockFunc) Now() time.Time { return c() }

// ClockFunc adapts a function to Clock.
func ClockFunc(fn func() time.Time) Clock { return clockFunc(fn) }

// systemClock relies on time.Now for production code paths.
type systemClock struct{}

// Now implements Clock by delegating to time.Now.
func (systemClock) Now() time.Time { return time.Now() }

// Config controls the per-connection action budget. A non-positive Rate disables limiting.
type Config struct {
	Rate  float64
	Burst int
}

// DropCounters aggregates rejected frames per reason.
type DropCounters struct {
	RateLimited uint64 `json:"rate_limited"`
	Invalid     uint64 `json:"invalid"`
}

// Gate applies a token bucket to the actions of one connection.
type Gate struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	clock   Clock
	drops   DropCounters
}

// Option customises gate construction.
type Option func(*Gate)

// WithClock overrides the clock used for token refills.
func WithClock(clock Clock) Option {
	return func(g *Gate) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// NewGate constructs a gate with the supplied budget.
func NewGate(cfg Config, opts ...Option) *Gate {
	gate := &Gate{clock: systemClock{}}
	//1.- Normalise the burst so a positive rate always admits at least one action.
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		gate.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(gate)
		}
	}
	return gate
}

// Allow consumes one token or returns ErrRateLimited.
func (g *Gate) Allow() error {
	if g == nil || g.limiter == nil {
		return nil
	}
	if g.limiter.AllowN(g.clock.Now(), 1) {
		return nil
	}
	g.mu.Lock()
	g.drops.RateLimited++
	g.mu.Unlock()
	return ErrRateLimited
}

// Invalid records a frame rejected by validation.
func (g *Gate) Invalid() {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.drops.Invalid++
	g.mu.Unlock()
}

// Drops returns a copy of the counters.
func (g *Gate) Drops() DropCounters {
	if g == nil {
		return DropCounters{}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.drops
}
