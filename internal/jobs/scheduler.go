// Package jobs runs named one-shot and periodic background tasks such as tournament timeouts
// and retention sweeps.
package jobs

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"paddlearena/server/internal/logging"
)

// ErrInvalidInterval is returned for a periodic job without a positive interval.
var ErrInvalidInterval = errors.New("job interval must be positive")

// Scheduler wraps gocron with name based replacement and cancellation.
type Scheduler struct {
	sched gocron.Scheduler
	log   *logging.Logger
	now   func() time.Time

	mu    sync.Mutex
	named map[string]uuid.UUID
}

// New starts a scheduler. A nil logger falls back to the global logger.
func New(logger *logging.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = logging.L()
	}
	sched, err := gocron.NewScheduler(gocron.WithLogger(cronLogger{log: logger}))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	sched.Start()
	return &Scheduler{sched: sched, log: logger, now: time.Now, named: make(map[string]uuid.UUID)}, nil
}

// After runs fn once at the given time, replacing any job already registered under name.
// A time in the past runs immediately.
func (s *Scheduler) After(name string, at time.Time, fn func()) error {
	start := gocron.OneTimeJobStartImmediately()
	if at.After(s.now()) {
		start = gocron.OneTimeJobStartDateTime(at)
	}
	var id uuid.UUID
	task := func() {
		//1.- Forget the name before running so fn may schedule a successor under it.
		s.mu.Lock()
		if s.named[name] == id {
			delete(s.named, name)
		}
		s.mu.Unlock()
		s.run(name, fn)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	job, err := s.sched.NewJob(gocron.OneTimeJob(start), gocron.NewTask(task), gocron.WithName(name))
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	id = job.ID()
	s.named[name] = id
	s.log.Debug("job scheduled", logging.String("job", name), logging.String("at", at.UTC().Format(time.RFC3339)))
	return nil
}

// Every runs fn each interval, replacing any job already registered under name. Runs never
// overlap; a run that is still busy when the next is due skips it.
func (s *Scheduler) Every(name string, interval time.Duration, fn func()) error {
	if interval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	job, err := s.sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { s.run(name, fn) }),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.named[name] = job.ID()
	s.log.Debug("periodic job scheduled", logging.String("job", name), logging.Duration("interval", interval))
	return nil
}

// Cancel removes the job registered under name. It reports whether one was pending.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

// Pending reports whether a job is registered under name.
func (s *Scheduler) Pending(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.named[name]
	return ok
}

// Shutdown stops the scheduler and waits for running jobs.
func (s *Scheduler) Shutdown() error {
	s.mu.Lock()
	s.named = make(map[string]uuid.UUID)
	s.mu.Unlock()
	return s.sched.Shutdown()
}

func (s *Scheduler) removeLocked(name string) bool {
	id, ok := s.named[name]
	if !ok {
		return false
	}
	delete(s.named, name)
	if err := s.sched.RemoveJob(id); err != nil {
		//1.- A one-shot job that already fired is gone from gocron too.
		s.log.Debug("job removal skipped", logging.String("job", name), logging.Error(err))
	}
	return true
}

func (s *Scheduler) run(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", logging.String("job", name), logging.String("panic", fmt.Sprint(r)))
		}
	}()
	fn()
}

// cronLogger adapts the structured logger to gocron's key/value logging.
type cronLogger struct {
	log *logging.Logger
}

func (c cronLogger) fields(args []any) []logging.Field {
	fields := make([]logging.Field, 0, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		fields = append(fields, logging.Field{Key: fmt.Sprint(args[i]), Value: fmt.Sprint(args[i+1])})
	}
	return fields
}

func (c cronLogger) Debug(msg string, args ...any) { c.log.Debug(msg, c.fields(args)...) }
func (c cronLogger) Info(msg string, args ...any)  { c.log.Debug(msg, c.fields(args)...) }
func (c cronLogger) Warn(msg string, args ...any)  { c.log.Warn(msg, c.fields(args)...) }
func (c cronLogger) Error(msg string, args ...any) { c.log.Error(msg, c.fields(args)...) }
