package simulation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"paddlearena/server/internal/fanout"
	"paddlearena/server/internal/ledger"
	"paddlearena/server/internal/logging"
	"paddlearena/server/internal/match"
	"paddlearena/server/internal/metrics"
	"paddlearena/server/internal/replay"
	"paddlearena/server/internal/store"
)

// ErrMissingPlayer is returned when a match is requested without a participant.
var ErrMissingPlayer = errors.New("match requires two player ids")

var errStaleLoop = errors.New("loop generation superseded")

// Store is the slice of durable storage the engine writes to.
type Store interface {
	CreateMatch(ctx context.Context, m store.Match) error
	UpdateMatchScore(ctx context.Context, id string, score1, score2 int) error
	FinishMatch(ctx context.Context, r store.MatchResult) error
	CancelMatch(ctx context.Context, id string) error
}

// Broadcaster delivers frames to the subscribers of a match group.
type Broadcaster interface {
	Publish(group string, msg fanout.Message) int
	CloseGroup(group string)
}

// Result is the terminal outcome of a match handed to the reporter.
type Result struct {
	MatchID      string
	TournamentID string
	Winner       string
	Loser        string
	Scores       [2]int
	Reason       match.EndReason
}

// Reporter consumes the results of tournament-linked matches.
type Reporter interface {
	MatchFinished(ctx context.Context, result Result)
}

// Settings holds the timing and scoring parameters of new matches.
type Settings struct {
	TickRate        float64
	WinningScore    int
	ForfeitGrace    time.Duration
	ServePause      time.Duration
	Physics         match.Physics
	PersistAttempts int
	PersistBackoff  time.Duration
}

// DefaultSettings mirrors the configuration defaults.
func DefaultSettings() Settings {
	return Settings{
		TickRate:        60,
		WinningScore:    7,
		ForfeitGrace:    6 * time.Second,
		ServePause:      time.Second,
		Physics:         match.DefaultPhysics(),
		PersistAttempts: 3,
		PersistBackoff:  100 * time.Millisecond,
	}
}

// MatchSpec describes a match to create.
type MatchSpec struct {
	Name         string
	Player1      string
	Player2      string
	TournamentID string
	Round        string
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore attaches durable storage. Without it matches live only in memory.
func WithStore(s Store) Option {
	return func(e *Engine) {
		if s != nil {
			e.store = s
		}
	}
}

// WithLedger attaches the external result ledger.
func WithLedger(r ledger.Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.ledger = r
		}
	}
}

// WithArchive attaches match archiving.
func WithArchive(a *replay.Archive) Option {
	return func(e *Engine) { e.archive = a }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Collectors) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger overrides the engine logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithClock overrides the wall clock used for forfeits and timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.now = clock
		}
	}
}

// WithSettings overrides the match parameters. Zero fields keep their defaults except
// ServePause, which is always taken as given.
func WithSettings(s Settings) Option {
	return func(e *Engine) {
		if s.TickRate > 0 {
			e.settings.TickRate = s.TickRate
		}
		if s.WinningScore > 0 {
			e.settings.WinningScore = s.WinningScore
		}
		if s.ForfeitGrace > 0 {
			e.settings.ForfeitGrace = s.ForfeitGrace
		}
		e.settings.ServePause = max(s.ServePause, 0)
		if s.Physics != (match.Physics{}) {
			e.settings.Physics = s.Physics
		}
		if s.PersistAttempts > 0 {
			e.settings.PersistAttempts = s.PersistAttempts
		}
		if s.PersistBackoff > 0 {
			e.settings.PersistBackoff = s.PersistBackoff
		}
	}
}

// WithServe overrides the serve direction generator.
func WithServe(serve match.ServeFunc) Option {
	return func(e *Engine) {
		if serve != nil {
			e.serve = serve
		}
	}
}

// WithIDGenerator overrides match id generation.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newID = gen
		}
	}
}

type runner struct {
	gen  uint64
	loop *Loop
}

// Engine runs the tick loops of every live match and processes their terminal events.
type Engine struct {
	registry *match.Registry
	hub      Broadcaster
	store    Store
	ledger   ledger.Recorder
	archive  *replay.Archive
	metrics  *metrics.Collectors
	log      *logging.Logger
	now      func() time.Time
	settings Settings
	serve    match.ServeFunc
	newID    func() string

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	loops    map[string]runner
	archives map[string]*replay.Writer
	reporter Reporter
	// pending holds terminal writes that exhausted their retries; their live state stays
	// registered until the write lands.
	pending map[string]pendingWrite
}

// NewEngine wires an engine around the registry and the broadcast hub.
func NewEngine(registry *match.Registry, hub Broadcaster, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		registry: registry,
		hub:      hub,
		store:    nopStore{},
		ledger:   ledger.Nop{},
		log:      logging.L(),
		now:      time.Now,
		settings: DefaultSettings(),
		serve:    match.RandomServe,
		newID:    uuid.NewString,
		ctx:      ctx,
		cancel:   cancel,
		loops:    make(map[string]runner),
		archives: make(map[string]*replay.Writer),
		pending:  make(map[string]pendingWrite),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetReporter installs the consumer of tournament match results.
func (e *Engine) SetReporter(r Reporter) {
	e.mu.Lock()
	e.reporter = r
	e.mu.Unlock()
}

// Registry exposes the session registry the engine drives.
func (e *Engine) Registry() *match.Registry { return e.registry }

// Settings returns the effective match parameters.
func (e *Engine) Settings() Settings { return e.settings }

// CreateMatch persists a new match record and registers its live state. Equal players create
// a local match.
func (e *Engine) CreateMatch(ctx context.Context, spec MatchSpec) (string, error) {
	spec.Player1 = strings.TrimSpace(spec.Player1)
	spec.Player2 = strings.TrimSpace(spec.Player2)
	if spec.Player1 == "" || spec.Player2 == "" {
		return "", ErrMissingPlayer
	}
	id := e.newID()
	state, err := e.newState(id, spec.Name, spec.Player1, spec.Player2, spec.TournamentID, [2]int{})
	if err != nil {
		return "", err
	}
	record := store.Match{
		ID:           id,
		Name:         spec.Name,
		Mode:         string(state.Mode),
		Player1:      spec.Player1,
		Player2:      spec.Player2,
		Status:       store.MatchPlaying,
		TournamentID: store.StringPtr(spec.TournamentID),
		Round:        store.StringPtr(spec.Round),
		CreatedAt:    e.now().UTC(),
	}
	//1.- The durable record exists before the live state so readers can always fall back to it.
	if err := e.store.CreateMatch(ctx, record); err != nil {
		return "", fmt.Errorf("persist match: %w", err)
	}
	if err := e.registry.Create(id, state); err != nil {
		return "", err
	}
	e.openArchive(state)
	e.log.Info("match created",
		logging.MatchID(id),
		logging.String("mode", string(state.Mode)),
		logging.String("player_1", spec.Player1),
		logging.String("player_2", spec.Player2),
		logging.TournamentID(spec.TournamentID),
	)
	return id, nil
}

// RestoreMatch re-registers an unfinished persisted match with its persisted scores. A match
// that is already live is left untouched.
func (e *Engine) RestoreMatch(ctx context.Context, rec store.Match) error {
	if rec.Status != store.MatchPlaying {
		return fmt.Errorf("restore match %s: status %s", rec.ID, rec.Status)
	}
	if e.registry.Exists(rec.ID) {
		return nil
	}
	state, err := e.newState(rec.ID, rec.Name, rec.Player1, rec.Player2, store.Deref(rec.TournamentID), [2]int{rec.Score1, rec.Score2})
	if err != nil {
		return err
	}
	if err := e.registry.Create(rec.ID, state); err != nil && !errors.Is(err, match.ErrMatchExists) {
		return err
	}
	e.openArchive(state)
	e.log.Info("match restored", logging.MatchID(rec.ID), logging.Int("score_1", rec.Score1), logging.Int("score_2", rec.Score2))
	return nil
}

func (e *Engine) newState(id, name, p1, p2, tournamentID string, scores [2]int) (*match.State, error) {
	pause := int(e.settings.ServePause.Seconds() * e.settings.TickRate)
	return match.NewState(match.Params{
		ID:              id,
		Name:            name,
		Player1:         p1,
		Player2:         p2,
		TournamentID:    tournamentID,
		Physics:         e.settings.Physics,
		WinningScore:    e.settings.WinningScore,
		ServePauseTicks: pause,
		Scores:          scores,
		Serve:           e.serve,
	})
}

// StartLocked starts the tick loop of s. The caller must hold the match lock. It returns
// false when a loop is already running or the match is over.
func (e *Engine) StartLocked(s *match.State) bool {
	if s.LoopRunning || s.Status == match.StatusDone || s.Finalizing {
		return false
	}
	s.LoopRunning = true
	s.Started = true
	s.LoopGen++
	id, gen := s.ID, s.LoopGen
	loop := NewLoop(e.settings.TickRate, func(time.Duration) bool {
		return e.tick(id, gen)
	})

	e.mu.Lock()
	if prev, ok := e.loops[id]; ok {
		prev.loop.Cancel()
	}
	e.loops[id] = runner{gen: gen, loop: loop}
	e.mu.Unlock()

	loop.Start(e.ctx)
	e.log.Debug("tick loop started", logging.MatchID(id), logging.Int64("generation", int64(gen)))
	return true
}

// StopLocked cancels the tick loop of s without waiting for it. The caller must hold the
// match lock.
func (e *Engine) StopLocked(s *match.State) {
	if !s.LoopRunning {
		return
	}
	s.LoopRunning = false
	e.mu.Lock()
	if r, ok := e.loops[s.ID]; ok && r.gen == s.LoopGen {
		delete(e.loops, s.ID)
		r.loop.Cancel()
	}
	e.mu.Unlock()
	e.log.Debug("tick loop stopped", logging.MatchID(s.ID))
}

// StartLoop starts the loop of id unless one is running.
func (e *Engine) StartLoop(id string) (bool, error) {
	var started bool
	err := e.registry.WithLock(id, func(s *match.State) error {
		started = e.StartLocked(s)
		return nil
	})
	return started, err
}

// StopLoop cancels the loop of id.
func (e *Engine) StopLoop(id string) error {
	return e.registry.WithLock(id, func(s *match.State) error {
		e.StopLocked(s)
		return nil
	})
}

// Running reports how many tick loops are active.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.loops)
}

// Shutdown stops every loop and waits for them to exit or ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()
	e.mu.Lock()
	loops := make([]*Loop, 0, len(e.loops))
	for _, r := range e.loops {
		loops = append(loops, r.loop)
	}
	e.mu.Unlock()
	for _, loop := range loops {
		select {
		case <-loop.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.mu.Lock()
	writers := e.archives
	e.archives = make(map[string]*replay.Writer)
	for id := range e.pending {
		e.log.Error("match result never persisted", logging.MatchID(id))
	}
	e.mu.Unlock()
	for id, w := range writers {
		if err := w.Close(nil); err != nil {
			e.log.Warn("replay archive close failed", logging.MatchID(id), logging.Error(err))
		}
	}
	return nil
}

// tick runs one step of match id for loop generation gen. It returns false once the loop
// must end.
func (e *Engine) tick(id string, gen uint64) bool {
	started := time.Now()
	var (
		snap     match.Snapshot
		outcome  match.Outcome
		terminal bool
		dirty    bool
	)
	err := e.registry.WithLock(id, func(s *match.State) error {
		if !s.LoopRunning || s.LoopGen != gen || s.Finalizing {
			return errStaleLoop
		}
		//1.- The forfeit clock is checked before physics so an expired side never scores again.
		if !s.CheckForfeit(e.now(), e.settings.ForfeitGrace) {
			outcome = s.Step()
		}
		if s.Status == match.StatusDone {
			s.Finalizing = true
			s.LoopRunning = false
			terminal = true
		}
		dirty = s.ScoreDirty()
		snap = s.Snapshot()
		return nil
	})
	if err != nil {
		return false
	}
	e.metrics.ObserveTick(time.Since(started))

	if terminal {
		e.finish(e.ctx, snap)
		return false
	}
	//2.- Store writes happen outside the lock; the in-memory state stays authoritative.
	if dirty {
		e.persistScore(e.ctx, snap)
	}
	payload := EncodeFrame(FrameState, snap)
	e.hub.Publish(id, fanout.Message{Tick: snap.Tick, Payload: payload, Lossy: true})
	w := e.writer(id)
	if err := w.AppendFrame(snap.Tick, payload); err != nil {
		e.log.Warn("replay frame append failed", logging.MatchID(id), logging.Error(err))
	}
	if outcome.Scored {
		e.appendEvent(w, id, snap.Tick, replay.EventScore, map[string]any{
			"scorer": outcome.Scorer.String(),
			"score1": snap.Score1,
			"score2": snap.Score2,
		})
	}
	return true
}

func (e *Engine) persistScore(ctx context.Context, snap match.Snapshot) {
	scores := [2]int{snap.Score1, snap.Score2}
	if err := e.store.UpdateMatchScore(ctx, snap.MatchID, scores[0], scores[1]); err != nil {
		e.metrics.PersistFailed("score")
		e.log.Warn("score persistence failed; retrying on next change",
			logging.MatchID(snap.MatchID), logging.Error(err))
		return
	}
	_ = e.registry.WithLock(snap.MatchID, func(s *match.State) error {
		s.MarkPersisted(scores)
		return nil
	})
}

func (e *Engine) openArchive(s *match.State) {
	w := e.archive.Open(replay.Metadata{
		MatchID:      s.ID,
		Player1:      s.Players[0],
		Player2:      s.Players[1],
		TournamentID: s.TournamentID,
		TickRate:     e.settings.TickRate,
	})
	if w == nil {
		return
	}
	e.mu.Lock()
	e.archives[s.ID] = w
	e.mu.Unlock()
	e.appendEvent(w, s.ID, s.Tick, replay.EventStart, map[string]any{
		"player_1": s.Players[0],
		"player_2": s.Players[1],
		"score1":   s.Scores[0],
		"score2":   s.Scores[1],
	})
}

func (e *Engine) writer(id string) *replay.Writer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.archives[id]
}

type nopStore struct{}

func (nopStore) CreateMatch(context.Context, store.Match) error { return nil }

func (nopStore) UpdateMatchScore(context.Context, string, int, int) error { return nil }

func (nopStore) FinishMatch(context.Context, store.MatchResult) error { return nil }

func (nopStore) CancelMatch(context.Context, string) error { return nil }
