// Package tournament drives four-player elimination brackets: invitations, semifinals, final
// and completion. Round transitions are guarded by conditional store updates so duplicate
// match reports never advance a bracket twice.
package tournament

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"

	"paddlearena/server/internal/logging"
	"paddlearena/server/internal/match"
	"paddlearena/server/internal/metrics"
	"paddlearena/server/internal/notify"
	"paddlearena/server/internal/simulation"
	"paddlearena/server/internal/store"
)

const (
	roundSemifinal = "semifinal"
	roundFinal     = "final"

	reasonTimeout = "not enough participants joined in time"
)

var (
	ErrMissingCreator      = errors.New("missing creator")
	ErrInvalidInvitees     = errors.New("invalid-invitees")
	ErrInvalidInvite       = errors.New("invalid-invite")
	ErrTournamentFull      = errors.New("full")
	ErrAlreadyJoined       = errors.New("already-joined")
	ErrTournamentClosed    = errors.New("tournament-closed")
	ErrNotFound            = errors.New("tournament-not-found")
	ErrMatchNotFound       = errors.New("match-not-found")
	ErrNotLinked           = errors.New("match-not-in-tournament")
	ErrMatchInProgress     = errors.New("match-in-progress")
	ErrWinnerMismatch      = errors.New("winner-mismatch")
	ErrIndeterminateWinner = errors.New("indeterminate winner")
)

// Store is the durable state the orchestrator reads and advances.
type Store interface {
	CreateTournament(ctx context.Context, t store.Tournament, invites []store.Invite) error
	GetTournament(ctx context.Context, id string) (store.Tournament, error)
	ListTournamentsByStatus(ctx context.Context, status store.TournamentStatus) ([]store.Tournament, error)
	ListParticipants(ctx context.Context, tournamentID string) ([]store.Participant, error)
	JoinTournament(ctx context.Context, tournamentID, inviteID, userID string) (store.JoinResult, error)
	SetSemifinals(ctx context.Context, tournamentID, first, second string) error
	AdvanceToFinal(ctx context.Context, tournamentID, finalMatchID string) error
	CompleteTournament(ctx context.Context, tournamentID, champion string) error
	CancelTournament(ctx context.Context, tournamentID, reason string, from ...store.TournamentStatus) error
	GetInvite(ctx context.Context, id string) (store.Invite, error)
	UpdateInviteStatus(ctx context.Context, id, recipient string, status store.InviteStatus, matchID string) error
	GetMatch(ctx context.Context, id string) (store.Match, error)
	ListUnfinishedTournamentMatches(ctx context.Context) ([]store.Match, error)
	ListTournamentMatches(ctx context.Context, tournamentID string) ([]store.Match, error)
}

// Engine creates, restores and cancels tournament matches.
type Engine interface {
	CreateMatch(ctx context.Context, spec simulation.MatchSpec) (string, error)
	RestoreMatch(ctx context.Context, rec store.Match) error
	CancelMatch(ctx context.Context, id string) error
	Registry() *match.Registry
}

// Scheduler runs the pending-timeout jobs.
type Scheduler interface {
	After(name string, at time.Time, fn func()) error
	Cancel(name string) bool
}

// Config holds the bracket timings.
type Config struct {
	PendingWindow time.Duration
	PollInterval  time.Duration
}

// View is a tournament with its seats.
type View struct {
	store.Tournament
	Participants []store.Participant `json:"participants"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger overrides the orchestrator logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMetrics attaches outcome counters.
func WithMetrics(m *metrics.Collectors) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the time source used for deadlines.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.now = clock
		}
	}
}

// WithIDGenerator overrides tournament and invite id generation.
func WithIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) {
		if gen != nil {
			o.newID = gen
		}
	}
}

// Orchestrator owns every bracket of the process.
type Orchestrator struct {
	cfg     Config
	store   Store
	engine  Engine
	bus     notify.Bus
	sched   Scheduler
	metrics *metrics.Collectors
	log     *logging.Logger
	now     func() time.Time
	newID   func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	stages  map[string]struct{}
	signals map[string]chan struct{}
}

// New wires an orchestrator. Call Shutdown to stop its waiters.
func New(cfg Config, st Store, engine Engine, bus notify.Bus, sched Scheduler, opts ...Option) *Orchestrator {
	if cfg.PendingWindow <= 0 {
		cfg.PendingWindow = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:     cfg,
		store:   st,
		engine:  engine,
		bus:     bus,
		sched:   sched,
		log:     logging.L(),
		now:     time.Now,
		newID:   uuid.NewString,
		ctx:     ctx,
		cancel:  cancel,
		locks:   make(map[string]*sync.Mutex),
		stages:  make(map[string]struct{}),
		signals: make(map[string]chan struct{}),
	}
	if o.bus == nil {
		o.bus = notify.Nop{}
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Shutdown stops every stage waiter and waits for them.
func (o *Orchestrator) Shutdown() {
	o.cancel()
	o.wg.Wait()
}

// Create opens a pending tournament seated by creator and invites up to three players.
func (o *Orchestrator) Create(ctx context.Context, creator, name string, invitees []string) (View, error) {
	creator = strings.TrimSpace(creator)
	if creator == "" {
		return View{}, ErrMissingCreator
	}
	seen := map[string]struct{}{creator: {}}
	cleaned := make([]string, 0, len(invitees))
	for _, raw := range invitees {
		user := strings.TrimSpace(raw)
		if user == "" {
			return View{}, fmt.Errorf("%w: empty user id", ErrInvalidInvitees)
		}
		if _, dup := seen[user]; dup {
			return View{}, fmt.Errorf("%w: %q listed twice or is the creator", ErrInvalidInvitees, user)
		}
		seen[user] = struct{}{}
		cleaned = append(cleaned, user)
	}
	if len(cleaned) > store.Capacity-1 {
		return View{}, fmt.Errorf("%w: at most %d invitees", ErrInvalidInvitees, store.Capacity-1)
	}

	id := o.newID()
	name = strings.TrimSpace(name)
	if name == "" {
		name = creator + "'s tournament"
	}
	t := store.Tournament{
		ID:        id,
		Name:      name,
		Slug:      slug.Make(name) + "-" + shortID(id),
		Creator:   creator,
		CreatedAt: o.now().UTC(),
	}
	invites := make([]store.Invite, 0, len(cleaned))
	for _, user := range cleaned {
		invites = append(invites, store.Invite{ID: o.newID(), Sender: creator, Recipient: user, CreatedAt: t.CreatedAt})
	}
	if err := o.store.CreateTournament(ctx, t, invites); err != nil {
		return View{}, fmt.Errorf("create tournament: %w", err)
	}

	for _, inv := range invites {
		o.publish(ctx, inv.Recipient, notify.NewInvite(inv.ID, creator, string(store.InviteTournament), id))
	}
	o.publish(ctx, creator, notify.TournamentWaiting(id, 1))
	o.scheduleTimeout(id, t.CreatedAt.Add(o.cfg.PendingWindow))
	o.log.Info("tournament created", logging.TournamentID(id), logging.UserID(creator), logging.Int("invitees", len(invites)))
	return o.Get(ctx, id)
}

// Get returns a tournament and its seats.
func (o *Orchestrator) Get(ctx context.Context, id string) (View, error) {
	t, err := o.store.GetTournament(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return View{}, ErrNotFound
	}
	if err != nil {
		return View{}, fmt.Errorf("load tournament: %w", err)
	}
	seats, err := o.store.ListParticipants(ctx, id)
	if err != nil {
		return View{}, fmt.Errorf("load participants: %w", err)
	}
	return View{Tournament: t, Participants: seats}, nil
}

// AcceptInvite seats acceptor. The fourth seat starts the semifinals.
func (o *Orchestrator) AcceptInvite(ctx context.Context, inviteID, tournamentID, acceptor string) error {
	unlock := o.lock(tournamentID)
	defer unlock()

	inv, err := o.store.GetInvite(ctx, inviteID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrInvalidInvite
	}
	if err != nil {
		return fmt.Errorf("load invite: %w", err)
	}
	if inv.Mode != store.InviteTournament || store.Deref(inv.TournamentID) != tournamentID || inv.Recipient != acceptor {
		return ErrInvalidInvite
	}
	switch inv.Status {
	case store.InvitePending:
	case store.InviteAccepted:
		return ErrAlreadyJoined
	default:
		return ErrInvalidInvite
	}

	//1.- The seat, the invite answer and the move to the semifinals commit together.
	res, err := o.store.JoinTournament(ctx, tournamentID, inviteID, acceptor)
	switch {
	case errors.Is(err, store.ErrDuplicate):
		return ErrAlreadyJoined
	case errors.Is(err, store.ErrCapacity):
		return ErrTournamentFull
	case errors.Is(err, store.ErrConflict):
		return ErrTournamentClosed
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("join tournament: %w", err)
	}

	users := userIDs(res.Participants)
	o.broadcast(ctx, tournamentID, users, notify.TournamentWaiting(tournamentID, len(users)))
	o.log.Info("tournament invite accepted", logging.TournamentID(tournamentID), logging.UserID(acceptor), logging.Int("participants", len(users)))
	if res.Started {
		o.sched.Cancel(timeoutJob(tournamentID))
		o.startSemifinalsLocked(ctx, tournamentID, users)
	}
	return nil
}

// RejectInvite refuses a tournament seat and tells the creator.
func (o *Orchestrator) RejectInvite(ctx context.Context, inviteID, user string) error {
	inv, err := o.store.GetInvite(ctx, inviteID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrInvalidInvite
	}
	if err != nil {
		return fmt.Errorf("load invite: %w", err)
	}
	if inv.Mode != store.InviteTournament || inv.Recipient != user {
		return ErrInvalidInvite
	}
	if err := o.store.UpdateInviteStatus(ctx, inviteID, user, store.InviteRefused, ""); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ErrInvalidInvite
		}
		return fmt.Errorf("refuse invite: %w", err)
	}
	o.publish(ctx, inv.Sender, notify.InviteRefused(inviteID, user))
	return nil
}

// startSemifinalsLocked pairs seats 1v2 and 3v4 and watches both matches. The caller holds
// the tournament lock.
func (o *Orchestrator) startSemifinalsLocked(ctx context.Context, tournamentID string, users []string) {
	logger := o.log.With(logging.TournamentID(tournamentID))
	if len(users) != store.Capacity {
		o.abortLocked(ctx, tournamentID, fmt.Sprintf("bracket needs %d players, has %d", store.Capacity, len(users)))
		return
	}
	ids := make([]string, 0, 2)
	for i := 0; i < len(users); i += 2 {
		id, err := o.engine.CreateMatch(ctx, simulation.MatchSpec{
			Name:         fmt.Sprintf("Semifinal %d", i/2+1),
			Player1:      users[i],
			Player2:      users[i+1],
			TournamentID: tournamentID,
			Round:        roundSemifinal,
		})
		if err != nil {
			logger.Error("semifinal creation failed", logging.Error(err))
			o.abortLocked(ctx, tournamentID, "semifinal could not be created")
			return
		}
		ids = append(ids, id)
	}
	if err := o.store.SetSemifinals(ctx, tournamentID, ids[0], ids[1]); err != nil {
		logger.Error("semifinal references not stored", logging.Error(err))
		o.abortLocked(ctx, tournamentID, "semifinals could not be recorded")
		return
	}
	for i, id := range ids {
		o.broadcast(ctx, tournamentID, users, notify.TournamentMatchStart(tournamentID, id, users[2*i], users[2*i+1], roundSemifinal))
	}
	logger.Info("semifinals started", logging.Strings("matches", ids))
	o.watch(tournamentID, store.RoundSemifinals, ids)
}

// startFinal creates the final between the semifinal winners unless another path already did.
func (o *Orchestrator) startFinal(ctx context.Context, tournamentID string, winners []string) {
	unlock := o.lock(tournamentID)
	defer unlock()
	logger := o.log.With(logging.TournamentID(tournamentID))

	t, err := o.store.GetTournament(ctx, tournamentID)
	if err != nil {
		logger.Error("tournament lookup before final failed", logging.Error(err))
		return
	}
	if t.Status != store.TournamentInProgress || t.CurrentRound != store.RoundSemifinals {
		return
	}
	finalID, err := o.engine.CreateMatch(ctx, simulation.MatchSpec{
		Name:         "Final",
		Player1:      winners[0],
		Player2:      winners[1],
		TournamentID: tournamentID,
		Round:        roundFinal,
	})
	if err != nil {
		logger.Error("final creation failed", logging.Error(err))
		o.abortLocked(ctx, tournamentID, "final could not be created")
		return
	}
	if err := o.store.AdvanceToFinal(ctx, tournamentID, finalID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			//1.- The bracket moved on without this match; it must not linger as a live orphan.
			logger.Warn("final already recorded by another path", logging.MatchID(finalID))
			if err := o.engine.CancelMatch(ctx, finalID); err != nil {
				logger.Error("orphan final not cancelled", logging.MatchID(finalID), logging.Error(err))
			}
			return
		}
		logger.Error("advance to final failed", logging.Error(err))
		o.abortLocked(ctx, tournamentID, "final could not be recorded")
		return
	}
	users := o.participants(ctx, tournamentID)
	o.broadcast(ctx, tournamentID, users, notify.TournamentMatchStart(tournamentID, finalID, winners[0], winners[1], roundFinal))
	logger.Info("final started", logging.MatchID(finalID))
	o.watch(tournamentID, store.RoundFinal, []string{finalID})
}

// complete records the champion exactly once.
func (o *Orchestrator) complete(ctx context.Context, tournamentID, champion string) {
	unlock := o.lock(tournamentID)
	defer unlock()
	if err := o.store.CompleteTournament(ctx, tournamentID, champion); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			o.log.Error("tournament completion failed", logging.TournamentID(tournamentID), logging.Error(err))
		}
		return
	}
	users := o.participants(ctx, tournamentID)
	o.broadcast(ctx, tournamentID, users, notify.TournamentCompleted(tournamentID, champion))
	o.metrics.TournamentOutcome("completed")
	o.log.Info("tournament completed", logging.TournamentID(tournamentID), logging.String("champion", champion))
}

func (o *Orchestrator) abort(ctx context.Context, tournamentID, reason string) {
	unlock := o.lock(tournamentID)
	defer unlock()
	o.abortLocked(ctx, tournamentID, reason)
}

// abortLocked cancels a running bracket, ends its unfinished matches and tells every
// participant why.
func (o *Orchestrator) abortLocked(ctx context.Context, tournamentID, reason string) {
	err := o.store.CancelTournament(ctx, tournamentID, reason, store.TournamentInProgress)
	if err != nil {
		if !errors.Is(err, store.ErrConflict) {
			o.log.Error("tournament abort failed", logging.TournamentID(tournamentID), logging.Error(err))
		}
		return
	}
	o.cancelMatches(ctx, tournamentID)
	users := o.participants(ctx, tournamentID)
	o.broadcast(ctx, tournamentID, users, notify.TournamentError(tournamentID, reason))
	o.metrics.TournamentOutcome("aborted")
	o.log.Warn("tournament aborted", logging.TournamentID(tournamentID), logging.String("reason", reason))
}

// cancelMatches ends every still playing match of a bracket that no longer runs.
func (o *Orchestrator) cancelMatches(ctx context.Context, tournamentID string) {
	matches, err := o.store.ListTournamentMatches(ctx, tournamentID)
	if err != nil {
		o.log.Error("tournament match lookup failed", logging.TournamentID(tournamentID), logging.Error(err))
		return
	}
	for _, m := range matches {
		if m.Status != store.MatchPlaying {
			continue
		}
		if err := o.engine.CancelMatch(ctx, m.ID); err != nil {
			o.log.Error("tournament match not cancelled", logging.TournamentID(tournamentID), logging.MatchID(m.ID), logging.Error(err))
			continue
		}
		o.log.Info("tournament match cancelled", logging.TournamentID(tournamentID), logging.MatchID(m.ID))
	}
}

// expire cancels a tournament still pending when its window closes.
func (o *Orchestrator) expire(tournamentID string) {
	ctx := o.ctx
	unlock := o.lock(tournamentID)
	defer unlock()
	err := o.store.CancelTournament(ctx, tournamentID, reasonTimeout, store.TournamentPending)
	if err != nil {
		if !errors.Is(err, store.ErrConflict) && !errors.Is(err, context.Canceled) {
			o.log.Error("tournament timeout failed", logging.TournamentID(tournamentID), logging.Error(err))
		}
		return
	}
	users := o.participants(ctx, tournamentID)
	o.broadcast(ctx, tournamentID, users, notify.TournamentCancelled(tournamentID, reasonTimeout))
	o.metrics.TournamentOutcome("cancelled")
	o.log.Info("tournament cancelled on timeout", logging.TournamentID(tournamentID), logging.Int("participants", len(users)))
}

func (o *Orchestrator) scheduleTimeout(tournamentID string, at time.Time) {
	if err := o.sched.After(timeoutJob(tournamentID), at, func() { o.expire(tournamentID) }); err != nil {
		o.log.Error("tournament timeout not scheduled", logging.TournamentID(tournamentID), logging.Error(err))
	}
}

func timeoutJob(tournamentID string) string { return "tournament-timeout:" + tournamentID }

// lock returns the unlock function of the per-tournament mutex.
func (o *Orchestrator) lock(tournamentID string) func() {
	o.mu.Lock()
	l, ok := o.locks[tournamentID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[tournamentID] = l
	}
	o.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (o *Orchestrator) participants(ctx context.Context, tournamentID string) []string {
	seats, err := o.store.ListParticipants(ctx, tournamentID)
	if err != nil {
		o.log.Error("participant lookup failed", logging.TournamentID(tournamentID), logging.Error(err))
		return nil
	}
	return userIDs(seats)
}

func (o *Orchestrator) broadcast(ctx context.Context, tournamentID string, users []string, event notify.Event) {
	if err := notify.Broadcast(ctx, o.bus, users, event); err != nil {
		o.log.Warn("tournament notification failed", logging.TournamentID(tournamentID), logging.String("event", event.Type), logging.Error(err))
	}
}

func (o *Orchestrator) publish(ctx context.Context, user string, event notify.Event) {
	if err := o.bus.Publish(ctx, user, event); err != nil {
		o.log.Warn("notification publish failed", logging.UserID(user), logging.String("event", event.Type), logging.Error(err))
	}
}

func userIDs(seats []store.Participant) []string {
	out := make([]string, len(seats))
	for i, p := range seats {
		out[i] = p.UserID
	}
	return out
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
