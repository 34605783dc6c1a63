package tournament

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paddlearena/server/internal/fanout"
	"paddlearena/server/internal/logging"
	"paddlearena/server/internal/match"
	"paddlearena/server/internal/notify"
	"paddlearena/server/internal/simulation"
	"paddlearena/server/internal/store"
)

type scheduledJob struct {
	at time.Time
	fn func()
}

type fakeScheduler struct {
	mu   sync.Mutex
	jobs map[string]scheduledJob
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{jobs: map[string]scheduledJob{}}
}

func (f *fakeScheduler) After(name string, at time.Time, fn func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[name] = scheduledJob{at: at, fn: fn}
	return nil
}

func (f *fakeScheduler) Cancel(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.jobs[name]
	delete(f.jobs, name)
	return ok
}

func (f *fakeScheduler) job(name string) (scheduledJob, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[name]
	return j, ok
}

// fire runs a pending job synchronously.
func (f *fakeScheduler) fire(t *testing.T, name string) {
	t.Helper()
	f.mu.Lock()
	j, ok := f.jobs[name]
	delete(f.jobs, name)
	f.mu.Unlock()
	require.True(t, ok, "job %s not scheduled", name)
	j.fn()
}

type fixture struct {
	orch   *Orchestrator
	store  *store.Store
	engine *simulation.Engine
	bus    *notify.LocalBus
	sched  *fakeScheduler
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), "sqlite3", "file::memory:?_foreign_keys=on")
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// newFixture builds a bracket whose matches end after one point won by the left seat.
func newFixture(t *testing.T, st *store.Store) *fixture {
	t.Helper()
	engine := simulation.NewEngine(match.NewRegistry(), fanout.NewHub(),
		simulation.WithStore(st),
		simulation.WithLogger(logging.NewTestLogger()),
		simulation.WithSettings(simulation.Settings{TickRate: 1000, WinningScore: 1}),
		simulation.WithServe(match.FixedServe(0.011, 0.007)),
	)
	bus := notify.NewLocalBus(notify.WithLogger(logging.NewTestLogger()))
	sched := newFakeScheduler()
	orch := New(Config{PendingWindow: time.Minute, PollInterval: 20 * time.Millisecond}, st, engine, bus, sched,
		WithLogger(logging.NewTestLogger()))
	engine.SetReporter(orch)
	t.Cleanup(func() {
		orch.Shutdown()
		_ = engine.Shutdown(context.Background())
		_ = bus.Close()
	})
	return &fixture{orch: orch, store: st, engine: engine, bus: bus, sched: sched}
}

func (f *fixture) subscribe(t *testing.T, users ...string) map[string]<-chan notify.Event {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	out := make(map[string]<-chan notify.Event, len(users))
	for _, u := range users {
		ch, err := f.bus.Subscribe(ctx, u)
		require.NoError(t, err)
		out[u] = ch
	}
	return out
}

// drain collects events until the channel stays quiet for a short while.
func drain(ch <-chan notify.Event) []notify.Event {
	var out []notify.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-time.After(200 * time.Millisecond):
			return out
		}
	}
}

func ofType(events []notify.Event, kind string) []notify.Event {
	var out []notify.Event
	for _, ev := range events {
		if ev.Type == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fixture) inviteFor(t *testing.T, user string) store.Invite {
	t.Helper()
	pending, err := f.store.ListPendingInvites(context.Background(), user)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	return pending[0]
}

// play brings both sides online and starts the tick loop.
func (f *fixture) play(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.engine.Registry().WithLock(id, func(s *match.State) error {
		s.MarkOnline(match.Left)
		s.MarkOnline(match.Right)
		f.engine.StartLocked(s)
		return nil
	}))
}

func (f *fixture) tournament(t *testing.T, id string) store.Tournament {
	t.Helper()
	tour, err := f.store.GetTournament(context.Background(), id)
	require.NoError(t, err)
	return tour
}

func (f *fixture) fillBracket(t *testing.T) View {
	t.Helper()
	ctx := context.Background()
	view, err := f.orch.Create(ctx, "alice", "Spring Cup", []string{"bob", "carol", "dave"})
	require.NoError(t, err)
	for _, u := range []string{"bob", "carol", "dave"} {
		require.NoError(t, f.orch.AcceptInvite(ctx, f.inviteFor(t, u).ID, view.ID, u))
	}
	return view
}

func TestCreateValidatesInvitees(t *testing.T) {
	f := newFixture(t, openStore(t))
	ctx := context.Background()

	_, err := f.orch.Create(ctx, "", "x", nil)
	assert.ErrorIs(t, err, ErrMissingCreator)
	_, err = f.orch.Create(ctx, "alice", "x", []string{"bob", "bob"})
	assert.ErrorIs(t, err, ErrInvalidInvitees)
	_, err = f.orch.Create(ctx, "alice", "x", []string{"alice"})
	assert.ErrorIs(t, err, ErrInvalidInvitees)
	_, err = f.orch.Create(ctx, "alice", "x", []string{"b", "c", "d", "e"})
	assert.ErrorIs(t, err, ErrInvalidInvitees)
}

func TestCreateSeatsCreatorAndInvites(t *testing.T) {
	f := newFixture(t, openStore(t))
	events := f.subscribe(t, "alice", "bob")

	view, err := f.orch.Create(context.Background(), "alice", "Spring Cup", []string{"bob"})
	require.NoError(t, err)
	assert.Equal(t, store.TournamentPending, view.Status)
	assert.Contains(t, view.Slug, "spring-cup-")
	require.Len(t, view.Participants, 1)
	assert.Equal(t, "alice", view.Participants[0].UserID)
	assert.Equal(t, 1, view.Participants[0].Seat)

	invite := ofType(drain(events["bob"]), notify.EventNewInvite)
	require.Len(t, invite, 1)
	assert.Equal(t, view.ID, invite[0].Data["tournament_id"])
	assert.Equal(t, "tournament", invite[0].Data["mode"])
	waiting := ofType(drain(events["alice"]), notify.EventTournamentWaiting)
	require.Len(t, waiting, 1)

	job, ok := f.sched.job(timeoutJob(view.ID))
	require.True(t, ok)
	assert.WithinDuration(t, view.CreatedAt.Add(time.Minute), job.at, time.Second)
}

func TestAcceptInviteRejections(t *testing.T) {
	f := newFixture(t, openStore(t))
	ctx := context.Background()
	view, err := f.orch.Create(ctx, "alice", "Cup", []string{"bob", "carol", "dave"})
	require.NoError(t, err)
	bobInvite := f.inviteFor(t, "bob")

	assert.ErrorIs(t, f.orch.AcceptInvite(ctx, "missing", view.ID, "bob"), ErrInvalidInvite)
	assert.ErrorIs(t, f.orch.AcceptInvite(ctx, bobInvite.ID, view.ID, "carol"), ErrInvalidInvite)
	assert.ErrorIs(t, f.orch.AcceptInvite(ctx, bobInvite.ID, "other-tournament", "bob"), ErrInvalidInvite)

	require.NoError(t, f.orch.AcceptInvite(ctx, bobInvite.ID, view.ID, "bob"))
	assert.ErrorIs(t, f.orch.AcceptInvite(ctx, bobInvite.ID, view.ID, "bob"), ErrAlreadyJoined)

	require.NoError(t, f.orch.AcceptInvite(ctx, f.inviteFor(t, "carol").ID, view.ID, "carol"))
	require.NoError(t, f.orch.AcceptInvite(ctx, f.inviteFor(t, "dave").ID, view.ID, "dave"))

	//1.- A fifth seat never fits, whatever its invite says.
	extra := store.Invite{ID: "inv-extra", Sender: "alice", Recipient: "erin", Mode: store.InviteTournament, TournamentID: store.StringPtr(view.ID)}
	require.NoError(t, f.store.CreateInvite(ctx, extra))
	assert.ErrorIs(t, f.orch.AcceptInvite(ctx, extra.ID, view.ID, "erin"), ErrTournamentFull)
	assert.ErrorIs(t, f.orch.AcceptInvite(ctx, bobInvite.ID, view.ID, "bob"), ErrAlreadyJoined)

	got, err := f.orch.Get(ctx, view.ID)
	require.NoError(t, err)
	assert.Len(t, got.Participants, store.Capacity)
	_, scheduled := f.sched.job(timeoutJob(view.ID))
	assert.False(t, scheduled, "a full bracket has no pending timeout")
}

func TestRejectInviteNotifiesCreator(t *testing.T) {
	f := newFixture(t, openStore(t))
	ctx := context.Background()
	events := f.subscribe(t, "alice")
	view, err := f.orch.Create(ctx, "alice", "Cup", []string{"bob"})
	require.NoError(t, err)
	inv := f.inviteFor(t, "bob")

	assert.ErrorIs(t, f.orch.RejectInvite(ctx, inv.ID, "carol"), ErrInvalidInvite)
	require.NoError(t, f.orch.RejectInvite(ctx, inv.ID, "bob"))
	assert.ErrorIs(t, f.orch.RejectInvite(ctx, inv.ID, "bob"), ErrInvalidInvite)
	assert.ErrorIs(t, f.orch.AcceptInvite(ctx, inv.ID, view.ID, "bob"), ErrInvalidInvite)

	refused := ofType(drain(events["alice"]), notify.EventInviteRefused)
	require.Len(t, refused, 1)
	assert.Equal(t, "bob", refused[0].Data["by"])
}

func TestPendingTimeoutCancelsAndNotifies(t *testing.T) {
	f := newFixture(t, openStore(t))
	ctx := context.Background()
	events := f.subscribe(t, "alice", "bob", "carol")
	view, err := f.orch.Create(ctx, "alice", "Cup", []string{"bob", "carol"})
	require.NoError(t, err)
	require.NoError(t, f.orch.AcceptInvite(ctx, f.inviteFor(t, "bob").ID, view.ID, "bob"))
	carolInvite := f.inviteFor(t, "carol")

	f.sched.fire(t, timeoutJob(view.ID))

	tour := f.tournament(t, view.ID)
	assert.Equal(t, store.TournamentCancelled, tour.Status)
	for _, u := range []string{"alice", "bob"} {
		cancelled := ofType(drain(events[u]), notify.EventTournamentCancelled)
		assert.Len(t, cancelled, 1, "participant %s", u)
	}
	assert.Empty(t, ofType(drain(events["carol"]), notify.EventTournamentCancelled))

	assert.ErrorIs(t, f.orch.AcceptInvite(ctx, carolInvite.ID, view.ID, "carol"), ErrInvalidInvite)

	//1.- A second firing finds nothing left to cancel.
	f.orch.scheduleTimeout(view.ID, time.Now())
	f.sched.fire(t, timeoutJob(view.ID))
	assert.Equal(t, store.TournamentCancelled, f.tournament(t, view.ID).Status)
}

func TestBracketRunsToChampion(t *testing.T) {
	f := newFixture(t, openStore(t))
	ctx := context.Background()
	users := []string{"alice", "bob", "carol", "dave"}
	events := f.subscribe(t, users...)

	view := f.fillBracket(t)
	tour := f.tournament(t, view.ID)
	require.Equal(t, store.TournamentInProgress, tour.Status)
	require.Equal(t, store.RoundSemifinals, tour.CurrentRound)
	require.NotNil(t, tour.Semifinal1)
	require.NotNil(t, tour.Semifinal2)

	semi1, err := f.store.GetMatch(ctx, *tour.Semifinal1)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, []string{semi1.Player1, semi1.Player2})
	semi2, err := f.store.GetMatch(ctx, *tour.Semifinal2)
	require.NoError(t, err)
	assert.Equal(t, []string{"carol", "dave"}, []string{semi2.Player1, semi2.Player2})

	f.play(t, semi1.ID)
	f.play(t, semi2.ID)
	require.Eventually(t, func() bool {
		return f.tournament(t, view.ID).CurrentRound == store.RoundFinal
	}, 5*time.Second, 10*time.Millisecond)

	tour = f.tournament(t, view.ID)
	require.NotNil(t, tour.Final)
	final, err := f.store.GetMatch(ctx, *tour.Final)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "carol"}, []string{final.Player1, final.Player2})

	f.play(t, final.ID)
	require.Eventually(t, func() bool {
		return f.tournament(t, view.ID).Status == store.TournamentCompleted
	}, 5*time.Second, 10*time.Millisecond)
	tour = f.tournament(t, view.ID)
	assert.Equal(t, "alice", store.Deref(tour.Champion))
	assert.NotNil(t, tour.CompletedAt)

	for _, u := range users {
		received := drain(events[u])
		starts := ofType(received, notify.EventTournamentMatch)
		assert.Len(t, starts, 3, "participant %s sees both semifinals and the final", u)
		completed := ofType(received, notify.EventTournamentCompleted)
		require.Len(t, completed, 1, "participant %s", u)
		assert.Equal(t, "alice", completed[0].Data["champion"])
	}

	//1.- Late and duplicate reports change nothing.
	require.NoError(t, f.orch.ReportResult(ctx, semi1.ID, "alice", view.ID))
	require.NoError(t, f.orch.ReportResult(ctx, final.ID, "alice", view.ID))
	matches, err := f.store.ListTournamentMatches(ctx, view.ID)
	require.NoError(t, err)
	assert.Len(t, matches, 3)
	for _, u := range users {
		assert.Empty(t, ofType(drain(events[u]), notify.EventTournamentCompleted))
	}
}

func TestReportResultValidation(t *testing.T) {
	f := newFixture(t, openStore(t))
	ctx := context.Background()
	view := f.fillBracket(t)
	tour := f.tournament(t, view.ID)
	semi1 := *tour.Semifinal1

	assert.ErrorIs(t, f.orch.ReportResult(ctx, "missing", "alice", view.ID), ErrMatchNotFound)
	assert.ErrorIs(t, f.orch.ReportResult(ctx, semi1, "alice", "other"), ErrNotLinked)
	assert.ErrorIs(t, f.orch.ReportResult(ctx, semi1, "alice", view.ID), ErrMatchInProgress)

	f.play(t, semi1)
	require.Eventually(t, func() bool {
		rec, err := f.store.GetMatch(ctx, semi1)
		return err == nil && rec.Status == store.MatchDone
	}, 5*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, f.orch.ReportResult(ctx, semi1, "bob", view.ID), ErrWinnerMismatch)
	assert.NoError(t, f.orch.ReportResult(ctx, semi1, "alice", view.ID))
	assert.NoError(t, f.orch.ReportResult(ctx, semi1, "alice", view.ID))
	assert.Equal(t, store.RoundSemifinals, f.tournament(t, view.ID).CurrentRound)
}

// seedBracket stores a started bracket with two semifinal records, bypassing the orchestrator.
func seedBracket(t *testing.T, st *store.Store) (string, store.Match, store.Match) {
	t.Helper()
	ctx := context.Background()
	tour := store.Tournament{ID: "t-seeded", Name: "Seeded", Slug: "seeded", Creator: "alice"}
	var invites []store.Invite
	for _, u := range []string{"bob", "carol", "dave"} {
		invites = append(invites, store.Invite{ID: "inv-" + u, Sender: "alice", Recipient: u})
	}
	require.NoError(t, st.CreateTournament(ctx, tour, invites))
	for _, u := range []string{"bob", "carol", "dave"} {
		_, err := st.JoinTournament(ctx, tour.ID, "inv-"+u, u)
		require.NoError(t, err)
	}
	semi1 := store.Match{ID: "semi-1", Mode: "online", Player1: "alice", Player2: "bob", Status: store.MatchPlaying,
		TournamentID: store.StringPtr(tour.ID), Round: store.StringPtr(roundSemifinal), CreatedAt: time.Now().UTC()}
	semi2 := semi1
	semi2.ID, semi2.Player1, semi2.Player2 = "semi-2", "carol", "dave"
	require.NoError(t, st.CreateMatch(ctx, semi1))
	require.NoError(t, st.CreateMatch(ctx, semi2))
	require.NoError(t, st.SetSemifinals(ctx, tour.ID, semi1.ID, semi2.ID))
	return tour.ID, semi1, semi2
}

func TestResumeRestoresMatchesAndContinuesBracket(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	tid, semi1, semi2 := seedBracket(t, st)
	pending := store.Tournament{ID: "t-pending", Name: "Pending", Slug: "pending", Creator: "erin"}
	require.NoError(t, st.CreateTournament(ctx, pending, nil))

	f := newFixture(t, st)
	require.NoError(t, f.orch.Resume(ctx))
	assert.True(t, f.engine.Registry().Exists(semi1.ID))
	assert.True(t, f.engine.Registry().Exists(semi2.ID))
	_, ok := f.sched.job(timeoutJob(pending.ID))
	assert.True(t, ok, "pending tournament timeout rescheduled")

	f.play(t, semi1.ID)
	f.play(t, semi2.ID)
	require.Eventually(t, func() bool {
		return f.tournament(t, tid).CurrentRound == store.RoundFinal
	}, 5*time.Second, 10*time.Millisecond)
}

func TestIndeterminateSemifinalAbortsBracket(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	tid, semi1, semi2 := seedBracket(t, st)
	require.NoError(t, st.FinishMatch(ctx, store.MatchResult{ID: semi1.ID, Score1: 7, Winner: "alice", Loser: "bob", Reason: "score"}))
	require.NoError(t, st.CancelMatch(ctx, semi2.ID))

	f := newFixture(t, st)
	events := f.subscribe(t, "alice", "bob", "carol", "dave")
	require.NoError(t, f.orch.Resume(ctx))

	require.Eventually(t, func() bool {
		return f.tournament(t, tid).Status == store.TournamentCancelled
	}, 5*time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, store.Deref(f.tournament(t, tid).Error))
	for _, u := range []string{"alice", "bob", "carol", "dave"} {
		errs := ofType(drain(events[u]), notify.EventTournamentError)
		require.Len(t, errs, 1, "participant %s", u)
		assert.Equal(t, tid, errs[0].Data["tournament_id"])
	}
	matches, err := st.ListTournamentMatches(ctx, tid)
	require.NoError(t, err)
	assert.Len(t, matches, 2, "no final is created without two winners")
}

func TestAbortCancelsUnfinishedStageMatches(t *testing.T) {
	f := newFixture(t, openStore(t))
	ctx := context.Background()
	view := f.fillBracket(t)
	tour := f.tournament(t, view.ID)
	semi1, semi2 := *tour.Semifinal1, *tour.Semifinal2

	f.play(t, semi1)
	require.Eventually(t, func() bool {
		rec, err := f.store.GetMatch(ctx, semi1)
		return err == nil && rec.Status == store.MatchDone
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, f.engine.StopLoop(semi2))

	f.orch.abort(ctx, view.ID, "operator stopped the bracket")

	assert.Equal(t, store.TournamentCancelled, f.tournament(t, view.ID).Status)
	rec, err := f.store.GetMatch(ctx, semi2)
	require.NoError(t, err)
	assert.Equal(t, store.MatchCancelled, rec.Status)
	assert.False(t, f.engine.Registry().Exists(semi2), "an aborted bracket leaves no live match behind")
	assert.Eventually(t, func() bool { return f.engine.Registry().Len() == 0 }, time.Second, 10*time.Millisecond)
	rec, err = f.store.GetMatch(ctx, semi1)
	require.NoError(t, err)
	assert.Equal(t, store.MatchDone, rec.Status, "finished results are kept")
}

func TestResumeCancelsMatchesOfStoppedBrackets(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	tid, semi1, semi2 := seedBracket(t, st)
	require.NoError(t, st.CancelTournament(ctx, tid, "stopped while down", store.TournamentInProgress))

	f := newFixture(t, st)
	require.NoError(t, f.orch.Resume(ctx))
	assert.Zero(t, f.engine.Registry().Len())
	for _, id := range []string{semi1.ID, semi2.ID} {
		rec, err := st.GetMatch(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.MatchCancelled, rec.Status, "match %s", id)
	}
	unfinished, err := st.ListUnfinishedTournamentMatches(ctx)
	require.NoError(t, err)
	assert.Empty(t, unfinished)
}

// advancedElsewhere records a different final right before the orchestrator's own write,
// as a second process finishing the same semifinals would.
type advancedElsewhere struct {
	*store.Store
	finalID string
}

func (s advancedElsewhere) AdvanceToFinal(ctx context.Context, tournamentID, finalMatchID string) error {
	if err := s.Store.AdvanceToFinal(ctx, tournamentID, s.finalID); err != nil {
		return err
	}
	return s.Store.AdvanceToFinal(ctx, tournamentID, finalMatchID)
}

func TestFinalLosingTheAdvanceRaceIsCancelled(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	tid, semi1, _ := seedBracket(t, st)
	other := semi1
	other.ID, other.Player2, other.Round = "final-elsewhere", "carol", store.StringPtr(roundFinal)
	require.NoError(t, st.CreateMatch(ctx, other))

	f := newFixture(t, st)
	orch := New(Config{PendingWindow: time.Minute, PollInterval: 20 * time.Millisecond},
		advancedElsewhere{Store: st, finalID: other.ID}, f.engine, f.bus, f.sched, WithLogger(logging.NewTestLogger()))
	t.Cleanup(orch.Shutdown)

	orch.startFinal(ctx, tid, []string{"alice", "carol"})

	tour := f.tournament(t, tid)
	assert.Equal(t, other.ID, store.Deref(tour.Final))
	assert.Zero(t, f.engine.Registry().Len(), "the losing final is not left live")
	matches, err := st.ListTournamentMatches(ctx, tid)
	require.NoError(t, err)
	orphans := 0
	for _, m := range matches {
		if store.Deref(m.Round) == roundFinal && m.ID != other.ID {
			orphans++
			assert.Equal(t, store.MatchCancelled, m.Status)
		}
	}
	assert.Equal(t, 1, orphans)
}

func TestConcurrentAcceptsNeverOverfillBracket(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	//1.- Two processes share the database, so the in-process tournament lock cannot help.
	first := newFixture(t, st)
	second := newFixture(t, st)

	tour := store.Tournament{ID: "t-race", Name: "Race", Slug: "race", Creator: "alice"}
	users := []string{"bob", "carol", "dave", "erin"}
	var invites []store.Invite
	for _, u := range users {
		invites = append(invites, store.Invite{ID: "inv-" + u, Sender: "alice", Recipient: u})
	}
	require.NoError(t, st.CreateTournament(ctx, tour, invites))
	require.NoError(t, first.orch.AcceptInvite(ctx, "inv-bob", tour.ID, "bob"))
	require.NoError(t, second.orch.AcceptInvite(ctx, "inv-carol", tour.ID, "carol"))

	start := make(chan struct{})
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, contender := range []struct {
		orch *Orchestrator
		user string
	}{{first.orch, "dave"}, {second.orch, "erin"}} {
		wg.Add(1)
		go func(i int, orch *Orchestrator, user string) {
			defer wg.Done()
			<-start
			errs[i] = orch.AcceptInvite(ctx, "inv-"+user, tour.ID, user)
		}(i, contender.orch, contender.user)
	}
	close(start)
	wg.Wait()

	joined := 0
	for _, err := range errs {
		if err == nil {
			joined++
			continue
		}
		assert.ErrorIs(t, err, ErrTournamentFull)
	}
	assert.Equal(t, 1, joined, "exactly one contender takes the last seat")

	seats, err := st.ListParticipants(ctx, tour.ID)
	require.NoError(t, err)
	assert.Len(t, seats, store.Capacity)
	matches, err := st.ListTournamentMatches(ctx, tour.ID)
	require.NoError(t, err)
	assert.Len(t, matches, 2, "the semifinals start once")
	assert.Equal(t, 2, first.engine.Registry().Len()+second.engine.Registry().Len())
	assert.Equal(t, store.TournamentInProgress, first.tournament(t, tour.ID).Status)
}
