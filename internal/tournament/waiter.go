package tournament

import (
	"context"
	"errors"
	"fmt"
	"time"

	"paddlearena/server/internal/logging"
	"paddlearena/server/internal/match"
	"paddlearena/server/internal/simulation"
	"paddlearena/server/internal/store"
)

// MatchFinished wakes the waiter of a tournament match. The engine calls it from the tick
// loop, so it only signals.
func (o *Orchestrator) MatchFinished(_ context.Context, result simulation.Result) {
	o.signalDone(result.MatchID)
}

// watch starts the waiter of one bracket stage unless it already runs.
func (o *Orchestrator) watch(tournamentID string, round store.Round, matchIDs []string) {
	key := tournamentID + "/" + string(round)
	o.mu.Lock()
	if _, running := o.stages[key]; running {
		o.mu.Unlock()
		return
	}
	o.stages[key] = struct{}{}
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.stages, key)
			o.mu.Unlock()
		}()
		o.runStage(tournamentID, round, matchIDs)
	}()
}

func (o *Orchestrator) runStage(tournamentID string, round store.Round, matchIDs []string) {
	ctx := o.ctx
	logger := o.log.With(logging.TournamentID(tournamentID), logging.String("round", string(round)))
	winners := make([]string, len(matchIDs))
	for i, id := range matchIDs {
		winner, err := o.awaitWinner(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			//1.- A winner is never guessed; the bracket ends instead.
			logger.Error("stage result unusable", logging.MatchID(id), logging.Error(err))
			o.abort(ctx, tournamentID, fmt.Sprintf("match %s: %v", id, err))
			return
		}
		winners[i] = winner
	}
	switch round {
	case store.RoundSemifinals:
		o.startFinal(ctx, tournamentID, winners)
	case store.RoundFinal:
		o.complete(ctx, tournamentID, winners[0])
	}
}

// awaitWinner blocks until matchID is done, woken by its result report or by the poll interval.
func (o *Orchestrator) awaitWinner(ctx context.Context, matchID string) (string, error) {
	//1.- Register before the first read so a report landing in between is not lost.
	wake := o.signal(matchID)
	defer o.forget(matchID)
	poll := time.NewTicker(o.cfg.PollInterval)
	defer poll.Stop()
	for {
		done, winner, err := o.lookup(ctx, matchID)
		if err != nil {
			return "", err
		}
		if done {
			if winner == "" {
				return "", ErrIndeterminateWinner
			}
			return winner, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-wake:
			wake = nil
		case <-poll.C:
		}
	}
}

// lookup reads the live state first and the durable record second. Absence in both is a
// hard error.
func (o *Orchestrator) lookup(ctx context.Context, matchID string) (bool, string, error) {
	var (
		done   bool
		winner string
	)
	err := o.engine.Registry().WithLock(matchID, func(s *match.State) error {
		if s.Status == match.StatusDone {
			done, winner = true, s.Winner
		}
		return nil
	})
	if err == nil {
		return done, winner, nil
	}
	if !errors.Is(err, match.ErrMatchNotFound) {
		return false, "", err
	}
	rec, err := o.store.GetMatch(ctx, matchID)
	if errors.Is(err, store.ErrNotFound) {
		return false, "", fmt.Errorf("%w: %s", ErrMatchNotFound, matchID)
	}
	if err != nil {
		return false, "", err
	}
	switch rec.Status {
	case store.MatchDone:
		return true, store.Deref(rec.Winner), nil
	case store.MatchCancelled:
		return true, "", nil
	default:
		return false, "", nil
	}
}

func (o *Orchestrator) signal(matchID string) <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch, ok := o.signals[matchID]
	if !ok {
		ch = make(chan struct{})
		o.signals[matchID] = ch
	}
	return ch
}

// signalDone closes the one-shot signal of matchID if a waiter registered one.
func (o *Orchestrator) signalDone(matchID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ch, ok := o.signals[matchID]; ok {
		close(ch)
		delete(o.signals, matchID)
	}
}

func (o *Orchestrator) forget(matchID string) {
	o.mu.Lock()
	delete(o.signals, matchID)
	o.mu.Unlock()
}

// ReportResult is the external path for a finished tournament match. It validates the
// linkage and the winner, then lets the bracket consume the result. Reports for an already
// consumed match change nothing.
func (o *Orchestrator) ReportResult(ctx context.Context, matchID, winner, tournamentID string) error {
	rec, err := o.store.GetMatch(ctx, matchID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrMatchNotFound
	}
	if err != nil {
		return fmt.Errorf("load match: %w", err)
	}
	if store.Deref(rec.TournamentID) != tournamentID {
		return ErrNotLinked
	}
	done, recorded, err := o.lookup(ctx, matchID)
	if err != nil {
		return err
	}
	if !done {
		return ErrMatchInProgress
	}
	if recorded == "" || recorded != winner {
		return ErrWinnerMismatch
	}

	t, err := o.store.GetTournament(ctx, tournamentID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load tournament: %w", err)
	}
	o.signalDone(matchID)
	o.attach(ctx, t)
	return nil
}

// Resume rebuilds the in-process side of every open bracket after a restart.
func (o *Orchestrator) Resume(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	//1.- Live tournament matches come back with their persisted scores, unless their bracket
	// stopped running while the process was down.
	unfinished, err := o.store.ListUnfinishedTournamentMatches(ctx)
	keep(err)
	open := make(map[string]bool)
	restored := 0
	for _, rec := range unfinished {
		tid := store.Deref(rec.TournamentID)
		running, seen := open[tid]
		if !seen {
			t, err := o.store.GetTournament(ctx, tid)
			if err != nil {
				o.log.Error("tournament lookup for restore failed", logging.MatchID(rec.ID), logging.Error(err))
				keep(err)
				continue
			}
			running = t.Status == store.TournamentInProgress
			open[tid] = running
		}
		if !running {
			if err := o.engine.CancelMatch(ctx, rec.ID); err != nil {
				o.log.Error("stale tournament match not cancelled", logging.MatchID(rec.ID), logging.Error(err))
				keep(err)
			}
			continue
		}
		restored++
		if err := o.engine.RestoreMatch(ctx, rec); err != nil {
			o.log.Error("tournament match restore failed", logging.MatchID(rec.ID), logging.Error(err))
			keep(err)
		}
	}

	//2.- Pending brackets keep their original deadline; an elapsed one fires at once.
	pending, err := o.store.ListTournamentsByStatus(ctx, store.TournamentPending)
	keep(err)
	for _, t := range pending {
		o.scheduleTimeout(t.ID, t.CreatedAt.Add(o.cfg.PendingWindow))
	}

	running, err := o.store.ListTournamentsByStatus(ctx, store.TournamentInProgress)
	keep(err)
	for _, t := range running {
		o.attach(ctx, t)
	}
	o.log.Info("tournaments resumed",
		logging.Int("pending", len(pending)),
		logging.Int("in_progress", len(running)),
		logging.Int("matches_restored", restored),
	)
	return firstErr
}

// attach makes sure the current stage of an in-progress bracket has a waiter.
func (o *Orchestrator) attach(ctx context.Context, t store.Tournament) {
	if t.Status != store.TournamentInProgress {
		return
	}
	switch t.CurrentRound {
	case store.RoundSemifinals:
		if t.Semifinal1 == nil || t.Semifinal2 == nil {
			unlock := o.lock(t.ID)
			defer unlock()
			fresh, err := o.store.GetTournament(ctx, t.ID)
			if err != nil {
				o.log.Error("tournament reload failed", logging.TournamentID(t.ID), logging.Error(err))
				return
			}
			if fresh.Status == store.TournamentInProgress && fresh.CurrentRound == store.RoundSemifinals && fresh.Semifinal1 == nil {
				o.startSemifinalsLocked(ctx, t.ID, o.participants(ctx, t.ID))
			}
			return
		}
		o.watch(t.ID, store.RoundSemifinals, []string{*t.Semifinal1, *t.Semifinal2})
	case store.RoundFinal:
		if t.Final != nil {
			o.watch(t.ID, store.RoundFinal, []string{*t.Final})
		}
	}
}
