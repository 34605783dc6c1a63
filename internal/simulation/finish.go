package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"paddlearena/server/internal/fanout"
	"paddlearena/server/internal/ledger"
	"paddlearena/server/internal/logging"
	"paddlearena/server/internal/match"
	"paddlearena/server/internal/replay"
	"paddlearena/server/internal/store"
)

// pendingWrite is a terminal store write that has not landed yet.
type pendingWrite struct {
	result store.MatchResult
	cancel bool
}

// finish processes the terminal event of a match exactly once. The caller owns the event
// because it flipped Finalizing under the match lock.
func (e *Engine) finish(ctx context.Context, snap match.Snapshot) {
	id := snap.MatchID
	finishedAt := e.now().UTC()
	logger := e.log.With(logging.MatchID(id))
	cancelled := snap.Reason == match.EndCancelled

	//1.- Persist the result first; gameplay state stays authoritative if storage is down.
	write := pendingWrite{
		result: store.MatchResult{
			ID:         id,
			Score1:     snap.Score1,
			Score2:     snap.Score2,
			Winner:     snap.Winner,
			Loser:      snap.Loser,
			Reason:     string(snap.Reason),
			FinishedAt: finishedAt,
		},
		cancel: cancelled,
	}
	persisted := true
	if err := e.persistFinal(ctx, write); err != nil {
		persisted = false
		e.metrics.PersistFailed("finish")
		logger.Error("match result persistence failed; keeping live state for retry", logging.Error(err))
		e.mu.Lock()
		e.pending[id] = write
		e.mu.Unlock()
	}

	//2.- Tournament results go to the integrity ledger; failures never block the bracket.
	if snap.TournamentID != "" && !cancelled {
		entry := ledger.Entry{
			MatchID:      id,
			TournamentID: snap.TournamentID,
			Player1:      snap.Player1,
			Player2:      snap.Player2,
			Score1:       snap.Score1,
			Score2:       snap.Score2,
			Winner:       snap.Winner,
			FinishedAt:   finishedAt,
		}
		if err := e.ledger.RecordMatch(ctx, entry); err != nil {
			logger.Warn("ledger record failed", logging.Error(err))
		}
	}

	//3.- Exactly one terminal frame; it waits for slow subscribers instead of being dropped.
	payload := EncodeFrame(FrameState, snap)
	e.hub.Publish(id, fanout.Message{Tick: snap.Tick, Payload: payload})

	e.mu.Lock()
	w := e.archives[id]
	delete(e.archives, id)
	if r, ok := e.loops[id]; ok {
		delete(e.loops, id)
		r.loop.Cancel()
	}
	reporter := e.reporter
	e.mu.Unlock()

	if err := w.AppendFrame(snap.Tick, payload); err != nil {
		logger.Warn("replay frame append failed", logging.Error(err))
	}
	kind := replay.EventDone
	if snap.Reason == match.EndForfeit {
		kind = replay.EventForfeit
	}
	e.appendEvent(w, id, snap.Tick, kind, map[string]any{
		"winner": snap.Winner,
		"loser":  snap.Loser,
		"score1": snap.Score1,
		"score2": snap.Score2,
		"reason": string(snap.Reason),
	})
	if err := w.Close(&replay.Result{
		Score1:     snap.Score1,
		Score2:     snap.Score2,
		Winner:     snap.Winner,
		Reason:     string(snap.Reason),
		FinishedAt: finishedAt,
	}); err != nil {
		logger.Warn("replay archive close failed", logging.Error(err))
	}

	e.metrics.MatchFinished(string(snap.Reason))
	logger.Info("match finished",
		logging.String("winner", snap.Winner),
		logging.String("loser", snap.Loser),
		logging.String("reason", string(snap.Reason)),
		logging.Int("score_1", snap.Score1),
		logging.Int("score_2", snap.Score2),
	)

	//4.- Report upward before the live state disappears so waiters can read it either way.
	// A cancelled match belongs to an aborted bracket and has nothing to report.
	if snap.TournamentID != "" && reporter != nil && !cancelled {
		reporter.MatchFinished(ctx, Result{
			MatchID:      id,
			TournamentID: snap.TournamentID,
			Winner:       snap.Winner,
			Loser:        snap.Loser,
			Scores:       [2]int{snap.Score1, snap.Score2},
			Reason:       snap.Reason,
		})
	}

	e.hub.CloseGroup(id)
	//5.- Only a terminal event whose record landed releases the registry slot.
	if persisted {
		e.release(id)
	}
}

// release marks the terminal event of id handled and drops its live state.
func (e *Engine) release(id string) {
	_ = e.registry.WithLock(id, func(s *match.State) error {
		s.Handled = true
		s.ReportUpward = false
		return nil
	})
	if err := e.registry.Remove(id); err != nil && !errors.Is(err, match.ErrMatchNotFound) {
		e.log.Warn("registry removal failed", logging.MatchID(id), logging.Error(err))
	}
}

// persistFinal retries the terminal write with exponential backoff.
func (e *Engine) persistFinal(ctx context.Context, write pendingWrite) error {
	backoff := e.settings.PersistBackoff
	var err error
	for attempt := 1; attempt <= e.settings.PersistAttempts; attempt++ {
		if err = e.apply(ctx, write); err == nil {
			return nil
		}
		if attempt == e.settings.PersistAttempts {
			break
		}
		e.log.Warn("match result persistence retry",
			logging.MatchID(write.result.ID), logging.Int("attempt", attempt), logging.Error(err))
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return err
}

func (e *Engine) apply(ctx context.Context, write pendingWrite) error {
	if !write.cancel {
		return e.store.FinishMatch(ctx, write.result)
	}
	//1.- A record that is no longer playing already reached a terminal status.
	if err := e.store.CancelMatch(ctx, write.result.ID); err != nil && !errors.Is(err, store.ErrConflict) {
		return err
	}
	return nil
}

// RetryPending replays terminal writes that exhausted their retries and releases the live
// state of every match whose write lands. It returns the number of writes that landed.
func (e *Engine) RetryPending(ctx context.Context) int {
	e.mu.Lock()
	writes := make([]pendingWrite, 0, len(e.pending))
	for _, w := range e.pending {
		writes = append(writes, w)
	}
	e.mu.Unlock()

	landed := 0
	for _, w := range writes {
		id := w.result.ID
		if err := e.apply(ctx, w); err != nil {
			e.metrics.PersistFailed("finish")
			e.log.Warn("match result persistence still failing", logging.MatchID(id), logging.Error(err))
			continue
		}
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
		e.release(id)
		e.log.Info("match result persisted after retry", logging.MatchID(id))
		landed++
	}
	return landed
}

// Pending reports how many terminal writes are waiting for a retry.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// CancelMatch ends a live match without a winner and marks its record cancelled. A match
// that already owns its terminal event is left alone. A match that is not live only has its
// record cancelled.
func (e *Engine) CancelMatch(ctx context.Context, id string) error {
	var (
		snap  match.Snapshot
		owned bool
	)
	err := e.registry.WithLock(id, func(s *match.State) error {
		if s.Finalizing || s.Status == match.StatusDone {
			return nil
		}
		e.StopLocked(s)
		s.Cancel()
		s.Finalizing = true
		owned = true
		snap = s.Snapshot()
		return nil
	})
	if errors.Is(err, match.ErrMatchNotFound) {
		return e.apply(ctx, pendingWrite{result: store.MatchResult{ID: id}, cancel: true})
	}
	if err != nil || !owned {
		return err
	}
	e.finish(ctx, snap)
	return nil
}

// SweepAbandoned finishes started matches whose loop was torn down because every side left.
// Online matches forfeit once a side has been gone longer than the forfeit grace; local
// matches end as abandoned once their player has. It returns the number of matches it ended.
func (e *Engine) SweepAbandoned(ctx context.Context) int {
	ended := 0
	for _, id := range e.registry.IDs() {
		var (
			snap     match.Snapshot
			terminal bool
		)
		_ = e.registry.WithLock(id, func(s *match.State) error {
			if s.LoopRunning || !s.Started || s.Finalizing || s.Status == match.StatusDone {
				return nil
			}
			now := e.now()
			if s.CheckForfeit(now, e.settings.ForfeitGrace) || s.CheckAbandoned(now, e.settings.ForfeitGrace) {
				s.Finalizing = true
				terminal = true
				snap = s.Snapshot()
			}
			return nil
		})
		if terminal {
			e.finish(ctx, snap)
			ended++
		}
	}
	return ended
}

func (e *Engine) appendEvent(w *replay.Writer, id string, tick uint64, kind string, payload map[string]any) {
	if w == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := w.AppendEvent(tick, kind, raw); err != nil {
		e.log.Warn("replay event append failed", logging.MatchID(id), logging.String("kind", kind), logging.Error(err))
	}
}
