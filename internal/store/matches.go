package store

import (
	"context"
	"fmt"
	"math"

	"github.com/jmoiron/sqlx"
)

const (
	defaultRating = 1000
	ratingK       = 32
)

// CreateMatch inserts a new match in the playing state.
func (s *Store) CreateMatch(ctx context.Context, m Match) error {
	if m.Status == "" {
		m.Status = MatchPlaying
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO matches
		(id, name, mode, player_1, player_2, score_1, score_2, status, tournament_id, round, created_at)
		VALUES (:id, :name, :mode, :player_1, :player_2, :score_1, :score_2, :status, :tournament_id, :round, :created_at)`, m)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// GetMatch loads a match by id.
func (s *Store) GetMatch(ctx context.Context, id string) (Match, error) {
	var m Match
	err := s.db.GetContext(ctx, &m, s.q(`SELECT * FROM matches WHERE id = ?`), id)
	return m, notFound(err)
}

// UpdateMatchScore writes the running score of a match that is still playing.
func (s *Store) UpdateMatchScore(ctx context.Context, id string, score1, score2 int) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE matches SET score_1 = ?, score_2 = ? WHERE id = ? AND status = ?`),
		score1, score2, id, MatchPlaying)
	if err := expectOne(res, err); err != nil {
		if err == ErrConflict {
			return fmt.Errorf("update score of %s: %w", id, ErrConflict)
		}
		return err
	}
	return nil
}

// FinishMatch records the terminal outcome and updates both players' aggregates in one
// transaction. Finishing an already finished match is a no-op.
func (s *Store) FinishMatch(ctx context.Context, r MatchResult) error {
	if r.FinishedAt.IsZero() {
		r.FinishedAt = s.now().UTC()
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var m Match
		if err := tx.GetContext(ctx, &m, tx.Rebind(`SELECT * FROM matches WHERE id = ?`), r.ID); err != nil {
			return notFound(err)
		}
		if m.Status != MatchPlaying {
			return nil
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE matches
			SET score_1 = ?, score_2 = ?, status = ?, winner = ?, loser = ?, end_reason = ?, finished_at = ?
			WHERE id = ?`),
			r.Score1, r.Score2, MatchDone, StringPtr(r.Winner), StringPtr(r.Loser), StringPtr(r.Reason), r.FinishedAt, r.ID); err != nil {
			return err
		}
		//1.- Local matches have the same player on both sides and do not count towards aggregates.
		if r.Winner == "" || r.Loser == "" || r.Winner == r.Loser {
			return nil
		}
		return s.recordResult(ctx, tx, r.Winner, r.Loser)
	})
}

// CancelMatch marks a playing match as cancelled. A match that already left playing is a
// conflict.
func (s *Store) CancelMatch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE matches SET status = ?, finished_at = ? WHERE id = ? AND status = ?`),
		MatchCancelled, s.now().UTC(), id, MatchPlaying)
	return expectOne(res, err)
}

// ListTournamentMatches returns every match linked to a tournament, oldest first.
func (s *Store) ListTournamentMatches(ctx context.Context, tournamentID string) ([]Match, error) {
	var out []Match
	err := s.db.SelectContext(ctx, &out, s.q(`SELECT * FROM matches WHERE tournament_id = ? ORDER BY created_at ASC, id ASC`), tournamentID)
	return out, err
}

// GetPlayerStats returns the aggregates of a player; players without results get defaults.
func (s *Store) GetPlayerStats(ctx context.Context, userID string) (PlayerStats, error) {
	var st PlayerStats
	err := s.db.GetContext(ctx, &st, s.q(`SELECT * FROM player_stats WHERE user_id = ?`), userID)
	if err := notFound(err); err == ErrNotFound {
		return PlayerStats{UserID: userID, Rating: defaultRating}, nil
	} else if err != nil {
		return PlayerStats{}, err
	}
	return st, nil
}

func (s *Store) recordResult(ctx context.Context, tx *sqlx.Tx, winner, loser string) error {
	load := func(user string) (PlayerStats, error) {
		var st PlayerStats
		err := tx.GetContext(ctx, &st, tx.Rebind(`SELECT * FROM player_stats WHERE user_id = ?`), user)
		if err := notFound(err); err == ErrNotFound {
			return PlayerStats{UserID: user, Rating: defaultRating}, nil
		} else if err != nil {
			return PlayerStats{}, err
		}
		return st, nil
	}
	w, err := load(winner)
	if err != nil {
		return err
	}
	l, err := load(loser)
	if err != nil {
		return err
	}
	gain := eloGain(w.Rating, l.Rating)
	w.Rating += gain
	l.Rating -= gain
	w.MatchesPlayed++
	w.MatchesWon++
	l.MatchesPlayed++
	l.MatchesLost++
	now := s.now().UTC()
	for _, st := range []*PlayerStats{&w, &l} {
		st.WinRatio = float64(st.MatchesWon) / float64(st.MatchesPlayed)
		st.UpdatedAt = now
		if _, err := tx.NamedExecContext(ctx, `INSERT INTO player_stats
			(user_id, matches_played, matches_won, matches_lost, win_ratio, rating, updated_at)
			VALUES (:user_id, :matches_played, :matches_won, :matches_lost, :win_ratio, :rating, :updated_at)
			ON CONFLICT (user_id) DO UPDATE SET
				matches_played = excluded.matches_played,
				matches_won = excluded.matches_won,
				matches_lost = excluded.matches_lost,
				win_ratio = excluded.win_ratio,
				rating = excluded.rating,
				updated_at = excluded.updated_at`, st); err != nil {
			return err
		}
	}
	return nil
}

// eloGain is the rating points the winner takes from the loser.
func eloGain(winner, loser int) int {
	expected := 1 / (1 + math.Pow(10, float64(loser-winner)/400))
	return int(math.Round(ratingK * (1 - expected)))
}

// ListUnfinishedTournamentMatches returns tournament-linked matches still playing, used to
// restore live state after a restart.
func (s *Store) ListUnfinishedTournamentMatches(ctx context.Context) ([]Match, error) {
	var out []Match
	err := s.db.SelectContext(ctx, &out, s.q(`SELECT * FROM matches WHERE tournament_id IS NOT NULL AND status = ? ORDER BY created_at ASC`), MatchPlaying)
	return out, err
}
