package store

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"
)

// CreateTournament inserts a pending tournament, seats its creator and stores one invite per
// invitee in a single transaction.
func (s *Store) CreateTournament(ctx context.Context, t Tournament, invites []Invite) error {
	now := s.now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.Status = TournamentPending
	t.CurrentRound = RoundPending
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, `INSERT INTO tournaments
			(id, name, slug, creator, status, current_round, created_at)
			VALUES (:id, :name, :slug, :creator, :status, :current_round, :created_at)`, t); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return err
		}
		seat := Participant{TournamentID: t.ID, UserID: t.Creator, Seat: 1, JoinedAt: t.CreatedAt}
		if _, err := tx.NamedExecContext(ctx, `INSERT INTO tournament_participants (tournament_id, user_id, seat, joined_at)
			VALUES (:tournament_id, :user_id, :seat, :joined_at)`, seat); err != nil {
			return err
		}
		for _, inv := range invites {
			inv.Mode = InviteTournament
			inv.Status = InvitePending
			inv.TournamentID = &t.ID
			if inv.CreatedAt.IsZero() {
				inv.CreatedAt = t.CreatedAt
			}
			if err := insertInvite(ctx, tx, inv); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetTournament loads a tournament by id.
func (s *Store) GetTournament(ctx context.Context, id string) (Tournament, error) {
	var t Tournament
	err := s.db.GetContext(ctx, &t, s.q(`SELECT * FROM tournaments WHERE id = ?`), id)
	return t, notFound(err)
}

// ListTournamentsByStatus returns tournaments in a status, oldest first.
func (s *Store) ListTournamentsByStatus(ctx context.Context, status TournamentStatus) ([]Tournament, error) {
	var out []Tournament
	err := s.db.SelectContext(ctx, &out, s.q(`SELECT * FROM tournaments WHERE status = ? ORDER BY created_at ASC`), status)
	return out, err
}

// ListParticipants returns the seats of a tournament ordered by seat number.
func (s *Store) ListParticipants(ctx context.Context, tournamentID string) ([]Participant, error) {
	var out []Participant
	err := s.db.SelectContext(ctx, &out, s.q(`SELECT * FROM tournament_participants WHERE tournament_id = ? ORDER BY seat ASC`), tournamentID)
	return out, err
}

// JoinResult reports the bracket after a successful join.
type JoinResult struct {
	Participants []Participant
	Started      bool
}

// JoinTournament accepts a tournament invite: it seats the user, marks the invite accepted and,
// when the seat filled the bracket, moves the tournament to the semifinals. All of it commits
// together or not at all.
func (s *Store) JoinTournament(ctx context.Context, tournamentID, inviteID, userID string) (JoinResult, error) {
	var result JoinResult
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var status TournamentStatus
		if err := tx.GetContext(ctx, &status, tx.Rebind(`SELECT status FROM tournaments WHERE id = ?`), tournamentID); err != nil {
			return notFound(err)
		}
		var seats []Participant
		if err := tx.SelectContext(ctx, &seats, tx.Rebind(`SELECT * FROM tournament_participants WHERE tournament_id = ? ORDER BY seat ASC`), tournamentID); err != nil {
			return err
		}
		//1.- Duplicate and capacity checks win over the status check so callers get the precise reason.
		for _, p := range seats {
			if p.UserID == userID {
				return ErrDuplicate
			}
		}
		if len(seats) >= Capacity {
			return ErrCapacity
		}
		if status != TournamentPending {
			return ErrConflict
		}
		now := s.now().UTC()
		seat := Participant{TournamentID: tournamentID, UserID: userID, Seat: len(seats) + 1, JoinedAt: now}
		if _, err := tx.NamedExecContext(ctx, `INSERT INTO tournament_participants (tournament_id, user_id, seat, joined_at)
			VALUES (:tournament_id, :user_id, :seat, :joined_at)`, seat); err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return err
		}
		if err := expectOne(tx.ExecContext(ctx, tx.Rebind(`UPDATE invites SET status = ?, responded_at = ?
			WHERE id = ? AND status = ? AND recipient = ? AND tournament_id = ?`),
			InviteAccepted, now, inviteID, InvitePending, userID, tournamentID)); err != nil {
			return err
		}
		seats = append(seats, seat)
		if len(seats) == Capacity {
			if err := expectOne(tx.ExecContext(ctx, tx.Rebind(`UPDATE tournaments SET status = ?, current_round = ?
				WHERE id = ? AND status = ?`),
				TournamentInProgress, RoundSemifinals, tournamentID, TournamentPending)); err != nil {
				return err
			}
			result.Started = true
		}
		result.Participants = seats
		return nil
	})
	return result, err
}

// SetSemifinals stores the two semifinal match references once.
func (s *Store) SetSemifinals(ctx context.Context, tournamentID, first, second string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE tournaments SET semifinal_1 = ?, semifinal_2 = ?
		WHERE id = ? AND status = ? AND current_round = ? AND semifinal_1 IS NULL`),
		first, second, tournamentID, TournamentInProgress, RoundSemifinals)
	return expectOne(res, err)
}

// AdvanceToFinal moves a tournament from the semifinals to the final. It fails with
// ErrConflict when another caller already advanced it.
func (s *Store) AdvanceToFinal(ctx context.Context, tournamentID, finalMatchID string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE tournaments SET current_round = ?, final_match = ?
		WHERE id = ? AND status = ? AND current_round = ?`),
		RoundFinal, finalMatchID, tournamentID, TournamentInProgress, RoundSemifinals)
	return expectOne(res, err)
}

// CompleteTournament records the champion. It fails with ErrConflict when the tournament was
// already completed or is not in its final.
func (s *Store) CompleteTournament(ctx context.Context, tournamentID, champion string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE tournaments SET status = ?, champion = ?, completed_at = ?
		WHERE id = ? AND status = ? AND current_round = ?`),
		TournamentCompleted, champion, s.now().UTC(), tournamentID, TournamentInProgress, RoundFinal)
	return expectOne(res, err)
}

// CancelTournament cancels a tournament that is still in one of the given statuses and expires
// its pending invites.
func (s *Store) CancelTournament(ctx context.Context, tournamentID, reason string, from ...TournamentStatus) error {
	if len(from) == 0 {
		return errors.New("cancel requires at least one source status")
	}
	now := s.now().UTC()
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		query, args, err := sqlx.In(`UPDATE tournaments SET status = ?, error = ?, completed_at = ?
			WHERE id = ? AND status IN (?)`, TournamentCancelled, StringPtr(reason), now, tournamentID, from)
		if err != nil {
			return err
		}
		if err := expectOne(tx.ExecContext(ctx, tx.Rebind(query), args...)); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE invites SET status = ?, responded_at = ?
			WHERE tournament_id = ? AND status = ?`), InviteExpired, now, tournamentID, InvitePending)
		return err
	})
}
