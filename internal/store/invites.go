package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// CreateInvite stores a pending invite. A second pending direct invite between the same
// sender and recipient fails with ErrDuplicate.
func (s *Store) CreateInvite(ctx context.Context, inv Invite) error {
	if inv.Status == "" {
		inv.Status = InvitePending
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = s.now().UTC()
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		return insertInvite(ctx, tx, inv)
	})
}

func insertInvite(ctx context.Context, tx *sqlx.Tx, inv Invite) error {
	_, err := tx.NamedExecContext(ctx, `INSERT INTO invites
		(id, sender, recipient, mode, status, tournament_id, match_id, created_at)
		VALUES (:id, :sender, :recipient, :mode, :status, :tournament_id, :match_id, :created_at)`, inv)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// GetInvite loads an invite by id.
func (s *Store) GetInvite(ctx context.Context, id string) (Invite, error) {
	var inv Invite
	err := s.db.GetContext(ctx, &inv, s.q(`SELECT * FROM invites WHERE id = ?`), id)
	return inv, notFound(err)
}

// UpdateInviteStatus moves a pending invite addressed to recipient into status. matchID is
// attached when an accepted direct invite created a match. It fails with ErrConflict when
// the invite was already answered.
func (s *Store) UpdateInviteStatus(ctx context.Context, id, recipient string, status InviteStatus, matchID string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE invites SET status = ?, responded_at = ?, match_id = COALESCE(?, match_id)
		WHERE id = ? AND recipient = ? AND status = ?`),
		status, s.now().UTC(), StringPtr(matchID), id, recipient, InvitePending)
	return expectOne(res, err)
}

// ListPendingInvites returns the pending invites addressed to a user, newest first.
func (s *Store) ListPendingInvites(ctx context.Context, recipient string) ([]Invite, error) {
	var out []Invite
	err := s.db.SelectContext(ctx, &out, s.q(`SELECT * FROM invites WHERE recipient = ? AND status = ? ORDER BY created_at DESC, id ASC`),
		recipient, InvitePending)
	return out, err
}

// ExpireInvites marks pending direct invites created before cutoff as expired and returns
// them.
func (s *Store) ExpireInvites(ctx context.Context, cutoff time.Time) ([]Invite, error) {
	var expired []Invite
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.SelectContext(ctx, &expired, tx.Rebind(`SELECT * FROM invites
			WHERE status = ? AND mode = ? AND created_at < ? ORDER BY created_at ASC`),
			InvitePending, InviteDirect, cutoff.UTC()); err != nil {
			return err
		}
		now := s.now().UTC()
		for i := range expired {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE invites SET status = ?, responded_at = ? WHERE id = ? AND status = ?`),
				InviteExpired, now, expired[i].ID, InvitePending); err != nil {
				return err
			}
			expired[i].Status = InviteExpired
			expired[i].RespondedAt = &now
		}
		return nil
	})
	return expired, err
}
