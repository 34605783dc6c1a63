// Package lobby creates direct games and runs one-to-one invites.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"paddlearena/server/internal/logging"
	"paddlearena/server/internal/notify"
	"paddlearena/server/internal/simulation"
	"paddlearena/server/internal/store"
)

var (
	// ErrMissingUser is returned when a request names no user.
	ErrMissingUser = errors.New("missing user")
	// ErrSelfInvite is returned when a user invites themself.
	ErrSelfInvite = errors.New("cannot invite yourself")
	// ErrDuplicateInvite is returned when a pending invite already links the pair.
	ErrDuplicateInvite = errors.New("invite already pending")
	// ErrInvalidInvite is returned for unknown, foreign or already answered invites.
	ErrInvalidInvite = errors.New("invalid invite")
)

// Store is the invite storage the lobby needs.
type Store interface {
	CreateInvite(ctx context.Context, inv store.Invite) error
	GetInvite(ctx context.Context, id string) (store.Invite, error)
	UpdateInviteStatus(ctx context.Context, id, recipient string, status store.InviteStatus, matchID string) error
	ListPendingInvites(ctx context.Context, recipient string) ([]store.Invite, error)
	ExpireInvites(ctx context.Context, cutoff time.Time) ([]store.Invite, error)
}

// Games creates matches and withdraws the ones nobody will play.
type Games interface {
	CreateMatch(ctx context.Context, spec simulation.MatchSpec) (string, error)
	CancelMatch(ctx context.Context, id string) error
}

// Option configures a Service.
type Option func(*Service)

// WithLogger overrides the service logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the time source used for expiry cutoffs.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithIDGenerator overrides invite id generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// Service implements game creation and direct invites.
type Service struct {
	store Store
	games Games
	bus   notify.Bus
	log   *logging.Logger
	now   func() time.Time
	newID func() string

	// acceptMu serialises acceptance so one invite never yields two matches.
	acceptMu sync.Mutex
}

// New wires a lobby service. A nil bus drops notifications.
func New(st Store, games Games, bus notify.Bus, opts ...Option) *Service {
	s := &Service{
		store: st,
		games: games,
		bus:   bus,
		log:   logging.L(),
		now:   time.Now,
		newID: uuid.NewString,
	}
	if s.bus == nil {
		s.bus = notify.Nop{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateGame starts a match for creator. An empty opponent, or the creator again, makes a
// local game driven by one connection.
func (s *Service) CreateGame(ctx context.Context, creator, opponent string) (string, error) {
	creator = strings.TrimSpace(creator)
	opponent = strings.TrimSpace(opponent)
	if creator == "" {
		return "", ErrMissingUser
	}
	if opponent == "" {
		opponent = creator
	}
	name := creator + " vs " + opponent
	if opponent == creator {
		name = creator + " local"
	}
	id, err := s.games.CreateMatch(ctx, simulation.MatchSpec{Name: name, Player1: creator, Player2: opponent})
	if err != nil {
		return "", fmt.Errorf("create game: %w", err)
	}
	return id, nil
}

// SendInvite stores a direct invite and notifies the recipient.
func (s *Service) SendInvite(ctx context.Context, sender, recipient string) (store.Invite, error) {
	sender = strings.TrimSpace(sender)
	recipient = strings.TrimSpace(recipient)
	if sender == "" || recipient == "" {
		return store.Invite{}, ErrMissingUser
	}
	if sender == recipient {
		return store.Invite{}, ErrSelfInvite
	}
	inv := store.Invite{
		ID:        s.newID(),
		Sender:    sender,
		Recipient: recipient,
		Mode:      store.InviteDirect,
		Status:    store.InvitePending,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateInvite(ctx, inv); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return store.Invite{}, ErrDuplicateInvite
		}
		return store.Invite{}, fmt.Errorf("store invite: %w", err)
	}
	s.publish(ctx, recipient, notify.NewInvite(inv.ID, sender, string(inv.Mode), ""))
	s.log.Info("invite sent", logging.String("invite_id", inv.ID), logging.String("from", sender), logging.String("to", recipient))
	return inv, nil
}

// AcceptInvite answers a pending direct invite with a fresh online match and tells both players.
func (s *Service) AcceptInvite(ctx context.Context, inviteID, acceptor string) (string, error) {
	s.acceptMu.Lock()
	defer s.acceptMu.Unlock()

	inv, err := s.pendingFor(ctx, inviteID, acceptor)
	if err != nil {
		return "", err
	}
	matchID, err := s.games.CreateMatch(ctx, simulation.MatchSpec{
		Name:    inv.Sender + " vs " + inv.Recipient,
		Player1: inv.Sender,
		Player2: inv.Recipient,
	})
	if err != nil {
		return "", fmt.Errorf("create invited match: %w", err)
	}
	if err := s.store.UpdateInviteStatus(ctx, inv.ID, acceptor, store.InviteAccepted, matchID); err != nil {
		//1.- The invite changed underneath us; the match it would have linked is withdrawn.
		if cerr := s.games.CancelMatch(ctx, matchID); cerr != nil {
			s.log.Error("unlinked invite match not cancelled", logging.MatchID(matchID), logging.Error(cerr))
		}
		if errors.Is(err, store.ErrConflict) {
			return "", ErrInvalidInvite
		}
		return "", fmt.Errorf("accept invite: %w", err)
	}
	event := notify.InviteAccepted(inv.ID, matchID)
	if err := notify.Broadcast(ctx, s.bus, []string{inv.Sender, inv.Recipient}, event); err != nil {
		s.log.Warn("invite accepted notification failed", logging.Error(err))
	}
	s.log.Info("invite accepted", logging.String("invite_id", inv.ID), logging.MatchID(matchID))
	return matchID, nil
}

// RejectInvite refuses a pending direct invite and tells the sender.
func (s *Service) RejectInvite(ctx context.Context, inviteID, user string) error {
	inv, err := s.pendingFor(ctx, inviteID, user)
	if err != nil {
		return err
	}
	if err := s.store.UpdateInviteStatus(ctx, inv.ID, user, store.InviteRefused, ""); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ErrInvalidInvite
		}
		return fmt.Errorf("refuse invite: %w", err)
	}
	s.publish(ctx, inv.Sender, notify.InviteRefused(inv.ID, user))
	return nil
}

// PendingInvites lists what still waits for an answer from user, tournament seats included.
func (s *Service) PendingInvites(ctx context.Context, user string) ([]store.Invite, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return nil, ErrMissingUser
	}
	return s.store.ListPendingInvites(ctx, user)
}

// ExpireStale expires direct invites older than ttl and returns how many it touched.
func (s *Service) ExpireStale(ctx context.Context, ttl time.Duration) (int, error) {
	expired, err := s.store.ExpireInvites(ctx, s.now().Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("expire invites: %w", err)
	}
	if len(expired) > 0 {
		s.log.Info("stale invites expired", logging.Int("count", len(expired)))
	}
	return len(expired), nil
}

// pendingFor loads a direct invite that user may still answer.
func (s *Service) pendingFor(ctx context.Context, inviteID, user string) (store.Invite, error) {
	inv, err := s.store.GetInvite(ctx, inviteID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Invite{}, ErrInvalidInvite
	}
	if err != nil {
		return store.Invite{}, fmt.Errorf("load invite: %w", err)
	}
	if inv.Mode != store.InviteDirect || inv.Recipient != user || inv.Status != store.InvitePending {
		return store.Invite{}, ErrInvalidInvite
	}
	return inv, nil
}

func (s *Service) publish(ctx context.Context, user string, event notify.Event) {
	if err := s.bus.Publish(ctx, user, event); err != nil {
		s.log.Warn("notification publish failed", logging.UserID(user), logging.String("event", event.Type), logging.Error(err))
	}
}
