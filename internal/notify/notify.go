// Package notify pushes asynchronous match and tournament events to idle clients. Every user
// owns one group; publishers address users, never connections.
package notify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"paddlearena/server/internal/logging"
)

// Event names delivered on a user's notification channel.
const (
	EventNewInvite           = "new_match_invite"
	EventInviteAccepted      = "match_invite_accepted"
	EventInviteRefused       = "match_invite_refused"
	EventTournamentWaiting   = "tournament_waiting"
	EventTournamentMatch     = "tournament_match_start"
	EventTournamentCompleted = "tournament_completed"
	EventTournamentCancelled = "tournament_cancelled"
	EventTournamentError     = "tournament_error"
)

// subjectPrefix namespaces per-user groups on every backend.
const subjectPrefix = "arena.user."

var (
	// ErrClosed is returned once a bus has been closed.
	ErrClosed = errors.New("notification bus closed")
	// ErrInvalidUser is returned for an empty or malformed user id.
	ErrInvalidUser = errors.New("invalid notification recipient")
)

// Event is a single notification. Data holds the event specific fields.
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Bus delivers events to every live subscriber of a user.
type Bus interface {
	Publish(ctx context.Context, userID string, event Event) error
	// Subscribe returns a channel that is closed when ctx ends or the bus closes.
	Subscribe(ctx context.Context, userID string) (<-chan Event, error)
	Close() error
}

// Subject returns the group name of a user. The id is base64url encoded so dots, spaces and
// wildcards in user ids never reach the subject grammar of the broker.
func Subject(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("%w %q", ErrInvalidUser, userID)
	}
	return subjectPrefix + base64.RawURLEncoding.EncodeToString([]byte(userID)), nil
}

// Broadcast publishes event to every distinct user. It returns the first failure after
// attempting all recipients.
func Broadcast(ctx context.Context, bus Bus, users []string, event Event) error {
	if bus == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(users))
	var firstErr error
	for _, user := range users {
		if _, ok := seen[user]; ok {
			continue
		}
		seen[user] = struct{}{}
		if err := bus.Publish(ctx, user, event); err != nil {
			logging.LoggerFromContext(ctx).Warn("notification publish failed",
				logging.UserID(user), logging.String("event", event.Type), logging.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func encode(event Event) ([]byte, error) {
	if event.Type == "" {
		return nil, errors.New("notification event type must not be empty")
	}
	return json.Marshal(event)
}

func decode(payload []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return Event{}, fmt.Errorf("decode notification: %w", err)
	}
	return event, nil
}

// Nop discards every event.
type Nop struct{}

// Publish implements Bus.
func (Nop) Publish(context.Context, string, Event) error { return nil }

// Subscribe implements Bus; the channel closes with ctx.
func (Nop) Subscribe(ctx context.Context, _ string) (<-chan Event, error) {
	out := make(chan Event)
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}

// Close implements Bus.
func (Nop) Close() error { return nil }
