package input

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"paddlearena/server/internal/match"
)

var (
	// ErrEmptyPayload is returned for an empty frame.
	ErrEmptyPayload = errors.New("empty payload")
	// ErrMalformedPayload is returned when a frame is not a JSON object.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrIdentityMismatch is returned when player_id is not the authenticated user.
	ErrIdentityMismatch = errors.New("player_id does not match the authenticated user")
	// ErrPaddleRequired is returned when a local match action names no paddle.
	ErrPaddleRequired = errors.New("paddle is required in local mode")
)

// TypePing marks a keepalive frame.
const TypePing = "ping"

// Message is one inbound client frame.
type Message struct {
	Type     string `json:"type,omitempty"`
	Action   string `json:"action"`
	PlayerID string `json:"player_id"`
	Paddle   string `json:"paddle,omitempty"`
}

// Command is a validated action bound to the side it moves.
type Command struct {
	Side   match.Side
	Action match.Action
}

// Decode parses a frame. Unknown fields are ignored so clients may attach diagnostics.
func Decode(raw []byte) (Message, error) {
	//1.- Ensure we have data to decode before hitting JSON parsing.
	if len(strings.TrimSpace(string(raw))) == 0 {
		return Message{}, ErrEmptyPayload
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return msg, nil
}

// IsPing reports whether the frame is a keepalive.
func (m Message) IsPing() bool { return strings.EqualFold(strings.TrimSpace(m.Type), TypePing) }

// Resolve validates the frame against the match and the authenticated user. It must run under
// the match lock.
func Resolve(msg Message, user string, s *match.State) (Command, error) {
	action, err := match.ParseAction(msg.Action)
	if err != nil {
		return Command{}, err
	}
	//1.- The declared player id is a consistency check, never a source of identity.
	if strings.TrimSpace(msg.PlayerID) != user {
		return Command{}, ErrIdentityMismatch
	}
	if s.Status == match.StatusDone {
		return Command{}, match.ErrMatchDone
	}
	if s.Mode == match.ModeLocal {
		if strings.TrimSpace(msg.Paddle) == "" {
			return Command{}, ErrPaddleRequired
		}
		side, err := match.ParseSide(msg.Paddle)
		if err != nil {
			return Command{}, err
		}
		if !s.IsParticipant(user) {
			return Command{}, match.ErrNotParticipant
		}
		return Command{Side: side, Action: action}, nil
	}
	//2.- Online players only ever move their own paddle; a paddle hint is ignored.
	side, err := s.SideOf(user)
	if err != nil {
		return Command{}, err
	}
	return Command{Side: side, Action: action}, nil
}

// Reason maps a rejection to the short machine readable reason sent to clients.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrEmptyPayload):
		return "empty_payload"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, ErrIdentityMismatch):
		return "player_mismatch"
	case errors.Is(err, ErrPaddleRequired):
		return "paddle_required"
	case errors.Is(err, match.ErrUnknownSide):
		return "invalid_paddle"
	case errors.Is(err, match.ErrUnknownAction):
		return "unknown_action"
	case errors.Is(err, match.ErrNotParticipant):
		return "not_participant"
	case errors.Is(err, match.ErrMatchDone):
		return "match_finished"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case err == nil:
		return ""
	default:
		return "invalid_input"
	}
}
