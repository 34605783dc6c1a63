package grpc

import (
	"errors"

	"paddlearena/server/internal/fanout"
	"paddlearena/server/internal/match"
)

// ErrUnknownMatch is returned by a feed when no live match has the requested id.
var ErrUnknownMatch = errors.New("unknown match")

// MatchFeed exposes the live frames of one match.
type MatchFeed interface {
	// Subscribe joins the broadcast group of matchID. The returned channel closes when the
	// match ends; cancel releases the subscription.
	Subscribe(matchID string) (frames <-chan fanout.Message, cancel func(), err error)
	// Snapshot returns the current state used for the first frame.
	Snapshot(matchID string) (match.Snapshot, error)
}

// HubFeed serves frames straight from the in-process broadcast hub.
type HubFeed struct {
	registry *match.Registry
	hub      *fanout.Hub
}

// NewHubFeed wires a feed over the match registry and its broadcast hub.
func NewHubFeed(registry *match.Registry, hub *fanout.Hub) *HubFeed {
	return &HubFeed{registry: registry, hub: hub}
}

func (f *HubFeed) Subscribe(matchID string) (<-chan fanout.Message, func(), error) {
	if !f.registry.Exists(matchID) {
		return nil, func() {}, ErrUnknownMatch
	}
	sub := f.hub.Subscribe(matchID)
	return sub.C(), sub.Close, nil
}

func (f *HubFeed) Snapshot(matchID string) (match.Snapshot, error) {
	snap, err := f.registry.Snapshot(matchID)
	if errors.Is(err, match.ErrMatchNotFound) {
		return match.Snapshot{}, ErrUnknownMatch
	}
	return snap, err
}
