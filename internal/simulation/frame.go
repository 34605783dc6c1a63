package simulation

import (
	"encoding/json"

	"paddlearena/server/internal/match"
)

// Frame types pushed to match subscribers.
const (
	FrameInit  = "init"
	FrameState = "state"
)

// Frame is the wire form of a snapshot.
type Frame struct {
	Type string `json:"type"`
	match.Snapshot
}

// EncodeFrame renders a snapshot as a typed JSON frame.
func EncodeFrame(kind string, snap match.Snapshot) []byte {
	payload, err := json.Marshal(Frame{Type: kind, Snapshot: snap})
	if err != nil {
		//1.- Snapshots only hold numbers and strings; a failure here is a programming error.
		panic(err)
	}
	return payload
}
