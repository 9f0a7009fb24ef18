package event

import (
	"sync/atomic"
	"time"
)

// sequence is the process-wide envelope counter. Clients use it to detect
// out-of-order delivery across transports.
var sequence atomic.Uint64

// nextSequence returns the next envelope sequence number, starting at 1.
func nextSequence() uint64 {
	return sequence.Add(1)
}

// Envelope is the wire format for events delivered to clients. The same JSON
// shape is used on WebSocket and SSE channels so a client can merge both
// streams by sequence number.
//
// Identifier fields are strings on the wire regardless of their internal
// representation.
type Envelope struct {
	EventType Type           `json:"event_type"`
	Data      map[string]any `json:"data"`
	PlayerID  string         `json:"player_id,omitempty"`
	RoomID    string         `json:"room_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Sequence  uint64         `json:"sequence"`
}

// NewEnvelope builds an envelope for the given type and payload, stamped with
// the current time and the next sequence number.
//
// Precondition: t must be non-empty. A nil data map is replaced with an empty one.
// Postcondition: Returns an Envelope with a unique, monotonically increasing Sequence.
func NewEnvelope(t Type, data map[string]any) Envelope {
	if data == nil {
		data = map[string]any{}
	}
	return Envelope{
		EventType: t,
		Data:      data,
		Timestamp: time.Now(),
		Sequence:  nextSequence(),
	}
}
