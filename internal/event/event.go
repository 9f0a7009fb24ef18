// Package event defines the event types exchanged between game systems and
// connected clients, and the JSON envelope they travel in.
package event

import "time"

// Type identifies a category of event.
type Type string

// Event types published on the bus and delivered to clients.
const (
	TypePlayerConnected    Type = "player_connected"
	TypePlayerDisconnected Type = "player_disconnected"
	TypePlayerEnteredGame  Type = "player_entered_game"
	TypePlayerLeftGame     Type = "player_left_game"
	TypeChatMessage        Type = "chat_message"
	TypeRoomOccupants      Type = "room_occupants"
	TypeGameState          Type = "game_state"
	TypeGameTick           Type = "game_tick"
)

// Event is implemented by all events that travel through the bus.
type Event interface {
	// EventType returns the event's type identifier.
	EventType() Type
	// OccurredAt returns the time the event was created.
	OccurredAt() time.Time
}

// Base carries the fields common to all events. Concrete events embed it.
type Base struct {
	Timestamp time.Time
}

// NewBase returns a Base stamped with the current time.
func NewBase() Base {
	return Base{Timestamp: time.Now()}
}

// OccurredAt returns the time the event was created.
func (b Base) OccurredAt() time.Time {
	return b.Timestamp
}

// PlayerConnected signals that a player established their first live connection.
type PlayerConnected struct {
	Base
	PlayerID     string
	ConnectionID string
	Transport    string
}

// EventType returns TypePlayerConnected.
func (PlayerConnected) EventType() Type { return TypePlayerConnected }

// PlayerDisconnected signals that a player's last live connection closed.
type PlayerDisconnected struct {
	Base
	PlayerID string
	RoomID   string
}

// EventType returns TypePlayerDisconnected.
func (PlayerDisconnected) EventType() Type { return TypePlayerDisconnected }

// ChatMessage is a chat line spoken by a player in a room.
type ChatMessage struct {
	Base
	PlayerID string
	RoomID   string
	Channel  string
	Text     string
}

// EventType returns TypeChatMessage.
func (ChatMessage) EventType() Type { return TypeChatMessage }

// GameTick is emitted by the game loop at a fixed cadence.
type GameTick struct {
	Base
	Number uint64
}

// EventType returns TypeGameTick.
func (GameTick) EventType() Type { return TypeGameTick }
