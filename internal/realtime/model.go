// Package realtime implements the real-time communication core: multi-transport
// connection lifecycle, session identity, presence, room and global broadcast,
// rate limiting, health monitoring, and bounded memory cleanup.
package realtime

import (
	"context"
	"time"

	"github.com/cory-johannsen/mudlink/internal/event"
)

// Player is the display and location data the connection layer needs from
// persistence. Game-logic attributes live elsewhere.
type Player struct {
	ID            string
	Name          string
	DisplayName   string
	Profession    string
	CurrentRoomID string
	LastActive    time.Time
}

// Room is the location data needed for canonical room-id resolution.
type Room struct {
	ID   string
	Name string
	Zone string
}

// Transport is the handle contract a transport adapter supplies for one client
// connection. Every method may fail; failure is treated as connection death.
type Transport interface {
	// Accept completes the transport handshake.
	Accept(ctx context.Context) error
	// Close terminates the connection with a close code and reason.
	Close(code int, reason string) error
	// SendJSON serializes v and writes it to the client.
	SendJSON(ctx context.Context, v any) error
	// Ping probes connection liveness within ctx's deadline.
	Ping(ctx context.Context) error
}

// PlayerStore resolves player display data for presence and room placement.
// Implementations must be safe for concurrent use and report missing players
// as ErrPlayerNotFound.
type PlayerStore interface {
	GetPlayer(ctx context.Context, id string) (*Player, error)
	GetPlayerByName(ctx context.Context, name string) (*Player, error)
}

// RoomStore resolves canonical room identifiers. Implementations report
// missing rooms as ErrRoomNotFound.
type RoomStore interface {
	GetRoom(ctx context.Context, id string) (*Room, error)
}

// StatePusher delivers the initial game-state snapshot when a player's first
// connection is established.
type StatePusher interface {
	PushInitialState(ctx context.Context, playerID string) error
}

// Publisher lets the manager emit lifecycle events without knowing who
// listens. *eventbus.Bus satisfies it.
type Publisher interface {
	Publish(ev event.Event) error
}

// Presence describes a player with at least one live connection.
type Presence struct {
	PlayerID         string       `json:"player_id"`
	Name             string       `json:"name"`
	ConnectedAt      time.Time    `json:"connected_at"`
	LastSeen         time.Time    `json:"last_seen"`
	RoomID           string       `json:"room_id"`
	Transports       map[Kind]int `json:"transports"`
	TotalConnections int          `json:"total_connections"`
}

// clone returns a copy safe to hand outside the manager's lock.
func (p *Presence) clone() Presence {
	out := *p
	out.Transports = make(map[Kind]int, len(p.Transports))
	for k, v := range p.Transports {
		out.Transports[k] = v
	}
	return out
}
