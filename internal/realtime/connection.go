package realtime

import (
	"time"
)

// Kind identifies a transport type.
type Kind string

// Supported transports.
const (
	KindWebSocket Kind = "websocket"
	KindSSE       Kind = "sse"
)

// ConnState is a connection's lifecycle state.
//
// Transitions: Establishing → Active ⇄ Active(unhealthy) → Terminated.
// Terminated is terminal; a connection never re-enters Establishing. Healthy
// toggling within Active is tracked by ConnectionMeta.Healthy.
type ConnState string

const (
	StateEstablishing ConnState = "establishing"
	StateActive       ConnState = "active"
	StateTerminated   ConnState = "terminated"
)

// ConnectionMeta is the manager-owned record for one live connection.
// It is created on connect, mutated by health checks and MarkSeen, and
// destroyed on disconnect. External code receives copies only.
type ConnectionMeta struct {
	ID            string    `json:"connection_id"`
	PlayerID      string    `json:"player_id"`
	Transport     Kind      `json:"connection_type"`
	SessionID     string    `json:"session_id"`
	EstablishedAt time.Time `json:"established_at"`
	LastSeen      time.Time `json:"last_seen"`
	Healthy       bool      `json:"is_healthy"`
	State         ConnState `json:"state"`
}

// connection pairs the metadata with its live transport handle. Internal to
// the manager; the handle is never exposed.
type connection struct {
	meta      ConnectionMeta
	transport Transport
}

// snapshot returns a copy of the metadata safe to hand outside the lock.
func (c *connection) snapshot() ConnectionMeta {
	return c.meta
}
