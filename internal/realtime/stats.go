package realtime

import (
	"context"
	"sort"
)

// ConnectionCount breaks a player's live connections down by transport.
type ConnectionCount struct {
	Websocket int `json:"websocket"`
	SSE       int `json:"sse"`
	Total     int `json:"total"`
}

// HealthSummary aggregates connection health across all players.
type HealthSummary struct {
	Players     int          `json:"players"`
	Connections int          `json:"connections"`
	Healthy     int          `json:"healthy"`
	Unhealthy   int          `json:"unhealthy"`
	ByTransport map[Kind]int `json:"by_transport"`
}

// DualConnectionStats describes how online players spread across transports.
type DualConnectionStats struct {
	OnlinePlayers int         `json:"online_players"`
	WithWebsocket int         `json:"with_websocket"`
	WithSSE       int         `json:"with_sse"`
	WithBoth      int         `json:"with_both"`
	Distribution  map[int]int `json:"distribution"`
}

// ManagerStats is the combined snapshot served by the stats endpoint.
type ManagerStats struct {
	OnlinePlayers     int          `json:"online_players"`
	Connections       int          `json:"connections"`
	ByTransport       map[Kind]int `json:"by_transport"`
	Rooms             int          `json:"rooms"`
	RoomSubscriptions int          `json:"room_subscriptions"`
	PendingPlayers    int          `json:"pending_players"`
	PendingMessages   int          `json:"pending_messages"`
	RateLimitKeys     int          `json:"rate_limit_keys"`
	Memory            MemoryStats  `json:"memory"`
}

// OnlinePlayers returns the ids of every player with at least one live
// connection, sorted for stable output.
func (m *Manager) OnlinePlayers() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.presence))
	for playerID := range m.presence {
		out = append(out, playerID)
	}
	m.mu.RUnlock()

	sort.Strings(out)
	return out
}

// RoomOccupants returns roomID's subscribers filtered to players currently
// online. Subscribers without live connections stay subscribed but are not
// occupants.
func (m *Manager) RoomOccupants(ctx context.Context, roomID string) []string {
	canonical := m.rooms.Canonical(ctx, roomID)
	subscribers := m.rooms.Subscribers(canonical)

	m.mu.RLock()
	occupants := make([]string, 0, len(subscribers))
	for _, playerID := range subscribers {
		if _, online := m.presence[playerID]; online {
			occupants = append(occupants, playerID)
		}
	}
	m.mu.RUnlock()

	sort.Strings(occupants)
	return occupants
}

// PresenceInfo returns a copy of playerID's presence record.
//
// Postcondition: Returns (presence, true) iff the player holds at least one
// live connection.
func (m *Manager) PresenceInfo(playerID string) (Presence, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.presence[playerID]
	if !ok {
		return Presence{}, false
	}
	return p.clone(), true
}

// GetConnectionCount returns playerID's live connections by transport.
func (m *Manager) GetConnectionCount(playerID string) ConnectionCount {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count ConnectionCount
	for _, c := range m.byPlayer[playerID] {
		switch c.meta.Transport {
		case KindWebSocket:
			count.Websocket++
		case KindSSE:
			count.SSE++
		}
		count.Total++
	}
	return count
}

// HealthSummary aggregates the healthy flag across every live connection.
func (m *Manager) HealthSummary() HealthSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summary := HealthSummary{
		Players:     len(m.presence),
		Connections: len(m.conns),
		ByTransport: make(map[Kind]int),
	}
	for _, c := range m.conns {
		summary.ByTransport[c.meta.Transport]++
		if c.meta.Healthy {
			summary.Healthy++
		} else {
			summary.Unhealthy++
		}
	}
	return summary
}

// DualConnectionStats reports the transport distribution of online players.
func (m *Manager) DualConnectionStats() DualConnectionStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := DualConnectionStats{
		OnlinePlayers: len(m.presence),
		Distribution:  make(map[int]int),
	}
	for _, p := range m.presence {
		ws := p.Transports[KindWebSocket] > 0
		sse := p.Transports[KindSSE] > 0
		if ws {
			stats.WithWebsocket++
		}
		if sse {
			stats.WithSSE++
		}
		if ws && sse {
			stats.WithBoth++
		}
		stats.Distribution[p.TotalConnections]++
	}
	return stats
}

// RateLimitInfo returns playerID's sliding-window state.
func (m *Manager) RateLimitInfo(playerID string) WindowInfo {
	return m.limiter.Info(playerID)
}

// PendingCount returns the number of messages queued for playerID without
// draining them.
func (m *Manager) PendingCount(playerID string) int {
	return m.pending.Count(playerID)
}

// MemoryStats returns the memory monitor's current sample and counters.
func (m *Manager) MemoryStats() MemoryStats {
	return m.memory.Stats()
}

// Stats returns the combined operational snapshot.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	stats := ManagerStats{
		OnlinePlayers: len(m.presence),
		Connections:   len(m.conns),
		ByTransport:   make(map[Kind]int),
	}
	for _, c := range m.conns {
		stats.ByTransport[c.meta.Transport]++
	}
	m.mu.RUnlock()

	stats.Rooms = m.rooms.RoomCount()
	stats.RoomSubscriptions = m.rooms.SubscriberCount()
	stats.PendingPlayers = m.pending.Players()
	stats.PendingMessages = m.pending.TotalQueued()
	stats.RateLimitKeys = m.limiter.Keys()
	stats.Memory = m.memory.Stats()
	return stats
}
