package realtime

import (
	"context"

	"go.uber.org/zap"

	"github.com/cory-johannsen/mudlink/internal/event"
)

// DeliveryReport describes one delivery attempt to a single player.
type DeliveryReport struct {
	PlayerID           string `json:"player_id"`
	WebsocketDelivered int    `json:"websocket_delivered"`
	WebsocketFailed    int    `json:"websocket_failed"`
	SSEDelivered       int    `json:"sse_delivered"`
	SSEFailed          int    `json:"sse_failed"`
	TotalConnections   int    `json:"total_connections"`
	ActiveConnections  int    `json:"active_connections"`
	Queued             bool   `json:"queued"`
	Success            bool   `json:"success"`
}

// SendPersonalMessage delivers env to every live connection playerID holds.
//
// Postcondition: A send failure tears down only the failing connection and
// delivery continues on the rest. With zero live connections, or after every
// connection fails, the envelope lands in the player's pending queue and the
// report counts as success: messages are deferred, never dropped.
func (m *Manager) SendPersonalMessage(ctx context.Context, playerID string, env event.Envelope) DeliveryReport {
	report := DeliveryReport{PlayerID: playerID}

	targets := m.playerConns(playerID)
	report.TotalConnections = len(targets)
	if len(targets) == 0 {
		m.queueEnvelope(playerID, env, &report)
		return report
	}

	for _, c := range targets {
		err := c.transport.SendJSON(ctx, env)
		switch {
		case err == nil && c.meta.Transport == KindWebSocket:
			report.WebsocketDelivered++
		case err == nil:
			report.SSEDelivered++
		case c.meta.Transport == KindWebSocket:
			report.WebsocketFailed++
			m.dropFailedConn(ctx, c, err)
		default:
			report.SSEFailed++
			m.dropFailedConn(ctx, c, err)
		}
	}

	report.ActiveConnections = m.connectionTotal(playerID)
	delivered := report.WebsocketDelivered + report.SSEDelivered
	if delivered == 0 {
		m.queueEnvelope(playerID, env, &report)
		return report
	}

	if m.metrics != nil {
		m.metrics.MessagesDelivered.WithLabelValues(string(KindWebSocket)).Add(float64(report.WebsocketDelivered))
		m.metrics.MessagesDelivered.WithLabelValues(string(KindSSE)).Add(float64(report.SSEDelivered))
	}
	report.Success = true
	return report
}

// queueEnvelope appends env to the player's pending queue and marks the
// report as a successful deferred delivery.
func (m *Manager) queueEnvelope(playerID string, env event.Envelope, report *DeliveryReport) {
	if evicted := m.pending.Add(playerID, env); evicted > 0 {
		m.logger.Warn("pending queue full, evicted oldest",
			zap.String("player_id", playerID),
			zap.Int("evicted", evicted),
		)
	}
	report.Queued = true
	report.Success = true

	if m.metrics != nil {
		m.metrics.MessagesQueued.Inc()
	}
	m.logger.Debug("message queued for offline player",
		zap.String("player_id", playerID),
		zap.String("event_type", string(env.EventType)),
	)
}

// dropFailedConn tears down a connection whose send failed. Failures on one
// connection never abort delivery to the player's remaining connections.
func (m *Manager) dropFailedConn(ctx context.Context, c *connection, err error) {
	m.logger.Warn("delivery failed, closing connection",
		zap.String("player_id", c.meta.PlayerID),
		zap.String("connection_id", c.meta.ID),
		zap.String("transport", string(c.meta.Transport)),
		zap.Error(err),
	)
	if m.metrics != nil {
		m.metrics.MessagesFailed.WithLabelValues(string(c.meta.Transport)).Inc()
	}
	m.terminateOne(ctx, c.meta.PlayerID, c.meta.ID, closeGoingAway, "delivery failure")
}

// BroadcastToRoom fans env out to every subscriber of roomID except
// excludePlayer. Offline subscribers receive the envelope through their
// pending queue.
//
// Postcondition: The returned map holds one report per targeted player.
// excludePlayer is never delivered to, even when subscribed with live
// connections; the map size equals the subscriber count minus the exclusion.
func (m *Manager) BroadcastToRoom(ctx context.Context, roomID string, env event.Envelope, excludePlayer string) map[string]DeliveryReport {
	canonical := m.rooms.Canonical(ctx, roomID)
	if env.RoomID == "" {
		env.RoomID = canonical
	}

	reports := make(map[string]DeliveryReport)
	for _, playerID := range m.rooms.Subscribers(canonical) {
		if playerID == excludePlayer {
			continue
		}
		reports[playerID] = m.SendPersonalMessage(ctx, playerID, env)
	}

	if m.metrics != nil {
		m.metrics.BroadcastFanout.Observe(float64(len(reports)))
	}
	return reports
}

// BroadcastGlobal fans env out to every online player except excludePlayer.
func (m *Manager) BroadcastGlobal(ctx context.Context, env event.Envelope, excludePlayer string) map[string]DeliveryReport {
	m.mu.RLock()
	online := make([]string, 0, len(m.presence))
	for playerID := range m.presence {
		online = append(online, playerID)
	}
	m.mu.RUnlock()

	reports := make(map[string]DeliveryReport)
	for _, playerID := range online {
		if playerID == excludePlayer {
			continue
		}
		reports[playerID] = m.SendPersonalMessage(ctx, playerID, env)
	}

	if m.metrics != nil {
		m.metrics.BroadcastFanout.Observe(float64(len(reports)))
	}
	return reports
}

// broadcastOccupants pushes the room's refreshed occupant list to everyone in
// the room. Sent after a departure so clients reconcile who is present.
func (m *Manager) broadcastOccupants(ctx context.Context, roomID string) {
	occupants := m.RoomOccupants(ctx, roomID)
	env := event.NewEnvelope(event.TypeRoomOccupants, map[string]any{
		"room_id":   roomID,
		"occupants": occupants,
	})
	env.RoomID = roomID
	m.BroadcastToRoom(ctx, roomID, env, "")
}
