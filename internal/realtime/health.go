package realtime

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// HealthReport aggregates one health sweep over a player's connections.
type HealthReport struct {
	PlayerID  string   `json:"player_id"`
	Websocket int      `json:"websocket_checked"`
	SSE       int      `json:"sse_checked"`
	Healthy   int      `json:"healthy"`
	Unhealthy int      `json:"unhealthy"`
	Cleaned   []string `json:"cleaned_connections,omitempty"`
}

// CleanupReport counts what one cleanup pass removed.
type CleanupReport struct {
	StaleConnections int `json:"stale_connections"`
	RateLimitKeys    int `json:"rate_limit_keys_pruned"`
	PendingDropped   int `json:"pending_queues_dropped"`
	StalePlayers     int `json:"stale_players"`
}

// CheckConnectionHealth probes playerID's connections. Each websocket is
// pinged with a bounded timeout: success restores the healthy flag, failure
// closes the connection. SSE connections carry no probe and are cleaned only
// when previously marked unhealthy.
//
// Postcondition: Returns per-transport check counts and the ids cleaned up.
func (m *Manager) CheckConnectionHealth(ctx context.Context, playerID string) HealthReport {
	return m.checkHealth(ctx, playerID)
}

func (m *Manager) checkHealth(ctx context.Context, playerID string) HealthReport {
	report := HealthReport{PlayerID: playerID}

	for _, c := range m.playerConns(playerID) {
		switch c.meta.Transport {
		case KindWebSocket:
			report.Websocket++
			pingCtx, cancel := context.WithTimeout(ctx, m.cfg.HealthCheckTimeout)
			err := c.transport.Ping(pingCtx)
			cancel()
			if err == nil {
				m.markHealthy(c.meta.ID, true)
				report.Healthy++
				continue
			}
			report.Unhealthy++
			m.logger.Warn("health check failed, closing connection",
				zap.String("player_id", playerID),
				zap.String("connection_id", c.meta.ID),
				zap.Error(err),
			)
			if m.terminateOne(ctx, playerID, c.meta.ID, closeUnhealthy, "failed health check") {
				report.Cleaned = append(report.Cleaned, c.meta.ID)
			}
		case KindSSE:
			report.SSE++
			if m.connHealthy(c.meta.ID) {
				report.Healthy++
				continue
			}
			report.Unhealthy++
			if m.terminateOne(ctx, playerID, c.meta.ID, closeUnhealthy, "marked unhealthy") {
				report.Cleaned = append(report.Cleaned, c.meta.ID)
			}
		}
	}
	return report
}

// MarkConnectionUnhealthy flags connID for cleanup by the next health sweep.
// This is the only way an SSE connection becomes unhealthy.
func (m *Manager) MarkConnectionUnhealthy(connID string) bool {
	return m.markHealthy(connID, false)
}

// markHealthy sets the healthy flag on connID. Restoring health also counts
// as seeing the connection, keeping it clear of the stale sweep.
func (m *Manager) markHealthy(connID string, healthy bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[connID]
	if !ok {
		return false
	}
	c.meta.Healthy = healthy
	if healthy {
		c.meta.LastSeen = m.now()
		if p, ok := m.presence[c.meta.PlayerID]; ok {
			p.LastSeen = c.meta.LastSeen
		}
	}
	return true
}

func (m *Manager) connHealthy(connID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[connID]
	return ok && c.meta.Healthy
}

// CleanupOrphanedData bounds the bookkeeping collections: connections unseen
// past MaxConnectionAge are closed, expired rate-limit windows are dropped,
// and pending queues whose player has neither presence nor a room
// subscription are discarded.
func (m *Manager) CleanupOrphanedData(ctx context.Context) CleanupReport {
	var report CleanupReport

	type staleConn struct {
		id       string
		playerID string
	}
	cutoff := m.now().Add(-m.cfg.MaxConnectionAge)

	m.mu.RLock()
	var stale []staleConn
	for id, c := range m.conns {
		if c.meta.LastSeen.Before(cutoff) {
			stale = append(stale, staleConn{id: id, playerID: c.meta.PlayerID})
		}
	}
	m.mu.RUnlock()

	for _, s := range stale {
		m.logger.Info("evicting stale connection",
			zap.String("player_id", s.playerID),
			zap.String("connection_id", s.id),
		)
		if m.terminateOne(ctx, s.playerID, s.id, closeStale, "stale connection") {
			report.StaleConnections++
		}
	}

	report.RateLimitKeys = m.limiter.PruneIdle()

	for _, playerID := range m.pending.PlayerIDs() {
		m.mu.RLock()
		_, online := m.presence[playerID]
		m.mu.RUnlock()
		if online {
			continue
		}
		if _, subscribed := m.rooms.PlayerRoom(playerID); subscribed {
			continue
		}
		m.pending.Remove(playerID)
		report.PendingDropped++
	}
	return report
}

// PruneStalePlayers force-disconnects every player whose presence has not
// been seen within StalePlayerThreshold. Returns the number removed.
func (m *Manager) PruneStalePlayers(ctx context.Context) int {
	cutoff := m.now().Add(-m.cfg.StalePlayerThreshold)

	m.mu.RLock()
	var stale []string
	for playerID, p := range m.presence {
		if p.LastSeen.Before(cutoff) {
			stale = append(stale, playerID)
		}
	}
	m.mu.RUnlock()

	for _, playerID := range stale {
		m.logger.Info("pruning stale player", zap.String("player_id", playerID))
		m.ForceDisconnectPlayer(ctx, playerID)
	}
	return len(stale)
}

// ForceCleanup runs the cleanup pass immediately, outside the periodic
// schedule.
func (m *Manager) ForceCleanup(ctx context.Context) CleanupReport {
	return m.runCleanup(ctx, "forced")
}

func (m *Manager) runCleanup(ctx context.Context, trigger string) CleanupReport {
	report := m.CleanupOrphanedData(ctx)
	report.StalePlayers = m.PruneStalePlayers(ctx)
	m.memory.MarkCleanup()

	if m.metrics != nil {
		m.metrics.CleanupRuns.WithLabelValues(trigger).Inc()
	}
	m.logger.Info("cleanup pass completed",
		zap.String("trigger", trigger),
		zap.Int("stale_connections", report.StaleConnections),
		zap.Int("stale_players", report.StalePlayers),
		zap.Int("rate_limit_keys_pruned", report.RateLimitKeys),
		zap.Int("pending_queues_dropped", report.PendingDropped),
	)
	return report
}

// StartMaintenance launches the background loop that runs cleanup whenever
// the memory monitor signals, by elapsed interval or by memory pressure.
//
// Precondition: MaintenanceInterval must be > 0.
// Postcondition: Returns an error when the loop is already running.
func (m *Manager) StartMaintenance(ctx context.Context) error {
	m.maintMu.Lock()
	defer m.maintMu.Unlock()

	if m.maintStop != nil {
		return fmt.Errorf("maintenance loop already running")
	}
	m.maintStop = make(chan struct{})
	m.maintDone = make(chan struct{})
	go m.maintenanceLoop(ctx, m.maintStop, m.maintDone)

	m.logger.Info("maintenance loop started",
		zap.Duration("interval", m.cfg.MaintenanceInterval),
	)
	return nil
}

// StopMaintenance stops the loop and waits for it to exit. Safe to call when
// the loop never started.
func (m *Manager) StopMaintenance() {
	m.maintMu.Lock()
	stop, done := m.maintStop, m.maintDone
	m.maintStop, m.maintDone = nil, nil
	m.maintMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	m.logger.Info("maintenance loop stopped")
}

func (m *Manager) maintenanceLoop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if due, trigger := m.memory.ShouldCleanup(); due {
				m.runCleanup(ctx, trigger)
			}
		}
	}
}
