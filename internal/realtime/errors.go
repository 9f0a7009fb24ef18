package realtime

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Sentinel errors for the connection layer. Wrap with fmt.Errorf("...: %w", err)
// and classify with errors.Is.
var (
	ErrRateLimited          = errors.New("rate limit exceeded")
	ErrPlayerNotFound       = errors.New("player not found")
	ErrRoomNotFound         = errors.New("room not found")
	ErrConnectionNotFound   = errors.New("connection not found")
	ErrEstablishFailed      = errors.New("transport accept failed")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrSecurityViolation    = errors.New("security violation")
	ErrTransportCorrupted   = errors.New("transport corrupted")
)

// Severity buckets an error for the handling entry points.
type Severity string

const (
	// SeverityFatal terminates every connection the player holds.
	SeverityFatal Severity = "fatal"
	// SeverityConnection terminates only the implicated connection.
	SeverityConnection Severity = "connection"
	// SeveritySoft is logged; connections are kept alive.
	SeveritySoft Severity = "soft"
)

// Classify maps an error to its handling severity. Authentication failures,
// security violations, and transport corruption are player-fatal; rate-limit
// rejections are soft; everything else implicates a single connection.
func Classify(err error) Severity {
	switch {
	case err == nil:
		return SeveritySoft
	case errors.Is(err, ErrAuthenticationFailed),
		errors.Is(err, ErrSecurityViolation),
		errors.Is(err, ErrTransportCorrupted):
		return SeverityFatal
	case errors.Is(err, ErrRateLimited):
		return SeveritySoft
	default:
		return SeverityConnection
	}
}

// ErrorOutcome describes what an error-handling entry point did.
type ErrorOutcome struct {
	PlayerID   string   `json:"player_id"`
	Severity   Severity `json:"severity"`
	Fatal      bool     `json:"fatal"`
	Terminated []string `json:"terminated_connections"`
	Kept       int      `json:"kept_connections"`
	Reason     string   `json:"reason"`
}

// RecoveryMode selects how much state RecoverFromError resets.
type RecoveryMode string

const (
	// RecoverFull terminates all connections and clears session tracking.
	RecoverFull RecoveryMode = "full"
	// RecoverConnectionsOnly terminates connections but keeps session state
	// so the client can reconnect into the same session.
	RecoverConnectionsOnly RecoveryMode = "connections_only"
)

// RecoveryReport describes the result of RecoverFromError.
type RecoveryReport struct {
	PlayerID       string       `json:"player_id"`
	Mode           RecoveryMode `json:"mode"`
	Terminated     int          `json:"terminated_connections"`
	SessionCleared bool         `json:"session_cleared"`
}

// HandleWebsocketError classifies err for one of playerID's websocket
// connections and terminates the implicated connection, every connection, or
// none, depending on severity.
//
// Postcondition: Returns an outcome listing terminated vs. kept connections.
// Never returns an error; transport failures are absorbed here.
func (m *Manager) HandleWebsocketError(ctx context.Context, playerID, connID string, err error) ErrorOutcome {
	return m.handleConnError(ctx, playerID, connID, err, "websocket error")
}

// HandleSSEError classifies err for one of playerID's SSE connections, with
// the same severity rules as HandleWebsocketError.
func (m *Manager) HandleSSEError(ctx context.Context, playerID, connID string, err error) ErrorOutcome {
	return m.handleConnError(ctx, playerID, connID, err, "sse error")
}

func (m *Manager) handleConnError(ctx context.Context, playerID, connID string, err error, reason string) ErrorOutcome {
	unlock := m.lockPlayer(playerID)
	defer unlock()

	severity := Classify(err)
	outcome := ErrorOutcome{
		PlayerID: playerID,
		Severity: severity,
		Reason:   reason,
	}

	switch severity {
	case SeverityFatal:
		outcome.Fatal = true
		outcome.Terminated = m.terminateAll(playerID, closeFatal, reason)
	case SeverityConnection:
		if m.terminateOne(ctx, playerID, connID, closeUnhealthy, reason) {
			outcome.Terminated = []string{connID}
		}
	case SeveritySoft:
		m.logger.Warn("soft connection error",
			zap.String("player_id", playerID),
			zap.String("connection_id", connID),
			zap.Error(err),
		)
	}

	outcome.Kept = m.connectionTotal(playerID)
	return outcome
}

// DetectAndHandleErrorState classifies err for playerID without a specific
// connection attribution. Fatal errors terminate everything; connection-level
// errors trigger a health sweep that cleans up whichever connections fail a
// liveness probe; soft errors are logged.
func (m *Manager) DetectAndHandleErrorState(ctx context.Context, playerID string, err error) ErrorOutcome {
	unlock := m.lockPlayer(playerID)
	defer unlock()

	severity := Classify(err)
	outcome := ErrorOutcome{
		PlayerID: playerID,
		Severity: severity,
		Reason:   "error state detected",
	}

	switch severity {
	case SeverityFatal:
		outcome.Fatal = true
		outcome.Terminated = m.terminateAll(playerID, closeFatal, outcome.Reason)
	case SeverityConnection:
		report := m.checkHealth(ctx, playerID)
		outcome.Terminated = report.Cleaned
	case SeveritySoft:
		if err != nil {
			m.logger.Warn("soft error state",
				zap.String("player_id", playerID),
				zap.Error(err),
			)
		}
	}

	outcome.Kept = m.connectionTotal(playerID)
	return outcome
}

// HandleAuthenticationError terminates all of playerID's connections.
// Authentication failures are always fatal.
func (m *Manager) HandleAuthenticationError(ctx context.Context, playerID string, err error) ErrorOutcome {
	unlock := m.lockPlayer(playerID)
	defer unlock()

	m.logger.Error("authentication error",
		zap.String("player_id", playerID),
		zap.Error(err),
	)
	return ErrorOutcome{
		PlayerID:   playerID,
		Severity:   SeverityFatal,
		Fatal:      true,
		Terminated: m.terminateAll(playerID, closeFatal, "authentication failure"),
		Reason:     "authentication failure",
	}
}

// HandleSecurityViolation terminates all of playerID's connections and logs
// the violation detail. Security violations are always fatal.
func (m *Manager) HandleSecurityViolation(ctx context.Context, playerID, detail string) ErrorOutcome {
	unlock := m.lockPlayer(playerID)
	defer unlock()

	m.logger.Error("security violation",
		zap.String("player_id", playerID),
		zap.String("detail", detail),
	)
	return ErrorOutcome{
		PlayerID:   playerID,
		Severity:   SeverityFatal,
		Fatal:      true,
		Terminated: m.terminateAll(playerID, closeFatal, fmt.Sprintf("security violation: %s", detail)),
		Reason:     "security violation",
	}
}

// RecoverFromError resets playerID's connection state after a fatal error.
//
// Postcondition: All connections are terminated. RecoverFull additionally
// clears session tracking; RecoverConnectionsOnly keeps the session so the
// player can reconnect into it.
func (m *Manager) RecoverFromError(ctx context.Context, playerID string, mode RecoveryMode) RecoveryReport {
	unlock := m.lockPlayer(playerID)
	defer unlock()

	terminated := m.terminateAll(playerID, closeGoingAway, "error recovery")

	report := RecoveryReport{
		PlayerID:   playerID,
		Mode:       mode,
		Terminated: len(terminated),
	}
	if mode == RecoverFull {
		report.SessionCleared = m.clearSession(playerID)
	}

	m.logger.Info("recovered from error state",
		zap.String("player_id", playerID),
		zap.String("mode", string(mode)),
		zap.Int("terminated", report.Terminated),
		zap.Bool("session_cleared", report.SessionCleared),
	)
	return report
}
