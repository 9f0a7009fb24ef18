package realtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/mudlink/internal/config"
	"github.com/cory-johannsen/mudlink/internal/event"
	"github.com/cory-johannsen/mudlink/internal/observability"
)

// WebSocket close codes sent on terminated connections. Codes in the 4xxx
// range are application-defined per RFC 6455. The SSE adapter ignores them.
const (
	closeNormal     = 1000
	closeGoingAway  = 1001
	closeSuperseded = 4001
	closeUnhealthy  = 4002
	closeStale      = 4003
	closeFatal      = 4008
)

// Manager is the single entry and exit point for transport-level connect,
// disconnect, delivery, presence, and error handling. It owns the rate
// limiter, pending-message queue, room subscriptions, and memory monitor;
// no external component mutates those directly.
type Manager struct {
	cfg       config.RealtimeConfig
	logger    *zap.Logger
	players   PlayerStore
	pusher    StatePusher
	publisher Publisher
	metrics   *observability.Metrics

	limiter *RateLimiter
	pending *MessageQueue
	rooms   *RoomSubscriptionManager
	memory  *MemoryMonitor

	mu        sync.RWMutex
	conns     map[string]*connection            // connection id → connection
	byPlayer  map[string]map[string]*connection // player id → connection id → connection
	sessions  map[string]string                 // player id → current session id
	bySession map[string]map[string]bool        // session id → connection id set
	presence  map[string]*Presence              // player id → presence record

	guardMu sync.Mutex
	guards  map[string]*playerGuard

	maintMu   sync.Mutex
	maintStop chan struct{}
	maintDone chan struct{}

	now func() time.Time
}

// playerGuard serializes connection-state changes for one player. Reference
// counted so idle entries can be dropped.
type playerGuard struct {
	mu   sync.Mutex
	refs int
}

// NewManager creates a connection manager from cfg.
//
// Precondition: cfg must have passed config validation; logger must be
// non-nil. players, rooms, pusher, publisher, and metrics may each be nil:
// a nil players or rooms degrades lookups to "id as given", a nil pusher
// skips the initial state push, a nil publisher skips lifecycle events, and
// a nil metrics skips instrumentation.
func NewManager(cfg config.RealtimeConfig, logger *zap.Logger, players PlayerStore, rooms RoomStore, pusher StatePusher, publisher Publisher, metrics *observability.Metrics) *Manager {
	return &Manager{
		cfg:       cfg,
		logger:    logger,
		players:   players,
		pusher:    pusher,
		publisher: publisher,
		metrics:   metrics,
		limiter:   NewRateLimiter(cfg.MaxConnectionAttempts, cfg.RateLimitWindow),
		pending:   NewMessageQueue(cfg.PendingMessageLimit),
		rooms:     NewRoomSubscriptionManager(rooms, logger),
		memory:    NewMemoryMonitor(cfg.MemoryCheckInterval, uint64(cfg.MemoryThresholdMB)*1024*1024, logger),
		conns:     make(map[string]*connection),
		byPlayer:  make(map[string]map[string]*connection),
		sessions:  make(map[string]string),
		bySession: make(map[string]map[string]bool),
		presence:  make(map[string]*Presence),
		guards:    make(map[string]*playerGuard),
		now:       time.Now,
	}
}

// lockPlayer acquires the per-player guard and returns its release function.
// The guard serializes the probe-then-replace sequence during reconnection so
// two near-simultaneous connects cannot double-register or double-close.
func (m *Manager) lockPlayer(playerID string) func() {
	m.guardMu.Lock()
	g, ok := m.guards[playerID]
	if !ok {
		g = &playerGuard{}
		m.guards[playerID] = g
	}
	g.refs++
	m.guardMu.Unlock()

	g.mu.Lock()
	return func() {
		g.mu.Unlock()
		m.guardMu.Lock()
		g.refs--
		if g.refs == 0 {
			delete(m.guards, playerID)
		}
		m.guardMu.Unlock()
	}
}

// ConnectWebSocket accepts a websocket transport handle for playerID.
//
// Precondition: t must be non-nil and not yet accepted.
// Postcondition: On success the connection is registered, bound to a session,
// and the player is subscribed to their current room. The player's first
// connection across all transports additionally triggers the room arrival
// broadcast and the initial state push. On accept failure no state is mutated
// beyond the recorded rate-limit attempt.
func (m *Manager) ConnectWebSocket(ctx context.Context, t Transport, playerID, sessionID string) (*ConnectionMeta, error) {
	return m.connect(ctx, t, playerID, sessionID, KindWebSocket)
}

// ConnectSSE registers an SSE transport handle for playerID. Semantics match
// ConnectWebSocket; a player may hold multiple connections of both kinds
// concurrently.
func (m *Manager) ConnectSSE(ctx context.Context, t Transport, playerID, sessionID string) (*ConnectionMeta, error) {
	return m.connect(ctx, t, playerID, sessionID, KindSSE)
}

func (m *Manager) connect(ctx context.Context, t Transport, playerID, sessionID string, kind Kind) (*ConnectionMeta, error) {
	if playerID == "" {
		return nil, fmt.Errorf("connect: empty player id")
	}
	if t == nil {
		return nil, fmt.Errorf("connect %s: nil transport", playerID)
	}

	unlock := m.lockPlayer(playerID)
	defer unlock()

	if !m.limiter.Allow(playerID) {
		if m.metrics != nil {
			m.metrics.RateLimitRejections.Inc()
		}
		m.logger.Warn("connection attempt rate limited",
			zap.String("player_id", playerID),
			zap.String("transport", string(kind)),
		)
		return nil, ErrRateLimited
	}

	meta := ConnectionMeta{
		ID:            uuid.NewString(),
		PlayerID:      playerID,
		Transport:     kind,
		EstablishedAt: m.now(),
		LastSeen:      m.now(),
		Healthy:       true,
		State:         StateEstablishing,
	}

	if err := t.Accept(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEstablishFailed, err)
	}
	meta.State = StateActive

	// Session and registry mutation happen only after the handshake succeeds.
	meta.SessionID = m.resolveSession(playerID, sessionID)
	m.purgeDeadConnections(ctx, playerID, kind)

	stored := m.lookupPlayer(ctx, playerID)
	first := m.register(&connection{meta: meta, transport: t}, displayNameFor(stored, playerID))
	roomID := m.placeInRoom(ctx, playerID, stored)

	if m.metrics != nil {
		m.metrics.ConnectsTotal.WithLabelValues(string(kind)).Inc()
		m.metrics.ConnectionsActive.WithLabelValues(string(kind)).Inc()
	}
	m.logger.Info("connection established",
		zap.String("player_id", playerID),
		zap.String("connection_id", meta.ID),
		zap.String("transport", string(kind)),
		zap.String("session_id", meta.SessionID),
		zap.String("room_id", roomID),
		zap.Bool("first_connection", first),
	)

	if m.publisher != nil {
		_ = m.publisher.Publish(event.PlayerConnected{
			Base:         event.NewBase(),
			PlayerID:     playerID,
			ConnectionID: meta.ID,
			Transport:    string(kind),
		})
	}
	if first {
		m.announceArrival(ctx, playerID, roomID)
	}

	out := meta
	return &out, nil
}

// resolveSession returns the session id the new connection binds to. An empty
// requested id adopts the player's current session, or mints a fresh one. A
// requested id different from the current session retires the old session and
// closes every connection tied to it before the new id takes effect.
func (m *Manager) resolveSession(playerID, requested string) string {
	m.mu.RLock()
	current, bound := m.sessions[playerID]
	m.mu.RUnlock()

	switch {
	case requested == "" && bound:
		return current
	case requested == "":
		return uuid.NewString()
	case bound && current != requested:
		m.retireSession(playerID, current)
	}
	return requested
}

// retireSession closes every connection under sessionID and clears its
// tracking. The player's room subscription, rate-limit window, and pending
// queue survive so the replacement session resumes where the old one left off.
func (m *Manager) retireSession(playerID, sessionID string) []string {
	terminated := m.terminateAll(playerID, closeSuperseded, "superseded by new session")

	m.mu.Lock()
	delete(m.bySession, sessionID)
	if m.sessions[playerID] == sessionID {
		delete(m.sessions, playerID)
	}
	m.mu.Unlock()

	m.logger.Info("session retired",
		zap.String("player_id", playerID),
		zap.String("session_id", sessionID),
		zap.Int("terminated", len(terminated)),
	)
	return terminated
}

// purgeDeadConnections pings the player's existing connections of the given
// kind and closes the ones that fail. Live duplicates are kept; simultaneous
// connections from legitimate clients are allowed, not an error.
func (m *Manager) purgeDeadConnections(ctx context.Context, playerID string, kind Kind) {
	var candidates []*connection
	m.mu.RLock()
	for _, c := range m.byPlayer[playerID] {
		if c.meta.Transport == kind {
			candidates = append(candidates, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range candidates {
		pingCtx, cancel := context.WithTimeout(ctx, m.cfg.HealthCheckTimeout)
		err := c.transport.Ping(pingCtx)
		cancel()
		if err == nil {
			continue
		}
		m.logger.Info("purging dead connection before reconnect",
			zap.String("player_id", playerID),
			zap.String("connection_id", c.meta.ID),
			zap.Error(err),
		)
		m.terminateConn(c.meta.ID, closeStale, "replaced by reconnect")
	}
}

// lookupPlayer resolves display data from the player store. Lookup failure
// degrades to nil; callers fall back to the id as given.
func (m *Manager) lookupPlayer(ctx context.Context, playerID string) *Player {
	if m.players == nil {
		return nil
	}
	p, err := m.players.GetPlayer(ctx, playerID)
	if err != nil {
		m.logger.Debug("player lookup failed, using id as given",
			zap.String("player_id", playerID),
			zap.Error(err),
		)
		return nil
	}
	return p
}

func displayNameFor(p *Player, playerID string) string {
	if p == nil {
		return playerID
	}
	if p.DisplayName != "" {
		return p.DisplayName
	}
	if p.Name != "" {
		return p.Name
	}
	return playerID
}

// register links c into the registries and updates presence.
// Caller must hold the player guard. Returns true when this is the player's
// first live connection across all transports.
func (m *Manager) register(c *connection, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	playerID := c.meta.PlayerID
	m.conns[c.meta.ID] = c
	if m.byPlayer[playerID] == nil {
		m.byPlayer[playerID] = make(map[string]*connection)
	}
	m.byPlayer[playerID][c.meta.ID] = c

	m.sessions[playerID] = c.meta.SessionID
	if m.bySession[c.meta.SessionID] == nil {
		m.bySession[c.meta.SessionID] = make(map[string]bool)
	}
	m.bySession[c.meta.SessionID][c.meta.ID] = true

	p, existed := m.presence[playerID]
	if !existed {
		p = &Presence{
			PlayerID:    playerID,
			Name:        name,
			ConnectedAt: c.meta.EstablishedAt,
			Transports:  make(map[Kind]int),
		}
		m.presence[playerID] = p
	}
	p.Transports[c.meta.Transport]++
	p.TotalConnections++
	p.LastSeen = c.meta.LastSeen
	return !existed
}

// placeInRoom subscribes the player to their room. An existing subscription
// wins so reconnects land back in the room they left; otherwise the stored
// current room is used. Returns the canonical room id, or "" when the player
// has no room.
func (m *Manager) placeInRoom(ctx context.Context, playerID string, stored *Player) string {
	roomID, subscribed := m.rooms.PlayerRoom(playerID)
	if !subscribed {
		if stored == nil || stored.CurrentRoomID == "" {
			return ""
		}
		roomID = m.rooms.Subscribe(ctx, playerID, stored.CurrentRoomID)
	}
	m.setPresenceRoom(playerID, roomID)
	return roomID
}

func (m *Manager) setPresenceRoom(playerID, roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.presence[playerID]; ok {
		p.RoomID = roomID
	}
}

// announceArrival runs the first-connection side effects: the room broadcast
// announcing the player, excluding the player themselves, followed by the
// delegated initial state push.
func (m *Manager) announceArrival(ctx context.Context, playerID, roomID string) {
	if roomID != "" {
		env := event.NewEnvelope(event.TypePlayerEnteredGame, map[string]any{
			"player_id": playerID,
			"room_id":   roomID,
		})
		env.PlayerID = playerID
		env.RoomID = roomID
		m.BroadcastToRoom(ctx, roomID, env, playerID)
	}

	if m.pusher == nil {
		return
	}
	if err := m.pusher.PushInitialState(ctx, playerID); err != nil {
		m.logger.Warn("initial state push failed",
			zap.String("player_id", playerID),
			zap.Error(err),
		)
	}
}

// announceDeparture runs the last-connection side effects: the room broadcast
// announcing the departure and a refreshed occupant list for the room.
func (m *Manager) announceDeparture(ctx context.Context, playerID string) {
	roomID, _ := m.rooms.PlayerRoom(playerID)

	if m.publisher != nil {
		_ = m.publisher.Publish(event.PlayerDisconnected{
			Base:     event.NewBase(),
			PlayerID: playerID,
			RoomID:   roomID,
		})
	}
	if roomID == "" {
		return
	}

	env := event.NewEnvelope(event.TypePlayerLeftGame, map[string]any{
		"player_id": playerID,
		"room_id":   roomID,
	})
	env.PlayerID = playerID
	env.RoomID = roomID
	m.BroadcastToRoom(ctx, roomID, env, playerID)
	m.broadcastOccupants(ctx, roomID)
}

// DisconnectWebSocket removes one of playerID's websocket connections.
//
// Postcondition: Returns true if the connection existed and was removed.
// Other connections of the same player are untouched; removing the last
// connection tears down presence, rate-limit, and pending state and notifies
// the player's room. The room subscription itself survives for reconnection.
func (m *Manager) DisconnectWebSocket(ctx context.Context, playerID, connID string) bool {
	return m.disconnect(ctx, playerID, connID, KindWebSocket)
}

// DisconnectSSE removes one of playerID's SSE connections, with the same
// semantics as DisconnectWebSocket.
func (m *Manager) DisconnectSSE(ctx context.Context, playerID, connID string) bool {
	return m.disconnect(ctx, playerID, connID, KindSSE)
}

// DisconnectConnection removes a connection by id alone, whatever its
// transport. Returns false when the id is unknown.
func (m *Manager) DisconnectConnection(ctx context.Context, connID string) bool {
	m.mu.RLock()
	c, ok := m.conns[connID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return m.disconnect(ctx, c.meta.PlayerID, connID, c.meta.Transport)
}

func (m *Manager) disconnect(ctx context.Context, playerID, connID string, kind Kind) bool {
	unlock := m.lockPlayer(playerID)
	defer unlock()

	m.mu.RLock()
	c, ok := m.conns[connID]
	owned := ok && c.meta.PlayerID == playerID && c.meta.Transport == kind
	m.mu.RUnlock()
	if !owned {
		return false
	}

	_, last := m.terminateConn(connID, closeNormal, "client disconnect")
	m.logger.Info("connection closed",
		zap.String("player_id", playerID),
		zap.String("connection_id", connID),
		zap.String("transport", string(kind)),
		zap.Bool("last_connection", last),
	)

	if last {
		m.limiter.Remove(playerID)
		m.pending.Remove(playerID)
		m.announceDeparture(ctx, playerID)
	}
	return true
}

// ForceDisconnectPlayer closes every connection of every type for playerID
// and tears down all tracked state for the player, including the room
// subscription and session binding. Used for login takeover and fatal errors.
//
// Postcondition: Returns the number of connections closed. The player has no
// presence, session, room subscription, rate-limit window, or pending queue.
func (m *Manager) ForceDisconnectPlayer(ctx context.Context, playerID string) int {
	unlock := m.lockPlayer(playerID)
	defer unlock()

	terminated := m.terminateAll(playerID, closeGoingAway, "force disconnect")
	m.limiter.Remove(playerID)
	m.pending.Remove(playerID)

	roomID := m.rooms.UnsubscribeAll(playerID)
	m.clearSession(playerID)

	if m.publisher != nil {
		_ = m.publisher.Publish(event.PlayerDisconnected{
			Base:     event.NewBase(),
			PlayerID: playerID,
			RoomID:   roomID,
		})
	}
	if roomID != "" {
		env := event.NewEnvelope(event.TypePlayerLeftGame, map[string]any{
			"player_id": playerID,
			"room_id":   roomID,
		})
		env.PlayerID = playerID
		env.RoomID = roomID
		m.BroadcastToRoom(ctx, roomID, env, playerID)
		m.broadcastOccupants(ctx, roomID)
	}

	m.logger.Info("player force disconnected",
		zap.String("player_id", playerID),
		zap.Int("terminated", len(terminated)),
	)
	return len(terminated)
}

// HandleNewGameSession rebinds playerID to newSessionID, closing every
// connection tied to the previous session and clearing its tracking.
//
// Postcondition: GetPlayerSession(playerID) returns newSessionID and the old
// session maps to no connections. The player holds zero live connections
// until the client reconnects.
func (m *Manager) HandleNewGameSession(ctx context.Context, playerID, newSessionID string) SessionSwitchReport {
	unlock := m.lockPlayer(playerID)
	defer unlock()

	m.mu.RLock()
	prev := m.sessions[playerID]
	m.mu.RUnlock()

	var terminated []string
	if prev != "" {
		terminated = m.retireSession(playerID, prev)
	}

	m.mu.Lock()
	m.sessions[playerID] = newSessionID
	m.mu.Unlock()

	m.logger.Info("game session replaced",
		zap.String("player_id", playerID),
		zap.String("previous_session_id", prev),
		zap.String("session_id", newSessionID),
		zap.Int("terminated", len(terminated)),
	)
	return SessionSwitchReport{
		PlayerID:          playerID,
		PreviousSessionID: prev,
		NewSessionID:      newSessionID,
		Terminated:        len(terminated),
	}
}

// SessionSwitchReport describes a HandleNewGameSession outcome.
type SessionSwitchReport struct {
	PlayerID          string `json:"player_id"`
	PreviousSessionID string `json:"previous_session_id,omitempty"`
	NewSessionID      string `json:"new_session_id"`
	Terminated        int    `json:"terminated_connections"`
}

// terminateConn removes connID from every registry and closes its transport.
// It is the termination primitive; callers layer teardown and announcements
// on top. Callers must not hold m.mu. Safe to race: the loser of a concurrent
// termination finds the id gone and does nothing.
func (m *Manager) terminateConn(connID string, code int, reason string) (*connection, bool) {
	m.mu.Lock()
	c, ok := m.conns[connID]
	if !ok {
		m.mu.Unlock()
		return nil, false
	}
	last := m.removeLocked(c)
	c.meta.State = StateTerminated
	m.mu.Unlock()

	if err := c.transport.Close(code, reason); err != nil {
		m.logger.Debug("transport close failed",
			zap.String("connection_id", connID),
			zap.Error(err),
		)
	}
	if m.metrics != nil {
		m.metrics.ConnectionsActive.WithLabelValues(string(c.meta.Transport)).Dec()
		m.metrics.DisconnectsTotal.WithLabelValues(string(c.meta.Transport)).Inc()
	}
	return c, last
}

// removeLocked unlinks c from the registries and decrements presence.
// Caller must hold m.mu. Returns true when this was the player's last
// connection; the presence record is deleted in that case.
func (m *Manager) removeLocked(c *connection) bool {
	playerID := c.meta.PlayerID
	delete(m.conns, c.meta.ID)

	if set := m.byPlayer[playerID]; set != nil {
		delete(set, c.meta.ID)
		if len(set) == 0 {
			delete(m.byPlayer, playerID)
		}
	}
	if set := m.bySession[c.meta.SessionID]; set != nil {
		delete(set, c.meta.ID)
		if len(set) == 0 {
			delete(m.bySession, c.meta.SessionID)
		}
	}

	p, ok := m.presence[playerID]
	if !ok {
		return len(m.byPlayer[playerID]) == 0
	}
	p.Transports[c.meta.Transport]--
	if p.Transports[c.meta.Transport] <= 0 {
		delete(p.Transports, c.meta.Transport)
	}
	p.TotalConnections--
	p.LastSeen = m.now()
	if p.TotalConnections <= 0 {
		delete(m.presence, playerID)
		return true
	}
	return false
}

// terminateAll closes every connection playerID holds and removes the
// player's presence. Session bindings, room subscription, rate-limit window,
// and pending queue are left to the caller.
func (m *Manager) terminateAll(playerID string, code int, reason string) []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.byPlayer[playerID]))
	for id := range m.byPlayer[playerID] {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	terminated := ids[:0]
	for _, id := range ids {
		if _, ok := m.terminateConn(id, code, reason); ok {
			terminated = append(terminated, id)
		}
	}
	return terminated
}

// terminateOne closes a single connection owned by playerID, applying the
// last-connection teardown when it was the only one left.
func (m *Manager) terminateOne(ctx context.Context, playerID, connID string, code int, reason string) bool {
	m.mu.RLock()
	c, ok := m.conns[connID]
	owned := ok && c.meta.PlayerID == playerID
	m.mu.RUnlock()
	if !owned {
		return false
	}

	_, last := m.terminateConn(connID, code, reason)
	if last {
		m.limiter.Remove(playerID)
		m.pending.Remove(playerID)
		m.announceDeparture(ctx, playerID)
	}
	return true
}

// clearSession drops playerID's session binding and the session's connection
// set. Returns true if a binding existed.
func (m *Manager) clearSession(playerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sid, ok := m.sessions[playerID]
	if !ok {
		return false
	}
	delete(m.sessions, playerID)
	delete(m.bySession, sid)
	return true
}

// connectionTotal returns the number of live connections playerID holds.
func (m *Manager) connectionTotal(playerID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byPlayer[playerID])
}

// playerConns snapshots the player's connections for use outside the lock.
func (m *Manager) playerConns(playerID string) []*connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := m.byPlayer[playerID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// GetPlayerSession returns playerID's current session id.
//
// Postcondition: Returns (sessionID, true) while a binding exists, including
// the window after HandleNewGameSession when the player has zero connections.
func (m *Manager) GetPlayerSession(playerID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sid, ok := m.sessions[playerID]
	return sid, ok
}

// GetSessionConnections returns the connection ids bound to sessionID, sorted
// for stable output. A retired or unknown session returns an empty slice.
func (m *Manager) GetSessionConnections(sessionID string) []string {
	m.mu.RLock()
	set := m.bySession[sessionID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	m.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Connection returns a copy of the metadata for connID.
func (m *Manager) Connection(connID string) (ConnectionMeta, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[connID]
	if !ok {
		return ConnectionMeta{}, false
	}
	return c.snapshot(), true
}

// PlayerConnections returns copies of the metadata for every connection
// playerID holds, ordered by establishment time.
func (m *Manager) PlayerConnections(playerID string) []ConnectionMeta {
	m.mu.RLock()
	out := make([]ConnectionMeta, 0, len(m.byPlayer[playerID]))
	for _, c := range m.byPlayer[playerID] {
		out = append(out, c.snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EstablishedAt.Before(out[j].EstablishedAt) })
	return out
}

// GetPendingMessages drains and returns playerID's queued envelopes in
// arrival order.
//
// Postcondition: The player's pending queue is empty.
func (m *Manager) GetPendingMessages(playerID string) []event.Envelope {
	return m.pending.Drain(playerID)
}

// MarkSeen refreshes the last-seen timestamp for connID. Transport read pumps
// call this on inbound traffic so the stale-connection sweep skips live
// connections.
func (m *Manager) MarkSeen(connID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[connID]
	if !ok {
		return false
	}
	c.meta.LastSeen = m.now()
	if p, ok := m.presence[c.meta.PlayerID]; ok {
		p.LastSeen = c.meta.LastSeen
	}
	return true
}

// SubscribeToRoom moves playerID into roomID for broadcast targeting and
// refreshes the presence record. Returns the canonical room id.
func (m *Manager) SubscribeToRoom(ctx context.Context, playerID, roomID string) string {
	canonical := m.rooms.Subscribe(ctx, playerID, roomID)
	m.setPresenceRoom(playerID, canonical)
	return canonical
}

// UnsubscribeFromRoom removes playerID from roomID.
//
// Postcondition: Returns true if the player was subscribed. The player stops
// receiving room broadcasts immediately; a later reconnect places them by
// their stored current room instead.
func (m *Manager) UnsubscribeFromRoom(playerID, roomID string) bool {
	if !m.rooms.Unsubscribe(playerID, roomID) {
		return false
	}
	m.setPresenceRoom(playerID, "")
	return true
}

// Shutdown stops the maintenance loop and closes every live connection.
// Called by the process lifecycle on the way down.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.StopMaintenance()

	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.terminateConn(id, closeGoingAway, "server shutting down")
	}

	m.logger.Info("connection manager shut down", zap.Int("closed", len(ids)))
	return ctx.Err()
}
