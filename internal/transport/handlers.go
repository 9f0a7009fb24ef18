package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cory-johannsen/mudlink/internal/config"
	"github.com/cory-johannsen/mudlink/internal/event"
	"github.com/cory-johannsen/mudlink/internal/observability"
	"github.com/cory-johannsen/mudlink/internal/realtime"
)

// Server terminates client connections over HTTP: websocket upgrades on /ws,
// SSE streams on /events, plus health, stats, and metrics endpoints. Each
// accepted connection is handed to the realtime manager, which owns its
// lifecycle from there.
type Server struct {
	cfg     config.ServerConfig
	rtCfg   config.RealtimeConfig
	manager *realtime.Manager
	pub     realtime.Publisher
	metrics *observability.Metrics
	logger  *zap.Logger

	upgrader   websocket.Upgrader
	msgLimiter *realtime.RateLimiter

	mu         sync.Mutex
	httpServer *http.Server
}

// NewServer creates the transport server.
//
// Precondition: cfg and rtCfg must be validated; manager and logger must be
// non-nil. pub may be nil, in which case inbound chat messages are dropped;
// metrics may be nil to disable HTTP instrumentation.
func NewServer(
	cfg config.ServerConfig,
	rtCfg config.RealtimeConfig,
	manager *realtime.Manager,
	pub realtime.Publisher,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Server {
	s := &Server{
		cfg:        cfg,
		rtCfg:      rtCfg,
		manager:    manager,
		pub:        pub,
		metrics:    metrics,
		logger:     logger,
		msgLimiter: realtime.NewRateLimiter(rtCfg.MessageRateLimit, rtCfg.MessageRateWindow),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Routes returns the HTTP handler tree. Exposed for tests and embedding.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.instrument("/ws", s.handleWebSocket))
	mux.Handle("/events", s.instrument("/events", s.handleSSE))
	mux.Handle("/healthz", s.instrument("/healthz", s.handleHealthz))
	mux.Handle("/stats", s.instrument("/stats", s.handleStats))
	mux.Handle("/stats/connections", s.instrument("/stats/connections", s.handleConnectionStats))
	mux.Handle("/stats/health", s.instrument("/stats/health", s.handleHealthStats))
	mux.Handle("/stats/players/", s.instrument("/stats/players", s.handlePlayerStats))
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// ListenAndServe starts the HTTP listener and blocks until Stop is called.
//
// Postcondition: Returns nil on graceful shutdown, the listen or serve error
// otherwise.
func (s *Server) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}

	srv := &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("transport server listening",
		zap.String("addr", listener.Addr().String()),
		zap.Duration("startup", time.Since(start)),
	)

	if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}

// Stop drains in-flight requests within the configured shutdown timeout, then
// closes whatever remains. Safe to call when the server never started.
func (s *Server) Stop() {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown incomplete, closing", zap.Error(err))
		_ = srv.Close()
	}
	s.logger.Info("transport server stopped")
}

// checkOrigin accepts upgrades from the configured origins. An empty Origin
// header (non-browser client) is always accepted.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// clientMessage is the inbound frame shape on the websocket.
type clientMessage struct {
	Type    string `json:"type"`
	RoomID  string `json:"room_id,omitempty"`
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text,omitempty"`
}

// handleWebSocket upgrades the request, registers the connection with the
// manager, replays pending messages, and runs the read loop until the client
// goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	playerID := r.URL.Query().Get("player_id")
	if playerID == "" {
		http.Error(w, "player_id is required", http.StatusBadRequest)
		return
	}
	sessionID := r.URL.Query().Get("session_id")

	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade wrote the HTTP error response already.
		s.logger.Debug("websocket upgrade failed",
			zap.String("player_id", playerID),
			zap.Error(err),
		)
		return
	}

	conn := NewWSConn(raw, s.logger)
	meta, err := s.manager.ConnectWebSocket(r.Context(), conn, playerID, sessionID)
	if err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, realtime.ErrRateLimited) {
			code = websocket.ClosePolicyViolation
		}
		_ = conn.Close(code, err.Error())
		return
	}

	s.replayPending(r.Context(), conn, playerID)

	go conn.keepalive(func(err error) {
		s.manager.HandleWebsocketError(context.Background(), playerID, meta.ID, err)
	})

	s.readLoop(r.Context(), conn, playerID, meta.ID)
}

// readLoop consumes client frames until the connection dies, applying the
// inbound message-rate limit and forwarding chat lines to the bus.
func (s *Server) readLoop(ctx context.Context, conn *WSConn, playerID, connID string) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.manager.DisconnectWebSocket(context.Background(), playerID, connID)
				return
			}
			select {
			case <-conn.Done():
				// Closed from our side; the manager already knows.
			default:
				s.manager.HandleWebsocketError(context.Background(), playerID, connID, err)
			}
			return
		}

		s.manager.MarkSeen(connID)

		if !s.msgLimiter.Allow(connID) {
			s.manager.HandleWebsocketError(ctx, playerID, connID, realtime.ErrRateLimited)
			continue
		}
		s.handleClientMessage(ctx, conn, playerID, data)
	}
}

// handleClientMessage dispatches one inbound frame. Malformed frames are
// logged and dropped; they never kill the connection.
func (s *Server) handleClientMessage(ctx context.Context, conn *WSConn, playerID string, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Debug("malformed client message",
			zap.String("player_id", playerID),
			zap.Error(err),
		)
		return
	}

	switch msg.Type {
	case "chat":
		if s.pub == nil || msg.Text == "" {
			return
		}
		roomID := msg.RoomID
		if roomID == "" {
			if p, ok := s.manager.PresenceInfo(playerID); ok {
				roomID = p.RoomID
			}
		}
		if err := s.pub.Publish(event.ChatMessage{
			Base:     event.NewBase(),
			PlayerID: playerID,
			RoomID:   roomID,
			Channel:  msg.Channel,
			Text:     msg.Text,
		}); err != nil {
			s.logger.Warn("publishing chat message failed",
				zap.String("player_id", playerID),
				zap.Error(err),
			)
		}
	case "ping":
		env := event.NewEnvelope(event.TypeGameTick, map[string]any{"pong": true})
		if err := conn.SendJSON(ctx, env); err != nil {
			s.logger.Debug("pong reply failed",
				zap.String("player_id", playerID),
				zap.Error(err),
			)
		}
	default:
		s.logger.Debug("unknown client message type",
			zap.String("player_id", playerID),
			zap.String("type", msg.Type),
		)
	}
}

// replayPending drains the player's queued messages into this connection.
// Messages that fail to send go back through normal delivery so they queue
// again instead of vanishing.
func (s *Server) replayPending(ctx context.Context, t realtime.Transport, playerID string) {
	queued := s.manager.GetPendingMessages(playerID)
	if len(queued) == 0 {
		return
	}
	s.logger.Info("replaying pending messages",
		zap.String("player_id", playerID),
		zap.Int("count", len(queued)),
	)
	for i, env := range queued {
		if err := t.SendJSON(ctx, env); err != nil {
			s.logger.Warn("pending replay interrupted",
				zap.String("player_id", playerID),
				zap.Int("delivered", i),
				zap.Error(err),
			)
			for _, rest := range queued[i:] {
				s.manager.SendPersonalMessage(ctx, playerID, rest)
			}
			return
		}
	}
}

// handleSSE registers an SSE stream with the manager and serves frames until
// either side ends it.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	playerID := r.URL.Query().Get("player_id")
	if playerID == "" {
		http.Error(w, "player_id is required", http.StatusBadRequest)
		return
	}
	sessionID := r.URL.Query().Get("session_id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	conn := NewSSEConn()
	meta, err := s.manager.ConnectSSE(r.Context(), conn, playerID, sessionID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, realtime.ErrRateLimited) {
			status = http.StatusTooManyRequests
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for _, env := range s.manager.GetPendingMessages(playerID) {
		data, merr := json.Marshal(env)
		if merr != nil {
			continue
		}
		if werr := s.writeSSEFrame(w, flusher, string(env.EventType), data); werr != nil {
			s.manager.HandleSSEError(context.Background(), playerID, meta.ID, werr)
			return
		}
	}

	s.serveSSE(r, w, flusher, conn, playerID, meta.ID)
}

// serveSSE pumps frames and heartbeats to the client.
func (s *Server) serveSSE(r *http.Request, w http.ResponseWriter, flusher http.Flusher, conn *SSEConn, playerID, connID string) {
	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case frame := <-conn.Frames():
			if err := s.writeSSEFrame(w, flusher, frame.event, frame.data); err != nil {
				s.manager.HandleSSEError(context.Background(), playerID, connID, err)
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				s.manager.HandleSSEError(context.Background(), playerID, connID, err)
				return
			}
			flusher.Flush()
		case <-conn.Done():
			code, reason := conn.CloseInfo()
			data, _ := json.Marshal(map[string]any{"code": code, "reason": reason})
			_ = s.writeSSEFrame(w, flusher, "close", data)
			return
		case <-r.Context().Done():
			s.manager.DisconnectSSE(context.Background(), playerID, connID)
			return
		}
	}
}

// writeSSEFrame writes one event/data block and flushes it.
func (s *Server) writeSSEFrame(w http.ResponseWriter, flusher http.Flusher, name string, data []byte) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// handleHealthz reports process liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStats serves the combined manager snapshot.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.manager.Stats())
}

// handleConnectionStats serves the transport distribution of online players.
func (s *Server) handleConnectionStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.manager.DualConnectionStats())
}

// handleHealthStats serves the aggregate connection health summary.
func (s *Server) handleHealthStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.manager.HealthSummary())
}

// playerStats is the per-player introspection document.
type playerStats struct {
	PlayerID    string                   `json:"player_id"`
	Online      bool                     `json:"online"`
	SessionID   string                   `json:"session_id,omitempty"`
	Connections realtime.ConnectionCount `json:"connections"`
	Presence    *realtime.Presence       `json:"presence,omitempty"`
	RateLimit   realtime.WindowInfo      `json:"rate_limit"`
	Pending     int                      `json:"pending_messages"`
}

// handlePlayerStats serves one player's connection state, keyed by the path
// suffix after /stats/players/.
func (s *Server) handlePlayerStats(w http.ResponseWriter, r *http.Request) {
	playerID := strings.TrimPrefix(r.URL.Path, "/stats/players/")
	if playerID == "" || strings.Contains(playerID, "/") {
		http.Error(w, "player id is required", http.StatusBadRequest)
		return
	}

	stats := playerStats{
		PlayerID:    playerID,
		Connections: s.manager.GetConnectionCount(playerID),
		RateLimit:   s.manager.RateLimitInfo(playerID),
		Pending:     s.manager.PendingCount(playerID),
	}
	if p, ok := s.manager.PresenceInfo(playerID); ok {
		stats.Online = true
		stats.Presence = &p
	}
	if sid, ok := s.manager.GetPlayerSession(playerID); ok {
		stats.SessionID = sid
	}
	s.respondJSON(w, http.StatusOK, stats)
}

// respondJSON writes v as a JSON response body.
func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response failed", zap.Error(err))
	}
}
