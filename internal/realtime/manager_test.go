package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/mudlink/internal/config"
	"github.com/cory-johannsen/mudlink/internal/event"
)

// fakeTransport is a controllable Transport for tests.
type fakeTransport struct {
	mu          sync.Mutex
	acceptErr   error
	sendErr     error
	pingErr     error
	closed      bool
	closeCode   int
	closeReason string
	sent        []any
}

func (f *fakeTransport) Accept(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acceptErr
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	f.closeReason = reason
	return nil
}

func (f *fakeTransport) SendJSON(ctx context.Context, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeTransport) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) sentEnvelopes() []event.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]event.Envelope, 0, len(f.sent))
	for _, v := range f.sent {
		if env, ok := v.(event.Envelope); ok {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeTransport) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeTransport) setPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

type fakePlayerStore struct {
	players map[string]*Player
	err     error
}

func (s *fakePlayerStore) GetPlayer(ctx context.Context, id string) (*Player, error) {
	if s.err != nil {
		return nil, s.err
	}
	p, ok := s.players[id]
	if !ok {
		return nil, ErrPlayerNotFound
	}
	return p, nil
}

func (s *fakePlayerStore) GetPlayerByName(ctx context.Context, name string) (*Player, error) {
	if s.err != nil {
		return nil, s.err
	}
	for _, p := range s.players {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, ErrPlayerNotFound
}

type fakeRoomStore struct {
	rooms map[string]*Room
	err   error
}

func (s *fakeRoomStore) GetRoom(ctx context.Context, id string) (*Room, error) {
	if s.err != nil {
		return nil, s.err
	}
	r, ok := s.rooms[id]
	if !ok {
		return nil, fmt.Errorf("room %s not found", id)
	}
	return r, nil
}

type fakePusher struct {
	mu     sync.Mutex
	pushed []string
	err    error
}

func (p *fakePusher) PushInitialState(ctx context.Context, playerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.pushed = append(p.pushed, playerID)
	return nil
}

func (p *fakePusher) pushCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pushed)
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []event.Event
}

func (p *capturingPublisher) Publish(ev event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func testConfig() config.RealtimeConfig {
	return config.RealtimeConfig{
		MaxConnectionAttempts: 10,
		RateLimitWindow:       time.Minute,
		MessageRateLimit:      20,
		MessageRateWindow:     10 * time.Second,
		PendingMessageLimit:   5,
		HealthCheckTimeout:    100 * time.Millisecond,
		MaxConnectionAge:      time.Hour,
		StalePlayerThreshold:  time.Hour,
		MaintenanceInterval:   5 * time.Millisecond,
		MemoryCheckInterval:   time.Hour,
		MemoryThresholdMB:     0,
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(testConfig(), zap.NewNop(), nil, nil, nil, nil, nil)
}

func mustConnect(t *testing.T, m *Manager, playerID, sessionID string, kind Kind) (*ConnectionMeta, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	var meta *ConnectionMeta
	var err error
	if kind == KindWebSocket {
		meta, err = m.ConnectWebSocket(context.Background(), ft, playerID, sessionID)
	} else {
		meta, err = m.ConnectSSE(context.Background(), ft, playerID, sessionID)
	}
	require.NoError(t, err)
	require.NotNil(t, meta)
	return meta, ft
}

func TestManager_ConnectWebSocket(t *testing.T) {
	m := newTestManager(t)

	meta, _ := mustConnect(t, m, "alice", "s1", KindWebSocket)

	assert.NotEmpty(t, meta.ID)
	assert.Equal(t, "alice", meta.PlayerID)
	assert.Equal(t, KindWebSocket, meta.Transport)
	assert.Equal(t, "s1", meta.SessionID)
	assert.Equal(t, StateActive, meta.State)
	assert.True(t, meta.Healthy)

	count := m.GetConnectionCount("alice")
	assert.Equal(t, 1, count.Websocket)
	assert.Equal(t, 0, count.SSE)
	assert.Equal(t, 1, count.Total)

	p, ok := m.PresenceInfo("alice")
	require.True(t, ok)
	assert.Equal(t, 1, p.TotalConnections)
}

func TestManager_ConnectSSE(t *testing.T) {
	m := newTestManager(t)

	meta, _ := mustConnect(t, m, "alice", "s1", KindSSE)

	assert.Equal(t, KindSSE, meta.Transport)
	count := m.GetConnectionCount("alice")
	assert.Equal(t, 1, count.SSE)
	assert.Equal(t, 1, count.Total)
}

func TestManager_Connect_EmptyPlayerID(t *testing.T) {
	m := newTestManager(t)

	_, err := m.ConnectWebSocket(context.Background(), &fakeTransport{}, "", "s1")
	assert.Error(t, err)
}

func TestManager_Connect_NilTransport(t *testing.T) {
	m := newTestManager(t)

	_, err := m.ConnectWebSocket(context.Background(), nil, "alice", "s1")
	assert.Error(t, err)
}

func TestManager_Connect_AcceptFailure(t *testing.T) {
	m := newTestManager(t)

	ft := &fakeTransport{acceptErr: errors.New("handshake refused")}
	_, err := m.ConnectWebSocket(context.Background(), ft, "alice", "s1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEstablishFailed)

	_, ok := m.PresenceInfo("alice")
	assert.False(t, ok)
	assert.Equal(t, 0, m.GetConnectionCount("alice").Total)
	_, bound := m.GetPlayerSession("alice")
	assert.False(t, bound)
}

func TestManager_Connect_RateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnectionAttempts = 2
	m := NewManager(cfg, zap.NewNop(), nil, nil, nil, nil, nil)

	mustConnect(t, m, "alice", "s1", KindWebSocket)
	mustConnect(t, m, "alice", "s1", KindWebSocket)

	_, err := m.ConnectWebSocket(context.Background(), &fakeTransport{}, "alice", "s1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)

	// The two existing connections are untouched by the rejection.
	assert.Equal(t, 2, m.GetConnectionCount("alice").Total)
}

func TestManager_Connect_DualConnection(t *testing.T) {
	m := newTestManager(t)

	mustConnect(t, m, "alice", "s1", KindWebSocket)
	mustConnect(t, m, "alice", "s1", KindSSE)

	count := m.GetConnectionCount("alice")
	assert.Equal(t, 1, count.Websocket)
	assert.Equal(t, 1, count.SSE)
	assert.Equal(t, 2, count.Total)

	p, ok := m.PresenceInfo("alice")
	require.True(t, ok)
	assert.Equal(t, 2, p.TotalConnections)
}

func TestManager_Connect_LiveDuplicatePreserved(t *testing.T) {
	m := newTestManager(t)

	_, first := mustConnect(t, m, "alice", "s1", KindWebSocket)
	mustConnect(t, m, "alice", "s1", KindWebSocket)

	assert.False(t, first.isClosed())
	assert.Equal(t, 2, m.GetConnectionCount("alice").Websocket)
}

func TestManager_Connect_DeadConnectionReplaced(t *testing.T) {
	m := newTestManager(t)

	firstMeta, first := mustConnect(t, m, "alice", "s1", KindWebSocket)
	first.setPingErr(errors.New("broken pipe"))

	secondMeta, _ := mustConnect(t, m, "alice", "s1", KindWebSocket)

	assert.True(t, first.isClosed())
	assert.Equal(t, 1, m.GetConnectionCount("alice").Websocket)
	_, exists := m.Connection(firstMeta.ID)
	assert.False(t, exists)
	_, exists = m.Connection(secondMeta.ID)
	assert.True(t, exists)
}

func TestManager_Connect_DeadConnectionOfOtherKindKept(t *testing.T) {
	m := newTestManager(t)

	// A dead SSE connection is not probed by a websocket connect.
	_, sse := mustConnect(t, m, "alice", "s1", KindSSE)
	sse.setPingErr(errors.New("gone"))

	mustConnect(t, m, "alice", "s1", KindWebSocket)

	assert.False(t, sse.isClosed())
	assert.Equal(t, 2, m.GetConnectionCount("alice").Total)
}

func TestManager_Connect_SessionTakeover(t *testing.T) {
	m := newTestManager(t)

	_, oldWS := mustConnect(t, m, "alice", "s1", KindWebSocket)
	_, oldSSE := mustConnect(t, m, "alice", "s1", KindSSE)

	meta, _ := mustConnect(t, m, "alice", "s2", KindWebSocket)

	assert.True(t, oldWS.isClosed())
	assert.True(t, oldSSE.isClosed())
	assert.Equal(t, "s2", meta.SessionID)

	sid, ok := m.GetPlayerSession("alice")
	require.True(t, ok)
	assert.Equal(t, "s2", sid)
	assert.Empty(t, m.GetSessionConnections("s1"))
	assert.Equal(t, 1, m.GetConnectionCount("alice").Total)
}

func TestManager_Connect_AdoptsExistingSession(t *testing.T) {
	m := newTestManager(t)

	mustConnect(t, m, "alice", "s1", KindWebSocket)
	meta, _ := mustConnect(t, m, "alice", "", KindSSE)

	assert.Equal(t, "s1", meta.SessionID)
	assert.Equal(t, 2, m.GetConnectionCount("alice").Total)
}

func TestManager_Connect_MintsSessionWhenNoneExists(t *testing.T) {
	m := newTestManager(t)

	meta, _ := mustConnect(t, m, "alice", "", KindWebSocket)
	assert.NotEmpty(t, meta.SessionID)
}

func TestManager_Connect_FirstConnectionPushesInitialState(t *testing.T) {
	pusher := &fakePusher{}
	m := NewManager(testConfig(), zap.NewNop(), nil, nil, pusher, nil, nil)

	mustConnect(t, m, "alice", "s1", KindWebSocket)
	assert.Equal(t, 1, pusher.pushCount())

	mustConnect(t, m, "alice", "s1", KindSSE)
	assert.Equal(t, 1, pusher.pushCount(), "second connection must not re-push state")
}

func TestManager_Connect_PlacesPlayerInStoredRoom(t *testing.T) {
	players := &fakePlayerStore{players: map[string]*Player{
		"alice": {ID: "alice", Name: "Alice", CurrentRoomID: "town-square"},
	}}
	m := NewManager(testConfig(), zap.NewNop(), players, nil, nil, nil, nil)

	mustConnect(t, m, "alice", "s1", KindWebSocket)

	roomID, ok := m.rooms.PlayerRoom("alice")
	require.True(t, ok)
	assert.Equal(t, "town-square", roomID)

	p, ok := m.PresenceInfo("alice")
	require.True(t, ok)
	assert.Equal(t, "town-square", p.RoomID)
	assert.Equal(t, "Alice", p.Name)
}

func TestManager_Connect_ArrivalBroadcastExcludesConnector(t *testing.T) {
	players := &fakePlayerStore{players: map[string]*Player{
		"alice": {ID: "alice", Name: "Alice", CurrentRoomID: "tavern"},
	}}
	m := NewManager(testConfig(), zap.NewNop(), players, nil, nil, nil, nil)

	_, bobT := mustConnect(t, m, "bob", "s-bob", KindWebSocket)
	m.SubscribeToRoom(context.Background(), "bob", "tavern")

	_, aliceT := mustConnect(t, m, "alice", "s-alice", KindWebSocket)

	bobGot := bobT.sentEnvelopes()
	require.Len(t, bobGot, 1)
	assert.Equal(t, event.TypePlayerEnteredGame, bobGot[0].EventType)
	assert.Equal(t, "tavern", bobGot[0].RoomID)
	assert.Empty(t, aliceT.sentEnvelopes(), "connector must not receive their own arrival")
}

func TestManager_Disconnect_KeepsOtherConnections(t *testing.T) {
	m := newTestManager(t)

	wsMeta, wsT := mustConnect(t, m, "alice", "s1", KindWebSocket)
	mustConnect(t, m, "alice", "s1", KindSSE)

	ok := m.DisconnectWebSocket(context.Background(), "alice", wsMeta.ID)
	require.True(t, ok)
	assert.True(t, wsT.isClosed())

	count := m.GetConnectionCount("alice")
	assert.Equal(t, 0, count.Websocket)
	assert.Equal(t, 1, count.SSE)

	p, present := m.PresenceInfo("alice")
	require.True(t, present, "presence survives while a connection remains")
	assert.Equal(t, 1, p.TotalConnections)
}

func TestManager_Disconnect_LastConnectionTearsDown(t *testing.T) {
	players := &fakePlayerStore{players: map[string]*Player{
		"alice": {ID: "alice", CurrentRoomID: "tavern"},
	}}
	m := NewManager(testConfig(), zap.NewNop(), players, nil, nil, nil, nil)

	meta, _ := mustConnect(t, m, "alice", "s1", KindWebSocket)
	require.True(t, m.DisconnectWebSocket(context.Background(), "alice", meta.ID))

	_, present := m.PresenceInfo("alice")
	assert.False(t, present)
	assert.Equal(t, 0, m.RateLimitInfo("alice").Count)
	assert.Empty(t, m.GetPendingMessages("alice"))

	// The room subscription persists so a reconnect lands back in the room.
	roomID, subscribed := m.rooms.PlayerRoom("alice")
	require.True(t, subscribed)
	assert.Equal(t, "tavern", roomID)
}

func TestManager_Disconnect_WrongKind(t *testing.T) {
	m := newTestManager(t)

	meta, _ := mustConnect(t, m, "alice", "s1", KindWebSocket)
	assert.False(t, m.DisconnectSSE(context.Background(), "alice", meta.ID))
	assert.Equal(t, 1, m.GetConnectionCount("alice").Total)
}

func TestManager_Disconnect_UnknownConnection(t *testing.T) {
	m := newTestManager(t)
	assert.False(t, m.DisconnectWebSocket(context.Background(), "alice", "no-such-conn"))
}

func TestManager_DisconnectConnection_ByIDAlone(t *testing.T) {
	m := newTestManager(t)

	meta, ft := mustConnect(t, m, "alice", "s1", KindSSE)
	require.True(t, m.DisconnectConnection(context.Background(), meta.ID))
	assert.True(t, ft.isClosed())
	assert.False(t, m.DisconnectConnection(context.Background(), meta.ID))
}

func TestManager_ForceDisconnectPlayer(t *testing.T) {
	players := &fakePlayerStore{players: map[string]*Player{
		"alice": {ID: "alice", CurrentRoomID: "tavern"},
	}}
	m := NewManager(testConfig(), zap.NewNop(), players, nil, nil, nil, nil)

	_, wsT := mustConnect(t, m, "alice", "s1", KindWebSocket)
	_, sseT := mustConnect(t, m, "alice", "s1", KindSSE)

	n := m.ForceDisconnectPlayer(context.Background(), "alice")
	assert.Equal(t, 2, n)
	assert.True(t, wsT.isClosed())
	assert.True(t, sseT.isClosed())

	_, present := m.PresenceInfo("alice")
	assert.False(t, present)
	_, bound := m.GetPlayerSession("alice")
	assert.False(t, bound)
	_, subscribed := m.rooms.PlayerRoom("alice")
	assert.False(t, subscribed, "force disconnect removes the room subscription")
}

func TestManager_HandleNewGameSession(t *testing.T) {
	m := newTestManager(t)

	mustConnect(t, m, "alice", "s1", KindWebSocket)
	mustConnect(t, m, "alice", "s1", KindSSE)

	report := m.HandleNewGameSession(context.Background(), "alice", "s2")

	assert.Equal(t, "s1", report.PreviousSessionID)
	assert.Equal(t, "s2", report.NewSessionID)
	assert.Equal(t, 2, report.Terminated)

	sid, ok := m.GetPlayerSession("alice")
	require.True(t, ok)
	assert.Equal(t, "s2", sid)
	assert.Empty(t, m.GetSessionConnections("s1"))
	assert.Equal(t, 0, m.GetConnectionCount("alice").Total)

	// Reconnecting with the new session id resumes normally.
	meta, _ := mustConnect(t, m, "alice", "s2", KindWebSocket)
	assert.Equal(t, "s2", meta.SessionID)
}

func TestManager_GetPendingMessages_DrainsOnce(t *testing.T) {
	m := newTestManager(t)

	m.SendPersonalMessage(context.Background(), "ghost", event.NewEnvelope(event.TypeChatMessage, nil))
	m.SendPersonalMessage(context.Background(), "ghost", event.NewEnvelope(event.TypeChatMessage, nil))

	drained := m.GetPendingMessages("ghost")
	assert.Len(t, drained, 2)
	assert.Empty(t, m.GetPendingMessages("ghost"))
}

func TestManager_MarkSeen(t *testing.T) {
	m := newTestManager(t)

	meta, _ := mustConnect(t, m, "alice", "s1", KindWebSocket)

	future := time.Now().Add(time.Minute)
	m.now = func() time.Time { return future }

	require.True(t, m.MarkSeen(meta.ID))
	updated, ok := m.Connection(meta.ID)
	require.True(t, ok)
	assert.Equal(t, future, updated.LastSeen)

	assert.False(t, m.MarkSeen("no-such-conn"))
}

func TestManager_SubscribeToRoom_MovesBetweenRooms(t *testing.T) {
	m := newTestManager(t)

	mustConnect(t, m, "alice", "s1", KindWebSocket)
	m.SubscribeToRoom(context.Background(), "alice", "tavern")
	m.SubscribeToRoom(context.Background(), "alice", "cellar")

	roomID, ok := m.rooms.PlayerRoom("alice")
	require.True(t, ok)
	assert.Equal(t, "cellar", roomID)
	assert.Empty(t, m.rooms.Subscribers("tavern"))

	require.True(t, m.UnsubscribeFromRoom("alice", "cellar"))
	_, ok = m.rooms.PlayerRoom("alice")
	assert.False(t, ok)
}

func TestManager_Shutdown_ClosesEverything(t *testing.T) {
	m := newTestManager(t)

	_, t1 := mustConnect(t, m, "alice", "s1", KindWebSocket)
	_, t2 := mustConnect(t, m, "bob", "s2", KindSSE)

	require.NoError(t, m.Shutdown(context.Background()))
	assert.True(t, t1.isClosed())
	assert.True(t, t2.isClosed())
	assert.Empty(t, m.OnlinePlayers())
}

func TestManager_ConcurrentConnects(t *testing.T) {
	m := newTestManager(t)

	const goroutines = 20
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		kind := KindWebSocket
		if i%2 == 0 {
			kind = KindSSE
		}
		go func(kind Kind) {
			defer wg.Done()
			ft := &fakeTransport{}
			if kind == KindWebSocket {
				_, _ = m.ConnectWebSocket(context.Background(), ft, "alice", "s1")
			} else {
				_, _ = m.ConnectSSE(context.Background(), ft, "alice", "s1")
			}
		}(kind)
	}
	wg.Wait()

	count := m.GetConnectionCount("alice")
	p, ok := m.PresenceInfo("alice")
	if count.Total > 0 {
		require.True(t, ok)
		assert.Equal(t, count.Total, p.TotalConnections)
		assert.Equal(t, count.Websocket+count.SSE, count.Total)
	}
}

func TestManager_ConcurrentConnectDisconnect(t *testing.T) {
	m := newTestManager(t)

	const rounds = 50
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			meta, err := m.ConnectSSE(context.Background(), &fakeTransport{}, "alice", "s1")
			if err == nil {
				m.DisconnectSSE(context.Background(), "alice", meta.ID)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			m.CheckConnectionHealth(context.Background(), "alice")
		}
	}()
	wg.Wait()

	count := m.GetConnectionCount("alice")
	_, present := m.PresenceInfo("alice")
	assert.Equal(t, count.Total > 0, present, "presence exists iff connections exist")
}

func TestPropertyPresenceMatchesConnections(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := testConfig()
		cfg.MaxConnectionAttempts = 200
		m := NewManager(cfg, zap.NewNop(), nil, nil, nil, nil, nil)

		wsConns := rapid.IntRange(0, 5).Draw(t, "wsConns")
		sseConns := rapid.IntRange(0, 5).Draw(t, "sseConns")

		var ids []string
		for i := 0; i < wsConns; i++ {
			meta, err := m.ConnectWebSocket(context.Background(), &fakeTransport{}, "p1", "s1")
			if err == nil {
				ids = append(ids, meta.ID)
			}
		}
		for i := 0; i < sseConns; i++ {
			meta, err := m.ConnectSSE(context.Background(), &fakeTransport{}, "p1", "s1")
			if err == nil {
				ids = append(ids, meta.ID)
			}
		}

		drops := rapid.IntRange(0, len(ids)).Draw(t, "drops")
		for i := 0; i < drops; i++ {
			m.DisconnectConnection(context.Background(), ids[i])
		}

		count := m.GetConnectionCount("p1")
		p, present := m.PresenceInfo("p1")
		if count.Total == 0 {
			if present {
				t.Fatalf("presence exists with zero connections")
			}
			return
		}
		if !present {
			t.Fatalf("no presence with %d connections", count.Total)
		}
		if p.TotalConnections != count.Websocket+count.SSE {
			t.Fatalf("presence total %d != ws %d + sse %d", p.TotalConnections, count.Websocket, count.SSE)
		}
	})
}
