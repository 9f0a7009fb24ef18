package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cory-johannsen/mudlink/internal/event"
)

func TestManager_CheckConnectionHealth_AllHealthy(t *testing.T) {
	m := newTestManager(t)

	mustConnect(t, m, "alice", "s1", KindWebSocket)
	mustConnect(t, m, "alice", "s1", KindSSE)

	report := m.CheckConnectionHealth(context.Background(), "alice")

	assert.Equal(t, 1, report.Websocket)
	assert.Equal(t, 1, report.SSE)
	assert.Equal(t, 2, report.Healthy)
	assert.Equal(t, 0, report.Unhealthy)
	assert.Empty(t, report.Cleaned)
}

func TestManager_CheckConnectionHealth_PingFailureCleansUp(t *testing.T) {
	m := newTestManager(t)

	meta, ft := mustConnect(t, m, "alice", "s1", KindWebSocket)
	ft.setPingErr(errors.New("i/o timeout"))

	report := m.CheckConnectionHealth(context.Background(), "alice")

	assert.Equal(t, 1, report.Unhealthy)
	assert.Contains(t, report.Cleaned, meta.ID)
	assert.True(t, ft.isClosed())
	_, exists := m.Connection(meta.ID)
	assert.False(t, exists)
}

func TestManager_CheckConnectionHealth_PingRestoresHealthy(t *testing.T) {
	m := newTestManager(t)

	meta, _ := mustConnect(t, m, "alice", "s1", KindWebSocket)
	require.True(t, m.MarkConnectionUnhealthy(meta.ID))

	c, ok := m.Connection(meta.ID)
	require.True(t, ok)
	require.False(t, c.Healthy)

	report := m.CheckConnectionHealth(context.Background(), "alice")
	assert.Equal(t, 1, report.Healthy)

	c, ok = m.Connection(meta.ID)
	require.True(t, ok)
	assert.True(t, c.Healthy, "successful ping restores the flag")
}

func TestManager_CheckConnectionHealth_SSEHealthyWithoutProbe(t *testing.T) {
	m := newTestManager(t)

	// An SSE connection is never pinged, so a failing Ping must not matter.
	_, ft := mustConnect(t, m, "alice", "s1", KindSSE)
	ft.setPingErr(errors.New("unused"))

	report := m.CheckConnectionHealth(context.Background(), "alice")
	assert.Equal(t, 1, report.Healthy)
	assert.Empty(t, report.Cleaned)
	assert.False(t, ft.isClosed())
}

func TestManager_CheckConnectionHealth_SSEMarkedUnhealthyCleaned(t *testing.T) {
	m := newTestManager(t)

	meta, ft := mustConnect(t, m, "alice", "s1", KindSSE)
	require.True(t, m.MarkConnectionUnhealthy(meta.ID))

	report := m.CheckConnectionHealth(context.Background(), "alice")

	assert.Equal(t, 1, report.Unhealthy)
	assert.Contains(t, report.Cleaned, meta.ID)
	assert.True(t, ft.isClosed())
}

func TestManager_MarkConnectionUnhealthy_UnknownConnection(t *testing.T) {
	m := newTestManager(t)
	assert.False(t, m.MarkConnectionUnhealthy("no-such-conn"))
}

func TestManager_CleanupOrphanedData_EvictsStaleConnections(t *testing.T) {
	m := newTestManager(t)

	meta, ft := mustConnect(t, m, "alice", "s1", KindWebSocket)

	// Jump past MaxConnectionAge without touching the connection.
	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	report := m.CleanupOrphanedData(context.Background())

	assert.Equal(t, 1, report.StaleConnections)
	assert.True(t, ft.isClosed())
	_, exists := m.Connection(meta.ID)
	assert.False(t, exists)
}

func TestManager_CleanupOrphanedData_DropsOrphanedPendingQueues(t *testing.T) {
	m := newTestManager(t)

	// ghost: queued messages, no presence, no room subscription.
	m.SendPersonalMessage(context.Background(), "ghost", event.NewEnvelope(event.TypeChatMessage, nil))
	// lurker: offline but still subscribed to a room, queue must survive.
	m.SubscribeToRoom(context.Background(), "lurker", "tavern")
	m.SendPersonalMessage(context.Background(), "lurker", event.NewEnvelope(event.TypeChatMessage, nil))

	report := m.CleanupOrphanedData(context.Background())

	assert.Equal(t, 1, report.PendingDropped)
	assert.Equal(t, 0, m.pending.Count("ghost"))
	assert.Equal(t, 1, m.pending.Count("lurker"))
}

func TestManager_CleanupOrphanedData_KeepsOnlinePlayerQueue(t *testing.T) {
	m := newTestManager(t)

	mustConnect(t, m, "alice", "s1", KindWebSocket)
	m.pending.Add("alice", event.NewEnvelope(event.TypeChatMessage, nil))

	report := m.CleanupOrphanedData(context.Background())
	assert.Equal(t, 0, report.PendingDropped)
	assert.Equal(t, 1, m.pending.Count("alice"))
}

func TestManager_PruneStalePlayers(t *testing.T) {
	m := newTestManager(t)

	_, ft := mustConnect(t, m, "alice", "s1", KindWebSocket)

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	pruned := m.PruneStalePlayers(context.Background())

	assert.Equal(t, 1, pruned)
	assert.True(t, ft.isClosed())
	_, present := m.PresenceInfo("alice")
	assert.False(t, present)
}

func TestManager_PruneStalePlayers_RecentPlayerKept(t *testing.T) {
	m := newTestManager(t)

	mustConnect(t, m, "alice", "s1", KindWebSocket)

	assert.Equal(t, 0, m.PruneStalePlayers(context.Background()))
	_, present := m.PresenceInfo("alice")
	assert.True(t, present)
}

func TestManager_ForceCleanup(t *testing.T) {
	m := newTestManager(t)

	m.SendPersonalMessage(context.Background(), "ghost", event.NewEnvelope(event.TypeChatMessage, nil))
	report := m.ForceCleanup(context.Background())

	assert.Equal(t, 1, report.PendingDropped)
	assert.Equal(t, uint64(1), m.MemoryStats().CleanupRuns)
}

func TestManager_StartMaintenance_RunsPeriodicCleanup(t *testing.T) {
	cfg := testConfig()
	cfg.MaintenanceInterval = 2 * time.Millisecond
	cfg.MemoryCheckInterval = time.Millisecond
	m := NewManager(cfg, zap.NewNop(), nil, nil, nil, nil, nil)

	require.NoError(t, m.StartMaintenance(context.Background()))
	defer m.StopMaintenance()

	assert.Eventually(t, func() bool {
		return m.MemoryStats().CleanupRuns >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestManager_StartMaintenance_Twice(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.StartMaintenance(context.Background()))
	assert.Error(t, m.StartMaintenance(context.Background()))
	m.StopMaintenance()

	// A stopped loop can be started again.
	require.NoError(t, m.StartMaintenance(context.Background()))
	m.StopMaintenance()
}

func TestManager_StopMaintenance_NeverStarted(t *testing.T) {
	m := newTestManager(t)
	assert.NotPanics(t, func() { m.StopMaintenance() })
}
