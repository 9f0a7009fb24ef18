package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/mudlink/internal/event"
	"github.com/cory-johannsen/mudlink/internal/realtime"
)

// statePusher assembles the game_state snapshot delivered on a player's first
// connection. The manager is bound after construction because the manager
// itself takes the pusher as a collaborator.
type statePusher struct {
	players realtime.PlayerStore
	rooms   realtime.RoomStore
	logger  *zap.Logger

	mu      sync.RWMutex
	manager *realtime.Manager
}

func newStatePusher(players realtime.PlayerStore, rooms realtime.RoomStore, logger *zap.Logger) *statePusher {
	return &statePusher{
		players: players,
		rooms:   rooms,
		logger:  logger,
	}
}

// Bind attaches the connection manager. Must be called before the transport
// layer starts accepting clients.
func (p *statePusher) Bind(m *realtime.Manager) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.manager = m
}

// PushInitialState loads the player's stored state and delivers a game_state
// envelope to their connections. A player missing from storage still receives
// a minimal snapshot; storage outage is reported to the caller.
func (p *statePusher) PushInitialState(ctx context.Context, playerID string) error {
	p.mu.RLock()
	m := p.manager
	p.mu.RUnlock()
	if m == nil {
		return fmt.Errorf("push initial state for %s: manager not bound", playerID)
	}

	data := map[string]any{"player_id": playerID}

	player, err := p.players.GetPlayer(ctx, playerID)
	if err != nil && !errors.Is(err, realtime.ErrPlayerNotFound) {
		return fmt.Errorf("loading player %s: %w", playerID, err)
	}
	if player != nil {
		data["name"] = player.Name
		data["display_name"] = player.DisplayName
		data["profession"] = player.Profession
		if player.CurrentRoomID != "" {
			data["room"] = p.roomSnapshot(ctx, player.CurrentRoomID)
			data["occupants"] = m.RoomOccupants(ctx, player.CurrentRoomID)
		}
	}

	env := event.NewEnvelope(event.TypeGameState, data)
	env.PlayerID = playerID
	m.SendPersonalMessage(ctx, playerID, env)
	return nil
}

// roomSnapshot resolves the room row; a missing room degrades to id only.
func (p *statePusher) roomSnapshot(ctx context.Context, roomID string) map[string]any {
	room, err := p.rooms.GetRoom(ctx, roomID)
	if err != nil {
		p.logger.Debug("room lookup failed for initial state",
			zap.String("room_id", roomID),
			zap.Error(err),
		)
		return map[string]any{"id": roomID}
	}
	return map[string]any{"id": room.ID, "name": room.Name, "zone": room.Zone}
}
