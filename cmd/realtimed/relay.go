package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/mudlink/internal/event"
	"github.com/cory-johannsen/mudlink/internal/eventbus"
	"github.com/cory-johannsen/mudlink/internal/realtime"
)

// relay consumes game events off the bus and fans them out to connected
// clients through the manager: chat lines become room broadcasts, and new
// arrivals refresh room occupant lists. Departure refreshes are not handled
// here; the manager broadcasts those itself during connection teardown.
type relay struct {
	manager *realtime.Manager
	logger  *zap.Logger
}

func newRelay(manager *realtime.Manager, logger *zap.Logger) *relay {
	return &relay{manager: manager, logger: logger}
}

// register subscribes the relay's handlers. Handlers run async so a slow
// broadcast never stalls the dispatch loop.
func (r *relay) register(bus *eventbus.Bus) error {
	if err := bus.Subscribe(event.TypeChatMessage, eventbus.Async(r.onChat)); err != nil {
		return fmt.Errorf("subscribing chat handler: %w", err)
	}
	if err := bus.Subscribe(event.TypePlayerConnected, eventbus.Async(r.onConnected)); err != nil {
		return fmt.Errorf("subscribing connect handler: %w", err)
	}
	return nil
}

func (r *relay) onChat(ctx context.Context, ev event.Event) error {
	msg, ok := ev.(event.ChatMessage)
	if !ok {
		return fmt.Errorf("chat handler: unexpected payload %T", ev)
	}
	if msg.RoomID == "" {
		r.logger.Debug("chat without a room dropped",
			zap.String("player_id", msg.PlayerID),
		)
		return nil
	}

	env := event.NewEnvelope(event.TypeChatMessage, map[string]any{
		"player_id": msg.PlayerID,
		"channel":   msg.Channel,
		"text":      msg.Text,
	})
	env.PlayerID = msg.PlayerID
	env.RoomID = msg.RoomID

	r.manager.BroadcastToRoom(ctx, msg.RoomID, env, "")
	return nil
}

func (r *relay) onConnected(ctx context.Context, ev event.Event) error {
	pc, ok := ev.(event.PlayerConnected)
	if !ok {
		return fmt.Errorf("connect handler: unexpected payload %T", ev)
	}
	presence, online := r.manager.PresenceInfo(pc.PlayerID)
	if !online || presence.RoomID == "" {
		return nil
	}
	r.refreshOccupants(ctx, presence.RoomID)
	return nil
}

// refreshOccupants broadcasts the room's current occupant list to everyone in it.
func (r *relay) refreshOccupants(ctx context.Context, roomID string) {
	occupants := r.manager.RoomOccupants(ctx, roomID)
	env := event.NewEnvelope(event.TypeRoomOccupants, map[string]any{
		"room_id":   roomID,
		"occupants": occupants,
	})
	env.RoomID = roomID
	r.manager.BroadcastToRoom(ctx, roomID, env, "")
}
