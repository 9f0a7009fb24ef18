package realtime

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// RoomSubscriptionManager tracks which room each player is subscribed to for
// broadcast targeting. A player subscribes to one room at a time; subscribing
// to a new room moves them. Room ids are resolved to their canonical form
// through the RoomStore; resolution failure degrades to the id as given.
// All methods are safe for concurrent use.
type RoomSubscriptionManager struct {
	rooms  RoomStore
	logger *zap.Logger

	mu          sync.RWMutex
	subscribers map[string]map[string]bool // roomID → set of playerIDs
	playerRoom  map[string]string          // playerID → roomID
}

// NewRoomSubscriptionManager creates an empty subscription manager.
//
// Precondition: logger must be non-nil. rooms may be nil, in which case ids
// are used as given without canonicalization.
func NewRoomSubscriptionManager(rooms RoomStore, logger *zap.Logger) *RoomSubscriptionManager {
	return &RoomSubscriptionManager{
		rooms:       rooms,
		logger:      logger,
		subscribers: make(map[string]map[string]bool),
		playerRoom:  make(map[string]string),
	}
}

// Canonical resolves roomID to its canonical id via the RoomStore. Lookup
// failure returns the id as given; the subscription layer never fails on a
// missing room.
func (r *RoomSubscriptionManager) Canonical(ctx context.Context, roomID string) string {
	if r.rooms == nil || roomID == "" {
		return roomID
	}
	room, err := r.rooms.GetRoom(ctx, roomID)
	if err != nil || room == nil {
		r.logger.Debug("room resolution failed, using id as given",
			zap.String("room_id", roomID),
			zap.Error(err),
		)
		return roomID
	}
	return room.ID
}

// Subscribe places playerID in roomID, moving them out of any previous room.
//
// Precondition: playerID and roomID must be non-empty.
// Postcondition: Returns the canonical room id the player is now subscribed to.
func (r *RoomSubscriptionManager) Subscribe(ctx context.Context, playerID, roomID string) string {
	canonical := r.Canonical(ctx, roomID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.playerRoom[playerID]; ok {
		if prev == canonical {
			return canonical
		}
		r.removeLocked(playerID, prev)
	}

	if r.subscribers[canonical] == nil {
		r.subscribers[canonical] = make(map[string]bool)
	}
	r.subscribers[canonical][playerID] = true
	r.playerRoom[playerID] = canonical
	return canonical
}

// Unsubscribe removes playerID from roomID.
//
// Postcondition: Returns true if the player was subscribed to that room.
func (r *RoomSubscriptionManager) Unsubscribe(playerID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.playerRoom[playerID] != roomID {
		return false
	}
	r.removeLocked(playerID, roomID)
	delete(r.playerRoom, playerID)
	return true
}

// UnsubscribeAll removes playerID from whatever room they occupy.
//
// Postcondition: Returns the room id the player was removed from, or "" if none.
func (r *RoomSubscriptionManager) UnsubscribeAll(playerID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok := r.playerRoom[playerID]
	if !ok {
		return ""
	}
	r.removeLocked(playerID, roomID)
	delete(r.playerRoom, playerID)
	return roomID
}

// removeLocked drops playerID from roomID's subscriber set. Caller must hold mu.
func (r *RoomSubscriptionManager) removeLocked(playerID, roomID string) {
	if subs, ok := r.subscribers[roomID]; ok {
		delete(subs, playerID)
		if len(subs) == 0 {
			delete(r.subscribers, roomID)
		}
	}
}

// Subscribers returns the player ids subscribed to roomID, online or not.
func (r *RoomSubscriptionManager) Subscribers(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs, ok := r.subscribers[roomID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(subs))
	for playerID := range subs {
		out = append(out, playerID)
	}
	return out
}

// PlayerRoom returns the room playerID is subscribed to.
//
// Postcondition: Returns (roomID, true) if subscribed, ("", false) otherwise.
func (r *RoomSubscriptionManager) PlayerRoom(playerID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roomID, ok := r.playerRoom[playerID]
	return roomID, ok
}

// RoomCount returns the number of rooms with at least one subscriber.
func (r *RoomSubscriptionManager) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

// SubscriberCount returns the total number of room subscriptions.
func (r *RoomSubscriptionManager) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.playerRoom)
}
