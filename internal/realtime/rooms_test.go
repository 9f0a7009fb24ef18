package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRooms(store RoomStore) *RoomSubscriptionManager {
	return NewRoomSubscriptionManager(store, zap.NewNop())
}

func TestRoomSubscriptionManager_Subscribe(t *testing.T) {
	r := newTestRooms(nil)

	got := r.Subscribe(context.Background(), "alice", "tavern")
	assert.Equal(t, "tavern", got)

	roomID, ok := r.PlayerRoom("alice")
	require.True(t, ok)
	assert.Equal(t, "tavern", roomID)
	assert.Equal(t, []string{"alice"}, r.Subscribers("tavern"))
}

func TestRoomSubscriptionManager_SubscribeMoves(t *testing.T) {
	r := newTestRooms(nil)

	r.Subscribe(context.Background(), "alice", "tavern")
	r.Subscribe(context.Background(), "alice", "cellar")

	roomID, _ := r.PlayerRoom("alice")
	assert.Equal(t, "cellar", roomID)
	assert.Empty(t, r.Subscribers("tavern"), "moving removes the old subscription")
	assert.Equal(t, 1, r.RoomCount())
	assert.Equal(t, 1, r.SubscriberCount())
}

func TestRoomSubscriptionManager_SubscribeSameRoomTwice(t *testing.T) {
	r := newTestRooms(nil)

	r.Subscribe(context.Background(), "alice", "tavern")
	r.Subscribe(context.Background(), "alice", "tavern")

	assert.Equal(t, []string{"alice"}, r.Subscribers("tavern"))
	assert.Equal(t, 1, r.SubscriberCount())
}

func TestRoomSubscriptionManager_CanonicalResolution(t *testing.T) {
	store := &fakeRoomStore{rooms: map[string]*Room{
		"tavern-alias": {ID: "room-001", Name: "The Tavern"},
	}}
	r := newTestRooms(store)

	got := r.Subscribe(context.Background(), "alice", "tavern-alias")
	assert.Equal(t, "room-001", got)
	assert.Equal(t, []string{"alice"}, r.Subscribers("room-001"))
	assert.Empty(t, r.Subscribers("tavern-alias"))
}

func TestRoomSubscriptionManager_ResolutionFailureDegrades(t *testing.T) {
	store := &fakeRoomStore{err: errors.New("database down")}
	r := newTestRooms(store)

	got := r.Subscribe(context.Background(), "alice", "tavern")
	assert.Equal(t, "tavern", got, "lookup failure keeps the id as given")
	assert.Equal(t, []string{"alice"}, r.Subscribers("tavern"))
}

func TestRoomSubscriptionManager_CanonicalEmptyID(t *testing.T) {
	store := &fakeRoomStore{rooms: map[string]*Room{}}
	r := newTestRooms(store)
	assert.Equal(t, "", r.Canonical(context.Background(), ""))
}

func TestRoomSubscriptionManager_Unsubscribe(t *testing.T) {
	r := newTestRooms(nil)

	r.Subscribe(context.Background(), "alice", "tavern")

	assert.False(t, r.Unsubscribe("alice", "cellar"), "wrong room")
	assert.True(t, r.Unsubscribe("alice", "tavern"))
	assert.False(t, r.Unsubscribe("alice", "tavern"), "already unsubscribed")

	_, ok := r.PlayerRoom("alice")
	assert.False(t, ok)
	assert.Equal(t, 0, r.RoomCount())
}

func TestRoomSubscriptionManager_UnsubscribeAll(t *testing.T) {
	r := newTestRooms(nil)

	r.Subscribe(context.Background(), "alice", "tavern")

	assert.Equal(t, "tavern", r.UnsubscribeAll("alice"))
	assert.Equal(t, "", r.UnsubscribeAll("alice"), "second call finds nothing")
}

func TestRoomSubscriptionManager_Concurrent(t *testing.T) {
	r := newTestRooms(nil)

	const players = 20
	var wg sync.WaitGroup
	wg.Add(players)
	for i := 0; i < players; i++ {
		go func(i int) {
			defer wg.Done()
			playerID := fmt.Sprintf("player-%d", i)
			r.Subscribe(context.Background(), playerID, "tavern")
			r.Subscribe(context.Background(), playerID, "cellar")
			if i%2 == 0 {
				r.UnsubscribeAll(playerID)
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, r.Subscribers("cellar"), players/2)
	assert.Empty(t, r.Subscribers("tavern"))
	assert.Equal(t, players/2, r.SubscriberCount())
}
