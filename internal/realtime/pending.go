package realtime

import (
	"sync"

	"github.com/cory-johannsen/mudlink/internal/event"
)

// MessageQueue buffers undelivered envelopes per player, capped at a maximum
// length with oldest-first eviction. It is the delivery fallback for players
// with zero live connections; queued messages are drained on next connect.
// All methods are safe for concurrent use.
type MessageQueue struct {
	capacity int
	mu       sync.RWMutex
	queues   map[string][]event.Envelope
}

// defaultQueueCap bounds a player's pending queue when no capacity is configured.
const defaultQueueCap = 100

// NewMessageQueue creates a queue holding at most capacity envelopes per
// player. capacity <= 0 selects the default.
func NewMessageQueue(capacity int) *MessageQueue {
	if capacity <= 0 {
		capacity = defaultQueueCap
	}
	return &MessageQueue{
		capacity: capacity,
		queues:   make(map[string][]event.Envelope),
	}
}

// Add appends env to playerID's queue.
//
// Postcondition: The queue holds at most the configured capacity; when full,
// the oldest envelope is evicted first. Returns the number of evicted envelopes.
func (q *MessageQueue) Add(playerID string, env event.Envelope) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := append(q.queues[playerID], env)
	evicted := 0
	if len(queue) > q.capacity {
		evicted = len(queue) - q.capacity
		queue = queue[evicted:]
	}
	q.queues[playerID] = queue
	return evicted
}

// Drain removes and returns all queued envelopes for playerID in arrival order.
//
// Postcondition: The player's queue is empty. Returns nil when nothing was queued.
func (q *MessageQueue) Drain(playerID string) []event.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue, ok := q.queues[playerID]
	if !ok || len(queue) == 0 {
		return nil
	}
	out := make([]event.Envelope, len(queue))
	copy(out, queue)
	delete(q.queues, playerID)
	return out
}

// Count returns the number of envelopes queued for playerID.
func (q *MessageQueue) Count(playerID string) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.queues[playerID])
}

// Remove discards playerID's queue entirely.
func (q *MessageQueue) Remove(playerID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, playerID)
}

// Players returns the number of players with queued messages.
func (q *MessageQueue) Players() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.queues)
}

// PlayerIDs returns the ids of players with queued messages. Used by the
// orphan sweep to find queues whose player is gone.
func (q *MessageQueue) PlayerIDs() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]string, 0, len(q.queues))
	for playerID := range q.queues {
		out = append(out, playerID)
	}
	return out
}

// TotalQueued returns the total number of queued envelopes across players.
func (q *MessageQueue) TotalQueued() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	total := 0
	for _, queue := range q.queues {
		total += len(queue)
	}
	return total
}
