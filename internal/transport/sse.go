package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cory-johannsen/mudlink/internal/event"
)

const (
	// sseBufferSize is how many frames may pile up before a slow consumer
	// counts as a failed delivery.
	sseBufferSize = 64
	// sseHeartbeatInterval spaces keepalive comment lines so proxies keep
	// the stream open.
	sseHeartbeatInterval = 15 * time.Second
)

// errSSEBufferFull is returned when the consumer falls behind. Delivery code
// treats it like any other send failure.
var errSSEBufferFull = errors.New("sse send buffer full")

// sseFrame is one server-sent-events message ready for the wire.
type sseFrame struct {
	event string
	data  []byte
}

// SSEConn adapts a server-sent-events stream to the realtime Transport
// contract. SendJSON hands frames to a buffered channel drained by the HTTP
// handler's serve loop; a full buffer is a delivery failure, never a block.
type SSEConn struct {
	frames chan sseFrame

	closeOnce sync.Once
	done      chan struct{}

	mu          sync.Mutex
	closeCode   int
	closeReason string
}

// NewSSEConn creates a stream handle with the default buffer.
func NewSSEConn() *SSEConn {
	return &SSEConn{
		frames: make(chan sseFrame, sseBufferSize),
		done:   make(chan struct{}),
	}
}

// Accept is a no-op: the stream is live once the handler wrote its headers.
func (c *SSEConn) Accept(ctx context.Context) error {
	return nil
}

// SendJSON serializes v into a frame and queues it for the serve loop.
// Envelopes carry their event type as the SSE event name; anything else goes
// out as "message".
//
// Postcondition: Never blocks. Returns errSSEBufferFull when the buffer is
// full and an error when the stream is closed.
func (c *SSEConn) SendJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling frame: %w", err)
	}

	name := "message"
	if env, ok := v.(event.Envelope); ok {
		name = string(env.EventType)
	}

	select {
	case c.frames <- sseFrame{event: name, data: data}:
		return nil
	case <-c.done:
		return errors.New("stream closed")
	default:
		return errSSEBufferFull
	}
}

// Ping always succeeds: an SSE stream carries no liveness probe. Health is
// managed by explicit marking and write failures in the serve loop.
func (c *SSEConn) Ping(ctx context.Context) error {
	select {
	case <-c.done:
		return errors.New("stream closed")
	default:
		return nil
	}
}

// Close records the close code and reason and releases the serve loop. Safe
// to call more than once.
func (c *SSEConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

// Frames returns the channel the serve loop drains.
func (c *SSEConn) Frames() <-chan sseFrame {
	return c.frames
}

// Done returns a channel closed when the stream is torn down.
func (c *SSEConn) Done() <-chan struct{} {
	return c.done
}

// CloseInfo returns the code and reason recorded by Close.
func (c *SSEConn) CloseInfo() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}
