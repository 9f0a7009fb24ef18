package testutil

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cory-johannsen/mudlink/internal/event"
)

// WSClient is a WebSocket test client for integration testing. The underlying
// *websocket.Conn is embedded, so gorilla's read and write methods are
// available directly.
type WSClient struct {
	*websocket.Conn
	t *testing.T
}

// NewWSClient dials the given ws:// URL and returns a connected test client.
//
// Precondition: url must point at a listening WebSocket endpoint.
// Postcondition: Returns a connected WSClient or fails the test.
func NewWSClient(t *testing.T, url string) *WSClient {
	t.Helper()
	start := time.Now()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v [%s]", url, err, time.Since(start))
	}
	if resp != nil {
		resp.Body.Close()
	}

	t.Cleanup(func() {
		conn.Close()
	})

	t.Logf("websocket client connected to %s [%s]", url, time.Since(start))
	return &WSClient{Conn: conn, t: t}
}

// ReadEnvelope reads the next JSON envelope off the connection or fails the
// test after timeout.
//
// Postcondition: Returns a decoded envelope; the read deadline is consumed.
func (c *WSClient) ReadEnvelope(timeout time.Duration) event.Envelope {
	c.t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(timeout))

	var env event.Envelope
	if err := c.ReadJSON(&env); err != nil {
		c.t.Fatalf("reading envelope: %v", err)
	}
	return env
}

// WaitFor reads envelopes until one of the given type arrives, discarding
// others, or fails the test after timeout.
//
// Precondition: eventType must be non-empty.
// Postcondition: Returns the first matching envelope.
func (c *WSClient) WaitFor(eventType event.Type, timeout time.Duration) event.Envelope {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.t.Fatalf("no %q envelope within %s", eventType, timeout)
		}
		env := c.ReadEnvelope(remaining)
		if env.EventType == eventType {
			return env
		}
	}
}

// SendJSON writes v to the server with a bounded write deadline.
func (c *WSClient) SendJSON(v any) {
	c.t.Helper()
	_ = c.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.WriteJSON(v); err != nil {
		c.t.Fatalf("sending message: %v", err)
	}
}
