// Package transport exposes the realtime manager over WebSocket and
// server-sent-event endpoints, with health and stats introspection alongside.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may go silent before the read loop
	// times out. Keepalive pings must arrive inside this.
	pongWait = 60 * time.Second
	// pingPeriod spaces keepalive pings. Must be under pongWait.
	pingPeriod = 54 * time.Second
	// maxMessageSize caps inbound client frames.
	maxMessageSize = 64 * 1024
)

// WSConn adapts a gorilla websocket connection to the realtime Transport
// contract. Writes are serialized through a mutex; reading belongs to the
// owning handler's read loop, which also feeds the pong handler.
type WSConn struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	pongMu      sync.Mutex
	pongWaiters map[string]chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// NewWSConn wraps an upgraded websocket connection.
//
// Precondition: conn and logger must be non-nil.
func NewWSConn(conn *websocket.Conn, logger *zap.Logger) *WSConn {
	return &WSConn{
		conn:        conn,
		logger:      logger,
		pongWaiters: make(map[string]chan struct{}),
		done:        make(chan struct{}),
	}
}

// Accept finishes transport setup after the HTTP upgrade: read limits, the
// initial read deadline, and the pong handler that extends it.
func (c *WSConn) Accept(ctx context.Context) error {
	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return fmt.Errorf("setting read deadline: %w", err)
	}
	c.conn.SetPongHandler(func(appData string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Debug("extending read deadline failed", zap.Error(err))
		}
		c.resolvePong(appData)
		return nil
	})
	return nil
}

// SendJSON serializes v and writes it as a text frame. The write deadline is
// the earlier of ctx's deadline and the frame write bound.
func (c *WSConn) SendJSON(ctx context.Context, v any) error {
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	return c.conn.WriteJSON(v)
}

// Ping writes a ping control frame carrying a nonce and waits for the
// matching pong. The owning read loop must be running for pongs to arrive.
//
// Postcondition: Returns nil iff the pong came back before ctx expired or the
// connection closed.
func (c *WSConn) Ping(ctx context.Context) error {
	nonce := uuid.NewString()
	waiter := make(chan struct{})

	c.pongMu.Lock()
	c.pongWaiters[nonce] = waiter
	c.pongMu.Unlock()
	defer func() {
		c.pongMu.Lock()
		delete(c.pongWaiters, nonce)
		c.pongMu.Unlock()
	}()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	err := c.conn.WriteControl(websocket.PingMessage, []byte(nonce), deadline)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("writing ping: %w", err)
	}

	select {
	case <-waiter:
		return nil
	case <-c.done:
		return errors.New("connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolvePong releases the waiter registered for nonce, if any. Unsolicited
// pongs and keepalive pongs carry no registered nonce and are dropped here.
func (c *WSConn) resolvePong(nonce string) {
	c.pongMu.Lock()
	waiter, ok := c.pongWaiters[nonce]
	if ok {
		delete(c.pongWaiters, nonce)
	}
	c.pongMu.Unlock()
	if ok {
		close(waiter)
	}
}

// Close sends a close frame with the given code and reason, then tears down
// the underlying connection. Safe to call more than once; later calls are
// no-ops returning nil.
func (c *WSConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		msg := websocket.FormatCloseMessage(code, reason)
		deadline := time.Now().Add(writeWait)
		c.writeMu.Lock()
		if werr := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); werr != nil {
			c.logger.Debug("writing close frame failed", zap.Error(werr))
		}
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}

// ReadMessage blocks for the next data frame from the client. Control frames
// are consumed by gorilla's handlers underneath.
func (c *WSConn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Done returns a channel closed when the connection is torn down.
func (c *WSConn) Done() <-chan struct{} {
	return c.done
}

// keepalive sends unsolicited pings on a fixed period so the client's pong
// responses keep extending the read deadline. Runs until the connection
// closes or a ping write fails; onFailure reports the write error.
func (c *WSConn) keepalive(onFailure func(error)) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				select {
				case <-c.done:
				default:
					onFailure(err)
				}
				return
			}
		}
	}
}
