// Package server manages individual relay connections: read and write pumps,
// keepalive, rate limiting, and the single teardown path that releases room
// membership.
package server

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/roomrelay/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var (
	errConnClosed = errors.New("connection closed")
	errQueueFull  = errors.New("send queue full")
)

// ConnState is the lifecycle state of a Conn.
type ConnState int32

const (
	StateOpen ConnState = iota
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Conn is one client's WebSocket link to the relay. Its room is fixed when the
// connection is accepted.
type Conn struct {
	id      uuid.UUID
	ws      *websocket.Conn
	relay   *Relay
	roomID  string
	addr    string
	send    chan []byte
	done    chan struct{}
	state   atomic.Int32
	once    sync.Once
	limiter *rateLimiter
	log     logrus.FieldLogger
}

func newConn(ws *websocket.Conn, relay *Relay, roomID, addr string) *Conn {
	id := uuid.New()
	cfg := relay.cfg
	if ws != nil {
		ws.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Conn{
		id:      id,
		ws:      ws,
		relay:   relay,
		roomID:  roomID,
		addr:    addr,
		send:    make(chan []byte, cfg.SendBuffer),
		done:    make(chan struct{}),
		limiter: newRateLimiter(cfg.RateLimit, time.Now()),
		log: relay.log.WithFields(logrus.Fields{
			"conn":   id.String(),
			"room":   roomID,
			"remote": addr,
		}),
	}
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() uuid.UUID { return c.id }

// Room returns the room the connection belongs to.
func (c *Conn) Room() string { return c.roomID }

// State returns the current lifecycle state.
func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

// enqueue hands payload to the writer without blocking. It fails when the
// connection is closing or its queue is full; the payload is then dropped.
func (c *Conn) enqueue(payload []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		return errQueueFull
	}
}

// close tears the connection down exactly once: membership is released, the
// writer is stopped and the socket is closed.
func (c *Conn) close() {
	c.once.Do(func() {
		c.state.Store(int32(StateClosing))
		close(c.done)
		c.relay.detach(c)

		if c.ws != nil {
			deadline := time.Now().Add(time.Second)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !isExpectedCloseError(err) {
				c.log.WithError(err).Debug("Error writing close frame")
			}
			if err := c.ws.Close(); err != nil && !isExpectedCloseError(err) {
				c.log.WithError(err).Warn("Error closing connection")
			}
		}
		c.state.Store(int32(StateClosed))
	})
}

// setupReadConnection configures read deadlines and the pong handler.
func (c *Conn) setupReadConnection() {
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.WithError(err).Warn("Error setting initial read deadline")
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// logReadError records why the read loop ended.
func (c *Conn) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.WithField("limit", c.relay.cfg.MaxMessageSize).Warn("Frame exceeded maximum size; closing connection")
	case isExpectedCloseError(err):
		c.log.WithError(err).Debug("Client disconnected")
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.log.WithError(err).Warn("Unexpected close from client")
	default:
		c.log.WithError(err).Info("Connection closed")
	}
}

func (c *Conn) readPump() {
	defer c.close()

	c.setupReadConnection()

	for {
		messageType, payload, err := c.ws.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		switch messageType {
		case websocket.TextMessage:
			if !c.limiter.allow(time.Now()) {
				c.log.Warn("Rate limit exceeded; discarding frame")
				c.relay.metrics.FramesDropped.WithLabelValues(metrics.DropRateLimited).Inc()
				continue
			}
			c.relay.broadcast(c, payload)
		case websocket.BinaryMessage:
			c.log.WithField("bytes", len(payload)).Debug("Binary frame received; not relayed")
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			if !c.writeFrame(payload) {
				return
			}
		case <-ticker.C:
			if !c.writePing() {
				return
			}
		}
	}
}

// writeFrame writes one payload as its own text frame.
func (c *Conn) writeFrame(payload []byte) bool {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.WithError(err).Warn("Error setting write deadline")
		return false
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		if !isExpectedCloseError(err) {
			c.log.WithError(err).Warn("Error writing frame")
		}
		return false
	}
	return true
}

func (c *Conn) writePing() bool {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.WithError(err).Warn("Error setting write deadline for ping")
		return false
	}
	if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.log.WithError(err).Warn("Error writing ping")
		}
		return false
	}
	return true
}
