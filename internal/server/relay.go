// Package server coordinates room membership, fan-out, and connection cleanup
// for the relay via the Relay type.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/roomrelay/internal/bus"
	"github.com/Tyrowin/roomrelay/internal/metrics"
	"github.com/Tyrowin/roomrelay/internal/registry"
)

const busPublishTimeout = 2 * time.Second

// Bus carries relayed frames to and from other relay instances.
type Bus interface {
	Publish(ctx context.Context, m bus.Message) error
	Subscribe(ctx context.Context, fn func(bus.Message)) error
}

// Options holds the collaborators of a Relay. Nil fields get defaults: a fresh
// registry, no bus, metrics on a private Prometheus registry, and the standard
// logrus logger.
type Options struct {
	Registry *registry.Registry[*Conn]
	Bus      Bus
	Metrics  *metrics.Metrics
	Logger   logrus.FieldLogger
}

// Relay accepts connections, assigns them to rooms and forwards each text
// frame to the other members of the sender's room.
type Relay struct {
	id       string
	cfg      Config
	rooms    *registry.Registry[*Conn]
	bus      Bus
	metrics  *metrics.Metrics
	log      logrus.FieldLogger
	origins  *originPolicy
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewRelay creates a Relay for cfg. Call Start before serving when a Bus is set.
func NewRelay(cfg Config, opts Options) *Relay {
	cfg = sanitizeConfig(cfg)

	if opts.Registry == nil {
		opts.Registry = registry.New[*Conn]()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(prometheus.NewRegistry())
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	id := uuid.NewString()
	log := opts.Logger.WithField("relay", id)
	ctx, cancel := context.WithCancel(context.Background())

	r := &Relay{
		id:      id,
		cfg:     cfg,
		rooms:   opts.Registry,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		log:     log,
		origins: newOriginPolicy(cfg.AllowedOrigins, log),
		ctx:     ctx,
		cancel:  cancel,
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     r.origins.checkOrigin,
	}
	return r
}

// ID returns the relay's instance identifier, used to recognise its own bus traffic.
func (r *Relay) ID() string { return r.id }

// Config returns the sanitized configuration in use.
func (r *Relay) Config() Config { return r.cfg }

// Registry returns the room registry backing the relay.
func (r *Relay) Registry() *registry.Registry[*Conn] { return r.rooms }

// Start subscribes to the bus, if one is configured.
func (r *Relay) Start() error {
	if r.bus == nil {
		return nil
	}
	return r.bus.Subscribe(r.ctx, r.deliverRemote)
}

// RoomFromRequest returns the roomId query parameter, or DefaultRoom when it is
// absent or empty.
func RoomFromRequest(req *http.Request) string {
	if roomID := req.URL.Query().Get("roomId"); roomID != "" {
		return roomID
	}
	return DefaultRoom
}

// ServeWS upgrades req, joins the connection to its room and starts its pumps.
func (r *Relay) ServeWS(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.WithError(err).WithField("remote", req.RemoteAddr).Warn("WebSocket upgrade failed")
		return
	}

	c := newConn(ws, r, RoomFromRequest(req), req.RemoteAddr)
	if !r.attach(c) {
		c.log.Info("Relay shutting down; refusing connection")
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}

	go func() {
		defer r.wg.Done()
		c.writePump()
	}()
	go func() {
		defer r.wg.Done()
		c.readPump()
	}()
}

// attach registers c and reserves its pump goroutines. It fails once shutdown began.
// Membership changes and the rooms gauge are updated together under r.mu.
func (r *Relay) attach(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}

	r.wg.Add(2)
	r.rooms.Join(c.roomID, c)
	r.metrics.ConnectionsActive.Inc()
	r.metrics.RoomsActive.Set(float64(r.rooms.Len()))

	c.log.WithField("members", r.rooms.Members(c.roomID)).Info("Connection joined room")
	return true
}

// detach releases c's membership. It is only called from Conn.close, once per connection.
func (r *Relay) detach(c *Conn) {
	r.mu.Lock()
	r.rooms.Leave(c.roomID, c)
	r.metrics.ConnectionsActive.Dec()
	r.metrics.RoomsActive.Set(float64(r.rooms.Len()))
	members := r.rooms.Members(c.roomID)
	r.mu.Unlock()

	c.log.WithField("members", members).Info("Connection left room")
}

// broadcast forwards payload from sender to its room, locally and over the bus.
func (r *Relay) broadcast(sender *Conn, payload []byte) {
	ev := DecodeEvent(payload)
	r.metrics.FramesRelayed.WithLabelValues(ev.Kind.String()).Inc()

	delivered := r.fanOut(sender.roomID, sender, payload)
	sender.log.WithFields(logrus.Fields{
		"kind":      ev.Kind.String(),
		"bytes":     len(payload),
		"delivered": delivered,
	}).Debug("Relayed frame")

	if r.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, busPublishTimeout)
	defer cancel()
	err := r.bus.Publish(ctx, bus.Message{Origin: r.id, RoomID: sender.roomID, Payload: payload})
	if err != nil && !errors.Is(err, context.Canceled) {
		sender.log.WithError(err).Warn("Failed to publish frame to bus")
	}
}

// deliverRemote forwards a frame relayed by another instance to local members.
func (r *Relay) deliverRemote(m bus.Message) {
	if m.Origin == r.id {
		return
	}
	r.fanOut(m.RoomID, nil, m.Payload)
}

// fanOut queues payload for every member of roomID except sender and returns
// how many peers accepted it. A peer that cannot take the frame loses only its
// own copy.
func (r *Relay) fanOut(roomID string, sender *Conn, payload []byte) int {
	delivered := 0
	for _, peer := range r.rooms.PeersOf(roomID, sender) {
		err := peer.enqueue(payload)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, errQueueFull):
			r.metrics.FramesDropped.WithLabelValues(metrics.DropQueueFull).Inc()
			peer.log.Warn("Send queue full; dropping frame for peer")
		default:
			r.metrics.FramesDropped.WithLabelValues(metrics.DropPeerClosed).Inc()
			peer.log.Debug("Peer closing; dropping frame")
		}
	}
	r.metrics.Deliveries.Add(float64(delivered))
	return delivered
}

// Shutdown stops accepting connections, closes every open one and waits for
// their goroutines, up to timeout.
func (r *Relay) Shutdown(timeout time.Duration) error {
	r.log.Info("Initiating relay shutdown...")

	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	count := 0
	r.rooms.Each(func(_ string, c *Conn) {
		c.close()
		count++
	})
	r.log.WithField("connections", count).Info("Closed client connections")

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.log.Info("Relay shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		r.log.Warn("Relay shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
