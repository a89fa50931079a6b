package realtime

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/lorrc/service-desk-realtime/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-realtime/internal/core/errors"
	"github.com/lorrc/service-desk-realtime/internal/core/ports"
)

// Config tunes a Broadcaster.
type Config struct {
	// HeartbeatInterval is how often an idle stream gets a heartbeat.
	HeartbeatInterval time.Duration
	// QueueSize bounds each connection's outbound queue.
	QueueSize int
	// StallTimeout evicts a subscriber whose queue is full and which has not
	// completed a write for this long. Zero disables eviction.
	StallTimeout time.Duration
	// ControlRate and ControlBurst limit join/leave messages per connection.
	ControlRate  float64
	ControlBurst int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 25 * time.Second,
		QueueSize:         256,
		StallTimeout:      60 * time.Second,
		ControlRate:       5,
		ControlBurst:      20,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.ControlRate <= 0 {
		c.ControlRate = def.ControlRate
	}
	if c.ControlBurst <= 0 {
		c.ControlBurst = def.ControlBurst
	}
	return c
}

// Stats is a point-in-time view of a broadcaster.
type Stats struct {
	Connections int    `json:"connections"`
	Rooms       int    `json:"rooms"`
	Memberships int    `json:"memberships"`
	Published   uint64 `json:"published"`
	Enqueued    uint64 `json:"enqueued"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
	Evicted     uint64 `json:"evicted"`
}

// AttachOptions carries per-request data for the ready event.
type AttachOptions struct {
	CSRFToken string
}

// readyPayload is the first event on every stream.
type readyPayload struct {
	ConnectionID string          `json:"connection_id"`
	Rooms        []domain.RoomID `json:"rooms"`
	CSRFToken    string          `json:"csrf_token,omitempty"`
}

// Broadcaster fans events out to the connections of one namespace.
type Broadcaster struct {
	namespace string
	cfg       Config

	registry    *Registry
	protocol    *Protocol
	connections *xsync.MapOf[string, *Connection]

	shutdown atomic.Bool

	published atomic.Uint64
	enqueued  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	evicted   atomic.Uint64

	logger *slog.Logger
}

// Ensure Broadcaster implements the EventPublisher interface.
var _ ports.EventPublisher = (*Broadcaster)(nil)

// NewBroadcaster creates a broadcaster for namespace.
func NewBroadcaster(namespace string, cfg Config, authorizer ports.RoomAuthorizer, logger *slog.Logger) *Broadcaster {
	logger = logger.With("component", "broadcaster", "namespace", namespace)
	registry := NewRegistry(logger)

	return &Broadcaster{
		namespace:   namespace,
		cfg:         cfg.withDefaults(),
		registry:    registry,
		protocol:    NewProtocol(registry, authorizer, logger),
		connections: xsync.NewMapOf[string, *Connection](),
		logger:      logger,
	}
}

// Namespace returns the namespace this broadcaster serves.
func (b *Broadcaster) Namespace() string {
	return b.namespace
}

// Registry exposes the room registry.
func (b *Broadcaster) Registry() *Registry {
	return b.registry
}

// Attach creates a connection for identity, queues its ready event, and joins
// it to the all room and its own user room.
func (b *Broadcaster) Attach(identity domain.Identity, opts AttachOptions) (*Connection, error) {
	if b.shutdown.Load() {
		return nil, apperrors.ErrShuttingDown
	}

	c := newConnection(b, identity)
	rooms := []domain.RoomID{domain.RoomAll, domain.UserRoom(identity.UserID)}

	// Queued before any join so nothing published can overtake it.
	if err := c.Send(domain.EventReady, readyPayload{
		ConnectionID: c.ID,
		Rooms:        rooms,
		CSRFToken:    opts.CSRFToken,
	}); err != nil {
		return nil, err
	}

	b.connections.Store(c.ID, c)
	for _, room := range rooms {
		b.registry.Join(c, room)
	}

	if b.shutdown.Load() {
		b.detach(c)
		return nil, apperrors.ErrShuttingDown
	}

	b.logger.Info("connection attached",
		"connection_id", c.ID,
		"user_id", identity.UserID.String(),
		"total_connections", b.connections.Size(),
	)
	return c, nil
}

// Lookup finds a live connection by ID.
func (b *Broadcaster) Lookup(connectionID string) (*Connection, error) {
	c, ok := b.connections.Load(connectionID)
	if !ok || c.Closed() {
		return nil, apperrors.ErrConnectionNotFound
	}
	return c, nil
}

// HandleControl applies a raw join/leave message from the connection's peer.
func (b *Broadcaster) HandleControl(ctx context.Context, c *Connection, raw []byte) error {
	return b.protocol.HandleRaw(ctx, c, raw)
}

// Publish delivers an event to every current subscriber of room. It never
// blocks on a subscriber and never fails the caller; an event for an empty
// room is discarded.
func (b *Broadcaster) Publish(room domain.RoomID, eventType domain.EventType, payload any) {
	event, err := domain.NewEvent(room, eventType, payload)
	if err != nil {
		b.logger.Error("failed to encode event",
			"room", room,
			"event_type", eventType,
			"error", err,
		)
		return
	}
	b.PublishEvent(event)
}

// PublishEvent delivers a pre-built event and returns how many subscribers
// it was queued for.
func (b *Broadcaster) PublishEvent(event domain.Event) int {
	b.published.Add(1)

	subscribers := b.registry.Subscribers(event.Room)
	if len(subscribers) == 0 {
		b.logger.Debug("no subscribers, event discarded",
			"room", event.Room,
			"event_type", event.Type,
		)
		return 0
	}

	now := time.Now()
	queued := 0
	for _, c := range subscribers {
		switch c.enqueue(event) {
		case enqueued:
			queued++
		case queueFull:
			b.dropped.Add(1)
			if c.stalled(now, b.cfg.StallTimeout) {
				b.evict(c)
				continue
			}
			c.logger.Warn("outbound queue full, event dropped",
				"room", event.Room,
				"event_type", event.Type,
				"dropped_total", c.Dropped(),
			)
		case connectionClosed:
			b.detach(c)
		}
	}
	b.enqueued.Add(uint64(queued))

	b.logger.Debug("event published",
		"room", event.Room,
		"event_type", event.Type,
		"subscribers", len(subscribers),
		"queued", queued,
	)
	return queued
}

// Connections returns the number of live connections.
func (b *Broadcaster) Connections() int {
	return b.connections.Size()
}

// Stats returns broadcaster counters.
func (b *Broadcaster) Stats() Stats {
	reg := b.registry.Stats()
	return Stats{
		Connections: b.connections.Size(),
		Rooms:       reg.Rooms,
		Memberships: reg.Memberships,
		Published:   b.published.Load(),
		Enqueued:    b.enqueued.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
		Evicted:     b.evicted.Load(),
	}
}

// Shutdown closes every connection and refuses new ones.
func (b *Broadcaster) Shutdown() {
	if !b.shutdown.CompareAndSwap(false, true) {
		return
	}

	closed := 0
	b.connections.Range(func(_ string, c *Connection) bool {
		b.detach(c)
		closed++
		return true
	})

	b.logger.Info("broadcaster shut down", "closed_connections", closed)
}

func (b *Broadcaster) evict(c *Connection) {
	b.evicted.Add(1)
	c.logger.Warn("evicting stalled connection",
		"last_write", c.LastWrite(),
		"dropped_total", c.Dropped(),
	)
	b.detach(c)
}

// detach closes c and removes every reference the broadcaster holds to it.
// Detach releases a connection that will never be served, such as one whose
// transport could not be opened.
func (b *Broadcaster) Detach(c *Connection) {
	b.detach(c)
}

func (b *Broadcaster) detach(c *Connection) {
	c.detachOnce.Do(func() {
		c.Close()
		rooms := b.registry.LeaveAll(c)
		b.connections.Delete(c.ID)
		discarded := c.drain()

		c.logger.Info("connection closed",
			"rooms", len(rooms),
			"discarded", discarded,
			"dropped_total", c.Dropped(),
			"duration_ms", time.Since(c.CreatedAt).Milliseconds(),
		)
	})
}
