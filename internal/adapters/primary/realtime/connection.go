package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/lorrc/service-desk-realtime/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-realtime/internal/core/errors"
	"github.com/lorrc/service-desk-realtime/internal/infrastructure/logging"
)

// Transport writes events to one peer. Implementations are not required to be
// safe for concurrent use; a Connection only calls them from Serve.
type Transport interface {
	WriteEvent(event domain.Event) error
	WriteHeartbeat(at time.Time) error
}

type enqueueResult int

const (
	enqueued enqueueResult = iota
	queueFull
	connectionClosed
)

// Connection is one live stream to one browser tab.
type Connection struct {
	ID        string
	Identity  domain.Identity
	Namespace string
	CreatedAt time.Time

	hub   *Broadcaster
	queue chan domain.Event
	done  chan struct{}

	closeOnce  sync.Once
	detachOnce sync.Once

	// mu guards rooms and closed. Acquire only after the registry lock.
	mu     sync.Mutex
	rooms  map[domain.RoomID]struct{}
	closed bool

	lastActivity  atomic.Int64
	lastWrite     atomic.Int64
	lastHeartbeat atomic.Int64
	dropped       atomic.Uint64

	limiter *rate.Limiter
	logger  *slog.Logger
}

func newConnection(hub *Broadcaster, identity domain.Identity) *Connection {
	now := time.Now()
	id := uuid.NewString()

	c := &Connection{
		ID:        id,
		Identity:  identity,
		Namespace: hub.namespace,
		CreatedAt: now,
		hub:       hub,
		queue:     make(chan domain.Event, hub.cfg.QueueSize),
		done:      make(chan struct{}),
		rooms:     make(map[domain.RoomID]struct{}),
		limiter:   rate.NewLimiter(rate.Limit(hub.cfg.ControlRate), hub.cfg.ControlBurst),
		logger: hub.logger.With(
			"connection_id", id,
			"user_id", identity.UserID.String(),
		),
	}
	c.lastActivity.Store(now.UnixNano())
	c.lastWrite.Store(now.UnixNano())
	return c
}

// Done is closed when the connection is terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether the connection has been terminated.
func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close terminates the connection. Serve returns and cleanup runs there.
// Safe to call more than once and from any goroutine.
func (c *Connection) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Rooms returns the rooms the connection has joined.
func (c *Connection) Rooms() []domain.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomsLocked()
}

func (c *Connection) roomsLocked() []domain.RoomID {
	out := make([]domain.RoomID, 0, len(c.rooms))
	for room := range c.rooms {
		out = append(out, room)
	}
	return out
}

// Dropped reports how many events were discarded because the queue was full.
func (c *Connection) Dropped() uint64 {
	return c.dropped.Load()
}

// LastActivity is the time of the last inbound control message, or creation.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// LastWrite is the time of the last successful write to the transport.
func (c *Connection) LastWrite() time.Time {
	return time.Unix(0, c.lastWrite.Load())
}

// LastHeartbeat is the time of the last heartbeat written, or zero.
func (c *Connection) LastHeartbeat() time.Time {
	ns := c.lastHeartbeat.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Touch records inbound activity.
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Send queues an event for this connection only, bypassing the registry.
func (c *Connection) Send(eventType domain.EventType, payload any) error {
	event, err := domain.NewEvent("", eventType, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}

	switch c.enqueue(event) {
	case connectionClosed:
		return apperrors.ErrConnectionClosed
	case queueFull:
		return fmt.Errorf("connection %s: outbound queue full", c.ID)
	}
	return nil
}

// enqueue never blocks. A full queue drops the event for this connection only.
func (c *Connection) enqueue(event domain.Event) enqueueResult {
	select {
	case <-c.done:
		return connectionClosed
	default:
	}

	select {
	case c.queue <- event:
		return enqueued
	default:
		c.dropped.Add(1)
		return queueFull
	}
}

// stalled reports whether nothing has been written for longer than timeout.
func (c *Connection) stalled(now time.Time, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	return now.Sub(c.LastWrite()) > timeout
}

// Serve runs the outbound loop until the context ends, the connection is
// closed, or a write fails. Cleanup always runs before Serve returns,
// including after a panic in the transport.
func (c *Connection) Serve(ctx context.Context, t Transport) (err error) {
	ctx = logging.WithConnectionID(ctx, c.ID)

	defer func() {
		if rec := recover(); rec != nil {
			logging.LogPanic(c.logger, rec)
			err = fmt.Errorf("connection %s: panic: %v", c.ID, rec)
		}
		c.hub.detach(c)
	}()

	ticker := time.NewTicker(c.hub.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-c.done:
			return apperrors.ErrConnectionClosed

		case event := <-c.queue:
			if err := t.WriteEvent(event); err != nil {
				c.logger.DebugContext(ctx, "write failed", "event_type", event.Type, "error", err)
				return fmt.Errorf("write %s: %w", event.Type, err)
			}
			c.lastWrite.Store(time.Now().UnixNano())
			c.hub.delivered.Add(1)

		case now := <-ticker.C:
			if err := t.WriteHeartbeat(now); err != nil {
				c.logger.DebugContext(ctx, "heartbeat failed", "error", err)
				return fmt.Errorf("write heartbeat: %w", err)
			}
			c.lastHeartbeat.Store(now.UnixNano())
			c.lastWrite.Store(now.UnixNano())
		}
	}
}

// drain discards whatever is left in the queue after termination.
func (c *Connection) drain() int {
	n := 0
	for {
		select {
		case <-c.queue:
			n++
		default:
			return n
		}
	}
}
