package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lorrc/service-desk-realtime/internal/core/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type authorizerFunc func(ctx context.Context, identity domain.Identity, room domain.Room) error

func (f authorizerFunc) CanJoin(ctx context.Context, identity domain.Identity, room domain.Room) error {
	return f(ctx, identity, room)
}

func allowAll() authorizerFunc {
	return func(context.Context, domain.Identity, domain.Room) error { return nil }
}

func newTestBroadcaster(t *testing.T, cfg Config, authz authorizerFunc) *Broadcaster {
	t.Helper()
	if authz == nil {
		authz = allowAll()
	}
	b := NewBroadcaster("helpdesk", cfg, authz, testLogger())
	t.Cleanup(b.Shutdown)
	return b
}

func attach(t *testing.T, b *Broadcaster) *Connection {
	t.Helper()
	c, err := b.Attach(domain.Identity{UserID: uuid.New()}, AttachOptions{})
	require.NoError(t, err)
	return c
}

// queued pops everything waiting in an unserved connection's queue.
func queued(c *Connection) []domain.Event {
	var out []domain.Event
	for {
		select {
		case e := <-c.queue:
			out = append(out, e)
		default:
			return out
		}
	}
}

func decodePayload(t *testing.T, e domain.Event, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(e.Payload, v))
}

// recordingTransport captures writes. It can be told to fail or panic.
type recordingTransport struct {
	mu         sync.Mutex
	events     []domain.Event
	heartbeats []time.Time
	failWith   error
	panicWith  any
}

func (r *recordingTransport) WriteEvent(event domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.panicWith != nil {
		panic(r.panicWith)
	}
	if r.failWith != nil {
		return r.failWith
	}
	r.events = append(r.events, event)
	return nil
}

func (r *recordingTransport) WriteHeartbeat(at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	r.heartbeats = append(r.heartbeats, at)
	return nil
}

func (r *recordingTransport) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

func (r *recordingTransport) Heartbeats() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.heartbeats)
}

// serve runs c.Serve in the background and returns a channel with its result.
func serve(ctx context.Context, c *Connection, t Transport) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx, t) }()
	return done
}
