package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorrc/service-desk-realtime/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-realtime/internal/core/errors"
)

func TestBroadcaster_AttachQueuesReadyFirst(t *testing.T) {
	b := newTestBroadcaster(t, Config{}, nil)
	identity := domain.Identity{UserID: uuid.New()}

	c, err := b.Attach(identity, AttachOptions{CSRFToken: "tok"})
	require.NoError(t, err)

	// Published after attach, so it must come second.
	b.Publish(domain.UserRoom(identity.UserID), domain.EventNotification, map[string]string{"title": "hi"})

	events := queued(c)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventReady, events[0].Type)
	assert.Equal(t, domain.EventNotification, events[1].Type)

	var ready readyPayload
	decodePayload(t, events[0], &ready)
	assert.Equal(t, c.ID, ready.ConnectionID)
	assert.Equal(t, "tok", ready.CSRFToken)
	assert.ElementsMatch(t, []domain.RoomID{domain.RoomAll, domain.UserRoom(identity.UserID)}, ready.Rooms)

	found, err := b.Lookup(c.ID)
	require.NoError(t, err)
	assert.Same(t, c, found)
}

func TestBroadcaster_PublishToEmptyRoom(t *testing.T) {
	b := newTestBroadcaster(t, Config{}, nil)

	assert.NotPanics(t, func() {
		b.Publish(domain.TicketRoom(404), domain.EventTicketUpdated, map[string]int{"ticket_id": 404})
	})

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.Published)
	assert.Zero(t, stats.Enqueued)
	assert.Zero(t, stats.Dropped)
}

func TestBroadcaster_PublishOnlyToRoomMembers(t *testing.T) {
	b := newTestBroadcaster(t, Config{}, nil)
	member := attach(t, b)
	outsider := attach(t, b)
	queued(member)
	queued(outsider)

	b.Registry().Join(member, domain.TicketRoom(5))
	n := b.PublishEvent(mustEvent(t, domain.TicketRoom(5), domain.EventTicketUpdated))

	assert.Equal(t, 1, n)
	assert.Len(t, queued(member), 1)
	assert.Empty(t, queued(outsider))
}

func TestBroadcaster_FullQueueIsolation(t *testing.T) {
	b := newTestBroadcaster(t, Config{QueueSize: 2}, nil)
	room := domain.TicketRoom(1)

	slow := attach(t, b)
	fast := attach(t, b)
	b.Registry().Join(slow, room)
	b.Registry().Join(fast, room)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	transport := &recordingTransport{}
	serve(ctx, fast, transport)

	// ready is already delivered to fast once its transport has one event
	require.Eventually(t, func() bool { return len(transport.Events()) == 1 }, time.Second, 5*time.Millisecond)

	const total = 5
	for i := 1; i <= total; i++ {
		b.PublishEvent(mustEvent(t, room, domain.EventTicketUpdated))
		want := 1 + i
		require.Eventually(t, func() bool { return len(transport.Events()) == want }, time.Second, 5*time.Millisecond)
	}

	// slow had one slot left after its ready event.
	assert.Equal(t, uint64(total-1), slow.Dropped())
	assert.Zero(t, fast.Dropped())
	assert.True(t, b.Registry().Contains(slow, room), "drop keeps the subscription")
	assert.False(t, slow.Closed())
	assert.Equal(t, uint64(total-1), b.Stats().Dropped)
}

func TestBroadcaster_EvictsStalledSubscriber(t *testing.T) {
	b := newTestBroadcaster(t, Config{QueueSize: 1, StallTimeout: time.Millisecond}, nil)
	c := attach(t, b) // queue now holds ready

	time.Sleep(5 * time.Millisecond)
	b.Publish(domain.RoomAll, domain.EventStaticUpdate, map[string][]string{"assets": {"/app.js"}})

	assert.True(t, c.Closed())
	assert.Empty(t, b.Registry().RoomsOf(c))
	_, err := b.Lookup(c.ID)
	assert.ErrorIs(t, err, apperrors.ErrConnectionNotFound)
	assert.Equal(t, uint64(1), b.Stats().Evicted)
}

func TestBroadcaster_ServeWritesHeartbeats(t *testing.T) {
	b := newTestBroadcaster(t, Config{HeartbeatInterval: 10 * time.Millisecond}, nil)
	c := attach(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	transport := &recordingTransport{}
	result := serve(ctx, c, transport)

	require.Eventually(t, func() bool { return transport.Heartbeats() >= 3 }, time.Second, 5*time.Millisecond)
	assert.False(t, c.LastHeartbeat().IsZero())
	assert.False(t, c.Closed(), "a heartbeat-only period keeps the connection open")

	cancel()
	require.NoError(t, <-result)
	assert.True(t, c.Closed())
	assert.Zero(t, b.Connections())
}

func TestBroadcaster_WriteFailureCleansUp(t *testing.T) {
	b := newTestBroadcaster(t, Config{}, nil)
	c := attach(t, b)
	b.Registry().Join(c, domain.TicketRoom(8))

	err := <-serve(context.Background(), c, &recordingTransport{failWith: errors.New("broken pipe")})
	require.Error(t, err)

	assert.True(t, c.Closed())
	assert.Empty(t, b.Registry().Subscribers(domain.TicketRoom(8)))
	assert.Empty(t, b.Registry().Subscribers(domain.RoomAll))
	assert.Zero(t, b.Connections())
}

func TestBroadcaster_TransportPanicCleansUp(t *testing.T) {
	b := newTestBroadcaster(t, Config{}, nil)
	c := attach(t, b)

	err := <-serve(context.Background(), c, &recordingTransport{panicWith: "boom"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
	assert.True(t, c.Closed())
	assert.Zero(t, b.Connections())
}

func TestBroadcaster_CloseEndsServe(t *testing.T) {
	b := newTestBroadcaster(t, Config{}, nil)
	c := attach(t, b)
	transport := &recordingTransport{}
	result := serve(context.Background(), c, transport)

	require.Eventually(t, func() bool { return len(transport.Events()) == 1 }, time.Second, 5*time.Millisecond)
	c.Close()

	assert.ErrorIs(t, <-result, apperrors.ErrConnectionClosed)
	assert.Zero(t, b.Connections())
	assert.Empty(t, b.Registry().Subscribers(domain.RoomAll))
}

func TestBroadcaster_Shutdown(t *testing.T) {
	b := newTestBroadcaster(t, Config{}, nil)
	c1 := attach(t, b)
	c2 := attach(t, b)

	b.Shutdown()

	assert.True(t, c1.Closed())
	assert.True(t, c2.Closed())
	assert.Zero(t, b.Stats().Connections)
	assert.Zero(t, b.Stats().Rooms)

	_, err := b.Attach(domain.Identity{UserID: uuid.New()}, AttachOptions{})
	assert.ErrorIs(t, err, apperrors.ErrShuttingDown)
}

func TestNamespaces(t *testing.T) {
	ns, err := NewNamespaces([]string{"helpdesk", "agendatec"}, Config{}, allowAll(), testLogger())
	require.NoError(t, err)
	t.Cleanup(ns.Shutdown)

	assert.Equal(t, []string{"agendatec", "helpdesk"}, ns.Names())

	_, err = ns.Get("billing")
	assert.ErrorIs(t, err, apperrors.ErrUnknownNamespace)

	hd, err := ns.Get("helpdesk")
	require.NoError(t, err)
	ag, err := ns.Get("agendatec")
	require.NoError(t, err)

	c1 := attach(t, hd)
	c2 := attach(t, ag)
	queued(c1)
	queued(c2)

	hd.Publish(domain.RoomAll, domain.EventNotification, map[string]string{"title": "x"})
	assert.Len(t, queued(c1), 1)
	assert.Empty(t, queued(c2), "namespaces are isolated")

	ns.PublishAll(domain.RoomAll, domain.EventStaticUpdate, map[string][]string{"assets": {"/a.css"}})
	assert.Len(t, queued(c1), 1)
	assert.Len(t, queued(c2), 1)

	_, err = NewNamespaces([]string{"a", "a"}, Config{}, allowAll(), testLogger())
	assert.Error(t, err)
	_, err = NewNamespaces([]string{"Bad Name"}, Config{}, allowAll(), testLogger())
	assert.Error(t, err)
}

func mustEvent(t *testing.T, room domain.RoomID, eventType domain.EventType) domain.Event {
	t.Helper()
	e, err := domain.NewEvent(room, eventType, map[string]any{"room": room})
	require.NoError(t, err)
	return e
}

func TestBroadcaster_DetachUnservedConnection(t *testing.T) {
	b := newTestBroadcaster(t, Config{}, nil)
	c := attach(t, b)

	b.Detach(c)
	b.Detach(c)

	assert.True(t, c.Closed())
	assert.Empty(t, c.Rooms())
	assert.Empty(t, b.Registry().Subscribers(domain.RoomAll))
	_, err := b.Lookup(c.ID)
	assert.ErrorIs(t, err, apperrors.ErrConnectionNotFound)
}
