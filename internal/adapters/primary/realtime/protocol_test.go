package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lorrc/service-desk-realtime/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-realtime/internal/core/errors"
	"github.com/lorrc/service-desk-realtime/internal/core/mocks"
	"github.com/lorrc/service-desk-realtime/pkg/eventstream"
)

func control(t *testing.T, msg eventstream.ControlMessage) []byte {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return raw
}

func TestProtocol_AuthorizeOnJoinRejected(t *testing.T) {
	var asked []domain.RoomID
	authz := authorizerFunc(func(_ context.Context, _ domain.Identity, room domain.Room) error {
		asked = append(asked, room.ID())
		return apperrors.ErrForbidden
	})
	b := newTestBroadcaster(t, Config{}, authz)
	c := attach(t, b)
	queued(c)

	err := b.HandleControl(context.Background(), c,
		control(t, eventstream.Join(eventstream.ScopeTicket, eventstream.TicketParams{TicketID: 77})))
	require.NoError(t, err, "a rejected join is not a transport error")

	assert.Equal(t, []domain.RoomID{"ticket:77"}, asked)
	assert.False(t, b.Registry().Contains(c, domain.TicketRoom(77)))
	assert.False(t, c.Closed())

	events := queued(c)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventError, events[0].Type)

	var rejection domain.JoinRejection
	decodePayload(t, events[0], &rejection)
	assert.Equal(t, domain.RoomID("ticket:77"), rejection.Room)
	assert.Equal(t, "ticket", rejection.Scope)
	assert.Equal(t, CodeForbidden, rejection.Code)
}

func TestProtocol_JoinAcknowledged(t *testing.T) {
	b := newTestBroadcaster(t, Config{}, nil)
	c := attach(t, b)
	queued(c)

	err := b.HandleControl(context.Background(), c,
		control(t, eventstream.Join(eventstream.ScopeTeam, eventstream.TeamParams{Area: "support"})))
	require.NoError(t, err)

	assert.True(t, b.Registry().Contains(c, domain.TeamRoom("support")))

	events := queued(c)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventType("joined_team"), events[0].Type)

	var ack domain.JoinAck
	decodePayload(t, events[0], &ack)
	assert.Equal(t, domain.TeamRoom("support"), ack.Room)

	// Published events now reach the connection.
	b.Publish(domain.TeamRoom("support"), domain.EventTicketUpdated, map[string]int{"ticket_id": 1})
	assert.Len(t, queued(c), 1)
}

func TestProtocol_ScopesResolveToRooms(t *testing.T) {
	owner := uuid.New()

	tests := []struct {
		name string
		msg  eventstream.ControlMessage
		room func(self uuid.UUID) domain.RoomID
	}{
		{"ticket", eventstream.Join(eventstream.ScopeTicket, eventstream.TicketParams{TicketID: 12}),
			func(uuid.UUID) domain.RoomID { return domain.TicketRoom(12) }},
		{"tech is always self", eventstream.Join(eventstream.ScopeTech, nil),
			func(self uuid.UUID) domain.RoomID { return domain.UserRoom(self) }},
		{"admin", eventstream.Join(eventstream.ScopeAdmin, nil),
			func(uuid.UUID) domain.RoomID { return domain.RoomAdmin }},
		{"dept", eventstream.Join(eventstream.ScopeDept, eventstream.DeptParams{DepartmentID: 4}),
			func(uuid.UUID) domain.RoomID { return domain.DepartmentRoom(4) }},
		{"day", eventstream.Join(eventstream.ScopeDay, eventstream.DayParams{OwnerID: owner.String(), Day: "2024-05-01"}),
			func(uuid.UUID) domain.RoomID { return domain.RoomID("day:" + owner.String() + ":2024-05-01") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBroadcaster(t, Config{}, nil)
			c := attach(t, b)

			require.NoError(t, b.HandleControl(context.Background(), c, control(t, tt.msg)))
			assert.True(t, b.Registry().Contains(c, tt.room(c.Identity.UserID)))
		})
	}
}

func TestProtocol_LeaveIsIdempotent(t *testing.T) {
	b := newTestBroadcaster(t, Config{}, nil)
	c := attach(t, b)
	ctx := context.Background()

	join := control(t, eventstream.Join(eventstream.ScopeTicket, eventstream.TicketParams{TicketID: 3}))
	leave := control(t, eventstream.Leave(eventstream.ScopeTicket, eventstream.TicketParams{TicketID: 3}))

	require.NoError(t, b.HandleControl(ctx, c, join))
	require.NoError(t, b.HandleControl(ctx, c, leave))
	require.NoError(t, b.HandleControl(ctx, c, leave))
	assert.False(t, b.Registry().Contains(c, domain.TicketRoom(3)))
}

func TestProtocol_LeaveSkipsAuthorization(t *testing.T) {
	authz := authorizerFunc(func(context.Context, domain.Identity, domain.Room) error {
		t.Fatal("leave must not consult the authorizer")
		return nil
	})
	b := newTestBroadcaster(t, Config{}, authz)
	c := attach(t, b)

	require.NoError(t, b.HandleControl(context.Background(), c,
		control(t, eventstream.Leave(eventstream.ScopeAdmin, nil))))
}

func TestProtocol_MalformedMessages(t *testing.T) {
	b := newTestBroadcaster(t, Config{ControlBurst: 100}, nil)
	c := attach(t, b)
	queued(c)
	ctx := context.Background()

	inputs := map[string][]byte{
		"not json":           []byte("{nope"),
		"unknown verb":       []byte(`{"type":"subscribe_ticket"}`),
		"unknown scope":      []byte(`{"type":"join_planet","payload":{}}`),
		"missing payload":    []byte(`{"type":"join_ticket"}`),
		"non-positive id":    []byte(`{"type":"join_ticket","payload":{"ticket_id":0}}`),
		"bad area":           []byte(`{"type":"join_team","payload":{"area":"Support Team"}}`),
		"bad day":            []byte(`{"type":"join_day","payload":{"owner_id":"` + uuid.NewString() + `","day":"May 1"}}`),
		"bad owner":          []byte(`{"type":"join_day","payload":{"owner_id":"nobody","day":"2024-05-01"}}`),
		"wrong payload type": []byte(`{"type":"join_dept","payload":{"department_id":"four"}}`),
	}

	for name, raw := range inputs {
		t.Run(name, func(t *testing.T) {
			err := b.HandleControl(ctx, c, raw)
			assert.ErrorIs(t, err, apperrors.ErrMalformedMessage)
		})
	}

	assert.False(t, c.Closed(), "malformed input never kills the connection")
	assert.Empty(t, queued(c), "malformed input is not answered")

	err := b.HandleControl(ctx, c, []byte(`{"type":"join_planet"}`))
	assert.ErrorIs(t, err, apperrors.ErrUnknownScope)
}

func TestProtocol_AuthorizerFailureIsNotADenialButStillRejects(t *testing.T) {
	authz := authorizerFunc(func(context.Context, domain.Identity, domain.Room) error {
		return errors.New("directory unavailable")
	})
	b := newTestBroadcaster(t, Config{}, authz)
	c := attach(t, b)
	queued(c)

	require.NoError(t, b.HandleControl(context.Background(), c, control(t, eventstream.Join(eventstream.ScopeAdmin, nil))))
	assert.False(t, b.Registry().Contains(c, domain.RoomAdmin))

	events := queued(c)
	require.Len(t, events, 1)
	var rejection domain.JoinRejection
	decodePayload(t, events[0], &rejection)
	assert.Equal(t, CodeUnavailable, rejection.Code)
}

func TestProtocol_RateLimited(t *testing.T) {
	b := newTestBroadcaster(t, Config{ControlRate: 0.001, ControlBurst: 2}, nil)
	c := attach(t, b)
	queued(c)
	ctx := context.Background()
	msg := control(t, eventstream.Join(eventstream.ScopeAdmin, nil))

	require.NoError(t, b.HandleControl(ctx, c, msg))
	require.NoError(t, b.HandleControl(ctx, c, msg))
	assert.ErrorIs(t, b.HandleControl(ctx, c, msg), apperrors.ErrRateLimited)

	events := queued(c)
	require.Len(t, events, 3)
	var rejection domain.JoinRejection
	decodePayload(t, events[2], &rejection)
	assert.Equal(t, CodeRateLimited, rejection.Code)
}

func TestProtocol_LeaveIsNeverRateLimited(t *testing.T) {
	b := newTestBroadcaster(t, Config{ControlRate: 0.001, ControlBurst: 2}, nil)
	c := attach(t, b)
	queued(c)
	ctx := context.Background()
	room := domain.TeamRoom("support")
	join := control(t, eventstream.Join(eventstream.ScopeTeam, eventstream.TeamParams{Area: "support"}))
	leave := control(t, eventstream.Leave(eventstream.ScopeTeam, eventstream.TeamParams{Area: "support"}))

	require.NoError(t, b.HandleControl(ctx, c, join))
	require.NoError(t, b.HandleControl(ctx, c, join))
	require.ErrorIs(t, b.HandleControl(ctx, c, join), apperrors.ErrRateLimited)
	require.True(t, b.Registry().Contains(c, room))

	require.NoError(t, b.HandleControl(ctx, c, leave))
	assert.False(t, b.Registry().Contains(c, room))
	assert.NotContains(t, c.Rooms(), room)
	require.NoError(t, b.HandleControl(ctx, c, leave), "repeated leave is a no-op")
}

func TestProtocol_ClosedConnection(t *testing.T) {
	b := newTestBroadcaster(t, Config{}, nil)
	c := attach(t, b)
	c.Close()

	err := b.HandleControl(context.Background(), c, control(t, eventstream.Join(eventstream.ScopeAdmin, nil)))
	assert.ErrorIs(t, err, apperrors.ErrConnectionClosed)
}

func TestProtocol_AuthorizationIsNotCached(t *testing.T) {
	authz := mocks.NewMockRoomAuthorizer()
	room := domain.TicketRoom(9)
	authz.On("CanJoin", mock.Anything, mock.Anything, mock.MatchedBy(func(r domain.Room) bool {
		return r.ID() == room
	})).Return(nil).Once()
	authz.On("CanJoin", mock.Anything, mock.Anything, mock.Anything).Return(apperrors.ErrForbidden).Once()

	b := NewBroadcaster("helpdesk", Config{}, authz, testLogger())
	t.Cleanup(b.Shutdown)
	c := attach(t, b)
	queued(c)

	join := control(t, eventstream.Join(eventstream.ScopeTicket, eventstream.TicketParams{TicketID: 9}))
	leave := control(t, eventstream.Leave(eventstream.ScopeTicket, eventstream.TicketParams{TicketID: 9}))

	require.NoError(t, b.HandleControl(context.Background(), c, join))
	assert.True(t, b.Registry().Contains(c, room))

	require.NoError(t, b.HandleControl(context.Background(), c, leave))
	require.NoError(t, b.HandleControl(context.Background(), c, join))
	assert.False(t, b.Registry().Contains(c, room), "revoked access is seen on the next join")

	authz.AssertNumberOfCalls(t, "CanJoin", 2)
}
