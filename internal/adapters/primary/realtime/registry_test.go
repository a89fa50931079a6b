package realtime

import (
	"math/rand/v2"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorrc/service-desk-realtime/internal/core/domain"
)

func TestRegistry_JoinLeaveSymmetry(t *testing.T) {
	b := newTestBroadcaster(t, Config{}, nil)
	reg := b.Registry()
	c := attach(t, b)
	room := domain.TicketRoom(1)

	assert.True(t, reg.Join(c, room))
	assert.False(t, reg.Join(c, room), "second join is a no-op")
	assert.True(t, reg.Contains(c, room))
	assert.Contains(t, c.Rooms(), room)
	assert.Len(t, reg.Subscribers(room), 1)

	assert.True(t, reg.Leave(c, room))
	assert.False(t, reg.Leave(c, room), "second leave is a no-op")
	assert.False(t, reg.Contains(c, room))
	assert.NotContains(t, c.Rooms(), room)
	assert.Empty(t, reg.Subscribers(room))
}

// requireSymmetric checks, for every room in rooms and every room c holds, that
// the registry and the connection agree on the membership.
func requireSymmetric(t *testing.T, reg *Registry, c *Connection, rooms []domain.RoomID) {
	t.Helper()
	held := c.Rooms()
	for _, room := range slices.Concat(rooms, held) {
		inConn := slices.Contains(held, room)
		require.Equal(t, inConn, reg.Contains(c, room), "room %s", room)
		require.Equal(t, inConn, slices.Contains(reg.Subscribers(room), c), "subscribers of %s", room)
	}
}

func registryRooms() []domain.RoomID {
	return []domain.RoomID{
		domain.TicketRoom(1), domain.TicketRoom(2), domain.TeamRoom("support"),
		domain.TeamRoom("network"), domain.RoomAdmin, domain.DepartmentRoom(3),
	}
}

func TestRegistry_RandomSequencesStaySymmetric(t *testing.T) {
	b := newTestBroadcaster(t, Config{}, nil)
	reg := b.Registry()
	rooms := registryRooms()
	conns := []*Connection{attach(t, b), attach(t, b), attach(t, b), attach(t, b)}
	rng := rand.New(rand.NewPCG(42, 7))

	for i := 0; i < 2000; i++ {
		c := conns[rng.IntN(len(conns))]
		room := rooms[rng.IntN(len(rooms))]
		switch n := rng.IntN(10); {
		case n < 5:
			reg.Join(c, room)
		case n < 9:
			reg.Leave(c, room)
		default:
			reg.LeaveAll(c)
		}
		for _, conn := range conns {
			requireSymmetric(t, reg, conn, rooms)
		}
	}
}

func TestRegistry_ConcurrentSequencesStaySymmetric(t *testing.T) {
	b := newTestBroadcaster(t, Config{}, nil)
	reg := b.Registry()
	rooms := registryRooms()

	conns := make([]*Connection, 8)
	for i := range conns {
		conns[i] = attach(t, b)
	}

	var wg sync.WaitGroup
	for w, c := range conns {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(seed, 1))
			for i := 0; i < 300; i++ {
				room := rooms[rng.IntN(len(rooms))]
				switch n := rng.IntN(10); {
				case n < 5:
					reg.Join(c, room)
				case n < 9:
					reg.Leave(c, room)
				default:
					reg.LeaveAll(c)
				}
				// Only this goroutine mutates c, so its view is stable here.
				held := c.Rooms()
				for _, r := range rooms {
					if slices.Contains(held, r) != reg.Contains(c, r) {
						t.Errorf("connection %s disagrees with registry on %s", c.ID, r)
						return
					}
				}
			}
		}(uint64(w))
	}

	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, room := range rooms {
				_ = reg.Subscribers(room)
			}
			_ = reg.Stats()
		}
	}()

	wg.Wait()
	close(stop)
	<-readerDone

	for _, c := range conns {
		requireSymmetric(t, reg, c, rooms)
	}
}

func TestRegistry_AttachJoinsDefaultRooms(t *testing.T) {
	b := newTestBroadcaster(t, Config{}, nil)
	c := attach(t, b)

	rooms := b.Registry().RoomsOf(c)
	assert.ElementsMatch(t, []domain.RoomID{domain.RoomAll, domain.UserRoom(c.Identity.UserID)}, rooms)
}

func TestRegistry_LeaveAll(t *testing.T) {
	b := newTestBroadcaster(t, Config{}, nil)
	reg := b.Registry()
	c := attach(t, b)
	other := attach(t, b)

	rooms := []domain.RoomID{domain.TicketRoom(1), domain.TeamRoom("support"), domain.RoomAdmin}
	for _, room := range rooms {
		require.True(t, reg.Join(c, room))
	}
	require.True(t, reg.Join(other, domain.TicketRoom(1)))

	left := reg.LeaveAll(c)
	assert.Len(t, left, len(rooms)+2)
	assert.Empty(t, c.Rooms())
	for _, room := range rooms {
		assert.False(t, reg.Contains(c, room))
	}
	assert.Empty(t, reg.Subscribers(domain.TeamRoom("support")))
	assert.Len(t, reg.Subscribers(domain.TicketRoom(1)), 1, "other members are untouched")
}

func TestRegistry_ClosedConnectionNotJoined(t *testing.T) {
	b := newTestBroadcaster(t, Config{}, nil)
	c := attach(t, b)

	c.Close()
	assert.False(t, b.Registry().Join(c, domain.TicketRoom(9)))
	assert.Empty(t, b.Registry().Subscribers(domain.TicketRoom(9)))
}

func TestRegistry_SubscribersIsACopy(t *testing.T) {
	b := newTestBroadcaster(t, Config{}, nil)
	reg := b.Registry()
	c := attach(t, b)
	room := domain.TicketRoom(3)
	reg.Join(c, room)

	subs := reg.Subscribers(room)
	reg.Leave(c, room)
	assert.Len(t, subs, 1)
	assert.Empty(t, reg.Subscribers(room))
}

func TestRegistry_Stats(t *testing.T) {
	b := newTestBroadcaster(t, Config{}, nil)
	reg := b.Registry()
	c1 := attach(t, b)
	c2 := attach(t, b)
	reg.Join(c1, domain.RoomAdmin)
	reg.Join(c2, domain.RoomAdmin)

	stats := reg.Stats()
	// all + two user rooms + admin
	assert.Equal(t, 4, stats.Rooms)
	// 2 x (all, user) + 2 x admin
	assert.Equal(t, 6, stats.Memberships)
}
