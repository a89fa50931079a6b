package streamclient

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReactor_CollapsesBurst(t *testing.T) {
	c := newTestClient(t, testConfig("http://localhost"))

	var refreshes atomic.Int32
	r, err := NewReactor(c, 20*time.Millisecond, func() { refreshes.Add(1) }, "ticket_updated", "notification")
	require.NoError(t, err)
	t.Cleanup(r.Close)

	for i := 0; i < 10; i++ {
		c.emit(Event{Type: "ticket_updated"})
	}
	c.emit(Event{Type: "notification"})
	c.emit(Event{Type: "heartbeat"})
	assert.True(t, r.Pending())

	require.Eventually(t, func() bool { return refreshes.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), refreshes.Load())
	assert.False(t, r.Pending())
}

func TestReactor_CloseCancelsPendingRefresh(t *testing.T) {
	c := newTestClient(t, testConfig("http://localhost"))

	var refreshes atomic.Int32
	r, err := NewReactor(c, 20*time.Millisecond, func() { refreshes.Add(1) }, "ticket_updated")
	require.NoError(t, err)

	c.emit(Event{Type: "ticket_updated"})
	r.Close()
	r.Close()

	c.emit(Event{Type: "ticket_updated"})
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, refreshes.Load())

	c.lmu.RLock()
	defer c.lmu.RUnlock()
	assert.Empty(t, c.listeners, "close unsubscribes")
}

func TestReactor_Flush(t *testing.T) {
	c := newTestClient(t, testConfig("http://localhost"))

	var refreshes atomic.Int32
	r, err := NewReactor(c, time.Hour, func() { refreshes.Add(1) }, "ticket_updated")
	require.NoError(t, err)
	t.Cleanup(r.Close)

	assert.False(t, r.Flush())
	c.emit(Event{Type: "ticket_updated"})
	assert.True(t, r.Flush())
	assert.Equal(t, int32(1), refreshes.Load())
}

func TestReactor_RefreshPanicIsContained(t *testing.T) {
	c := newTestClient(t, testConfig("http://localhost"))

	var calls atomic.Int32
	r, err := NewReactor(c, 10*time.Millisecond, func() {
		if calls.Add(1) == 1 {
			panic("refresh exploded")
		}
	}, "ticket_updated")
	require.NoError(t, err)
	t.Cleanup(r.Close)

	c.emit(Event{Type: "ticket_updated"})
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	c.emit(Event{Type: "ticket_updated"})
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond,
		"a later burst still refreshes")

	calls.Store(0)
	c.emit(Event{Type: "ticket_updated"})
	assert.NotPanics(t, func() { r.Flush() })
}

func TestNewReactor_Validation(t *testing.T) {
	c := newTestClient(t, testConfig("http://localhost"))
	noop := func() {}

	_, err := NewReactor(nil, time.Second, noop, "x")
	assert.Error(t, err)
	_, err = NewReactor(c, time.Second, noop)
	assert.Error(t, err)
	_, err = NewReactor(c, 0, noop, "x")
	assert.Error(t, err)
	_, err = NewReactor(c, time.Second, nil, "x")
	assert.Error(t, err)
}

func TestShouldReload(t *testing.T) {
	loaded := []string{
		"https://desk.example.com/static/js/app.3f9a2c1d.js?v=2",
		"/static/css/site.css#top",
		"/static/img/logo.png",
	}

	tests := []struct {
		name    string
		changed []string
		want    bool
	}{
		{"fingerprint changed", []string{"/static/js/app.deadbeef.js"}, true},
		{"plain path", []string{"/static/css/site.css"}, true},
		{"host ignored", []string{"http://cdn.example.com/static/img/logo.png"}, true},
		{"unrelated asset", []string{"/static/js/admin.js"}, false},
		{"same name other dir", []string{"/other/site.css"}, false},
		{"short hex is not a fingerprint", []string{"/static/js/app.abc.js"}, false},
		{"empty", nil, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ShouldReload(tc.changed, loaded))
		})
	}

	assert.False(t, ShouldReload([]string{"/a.js"}, nil))
}
