package assets

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorrc/service-desk-realtime/internal/core/domain"
	"github.com/lorrc/service-desk-realtime/pkg/eventstream"
)

type publishCall struct {
	room      domain.RoomID
	eventType domain.EventType
	assets    []string
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []publishCall
}

func (p *fakePublisher) PublishAll(room domain.RoomID, eventType domain.EventType, payload any) {
	data, _ := json.Marshal(payload)
	var update eventstream.StaticUpdate
	_ = json.Unmarshal(data, &update)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, publishCall{room: room, eventType: eventType, assets: update.Assets})
}

func (p *fakePublisher) snapshot() []publishCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishCall(nil), p.calls...)
}

func startWatcher(t *testing.T, dir string, pub *fakePublisher) *Watcher {
	t.Helper()
	w, err := NewWatcher(Config{Dir: dir, URLPrefix: "/static", BatchWindow: 200 * time.Millisecond}, pub,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = w.Close()
	})
	return w
}

func TestWatcher_BatchesDeployIntoOneEvent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "js"), 0o755))

	pub := &fakePublisher{}
	startWatcher(t, dir, pub)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.css"), []byte("body{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "js", "app.js"), []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".app.js.swp"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "js", "app.js"), []byte("2"), 0o644))

	require.Eventually(t, func() bool { return len(pub.snapshot()) > 0 }, 3*time.Second, 20*time.Millisecond)
	// Nothing else trickles in after the batch.
	time.Sleep(400 * time.Millisecond)

	calls := pub.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, domain.RoomAll, calls[0].room)
	assert.Equal(t, domain.EventStaticUpdate, calls[0].eventType)
	assert.Equal(t, []string{"/static/app.css", "/static/js/app.js"}, calls[0].assets)
}

func TestWatcher_SeparateDeploys(t *testing.T) {
	dir := t.TempDir()
	pub := &fakePublisher{}
	startWatcher(t, dir, pub)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.js"), []byte("1"), 0o644))
	require.Eventually(t, func() bool { return len(pub.snapshot()) == 1 }, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.js"), []byte("1"), 0o644))
	require.Eventually(t, func() bool { return len(pub.snapshot()) == 2 }, 3*time.Second, 20*time.Millisecond)

	calls := pub.snapshot()
	assert.Equal(t, []string{"/static/a.js"}, calls[0].assets)
	assert.Equal(t, []string{"/static/b.js"}, calls[1].assets)
}

func TestNewWatcher_RejectsBadConfig(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := NewWatcher(Config{Dir: t.TempDir(), BatchWindow: 0}, &fakePublisher{}, logger)
	assert.Error(t, err)

	_, err = NewWatcher(Config{Dir: filepath.Join(t.TempDir(), "missing"), BatchWindow: time.Second}, &fakePublisher{}, logger)
	assert.Error(t, err)
}

func TestAssetPath(t *testing.T) {
	w := &Watcher{cfg: Config{Dir: "/srv/static", URLPrefix: "static"}}

	got, ok := w.assetPath("/srv/static/js/app.4f2a.js")
	require.True(t, ok)
	assert.Equal(t, "/static/js/app.4f2a.js", got)

	_, ok = w.assetPath("/srv/other/app.js")
	assert.False(t, ok)

	_, ok = w.assetPath("/srv/static")
	assert.False(t, ok)
}
