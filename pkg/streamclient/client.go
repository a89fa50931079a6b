// Package streamclient consumes a namespace's event stream, reconnecting with
// exponential backoff and dispatching typed events to registered listeners.
package streamclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lorrc/service-desk-realtime/pkg/eventstream"
)

var (
	ErrAlreadyRunning   = errors.New("streamclient: already running")
	ErrUnexpectedStatus = errors.New("streamclient: unexpected status")
	ErrIdleTimeout      = errors.New("streamclient: no data within idle timeout")
	ErrStreamEnded      = errors.New("streamclient: stream ended")
	ErrControlRejected  = errors.New("streamclient: control message rejected")
)

// Lifecycle event types. They are dispatched through the same listeners as
// server events.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventReconnecting = "reconnecting"
	EventGiveUp       = "give-up"
)

// CSRFHeader carries the token from the ready event on control requests.
const CSRFHeader = "X-CSRF-Token"

// State is the connection state of a Client.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Config configures a Client.
type Config struct {
	// BaseURL is the server origin, e.g. https://desk.example.com.
	BaseURL   string
	Namespace string
	// Token is sent as a bearer token. Leave empty to rely on cookies in
	// HTTPClient's jar.
	Token string
	// HTTPClient must not set a Timeout; streams are long-lived.
	HTTPClient *http.Client

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxAttempts is the number of consecutive failed reconnects after
	// which the client gives up.
	MaxAttempts int
	// IdleTimeout treats a stream that delivers no bytes, heartbeats
	// included, as dead.
	IdleTimeout  time.Duration
	MaxFrameSize int

	Logger *slog.Logger
}

// DefaultConfig returns the reconnect policy browsers use: 1s doubling up to
// 30s, ten attempts, and three missed 25s heartbeats before a stream is dead.
func DefaultConfig(baseURL, namespace string) Config {
	return Config{
		BaseURL:        baseURL,
		Namespace:      namespace,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		MaxAttempts:    10,
		IdleTimeout:    75 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.BaseURL, c.Namespace)
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = max(d.MaxBackoff, c.InitialBackoff)
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// newBackOff builds the reconnect schedule. Without jitter the delays are
// non-decreasing and capped at MaxBackoff.
func (c Config) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialBackoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = c.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Event is delivered to listeners. Payload is set for known server event
// types; Attempt, Delay and Err describe lifecycle events.
type Event struct {
	Type    string
	Data    json.RawMessage
	Payload eventstream.Payload

	Attempt int
	Delay   time.Duration
	Err     error
}

// Listener handles one event. Listeners run synchronously on the read loop.
type Listener func(Event)

// ListenerID identifies a registration for Off.
type ListenerID uint64

type listenerEntry struct {
	id ListenerID
	fn Listener
}

// Client is a reconnecting event stream consumer for one namespace.
type Client struct {
	cfg       Config
	logger    *slog.Logger
	baseURL   string
	streamURL string

	mu           sync.Mutex
	state        State
	attempts     int
	cancel       context.CancelFunc
	done         chan struct{}
	connectionID string
	csrfToken    string
	joined       []eventstream.ControlMessage

	lmu       sync.RWMutex
	listeners map[string][]listenerEntry
	nextID    ListenerID
}

// New creates an idle client.
func New(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()

	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("streamclient: invalid base URL %q", cfg.BaseURL)
	}
	if cfg.Namespace == "" {
		return nil, errors.New("streamclient: namespace is required")
	}

	baseURL := strings.TrimRight(base.String(), "/")
	done := make(chan struct{})
	close(done)

	return &Client{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "streamclient", "namespace", cfg.Namespace),
		baseURL:   baseURL,
		streamURL: baseURL + "/api/v1/streams/" + url.PathEscape(cfg.Namespace),
		done:      done,
		listeners: make(map[string][]listenerEntry),
	}, nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the number of consecutive failed reconnects.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// ConnectionID returns the server-assigned ID of the current stream, or ""
// before the ready event.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// Done is closed when the current run ends, by Disconnect, give-up or ctx.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Connect starts the read loop in the background. It returns
// ErrAlreadyRunning unless the client is idle.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.state = StateConnecting
	c.attempts = 0
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.run(runCtx, done)
	return nil
}

// Disconnect aborts the current stream, including a blocked read, and stops
// reconnecting. It does not wait for the read loop; use Done for that.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.attempts = c.cfg.MaxAttempts
	c.state = StateIdle
	c.connectionID = ""
	c.csrfToken = ""
}

// On registers fn for eventType and returns the handle Off needs.
func (c *Client) On(eventType string, fn Listener) ListenerID {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	c.nextID++
	c.listeners[eventType] = append(c.listeners[eventType], listenerEntry{id: c.nextID, fn: fn})
	return c.nextID
}

// Off removes one registration. It reports whether id was registered.
func (c *Client) Off(id ListenerID) bool {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	for eventType, entries := range c.listeners {
		for i, e := range entries {
			if e.id != id {
				continue
			}
			entries = slices.Delete(entries, i, i+1)
			if len(entries) == 0 {
				delete(c.listeners, eventType)
			} else {
				c.listeners[eventType] = entries
			}
			return true
		}
	}
	return false
}

// Join subscribes to a room. The subscription is remembered and replayed
// after every ready event, so it survives reconnects. When a stream is open
// the request is sent immediately.
func (c *Client) Join(ctx context.Context, scope string, params any) error {
	msg := eventstream.Join(scope, params)

	c.mu.Lock()
	if !slices.ContainsFunc(c.joined, sameControl(msg)) {
		c.joined = append(c.joined, msg)
	}
	connID, token := c.connectionID, c.csrfToken
	c.mu.Unlock()

	if connID == "" {
		return nil
	}
	return c.post(ctx, connID, token, msg)
}

// Leave drops a subscription made with Join.
func (c *Client) Leave(ctx context.Context, scope string, params any) error {
	c.mu.Lock()
	c.joined = slices.DeleteFunc(c.joined, sameControl(eventstream.Join(scope, params)))
	connID, token := c.connectionID, c.csrfToken
	c.mu.Unlock()

	if connID == "" {
		return nil
	}
	return c.post(ctx, connID, token, eventstream.Leave(scope, params))
}

func sameControl(msg eventstream.ControlMessage) func(eventstream.ControlMessage) bool {
	return func(m eventstream.ControlMessage) bool {
		return m.Type == msg.Type && bytes.Equal(m.Payload, msg.Payload)
	}
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	b := c.cfg.newBackOff()

	for {
		err := c.stream(ctx, done, b)

		c.mu.Lock()
		current := c.done == done
		if current {
			c.connectionID = ""
			c.csrfToken = ""
		}
		c.mu.Unlock()

		if ctx.Err() != nil {
			c.stop(done)
			c.logger.Info("stream disconnected")
			c.emit(Event{Type: EventDisconnected})
			return
		}

		c.logger.Warn("stream lost", "error", err)
		c.emit(Event{Type: EventDisconnected, Err: err})

		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		giveUp := attempt > c.cfg.MaxAttempts
		if !giveUp && c.done == done {
			c.state = StateReconnecting
		}
		c.mu.Unlock()

		if giveUp {
			c.stop(done)
			c.logger.Error("giving up on stream", "attempts", attempt-1, "error", err)
			c.emit(Event{Type: EventGiveUp, Attempt: attempt - 1, Err: err})
			return
		}

		delay := b.NextBackOff()
		c.logger.Info("reconnecting", "attempt", attempt, "delay", delay)
		c.emit(Event{Type: EventReconnecting, Attempt: attempt, Delay: delay, Err: err})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.stop(done)
			c.emit(Event{Type: EventDisconnected})
			return
		case <-timer.C:
		}

		if !c.transition(ctx, done, StateConnecting) {
			continue
		}
	}
}

// stop returns the client to idle if done still belongs to the current run.
func (c *Client) stop(done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != done {
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.state = StateIdle
}

// transition sets the state unless the run has been cancelled or replaced.
func (c *Client) transition(ctx context.Context, done chan struct{}, s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil || c.done != done {
		return false
	}
	c.state = s
	return true
}

func (c *Client) stream(ctx context.Context, done chan struct{}, b *backoff.ExponentialBackOff) error {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.streamURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", eventstream.ContentType)
	req.Header.Set("Cache-Control", "no-cache")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	if !c.transition(ctx, done, StateConnected) {
		return ctx.Err()
	}
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
	b.Reset()

	c.logger.Info("stream connected")
	c.emit(Event{Type: EventConnected})

	var idle atomic.Bool
	watchdog := time.AfterFunc(c.cfg.IdleTimeout, func() {
		idle.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	body := &activityReader{r: resp.Body, onRead: func() { watchdog.Reset(c.cfg.IdleTimeout) }}
	parser := eventstream.NewParser()
	if c.cfg.MaxFrameSize > 0 {
		parser = parser.WithMaxFrameSize(c.cfg.MaxFrameSize)
	}

	err = eventstream.ReadFrames(body, parser, func(f eventstream.Frame) error {
		c.handleFrame(ctx, done, f)
		return nil
	})
	switch {
	case idle.Load():
		return ErrIdleTimeout
	case err == nil:
		return ErrStreamEnded
	}
	return err
}

func (c *Client) handleFrame(ctx context.Context, done chan struct{}, f eventstream.Frame) {
	if f.Event == eventstream.TypeHeartbeat {
		return
	}

	msg, err := eventstream.Decode(f)
	if err != nil {
		c.logger.Warn("dropping invalid event", "type", f.Event, "error", err)
		return
	}

	if msg.Type == eventstream.TypeReady {
		ready := msg.Payload.(*eventstream.Ready)

		c.mu.Lock()
		var joins []eventstream.ControlMessage
		if c.done == done {
			c.connectionID = ready.ConnectionID
			c.csrfToken = ready.CSRFToken
			joins = slices.Clone(c.joined)
		}
		c.mu.Unlock()

		if len(joins) > 0 {
			go c.replay(ctx, ready.ConnectionID, ready.CSRFToken, joins)
		}
	}

	c.emit(Event{Type: msg.Type, Data: msg.Raw, Payload: msg.Payload})
}

func (c *Client) replay(ctx context.Context, connID, token string, joins []eventstream.ControlMessage) {
	for _, msg := range joins {
		if err := c.post(ctx, connID, token, msg); err != nil {
			c.logger.Warn("failed to restore subscription", "type", msg.Type, "error", err)
		}
	}
}

func (c *Client) post(ctx context.Context, connID, token string, msg eventstream.ControlMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	u := c.streamURL + "/connections/" + url.PathEscape(connID) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if token != "" {
		req.Header.Set(CSRFHeader, token)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("%w: %s: status %d", ErrControlRejected, msg.Type, resp.StatusCode)
	}
	return nil
}

func (c *Client) emit(e Event) {
	c.lmu.RLock()
	entries := slices.Clone(c.listeners[e.Type])
	c.lmu.RUnlock()

	for _, l := range entries {
		c.invoke(l, e)
	}
}

// invoke runs one listener. A panicking listener is logged and does not stop
// delivery to the others.
func (c *Client) invoke(l listenerEntry, e Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("listener panicked", "type", e.Type, "listener", uint64(l.id), "panic", r)
		}
	}()
	l.fn(e)
}

// activityReader reports every successful read.
type activityReader struct {
	r      io.Reader
	onRead func()
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.onRead()
	}
	return n, err
}
