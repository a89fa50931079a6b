package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lorrc/service-desk-realtime/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-realtime/internal/core/errors"
	"github.com/lorrc/service-desk-realtime/pkg/eventstream"
)

// WSConfig holds WebSocket timing limits.
type WSConfig struct {
	// WriteWait is the time allowed to write a message to the peer.
	WriteWait time.Duration
	// PongWait is the time allowed to read the next pong from the peer.
	PongWait time.Duration
	// MaxMessageSize bounds inbound control messages.
	MaxMessageSize int64
}

// DefaultWSConfig returns the usual limits.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		MaxMessageSize: 4096,
	}
}

// WSTransport writes events as JSON envelopes on a WebSocket.
type WSTransport struct {
	conn *websocket.Conn
	cfg  WSConfig
}

// NewWSTransport wraps an upgraded connection.
func NewWSTransport(conn *websocket.Conn, cfg WSConfig) *WSTransport {
	return &WSTransport{conn: conn, cfg: cfg}
}

// WriteEvent writes {"event": type, "data": payload} as one text message.
func (t *WSTransport) WriteEvent(event domain.Event) error {
	return t.writeEnvelope(eventstream.Envelope{
		Event: string(event.Type),
		Data:  event.Payload,
	})
}

// WriteHeartbeat sends a ping control frame followed by a heartbeat event, so
// both the browser's socket and application code see the stream is alive.
func (t *WSTransport) WriteHeartbeat(at time.Time) error {
	if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.cfg.WriteWait)); err != nil {
		return err
	}
	data, err := heartbeatPayload(at)
	if err != nil {
		return err
	}
	return t.writeEnvelope(eventstream.Envelope{
		Event: string(domain.EventHeartbeat),
		Data:  data,
	})
}

func (t *WSTransport) writeEnvelope(env eventstream.Envelope) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait)); err != nil {
		return err
	}

	w, err := t.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(w).Encode(env); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// ServeWebSocket runs both pumps for an upgraded connection: the read pump
// feeds control messages to the broadcaster and the write pump is c.Serve.
// It returns when either side ends, after cleanup.
func ServeWebSocket(ctx context.Context, b *Broadcaster, c *Connection, conn *websocket.Conn, cfg WSConfig) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer cancel()
		readPump(ctx, b, c, conn, cfg)
	}()

	err := c.Serve(ctx, NewWSTransport(conn, cfg))

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(cfg.WriteWait),
	)
	_ = conn.Close()
	return err
}

func readPump(ctx context.Context, b *Broadcaster, c *Connection, conn *websocket.Conn, cfg WSConfig) {
	conn.SetReadLimit(cfg.MaxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(cfg.PongWait)); err != nil {
		c.logger.Error("failed to set read deadline", "error", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		c.Touch()
		return conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		// Malformed messages are logged by the protocol and otherwise ignored.
		err = b.HandleControl(ctx, c, message)
		if errors.Is(err, apperrors.ErrConnectionClosed) {
			return
		}
	}
}

func heartbeatPayload(at time.Time) (json.RawMessage, error) {
	return json.Marshal(struct {
		Time time.Time `json:"ts"`
	}{Time: at.UTC()})
}
