package realtime

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lorrc/service-desk-realtime/internal/core/domain"
	"github.com/lorrc/service-desk-realtime/pkg/eventstream"
)

// SSETransport writes events as text/event-stream frames on an HTTP response.
type SSETransport struct {
	w         http.ResponseWriter
	rc        *http.ResponseController
	writeWait time.Duration
}

// NewSSETransport prepares w for streaming and sends the response headers.
// writeWait bounds each write; zero leaves the server's timeouts in place.
func NewSSETransport(w http.ResponseWriter, writeWait time.Duration) (*SSETransport, error) {
	if _, ok := w.(http.Flusher); !ok {
		return nil, errors.New("streaming unsupported by response writer")
	}

	h := w.Header()
	h.Set("Content-Type", eventstream.ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	t := &SSETransport{
		w:         w,
		rc:        http.NewResponseController(w),
		writeWait: writeWait,
	}

	// Long-lived responses must not inherit the server's WriteTimeout.
	if err := t.rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return nil, fmt.Errorf("clear write deadline: %w", err)
	}

	if err := t.rc.Flush(); err != nil {
		return nil, fmt.Errorf("flush headers: %w", err)
	}
	return t, nil
}

// WriteEvent writes one frame and flushes it.
func (t *SSETransport) WriteEvent(event domain.Event) error {
	return t.write(eventstream.Frame{
		Event: string(event.Type),
		Data:  event.Payload,
	})
}

// WriteHeartbeat writes a heartbeat event carrying the server time.
func (t *SSETransport) WriteHeartbeat(at time.Time) error {
	data, err := heartbeatPayload(at)
	if err != nil {
		return err
	}
	return t.write(eventstream.Frame{
		Event: string(domain.EventHeartbeat),
		Data:  data,
	})
}

func (t *SSETransport) write(f eventstream.Frame) error {
	if t.writeWait > 0 {
		err := t.rc.SetWriteDeadline(time.Now().Add(t.writeWait))
		if err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}
	if err := eventstream.WriteFrame(t.w, f); err != nil {
		return err
	}
	return t.rc.Flush()
}
