// Package eventstream implements the text/event-stream wire format shared by
// the broadcaster and its clients: frame encoding, an incremental parser that
// tolerates arbitrary read boundaries, and the typed payloads of every event
// and control message the system exchanges.
package eventstream

import (
	"bytes"
	"errors"
	"io"
	"strings"
)

// ContentType is the MIME type of an event stream response.
const ContentType = "text/event-stream"

// Frame is one message on the stream.
type Frame struct {
	Event string
	Data  []byte
	ID    string
}

var errNewlineInField = errors.New("eventstream: newline in event or id field")

// WriteFrame encodes f as
//
//	event: <type>
//	data: <line>
//	<blank line>
//
// Data containing newlines is split across several data lines.
func WriteFrame(w io.Writer, f Frame) error {
	if strings.ContainsAny(f.Event, "\r\n") || strings.ContainsAny(f.ID, "\r\n") {
		return errNewlineInField
	}

	var buf bytes.Buffer
	if f.ID != "" {
		buf.WriteString("id: ")
		buf.WriteString(f.ID)
		buf.WriteByte('\n')
	}
	if f.Event != "" {
		buf.WriteString("event: ")
		buf.WriteString(f.Event)
		buf.WriteByte('\n')
	}

	data := bytes.ReplaceAll(f.Data, []byte("\r\n"), []byte("\n"))
	for _, line := range bytes.Split(data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')

	_, err := w.Write(buf.Bytes())
	return err
}

// WriteComment writes a comment line, which parsers ignore. Useful as a
// padding or keep-alive that carries no event.
func WriteComment(w io.Writer, text string) error {
	text = strings.NewReplacer("\r", " ", "\n", " ").Replace(text)
	_, err := io.WriteString(w, ": "+text+"\n\n")
	return err
}
