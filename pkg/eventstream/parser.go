package eventstream

import (
	"bytes"
	"errors"
	"io"
)

// DefaultMaxFrameSize bounds the memory a single unterminated frame may use.
const DefaultMaxFrameSize = 1 << 20

// ErrFrameTooLarge is returned when a frame exceeds the parser's limit.
var ErrFrameTooLarge = errors.New("eventstream: frame exceeds maximum size")

// Parser decodes an event stream incrementally. It keeps the trailing partial
// line and the frame under construction between calls to Feed, so input may be
// split at any byte.
type Parser struct {
	maxFrameSize int

	line    []byte // incomplete line carried over from the previous read
	pending Frame  // fields seen since the last blank line
	data    bytes.Buffer
	hasData bool
	size    int
}

// NewParser returns a parser with DefaultMaxFrameSize.
func NewParser() *Parser {
	return &Parser{maxFrameSize: DefaultMaxFrameSize}
}

// WithMaxFrameSize changes the frame size limit.
func (p *Parser) WithMaxFrameSize(n int) *Parser {
	p.maxFrameSize = n
	return p
}

// Feed consumes chunk and returns every frame it completed, in order.
func (p *Parser) Feed(chunk []byte) ([]Frame, error) {
	var frames []Frame

	buf := chunk
	if len(p.line) > 0 {
		buf = append(p.line, chunk...)
		p.line = nil
	}

	for {
		idx := bytes.IndexAny(buf, "\r\n")
		if idx < 0 {
			break
		}
		// A lone CR at the end of the buffer may be the first half of CRLF.
		if buf[idx] == '\r' && idx == len(buf)-1 {
			break
		}

		line := buf[:idx]
		next := idx + 1
		if buf[idx] == '\r' && buf[next] == '\n' {
			next++
		}
		buf = buf[next:]

		if f, ok := p.processLine(line); ok {
			frames = append(frames, f)
		}
	}

	if len(buf) > 0 {
		p.line = append([]byte(nil), buf...)
	}

	if p.size+len(p.line) > p.maxFrameSize {
		p.Reset()
		return frames, ErrFrameTooLarge
	}

	return frames, nil
}

// Reset discards any partial state.
func (p *Parser) Reset() {
	p.line = nil
	p.pending = Frame{}
	p.data.Reset()
	p.hasData = false
	p.size = 0
}

// Buffered reports how many bytes are held for an incomplete frame.
func (p *Parser) Buffered() int {
	return p.size + len(p.line)
}

func (p *Parser) processLine(line []byte) (Frame, bool) {
	if len(line) == 0 {
		return p.dispatch()
	}

	p.size += len(line) + 1

	if line[0] == ':' {
		return Frame{}, false
	}

	field, value, found := bytes.Cut(line, []byte(":"))
	if found && len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}

	switch string(field) {
	case "event":
		p.pending.Event = string(value)
	case "data":
		if p.hasData {
			p.data.WriteByte('\n')
		}
		p.data.Write(value)
		p.hasData = true
	case "id":
		p.pending.ID = string(value)
	}

	return Frame{}, false
}

func (p *Parser) dispatch() (Frame, bool) {
	if !p.hasData && p.pending.Event == "" {
		p.Reset()
		return Frame{}, false
	}

	f := p.pending
	if p.hasData {
		f.Data = append([]byte(nil), p.data.Bytes()...)
	}

	p.pending = Frame{}
	p.data.Reset()
	p.hasData = false
	p.size = 0
	return f, true
}

// ReadFrames reads r until EOF or error and calls fn for each frame. It
// returns nil on a clean EOF, or the first error from r or fn.
func ReadFrames(r io.Reader, p *Parser, fn func(Frame) error) error {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			frames, perr := p.Feed(buf[:n])
			for _, f := range frames {
				if ferr := fn(f); ferr != nil {
					return ferr
				}
			}
			if perr != nil {
				return perr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
