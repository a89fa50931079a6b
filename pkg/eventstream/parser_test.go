package eventstream_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorrc/service-desk-realtime/pkg/eventstream"
)

func encode(t *testing.T, frames ...eventstream.Frame) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, f := range frames {
		require.NoError(t, eventstream.WriteFrame(&buf, f))
	}
	return buf.Bytes()
}

func TestParser_SplitAtEveryByte(t *testing.T) {
	want := eventstream.Frame{Event: "ticket_updated", Data: []byte(`{"ticket_id":77,"status":"open"}`)}
	raw := encode(t, want)

	for split := 0; split <= len(raw); split++ {
		p := eventstream.NewParser()

		first, err := p.Feed(raw[:split])
		require.NoError(t, err)
		second, err := p.Feed(raw[split:])
		require.NoError(t, err)

		got := append(first, second...)
		require.Len(t, got, 1, "split at %d", split)
		assert.Equal(t, want.Event, got[0].Event)
		assert.Equal(t, want.Data, got[0].Data)
		assert.Zero(t, p.Buffered())
	}
}

func TestParser_ByteByByte(t *testing.T) {
	raw := encode(t,
		eventstream.Frame{Event: "a", Data: []byte("1")},
		eventstream.Frame{Event: "b", Data: []byte("2")},
	)

	p := eventstream.NewParser()
	var got []eventstream.Frame
	for i := range raw {
		frames, err := p.Feed(raw[i : i+1])
		require.NoError(t, err)
		got = append(got, frames...)
	}

	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Event)
	assert.Equal(t, "b", got[1].Event)
}

func TestParser_TwoMessagesInOneRead(t *testing.T) {
	raw := encode(t,
		eventstream.Frame{Event: "notification", Data: []byte(`{"title":"hi"}`)},
		eventstream.Frame{Event: "slot_changed", Data: []byte(`{"slot_id":3}`)},
	)

	frames, err := eventstream.NewParser().Feed(raw)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, "notification", frames[0].Event)
	assert.Equal(t, "slot_changed", frames[1].Event)
	assert.JSONEq(t, `{"slot_id":3}`, string(frames[1].Data))
}

func TestParser_CRLFAndCR(t *testing.T) {
	raw := "event: ping\r\ndata: one\r\n\r\nevent: pong\rdata: two\r\r\n"

	frames, err := eventstream.NewParser().Feed([]byte(raw))
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, "ping", frames[0].Event)
	assert.Equal(t, "one", string(frames[0].Data))
	assert.Equal(t, "pong", frames[1].Event)
	assert.Equal(t, "two", string(frames[1].Data))
}

func TestParser_CRLFSplitBetweenCRAndLF(t *testing.T) {
	p := eventstream.NewParser()

	frames, err := p.Feed([]byte("event: x\r"))
	require.NoError(t, err)
	assert.Empty(t, frames)

	frames, err = p.Feed([]byte("\ndata: y\r\n\r\n"))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "x", frames[0].Event)
	assert.Equal(t, "y", string(frames[0].Data))
}

func TestParser_CommentsAndUnknownFields(t *testing.T) {
	raw := ": keep-alive\n\n: another\nretry: 100\nfoo: bar\nevent: e\nid: 42\ndata:no-space\n\n"

	frames, err := eventstream.NewParser().Feed([]byte(raw))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "e", frames[0].Event)
	assert.Equal(t, "42", frames[0].ID)
	assert.Equal(t, "no-space", string(frames[0].Data))
}

func TestParser_MultiLineData(t *testing.T) {
	raw := encode(t, eventstream.Frame{Event: "notification", Data: []byte("line one\nline two\r\nline three")})
	assert.Equal(t, 3, strings.Count(string(raw), "data: "))

	frames, err := eventstream.NewParser().Feed(raw)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "line one\nline two\nline three", string(frames[0].Data))
}

func TestParser_FrameTooLarge(t *testing.T) {
	p := eventstream.NewParser().WithMaxFrameSize(32)

	_, err := p.Feed([]byte("data: " + strings.Repeat("x", 64)))
	require.ErrorIs(t, err, eventstream.ErrFrameTooLarge)
	assert.Zero(t, p.Buffered())

	frames, err := p.Feed([]byte("event: ok\ndata: {}\n\n"))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "ok", frames[0].Event)
}

func TestReadFrames(t *testing.T) {
	raw := encode(t,
		eventstream.Frame{Event: "heartbeat", Data: []byte(`{"ts":"2024-05-01T10:00:00Z"}`)},
		eventstream.Frame{Event: "ready", Data: []byte(`{"connection_id":"c1","rooms":["all"]}`)},
	)

	var got []string
	err := eventstream.ReadFrames(bytes.NewReader(raw), eventstream.NewParser(), func(f eventstream.Frame) error {
		got = append(got, f.Event)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"heartbeat", "ready"}, got)
}

func TestWriteFrame_RejectsNewlineInEvent(t *testing.T) {
	var buf bytes.Buffer
	err := eventstream.WriteFrame(&buf, eventstream.Frame{Event: "bad\nevent", Data: []byte("{}")})
	require.Error(t, err)
	assert.Zero(t, buf.Len())
}

func TestWriteComment(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, eventstream.WriteComment(&buf, "hello\nworld"))
	assert.Equal(t, ": hello world\n\n", buf.String())

	frames, err := eventstream.NewParser().Feed(buf.Bytes())
	require.NoError(t, err)
	assert.Empty(t, frames)
}
