package unifiedllm

import (
	"bytes"
	"fmt"
)

// maxSSELine bounds how much unterminated data the decoder will buffer.
const maxSSELine = 8 << 20

// SSEEvent is one dispatched server-sent event.
type SSEEvent struct {
	Event string
	Data  []byte
}

// SSEDecoder frames server-sent events out of chunks split at arbitrary
// byte boundaries. Partial lines are buffered until their newline arrives.
type SSEDecoder struct {
	buf     []byte
	event   string
	data    bytes.Buffer
	hasData bool
}

// Feed appends a chunk and returns every event it completed.
func (d *SSEDecoder) Feed(chunk []byte) ([]SSEEvent, error) {
	d.buf = append(d.buf, chunk...)
	var out []SSEEvent
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(d.buf[:i], []byte{'\r'})
		ev, ok, err := d.line(line)
		d.buf = d.buf[i+1:]
		if err != nil {
			return out, err
		}
		if ok {
			out = append(out, ev)
		}
	}
	if len(d.buf) > maxSSELine {
		return out, fmt.Errorf("sse line exceeds %d bytes without a newline", maxSSELine)
	}
	return out, nil
}

// Flush dispatches a trailing event that was not terminated by a blank line.
func (d *SSEDecoder) Flush() ([]SSEEvent, error) {
	var out []SSEEvent
	if len(d.buf) > 0 {
		line := bytes.TrimSuffix(d.buf, []byte{'\r'})
		d.buf = nil
		if _, _, err := d.line(line); err != nil {
			return nil, err
		}
	}
	if ev, ok := d.dispatch(); ok {
		out = append(out, ev)
	}
	return out, nil
}

func (d *SSEDecoder) line(line []byte) (SSEEvent, bool, error) {
	if len(line) == 0 {
		ev, ok := d.dispatch()
		return ev, ok, nil
	}
	if line[0] == ':' {
		return SSEEvent{}, false, nil
	}

	field, value := line, []byte(nil)
	if i := bytes.IndexByte(line, ':'); i >= 0 {
		field, value = line[:i], line[i+1:]
		value = bytes.TrimPrefix(value, []byte{' '})
	}

	switch string(field) {
	case "data":
		if d.hasData {
			d.data.WriteByte('\n')
		}
		d.data.Write(value)
		d.hasData = true
	case "event":
		d.event = string(value)
	case "id", "retry":
	default:
		return SSEEvent{}, false, fmt.Errorf("not an sse field: %q", truncateForError(line))
	}
	return SSEEvent{}, false, nil
}

// dispatch emits the buffered event. A block with no data is dropped and
// its event name forgotten.
func (d *SSEDecoder) dispatch() (SSEEvent, bool) {
	if d.data.Len() == 0 {
		d.event = ""
		d.hasData = false
		return SSEEvent{}, false
	}
	ev := SSEEvent{Event: d.event, Data: append([]byte(nil), d.data.Bytes()...)}
	d.event = ""
	d.data.Reset()
	d.hasData = false
	return ev, true
}

func truncateForError(b []byte) string {
	const max = 120
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
