// Package sse decodes text/event-stream bytes into discrete frames.
package sse

import (
	"bufio"
	"io"
	"strings"
)

// DefaultEvent is the event name assumed when a frame has no event: line.
const DefaultEvent = "message"

const (
	initialBufferSize = 64 * 1024
	maxBufferSize     = 2 * 1024 * 1024
)

// Frame is one decoded server-sent event.
type Frame struct {
	Event string
	Data  string
}

// Decoder incrementally reads frames from a byte stream. Frames are
// delimited by a blank line; a frame that carries no data: line is dropped.
type Decoder struct {
	scanner *bufio.Scanner
	event   string
	data    []string
}

// NewDecoder returns a Decoder reading from r. The reader is typically a
// streaming HTTP response body; closing it is the caller's job.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, initialBufferSize), maxBufferSize)
	return &Decoder{scanner: scanner}
}

// Next returns the next frame carrying data. It returns io.EOF when the
// stream ends cleanly, or the underlying read error otherwise.
func (d *Decoder) Next() (Frame, error) {
	for d.scanner.Scan() {
		line := strings.TrimRight(d.scanner.Text(), "\r")
		switch {
		case line == "":
			if frame, ok := d.flush(); ok {
				return frame, nil
			}
		case strings.HasPrefix(line, ":"):
			// Comment line, used by servers as a keep-alive.
		case strings.HasPrefix(line, "event:"):
			d.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			d.data = append(d.data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := d.scanner.Err(); err != nil {
		return Frame{}, err
	}
	// A final frame not followed by a blank line still counts.
	if frame, ok := d.flush(); ok {
		return frame, nil
	}
	return Frame{}, io.EOF
}

func (d *Decoder) flush() (Frame, bool) {
	event, data := d.event, d.data
	d.event, d.data = "", nil
	if len(data) == 0 {
		return Frame{}, false
	}
	if event == "" {
		event = DefaultEvent
	}
	return Frame{Event: event, Data: strings.Join(data, "\n")}, true
}
