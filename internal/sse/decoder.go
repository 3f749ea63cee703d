// ABOUTME: Server-Sent Events decoder that keeps the exact bytes of every frame
// ABOUTME: Lets one reader feed both a verbatim forwarder and a content accumulator

package sse

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Frame is one event block of an SSE stream.
type Frame struct {
	// Raw is every byte consumed for this frame, including the terminating
	// blank line. Concatenating Raw across all frames reproduces the stream.
	Raw string

	// Data joins the frame's data lines with "\n".
	Data string

	// Event and ID hold the optional event and id fields.
	Event string
	ID    string
}

// Decoder reads frames from an event stream. It is finite and not
// restartable: once Next returns an error, every later call returns it again.
type Decoder struct {
	reader *bufio.Reader
	err    error
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{reader: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next frame. At the end of the stream it returns io.EOF.
// A final block with no terminating blank line is still returned, and the
// following call reports io.EOF. When the underlying read fails mid-frame the
// bytes read so far are returned in Frame.Raw together with the error.
func (d *Decoder) Next() (Frame, error) {
	if d.err != nil {
		return Frame{}, d.err
	}

	var (
		raw       strings.Builder
		dataLines []string
		frame     Frame
		hasFields bool
	)

	for {
		line, err := d.reader.ReadString('\n')
		raw.WriteString(line)

		if err != nil {
			d.err = err
			if raw.Len() == 0 {
				return Frame{}, err
			}
			frame.Raw = raw.String()
			if err != io.EOF {
				return frame, err
			}
			if trimmed := strings.TrimRight(line, "\r\n"); trimmed != "" {
				parseField(trimmed, &frame, &dataLines)
			}
			frame.Data = strings.Join(dataLines, "\n")
			return frame, nil
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			if !hasFields {
				// Stray blank lines belong to the next frame's Raw.
				continue
			}
			frame.Raw = raw.String()
			frame.Data = strings.Join(dataLines, "\n")
			return frame, nil
		}

		hasFields = true
		parseField(trimmed, &frame, &dataLines)
	}
}

// parseField applies one non-blank line to the frame being built.
func parseField(line string, frame *Frame, dataLines *[]string) {
	if strings.HasPrefix(line, ":") {
		return
	}

	field, value, hasColon := strings.Cut(line, ":")
	if hasColon {
		value = strings.TrimPrefix(value, " ")
	}

	switch field {
	case "data":
		*dataLines = append(*dataLines, value)
	case "event":
		frame.Event = value
	case "id":
		frame.ID = value
	}
}

// Chat event types emitted by the sandbox relay.
const (
	TypeDelta = "delta"
	TypeDone  = "done"
	TypeError = "error"
)

// ChatEvent is the JSON payload of a relay frame.
type ChatEvent struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ParseChatEvent decodes the data of a relay frame.
func ParseChatEvent(frame Frame) (ChatEvent, error) {
	var ev ChatEvent
	if frame.Data == "" {
		return ev, fmt.Errorf("frame has no data")
	}
	if err := json.Unmarshal([]byte(frame.Data), &ev); err != nil {
		return ev, fmt.Errorf("decoding chat event: %w", err)
	}
	if ev.Type == "" {
		return ev, fmt.Errorf("chat event has no type")
	}
	return ev, nil
}
