package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Frame types.
const (
	FrameClient = "client"
	FrameServer = "server"
	FrameLocal  = "local"
)

// Frame is the JSON envelope exchanged in both directions:
//
//	{"type":"client","event":"shop:join","data":{"shopId":"s1"},"timestamp":1700000000000}
//
// Timestamp is epoch milliseconds.
type Frame struct {
	Type      string          `json:"type"`
	Event     EventName       `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// ErrMalformedFrame wraps every ParseFrame failure.
var ErrMalformedFrame = errors.New("malformed frame")

// NewFrame encodes data into a frame stamped with now.
func NewFrame(typ string, event EventName, data any, now time.Time) (Frame, error) {
	f := Frame{Type: typ, Event: event, Timestamp: now.UnixMilli()}
	if data == nil {
		return f, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		f.Data = raw
		return f, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding %s payload: %w", event, err)
	}
	f.Data = raw
	return f, nil
}

// ParseFrame decodes one inbound message. A frame without an event name is
// malformed.
func ParseFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("%w: missing event", ErrMalformedFrame)
	}
	return f, nil
}

// Time returns the frame timestamp.
func (f Frame) Time() time.Time {
	return time.UnixMilli(f.Timestamp)
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return nil
	}
	return json.Unmarshal(f.Data, v)
}
