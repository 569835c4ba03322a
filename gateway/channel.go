package gateway

import "time"

// Frame is the wire envelope for a pushed event. The data field carries a
// nested envelope repeating the event name and timestamp, so consumers
// that only look at the payload still see what fired and when.
type Frame struct {
	Event     string      `json:"event"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
}

// NewFrame wraps a payload in the double envelope.
func NewFrame(event string, payload interface{}) Frame {
	ts := time.Now().UTC().Format(time.RFC3339)
	return Frame{
		Event: event,
		Data: Frame{
			Event:     event,
			Data:      payload,
			Timestamp: ts,
		},
		Timestamp: ts,
	}
}

// Channel is one live push connection. Implementations wrap a concrete
// transport (SSE response, websocket) and must tolerate concurrent Send
// calls; a returned error means the connection is unusable and will be
// evicted by the registry.
type Channel interface {
	Send(f Frame) error
	Close() error
}
