package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/veilwork/chime/errors"
	"github.com/veilwork/chime/gateway"
)

// Time allowed to write a frame to a push connection
const writeWait = 10 * time.Second

// sseChannel adapts an SSE response to gateway.Channel. Writes carry a
// deadline so a stalled client fails fast and gets evicted instead of
// blocking the sender.
type sseChannel struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	rc     *http.ResponseController
	done   chan struct{}
	closed bool
}

func newSSEChannel(w http.ResponseWriter) *sseChannel {
	return &sseChannel{
		w:    w,
		rc:   http.NewResponseController(w),
		done: make(chan struct{}),
	}
}

// Send writes one text/event-stream frame: an event line followed by a
// data line with the JSON envelope.
func (c *sseChannel) Send(f gateway.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New("stream closed")
	}

	data, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "failed to marshal frame")
	}

	c.rc.SetWriteDeadline(time.Now().Add(writeWait))
	if _, err := c.w.Write([]byte("event: " + f.Event + "\ndata: " + string(data) + "\n\n")); err != nil {
		return errors.Wrap(err, "failed to write frame")
	}
	if err := c.rc.Flush(); err != nil {
		return errors.Wrap(err, "failed to flush frame")
	}
	return nil
}

// Close unblocks the handler goroutine. Idempotent.
func (c *sseChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// HandleEventStream serves GET /events/stream?token=...
// The token rides in the query string because EventSource cannot set
// headers. Authentication happens before any streaming response starts.
func (s *Server) HandleEventStream(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	accountID, ok := s.requireAuth(w, r)
	if !ok {
		return
	}

	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := newSSEChannel(w)
	s.registry.AddConnection(accountID, ch)

	// Hold the handler open until the client goes away or the registry
	// tears the channel down (replacement, failed write, shutdown)
	select {
	case <-r.Context().Done():
		s.registry.Release(accountID, ch)
	case <-ch.done:
	}
}
