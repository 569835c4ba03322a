package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veilwork/chime/gateway"
)

// wsChannel adapts a websocket connection to gateway.Channel.
type wsChannel struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsChannel) Send(f gateway.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}

func (c *wsChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

// HandleWebSocket serves GET /ws?token=...
// Same push protocol as the SSE endpoint, framed as websocket text
// messages for clients that want a bidirectional transport.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.requireAuth(w, r)
	if !ok {
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "accountId", accountID, "error", err)
		return
	}

	ch := &wsChannel{conn: conn}
	s.registry.AddConnection(accountID, ch)

	// Read loop: the push protocol carries no client messages, but
	// reading is how websockets learn about disconnects
	conn.SetReadLimit(1024)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.registry.Release(accountID, ch)
}
