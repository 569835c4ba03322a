package gateway

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultHeartbeatPeriod is how often each connection is pinged with a
	// heartbeat frame
	DefaultHeartbeatPeriod = 30 * time.Second

	// EventConnected is pushed to a channel right after registration
	EventConnected = "connected"

	// EventHeartbeat is the periodic keepalive frame
	EventHeartbeat = "heartbeat"
)

type entry struct {
	channel Channel
	stop    chan struct{}
}

// Status is the diagnostic snapshot of the registry.
type Status struct {
	TotalClients int      `json:"totalClients"`
	Clients      []string `json:"clients"`
}

// Registry maintains at most one live push channel per account. A write
// failure on any send evicts the connection; the failure is never
// surfaced to the publisher.
type Registry struct {
	mu        sync.RWMutex
	clients   map[string]*entry
	heartbeat time.Duration
	logger    *zap.SugaredLogger
}

// NewRegistry creates an empty connection registry.
func NewRegistry(logger *zap.SugaredLogger) *Registry {
	return &Registry{
		clients:   make(map[string]*entry),
		heartbeat: DefaultHeartbeatPeriod,
		logger:    logger,
	}
}

// SetHeartbeatPeriod overrides the keepalive interval. Applies to
// connections added afterwards.
func (r *Registry) SetHeartbeatPeriod(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.heartbeat = d
	r.mu.Unlock()
}

// AddConnection registers a channel for an account, tearing down any
// previous connection for the same account, and pushes a connected frame.
func (r *Registry) AddConnection(accountID string, ch Channel) {
	e := &entry{channel: ch, stop: make(chan struct{})}

	r.mu.Lock()
	if old, ok := r.clients[accountID]; ok {
		close(old.stop)
		old.channel.Close()
		r.logger.Debugw("Replacing existing connection", "accountId", accountID)
	}
	r.clients[accountID] = e
	total := len(r.clients)
	r.mu.Unlock()

	r.logger.Infow("Client connected", "accountId", accountID, "totalClients", total)

	go r.heartbeatLoop(accountID, e)

	r.Send(accountID, EventConnected, map[string]interface{}{"accountId": accountID})
}

// RemoveConnection drops an account's connection. Idempotent: removing
// an unknown account is a no-op.
func (r *Registry) RemoveConnection(accountID string) {
	r.mu.Lock()
	e, ok := r.clients[accountID]
	if ok {
		delete(r.clients, accountID)
	}
	total := len(r.clients)
	r.mu.Unlock()

	if !ok {
		return
	}
	close(e.stop)
	e.channel.Close()
	r.logger.Infow("Client disconnected", "accountId", accountID, "totalClients", total)
}

// Release drops the connection only if the account still maps to the
// given channel. Transports call this on disconnect so a replaced
// connection's teardown cannot evict its replacement.
func (r *Registry) Release(accountID string, ch Channel) {
	r.removeEntry(accountID, ch)
}

// removeEntry evicts only if the account still maps to the same channel,
// so a failed write on a torn-down connection cannot remove its
// replacement.
func (r *Registry) removeEntry(accountID string, ch Channel) {
	r.mu.Lock()
	e, ok := r.clients[accountID]
	if !ok || e.channel != ch {
		r.mu.Unlock()
		return
	}
	delete(r.clients, accountID)
	total := len(r.clients)
	r.mu.Unlock()

	close(e.stop)
	e.channel.Close()
	r.logger.Warnw("Client evicted after write failure", "accountId", accountID, "totalClients", total)
}

// Send delivers a named event to one account. Returns false without
// error when the account has no connection; a write failure evicts the
// connection and also returns false.
func (r *Registry) Send(accountID, event string, payload interface{}) bool {
	r.mu.RLock()
	e, ok := r.clients[accountID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	if err := e.channel.Send(NewFrame(event, payload)); err != nil {
		r.logger.Debugw("Write failed", "accountId", accountID, "event", event, "error", err)
		r.removeEntry(accountID, e.channel)
		return false
	}
	return true
}

// Broadcast delivers a named event to every connected account and
// returns the number of successful deliveries. Individual failures do
// not abort the remaining sends.
func (r *Registry) Broadcast(event string, payload interface{}) int {
	r.mu.RLock()
	accounts := make([]string, 0, len(r.clients))
	for id := range r.clients {
		accounts = append(accounts, id)
	}
	r.mu.RUnlock()

	sent := 0
	for _, id := range accounts {
		if r.Send(id, event, payload) {
			sent++
		}
	}

	if len(accounts) > 0 {
		r.logger.Debugw("Broadcast complete", "event", event, "sent", sent, "total", len(accounts))
	}
	return sent
}

// Status returns the connection count and the connected account IDs.
func (r *Registry) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]string, 0, len(r.clients))
	for id := range r.clients {
		clients = append(clients, id)
	}
	return Status{TotalClients: len(clients), Clients: clients}
}

// CloseAll tears down every connection, for shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]*entry)
	r.mu.Unlock()

	for id, e := range clients {
		close(e.stop)
		e.channel.Close()
		r.logger.Debugw("Closed connection on shutdown", "accountId", id)
	}
}

// heartbeatLoop pings the connection until it is removed. A failed ping
// evicts through the same path as any other failed write.
func (r *Registry) heartbeatLoop(accountID string, e *entry) {
	r.mu.RLock()
	period := r.heartbeat
	r.mu.RUnlock()

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			if err := e.channel.Send(NewFrame(EventHeartbeat, nil)); err != nil {
				r.removeEntry(accountID, e.channel)
				return
			}
		}
	}
}
