// Package gateway delivers domain events to connected clients in real
// time. It maintains one push channel per account, fans bus events out
// to them, and self-heals by evicting connections whose writes fail.
package gateway

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/veilwork/chime/bus"
)

// Gateway bridges the event bus to the connection registry. Events
// carrying an account ID go to that account only; the rest are
// broadcast. Delivery is fire-and-forget: publishers never see failures.
type Gateway struct {
	registry *Registry
	bus      bus.Bus
	logger   *zap.SugaredLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a gateway over the given registry and bus.
func New(registry *Registry, b bus.Bus, logger *zap.SugaredLogger) *Gateway {
	return &Gateway{registry: registry, bus: b, logger: logger}
}

// Registry exposes the underlying connection registry for transports.
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// Start subscribes to the bus and routes events until Stop is called.
func (g *Gateway) Start(ctx context.Context) {
	ctx, g.cancel = context.WithCancel(ctx)

	events, unsubscribe := g.bus.Subscribe(64)
	g.wg.Add(1)

	go func() {
		defer g.wg.Done()
		defer unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				g.route(e)
			}
		}
	}()
}

// Stop unsubscribes from the bus and waits for the routing loop to exit.
// Connections stay registered; CloseAll on the registry tears them down.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
}

func (g *Gateway) route(e bus.Event) {
	if e.AccountID != "" {
		delivered := g.registry.Send(e.AccountID, e.Name, e.Payload)
		if !delivered {
			g.logger.Debugw("Event not delivered", "event", e.Name, "accountId", e.AccountID)
		}
		return
	}
	sent := g.registry.Broadcast(e.Name, e.Payload)
	g.logger.Debugw("Event broadcast", "event", e.Name, "sent", sent)
}
