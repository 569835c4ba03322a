package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veilwork/chime/bus"
	"github.com/veilwork/chime/errors"
)

// fakeChannel records frames and can be told to fail writes.
type fakeChannel struct {
	mu     sync.Mutex
	frames []Frame
	failAt int // fail sends once this many frames have been recorded; -1 never
	closed bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{failAt: -1}
}

func (c *fakeChannel) Send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("channel closed")
	}
	if c.failAt >= 0 && len(c.frames) >= c.failAt {
		return errors.New("write failed")
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, len(c.frames))
	for i, f := range c.frames {
		names[i] = f.Event
	}
	return names
}

func newTestRegistry() *Registry {
	r := NewRegistry(zap.NewNop().Sugar())
	r.SetHeartbeatPeriod(time.Hour) // keep heartbeats out of the way
	return r
}

func TestAddConnectionPushesConnectedFrame(t *testing.T) {
	r := newTestRegistry()
	ch := newFakeChannel()

	r.AddConnection("acct-1", ch)

	events := ch.events()
	require.Len(t, events, 1)
	assert.Equal(t, EventConnected, events[0])

	status := r.Status()
	assert.Equal(t, 1, status.TotalClients)
	assert.Equal(t, []string{"acct-1"}, status.Clients)
}

func TestSecondConnectionReplacesFirst(t *testing.T) {
	r := newTestRegistry()
	first := newFakeChannel()
	second := newFakeChannel()

	r.AddConnection("acct-1", first)
	r.AddConnection("acct-1", second)

	assert.True(t, first.isClosed(), "old channel is torn down on replacement")
	assert.False(t, second.isClosed())
	assert.Equal(t, 1, r.Status().TotalClients)

	require.True(t, r.Send("acct-1", "ping", nil))
	assert.Contains(t, second.events(), "ping")
	assert.NotContains(t, first.events(), "ping")
}

func TestSendToAbsentAccount(t *testing.T) {
	r := newTestRegistry()

	delivered := r.Send("nobody", "ping", nil)
	assert.False(t, delivered, "absent account reports not-delivered without error")
}

func TestSendFrameEnvelope(t *testing.T) {
	r := newTestRegistry()
	ch := newFakeChannel()
	r.AddConnection("acct-1", ch)

	require.True(t, r.Send("acct-1", "task-executed", map[string]interface{}{"taskId": "t-1"}))

	ch.mu.Lock()
	frame := ch.frames[len(ch.frames)-1]
	ch.mu.Unlock()

	assert.Equal(t, "task-executed", frame.Event)
	assert.NotEmpty(t, frame.Timestamp)

	inner, ok := frame.Data.(Frame)
	require.True(t, ok, "data carries the nested envelope")
	assert.Equal(t, "task-executed", inner.Event)
	assert.Equal(t, frame.Timestamp, inner.Timestamp)
	payload, ok := inner.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "t-1", payload["taskId"])
}

func TestWriteFailureEvictsConnection(t *testing.T) {
	r := newTestRegistry()
	ch := newFakeChannel()
	r.AddConnection("acct-1", ch)

	ch.mu.Lock()
	ch.failAt = len(ch.frames)
	ch.mu.Unlock()

	delivered := r.Send("acct-1", "ping", nil)
	assert.False(t, delivered)
	assert.Equal(t, 0, r.Status().TotalClients, "failed write removes the connection")
	assert.True(t, ch.isClosed())
}

func TestBroadcastCountsSuccesses(t *testing.T) {
	r := newTestRegistry()

	healthy := newFakeChannel()
	r.AddConnection("acct-1", healthy)

	broken := newFakeChannel()
	r.AddConnection("acct-2", broken)
	broken.mu.Lock()
	broken.failAt = len(broken.frames)
	broken.mu.Unlock()

	sent := r.Broadcast("announcement", nil)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, r.Status().TotalClients, "the broken recipient is evicted")
	assert.Contains(t, healthy.events(), "announcement")
}

func TestBroadcastWithNoConnections(t *testing.T) {
	r := newTestRegistry()
	assert.Equal(t, 0, r.Broadcast("announcement", nil))
}

func TestRemoveConnectionIdempotent(t *testing.T) {
	r := newTestRegistry()
	ch := newFakeChannel()
	r.AddConnection("acct-1", ch)

	r.RemoveConnection("acct-1")
	assert.True(t, ch.isClosed())
	assert.Equal(t, 0, r.Status().TotalClients)

	r.RemoveConnection("acct-1") // no-op
	r.RemoveConnection("never-connected")
}

func TestHeartbeatEvictsDeadConnection(t *testing.T) {
	r := NewRegistry(zap.NewNop().Sugar())
	r.SetHeartbeatPeriod(10 * time.Millisecond)

	ch := newFakeChannel()
	r.AddConnection("acct-1", ch)
	require.Equal(t, 1, r.Status().TotalClients)

	ch.mu.Lock()
	ch.failAt = len(ch.frames)
	ch.mu.Unlock()

	require.Eventually(t, func() bool {
		return r.Status().TotalClients == 0
	}, 2*time.Second, 10*time.Millisecond, "heartbeat failure removes the connection")
}

func TestHeartbeatKeepsHealthyConnection(t *testing.T) {
	r := NewRegistry(zap.NewNop().Sugar())
	r.SetHeartbeatPeriod(10 * time.Millisecond)

	ch := newFakeChannel()
	r.AddConnection("acct-1", ch)

	require.Eventually(t, func() bool {
		for _, name := range ch.events() {
			if name == EventHeartbeat {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, r.Status().TotalClients)
}

func TestSetHeartbeatPeriodConcurrentWithConnections(t *testing.T) {
	r := NewRegistry(zap.NewNop().Sugar())

	// Heartbeat loops read the period while it is being changed; run
	// both sides together so the race detector can see them.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			r.SetHeartbeatPeriod(time.Duration(i+1) * time.Millisecond)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			r.AddConnection("acct-1", newFakeChannel())
		}
	}()
	wg.Wait()

	assert.Equal(t, 1, r.Status().TotalClients)
	r.CloseAll()
}

func TestCloseAll(t *testing.T) {
	r := newTestRegistry()
	a := newFakeChannel()
	b := newFakeChannel()
	r.AddConnection("acct-1", a)
	r.AddConnection("acct-2", b)

	r.CloseAll()

	assert.Equal(t, 0, r.Status().TotalClients)
	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
}

func TestGatewayRoutesTargetedEvents(t *testing.T) {
	r := newTestRegistry()
	b := bus.New()
	g := New(r, b, zap.NewNop().Sugar())
	g.Start(context.Background())
	defer g.Stop()

	mine := newFakeChannel()
	theirs := newFakeChannel()
	r.AddConnection("acct-1", mine)
	r.AddConnection("acct-2", theirs)

	b.Publish(bus.Event{Name: "task-executed", AccountID: "acct-1"})

	require.Eventually(t, func() bool {
		for _, name := range mine.events() {
			if name == "task-executed" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	assert.NotContains(t, theirs.events(), "task-executed")
}

func TestGatewayBroadcastsUntargetedEvents(t *testing.T) {
	r := newTestRegistry()
	b := bus.New()
	g := New(r, b, zap.NewNop().Sugar())
	g.Start(context.Background())
	defer g.Stop()

	one := newFakeChannel()
	two := newFakeChannel()
	r.AddConnection("acct-1", one)
	r.AddConnection("acct-2", two)

	b.Publish(bus.Event{Name: "maintenance"})

	for _, ch := range []*fakeChannel{one, two} {
		require.Eventually(t, func() bool {
			for _, name := range ch.events() {
				if name == "maintenance" {
					return true
				}
			}
			return false
		}, 2*time.Second, 10*time.Millisecond)
	}
}
