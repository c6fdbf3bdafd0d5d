package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fisaks/relexbox/internal/boxconn"
	"github.com/fisaks/relexbox/internal/config"
	"github.com/fisaks/relexbox/internal/edge"
	"github.com/fisaks/relexbox/internal/protocol"
)

const eventually = 2 * time.Second
const tick = 5 * time.Millisecond

type fakeConn struct {
	mu       sync.Mutex
	writes   []string
	refuse   bool
	listener boxconn.Subscriber
	relays   protocol.ChannelVector
	inputs   protocol.ChannelVector
	state    boxconn.State
	closed   int
}

func newFakeConn() *fakeConn {
	return &fakeConn{state: boxconn.StateConnected}
}

func (c *fakeConn) Connect(context.Context) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeConn) Write(cmd string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refuse {
		return false
	}
	c.writes = append(c.writes, cmd)
	return true
}

func (c *fakeConn) AddListener(s boxconn.Subscriber) {
	c.mu.Lock()
	c.listener = s
	st := c.state
	c.mu.Unlock()
	s.Notify(boxconn.Event{Kind: boxconn.EventStatus, State: st})
}

func (c *fakeConn) RemoveListener(boxconn.Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = nil
}

func (c *fakeConn) State() boxconn.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) Relays() protocol.ChannelVector {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.relays
}

func (c *fakeConn) Inputs() protocol.ChannelVector {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inputs
}

func (c *fakeConn) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

func (c *fakeConn) notify(ev boxconn.Event) {
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	if l != nil {
		l.Notify(ev)
	}
}

type boxEvent struct {
	box       string
	eventType string
	detail    map[string]any
}

type fakePublisher struct {
	mu      sync.Mutex
	states  []edge.BoxState
	events  []boxEvent
	cleared int
}

func (p *fakePublisher) PublishBoxState(_ context.Context, st edge.BoxState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, st)
	return nil
}

func (p *fakePublisher) PublishBoxHeartbeat(ctx context.Context, st edge.BoxState) error {
	return p.PublishBoxState(ctx, st)
}

func (p *fakePublisher) PublishBoxEvent(_ context.Context, box string, eventType string, detail map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, boxEvent{box, eventType, detail})
	return nil
}

func (p *fakePublisher) ClearPublishedState() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleared++
}

func (p *fakePublisher) lastState() (edge.BoxState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.states) == 0 {
		return edge.BoxState{}, false
	}
	return p.states[len(p.states)-1], true
}

func (p *fakePublisher) eventsOf(eventType string) []boxEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []boxEvent
	for _, ev := range p.events {
		if ev.eventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func testBox(name string) *config.BoxConfig {
	return &config.BoxConfig{Name: name, Host: "10.0.0.7", Port: 13013}
}

func startGateway(t *testing.T, conn *fakeConn, pub *fakePublisher) *BoxGateway {
	t.Helper()
	g := NewBoxGateway(testBox("garage"), conn, pub, 4, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return g
}

func push(t *testing.T, g *BoxGateway, cmd edge.BoxCommand) {
	t.Helper()
	cmd.Box = g.Box.Name
	require.True(t, g.PushCommand(cmd))
}

func TestRelayCommandsReachTheWire(t *testing.T) {
	conn := newFakeConn()
	g := startGateway(t, conn, &fakePublisher{})

	push(t, g, edge.BoxCommand{Action: "relay", Index: 3, Value: 1})
	push(t, g, edge.BoxCommand{Action: "relay", Index: 3, Value: 0})
	push(t, g, edge.BoxCommand{Action: "relay", Index: 8, Value: 2})
	push(t, g, edge.BoxCommand{Action: "relayOn", Index: 1})
	push(t, g, edge.BoxCommand{Action: "relayOff", Index: 1})
	push(t, g, edge.BoxCommand{Action: "relayToggle", Index: 2})

	want := []string{"::CMDRL3ON\n", "::CMDRL3OF\n", "::CMDRL8TG\n", "::CMDRL1ON\n", "::CMDRL1OF\n", "::CMDRL2TG\n"}
	assert.Eventually(t, func() bool { return len(conn.written()) == len(want) }, eventually, tick)
	assert.Equal(t, want, conn.written())
}

func TestGroupPresetAndStatusCommands(t *testing.T) {
	conn := newFakeConn()
	g := startGateway(t, conn, &fakePublisher{})

	push(t, g, edge.BoxCommand{Action: "groupOn", Index: 2})
	push(t, g, edge.BoxCommand{Action: "groupOff", Index: 2})
	push(t, g, edge.BoxCommand{Action: "preset", Index: 16})
	push(t, g, edge.BoxCommand{Action: "status"})

	want := []string{"::CMDGR2ON\n", "::CMDGR2OF\n", "::CMDPRST0\n", "::CMD_STAT\n"}
	assert.Eventually(t, func() bool { return len(conn.written()) == len(want) }, eventually, tick)
	assert.Equal(t, want, conn.written())
}

func TestPulseSendsInverseAfterDelay(t *testing.T) {
	conn := newFakeConn()
	g := startGateway(t, conn, &fakePublisher{})

	push(t, g, edge.BoxCommand{Action: "relayOn", Index: 4, PulseMs: 20})

	assert.Eventually(t, func() bool { return len(conn.written()) == 2 }, eventually, tick)
	assert.Equal(t, []string{"::CMDRL4ON\n", "::CMDRL4OF\n"}, conn.written())
}

func TestNewerCommandCancelsPendingPulse(t *testing.T) {
	conn := newFakeConn()
	g := startGateway(t, conn, &fakePublisher{})

	push(t, g, edge.BoxCommand{Action: "relayOn", Index: 5, PulseMs: 80})
	push(t, g, edge.BoxCommand{Action: "relayOn", Index: 5})

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, []string{"::CMDRL5ON\n", "::CMDRL5ON\n"}, conn.written())
}

func TestInvalidCommandPublishesCommandError(t *testing.T) {
	conn := newFakeConn()
	pub := &fakePublisher{}
	g := startGateway(t, conn, pub)

	push(t, g, edge.BoxCommand{ID: "c9", Action: "relay", Index: 9, Value: 1})
	push(t, g, edge.BoxCommand{ID: "c10", Action: "dance"})
	push(t, g, edge.BoxCommand{ID: "c11", Action: "groupOn", Index: -1})

	assert.Eventually(t, func() bool { return len(pub.eventsOf("commandError")) == 3 }, eventually, tick)
	errs := pub.eventsOf("commandError")
	assert.Equal(t, "c9", errs[0].detail["id"])
	assert.Equal(t, "invalid", errs[0].detail["reason"])
	assert.Contains(t, errs[0].detail["error"], "relay index")
	assert.Empty(t, conn.written())
}

func TestDroppedWritePublishesCommandError(t *testing.T) {
	conn := newFakeConn()
	conn.refuse = true
	conn.state = boxconn.StateReconnecting
	pub := &fakePublisher{}
	g := startGateway(t, conn, pub)

	push(t, g, edge.BoxCommand{ID: "c1", Action: "relayOn", Index: 1, PulseMs: 10})

	assert.Eventually(t, func() bool { return len(pub.eventsOf("commandError")) == 1 }, eventually, tick)
	ev := pub.eventsOf("commandError")[0]
	assert.Equal(t, "garage", ev.box)
	assert.Equal(t, "write", ev.detail["reason"])
	assert.Contains(t, ev.detail["error"], "reconnecting")

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, pub.eventsOf("commandError"), 1, "no pulse after a dropped write")
}

func TestDataEventPublishesState(t *testing.T) {
	conn := newFakeConn()
	pub := &fakePublisher{}
	startGateway(t, conn, pub)

	assert.Eventually(t, func() bool { _, ok := pub.lastState(); return ok }, eventually, tick)

	conn.mu.Lock()
	conn.relays = protocol.ChannelVector{true}
	conn.inputs = protocol.ChannelVector{7: true}
	conn.mu.Unlock()
	conn.notify(boxconn.Event{Kind: boxconn.EventData, Channel: protocol.Relays, Changed: []int{0}})

	assert.Eventually(t, func() bool {
		st, _ := pub.lastState()
		return st.Relays == "10000000" && st.Inputs == "00000001"
	}, eventually, tick)
	st, _ := pub.lastState()
	assert.Equal(t, "garage", st.Name)
	assert.Equal(t, edge.StatusConnected, st.Status)
}

func TestLifecycleEventsUpdateStatus(t *testing.T) {
	conn := newFakeConn()
	pub := &fakePublisher{}
	startGateway(t, conn, pub)

	conn.notify(boxconn.Event{Kind: boxconn.EventError, Err: errors.New("reset by peer")})
	conn.notify(boxconn.Event{Kind: boxconn.EventClose})
	conn.notify(boxconn.Event{Kind: boxconn.EventReconnecting, Attempt: 3})
	assert.Eventually(t, func() bool {
		st, _ := pub.lastState()
		return st.Status == edge.StatusReconnecting && st.Attempt == 3
	}, eventually, tick)

	conn.notify(boxconn.Event{Kind: boxconn.EventConnectionFailed, Err: boxconn.ErrRetriesExhausted, Attempt: 3})
	assert.Eventually(t, func() bool {
		st, _ := pub.lastState()
		return st.Status == edge.StatusFailed
	}, eventually, tick)
	assert.Eventually(t, func() bool { return len(pub.eventsOf("connectionFailed")) == 1 }, eventually, tick)
	assert.Len(t, pub.eventsOf("error"), 1)

	conn.notify(boxconn.Event{Kind: boxconn.EventConnect})
	assert.Eventually(t, func() bool {
		st, _ := pub.lastState()
		return st.Status == edge.StatusConnected && st.Attempt == 0 && st.Error == ""
	}, eventually, tick)
}

func TestStopClosesConnectionOnce(t *testing.T) {
	conn := newFakeConn()
	pub := &fakePublisher{}
	g := NewBoxGateway(testBox("garage"), conn, pub, 1, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.Start(ctx)
	}()

	cancel()
	<-done
	g.Stop()

	assert.Equal(t, 1, conn.closed)
	st, ok := pub.lastState()
	require.True(t, ok)
	assert.Equal(t, edge.StatusDisconnected, st.Status)
}

func TestHeartbeatRepublishes(t *testing.T) {
	conn := newFakeConn()
	pub := &fakePublisher{}
	g := NewBoxGateway(testBox("garage"), conn, pub, 1, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Start(ctx)

	assert.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.states) >= 3
	}, eventually, tick)
}
