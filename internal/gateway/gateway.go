package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fisaks/relexbox/internal/boxconn"
	"github.com/fisaks/relexbox/internal/config"
	"github.com/fisaks/relexbox/internal/edge"
	"github.com/fisaks/relexbox/internal/logging"
)

// BoxGateway connects one box to the edge: it subscribes to the box
// connection, publishes state and lifecycle events, and executes commands
// on its own worker goroutine.
type BoxGateway struct {
	Box *config.BoxConfig

	HeartbeatPeriod time.Duration

	cmdCh       chan edge.BoxCommand
	stateCh     chan ZeroSignal
	heartbeatCh chan ZeroSignal
	eventCh     chan edge.BoxEvent

	conn          BoxConnection
	scheduler     CommandScheduler
	edgePublisher edge.EdgePublisher
	log           *slog.Logger

	mu      sync.Mutex
	status  string
	attempt int
	lastErr string

	stopOnce sync.Once
}

func NewBoxGateway(box *config.BoxConfig, conn BoxConnection, edgePublisher edge.EdgePublisher, cmdBufSize int, heartbeat time.Duration) *BoxGateway {
	if cmdBufSize <= 0 {
		cmdBufSize = config.DefaultCommandBufferSize
	}
	g := &BoxGateway{
		Box:             box,
		HeartbeatPeriod: heartbeat,
		cmdCh:           make(chan edge.BoxCommand, cmdBufSize),
		stateCh:         make(chan ZeroSignal, 1),
		heartbeatCh:     make(chan ZeroSignal, 1),
		eventCh:         make(chan edge.BoxEvent, 16),
		conn:            conn,
		edgePublisher:   edgePublisher,
		log:             logging.With("box", box.Name),
		status:          edge.StatusDisconnected,
	}
	g.scheduler = NewCommandScheduler(g)
	return g
}

// Start registers with the connection, dials and runs the worker until ctx
// is done.
func (g *BoxGateway) Start(ctx context.Context) {
	if g.HeartbeatPeriod > 0 {
		go func() {
			t := time.NewTicker(g.HeartbeatPeriod)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					select {
					case g.heartbeatCh <- Zero:
					default:
					}
				}
			}
		}()
	}

	g.conn.AddListener(g)
	if err := g.conn.Connect(ctx); err != nil {
		g.log.Error("BoxGateway connect", "error", err)
	}
	g.log.Info("BoxGateway started", "addr", g.Box.Address(), "heartbeat", g.HeartbeatPeriod)
	g.worker(ctx)
}

func (g *BoxGateway) Stop() {
	g.stopOnce.Do(func() {
		g.scheduler.Stop()
		g.conn.RemoveListener(g)
		if err := g.conn.Close(); err != nil {
			g.log.Warn("BoxGateway close", "error", err)
		}
		g.mu.Lock()
		g.status = edge.StatusDisconnected
		g.mu.Unlock()
		g.log.Info("BoxGateway stopped")
	})
}

func (g *BoxGateway) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			g.Stop()
			g.publishState(context.Background())
			return
		case cmd := <-g.cmdCh:
			g.handleCommand(ctx, cmd)
		case ev := <-g.eventCh:
			if err := g.edgePublisher.PublishBoxEvent(ctx, g.Box.Name, ev.Type, ev.Detail); err != nil {
				g.log.Warn("Failed to publish event", "type", ev.Type, "error", err)
			}
		case <-g.stateCh:
			g.publishState(ctx)
		case <-g.heartbeatCh:
			if err := g.edgePublisher.PublishBoxHeartbeat(ctx, g.State()); err != nil {
				g.log.Warn("Failed to publish heartbeat", "error", err)
			}
		}
	}
}

// Notify runs on the connection goroutine and must not block.
func (g *BoxGateway) Notify(ev boxconn.Event) {
	g.mu.Lock()
	switch ev.Kind {
	case boxconn.EventStatus:
		g.status = string(ev.State)
	case boxconn.EventConnect:
		g.status = edge.StatusConnected
		g.attempt = 0
		g.lastErr = ""
	case boxconn.EventError:
		if ev.Err != nil {
			g.lastErr = ev.Err.Error()
		}
	case boxconn.EventReconnecting:
		g.status = edge.StatusReconnecting
		g.attempt = ev.Attempt
	case boxconn.EventConnectionFailed:
		g.status = edge.StatusFailed
		if ev.Err != nil {
			g.lastErr = ev.Err.Error()
		}
	}
	g.mu.Unlock()

	switch ev.Kind {
	case boxconn.EventError:
		g.queueEvent("error", map[string]any{"error": errString(ev.Err)})
	case boxconn.EventConnectionFailed:
		g.queueEvent("connectionFailed", map[string]any{"error": errString(ev.Err), "attempts": ev.Attempt})
	case boxconn.EventClose:
		return
	}
	g.signalState()
}

func (g *BoxGateway) queueEvent(eventType string, detail map[string]any) {
	ev := edge.BoxEvent{Type: eventType, Detail: detail}
	select {
	case g.eventCh <- ev:
	default:
		g.log.Warn("Event dropped, queue full", "type", eventType)
	}
}

func (g *BoxGateway) signalState() {
	select {
	case g.stateCh <- Zero: // send a signal; drop if one is queued
	default:
	}
}

func (g *BoxGateway) State() edge.BoxState {
	g.mu.Lock()
	st := edge.BoxState{
		Timestamp: time.Now(),
		Name:      g.Box.Name,
		Status:    g.status,
		Attempt:   g.attempt,
		Error:     g.lastErr,
	}
	g.mu.Unlock()

	st.Relays = g.conn.Relays().String()
	st.Inputs = g.conn.Inputs().String()
	return st
}

func (g *BoxGateway) publishState(ctx context.Context) {
	if err := g.edgePublisher.PublishBoxState(ctx, g.State()); err != nil {
		g.log.Warn("Failed to publish state", "error", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
