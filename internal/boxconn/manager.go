// Package boxconn keeps one long-lived TCP connection to a RelexBox, mirrors
// its relays and inputs and fans out lifecycle and data events.
package boxconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/fisaks/relexbox/internal/logging"
	"github.com/fisaks/relexbox/internal/protocol"
	"github.com/fisaks/relexbox/internal/state"
)

var (
	ErrInvalidEndpoint  = errors.New("invalid box endpoint")
	ErrClosed           = errors.New("connection manager closed")
	ErrAlreadyStarted   = errors.New("connection manager already started")
	ErrNotConnected     = errors.New("box not connected")
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
)

const (
	DefaultPort                 = 13013
	DefaultReconnectDelay       = 10 * time.Second
	DefaultMaxReconnectAttempts = 60
	DefaultPingInterval         = 55 * time.Second
	DefaultDialTimeout          = 6 * time.Second
	DefaultWriteTimeout         = 2 * time.Second

	readBufferSize = 1024
)

type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) Validate() error {
	if e.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidEndpoint)
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidEndpoint, e.Port)
	}
	return nil
}

// Dialer opens the transport. net.Dialer.DialContext satisfies it.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

type Options struct {
	Name   string // used for logging only
	Dialer Dialer
	Logger *slog.Logger

	ReconnectDelay time.Duration
	// MaxReconnectAttempts caps consecutive failed attempts before the
	// manager gives up. 0 retries forever.
	MaxReconnectAttempts int
	PingInterval         time.Duration
	DialTimeout          time.Duration
	WriteTimeout         time.Duration
	Debug                bool // log wire traffic at info level

	// Listeners are registered before anything can fail, so they also see
	// endpoint validation errors from New.
	Listeners []Subscriber
}

func DefaultOptions() Options {
	return Options{
		ReconnectDelay:       DefaultReconnectDelay,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		PingInterval:         DefaultPingInterval,
		DialTimeout:          DefaultDialTimeout,
		WriteTimeout:         DefaultWriteTimeout,
	}
}

func (o *Options) fillDefaults() {
	if o.Dialer == nil {
		o.Dialer = (&net.Dialer{}).DialContext
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.MaxReconnectAttempts < 0 {
		o.MaxReconnectAttempts = 0
	}
}

// Manager owns the socket to one box. All socket events, timers and state
// changes are handled on a single goroutine started by Connect.
type Manager struct {
	endpoint Endpoint
	opts     Options
	log      *slog.Logger

	store   *state.ChannelStore
	subs    *Registry
	machine *fsm.FSM

	stateMu sync.RWMutex
	current State

	connMu  sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex

	events    chan loopEvent
	closeCh   chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	startMu sync.Mutex
	started bool
	closed  bool

	// loop goroutine only
	gen            uint64
	attempt        int
	carry          []byte
	reconnectTimer *time.Timer
	pingTimer      *time.Timer
}

type loopEventKind uint8

const (
	loopDialed loopEventKind = iota
	loopDialFailed
	loopChunk
	loopReadErr
)

type loopEvent struct {
	gen  uint64
	kind loopEventKind
	conn net.Conn
	data []byte
	err  error
}

// New validates the endpoint and prepares a manager. Nothing is dialled
// until Connect.
func New(endpoint Endpoint, opts Options) (*Manager, error) {
	opts.fillDefaults()

	log := opts.Logger
	if log == nil {
		log = logging.With("box", opts.Name, "addr", endpoint.Address())
	}
	subs := NewRegistry(log)
	for _, l := range opts.Listeners {
		subs.Add(l)
	}

	if err := endpoint.Validate(); err != nil {
		log.Error("box endpoint rejected", "error", err)
		subs.NotifyAll(Event{Kind: EventError, Err: err})
		return nil, err
	}

	return &Manager{
		endpoint: endpoint,
		opts:     opts,
		log:      log,
		store:    state.NewChannelStore(),
		subs:     subs,
		machine:  newConnectionMachine(log),
		current:  StateDisconnected,
		events:   make(chan loopEvent),
		closeCh:  make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

func (m *Manager) Name() string       { return m.opts.Name }
func (m *Manager) Endpoint() Endpoint { return m.endpoint }

func (m *Manager) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.current
}

func (m *Manager) Relays() protocol.ChannelVector { return m.store.Get(protocol.Relays) }
func (m *Manager) Inputs() protocol.ChannelVector { return m.store.Get(protocol.Inputs) }

// AddListener registers s and immediately tells it the current state.
// The status event is ordered with the loop's notifications and never
// runs concurrently with them. It must not be called from Notify.
func (m *Manager) AddListener(s Subscriber) {
	m.subs.Join(s, func() Event {
		return Event{Kind: EventStatus, State: m.State()}
	})
}

func (m *Manager) RemoveListener(s Subscriber) {
	m.subs.Remove(s)
}

// Connect starts the manager loop and the first dial. It returns without
// waiting for the connection; the outcome arrives as an event. Cancelling
// ctx has the same effect as Close.
func (m *Manager) Connect(ctx context.Context) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true
	go m.run(ctx)
	return nil
}

// Close cancels both timers, destroys the socket and stops the loop. It is
// safe to call more than once but must not be called from Notify.
func (m *Manager) Close() error {
	m.startMu.Lock()
	m.closed = true
	started := m.started
	m.startMu.Unlock()

	m.closeOnce.Do(func() { close(m.closeCh) })
	if started {
		<-m.done
	}
	return nil
}

// Write sends cmd to the box. It returns false when the socket is not
// connected or the write fails; the command is dropped, never queued.
func (m *Manager) Write(cmd string) bool {
	m.connMu.Lock()
	conn := m.conn
	m.connMu.Unlock()
	if conn == nil {
		m.log.Debug("write dropped", "cmd", cmd, "error", ErrNotConnected)
		return false
	}
	if err := m.writeTo(conn, cmd); err != nil {
		m.log.Warn("write failed", "cmd", cmd, "error", err)
		return false
	}
	return true
}

func (m *Manager) writeTo(conn net.Conn, cmd string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout)); err != nil {
		return err
	}
	if _, err := io.WriteString(conn, cmd); err != nil {
		return err
	}
	m.trace("tx", "data", cmd)
	return nil
}

/* =========================
   Loop
   ========================= */

func (m *Manager) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer close(m.done)
	defer cancel()

	m.fire(evConnect)
	m.dial(ctx)

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return
		case <-m.closeCh:
			m.shutdown()
			return
		case ev := <-m.events:
			if ev.gen != m.gen {
				if ev.conn != nil {
					_ = ev.conn.Close()
				}
				continue
			}
			m.handle(ctx, ev)
		case <-timerC(m.reconnectTimer):
			m.reconnectTimer = nil
			m.fire(evRetry)
			m.log.Info("reconnecting", "attempt", m.attempt)
			m.dial(ctx)
		case <-timerC(m.pingTimer):
			m.pingTimer = nil
			m.ping()
		}
	}
}

func (m *Manager) handle(ctx context.Context, ev loopEvent) {
	switch ev.kind {
	case loopDialed:
		m.connected(ctx, ev.conn)
	case loopDialFailed:
		m.log.Warn("connect failed", "error", ev.err)
		m.lost(ev.err)
	case loopChunk:
		m.trace("rx", "data", string(ev.data))
		m.onData(ev.data)
		m.armPing()
	case loopReadErr:
		if errors.Is(ev.err, io.EOF) {
			m.log.Info("box closed the connection")
		} else {
			m.log.Warn("connection error", "error", ev.err)
		}
		m.lost(ev.err)
	}
}

func (m *Manager) dial(ctx context.Context) {
	m.gen++
	gen := m.gen
	go func() {
		dctx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
		defer cancel()
		conn, err := m.opts.Dialer(dctx, "tcp", m.endpoint.Address())
		if err != nil {
			m.post(ctx, loopEvent{gen: gen, kind: loopDialFailed, err: err})
			return
		}
		if !m.post(ctx, loopEvent{gen: gen, kind: loopDialed, conn: conn}) {
			_ = conn.Close()
		}
	}()
}

func (m *Manager) read(ctx context.Context, gen uint64, conn net.Conn) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !m.post(ctx, loopEvent{gen: gen, kind: loopChunk, data: chunk}) {
				return
			}
		}
		if err != nil {
			m.post(ctx, loopEvent{gen: gen, kind: loopReadErr, err: err})
			return
		}
	}
}

func (m *Manager) post(ctx context.Context, ev loopEvent) bool {
	select {
	case m.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) connected(ctx context.Context, conn net.Conn) {
	m.attempt = 0
	m.stopReconnect()
	m.carry = nil
	m.setConn(conn)
	m.fire(evDialed)
	m.log.Info("connected")

	statErr := m.writeTo(conn, protocol.FormatStatusRequest())
	m.subs.NotifyAll(Event{Kind: EventConnect})
	if statErr != nil {
		m.log.Warn("status request failed", "error", statErr)
		m.subs.NotifyAll(Event{Kind: EventError, Err: statErr})
	}
	m.armPing()
	go m.read(ctx, m.gen, conn)
}

func (m *Manager) onData(chunk []byte) {
	data := chunk
	if len(m.carry) > 0 {
		data = append(m.carry, chunk...)
	}
	m.carry = nil
	if tail := protocol.IncompleteTail(data); tail >= 0 {
		m.carry = append([]byte(nil), data[tail:]...)
	}

	changedAny := false
	for _, f := range protocol.ParseStateFrames(data) {
		changed := m.store.ApplyFrame(f)
		if len(changed) == 0 {
			continue
		}
		changedAny = true
		m.subs.NotifyAll(Event{
			Kind:    EventData,
			Channel: f.Kind,
			Changed: changed,
			Vector:  m.store.Get(f.Kind),
		})
	}
	if changedAny {
		m.subs.StateChanged(m.Relays(), m.Inputs())
	}
}

// lost handles a failed dial or a dropped socket and decides whether to
// retry.
func (m *Manager) lost(err error) {
	m.stopPing()
	m.dropConn()
	m.gen++

	m.attempt++
	limit := m.opts.MaxReconnectAttempts
	exhausted := limit > 0 && m.attempt > limit
	if exhausted {
		m.fire(evGiveUp)
	} else {
		m.fire(evLost)
	}

	if err != nil && !errors.Is(err, io.EOF) {
		m.subs.NotifyAll(Event{Kind: EventError, Err: err})
	}
	m.subs.NotifyAll(Event{Kind: EventClose})

	if exhausted {
		m.log.Error("giving up on box", "attempts", limit)
		m.subs.NotifyAll(Event{
			Kind:    EventConnectionFailed,
			Err:     fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, limit),
			Attempt: limit,
		})
		return
	}
	m.subs.NotifyAll(Event{Kind: EventReconnecting, Attempt: m.attempt})
	m.armReconnect()
}

func (m *Manager) ping() {
	m.connMu.Lock()
	conn := m.conn
	m.connMu.Unlock()
	if conn == nil {
		return
	}
	if err := m.writeTo(conn, protocol.FormatPing()); err != nil {
		m.log.Warn("ping failed", "error", err)
		m.subs.NotifyAll(Event{Kind: EventError, Err: err})
	}
	m.armPing()
}

func (m *Manager) shutdown() {
	m.stopReconnect()
	m.stopPing()
	m.gen++
	m.dropConn()
	m.fire(evShutdown)
	m.log.Info("connection manager closed")
	m.subs.NotifyAll(Event{Kind: EventStatus, State: StateDisconnected})
}

/* =========================
   Helpers
   ========================= */

func (m *Manager) fire(event string) {
	err := m.machine.Event(context.Background(), event)
	var noTransition fsm.NoTransitionError
	if err != nil && !errors.As(err, &noTransition) {
		m.log.Warn("illegal state transition", "event", event, "state", m.machine.Current(), "error", err)
		return
	}
	m.stateMu.Lock()
	m.current = State(m.machine.Current())
	m.stateMu.Unlock()
}

func (m *Manager) setConn(conn net.Conn) {
	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()
}

func (m *Manager) dropConn() {
	m.connMu.Lock()
	conn := m.conn
	m.conn = nil
	m.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (m *Manager) armPing() {
	m.stopPing()
	m.pingTimer = time.NewTimer(m.opts.PingInterval)
}

func (m *Manager) stopPing() {
	if m.pingTimer != nil {
		m.pingTimer.Stop()
		m.pingTimer = nil
	}
}

func (m *Manager) armReconnect() {
	m.stopReconnect()
	m.reconnectTimer = time.NewTimer(m.opts.ReconnectDelay)
}

func (m *Manager) stopReconnect() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (m *Manager) trace(msg string, args ...any) {
	if m.opts.Debug {
		m.log.Info(msg, args...)
		return
	}
	m.log.Debug(msg, args...)
}
