// Package session owns the single transport to the agent process: readiness
// probing, handshake, heartbeat, reconnection and outbound sends.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"agentdesk/internal/protocol"
	"agentdesk/internal/transport"
	"agentdesk/pkg/logger"
)

// State is the connection state of a session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// StateChange is delivered to listeners on every transition.
type StateChange struct {
	State        State
	ConnectionID string
	Attempt      int
	Err          error
}

// MessageHandler receives every decoded inbound envelope except pongs.
// Calls are ordered and never concurrent.
type MessageHandler func(env *protocol.Envelope)

// Timer is a scheduled callback.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the WebSocket dialer.
func WithDialer(d transport.Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

// WithProber replaces the HTTP readiness probe.
func WithProber(p Prober) Option {
	return func(m *Manager) {
		m.prober = p
	}
}

// WithAfterFunc replaces the timer used for reconnect backoff.
func WithAfterFunc(fn AfterFunc) Option {
	return func(m *Manager) {
		m.afterFunc = fn
	}
}

// WithHandler sets the inbound message handler.
func WithHandler(h MessageHandler) Option {
	return func(m *Manager) {
		m.handler = h
	}
}

// handshake tracks one in-flight connect attempt.
type handshake struct {
	gen    uint64
	done   chan string
	failed chan error
}

// Manager is the connection manager. One Manager owns at most one open
// transport at any time; every UI consumer shares it.
type Manager struct {
	cfg       Config
	dialer    transport.Dialer
	prober    Prober
	afterFunc AfterFunc
	log       zerolog.Logger

	group singleflight.Group

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu               sync.Mutex
	state            State
	conn             transport.Conn
	gen              uint64
	connectionID     string
	reconnectAttempt int
	intentional      bool
	epoch            uint64
	shutdown         bool
	pending          *handshake
	attemptCancel    context.CancelFunc
	reconnectTimer   Timer
	heartbeatStop    chan struct{}
	lastPong         time.Time
	handler          MessageHandler
	listeners        []func(StateChange)
	changes          []StateChange

	emitMu sync.Mutex
}

// NewManager creates a disconnected session.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		dialer:     &transport.WebSocketDialer{},
		afterFunc:  realAfterFunc,
		log:        logger.Component("session"),
		baseCtx:    ctx,
		baseCancel: cancel,
		state:      StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.prober == nil {
		p, err := NewHTTPProber(cfg)
		if err != nil {
			cancel()
			return nil, err
		}
		m.prober = p
	}
	return m, nil
}

// SetHandler sets the inbound message handler.
func (m *Manager) SetHandler(h MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// OnStateChange registers a listener for state transitions.
func (m *Manager) OnStateChange(fn func(StateChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConnectionID returns the server-assigned id of the open connection.
func (m *Manager) ConnectionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectionID
}

// ReconnectAttempt returns the number of reconnects scheduled since the
// last successful connect.
func (m *Manager) ReconnectAttempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnectAttempt
}

// IsConnected reports whether the session can send.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected && m.conn != nil
}

// Connect probes the agent, opens the transport and waits for the
// handshake pong. It returns immediately if already connected. Concurrent
// callers share one attempt.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return ErrShutdown
	}
	if m.state == StateConnected && m.conn != nil {
		m.mu.Unlock()
		return nil
	}
	m.intentional = false
	epoch := m.epoch
	m.mu.Unlock()

	for {
		ch := m.group.DoChan("connect", func() (any, error) {
			return nil, m.connect()
		})
		select {
		case res := <-ch:
			// A flight aborted by a Disconnect that preceded this call
			// is not this caller's failure: start a fresh one.
			if errors.Is(res.Err, ErrAborted) && m.sameEpoch(epoch) {
				continue
			}
			return res.Err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sameEpoch reports whether no Disconnect or Shutdown happened since epoch.
func (m *Manager) sameEpoch(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch == epoch && !m.shutdown
}

func (m *Manager) connect() error {
	m.mu.Lock()
	if m.state == StateConnected && m.conn != nil {
		m.mu.Unlock()
		return nil
	}
	if m.intentional || m.shutdown {
		m.mu.Unlock()
		return ErrAborted
	}
	epoch := m.epoch
	ctx, cancel := context.WithTimeout(m.baseCtx, m.cfg.ConnectTimeout)
	m.attemptCancel = cancel
	m.setStateLocked(StateConnecting, nil)
	m.mu.Unlock()
	m.flush()
	defer cancel()

	health, err := m.prober.Probe(ctx)
	if err != nil {
		return m.failConnect(ctx, epoch, err)
	}
	m.log.Debug().Str("agent_version", health.Version).Msg("agent ready")

	m.mu.Lock()
	m.gen++
	hs := &handshake{gen: m.gen, done: make(chan string, 1), failed: make(chan error, 1)}
	m.pending = hs
	m.mu.Unlock()

	conn, err := m.dialer.Dial(ctx, m.cfg.WebSocketURL(), &connHandler{m: m, gen: hs.gen})
	if err != nil {
		if ctx.Err() == nil {
			err = fmt.Errorf("%w: dial %s: %v", ErrUnavailable, m.cfg.WebSocketURL(), err)
		}
		return m.failConnect(ctx, epoch, err)
	}

	m.mu.Lock()
	if m.gen != hs.gen || m.intentional || m.shutdown {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrAborted
	}
	m.conn = conn
	m.mu.Unlock()

	if err := m.sendOn(conn, protocol.TypePing, &protocol.PingPayload{
		Timestamp: time.Now().UTC().Format(protocol.TimestampFormat),
	}); err != nil {
		return m.failConnect(ctx, epoch, fmt.Errorf("%w: %v", ErrTransport, err))
	}

	select {
	case id := <-hs.done:
		return m.completeConnect(hs, id)
	case err := <-hs.failed:
		return m.failConnect(ctx, epoch, fmt.Errorf("%w: closed during handshake: %v", ErrTransport, err))
	case <-ctx.Done():
		return m.failConnect(ctx, epoch, ctx.Err())
	}
}

func (m *Manager) completeConnect(hs *handshake, connectionID string) error {
	m.mu.Lock()
	if m.gen != hs.gen || m.conn == nil || m.intentional || m.shutdown {
		m.mu.Unlock()
		return ErrAborted
	}
	m.pending = nil
	m.attemptCancel = nil
	m.connectionID = connectionID
	m.reconnectAttempt = 0
	m.setStateLocked(StateConnected, nil)
	m.startHeartbeatLocked(hs.gen)
	m.mu.Unlock()
	m.flush()

	m.log.Info().Str("connection_id", connectionID).Msg("session connected")
	return nil
}

// failConnect tears down a failed attempt and classifies the error.
// An attempt is aborted when a Disconnect or Shutdown happened after it
// started, whatever the intentional flag says now.
func (m *Manager) failConnect(ctx context.Context, epoch uint64, cause error) error {
	m.mu.Lock()
	aborted := m.epoch != epoch || m.shutdown
	conn := m.conn
	m.conn = nil
	m.pending = nil
	m.attemptCancel = nil
	m.connectionID = ""
	m.gen++

	var err error
	switch {
	case aborted:
		err = ErrAborted
	case errors.Is(cause, ErrConnectionTimeout), errors.Is(cause, ErrUnavailable),
		errors.Is(cause, ErrIncompatibleAgent), errors.Is(cause, ErrTransport):
		err = cause
	case errors.Is(cause, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		err = fmt.Errorf("%w: connect did not complete within %s", ErrConnectionTimeout, m.cfg.ConnectTimeout)
	default:
		err = fmt.Errorf("%w: %v", ErrUnavailable, cause)
	}

	if aborted {
		m.setStateLocked(StateDisconnected, nil)
	} else {
		m.setStateLocked(StateError, err)
	}
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.flush()

	if !aborted {
		m.log.Warn().Err(err).Msg("connect failed")
	}
	return err
}

// Disconnect closes the transport on purpose. No reconnect follows.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.intentional = true
	m.epoch++
	conn := m.teardownLocked()
	m.setStateLocked(StateDisconnected, nil)
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.flush()
	m.log.Info().Msg("session disconnected")
}

// Shutdown disconnects and makes the manager unusable. Every timer is
// cancelled before it returns.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	m.intentional = true
	m.epoch++
	conn := m.teardownLocked()
	m.setStateLocked(StateDisconnected, nil)
	m.mu.Unlock()

	m.baseCancel()
	if conn != nil {
		_ = conn.Close()
	}
	m.flush()
}

// teardownLocked cancels timers, aborts a pending attempt and detaches the
// transport. The caller closes the returned conn outside the lock.
func (m *Manager) teardownLocked() transport.Conn {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.stopHeartbeatLocked()
	if m.attemptCancel != nil {
		m.attemptCancel()
		m.attemptCancel = nil
	}
	conn := m.conn
	m.conn = nil
	m.pending = nil
	m.connectionID = ""
	m.gen++
	return conn
}

// handleClose runs when the transport for gen closes.
func (m *Manager) handleClose(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.pending != nil && m.pending.gen == gen {
		// connect() reports this to its caller
		select {
		case m.pending.failed <- cause:
		default:
		}
		m.mu.Unlock()
		return
	}

	m.conn = nil
	m.connectionID = ""
	m.stopHeartbeatLocked()
	m.gen++

	if m.intentional || m.shutdown {
		m.setStateLocked(StateDisconnected, nil)
		m.mu.Unlock()
		m.flush()
		return
	}

	if cause == nil {
		cause = errors.New("closed by peer")
	}
	m.log.Warn().Err(cause).Msg("transport closed unexpectedly")
	m.setStateLocked(StateError, fmt.Errorf("%w: %v", ErrTransport, cause))
	m.scheduleReconnectLocked()
	m.mu.Unlock()
	m.flush()
}

func (m *Manager) scheduleReconnectLocked() {
	if m.reconnectAttempt >= m.cfg.ReconnectMaxAttempts {
		m.setStateLocked(StateError, fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, m.reconnectAttempt))
		m.log.Error().Int("attempts", m.reconnectAttempt).Msg("giving up on reconnect")
		return
	}
	m.reconnectAttempt++
	delay := BackoffDelay(m.cfg.ReconnectBaseDelay, m.reconnectAttempt)
	m.log.Info().Int("attempt", m.reconnectAttempt).Dur("delay", delay).Msg("scheduling reconnect")
	m.reconnectTimer = m.afterFunc(delay, m.reconnect)
}

func (m *Manager) reconnect() {
	m.mu.Lock()
	m.reconnectTimer = nil
	if m.intentional || m.shutdown || m.state == StateConnected {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	res := <-m.group.DoChan("connect", func() (any, error) {
		return nil, m.connect()
	})
	if res.Err == nil {
		return
	}

	m.mu.Lock()
	if !m.intentional && !m.shutdown && m.state != StateConnected && m.reconnectTimer == nil {
		m.scheduleReconnectLocked()
	}
	m.mu.Unlock()
	m.flush()
}

func (m *Manager) startHeartbeatLocked(gen uint64) {
	m.stopHeartbeatLocked()
	if m.cfg.HeartbeatInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	m.heartbeatStop = stop
	interval := m.cfg.HeartbeatInterval

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.heartbeat(gen)
			}
		}
	}()
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
}

func (m *Manager) heartbeat(gen uint64) {
	m.mu.Lock()
	if m.state != StateConnected || m.gen != gen || m.conn == nil {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.mu.Unlock()

	err := m.sendOn(conn, protocol.TypePing, &protocol.PingPayload{
		Timestamp: time.Now().UTC().Format(protocol.TimestampFormat),
	})
	if err != nil {
		m.log.Warn().Err(err).Msg("heartbeat failed")
	}
}

func (m *Manager) setStateLocked(s State, err error) {
	if m.state == s && err == nil {
		return
	}
	m.state = s
	m.changes = append(m.changes, StateChange{
		State:        s,
		ConnectionID: m.connectionID,
		Attempt:      m.reconnectAttempt,
		Err:          err,
	})
}

// flush delivers queued state changes outside the state lock, in order.
func (m *Manager) flush() {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	changes := m.changes
	m.changes = nil
	listeners := make([]func(StateChange), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, c := range changes {
		for _, fn := range listeners {
			fn(c)
		}
	}
}

// connHandler binds transport callbacks to one connection generation so
// that a superseded transport cannot mutate the session.
type connHandler struct {
	m   *Manager
	gen uint64
}

func (h *connHandler) OnMessage(data []byte) {
	h.m.receive(h.gen, data)
}

func (h *connHandler) OnClose(err error) {
	h.m.handleClose(h.gen, err)
}

func (m *Manager) receive(gen uint64, data []byte) {
	env, err := protocol.DecodeInbound(data)
	if err != nil {
		m.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping inbound frame")
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if env.Type == protocol.TypePong {
		m.handlePongLocked(env)
		m.mu.Unlock()
		return
	}
	handler := m.handler
	m.mu.Unlock()

	if handler != nil {
		handler(env)
	}
}

func (m *Manager) handlePongLocked(env *protocol.Envelope) {
	m.lastPong = time.Now()

	var pong protocol.PongPayload
	if err := env.ParsePayload(&pong); err != nil {
		m.log.Warn().Err(err).Msg("dropping malformed pong")
		return
	}
	if m.pending == nil || pong.ConnectionID == "" {
		return
	}
	select {
	case m.pending.done <- pong.ConnectionID:
	default:
	}
}
