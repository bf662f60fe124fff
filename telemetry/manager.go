package telemetry

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"saltshaker/clock"
	"saltshaker/eventbus"
	"saltshaker/metrics"
	"saltshaker/typedef"
)

// DefaultReconnectDelay is the fixed pause between reconnect attempts.
const DefaultReconnectDelay = time.Second

// DefaultPort is Dolphin's spectator port.
const DefaultPort = 51441

// ManagerConfig configures a Manager. Zero values get defaults.
type ManagerConfig struct {
	Host string
	Port int
	// Dial creates the connection the first time one is needed. Defaults to
	// a WebsocketConn.
	Dial func() Conn
	// Backoff yields reconnect delays; backoff.Stop ends reconnecting until
	// the next successful connection.
	Backoff backoff.BackOff
	Clock   clock.Clock
	Logger  zerolog.Logger
}

// Manager owns the single telemetry connection and its reconnect timer.
// Connect is only pursued while desired is true.
type Manager struct {
	cfg      ManagerConfig
	out      emitter
	pipeline *Pipeline
	logger   zerolog.Logger

	wire sync.Once

	mu       sync.Mutex
	conn     Conn
	state    Status
	desired  bool
	timer    clock.Timer
	timerGen uint64
}

// NewManager builds a disconnected manager. Nothing is dialled until RequestConnect.
func NewManager(subs *Subscriptions, bus Publisher, cfg ManagerConfig) *Manager {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.NewConstantBackOff(DefaultReconnectDelay)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Dial == nil {
		wsLogger := cfg.Logger
		cfg.Dial = func() Conn { return NewWebsocketConn(DefaultPath, wsLogger) }
	}
	logger := cfg.Logger.With().Str("component", "telemetry.manager").Logger()
	return &Manager{
		cfg:      cfg,
		out:      emitter{subs: subs, bus: bus},
		pipeline: NewPipeline(subs, bus, cfg.Logger),
		logger:   logger,
	}
}

// State is the last status observed on the connection.
func (m *Manager) State() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Desired reports whether the manager is trying to stay connected.
func (m *Manager) Desired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.desired
}

// ReconnectPending reports whether a reconnect timer is armed.
func (m *Manager) ReconnectPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}

// Pipeline exposes the decoder pipeline fed by this connection.
func (m *Manager) Pipeline() *Pipeline { return m.pipeline }

// ensureWired creates the connection and attaches listeners exactly once
// for the life of the manager.
func (m *Manager) ensureWired() Conn {
	m.wire.Do(func() {
		conn := m.cfg.Dial()
		conn.OnStatusChange(m.onStatus)
		conn.OnMessage(m.pipeline.HandleMessage)
		conn.OnError(m.onError)
		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
	})
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// RequestConnect marks the connection desired and dials if disconnected.
func (m *Manager) RequestConnect() {
	m.ensureWired()
	m.mu.Lock()
	m.desired = true
	m.mu.Unlock()
	m.connect()
}

// RequestDisconnect drops the desire for a connection. The reconnect timer
// is cancelled before this returns; a failing disconnect is only logged.
func (m *Manager) RequestDisconnect() {
	m.mu.Lock()
	m.desired = false
	m.cancelReconnectLocked()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.Disconnect(); err != nil {
		m.logger.Warn().Err(err).Msg("disconnect failed")
	}
}

// connect dials only from Disconnected, so at most one attempt is in flight.
func (m *Manager) connect() {
	m.mu.Lock()
	if !m.desired || m.conn == nil || m.state != StatusDisconnected {
		m.mu.Unlock()
		return
	}
	m.state = StatusConnecting
	conn := m.conn
	m.mu.Unlock()

	if err := conn.Connect(m.cfg.Host, m.cfg.Port); err != nil {
		m.mu.Lock()
		m.state = StatusDisconnected
		m.mu.Unlock()
		m.onError(err)
	}
}

func (m *Manager) onStatus(s Status) {
	m.mu.Lock()
	m.state = s
	desired := m.desired
	switch s {
	case StatusDisconnected:
		m.scheduleReconnectLocked()
	case StatusConnected:
		m.cancelReconnectLocked()
		m.cfg.Backoff.Reset()
	}
	conn := m.conn
	m.mu.Unlock()

	m.logger.Debug().Stringer("status", s).Bool("desired", desired).Msg("connection status")
	switch s {
	case StatusConnecting:
		m.out.emit(eventbus.NameConnecting, nil)
	case StatusConnected:
		m.pipeline.Reset()
		m.out.emit(eventbus.NameConnected, func() any {
			return ConnectedPayload{Host: m.cfg.Host, Port: m.cfg.Port}
		})
	case StatusDisconnected:
		m.out.emit(eventbus.NameDisconnected, nil)
	}

	// raced with RequestDisconnect: nobody wants this connection any more
	if !desired && s != StatusDisconnected && conn != nil {
		if err := conn.Disconnect(); err != nil {
			m.logger.Warn().Err(err).Msg("disconnect of unwanted connection failed")
		}
	}
}

func (m *Manager) onError(err error) {
	herr := typedef.NewError(typedef.KindTransportError, "telemetry.connection", "", err, "")
	m.logger.Warn().Err(err).Msg("telemetry transport error")
	m.out.emit(eventbus.NameError, func() any {
		return ErrorPayload{Kind: string(herr.Kind), Message: herr.Error()}
	})

	m.mu.Lock()
	m.scheduleReconnectLocked()
	m.mu.Unlock()
}

// scheduleReconnectLocked replaces any pending timer, so overlapping calls
// leave exactly one armed.
func (m *Manager) scheduleReconnectLocked() {
	m.cancelReconnectLocked()
	if !m.desired {
		return
	}
	delay := m.cfg.Backoff.NextBackOff()
	if delay == backoff.Stop {
		m.logger.Warn().Msg("reconnect budget exhausted")
		return
	}
	gen := m.timerGen
	m.timer = m.cfg.Clock.AfterFunc(delay, func() { m.fireReconnect(gen) })
}

func (m *Manager) cancelReconnectLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	// invalidates a callback that already left the timer but has not taken the lock
	m.timerGen++
}

func (m *Manager) fireReconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.timerGen || !m.desired {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	metrics.Reconnects.Inc()
	m.logger.Debug().Msg("reconnecting")
	m.connect()
}

// Close stops reconnecting, disconnects and frees decoder buffers.
func (m *Manager) Close() {
	m.RequestDisconnect()
	m.pipeline.Close()
}
