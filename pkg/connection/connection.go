package connection

import (
	"sync"

	"github.com/devherd/herd/pkg/log"
	"github.com/devherd/herd/pkg/protocol"
	"github.com/rs/zerolog"
)

// Conn is one live duplex channel to a device agent. The websocket transport
// implements it in pkg/server; tests use in-memory fakes.
type Conn interface {
	// Send writes one frame to the device. Implementations must be safe for
	// concurrent use.
	Send(env *protocol.Envelope) error
	// Close tears the channel down. Closing an already-closed conn is a no-op.
	Close() error
}

// Presence receives the side effects of channel membership changes.
// Implemented by the device registry.
type Presence interface {
	SetOnline(deviceID string, online bool) error
	Touch(deviceID string) error
}

// Manager owns the device -> channel mapping. At most one channel per device
// is authoritative; a newer channel supersedes and closes the previous one.
type Manager struct {
	presence Presence

	mu    sync.Mutex
	conns map[string]Conn

	idleFn func(deviceID string)

	logger zerolog.Logger
}

// NewManager creates a connection manager
func NewManager(presence Presence) *Manager {
	return &Manager{
		presence: presence,
		conns:    make(map[string]Conn),
		logger:   log.WithComponent("connection"),
	}
}

// SetIdleHandler wires the dispatcher trigger invoked when a device comes
// online. Must be called before the first OnConnect.
func (m *Manager) SetIdleHandler(fn func(deviceID string)) {
	m.idleFn = fn
}

// OnConnect records the channel for the device, superseding and closing any
// previous one, marks the device online and signals the dispatcher.
func (m *Manager) OnConnect(deviceID string, conn Conn) {
	m.mu.Lock()
	prev := m.conns[deviceID]
	m.conns[deviceID] = conn
	m.mu.Unlock()

	if prev != nil {
		m.logger.Debug().Str("device_id", deviceID).Msg("superseding previous channel")
		prev.Close()
	}

	if err := m.presence.SetOnline(deviceID, true); err != nil {
		m.logger.Error().Err(err).Str("device_id", deviceID).Msg("failed to mark device online")
	}

	m.logger.Info().Str("device_id", deviceID).Msg("device connected")

	if m.idleFn != nil {
		m.idleFn(deviceID)
	}
}

// OnDisconnect removes the mapping if conn is still the current channel for
// the device and marks it offline. A stale disconnect for an already
// superseded channel is ignored: the newer channel owns the device now.
// Any running task is left in place for later reconciliation.
func (m *Manager) OnDisconnect(deviceID string, conn Conn) {
	m.mu.Lock()
	current, ok := m.conns[deviceID]
	if !ok || current != conn {
		m.mu.Unlock()
		m.logger.Debug().Str("device_id", deviceID).Msg("ignoring stale disconnect")
		return
	}
	delete(m.conns, deviceID)
	m.mu.Unlock()

	if err := m.presence.SetOnline(deviceID, false); err != nil {
		m.logger.Error().Err(err).Str("device_id", deviceID).Msg("failed to mark device offline")
	}

	m.logger.Info().Str("device_id", deviceID).Msg("device disconnected")
}

// Push sends a frame to the device if a channel exists. The return value
// reports whether delivery was attempted; there is no delivery guarantee
// beyond the write itself (at-most-once).
func (m *Manager) Push(deviceID string, env *protocol.Envelope) bool {
	m.mu.Lock()
	conn, ok := m.conns[deviceID]
	m.mu.Unlock()

	if !ok {
		return false
	}

	if err := conn.Send(env); err != nil {
		m.logger.Warn().Err(err).Str("device_id", deviceID).Str("event", env.Event).Msg("channel send failed")
		return false
	}
	return true
}

// Connected reports whether the device currently has a live channel
func (m *Manager) Connected(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[deviceID]
	return ok
}

// Broadcast sends a frame to every connected device and returns the number
// of attempted deliveries.
func (m *Manager) Broadcast(env *protocol.Envelope) int {
	m.mu.Lock()
	conns := make(map[string]Conn, len(m.conns))
	for id, c := range m.conns {
		conns[id] = c
	}
	m.mu.Unlock()

	sent := 0
	for id, conn := range conns {
		if err := conn.Send(env); err != nil {
			m.logger.Warn().Err(err).Str("device_id", id).Msg("broadcast send failed")
			continue
		}
		sent++
	}
	return sent
}

// Disconnect force-closes the device's channel, if any, with the same side
// effects as OnDisconnect. Used by the presence monitor on timeout.
func (m *Manager) Disconnect(deviceID string) {
	m.mu.Lock()
	conn, ok := m.conns[deviceID]
	m.mu.Unlock()

	if !ok {
		return
	}
	conn.Close()
	m.OnDisconnect(deviceID, conn)
}

// Touch forwards channel traffic to the registry's liveness clock
func (m *Manager) Touch(deviceID string) {
	if err := m.presence.Touch(deviceID); err != nil {
		m.logger.Debug().Err(err).Str("device_id", deviceID).Msg("touch failed")
	}
}
