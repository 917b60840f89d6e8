package presence

import (
	"time"

	"github.com/devherd/herd/pkg/connection"
	"github.com/devherd/herd/pkg/lifecycle"
	"github.com/devherd/herd/pkg/log"
	"github.com/devherd/herd/pkg/metrics"
	"github.com/devherd/herd/pkg/protocol"
	"github.com/devherd/herd/pkg/storage"
	"github.com/devherd/herd/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// DefaultTickInterval is how often the monitor scans the registry.
	DefaultTickInterval = 30 * time.Second

	// DefaultOfflineThreshold is how long a device may stay silent before it
	// is flipped offline. Several multiples of the agent heartbeat period.
	DefaultOfflineThreshold = 5 * time.Minute

	// DefaultStaleTaskTimeout bounds how long a running task on an offline
	// device waits before it is reconciled as a failure.
	DefaultStaleTaskTimeout = 30 * time.Minute
)

// Config controls the presence monitor
type Config struct {
	TickInterval     time.Duration
	OfflineThreshold time.Duration
	// StaleTaskTimeout <= 0 disables the stuck-task sweep.
	StaleTaskTimeout time.Duration
}

// Monitor flips silent devices offline and reconciles tasks left running by
// devices that never came back. It runs independently of dispatch.
type Monitor struct {
	store    storage.Store
	conns    *connection.Manager
	tracker  *lifecycle.Tracker
	presence connection.Presence
	cfg      Config

	stopCh chan struct{}
	logger zerolog.Logger
}

// NewMonitor creates a presence monitor. presence is the same registry
// interface the connection manager flips devices through, so timeouts and
// channel teardowns have identical side effects.
func NewMonitor(store storage.Store, conns *connection.Manager, tracker *lifecycle.Tracker, presence connection.Presence, cfg Config) *Monitor {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.OfflineThreshold <= 0 {
		cfg.OfflineThreshold = DefaultOfflineThreshold
	}
	return &Monitor{
		store:    store,
		conns:    conns,
		tracker:  tracker,
		presence: presence,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("presence"),
	}
}

// Start begins the monitoring loop
func (m *Monitor) Start() {
	go m.run()
}

// Stop stops the monitor
func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stopCh:
			return
		}
	}
}

// Sweep performs one monitoring cycle: probe connected devices, time out
// silent ones, reconcile stuck running tasks. Exported so tests can drive
// ticks directly.
func (m *Monitor) Sweep() {
	m.probe()
	m.checkPresence()
	if m.cfg.StaleTaskTimeout > 0 {
		m.reconcileStale()
	}
}

// probe sends a liveness ping to every connected device. Pong replies come
// back through the channel and refresh lastSeenAt.
func (m *Monitor) probe() {
	env, err := protocol.NewEnvelope(protocol.EventPing, nil)
	if err != nil {
		return
	}
	m.conns.Broadcast(env)
}

// checkPresence flips devices offline when lastSeenAt is older than the
// threshold. Devices already offline are not touched, and a running task is
// left in place for reconciliation.
func (m *Monitor) checkPresence() {
	devices, err := m.store.ListDevices()
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to list devices")
		return
	}

	now := time.Now()
	for _, device := range devices {
		if !device.Online {
			continue
		}
		if now.Sub(device.LastSeenAt) <= m.cfg.OfflineThreshold {
			continue
		}

		m.logger.Warn().
			Str("device_id", device.ID).
			Dur("silent_for", now.Sub(device.LastSeenAt)).
			Msg("device timed out, marking offline")

		// Same side effects as a disconnect, including closing any channel
		// that is somehow still open.
		m.conns.Disconnect(device.ID)

		// A silent disconnect leaves no channel behind; flip the flag
		// through the registry in that case so the offline event still
		// fires.
		if fresh, err := m.store.GetDevice(device.ID); err == nil && fresh.Online {
			if err := m.presence.SetOnline(device.ID, false); err != nil {
				m.logger.Error().Err(err).Str("device_id", device.ID).Msg("failed to mark device offline")
				continue
			}
		}

		metrics.PresenceTimeouts.Inc()
	}
}

// reconcileStale routes tasks stuck in running on offline devices through
// the normal failure path, so the timeout consumes a retry and the bounded
// retry rules decide between re-enqueue and permanent failure.
func (m *Monitor) reconcileStale() {
	tasks, err := m.store.ListTasksByStatus(types.TaskStatusRunning)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to list running tasks")
		return
	}

	now := time.Now()
	for _, task := range tasks {
		if task.StartedAt.IsZero() || now.Sub(task.StartedAt) <= m.cfg.StaleTaskTimeout {
			continue
		}

		device, err := m.store.GetDevice(task.DeviceID)
		if err != nil {
			continue
		}
		if device.Online {
			// The device may legitimately still be working; leave it alone.
			continue
		}

		m.logger.Warn().
			Str("device_id", task.DeviceID).
			Str("task_id", task.ID).
			Dur("running_for", now.Sub(task.StartedAt)).
			Msg("reconciling stale running task")

		committed, err := m.tracker.ReportStatus(lifecycle.Report{
			TaskID:   task.ID,
			DeviceID: task.DeviceID,
			Status:   types.TaskStatusFailed,
			Error: &types.TaskError{
				Kind:    "stale",
				Message: "device went offline mid-task and did not report back",
			},
		})
		if err != nil {
			m.logger.Error().Err(err).Str("task_id", task.ID).Msg("stale task reconciliation failed")
			continue
		}
		if committed {
			metrics.StaleTasksRequeued.Inc()
		}
	}
}
