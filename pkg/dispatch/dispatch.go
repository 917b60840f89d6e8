package dispatch

import (
	"sync"
	"time"

	"github.com/devherd/herd/pkg/connection"
	"github.com/devherd/herd/pkg/events"
	"github.com/devherd/herd/pkg/log"
	"github.com/devherd/herd/pkg/metrics"
	"github.com/devherd/herd/pkg/protocol"
	"github.com/devherd/herd/pkg/storage"
	"github.com/devherd/herd/pkg/types"
	"github.com/rs/zerolog"
)

// Dispatcher assigns pending tasks to idle, online devices and pushes them
// over the device's channel. Selection-and-push is serialized per device;
// different devices dispatch concurrently.
type Dispatcher struct {
	store  storage.Store
	conns  *connection.Manager
	broker *events.Broker

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	logger zerolog.Logger
}

// New creates a dispatcher
func New(store storage.Store, conns *connection.Manager, broker *events.Broker) *Dispatcher {
	return &Dispatcher{
		store:  store,
		conns:  conns,
		broker: broker,
		locks:  make(map[string]*sync.Mutex),
		logger: log.WithComponent("dispatch"),
	}
}

// deviceLock returns the mutex serializing dispatch for one device
func (d *Dispatcher) deviceLock(deviceID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		d.locks[deviceID] = l
	}
	return l
}

// OnDeviceIdle is invoked whenever a device becomes online with no task in
// flight, or completes a task. It claims the device's next pending task and
// pushes it. If the push is not attempted (the device raced a disconnect),
// the claim is rolled back so the task is retried on the next idle signal.
func (d *Dispatcher) OnDeviceIdle(deviceID string) {
	l := d.deviceLock(deviceID)
	l.Lock()
	defer l.Unlock()

	timer := metrics.NewTimer()

	task, err := d.store.ClaimNextTask(deviceID)
	if err != nil {
		d.logger.Error().Err(err).Str("device_id", deviceID).Msg("task claim failed")
		return
	}
	if task == nil {
		// Device busy, offline, or queue empty.
		return
	}

	env, err := protocol.NewEnvelope(protocol.EventNewTask, protocol.NewTask{
		TaskID:     task.ID,
		Type:       task.Type,
		Parameters: task.Parameters,
		Priority:   task.Priority,
	})
	if err != nil {
		d.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to encode task push")
		d.rollback(deviceID, task.ID)
		return
	}

	if !d.conns.Push(deviceID, env) {
		// Raced a disconnect between the idle signal and the push.
		d.logger.Warn().Str("device_id", deviceID).Str("task_id", task.ID).Msg("push not attempted, rolling claim back")
		d.rollback(deviceID, task.ID)
		metrics.DispatchRollbacks.Inc()
		return
	}

	timer.ObserveDuration(metrics.DispatchLatency)
	metrics.TasksDispatched.Inc()

	d.logger.Info().
		Str("device_id", deviceID).
		Str("task_id", task.ID).
		Str("type", string(task.Type)).
		Str("priority", string(task.Priority)).
		Msg("task dispatched")

	if d.broker != nil {
		d.broker.Publish(&events.Event{
			Type: events.EventTaskDispatched,
			Metadata: map[string]string{
				"device_id": deviceID,
				"task_id":   task.ID,
			},
		})
	}
}

// rollback returns a just-claimed task to pending and frees the device.
// Conditional on the claim still being in place so a concurrent report wins.
func (d *Dispatcher) rollback(deviceID, taskID string) {
	err := d.store.MutateTaskAndDevice(deviceID, taskID, func(task *types.Task, device *types.Device) (bool, error) {
		if task.Status != types.TaskStatusRunning || device.CurrentTaskID != taskID {
			return false, nil
		}
		task.Status = types.TaskStatusPending
		task.StartedAt = time.Time{}
		device.CurrentTaskID = ""
		device.UpdatedAt = time.Now()
		return true, nil
	})
	if err != nil {
		d.logger.Error().Err(err).Str("task_id", taskID).Msg("claim rollback failed")
		return
	}

	if d.broker != nil {
		d.broker.Publish(&events.Event{
			Type: events.EventTaskRequeued,
			Metadata: map[string]string{
				"device_id": deviceID,
				"task_id":   taskID,
			},
		})
	}
}
