package lifecycle

import (
	"encoding/json"
	"time"

	"github.com/devherd/herd/pkg/events"
	"github.com/devherd/herd/pkg/log"
	"github.com/devherd/herd/pkg/metrics"
	"github.com/devherd/herd/pkg/storage"
	"github.com/devherd/herd/pkg/types"
	"github.com/rs/zerolog"
)

// IdleSignaler is notified when a device is freed for its next task.
// Implemented by the dispatcher.
type IdleSignaler interface {
	OnDeviceIdle(deviceID string)
}

// Report is one device status report, arriving via either the synchronous
// REST call or the push channel. Both paths may deliver the same report.
type Report struct {
	TaskID   string
	DeviceID string
	Status   types.TaskStatus
	Result   json.RawMessage
	Error    *types.TaskError
}

// Tracker validates task state transitions, persists them and frees the
// device for its next task.
type Tracker struct {
	store  storage.Store
	broker *events.Broker
	idler  IdleSignaler
	logger zerolog.Logger
}

// New creates a lifecycle tracker
func New(store storage.Store, broker *events.Broker) *Tracker {
	return &Tracker{
		store:  store,
		broker: broker,
		logger: log.WithComponent("lifecycle"),
	}
}

// SetIdleSignaler wires the dispatcher. Must be called before the first
// ReportStatus.
func (t *Tracker) SetIdleSignaler(idler IdleSignaler) {
	t.idler = idler
}

// ReportStatus commits a device status report. A report is accepted only when
// the task is the device's current task and still running; every other
// combination (duplicate report, wrong id, already terminal, no current task)
// is a no-op success so dual-path reports stay idempotent. The returned bool
// says whether a state change was committed.
//
// Unknown device or task ids still fail with ErrNotFound; only state-machine
// conflicts are absorbed.
func (t *Tracker) ReportStatus(rep Report) (bool, error) {
	var (
		committed bool
		retried   bool
		exhausted bool
	)

	err := t.store.MutateTaskAndDevice(rep.DeviceID, rep.TaskID, func(task *types.Task, device *types.Device) (bool, error) {
		if device.CurrentTaskID != task.ID || task.Status != types.TaskStatusRunning {
			return false, nil
		}

		now := time.Now()
		switch rep.Status {
		case types.TaskStatusCompleted:
			task.Status = types.TaskStatusCompleted
			task.Result = rep.Result
			task.Error = nil
			task.CompletedAt = now

		case types.TaskStatusFailed:
			task.Error = rep.Error
			task.CompletedAt = now
			if task.RetryCount < task.MaxRetries {
				// Re-enqueue with cleared timestamps; the failure consumed
				// one retry.
				task.RetryCount++
				task.Status = types.TaskStatusPending
				task.StartedAt = time.Time{}
				task.CompletedAt = time.Time{}
				retried = true
			} else {
				task.Status = types.TaskStatusFailed
				exhausted = true
			}

		default:
			// Devices only report terminal states; anything else is ignored.
			return false, nil
		}

		device.CurrentTaskID = ""
		device.UpdatedAt = now
		committed = true
		return true, nil
	})
	if err != nil {
		metrics.StatusReports.WithLabelValues("error").Inc()
		return false, err
	}

	if !committed {
		metrics.StatusReports.WithLabelValues("noop").Inc()
		t.logger.Debug().
			Str("device_id", rep.DeviceID).
			Str("task_id", rep.TaskID).
			Str("status", string(rep.Status)).
			Msg("duplicate or stale status report ignored")
		return false, nil
	}

	metrics.StatusReports.WithLabelValues("committed").Inc()
	t.publishOutcome(rep, retried, exhausted)

	t.logger.Info().
		Str("device_id", rep.DeviceID).
		Str("task_id", rep.TaskID).
		Str("status", string(rep.Status)).
		Bool("retried", retried).
		Msg("task status committed")

	// The device is idle again either way; let the dispatcher advance.
	if t.idler != nil {
		t.idler.OnDeviceIdle(rep.DeviceID)
	}
	return true, nil
}

func (t *Tracker) publishOutcome(rep Report, retried, exhausted bool) {
	if t.broker == nil {
		return
	}

	meta := map[string]string{
		"device_id": rep.DeviceID,
		"task_id":   rep.TaskID,
	}

	switch {
	case rep.Status == types.TaskStatusCompleted:
		t.broker.Publish(&events.Event{Type: events.EventTaskCompleted, Metadata: meta})
	case retried:
		metrics.TasksRetried.Inc()
		t.broker.Publish(&events.Event{Type: events.EventTaskRetried, Metadata: meta})
	case exhausted:
		metrics.TasksExhausted.Inc()
		t.logger.Warn().
			Err(types.ErrRetriesExhausted).
			Str("task_id", rep.TaskID).
			Msg("task permanently failed")
		t.broker.Publish(&events.Event{Type: events.EventTaskFailed, Metadata: meta})
	}
}
