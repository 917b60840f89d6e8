package storage

import (
	"github.com/devherd/herd/pkg/types"
)

// MutateFunc is applied to the current task and device rows inside a single
// write transaction. Returning true persists both rows; returning false
// leaves the store untouched. Either row may be inspected before deciding.
type MutateFunc func(task *types.Task, device *types.Device) (bool, error)

// Store defines the interface for durable coordinator state.
// Implemented by BoltDB-backed storage.
type Store interface {
	// Devices
	CreateDevice(device *types.Device) error
	GetDevice(id string) (*types.Device, error)
	ListDevices() ([]*types.Device, error)
	UpdateDevice(device *types.Device) error

	// Tasks
	CreateTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasks() ([]*types.Task, error)
	ListTasksByDevice(deviceID string) ([]*types.Task, error)
	ListTasksByStatus(status types.TaskStatus) ([]*types.Task, error)
	UpdateTask(task *types.Task) error
	DeleteTask(id string) error

	// ClaimNextTask atomically selects the next pending task for the device
	// (priority desc, createdAt asc), marks it running, stamps StartedAt and
	// sets the device's CurrentTaskID in one transaction. It returns
	// (nil, nil) when the device is offline, already busy, or has no pending
	// work. The conditional check inside the transaction guarantees at most
	// one running task per device.
	ClaimNextTask(deviceID string) (*types.Task, error)

	// MutateTaskAndDevice applies fn to the task and its owning device in a
	// single write transaction. Used for claim rollback and status commits so
	// dual-path reports stay idempotent under races.
	MutateTaskAndDevice(deviceID, taskID string, fn MutateFunc) error

	// Utility
	Close() error
}
