package types

import (
	"encoding/json"
	"time"
)

// Device represents a remote Android device registered with the coordinator.
type Device struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Manufacturer string            `json:"manufacturer,omitempty"`
	Model        string            `json:"model,omitempty"`
	OSVersion    string            `json:"osVersion,omitempty"`
	AppVersion   string            `json:"appVersion,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`

	// Presence state, mutated only by the connection manager and the
	// presence monitor.
	Online     bool      `json:"online"`
	LastSeenAt time.Time `json:"lastSeenAt"`

	// CurrentTaskID is non-empty only while a task for this device is
	// in running state. At most one task per device is ever in flight.
	CurrentTaskID string `json:"currentTaskId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Idle reports whether the device has no task in flight.
func (d *Device) Idle() bool {
	return d.CurrentTaskID == ""
}

// TaskType is the closed set of automation actions a device can execute.
// Parameters stay opaque; the coordinator never interprets them.
type TaskType string

const (
	TaskTypeMessage       TaskType = "message"
	TaskTypeCall          TaskType = "call"
	TaskTypeGroupAction   TaskType = "group-action"
	TaskTypeStatusPost    TaskType = "status-post"
	TaskTypeMediaSend     TaskType = "media-send"
	TaskTypeProfileUpdate TaskType = "profile-update"
	TaskTypeCustomScript  TaskType = "custom-script"
	TaskTypeScreenshot    TaskType = "screenshot"
)

// Valid reports whether t is a known task type. Unknown types are rejected
// at the boundary with ErrUnsupportedTaskType instead of failing at dispatch.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeMessage, TaskTypeCall, TaskTypeGroupAction, TaskTypeStatusPost,
		TaskTypeMediaSend, TaskTypeProfileUpdate, TaskTypeCustomScript, TaskTypeScreenshot:
		return true
	}
	return false
}

// TaskPriority orders tasks within a single device's queue.
type TaskPriority string

const (
	PriorityHigh   TaskPriority = "high"
	PriorityNormal TaskPriority = "normal"
	PriorityLow    TaskPriority = "low"
)

// Rank returns the numeric ordering of a priority, higher first.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	}
	return 1 // unknown priorities sort with normal
}

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transitions leave this status.
// A failed task with retries remaining is re-enqueued by the lifecycle
// tracker before it is ever persisted as failed, so both completed and
// failed are terminal once stored.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// TaskError carries a device-reported failure.
type TaskError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// DefaultMaxRetries bounds automatic re-enqueue of failed tasks.
const DefaultMaxRetries = 3

// Task is a unit of work owned by exactly one device.
type Task struct {
	ID       string `json:"id"`
	DeviceID string `json:"deviceId"`

	Type        TaskType        `json:"type"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Priority    TaskPriority    `json:"priority"`
	Description string          `json:"description,omitempty"`

	Status TaskStatus `json:"status"`

	Result     json.RawMessage `json:"result,omitempty"`
	Error      *TaskError      `json:"error,omitempty"`
	RetryCount int             `json:"retryCount"`
	MaxRetries int             `json:"maxRetries"`

	CreatedAt   time.Time `json:"createdAt"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
}
