package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/devherd/herd/pkg/types"
)

// Event names are the persistent-channel contract. Client and server agree on
// these strings, not on Go types.
const (
	// Client -> Server
	EventJoinDevice    = "join-device"
	EventPong          = "pong"
	EventTaskCompleted = "task-completed"

	// Server -> Client
	EventNewTask          = "new-task"
	EventPing             = "ping"
	EventBroadcastMessage = "broadcast-message"

	// Administrative side-channel commands, delivered best-effort.
	EventRestartDevice = "restart-device"
	EventUpdateApp     = "update-app"
	EventClearCache    = "clear-cache"
	EventSendMessage   = "send-message"
)

// Envelope is the frame exchanged over the duplex channel
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals a payload into a wire frame
func NewEnvelope(event string, payload any) (*Envelope, error) {
	if payload == nil {
		return &Envelope{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	return &Envelope{Event: event, Data: data}, nil
}

// Decode unmarshals the envelope payload into v
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// JoinDevice binds a freshly opened channel to a device identity
type JoinDevice struct {
	DeviceID string `json:"deviceId"`
}

// Pong answers a server liveness probe
type Pong struct {
	DeviceID  string    `json:"deviceId"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskCompleted is the push-path mirror of the REST status update
type TaskCompleted struct {
	TaskID   string           `json:"taskId"`
	DeviceID string           `json:"deviceId"`
	Status   types.TaskStatus `json:"status"`
	Result   json.RawMessage  `json:"result,omitempty"`
	Error    *types.TaskError `json:"error,omitempty"`
}

// NewTask carries a dispatched task to the device
type NewTask struct {
	TaskID     string             `json:"taskId"`
	Type       types.TaskType     `json:"type"`
	Parameters json.RawMessage    `json:"parameters,omitempty"`
	Priority   types.TaskPriority `json:"priority"`
}

// BroadcastMessage is an operator announcement to every connected device
type BroadcastMessage struct {
	Message string `json:"message"`
}

// Command is an out-of-band device-management instruction. Payload shape is
// shared by restart-device, update-app, clear-cache and send-message.
type Command struct {
	Payload json.RawMessage `json:"payload,omitempty"`
}
