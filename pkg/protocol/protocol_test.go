package protocol

import (
	"encoding/json"
	"testing"

	"github.com/devherd/herd/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(EventNewTask, NewTask{
		TaskID:     "t1",
		Type:       types.TaskTypeMessage,
		Parameters: json.RawMessage(`{"to":"+15551234","body":"hi"}`),
		Priority:   types.PriorityHigh,
	})
	assert.NoError(t, err)
	assert.Equal(t, EventNewTask, env.Event)

	// Over the wire and back.
	wire, err := json.Marshal(env)
	assert.NoError(t, err)

	var decoded Envelope
	assert.NoError(t, json.Unmarshal(wire, &decoded))

	var payload NewTask
	assert.NoError(t, decoded.Decode(&payload))
	assert.Equal(t, "t1", payload.TaskID)
	assert.Equal(t, types.PriorityHigh, payload.Priority)
	assert.JSONEq(t, `{"to":"+15551234","body":"hi"}`, string(payload.Parameters))
}

func TestEnvelopeWithoutPayload(t *testing.T) {
	env, err := NewEnvelope(EventPing, nil)
	assert.NoError(t, err)
	assert.Empty(t, env.Data)

	wire, err := json.Marshal(env)
	assert.NoError(t, err)
	assert.JSONEq(t, `{"event":"ping"}`, string(wire))

	// Decoding an empty payload is a no-op, not an error.
	var pong Pong
	assert.NoError(t, env.Decode(&pong))
}

func TestTaskCompletedCarriesError(t *testing.T) {
	env, err := NewEnvelope(EventTaskCompleted, TaskCompleted{
		TaskID:   "t1",
		DeviceID: "device-1",
		Status:   types.TaskStatusFailed,
		Error:    &types.TaskError{Kind: "execution", Message: "app crashed"},
	})
	assert.NoError(t, err)

	var rep TaskCompleted
	assert.NoError(t, env.Decode(&rep))
	assert.Equal(t, types.TaskStatusFailed, rep.Status)
	assert.Equal(t, "app crashed", rep.Error.Message)
}
