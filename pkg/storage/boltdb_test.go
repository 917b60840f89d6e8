package storage

import (
	"testing"
	"time"

	"github.com/devherd/herd/pkg/types"
	"github.com/stretchr/testify/assert"
)

func newTestStore(t *testing.T) *BoltStore {
	store, err := NewBoltStore(t.TempDir())
	assert.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testDevice(id string, online bool) *types.Device {
	now := time.Now()
	return &types.Device{
		ID:         id,
		Name:       "Pixel " + id,
		Online:     online,
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func testTask(id, deviceID string, priority types.TaskPriority, createdAt time.Time) *types.Task {
	return &types.Task{
		ID:         id,
		DeviceID:   deviceID,
		Type:       types.TaskTypeMessage,
		Priority:   priority,
		Status:     types.TaskStatusPending,
		MaxRetries: types.DefaultMaxRetries,
		CreatedAt:  createdAt,
	}
}

func TestDeviceCRUD(t *testing.T) {
	store := newTestStore(t)

	device := testDevice("device-1", false)
	assert.NoError(t, store.CreateDevice(device))

	got, err := store.GetDevice("device-1")
	assert.NoError(t, err)
	assert.Equal(t, "Pixel device-1", got.Name)

	got.Online = true
	assert.NoError(t, store.UpdateDevice(got))

	got, err = store.GetDevice("device-1")
	assert.NoError(t, err)
	assert.True(t, got.Online)

	_, err = store.GetDevice("missing")
	assert.ErrorIs(t, err, types.ErrNotFound)

	devices, err := store.ListDevices()
	assert.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestTaskFilters(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	assert.NoError(t, store.CreateTask(testTask("t1", "device-1", types.PriorityNormal, now)))
	assert.NoError(t, store.CreateTask(testTask("t2", "device-2", types.PriorityNormal, now)))

	running := testTask("t3", "device-1", types.PriorityNormal, now)
	running.Status = types.TaskStatusRunning
	assert.NoError(t, store.CreateTask(running))

	byDevice, err := store.ListTasksByDevice("device-1")
	assert.NoError(t, err)
	assert.Len(t, byDevice, 2)

	byStatus, err := store.ListTasksByStatus(types.TaskStatusRunning)
	assert.NoError(t, err)
	assert.Len(t, byStatus, 1)
	assert.Equal(t, "t3", byStatus[0].ID)

	all, err := store.ListTasks()
	assert.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestClaimNextTaskOrdering(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	assert.NoError(t, store.CreateDevice(testDevice("device-1", true)))

	// Older normal task, newer high-priority task: priority wins.
	assert.NoError(t, store.CreateTask(testTask("normal-old", "device-1", types.PriorityNormal, now.Add(-time.Hour))))
	assert.NoError(t, store.CreateTask(testTask("high-new", "device-1", types.PriorityHigh, now)))
	assert.NoError(t, store.CreateTask(testTask("low", "device-1", types.PriorityLow, now.Add(-2*time.Hour))))

	task, err := store.ClaimNextTask("device-1")
	assert.NoError(t, err)
	assert.Equal(t, "high-new", task.ID)
	assert.Equal(t, types.TaskStatusRunning, task.Status)
	assert.False(t, task.StartedAt.IsZero())

	device, err := store.GetDevice("device-1")
	assert.NoError(t, err)
	assert.Equal(t, "high-new", device.CurrentTaskID)
}

func TestClaimNextTaskFIFOWithinPriority(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	assert.NoError(t, store.CreateDevice(testDevice("device-1", true)))
	assert.NoError(t, store.CreateTask(testTask("second", "device-1", types.PriorityNormal, now)))
	assert.NoError(t, store.CreateTask(testTask("first", "device-1", types.PriorityNormal, now.Add(-time.Minute))))

	task, err := store.ClaimNextTask("device-1")
	assert.NoError(t, err)
	assert.Equal(t, "first", task.ID)
}

func TestClaimNextTaskGuards(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	// Offline device: no claim even with pending work.
	assert.NoError(t, store.CreateDevice(testDevice("offline", false)))
	assert.NoError(t, store.CreateTask(testTask("t1", "offline", types.PriorityNormal, now)))

	task, err := store.ClaimNextTask("offline")
	assert.NoError(t, err)
	assert.Nil(t, task)

	// Busy device: single task in flight.
	busy := testDevice("busy", true)
	busy.CurrentTaskID = "elsewhere"
	assert.NoError(t, store.CreateDevice(busy))
	assert.NoError(t, store.CreateTask(testTask("t2", "busy", types.PriorityNormal, now)))

	task, err = store.ClaimNextTask("busy")
	assert.NoError(t, err)
	assert.Nil(t, task)

	// Idle online device with no pending work.
	assert.NoError(t, store.CreateDevice(testDevice("idle", true)))
	task, err = store.ClaimNextTask("idle")
	assert.NoError(t, err)
	assert.Nil(t, task)

	// Unknown device.
	_, err = store.ClaimNextTask("missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestClaimNextTaskIgnoresOtherDevices(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	assert.NoError(t, store.CreateDevice(testDevice("device-1", true)))
	assert.NoError(t, store.CreateTask(testTask("other", "device-2", types.PriorityHigh, now)))
	assert.NoError(t, store.CreateTask(testTask("mine", "device-1", types.PriorityLow, now)))

	task, err := store.ClaimNextTask("device-1")
	assert.NoError(t, err)
	assert.Equal(t, "mine", task.ID)
}

func TestMutateTaskAndDevice(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	device := testDevice("device-1", true)
	device.CurrentTaskID = "t1"
	assert.NoError(t, store.CreateDevice(device))

	task := testTask("t1", "device-1", types.PriorityNormal, now)
	task.Status = types.TaskStatusRunning
	assert.NoError(t, store.CreateTask(task))

	// Commit path: both rows persist together.
	err := store.MutateTaskAndDevice("device-1", "t1", func(task *types.Task, device *types.Device) (bool, error) {
		task.Status = types.TaskStatusCompleted
		device.CurrentTaskID = ""
		return true, nil
	})
	assert.NoError(t, err)

	gotTask, err := store.GetTask("t1")
	assert.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, gotTask.Status)

	gotDevice, err := store.GetDevice("device-1")
	assert.NoError(t, err)
	assert.Empty(t, gotDevice.CurrentTaskID)

	// No-op path: fn declines, nothing persists.
	err = store.MutateTaskAndDevice("device-1", "t1", func(task *types.Task, device *types.Device) (bool, error) {
		task.Status = types.TaskStatusPending
		return false, nil
	})
	assert.NoError(t, err)

	gotTask, err = store.GetTask("t1")
	assert.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, gotTask.Status)

	// Unknown ids surface ErrNotFound.
	err = store.MutateTaskAndDevice("device-1", "missing", func(task *types.Task, device *types.Device) (bool, error) {
		return false, nil
	})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestDeleteTask(t *testing.T) {
	store := newTestStore(t)

	assert.NoError(t, store.CreateTask(testTask("t1", "device-1", types.PriorityNormal, time.Now())))
	assert.NoError(t, store.DeleteTask("t1"))

	_, err := store.GetTask("t1")
	assert.ErrorIs(t, err, types.ErrNotFound)
}
