package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/devherd/herd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketDevices = []byte("devices")
	bucketTasks   = []byte("tasks")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "herd.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketDevices,
			bucketTasks,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Device operations
func (s *BoltStore) CreateDevice(device *types.Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		data, err := json.Marshal(device)
		if err != nil {
			return err
		}
		return b.Put([]byte(device.ID), data)
	})
}

func (s *BoltStore) GetDevice(id string) (*types.Device, error) {
	var device types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("device %s: %w", id, types.ErrNotFound)
		}
		return json.Unmarshal(data, &device)
	})
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (s *BoltStore) ListDevices() ([]*types.Device, error) {
	var devices []*types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		return b.ForEach(func(k, v []byte) error {
			var device types.Device
			if err := json.Unmarshal(v, &device); err != nil {
				return err
			}
			devices = append(devices, &device)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) UpdateDevice(device *types.Device) error {
	return s.CreateDevice(device) // Same as create (upsert)
}

// Task operations
func (s *BoltStore) CreateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put([]byte(task.ID), data)
	})
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("task %s: %w", id, types.ErrNotFound)
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	return tasks, err
}

func (s *BoltStore) ListTasksByDevice(deviceID string) ([]*types.Task, error) {
	tasks, err := s.ListTasks()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Task
	for _, task := range tasks {
		if task.DeviceID == deviceID {
			filtered = append(filtered, task)
		}
	}
	return filtered, nil
}

func (s *BoltStore) ListTasksByStatus(status types.TaskStatus) ([]*types.Task, error) {
	tasks, err := s.ListTasks()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Task
	for _, task := range tasks {
		if task.Status == status {
			filtered = append(filtered, task)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateTask(task *types.Task) error {
	return s.CreateTask(task)
}

func (s *BoltStore) DeleteTask(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.Delete([]byte(id))
	})
}

// ClaimNextTask selects and claims the device's next pending task in one
// write transaction. BoltDB serializes writers, so two concurrent claims for
// the same device cannot both observe an idle device.
func (s *BoltStore) ClaimNextTask(deviceID string) (*types.Task, error) {
	var claimed *types.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		devices := tx.Bucket(bucketDevices)
		data := devices.Get([]byte(deviceID))
		if data == nil {
			return fmt.Errorf("device %s: %w", deviceID, types.ErrNotFound)
		}

		var device types.Device
		if err := json.Unmarshal(data, &device); err != nil {
			return err
		}
		if !device.Online || device.CurrentTaskID != "" {
			return nil
		}

		tasks := tx.Bucket(bucketTasks)
		var next *types.Task
		err := tasks.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if task.DeviceID != deviceID || task.Status != types.TaskStatusPending {
				return nil
			}
			if next == nil || taskBefore(&task, next) {
				t := task
				next = &t
			}
			return nil
		})
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}

		next.Status = types.TaskStatusRunning
		next.StartedAt = time.Now()
		device.CurrentTaskID = next.ID
		device.UpdatedAt = time.Now()

		taskData, err := json.Marshal(next)
		if err != nil {
			return err
		}
		if err := tasks.Put([]byte(next.ID), taskData); err != nil {
			return err
		}
		deviceData, err := json.Marshal(&device)
		if err != nil {
			return err
		}
		if err := devices.Put([]byte(device.ID), deviceData); err != nil {
			return err
		}

		claimed = next
		return nil
	})
	return claimed, err
}

// taskBefore reports whether a should be dispatched before b:
// higher priority first, then older creation time.
func taskBefore(a, b *types.Task) bool {
	if a.Priority.Rank() != b.Priority.Rank() {
		return a.Priority.Rank() > b.Priority.Rank()
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// MutateTaskAndDevice loads the task and its owning device, applies fn and
// persists both rows when fn asks for it, all inside one write transaction.
func (s *BoltStore) MutateTaskAndDevice(deviceID, taskID string, fn MutateFunc) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		devices := tx.Bucket(bucketDevices)
		deviceData := devices.Get([]byte(deviceID))
		if deviceData == nil {
			return fmt.Errorf("device %s: %w", deviceID, types.ErrNotFound)
		}
		var device types.Device
		if err := json.Unmarshal(deviceData, &device); err != nil {
			return err
		}

		tasks := tx.Bucket(bucketTasks)
		taskData := tasks.Get([]byte(taskID))
		if taskData == nil {
			return fmt.Errorf("task %s: %w", taskID, types.ErrNotFound)
		}
		var task types.Task
		if err := json.Unmarshal(taskData, &task); err != nil {
			return err
		}

		persist, err := fn(&task, &device)
		if err != nil {
			return err
		}
		if !persist {
			return nil
		}

		newTaskData, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		if err := tasks.Put([]byte(task.ID), newTaskData); err != nil {
			return err
		}
		newDeviceData, err := json.Marshal(&device)
		if err != nil {
			return err
		}
		return devices.Put([]byte(device.ID), newDeviceData)
	})
}
