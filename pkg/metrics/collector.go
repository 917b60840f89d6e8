package metrics

import (
	"time"

	"github.com/devherd/herd/pkg/storage"
	"github.com/devherd/herd/pkg/types"
)

// Collector periodically derives gauge values from the store
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectDeviceMetrics()
	c.collectTaskMetrics()
}

func (c *Collector) collectDeviceMetrics() {
	devices, err := c.store.ListDevices()
	if err != nil {
		return
	}

	online, offline := 0, 0
	for _, device := range devices {
		if device.Online {
			online++
		} else {
			offline++
		}
	}

	DevicesTotal.WithLabelValues("online").Set(float64(online))
	DevicesTotal.WithLabelValues("offline").Set(float64(offline))
}

func (c *Collector) collectTaskMetrics() {
	tasks, err := c.store.ListTasks()
	if err != nil {
		return
	}

	counts := map[types.TaskStatus]int{
		types.TaskStatusPending:   0,
		types.TaskStatusRunning:   0,
		types.TaskStatusCompleted: 0,
		types.TaskStatusFailed:    0,
	}
	for _, task := range tasks {
		counts[task.Status]++
	}

	for status, count := range counts {
		TasksTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}
