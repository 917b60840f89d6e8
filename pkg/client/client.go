package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/devherd/herd/pkg/types"
)

// Client wraps the coordinator's admin REST API for CLI usage
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates an admin client for the given coordinator address
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// CreateTaskRequest describes a task to enqueue
type CreateTaskRequest struct {
	DeviceID    string             `json:"deviceId"`
	Type        types.TaskType     `json:"type"`
	Parameters  json.RawMessage    `json:"parameters,omitempty"`
	Priority    types.TaskPriority `json:"priority,omitempty"`
	Description string             `json:"description,omitempty"`
	MaxRetries  *int               `json:"maxRetries,omitempty"`
}

// CreateTask enqueues a task for a device
func (c *Client) CreateTask(req CreateTaskRequest) (*types.Task, error) {
	var task types.Task
	if err := c.do(http.MethodPost, "/tasks", req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTask fetches one task by id
func (c *Client) GetTask(taskID string) (*types.Task, error) {
	var task types.Task
	if err := c.do(http.MethodGet, "/tasks/"+taskID, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks lists tasks, optionally filtered by device or status
func (c *Client) ListTasks(deviceID, status string) ([]*types.Task, error) {
	q := url.Values{}
	if deviceID != "" {
		q.Set("deviceId", deviceID)
	}
	if status != "" {
		q.Set("status", status)
	}
	path := "/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var tasks []*types.Task
	if err := c.do(http.MethodGet, path, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListDevices lists every registered device
func (c *Client) ListDevices() ([]*types.Device, error) {
	var devices []*types.Device
	if err := c.do(http.MethodGet, "/devices", nil, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// SendCommand delivers a management command to a connected device. The
// returned bool says whether delivery was attempted.
func (c *Client) SendCommand(deviceID, command string, payload json.RawMessage) (bool, error) {
	body := struct {
		Command string          `json:"command"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}{Command: command, Payload: payload}

	var resp struct {
		Success   bool `json:"success"`
		Delivered bool `json:"delivered"`
	}
	if err := c.do(http.MethodPost, "/devices/"+deviceID+"/command", body, &resp); err != nil {
		return false, err
	}
	return resp.Delivered, nil
}

// Broadcast sends a message to every connected device and returns the number
// of devices it reached.
func (c *Client) Broadcast(message string) (int, error) {
	body := struct {
		Message string `json:"message"`
	}{Message: message}

	var resp struct {
		Success   bool `json:"success"`
		Delivered int  `json:"delivered"`
	}
	if err := c.do(http.MethodPost, "/broadcast", body, &resp); err != nil {
		return 0, err
	}
	return resp.Delivered, nil
}

func (c *Client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Message)
		}
		return fmt.Errorf("%s %s returned %d", method, path, resp.StatusCode)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
