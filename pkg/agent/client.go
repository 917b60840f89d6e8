package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/devherd/herd/pkg/types"
	"github.com/pkg/errors"
)

// Client is the agent's REST client for the coordinator
type Client struct {
	baseURL string
	http    *http.Client

	token string
}

// NewClient creates a REST client for the given coordinator base URL
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Token returns the current bearer credential
func (c *Client) Token() string {
	return c.token
}

// Metadata describes the device at registration time
type Metadata struct {
	Name         string `json:"deviceName,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	OSVersion    string `json:"osVersion,omitempty"`
	AppVersion   string `json:"appVersion,omitempty"`
}

type tokenResponse struct {
	Success   bool      `json:"success"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	Message   string    `json:"message"`
}

// Register enrolls the device and stores the issued credential
func (c *Client) Register(deviceID string, meta Metadata) error {
	body := struct {
		DeviceID string `json:"deviceId"`
		Metadata
	}{DeviceID: deviceID, Metadata: meta}

	var resp tokenResponse
	if err := c.post("/auth/device/register", body, &resp); err != nil {
		return errors.Wrap(err, "device registration failed")
	}
	if !resp.Success || resp.Token == "" {
		return errors.Errorf("device registration rejected: %s", resp.Message)
	}
	c.token = resp.Token
	return nil
}

// Login refreshes the credential for an already registered device
func (c *Client) Login(deviceID string) error {
	body := struct {
		DeviceID string `json:"deviceId"`
	}{DeviceID: deviceID}

	var resp tokenResponse
	if err := c.post("/auth/device/login", body, &resp); err != nil {
		return errors.Wrap(err, "device login failed")
	}
	if !resp.Success || resp.Token == "" {
		return errors.Errorf("device login rejected: %s", resp.Message)
	}
	c.token = resp.Token
	return nil
}

// Heartbeat refreshes the device's liveness clock on the coordinator
func (c *Client) Heartbeat() error {
	return c.post("/auth/device/heartbeat", struct{}{}, nil)
}

// ReportStatus is the synchronous half of the dual reporting path. The
// returned bool says whether the coordinator committed the report; false
// means the push path already got there.
func (c *Client) ReportStatus(taskID string, status types.TaskStatus, result json.RawMessage, taskErr *types.TaskError) (bool, error) {
	body := struct {
		Status types.TaskStatus `json:"status"`
		Result json.RawMessage  `json:"result,omitempty"`
		Error  *types.TaskError `json:"error,omitempty"`
	}{Status: status, Result: result, Error: taskErr}

	var resp struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := c.do(http.MethodPut, fmt.Sprintf("/tasks/%s/status", taskID), body, &resp); err != nil {
		return false, err
	}
	return resp.Success, nil
}

func (c *Client) post(path string, body, out any) error {
	return c.do(http.MethodPost, path, body, out)
}

func (c *Client) do(method, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to encode request")
	}

	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s failed", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response")
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return types.ErrUnauthorized
	}
	if resp.StatusCode >= 400 {
		return errors.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(data))
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return errors.Wrap(err, "failed to decode response")
		}
	}
	return nil
}
