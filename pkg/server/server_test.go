package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/devherd/herd/pkg/connection"
	"github.com/devherd/herd/pkg/dispatch"
	"github.com/devherd/herd/pkg/lifecycle"
	"github.com/devherd/herd/pkg/protocol"
	"github.com/devherd/herd/pkg/registry"
	"github.com/devherd/herd/pkg/storage"
	"github.com/devherd/herd/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

type testEnv struct {
	store  *storage.BoltStore
	server *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	store, err := storage.NewBoltStore(t.TempDir())
	assert.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.New(store, nil, time.Hour)
	conns := connection.NewManager(reg)
	dispatcher := dispatch.New(store, conns, nil)
	conns.SetIdleHandler(dispatcher.OnDeviceIdle)
	tracker := lifecycle.New(store, nil)
	tracker.SetIdleSignaler(dispatcher)

	srv := NewServer(Config{
		Store:       store,
		Registry:    reg,
		Connections: conns,
		Dispatcher:  dispatcher,
		Tracker:     tracker,
	})

	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)

	return &testEnv{store: store, server: ts}
}

func (e *testEnv) request(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		assert.NoError(t, err)
	}

	req, err := http.NewRequest(method, e.server.URL+path, bytes.NewReader(payload))
	assert.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	assert.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	assert.NoError(t, err)
	return resp, buf.Bytes()
}

func (e *testEnv) register(t *testing.T, deviceID string) string {
	resp, body := e.request(t, http.MethodPost, "/auth/device/register", "", map[string]string{
		"deviceId":   deviceID,
		"deviceName": "Pixel " + deviceID,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var tok struct {
		Token string `json:"token"`
	}
	assert.NoError(t, json.Unmarshal(body, &tok))
	assert.NotEmpty(t, tok.Token)
	return tok.Token
}

// dial opens the device channel and performs the join handshake
func (e *testEnv) dial(t *testing.T, deviceID, token string) *websocket.Conn {
	wsURL := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
	header := http.Header{"Authorization": {"Bearer " + token}}
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	assert.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	env, err := protocol.NewEnvelope(protocol.EventJoinDevice, protocol.JoinDevice{DeviceID: deviceID})
	assert.NoError(t, err)
	assert.NoError(t, ws.WriteJSON(env))
	return ws
}

func TestRegisterLoginHeartbeat(t *testing.T) {
	env := newTestEnv(t)

	token := env.register(t, "device-1")

	// Login reissues and supersedes.
	resp, body := env.request(t, http.MethodPost, "/auth/device/login", "", map[string]string{
		"deviceId": "device-1",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var tok struct {
		Token string `json:"token"`
	}
	assert.NoError(t, json.Unmarshal(body, &tok))
	assert.NotEqual(t, token, tok.Token)

	// Old token no longer authenticates.
	resp, _ = env.request(t, http.MethodPost, "/auth/device/heartbeat", token, struct{}{})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.request(t, http.MethodPost, "/auth/device/heartbeat", tok.Token, struct{}{})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLoginUnknownDevice(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.request(t, http.MethodPost, "/auth/device/login", "", map[string]string{
		"deviceId": "never-registered",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "device-1")

	// Unsupported task type is rejected at the boundary.
	resp, _ := env.request(t, http.MethodPost, "/tasks", "", map[string]string{
		"deviceId": "device-1",
		"type":     "world-domination",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Unknown device is rejected.
	resp, _ = env.request(t, http.MethodPost, "/tasks", "", map[string]string{
		"deviceId": "missing",
		"type":     "message",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Valid request defaults priority and retry budget.
	resp, body := env.request(t, http.MethodPost, "/tasks", "", map[string]string{
		"deviceId": "device-1",
		"type":     "message",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var task types.Task
	assert.NoError(t, json.Unmarshal(body, &task))
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, types.PriorityNormal, task.Priority)
	assert.Equal(t, types.TaskStatusPending, task.Status)
	assert.Equal(t, types.DefaultMaxRetries, task.MaxRetries)
}

func TestListTasksFilters(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "device-1")
	env.register(t, "device-2")

	for _, deviceID := range []string{"device-1", "device-1", "device-2"} {
		resp, _ := env.request(t, http.MethodPost, "/tasks", "", map[string]string{
			"deviceId": deviceID,
			"type":     "message",
		})
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, body := env.request(t, http.MethodGet, "/tasks?deviceId=device-1", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var tasks []types.Task
	assert.NoError(t, json.Unmarshal(body, &tasks))
	assert.Len(t, tasks, 2)

	resp, body = env.request(t, http.MethodGet, "/tasks?status=pending", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NoError(t, json.Unmarshal(body, &tasks))
	assert.Len(t, tasks, 3)
}

func TestStatusReportRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.request(t, http.MethodPut, "/tasks/t1/status", "", map[string]string{
		"status": "completed",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestChannelDispatchAndReport(t *testing.T) {
	env := newTestEnv(t)
	token := env.register(t, "device-1")

	ws := env.dial(t, "device-1", token)

	// Give the join handshake time to land before enqueueing.
	assert.Eventually(t, func() bool {
		device, err := env.store.GetDevice("device-1")
		return err == nil && device.Online
	}, 2*time.Second, 10*time.Millisecond)

	resp, body := env.request(t, http.MethodPost, "/tasks", "", map[string]any{
		"deviceId":   "device-1",
		"type":       "message",
		"parameters": map[string]string{"to": "+15551234"},
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var created types.Task
	assert.NoError(t, json.Unmarshal(body, &created))

	// The task arrives over the channel.
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame protocol.Envelope
	assert.NoError(t, ws.ReadJSON(&frame))
	assert.Equal(t, protocol.EventNewTask, frame.Event)

	var pushed protocol.NewTask
	assert.NoError(t, frame.Decode(&pushed))
	assert.Equal(t, created.ID, pushed.TaskID)

	// Report completion over REST.
	resp, body = env.request(t, http.MethodPut, "/tasks/"+created.ID+"/status", token, map[string]any{
		"status": "completed",
		"result": map[string]bool{"ok": true},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"success":true`)

	// The duplicate push-path report is absorbed.
	resp, body = env.request(t, http.MethodPut, "/tasks/"+created.ID+"/status", token, map[string]any{
		"status": "completed",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"success":false`)

	task, err := env.store.GetTask(created.ID)
	assert.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, task.Status)
}

func TestChannelJoinMismatchCloses(t *testing.T) {
	env := newTestEnv(t)
	token := env.register(t, "device-1")
	env.register(t, "device-2")

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"
	header := http.Header{"Authorization": {"Bearer " + token}}
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	assert.NoError(t, err)
	defer ws.Close()

	// Joining as a different device than the token's owner is refused.
	join, err := protocol.NewEnvelope(protocol.EventJoinDevice, protocol.JoinDevice{DeviceID: "device-2"})
	assert.NoError(t, err)
	assert.NoError(t, ws.WriteJSON(join))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame protocol.Envelope
	assert.Error(t, ws.ReadJSON(&frame))

	device, err := env.store.GetDevice("device-2")
	assert.NoError(t, err)
	assert.False(t, device.Online)
}

func TestChannelRequiresToken(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBroadcast(t *testing.T) {
	env := newTestEnv(t)
	token := env.register(t, "device-1")
	ws := env.dial(t, "device-1", token)

	assert.Eventually(t, func() bool {
		device, err := env.store.GetDevice("device-1")
		return err == nil && device.Online
	}, 2*time.Second, 10*time.Millisecond)

	resp, body := env.request(t, http.MethodPost, "/broadcast", "", map[string]string{
		"message": "maintenance at midnight",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"delivered":1`)

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame protocol.Envelope
	assert.NoError(t, ws.ReadJSON(&frame))
	assert.Equal(t, protocol.EventBroadcastMessage, frame.Event)

	var msg protocol.BroadcastMessage
	assert.NoError(t, frame.Decode(&msg))
	assert.Equal(t, "maintenance at midnight", msg.Message)
}

func TestDeviceCommand(t *testing.T) {
	env := newTestEnv(t)
	token := env.register(t, "device-1")

	// Unknown command name.
	resp, _ := env.request(t, http.MethodPost, "/devices/device-1/command", "", map[string]string{
		"command": "self-destruct",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Not connected: accepted but not delivered.
	resp, body := env.request(t, http.MethodPost, "/devices/device-1/command", "", map[string]string{
		"command": "restart-device",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"delivered":false`)

	ws := env.dial(t, "device-1", token)
	assert.Eventually(t, func() bool {
		device, err := env.store.GetDevice("device-1")
		return err == nil && device.Online
	}, 2*time.Second, 10*time.Millisecond)

	resp, body = env.request(t, http.MethodPost, "/devices/device-1/command", "", map[string]string{
		"command": "restart-device",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"delivered":true`)

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame protocol.Envelope
	assert.NoError(t, ws.ReadJSON(&frame))
	assert.Equal(t, protocol.EventRestartDevice, frame.Event)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.request(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ok")
}
