package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/devherd/herd/pkg/events"
	"github.com/devherd/herd/pkg/lifecycle"
	"github.com/devherd/herd/pkg/protocol"
	"github.com/devherd/herd/pkg/registry"
	"github.com/devherd/herd/pkg/types"
	"github.com/google/uuid"
)

type registerRequest struct {
	DeviceID string `json:"deviceId"`
	registry.Metadata
}

type tokenResponse struct {
	Success   bool      `json:"success"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DeviceID == "" {
		s.writeError(w, http.StatusBadRequest, "deviceId is required")
		return
	}

	cred, err := s.registry.Register(req.DeviceID, req.Metadata)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tokenResponse{Success: true, Token: cred.Token, ExpiresAt: cred.ExpiresAt})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID string `json:"deviceId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cred, err := s.registry.Authenticate(req.DeviceID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tokenResponse{Success: true, Token: cred.Token, ExpiresAt: cred.ExpiresAt})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	deviceID := callerDeviceID(r)
	if err := s.registry.Touch(deviceID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type statusRequest struct {
	Status types.TaskStatus `json:"status"`
	Result json.RawMessage  `json:"result,omitempty"`
	Error  *types.TaskError `json:"error,omitempty"`
}

// handleTaskStatus is the synchronous half of dual-path status reporting.
// Duplicate or stale reports return 200 with success=false so the device
// agent never needs to distinguish the race it lost.
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskId")
	deviceID := callerDeviceID(r)

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	committed, err := s.tracker.ReportStatus(lifecycle.Report{
		TaskID:   taskID,
		DeviceID: deviceID,
		Status:   req.Status,
		Result:   req.Result,
		Error:    req.Error,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if !committed {
		s.writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "status already recorded"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type createTaskRequest struct {
	DeviceID    string             `json:"deviceId"`
	Type        types.TaskType     `json:"type"`
	Parameters  json.RawMessage    `json:"parameters,omitempty"`
	Priority    types.TaskPriority `json:"priority,omitempty"`
	Description string             `json:"description,omitempty"`
	MaxRetries  *int               `json:"maxRetries,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Type.Valid() {
		s.writeDomainError(w, types.ErrUnsupportedTaskType)
		return
	}
	if _, err := s.store.GetDevice(req.DeviceID); err != nil {
		s.writeDomainError(w, err)
		return
	}

	priority := req.Priority
	if priority == "" {
		priority = types.PriorityNormal
	}
	maxRetries := s.defaultMaxRetries
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		maxRetries = *req.MaxRetries
	}

	task := &types.Task{
		ID:          uuid.New().String(),
		DeviceID:    req.DeviceID,
		Type:        req.Type,
		Parameters:  req.Parameters,
		Priority:    priority,
		Description: req.Description,
		Status:      types.TaskStatusPending,
		MaxRetries:  maxRetries,
		CreatedAt:   time.Now(),
	}

	if err := s.store.CreateTask(task); err != nil {
		s.writeDomainError(w, err)
		return
	}

	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type: events.EventTaskCreated,
			Metadata: map[string]string{
				"device_id": task.DeviceID,
				"task_id":   task.ID,
			},
		})
	}

	// Nudge the dispatcher in case the device is already idle and online.
	go s.dispatcher.OnDeviceIdle(req.DeviceID)

	s.writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("deviceId")
	status := r.URL.Query().Get("status")

	var (
		tasks []*types.Task
		err   error
	)
	switch {
	case deviceID != "":
		tasks, err = s.store.ListTasksByDevice(deviceID)
	case status != "":
		tasks, err = s.store.ListTasksByStatus(types.TaskStatus(status))
	default:
		tasks, err = s.store.ListTasks()
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*types.Task{}
	}
	s.writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.PathValue("taskId"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if devices == nil {
		devices = []*types.Device{}
	}
	s.writeJSON(w, http.StatusOK, devices)
}

// commandEvents maps admin command names onto channel events
var commandEvents = map[string]string{
	"restart-device": protocol.EventRestartDevice,
	"update-app":     protocol.EventUpdateApp,
	"clear-cache":    protocol.EventClearCache,
	"send-message":   protocol.EventSendMessage,
}

// handleDeviceCommand delivers an out-of-band management command,
// best-effort: an offline device simply misses it.
func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("deviceId")

	var req struct {
		Command string          `json:"command"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	event, ok := commandEvents[req.Command]
	if !ok {
		s.writeError(w, http.StatusBadRequest, "unknown command")
		return
	}
	if _, err := s.store.GetDevice(deviceID); err != nil {
		s.writeDomainError(w, err)
		return
	}

	env, err := protocol.NewEnvelope(event, protocol.Command{Payload: req.Payload})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	delivered := s.conns.Push(deviceID, env)
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "delivered": delivered})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req protocol.BroadcastMessage
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	env, err := protocol.NewEnvelope(protocol.EventBroadcastMessage, req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	sent := s.conns.Broadcast(env)
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "delivered": sent})
}
