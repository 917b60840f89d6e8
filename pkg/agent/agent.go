package agent

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/devherd/herd/pkg/config"
	"github.com/devherd/herd/pkg/log"
	"github.com/devherd/herd/pkg/protocol"
	"github.com/devherd/herd/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Runner executes one task on the device. The agent treats parameters and
// results as opaque JSON; interpretation belongs to the runner.
type Runner interface {
	Run(ctx context.Context, task protocol.NewTask) (json.RawMessage, error)
}

// RunnerFunc adapts a function to the Runner interface
type RunnerFunc func(ctx context.Context, task protocol.NewTask) (json.RawMessage, error)

// Run implements Runner
func (f RunnerFunc) Run(ctx context.Context, task protocol.NewTask) (json.RawMessage, error) {
	return f(ctx, task)
}

// Agent is the device-side client: it enrolls with the coordinator, keeps
// the persistent channel open, heartbeats over REST and runs tasks one at a
// time as they arrive.
type Agent struct {
	cfg    config.Agent
	client *Client
	runner Runner
	logger zerolog.Logger

	mu sync.Mutex
	ws *websocket.Conn
}

// New creates an agent
func New(cfg config.Agent, runner Runner) (*Agent, error) {
	if cfg.DeviceID == "" {
		return nil, errors.New("device id is required")
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = config.DefaultAgent().HeartbeatInterval
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = config.DefaultAgent().ReconnectBase
	}
	if cfg.ReconnectCap <= 0 {
		cfg.ReconnectCap = config.DefaultAgent().ReconnectCap
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = config.DefaultAgent().MaxReconnects
	}
	return &Agent{
		cfg:    cfg,
		client: NewClient(cfg.ServerURL),
		runner: runner,
		logger: log.WithComponent("agent").With().Str("device_id", cfg.DeviceID).Logger(),
	}, nil
}

// Backoff returns the reconnect delay for the given attempt: base doubled per
// attempt, capped.
func Backoff(attempt int, base, cap time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

// Run enrolls the device and keeps a channel session alive until ctx is
// cancelled or the reconnect budget is exhausted.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.client.Register(a.cfg.DeviceID, Metadata{Name: a.cfg.Name}); err != nil {
		return err
	}
	a.logger.Info().Msg("device registered")

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		joined, err := a.session(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return ctx.Err()
		}
		if joined {
			// The session was established before it broke, so this is a new
			// disconnect episode: restart the backoff schedule and budget.
			attempt = 0
		}

		if errors.Is(err, types.ErrUnauthorized) {
			// Credential expired mid-session; re-enroll before reconnecting.
			a.logger.Warn().Msg("credential expired, re-registering")
			if regErr := a.client.Login(a.cfg.DeviceID); regErr != nil {
				a.logger.Error().Err(regErr).Msg("re-login failed")
			}
		}

		attempt++
		if attempt > a.cfg.MaxReconnects {
			return errors.Wrapf(err, "giving up after %d reconnect attempts", a.cfg.MaxReconnects)
		}

		delay := Backoff(attempt-1, a.cfg.ReconnectBase, a.cfg.ReconnectCap)
		a.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("channel lost, reconnecting")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// session opens the channel, joins, heartbeats and serves frames until the
// channel breaks or ctx ends. The bool reports whether the join completed,
// which distinguishes a fresh disconnect episode from a failing reconnect.
func (a *Agent) session(ctx context.Context) (bool, error) {
	ws, err := a.dial()
	if err != nil {
		return false, err
	}
	a.setConn(ws)
	defer func() {
		a.setConn(nil)
		ws.Close()
	}()

	if err := a.send(protocol.EventJoinDevice, protocol.JoinDevice{DeviceID: a.cfg.DeviceID}); err != nil {
		return false, errors.Wrap(err, "join failed")
	}
	a.logger.Info().Msg("channel established")

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.heartbeatLoop(sessCtx)
	go func() {
		<-sessCtx.Done()
		ws.Close()
	}()

	for {
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return true, errors.Wrap(err, "channel read failed")
		}
		a.handleFrame(sessCtx, &env)
	}
}

func (a *Agent) dial() (*websocket.Conn, error) {
	u, err := url.Parse(a.cfg.ServerURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid server url")
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"

	header := map[string][]string{
		"Authorization": {"Bearer " + a.client.Token()},
	}
	ws, resp, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == 401 {
			return nil, types.ErrUnauthorized
		}
		return nil, errors.Wrap(err, "channel dial failed")
	}
	return ws, nil
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.client.Heartbeat(); err != nil {
				a.logger.Warn().Err(err).Msg("heartbeat failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) handleFrame(ctx context.Context, env *protocol.Envelope) {
	switch env.Event {
	case protocol.EventPing:
		if err := a.send(protocol.EventPong, protocol.Pong{DeviceID: a.cfg.DeviceID, Timestamp: time.Now()}); err != nil {
			a.logger.Warn().Err(err).Msg("pong failed")
		}

	case protocol.EventNewTask:
		var task protocol.NewTask
		if err := env.Decode(&task); err != nil {
			a.logger.Warn().Err(err).Msg("malformed new-task frame")
			return
		}
		// One task at a time is the coordinator's promise, so executing
		// inline on the read loop is safe only for short tasks; run it on
		// its own goroutine and keep serving pings.
		go a.execute(ctx, task)

	case protocol.EventBroadcastMessage:
		var msg protocol.BroadcastMessage
		if err := env.Decode(&msg); err == nil {
			a.logger.Info().Str("message", msg.Message).Msg("broadcast received")
		}

	case protocol.EventRestartDevice, protocol.EventUpdateApp, protocol.EventClearCache, protocol.EventSendMessage:
		a.logger.Info().Str("event", env.Event).Msg("management command received")

	default:
		a.logger.Debug().Str("event", env.Event).Msg("ignoring unknown event")
	}
}

// execute runs the task and reports the terminal status on both paths: the
// synchronous REST call first, then the push-channel mirror. The coordinator
// deduplicates, so double delivery is harmless and single delivery suffices.
func (a *Agent) execute(ctx context.Context, task protocol.NewTask) {
	a.logger.Info().Str("task_id", task.TaskID).Str("type", string(task.Type)).Msg("task started")

	result, runErr := a.runner.Run(ctx, task)

	status := types.TaskStatusCompleted
	var taskErr *types.TaskError
	if runErr != nil {
		status = types.TaskStatusFailed
		taskErr = &types.TaskError{Kind: "execution", Message: runErr.Error()}
		a.logger.Warn().Err(runErr).Str("task_id", task.TaskID).Msg("task failed")
	} else {
		a.logger.Info().Str("task_id", task.TaskID).Msg("task completed")
	}

	if _, err := a.client.ReportStatus(task.TaskID, status, result, taskErr); err != nil {
		a.logger.Warn().Err(err).Str("task_id", task.TaskID).Msg("synchronous status report failed")
	}

	if err := a.send(protocol.EventTaskCompleted, protocol.TaskCompleted{
		TaskID:   task.TaskID,
		DeviceID: a.cfg.DeviceID,
		Status:   status,
		Result:   result,
		Error:    taskErr,
	}); err != nil {
		a.logger.Debug().Err(err).Str("task_id", task.TaskID).Msg("push status mirror failed")
	}
}

func (a *Agent) setConn(ws *websocket.Conn) {
	a.mu.Lock()
	a.ws = ws
	a.mu.Unlock()
}

func (a *Agent) send(event string, payload any) error {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ws == nil {
		return errors.Wrap(types.ErrNotDelivered, "channel not connected")
	}
	a.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return a.ws.WriteJSON(env)
}
