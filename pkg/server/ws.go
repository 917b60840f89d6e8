package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/devherd/herd/pkg/connection"
	"github.com/devherd/herd/pkg/lifecycle"
	"github.com/devherd/herd/pkg/metrics"
	"github.com/devherd/herd/pkg/protocol"
	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	joinTimeout    = 15 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wsConn adapts a websocket to the connection.Conn contract. Gorilla allows
// one concurrent writer, so Send serializes on a mutex.
type wsConn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	once    sync.Once
}

func (c *wsConn) Send(env *protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.ws.WriteJSON(env)
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		err = c.ws.Close()
	})
	return err
}

// handleChannel upgrades the request to the persistent device channel. The
// first frame must be join-device for the device the bearer token belongs to;
// after that the read loop handles pong and task-completed frames until the
// channel breaks.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	deviceID := callerDeviceID(r)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("device_id", deviceID).Msg("channel upgrade failed")
		return
	}
	conn := &wsConn{ws: ws}

	if err := s.awaitJoin(ws, deviceID); err != nil {
		s.logger.Warn().Err(err).Str("device_id", deviceID).Msg("channel join failed")
		conn.Close()
		return
	}

	s.conns.OnConnect(deviceID, conn)
	metrics.ConnectionsActive.Inc()
	defer func() {
		metrics.ConnectionsActive.Dec()
		conn.Close()
		s.conns.OnDisconnect(deviceID, conn)
	}()

	s.readLoop(ws, deviceID)
}

// awaitJoin reads the opening frame and checks it binds the channel to the
// authenticated device, not some other id.
func (s *Server) awaitJoin(ws *websocket.Conn, deviceID string) error {
	ws.SetReadDeadline(time.Now().Add(joinTimeout))
	defer ws.SetReadDeadline(time.Time{})

	var env protocol.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		return err
	}
	if env.Event != protocol.EventJoinDevice {
		return errUnexpectedFrame(env.Event)
	}

	var join protocol.JoinDevice
	if err := env.Decode(&join); err != nil {
		return err
	}
	if join.DeviceID != deviceID {
		return errJoinMismatch{claimed: join.DeviceID}
	}
	return nil
}

func (s *Server) readLoop(ws *websocket.Conn, deviceID string) {
	for {
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			s.logger.Debug().Err(err).Str("device_id", deviceID).Msg("channel closed")
			return
		}

		// Any inbound frame proves the device is alive.
		s.conns.Touch(deviceID)

		switch env.Event {
		case protocol.EventPong:
			// Touch above already refreshed the liveness clock.

		case protocol.EventTaskCompleted:
			s.handleChannelReport(&env, deviceID)

		default:
			s.logger.Debug().
				Str("device_id", deviceID).
				Str("event", env.Event).
				Msg("ignoring unknown channel event")
		}
	}
}

// handleChannelReport is the push-path mirror of PUT /tasks/{id}/status. The
// tracker's idempotency absorbs the duplicate when the REST call got there
// first.
func (s *Server) handleChannelReport(env *protocol.Envelope, deviceID string) {
	var rep protocol.TaskCompleted
	if err := env.Decode(&rep); err != nil {
		s.logger.Warn().Err(err).Str("device_id", deviceID).Msg("malformed task-completed frame")
		return
	}

	if _, err := s.tracker.ReportStatus(lifecycle.Report{
		TaskID:   rep.TaskID,
		DeviceID: deviceID,
		Status:   rep.Status,
		Result:   rep.Result,
		Error:    rep.Error,
	}); err != nil {
		s.logger.Error().
			Err(err).
			Str("device_id", deviceID).
			Str("task_id", rep.TaskID).
			Msg("channel status report failed")
	}
}

type errJoinMismatch struct {
	claimed string
}

func (e errJoinMismatch) Error() string {
	return "join-device id does not match authenticated device: " + e.claimed
}

type errUnexpectedFrame string

func (e errUnexpectedFrame) Error() string {
	return "expected join-device frame, got " + string(e)
}

var _ connection.Conn = (*wsConn)(nil)
