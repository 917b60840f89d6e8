package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/devherd/herd/pkg/config"
	"github.com/devherd/herd/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowth(t *testing.T) {
	base := time.Second
	cap := 30 * time.Second

	assert.Equal(t, 1*time.Second, Backoff(0, base, cap))
	assert.Equal(t, 2*time.Second, Backoff(1, base, cap))
	assert.Equal(t, 4*time.Second, Backoff(2, base, cap))
	assert.Equal(t, 8*time.Second, Backoff(3, base, cap))
	assert.Equal(t, 16*time.Second, Backoff(4, base, cap))
}

func TestBackoffCap(t *testing.T) {
	base := time.Second
	cap := 30 * time.Second

	assert.Equal(t, cap, Backoff(5, base, cap))
	assert.Equal(t, cap, Backoff(10, base, cap))
	assert.Equal(t, cap, Backoff(100, base, cap))
}

func TestBackoffBaseAboveCap(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(0, 5*time.Second, time.Second))
}

func TestNewValidation(t *testing.T) {
	runner := RunnerFunc(nil)

	_, err := New(config.Agent{}, runner)
	assert.Error(t, err)

	_, err = New(config.Agent{DeviceID: "device-1"}, nil)
	assert.Error(t, err)
}

func TestNewAppliesDefaults(t *testing.T) {
	a, err := New(config.Agent{DeviceID: "device-1"}, RunnerFunc(nil))
	assert.NoError(t, err)
	assert.Equal(t, 60*time.Second, a.cfg.HeartbeatInterval)
	assert.Equal(t, time.Second, a.cfg.ReconnectBase)
	assert.Equal(t, 30*time.Second, a.cfg.ReconnectCap)
	assert.Equal(t, 5, a.cfg.MaxReconnects)
}

func TestReconnectBudgetResetsAfterJoin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	sessions := 0

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/device/register", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"token":"tok-1"}`))
	})
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var env protocol.Envelope
		_ = ws.ReadJSON(&env)

		mu.Lock()
		sessions++
		n := sessions
		mu.Unlock()

		// Drop the channel right after the join so every break is a fresh
		// disconnect episode.
		if n >= 6 {
			cancel()
		}
		_ = ws.Close()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a, err := New(config.Agent{
		DeviceID:      "device-1",
		ServerURL:     srv.URL,
		ReconnectBase: time.Millisecond,
		ReconnectCap:  2 * time.Millisecond,
		MaxReconnects: 2,
	}, RunnerFunc(nil))
	assert.NoError(t, err)

	// More consecutive established-then-dropped sessions than the reconnect
	// budget: the budget is per episode, so the agent must not give up.
	err = a.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	mu.Lock()
	total := sessions
	mu.Unlock()
	assert.GreaterOrEqual(t, total, 6)
}

func TestSendWithoutChannel(t *testing.T) {
	a, err := New(config.Agent{DeviceID: "device-1"}, RunnerFunc(nil))
	assert.NoError(t, err)

	err = a.send(protocol.EventPong, protocol.Pong{DeviceID: "device-1"})
	assert.Error(t, err)
}
