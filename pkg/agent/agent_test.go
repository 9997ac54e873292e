package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitharaj88/novapm/pkg/events"
	"github.com/sitharaj88/novapm/pkg/types"
)

var upgrader = websocket.Upgrader{}

// fakeController accepts exactly one agent connection and records every
// envelope it receives, optionally pushing a command right after
// register.
type fakeController struct {
	received chan types.AgentEnvelope
	server   *httptest.Server
}

func newFakeController(t *testing.T) *fakeController {
	t.Helper()
	fc := &fakeController{received: make(chan types.AgentEnvelope, 16)}
	fc.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env types.AgentEnvelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			fc.received <- env
			if env.Type == types.AgentMsgRegister {
				payload, _ := json.Marshal(types.CommandPayload{Command: "ping", RequestID: "r1"})
				conn.WriteJSON(types.AgentEnvelope{Type: types.AgentMsgCommand, Data: payload, Timestamp: time.Now()})
			}
		}
	}))
	return fc
}

func (fc *fakeController) url() string {
	return "ws" + strings.TrimPrefix(fc.server.URL, "http") + "/"
}

func (fc *fakeController) close() { fc.server.Close() }

func waitFor(t *testing.T, ch chan types.AgentEnvelope, want types.AgentMessageType) types.AgentEnvelope {
	t.Helper()
	for {
		select {
		case env := <-ch:
			if env.Type == want {
				return env
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestAgentRegistersAndRespondsToCommand(t *testing.T) {
	fc := newFakeController(t)
	defer fc.close()

	a := New(Config{
		ControllerURL:     fc.url(),
		ServerInfo:        types.ServerInfo{Hostname: "host1"},
		HeartbeatInterval: time.Hour,
	}, events.NewBus(), nil)

	a.RegisterHandler("ping", func(params map[string]any) (any, error) {
		return "pong", nil
	})

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	waitFor(t, fc.received, types.AgentMsgRegister)
	result := waitFor(t, fc.received, types.AgentMsgCommandResult)

	var payload types.CommandResultPayload
	require.NoError(t, json.Unmarshal(result.Data, &payload))
	assert.True(t, payload.Success)
	assert.Equal(t, "pong", payload.Result)
	assert.Equal(t, "r1", payload.RequestID)
}

func TestAgentUnknownCommandReturnsFailure(t *testing.T) {
	fc := newFakeController(t)
	defer fc.close()

	a := New(Config{
		ControllerURL:     fc.url(),
		ServerInfo:        types.ServerInfo{Hostname: "host1"},
		HeartbeatInterval: time.Hour,
	}, events.NewBus(), nil)

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	waitFor(t, fc.received, types.AgentMsgRegister)
	result := waitFor(t, fc.received, types.AgentMsgCommandResult)

	var payload types.CommandResultPayload
	require.NoError(t, json.Unmarshal(result.Data, &payload))
	assert.False(t, payload.Success)
	assert.Contains(t, payload.Error, "Unknown command")
}

func TestPushMetricAutoFlushesAtBatchSize(t *testing.T) {
	fc := newFakeController(t)
	defer fc.close()

	a := New(Config{
		ControllerURL:     fc.url(),
		ServerInfo:        types.ServerInfo{Hostname: "host1"},
		HeartbeatInterval: time.Hour,
	}, events.NewBus(), nil)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	waitFor(t, fc.received, types.AgentMsgRegister)
	waitFor(t, fc.received, types.AgentMsgCommandResult) // reply to the server's ping command

	for i := 0; i < metricsBatchSize; i++ {
		a.PushMetric(types.MetricSample{ProcessID: 1, Timestamp: int64(i)})
	}

	env := waitFor(t, fc.received, types.AgentMsgMetrics)
	var payload types.MetricsPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Len(t, payload.Samples, metricsBatchSize)
}

func TestFlushMetricsWhileDisconnectedIsNoop(t *testing.T) {
	a := New(Config{ControllerURL: "ws://127.0.0.1:1/", HeartbeatInterval: time.Hour}, events.NewBus(), nil)
	a.PushMetric(types.MetricSample{ProcessID: 1})
	assert.NotPanics(t, func() { a.FlushMetrics() })
}
