// Package agent implements the agent side of the Agent<->Controller
// Channel (C9): a persistent, reconnecting websocket connection that
// registers with a controller, pushes heartbeats and metric batches,
// and dispatches inbound commands to registered handlers.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sitharaj88/novapm/pkg/events"
	"github.com/sitharaj88/novapm/pkg/log"
	"github.com/sitharaj88/novapm/pkg/types"
)

const metricsBatchSize = 100

// CommandHandler runs one controller-issued command and returns its
// result or an error.
type CommandHandler func(params map[string]any) (any, error)

// Config configures an Agent's connection and reconnection policy.
type Config struct {
	ControllerURL        string
	Token                string
	ServerInfo           types.ServerInfo
	HeartbeatInterval    time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 5 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 50
	}
	return c
}

// ProcessSource supplies the local process snapshots a heartbeat
// reports, implemented by the Supervisor.
type ProcessSource interface {
	Snapshot() []types.ProcessSnapshot
}

// Agent is the agent side of C9.
type Agent struct {
	cfg      Config
	bus      *events.Bus
	procs    ProcessSource
	handlers map[string]CommandHandler

	mu         sync.Mutex
	conn       *websocket.Conn
	metricsBuf []types.MetricSample
	stopped    bool
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// New creates an Agent. procs may be nil if heartbeats should report no
// processes.
func New(cfg Config, bus *events.Bus, procs ProcessSource) *Agent {
	return &Agent{
		cfg:      cfg.withDefaults(),
		bus:      bus,
		procs:    procs,
		handlers: make(map[string]CommandHandler),
	}
}

// RegisterHandler installs handler under name, replacing any prior
// registration.
func (a *Agent) RegisterHandler(name string, handler CommandHandler) {
	a.mu.Lock()
	a.handlers[name] = handler
	a.mu.Unlock()
}

// Start dials the controller and begins the heartbeat/read loops. It
// returns once the initial connection succeeds (or fails); reconnects
// after that happen in the background.
func (a *Agent) Start(ctx context.Context) error {
	conn, err := a.dial(ctx)
	if err != nil {
		return err
	}
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})
	a.setConn(conn)
	a.bus.Publish(events.TopicAgentConnected, "agent", a.cfg.ServerInfo)

	go a.run(ctx)
	return nil
}

func (a *Agent) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.ControllerURL, nil)
	if err != nil {
		return nil, fmt.Errorf("agent: dial %s: %w", a.cfg.ControllerURL, err)
	}

	payload, _ := json.Marshal(types.RegisterPayload{ServerInfo: a.cfg.ServerInfo, Token: a.cfg.Token})
	if err := writeEnvelope(conn, types.AgentMsgRegister, payload); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (a *Agent) run(ctx context.Context) {
	defer close(a.doneCh)

	heartbeat := time.NewTicker(a.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	readErrCh := make(chan error, 1)
	go a.readLoop(readErrCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-heartbeat.C:
			a.sendHeartbeat()
		case err := <-readErrCh:
			log.Logger.Warn().Err(err).Msg("agent connection closed")
			a.bus.Publish(events.TopicAgentDisconnected, "agent", a.cfg.ServerInfo)
			if a.reconnect(ctx) {
				readErrCh = make(chan error, 1)
				go a.readLoop(readErrCh)
				continue
			}
			return
		}
	}
}

func (a *Agent) reconnect(ctx context.Context) bool {
	for attempt := 1; attempt <= a.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-a.stopCh:
			return false
		case <-time.After(a.cfg.ReconnectInterval):
		}

		conn, err := a.dial(ctx)
		if err == nil {
			a.setConn(conn)
			a.bus.Publish(events.TopicAgentConnected, "agent", a.cfg.ServerInfo)
			return true
		}
		log.Logger.Warn().Err(err).Int("attempt", attempt).Msg("agent reconnect attempt failed")
	}
	a.bus.Publish(events.TopicAgentReconnectFail, "agent", a.cfg.ServerInfo)
	return false
}

func (a *Agent) readLoop(errCh chan<- error) {
	for {
		conn := a.getConn()
		if conn == nil {
			errCh <- fmt.Errorf("agent: no connection")
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}

		var env types.AgentEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue // malformed inbound frame, ignored
		}
		if env.Type == types.AgentMsgCommand {
			a.handleCommand(env.Data)
		}
	}
}

func (a *Agent) handleCommand(raw json.RawMessage) {
	var cmd types.CommandPayload
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return
	}

	a.mu.Lock()
	handler, ok := a.handlers[cmd.Command]
	a.mu.Unlock()

	result := types.CommandResultPayload{RequestID: cmd.RequestID}
	if !ok {
		result.Success = false
		result.Error = fmt.Sprintf("Unknown command %s", cmd.Command)
	} else if res, err := handler(cmd.Params); err != nil {
		result.Success = false
		result.Error = err.Error()
	} else {
		result.Success = true
		result.Result = res
	}

	payload, _ := json.Marshal(result)
	if err := a.send(types.AgentMsgCommandResult, payload); err != nil {
		log.Logger.Warn().Err(err).Str("command", cmd.Command).Msg("send command-result")
	}
}

func (a *Agent) sendHeartbeat() {
	var procs []types.ProcessSnapshot
	if a.procs != nil {
		procs = a.procs.Snapshot()
	}
	payload, _ := json.Marshal(types.HeartbeatPayload{ServerInfo: a.cfg.ServerInfo, Processes: procs})
	if err := a.send(types.AgentMsgHeartbeat, payload); err != nil {
		log.Logger.Warn().Err(err).Msg("send heartbeat")
	}
}

// PushMetric buffers sample for the next flush, auto-flushing once the
// buffer reaches 100 entries.
func (a *Agent) PushMetric(sample types.MetricSample) {
	a.mu.Lock()
	a.metricsBuf = append(a.metricsBuf, sample)
	full := len(a.metricsBuf) >= metricsBatchSize
	a.mu.Unlock()

	if full {
		a.FlushMetrics()
	}
}

// FlushMetrics sends the buffered metric samples as one frame and
// clears the buffer. While disconnected nothing is sent and the
// buffered samples are dropped.
func (a *Agent) FlushMetrics() {
	a.mu.Lock()
	batch := a.metricsBuf
	a.metricsBuf = nil
	a.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	payload, _ := json.Marshal(types.MetricsPayload{Samples: batch})
	if err := a.send(types.AgentMsgMetrics, payload); err != nil {
		log.Logger.Warn().Err(err).Msg("flush metrics")
	}
}

// Stop sends a disconnect frame, closes the socket, and prevents any
// further reconnect attempts. It is a no-op if never started.
func (a *Agent) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	conn := a.conn
	a.mu.Unlock()

	if conn != nil {
		_ = writeEnvelope(conn, types.AgentMsgDisconnect, nil)
		time.Sleep(50 * time.Millisecond)
		conn.Close()
	}
	if a.stopCh == nil {
		return
	}
	close(a.stopCh)
	<-a.doneCh
	a.bus.Publish(events.TopicAgentStopped, "agent", a.cfg.ServerInfo)
}

func (a *Agent) send(t types.AgentMessageType, data json.RawMessage) error {
	conn := a.getConn()
	if conn == nil {
		return nil // sends while not open are dropped
	}
	return writeEnvelope(conn, t, data)
}

func (a *Agent) setConn(conn *websocket.Conn) {
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
}

func (a *Agent) getConn() *websocket.Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

func writeEnvelope(conn *websocket.Conn, t types.AgentMessageType, data json.RawMessage) error {
	env := types.AgentEnvelope{Type: t, Timestamp: time.Now(), Data: data}
	return conn.WriteJSON(env)
}
