// Package controller implements the controller side of the Agent<->
// Controller Channel (C9): the connected-agent table, token auth,
// and correlated request/response command dispatch over websocket
// connections.
package controller

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sitharaj88/novapm/pkg/events"
	"github.com/sitharaj88/novapm/pkg/log"
	"github.com/sitharaj88/novapm/pkg/nperr"
	"github.com/sitharaj88/novapm/pkg/types"
)

const defaultCommandTimeout = 30 * time.Second

// authCloseCode is the websocket close code reserved for a failed
// register token check.
const authCloseCode = 4001

type connectedAgent struct {
	conn  *websocket.Conn
	mu    sync.Mutex
	agent types.ConnectedAgent
}

func (c *connectedAgent) writeLocked(env types.AgentEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(env)
}

type pending struct {
	resultCh chan types.CommandResultPayload
}

// Controller is the controller side of C9.
type Controller struct {
	tokens   []string
	upgrader websocket.Upgrader
	bus      *events.Bus

	mu       sync.Mutex
	agents   map[string]*connectedAgent
	inflight map[string]*pending
	stopped  bool
}

// New creates a Controller. tokens, if non-empty, restricts register to
// agents presenting one of these tokens.
func New(bus *events.Bus, tokens []string) *Controller {
	return &Controller{
		tokens:   tokens,
		upgrader: websocket.Upgrader{},
		bus:      bus,
		agents:   make(map[string]*connectedAgent),
		inflight: make(map[string]*pending),
	}
}

// ServeHTTP upgrades the connection and runs its read loop until the
// agent disconnects or the transport closes.
func (ctl *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := ctl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ctl.handleConn(conn)
}

func (ctl *Controller) handleConn(conn *websocket.Conn) {
	var agentID string
	defer func() {
		conn.Close()
		if agentID != "" {
			ctl.removeAgent(agentID)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env types.AgentEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Type {
		case types.AgentMsgRegister:
			id, ok := ctl.handleRegister(conn, env)
			if !ok {
				return
			}
			agentID = id
		case types.AgentMsgHeartbeat:
			ctl.handleHeartbeat(env)
		case types.AgentMsgMetrics:
			ctl.bus.Publish(events.TopicAgentMetrics, "controller", env)
		case types.AgentMsgCommandResult:
			ctl.handleCommandResult(env)
		case types.AgentMsgDisconnect:
			return
		}
	}
}

func (ctl *Controller) handleRegister(conn *websocket.Conn, env types.AgentEnvelope) (string, bool) {
	var reg types.RegisterPayload
	if err := json.Unmarshal(env.Data, &reg); err != nil {
		return "", false
	}

	if len(ctl.tokens) > 0 && !ctl.tokenAllowed(reg.Token) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(authCloseCode, "Authentication failed"),
			time.Now().Add(time.Second))
		return "", false
	}

	id := env.AgentID
	if id == "" {
		id = uuid.NewString()
	}

	ca := &connectedAgent{
		conn: conn,
		agent: types.ConnectedAgent{
			AgentID:       id,
			Hostname:      reg.ServerInfo.Hostname,
			Address:       reg.ServerInfo.Address,
			Port:          reg.ServerInfo.Port,
			Status:        types.AgentOnline,
			LastHeartbeat: time.Now(),
			Version:       reg.ServerInfo.Version,
		},
	}

	ctl.mu.Lock()
	ctl.agents[id] = ca
	ctl.mu.Unlock()

	ctl.bus.Publish(events.TopicAgentJoin, "controller", ca.agent)
	return id, true
}

func (ctl *Controller) tokenAllowed(token string) bool {
	for _, t := range ctl.tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			return true
		}
	}
	return false
}

func (ctl *Controller) handleHeartbeat(env types.AgentEnvelope) {
	ctl.mu.Lock()
	ca, ok := ctl.agents[env.AgentID]
	ctl.mu.Unlock()
	if !ok {
		return // unknown agent, ignored
	}

	var hb types.HeartbeatPayload
	if err := json.Unmarshal(env.Data, &hb); err != nil {
		return
	}

	ca.mu.Lock()
	ca.agent.LastHeartbeat = time.Now()
	ca.agent.Hostname = hb.ServerInfo.Hostname
	ca.agent.Address = hb.ServerInfo.Address
	ca.agent.Port = hb.ServerInfo.Port
	ca.agent.ProcessCount = len(hb.Processes)
	ca.agent.Processes = hb.Processes
	ca.mu.Unlock()

	ctl.bus.Publish(events.TopicAgentHeartbeat, "controller", env.AgentID)
}

func (ctl *Controller) handleCommandResult(env types.AgentEnvelope) {
	var res types.CommandResultPayload
	if err := json.Unmarshal(env.Data, &res); err != nil {
		return
	}

	ctl.mu.Lock()
	p, ok := ctl.inflight[res.RequestID]
	if ok {
		delete(ctl.inflight, res.RequestID)
	}
	ctl.mu.Unlock()

	if ok {
		p.resultCh <- res
	}
}

func (ctl *Controller) removeAgent(agentID string) {
	ctl.mu.Lock()
	delete(ctl.agents, agentID)
	ctl.mu.Unlock()
	ctl.bus.Publish(events.TopicAgentLeave, "controller", agentID)
}

// SendCommand sends command to agentID and waits for its result, up to
// timeout (default 30s if zero).
func (ctl *Controller) SendCommand(ctx context.Context, agentID, command string, params map[string]any, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}

	ctl.mu.Lock()
	ca, ok := ctl.agents[agentID]
	if !ok {
		ctl.mu.Unlock()
		return nil, fmt.Errorf("agent %s: %w", agentID, nperr.ErrNotFound)
	}
	requestID := uuid.NewString()
	p := &pending{resultCh: make(chan types.CommandResultPayload, 1)}
	ctl.inflight[requestID] = p
	ctl.mu.Unlock()

	payload, _ := json.Marshal(types.CommandPayload{Command: command, Params: params, RequestID: requestID})
	if err := ca.writeLocked(types.AgentEnvelope{Type: types.AgentMsgCommand, Data: payload, Timestamp: time.Now()}); err != nil {
		ctl.dropInflight(requestID)
		return nil, fmt.Errorf("agent %s: %w", agentID, nperr.ErrTransport)
	}

	select {
	case res := <-p.resultCh:
		if !res.Success {
			return nil, fmt.Errorf("agent %s command %s: %s", agentID, command, res.Error)
		}
		return res.Result, nil
	case <-time.After(timeout):
		ctl.dropInflight(requestID)
		return nil, fmt.Errorf("agent %s command %s: %w", agentID, command, nperr.ErrTimeout)
	case <-ctx.Done():
		ctl.dropInflight(requestID)
		return nil, ctx.Err()
	}
}

func (ctl *Controller) dropInflight(requestID string) {
	ctl.mu.Lock()
	delete(ctl.inflight, requestID)
	ctl.mu.Unlock()
}

// BroadcastResult is one agent's outcome from BroadcastCommand.
type BroadcastResult struct {
	Result any
	Err    error
}

// BroadcastCommand fans command out to every connected agent and
// returns once every agent has settled.
func (ctl *Controller) BroadcastCommand(ctx context.Context, command string, params map[string]any, timeout time.Duration) map[string]BroadcastResult {
	ctl.mu.Lock()
	ids := make([]string, 0, len(ctl.agents))
	for id := range ctl.agents {
		ids = append(ids, id)
	}
	ctl.mu.Unlock()

	out := make(map[string]BroadcastResult, len(ids))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := ctl.SendCommand(ctx, id, command, params, timeout)
			mu.Lock()
			out[id] = BroadcastResult{Result: res, Err: err}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

// Agents returns a snapshot of every currently connected agent.
func (ctl *Controller) Agents() []types.ConnectedAgent {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	out := make([]types.ConnectedAgent, 0, len(ctl.agents))
	for _, ca := range ctl.agents {
		ca.mu.Lock()
		out = append(out, ca.agent)
		ca.mu.Unlock()
	}
	return out
}

// Stop closes every agent socket and rejects all pending commands.
func (ctl *Controller) Stop() {
	ctl.mu.Lock()
	if ctl.stopped {
		ctl.mu.Unlock()
		return
	}
	ctl.stopped = true
	for _, p := range ctl.inflight {
		p.resultCh <- types.CommandResultPayload{Success: false, Error: "Controller shutting down"}
	}
	ctl.inflight = make(map[string]*pending)
	agents := make([]*connectedAgent, 0, len(ctl.agents))
	for _, ca := range ctl.agents {
		agents = append(agents, ca)
	}
	ctl.agents = make(map[string]*connectedAgent)
	ctl.mu.Unlock()

	for _, ca := range agents {
		if err := ca.conn.Close(); err != nil {
			log.Logger.Warn().Err(err).Msg("close agent connection during shutdown")
		}
	}
}
