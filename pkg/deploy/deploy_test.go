package deploy

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitharaj88/novapm/pkg/types"
)

type scriptedSender struct {
	mu   sync.Mutex
	resp map[string]map[string]any // server -> command -> result
	errs map[string]map[string]error
	sent []string
}

func newScriptedSender() *scriptedSender {
	return &scriptedSender{resp: map[string]map[string]any{}, errs: map[string]map[string]error{}}
}

func (s *scriptedSender) on(server, command string, result any, err error) {
	if s.resp[server] == nil {
		s.resp[server] = map[string]any{}
		s.errs[server] = map[string]error{}
	}
	s.resp[server][command] = result
	s.errs[server][command] = err
}

func (s *scriptedSender) SendCommand(ctx context.Context, agentID, command string, params map[string]any, timeout time.Duration) (any, error) {
	s.mu.Lock()
	s.sent = append(s.sent, fmt.Sprintf("%s:%s", agentID, command))
	s.mu.Unlock()

	if m, ok := s.errs[agentID]; ok {
		if err := m[command]; err != nil {
			return nil, err
		}
	}
	if m, ok := s.resp[agentID]; ok {
		if res, ok := m[command]; ok {
			return res, nil
		}
	}
	return map[string]any{"success": true, "healthy": true}, nil
}

func TestRollingDeployWithRollback(t *testing.T) {
	sender := newScriptedSender()
	sender.on("s1", "deploy", map[string]any{"success": true}, nil)
	sender.on("s1", "health.check", map[string]any{"healthy": true}, nil)
	sender.on("s2", "deploy", map[string]any{"success": false}, nil)

	o := New(sender)
	plan := o.Rolling(context.Background(), []string{"s1", "s2", "s3"}, nil)

	assert.Equal(t, types.DeployFailed, plan.Status)
	require.NotEmpty(t, plan.Errors)

	rollbacks := 0
	for _, c := range sender.sent {
		if c == "s1:deploy.rollback" {
			rollbacks++
		}
	}
	assert.Equal(t, 1, rollbacks)
	assert.NotContains(t, sender.sent, "s2:deploy.rollback")
	assert.NotContains(t, sender.sent, "s3:deploy")
}

func TestCanaryHealthCheckFailureRollsBackOnlyCanary(t *testing.T) {
	sender := newScriptedSender()
	sender.on("s1", "deploy", map[string]any{"success": true}, nil)
	sender.on("s1", "health.check", map[string]any{"healthy": false}, nil)

	o := New(sender)
	plan := o.Canary(context.Background(), []string{"s1", "s2", "s3"}, nil, 34)

	assert.Equal(t, types.DeployFailed, plan.Status)
	require.NotEmpty(t, plan.Errors)
	assert.Contains(t, plan.Errors[0], "Canary health check failed")

	assert.Contains(t, sender.sent, "s1:deploy.rollback")
	assert.NotContains(t, sender.sent, "s2:deploy")
	assert.NotContains(t, sender.sent, "s3:deploy")
}

func TestBlueGreenSuccessfulCutover(t *testing.T) {
	sender := newScriptedSender()
	o := New(sender)

	plan := o.BlueGreen(context.Background(), []string{"b1"}, []string{"g1", "g2"}, nil)

	assert.Equal(t, types.DeployCompleted, plan.Status)
	assert.Contains(t, sender.sent, "b1:traffic.drain")
	assert.Contains(t, sender.sent, "g1:traffic.accept")
	assert.Contains(t, sender.sent, "g2:traffic.accept")
}

func TestRollbackUnknownDeploymentFails(t *testing.T) {
	o := New(newScriptedSender())
	_, err := o.Rollback(context.Background(), "missing")
	assert.Error(t, err)
}

func TestRollbackSendsToEveryServerInPlan(t *testing.T) {
	sender := newScriptedSender()
	o := New(sender)
	plan := o.Rolling(context.Background(), []string{"s1", "s2"}, nil)
	require.Equal(t, types.DeployCompleted, plan.Status)

	rolled, err := o.Rollback(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeployRolledBack, rolled.Status)
	assert.Contains(t, sender.sent, "s1:deploy.rollback")
	assert.Contains(t, sender.sent, "s2:deploy.rollback")
}
