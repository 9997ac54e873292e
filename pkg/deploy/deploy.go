package deploy

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/sitharaj88/novapm/pkg/log"
	"github.com/sitharaj88/novapm/pkg/metrics"
	"github.com/sitharaj88/novapm/pkg/nperr"
	"github.com/sitharaj88/novapm/pkg/types"
)

const (
	commandTimeout   = 60 * time.Second
	rollingStepDelay = 5000 * time.Millisecond
	defaultCanaryPct = 10
)

// Sender is the subset of Controller the orchestrator drives every
// strategy through.
type Sender interface {
	SendCommand(ctx context.Context, agentID, command string, params map[string]any, timeout time.Duration) (any, error)
}

// Orchestrator is the Deployment Orchestrator (C10): it runs deployment
// plans against a Sender, keeping each plan's state in memory keyed by
// its ID.
type Orchestrator struct {
	sender Sender

	mu    sync.Mutex
	plans map[string]*types.DeploymentPlan
}

// New creates an Orchestrator driving commands through sender.
func New(sender Sender) *Orchestrator {
	return &Orchestrator{sender: sender, plans: make(map[string]*types.DeploymentPlan)}
}

func (o *Orchestrator) newPlan(strategy types.DeploymentStrategy, servers []string, config map[string]any, totalSteps int) *types.DeploymentPlan {
	plan := &types.DeploymentPlan{
		ID:         newPlanID(),
		Strategy:   strategy,
		Servers:    servers,
		Config:     config,
		Status:     types.DeployInProgress,
		TotalSteps: totalSteps,
		StartedAt:  time.Now(),
	}
	o.mu.Lock()
	o.plans[plan.ID] = plan
	o.mu.Unlock()
	return plan
}

func (o *Orchestrator) finish(plan *types.DeploymentPlan, status types.DeploymentStatus) {
	plan.Status = status
	plan.CompletedAt = time.Now()
	metrics.DeploymentsTotal.WithLabelValues(string(plan.Strategy), string(status)).Inc()
}

func (o *Orchestrator) deploy(ctx context.Context, server string, config map[string]any) error {
	res, err := o.sender.SendCommand(ctx, server, "deploy", config, commandTimeout)
	if err != nil {
		return err
	}
	if !successOf(res) {
		return fmt.Errorf("deploy to %s failed", server)
	}
	return nil
}

func (o *Orchestrator) healthCheck(ctx context.Context, server string) error {
	res, err := o.sender.SendCommand(ctx, server, "health.check", nil, commandTimeout)
	if err != nil {
		return err
	}
	if !healthyOf(res) {
		return fmt.Errorf("health check failed for %s", server)
	}
	return nil
}

func (o *Orchestrator) rollbackServers(ctx context.Context, plan *types.DeploymentPlan, servers []string) {
	for _, s := range servers {
		if _, err := o.sender.SendCommand(ctx, s, "deploy.rollback", map[string]any{"deploymentId": plan.ID}, commandTimeout); err != nil {
			plan.Errors = append(plan.Errors, fmt.Sprintf("rollback %s: %v", s, err))
		}
	}
}

// Rolling deploys to each server sequentially, health-gating between
// steps and rolling back everything already deployed on first failure.
func (o *Orchestrator) Rolling(ctx context.Context, servers []string, config map[string]any) *types.DeploymentPlan {
	timer := metrics.NewTimer()
	plan := o.newPlan(types.StrategyRolling, servers, config, len(servers))

	var succeeded []string
	for i, s := range servers {
		plan.CurrentStep = i + 1

		if err := o.deploy(ctx, s, config); err != nil {
			plan.Errors = append(plan.Errors, err.Error())
			o.rollbackServers(ctx, plan, succeeded)
			o.finish(plan, types.DeployFailed)
			timer.ObserveDurationVec(metrics.DeploymentDuration, string(plan.Strategy))
			return plan
		}
		if err := o.healthCheck(ctx, s); err != nil {
			plan.Errors = append(plan.Errors, err.Error())
			o.rollbackServers(ctx, plan, append(succeeded, s))
			o.finish(plan, types.DeployFailed)
			timer.ObserveDurationVec(metrics.DeploymentDuration, string(plan.Strategy))
			return plan
		}

		succeeded = append(succeeded, s)
		if i < len(servers)-1 {
			sleep(ctx, rollingStepDelay)
		}
	}

	o.finish(plan, types.DeployCompleted)
	timer.ObserveDurationVec(metrics.DeploymentDuration, string(plan.Strategy))
	return plan
}

// Canary deploys and health-checks a canary subset together, then
// rolls the remainder out sequentially without automatic rollback on
// phase-2 failures.
func (o *Orchestrator) Canary(ctx context.Context, servers []string, config map[string]any, percent int) *types.DeploymentPlan {
	if percent <= 0 {
		percent = defaultCanaryPct
	}
	timer := metrics.NewTimer()
	plan := o.newPlan(types.StrategyCanary, servers, config, len(servers))

	n := int(math.Max(1, math.Floor(float64(len(servers))*float64(percent)/100)))
	canary := servers[:n]
	rest := servers[n:]

	var errs *multierror.Error
	for _, s := range canary {
		if err := o.deploy(ctx, s, config); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if errs == nil {
		for _, s := range canary {
			if err := o.healthCheck(ctx, s); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("Canary health check failed: %w", err))
			}
		}
	}
	if errs != nil {
		plan.Errors = append(plan.Errors, errs.Error())
		o.rollbackServers(ctx, plan, canary)
		o.finish(plan, types.DeployFailed)
		timer.ObserveDurationVec(metrics.DeploymentDuration, string(plan.Strategy))
		return plan
	}
	plan.CurrentStep = len(canary)

	for i, s := range rest {
		plan.CurrentStep = len(canary) + i + 1
		if err := o.deploy(ctx, s, config); err != nil {
			plan.Errors = append(plan.Errors, err.Error())
			o.finish(plan, types.DeployFailed)
			timer.ObserveDurationVec(metrics.DeploymentDuration, string(plan.Strategy))
			return plan
		}
		if err := o.healthCheck(ctx, s); err != nil {
			plan.Errors = append(plan.Errors, err.Error())
			o.finish(plan, types.DeployFailed)
			timer.ObserveDurationVec(metrics.DeploymentDuration, string(plan.Strategy))
			return plan
		}
	}

	o.finish(plan, types.DeployCompleted)
	timer.ObserveDurationVec(metrics.DeploymentDuration, string(plan.Strategy))
	return plan
}

// BlueGreen deploys to green, health-gates it, then drains blue and
// accepts traffic on green.
func (o *Orchestrator) BlueGreen(ctx context.Context, blue, green []string, config map[string]any) *types.DeploymentPlan {
	timer := metrics.NewTimer()
	servers := append(append([]string{}, blue...), green...)
	plan := o.newPlan(types.StrategyBlueGreen, servers, config, len(green)+1)

	for i, s := range green {
		plan.CurrentStep = i + 1
		if err := o.deploy(ctx, s, config); err != nil {
			plan.Errors = append(plan.Errors, err.Error())
			o.rollbackServers(ctx, plan, green[:i])
			o.finish(plan, types.DeployFailed)
			timer.ObserveDurationVec(metrics.DeploymentDuration, string(plan.Strategy))
			return plan
		}
	}
	for _, s := range green {
		if err := o.healthCheck(ctx, s); err != nil {
			plan.Errors = append(plan.Errors, err.Error())
			o.rollbackServers(ctx, plan, green)
			o.finish(plan, types.DeployFailed)
			timer.ObserveDurationVec(metrics.DeploymentDuration, string(plan.Strategy))
			return plan
		}
	}

	for _, s := range blue {
		if _, err := o.sender.SendCommand(ctx, s, "traffic.drain", nil, commandTimeout); err != nil {
			log.Logger.Warn().Err(err).Str("server", s).Msg("drain blue during blue-green cutover")
		}
	}
	for _, s := range green {
		if _, err := o.sender.SendCommand(ctx, s, "traffic.accept", nil, commandTimeout); err != nil {
			plan.Errors = append(plan.Errors, fmt.Sprintf("accept traffic on %s: %v", s, err))
		}
	}

	plan.CurrentStep = plan.TotalSteps
	o.finish(plan, types.DeployCompleted)
	timer.ObserveDurationVec(metrics.DeploymentDuration, string(plan.Strategy))
	return plan
}

// Rollback sends deploy.rollback to every server in the plan's server
// list, in order, recording per-server failures.
func (o *Orchestrator) Rollback(ctx context.Context, id string) (*types.DeploymentPlan, error) {
	o.mu.Lock()
	plan, ok := o.plans[id]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("deployment %s: %w", id, nperr.ErrNotFound)
	}

	o.rollbackServers(ctx, plan, plan.Servers)
	plan.Status = types.DeployRolledBack
	plan.CompletedAt = time.Now()
	metrics.RolledBackDeploymentsTotal.WithLabelValues(string(plan.Strategy), "explicit").Inc()
	return plan, nil
}

// Get returns the plan registered under id.
func (o *Orchestrator) Get(id string) (*types.DeploymentPlan, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	plan, ok := o.plans[id]
	if !ok {
		return nil, fmt.Errorf("deployment %s: %w", id, nperr.ErrNotFound)
	}
	return plan, nil
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func successOf(res any) bool {
	m, ok := res.(map[string]any)
	if !ok {
		return true // commands with no structured payload are treated as success
	}
	v, ok := m["success"]
	if !ok {
		return true
	}
	b, _ := v.(bool)
	return b
}

func healthyOf(res any) bool {
	m, ok := res.(map[string]any)
	if !ok {
		return true
	}
	v, ok := m["healthy"]
	if !ok {
		return true
	}
	b, _ := v.(bool)
	return b
}

var (
	planSeq   uint64
	planSeqMu sync.Mutex
)

func newPlanID() string {
	planSeqMu.Lock()
	planSeq++
	n := planSeq
	planSeqMu.Unlock()
	return fmt.Sprintf("deploy-%d", n)
}
