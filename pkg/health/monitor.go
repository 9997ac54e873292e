package health

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sitharaj88/novapm/pkg/types"
)

// Remediator is invoked every time a registered process crosses its
// failure threshold — once per threshold crossing, not just the first
// one. cmd/novapmd supplies one that records the failure and restarts
// the process through the Supervisor.
type Remediator func(processID int64, reason string)

// Restorer is invoked the first time a registered process succeeds a
// probe after being unhealthy.
type Restorer func(processID int64)

// RunningChecker reports whether processID currently has a running
// container. It is implemented by the Supervisor.
type RunningChecker func(processID int64) bool

type entry struct {
	checker Checker
	config  Config
	status  *Status
	cancel  context.CancelFunc
}

// Monitor schedules health checks for every registered process,
// calling Remediator on every failure-threshold crossing and Restorer
// on recovery.
type Monitor struct {
	remediate Remediator
	restore   Restorer
	isRunning RunningChecker

	mu      sync.Mutex
	entries map[int64]*entry
}

// NewMonitor creates a Monitor that calls remediate on each failure
// threshold crossing and restore on recovery, skipping probes for
// processes isRunning reports as not running.
func NewMonitor(remediate Remediator, restore Restorer, isRunning RunningChecker) *Monitor {
	return &Monitor{remediate: remediate, restore: restore, isRunning: isRunning, entries: make(map[int64]*entry)}
}

// NewCheckerFromConfig builds the right Checker for a process's
// HealthCheckConfig.
func NewCheckerFromConfig(cfg types.HealthCheckConfig) Checker {
	host, port, path := cfg.Host, cfg.Port, cfg.Path
	if host == "" {
		host = "127.0.0.1"
	}
	if port == 0 {
		port = 80
	}
	if path == "" {
		path = "/"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	switch cfg.Type {
	case "http":
		c := NewHTTPChecker("http://" + addr + path)
		if cfg.Timeout > 0 {
			c.Client.Timeout = cfg.Timeout
		}
		return c
	case "tcp":
		return NewTCPChecker(addr).WithTimeout(cfg.Timeout)
	case "script":
		return NewScriptChecker([]string{"sh", "-c", cfg.Script}).WithTimeout(cfg.Timeout)
	default:
		return nil
	}
}

// Register starts health checking processID using checker and cfg. A
// prior registration for the same process is stopped first.
func (m *Monitor) Register(processID int64, checker Checker, cfg Config) {
	m.Unregister(processID)
	if checker == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{checker: checker, config: cfg, status: NewStatus(), cancel: cancel}

	m.mu.Lock()
	m.entries[processID] = e
	m.mu.Unlock()

	go m.run(ctx, processID, e)
}

// Unregister stops health checking a process.
func (m *Monitor) Unregister(processID int64) {
	m.mu.Lock()
	e, ok := m.entries[processID]
	if ok {
		delete(m.entries, processID)
	}
	m.mu.Unlock()
	if ok {
		e.cancel()
	}
}

// IsHealthy reports a process's last known health, or true if it has
// no registered checker (unmonitored processes are never remediated).
func (m *Monitor) IsHealthy(processID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[processID]
	if !ok {
		return true
	}
	return e.status.Healthy
}

func (m *Monitor) run(ctx context.Context, processID int64, e *entry) {
	if e.config.StartPeriod > 0 {
		select {
		case <-time.After(e.config.StartPeriod):
		case <-ctx.Done():
			return
		}
	}

	interval := e.config.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.isRunning != nil && !m.isRunning(processID) {
				continue
			}

			checkCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
			result := e.checker.Check(checkCtx)
			cancel()

			becameUnhealthy, recovered := e.status.Update(result, e.config)

			if becameUnhealthy && m.remediate != nil {
				m.remediate(processID, result.Message)
			}
			if recovered && m.restore != nil {
				m.restore(processID)
			}
		}
	}
}
