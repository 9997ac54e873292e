package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type flakyChecker struct {
	healthy atomic.Bool
}

func (f *flakyChecker) Check(ctx context.Context) Result {
	return Result{Healthy: f.healthy.Load(), CheckedAt: time.Now()}
}

func (f *flakyChecker) Type() CheckType { return CheckTypeScript }

func TestMonitorRemediatesAfterRetriesExceeded(t *testing.T) {
	checker := &flakyChecker{}
	checker.healthy.Store(false)

	remediated := make(chan string, 1)
	m := NewMonitor(func(processID int64, reason string) {
		remediated <- reason
	}, nil, nil)

	m.Register(1, checker, Config{Interval: 10 * time.Millisecond, Timeout: time.Second, Retries: 2})
	defer m.Unregister(1)

	select {
	case <-remediated:
	case <-time.After(2 * time.Second):
		t.Fatal("remediation never triggered")
	}
	if m.IsHealthy(1) {
		t.Fatal("expected process to be marked unhealthy")
	}
}

func TestMonitorRemediatesOnEveryThresholdCrossing(t *testing.T) {
	checker := &flakyChecker{}
	checker.healthy.Store(false)

	var hits atomic.Int32
	remediated := make(chan struct{}, 8)
	m := NewMonitor(func(processID int64, reason string) {
		hits.Add(1)
		remediated <- struct{}{}
	}, nil, nil)

	m.Register(1, checker, Config{Interval: 5 * time.Millisecond, Timeout: time.Second, Retries: 1})
	defer m.Unregister(1)

	// With Retries=1, every single failed probe crosses the threshold,
	// so remediation must fire repeatedly, not just on the first edge.
	for i := 0; i < 3; i++ {
		select {
		case <-remediated:
		case <-time.After(2 * time.Second):
			t.Fatalf("remediation only fired %d times, expected at least 3", i)
		}
	}
}

func TestMonitorCallsRestoreOnRecovery(t *testing.T) {
	checker := &flakyChecker{}
	checker.healthy.Store(false)

	restored := make(chan int64, 1)
	m := NewMonitor(func(processID int64, reason string) {}, func(processID int64) {
		restored <- processID
	}, nil)

	m.Register(1, checker, Config{Interval: 5 * time.Millisecond, Timeout: time.Second, Retries: 1})
	defer m.Unregister(1)

	time.Sleep(30 * time.Millisecond)
	checker.healthy.Store(true)

	select {
	case id := <-restored:
		if id != 1 {
			t.Fatalf("expected restore for process 1, got %d", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("restore never triggered")
	}
	if !m.IsHealthy(1) {
		t.Fatal("expected process to be marked healthy again")
	}
}

func TestMonitorSkipsProbeWhenNotRunning(t *testing.T) {
	checker := &flakyChecker{}
	checker.healthy.Store(false)

	var probes atomic.Int32
	probingChecker := &countingChecker{flakyChecker: checker, count: &probes}

	remediated := make(chan struct{}, 1)
	m := NewMonitor(func(processID int64, reason string) {
		select {
		case remediated <- struct{}{}:
		default:
		}
	}, nil, func(processID int64) bool { return false })

	m.Register(1, probingChecker, Config{Interval: 5 * time.Millisecond, Timeout: time.Second, Retries: 1})
	defer m.Unregister(1)

	time.Sleep(50 * time.Millisecond)

	if probes.Load() != 0 {
		t.Fatalf("expected no probes while not running, got %d", probes.Load())
	}
	select {
	case <-remediated:
		t.Fatal("remediation should not fire while the container isn't running")
	default:
	}
}

type countingChecker struct {
	*flakyChecker
	count *atomic.Int32
}

func (c *countingChecker) Check(ctx context.Context) Result {
	c.count.Add(1)
	return c.flakyChecker.Check(ctx)
}

func TestMonitorUnregisterStopsChecks(t *testing.T) {
	checker := &flakyChecker{}
	checker.healthy.Store(true)
	m := NewMonitor(nil, nil, nil)
	m.Register(1, checker, Config{Interval: 5 * time.Millisecond, Timeout: time.Second, Retries: 1})
	m.Unregister(1)

	if !m.IsHealthy(1) {
		t.Fatal("unregistered process should report healthy by default")
	}
}
