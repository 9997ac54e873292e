package metrics

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sync/errgroup"

	"github.com/sitharaj88/novapm/pkg/events"
	"github.com/sitharaj88/novapm/pkg/log"
	"github.com/sitharaj88/novapm/pkg/storage"
	"github.com/sitharaj88/novapm/pkg/types"
)

const (
	defaultInterval  = 5000 * time.Millisecond
	sampleConcurrency = 8
)

// PidSource supplies the current id->pid mapping of running processes
// and each one's uptime. Implemented by the Supervisor.
type PidSource interface {
	GetRunningPids() map[int64]int
	Uptime(processID int64) (time.Duration, bool)
}

type cpuSample struct {
	cpuTime float64
	at      time.Time
}

// Collector is the Metrics Collector (C5): a ticker-driven per-PID
// sampler that publishes metric:process and persists batches through
// the repository.
type Collector struct {
	pids     PidSource
	repo     storage.MetricsRepo
	bus      *events.Bus
	interval time.Duration

	mu     sync.Mutex
	latest map[int64]types.MetricSample
	prev   map[int64]cpuSample

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCollector creates a Collector sampling at interval (defaults to
// 5000ms when zero).
func NewCollector(pids PidSource, repo storage.MetricsRepo, bus *events.Bus, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Collector{
		pids:     pids,
		repo:     repo,
		bus:      bus,
		interval: interval,
		latest:   make(map[int64]types.MetricSample),
		prev:     make(map[int64]cpuSample),
	}
}

// Start begins the sampling loop. It returns immediately; call Stop to
// terminate it.
func (c *Collector) Start(ctx context.Context) {
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})

	go func() {
		defer close(c.doneCh)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.collect(ctx)
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the sampling loop and waits for it to exit.
func (c *Collector) Stop() {
	if c.stopCh == nil {
		return
	}
	close(c.stopCh)
	<-c.doneCh
}

func (c *Collector) collect(ctx context.Context) {
	pids := c.pids.GetRunningPids()
	if len(pids) == 0 {
		return
	}

	now := time.Now()
	var mu sync.Mutex
	samples := make([]types.MetricSample, 0, len(pids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sampleConcurrency)
	for id, pid := range pids {
		id, pid := id, pid
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			default:
			}
			sample, ok := c.sample(id, pid, now)
			if !ok {
				return nil
			}
			mu.Lock()
			samples = append(samples, sample)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(samples) == 0 {
		return
	}

	c.mu.Lock()
	for _, s := range samples {
		c.latest[s.ProcessID] = s
	}
	c.mu.Unlock()

	for _, s := range samples {
		ProcessCPUPercent.WithLabelValues(idLabel(s.ProcessID)).Set(s.CPUPercent)
		ProcessMemoryBytes.WithLabelValues(idLabel(s.ProcessID)).Set(float64(s.MemoryBytes))
		c.bus.Publish(events.TopicMetricProcess, "metrics", s)
	}

	if err := c.repo.InsertBatch(samples); err != nil {
		log.Logger.Warn().Err(err).Msg("persist metric batch")
	}
}

// sample queries procfs for one pid's current CPU time and RSS,
// converting the former into a percentage against the previous sample
// taken for the same process id. A process with no prior sample
// reports 0% on its first tick.
func (c *Collector) sample(id int64, pid int, now time.Time) (types.MetricSample, bool) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return types.MetricSample{}, false
	}
	stat, err := proc.Stat()
	if err != nil {
		return types.MetricSample{}, false
	}

	cpuTime := stat.CPUTime()
	memBytes := int64(stat.ResidentMemory())

	c.mu.Lock()
	prev, hadPrev := c.prev[id]
	c.prev[id] = cpuSample{cpuTime: cpuTime, at: now}
	c.mu.Unlock()

	var cpuPercent float64
	if hadPrev {
		if elapsed := now.Sub(prev.at).Seconds(); elapsed > 0 {
			cpuPercent = round2(((cpuTime - prev.cpuTime) / elapsed) * 100)
		}
	}

	var uptimeSecs int64
	if d, ok := c.pids.Uptime(id); ok {
		uptimeSecs = int64(d.Seconds())
	}

	return types.MetricSample{
		ProcessID:     id,
		Timestamp:     now.Unix(),
		CPUPercent:    cpuPercent,
		MemoryBytes:   memBytes,
		UptimeSeconds: uptimeSecs,
	}, true
}

// GetLatest returns the most recent in-memory sample for a process.
func (c *Collector) GetLatest(processID int64) (types.MetricSample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.latest[processID]
	return s, ok
}

// GetAllLatest returns a fresh copy of every process's latest sample.
func (c *Collector) GetAllLatest() map[int64]types.MetricSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int64]types.MetricSample, len(c.latest))
	for k, v := range c.latest {
		out[k] = v
	}
	return out
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
