package metrics

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitharaj88/novapm/pkg/events"
	"github.com/sitharaj88/novapm/pkg/storage"
)

type fakePidSource struct {
	pids map[int64]int
}

func (f *fakePidSource) GetRunningPids() map[int64]int { return f.pids }
func (f *fakePidSource) Uptime(int64) (time.Duration, bool) {
	return 42 * time.Second, true
}

func TestCollectorSamplesRunningProcessAndPersistsBatch(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	src := &fakePidSource{pids: map[int64]int{1: os.Getpid()}}
	c := NewCollector(src, store.Metrics(), events.NewBus(), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	assert.Eventually(t, func() bool {
		_, ok := c.GetLatest(1)
		return ok
	}, time.Second, 10*time.Millisecond)

	sample, ok := c.GetLatest(1)
	require.True(t, ok)
	assert.Equal(t, int64(1), sample.ProcessID)
	assert.Greater(t, sample.MemoryBytes, int64(0))
	assert.Equal(t, int64(42), sample.UptimeSeconds)

	latest, err := store.Metrics().GetLatest(1)
	require.NoError(t, err)
	assert.Equal(t, sample.Timestamp, latest.Timestamp)
}

func TestCollectorSkipsWhenNoRunningProcesses(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	src := &fakePidSource{pids: map[int64]int{}}
	c := NewCollector(src, store.Metrics(), events.NewBus(), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, c.GetAllLatest())
}

func TestCollectorIgnoresUnsampleablePid(t *testing.T) {
	src := &fakePidSource{pids: map[int64]int{99: 999999999}}
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c := NewCollector(src, store.Metrics(), events.NewBus(), time.Hour)
	c.collect(context.Background())

	assert.Empty(t, c.GetAllLatest())
}
