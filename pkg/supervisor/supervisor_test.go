package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitharaj88/novapm/pkg/events"
	"github.com/sitharaj88/novapm/pkg/storage"
	"github.com/sitharaj88/novapm/pkg/types"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, events.NewBus())
}

func TestStartThenStopRemovesFromRegistry(t *testing.T) {
	s := newTestSupervisor(t)
	def := types.ProcessDefinition{Name: "app", Script: "sleep", Args: []string{"30"}, KillTimeout: time.Second}

	info, err := s.Start(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, types.StateOnline, info.State)

	require.NoError(t, s.Stop(context.Background(), "app", false))
	_, err = s.GetContainer("app")
	assert.Error(t, err)
}

func TestStartTwiceFailsWithAlreadyExists(t *testing.T) {
	s := newTestSupervisor(t)
	def := types.ProcessDefinition{Name: "app", Script: "sleep", Args: []string{"30"}, KillTimeout: time.Second}

	_, err := s.Start(context.Background(), def)
	require.NoError(t, err)
	defer s.Stop(context.Background(), "app", true)

	_, err = s.Start(context.Background(), def)
	assert.Error(t, err)
}

func TestCleanExitDoesNotAutoRestart(t *testing.T) {
	s := newTestSupervisor(t)
	def := types.ProcessDefinition{
		Name: "app", Script: "true", KillTimeout: time.Second,
		AutoRestart: true, MaxRestarts: 5, RestartDelay: 10 * time.Millisecond,
	}
	_, err := s.Start(context.Background(), def)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := s.GetContainer("app")
		return err != nil
	}, time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	_, err = s.GetContainer("app")
	assert.Error(t, err, "a clean exit must not be auto-restarted")
}

func TestBackoffDelayDoublesUntilCap(t *testing.T) {
	def := types.ProcessDefinition{RestartDelay: 100 * time.Millisecond, ExpBackoffMaxWait: time.Second}
	assert.Equal(t, 100*time.Millisecond, backoffDelay(def, 0))
	assert.Equal(t, 200*time.Millisecond, backoffDelay(def, 1))
	assert.Equal(t, 400*time.Millisecond, backoffDelay(def, 2))
	assert.Equal(t, time.Second, backoffDelay(def, 10))
}
