package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitharaj88/novapm/pkg/nperr"
	"github.com/sitharaj88/novapm/pkg/types"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProcessCreateFindDelete(t *testing.T) {
	s := openTestStore(t)
	rec, err := s.Processes().Create("api", types.ProcessDefinition{Script: "node"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Definition.ID)

	got, err := s.Processes().FindByName("api")
	require.NoError(t, err)
	assert.Equal(t, rec.Definition.ID, got.Definition.ID)

	require.NoError(t, s.Processes().Delete(rec.Definition.ID))
	_, err = s.Processes().FindByID(rec.Definition.ID)
	assert.ErrorIs(t, err, nperr.ErrNotFound)
}

func TestProcessCreateRejectsDuplicateName(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Processes().Create("api", types.ProcessDefinition{Script: "node"})
	require.NoError(t, err)
	_, err = s.Processes().Create("api", types.ProcessDefinition{Script: "node"})
	assert.ErrorIs(t, err, nperr.ErrAlreadyExists)
}

func TestMetricsGetLatestReturnsMostRecentSample(t *testing.T) {
	s := openTestStore(t)
	rec, err := s.Processes().Create("api", types.ProcessDefinition{Script: "node"})
	require.NoError(t, err)

	for _, ts := range []int64{100, 200, 300} {
		require.NoError(t, s.Metrics().Insert(types.MetricSample{ProcessID: rec.Definition.ID, Timestamp: ts, CPUPercent: float64(ts)}))
	}

	latest, err := s.Metrics().GetLatest(rec.Definition.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), latest.Timestamp)
}

func TestEventInsertAndGetByProcess(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Events().Insert(1, "api", types.EventStart, nil))
	require.NoError(t, s.Events().Insert(1, "api", types.EventCrash, nil))
	require.NoError(t, s.Events().Insert(2, "worker", types.EventStart, nil))

	evs, err := s.Events().GetByProcess(1, 0)
	require.NoError(t, err)
	assert.Len(t, evs, 2)
}

func TestDeleteProcessCascadeRemovesMetricsAndEvents(t *testing.T) {
	s := openTestStore(t)
	rec, err := s.Processes().Create("api", types.ProcessDefinition{Script: "node"})
	require.NoError(t, err)
	require.NoError(t, s.Metrics().Insert(types.MetricSample{ProcessID: rec.Definition.ID, Timestamp: 1}))
	require.NoError(t, s.Events().Insert(rec.Definition.ID, "api", types.EventStart, nil))

	require.NoError(t, s.DeleteProcessCascade(rec.Definition.ID))

	_, err = s.Processes().FindByID(rec.Definition.ID)
	assert.ErrorIs(t, err, nperr.ErrNotFound)

	latest, err := s.Metrics().GetLatest(rec.Definition.ID)
	require.NoError(t, err)
	assert.Nil(t, latest)

	evs, err := s.Events().GetByProcess(rec.Definition.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, evs)
}
