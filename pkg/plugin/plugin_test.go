package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitharaj88/novapm/pkg/nperr"
	"github.com/sitharaj88/novapm/pkg/supervisor"
	"github.com/sitharaj88/novapm/pkg/types"
)

type fakeSupervisor struct{}

func (fakeSupervisor) List() ([]supervisor.Info, error)        { return nil, nil }
func (fakeSupervisor) GetInfo(string) (supervisor.Info, error) { return supervisor.Info{}, nil }

type stubPlugin struct {
	name      string
	initErr   error
	destroyErr error
	inits     int
	destroys  int
}

func (p *stubPlugin) Name() string    { return p.name }
func (p *stubPlugin) Version() string { return "1.0.0" }

func (p *stubPlugin) OnInit(ctx *Context) error {
	p.inits++
	return p.initErr
}

func (p *stubPlugin) OnDestroy() error {
	p.destroys++
	return p.destroyErr
}

type startHookPlugin struct {
	stubPlugin
	err  error
	seen []types.ProcessEvent
}

func (p *startHookPlugin) OnProcessStart(ev types.ProcessEvent) error {
	p.seen = append(p.seen, ev)
	return p.err
}

func newHost(t *testing.T) *Host {
	t.Helper()
	return New(fakeSupervisor{}, t.TempDir())
}

func TestRegisterRefusesDuplicateName(t *testing.T) {
	h := newHost(t)
	require.NoError(t, h.Register(context.Background(), &stubPlugin{name: "p1"}, nil))

	err := h.Register(context.Background(), &stubPlugin{name: "p1"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, nperr.ErrAlreadyExists))
}

func TestRegisterFailedOnInitIsNotRegistered(t *testing.T) {
	h := newHost(t)
	p := &stubPlugin{name: "bad", initErr: errors.New("boom")}

	err := h.Register(context.Background(), p, nil)
	require.Error(t, err)
	assert.Equal(t, 1, p.inits)

	_, _, statusErr := h.Status("bad")
	assert.True(t, errors.Is(statusErr, nperr.ErrNotFound))
}

func TestRegisterPassesConfigAndSupervisorThroughContext(t *testing.T) {
	h := newHost(t)
	p := &stubPlugin{name: "p1"}
	cfg := map[string]any{"interval": 5}

	require.NoError(t, h.Register(context.Background(), p, cfg))
	status, errCount, err := h.Status("p1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, status)
	assert.Equal(t, 0, errCount)
}

func TestDispatchSuccessResetsErrorCount(t *testing.T) {
	h := newHost(t)
	p := &startHookPlugin{stubPlugin: stubPlugin{name: "p1"}}
	require.NoError(t, h.Register(context.Background(), p, nil))

	h.ProcessStart(types.ProcessEvent{ProcessID: 1})
	require.Len(t, p.seen, 1)

	_, errCount, err := h.Status("p1")
	require.NoError(t, err)
	assert.Equal(t, 0, errCount)
}

func TestDispatchDisablesPluginOnFifthConsecutiveError(t *testing.T) {
	h := newHost(t)
	p := &startHookPlugin{stubPlugin: stubPlugin{name: "flaky"}, err: errors.New("fail")}
	require.NoError(t, h.Register(context.Background(), p, nil))

	for i := 0; i < defaultMaxConsecutiveErrors-1; i++ {
		h.ProcessStart(types.ProcessEvent{})
		status, errCount, err := h.Status("flaky")
		require.NoError(t, err)
		assert.Equal(t, StatusActive, status)
		assert.Equal(t, i+1, errCount)
	}

	h.ProcessStart(types.ProcessEvent{})
	status, errCount, err := h.Status("flaky")
	require.NoError(t, err)
	assert.Equal(t, StatusDisabled, status)
	assert.Equal(t, defaultMaxConsecutiveErrors, errCount)

	// A disabled plugin no longer receives dispatched hooks.
	seenBefore := len(p.seen)
	h.ProcessStart(types.ProcessEvent{})
	assert.Len(t, p.seen, seenBefore)
}

func TestEnablePluginResetsStatusAndErrorCount(t *testing.T) {
	h := newHost(t)
	p := &startHookPlugin{stubPlugin: stubPlugin{name: "flaky"}, err: errors.New("fail")}
	require.NoError(t, h.Register(context.Background(), p, nil))

	for i := 0; i < defaultMaxConsecutiveErrors; i++ {
		h.ProcessStart(types.ProcessEvent{})
	}
	status, _, err := h.Status("flaky")
	require.NoError(t, err)
	require.Equal(t, StatusDisabled, status)

	require.NoError(t, h.EnablePlugin("flaky"))
	status, errCount, err := h.Status("flaky")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, status)
	assert.Equal(t, 0, errCount)
}

func TestEnablePluginUnknownNameReturnsNotFound(t *testing.T) {
	h := newHost(t)
	err := h.EnablePlugin("nope")
	assert.True(t, errors.Is(err, nperr.ErrNotFound))
}

func TestHooksWithoutMatchingInterfaceAreNoOps(t *testing.T) {
	h := newHost(t)
	p := &stubPlugin{name: "plain"}
	require.NoError(t, h.Register(context.Background(), p, nil))

	assert.NotPanics(t, func() {
		h.ProcessStart(types.ProcessEvent{})
		h.MetricsCollected(types.MetricSample{})
		h.LogEntry(types.LogEntry{})
		h.HealthCheckFail(1, "timeout")
		h.ConfigChange("/etc/novapm.yaml")
	})

	status, errCount, err := h.Status("plain")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, status)
	assert.Equal(t, 0, errCount)
}

func TestShutdownCallsOnDestroyAndToleratesFailureThenClearsRegistry(t *testing.T) {
	h := newHost(t)
	ok := &stubPlugin{name: "ok"}
	bad := &stubPlugin{name: "bad", destroyErr: errors.New("destroy failed")}
	require.NoError(t, h.Register(context.Background(), ok, nil))
	require.NoError(t, h.Register(context.Background(), bad, nil))

	assert.NotPanics(t, h.Shutdown)

	assert.Equal(t, 1, ok.destroys)
	assert.Equal(t, 1, bad.destroys)

	_, _, err := h.Status("ok")
	assert.True(t, errors.Is(err, nperr.ErrNotFound))
}
