// Package plugin implements the Plugin Host (C12): a registry of
// loaded plugins, lifecycle-hook dispatch with per-plugin error-budget
// auto-disable, and a scoped context over the Supervisor and a
// per-plugin persistent key/value store.
package plugin

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sitharaj88/novapm/pkg/log"
	"github.com/sitharaj88/novapm/pkg/nperr"
	"github.com/sitharaj88/novapm/pkg/supervisor"
	"github.com/sitharaj88/novapm/pkg/types"
)

const defaultMaxConsecutiveErrors = 5

// Plugin is the minimal identity every plugin must expose.
type Plugin interface {
	Name() string
	Version() string
}

// Initializer plugins run setup logic before being registered; a
// failing OnInit means the plugin is never added to the registry.
type Initializer interface {
	OnInit(ctx *Context) error
}

// Destroyer plugins run teardown logic on host shutdown.
type Destroyer interface {
	OnDestroy() error
}

// Lifecycle hook interfaces. A plugin opts into a hook simply by
// implementing the corresponding interface; the host type-asserts for
// each before invoking it, so a plugin only needs to implement the
// hooks it cares about.
type (
	ProcessStartHook   interface{ OnProcessStart(types.ProcessEvent) error }
	ProcessStopHook    interface{ OnProcessStop(types.ProcessEvent) error }
	ProcessRestartHook interface{ OnProcessRestart(types.ProcessEvent) error }
	ProcessCrashHook   interface{ OnProcessCrash(types.ProcessEvent) error }
	ProcessExitHook    interface{ OnProcessExit(types.ProcessEvent) error }

	MetricsCollectedHook   interface{ OnMetricsCollected(types.MetricSample) error }
	SystemMetricsHook      interface{ OnSystemMetrics([]types.MetricSample) error }
	LogEntryHook           interface{ OnLogEntry(types.LogEntry) error }
	HealthCheckFailHook    interface{ OnHealthCheckFail(processID int64, reason string) error }
	HealthCheckRestoreHook interface{ OnHealthCheckRestore(processID int64) error }
	ConfigChangeHook       interface{ OnConfigChange(path string) error }
)

// Status is a plugin's current registration state.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

// Supervisor is the read-mostly subset of pkg/supervisor.Supervisor
// exposed to plugins through their Context.
type Supervisor interface {
	List() ([]supervisor.Info, error)
	GetInfo(idOrName string) (supervisor.Info, error)
}

// Context is passed to OnInit and made available to every plugin for
// the lifetime of its registration.
type Context struct {
	Config     map[string]any
	Logger     zerolog.Logger
	Supervisor Supervisor
	Storage    *Storage
}

type registration struct {
	plugin     Plugin
	ctx        *Context
	status     Status
	errorCount int
}

// Host is the Plugin Host (C12).
type Host struct {
	mu                   sync.Mutex
	order                []string
	plugins              map[string]*registration
	maxConsecutiveErrors int

	supervisor Supervisor
	storageDir string
}

// New creates a Host whose plugins see sv through their Context and
// persist state under storageDir/<sanitized-plugin-name>/storage.json.
func New(sv Supervisor, storageDir string) *Host {
	return &Host{
		plugins:              make(map[string]*registration),
		maxConsecutiveErrors: defaultMaxConsecutiveErrors,
		supervisor:           sv,
		storageDir:           storageDir,
	}
}

// Register loads p: builds its Context, calls OnInit if it implements
// Initializer, and only adds it to the registry on success. Duplicate
// names are refused.
func (h *Host) Register(ctx context.Context, p Plugin, config map[string]any) error {
	h.mu.Lock()
	if _, exists := h.plugins[p.Name()]; exists {
		h.mu.Unlock()
		return fmt.Errorf("plugin %q: %w", p.Name(), nperr.ErrAlreadyExists)
	}
	h.mu.Unlock()

	if config == nil {
		config = map[string]any{}
	}
	pluginCtx := &Context{
		Config:     config,
		Logger:     log.Logger.With().Str("plugin", p.Name()).Logger(),
		Supervisor: h.supervisor,
		Storage:    newStorage(h.storageDir, p.Name()),
	}

	if init, ok := p.(Initializer); ok {
		if err := init.OnInit(pluginCtx); err != nil {
			return fmt.Errorf("plugin %q init: %w", p.Name(), err)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.plugins[p.Name()] = &registration{plugin: p, ctx: pluginCtx, status: StatusActive}
	h.order = append(h.order, p.Name())
	return nil
}

// EnablePlugin resets name's status to active and its error count to
// zero. Unknown names fail with ErrNotFound.
func (h *Host) EnablePlugin(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	reg, ok := h.plugins[name]
	if !ok {
		return fmt.Errorf("plugin %q: %w", name, nperr.ErrNotFound)
	}
	reg.status = StatusActive
	reg.errorCount = 0
	return nil
}

// Status returns name's current status and error count.
func (h *Host) Status(name string) (Status, int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	reg, ok := h.plugins[name]
	if !ok {
		return "", 0, fmt.Errorf("plugin %q: %w", name, nperr.ErrNotFound)
	}
	return reg.status, reg.errorCount, nil
}

// activeSnapshot returns the currently-active registrations in
// registration order, without holding the lock during dispatch.
func (h *Host) activeSnapshot() []*registration {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*registration, 0, len(h.order))
	for _, name := range h.order {
		if reg := h.plugins[name]; reg.status == StatusActive {
			out = append(out, reg)
		}
	}
	return out
}

// dispatch invokes fn for every active plugin in registration order.
// A successful call resets that plugin's error count; a failing call
// increments it and disables the plugin once it reaches
// maxConsecutiveErrors. Failures are isolated per plugin and never
// propagate to the caller.
func (h *Host) dispatch(hook string, fn func(Plugin) error) {
	for _, reg := range h.activeSnapshot() {
		err := fn(reg.plugin)

		h.mu.Lock()
		if err != nil {
			reg.errorCount++
			log.Logger.Warn().Err(err).Str("plugin", reg.plugin.Name()).Str("hook", hook).Int("error_count", reg.errorCount).Msg("plugin hook failed")
			if reg.errorCount >= h.maxConsecutiveErrors {
				reg.status = StatusDisabled
				log.Logger.Error().Str("plugin", reg.plugin.Name()).Msg("plugin disabled after consecutive errors")
			}
		} else {
			reg.errorCount = 0
		}
		h.mu.Unlock()
	}
}

// Shutdown calls OnDestroy on every loaded plugin, tolerating
// failures, then clears the registry.
func (h *Host) Shutdown() {
	h.mu.Lock()
	regs := make([]*registration, 0, len(h.order))
	for _, name := range h.order {
		regs = append(regs, h.plugins[name])
	}
	h.mu.Unlock()

	for _, reg := range regs {
		if d, ok := reg.plugin.(Destroyer); ok {
			if err := d.OnDestroy(); err != nil {
				log.Logger.Warn().Err(err).Str("plugin", reg.plugin.Name()).Msg("plugin destroy failed")
			}
		}
	}

	h.mu.Lock()
	h.plugins = make(map[string]*registration)
	h.order = nil
	h.mu.Unlock()
}

// The ProcessStart/.../ConfigChange methods below are the hook entry
// points the rest of the daemon calls; each dispatches only to
// plugins implementing the matching optional interface.

func (h *Host) ProcessStart(ev types.ProcessEvent) {
	h.dispatch("onProcessStart", func(p Plugin) error {
		if hook, ok := p.(ProcessStartHook); ok {
			return hook.OnProcessStart(ev)
		}
		return nil
	})
}

func (h *Host) ProcessStop(ev types.ProcessEvent) {
	h.dispatch("onProcessStop", func(p Plugin) error {
		if hook, ok := p.(ProcessStopHook); ok {
			return hook.OnProcessStop(ev)
		}
		return nil
	})
}

func (h *Host) ProcessRestart(ev types.ProcessEvent) {
	h.dispatch("onProcessRestart", func(p Plugin) error {
		if hook, ok := p.(ProcessRestartHook); ok {
			return hook.OnProcessRestart(ev)
		}
		return nil
	})
}

func (h *Host) ProcessCrash(ev types.ProcessEvent) {
	h.dispatch("onProcessCrash", func(p Plugin) error {
		if hook, ok := p.(ProcessCrashHook); ok {
			return hook.OnProcessCrash(ev)
		}
		return nil
	})
}

func (h *Host) ProcessExit(ev types.ProcessEvent) {
	h.dispatch("onProcessExit", func(p Plugin) error {
		if hook, ok := p.(ProcessExitHook); ok {
			return hook.OnProcessExit(ev)
		}
		return nil
	})
}

func (h *Host) MetricsCollected(sample types.MetricSample) {
	h.dispatch("onMetricsCollected", func(p Plugin) error {
		if hook, ok := p.(MetricsCollectedHook); ok {
			return hook.OnMetricsCollected(sample)
		}
		return nil
	})
}

func (h *Host) SystemMetrics(samples []types.MetricSample) {
	h.dispatch("onSystemMetrics", func(p Plugin) error {
		if hook, ok := p.(SystemMetricsHook); ok {
			return hook.OnSystemMetrics(samples)
		}
		return nil
	})
}

func (h *Host) LogEntry(entry types.LogEntry) {
	h.dispatch("onLogEntry", func(p Plugin) error {
		if hook, ok := p.(LogEntryHook); ok {
			return hook.OnLogEntry(entry)
		}
		return nil
	})
}

func (h *Host) HealthCheckFail(processID int64, reason string) {
	h.dispatch("onHealthCheckFail", func(p Plugin) error {
		if hook, ok := p.(HealthCheckFailHook); ok {
			return hook.OnHealthCheckFail(processID, reason)
		}
		return nil
	})
}

func (h *Host) HealthCheckRestore(processID int64) {
	h.dispatch("onHealthCheckRestore", func(p Plugin) error {
		if hook, ok := p.(HealthCheckRestoreHook); ok {
			return hook.OnHealthCheckRestore(processID)
		}
		return nil
	})
}

func (h *Host) ConfigChange(path string) {
	h.dispatch("onConfigChange", func(p Plugin) error {
		if hook, ok := p.(ConfigChangeHook); ok {
			return hook.OnConfigChange(path)
		}
		return nil
	})
}
