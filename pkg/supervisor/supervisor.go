// Package supervisor implements the Supervisor (C3): the registry of
// running Containers, identifier resolution, the public start/stop/
// restart/delete surface, and the auto-restart policy that reacts to
// container exits.
package supervisor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sitharaj88/novapm/pkg/container"
	"github.com/sitharaj88/novapm/pkg/events"
	"github.com/sitharaj88/novapm/pkg/log"
	"github.com/sitharaj88/novapm/pkg/nperr"
	"github.com/sitharaj88/novapm/pkg/storage"
	"github.com/sitharaj88/novapm/pkg/types"
)

// LogSink receives one output chunk from a supervised process. It is
// implemented by the Log Aggregator.
type LogSink interface {
	Write(processID int64, processName string, stream types.LogStream, chunk []byte)
}

// Supervisor owns every running Container. No other component may
// mutate the registry directly.
type Supervisor struct {
	store storage.Store
	bus   *events.Bus

	mu         sync.Mutex
	containers map[int64]*container.Container
	defs       map[int64]types.ProcessDefinition
	watchers   map[int64]*watcher

	logSink LogSink
}

// New creates a Supervisor backed by store and publishing lifecycle
// events on bus.
func New(store storage.Store, bus *events.Bus) *Supervisor {
	return &Supervisor{
		store:      store,
		bus:        bus,
		containers: make(map[int64]*container.Container),
		defs:       make(map[int64]types.ProcessDefinition),
		watchers:   make(map[int64]*watcher),
	}
}

// SetLogAggregator installs the sink that receives every container's
// output chunks.
func (s *Supervisor) SetLogAggregator(sink LogSink) {
	s.mu.Lock()
	s.logSink = sink
	s.mu.Unlock()
}

// Info is the public, read-only view of one supervised process.
type Info struct {
	Definition types.ProcessDefinition
	State      types.ContainerState
	PID        int
	Restarts   int
}

// resolve maps a numeric ID, numeric-looking name, or plain name to a
// definition ID. ID lookup wins; a numeric string only falls back to
// name lookup when no such ID exists.
func (s *Supervisor) resolve(idOrName string) (int64, error) {
	if n, err := strconv.ParseInt(idOrName, 10, 64); err == nil {
		s.mu.Lock()
		_, ok := s.defs[n]
		s.mu.Unlock()
		if ok {
			return n, nil
		}
	}
	rec, err := s.store.Processes().FindByName(idOrName)
	if err != nil {
		return 0, err
	}
	return rec.Definition.ID, nil
}

// Start creates (or reuses) a definition named def.Name and spawns its
// Container. It fails with ProcessAlreadyExists if a container for
// that name is already registered.
func (s *Supervisor) Start(ctx context.Context, def types.ProcessDefinition) (Info, error) {
	rec, err := s.store.Processes().FindByName(def.Name)
	switch {
	case err == nil:
		def.ID = rec.Definition.ID
		if err := s.store.Processes().UpdateConfig(def.ID, def); err != nil {
			return Info{}, err
		}
	default:
		rec, err = s.store.Processes().Create(def.Name, def)
		if err != nil {
			return Info{}, err
		}
		def.ID = rec.Definition.ID
	}

	s.mu.Lock()
	if _, exists := s.containers[def.ID]; exists {
		s.mu.Unlock()
		return Info{}, fmt.Errorf("process %q: %w", def.Name, nperr.ErrAlreadyExists)
	}
	s.mu.Unlock()

	return s.spawn(ctx, def)
}

func (s *Supervisor) spawn(ctx context.Context, def types.ProcessDefinition) (Info, error) {
	logger := log.WithProcess(def.ID, def.Name)

	c := container.New(def, func(info container.ExitInfo) {
		s.onExit(def.ID, info)
	}, func(stream types.LogStream, chunk []byte) {
		s.mu.Lock()
		sink := s.logSink
		s.mu.Unlock()
		if sink != nil {
			sink.Write(def.ID, def.Name, stream, chunk)
		}
	})

	if err := c.Start(ctx); err != nil {
		s.store.Processes().UpdateStatus(def.ID, types.StateErrored, nil)
		return Info{}, err
	}

	s.mu.Lock()
	s.containers[def.ID] = c
	s.defs[def.ID] = def
	s.mu.Unlock()

	pid := c.PID()
	if err := s.store.Processes().UpdateStarted(def.ID, pid); err != nil {
		logger.Warn().Err(err).Msg("persist started state")
	}
	s.bus.Publish(events.TopicProcessStart, "supervisor", def)
	s.store.Events().Insert(def.ID, def.Name, types.EventStart, nil)

	s.startWatcher(def)

	return Info{Definition: def, State: c.State(), PID: pid}, nil
}

// Stop gracefully shuts down a process, marking it intentionally
// stopped first so the exit handler skips auto-restart.
func (s *Supervisor) Stop(ctx context.Context, idOrName string, force bool) error {
	id, err := s.resolve(idOrName)
	if err != nil {
		return err
	}
	s.mu.Lock()
	c, ok := s.containers[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("process %s: %w", idOrName, nperr.ErrNotRunning)
	}

	c.MarkIntentionallyStopped()
	s.stopWatcher(id)
	if _, err := c.Stop(ctx, force); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.containers, id)
	s.mu.Unlock()

	s.store.Processes().UpdateStatus(id, types.StateStopped, nil)
	s.bus.Publish(events.TopicProcessStop, "supervisor", id)
	s.store.Events().Insert(id, s.nameOf(id), types.EventStop, map[string]any{"force": force})
	return nil
}

// Restart stops then starts the same definition, resetting the
// restart counter.
func (s *Supervisor) Restart(ctx context.Context, idOrName string) (Info, error) {
	id, err := s.resolve(idOrName)
	if err != nil {
		return Info{}, err
	}
	if err := s.Stop(ctx, idOrName, false); err != nil && nperr.ClassifyOf(err) != nperr.NotRunning {
		return Info{}, err
	}

	rec, err := s.store.Processes().FindByID(id)
	if err != nil {
		return Info{}, err
	}
	if err := s.store.Processes().ResetRestarts(id); err != nil {
		return Info{}, err
	}

	info, err := s.spawn(ctx, rec.Definition)
	if err != nil {
		return Info{}, err
	}
	s.bus.Publish(events.TopicProcessRestart, "supervisor", id)
	s.store.Events().Insert(id, rec.Definition.Name, types.EventRestart, nil)
	return info, nil
}

// Delete force-stops a process and removes its persisted definition.
func (s *Supervisor) Delete(ctx context.Context, idOrName string) error {
	id, err := s.resolve(idOrName)
	if err != nil {
		return err
	}
	if err := s.Stop(ctx, idOrName, true); err != nil && nperr.ClassifyOf(err) != nperr.NotRunning {
		return err
	}
	return s.store.DeleteProcessCascade(id)
}

// List returns an Info for every registered process.
func (s *Supervisor) List() ([]Info, error) {
	recs, err := s.store.Processes().FindAll()
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(recs))
	for _, rec := range recs {
		out = append(out, s.infoFromRecord(rec))
	}
	return out, nil
}

// GetInfo resolves idOrName and returns its current Info.
func (s *Supervisor) GetInfo(idOrName string) (Info, error) {
	id, err := s.resolve(idOrName)
	if err != nil {
		return Info{}, err
	}
	rec, err := s.store.Processes().FindByID(id)
	if err != nil {
		return Info{}, err
	}
	return s.infoFromRecord(rec), nil
}

func (s *Supervisor) infoFromRecord(rec storage.ProcessRecord) Info {
	s.mu.Lock()
	c, ok := s.containers[rec.Definition.ID]
	s.mu.Unlock()
	if !ok {
		return Info{Definition: rec.Definition, State: rec.Status, PID: rec.PID, Restarts: rec.Restarts}
	}
	return Info{Definition: rec.Definition, State: c.State(), PID: c.PID(), Restarts: rec.Restarts}
}

// StopAll gracefully stops every running process.
func (s *Supervisor) StopAll(ctx context.Context, force bool) error {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.containers))
	for id := range s.containers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Stop(ctx, strconv.FormatInt(id, 10), force); err != nil {
			log.Logger.Warn().Err(err).Int64("process_id", id).Msg("stop during stopAll")
		}
	}
	return nil
}

// RestartAll restarts every registered process.
func (s *Supervisor) RestartAll(ctx context.Context) error {
	recs, err := s.store.Processes().FindAll()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if _, err := s.Restart(ctx, strconv.FormatInt(rec.Definition.ID, 10)); err != nil {
			log.Logger.Warn().Err(err).Str("process_name", rec.Definition.Name).Msg("restart during restartAll")
		}
	}
	return nil
}

// DeleteAll force-stops and deletes every registered process.
func (s *Supervisor) DeleteAll(ctx context.Context) error {
	if err := s.StopAll(ctx, true); err != nil {
		return err
	}
	return s.store.Processes().DeleteAll()
}

// GetRunningPids returns the id→pid mapping for every process whose
// Container is currently online.
func (s *Supervisor) GetRunningPids() map[int64]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]int, len(s.containers))
	for id, c := range s.containers {
		if c.State() == types.StateOnline {
			out[id] = c.PID()
		}
	}
	return out
}

// IsRunning reports whether processID currently has an online
// container. Used by the Health Monitor to skip probing a process
// that isn't running (mid-restart, intentionally stopped, never
// started).
func (s *Supervisor) IsRunning(processID int64) bool {
	s.mu.Lock()
	c, ok := s.containers[processID]
	s.mu.Unlock()
	return ok && c.State() == types.StateOnline
}

// Snapshot returns a ProcessSnapshot for every registered process,
// suitable for reporting in an agent heartbeat.
func (s *Supervisor) Snapshot() []types.ProcessSnapshot {
	infos, err := s.List()
	if err != nil {
		return nil
	}
	out := make([]types.ProcessSnapshot, 0, len(infos))
	for _, info := range infos {
		out = append(out, types.ProcessSnapshot{
			ProcessID: info.Definition.ID,
			Name:      info.Definition.Name,
			State:     info.State,
			PID:       info.PID,
			Restarts:  info.Restarts,
		})
	}
	return out
}

// Uptime returns how long the container registered under id has been
// running, and whether one is currently registered.
func (s *Supervisor) Uptime(id int64) (time.Duration, bool) {
	s.mu.Lock()
	c, ok := s.containers[id]
	s.mu.Unlock()
	if !ok {
		return 0, false
	}
	return c.Uptime(), true
}

// GetContainer returns the live Container for idOrName, if any.
func (s *Supervisor) GetContainer(idOrName string) (*container.Container, error) {
	id, err := s.resolve(idOrName)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[id]
	if !ok {
		return nil, fmt.Errorf("process %s: %w", idOrName, nperr.ErrNotRunning)
	}
	return c, nil
}

// RestoreFromDb starts every definition persisted with status "online"
// from a prior run, used on daemon startup after an unclean exit.
func (s *Supervisor) RestoreFromDb(ctx context.Context) error {
	recs, err := s.store.Processes().FindAll()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.Status != types.StateOnline {
			continue
		}
		if _, err := s.spawn(ctx, rec.Definition); err != nil {
			log.Logger.Error().Err(err).Str("process_name", rec.Definition.Name).Msg("restore process")
		}
	}
	return nil
}

func (s *Supervisor) nameOf(id int64) string {
	s.mu.Lock()
	def, ok := s.defs[id]
	s.mu.Unlock()
	if ok {
		return def.Name
	}
	rec, err := s.store.Processes().FindByID(id)
	if err != nil {
		return ""
	}
	return rec.Definition.Name
}
