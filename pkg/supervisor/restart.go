package supervisor

import (
	"context"
	"time"

	"github.com/sitharaj88/novapm/pkg/container"
	"github.com/sitharaj88/novapm/pkg/events"
	"github.com/sitharaj88/novapm/pkg/log"
	"github.com/sitharaj88/novapm/pkg/types"
)

// onExit is the Container ExitFunc for every supervised process. It
// records the exit, then applies the auto-restart policy.
func (s *Supervisor) onExit(id int64, info container.ExitInfo) {
	s.mu.Lock()
	c, ok := s.containers[id]
	def := s.defs[id]
	s.mu.Unlock()

	intentionallyStopped := ok && c.IntentionallyStopped()

	if info.Crashed {
		s.bus.Publish(events.TopicProcessCrash, "supervisor", id)
		s.store.Events().Insert(id, def.Name, types.EventCrash, map[string]any{"exit_code": info.ExitCode})
	} else {
		s.bus.Publish(events.TopicProcessExit, "supervisor", id)
		s.store.Events().Insert(id, def.Name, types.EventExit, map[string]any{"exit_code": info.ExitCode})
	}

	if intentionallyStopped {
		return
	}
	// Clean exits never trigger auto-restart, regardless of policy.
	if !info.Crashed {
		s.mu.Lock()
		delete(s.containers, id)
		s.mu.Unlock()
		s.store.Processes().UpdateStatus(id, types.StateStopped, nil)
		return
	}

	if !def.AutoRestart {
		s.mu.Lock()
		delete(s.containers, id)
		s.mu.Unlock()
		s.store.Processes().UpdateStatus(id, types.StateErrored, nil)
		return
	}

	rec, err := s.store.Processes().FindByID(id)
	if err != nil {
		return
	}
	if def.MaxRestarts == 0 || rec.Restarts >= def.MaxRestarts {
		s.mu.Lock()
		delete(s.containers, id)
		s.mu.Unlock()
		s.store.Processes().UpdateStatus(id, types.StateErrored, nil)
		return
	}

	s.store.Processes().UpdateStatus(id, types.StateWaitingRestart, nil)
	delay := backoffDelay(def, rec.Restarts)
	go s.scheduleRestart(id, delay)
}

// backoffDelay computes the wait before the (restarts+1)th restart
// attempt: restart_delay doubled once per consecutive crash, capped at
// exp_backoff_max_wait. The backoff is cumulative across consecutive
// crashes (resetting only when Restart resets the counter) — see
// DESIGN.md for why this reading was chosen over the
// alternative of resetting after every success.
func backoffDelay(def types.ProcessDefinition, restarts int) time.Duration {
	delay := def.RestartDelay
	if delay <= 0 {
		delay = time.Second
	}
	if def.ExpBackoffMaxWait <= 0 {
		return delay
	}
	for i := 0; i < restarts; i++ {
		delay *= 2
		if delay >= def.ExpBackoffMaxWait {
			return def.ExpBackoffMaxWait
		}
	}
	return delay
}

func (s *Supervisor) scheduleRestart(id int64, delay time.Duration) {
	time.Sleep(delay)

	s.mu.Lock()
	delete(s.containers, id)
	s.mu.Unlock()

	rec, err := s.store.Processes().FindByID(id)
	if err != nil {
		return
	}
	if err := s.store.Processes().IncrementRestarts(id); err != nil {
		log.Logger.Warn().Err(err).Int64("process_id", id).Msg("increment restart counter")
	}
	if _, err := s.spawn(context.Background(), rec.Definition); err != nil {
		log.Logger.Error().Err(err).Int64("process_id", id).Msg("auto-restart failed")
	}
}
