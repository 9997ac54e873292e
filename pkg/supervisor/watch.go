package supervisor

import (
	"context"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sitharaj88/novapm/pkg/log"
	"github.com/sitharaj88/novapm/pkg/types"
)

// watcher restarts a process when any of its watch_paths change,
// debounced so a burst of edits triggers at most one restart.
type watcher struct {
	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
}

// startWatcher installs a watcher for def.WatchPaths, if any.
func (s *Supervisor) startWatcher(def types.ProcessDefinition) {
	if len(def.WatchPaths) == 0 {
		return
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Logger.Warn().Err(err).Str("process_name", def.Name).Msg("start file watcher")
		return
	}
	for _, p := range def.WatchPaths {
		if err := fsw.Add(p); err != nil {
			log.Logger.Warn().Err(err).Str("path", p).Msg("watch path")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &watcher{fsw: fsw, cancel: cancel}

	s.mu.Lock()
	s.watchers[def.ID] = w
	s.mu.Unlock()

	go s.runWatcher(ctx, def, w)
}

func (s *Supervisor) stopWatcher(id int64) {
	s.mu.Lock()
	w, ok := s.watchers[id]
	if ok {
		delete(s.watchers, id)
	}
	s.mu.Unlock()
	if ok {
		w.cancel()
		w.fsw.Close()
	}
}

func (s *Supervisor) runWatcher(ctx context.Context, def types.ProcessDefinition, w *watcher) {
	var debounce *time.Timer
	restart := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ignoredByGlob(ev.Name, def.IgnoreGlobs) {
				continue
			}
			if debounce == nil {
				debounce = time.AfterFunc(300*time.Millisecond, func() {
					select {
					case restart <- struct{}{}:
					default:
					}
				})
			} else {
				debounce.Reset(300 * time.Millisecond)
			}
		case <-w.fsw.Errors:
		case <-restart:
			id := strconv.FormatInt(def.ID, 10)
			if _, err := s.Restart(context.Background(), id); err != nil {
				log.Logger.Warn().Err(err).Str("process_name", def.Name).Msg("watch-triggered restart")
			}
		}
	}
}

func ignoredByGlob(path string, globs []string) bool {
	for _, g := range globs {
		if ok, _ := filepath.Match(g, filepath.Base(path)); ok {
			return true
		}
	}
	return false
}
