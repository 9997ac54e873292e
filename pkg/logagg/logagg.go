// Package logagg implements the Log Aggregator (C4) and its Rotator
// (C4b): a capped in-memory ring buffer per process plus a pair of
// on-disk sinks, with size-triggered rotation and optional gzip
// compression of rotated files.
package logagg

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sitharaj88/novapm/pkg/events"
	"github.com/sitharaj88/novapm/pkg/log"
	"github.com/sitharaj88/novapm/pkg/types"
)

const ringCapacity = 1000

type ring struct {
	entries []types.LogEntry
	next    int
	full    bool
}

func (r *ring) push(e types.LogEntry) {
	if len(r.entries) < ringCapacity {
		r.entries = append(r.entries, e)
		return
	}
	r.entries[r.next] = e
	r.next = (r.next + 1) % ringCapacity
	r.full = true
}

func (r *ring) ordered() []types.LogEntry {
	if !r.full {
		out := make([]types.LogEntry, len(r.entries))
		copy(out, r.entries)
		return out
	}
	out := make([]types.LogEntry, 0, ringCapacity)
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}

type sinks struct {
	outFile *os.File
	outW    *bufio.Writer
	errFile *os.File
	errW    *bufio.Writer
}

// Aggregator is the C4 aggregator. One instance is shared by every
// process the Supervisor manages.
type Aggregator struct {
	dir string
	bus *events.Bus

	mu      sync.Mutex
	buffers map[int64]*ring
	writers map[string]*sinks
	configs map[string]*types.LogConfig
}

// New creates an Aggregator that writes per-process log files under
// dir.
func New(dir string, bus *events.Bus) *Aggregator {
	return &Aggregator{
		dir:     dir,
		bus:     bus,
		buffers: make(map[int64]*ring),
		writers: make(map[string]*sinks),
		configs: make(map[string]*types.LogConfig),
	}
}

// SetConfig installs the rotation config for processName, consulted by
// Write before each on-disk append.
func (a *Aggregator) SetConfig(processName string, cfg *types.LogConfig) {
	a.mu.Lock()
	a.configs[processName] = cfg
	a.mu.Unlock()
}

// Write implements supervisor.LogSink: it trims chunk to one message,
// drops it if empty, and otherwise buffers + persists it.
func (a *Aggregator) Write(processID int64, processName string, stream types.LogStream, chunk []byte) {
	message := strings.TrimRight(string(chunk), " \t\r\n")
	if message == "" {
		return
	}

	entry := types.LogEntry{
		ProcessID:   processID,
		ProcessName: processName,
		Stream:      stream,
		Timestamp:   time.Now(),
		Message:     message,
	}

	a.mu.Lock()
	buf, ok := a.buffers[processID]
	if !ok {
		buf = &ring{}
		a.buffers[processID] = buf
	}
	buf.push(entry)
	a.mu.Unlock()

	a.bus.Publish(events.TopicLogEntry, "logagg", entry)

	if err := a.appendToDisk(processName, stream, entry); err != nil {
		log.WithProcess(processID, processName).Warn().Err(err).Msg("append log line")
	}
}

func (a *Aggregator) appendToDisk(processName string, stream types.LogStream, entry types.LogEntry) error {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("logagg: mkdir %s: %w", a.dir, err)
	}

	a.mu.Lock()
	s, ok := a.writers[processName]
	if !ok {
		var err error
		s, err = a.openSinks(processName)
		if err != nil {
			a.mu.Unlock()
			return err
		}
		a.writers[processName] = s
	}
	cfg := a.configs[processName]
	a.mu.Unlock()

	path, w, f := a.writerFor(s, stream)

	line := fmt.Sprintf("%s %s\n", entry.Timestamp.UTC().Format(time.RFC3339Nano), entry.Message)
	if _, err := w.WriteString(line); err != nil {
		return fmt.Errorf("logagg: write %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("logagg: flush %s: %w", path, err)
	}

	if cfg != nil {
		rotated, err := RotateIfNeeded(path, cfg.MaxSizeBytes, cfg.Keep, cfg.Compress)
		if err != nil {
			log.Logger.Warn().Err(err).Str("path", path).Msg("rotate log")
		}
		if rotated {
			// The live file was renamed out from under this writer
			// even if compression above failed, so path must be
			// reopened fresh regardless of err.
			a.mu.Lock()
			a.reopenSink(processName, stream)
			a.mu.Unlock()
			_ = f // file handle is replaced by reopenSink; nothing further to do here
		}
	}
	return nil
}

func (a *Aggregator) writerFor(s *sinks, stream types.LogStream) (string, *bufio.Writer, *os.File) {
	if stream == types.StreamStderr {
		return s.errFile.Name(), s.errW, s.errFile
	}
	return s.outFile.Name(), s.outW, s.outFile
}

func (a *Aggregator) openSinks(processName string) (*sinks, error) {
	outPath := filepath.Join(a.dir, processName+"-out.log")
	errPath := filepath.Join(a.dir, processName+"-error.log")

	outFile, err := os.OpenFile(outPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logagg: open %s: %w", outPath, err)
	}
	errFile, err := os.OpenFile(errPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		outFile.Close()
		return nil, fmt.Errorf("logagg: open %s: %w", errPath, err)
	}

	return &sinks{
		outFile: outFile,
		outW:    bufio.NewWriter(outFile),
		errFile: errFile,
		errW:    bufio.NewWriter(errFile),
	}, nil
}

// reopenSink replaces the file handle for one stream after rotation
// has renamed the underlying path out from under it. Caller holds a.mu.
func (a *Aggregator) reopenSink(processName string, stream types.LogStream) {
	s, ok := a.writers[processName]
	if !ok {
		return
	}
	path, _, f := a.writerFor(s, stream)
	f.Close()

	newFile, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Logger.Warn().Err(err).Str("path", path).Msg("reopen log after rotation")
		return
	}
	if stream == types.StreamStderr {
		s.errFile = newFile
		s.errW = bufio.NewWriter(newFile)
	} else {
		s.outFile = newFile
		s.outW = bufio.NewWriter(newFile)
	}
}

// GetRecentLogs returns up to n of the most recent entries for one
// process, oldest first.
func (a *Aggregator) GetRecentLogs(processID int64, n int) []types.LogEntry {
	a.mu.Lock()
	buf, ok := a.buffers[processID]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	entries := buf.ordered()
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries
}

// GetAllRecentLogs merges every process's buffer, sorts ascending by
// timestamp, and returns the last n.
func (a *Aggregator) GetAllRecentLogs(n int) []types.LogEntry {
	a.mu.Lock()
	var all []types.LogEntry
	for _, buf := range a.buffers {
		all = append(all, buf.ordered()...)
	}
	a.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// GetLogFiles returns the stdout/stderr file paths for processName.
func (a *Aggregator) GetLogFiles(processName string) (stdout, stderr string) {
	return filepath.Join(a.dir, processName+"-out.log"), filepath.Join(a.dir, processName+"-error.log")
}

// RemoveProcess drops a process's in-memory buffer and closes its
// sinks. The on-disk files are left in place.
func (a *Aggregator) RemoveProcess(processID int64, processName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.buffers, processID)
	if s, ok := a.writers[processName]; ok {
		s.outW.Flush()
		s.errW.Flush()
		s.outFile.Close()
		s.errFile.Close()
		delete(a.writers, processName)
	}
}

// Flush flushes every open sink's buffered writer.
func (a *Aggregator) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for name, s := range a.writers {
		if err := s.outW.Flush(); err != nil {
			return fmt.Errorf("logagg: flush %s stdout: %w", name, err)
		}
		if err := s.errW.Flush(); err != nil {
			return fmt.Errorf("logagg: flush %s stderr: %w", name, err)
		}
	}
	return nil
}
