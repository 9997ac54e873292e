package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/sitharaj88/novapm/pkg/log"
)

var nameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func sanitizeName(name string) string {
	s := nameSanitizer.ReplaceAllString(name, "-")
	if s == "" {
		return "plugin"
	}
	return s
}

// Storage is one plugin's atomic, persistent key/value store, backed
// by a single JSON file at <dir>/<sanitized-name>/storage.json.
//
// Writes are serialized per plugin through mu so N overlapping Set
// calls produce N file writes in enqueue order. Reads are served from
// an in-memory cache that is only advanced after a write succeeds; a
// failed write leaves the cache (and therefore subsequent Gets)
// exactly as it was before the call.
type Storage struct {
	mu     sync.Mutex
	path   string
	data   map[string]json.RawMessage
	tmpSeq uint64
}

func newStorage(baseDir, pluginName string) *Storage {
	dir := filepath.Join(baseDir, sanitizeName(pluginName))
	path := filepath.Join(dir, "storage.json")
	s := &Storage{path: path, data: map[string]json.RawMessage{}}
	s.load()
	return s
}

// load reads the backing file into the cache, tolerating a missing or
// corrupt file by starting empty.
func (s *Storage) load() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(raw, &data); err != nil {
		log.Logger.Warn().Err(err).Str("path", s.path).Msg("discarding corrupt plugin storage file")
		return
	}
	s.data = data
}

// Get unmarshals key's stored value into v. It returns false if key is
// absent.
func (s *Storage) Get(key string, v any) (bool, error) {
	s.mu.Lock()
	raw, ok := s.data[key]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

// Set marshals value and persists it under key, atomically replacing
// the backing file (write-to-temp + rename). On failure the in-memory
// cache is left unchanged and the temp file is removed (tolerating its
// own removal failure), and the original error is returned.
func (s *Storage) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]json.RawMessage, len(s.data)+1)
	for k, v := range s.data {
		next[k] = v
	}
	next[key] = raw

	if err := s.persist(next); err != nil {
		return err
	}
	s.data = next
	return nil
}

// Delete removes key, persisting the result the same way Set does.
func (s *Storage) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; !ok {
		return nil
	}
	next := make(map[string]json.RawMessage, len(s.data))
	for k, v := range s.data {
		if k != key {
			next[k] = v
		}
	}
	if err := s.persist(next); err != nil {
		return err
	}
	s.data = next
	return nil
}

// List returns the keys currently stored, optionally filtered to those
// with the given prefix, sorted ascending.
func (s *Storage) List(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if prefix == "" || strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// persist must be called with mu held. It writes data to a temp file
// and renames it over s.path, leaving s.path untouched on any failure.
func (s *Storage) persist(data map[string]json.RawMessage) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}

	s.tmpSeq++
	tmp := fmt.Sprintf("%s.tmp.%d", s.path, s.tmpSeq)
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
