package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/sitharaj88/novapm/pkg/nperr"
	"github.com/sitharaj88/novapm/pkg/types"
)

var (
	bucketProcesses     = []byte("processes")
	bucketProcessByName = []byte("processes_by_name")
	bucketMetrics       = []byte("metrics")
	bucketEvents        = []byte("events")
	bucketMigrations    = []byte("migrations")
)

// BoltStore implements Store using a single bbolt database file: one
// bucket per collection, JSON-encoded values.
type BoltStore struct {
	db *bolt.DB

	seqMu sync.Mutex
}

// Open opens (creating if absent) the database at <dataDir>/novapm.db,
// creates its buckets idempotently, and applies any pending migrations.
func Open(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "novapm.db")
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketProcesses, bucketProcessByName, bucketMetrics, bucketEvents, bucketMigrations} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create buckets: %w", err)
	}

	s := &BoltStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) Processes() ProcessRepo { return (*processRepo)(s) }
func (s *BoltStore) Metrics() MetricsRepo   { return (*metricsRepo)(s) }
func (s *BoltStore) Events() EventRepo      { return (*eventRepo)(s) }

// DeleteProcessCascade removes a process and every metric sample and
// event recorded against it.
func (s *BoltStore) DeleteProcessCascade(id int64) error {
	if err := s.Processes().Delete(id); err != nil {
		return err
	}
	if err := s.Metrics().Cleanup(id); err != nil {
		return err
	}
	return s.Events().DeleteByProcess(id)
}

// migration is one idempotent schema step, applied at most once and
// recorded by version.
type migration struct {
	version int64
	apply   func(tx *bolt.Tx) error
}

var migrations = []migration{
	{version: 1, apply: func(tx *bolt.Tx) error { return nil }}, // initial schema: buckets only
}

func (s *BoltStore) migrate() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		mb := tx.Bucket(bucketMigrations)
		for _, m := range migrations {
			key := int64Key(m.version)
			if mb.Get(key) != nil {
				continue
			}
			if err := m.apply(tx); err != nil {
				return fmt.Errorf("storage: migration %d: %w", m.version, err)
			}
			if err := mb.Put(key, []byte(time.Now().UTC().Format(time.RFC3339))); err != nil {
				return err
			}
		}
		return nil
	})
}

func int64Key(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

// --- ProcessRepo ---

type processRepo BoltStore

func (r *processRepo) bolt() *BoltStore { return (*BoltStore)(r) }

func (r *processRepo) Create(name string, def types.ProcessDefinition) (ProcessRecord, error) {
	var rec ProcessRecord
	err := r.bolt().db.Update(func(tx *bolt.Tx) error {
		byName := tx.Bucket(bucketProcessByName)
		if byName.Get([]byte(name)) != nil {
			return fmt.Errorf("process %q: %w", name, nperr.ErrAlreadyExists)
		}

		b := tx.Bucket(bucketProcesses)
		id, _ := b.NextSequence()
		def.ID = int64(id)
		def.Name = name

		rec = ProcessRecord{Definition: def, Status: types.StateStopped}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := b.Put(int64Key(def.ID), data); err != nil {
			return err
		}
		return byName.Put([]byte(name), int64Key(def.ID))
	})
	return rec, err
}

func (r *processRepo) FindAll() ([]ProcessRecord, error) {
	var recs []ProcessRecord
	err := r.bolt().db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProcesses).ForEach(func(k, v []byte) error {
			var rec ProcessRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	sort.Slice(recs, func(i, j int) bool { return recs[i].Definition.ID < recs[j].Definition.ID })
	return recs, err
}

func (r *processRepo) FindByID(id int64) (ProcessRecord, error) {
	var rec ProcessRecord
	err := r.bolt().db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketProcesses).Get(int64Key(id))
		if data == nil {
			return fmt.Errorf("process id %d: %w", id, nperr.ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

func (r *processRepo) FindByName(name string) (ProcessRecord, error) {
	var id int64
	err := r.bolt().db.View(func(tx *bolt.Tx) error {
		idBytes := tx.Bucket(bucketProcessByName).Get([]byte(name))
		if idBytes == nil {
			return fmt.Errorf("process %q: %w", name, nperr.ErrNotFound)
		}
		id = int64(binary.BigEndian.Uint64(idBytes))
		return nil
	})
	if err != nil {
		return ProcessRecord{}, err
	}
	return r.FindByID(id)
}

func (r *processRepo) update(id int64, mutate func(rec *ProcessRecord)) error {
	return r.bolt().db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProcesses)
		data := b.Get(int64Key(id))
		if data == nil {
			return fmt.Errorf("process id %d: %w", id, nperr.ErrNotFound)
		}
		var rec ProcessRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		mutate(&rec)
		out, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(int64Key(id), out)
	})
}

func (r *processRepo) UpdateStatus(id int64, status types.ContainerState, pid *int) error {
	return r.update(id, func(rec *ProcessRecord) {
		rec.Status = status
		if pid != nil {
			rec.PID = *pid
		}
	})
}

func (r *processRepo) UpdateStarted(id int64, pid int) error {
	return r.update(id, func(rec *ProcessRecord) {
		rec.Status = types.StateOnline
		rec.PID = pid
		rec.StartedAt = time.Now()
	})
}

func (r *processRepo) IncrementRestarts(id int64) error {
	return r.update(id, func(rec *ProcessRecord) { rec.Restarts++ })
}

func (r *processRepo) ResetRestarts(id int64) error {
	return r.update(id, func(rec *ProcessRecord) { rec.Restarts = 0 })
}

func (r *processRepo) UpdateConfig(id int64, def types.ProcessDefinition) error {
	return r.update(id, func(rec *ProcessRecord) {
		def.ID = id
		def.Name = rec.Definition.Name
		rec.Definition = def
	})
}

func (r *processRepo) Delete(id int64) error {
	return r.bolt().db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProcesses)
		data := b.Get(int64Key(id))
		if data == nil {
			return fmt.Errorf("process id %d: %w", id, nperr.ErrNotFound)
		}
		var rec ProcessRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if err := tx.Bucket(bucketProcessByName).Delete([]byte(rec.Definition.Name)); err != nil {
			return err
		}
		return b.Delete(int64Key(id))
	})
}

func (r *processRepo) DeleteAll() error {
	return r.bolt().db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketProcesses); err != nil {
			return err
		}
		if err := tx.DeleteBucket(bucketProcessByName); err != nil {
			return err
		}
		if _, err := tx.CreateBucket(bucketProcesses); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketProcessByName)
		return err
	})
}

// --- MetricsRepo ---

type metricsRepo BoltStore

func (r *metricsRepo) bolt() *BoltStore { return (*BoltStore)(r) }

func metricKey(processID, ts int64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[:8], uint64(processID))
	binary.BigEndian.PutUint64(b[8:], uint64(ts))
	return b
}

func (r *metricsRepo) Insert(sample types.MetricSample) error {
	return r.bolt().db.Update(func(tx *bolt.Tx) error {
		return putMetric(tx, sample)
	})
}

func putMetric(tx *bolt.Tx, sample types.MetricSample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketMetrics).Put(metricKey(sample.ProcessID, sample.Timestamp), data)
}

func (r *metricsRepo) InsertBatch(samples []types.MetricSample) error {
	return r.bolt().db.Update(func(tx *bolt.Tx) error {
		for _, s := range samples {
			if err := putMetric(tx, s); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *metricsRepo) GetLatest(processID int64) (*types.MetricSample, error) {
	var latest *types.MetricSample
	err := r.bolt().db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMetrics).Cursor()
		prefix := int64KeyPrefix(processID)
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var s types.MetricSample
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			latest = &s
		}
		return nil
	})
	return latest, err
}

func (r *metricsRepo) GetRange(processID int64, t0, t1 int64) ([]types.MetricSample, error) {
	var out []types.MetricSample
	err := r.bolt().db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMetrics).Cursor()
		prefix := int64KeyPrefix(processID)
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var s types.MetricSample
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			if s.Timestamp >= t0 && s.Timestamp <= t1 {
				out = append(out, s)
			}
		}
		return nil
	})
	return out, err
}

func (r *metricsRepo) Cleanup(processID int64) error {
	return r.bolt().db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetrics)
		c := b.Cursor()
		prefix := int64KeyPrefix(processID)
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Downsample drops samples older than one month.
func (r *metricsRepo) Downsample() error {
	cutoff := time.Now().AddDate(0, -1, 0).Unix()
	return r.bolt().db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetrics)
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var s types.MetricSample
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			if s.Timestamp < cutoff {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func int64KeyPrefix(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// --- EventRepo ---

type eventRepo BoltStore

func (r *eventRepo) bolt() *BoltStore { return (*BoltStore)(r) }

func (r *eventRepo) Insert(processID int64, processName string, kind types.EventKind, data map[string]any) error {
	r.bolt().seqMu.Lock()
	defer r.bolt().seqMu.Unlock()

	return r.bolt().db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, _ := b.NextSequence()
		ev := types.ProcessEvent{
			ProcessID:   processID,
			ProcessName: processName,
			Kind:        kind,
			Timestamp:   time.Now(),
			Data:        data,
		}
		out, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		key := make([]byte, 16)
		binary.BigEndian.PutUint64(key[:8], uint64(ev.Timestamp.UnixNano()))
		binary.BigEndian.PutUint64(key[8:], seq)
		return b.Put(key, out)
	})
}

func (r *eventRepo) all() ([]types.ProcessEvent, error) {
	var out []types.ProcessEvent
	err := r.bolt().db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEach(func(k, v []byte) error {
			var ev types.ProcessEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			out = append(out, ev)
			return nil
		})
	})
	return out, err
}

func (r *eventRepo) GetByProcess(processID int64, limit int) ([]types.ProcessEvent, error) {
	all, err := r.all()
	if err != nil {
		return nil, err
	}
	var matched []types.ProcessEvent
	for _, ev := range all {
		if ev.ProcessID == processID {
			matched = append(matched, ev)
		}
	}
	return newestFirst(matched, limit), nil
}

func (r *eventRepo) GetByType(kind types.EventKind, limit int) ([]types.ProcessEvent, error) {
	all, err := r.all()
	if err != nil {
		return nil, err
	}
	var matched []types.ProcessEvent
	for _, ev := range all {
		if ev.Kind == kind {
			matched = append(matched, ev)
		}
	}
	return newestFirst(matched, limit), nil
}

func (r *eventRepo) GetRecent(limit int) ([]types.ProcessEvent, error) {
	all, err := r.all()
	if err != nil {
		return nil, err
	}
	return newestFirst(all, limit), nil
}

func (r *eventRepo) GetRange(t0, t1 time.Time) ([]types.ProcessEvent, error) {
	all, err := r.all()
	if err != nil {
		return nil, err
	}
	var out []types.ProcessEvent
	for _, ev := range all {
		if !ev.Timestamp.Before(t0) && !ev.Timestamp.After(t1) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (r *eventRepo) Cleanup(days int) error {
	cutoff := time.Now().AddDate(0, 0, -days)
	return r.bolt().db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var ev types.ProcessEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if ev.Timestamp.Before(cutoff) {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *eventRepo) DeleteByProcess(processID int64) error {
	return r.bolt().db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var ev types.ProcessEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if ev.ProcessID == processID {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func newestFirst(evs []types.ProcessEvent, limit int) []types.ProcessEvent {
	sort.Slice(evs, func(i, j int) bool { return evs[i].Timestamp.After(evs[j].Timestamp) })
	if limit > 0 && len(evs) > limit {
		evs = evs[:limit]
	}
	return evs
}
