// Package storage defines the Repository Interface (C8) — a storage-
// agnostic contract for process definitions, metric samples, and
// events — and a BoltDB-backed implementation of it.
package storage

import (
	"time"

	"github.com/sitharaj88/novapm/pkg/types"
)

// ProcessRecord is one stored process: its definition plus the
// supervision state the repository tracks on the Supervisor's behalf
// (status, last known PID, restart count).
type ProcessRecord struct {
	Definition types.ProcessDefinition
	Status     types.ContainerState
	PID        int
	Restarts   int
	StartedAt  time.Time
}

// ProcessRepo persists process definitions and their supervision
// state. Implementations must enforce name-uniqueness and auto-
// increment IDs on Create.
type ProcessRepo interface {
	Create(name string, def types.ProcessDefinition) (ProcessRecord, error)
	FindAll() ([]ProcessRecord, error)
	FindByID(id int64) (ProcessRecord, error)
	FindByName(name string) (ProcessRecord, error)
	UpdateStatus(id int64, status types.ContainerState, pid *int) error
	UpdateStarted(id int64, pid int) error
	IncrementRestarts(id int64) error
	ResetRestarts(id int64) error
	UpdateConfig(id int64, def types.ProcessDefinition) error
	Delete(id int64) error
	DeleteAll() error
}

// MetricsRepo persists per-process metric samples.
type MetricsRepo interface {
	Insert(sample types.MetricSample) error
	InsertBatch(samples []types.MetricSample) error
	GetLatest(processID int64) (*types.MetricSample, error)
	GetRange(processID int64, t0, t1 int64) ([]types.MetricSample, error)
	Cleanup(processID int64) error
	Downsample() error
}

// EventRepo persists process events.
type EventRepo interface {
	Insert(processID int64, processName string, kind types.EventKind, data map[string]any) error
	GetByProcess(processID int64, limit int) ([]types.ProcessEvent, error)
	GetByType(kind types.EventKind, limit int) ([]types.ProcessEvent, error)
	GetRecent(limit int) ([]types.ProcessEvent, error)
	GetRange(t0, t1 time.Time) ([]types.ProcessEvent, error)
	Cleanup(days int) error
	DeleteByProcess(processID int64) error
}

// Store bundles all three repositories plus lifecycle management. A
// process delete cascades to its metrics and events.
type Store interface {
	Processes() ProcessRepo
	Metrics() MetricsRepo
	Events() EventRepo

	// DeleteProcessCascade removes a process definition and all of its
	// metrics and events in one call.
	DeleteProcessCascade(id int64) error

	Close() error
}
