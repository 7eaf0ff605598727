// Package crawlstate records the progress of build crawls so operators can
// see what a running or finished sync did.
package crawlstate

import (
	"context"
	"sort"
	"sync"
	"time"

	"bundlemirror/internal/config"
)

// Status values a snapshot moves through.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Snapshot captures the persisted state of one crawl run.
type Snapshot struct {
	BuildHash    string    `json:"build_hash"`
	RunID        string    `json:"run_id"`
	Status       string    `json:"status"`
	Wave         int       `json:"wave"`
	Known        int       `json:"known"`
	Pending      int       `json:"pending"`
	Downloaded   int       `json:"downloaded"`
	Failed       int       `json:"failed"`
	IndexScripts []string  `json:"index_scripts,omitempty"`
	Message      string    `json:"message,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	FinishedAt   time.Time `json:"finished_at,omitempty"`
}

// Store persists snapshots keyed by build hash.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Remove(ctx context.Context, buildHash string) error
	Get(ctx context.Context, buildHash string) (Snapshot, bool, error)
	List(ctx context.Context) ([]Snapshot, error)
	Close() error
}

// NewStore returns a Redis store when configured, otherwise an in-memory one.
func NewStore(cfg config.StateConfig) (Store, error) {
	if !cfg.Enabled() {
		return NewMemoryStore(), nil
	}
	return NewRedisStore(RedisConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		DB:       cfg.DB,
		Password: cfg.Password,
		Key:      cfg.Key,
		Timeout:  cfg.Timeout.Duration,
	})
}

// MemoryStore keeps snapshots for the life of the process.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]Snapshot)}
}

func (m *MemoryStore) Save(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	m.snaps[snap.BuildHash] = snap
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, buildHash string) error {
	m.mu.Lock()
	delete(m.snaps, buildHash)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, buildHash string) (Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snaps[buildHash]
	return snap, ok, nil
}

// List returns snapshots ordered by most recent start first.
func (m *MemoryStore) List(_ context.Context) ([]Snapshot, error) {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.snaps))
	for _, snap := range m.snaps {
		out = append(out, snap)
	}
	m.mu.RUnlock()
	SortByStart(out)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

// SortByStart orders snapshots newest first, breaking ties by hash.
func SortByStart(snaps []Snapshot) {
	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].StartedAt.Equal(snaps[j].StartedAt) {
			return snaps[i].StartedAt.After(snaps[j].StartedAt)
		}
		return snaps[i].BuildHash < snaps[j].BuildHash
	})
}
