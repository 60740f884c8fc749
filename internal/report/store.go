package report

import (
	"context"
	"sync"

	"github.com/matst80/socketproxy/internal/config"
	"github.com/matst80/socketproxy/internal/obs"
)

// Store keeps the latest snapshot of each instance.
type Store interface {
	Publish(ctx context.Context, s Snapshot) error
	List(ctx context.Context) ([]Snapshot, error)
	Close() error
}

// NewStore returns a Redis backed store when an address is configured and
// an in-memory one otherwise.
func NewStore(rc config.RedisConfig) (Store, error) {
	if rc.Addr == "" {
		obs.Info("report.backend", obs.Fields{"type": "in-memory"})
		return newMemoryStore(), nil
	}
	obs.Info("report.backend", obs.Fields{"type": "redis", "addr": rc.Addr})
	return newRedisStore(rc.Addr, rc.Password, rc.DB)
}

type memoryStore struct {
	mu        sync.Mutex
	snapshots map[string]Snapshot
}

func newMemoryStore() *memoryStore { return &memoryStore{snapshots: make(map[string]Snapshot)} }

var _ Store = (*memoryStore)(nil)

func (m *memoryStore) Publish(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	m.snapshots[s.Instance] = s
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) List(_ context.Context) ([]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		out = append(out, s)
	}
	sortSnapshots(out)
	return out, nil
}

func (m *memoryStore) Close() error { return nil }
