package store

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cyclopcam/logs"

	"socks-fleet/pkg/model"
)

// MemoryStore is a simple in-memory catalog, intended for dev/demo and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[string]model.NodeRecord
	log   logs.Log
}

func NewMemoryStore(log logs.Log) *MemoryStore {
	return &MemoryStore{
		nodes: make(map[string]model.NodeRecord),
		log:   log,
	}
}

func (m *MemoryStore) RandomNode(_ context.Context, geo model.GeoCategory) (model.NodeRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var match []model.NodeRecord
	for _, n := range m.nodes {
		if n.GeoCategory == geo {
			match = append(match, n)
		}
	}
	if len(match) == 0 {
		return model.NodeRecord{}, false, nil
	}
	return match[rand.IntN(len(match))], true, nil
}

func (m *MemoryStore) CountByCategory(_ context.Context) (map[model.GeoCategory]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[model.GeoCategory]int)
	for _, n := range m.nodes {
		out[n.GeoCategory]++
	}
	return out, nil
}

func (m *MemoryStore) ReplaceNodes(_ context.Context, nodes []model.NodeRecord) (int, error) {
	nodes = dedupe(nodes, m.log)
	fresh := make(map[string]model.NodeRecord, len(nodes))
	now := time.Now()
	for _, n := range nodes {
		if n.CreatedAt.IsZero() {
			n.CreatedAt = now
		}
		fresh[n.Fingerprint] = n
	}
	m.mu.Lock()
	m.nodes = fresh
	m.mu.Unlock()
	return len(fresh), nil
}

// Ping reports readiness for health endpoints.
func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
