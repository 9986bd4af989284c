package storage

import (
	"context"
	"sync"

	"github.com/rl1809/reservation-ledger/internal/core/domain"
)

type memoryRecord struct {
	value   domain.Value
	version uint64
}

// MemoryStore is an in-process EntityStore.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[domain.Key]memoryRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[domain.Key]memoryRecord)}
}

func (m *MemoryStore) Get(ctx context.Context, key domain.Key) (domain.Value, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[key]
	if !ok {
		return domain.Value{}, 0, domain.KeyError(domain.CodeNotFound, "entity not found", key)
	}
	return rec.value, rec.version, nil
}

func (m *MemoryStore) Create(ctx context.Context, key domain.Key, value domain.Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[key]; ok {
		return domain.KeyError(domain.CodeAlreadyExists, "entity already exists", key)
	}
	m.records[key] = memoryRecord{value: value, version: 1}
	return nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, key domain.Key, expectedVersion uint64, value domain.Value) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return 0, domain.KeyError(domain.CodeNotFound, "entity not found", key)
	}
	if rec.version != expectedVersion {
		return 0, domain.KeyError(domain.CodeVersionConflict, "stale version", key)
	}
	rec.value = value
	rec.version++
	m.records[key] = rec
	return rec.version, nil
}

func (m *MemoryStore) Restore(ctx context.Context, key domain.Key, appliedVersion uint64, prior domain.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return domain.KeyError(domain.CodeNotFound, "entity not found", key)
	}
	if rec.version != appliedVersion {
		return domain.KeyError(domain.CodeVersionConflict, "entity changed since apply", key)
	}
	m.records[key] = memoryRecord{value: prior.Value, version: prior.Version}
	return nil
}
