package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStorage keeps stores in process memory. Values are held encoded so
// size accounting and isolation behave like the bolt backend.
type MemoryStorage struct {
	mu     sync.RWMutex
	stores map[string]map[string][]byte
	closed bool
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{stores: map[string]map[string][]byte{}}
}

func (m *MemoryStorage) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *MemoryStorage) Open(ctx context.Context, name string) (Store, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("store name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	if _, ok := m.stores[name]; !ok {
		m.stores[name] = map[string][]byte{}
	}
	return &memoryStore{storage: m, name: name}, nil
}

func (m *MemoryStorage) Names(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(m.stores))
	for n := range m.stores {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStorage) DeleteStore(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if _, ok := m.stores[name]; !ok {
		return fmt.Errorf("%w: %s", ErrStoreNotFound, name)
	}
	delete(m.stores, name)
	return nil
}

func (m *MemoryStorage) Stats(ctx context.Context) ([]StoreStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	stats := make([]StoreStats, 0, len(m.stores))
	for name, entries := range m.stores {
		st := StoreStats{Name: name, EntryCount: len(entries)}
		for k, v := range entries {
			st.ApproxBytes += int64(len(k) + len(v))
		}
		stats = append(stats, st)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats, nil
}

func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memoryStore struct {
	storage *MemoryStorage
	name    string
}

func (s *memoryStore) Name() string { return s.name }

func (s *memoryStore) Get(ctx context.Context, key string) (Snapshot, bool, error) {
	s.storage.mu.RLock()
	defer s.storage.mu.RUnlock()
	if err := s.storage.check(ctx); err != nil {
		return Snapshot{}, false, err
	}
	raw, ok := s.storage.stores[s.name][key]
	if !ok {
		return Snapshot{}, false, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode %s from %s: %w", key, s.name, err)
	}
	return snap, true, nil
}

func (s *memoryStore) Put(ctx context.Context, snap Snapshot) error {
	if snap.Key == "" {
		return fmt.Errorf("snapshot key is required")
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode %s: %w", snap.Key, err)
	}
	s.storage.mu.Lock()
	defer s.storage.mu.Unlock()
	if err := s.storage.check(ctx); err != nil {
		return err
	}
	entries, ok := s.storage.stores[s.name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStoreNotFound, s.name)
	}
	entries[snap.Key] = payload
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, key string) error {
	s.storage.mu.Lock()
	defer s.storage.mu.Unlock()
	if err := s.storage.check(ctx); err != nil {
		return err
	}
	delete(s.storage.stores[s.name], key)
	return nil
}

func (s *memoryStore) Len(ctx context.Context) (int, error) {
	s.storage.mu.RLock()
	defer s.storage.mu.RUnlock()
	if err := s.storage.check(ctx); err != nil {
		return 0, err
	}
	return len(s.storage.stores[s.name]), nil
}

var _ Storage = (*MemoryStorage)(nil)
