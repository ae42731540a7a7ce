package meta

import (
	"context"
	"hash/fnv"
	"sync"
)

const defaultShards = 32

// MemoryStore keeps records in a map sharded by FNV-1a hash of the name.
type MemoryStore struct {
	shards []*shard
}

type shard struct {
	mu   sync.RWMutex
	data map[string]Record
}

// NewMemoryStore creates a store with n shards (defaultShards when n <= 0).
func NewMemoryStore(n int) *MemoryStore {
	if n <= 0 {
		n = defaultShards
	}
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{data: make(map[string]Record)}
	}
	return &MemoryStore{shards: shards}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) shardFor(name string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

func (m *MemoryStore) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s := m.shardFor(name)
	s.mu.RLock()
	_, ok := s.data[name]
	s.mu.RUnlock()
	return ok, nil
}

func (m *MemoryStore) Get(ctx context.Context, name string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := m.shardFor(name)
	s.mu.RLock()
	rec, ok := s.data[name]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	// Query.Query is a byte slice; hand out a copy.
	rec.Query.Query = append([]byte(nil), rec.Query.Query...)
	return &rec, nil
}

func (m *MemoryStore) Put(ctx context.Context, name string, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := *rec
	stored.Query.Query = append([]byte(nil), rec.Query.Query...)
	s := m.shardFor(name)
	s.mu.Lock()
	s.data[name] = stored
	s.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s := m.shardFor(name)
	s.mu.Lock()
	_, ok := s.data[name]
	delete(s.data, name)
	s.mu.Unlock()
	return ok, nil
}

// Len returns the number of records.
func (m *MemoryStore) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.data)
		s.mu.RUnlock()
	}
	return n
}

func (m *MemoryStore) Close() error { return nil }
