package store

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
)

const numShards = 256 // lock striping: reduce contention vs 1 global mutex

// Memory is a process-local cache backend. Contents are lost on exit.
type Memory struct {
	shards [numShards]*shard
	bytes  atomic.Int64
	keys   atomic.Int64
}

type shard struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *Memory {
	m := &Memory{}
	for i := range m.shards {
		m.shards[i] = &shard{data: make(map[string][]byte)}
	}
	return m
}

func (m *Memory) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	sh := m.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	val, ok := sh.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	// Avoid aliasing stored memory.
	return append([]byte(nil), val...), true, nil
}

func (m *Memory) Put(ctx context.Context, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val := append([]byte(nil), value...)

	sh := m.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	old, exists := sh.data[string(key)]
	if !exists {
		m.keys.Add(1)
		m.bytes.Add(int64(len(key)))
	}
	m.bytes.Add(int64(len(val) - len(old)))
	sh.data[string(key)] = val
	return nil
}

// Len returns the number of stored keys.
func (m *Memory) Len() int { return int(m.keys.Load()) }

// Size returns the bytes held by keys and values.
func (m *Memory) Size() int64 { return m.bytes.Load() }

func (m *Memory) Close() error { return nil }

func (m *Memory) shardFor(key []byte) *shard {
	h := fnv.New32a()
	h.Write(key)
	return m.shards[h.Sum32()%numShards]
}
