// Package store provides the cache backends the proxy answers from.
//
// Every backend is safe for concurrent use: one server goroutine per client
// connection calls into the same instance.
package store

import (
	"context"
	"fmt"
)

// Supported backend kinds.
const (
	KindMemory = "memory" // sharded in-process map
	KindBolt   = "bolt"   // bbolt file
)

// Store is a concurrency-safe key/value cache.
type Store interface {
	// Get returns the value stored under key. found is false on a miss;
	// err is reserved for backend failures.
	Get(ctx context.Context, key []byte) (value []byte, found bool, err error)

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key, value []byte) error

	Close() error
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Bolt)(nil)
)

// Open creates a backend of the given kind. path is only used by file-backed
// kinds.
func Open(kind, path string) (Store, error) {
	if kind == "" {
		kind = KindMemory
	}

	switch kind {
	case KindMemory:
		return NewMemory(), nil
	case KindBolt:
		if path == "" {
			return nil, fmt.Errorf("store: %q requires a path", kind)
		}
		return OpenBolt(path)
	default:
		return nil, fmt.Errorf("store: unsupported kind %q (want %q or %q)", kind, KindMemory, KindBolt)
	}
}
