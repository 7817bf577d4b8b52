package server

import "context"

// Backend is the cache the dispatcher answers from.
//
// Every connection goroutine calls into the same Backend, so implementations
// must be safe for concurrent use.
type Backend interface {
	// Get returns found=false on a miss; err is reserved for failures.
	Get(ctx context.Context, key []byte) (value []byte, found bool, err error)
	Put(ctx context.Context, key, value []byte) error
}
