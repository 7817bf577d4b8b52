package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sagernet/bbolt"
	bboltErrors "github.com/sagernet/bbolt/errors"
)

const (
	boltFileMode    = 0o600
	boltOpenRetries = 10
)

var bucketCAS = []byte("cas")

// Bolt is a cache backend persisted in a single bbolt file.
type Bolt struct {
	path string
	db   *bbolt.DB
}

// OpenBolt opens or creates the cache file at path. A file bbolt can't read
// is a stale cache, so it is deleted and recreated rather than reported.
func OpenBolt(path string) (*Bolt, error) {
	options := bbolt.Options{Timeout: time.Second}
	var (
		db  *bbolt.DB
		err error
	)
	for i := 0; i < boltOpenRetries; i++ {
		db, err = bbolt.Open(path, boltFileMode, &options)
		if err == nil {
			break
		}
		if errors.Is(err, bboltErrors.ErrTimeout) {
			continue
		}
		if errors.Is(err, bboltErrors.ErrInvalid) || errors.Is(err, bboltErrors.ErrChecksum) || errors.Is(err, bboltErrors.ErrVersionMismatch) {
			if rmErr := os.Remove(path); rmErr != nil {
				return nil, fmt.Errorf("store: open %s: %w", path, err)
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCAS)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: init %s: %w", path, err)
	}
	return &Bolt{path: path, db: db}, nil
}

func (b *Bolt) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var (
		val   []byte
		found bool
	)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCAS)
		if bucket == nil {
			return nil
		}
		// Seek instead of Get so an empty stored value is still a hit.
		k, v := bucket.Cursor().Seek(key)
		if k == nil || !bytes.Equal(k, key) {
			return nil
		}
		found = true
		// v is only valid inside the transaction.
		val = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return val, found, nil
}

func (b *Bolt) Put(ctx context.Context, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Batch(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketCAS)
		if err != nil {
			return err
		}
		return bucket.Put(key, value)
	})
}

// Path returns the cache file location.
func (b *Bolt) Path() string { return b.path }

func (b *Bolt) Close() error { return b.db.Close() }
