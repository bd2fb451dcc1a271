package faststore

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	bolt "go.etcd.io/bbolt"
)

var bucketCounters = []byte("counters")

// BoltStore implements FastStore on an embedded bbolt database. Atomicity
// comes from bolt's single-writer transactions, so whim stays a single
// binary with no external services when Redis is not configured.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the counter database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "whim-counters.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open counter database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCounters)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Incr(ctx context.Context, key string) (int64, error) {
	return b.addInt(key, 1)
}

func (b *BoltStore) Decr(ctx context.Context, key string) (int64, error) {
	return b.addInt(key, -1)
}

func (b *BoltStore) addInt(key string, delta int64) (int64, error) {
	var out int64
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketCounters)
		var cur int64
		if data := bkt.Get([]byte(key)); data != nil {
			n, err := strconv.ParseInt(string(data), 10, 64)
			if err != nil {
				return fmt.Errorf("counter %s holds non-integer value %q", key, data)
			}
			cur = n
		}
		out = cur + delta
		return bkt.Put([]byte(key), []byte(strconv.FormatInt(out, 10)))
	})
	return out, err
}

func (b *BoltStore) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := b.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(bucketCounters).Get([]byte(key)); data != nil {
			val = string(data)
		}
		return nil
	})
	return val, err
}

func (b *BoltStore) Set(ctx context.Context, key, value string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCounters).Put([]byte(key), []byte(value))
	})
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}
