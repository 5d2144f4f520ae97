package store

import (
	"bytes"
	"context"
	"fmt"

	"go.etcd.io/bbolt"
)

var bucketSync = []byte("sync")

// BoltStore is a file-backed Store implementation on top of bbolt.
type BoltStore struct {
	db *bbolt.DB
}

// NewBolt opens (or creates) the database file at dbPath.
func NewBolt(dbPath string) (*BoltStore, error) {
	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSync); err != nil {
			return fmt.Errorf("failed to create sync bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Get returns the value for key, or ErrNotFound.
func (s *BoltStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSync)
		if bucket == nil {
			return fmt.Errorf("sync bucket not found")
		}

		data := bucket.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}

		// Copy: bbolt values are only valid inside the transaction.
		value = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return value, nil
}

// Set stores value under key.
func (s *BoltStore) Set(ctx context.Context, key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSync)
		if bucket == nil {
			return fmt.Errorf("sync bucket not found")
		}

		if err := bucket.Put([]byte(key), value); err != nil {
			return fmt.Errorf("failed to save %q: %w", key, err)
		}
		return nil
	})
}

// Remove deletes key.
func (s *BoltStore) Remove(ctx context.Context, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSync)
		if bucket == nil {
			return fmt.Errorf("sync bucket not found")
		}
		return bucket.Delete([]byte(key))
	})
}

// ListKeys returns all keys with the given prefix.
func (s *BoltStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSync)
		if bucket == nil {
			return fmt.Errorf("sync bucket not found")
		}

		c := bucket.Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return keys, nil
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
