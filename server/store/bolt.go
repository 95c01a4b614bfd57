package store

import (
	"context"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("documents")

// BoltStore persists snapshots in an embedded bbolt file, for single-node
// deployments without a database.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database file and its bucket.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open bolt %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ensure bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Load returns the stored text or ErrNotFound.
func (b *BoltStore) Load(_ context.Context, id string) (string, error) {
	var text []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltBucket).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		text = append(text, v...)
		return nil
	})
	if err != nil {
		return "", err
	}
	return string(text), nil
}

// Save overwrites the snapshot for id.
func (b *BoltStore) Save(_ context.Context, id, text string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(id), []byte(text))
	})
}

// Close closes the underlying file.
func (b *BoltStore) Close() error { return b.db.Close() }
