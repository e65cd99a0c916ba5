// Package localstore persists document snapshots to an on-device bolt
// database, giving each client offline-first, instant-load behavior. The
// store is owned exclusively by the local client process; remote peers never
// write to it.
package localstore

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var snapshotBucket = []byte("snapshots")

// Store is a bolt-backed snapshot store keyed by document ID.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the snapshot database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshot bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Load returns the stored snapshot for a document, or nil if none exists.
// The orchestration layer waits for Load before connecting any transport,
// so remote merges always apply on top of the durable state.
func (s *Store) Load(documentID string) ([]byte, error) {
	var snapshot []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(snapshotBucket).Get([]byte(documentID))
		if v != nil {
			snapshot = make([]byte, len(v))
			copy(snapshot, v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", documentID, err)
	}
	return snapshot, nil
}

// Persist writes a snapshot for a document. Failures are logged, never
// fatal: editing continues in memory and the next change retries.
func (s *Store) Persist(documentID string, snapshot []byte) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).Put([]byte(documentID), snapshot)
	})
	if err != nil {
		log.Printf("localstore: persist %s: %v", documentID, err)
	}
}

// Delete removes a document's snapshot, e.g. after the note itself is
// deleted.
func (s *Store) Delete(documentID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).Delete([]byte(documentID))
	})
	if err != nil {
		return fmt.Errorf("delete snapshot %s: %w", documentID, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
