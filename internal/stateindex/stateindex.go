// Package stateindex is the durable single-writer key->record store of
// live sandbox assignments. It is backed by bbolt, the idiomatic Go
// analog of the redb store the original implementation used: a
// single-writer, MVCC, crash-safe embedded database.
//
// bbolt itself holds an exclusive file lock on the database for the
// lifetime of the process, so a second runner-controller instance
// pointed at the same STATE_DIR blocks in Open until the lock is
// released (Open sets no lock timeout) rather than silently violating
// the single-writer assumption.
package stateindex

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"
)

const (
	fileName   = "state.db"
	bucketName = "sandboxes"
)

// Assignment is the sole persisted entity: the binding between a
// sandbox name and the job it was launched for.
type Assignment struct {
	JobID     uint64 `json:"job_id"`
	StartedAt int64  `json:"started_at"`
}

// Index is the durable ordered key->value store over one logical
// table, keyed by sandbox name.
type Index struct {
	db *bbolt.DB
}

// Open creates STATE_DIR if needed and opens (or creates) the state
// database, ensuring the sandboxes bucket exists.
func Open(stateDir string) (*Index, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", stateDir, err)
	}

	dbPath := filepath.Join(stateDir, fileName)
	db, err := bbolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open state database %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure sandboxes bucket: %w", err)
	}

	return &Index{db: db}, nil
}

// Close releases the underlying database file and its lock.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Put inserts or replaces the assignment for name, atomically.
func (idx *Index) Put(name string, assignment Assignment) error {
	data, err := json.Marshal(assignment)
	if err != nil {
		return fmt.Errorf("marshal assignment for %s: %w", name, err)
	}

	return idx.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		return b.Put([]byte(name), data)
	})
}

// Get returns the assignment for name, or (Assignment{}, false, nil)
// if no entry exists.
func (idx *Index) Get(name string) (Assignment, bool, error) {
	var (
		assignment Assignment
		found      bool
	)

	err := idx.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		data := b.Get([]byte(name))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &assignment)
	})
	if err != nil {
		return Assignment{}, false, fmt.Errorf("read assignment for %s: %w", name, err)
	}

	return assignment, found, nil
}

// Remove deletes the entry for name. Removing an absent key succeeds
// silently.
func (idx *Index) Remove(name string) error {
	return idx.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		return b.Delete([]byte(name))
	})
}

// Entry pairs a sandbox name with its assignment, for List's snapshot
// enumeration.
type Entry struct {
	Name       string
	Assignment Assignment
}

// List returns a consistent snapshot of every entry in the index.
func (idx *Index) List() ([]Entry, error) {
	var entries []Entry

	err := idx.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		return b.ForEach(func(k, v []byte) error {
			var a Assignment
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("unmarshal assignment for %s: %w", k, err)
			}
			entries = append(entries, Entry{Name: string(k), Assignment: a})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}

	return entries, nil
}

// Clear removes every entry, atomically.
func (idx *Index) Clear() error {
	return idx.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(bucketName)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(bucketName))
		return err
	})
}
