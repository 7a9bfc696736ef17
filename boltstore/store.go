// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

/*
Package boltstore provides a durable implementation of swtpm.Store backed by
a bbolt database file.
*/
package boltstore

import (
	"bytes"
	"os"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"golang.org/x/xerrors"

	"github.com/canonical/go-swtpm"
)

var bucketReserved = []byte("reserved")

// DefaultTimeout is the time to wait for the file lock of a database that is
// already open in another process.
const DefaultTimeout = 10 * time.Second

// Options customizes how a database is opened.
type Options struct {
	// Timeout is the time to wait for the file lock. If zero,
	// DefaultTimeout is used.
	Timeout time.Duration

	// ReadOnly opens the database read-only. The store then reports
	// itself as unavailable for writes.
	ReadOnly bool
}

// Store is a swtpm.Store that keeps records in the "reserved" bucket of a
// bbolt database. Each write is committed in its own transaction.
type Store struct {
	mu       sync.Mutex
	db       *bbolt.DB
	readOnly bool
	status   swtpm.NVStatus
}

// Open opens or creates the database at path. If opts is nil, default options
// are used.
func Open(path string, opts *Options) (*Store, error) {
	if opts == nil {
		opts = new(Options)
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: timeout, ReadOnly: opts.ReadOnly})
	if err != nil {
		return nil, xerrors.Errorf("cannot open database: %w", err)
	}

	if !opts.ReadOnly {
		if err := db.Update(func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketReserved)
			return err
		}); err != nil {
			db.Close()
			return nil, xerrors.Errorf("cannot create bucket: %w", err)
		}
	}

	s := &Store{db: db, readOnly: opts.ReadOnly}
	if opts.ReadOnly {
		s.status = swtpm.NVUnavailable
	}
	return s, nil
}

// Close closes the database. The store reports itself as unavailable
// afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.status = swtpm.NVUnavailable
	return err
}

// SetStatus overrides the availability reported by this store. It can be
// used to take the store offline for maintenance. Writes fail whilst the
// store is not available.
func (s *Store) SetStatus(status swtpm.NVStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil || s.readOnly {
		return
	}
	s.status = status
}

func (s *Store) view(fn func(b *bbolt.Bucket) error) error {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()

	if db == nil {
		return xerrors.New("database is closed")
	}
	return db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketReserved)
		if b == nil {
			return swtpm.ErrNotFound
		}
		return fn(b)
	})
}

func (s *Store) update(fn func(b *bbolt.Bucket) error) error {
	s.mu.Lock()
	db := s.db
	status := s.status
	s.mu.Unlock()

	switch {
	case db == nil:
		return xerrors.New("database is closed")
	case status != swtpm.NVAvailable:
		return xerrors.Errorf("store is %v", status)
	}
	return db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketReserved)
		if err != nil {
			return err
		}
		return fn(b)
	})
}

func (s *Store) ReadReserved(key string) (data []byte, err error) {
	err = s.view(func(b *bbolt.Bucket) error {
		v := b.Get([]byte(key))
		if v == nil {
			return swtpm.ErrNotFound
		}
		// v is only valid for the life of the transaction.
		data = append([]byte(nil), v...)
		return nil
	})
	if err == swtpm.ErrNotFound {
		return nil, err
	}
	if err != nil {
		return nil, xerrors.Errorf("cannot read record %q: %w", key, err)
	}
	return data, nil
}

func (s *Store) WriteReserved(key string, data []byte) error {
	if err := s.update(func(b *bbolt.Bucket) error {
		return b.Put([]byte(key), data)
	}); err != nil {
		return xerrors.Errorf("cannot write record %q: %w", key, err)
	}
	return nil
}

func (s *Store) DeleteReserved(key string) error {
	if err := s.update(func(b *bbolt.Bucket) error {
		return b.Delete([]byte(key))
	}); err != nil {
		return xerrors.Errorf("cannot delete record %q: %w", key, err)
	}
	return nil
}

func (s *Store) Keys(prefix string) (keys []string, err error) {
	p := []byte(prefix)
	err = s.view(func(b *bbolt.Bucket) error {
		c := b.Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	switch {
	case err == swtpm.ErrNotFound:
		return nil, nil
	case err != nil:
		return nil, xerrors.Errorf("cannot list records: %w", err)
	}
	return keys, nil
}

func (s *Store) Status() swtpm.NVStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Path returns the path of the database file.
func (s *Store) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ""
	}
	return s.db.Path()
}

var _ swtpm.Store = (*Store)(nil)

// Remove closes the store and deletes the database file. It is intended for
// decommissioning a TPM.
func (s *Store) Remove() error {
	path := s.Path()
	if err := s.Close(); err != nil {
		return err
	}
	if path == "" {
		return nil
	}
	return os.Remove(path)
}
