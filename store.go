// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package swtpm

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// NVStatus describes whether durable storage can currently be written.
type NVStatus int

const (
	NVAvailable NVStatus = iota
	NVUnavailable
	NVRateLimited
)

func (s NVStatus) String() string {
	switch s {
	case NVAvailable:
		return "available"
	case NVUnavailable:
		return "unavailable"
	case NVRateLimited:
		return "rate-limited"
	default:
		return fmt.Sprintf("NVStatus(%d)", int(s))
	}
}

// ErrNotFound is returned from Store.ReadReserved when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store provides durable storage for the TPM's reserved records and NV
// indices. The TPM serializes access, so implementations don't need to be
// safe for concurrent use by a single TPM.
type Store interface {
	// ReadReserved returns the record with the specified key, or
	// ErrNotFound.
	ReadReserved(key string) ([]byte, error)

	// WriteReserved creates or replaces the record with the specified key.
	WriteReserved(key string, data []byte) error

	// DeleteReserved removes the record with the specified key. Deleting a
	// record that doesn't exist is not an error.
	DeleteReserved(key string) error

	// Keys returns the keys of every record that starts with prefix, in
	// lexical order.
	Keys(prefix string) ([]string, error)

	// Status indicates whether the store can currently be written.
	Status() NVStatus
}

// Record keys.
const (
	keyPersistent = "persistent"
	keyOrderly    = "orderly"
	keyStateReset = "state-reset"
	keyStateClear = "state-clear"
	keyNVPrefix   = "nv/"
)

func nvKey(h Handle) string {
	return fmt.Sprintf("%s%08x", keyNVPrefix, uint32(h))
}

// MemoryStore is a Store that keeps records in memory. It is useful for
// testing and for TPMs that don't need to survive the process.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string][]byte
	status  NVStatus
}

// NewMemoryStore returns a new empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

func (s *MemoryStore) ReadReserved(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) WriteReserved(key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != NVAvailable {
		return fmt.Errorf("cannot write record: store is %v", s.status)
	}
	s.records[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) DeleteReserved(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != NVAvailable {
		return fmt.Errorf("cannot delete record: store is %v", s.status)
	}
	delete(s.records, key)
	return nil
}

func (s *MemoryStore) Keys(prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for k := range s.records {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Status() NVStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus changes the availability reported by this store. Writes fail
// whilst the store is not available.
func (s *MemoryStore) SetStatus(status NVStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}
