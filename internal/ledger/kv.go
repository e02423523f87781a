// Package ledger persists the entitlement ledger: the unseal timestamp, the
// cached access status for cold starts, and the accumulated receipts. The
// ledger sits on a small key/value store so it can be backed by a local
// file, SQLite, or Redis when several devices share one account.
package ledger

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"
)

// ErrClosed is returned by stores after Close.
var ErrClosed = errors.New("ledger store closed")

// KVStore is the persistence contract every backend implements.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// ConditionalSetter is implemented by stores that can write a key only when
// it is absent in one step.
type ConditionalSetter interface {
	SetIfAbsent(ctx context.Context, key string, value []byte) (bool, error)
}

// PrefixScanner is implemented by stores that can return every entry whose
// key starts with prefix.
type PrefixScanner interface {
	Scan(ctx context.Context, prefix string) (map[string][]byte, error)
}

// Watcher is implemented by stores whose contents can change underneath the
// process, e.g. from another device. onChange receives the changed keys, or
// nil when the store cannot tell which keys changed.
type Watcher interface {
	Watch(ctx context.Context, onChange func(keys []string)) error
}

// MemoryStore keeps values in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
	closed bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	v, ok := s.values[key]
	return slices.Clone(v), ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.values[key] = slices.Clone(value)
	return nil
}

func (s *MemoryStore) SetIfAbsent(_ context.Context, key string, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if _, ok := s.values[key]; ok {
		return false, nil
	}
	s.values[key] = slices.Clone(value)
	return true, nil
}

func (s *MemoryStore) Scan(_ context.Context, prefix string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[string][]byte)
	for k, v := range s.values {
		if strings.HasPrefix(k, prefix) {
			out[k] = slices.Clone(v)
		}
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.values, key)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Keys returns the stored keys in lexical order.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.values))
}
