package state

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps entries in a map. Revisions come from one counter
// for the whole store, as they do in a JetStream bucket.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]KeyValue
	rev     uint64
	closed  bool
}

var _ StateStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]KeyValue)}
}

// action is what a conditional write decided to do with a key.
type action int

const (
	keep action = iota
	store
	remove
)

// mutate runs decide on the current entry under the write lock and
// applies its choice. It returns the new revision for a store.
func (s *MemoryStore) mutate(ctx context.Context, key string, value []byte, decide func(cur KeyValue, exists bool) (action, error)) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	cur, exists := s.entries[key]
	act, err := decide(cur, exists)
	if err != nil {
		return 0, err
	}
	switch act {
	case store:
		s.rev++
		s.entries[key] = KeyValue{Key: key, Value: bytes.Clone(value), Revision: s.rev, Created: time.Now()}
		return s.rev, nil
	case remove:
		delete(s.entries, key)
	}
	return 0, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*KeyValue, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	kv, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	kv.Value = bytes.Clone(kv.Value)
	return &kv, nil
}

func (s *MemoryStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	return s.mutate(ctx, key, value, func(_ KeyValue, exists bool) (action, error) {
		if exists {
			return keep, ErrKeyExists
		}
		return store, nil
	})
}

func (s *MemoryStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	return s.mutate(ctx, key, value, func(cur KeyValue, exists bool) (action, error) {
		if !exists || cur.Revision != revision {
			return keep, ErrRevisionMismatch
		}
		return store, nil
	})
}

func (s *MemoryStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	return s.mutate(ctx, key, value, func(KeyValue, bool) (action, error) {
		return store, nil
	})
}

func (s *MemoryStore) Delete(ctx context.Context, key string, revision uint64) error {
	_, err := s.mutate(ctx, key, nil, func(cur KeyValue, exists bool) (action, error) {
		if revision != 0 && (!exists || cur.Revision != revision) {
			return keep, ErrRevisionMismatch
		}
		return remove, nil
	})
	return err
}

func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var keys []string
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close drops every entry. Later calls fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.entries = make(map[string]KeyValue)
	return nil
}
