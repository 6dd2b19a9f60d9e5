package state

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Common errors.
var (
	ErrNotFound         = errors.New("key not found")
	ErrKeyExists        = errors.New("key already exists")
	ErrRevisionMismatch = errors.New("revision mismatch")
	ErrClosed           = errors.New("store closed")
	ErrInvalidKey       = errors.New("invalid key")
)

// KeyValue represents a key-value entry with metadata.
type KeyValue struct {
	// Key is the entry key.
	Key string

	// Value is the entry value.
	Value []byte

	// Revision is a monotonic version number. Conditional writes compare
	// against it.
	Revision uint64

	// Created is when this revision was written.
	Created time.Time
}

// StateStore is a key-value store whose writes can be made conditional on
// the current revision of a key. Every conditional write is atomic on the
// backend, which makes it usable as a compare-and-swap primitive.
type StateStore interface {
	// Get retrieves the entry for key.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) (*KeyValue, error)

	// Create stores value only if key does not exist.
	// Returns ErrKeyExists otherwise.
	Create(ctx context.Context, key string, value []byte) (uint64, error)

	// Update stores value only if the key is currently at revision.
	// Returns ErrRevisionMismatch otherwise, including when the key is gone.
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)

	// Put stores value unconditionally.
	Put(ctx context.Context, key string, value []byte) (uint64, error)

	// Delete removes a key. A revision of 0 deletes unconditionally;
	// otherwise ErrRevisionMismatch is returned if the key moved on.
	// Deleting a missing key unconditionally is not an error.
	Delete(ctx context.Context, key string, revision uint64) error

	// Keys returns all keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close shuts down the store and releases resources.
	Close() error
}

// ValidateKey checks that a key is usable on every backend. NATS KV keys
// are limited to letters, digits and "-/_=.", with no leading or trailing dot.
func ValidateKey(key string) error {
	if key == "" || len(key) > 1024 {
		return ErrInvalidKey
	}
	if strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") {
		return ErrInvalidKey
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '/' || r == '_' || r == '=' || r == '.':
		default:
			return ErrInvalidKey
		}
	}
	return nil
}
