package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSStoreConfig selects the JetStream KV bucket tasks live in.
type NATSStoreConfig struct {
	Conn   *nats.Conn // required; the caller keeps ownership
	Bucket string

	// History is how many revisions JetStream keeps per key.
	History int

	// Replicas of the bucket on a clustered server.
	Replicas int

	MaxValueSize int32

	// OpTimeout bounds each KV call that has no earlier deadline.
	OpTimeout time.Duration
}

// DefaultNATSStoreConfig returns a single-replica "taskboard" bucket.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		Bucket:       "taskboard",
		History:      1,
		Replicas:     1,
		MaxValueSize: 1 << 20,
		OpTimeout:    5 * time.Second,
	}
}

func (c NATSStoreConfig) withDefaults() NATSStoreConfig {
	def := DefaultNATSStoreConfig()
	if c.Bucket == "" {
		c.Bucket = def.Bucket
	}
	if c.History <= 0 {
		c.History = def.History
	}
	if c.Replicas <= 0 {
		c.Replicas = def.Replicas
	}
	if c.MaxValueSize <= 0 {
		c.MaxValueSize = def.MaxValueSize
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = def.OpTimeout
	}
	return c
}

// NATSStore is a StateStore on a JetStream KV bucket. Create, Update and
// revisioned Delete are checked by the server against the key's last
// revision, so concurrent controllers cannot both win.
type NATSStore struct {
	kv      jetstream.KeyValue
	timeout time.Duration
	closed  atomic.Bool
}

var _ StateStore = (*NATSStore)(nil)

// NewNATSStore binds to the bucket, creating it when missing.
func NewNATSStore(cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, errors.New("nats store: no connection")
	}
	cfg = cfg.withDefaults()

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("nats store: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.OpTimeout)
	defer cancel()
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		Description:  "taskboard tasks, message refs and channel routes",
		History:      uint8(cfg.History),
		Replicas:     cfg.Replicas,
		MaxValueSize: cfg.MaxValueSize,
	})
	if err != nil {
		return nil, fmt.Errorf("nats store: bucket %s: %w", cfg.Bucket, err)
	}
	return &NATSStore{kv: kv, timeout: cfg.OpTimeout}, nil
}

// call validates key, bounds ctx and translates JetStream errors into the
// package's errors. mismatch is what a failed revision check becomes.
func (s *NATSStore) call(ctx context.Context, op, key string, mismatch error, fn func(context.Context) error) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := fn(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jetstream.ErrKeyNotFound):
		return ErrNotFound
	case mismatch != nil && wrongRevision(err):
		return mismatch
	}
	return fmt.Errorf("kv %s %s: %w", op, key, err)
}

func wrongRevision(err error) bool {
	var apiErr *jetstream.APIError
	return errors.Is(err, jetstream.ErrKeyExists) ||
		(errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence)
}

func (s *NATSStore) Get(ctx context.Context, key string) (*KeyValue, error) {
	var kv *KeyValue
	err := s.call(ctx, "get", key, nil, func(ctx context.Context) error {
		e, err := s.kv.Get(ctx, key)
		if err == nil {
			kv = &KeyValue{Key: e.Key(), Value: e.Value(), Revision: e.Revision(), Created: e.Created()}
		}
		return err
	})
	return kv, err
}

func (s *NATSStore) Create(ctx context.Context, key string, value []byte) (rev uint64, err error) {
	err = s.call(ctx, "create", key, ErrKeyExists, func(ctx context.Context) (err error) {
		rev, err = s.kv.Create(ctx, key, value)
		return err
	})
	return rev, err
}

// Update fails with ErrRevisionMismatch when the key moved on or is gone.
func (s *NATSStore) Update(ctx context.Context, key string, value []byte, revision uint64) (rev uint64, err error) {
	err = s.call(ctx, "update", key, ErrRevisionMismatch, func(ctx context.Context) (err error) {
		rev, err = s.kv.Update(ctx, key, value, revision)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		err = ErrRevisionMismatch
	}
	return rev, err
}

func (s *NATSStore) Put(ctx context.Context, key string, value []byte) (rev uint64, err error) {
	err = s.call(ctx, "put", key, nil, func(ctx context.Context) (err error) {
		rev, err = s.kv.Put(ctx, key, value)
		return err
	})
	return rev, err
}

// Delete with revision 0 is unconditional and ignores missing keys.
func (s *NATSStore) Delete(ctx context.Context, key string, revision uint64) error {
	var opts []jetstream.KVDeleteOpt
	if revision != 0 {
		opts = append(opts, jetstream.LastRevision(revision))
	}
	err := s.call(ctx, "delete", key, ErrRevisionMismatch, func(ctx context.Context) error {
		return s.kv.Delete(ctx, key, opts...)
	})
	if errors.Is(err, ErrNotFound) {
		if revision == 0 {
			return nil
		}
		return ErrRevisionMismatch
	}
	return err
}

// Keys lists keys under prefix in order. A prefix ending in "." is
// filtered by the server.
func (s *NATSStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, 2*s.timeout)
	defer cancel()

	var (
		lister jetstream.KeyLister
		err    error
	)
	if strings.HasSuffix(prefix, ".") {
		lister, err = s.kv.ListKeysFiltered(ctx, prefix+">")
	} else {
		lister, err = s.kv.ListKeys(ctx)
	}
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kv keys %s: %w", prefix, err)
	}
	defer lister.Stop()

	var keys []string
	for k := range lister.Keys() {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close stops the store. The connection stays open.
func (s *NATSStore) Close() error {
	s.closed.Store(true)
	return nil
}
