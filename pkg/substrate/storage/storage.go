// Package storage implements the substrate's durable KV contract:
// hierarchical keys, CAS, TTL, and transactions, satisfied by two
// interchangeable engines — an embedded bbolt file store and a Postgres-
// backed server store — so higher layers depend only on the Engine
// interface, never a concrete engine.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Engine is the capability set every storage backend must satisfy.
type Engine interface {
	Put(ctx context.Context, key string, value []byte) error
	// Get reports found=false for a missing or TTL-expired key; reads after
	// expiration must observe absence even before the background reaper has
	// run.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	CompareAndSwap(ctx context.Context, key string, expected, newValue []byte) (bool, error)
	SetTTL(ctx context.Context, key string, d time.Duration) error
	Transaction(ctx context.Context) (Tx, error)
	Close() error
}

// Tx is an all-or-nothing batch of writes.
type Tx interface {
	Put(key string, value []byte)
	Delete(key string)
	Commit(ctx context.Context) error
	Rollback() error
}

// Key builds the hierarchical key layout the persisted state uses:
// layer:<L>/neuron:<N>/type:<T>[/id:<I>].
func Key(layer, neuron, typ string, id ...string) string {
	parts := []string{
		fmt.Sprintf("layer:%s", layer),
		fmt.Sprintf("neuron:%s", neuron),
		fmt.Sprintf("type:%s", typ),
	}
	if len(id) > 0 && id[0] != "" {
		parts = append(parts, fmt.Sprintf("id:%s", id[0]))
	}
	return strings.Join(parts, "/")
}
