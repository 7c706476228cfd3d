// Package store defines the narrow key-value persistence interface used by
// the sotto managers for preferences, event history, and the response cache
// mirror.
//
// Keys live inside namespaces so that independent managers never collide:
// preferences and event history are namespaced per user identifier, cache
// entries per voice identifier. Implementations are provided by the
// [github.com/sotto-voice/sotto/pkg/store/sqlite] and
// [github.com/sotto-voice/sotto/pkg/store/mem] subpackages; any store with
// get/put/delete/list semantics can satisfy the interface.
//
// All implementations must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by [KV.Get] when the key does not exist in the
// namespace. Callers on degraded paths treat it as a cache miss, not a fault.
var ErrNotFound = errors.New("store: key not found")

// Entry is a single persisted record returned by [KV.List].
type Entry struct {
	// Key is the record key within its namespace.
	Key string

	// Value is the opaque stored payload.
	Value []byte

	// UpdatedAt is when the record was last written.
	UpdatedAt time.Time
}

// KV is a namespaced key-value store.
//
// Implementations must treat Value byte slices as immutable after Put and
// must not retain or mutate slices passed by the caller.
type KV interface {
	// Get returns the value stored under (ns, key), or [ErrNotFound].
	Get(ctx context.Context, ns, key string) ([]byte, error)

	// Put stores value under (ns, key), overwriting any previous value and
	// refreshing the record's UpdatedAt.
	Put(ctx context.Context, ns, key string, value []byte) error

	// Delete removes (ns, key). Deleting a missing key is not an error.
	Delete(ctx context.Context, ns, key string) error

	// List returns all entries in ns whose key starts with prefix, ordered by
	// key. An empty prefix lists the whole namespace.
	List(ctx context.Context, ns, prefix string) ([]Entry, error)

	// Close releases the underlying storage. Safe to call more than once.
	Close() error
}
