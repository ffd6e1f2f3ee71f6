// Package storage provides the durable tier beneath the cache and the sync
// queue. Implementations are bytes-oriented key/value stores with optional
// per-record expiry; all keys carry a namespace prefix so one namespace can
// be flushed without touching the others.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key has no live record
var ErrNotFound = errors.New("key not found in store")

// Namespace prefixes for the engine's durable keyspaces
const (
	// CachePrefix namespaces cache entries as cache:<category>:<key>
	CachePrefix = "cache:"
	// SyncPrefix namespaces queued mutations as syncq:<item id>
	SyncPrefix = "syncq:"
)

// CacheKey builds the durable key for a cache entry
func CacheKey(category, key string) string {
	return CachePrefix + category + ":" + key
}

// CategoryPrefix builds the durable key prefix covering one cache category
func CategoryPrefix(category string) string {
	return CachePrefix + category + ":"
}

// SyncKey builds the durable key for a queued sync item
func SyncKey(id string) string {
	return SyncPrefix + id
}

// Record is one durable key/value pair
type Record struct {
	Key       string
	Value     []byte
	ExpiresAt *time.Time
	UpdatedAt time.Time
}

// Expired reports whether the record's expiry has passed
func (r Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// Store is the persistent collaborator contract. A ttl of zero on Put means
// the record never expires on its own; expired records are logically absent
// from Get and List even before a purge removes them.
type Store interface {
	// Get returns the live value for key, or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)
	// GetRecord returns the live record for key with its expiry metadata,
	// or ErrNotFound. Callers that need the remaining TTL use this.
	GetRecord(ctx context.Context, key string) (Record, error)
	// Put writes or replaces the record for key
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes the record for key; deleting an absent key is not an error
	Delete(ctx context.Context, key string) error
	// List returns all live records whose keys start with prefix
	List(ctx context.Context, prefix string) ([]Record, error)
	// PurgeExpired removes expired records and reports how many went away
	PurgeExpired(ctx context.Context) (int, error)
	// PurgePrefix removes every record under prefix and reports the count
	PurgePrefix(ctx context.Context, prefix string) (int, error)
	// SizeBytes reports the total size of all live values
	SizeBytes(ctx context.Context) (int64, error)
	// Close releases the underlying resources
	Close() error
}
