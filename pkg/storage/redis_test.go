package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadmate/drivesync/pkg/observability"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store, err := NewRedisStore(RedisConfig{Addr: mr.Addr()}, observability.NewNoopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

// TestRedisStore_PutGet tests basic write/read roundtrips
func TestRedisStore_PutGet(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	err := store.Put(ctx, "cache:bookings:42", []byte("reservation"), 0)
	require.NoError(t, err)

	value, err := store.Get(ctx, "cache:bookings:42")
	require.NoError(t, err)
	assert.Equal(t, []byte("reservation"), value)
}

// TestRedisStore_GetMissing tests that absent keys return ErrNotFound
func TestRedisStore_GetMissing(t *testing.T) {
	store, _ := newTestRedisStore(t)

	_, err := store.Get(context.Background(), "cache:bookings:none")
	assert.True(t, errors.Is(err, ErrNotFound))
}

// TestRedisStore_TTLExpiry tests that records die with their Redis TTL
func TestRedisStore_TTLExpiry(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	err := store.Put(ctx, "cache:vehicle_status:soc", []byte("82%"), 100*time.Millisecond)
	require.NoError(t, err)

	value, err := store.Get(ctx, "cache:vehicle_status:soc")
	require.NoError(t, err)
	assert.Equal(t, []byte("82%"), value)

	mr.FastForward(150 * time.Millisecond)

	_, err = store.Get(ctx, "cache:vehicle_status:soc")
	assert.True(t, errors.Is(err, ErrNotFound))
}

// TestRedisStore_GetRecord tests that the remaining TTL surfaces as expiry
func TestRedisStore_GetRecord(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "cache:bookings:timed", []byte("x"), time.Minute))
	require.NoError(t, store.Put(ctx, "cache:bookings:forever", []byte("y"), 0))

	rec, err := store.GetRecord(ctx, "cache:bookings:timed")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), rec.Value)
	require.NotNil(t, rec.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Minute), *rec.ExpiresAt, 5*time.Second)

	rec, err = store.GetRecord(ctx, "cache:bookings:forever")
	require.NoError(t, err)
	assert.Nil(t, rec.ExpiresAt)
}

// TestRedisStore_Delete tests removal, including of absent keys
func TestRedisStore_Delete(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "kv:session", []byte("token"), 0))
	require.NoError(t, store.Delete(ctx, "kv:session"))

	_, err := store.Get(ctx, "kv:session")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, store.Delete(ctx, "kv:session"))
}

// TestRedisStore_List tests prefix listing and TTL surfacing
func TestRedisStore_List(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("cache:poi_data:station-%d", i)
		require.NoError(t, store.Put(ctx, key, []byte(fmt.Sprintf("poi-%d", i)), 0))
	}
	require.NoError(t, store.Put(ctx, "cache:bookings:1", []byte("other"), 0))
	require.NoError(t, store.Put(ctx, "cache:poi_data:timed", []byte("t"), time.Minute))

	records, err := store.List(ctx, "cache:poi_data:")
	require.NoError(t, err)
	require.Len(t, records, 4)

	byKey := make(map[string]Record, len(records))
	for _, rec := range records {
		byKey[rec.Key] = rec
	}
	assert.Nil(t, byKey["cache:poi_data:station-0"].ExpiresAt)
	require.NotNil(t, byKey["cache:poi_data:timed"].ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Minute), *byKey["cache:poi_data:timed"].ExpiresAt, 5*time.Second)
}

// TestRedisStore_PurgePrefix tests namespace flushes leave other namespaces intact
func TestRedisStore_PurgePrefix(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, CacheKey("bookings", "1"), []byte("x"), 0))
	require.NoError(t, store.Put(ctx, CacheKey("bookings", "2"), []byte("y"), 0))
	require.NoError(t, store.Put(ctx, SyncKey("item-1"), []byte("queued"), 0))

	purged, err := store.PurgePrefix(ctx, CategoryPrefix("bookings"))
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	value, err := store.Get(ctx, SyncKey("item-1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("queued"), value)
}

// TestRedisStore_SizeBytes tests value-length accounting
func TestRedisStore_SizeBytes(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "kv:a", make([]byte, 100), 0))
	require.NoError(t, store.Put(ctx, "kv:b", make([]byte, 50), 0))

	size, err := store.SizeBytes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(150), size)
}

// TestRedisStore_ConnectFailure tests that an unreachable server fails fast
func TestRedisStore_ConnectFailure(t *testing.T) {
	_, err := NewRedisStore(RedisConfig{
		Addr:    "127.0.0.1:1",
		Timeout: 500 * time.Millisecond,
	}, observability.NewNoopLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}
