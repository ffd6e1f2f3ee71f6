package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadmate/drivesync/pkg/compression"
	"github.com/roadmate/drivesync/pkg/observability"
	"github.com/roadmate/drivesync/pkg/policy"
	"github.com/roadmate/drivesync/pkg/storage"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:", observability.NewNoopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newManagerOver(t *testing.T, store storage.Store, policies map[string]policy.CachePolicy, pcfg compression.Config) *Manager {
	t.Helper()
	logger := observability.NewNoopLogger()

	pipeline, err := compression.NewPipeline(pcfg, logger)
	require.NoError(t, err)

	m, err := NewManager(&Config{
		Policies: policy.NewRegistry(policies, logger),
		Store:    store,
		Pipeline: pipeline,
		Logger:   logger,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

// memoryKeys returns the category's memory tier contents in insertion order
func memoryKeys(m *Manager, category string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	tier := m.tiers[category]
	if tier == nil {
		return nil
	}
	var keys []string
	for _, e := range tier.entries() {
		keys = append(keys, e.Key)
	}
	return keys
}

// TestManager_PutGet tests a basic roundtrip through the memory tier
func TestManager_PutGet(t *testing.T) {
	store := newTestStore(t)
	m := newManagerOver(t, store, nil, compression.DefaultConfig())
	ctx := context.Background()

	err := m.Put(ctx, "soc", "vehicle_status", "82%")
	require.NoError(t, err)

	value, ok := m.Get(ctx, "soc", "vehicle_status")
	require.True(t, ok)
	assert.Equal(t, []byte("82%"), value)

	_, ok = m.Get(ctx, "missing", "vehicle_status")
	assert.False(t, ok)
}

// TestManager_StructuredValues tests that structured values serialize to JSON
func TestManager_StructuredValues(t *testing.T) {
	store := newTestStore(t)
	m := newManagerOver(t, store, nil, compression.DefaultConfig())
	ctx := context.Background()

	booking := map[string]interface{}{"id": "bk-1", "bay": 7}
	require.NoError(t, m.Put(ctx, "bk-1", "bookings", booking))

	value, ok := m.Get(ctx, "bk-1", "bookings")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"bk-1","bay":7}`, string(value))
}

// TestManager_PersistentPromotion tests that a value written before a restart
// is served from the persistent tier and promoted into memory
func TestManager_PersistentPromotion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := newManagerOver(t, store, nil, compression.DefaultConfig())
	require.NoError(t, first.Put(ctx, "bk-1", "bookings", "reservation"))
	first.Close()

	second := newManagerOver(t, store, nil, compression.DefaultConfig())

	value, ok := second.Get(ctx, "bk-1", "bookings")
	require.True(t, ok)
	assert.Equal(t, []byte("reservation"), value)

	// Promoted into memory: a second read stays a hit even if storage dies
	assert.Equal(t, []string{"bk-1"}, memoryKeys(second, "bookings"))
}

// TestManager_TTLExpiry tests lazy and timer-driven expiry agree: present
// before the deadline, absent after
func TestManager_TTLExpiry(t *testing.T) {
	policies := map[string]policy.CachePolicy{
		"vehicle_status": {TTL: 100 * time.Millisecond, MaxMemoryItems: 10, SyncStrategy: policy.SyncBackground, Priority: 1},
	}
	store := newTestStore(t)
	m := newManagerOver(t, store, policies, compression.DefaultConfig())
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "soc", "vehicle_status", "82%"))

	_, ok := m.Get(ctx, "soc", "vehicle_status")
	assert.True(t, ok)

	time.Sleep(150 * time.Millisecond)

	_, ok = m.Get(ctx, "soc", "vehicle_status")
	assert.False(t, ok)
	assert.GreaterOrEqual(t, m.Stats().Expirations, int64(1))
}

// TestManager_EvictionBound tests that the memory tier never exceeds its cap
// and that the oldest insertion is the evictee
func TestManager_EvictionBound(t *testing.T) {
	policies := map[string]policy.CachePolicy{
		"poi_data": {TTL: time.Hour, MaxMemoryItems: 2, SyncStrategy: policy.SyncBackground, Priority: 1},
	}
	store := newTestStore(t)
	m := newManagerOver(t, store, policies, compression.DefaultConfig())
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "a", "poi_data", "station a"))
	require.NoError(t, m.Put(ctx, "b", "poi_data", "station b"))
	require.NoError(t, m.Put(ctx, "c", "poi_data", "station c"))

	assert.Equal(t, []string{"b", "c"}, memoryKeys(m, "poi_data"))
	assert.Equal(t, int64(1), m.Stats().Evictions)

	// The evicted entry is still served from the persistent tier, and its
	// promotion evicts the now-oldest insertion
	value, ok := m.Get(ctx, "a", "poi_data")
	require.True(t, ok)
	assert.Equal(t, []byte("station a"), value)
	assert.Equal(t, []string{"c", "a"}, memoryKeys(m, "poi_data"))
}

// TestManager_EvictionIgnoresAccessOrder tests that reads do not protect an
// entry: eviction follows insertion order, not recency
func TestManager_EvictionIgnoresAccessOrder(t *testing.T) {
	policies := map[string]policy.CachePolicy{
		"poi_data": {TTL: time.Hour, MaxMemoryItems: 2, SyncStrategy: policy.SyncBackground, Priority: 1},
	}
	store := newTestStore(t)
	m := newManagerOver(t, store, policies, compression.DefaultConfig())
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "a", "poi_data", "station a"))
	require.NoError(t, m.Put(ctx, "b", "poi_data", "station b"))

	// Touch "a" repeatedly; it is still the oldest insertion
	for i := 0; i < 5; i++ {
		_, ok := m.Get(ctx, "a", "poi_data")
		require.True(t, ok)
	}

	require.NoError(t, m.Put(ctx, "c", "poi_data", "station c"))
	assert.Equal(t, []string{"b", "c"}, memoryKeys(m, "poi_data"))
}

// TestManager_OverwriteCountsAsInsertion tests that rewriting a key moves it
// to the back of the eviction order
func TestManager_OverwriteCountsAsInsertion(t *testing.T) {
	policies := map[string]policy.CachePolicy{
		"poi_data": {TTL: time.Hour, MaxMemoryItems: 2, SyncStrategy: policy.SyncBackground, Priority: 1},
	}
	store := newTestStore(t)
	m := newManagerOver(t, store, policies, compression.DefaultConfig())
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "a", "poi_data", "v1"))
	require.NoError(t, m.Put(ctx, "b", "poi_data", "v1"))
	require.NoError(t, m.Put(ctx, "a", "poi_data", "v2"))
	assert.Equal(t, []string{"b", "a"}, memoryKeys(m, "poi_data"))

	require.NoError(t, m.Put(ctx, "c", "poi_data", "v1"))
	assert.Equal(t, []string{"a", "c"}, memoryKeys(m, "poi_data"))

	value, ok := m.Get(ctx, "a", "poi_data")
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), value)
}

// TestManager_CompressionScenario walks the documented end-to-end scenario:
// a 5 minute TTL category capped at 2 items with a 10 byte compression
// threshold. A sub-threshold value stays raw, a larger one is compressed at
// rest, a third insert evicts the first, and reads are transparent.
func TestManager_CompressionScenario(t *testing.T) {
	policies := map[string]policy.CachePolicy{
		"trip_history": {
			TTL:                5 * time.Minute,
			MaxMemoryItems:     2,
			CompressionEnabled: true,
			SyncStrategy:       policy.SyncBackground,
			Priority:           1,
		},
	}
	pcfg := compression.DefaultConfig()
	pcfg.ThresholdBytes = 10

	store := newTestStore(t)
	m := newManagerOver(t, store, policies, pcfg)
	ctx := context.Background()

	small := "tiny"
	large := strings.Repeat("breadcrumb ", 20)

	require.NoError(t, m.Put(ctx, "a", "trip_history", small))
	require.NoError(t, m.Put(ctx, "b", "trip_history", large))

	// At rest: "a" below threshold stays raw, "b" carries the gzip header
	// and is smaller than its input
	storedA, err := store.Get(ctx, storage.CacheKey("trip_history", "a"))
	require.NoError(t, err)
	assert.Equal(t, []byte(small), storedA)

	storedB, err := store.Get(ctx, storage.CacheKey("trip_history", "b"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(storedB), 2)
	assert.Equal(t, byte(0x1f), storedB[0])
	assert.Equal(t, byte(0x8b), storedB[1])
	assert.Less(t, len(storedB), len(large))

	// Third insert evicts the oldest insertion from memory
	require.NoError(t, m.Put(ctx, "c", "trip_history", "third"))
	assert.Equal(t, []string{"b", "c"}, memoryKeys(m, "trip_history"))

	// Reads are transparent regardless of at-rest form
	value, ok := m.Get(ctx, "b", "trip_history")
	require.True(t, ok)
	assert.Equal(t, []byte(large), value)

	value, ok = m.Get(ctx, "a", "trip_history")
	require.True(t, ok)
	assert.Equal(t, []byte(small), value)
}

// TestManager_DecompressOnPromotion tests that a compressed persistent entry
// is decompressed when promoted after a restart
func TestManager_DecompressOnPromotion(t *testing.T) {
	policies := map[string]policy.CachePolicy{
		"trip_history": {
			TTL:                time.Hour,
			MaxMemoryItems:     10,
			CompressionEnabled: true,
			SyncStrategy:       policy.SyncBackground,
			Priority:           1,
		},
	}
	pcfg := compression.DefaultConfig()
	pcfg.ThresholdBytes = 10

	store := newTestStore(t)
	ctx := context.Background()
	large := strings.Repeat("waypoint ", 40)

	first := newManagerOver(t, store, policies, pcfg)
	require.NoError(t, first.Put(ctx, "trip-9", "trip_history", large))
	first.Close()

	second := newManagerOver(t, store, policies, pcfg)
	value, ok := second.Get(ctx, "trip-9", "trip_history")
	require.True(t, ok)
	assert.Equal(t, []byte(large), value)
}

// failingStore fails every operation; it stands in for a corrupt or
// unavailable persistent tier
type failingStore struct {
	err error
}

func (f *failingStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, f.err
}
func (f *failingStore) GetRecord(ctx context.Context, key string) (storage.Record, error) {
	return storage.Record{}, f.err
}
func (f *failingStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return f.err
}
func (f *failingStore) Delete(ctx context.Context, key string) error { return f.err }
func (f *failingStore) List(ctx context.Context, prefix string) ([]storage.Record, error) {
	return nil, f.err
}
func (f *failingStore) PurgeExpired(ctx context.Context) (int, error) { return 0, f.err }
func (f *failingStore) PurgePrefix(ctx context.Context, p string) (int, error) {
	return 0, f.err
}
func (f *failingStore) SizeBytes(ctx context.Context) (int64, error) { return 0, f.err }

func (f *failingStore) Close() error { return nil }


// TestManager_StorageFailureDegradesToMiss tests that a broken persistent
// tier turns reads into misses instead of errors
func TestManager_StorageFailureDegradesToMiss(t *testing.T) {
	store := &failingStore{err: errors.New("disk I/O error")}
	m := newManagerOver(t, store, nil, compression.DefaultConfig())
	ctx := context.Background()

	_, ok := m.Get(ctx, "soc", "vehicle_status")
	assert.False(t, ok)

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.StorageErrors)
}

// TestManager_StorageWriteFailureKeepsMemory tests that a failed persistent
// write does not fail the put; the memory tier still serves the value
func TestManager_StorageWriteFailureKeepsMemory(t *testing.T) {
	store := &failingStore{err: errors.New("database is locked")}
	m := newManagerOver(t, store, nil, compression.DefaultConfig())
	ctx := context.Background()

	err := m.Put(ctx, "soc", "vehicle_status", "82%")
	require.NoError(t, err)

	value, ok := m.Get(ctx, "soc", "vehicle_status")
	require.True(t, ok)
	assert.Equal(t, []byte("82%"), value)
	assert.GreaterOrEqual(t, m.Stats().StorageErrors, int64(1))
}

// TestManager_SerializeFailure tests that unserializable values fail the put
func TestManager_SerializeFailure(t *testing.T) {
	store := newTestStore(t)
	m := newManagerOver(t, store, nil, compression.DefaultConfig())

	err := m.Put(context.Background(), "bad", "vehicle_status", make(chan int))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to serialize")
}

// TestManager_Remove tests removal from both tiers
func TestManager_Remove(t *testing.T) {
	store := newTestStore(t)
	m := newManagerOver(t, store, nil, compression.DefaultConfig())
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "bk-1", "bookings", "reservation"))
	require.NoError(t, m.Remove(ctx, "bk-1", "bookings"))

	_, ok := m.Get(ctx, "bk-1", "bookings")
	assert.False(t, ok)

	_, err := store.Get(ctx, storage.CacheKey("bookings", "bk-1"))
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

// TestManager_ClearCategory tests that clearing one category leaves others alone
func TestManager_ClearCategory(t *testing.T) {
	store := newTestStore(t)
	m := newManagerOver(t, store, nil, compression.DefaultConfig())
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "bk-1", "bookings", "reservation"))
	require.NoError(t, m.Put(ctx, "soc", "vehicle_status", "82%"))

	require.NoError(t, m.ClearCategory(ctx, "bookings"))

	_, ok := m.Get(ctx, "bk-1", "bookings")
	assert.False(t, ok)

	value, ok := m.Get(ctx, "soc", "vehicle_status")
	require.True(t, ok)
	assert.Equal(t, []byte("82%"), value)

	_, err := store.Get(ctx, storage.CacheKey("bookings", "bk-1"))
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

// TestManager_Preload tests warming the memory tier from the persistent tier
func TestManager_Preload(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := newManagerOver(t, store, nil, compression.DefaultConfig())
	for i := 0; i < 3; i++ {
		require.NoError(t, first.Put(ctx, fmt.Sprintf("pref-%d", i), "user_preferences", fmt.Sprintf("value-%d", i)))
	}
	first.Close()

	second := newManagerOver(t, store, nil, compression.DefaultConfig())
	loaded, err := second.Preload(ctx, "user_preferences")
	require.NoError(t, err)
	assert.Equal(t, 3, loaded)
	assert.Len(t, memoryKeys(second, "user_preferences"), 3)

	value, ok := second.Get(ctx, "pref-1", "user_preferences")
	require.True(t, ok)
	assert.Equal(t, []byte("value-1"), value)
}

// TestManager_StatsHitRate tests the accounting snapshot
func TestManager_StatsHitRate(t *testing.T) {
	store := newTestStore(t)
	m := newManagerOver(t, store, nil, compression.DefaultConfig())
	ctx := context.Background()

	assert.Equal(t, 0.0, m.Stats().HitRate())

	require.NoError(t, m.Put(ctx, "soc", "vehicle_status", "82%"))

	_, _ = m.Get(ctx, "soc", "vehicle_status")
	_, _ = m.Get(ctx, "soc", "vehicle_status")
	_, _ = m.Get(ctx, "missing", "vehicle_status")

	stats := m.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRate(), 0.001)
	assert.Equal(t, 1, stats.MemoryItemCount)
	assert.Greater(t, stats.MemorySizeBytes, int64(0))
	assert.Greater(t, stats.PersistentSizeBytes, int64(0))
}

// TestManager_CloseCancelsTimers tests that shutdown leaves no armed timers
func TestManager_CloseCancelsTimers(t *testing.T) {
	store := newTestStore(t)
	m := newManagerOver(t, store, nil, compression.DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Put(ctx, fmt.Sprintf("key-%d", i), "bookings", "value"))
	}

	m.Close()

	m.mu.Lock()
	remaining := len(m.timers)
	m.mu.Unlock()
	assert.Equal(t, 0, remaining)
}

// TestManager_ConcurrentAccess tests mixed readers and writers
func TestManager_ConcurrentAccess(t *testing.T) {
	store := newTestStore(t)
	m := newManagerOver(t, store, nil, compression.DefaultConfig())
	ctx := context.Background()

	done := make(chan bool)

	go func() {
		for i := 0; i < 50; i++ {
			key := fmt.Sprintf("key-%d", i)
			_ = m.Put(ctx, key, "poi_data", fmt.Sprintf("value-%d", i))
		}
		done <- true
	}()

	go func() {
		for i := 0; i < 50; i++ {
			key := fmt.Sprintf("key-%d", i)
			_, _ = m.Get(ctx, key, "poi_data")
		}
		done <- true
	}()

	<-done
	<-done

	value, ok := m.Get(ctx, "key-49", "poi_data")
	require.True(t, ok)
	assert.Equal(t, []byte("value-49"), value)
}

// BenchmarkManager_MemoryGet measures the memory-tier hit path
func BenchmarkManager_MemoryGet(b *testing.B) {
	store, err := storage.NewSQLiteStore(":memory:", observability.NewNoopLogger())
	require.NoError(b, err)
	defer func() { _ = store.Close() }()

	pipeline, err := compression.NewPipeline(compression.DefaultConfig(), observability.NewNoopLogger())
	require.NoError(b, err)

	m, err := NewManager(&Config{Store: store, Pipeline: pipeline})
	require.NoError(b, err)
	defer m.Close()

	ctx := context.Background()
	require.NoError(b, m.Put(ctx, "soc", "vehicle_status", "82%"))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = m.Get(ctx, "soc", "vehicle_status")
	}
}

// BenchmarkManager_Put measures the write path including the persistent tier
func BenchmarkManager_Put(b *testing.B) {
	store, err := storage.NewSQLiteStore(":memory:", observability.NewNoopLogger())
	require.NoError(b, err)
	defer func() { _ = store.Close() }()

	pipeline, err := compression.NewPipeline(compression.DefaultConfig(), observability.NewNoopLogger())
	require.NoError(b, err)

	m, err := NewManager(&Config{Store: store, Pipeline: pipeline})
	require.NoError(b, err)
	defer m.Close()

	ctx := context.Background()
	payload := strings.Repeat("breadcrumb ", 20)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = m.Put(ctx, "trip", "trip_history", payload)
	}
}
