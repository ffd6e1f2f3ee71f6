package kvstore

import (
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadmate/drivesync/pkg/observability"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(Config{SweepInterval: time.Hour}, observability.NewNoopLogger())
	t.Cleanup(s.Close)
	return s
}

// TestStore_SetGet tests scalar roundtrips
func TestStore_SetGet(t *testing.T) {
	s := newTestStore(t)

	s.Set("driver:name", "Asha", 0)

	value, err := s.Get("driver:name")
	require.NoError(t, err)
	assert.Equal(t, "Asha", value)

	_, err = s.Get("driver:missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

// TestStore_TTLExpiry tests that keys die after their TTL
func TestStore_TTLExpiry(t *testing.T) {
	s := newTestStore(t)

	s.Set("session:token", "abc123", 100*time.Millisecond)

	value, err := s.Get("session:token")
	require.NoError(t, err)
	assert.Equal(t, "abc123", value)

	time.Sleep(150 * time.Millisecond)

	_, err = s.Get("session:token")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, s.Exists("session:token"))
}

// TestStore_ExpireAndTTL tests TTL inspection and adjustment
func TestStore_ExpireAndTTL(t *testing.T) {
	s := newTestStore(t)

	s.Set("flag", "on", 0)

	remaining, ok := s.TTL("flag")
	assert.True(t, ok)
	assert.Equal(t, time.Duration(0), remaining)

	assert.True(t, s.Expire("flag", time.Hour))
	remaining, ok = s.TTL("flag")
	assert.True(t, ok)
	assert.Greater(t, remaining, 59*time.Minute)

	// Clearing the TTL makes the key permanent again
	assert.True(t, s.Expire("flag", 0))
	remaining, ok = s.TTL("flag")
	assert.True(t, ok)
	assert.Equal(t, time.Duration(0), remaining)

	assert.False(t, s.Expire("missing", time.Hour))
	_, ok = s.TTL("missing")
	assert.False(t, ok)
}

// TestStore_MutationRearmsTTL tests that writes restart the expiry window
func TestStore_MutationRearmsTTL(t *testing.T) {
	s := newTestStore(t)

	_, err := s.ListPush("trips:recent", "trip-1")
	require.NoError(t, err)
	require.True(t, s.Expire("trips:recent", 200*time.Millisecond))

	time.Sleep(120 * time.Millisecond)
	_, err = s.ListPush("trips:recent", "trip-2")
	require.NoError(t, err)

	// Past the original deadline, alive thanks to the re-arm
	time.Sleep(120 * time.Millisecond)
	assert.True(t, s.Exists("trips:recent"))

	time.Sleep(250 * time.Millisecond)
	assert.False(t, s.Exists("trips:recent"))
}

// TestStore_Delete tests removal semantics
func TestStore_Delete(t *testing.T) {
	s := newTestStore(t)

	s.Set("key", "value", 0)
	assert.True(t, s.Delete("key"))
	assert.False(t, s.Delete("key"))
	assert.False(t, s.Exists("key"))
}

// TestStore_IncrementDecrement tests counters, including the missing-is-zero rule
func TestStore_IncrementDecrement(t *testing.T) {
	s := newTestStore(t)

	// Missing key counts from zero
	n, err := s.Increment("stats:cold_starts")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.IncrementBy("stats:cold_starts", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	n, err = s.Decrement("stats:cold_starts")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	n, err = s.DecrementBy("stats:cold_starts", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(-5), n)

	// Decrement on a missing key also starts from zero
	n, err = s.Decrement("stats:fresh")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), n)

	s.Set("driver:name", "Asha", 0)
	_, err = s.Increment("driver:name")
	assert.True(t, errors.Is(err, ErrNotInteger))
}

// TestStore_ListOperations tests push/pop/length FIFO behavior
func TestStore_ListOperations(t *testing.T) {
	s := newTestStore(t)

	length, err := s.ListPush("queue", "first", "second")
	require.NoError(t, err)
	assert.Equal(t, 2, length)

	length, err = s.ListLength("queue")
	require.NoError(t, err)
	assert.Equal(t, 2, length)

	value, err := s.ListPop("queue")
	require.NoError(t, err)
	assert.Equal(t, "first", value)

	value, err = s.ListPop("queue")
	require.NoError(t, err)
	assert.Equal(t, "second", value)

	// Draining the list removes the key
	assert.False(t, s.Exists("queue"))
	_, err = s.ListPop("queue")
	assert.True(t, errors.Is(err, ErrNotFound))

	length, err = s.ListLength("queue")
	require.NoError(t, err)
	assert.Equal(t, 0, length)
}

// TestStore_SetOperations tests membership bookkeeping
func TestStore_SetOperations(t *testing.T) {
	s := newTestStore(t)

	added, err := s.SetAdd("favorites", "home", "work")
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	// Re-adding an existing member counts nothing
	added, err = s.SetAdd("favorites", "home", "gym")
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	ok, err := s.SetContains("favorites", "gym")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetContains("favorites", "beach")
	require.NoError(t, err)
	assert.False(t, ok)

	removed, err := s.SetRemove("favorites", "home", "beach")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = s.SetRemove("favorites", "work", "gym")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.False(t, s.Exists("favorites"))
}

// TestStore_HashOperations tests field-level reads and writes
func TestStore_HashOperations(t *testing.T) {
	s := newTestStore(t)

	isNew, err := s.HashSet("vehicle:vin123", "soc", "82")
	require.NoError(t, err)
	assert.True(t, isNew)

	isNew, err = s.HashSet("vehicle:vin123", "soc", "81")
	require.NoError(t, err)
	assert.False(t, isNew)

	_, err = s.HashSet("vehicle:vin123", "range_km", "310")
	require.NoError(t, err)

	value, err := s.HashGet("vehicle:vin123", "soc")
	require.NoError(t, err)
	assert.Equal(t, "81", value)

	_, err = s.HashGet("vehicle:vin123", "odometer")
	assert.True(t, errors.Is(err, ErrNotFound))

	all, err := s.HashGetAll("vehicle:vin123")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"soc": "81", "range_km": "310"}, all)

	// The returned map is a copy
	all["soc"] = "0"
	value, err = s.HashGet("vehicle:vin123", "soc")
	require.NoError(t, err)
	assert.Equal(t, "81", value)

	deleted, err := s.HashDelete("vehicle:vin123", "soc")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.HashDelete("vehicle:vin123", "soc")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = s.HashDelete("vehicle:vin123", "range_km")
	require.NoError(t, err)
	assert.False(t, s.Exists("vehicle:vin123"))

	all, err = s.HashGetAll("vehicle:vin123")
	require.NoError(t, err)
	assert.Empty(t, all)
}

// TestStore_WrongTypeErrors tests kind mismatches across value families
func TestStore_WrongTypeErrors(t *testing.T) {
	s := newTestStore(t)

	s.Set("scalar", "value", 0)
	_, err := s.ListPush("scalar", "x")
	assert.True(t, errors.Is(err, ErrWrongType))
	_, err = s.SetAdd("scalar", "x")
	assert.True(t, errors.Is(err, ErrWrongType))
	_, err = s.HashSet("scalar", "f", "v")
	assert.True(t, errors.Is(err, ErrWrongType))

	_, err = s.ListPush("list", "x")
	require.NoError(t, err)
	_, err = s.Get("list")
	assert.True(t, errors.Is(err, ErrWrongType))
	_, err = s.Increment("list")
	assert.True(t, errors.Is(err, ErrWrongType))
	_, err = s.SetContains("list", "x")
	assert.True(t, errors.Is(err, ErrWrongType))
	_, err = s.HashGetAll("list")
	assert.True(t, errors.Is(err, ErrWrongType))
}

// TestStore_Keys tests glob matching over live keys
func TestStore_Keys(t *testing.T) {
	s := newTestStore(t)

	s.Set("vehicle:soc", "82", 0)
	s.Set("vehicle:range", "310", 0)
	s.Set("session:token", "abc", 0)
	s.Set("stale:key", "x", 50*time.Millisecond)

	time.Sleep(100 * time.Millisecond)

	keys := s.Keys("*")
	sort.Strings(keys)
	assert.Equal(t, []string{"session:token", "vehicle:range", "vehicle:soc"}, keys)

	keys = s.Keys("vehicle:*")
	sort.Strings(keys)
	assert.Equal(t, []string{"vehicle:range", "vehicle:soc"}, keys)

	assert.Equal(t, []string{"vehicle:soc"}, s.Keys("*:soc"))
	assert.Equal(t, []string{"session:token"}, s.Keys("session:token"))
	assert.Equal(t, []string{"vehicle:range"}, s.Keys("veh*ran*"))
	assert.Empty(t, s.Keys("trip:*"))
}

// TestStore_FlushAll tests the full reset
func TestStore_FlushAll(t *testing.T) {
	s := newTestStore(t)

	s.Set("a", "1", 0)
	_, err := s.ListPush("b", "x")
	require.NoError(t, err)
	require.Equal(t, 2, s.Len())

	s.FlushAll()
	assert.Equal(t, 0, s.Len())
	assert.False(t, s.Exists("a"))
}

// TestStore_Sweep tests the on-demand expiry sweep
func TestStore_Sweep(t *testing.T) {
	s := newTestStore(t)

	s.Set("short-1", "x", 50*time.Millisecond)
	s.Set("short-2", "x", 50*time.Millisecond)
	s.Set("long", "x", time.Hour)

	time.Sleep(100 * time.Millisecond)

	removed := s.Sweep()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, s.Len())
}

// TestStore_BackgroundSweep tests that the janitor runs without any access
func TestStore_BackgroundSweep(t *testing.T) {
	s := New(Config{SweepInterval: 50 * time.Millisecond}, observability.NewNoopLogger())
	defer s.Close()

	s.Set("short", "x", 30*time.Millisecond)

	assert.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, present := s.entries["short"]
		return !present
	}, time.Second, 20*time.Millisecond)
}

// TestStore_ConcurrentAccess tests mixed readers and writers
func TestStore_ConcurrentAccess(t *testing.T) {
	s := newTestStore(t)

	done := make(chan bool)

	go func() {
		for i := 0; i < 100; i++ {
			s.Set(fmt.Sprintf("key-%d", i), "value", 0)
		}
		done <- true
	}()

	go func() {
		for i := 0; i < 100; i++ {
			_, _ = s.Get(fmt.Sprintf("key-%d", i))
		}
		done <- true
	}()

	go func() {
		for i := 0; i < 100; i++ {
			_, _ = s.Increment("counter")
		}
		done <- true
	}()

	<-done
	<-done
	<-done

	n, err := s.Get("counter")
	require.NoError(t, err)
	assert.Equal(t, "100", n)
	assert.Equal(t, 101, s.Len())
}
