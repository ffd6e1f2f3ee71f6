package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadmate/drivesync/pkg/compression"
)

func newTestTracedManager(t *testing.T) *TracedManager {
	t.Helper()
	store := newTestStore(t)
	return NewTracedManager(newManagerOver(t, store, nil, compression.DefaultConfig()))
}

// TestTracedManager_PutGet tests that operations behave identically through
// the traced wrapper
func TestTracedManager_PutGet(t *testing.T) {
	tm := newTestTracedManager(t)
	ctx := context.Background()

	err := tm.Put(ctx, "soc", "vehicle_status", "82%")
	require.NoError(t, err)

	value, ok := tm.Get(ctx, "soc", "vehicle_status")
	require.True(t, ok)
	assert.Equal(t, []byte("82%"), value)

	_, ok = tm.Get(ctx, "missing", "vehicle_status")
	assert.False(t, ok)
}

// TestTracedManager_RemoveAndClear tests the mutation paths through the wrapper
func TestTracedManager_RemoveAndClear(t *testing.T) {
	tm := newTestTracedManager(t)
	ctx := context.Background()

	require.NoError(t, tm.Put(ctx, "bk-1", "bookings", "reservation"))
	require.NoError(t, tm.Remove(ctx, "bk-1", "bookings"))

	_, ok := tm.Get(ctx, "bk-1", "bookings")
	assert.False(t, ok)

	require.NoError(t, tm.Put(ctx, "bk-2", "bookings", "reservation"))
	require.NoError(t, tm.ClearCategory(ctx, "bookings"))

	_, ok = tm.Get(ctx, "bk-2", "bookings")
	assert.False(t, ok)
}

// TestTracedManager_PreloadAndStats tests the passthrough surface
func TestTracedManager_PreloadAndStats(t *testing.T) {
	tm := newTestTracedManager(t)
	ctx := context.Background()

	require.NoError(t, tm.Put(ctx, "pref-1", "user_preferences", "dark-mode"))

	loaded, err := tm.Preload(ctx, "user_preferences")
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)

	stats := tm.Stats()
	assert.GreaterOrEqual(t, stats.MemoryItemCount, 1)
}
