package connectivity

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roadmate/drivesync/pkg/observability"
)

// receiveState waits briefly for a state-change notification
func receiveState(t *testing.T, ch <-chan State) State {
	t.Helper()
	select {
	case state, ok := <-ch:
		require.True(t, ok, "subscription channel closed unexpectedly")
		return state
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for state change")
		return ""
	}
}

// assertNoState asserts that no notification arrives within a short window
func assertNoState(t *testing.T, ch <-chan State) {
	t.Helper()
	select {
	case state := <-ch:
		t.Fatalf("unexpected state change: %s", state)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestManualMonitor_EdgesOnly tests that subscribers see transitions but not repeats
func TestManualMonitor_EdgesOnly(t *testing.T) {
	m := NewManualMonitor(false, observability.NewNoopLogger())
	defer func() { require.NoError(t, m.Close()) }()

	ch, cancel := m.Subscribe()
	defer cancel()

	assert.False(t, m.Online())

	m.SetOnline(true)
	assert.Equal(t, StateOnline, receiveState(t, ch))
	assert.True(t, m.Online())

	// Same state again is not an edge
	m.SetOnline(true)
	assertNoState(t, ch)

	m.SetOnline(false)
	assert.Equal(t, StateOffline, receiveState(t, ch))
	assert.False(t, m.Online())
}

// TestManualMonitor_SubscribeDeliversNoInitialState tests that subscribing does not replay the current state
func TestManualMonitor_SubscribeDeliversNoInitialState(t *testing.T) {
	m := NewManualMonitor(true, observability.NewNoopLogger())
	defer func() { require.NoError(t, m.Close()) }()

	ch, cancel := m.Subscribe()
	defer cancel()

	assert.True(t, m.Online())
	assertNoState(t, ch)
}

// TestManualMonitor_SlowSubscriberSeesLatestState tests that a full channel keeps only the newest edge
func TestManualMonitor_SlowSubscriberSeesLatestState(t *testing.T) {
	m := NewManualMonitor(false, observability.NewNoopLogger())
	defer func() { require.NoError(t, m.Close()) }()

	ch, cancel := m.Subscribe()
	defer cancel()

	// Two edges while the subscriber is not reading
	m.SetOnline(true)
	m.SetOnline(false)

	assert.Equal(t, StateOffline, receiveState(t, ch))
	assertNoState(t, ch)
}

// TestManualMonitor_Unsubscribe tests that cancel closes the channel and stops delivery
func TestManualMonitor_Unsubscribe(t *testing.T) {
	m := NewManualMonitor(false, observability.NewNoopLogger())
	defer func() { require.NoError(t, m.Close()) }()

	ch, cancel := m.Subscribe()
	cancel()

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after cancel")

	// Cancel twice is safe, and later edges must not panic
	cancel()
	m.SetOnline(true)
}

// TestManualMonitor_Close tests that closing the monitor closes subscriber channels
func TestManualMonitor_Close(t *testing.T) {
	m := NewManualMonitor(true, observability.NewNoopLogger())

	ch, cancel := m.Subscribe()
	defer cancel()

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after monitor close")

	// State pushes after close are ignored
	m.SetOnline(false)
	assert.True(t, m.Online())
}

// TestProbeMonitor_OnlineAfterFirstSuccess tests that a reachable target flips the monitor online
func TestProbeMonitor_OnlineAfterFirstSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	p, err := NewProbeMonitor(ProbeConfig{
		URL:              server.URL,
		Interval:         20 * time.Millisecond,
		Timeout:          time.Second,
		FailureThreshold: 2,
	}, observability.NewNoopLogger())
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Close()) }()

	ch, cancel := p.Subscribe()
	defer cancel()

	assert.Equal(t, StateOnline, receiveState(t, ch))
	assert.True(t, p.Online())
}

// TestProbeMonitor_OfflineAfterConsecutiveFailures tests the failure hysteresis
func TestProbeMonitor_OfflineAfterConsecutiveFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	p, err := NewProbeMonitor(ProbeConfig{
		URL:              server.URL,
		Interval:         20 * time.Millisecond,
		Timeout:          200 * time.Millisecond,
		FailureThreshold: 2,
	}, observability.NewNoopLogger())
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Close()) }()

	ch, cancel := p.Subscribe()
	defer cancel()

	require.Equal(t, StateOnline, receiveState(t, ch))

	// Kill the target; two consecutive transport errors flip the state
	server.Close()
	assert.Equal(t, StateOffline, receiveState(t, ch))
	assert.False(t, p.Online())
}

// TestProbeMonitor_ServerErrorStillCountsAsReachable tests that HTTP errors are not transport failures
func TestProbeMonitor_ServerErrorStillCountsAsReachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	p, err := NewProbeMonitor(ProbeConfig{
		URL:              server.URL,
		Interval:         20 * time.Millisecond,
		Timeout:          time.Second,
		FailureThreshold: 2,
	}, observability.NewNoopLogger())
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Close()) }()

	ch, cancel := p.Subscribe()
	defer cancel()

	assert.Equal(t, StateOnline, receiveState(t, ch))
}

// TestProbeMonitor_RequiresURL tests constructor validation
func TestProbeMonitor_RequiresURL(t *testing.T) {
	_, err := NewProbeMonitor(ProbeConfig{}, observability.NewNoopLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a URL")
}

// TestProbeMonitor_CloseStopsProbeLoop tests that Close leaves no goroutine behind
func TestProbeMonitor_CloseStopsProbeLoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	p, err := NewProbeMonitor(ProbeConfig{
		URL:              server.URL,
		Interval:         20 * time.Millisecond,
		Timeout:          time.Second,
		FailureThreshold: 2,
	}, observability.NewNoopLogger())
	require.NoError(t, err)

	require.Eventually(t, p.Online, time.Second, 10*time.Millisecond)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}
