package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadmate/drivesync/pkg/observability"
)

func newTestHTTPRemote(t *testing.T, baseURL string) *HTTPRemote {
	t.Helper()
	remote, err := NewHTTPRemote(HTTPRemoteConfig{
		BaseURL:   baseURL,
		AuthToken: "agent-token",
		Timeout:   time.Second,
	}, observability.NewNoopLogger(), observability.NewNoOpMetricsClient())
	require.NoError(t, err)
	return remote
}

// TestTerminal tests the error classification wrapper
func TestTerminal(t *testing.T) {
	assert.Nil(t, Terminal(nil))

	plain := errors.New("remote unavailable")
	assert.False(t, IsTerminal(plain))

	terminal := Terminal(errors.New("bay does not exist"))
	assert.True(t, IsTerminal(terminal))
	assert.Equal(t, "bay does not exist", terminal.Error())

	// The marker survives further wrapping
	wrapped := fmt.Errorf("replay failed: %w", terminal)
	assert.True(t, IsTerminal(wrapped))
	assert.False(t, IsTerminal(fmt.Errorf("replay failed: %w", plain)))
}

// TestHTTPRemote_RoutesOperations tests the operation-to-route mapping
func TestHTTPRemote_RoutesOperations(t *testing.T) {
	type captured struct {
		method string
		path   string
		body   string
		header http.Header
	}
	var got captured

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = captured{method: r.Method, path: r.URL.Path, body: string(body), header: r.Header.Clone()}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	remote := newTestHTTPRemote(t, server.URL+"/v1/sync")
	ctx := context.Background()

	item := &Item{
		ID:           "0190a1b2-0000-7000-8000-000000000001",
		ResourceType: "bookings",
		Operation:    OperationCreate,
		ResourceID:   "bk-1",
		Payload:      json.RawMessage(`{"bay":7}`),
	}
	require.NoError(t, remote.Apply(ctx, item))
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/v1/sync/bookings", got.path)
	assert.JSONEq(t, `{"bay":7}`, got.body)
	assert.Equal(t, "bk-1", got.header.Get("X-Resource-ID"))
	assert.Equal(t, item.ID, got.header.Get("X-Idempotency-Key"))
	assert.Equal(t, "Bearer agent-token", got.header.Get("Authorization"))
	assert.Equal(t, "application/json", got.header.Get("Content-Type"))

	item.Operation = OperationUpdate
	require.NoError(t, remote.Apply(ctx, item))
	assert.Equal(t, http.MethodPut, got.method)
	assert.Equal(t, "/v1/sync/bookings/bk-1", got.path)

	item.Operation = OperationDelete
	item.Payload = nil
	require.NoError(t, remote.Apply(ctx, item))
	assert.Equal(t, http.MethodDelete, got.method)
	assert.Equal(t, "/v1/sync/bookings/bk-1", got.path)
	assert.Empty(t, got.body)

	item.Operation = Operation("upsert")
	err := remote.Apply(ctx, item)
	require.Error(t, err)
	assert.True(t, IsTerminal(err))
	assert.Contains(t, err.Error(), "unknown operation")
}

// TestHTTPRemote_ClassifiesFailures tests retryable versus terminal statuses
func TestHTTPRemote_ClassifiesFailures(t *testing.T) {
	var status int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"message":"nope"}`))
	}))
	defer server.Close()

	remote := newTestHTTPRemote(t, server.URL)
	ctx := context.Background()
	item := &Item{
		ID:           "0190a1b2-0000-7000-8000-000000000002",
		ResourceType: "bookings",
		Operation:    OperationUpdate,
		ResourceID:   "bk-1",
		Payload:      json.RawMessage(`{"bay":7}`),
	}

	// Server-side trouble is worth retrying
	for _, code := range []int{http.StatusInternalServerError, http.StatusServiceUnavailable,
		http.StatusRequestTimeout, http.StatusTooManyRequests} {
		status = code
		err := remote.Apply(ctx, item)
		require.Error(t, err)
		assert.False(t, IsTerminal(err), "status %d should be retryable", code)
		assert.Contains(t, err.Error(), fmt.Sprintf("HTTP error %d", code))
	}

	// The request itself is wrong; retrying cannot fix it
	for _, code := range []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict} {
		status = code
		err := remote.Apply(ctx, item)
		require.Error(t, err)
		assert.True(t, IsTerminal(err), "status %d should be terminal", code)
	}
}

// TestHTTPRemote_NetworkErrorIsRetryable tests transport failure classification
func TestHTTPRemote_NetworkErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	remote := newTestHTTPRemote(t, server.URL)
	err := remote.Apply(context.Background(), &Item{
		ID:           "0190a1b2-0000-7000-8000-000000000003",
		ResourceType: "bookings",
		Operation:    OperationCreate,
		ResourceID:   "bk-1",
		Payload:      json.RawMessage(`{"bay":7}`),
	})
	require.Error(t, err)
	assert.False(t, IsTerminal(err))
	assert.Contains(t, err.Error(), "failed to execute HTTP request")
}

// TestHTTPRemote_RequiresBaseURL tests constructor validation
func TestHTTPRemote_RequiresBaseURL(t *testing.T) {
	_, err := NewHTTPRemote(HTTPRemoteConfig{}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a base URL")
}
