package syncqueue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/roadmate/drivesync/pkg/observability"
)

// RemoteAPI is the collaborator a queued mutation is replayed against. Apply
// must be idempotent on (ResourceType, ResourceID): retries can deliver the
// same item more than once.
//
// A plain error return is treated as retryable; wrap with Terminal to mark a
// failure that retrying cannot fix. Timeouts are retryable.
type RemoteAPI interface {
	Apply(ctx context.Context, item *Item) error
}

type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal marks an error as non-retryable. The coordinator dead-letters the
// item instead of rescheduling it.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err carries a Terminal marker
func IsTerminal(err error) bool {
	var t *terminalError
	return errors.As(err, &t)
}

// HTTPRemote replays mutations against a REST endpoint, one route per
// resource type:
//
//	create -> POST   {base}/{resourceType}
//	update -> PUT    {base}/{resourceType}/{resourceID}
//	delete -> DELETE {base}/{resourceType}/{resourceID}
//
// The resource ID always travels with the request so the server can
// de-duplicate replays. 408, 429 and 5xx responses are retryable; any other
// 4xx is terminal.
type HTTPRemote struct {
	baseURL   string
	authToken string
	client    *http.Client
	logger    observability.Logger
	metrics   observability.MetricsClient
}

// HTTPRemoteConfig configures an HTTPRemote
type HTTPRemoteConfig struct {
	// BaseURL is the sync endpoint root, e.g. https://api.example.com/v1/sync
	BaseURL string `mapstructure:"base_url"`
	// AuthToken is sent as a bearer token when non-empty
	AuthToken string `mapstructure:"auth_token"`
	// Timeout bounds a single request
	Timeout time.Duration `mapstructure:"timeout"`
}

// NewHTTPRemote creates a REST-backed RemoteAPI
func NewHTTPRemote(cfg HTTPRemoteConfig, logger observability.Logger, metrics observability.MetricsClient) (*HTTPRemote, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("http remote requires a base URL")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	return &HTTPRemote{
		baseURL:   cfg.BaseURL,
		authToken: cfg.AuthToken,
		client:    &http.Client{Timeout: cfg.Timeout},
		logger:    logger,
		metrics:   metrics,
	}, nil
}

// Apply sends one mutation to the remote endpoint
func (r *HTTPRemote) Apply(ctx context.Context, item *Item) error {
	start := time.Now()
	defer func() {
		r.metrics.RecordDuration("sync.remote.request", time.Since(start))
	}()

	method, reqURL, err := r.route(item)
	if err != nil {
		return Terminal(err)
	}

	var bodyReader io.Reader
	if len(item.Payload) > 0 {
		bodyReader = bytes.NewReader(item.Payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return Terminal(fmt.Errorf("failed to create HTTP request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Resource-ID", item.ResourceID)
	req.Header.Set("X-Idempotency-Key", item.ID)
	if r.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.authToken)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.metrics.IncrementCounter("sync.remote.error", 1)
		return fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	httpErr := fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(body))
	if retryableStatus(resp.StatusCode) {
		return httpErr
	}
	return Terminal(httpErr)
}

// route maps an item to its HTTP method and URL
func (r *HTTPRemote) route(item *Item) (string, string, error) {
	base := r.baseURL + "/" + url.PathEscape(item.ResourceType)
	switch item.Operation {
	case OperationCreate:
		return http.MethodPost, base, nil
	case OperationUpdate:
		return http.MethodPut, base + "/" + url.PathEscape(item.ResourceID), nil
	case OperationDelete:
		return http.MethodDelete, base + "/" + url.PathEscape(item.ResourceID), nil
	default:
		return "", "", fmt.Errorf("unknown operation: %s", item.Operation)
	}
}

func retryableStatus(code int) bool {
	if code >= 500 {
		return true
	}
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}
