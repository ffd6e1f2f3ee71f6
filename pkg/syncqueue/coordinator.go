package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/roadmate/drivesync/pkg/connectivity"
	"github.com/roadmate/drivesync/pkg/observability"
)

// RetryConfig defines configuration for retry behavior
type RetryConfig struct {
	// MaxRetries is how many times a failed item is retried before it is
	// dead-lettered. The first attempt is not a retry.
	MaxRetries          int           `mapstructure:"max_retries"`
	InitialInterval     time.Duration `mapstructure:"initial_interval"`
	MaxInterval         time.Duration `mapstructure:"max_interval"`
	Multiplier          float64       `mapstructure:"multiplier"`
	RandomizationFactor float64       `mapstructure:"randomization_factor"`
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:          5,
		InitialInterval:     1 * time.Second,
		MaxInterval:         5 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// EventType classifies coordinator notifications
type EventType string

const (
	// EventConfirmed means the remote accepted the mutation
	EventConfirmed EventType = "confirmed"
	// EventRetryScheduled means the attempt failed and the item will retry
	EventRetryScheduled EventType = "retry_scheduled"
	// EventDeadLetter means the item gave up and needs user attention
	EventDeadLetter EventType = "dead_letter"
)

// Event is a sync outcome surfaced to the host application
type Event struct {
	Type  EventType `json:"type"`
	Item  Item      `json:"item"`
	Error string    `json:"error,omitempty"`
}

// CoordinatorConfig holds the coordinator's collaborators and tuning
type CoordinatorConfig struct {
	Queue   *Queue
	Remote  RemoteAPI
	Monitor connectivity.Monitor
	Logger  observability.Logger
	Metrics observability.MetricsClient

	// DrainInterval is the periodic drain cadence while online
	DrainInterval time.Duration `mapstructure:"drain_interval"`
	// RequestTimeout bounds a single replay attempt
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// RequestsPerSecond paces replays against the remote
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	// BurstSize is the rate limiter burst
	BurstSize int `mapstructure:"burst_size"`
	// EventBuffer is the capacity of the notification channel
	EventBuffer int `mapstructure:"event_buffer"`

	Retry *RetryConfig `mapstructure:"retry"`
}

// Coordinator drains the queue against the remote API. It wakes on
// offline-to-online transitions and on a periodic tick, replays due items
// through a circuit breaker and a rate limiter, and surfaces outcomes on an
// event channel.
type Coordinator struct {
	queue   *Queue
	remote  RemoteAPI
	monitor connectivity.Monitor
	logger  observability.Logger
	metrics observability.MetricsClient

	limiter        *rate.Limiter
	breaker        *gobreaker.CircuitBreaker
	retry          RetryConfig
	drainInterval  time.Duration
	requestTimeout time.Duration

	events   chan Event
	ctx      context.Context
	cancel   context.CancelFunc
	draining atomic.Bool

	stateMu sync.Mutex
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// NewCoordinator creates a coordinator. Call Start to begin draining.
func NewCoordinator(cfg *CoordinatorConfig) (*Coordinator, error) {
	if cfg == nil || cfg.Queue == nil {
		return nil, fmt.Errorf("sync coordinator requires a queue")
	}
	if cfg.Remote == nil {
		return nil, fmt.Errorf("sync coordinator requires a remote API")
	}
	if cfg.Monitor == nil {
		return nil, fmt.Errorf("sync coordinator requires a connectivity monitor")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	retry := cfg.Retry
	if retry == nil {
		retry = DefaultRetryConfig()
	}
	drainInterval := cfg.DrainInterval
	if drainInterval <= 0 {
		drainInterval = 30 * time.Second
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 5
	}
	eventBuffer := cfg.EventBuffer
	if eventBuffer <= 0 {
		eventBuffer = 32
	}

	cbSettings := gobreaker.Settings{
		Name:        "sync-remote",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("Circuit breaker state changed", map[string]interface{}{
				"name": name,
				"from": from.String(),
				"to":   to.String(),
			})
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		queue:          cfg.Queue,
		remote:         cfg.Remote,
		monitor:        cfg.Monitor,
		logger:         logger,
		metrics:        metrics,
		limiter:        rate.NewLimiter(rate.Limit(rps), burst),
		breaker:        gobreaker.NewCircuitBreaker(cbSettings),
		retry:          *retry,
		drainInterval:  drainInterval,
		requestTimeout: requestTimeout,
		events:         make(chan Event, eventBuffer),
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// Events returns the notification channel. It is closed by Stop. A slow
// consumer never blocks the drain loop; the oldest unread event is dropped
// instead.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

// Start launches the drain loop
func (c *Coordinator) Start() {
	c.stateMu.Lock()
	if c.started || c.stopped {
		c.stateMu.Unlock()
		return
	}
	c.started = true
	c.wg.Add(1)
	c.stateMu.Unlock()

	go c.run()
}

// Stop halts the drain loop and closes the event channel. Any item caught
// mid-attempt goes back to pending so the next startup retries it.
func (c *Coordinator) Stop() {
	c.stateMu.Lock()
	if c.stopped {
		c.stateMu.Unlock()
		return
	}
	c.stopped = true
	c.stateMu.Unlock()

	c.cancel()
	c.wg.Wait()
	close(c.events)
}

// begin registers work against the coordinator lifecycle, refusing after Stop
func (c *Coordinator) begin() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.stopped {
		return false
	}
	c.wg.Add(1)
	return true
}

func (c *Coordinator) run() {
	defer c.wg.Done()

	states, cancel := c.monitor.Subscribe()
	defer cancel()

	ticker := time.NewTicker(c.drainInterval)
	defer ticker.Stop()

	if c.monitor.Online() {
		c.drain(c.ctx)
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case state, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			if state == connectivity.StateOnline {
				c.logger.Info("Connectivity restored, draining sync queue", nil)
				c.drain(c.ctx)
			}
		case <-ticker.C:
			if c.monitor.Online() {
				c.drain(c.ctx)
			}
		}
	}
}

// Drain replays every due pending item, on demand. The background loop calls
// this automatically; it is exported for manual flushes.
func (c *Coordinator) Drain(ctx context.Context) {
	if !c.begin() {
		return
	}
	defer c.wg.Done()
	c.drain(ctx)
}

func (c *Coordinator) drain(ctx context.Context) {
	// One drain at a time; an edge firing during a periodic drain is a no-op
	if !c.draining.CompareAndSwap(false, true) {
		return
	}
	defer c.draining.Store(false)

	for {
		if ctx.Err() != nil || c.ctx.Err() != nil {
			return
		}
		item, err := c.queue.Claim(ctx)
		if err != nil {
			c.logger.Warn("Failed to claim sync item", map[string]interface{}{"error": err.Error()})
			return
		}
		if item == nil {
			return
		}
		if !c.replay(ctx, item) {
			return
		}
	}
}

// replay attempts one item. It returns false when the drain should stop:
// shutdown, cancellation, or an open circuit breaker.
func (c *Coordinator) replay(ctx context.Context, item *Item) bool {
	if err := c.limiter.Wait(ctx); err != nil {
		c.release(item)
		return false
	}

	start := time.Now()
	reqCtx, cancelReq := context.WithTimeout(ctx, c.requestTimeout)
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.remote.Apply(reqCtx, item)
	})
	cancelReq()
	elapsed := time.Since(start).Seconds()

	switch {
	case err == nil:
		if cerr := c.queue.Confirm(ctx, item.ID); cerr != nil {
			c.logger.Warn("Failed to confirm sync item", map[string]interface{}{
				"item_id": item.ID,
				"error":   cerr.Error(),
			})
		}
		c.metrics.RecordSyncOperation(item.ResourceType, string(item.Operation), "confirmed", elapsed)
		c.logger.Debug("Sync item confirmed", map[string]interface{}{
			"item_id":       item.ID,
			"resource_type": item.ResourceType,
			"resource_id":   item.ResourceID,
		})
		c.emit(Event{Type: EventConfirmed, Item: *item})
		return true

	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		// The remote was never called; pause the drain and let a later
		// pass retry once the breaker half-opens
		c.release(item)
		c.logger.Warn("Circuit breaker open, pausing sync drain", map[string]interface{}{
			"item_id": item.ID,
		})
		return false

	case ctx.Err() != nil || c.ctx.Err() != nil:
		// Shutdown or cancellation mid-attempt; not the item's fault
		c.release(item)
		return false

	case IsTerminal(err) || item.RetryCount+1 > c.retry.MaxRetries:
		if derr := c.queue.MarkDead(ctx, item.ID, err); derr != nil {
			c.logger.Warn("Failed to dead-letter sync item", map[string]interface{}{
				"item_id": item.ID,
				"error":   derr.Error(),
			})
		}
		c.metrics.RecordSyncOperation(item.ResourceType, string(item.Operation), "dead", elapsed)
		dead := *item
		if latest, ok := c.queue.Item(item.ID); ok {
			dead = latest
		}
		c.emit(Event{Type: EventDeadLetter, Item: dead, Error: err.Error()})
		return true

	default:
		delay := c.nextDelay(item.RetryCount)
		if rerr := c.queue.Reschedule(ctx, item.ID, err, delay); rerr != nil {
			c.logger.Warn("Failed to reschedule sync item", map[string]interface{}{
				"item_id": item.ID,
				"error":   rerr.Error(),
			})
		}
		c.metrics.RecordSyncOperation(item.ResourceType, string(item.Operation), "retried", elapsed)
		c.logger.Debug("Sync item rescheduled", map[string]interface{}{
			"item_id":     item.ID,
			"retry_count": item.RetryCount + 1,
			"delay":       delay.String(),
			"error":       err.Error(),
		})
		retried := *item
		if latest, ok := c.queue.Item(item.ID); ok {
			retried = latest
		}
		c.emit(Event{Type: EventRetryScheduled, Item: retried, Error: err.Error()})
		return true
	}
}

// release puts an unattempted item back to pending without charging a retry
func (c *Coordinator) release(item *Item) {
	if err := c.queue.Release(context.Background(), item.ID, 0); err != nil {
		c.logger.Warn("Failed to release sync item", map[string]interface{}{
			"item_id": item.ID,
			"error":   err.Error(),
		})
	}
}

// nextDelay computes the capped exponential delay before retry attempt
// retryCount+1
func (c *Coordinator) nextDelay(retryCount int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry.InitialInterval
	b.RandomizationFactor = c.retry.RandomizationFactor
	b.Multiplier = c.retry.Multiplier
	b.MaxInterval = c.retry.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 0; i < retryCount; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// emit delivers an event without blocking, dropping the oldest unread event
// if the consumer is behind
func (c *Coordinator) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		select {
		case <-c.events:
		default:
		}
		select {
		case c.events <- ev:
		default:
		}
	}
}
