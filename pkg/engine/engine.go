// Package engine assembles the policy registry, two-tier cache, key-value
// store, and sync queue into one lifecycle-managed unit. A host application
// constructs an Engine, calls Start, performs cache and sync operations
// through the accessors, and calls Shutdown when it goes to background.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roadmate/drivesync/pkg/cache"
	"github.com/roadmate/drivesync/pkg/compression"
	"github.com/roadmate/drivesync/pkg/connectivity"
	"github.com/roadmate/drivesync/pkg/kvstore"
	"github.com/roadmate/drivesync/pkg/observability"
	"github.com/roadmate/drivesync/pkg/policy"
	"github.com/roadmate/drivesync/pkg/storage"
	"github.com/roadmate/drivesync/pkg/syncqueue"
)

// CacheTier is the cache surface the engine manages. Both cache.Manager and
// cache.TracedManager satisfy it.
type CacheTier interface {
	Get(ctx context.Context, key, category string) ([]byte, bool)
	Put(ctx context.Context, key, category string, value interface{}) error
	Remove(ctx context.Context, key, category string) error
	ClearCategory(ctx context.Context, category string) error
	Preload(ctx context.Context, category string) (int, error)
	Stats() cache.Stats
	Close()
}

// Deps are optional collaborator overrides. Any nil field is built from the
// configuration; non-nil fields are used as-is and their lifecycle stays with
// the caller.
type Deps struct {
	// Store overrides the configured persistent tier
	Store storage.Store
	// Remote overrides the configured sync endpoint
	Remote syncqueue.RemoteAPI
	// Monitor overrides the configured connectivity monitor
	Monitor connectivity.Monitor
	// Validator supplies payload schemas for the sync queue
	Validator *syncqueue.Validator
	Logger    observability.Logger
	Metrics   observability.MetricsClient
}

// ComponentHealth reports the state of one engine component
type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Health reports the state of the engine and its components
type Health struct {
	Healthy    bool                       `json:"healthy"`
	Components map[string]ComponentHealth `json:"components"`
}

// Stats is a point-in-time snapshot across all subsystems
type Stats struct {
	Cache       cache.Stats             `json:"cache"`
	KVKeys      int                     `json:"kv_keys"`
	Queue       map[syncqueue.State]int `json:"queue"`
	DeadLetters int                     `json:"dead_letters"`
	Online      bool                    `json:"online"`
}

// Engine wires the subsystems together and runs their background loops
type Engine struct {
	cfg     *Config
	logger  observability.Logger
	metrics observability.MetricsClient

	policies    *policy.Registry
	pipeline    *compression.Pipeline
	store       storage.Store
	cache       CacheTier
	kv          *kvstore.Store
	queue       *syncqueue.Queue
	coordinator *syncqueue.Coordinator
	monitor     connectivity.Monitor

	// Owned collaborators were built here and are closed on Shutdown;
	// injected ones belong to the caller
	ownsStore   bool
	ownsMonitor bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// New builds an engine from the configuration, with deps overriding individual
// collaborators. The context bounds construction-time IO such as the sync
// queue reload.
func New(ctx context.Context, cfg *Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("engine requires a configuration")
	}
	if cfg.Agent.SweepInterval <= 0 {
		cfg.Agent.SweepInterval = 5 * time.Minute
	}
	if cfg.Agent.MetricsInterval <= 0 {
		cfg.Agent.MetricsInterval = 30 * time.Second
	}
	if cfg.Agent.ShutdownTimeout <= 0 {
		cfg.Agent.ShutdownTimeout = 30 * time.Second
	}

	logger := deps.Logger
	if logger == nil {
		logger = observability.NewStandardLoggerWithLevel("drivesync", observability.ParseLogLevel(cfg.Observability.Logging.Level))
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = newMetricsClient(cfg.Observability)
	}

	policies := cfg.Policies
	if policies == nil {
		policies = policy.NewRegistry(policy.BuiltinPolicies(), logger)
	}

	pipeline, err := compression.NewPipeline(cfg.Compression, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build compression pipeline: %w", err)
	}

	remote := deps.Remote
	if remote == nil {
		if cfg.Sync.Remote.BaseURL == "" {
			return nil, fmt.Errorf("engine requires a remote API: set sync.remote.base_url or inject one")
		}
		remote, err = syncqueue.NewHTTPRemote(cfg.Sync.Remote, logger, metrics)
		if err != nil {
			return nil, err
		}
	}

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		policies: policies,
		pipeline: pipeline,
	}

	e.store = deps.Store
	if e.store == nil {
		e.store, err = newStore(cfg.Storage, logger)
		if err != nil {
			return nil, err
		}
		e.ownsStore = true
	}

	manager, err := cache.NewManager(&cache.Config{
		Policies: policies,
		Store:    e.store,
		Pipeline: pipeline,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		e.closeResources()
		return nil, fmt.Errorf("failed to build cache manager: %w", err)
	}
	e.cache = manager
	if cfg.Observability.Tracing.Enabled {
		e.cache = cache.NewTracedManager(manager)
	}

	e.kv = kvstore.New(cfg.KV, logger)

	e.monitor = deps.Monitor
	if e.monitor == nil {
		e.monitor, err = newMonitor(cfg.Connectivity, logger)
		if err != nil {
			e.closeResources()
			return nil, err
		}
		e.ownsMonitor = true
	}

	validator := deps.Validator
	if validator == nil {
		validator = syncqueue.NewValidator()
	}

	e.queue, err = syncqueue.NewQueue(ctx, &syncqueue.QueueConfig{
		Store:     e.store,
		Validator: validator,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		e.closeResources()
		return nil, err
	}

	coordCfg := &syncqueue.CoordinatorConfig{
		Queue:             e.queue,
		Remote:            remote,
		Monitor:           e.monitor,
		Logger:            logger,
		Metrics:           metrics,
		DrainInterval:     cfg.Sync.DrainInterval,
		RequestTimeout:    cfg.Sync.RequestTimeout,
		RequestsPerSecond: cfg.Sync.RequestsPerSecond,
		BurstSize:         cfg.Sync.BurstSize,
		EventBuffer:       cfg.Sync.EventBuffer,
	}
	// An unset retry section leaves the coordinator on its defaults
	if cfg.Sync.Retry.InitialInterval > 0 {
		coordCfg.Retry = &cfg.Sync.Retry
	}
	e.coordinator, err = syncqueue.NewCoordinator(coordCfg)
	if err != nil {
		e.closeResources()
		return nil, err
	}

	return e, nil
}

// newStore builds the configured persistent tier
func newStore(cfg StorageConfig, logger observability.Logger) (storage.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return storage.NewSQLiteStore(cfg.SQLite.Path, logger)
	case "redis":
		return storage.NewRedisStore(cfg.Redis, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// newMonitor builds the configured connectivity monitor
func newMonitor(cfg ConnectivityConfig, logger observability.Logger) (connectivity.Monitor, error) {
	switch cfg.Mode {
	case "probe":
		return connectivity.NewProbeMonitor(cfg.Probe, logger)
	case "manual", "":
		return connectivity.NewManualMonitor(cfg.InitialOnline, logger), nil
	default:
		return nil, fmt.Errorf("unknown connectivity mode: %s", cfg.Mode)
	}
}

// newMetricsClient builds a metrics client from the observability section
func newMetricsClient(cfg observability.Config) observability.MetricsClient {
	if cfg.Metrics.Enabled && cfg.Metrics.Type == "prometheus" {
		return observability.NewPrometheusMetricsClient(cfg.Metrics.Namespace, "", nil)
	}
	return observability.NewMetricsClientWithOptions(observability.MetricsOptions{
		Enabled: cfg.Metrics.Enabled,
		Labels:  map[string]string{},
	})
}

// Start preloads flagged categories, starts the sync coordinator, and launches
// the expiry sweep and metrics export loops. The context bounds the preload
// reads only.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	if e.stopped {
		e.mu.Unlock()
		return fmt.Errorf("engine already stopped")
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.mu.Unlock()

	e.preload(ctx)

	e.coordinator.Start()

	e.wg.Add(2)
	go e.sweepLoop()
	go e.metricsLoop()

	e.logger.Info("Engine started", map[string]interface{}{
		"storage_backend": e.cfg.Storage.Backend,
		"categories":      len(e.policies.Categories()),
		"queued_items":    e.queue.Len(),
	})
	return nil
}

// preload warms the memory tier for categories flagged preload_on_start
func (e *Engine) preload(ctx context.Context) {
	for category, pol := range e.policies.Snapshot() {
		if !pol.PreloadOnStart {
			continue
		}
		loaded, err := e.cache.Preload(ctx, category)
		if err != nil {
			e.logger.Warn("Failed to preload category", map[string]interface{}{
				"category": category,
				"error":    err.Error(),
			})
			continue
		}
		e.logger.Info("Preloaded category into memory", map[string]interface{}{
			"category": category,
			"items":    loaded,
		})
	}
}

// Shutdown stops the coordinator and background loops, then closes owned
// resources. In-flight sync items return to pending and drain on the next
// start. Safe to call more than once; the context bounds the wait for
// background loops.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	started := e.started
	e.mu.Unlock()

	// Stopping the coordinator closes the events channel, started or not
	e.coordinator.Stop()

	var waitErr error
	if started {
		e.cancel()

		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			e.logger.Warn("Shutdown timed out waiting for background loops", map[string]interface{}{
				"error": ctx.Err().Error(),
			})
			waitErr = ctx.Err()
		}
	}

	e.closeResources()
	e.logger.Info("Engine stopped", nil)
	return waitErr
}

// closeResources closes the subsystems this engine owns. Injected
// collaborators stay open for their callers.
func (e *Engine) closeResources() {
	if e.kv != nil {
		e.kv.Close()
	}
	if e.cache != nil {
		e.cache.Close()
	}
	if e.ownsMonitor && e.monitor != nil {
		if err := e.monitor.Close(); err != nil {
			e.logger.Warn("Failed to close connectivity monitor", map[string]interface{}{"error": err.Error()})
		}
	}
	if e.ownsStore && e.store != nil {
		if err := e.store.Close(); err != nil {
			e.logger.Warn("Failed to close persistent store", map[string]interface{}{"error": err.Error()})
		}
	}
}

// sweepLoop purges expired records from the persistent tier on a fixed cadence
func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Agent.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			removed, err := e.store.PurgeExpired(e.ctx)
			if err != nil {
				e.logger.Warn("Expiry sweep failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			if removed > 0 {
				e.logger.Debug("Expiry sweep removed records", map[string]interface{}{"removed": removed})
			}
		}
	}
}

// metricsLoop exports subsystem gauges on a fixed cadence
func (e *Engine) metricsLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Agent.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.exportGauges()
		}
	}
}

// exportGauges publishes a stats snapshot as gauge metrics
func (e *Engine) exportGauges() {
	stats := e.Stats()
	e.metrics.RecordGauge("cache_memory_items", float64(stats.Cache.MemoryItemCount), nil)
	e.metrics.RecordGauge("cache_memory_bytes", float64(stats.Cache.MemorySizeBytes), nil)
	e.metrics.RecordGauge("cache_hit_rate", stats.Cache.HitRate(), nil)
	e.metrics.RecordGauge("kv_keys", float64(stats.KVKeys), nil)
	for _, state := range []syncqueue.State{syncqueue.StatePending, syncqueue.StateInFlight, syncqueue.StateDead} {
		e.metrics.RecordGauge("sync_queue_depth", float64(stats.Queue[state]), map[string]string{"state": string(state)})
	}
	online := 0.0
	if stats.Online {
		online = 1
	}
	e.metrics.RecordGauge("connectivity_online", online, nil)

	health := e.Health(e.ctx)
	for name, component := range health.Components {
		value := 0.0
		if component.Healthy {
			value = 1
		}
		e.metrics.RecordGauge("health_check_status", value, map[string]string{"component": name})
	}
}

// Health checks each component. Being offline or holding dead-lettered items
// is reported in the detail but is not a failure; only a broken persistent
// tier makes the engine unhealthy.
func (e *Engine) Health(ctx context.Context) Health {
	components := make(map[string]ComponentHealth)

	if _, err := e.store.SizeBytes(ctx); err != nil {
		components["storage"] = ComponentHealth{Healthy: false, Detail: err.Error()}
	} else {
		components["storage"] = ComponentHealth{Healthy: true}
	}

	cacheStats := e.cache.Stats()
	components["cache"] = ComponentHealth{
		Healthy: true,
		Detail:  fmt.Sprintf("%d items in memory", cacheStats.MemoryItemCount),
	}

	syncHealth := ComponentHealth{Healthy: true}
	if dead := len(e.queue.DeadLetters()); dead > 0 {
		syncHealth.Detail = fmt.Sprintf("%d items dead-lettered", dead)
	}
	components["sync"] = syncHealth

	detail := "offline"
	if e.monitor.Online() {
		detail = "online"
	}
	components["connectivity"] = ComponentHealth{Healthy: true, Detail: detail}

	healthy := true
	for _, component := range components {
		if !component.Healthy {
			healthy = false
			break
		}
	}
	return Health{Healthy: healthy, Components: components}
}

// Stats returns a snapshot across all subsystems
func (e *Engine) Stats() Stats {
	return Stats{
		Cache:       e.cache.Stats(),
		KVKeys:      e.kv.Len(),
		Queue:       e.queue.Depth(),
		DeadLetters: len(e.queue.DeadLetters()),
		Online:      e.monitor.Online(),
	}
}

// Events exposes sync replay outcomes. The channel closes on Shutdown.
func (e *Engine) Events() <-chan syncqueue.Event {
	return e.coordinator.Events()
}

// Drain runs one synchronous drain cycle against the remote
func (e *Engine) Drain(ctx context.Context) {
	e.coordinator.Drain(ctx)
}

// Cache returns the two-tier cache
func (e *Engine) Cache() CacheTier {
	return e.cache
}

// KV returns the expiring key-value store
func (e *Engine) KV() *kvstore.Store {
	return e.kv
}

// Queue returns the offline mutation queue
func (e *Engine) Queue() *syncqueue.Queue {
	return e.queue
}

// Policies returns the category policy registry
func (e *Engine) Policies() *policy.Registry {
	return e.policies
}

// Monitor returns the connectivity monitor
func (e *Engine) Monitor() connectivity.Monitor {
	return e.monitor
}

// Metrics returns the metrics client
func (e *Engine) Metrics() observability.MetricsClient {
	return e.metrics
}

// Logger returns the engine logger
func (e *Engine) Logger() observability.Logger {
	return e.logger
}
