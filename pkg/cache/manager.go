// Package cache implements the two-tier cache: a bounded in-memory tier per
// category in front of a persistent store. Reads check memory first and
// promote persistent hits; writes land in both tiers. The persistent tier is
// best-effort on the write path so a failing disk or Redis never blocks the
// app, it only costs durability.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roadmate/drivesync/pkg/compression"
	"github.com/roadmate/drivesync/pkg/observability"
	"github.com/roadmate/drivesync/pkg/policy"
	"github.com/roadmate/drivesync/pkg/storage"
)

// statsTimeout bounds the persistent size probe in Stats
const statsTimeout = 2 * time.Second

// Config carries the manager's collaborators
type Config struct {
	// Policies resolves per-category cache behavior
	Policies *policy.Registry
	// Store is the persistent tier
	Store storage.Store
	// Pipeline compresses payloads for the persistent tier
	Pipeline *compression.Pipeline
	// Logger for cache events
	Logger observability.Logger
	// Metrics records operation counters and latencies
	Metrics observability.MetricsClient
}

// Manager is the two-tier cache
type Manager struct {
	policies *policy.Registry
	store    storage.Store
	pipeline *compression.Pipeline
	logger   observability.Logger
	metrics  observability.MetricsClient

	mu          sync.Mutex
	tiers       map[string]*memoryTier
	timers      map[string]*time.Timer
	lastCleanup time.Time

	stats  managerStats
	closed atomic.Bool
}

type managerStats struct {
	hits          atomic.Int64
	misses        atomic.Int64
	evictions     atomic.Int64
	expirations   atomic.Int64
	storageErrors atomic.Int64
}

// Stats is a point-in-time snapshot of cache activity
type Stats struct {
	Hits                int64     `json:"hits"`
	Misses              int64     `json:"misses"`
	MemoryItemCount     int       `json:"memory_item_count"`
	MemorySizeBytes     int64     `json:"memory_size_bytes"`
	PersistentSizeBytes int64     `json:"persistent_size_bytes"`
	Evictions           int64     `json:"evictions"`
	Expirations         int64     `json:"expirations"`
	StorageErrors       int64     `json:"storage_errors"`
	LastCleanup         time.Time `json:"last_cleanup"`
}

// HitRate returns hits/(hits+misses), 0 before any access
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// NewManager creates a cache manager. Store is required; missing
// collaborators fall back to defaults.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg == nil || cfg.Store == nil {
		return nil, fmt.Errorf("cache manager requires a persistent store")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	policies := cfg.Policies
	if policies == nil {
		policies = policy.NewRegistry(policy.BuiltinPolicies(), logger)
	}

	pipeline := cfg.Pipeline
	if pipeline == nil {
		var err error
		pipeline, err = compression.NewPipeline(compression.DefaultConfig(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create compression pipeline: %w", err)
		}
	}

	return &Manager{
		policies: policies,
		store:    cfg.Store,
		pipeline: pipeline,
		logger:   logger,
		metrics:  metrics,
		tiers:    make(map[string]*memoryTier),
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Get returns the cached value for key in category. Memory is checked first;
// a persistent hit is promoted into memory with its remaining lifetime. A
// persistent tier failure degrades to a miss — Get never surfaces storage
// errors and never calls the network.
func (m *Manager) Get(ctx context.Context, key, category string) ([]byte, bool) {
	start := time.Now()
	hit := false
	defer func() {
		m.metrics.RecordCacheOperation("get", hit, time.Since(start).Seconds())
	}()

	if payload, ok := m.getFromMemory(key, category); ok {
		hit = true
		m.stats.hits.Add(1)
		return payload, true
	}

	fullKey := storage.CacheKey(category, key)
	rec, err := m.store.GetRecord(ctx, fullKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.stats.storageErrors.Add(1)
			m.logger.Warn("Persistent read failed, treating as miss", map[string]interface{}{
				"key":      key,
				"category": category,
				"error":    err.Error(),
			})
		}
		m.stats.misses.Add(1)
		return nil, false
	}

	now := time.Now()
	ttl := time.Duration(0)
	if rec.ExpiresAt != nil {
		ttl = rec.ExpiresAt.Sub(now)
		if ttl <= 0 {
			m.stats.misses.Add(1)
			return nil, false
		}
	}

	payload := m.pipeline.Decompress(rec.Value)
	entry := &Entry{
		Key:        key,
		Category:   category,
		Payload:    payload,
		Compressed: m.pipeline.IsCompressed(rec.Value),
		InsertedAt: now,
		TTL:        ttl,
		SizeBytes:  len(payload),
	}
	m.insert(category, entry, m.policies.Resolve(category).MaxMemoryItems)

	hit = true
	m.stats.hits.Add(1)
	return payload, true
}

// Put stores value under key in category. The value is serialized, optionally
// compressed per policy, written to the persistent tier, and inserted into
// memory with an expiry timer. A persistent write failure is logged and
// counted but does not fail the put; only a serialization failure does.
func (m *Manager) Put(ctx context.Context, key, category string, value interface{}) error {
	start := time.Now()
	pol := m.policies.Resolve(category)

	raw, err := compression.Serialize(value)
	if err != nil {
		m.metrics.RecordCacheOperation("put", false, time.Since(start).Seconds())
		return fmt.Errorf("failed to serialize value for key %s: %w", key, err)
	}

	stored := raw
	compressed := false
	algorithm := ""
	if pol.CompressionEnabled {
		if result, cerr := m.pipeline.CompressFor(category, raw); cerr == nil && result.Compressed {
			stored = result.Payload
			compressed = true
			algorithm = result.Algorithm
		}
	}

	fullKey := storage.CacheKey(category, key)
	if err := m.store.Put(ctx, fullKey, stored, pol.TTL); err != nil {
		m.stats.storageErrors.Add(1)
		m.logger.Warn("Persistent write failed, memory tier still serves", map[string]interface{}{
			"key":      key,
			"category": category,
			"error":    err.Error(),
		})
	}

	entry := &Entry{
		Key:        key,
		Category:   category,
		Payload:    raw,
		Compressed: compressed,
		Algorithm:  algorithm,
		InsertedAt: time.Now(),
		TTL:        pol.TTL,
		SizeBytes:  len(raw),
	}
	m.insert(category, entry, pol.MaxMemoryItems)

	m.metrics.RecordCacheOperation("put", true, time.Since(start).Seconds())
	return nil
}

// Remove deletes key from both tiers and cancels its expiry timer
func (m *Manager) Remove(ctx context.Context, key, category string) error {
	start := time.Now()
	fullKey := storage.CacheKey(category, key)

	m.mu.Lock()
	if tier := m.tiers[category]; tier != nil {
		tier.remove(key)
	}
	m.cancelTimerLocked(fullKey)
	m.mu.Unlock()

	err := m.store.Delete(ctx, fullKey)
	m.metrics.RecordCacheOperation("remove", err == nil, time.Since(start).Seconds())
	if err != nil {
		m.stats.storageErrors.Add(1)
		return fmt.Errorf("failed to remove %s from persistent tier: %w", key, err)
	}
	return nil
}

// ClearCategory drops every entry under category from both tiers. The
// compression pipeline's adaptive memo is reset so the category's payload
// shape gets re-sampled on the next write.
func (m *Manager) ClearCategory(ctx context.Context, category string) error {
	m.mu.Lock()
	if tier, ok := m.tiers[category]; ok {
		for _, e := range tier.entries() {
			m.cancelTimerLocked(storage.CacheKey(category, e.Key))
		}
		delete(m.tiers, category)
	}
	m.lastCleanup = time.Now()
	m.mu.Unlock()

	m.pipeline.Reset()

	purged, err := m.store.PurgePrefix(ctx, storage.CategoryPrefix(category))
	if err != nil {
		m.stats.storageErrors.Add(1)
		return fmt.Errorf("failed to clear category %s: %w", category, err)
	}

	m.logger.Info("Cleared cache category", map[string]interface{}{
		"category": category,
		"purged":   purged,
	})
	return nil
}

// Preload fills the memory tier from the persistent tier for one category.
// Entries are promoted with their remaining lifetime; already-expired
// records are skipped. Returns how many entries were loaded.
func (m *Manager) Preload(ctx context.Context, category string) (int, error) {
	records, err := m.store.List(ctx, storage.CategoryPrefix(category))
	if err != nil {
		m.stats.storageErrors.Add(1)
		return 0, fmt.Errorf("failed to preload category %s: %w", category, err)
	}

	pol := m.policies.Resolve(category)
	prefix := storage.CategoryPrefix(category)
	now := time.Now()
	loaded := 0

	for _, rec := range records {
		if rec.Expired(now) {
			continue
		}

		ttl := time.Duration(0)
		if rec.ExpiresAt != nil {
			ttl = rec.ExpiresAt.Sub(now)
		}

		payload := m.pipeline.Decompress(rec.Value)
		entry := &Entry{
			Key:        strings.TrimPrefix(rec.Key, prefix),
			Category:   category,
			Payload:    payload,
			Compressed: m.pipeline.IsCompressed(rec.Value),
			InsertedAt: now,
			TTL:        ttl,
			SizeBytes:  len(payload),
		}
		m.insert(category, entry, pol.MaxMemoryItems)
		loaded++
	}

	if loaded > 0 {
		m.logger.Info("Preloaded cache category", map[string]interface{}{
			"category": category,
			"loaded":   loaded,
		})
	}
	return loaded, nil
}

// Stats returns a snapshot of cache activity. The persistent size probe is
// best-effort and reports zero when the store cannot answer in time.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	items := 0
	var size int64
	for _, tier := range m.tiers {
		items += tier.len()
		size += tier.sizeBytes()
	}
	last := m.lastCleanup
	m.mu.Unlock()

	s := Stats{
		Hits:            m.stats.hits.Load(),
		Misses:          m.stats.misses.Load(),
		MemoryItemCount: items,
		MemorySizeBytes: size,
		Evictions:       m.stats.evictions.Load(),
		Expirations:     m.stats.expirations.Load(),
		StorageErrors:   m.stats.storageErrors.Load(),
		LastCleanup:     last,
	}

	ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
	defer cancel()
	if n, err := m.store.SizeBytes(ctx); err == nil {
		s.PersistentSizeBytes = n
	}
	return s
}

// Close cancels all expiry timers. The persistent store stays open; its
// owner closes it.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, timer := range m.timers {
		timer.Stop()
		delete(m.timers, key)
	}
}

// getFromMemory reads the memory tier, removing and counting an expired
// entry on the way
func (m *Manager) getFromMemory(key, category string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tier := m.tiers[category]
	if tier == nil {
		return nil, false
	}

	entry := tier.get(key)
	if entry == nil {
		return nil, false
	}

	if entry.Expired(time.Now()) {
		tier.remove(key)
		m.cancelTimerLocked(storage.CacheKey(category, key))
		m.stats.expirations.Add(1)
		m.lastCleanup = time.Now()
		return nil, false
	}

	return entry.Payload, true
}

// insert places an entry in its category tier, evicting per the cap, and
// arms the entry's expiry timer
func (m *Manager) insert(category string, entry *Entry, maxItems int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tier := m.tiers[category]
	if tier == nil {
		tier = newMemoryTier(maxItems)
		m.tiers[category] = tier
	}
	// Track policy cap changes from hot reconfiguration
	tier.maxItems = maxItems

	for _, victim := range tier.put(entry) {
		m.cancelTimerLocked(storage.CacheKey(category, victim.Key))
		m.stats.evictions.Add(1)
	}

	m.armTimerLocked(category, entry.Key, entry.TTL)
}

// armTimerLocked replaces the key's expiry timer. Callers hold m.mu.
func (m *Manager) armTimerLocked(category, key string, ttl time.Duration) {
	fullKey := storage.CacheKey(category, key)
	m.cancelTimerLocked(fullKey)
	if ttl <= 0 {
		return
	}
	m.timers[fullKey] = time.AfterFunc(ttl, func() {
		m.expireEntry(category, key)
	})
}

func (m *Manager) cancelTimerLocked(fullKey string) {
	if timer, ok := m.timers[fullKey]; ok {
		timer.Stop()
		delete(m.timers, fullKey)
	}
}

// expireEntry is the timer callback. The deadline is re-checked under the
// lock so a timer firing stale against a rewritten entry does nothing.
func (m *Manager) expireEntry(category, key string) {
	if m.closed.Load() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tier := m.tiers[category]
	if tier == nil {
		return
	}
	entry := tier.get(key)
	if entry == nil || !entry.Expired(time.Now()) {
		return
	}

	tier.remove(key)
	delete(m.timers, storage.CacheKey(category, key))
	m.stats.expirations.Add(1)
	m.lastCleanup = time.Now()
}
