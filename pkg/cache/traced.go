package cache

import (
	"context"

	"github.com/roadmate/drivesync/pkg/observability"
)

// TracedManager wraps a Manager with distributed tracing. Each operation
// becomes a span carrying the category and outcome; misses are expected and
// never marked as span errors.
type TracedManager struct {
	manager *Manager
}

// NewTracedManager wraps a manager with per-operation spans
func NewTracedManager(manager *Manager) *TracedManager {
	return &TracedManager{manager: manager}
}

// Get retrieves a value with tracing
func (t *TracedManager) Get(ctx context.Context, key, category string) ([]byte, bool) {
	ctx, span := observability.TraceCache(ctx, "get", category)
	defer span.End()

	value, ok := t.manager.Get(ctx, key, category)
	span.SetAttribute("cache.hit", ok)
	return value, ok
}

// Put stores a value with tracing
func (t *TracedManager) Put(ctx context.Context, key, category string, value interface{}) error {
	ctx, span := observability.TraceCache(ctx, "put", category)
	defer span.End()

	err := t.manager.Put(ctx, key, category, value)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// Remove deletes a key with tracing
func (t *TracedManager) Remove(ctx context.Context, key, category string) error {
	ctx, span := observability.TraceCache(ctx, "remove", category)
	defer span.End()

	err := t.manager.Remove(ctx, key, category)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// ClearCategory drops a category with tracing
func (t *TracedManager) ClearCategory(ctx context.Context, category string) error {
	ctx, span := observability.TraceCache(ctx, "clear", category)
	defer span.End()

	err := t.manager.ClearCategory(ctx, category)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// Preload fills the memory tier with tracing
func (t *TracedManager) Preload(ctx context.Context, category string) (int, error) {
	ctx, span := observability.TraceCache(ctx, "preload", category)
	defer span.End()

	loaded, err := t.manager.Preload(ctx, category)
	if err != nil {
		span.RecordError(err)
	}
	span.SetAttribute("cache.preloaded", loaded)
	return loaded, err
}

// Stats passes through without tracing
func (t *TracedManager) Stats() Stats {
	return t.manager.Stats()
}

// Close passes through without tracing
func (t *TracedManager) Close() {
	t.manager.Close()
}
