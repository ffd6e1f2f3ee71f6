package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roadmate/drivesync/pkg/observability"
	"github.com/roadmate/drivesync/pkg/storage"
)

// QueueConfig holds the queue's collaborators
type QueueConfig struct {
	Store     storage.Store
	Validator *Validator
	Logger    observability.Logger
	Metrics   observability.MetricsClient
}

// Queue is the durable offline mutation queue. Every item lives in the
// persistent store under the syncq: namespace; the in-memory map is a mirror
// rebuilt from the store on construction, so a process restart loses nothing.
type Queue struct {
	store     storage.Store
	validator *Validator
	logger    observability.Logger
	metrics   observability.MetricsClient

	mu    sync.Mutex
	items map[string]*Item
	// pendingByResource maps resourceKey to the pending item new mutations
	// for that resource coalesce into
	pendingByResource map[string]string
}

// NewQueue creates a queue and reloads all persisted items. Items left
// in_flight by a crash are reset to pending so they replay on the next drain.
func NewQueue(ctx context.Context, cfg *QueueConfig) (*Queue, error) {
	if cfg == nil || cfg.Store == nil {
		return nil, fmt.Errorf("sync queue requires a persistent store")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	validator := cfg.Validator
	if validator == nil {
		validator = NewValidator()
	}

	q := &Queue{
		store:             cfg.Store,
		validator:         validator,
		logger:            logger,
		metrics:           metrics,
		items:             make(map[string]*Item),
		pendingByResource: make(map[string]string),
	}
	if err := q.reload(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// reload rebuilds the in-memory mirror from the persistent store
func (q *Queue) reload(ctx context.Context) error {
	records, err := q.store.List(ctx, storage.SyncPrefix)
	if err != nil {
		return fmt.Errorf("failed to reload sync queue: %w", err)
	}

	reset := 0
	for _, rec := range records {
		var item Item
		if err := json.Unmarshal(rec.Value, &item); err != nil {
			q.logger.Warn("Skipping corrupt sync item", map[string]interface{}{
				"key":   rec.Key,
				"error": err.Error(),
			})
			continue
		}

		if item.State == StateInFlight {
			// The attempt never confirmed before the last shutdown
			item.State = StatePending
			reset++
			if err := q.persist(ctx, &item); err != nil {
				q.logger.Warn("Failed to persist in-flight reset", map[string]interface{}{
					"item_id": item.ID,
					"error":   err.Error(),
				})
			}
		}

		q.items[item.ID] = &item
		if item.State == StatePending {
			q.indexPendingLocked(&item)
		}
	}

	if len(q.items) > 0 {
		q.logger.Info("Sync queue reloaded", map[string]interface{}{
			"items":           len(q.items),
			"in_flight_reset": reset,
		})
	}
	return nil
}

// indexPendingLocked records item as the coalescing target for its resource.
// When several pending items already target the same resource, the most
// recently enqueued one wins the slot.
func (q *Queue) indexPendingLocked(item *Item) {
	key := resourceKey(item.ResourceType, item.ResourceID)
	current, ok := q.pendingByResource[key]
	if !ok {
		q.pendingByResource[key] = item.ID
		return
	}
	if existing, found := q.items[current]; !found || existing.before(item) {
		q.pendingByResource[key] = item.ID
	}
}

// Enqueue durably queues one local mutation. A pending item for the same
// (resourceType, resourceID) is superseded last-write-wins: its payload,
// operation and priority are replaced in place while it keeps its queue
// position. Returns an error on validation failure or when the item could
// not be persisted; the caller must surface the latter, because the mutation
// is not durably queued.
func (q *Queue) Enqueue(ctx context.Context, resourceType string, operation Operation, resourceID string, payload json.RawMessage, priority int) (Item, error) {
	if resourceType == "" {
		return Item{}, fmt.Errorf("resource type is required")
	}
	if resourceID == "" {
		return Item{}, fmt.Errorf("resource id is required")
	}
	if !operation.Valid() {
		return Item{}, fmt.Errorf("unknown operation: %s", operation)
	}
	if len(payload) == 0 {
		if operation != OperationDelete {
			return Item{}, fmt.Errorf("payload is required for %s", operation)
		}
	} else if err := q.validator.ValidatePayload(resourceType, payload); err != nil {
		return Item{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	key := resourceKey(resourceType, resourceID)

	if id, ok := q.pendingByResource[key]; ok {
		if existing, found := q.items[id]; found && existing.State == StatePending {
			updated := existing.clone()
			updated.Operation = operation
			updated.Payload = append(json.RawMessage(nil), payload...)
			updated.Priority = priority
			updated.RetryCount = 0
			updated.LastError = ""
			updated.NextAttemptAt = now

			if err := q.persist(ctx, &updated); err != nil {
				return Item{}, err
			}
			*existing = updated
			q.metrics.IncrementCounter("sync.queue.coalesced", 1)
			q.logger.Debug("Coalesced sync item", map[string]interface{}{
				"item_id":       existing.ID,
				"resource_type": resourceType,
				"resource_id":   resourceID,
			})
			return existing.clone(), nil
		}
	}

	item := &Item{
		ID:            newItemID(),
		ResourceType:  resourceType,
		Operation:     operation,
		ResourceID:    resourceID,
		Payload:       append(json.RawMessage(nil), payload...),
		Priority:      priority,
		State:         StatePending,
		EnqueuedAt:    now,
		NextAttemptAt: now,
	}
	if err := q.persist(ctx, item); err != nil {
		return Item{}, err
	}
	q.items[item.ID] = item
	q.pendingByResource[key] = item.ID
	q.metrics.IncrementCounter("sync.queue.enqueued", 1)
	return item.clone(), nil
}

// Claim marks the next due pending item in_flight and returns a copy of it.
// Items drain in priority order, ties broken by enqueue order. Returns nil
// when nothing is due.
func (q *Queue) Claim(ctx context.Context) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var next *Item
	for _, item := range q.items {
		if item.State != StatePending || item.NextAttemptAt.After(now) {
			continue
		}
		if next == nil || item.before(next) {
			next = item
		}
	}
	if next == nil {
		return nil, nil
	}

	updated := next.clone()
	updated.State = StateInFlight
	if err := q.persist(ctx, &updated); err != nil {
		return nil, err
	}
	*next = updated
	q.unindexLocked(next)

	claimed := next.clone()
	return &claimed, nil
}

// Confirm removes a successfully replayed item
func (q *Queue) Confirm(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return nil
	}
	if err := q.store.Delete(ctx, storage.SyncKey(id)); err != nil {
		// Leave the item in place; at-least-once delivery replays it
		return fmt.Errorf("failed to remove confirmed item %s: %w", id, err)
	}
	q.unindexLocked(item)
	delete(q.items, id)
	return nil
}

// Reschedule returns a failed item to pending with its retry count bumped
// and the next attempt pushed out by delay
func (q *Queue) Reschedule(ctx context.Context, id string, cause error, delay time.Duration) error {
	return q.repending(ctx, id, func(item *Item) {
		item.RetryCount++
		if cause != nil {
			item.LastError = cause.Error()
		}
		item.NextAttemptAt = time.Now().Add(delay)
	})
}

// Release returns an item to pending without charging a retry against it,
// used when the attempt never reached the remote (circuit open, shutdown).
func (q *Queue) Release(ctx context.Context, id string, delay time.Duration) error {
	return q.repending(ctx, id, func(item *Item) {
		item.NextAttemptAt = time.Now().Add(delay)
	})
}

func (q *Queue) repending(ctx context.Context, id string, mutate func(*Item)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("unknown sync item: %s", id)
	}

	updated := item.clone()
	updated.State = StatePending
	mutate(&updated)

	if err := q.persist(ctx, &updated); err != nil {
		q.logger.Warn("Failed to persist sync item state", map[string]interface{}{
			"item_id": id,
			"error":   err.Error(),
		})
	}
	*item = updated
	q.indexPendingLocked(item)
	return nil
}

// MarkDead moves an item to the dead-letter state
func (q *Queue) MarkDead(ctx context.Context, id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("unknown sync item: %s", id)
	}

	updated := item.clone()
	updated.State = StateDead
	if cause != nil {
		updated.LastError = cause.Error()
	}

	if err := q.persist(ctx, &updated); err != nil {
		q.logger.Warn("Failed to persist dead-letter state", map[string]interface{}{
			"item_id": id,
			"error":   err.Error(),
		})
	}
	*item = updated
	q.unindexLocked(item)
	q.metrics.IncrementCounter("sync.queue.dead_letter", 1)
	q.logger.Error("Sync item moved to dead letter", map[string]interface{}{
		"item_id":       id,
		"resource_type": item.ResourceType,
		"resource_id":   item.ResourceID,
		"retry_count":   item.RetryCount,
		"error":         item.LastError,
	})
	return nil
}

// DeadLetters lists dead items, oldest first
func (q *Queue) DeadLetters() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Item
	for _, item := range q.items {
		if item.State == StateDead {
			out = append(out, item.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out
}

// Requeue returns a dead item to pending with a fresh retry budget
func (q *Queue) Requeue(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("unknown sync item: %s", id)
	}
	if item.State != StateDead {
		return fmt.Errorf("sync item %s is not dead-lettered", id)
	}

	updated := item.clone()
	updated.State = StatePending
	updated.RetryCount = 0
	updated.LastError = ""
	updated.NextAttemptAt = time.Now()

	if err := q.persist(ctx, &updated); err != nil {
		return err
	}
	*item = updated
	q.indexPendingLocked(item)
	q.metrics.IncrementCounter("sync.queue.requeued", 1)
	return nil
}

// Item returns a copy of one item by id
func (q *Queue) Item(id string) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return Item{}, false
	}
	return item.clone(), true
}

// Items returns a snapshot of every queued item in drain order
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Item, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, item.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := &out[i], &out[j]
		return a.before(b)
	})
	return out
}

// Depth counts items per state
func (q *Queue) Depth() map[State]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	depth := make(map[State]int, 3)
	for _, item := range q.items {
		depth[item.State]++
	}
	return depth
}

// Len returns the total number of queued items
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) persist(ctx context.Context, item *Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode sync item %s: %w", item.ID, err)
	}
	if err := q.store.Put(ctx, storage.SyncKey(item.ID), data, 0); err != nil {
		return fmt.Errorf("failed to persist sync item %s: %w", item.ID, err)
	}
	return nil
}

// unindexLocked clears the coalescing slot if it points at item
func (q *Queue) unindexLocked(item *Item) {
	key := resourceKey(item.ResourceType, item.ResourceID)
	if q.pendingByResource[key] == item.ID {
		delete(q.pendingByResource, key)
	}
}

// newItemID returns a UUIDv7 so lexical order follows enqueue time
func newItemID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
