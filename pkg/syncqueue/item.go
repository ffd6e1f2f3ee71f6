// Package syncqueue persists local mutations made while offline and replays
// them against the remote API once connectivity returns. Items survive process
// restarts, drain in priority-then-FIFO order, and back off exponentially on
// failure until they either confirm or land in the dead-letter set.
package syncqueue

import (
	"encoding/json"
	"time"
)

// State is a sync item's position in its lifecycle
type State string

const (
	// StatePending means the item is waiting to be replayed
	StatePending State = "pending"
	// StateInFlight means a replay attempt is underway
	StateInFlight State = "in_flight"
	// StateDead means the item exhausted its retry budget or hit a
	// terminal error and needs user attention
	StateDead State = "dead"
)

// Operation is the kind of mutation an item carries
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether the operation is one of the known kinds
func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// Item is one durably queued local mutation awaiting remote confirmation.
// The ID doubles as the queue position: IDs are UUIDv7, so lexical order is
// enqueue order, and last-write-wins coalescing keeps the original ID so a
// superseded mutation also keeps its place in line.
type Item struct {
	ID            string          `json:"id"`
	ResourceType  string          `json:"resource_type"`
	Operation     Operation       `json:"operation"`
	ResourceID    string          `json:"resource_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Priority      int             `json:"priority"`
	State         State           `json:"state"`
	RetryCount    int             `json:"retry_count"`
	LastError     string          `json:"last_error,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
}

// clone returns a copy safe to hand outside the queue's lock
func (i *Item) clone() Item {
	out := *i
	if i.Payload != nil {
		out.Payload = append(json.RawMessage(nil), i.Payload...)
	}
	return out
}

// before reports whether i drains ahead of other: higher priority first,
// then earlier enqueue, with the ID as a stable tiebreak.
func (i *Item) before(other *Item) bool {
	if i.Priority != other.Priority {
		return i.Priority > other.Priority
	}
	if !i.EnqueuedAt.Equal(other.EnqueuedAt) {
		return i.EnqueuedAt.Before(other.EnqueuedAt)
	}
	return i.ID < other.ID
}

// resourceKey identifies the remote resource an item targets, used for
// last-write-wins coalescing.
func resourceKey(resourceType, resourceID string) string {
	return resourceType + "/" + resourceID
}
