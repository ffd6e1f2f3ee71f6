// Package connectivity reports whether the device can reach the network.
// The sync coordinator subscribes for offline-to-online edges so queued
// mutations drain the moment a connection returns.
package connectivity

import (
	"sync"

	"github.com/roadmate/drivesync/pkg/observability"
)

// State is the connectivity state
type State string

const (
	// StateOnline means the network is reachable
	StateOnline State = "online"
	// StateOffline means the network is unreachable
	StateOffline State = "offline"
)

// Monitor exposes the current connectivity state and a stream of state
// changes. Subscribers see edges only, never repeats of the current state.
type Monitor interface {
	// Online reports the current state
	Online() bool
	// Subscribe returns a state-change channel and a cancel function.
	// The channel is closed by cancel or by Close.
	Subscribe() (<-chan State, func())
	// Close shuts the monitor down and closes all subscriber channels
	Close() error
}

// ManualMonitor is a Monitor driven by the host application, which pushes
// reachability changes in from the platform's own network APIs.
type ManualMonitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan State
	nextID int
	closed bool
	logger observability.Logger
}

// NewManualMonitor creates a monitor with the given starting state
func NewManualMonitor(online bool, logger observability.Logger) *ManualMonitor {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &ManualMonitor{
		online: online,
		subs:   make(map[int]chan State),
		logger: logger,
	}
}

// Online reports the current state
func (m *ManualMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a state pushed by the host app. Subscribers are notified
// only when the state actually changes.
func (m *ManualMonitor) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || online == m.online {
		return
	}
	m.online = online

	state := StateOffline
	if online {
		state = StateOnline
	}
	m.logger.Info("Connectivity changed", map[string]interface{}{"state": string(state)})

	for _, ch := range m.subs {
		deliver(ch, state)
	}
}

// Subscribe registers a state-change listener
func (m *ManualMonitor) Subscribe() (<-chan State, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan State, 1)
	m.subs[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Close closes every subscriber channel
func (m *ManualMonitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	return nil
}

// deliver pushes a state without blocking. A slow subscriber keeps only the
// latest state; intermediate edges collapse, which is all a drain loop needs.
func deliver(ch chan State, state State) {
	for {
		select {
		case ch <- state:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
