// Package kvstore is an in-memory expiring key/value store for ephemeral
// agent state: session flags, counters, short-lived lookup tables. Values are
// scalars, lists, sets, or hashes; each key carries an optional TTL. Expired
// keys are removed lazily on access and by a periodic sweep. Nothing here is
// persisted; durable state belongs to the cache and sync queue.
package kvstore

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/roadmate/drivesync/pkg/observability"
)

var (
	// ErrNotFound is returned when a key (or hash field) is absent
	ErrNotFound = errors.New("key not found")
	// ErrWrongType is returned when an operation targets a key holding a
	// different kind of value
	ErrWrongType = errors.New("operation against a key holding the wrong kind of value")
	// ErrNotInteger is returned when a numeric operation targets a
	// non-numeric scalar
	ErrNotInteger = errors.New("value is not an integer")
)

// DefaultSweepInterval is how often the background sweep runs
const DefaultSweepInterval = 5 * time.Minute

type kind int

const (
	kindScalar kind = iota
	kindList
	kindSet
	kindHash
)

type entry struct {
	kind      kind
	scalar    string
	list      []string
	set       map[string]struct{}
	hash      map[string]string
	ttl       time.Duration
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// touch re-arms the entry's expiry deadline from its current TTL. Called on
// every mutation so active keys stay alive for their full TTL window.
func (e *entry) touch(now time.Time) {
	if e.ttl > 0 {
		e.expiresAt = now.Add(e.ttl)
	}
}

// Config holds tunables for a Store
type Config struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// Store is a concurrency-safe expiring map
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	logger  observability.Logger

	sweepStop chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

// New creates a Store and starts its background sweep
func New(cfg Config, logger observability.Logger) *Store {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	s := &Store{
		entries:   make(map[string]*entry),
		logger:    logger,
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}

	go s.sweepLoop(cfg.SweepInterval)
	return s
}

// Close stops the background sweep
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.sweepStop)
		<-s.sweepDone
	})
}

func (s *Store) sweepLoop(interval time.Duration) {
	defer close(s.sweepDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := s.Sweep(); removed > 0 {
				s.logger.Debug("Swept expired keys", map[string]interface{}{"removed": removed})
			}
		case <-s.sweepStop:
			return
		}
	}
}

// Sweep removes every expired key immediately and reports the count
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// live returns the entry for key if it exists and has not expired; expired
// entries are deleted on the way. Callers must hold s.mu.
func (s *Store) live(key string) *entry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if e.expired(time.Now()) {
		delete(s.entries, key)
		return nil
	}
	return e
}

// Set stores a scalar value, replacing whatever the key held before. A ttl
// of zero means the key never expires.
func (s *Store) Set(key, value string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &entry{kind: kindScalar, scalar: value, ttl: ttl}
	e.touch(time.Now())
	s.entries[key] = e
}

// Get returns the scalar value for key
func (s *Store) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return "", ErrNotFound
	}
	if e.kind != kindScalar {
		return "", ErrWrongType
	}
	return e.scalar, nil
}

// Delete removes key and reports whether it existed
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live(key) == nil {
		return false
	}
	delete(s.entries, key)
	return true
}

// Exists reports whether key holds a live value
func (s *Store) Exists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live(key) != nil
}

// Expire sets key's TTL, restarting its expiry window from now. Reports
// false when the key does not exist. A ttl of zero clears the expiry.
func (s *Store) Expire(key string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return false
	}

	e.ttl = ttl
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	return true
}

// TTL returns the remaining lifetime of key. The bool is false when the key
// does not exist; a zero duration means the key has no expiry.
func (s *Store) TTL(key string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return 0, false
	}
	if e.expiresAt.IsZero() {
		return 0, true
	}
	return time.Until(e.expiresAt), true
}

// Increment adds 1 to the integer scalar at key, treating a missing key as 0
func (s *Store) Increment(key string) (int64, error) {
	return s.IncrementBy(key, 1)
}

// IncrementBy adds delta to the integer scalar at key, treating a missing
// key as 0, and returns the new value
func (s *Store) IncrementBy(key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	e := s.live(key)
	if e == nil {
		e = &entry{kind: kindScalar, scalar: "0"}
		s.entries[key] = e
	}
	if e.kind != kindScalar {
		return 0, ErrWrongType
	}

	current, err := strconv.ParseInt(e.scalar, 10, 64)
	if err != nil {
		return 0, ErrNotInteger
	}

	current += delta
	e.scalar = strconv.FormatInt(current, 10)
	e.touch(now)
	return current, nil
}

// Decrement subtracts 1 from the integer scalar at key, treating a missing
// key as 0
func (s *Store) Decrement(key string) (int64, error) {
	return s.IncrementBy(key, -1)
}

// DecrementBy subtracts delta from the integer scalar at key
func (s *Store) DecrementBy(key string, delta int64) (int64, error) {
	return s.IncrementBy(key, -delta)
}

// Keys returns all live keys matching pattern. The only wildcard is `*`,
// which matches any run of characters; every other character matches itself.
func (s *Store) Keys(pattern string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var keys []string
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
			continue
		}
		if matchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Len reports the number of live keys
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	n := 0
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
			continue
		}
		n++
	}
	return n
}

// FlushAll removes every key
func (s *Store) FlushAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*entry)
}

// matchPattern matches key against a glob where `*` is the only wildcard
func matchPattern(pattern, key string) bool {
	if pattern == "*" {
		return true
	}

	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == key
	}

	if !strings.HasPrefix(key, parts[0]) {
		return false
	}
	key = key[len(parts[0]):]

	last := parts[len(parts)-1]
	if !strings.HasSuffix(key, last) {
		return false
	}
	key = key[:len(key)-len(last)]

	for _, part := range parts[1 : len(parts)-1] {
		if part == "" {
			continue
		}
		idx := strings.Index(key, part)
		if idx < 0 {
			return false
		}
		key = key[idx+len(part):]
	}
	return true
}
