package cache

import "time"

// Entry is one live cache record in the memory tier. Payload holds the
// serialized, uncompressed bytes; Compressed and Algorithm describe the
// persistent copy, which may be codec output.
type Entry struct {
	Key        string
	Category   string
	Payload    []byte
	Compressed bool
	Algorithm  string
	InsertedAt time.Time
	TTL        time.Duration
	SizeBytes  int
}

// ExpiresAt returns the entry's deadline, or the zero time when it has none
func (e *Entry) ExpiresAt() time.Time {
	if e.TTL <= 0 {
		return time.Time{}
	}
	return e.InsertedAt.Add(e.TTL)
}

// Expired reports whether the entry's deadline has passed
func (e *Entry) Expired(now time.Time) bool {
	deadline := e.ExpiresAt()
	return !deadline.IsZero() && !now.Before(deadline)
}
