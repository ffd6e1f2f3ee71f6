package kvstore

import "time"

// ListPush appends values to the list at key, creating it if absent, and
// returns the new length.
func (s *Store) ListPush(key string, values ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	e := s.live(key)
	if e == nil {
		e = &entry{kind: kindList}
		s.entries[key] = e
	}
	if e.kind != kindList {
		return 0, ErrWrongType
	}

	e.list = append(e.list, values...)
	e.touch(now)
	return len(e.list), nil
}

// ListPop removes and returns the first element of the list at key. The key
// is removed once its list drains empty.
func (s *Store) ListPop(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return "", ErrNotFound
	}
	if e.kind != kindList {
		return "", ErrWrongType
	}
	if len(e.list) == 0 {
		delete(s.entries, key)
		return "", ErrNotFound
	}

	value := e.list[0]
	e.list = e.list[1:]
	if len(e.list) == 0 {
		delete(s.entries, key)
	} else {
		e.touch(time.Now())
	}
	return value, nil
}

// ListLength reports the length of the list at key; a missing key counts as 0
func (s *Store) ListLength(key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return 0, nil
	}
	if e.kind != kindList {
		return 0, ErrWrongType
	}
	return len(e.list), nil
}

// SetAdd adds members to the set at key, creating it if absent, and returns
// how many were not already present.
func (s *Store) SetAdd(key string, members ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	e := s.live(key)
	if e == nil {
		e = &entry{kind: kindSet, set: make(map[string]struct{})}
		s.entries[key] = e
	}
	if e.kind != kindSet {
		return 0, ErrWrongType
	}

	added := 0
	for _, member := range members {
		if _, ok := e.set[member]; !ok {
			e.set[member] = struct{}{}
			added++
		}
	}
	e.touch(now)
	return added, nil
}

// SetRemove removes members from the set at key and returns how many were
// present. The key is removed once its set drains empty.
func (s *Store) SetRemove(key string, members ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return 0, nil
	}
	if e.kind != kindSet {
		return 0, ErrWrongType
	}

	removed := 0
	for _, member := range members {
		if _, ok := e.set[member]; ok {
			delete(e.set, member)
			removed++
		}
	}
	if len(e.set) == 0 {
		delete(s.entries, key)
	} else if removed > 0 {
		e.touch(time.Now())
	}
	return removed, nil
}

// SetContains reports whether member is in the set at key
func (s *Store) SetContains(key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return false, nil
	}
	if e.kind != kindSet {
		return false, ErrWrongType
	}
	_, ok := e.set[member]
	return ok, nil
}

// HashSet stores field=value in the hash at key, creating it if absent, and
// reports whether the field was new.
func (s *Store) HashSet(key, field, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	e := s.live(key)
	if e == nil {
		e = &entry{kind: kindHash, hash: make(map[string]string)}
		s.entries[key] = e
	}
	if e.kind != kindHash {
		return false, ErrWrongType
	}

	_, existed := e.hash[field]
	e.hash[field] = value
	e.touch(now)
	return !existed, nil
}

// HashGet returns the value of field in the hash at key
func (s *Store) HashGet(key, field string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return "", ErrNotFound
	}
	if e.kind != kindHash {
		return "", ErrWrongType
	}

	value, ok := e.hash[field]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

// HashDelete removes field from the hash at key and reports whether it was
// present. The key is removed once its hash drains empty.
func (s *Store) HashDelete(key, field string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return false, nil
	}
	if e.kind != kindHash {
		return false, ErrWrongType
	}

	_, existed := e.hash[field]
	if !existed {
		return false, nil
	}

	delete(e.hash, field)
	if len(e.hash) == 0 {
		delete(s.entries, key)
	} else {
		e.touch(time.Now())
	}
	return true, nil
}

// HashGetAll returns a copy of the hash at key; a missing key yields an
// empty map.
func (s *Store) HashGetAll(key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return map[string]string{}, nil
	}
	if e.kind != kindHash {
		return nil, ErrWrongType
	}

	out := make(map[string]string, len(e.hash))
	for field, value := range e.hash {
		out[field] = value
	}
	return out, nil
}
