package cache

import "container/list"

// memoryTier is the bounded memory tier for one category. Entries evict in
// insertion order: the oldest insertion goes first, regardless of how often
// it was read. Overwriting a key counts as a fresh insertion and moves it to
// the back. Access-recency never reorders anything; hot categories size
// their cap through policy instead. Callers synchronize access.
type memoryTier struct {
	maxItems int
	items    map[string]*list.Element
	order    *list.List // front is the oldest insertion
}

func newMemoryTier(maxItems int) *memoryTier {
	return &memoryTier{
		maxItems: maxItems,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (t *memoryTier) get(key string) *Entry {
	el, ok := t.items[key]
	if !ok {
		return nil
	}
	return el.Value.(*Entry)
}

// put inserts or replaces an entry, returning any entries evicted to honor
// the cap. More than one comes back only after the cap was lowered.
func (t *memoryTier) put(e *Entry) []*Entry {
	if el, ok := t.items[e.Key]; ok {
		t.order.Remove(el)
		delete(t.items, e.Key)
	}

	var evicted []*Entry
	for t.maxItems > 0 && len(t.items) >= t.maxItems {
		oldest := t.order.Front()
		if oldest == nil {
			break
		}
		victim := oldest.Value.(*Entry)
		t.order.Remove(oldest)
		delete(t.items, victim.Key)
		evicted = append(evicted, victim)
	}

	t.items[e.Key] = t.order.PushBack(e)
	return evicted
}

func (t *memoryTier) remove(key string) *Entry {
	el, ok := t.items[key]
	if !ok {
		return nil
	}
	t.order.Remove(el)
	delete(t.items, key)
	return el.Value.(*Entry)
}

func (t *memoryTier) len() int {
	return len(t.items)
}

func (t *memoryTier) sizeBytes() int64 {
	var size int64
	for _, el := range t.items {
		size += int64(el.Value.(*Entry).SizeBytes)
	}
	return size
}

// entries returns the tier's contents in insertion order
func (t *memoryTier) entries() []*Entry {
	out := make([]*Entry, 0, t.order.Len())
	for el := t.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Entry))
	}
	return out
}
