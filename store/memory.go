package store

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryOption configures a MemoryBackend
type MemoryOption func(*MemoryBackend)

// WithTTL expires records d after their last write. Zero disables expiry.
func WithTTL(d time.Duration) MemoryOption {
	return func(m *MemoryBackend) {
		m.ttl = d
	}
}

// WithMaxEntries bounds the number of records; the least recently used
// record is evicted first. Zero means unbounded.
func WithMaxEntries(n int) MemoryOption {
	return func(m *MemoryBackend) {
		m.maxEntries = n
	}
}

type memEntry struct {
	slot    string
	rec     *Record
	expires time.Time
}

// MemoryBackend keeps records in process memory. It is the explicit,
// injectable replacement for a module-level cache: every instance owns its
// own map and eviction policy.
type MemoryBackend struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	lru    *list.List               // front = most recently used
	bySlot map[string]*list.Element // owner + key
	byID   map[string]*list.Element
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	m := &MemoryBackend{
		now:    time.Now,
		lru:    list.New(),
		bySlot: make(map[string]*list.Element),
		byID:   make(map[string]*list.Element),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func slotOf(ownerID, key string) string {
	return ownerID + "\x00" + key
}

// lookup returns a live element and marks it used. Caller holds mu.
func (m *MemoryBackend) lookup(el *list.Element) *memEntry {
	e := el.Value.(*memEntry)
	if m.ttl > 0 && !m.now().Before(e.expires) {
		m.remove(el)
		return nil
	}
	m.lru.MoveToFront(el)
	return e
}

func (m *MemoryBackend) remove(el *list.Element) {
	e := el.Value.(*memEntry)
	m.lru.Remove(el)
	delete(m.bySlot, e.slot)
	if cur, ok := m.byID[e.rec.ID]; ok && cur == el {
		delete(m.byID, e.rec.ID)
	}
}

// LoadByKey implements Backend
func (m *MemoryBackend) LoadByKey(_ context.Context, ownerID, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.bySlot[slotOf(ownerID, key)]
	if !ok {
		return nil, nil
	}
	e := m.lookup(el)
	if e == nil {
		return nil, nil
	}
	return e.rec.Clone(), nil
}

// LoadByID implements Backend
func (m *MemoryBackend) LoadByID(_ context.Context, ownerID, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	e := m.lookup(el)
	if e == nil || e.rec.OwnerID != ownerID {
		return nil, nil
	}
	return e.rec.Clone(), nil
}

// Put implements Backend
func (m *MemoryBackend) Put(_ context.Context, rec *Record, ifVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot := slotOf(rec.OwnerID, rec.Key)
	el, exists := m.bySlot[slot]
	if exists && m.lookup(el) == nil {
		exists = false
	}

	if ifVersion != AnyVersion {
		if !exists || el.Value.(*memEntry).rec.Version != ifVersion {
			return ErrVersionConflict
		}
	}

	e := &memEntry{slot: slot, rec: rec.Clone()}
	if m.ttl > 0 {
		e.expires = m.now().Add(m.ttl)
	}

	if exists {
		old := el.Value.(*memEntry)
		if old.rec.ID != rec.ID {
			delete(m.byID, old.rec.ID)
		}
		el.Value = e
		m.lru.MoveToFront(el)
	} else {
		el = m.lru.PushFront(e)
		m.bySlot[slot] = el
	}
	m.byID[rec.ID] = el

	for m.maxEntries > 0 && m.lru.Len() > m.maxEntries {
		m.remove(m.lru.Back())
	}
	return nil
}

// List implements Backend
func (m *MemoryBackend) List(_ context.Context, ownerID string) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Record
	now := m.now()
	for el := m.lru.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*memEntry)
		if m.ttl > 0 && !now.Before(e.expires) {
			m.remove(el)
		} else if e.rec.OwnerID == ownerID {
			out = append(out, e.rec.Clone())
		}
		el = next
	}
	return out, nil
}

// Len returns the number of cached records, expired ones included until
// they are next touched
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}

// Close implements Backend
func (m *MemoryBackend) Close() error {
	return nil
}
