package idempotency

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// entry binds a key to a request id.
type entry struct {
	expiresAt time.Time // zero value = never expires
	key       string
	requestID string
}

// Memory is an in-process ledger with TTL expiry and optional LRU eviction.
// A map gives O(1) lookups and a doubly-linked list O(1) eviction ordering,
// most recently used at the front.
type Memory struct {
	items    map[string]*list.Element
	eviction *list.List
	opts     *options
	done     chan struct{}
	mu       sync.Mutex
	closed   bool
}

// NewMemory creates an in-process ledger.
//
// Example:
//
//	l := idempotency.NewMemory(
//	    idempotency.WithTTL(time.Hour),
//	    idempotency.WithCapacity(100_000),
//	)
//	defer l.Close()
func NewMemory(opts ...Option) *Memory {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	m := &Memory{
		items:    make(map[string]*list.Element),
		eviction: list.New(),
		opts:     o,
		done:     make(chan struct{}),
	}

	if o.cleanupInterval > 0 {
		go m.janitor()
	}

	return m
}

// Lookup returns the request id bound to key.
func (m *Memory) Lookup(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		return "", false, nil
	}

	e := elem.Value.(*entry)
	if m.expired(e, m.opts.now()) {
		m.removeElement(elem)
		return "", false, nil
	}

	m.eviction.MoveToFront(elem)
	return e.requestID, true, nil
}

// Remember binds key to requestID. Rebinding a key to the same id refreshes
// its TTL; binding it to another id fails with ErrConflict.
func (m *Memory) Remember(_ context.Context, key, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	now := m.opts.now()
	var expiresAt time.Time
	if m.opts.ttl > 0 {
		expiresAt = now.Add(m.opts.ttl)
	}

	if elem, ok := m.items[key]; ok {
		e := elem.Value.(*entry)
		if !m.expired(e, now) && e.requestID != requestID {
			return ErrConflict
		}
		e.requestID = requestID
		e.expiresAt = expiresAt
		m.eviction.MoveToFront(elem)
		return nil
	}

	if m.opts.capacity > 0 && len(m.items) >= m.opts.capacity {
		if elem := m.eviction.Back(); elem != nil {
			m.removeElement(elem)
		}
	}

	m.items[key] = m.eviction.PushFront(&entry{
		key:       key,
		requestID: requestID,
		expiresAt: expiresAt,
	})
	return nil
}

// Len returns the number of keys held, expired ones included until swept.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close stops the janitor. Close is idempotent.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	return nil
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(m.opts.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep drops expired keys, starting from the least recently used end.
func (m *Memory) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.now()
	for elem := m.eviction.Back(); elem != nil; {
		prev := elem.Prev()
		if m.expired(elem.Value.(*entry), now) {
			m.removeElement(elem)
		}
		elem = prev
	}
}

func (m *Memory) expired(e *entry, now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// removeElement drops elem. Caller must hold the mutex.
func (m *Memory) removeElement(elem *list.Element) {
	m.eviction.Remove(elem)
	delete(m.items, elem.Value.(*entry).key)
}
