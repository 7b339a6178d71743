// Package state keeps per-conversation overlay bookkeeping in memory.
//
// Nothing here is ever persisted: the whole point of the layer is to work
// against a stateless upstream, so losing this map on restart only costs a
// re-injected overlay notice. The map is TTL- and capacity-bounded so a
// long-running process does not accumulate dead conversations forever.
package state

import (
	"container/list"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long an idle conversation entry is retained.
	// Conversations are short-lived in practice; an hour comfortably covers
	// one working session.
	DefaultTTL = 60 * time.Minute
	// DefaultCapacity caps memory in long-running server instances. LRU
	// eviction keeps the most recently used conversations within the limit.
	DefaultCapacity = 10000
	// cleanupTick is the interval between background expired-entry sweeps.
	cleanupTick = 30 * time.Second
)

// MaxStrikes caps the consecutive drift-detection counter.
const MaxStrikes = 3

// Conversation is the per-conversation overlay state.
type Conversation struct {
	// Injected records that the compact overlay notice has been placed in
	// this conversation.
	Injected bool
	// Strike counts consecutive capability-drift detections, capped at
	// MaxStrikes and reset by any drift-free request.
	Strike int
}

// AddStrike increments the strike counter up to the cap.
func (c *Conversation) AddStrike() {
	if c.Strike < MaxStrikes {
		c.Strike++
	}
}

type entry struct {
	conv       Conversation
	lastAccess time.Time
	listElem   *list.Element
}

// Map is a bounded conversation-state table. Entries are created lazily on
// first lookup and evicted by TTL or LRU pressure, never explicitly by
// callers.
type Map struct {
	mu       sync.Mutex
	entries  map[string]*entry
	lru      *list.List // front = most recently used; values are keys
	ttl      time.Duration
	capacity int
	stopCh   chan struct{}
	done     chan struct{}
}

// NewMap creates a conversation-state map with TTL and capacity limits.
// The caller must call Close to stop the background cleanup goroutine.
func NewMap(ttl time.Duration, capacity int) *Map {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	m := &Map{
		entries:  make(map[string]*entry),
		lru:      list.New(),
		ttl:      ttl,
		capacity: capacity,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

// Get returns a snapshot of the conversation state, creating a zero entry on
// first sight of the key.
func (m *Map) Get(key string) Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.touch(key)
	return e.conv
}

// Put stores an updated snapshot for the key.
func (m *Map) Put(key string, conv Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.touch(key)
	e.conv = conv
}

// Len reports the number of live entries.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close stops the background cleanup goroutine.
func (m *Map) Close() {
	close(m.stopCh)
	<-m.done
}

// touch returns the entry for key, creating it if needed, and marks it most
// recently used. Caller must hold the lock.
func (m *Map) touch(key string) *entry {
	if e, ok := m.entries[key]; ok {
		e.lastAccess = time.Now()
		m.lru.MoveToFront(e.listElem)
		return e
	}
	e := &entry{lastAccess: time.Now()}
	e.listElem = m.lru.PushFront(key)
	m.entries[key] = e
	for len(m.entries) > m.capacity {
		m.evictOldest()
	}
	return e
}

func (m *Map) evictOldest() {
	back := m.lru.Back()
	if back == nil {
		return
	}
	key := back.Value.(string)
	m.lru.Remove(back)
	delete(m.entries, key)
}

func (m *Map) cleanupLoop() {
	defer close(m.done)
	ticker := time.NewTicker(cleanupTick)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.removeExpired()
		}
	}
}

func (m *Map) removeExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-m.ttl)
	for {
		back := m.lru.Back()
		if back == nil {
			return
		}
		key := back.Value.(string)
		e := m.entries[key]
		if e == nil {
			m.lru.Remove(back)
			continue
		}
		if e.lastAccess.After(cutoff) {
			return
		}
		m.lru.Remove(back)
		delete(m.entries, key)
	}
}
