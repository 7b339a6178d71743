package state

import (
	"fmt"
	"testing"
	"time"
)

func TestGetCreatesZeroEntry(t *testing.T) {
	m := NewMap(time.Minute, 10)
	defer m.Close()

	conv := m.Get("conv-1")
	if conv.Injected || conv.Strike != 0 {
		t.Errorf("fresh entry = %+v", conv)
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d", m.Len())
	}
}

func TestPutRoundTrip(t *testing.T) {
	m := NewMap(time.Minute, 10)
	defer m.Close()

	conv := m.Get("conv-1")
	conv.Injected = true
	conv.AddStrike()
	m.Put("conv-1", conv)

	got := m.Get("conv-1")
	if !got.Injected || got.Strike != 1 {
		t.Errorf("stored state = %+v", got)
	}
}

func TestGetReturnsSnapshot(t *testing.T) {
	m := NewMap(time.Minute, 10)
	defer m.Close()

	conv := m.Get("conv-1")
	conv.Injected = true

	// Mutating the snapshot must not leak into the map without Put.
	if m.Get("conv-1").Injected {
		t.Error("snapshot mutation leaked into the map")
	}
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	m := NewMap(time.Minute, 3)
	defer m.Close()

	for i := 0; i < 3; i++ {
		m.Put(fmt.Sprintf("conv-%d", i), Conversation{Injected: true})
	}
	// Refresh conv-0 so conv-1 becomes the eviction candidate.
	m.Get("conv-0")
	m.Put("conv-3", Conversation{})

	if m.Len() != 3 {
		t.Fatalf("Len = %d", m.Len())
	}
	if !m.Get("conv-0").Injected {
		t.Error("recently used entry evicted")
	}
	if m.Get("conv-1").Injected {
		t.Error("least recently used entry survived")
	}
}

func TestRemoveExpired(t *testing.T) {
	m := NewMap(10*time.Millisecond, 10)
	defer m.Close()

	m.Put("old", Conversation{Injected: true})
	time.Sleep(20 * time.Millisecond)
	m.removeExpired()

	if m.Len() != 0 {
		t.Errorf("Len = %d after expiry", m.Len())
	}
	if m.Get("old").Injected {
		t.Error("expired entry retained its state")
	}
}

func TestAddStrikeCaps(t *testing.T) {
	var c Conversation
	for i := 0; i < MaxStrikes+2; i++ {
		c.AddStrike()
	}
	if c.Strike != MaxStrikes {
		t.Errorf("Strike = %d, want %d", c.Strike, MaxStrikes)
	}
}

func TestDefaultsApplied(t *testing.T) {
	m := NewMap(0, 0)
	defer m.Close()
	if m.ttl != DefaultTTL {
		t.Errorf("ttl = %v", m.ttl)
	}
	if m.capacity != DefaultCapacity {
		t.Errorf("capacity = %d", m.capacity)
	}
}
