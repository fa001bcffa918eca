package bias

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Entry is one cached, versioned correction mapping. Entries are immutable;
// a refit installs a new Entry with a bumped version rather than mutating
// in place, so in-flight readers keep a consistent mapping.
type Entry struct {
	Mapping     *Mapping
	Version     uint64
	ObservedEnd time.Time
	FittedAt    time.Time
}

// Cache holds the current correction mapping per station code.
type Cache struct {
	clock clockwork.Clock

	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewCache(clock clockwork.Clock) *Cache {
	return &Cache{
		clock:   clock,
		entries: make(map[string]*Entry),
	}
}

// Get returns the current entry for a station, if one is installed.
func (c *Cache) Get(station string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[station]
	return e, ok
}

// Put installs a freshly fitted mapping, recording the end of the observed
// window it was fitted against. The previous entry, if any, remains valid
// for readers that already hold it.
func (c *Cache) Put(station string, m *Mapping, observedEnd time.Time) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var version uint64 = 1
	if prev, ok := c.entries[station]; ok {
		version = prev.Version + 1
	}
	e := &Entry{
		Mapping:     m,
		Version:     version,
		ObservedEnd: observedEnd,
		FittedAt:    c.clock.Now(),
	}
	c.entries[station] = e
	return e
}

// Invalidate drops the station's entry so the next cycle refits it.
func (c *Cache) Invalidate(station string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, station)
}

// Stale reports whether the cached mapping predates the given observed
// window end, i.e. new observations arrived since the fit.
func (c *Cache) Stale(station string, observedEnd time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[station]
	if !ok {
		return true
	}
	return observedEnd.After(e.ObservedEnd)
}
