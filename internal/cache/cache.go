// Package cache accumulates partial meter readings per key until they are
// complete enough to persist.
//
// Every entry carries its own mutex. Update holds it for the whole
// merge/check/persist/evict sequence, so uplinks for one key are serialized
// while different keys proceed in parallel. The staleness sweep only evicts
// entries it can lock without waiting; an entry that is held is being
// refreshed and is not stale.
package cache

import (
	"sort"
	"sync"
	"time"
)

// Cache holds one Entry per key.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// Entry is the accumulated state of one partial reading. Its methods must only
// be called from inside an Update callback.
type Entry struct {
	mu sync.Mutex

	key           string
	fields        map[string]any
	seen          map[string]struct{}
	lastUpdated   time.Time
	flushFailures int
	removed       bool
}

// EntryInfo is a diagnostic view of an entry.
type EntryInfo struct {
	Key           string    `json:"key"`
	LastUpdated   time.Time `json:"last_updated"`
	FieldCount    int       `json:"field_count"`
	SeenFields    []string  `json:"seen_fields"`
	FlushFailures int       `json:"flush_failures"`
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[string]*Entry)}
}

// acquire returns the live entry for key, locked, creating it if needed.
func (c *Cache) acquire(key string) *Entry {
	for {
		c.mu.Lock()
		e, ok := c.entries[key]
		if !ok {
			e = &Entry{
				key:    key,
				fields: make(map[string]any),
				seen:   make(map[string]struct{}),
			}
			e.mu.Lock()
			c.entries[key] = e
			c.mu.Unlock()
			return e
		}
		c.mu.Unlock()

		e.mu.Lock()
		if !e.removed {
			return e
		}
		// Evicted between lookup and lock; retry against the map.
		e.mu.Unlock()
	}
}

// remove detaches e from the map. The caller holds e.mu.
func (c *Cache) remove(e *Entry) {
	c.mu.Lock()
	if c.entries[e.key] == e {
		delete(c.entries, e.key)
	}
	c.mu.Unlock()
	e.removed = true
}

// Update runs fn with exclusive access to the entry for key, creating the entry
// if absent. When fn reports evict the entry is removed before the lock is
// released, so no other uplink for the key can observe it afterwards. An entry
// that was never merged into is dropped as well.
func (c *Cache) Update(key string, fn func(e *Entry) (evict bool, err error)) error {
	e := c.acquire(key)
	defer e.mu.Unlock()

	evict, err := fn(e)
	if evict || e.lastUpdated.IsZero() {
		c.remove(e)
	}
	return err
}

// Merge merges fields into the entry for key and returns the merged snapshot.
func (c *Cache) Merge(key string, ts time.Time, fields map[string]any) map[string]any {
	var snapshot map[string]any
	_ = c.Update(key, func(e *Entry) (bool, error) {
		snapshot = e.Merge(ts, fields)
		return false, nil
	})
	return snapshot
}

// Evict removes the entry for key. It is a no-op when the key is absent.
func (c *Cache) Evict(key string) {
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.removed {
		c.remove(e)
	}
}

// SweepStale evicts every entry whose last update is older than threshold
// relative to now and returns what was evicted, sorted by key. An evicted entry
// with FlushFailures > 0 was a complete reading whose write never succeeded.
func (c *Cache) SweepStale(now time.Time, threshold time.Duration) []EntryInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	var evicted []EntryInfo
	for key, e := range c.entries {
		if !e.mu.TryLock() {
			continue
		}
		if now.Sub(e.lastUpdated) > threshold {
			delete(c.entries, key)
			e.removed = true
			evicted = append(evicted, e.info())
		}
		e.mu.Unlock()
	}
	sort.Slice(evicted, func(i, j int) bool { return evicted[i].Key < evicted[j].Key })
	return evicted
}

// Get returns a copy of the accumulated fields for key.
func (c *Cache) Get(key string) (map[string]any, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, false
	}
	return e.Snapshot(), true
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Entries returns diagnostic information for every cached entry, sorted by key.
func (c *Cache) Entries() []EntryInfo {
	c.mu.Lock()
	entries := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	infos := make([]EntryInfo, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			infos = append(infos, e.info())
		}
		e.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos
}

// Merge sets every non-nil incoming field, refreshes the last update time and
// returns a snapshot of the accumulated fields.
func (e *Entry) Merge(ts time.Time, fields map[string]any) map[string]any {
	for name, value := range fields {
		if value == nil {
			continue
		}
		e.fields[name] = value
		e.seen[name] = struct{}{}
	}
	e.lastUpdated = ts
	return e.Snapshot()
}

// Snapshot returns a copy of the accumulated fields.
func (e *Entry) Snapshot() map[string]any {
	out := make(map[string]any, len(e.fields))
	for k, v := range e.fields {
		out[k] = v
	}
	return out
}

// FlushFailed records a failed durable write and returns the consecutive count.
func (e *Entry) FlushFailed() int {
	e.flushFailures++
	return e.flushFailures
}

func (e *Entry) info() EntryInfo {
	seen := make([]string, 0, len(e.seen))
	for name := range e.seen {
		seen = append(seen, name)
	}
	sort.Strings(seen)
	return EntryInfo{
		Key:           e.key,
		LastUpdated:   e.lastUpdated,
		FieldCount:    len(e.fields),
		SeenFields:    seen,
		FlushFailures: e.flushFailures,
	}
}
