package grasp

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/danmuck/graspd/internal/protocol"
)

func newLRU[K comparable, V any](size int) *simplelru.LRU[K, V] {
	l, err := simplelru.NewLRU[K, V](size, nil)
	if err != nil {
		panic(fmt.Sprintf("grasp: cache: %v", err))
	}
	return l
}

type discEntry struct {
	locators []Locator
}

// discoveryCache maps objective names to discovered locators. Lookups make
// the entry most recently used; insertion evicts the least recently used
// objective when full.
type discoveryCache struct {
	mu      sync.Mutex
	entries *simplelru.LRU[string, *discEntry]
}

func newDiscoveryCache(limit int) *discoveryCache {
	return &discoveryCache{entries: newLRU[string, *discEntry](limit)}
}

// lookup prunes expired locators and returns the rest. It misses when
// nothing is left or some locator expires within minTTL.
func (c *discoveryCache) lookup(name string, now time.Time, minTTL time.Duration) ([]Locator, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Get(name)
	if !ok {
		return nil, false
	}
	kept := e.locators[:0]
	for _, l := range e.locators {
		if !l.Expired(now) {
			kept = append(kept, l)
		}
	}
	e.locators = kept
	if len(kept) == 0 {
		return nil, false
	}
	if minTTL > 0 {
		for _, l := range kept {
			if !l.Expire.IsZero() && l.Expire.Sub(now) < minTTL {
				return nil, false
			}
		}
	}
	return append([]Locator(nil), kept...), true
}

func (c *discoveryCache) flush(name string) {
	c.mu.Lock()
	c.entries.Remove(name)
	c.mu.Unlock()
}

// add records loc for name; an existing record for the same endpoint is
// refreshed in place.
func (c *discoveryCache) add(name string, loc Locator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Peek(name)
	if !ok {
		c.entries.Add(name, &discEntry{locators: []Locator{loc}})
		return
	}
	for i := range e.locators {
		if e.locators[i].Same(loc) {
			e.locators[i] = loc
			return
		}
	}
	e.locators = append(e.locators, loc)
}

// since returns the locators for name that were valid at start.
func (c *discoveryCache) since(name string, start time.Time) []Locator {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Peek(name)
	if !ok {
		return nil
	}
	out := make([]Locator, 0, len(e.locators))
	for _, l := range e.locators {
		if l.Expire.IsZero() || !l.Expire.Before(start) {
			out = append(out, l)
		}
	}
	return out
}

// divert builds the divert content advertised on behalf of cached locators:
// unexpired routable IP locators plus FQDN and URI locators. ttl is the
// shortest remaining lifetime, or def when none expire.
func (c *discoveryCache) divert(name string, now time.Time, def time.Duration) ([]protocol.Option, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Get(name)
	if !ok {
		return nil, 0
	}
	var opts []protocol.Option
	var ttl time.Duration
	for _, l := range e.locators {
		if l.Expired(now) {
			continue
		}
		if l.IsIP() && l.Addr.IsLinkLocalUnicast() {
			continue
		}
		opts = append(opts, l.Option())
		if !l.Expire.IsZero() {
			if left := l.Expire.Sub(now); ttl == 0 || left < ttl {
				ttl = left
			}
		}
	}
	if ttl <= 0 {
		ttl = def
	}
	return opts, ttl
}

// DiscoveryEntry is a point-in-time view of one cached objective.
type DiscoveryEntry struct {
	Objective string    `json:"objective"`
	Locators  []Locator `json:"locators"`
}

func (c *discoveryCache) snapshot() []DiscoveryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DiscoveryEntry, 0, c.entries.Len())
	for _, name := range c.entries.Keys() {
		e, ok := c.entries.Peek(name)
		if !ok {
			continue
		}
		out = append(out, DiscoveryEntry{Objective: name, Locators: append([]Locator(nil), e.locators...)})
	}
	return out
}

func (c *discoveryCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

type floodKey struct {
	name string
	kind protocol.OptionType
	addr string
	port int
}

func keyOf(name string, src *Locator) floodKey {
	k := floodKey{name: name}
	if src != nil {
		k.kind = src.Kind
		k.addr = src.Addr.String()
		k.port = src.Port
	}
	return k
}

type floodEntry struct {
	obj    protocol.Objective
	source *Locator
	// expire is zero for entries that never expire.
	expire time.Time
}

func (e *floodEntry) expired(now time.Time) bool {
	return !e.expire.IsZero() && e.expire.Before(now)
}

func (e *floodEntry) tagged() TaggedObjective {
	t := TaggedObjective{Objective: e.obj.Clone()}
	if e.source != nil {
		src := *e.source
		src.Expire = e.expire
		t.Source = &src
	}
	return t
}

// floodCache holds received flooded values, oldest first.
type floodCache struct {
	mu      sync.Mutex
	entries *simplelru.LRU[floodKey, *floodEntry]
}

func newFloodCache(limit int) *floodCache {
	return &floodCache{entries: newLRU[floodKey, *floodEntry](limit)}
}

// ingest stores e in the most recently used position after dropping the
// entry it supersedes and every expired entry.
func (c *floodCache) ingest(e *floodEntry, now time.Time) {
	key := keyOf(e.obj.Name, e.source)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(key)
	for _, k := range c.entries.Keys() {
		if old, ok := c.entries.Peek(k); ok && old.expired(now) {
			c.entries.Remove(k)
		}
	}
	c.entries.Add(key, e)
}

// get returns the unexpired entries for name, oldest first.
func (c *floodCache) get(name string, now time.Time) []TaggedObjective {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []TaggedObjective
	for _, k := range c.entries.Keys() {
		if k.name != name {
			continue
		}
		e, ok := c.entries.Get(k)
		if !ok || e.expired(now) {
			continue
		}
		out = append(out, e.tagged())
	}
	return out
}

// expire force-expires the entry matching t. Entries that never expire are
// left alone.
func (c *floodCache) expire(t TaggedObjective, now time.Time) bool {
	key := keyOf(t.Objective.Name, t.Source)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Peek(key)
	if !ok || e.expire.IsZero() || !e.obj.Equal(t.Objective) {
		return false
	}
	e.expire = now.Add(-time.Millisecond)
	return true
}

func (c *floodCache) snapshot(now time.Time) []TaggedObjective {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TaggedObjective, 0, c.entries.Len())
	for _, k := range c.entries.Keys() {
		if e, ok := c.entries.Peek(k); ok && !e.expired(now) {
			out = append(out, e.tagged())
		}
	}
	return out
}

func (c *floodCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}
