package command

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Default dedup bounds.
const (
	DefaultDedupWindow  = 30 * time.Second
	DefaultDedupEntries = 256
)

type dedupEntry struct {
	id     uuid.UUID
	result Result
	at     time.Time
}

// DedupCache remembers recent results by command id so a retried command is
// answered from the cache instead of running twice. It is bounded by age and
// by entry count; the oldest entry goes first.
type DedupCache struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	order   *list.List // of *dedupEntry, oldest first
	entries map[uuid.UUID]*list.Element
	now     func() time.Time
}

// NewDedupCache creates a cache. Non-positive bounds use the defaults.
func NewDedupCache(window time.Duration, maxEntries int) *DedupCache {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	if maxEntries <= 0 {
		maxEntries = DefaultDedupEntries
	}
	return &DedupCache{
		window:  window,
		max:     maxEntries,
		order:   list.New(),
		entries: make(map[uuid.UUID]*list.Element),
		now:     time.Now,
	}
}

// Lookup returns the cached result for id.
func (c *DedupCache) Lookup(id uuid.UUID) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked()

	el, ok := c.entries[id]
	if !ok {
		return Result{}, false
	}
	return el.Value.(*dedupEntry).result, true
}

// Store records the result for id, replacing an earlier one.
func (c *DedupCache) Store(id uuid.UUID, r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked()

	if el, ok := c.entries[id]; ok {
		e := el.Value.(*dedupEntry)
		e.result = r
		e.at = c.now()
		c.order.MoveToBack(el)
		return
	}
	for c.order.Len() >= c.max {
		c.removeLocked(c.order.Front())
	}
	c.entries[id] = c.order.PushBack(&dedupEntry{id: id, result: r, at: c.now()})
}

// Len returns the number of live entries.
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked()
	return c.order.Len()
}

func (c *DedupCache) expireLocked() {
	cutoff := c.now().Add(-c.window)
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		if !el.Value.(*dedupEntry).at.Before(cutoff) {
			return
		}
		c.removeLocked(el)
	}
}

func (c *DedupCache) removeLocked(el *list.Element) {
	e := c.order.Remove(el).(*dedupEntry)
	delete(c.entries, e.id)
}
