package intake

import (
	"container/list"
	"time"

	"PredictCore/internal/observability"
)

// DBCommitmentChecker looks up commitment hashes that left memory, e.g.
// across a restart. persistence.PostgresCommitmentChecker implements it.
type DBCommitmentChecker interface {
	IsKnownCommitment(hash string) (bool, error)
}

// consumedSet remembers commitment hashes that were revealed, expired,
// cancelled or discarded, so the same hash can never be committed twice.
// Tier 1 is an in-memory LRU, tier 2 an optional database lookup.
// Not thread-safe; guarded by the queue mutex.
type consumedSet struct {
	lru       *hashLRU
	dbChecker DBCommitmentChecker
	metrics   *observability.Metrics

	tier2Errors int64
}

func newConsumedSet(capacity int, db DBCommitmentChecker, metrics *observability.Metrics) *consumedSet {
	return &consumedSet{
		lru:       newHashLRU(capacity),
		dbChecker: db,
		metrics:   metrics,
	}
}

// Seen reports whether key was consumed before.
func (c *consumedSet) Seen(key string) bool {
	if c.lru.Contains(key) {
		return true
	}
	if c.dbChecker == nil {
		return false
	}
	start := time.Now()
	known, err := c.dbChecker.IsKnownCommitment(key)
	if c.metrics != nil {
		c.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		// A database outage must not block intake; the pending set still
		// rejects live duplicates.
		c.tier2Errors++
		return false
	}
	if known {
		c.lru.Add(key)
	}
	return known
}

// Mark records key as consumed.
func (c *consumedSet) Mark(key string) {
	before := c.lru.Evictions()
	c.lru.Add(key)
	if c.metrics != nil {
		c.metrics.DedupLRUSize.Set(float64(c.lru.Size()))
		if ev := c.lru.Evictions() - before; ev > 0 {
			c.metrics.DedupLRUEvictions.Add(float64(ev))
		}
	}
}

// Warm loads keys from durable storage after a restart.
func (c *consumedSet) Warm(keys []string) {
	c.lru.WarmFromKeys(keys)
}

// --- LRU ---

type hashLRU struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List

	evictions int64
}

func newHashLRU(capacity int) *hashLRU {
	return &hashLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (l *hashLRU) Contains(key string) bool {
	elem, ok := l.cache[key]
	if ok {
		l.order.MoveToFront(elem)
	}
	return ok
}

// Add inserts a key (or promotes if exists)
func (l *hashLRU) Add(key string) {
	if elem, ok := l.cache[key]; ok {
		l.order.MoveToFront(elem)
		return
	}
	l.cache[key] = l.order.PushFront(key)
	if l.order.Len() > l.capacity {
		l.evictOldest()
	}
}

func (l *hashLRU) evictOldest() {
	if elem := l.order.Back(); elem != nil {
		l.order.Remove(elem)
		delete(l.cache, elem.Value.(string))
		l.evictions++
	}
}

// WarmFromKeys loads keys oldest first so the newest end up most recent.
func (l *hashLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		l.Add(key)
	}
}

func (l *hashLRU) Size() int { return l.order.Len() }

func (l *hashLRU) Evictions() int64 { return l.evictions }
