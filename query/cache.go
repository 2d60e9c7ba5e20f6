package query

import (
	"sync"

	"github.com/armon/go-metrics"
	"github.com/dougbarrett/guxquery/internal/clock"
	"github.com/dougbarrett/guxquery/internal/pubsub"
	"github.com/dougbarrett/guxquery/key"
	"github.com/hashicorp/go-hclog"
)

// EventType enumerates cache lifecycle events (§4.3).
type EventType int

const (
	EventAdded EventType = iota
	EventRemoved
	EventUpdated
)

// Event is published on the cache's event bus.
type Event struct {
	Type  EventType
	Query *Query
}

// Cache is the map<Key, Query> plus event bus described in §4.3.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Query

	clock  clock.Clock
	log    hclog.Logger
	sink   *metrics.Metrics

	events pubsub.List[Event]
}

// NewCache constructs an empty query cache.
func NewCache(cl clock.Clock, log hclog.Logger, sink *metrics.Metrics) *Cache {
	if cl == nil {
		cl = clock.Real{}
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Cache{
		entries: make(map[string]*Query),
		clock:   cl,
		log:     log,
		sink:    sink,
	}
}

// Subscribe registers an event listener; events fire synchronously, in
// subscription order, on the goroutine that caused them (§5).
func (c *Cache) Subscribe(fn func(Event)) func() {
	return c.events.Subscribe(fn)
}

// Get returns the query stored under k, if any.
func (c *Cache) Get(k key.Key) (*Query, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.entries[k.Hash()]
	return q, ok
}

// GetAll returns every cached query, in no particular order.
func (c *Cache) GetAll() []*Query {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Query, 0, len(c.entries))
	for _, q := range c.entries {
		out = append(out, q)
	}
	return out
}

// Build idempotently creates (or returns) the query for opts.QueryKey,
// updating its last-seen options either way (§4.3 "build(options)").
func (c *Cache) Build(opts Options) *Query {
	hash := opts.QueryKey.Hash()
	c.mu.Lock()
	q, exists := c.entries[hash]
	if !exists {
		q = newQuery(opts.QueryKey, opts, c.clock, c.log)
		q.onTransition = func(q *Query) { c.emit(Event{Type: EventUpdated, Query: q}) }
		c.entries[hash] = q
		c.mu.Unlock()
		c.emit(Event{Type: EventAdded, Query: q})
		c.gauge()
		return q
	}
	c.mu.Unlock()
	q.UpdateOptions(opts)
	return q
}

// Add inserts an already-constructed query (used when a client needs full
// control of construction, e.g. tests). It is a no-op if the key is already
// present.
func (c *Cache) Add(q *Query) {
	hash := q.key.Hash()
	c.mu.Lock()
	if _, exists := c.entries[hash]; exists {
		c.mu.Unlock()
		return
	}
	q.onTransition = func(qq *Query) { c.emit(Event{Type: EventUpdated, Query: qq}) }
	c.entries[hash] = q
	c.mu.Unlock()
	c.emit(Event{Type: EventAdded, Query: q})
	c.gauge()
}

// Remove deletes q from the cache. It is a no-op if the query currently
// stored under q's key is a different instance (§4.3).
func (c *Cache) Remove(q *Query) {
	hash := q.key.Hash()
	c.mu.Lock()
	current, ok := c.entries[hash]
	if !ok || current != q {
		c.mu.Unlock()
		return
	}
	delete(c.entries, hash)
	c.mu.Unlock()
	c.emit(Event{Type: EventRemoved, Query: q})
	c.gauge()
}

// RemoveByKey removes whatever query is stored under k, if any.
func (c *Cache) RemoveByKey(k key.Key) {
	c.mu.Lock()
	hash := k.Hash()
	q, ok := c.entries[hash]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.entries, hash)
	c.mu.Unlock()
	c.emit(Event{Type: EventRemoved, Query: q})
	c.gauge()
}

// Clear removes every query, emitting one Removed event per prior entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	all := make([]*Query, 0, len(c.entries))
	for _, q := range c.entries {
		all = append(all, q)
	}
	c.entries = make(map[string]*Query)
	c.mu.Unlock()
	for _, q := range all {
		c.emit(Event{Type: EventRemoved, Query: q})
	}
	c.gauge()
}

// Find returns the first query matching f, if any.
func (c *Cache) Find(f Filter) (*Query, bool) {
	for _, q := range c.FindAll(f) {
		return q, true
	}
	return nil, false
}

// FindAll returns every query matching f (§4.3 filter semantics).
func (c *Cache) FindAll(f Filter) []*Query {
	c.mu.Lock()
	all := make([]*Query, 0, len(c.entries))
	for _, q := range c.entries {
		all = append(all, q)
	}
	c.mu.Unlock()

	out := make([]*Query, 0, len(all))
	for _, q := range all {
		if f.Matches(q.Key(), q.State()) {
			out = append(out, q)
		}
	}
	return out
}

// maybeRemoveOnGC is invoked when a query's GC timer fires; it removes the
// query only if it's still observerless with no in-flight fetch (§4.4).
func (c *Cache) maybeRemoveOnGC(k key.Key) {
	c.mu.Lock()
	q, ok := c.entries[k.Hash()]
	c.mu.Unlock()
	if !ok {
		return
	}
	if q.readyForGC() {
		c.Remove(q)
	}
}

func (c *Cache) emit(e Event) {
	c.events.Notify(e)
}

func (c *Cache) gauge() {
	if c.sink == nil {
		return
	}
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	c.sink.SetGauge([]string{"query", "cache", "size"}, float32(n))
}
