package mutation

import (
	"sync"

	"github.com/armon/go-metrics"
	"github.com/dougbarrett/guxquery/internal/clock"
	"github.com/dougbarrett/guxquery/internal/pubsub"
	"github.com/hashicorp/go-hclog"
)

// EventType enumerates mutation cache lifecycle events (§4.9).
type EventType int

const (
	EventAdded EventType = iota
	EventRemoved
	EventUpdated
)

// Event is published on the mutation cache's event bus.
type Event struct {
	Type     EventType
	Mutation *Mutation
}

// Cache is the mutation store described in §4.9: a list, not a
// key-indexed map, since mutationKey is not unique.
type Cache struct {
	mu      sync.Mutex
	entries []*Mutation

	clock clock.Clock
	log   hclog.Logger
	sink  *metrics.Metrics

	events pubsub.List[Event]
}

// NewCache constructs an empty mutation cache.
func NewCache(cl clock.Clock, log hclog.Logger, sink *metrics.Metrics) *Cache {
	if cl == nil {
		cl = clock.Real{}
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Cache{clock: cl, log: log, sink: sink}
}

// Subscribe registers an event listener, firing synchronously in
// subscription order (§5).
func (c *Cache) Subscribe(fn func(Event)) func() {
	return c.events.Subscribe(fn)
}

// Build constructs a new Mutation for opts and adds it to the cache.
// Unlike the query cache, every call creates a fresh entry: mutations are
// one-shot (§4.9).
func (c *Cache) Build(opts Options, client *Client) *Mutation {
	m := newMutation(opts, c.clock, c.log)
	m.client = client
	m.onTransition = func(mm *Mutation) { c.emit(Event{Type: EventUpdated, Mutation: mm}) }

	c.mu.Lock()
	c.entries = append(c.entries, m)
	c.mu.Unlock()

	c.emit(Event{Type: EventAdded, Mutation: m})
	c.gauge()
	return m
}

// Remove deletes m from the cache; a no-op if m is not present (§7.3).
func (c *Cache) Remove(m *Mutation) {
	c.mu.Lock()
	idx := -1
	for i, e := range c.entries {
		if e == m {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return
	}
	c.entries = append(c.entries[:idx], c.entries[idx+1:]...)
	c.mu.Unlock()

	c.emit(Event{Type: EventRemoved, Mutation: m})
	c.gauge()
}

// Clear removes every mutation, emitting one Removed event per prior entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	all := c.entries
	c.entries = nil
	c.mu.Unlock()
	for _, m := range all {
		c.emit(Event{Type: EventRemoved, Mutation: m})
	}
	c.gauge()
}

// GetAll returns every cached mutation, in insertion order.
func (c *Cache) GetAll() []*Mutation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Mutation, len(c.entries))
	copy(out, c.entries)
	return out
}

// FindAll returns every mutation matching f, in insertion order (§4.9).
func (c *Cache) FindAll(f Filter) []*Mutation {
	all := c.GetAll()
	out := make([]*Mutation, 0, len(all))
	for _, m := range all {
		if f.Matches(m) {
			out = append(out, m)
		}
	}
	return out
}

// maybeRemoveOnGC is invoked when a mutation's GC timer fires; it removes
// the mutation only if it is still observerless and not pending (§4.8).
func (c *Cache) maybeRemoveOnGC(m *Mutation) {
	if m.readyForGC() {
		c.Remove(m)
	}
}

func (c *Cache) emit(e Event) {
	c.events.Notify(e)
}

func (c *Cache) gauge() {
	if c.sink == nil {
		return
	}
	c.sink.SetGauge([]string{"mutation", "cache", "size"}, float32(len(c.GetAll())))
}
