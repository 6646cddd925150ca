// Package hooks implements the lifecycle dispatcher: ordered before/after
// handlers fired around every pipeline operation. Handlers mutate the
// record (mutation events) or the query (retrieval events), inject filter
// restrictions, or return an error to abort the operation.
package hooks

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"objectflow/internal/query"
)

// Event identifies a lifecycle stage.
type Event string

const (
	BeforeCreate Event = "beforeCreate"
	AfterCreate  Event = "afterCreate"
	BeforeUpdate Event = "beforeUpdate"
	AfterUpdate  Event = "afterUpdate"
	BeforeDelete Event = "beforeDelete"
	AfterDelete  Event = "afterDelete"
	BeforeFind   Event = "beforeFind"
	AfterFind    Event = "afterFind"
)

// Wildcard matches every object at dispatch time.
const Wildcard = "*"

// Context is the mutable payload handed to each handler. Mutation events
// carry Doc (and Previous on update/delete); retrieval events carry Query.
// Identity fields come from the session driving the operation.
type Context struct {
	Ctx    context.Context
	Event  Event
	Object string

	UserID string
	SpaceID string
	Roles  []string

	ID       string
	Doc      map[string]any
	Previous map[string]any
	Query    *query.Query

	// Result holds the storage result for after* events.
	Result any
}

// RestrictQuery injects a filter restriction into the context's query,
// wrapping the existing filters so their precedence is preserved.
func (c *Context) RestrictQuery(restriction []any) {
	if c.Query == nil {
		return
	}
	c.Query.Filters = query.WrapFilters(c.Query.Filters, restriction)
}

// Handler runs at one lifecycle stage.
type Handler func(c *Context) error

// Registration describes one handler binding. Order breaks ties between
// handlers on the same event; equal orders fire in registration order.
type Registration struct {
	Event   Event
	Object  string // object name or Wildcard
	Order   int
	Owner   string // package tag, used by RemovePackage
	Handler Handler
}

type entry struct {
	Registration
	seq int
}

// Dispatcher holds handler registrations per event. An instance is owned
// by one pipeline; there is no process-wide dispatcher.
type Dispatcher struct {
	mu      sync.RWMutex
	seq     int
	entries map[Event][]entry
	actions map[string]action // "object.action"
}

type action struct {
	fn    Handler
	owner string
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		entries: make(map[Event][]entry),
		actions: make(map[string]action),
	}
}

// On registers a handler with default order under no owner tag.
func (d *Dispatcher) On(event Event, object string, fn Handler) {
	d.Register(Registration{Event: event, Object: object, Handler: fn})
}

// Register adds a handler binding.
func (d *Dispatcher) Register(r Registration) {
	if r.Handler == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	d.entries[r.Event] = append(d.entries[r.Event], entry{Registration: r, seq: d.seq})
}

// RegisterAction binds a named action handler to an object under an owner
// tag, so RemovePackage tears it down with the owner's hooks.
func (d *Dispatcher) RegisterAction(object, name string, fn Handler, owner string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actions[object+"."+name] = action{fn: fn, owner: owner}
}

// Action returns the named action handler for an object, or nil.
func (d *Dispatcher) Action(object, name string) Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.actions[object+"."+name].fn
}

// RemovePackage atomically drops every handler and action registered under
// the given owner tag, supporting hot-unload of a feature module.
func (d *Dispatcher) RemovePackage(owner string) {
	if owner == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for event, list := range d.entries {
		kept := list[:0]
		for _, e := range list {
			if e.Owner != owner {
				kept = append(kept, e)
			}
		}
		d.entries[event] = kept
	}
	for key, a := range d.actions {
		if a.owner == owner {
			delete(d.actions, key)
		}
	}
}

// Fire runs every handler matching the context's event and object, in
// (Order, registration) order. Wildcard handlers are merged at dispatch
// time. The first handler error aborts the run.
func (d *Dispatcher) Fire(c *Context) error {
	d.mu.RLock()
	list := d.entries[c.Event]
	matched := make([]entry, 0, len(list))
	for _, e := range list {
		if e.Object == Wildcard || e.Object == c.Object {
			matched = append(matched, e)
		}
	}
	d.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Order != matched[j].Order {
			return matched[i].Order < matched[j].Order
		}
		return matched[i].seq < matched[j].seq
	})

	for _, e := range matched {
		if err := e.Handler(c); err != nil {
			return fmt.Errorf("%s hook on %s: %w", c.Event, c.Object, err)
		}
	}
	return nil
}
