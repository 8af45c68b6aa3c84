// Package delivery holds remote events until they can be applied to the
// live process.
//
// Events are partitioned by Category. Each category has its own FIFO and
// its own cooldown, so a stalled category (a full inventory, for example)
// never holds up the others.
package delivery

import (
	"context"
	"fmt"

	"github.com/roach88/ramlink/internal/catalog"
)

// Category selects the queue and cooldown an event uses.
type Category int

const (
	// Instant events are traps and peer signals. Their effect cannot be
	// rebuilt from persisted memory.
	Instant Category = iota
	// Inventory events are presents handed to the character.
	Inventory
	// Floor events are edibles handed to the character.
	Floor
	// Misc events are ship pieces, keys and map reveals.
	Misc
)

// Categories lists every category in service order.
var Categories = []Category{Instant, Inventory, Floor, Misc}

func (c Category) String() string {
	switch c {
	case Instant:
		return "instant"
	case Inventory:
		return "inventory"
	case Floor:
		return "floor"
	case Misc:
		return "misc"
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// Ephemeral reports whether events of this category must not be replayed
// after a reconnect.
func (c Category) Ephemeral() bool {
	return c == Instant
}

// Event is one remote delivery, classified once.
type Event struct {
	// Index is the 1-based position in the coordinator's item stream.
	// Peer signals carry no index and use 0.
	Index    int64
	Item     int64
	Location int64
	Player   int
	Kind     catalog.Kind
	Category Category
}

// ApplyFunc applies an event to the process and reports whether the
// process accepted it.
type ApplyFunc func(ctx context.Context, e Event) bool

// DeliveredFunc observes a successful delivery. delivered is the queue's
// new delivered count.
type DeliveredFunc func(e Event, delivered int64)

// Queue is the FIFO for one category.
//
// Not safe for concurrent use; it belongs to the session goroutine.
type Queue struct {
	category    Category
	cooldown    int
	counter     int
	entries     []Event
	delivered   int64
	through     int64
	onDelivered DeliveredFunc
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithOnDelivered registers a hook run after every successful delivery.
func WithOnDelivered(fn DeliveredFunc) QueueOption {
	return func(q *Queue) {
		q.onDelivered = fn
	}
}

// NewQueue creates an empty queue. The counter starts at cooldown, so the
// first delivery waits one full cooldown.
func NewQueue(c Category, cooldown int, opts ...QueueOption) *Queue {
	if cooldown < 0 {
		cooldown = 0
	}
	q := &Queue{category: c, cooldown: cooldown, counter: cooldown}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Category returns the queue's category.
func (q *Queue) Category() Category { return q.category }

// Cooldown returns the configured cooldown in ticks.
func (q *Queue) Cooldown() int { return q.cooldown }

// Counter returns the ticks left before the next delivery may happen.
func (q *Queue) Counter() int { return q.counter }

// Len returns the number of pending events.
func (q *Queue) Len() int { return len(q.entries) }

// Delivered returns the number of events applied so far.
func (q *Queue) Delivered() int64 { return q.delivered }

// Through returns the index of the last indexed event applied.
func (q *Queue) Through() int64 { return q.through }

// Peek returns the head event.
func (q *Queue) Peek() (Event, bool) {
	if len(q.entries) == 0 {
		return Event{}, false
	}
	return q.entries[0], true
}

// Pending returns a copy of the queued events, head first.
func (q *Queue) Pending() []Event {
	out := make([]Event, len(q.entries))
	copy(out, q.entries)
	return out
}

// CanDeliver reports whether the cooldown has elapsed and an event waits.
func (q *Queue) CanDeliver() bool {
	return q.counter == 0 && len(q.entries) > 0
}

// Tick advances the cooldown by one tick.
func (q *Queue) Tick() {
	if q.counter > 0 {
		q.counter--
	}
}

// Enqueue appends e.
func (q *Queue) Enqueue(e Event) {
	q.entries = append(q.entries, e)
}

// AttemptDelivery applies the head event when CanDeliver holds. On success
// the head is removed, the counters advance and the cooldown restarts. On
// failure the head stays in place and the cooldown is left at zero so the
// next eligible tick retries immediately.
func (q *Queue) AttemptDelivery(ctx context.Context, apply ApplyFunc) (attempted, ok bool) {
	if !q.CanDeliver() {
		return false, false
	}
	head := q.entries[0]
	if !apply(ctx, head) {
		return true, false
	}

	q.entries[0] = Event{}
	q.entries = q.entries[1:]
	if len(q.entries) == 0 {
		q.entries = nil
	}
	q.delivered++
	if head.Index > q.through {
		q.through = head.Index
	}
	q.counter = q.cooldown
	if q.onDelivered != nil {
		q.onDelivered(head, q.delivered)
	}
	return true, true
}

// Service is the per-tick step: deliver when allowed and ready, otherwise
// let the cooldown run down.
func (q *Queue) Service(ctx context.Context, allowed bool, apply ApplyFunc) (attempted, ok bool) {
	if allowed && q.CanDeliver() {
		return q.AttemptDelivery(ctx, apply)
	}
	q.Tick()
	return false, false
}

// Drain drops every pending event without counting it as delivered and
// returns how many were dropped.
func (q *Queue) Drain() int {
	n := len(q.entries)
	q.entries = nil
	return n
}

// Restore raises the durable counters to persisted values. Counters never
// move backwards.
func (q *Queue) Restore(delivered, through int64) {
	if delivered > q.delivered {
		q.delivered = delivered
	}
	if through > q.through {
		q.through = through
	}
}
