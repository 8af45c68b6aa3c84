package delivery

import "context"

// Cooldowns maps each category to its cooldown in ticks. Missing
// categories use zero.
type Cooldowns map[Category]int

// DefaultCooldowns matches the process's spawn pacing: one idle tick
// between presents, edibles and traps; none for bookkeeping items.
var DefaultCooldowns = Cooldowns{Instant: 1, Inventory: 1, Floor: 1, Misc: 0}

// Set owns one queue per category.
type Set struct {
	queues []*Queue
}

// NewSet creates a queue for every category. opts apply to each queue.
func NewSet(cd Cooldowns, opts ...QueueOption) *Set {
	s := &Set{queues: make([]*Queue, len(Categories))}
	for _, c := range Categories {
		s.queues[c] = NewQueue(c, cd[c], opts...)
	}
	return s
}

// Queue returns the queue for c.
func (s *Set) Queue(c Category) *Queue {
	return s.queues[c]
}

// All returns the queues in service order.
func (s *Set) All() []*Queue {
	return s.queues
}

// Enqueue routes e by its category.
func (s *Set) Enqueue(e Event) {
	s.queues[e.Category].Enqueue(e)
}

// Pending is the number of events waiting across all queues.
func (s *Set) Pending() int {
	n := 0
	for _, q := range s.queues {
		n += q.Len()
	}
	return n
}

// Service runs one service step on every queue, in order. allowed decides
// per category whether delivery may be attempted this tick.
func (s *Set) Service(ctx context.Context, allowed func(Category) bool, apply ApplyFunc) {
	for _, q := range s.queues {
		q.Service(ctx, allowed(q.category), apply)
	}
}

// DrainAll drops every pending event and returns how many were dropped.
func (s *Set) DrainAll() int {
	n := 0
	for _, q := range s.queues {
		n += q.Drain()
	}
	return n
}

// Watermark is the highest index below which every indexed event has been
// applied or deliberately skipped: highWater, lowered to just before the
// oldest indexed event still pending.
func (s *Set) Watermark(highWater int64) int64 {
	w := highWater
	for _, q := range s.queues {
		for _, e := range q.entries {
			if e.Index > 0 {
				if e.Index-1 < w {
					w = e.Index - 1
				}
				break
			}
		}
	}
	return w
}

// Skip reports whether an event with index idx was already applied by
// the queue for c.
func (s *Set) Skip(c Category, idx int64) bool {
	return idx > 0 && idx <= s.queues[c].through
}
