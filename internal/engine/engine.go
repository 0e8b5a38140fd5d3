// Package engine implements the discrete-event core: a picosecond-tick
// priority queue of (tick, sequence, event, payload) driving every other
// component's callbacks, single-threaded and cooperative.
//
// Time is a caller-controlled uint64 tick rather than wall-clock
// time.Time: two runs of the same workload must produce the same
// timeline, so determinism, not wall-clock fidelity, is the point.
package engine

import (
	"container/heap"
	"fmt"

	"github.com/nandsim/nandsim/internal/simlog"
)

// Tick is the universal simulator time unit: picoseconds since epoch.
type Tick = uint64

// EventID identifies a registered callback. IDs are monotonic and never
// reused.
type EventID uint64

// Callback receives the tick it fired at and the payload it was scheduled
// with.
type Callback func(now Tick, payload any)

type eventEntry struct {
	cb   Callback
	name string
}

// firing is one pending invocation of an event.
type firing struct {
	tick    Tick
	seq     uint64
	id      EventID
	payload any
}

type firingHeap []firing

func (h firingHeap) Len() int { return len(h) }
func (h firingHeap) Less(i, j int) bool {
	if h[i].tick != h[j].tick {
		return h[i].tick < h[j].tick
	}
	// same-tick firings go in insertion order
	return h[i].seq < h[j].seq
}
func (h firingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *firingHeap) Push(x any)   { *h = append(*h, x.(firing)) }
func (h *firingHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Engine is the event engine. Not safe for concurrent use; exactly one
// thread of execution drives it.
type Engine struct {
	log *simlog.Logger

	now      Tick
	nextID   EventID
	nextSeq  uint64
	events   map[EventID]*eventEntry
	pending  firingHeap
	// scheduledCount tracks how many firings of each event id are
	// currently queued, so IsScheduled/Deschedule don't need a heap scan.
	scheduledCount map[EventID]int
}

// New creates an empty Engine.
func New(log *simlog.Logger) *Engine {
	if log == nil {
		log = simlog.Discard()
	}
	return &Engine{
		log:            log,
		events:         make(map[EventID]*eventEntry),
		scheduledCount: make(map[EventID]int),
	}
}

// Now returns the current tick.
func (e *Engine) Now() Tick { return e.now }

// CreateEvent registers cb under name and returns its id. Never fails.
func (e *Engine) CreateEvent(cb Callback, name string) EventID {
	e.nextID++
	id := e.nextID
	e.events[id] = &eventEntry{cb: cb, name: name}
	return id
}

// Schedule queues id to fire at tick with payload. Multiple schedulings of
// the same id are legal; each fires independently, in tick order.
func (e *Engine) Schedule(id EventID, tick Tick, payload any) {
	if tick < e.now {
		simlog.Panicf(e.log, "engine: schedule %d at tick %d is before now (%d)", id, tick, e.now)
	}
	if _, ok := e.events[id]; !ok {
		simlog.Panicf(e.log, "engine: schedule of unknown event id %d", id)
	}
	e.nextSeq++
	heap.Push(&e.pending, firing{tick: tick, seq: e.nextSeq, id: id, payload: payload})
	e.scheduledCount[id]++
}

// ScheduleRel is a convenience for Schedule(id, e.now+delta, payload).
func (e *Engine) ScheduleRel(id EventID, delta Tick, payload any) {
	e.Schedule(id, e.now+delta, payload)
}

// Deschedule removes the next pending firing of id (all=false) or every
// pending firing of id (all=true). A no-op if nothing is pending.
func (e *Engine) Deschedule(id EventID, all bool) {
	if e.scheduledCount[id] == 0 {
		return
	}
	if all {
		kept := e.pending[:0]
		removed := 0
		for _, f := range e.pending {
			if f.id == id {
				removed++
				continue
			}
			kept = append(kept, f)
		}
		e.pending = kept
		heap.Init(&e.pending)
		e.scheduledCount[id] -= removed
		return
	}
	// Remove the next (earliest tick, then insertion order) firing only.
	next := -1
	for i, f := range e.pending {
		if f.id != id {
			continue
		}
		if next < 0 || f.tick < e.pending[next].tick ||
			(f.tick == e.pending[next].tick && f.seq < e.pending[next].seq) {
			next = i
		}
	}
	last := len(e.pending) - 1
	e.pending[next] = e.pending[last]
	e.pending = e.pending[:last]
	heap.Init(&e.pending)
	e.scheduledCount[id]--
}

// IsScheduled reports whether id has at least one pending firing.
func (e *Engine) IsScheduled(id EventID) bool {
	return e.scheduledCount[id] > 0
}

// RunUntil pops and fires events in tick order until the heap empties or
// the next pending tick exceeds limit, whichever comes first. now is
// advanced monotonically as each event fires. Callbacks may schedule
// further events, which is exactly what makes the simulation progress.
func (e *Engine) RunUntil(limit Tick) {
	for e.pending.Len() > 0 {
		next := e.pending[0]
		if next.tick > limit {
			return
		}
		heap.Pop(&e.pending)
		e.scheduledCount[next.id]--
		if next.tick < e.now {
			simlog.Panicf(e.log, "engine: popped tick %d is before now %d", next.tick, e.now)
		}
		e.now = next.tick
		entry, ok := e.events[next.id]
		if !ok {
			simlog.Panicf(e.log, "engine: firing for unregistered event id %d", next.id)
		}
		entry.cb(e.now, next.payload)
	}
}

// Run drains every pending event regardless of tick, i.e. RunUntil(^Tick(0)).
func (e *Engine) Run() { e.RunUntil(^Tick(0)) }

// Name returns the registered name of id, for diagnostics.
func (e *Engine) Name(id EventID) string {
	if entry, ok := e.events[id]; ok {
		return entry.name
	}
	return fmt.Sprintf("event#%d", id)
}
