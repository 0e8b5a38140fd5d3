// Package intr implements the interrupt coalescer: per-vector
// aggregation of posted interrupts behind a timer and a count threshold,
// forwarding to the host only when coalescing lets go.
package intr

import (
	"github.com/nandsim/nandsim/internal/engine"
	"github.com/nandsim/nandsim/internal/simlog"
)

// Forwarder is called when a vector's interrupt line should actually
// toggle on the host (the NVMe controller register layer, in the full
// subsystem).
type Forwarder func(vector uint16, set bool)

// VectorConfig is one vector's coalescing configuration.
type VectorConfig struct {
	Enabled              bool
	AggregationTime      engine.Tick
	AggregationThreshold uint32 // >= 2 when coalescing is meaningful
}

type vectorState struct {
	cfg     VectorConfig
	count   uint32
	pending bool
	timer   engine.EventID
	armed   bool
}

// Coalescer is the interrupt coalescer for one controller.
type Coalescer struct {
	eng     *engine.Engine
	log     *simlog.Logger
	forward Forwarder
	vectors map[uint16]*vectorState
}

// New builds a Coalescer. forward is invoked whenever a vector's line
// should actually change state.
func New(eng *engine.Engine, log *simlog.Logger, forward Forwarder) *Coalescer {
	if log == nil {
		log = simlog.Discard()
	}
	return &Coalescer{eng: eng, log: log, forward: forward, vectors: make(map[uint16]*vectorState)}
}

// Configure sets or updates vector's coalescing configuration.
func (c *Coalescer) Configure(vector uint16, cfg VectorConfig) {
	vs, ok := c.vectors[vector]
	if !ok {
		vs = &vectorState{}
		c.vectors[vector] = vs
		vs.timer = c.eng.CreateEvent(func(now engine.Tick, _ any) {
			c.onTimerExpiry(vector)
		}, "intr.timer")
	}
	vs.cfg = cfg
}

func (c *Coalescer) vector(v uint16) *vectorState {
	vs, ok := c.vectors[v]
	if !ok {
		simlog.Panicf(c.log, "intr: post to unconfigured vector %d", v)
	}
	return vs
}

// PostInterrupt posts a set/clear event for vector.
func (c *Coalescer) PostInterrupt(vector uint16, set bool) {
	vs := c.vector(vector)

	if !vs.cfg.Enabled {
		c.forward(vector, set)
		return
	}

	if set {
		vs.count++
		if !vs.armed {
			vs.armed = true
			c.eng.Schedule(vs.timer, c.eng.Now()+vs.cfg.AggregationTime, vector)
			return
		}
		if vs.count >= vs.cfg.AggregationThreshold {
			c.eng.Deschedule(vs.timer, false)
			vs.armed = false
			vs.count = 0
			c.forward(vector, true)
			vs.pending = true
		}
		return
	}

	// set=false: deassert, if pending.
	if vs.pending {
		c.forward(vector, false)
		vs.pending = false
	}
	vs.count = 0
	if vs.armed {
		c.eng.Deschedule(vs.timer, false)
		vs.armed = false
	}
}

func (c *Coalescer) onTimerExpiry(vector uint16) {
	vs := c.vector(vector)
	vs.armed = false
	vs.count = 0
	c.forward(vector, true)
	vs.pending = true
}

// Pending reports whether vector currently has a forwarded-but-not-yet-
// deasserted interrupt outstanding, for tests and diagnostics.
func (c *Coalescer) Pending(vector uint16) bool { return c.vector(vector).pending }
