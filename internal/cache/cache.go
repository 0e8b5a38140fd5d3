// Package cache implements the set-associative input cache layer in
// front of the FTL: hit detection by (lpn mod sets, tag), write-back
// with a configurable eviction policy, and pass-through behavior when
// caching is disabled.
package cache

import (
	"github.com/nandsim/nandsim/internal/config"
	"github.com/nandsim/nandsim/internal/engine"
)

// Backend is what a cache miss or a dirty eviction falls through to: the
// FTL, in the full subsystem.
type Backend interface {
	Read(lpn uint64, tick engine.Tick) (data []byte, newTick engine.Tick)
	Write(lpn uint64, data []byte, tick engine.Tick) (newTick engine.Tick)
	Trim(lpn uint64, tick engine.Tick)
}

// Line is one cache entry.
type Line struct {
	Valid          bool
	Dirty          bool
	Tag            uint64 // the LPN this line holds, when Valid
	Data           []byte
	InsertedTick   engine.Tick
	LastAccessTick engine.Tick
}

// Cache is a set-associative, write-back cache in front of a Backend.
type Cache struct {
	cfg         config.ICLConfig
	backend     Backend
	dramLatency engine.Tick

	sets [][]Line // sets[set][way]

	cleanEvictions int
	dirtyEvictions int
}

// New builds a Cache. dramLatency is the fixed lookup cost charged when
// caching is entirely disabled.
func New(cfg config.ICLConfig, backend Backend, dramLatency engine.Tick) *Cache {
	c := &Cache{cfg: cfg, backend: backend, dramLatency: dramLatency}
	c.sets = make([][]Line, cfg.Sets)
	for i := range c.sets {
		c.sets[i] = make([]Line, cfg.Ways)
		for w := range c.sets[i] {
			c.sets[i][w].Data = make([]byte, cfg.EntrySizeBytes)
		}
	}
	return c
}

func (c *Cache) setIndex(lpn uint64) uint64 { return lpn % uint64(c.cfg.Sets) }

func (c *Cache) findWay(set uint64, lpn uint64) (int, bool) {
	for w, line := range c.sets[set] {
		if line.Valid && line.Tag == lpn {
			return w, true
		}
	}
	return -1, false
}

// pickVictim selects the way a new line goes into. An invalid way is
// taken first, so no valid line is evicted while the set has room;
// otherwise the configured policy decides: FirstEntry picks way 0, FIFO
// the minimum InsertedTick, LRU the minimum LastAccessTick.
func (c *Cache) pickVictim(set uint64) int {
	for w := range c.sets[set] {
		if !c.sets[set][w].Valid {
			return w
		}
	}
	switch c.cfg.Evict {
	case config.EvictFirstEntry:
		return 0
	case config.EvictFIFO:
		best := 0
		for w := 1; w < len(c.sets[set]); w++ {
			if !c.sets[set][w].Valid {
				return w
			}
			if c.sets[set][w].InsertedTick < c.sets[set][best].InsertedTick {
				best = w
			}
		}
		return best
	default: // LRU
		best := 0
		for w := 1; w < len(c.sets[set]); w++ {
			if !c.sets[set][w].Valid {
				return w
			}
			if c.sets[set][w].LastAccessTick < c.sets[set][best].LastAccessTick {
				best = w
			}
		}
		return best
	}
}

// evict writes back a dirty victim line and invalidates it, returning
// the tick after any write-back completes. A clean eviction issues no
// backend traffic.
func (c *Cache) evict(set uint64, way int, tick engine.Tick) engine.Tick {
	line := &c.sets[set][way]
	if !line.Valid {
		return tick
	}
	if line.Dirty {
		tick = c.backend.Write(line.Tag, line.Data, tick)
		c.dirtyEvictions++
	} else {
		c.cleanEvictions++
	}
	line.Valid = false
	line.Dirty = false
	return tick
}

// Read services a read, caching the fetched line on a miss when the read
// cache is enabled. The victim way is evicted before the new line is
// inserted.
func (c *Cache) Read(lpn uint64, tick engine.Tick) ([]byte, engine.Tick) {
	if !c.cfg.EnableReadCache {
		data, newTick := c.backend.Read(lpn, tick+c.dramLatency)
		return data, newTick
	}

	set := c.setIndex(lpn)
	if way, ok := c.findWay(set, lpn); ok {
		c.sets[set][way].LastAccessTick = tick
		out := make([]byte, len(c.sets[set][way].Data))
		copy(out, c.sets[set][way].Data)
		return out, tick
	}

	way := c.pickVictim(set)
	tick = c.evict(set, way, tick)

	data, newTick := c.backend.Read(lpn, tick)
	line := &c.sets[set][way]
	line.Valid = true
	line.Dirty = false
	line.Tag = lpn
	copy(line.Data, data)
	line.InsertedTick = newTick
	line.LastAccessTick = newTick
	out := make([]byte, len(data))
	copy(out, data)
	return out, newTick
}

// Write services a write, marking the line dirty when the write cache is
// enabled; otherwise it passes straight through to the backend.
func (c *Cache) Write(lpn uint64, data []byte, tick engine.Tick) engine.Tick {
	if !c.cfg.EnableWriteCache {
		return c.backend.Write(lpn, data, tick+c.dramLatency)
	}

	set := c.setIndex(lpn)
	if way, ok := c.findWay(set, lpn); ok {
		line := &c.sets[set][way]
		copy(line.Data, data)
		line.Dirty = true
		line.LastAccessTick = tick
		return tick
	}

	way := c.pickVictim(set)
	tick = c.evict(set, way, tick)

	line := &c.sets[set][way]
	line.Valid = true
	line.Dirty = true
	line.Tag = lpn
	copy(line.Data, data)
	line.InsertedTick = tick
	line.LastAccessTick = tick
	return tick
}

// Dirty reports whether lpn is cached with data not yet written back.
// The read path uses this to tell a written-but-unflushed LPN apart from
// a genuinely unwritten one.
func (c *Cache) Dirty(lpn uint64) bool {
	set := c.setIndex(lpn)
	if way, ok := c.findWay(set, lpn); ok {
		return c.sets[set][way].Dirty
	}
	return false
}

// Trim invalidates any cached line for lpn in place and always passes
// the trim through to the backend.
func (c *Cache) Trim(lpn uint64, tick engine.Tick) {
	set := c.setIndex(lpn)
	if way, ok := c.findWay(set, lpn); ok {
		c.sets[set][way].Valid = false
		c.sets[set][way].Dirty = false
	}
	c.backend.Trim(lpn, tick)
}

// Flush writes through every dirty line, then invalidates it.
func (c *Cache) Flush(tick engine.Tick) engine.Tick {
	for s := range c.sets {
		for w := range c.sets[s] {
			line := &c.sets[s][w]
			if line.Valid && line.Dirty {
				tick = c.backend.Write(line.Tag, line.Data, tick)
				c.dirtyEvictions++
				line.Dirty = false
				line.Valid = false
			}
		}
	}
	return tick
}

// CleanEvictions and DirtyEvictions expose the eviction counters for
// tests.
func (c *Cache) CleanEvictions() int { return c.cleanEvictions }
func (c *Cache) DirtyEvictions() int { return c.dirtyEvictions }
