package subsystem

import (
	"github.com/nandsim/nandsim/internal/addr"
	"github.com/nandsim/nandsim/internal/engine"
	"github.com/nandsim/nandsim/internal/ftl"
)

// ftlBackend adapts *ftl.FTL, which deals only in PPNs and timing, to
// cache.Backend, which the Cache falls through to on a miss or a dirty
// eviction. It is also the only place in the simulator that actually
// stores NAND page bytes: an in-memory map keyed by PPN stands in for
// the disk-image backing store.
type ftlBackend struct {
	ftl      *ftl.FTL
	pageSize uint32
	data     map[addr.PPN][]byte
}

func newFTLBackend(f *ftl.FTL, pageSize uint32) *ftlBackend {
	return &ftlBackend{ftl: f, pageSize: pageSize, data: make(map[addr.PPN][]byte)}
}

// Read implements cache.Backend. An unmapped LPN reads as zeroes with no
// NAND traffic.
func (b *ftlBackend) Read(lpn uint64, tick engine.Tick) ([]byte, engine.Tick) {
	ppn, mapped, newTick := b.ftl.Read(lpn, tick)
	out := make([]byte, b.pageSize)
	if !mapped {
		return out, newTick
	}
	copy(out, b.data[ppn])
	return out, newTick
}

// Write implements cache.Backend.
func (b *ftlBackend) Write(lpn uint64, payload []byte, tick engine.Tick) engine.Tick {
	ppn, newTick := b.ftl.Write(lpn, tick)
	stored := make([]byte, b.pageSize)
	copy(stored, payload)
	b.data[ppn] = stored
	return newTick
}

// Trim implements cache.Backend.
func (b *ftlBackend) Trim(lpn uint64, _ engine.Tick) {
	b.ftl.Trim(lpn)
}
