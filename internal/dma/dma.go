// Package dma implements the host-memory DMA engine: it abstracts host
// access behind an opaque "DMA tag" built from one of four initializers
// (raw/PRDT/PRP/SGL), then walks that tag's region list in 64-byte bus
// bursts on read/write, firing exactly one completion event per call.
//
// Tags are held in an arena keyed by handle; handles are monotonic and
// never reused.
package dma

import (
	"encoding/binary"

	"github.com/nandsim/nandsim/internal/engine"
	"github.com/nandsim/nandsim/internal/nvmewire"
	"github.com/nandsim/nandsim/internal/simlog"
)

// burstSize is the bus packet size a read/write call is segmented into.
const burstSize = 64

// HostMemory is the host-side byte store the DMA engine reads PRP/SGL/PRDT
// metadata from and transfers payload bytes through. The simulator's own
// tests back this with a plain byte slice; a real deployment would back it
// with a mapped file or shared memory segment.
type HostMemory interface {
	ReadAt(addr uint64, buf []byte)
	WriteAt(addr uint64, buf []byte)
}

// Region is one contiguous host-memory span a DMA tag transfers through,
// visited in list order.
type Region struct {
	Address uint64
	Size    uint64
	Ignore  bool // a sink/source of zeros; never actually transferred
}

// Tag is an opaque handle into the engine's tag arena.
type Tag uint64

type tagEntry struct {
	regions []Region
	total   uint64
}

// Engine is the DMA engine. speedMTps and widthBits size the per-burst
// transfer latency.
type Engine struct {
	mem HostMemory
	log *simlog.Logger
	eng *engine.Engine

	speedMTps uint32
	widthBits uint32

	tags   map[Tag]*tagEntry
	nextID Tag
}

// New builds a DMA Engine bound to host memory mem and the configured
// channel transfer rate and bus width.
func New(mem HostMemory, eng *engine.Engine, log *simlog.Logger, speedMTps, widthBits uint32) *Engine {
	if log == nil {
		log = simlog.Discard()
	}
	return &Engine{
		mem: mem, eng: eng, log: log,
		speedMTps: speedMTps, widthBits: widthBits,
		tags: make(map[Tag]*tagEntry),
	}
}

func (e *Engine) newTag(regions []Region) Tag {
	e.nextID++
	id := e.nextID
	var total uint64
	for _, r := range regions {
		total += r.Size
	}
	e.tags[id] = &tagEntry{regions: regions, total: total}
	return id
}

// InitRaw builds a tag over one contiguous region.
func (e *Engine) InitRaw(base, size uint64) Tag {
	return e.newTag([]Region{{Address: base, Size: size}})
}

// InitPRDT parses a PRDT array of `entries` 16-byte (address, size, intr)
// records out of host memory.
func (e *Engine) InitPRDT(base uint64, entries uint32) Tag {
	buf := make([]byte, int(entries)*16)
	e.mem.ReadAt(base, buf)
	regions := make([]Region, 0, entries)
	for i := uint32(0); i < entries; i++ {
		off := i * 16
		addr := le64(buf[off : off+8])
		size := le32(buf[off+8 : off+12])
		regions = append(regions, Region{Address: addr, Size: uint64(size)})
	}
	return e.newTag(regions)
}

// InitPRP walks an NVMe PRP pair, given the controller's configured
// memory page size. Depending on the transfer size and prp1's alignment
// the pair is either one region, two regions, or a data page plus a
// chased PRP list.
func (e *Engine) InitPRP(prp1, prp2, size, memPage uint64) Tag {
	if prp1 == 0 {
		simlog.Panicf(e.log, "dma: init_prp called with zero prp1 (protocol error should have been caught upstream)")
	}
	remainder := memPage - (prp1 % memPage)

	if size <= remainder {
		return e.newTag([]Region{{Address: prp1, Size: size}})
	}
	if size <= memPage {
		return e.newTag([]Region{
			{Address: prp1, Size: remainder},
			{Address: prp2, Size: size - remainder},
		})
	}
	if size <= 2*memPage && prp1%memPage == 0 {
		return e.newTag([]Region{
			{Address: prp1, Size: memPage},
			{Address: prp2, Size: size - memPage},
		})
	}

	// prp1 is data (one memPage's worth starting at its own offset), prp2
	// is a PRP list: walk it, each slot a page-sized region, chasing into
	// a further list page when the final slot is itself a pointer.
	regions := []Region{{Address: prp1, Size: remainder}}
	remaining := size - remainder
	listPage := prp2
	for remaining > 0 {
		entriesPerPage := memPage / nvmewire.PRPEntrySize
		buf := make([]byte, memPage)
		e.mem.ReadAt(listPage, buf)

		for i := uint64(0); i < entriesPerPage && remaining > 0; i++ {
			ptr := le64(buf[i*8 : i*8+8])
			last := i == entriesPerPage-1
			take := memPage
			if take > remaining {
				take = remaining
			}
			if last && remaining > memPage {
				// This slot is a pointer to the next list page, not data.
				listPage = ptr
				break
			}
			regions = append(regions, Region{Address: ptr, Size: take})
			remaining -= take
		}
	}
	return e.newTag(regions)
}

// InitSGL walks an NVMe SGL segment chain starting at dptr1. Only
// DataBlock/KeyedDataBlock (payload), BitBucket (ignored region) and
// Segment/LastSegment (chain pointer) are accepted; any other subtype is
// a protocol error the caller must translate into an NVMe completion
// status.
func (e *Engine) InitSGL(dptr1 nvmewire.SGLDescriptor, size uint64) (Tag, error) {
	var regions []Region
	var total uint64
	cur := dptr1

	for {
		switch cur.Type() {
		case nvmewire.SGLTypeDataBlock, nvmewire.SGLTypeKeyedDataBlock:
			regions = append(regions, Region{Address: cur.Address, Size: uint64(cur.Length)})
			total += uint64(cur.Length)
			return e.newTag(regions), checkTotal(total, size)
		case nvmewire.SGLTypeBitBucket:
			regions = append(regions, Region{Address: cur.Address, Size: uint64(cur.Length), Ignore: true})
			total += uint64(cur.Length)
			return e.newTag(regions), checkTotal(total, size)
		case nvmewire.SGLTypeSegment, nvmewire.SGLTypeLastSegment:
			segBuf := make([]byte, cur.Length)
			e.mem.ReadAt(cur.Address, segBuf)
			n := len(segBuf) / 16
			for i := 0; i < n; i++ {
				d := nvmewire.DecodeSGLDescriptor(segBuf[i*16 : i*16+16])
				switch d.Type() {
				case nvmewire.SGLTypeDataBlock, nvmewire.SGLTypeKeyedDataBlock:
					regions = append(regions, Region{Address: d.Address, Size: uint64(d.Length)})
					total += uint64(d.Length)
				case nvmewire.SGLTypeBitBucket:
					regions = append(regions, Region{Address: d.Address, Size: uint64(d.Length), Ignore: true})
					total += uint64(d.Length)
				case nvmewire.SGLTypeSegment, nvmewire.SGLTypeLastSegment:
					if i != n-1 {
						return Tag(0), errUnsupportedSGL
					}
					cur = d
					goto nextSegment
				default:
					return Tag(0), errUnsupportedSGL
				}
			}
			return e.newTag(regions), checkTotal(total, size)
		nextSegment:
			continue
		default:
			return Tag(0), errUnsupportedSGL
		}
	}
}

func checkTotal(total, want uint64) error {
	if total != want {
		return errCoverageMismatch
	}
	return nil
}

// Read walks tag's regions starting at offset for length bytes, copying
// non-ignored bytes into buf (nil buf means latency-only), then schedules
// doneEvent at the computed completion tick.
func (e *Engine) Read(tag Tag, offset, length uint64, buf []byte, now engine.Tick, doneEvent engine.EventID, payload any) {
	e.transfer(tag, offset, length, buf, false, now, doneEvent, payload)
}

// Write is Read's mirror: non-ignored bytes are copied from buf into host
// memory.
func (e *Engine) Write(tag Tag, offset, length uint64, buf []byte, now engine.Tick, doneEvent engine.EventID, payload any) {
	e.transfer(tag, offset, length, buf, true, now, doneEvent, payload)
}

func (e *Engine) transfer(tag Tag, offset, length uint64, buf []byte, isWrite bool, now engine.Tick, doneEvent engine.EventID, payload any) {
	entry, ok := e.tags[tag]
	if !ok {
		simlog.Panicf(e.log, "dma: unknown tag %d", tag)
	}
	if offset+length > entry.total {
		simlog.Panicf(e.log, "dma: read/write [%d,%d) exceeds tag coverage %d", offset, offset+length, entry.total)
	}

	var (
		visited   uint64
		bufOff    int
		remaining = length
		skip      = offset
	)
	for _, r := range entry.regions {
		if remaining == 0 {
			break
		}
		if skip >= r.Size {
			skip -= r.Size
			visited += r.Size
			continue
		}
		avail := r.Size - skip
		take := avail
		if take > remaining {
			take = remaining
		}
		if !r.Ignore && buf != nil {
			addr := r.Address + skip
			if isWrite {
				e.mem.WriteAt(addr, buf[bufOff:bufOff+int(take)])
			} else {
				chunk := make([]byte, take)
				e.mem.ReadAt(addr, chunk)
				copy(buf[bufOff:], chunk)
			}
		}
		bufOff += int(take)
		remaining -= take
		skip = 0
	}

	bursts := (length + burstSize - 1) / burstSize
	if bursts == 0 {
		bursts = 1
	}
	latency := e.burstLatency() * engine.Tick(bursts)
	if e.eng != nil {
		e.eng.Schedule(doneEvent, now+latency, payload)
	}
}

// burstLatency is the time to move one 64-byte burst across the channel,
// derived from the configured transfer rate and bus width.
func (e *Engine) burstLatency() engine.Tick {
	if e.speedMTps == 0 || e.widthBits == 0 {
		return 0
	}
	widthBytes := uint64(e.widthBits) / 8
	transfersPerBurst := (uint64(burstSize) + widthBytes - 1) / widthBytes
	psPerTransfer := uint64(1_000_000) / uint64(e.speedMTps) // 1e12 / (MTps * 1e6)
	return engine.Tick(transfersPerBurst * psPerTransfer)
}

func le64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }
func le32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
