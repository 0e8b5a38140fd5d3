// Package ftl implements page-mapping flash translation: a sparse
// logical-to-physical mapping table, a wear-leveling free-block pool
// ordered by erase count, and greedy/cost-benefit garbage collection
// triggered synchronously off the write path.
package ftl

import (
	"container/heap"
	"sort"

	"github.com/nandsim/nandsim/internal/addr"
	"github.com/nandsim/nandsim/internal/config"
	"github.com/nandsim/nandsim/internal/engine"
	"github.com/nandsim/nandsim/internal/pal"
	"github.com/nandsim/nandsim/internal/simlog"
	"github.com/nandsim/nandsim/internal/timing"
)

// PageState is a physical page's lifecycle state within its block.
type PageState int

const (
	PageFree PageState = iota
	PageValid
	PageInvalid
)

// Block is one physical block's bookkeeping.
type Block struct {
	PPN            addr.PPN // block-aligned PPN identifying this block
	States         []PageState
	WritePointer   uint32
	EraseCount     uint64
	LastAccessTick engine.Tick
	Bad            bool
}

func (b *Block) validCount() int {
	n := 0
	for _, s := range b.States {
		if s == PageValid {
			n++
		}
	}
	return n
}

// mapEntry is where a logical page currently lives.
type mapEntry struct {
	block *Block
	page  uint32
}

// freeHeap is a min-heap of free blocks ordered by erase count; taking
// the minimum-worn free block for each new write is the wear-leveling
// mechanism.
type freeHeap []*Block

func (h freeHeap) Len() int { return len(h) }
func (h freeHeap) Less(i, j int) bool {
	if h[i].EraseCount != h[j].EraseCount {
		return h[i].EraseCount < h[j].EraseCount
	}
	return h[i].PPN < h[j].PPN
}
func (h freeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *freeHeap) Push(x any)   { *h = append(*h, x.(*Block)) }
func (h *freeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// FTL is the page-mapping flash translation layer.
type FTL struct {
	geo  *config.Geometry
	conv *addr.Converter
	pal  *pal.Scheduler
	cfg  config.FTLConfig
	log  *simlog.Logger

	blocks  map[addr.PPN]*Block
	free    freeHeap
	mapping map[uint64]mapEntry

	lastFreeBlock *Block
	nextWritePage uint32
	reclaimMore   bool

	totalBlocks int
}

// New builds an FTL with every physical block free, matching geo.
func New(geo *config.Geometry, conv *addr.Converter, scheduler *pal.Scheduler, cfg config.FTLConfig, log *simlog.Logger) *FTL {
	if log == nil {
		log = simlog.Discard()
	}
	f := &FTL{
		geo: geo, conv: conv, pal: scheduler, cfg: cfg, log: log,
		blocks:  make(map[addr.PPN]*Block),
		mapping: make(map[uint64]mapEntry),
	}
	f.enumerateBlocks()
	f.lastFreeBlock = f.getFreeBlock()
	log.Debug().
		Int("total_blocks", f.totalBlocks).
		Uint64("pages_per_block", uint64(geo.PagesPerBlock)).
		Float64("gc_threshold", cfg.GCThreshold).
		Log("ftl: initialized")
	return f
}

func (f *FTL) enumerateBlocks() {
	for ch := uint32(0); ch < f.geo.Channels; ch++ {
		for way := uint32(0); way < f.geo.WaysPerChannel; way++ {
			for die := uint32(0); die < f.geo.DiesPerWay; die++ {
				for plane := uint32(0); plane < f.geo.PlanesPerDie; plane++ {
					for blk := uint32(0); blk < f.geo.BlocksPerPlane; blk++ {
						loc := addr.Location{Channel: ch, Way: way, Die: die, Plane: plane, Block: blk, Page: 0}
						ppn := f.conv.ToPPN(loc)
						b := &Block{PPN: ppn, States: make([]PageState, f.geo.PagesPerBlock)}
						f.blocks[ppn] = b
						heap.Push(&f.free, b)
						f.totalBlocks++
					}
				}
			}
		}
	}
}

// getFreeBlock pops the minimum-erase-count block off the free pool.
// Exhaustion is fatal: it means the configured over-provisioning ratio is
// insufficient for the workload.
func (f *FTL) getFreeBlock() *Block {
	if f.free.Len() == 0 {
		simlog.Panicf(f.log, "ftl: free block pool exhausted (over-provisioning insufficient for this workload)")
	}
	return heap.Pop(&f.free).(*Block)
}

func (f *FTL) freeBlockCount() int { return f.free.Len() }

// pageAt returns the PPN for page within block.
func (f *FTL) pageAt(block *Block, page uint32) addr.PPN {
	loc := f.conv.ToLocation(block.PPN)
	loc.Page = page
	return f.conv.ToPPN(loc)
}

// Read looks up lpn; an unmapped read completes immediately with the
// tick unchanged and no NAND traffic.
func (f *FTL) Read(lpn uint64, tick engine.Tick) (ppn addr.PPN, mapped bool, newTick engine.Tick) {
	entry, ok := f.mapping[lpn]
	if !ok {
		return 0, false, tick
	}
	entry.block.LastAccessTick = tick
	ppn = f.pageAt(entry.block, entry.page)
	cmd := f.pal.Schedule(tick, ppn, timing.OpRead)
	return ppn, true, cmd.FinishedTick
}

// Write allocates a new page for lpn, invalidating any prior mapping,
// then runs GC synchronously if the free ratio has dropped below
// threshold.
func (f *FTL) Write(lpn uint64, tick engine.Tick) (ppn addr.PPN, newTick engine.Tick) {
	if f.lastFreeBlock == nil || f.nextWritePage >= f.geo.PagesPerBlock {
		promoted := f.lastFreeBlock != nil
		f.lastFreeBlock = f.getFreeBlock()
		f.nextWritePage = 0
		if promoted {
			f.reclaimMore = true
		}
	}

	block := f.lastFreeBlock
	page := f.nextWritePage
	f.nextWritePage++
	block.States[page] = PageValid
	block.WritePointer++
	block.LastAccessTick = tick

	if old, ok := f.mapping[lpn]; ok {
		old.block.States[old.page] = PageInvalid
	}
	ppn = f.pageAt(block, page)
	f.mapping[lpn] = mapEntry{block: block, page: page}

	cmd := f.pal.Schedule(tick, ppn, timing.OpWrite)
	tick = cmd.FinishedTick

	if float64(f.freeBlockCount())/float64(f.totalBlocks) < f.cfg.GCThreshold {
		tick = f.runGC(tick)
	}

	return ppn, tick
}

// Trim invalidates lpn's current page and drops the mapping, with no
// NAND traffic.
func (f *FTL) Trim(lpn uint64) {
	entry, ok := f.mapping[lpn]
	if !ok {
		return
	}
	entry.block.States[entry.page] = PageInvalid
	delete(f.mapping, lpn)
}

// Format invalidates every mapped LPN in [slpn, slpn+nlp), then reclaims
// the touched blocks through the GC machinery on that subset. It returns
// the finish tick of the reclaim.
func (f *FTL) Format(slpn, nlp uint64, tick engine.Tick) engine.Tick {
	touched := map[*Block]struct{}{}
	for lpn, entry := range f.mapping {
		if lpn >= slpn && lpn < slpn+nlp {
			entry.block.States[entry.page] = PageInvalid
			touched[entry.block] = struct{}{}
			delete(f.mapping, lpn)
		}
	}
	if len(touched) == 0 {
		return tick
	}
	victims := make([]*Block, 0, len(touched))
	for b := range touched {
		if b != f.lastFreeBlock {
			victims = append(victims, b)
		}
	}
	return f.reclaim(victims, tick)
}

// FreeBlocks, TotalBlocks, BlockOf and LookupMapping expose internals for
// tests and invariant checks.
func (f *FTL) FreeBlocks() int     { return f.freeBlockCount() }
func (f *FTL) TotalBlocks() int    { return f.totalBlocks }
func (f *FTL) BlockOf(ppn addr.PPN) *Block { return f.blocks[f.conv.BlockAlignedPPN(ppn)] }
func (f *FTL) LookupMapping(lpn uint64) (ppn addr.PPN, ok bool) {
	e, ok := f.mapping[lpn]
	if !ok {
		return 0, false
	}
	return f.pageAt(e.block, e.page), true
}

// runGC computes how many blocks to reclaim, ranks every eligible block
// by the configured weighting, and reclaims the lowest-weighted ones.
func (f *FTL) runGC(tick engine.Tick) engine.Tick {
	nReclaim := f.reclaimQuota()
	f.reclaimMore = false
	if nReclaim <= 0 {
		return tick
	}

	type candidate struct {
		block  *Block
		weight float64
	}
	var candidates []candidate
	for _, b := range f.blocks {
		if b.Bad || b == f.lastFreeBlock || b.validCount() == 0 {
			continue
		}
		candidates = append(candidates, candidate{block: b, weight: f.weight(b, tick)})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].weight != candidates[j].weight {
			return candidates[i].weight < candidates[j].weight
		}
		return candidates[i].block.PPN < candidates[j].block.PPN
	})

	if nReclaim > len(candidates) {
		nReclaim = len(candidates)
	}
	victims := make([]*Block, 0, nReclaim)
	for i := 0; i < nReclaim; i++ {
		victims = append(victims, candidates[i].block)
	}
	f.log.Info().
		Int("victims", len(victims)).
		Int("free_blocks", f.freeBlockCount()).
		Log("ftl: garbage collection")
	return f.reclaim(victims, tick)
}

func (f *FTL) reclaimQuota() int {
	if f.cfg.GCMode == config.GCThresholdMode {
		target := float64(f.totalBlocks)*f.cfg.ReclaimThreshold - float64(f.freeBlockCount())
		if target <= 0 {
			return 0
		}
		return int(target + 0.999999) // ceil
	}
	n := int(f.cfg.ReclaimBlockCount)
	if f.reclaimMore {
		n++
	}
	return n
}

// weight scores a non-free block for victim selection: greedy uses
// valid-page count directly; cost-benefit balances utilization against
// age since last access.
func (f *FTL) weight(b *Block, now engine.Tick) float64 {
	valid := float64(b.validCount())
	if !f.costBenefit() {
		return valid
	}
	u := valid / float64(len(b.States))
	age := float64(now) - float64(b.LastAccessTick)
	if age <= 0 {
		age = 1
	}
	if u >= 1 {
		return 1e18 // fully valid block: worst possible candidate
	}
	return u / ((1 - u) * age)
}

// costBenefit ties the weighting choice to the reclaim-quota mode:
// threshold-driven reclaim uses the age-aware cost-benefit weighting,
// static-quota reclaim uses the simpler greedy weighting.
func (f *FTL) costBenefit() bool { return f.cfg.GCMode == config.GCThresholdMode }

// reclaim migrates every valid page off each victim, erases it, and
// either returns it to the free pool or marks it bad. A victim that is
// the active write target is skipped and not replaced here; runGC leaves
// the active write target out when it ranks candidates, so there the
// next-ranked block is taken in its place.
func (f *FTL) reclaim(victims []*Block, tick engine.Tick) engine.Tick {
	var maxFinish engine.Tick
	for _, victim := range victims {
		if victim == f.lastFreeBlock {
			continue // skip: this candidate is the active write target
		}
		finish := f.reclaimOne(victim, tick)
		if finish > maxFinish {
			maxFinish = finish
		}
	}
	if maxFinish == 0 {
		return tick
	}
	return maxFinish
}

func (f *FTL) reclaimOne(victim *Block, tick engine.Tick) engine.Tick {
	cur := tick
	for page := uint32(0); page < uint32(len(victim.States)); page++ {
		if victim.States[page] != PageValid {
			continue
		}
		oldPPN := f.pageAt(victim, page)
		readCmd := f.pal.Schedule(cur, oldPPN, timing.OpRead)
		cur = readCmd.FinishedTick

		if f.lastFreeBlock == nil || f.nextWritePage >= f.geo.PagesPerBlock {
			promoted := f.lastFreeBlock != nil
			f.lastFreeBlock = f.getFreeBlock()
			f.nextWritePage = 0
			if promoted {
				f.reclaimMore = true
			}
		}
		newBlock := f.lastFreeBlock
		newPage := f.nextWritePage
		f.nextWritePage++
		newBlock.States[newPage] = PageValid
		newBlock.WritePointer++
		newPPN := f.pageAt(newBlock, newPage)

		writeCmd := f.pal.Schedule(cur, newPPN, timing.OpWrite)
		cur = writeCmd.FinishedTick

		victim.States[page] = PageInvalid
		for lpn, e := range f.mapping {
			if e.block == victim && e.page == page {
				f.mapping[lpn] = mapEntry{block: newBlock, page: newPage}
				break
			}
		}
	}

	eraseCmd := f.pal.Schedule(cur, victim.PPN, timing.OpErase)
	cur = eraseCmd.FinishedTick
	victim.EraseCount++

	for i := range victim.States {
		victim.States[i] = PageFree
	}
	victim.WritePointer = 0

	if victim.EraseCount <= f.cfg.EraseCycleLimit {
		heap.Push(&f.free, victim)
	} else {
		victim.Bad = true
	}
	return cur
}
