package pal

import "github.com/nandsim/nandsim/internal/timing"

// OpBucket indexes the per-operation accumulators
// (Read/Write/Erase/Total).
type OpBucket int

const (
	BucketRead OpBucket = iota
	BucketWrite
	BucketErase
	BucketTotal
	opBucketCount
)

func bucketForOp(op timing.Op) OpBucket {
	switch op {
	case timing.OpRead:
		return BucketRead
	case timing.OpWrite:
		return BucketWrite
	default:
		return BucketErase
	}
}

// PhaseSums accumulates the six per-command tick totals: wait and active
// time for each channel phase, the array-operation time, and the
// end-to-end total. DMA0Wait covers everything before the array
// operation starts, whether the command waited on the channel or on the
// die.
type PhaseSums struct {
	DMA0Wait, DMA0 Tick
	Mem            Tick
	DMA1Wait, DMA1 Tick
	Total          Tick
}

// ConflictCounts tallies how each command was classified.
type ConflictCounts struct {
	DMA0Channel, DMA0Mem, DMA1, None uint64
}

// opStats is the per-(operation, page-type) accumulator bank.
type opStats struct {
	phases      [pageTypeCount]PhaseSums
	conflicts   [pageTypeCount]ConflictCounts
	energyPJ    [pageTypeCount]float64
	accessBytes uint64
	count       uint64
}

const pageTypeCount = 3 // LSB/CSB/MSB, mirrors timing.PageType

// EpochSnapshot is a rolling per-epoch counter snapshot, used for
// IOPS/bandwidth reporting over time.
type EpochSnapshot struct {
	EndTick     Tick
	Commands    uint64
	AccessBytes uint64
}

// epochRing is a fixed-capacity, power-of-two-masked ring buffer of
// EpochSnapshot; when full, the oldest snapshot is overwritten.
type epochRing struct {
	s    []EpochSnapshot
	r, w uint
}

func newEpochRing(capacity int) *epochRing {
	size := 1
	for size < capacity {
		size <<= 1
	}
	return &epochRing{s: make([]EpochSnapshot, size)}
}

func (x *epochRing) mask(v uint) uint { return v & (uint(len(x.s)) - 1) }

func (x *epochRing) Push(e EpochSnapshot) {
	if x.w-x.r == uint(len(x.s)) {
		x.r++ // drop oldest
	}
	x.s[x.mask(x.w)] = e
	x.w++
}

func (x *epochRing) Len() int { return int(x.w - x.r) }

func (x *epochRing) Snapshot() []EpochSnapshot {
	out := make([]EpochSnapshot, 0, x.Len())
	for i := x.r; i < x.w; i++ {
		out = append(out, x.s[x.mask(i)])
	}
	return out
}

const epochPeriod Tick = 100_000_000_000 // 1e11 ticks = 0.1s

// Stats accumulates PAL-level statistics.
type Stats struct {
	buckets [opBucketCount]opStats

	channelActive []Tick
	dieActive     []Tick

	epochs     *epochRing
	epochStart Tick
	epochCmds  uint64
	epochBytes uint64
}

// NewStats builds an empty Stats with a 64-entry epoch history.
func NewStats() *Stats {
	return &Stats{epochs: newEpochRing(64)}
}

// Record folds one scheduled command's phase timings, conflict
// classification, energy, access-byte and per-unit active-time
// accounting into the accumulators.
func (s *Stats) Record(cmd *Command, chIdx, dieIdx uint32, pageIndex uint32, table timing.Table, dma0, mem, dma1 Tick, pageSize, pagesPerBlock uint32) {
	pt := int(table.PageType(pageIndex))
	bucket := bucketForOp(cmd.Op)

	// Wait on the channel before DMA0 plus wait on the die before MEM:
	// both delay the array operation, and both land in the one DMA0-wait
	// sum.
	dma0Wait := (cmd.StartDMA0 - cmd.ArrivedTick) + (cmd.StartMem - cmd.EndDMA0)
	var dma1Wait Tick
	if dma1 > 0 {
		dma1Wait = cmd.StartDMA1 - cmd.EndMem
	}

	for _, b := range [2]OpBucket{bucket, BucketTotal} {
		acc := &s.buckets[b]
		acc.count++
		ps := &acc.phases[pt]
		ps.DMA0Wait += dma0Wait
		ps.DMA0 += dma0
		ps.Mem += mem
		ps.DMA1Wait += dma1Wait
		ps.DMA1 += dma1
		ps.Total += cmd.FinishedTick - cmd.ArrivedTick

		cc := &acc.conflicts[pt]
		switch cmd.Conflict {
		case ConflictDMA0Channel:
			cc.DMA0Channel++
		case ConflictDMA0Mem:
			cc.DMA0Mem++
		case ConflictDMA1:
			cc.DMA1++
		default:
			cc.None++
		}

		acc.energyPJ[pt] += table.Power(pageIndex, cmd.Op, timing.PhaseDMA0) * float64(dma0) / 1e9
		acc.energyPJ[pt] += table.Power(pageIndex, cmd.Op, timing.PhaseMem) * float64(mem) / 1e9
		acc.energyPJ[pt] += table.Power(pageIndex, cmd.Op, timing.PhaseDMA1) * float64(dma1) / 1e9

		var bytes uint64
		if cmd.Op == timing.OpErase {
			bytes = uint64(pageSize) * uint64(pagesPerBlock)
		} else {
			bytes = uint64(pageSize)
		}
		acc.accessBytes += bytes
	}

	s.epochCmds++
	var bytes uint64
	if cmd.Op == timing.OpErase {
		bytes = uint64(pageSize) * uint64(pagesPerBlock)
	} else {
		bytes = uint64(pageSize)
	}
	s.epochBytes += bytes
	if cmd.FinishedTick-s.epochStart >= epochPeriod {
		s.epochs.Push(EpochSnapshot{EndTick: cmd.FinishedTick, Commands: s.epochCmds, AccessBytes: s.epochBytes})
		s.epochStart = cmd.FinishedTick
		s.epochCmds = 0
		s.epochBytes = 0
	}

	// Channel busy time is its two DMA phases; the die stays busy from
	// MEM start until its DMA-out can begin, so the DMA1 wait counts
	// against the die too.
	if int(chIdx) < len(s.channelActive) {
		s.channelActive[chIdx] += dma0 + dma1
	}
	if int(dieIdx) < len(s.dieActive) {
		s.dieActive[dieIdx] += mem + dma1Wait
	}
}

// Bucket exposes the accumulator for a given operation bucket, for test
// and reporting consumers.
func (s *Stats) Bucket(b OpBucket) (phases [3]PhaseSums, conflicts [3]ConflictCounts, count uint64) {
	acc := &s.buckets[b]
	return acc.phases, acc.conflicts, acc.count
}

// Epochs returns the rolling epoch history, oldest first.
func (s *Stats) Epochs() []EpochSnapshot { return s.epochs.Snapshot() }

// SetResourceCounts preallocates the channel/die active-time
// accumulators. Record drops per-unit accounting for any command whose
// unit index falls outside these bounds.
func (s *Stats) SetResourceCounts(channels, dies int) {
	s.channelActive = make([]Tick, channels)
	s.dieActive = make([]Tick, dies)
}

// ActiveSummary is the Min/Avg/Max of per-unit active ticks across a
// resource class (all channels, or all dies).
type ActiveSummary struct {
	Min, Max Tick
	Avg      float64
}

func summarizeActive(units []Tick) ActiveSummary {
	if len(units) == 0 {
		return ActiveSummary{}
	}
	out := ActiveSummary{Min: units[0], Max: units[0]}
	var total Tick
	for _, t := range units {
		if t < out.Min {
			out.Min = t
		}
		if t > out.Max {
			out.Max = t
		}
		total += t
	}
	out.Avg = float64(total) / float64(len(units))
	return out
}

// ChannelActiveSummary reduces the per-channel active ticks to
// Min/Avg/Max.
func (s *Stats) ChannelActiveSummary() ActiveSummary { return summarizeActive(s.channelActive) }

// DieActiveSummary reduces the per-die active ticks to Min/Avg/Max.
func (s *Stats) DieActiveSummary() ActiveSummary { return summarizeActive(s.dieActive) }
