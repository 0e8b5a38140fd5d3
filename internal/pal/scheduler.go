package pal

import (
	"github.com/nandsim/nandsim/internal/addr"
	"github.com/nandsim/nandsim/internal/config"
	"github.com/nandsim/nandsim/internal/engine"
	"github.com/nandsim/nandsim/internal/simlog"
	"github.com/nandsim/nandsim/internal/timing"
)

// Conflict classifies why a NAND command's phases had to wait.
type Conflict int

const (
	ConflictNone Conflict = iota
	ConflictDMA0Channel
	ConflictDMA0Mem
	ConflictDMA1
)

func (c Conflict) String() string {
	switch c {
	case ConflictDMA0Channel:
		return "DMA0_CH"
	case ConflictDMA0Mem:
		return "DMA0_MEM"
	case ConflictDMA1:
		return "DMA1"
	default:
		return "NONE"
	}
}

// Command is a NAND command as scheduled by the PAL.
type Command struct {
	ArrivedTick  Tick
	FinishedTick Tick
	PPN          addr.PPN
	Op           timing.Op
	Conflict     Conflict

	StartDMA0, EndDMA0 Tick
	StartMem, EndMem   Tick
	StartDMA1, EndDMA1 Tick
}

const (
	flushPeriod Tick = 100_000_000_000 // 0.1s
	flushRange  Tick = 10_000_000_000  // 0.01s
)

// Scheduler is the PAL timeline scheduler: one Ledger per channel and
// one per die, a timing table, and an address converter to turn a PPN
// into the (channel, die) pair a command contends for.
type Scheduler struct {
	geo   *config.Geometry
	conv  *addr.Converter
	table timing.Table
	log   *simlog.Logger
	stats *Stats

	channels []*Ledger
	dies     []*Ledger

	eng      *engine.Engine
	flushEvt engine.EventID
}

// New builds a Scheduler. If eng is non-nil, a recurring flush event is
// armed immediately and re-arms itself every flush period.
func New(geo *config.Geometry, conv *addr.Converter, table timing.Table, log *simlog.Logger, eng *engine.Engine) *Scheduler {
	if log == nil {
		log = simlog.Discard()
	}
	s := &Scheduler{
		geo:   geo,
		conv:  conv,
		table: table,
		log:   log,
		stats: NewStats(),
		eng:   eng,
	}
	s.channels = make([]*Ledger, geo.Channels)
	for i := range s.channels {
		s.channels[i] = NewLedger("channel")
	}
	dieCount := geo.TotalDies()
	s.dies = make([]*Ledger, dieCount)
	for i := range s.dies {
		s.dies[i] = NewLedger("die")
	}
	s.stats.SetResourceCounts(len(s.channels), len(s.dies))

	log.Debug().
		Uint64("channels", uint64(geo.Channels)).
		Uint64("dies", uint64(dieCount)).
		Log("pal: scheduler initialized")

	if eng != nil {
		s.flushEvt = eng.CreateEvent(func(now engine.Tick, _ any) {
			s.Flush(now)
			eng.ScheduleRel(s.flushEvt, flushPeriod, nil)
		}, "pal.flush")
		eng.ScheduleRel(s.flushEvt, flushPeriod, nil)
	}

	return s
}

// Stats exposes the accumulated PAL statistics.
func (s *Scheduler) Stats() *Stats { return s.stats }

// Schedule reserves the DMA0/MEM/DMA1 windows for a NAND command
// targeting ppn, computing the earliest non-overlapping placement on the
// target channel and die.
func (s *Scheduler) Schedule(arrivedTick Tick, ppn addr.PPN, op timing.Op) *Command {
	loc := s.conv.ToLocation(ppn)
	chIdx := loc.Channel
	dieIdx := loc.DieIndex(s.geo)
	if int(chIdx) >= len(s.channels) || int(dieIdx) >= len(s.dies) {
		simlog.Panicf(s.log, "pal: ppn %d decodes to out-of-range channel/die (%d/%d)", ppn, chIdx, dieIdx)
	}
	channel := s.channels[chIdx]
	die := s.dies[dieIdx]

	phase0Need := s.table.Latency(loc.Page, op, timing.PhaseDMA0)
	phase1Need := s.table.Latency(loc.Page, op, timing.PhaseMem)
	phase2Need := s.table.Latency(loc.Page, op, timing.PhaseDMA1)

	cmd := &Command{ArrivedTick: arrivedTick, PPN: ppn, Op: op}

	tDMA0 := channel.FindFreeTime(phase0Need, arrivedTick)
	if tDMA0 > arrivedTick {
		cmd.Conflict = ConflictDMA0Channel
	}

	tMem := die.FindFreeTime(phase1Need, tDMA0+phase0Need)
	if tMem > tDMA0+phase0Need {
		// The MEM wait dominates the DMA0-channel wait whenever both
		// occur on the same command (the die is orders of magnitude
		// slower than the channel's address phase), so it overrides
		// any DMA0_CH classification already recorded.
		cmd.Conflict = ConflictDMA0Mem
	}

	memEnd := tMem + phase1Need
	var tDMA1, dma1End Tick

	if phase2Need > 0 {
		anchor := memEnd
		tDMA1 = channel.FindFreeTime(phase2Need, anchor)
		if tDMA1 > anchor {
			cmd.Conflict = ConflictDMA1
			memEnd = tDMA1 // die stays busy until DMA1 can start
		}
		dma1End = tDMA1 + phase2Need
	}

	channel.Reserve(tDMA0, tDMA0+phase0Need)
	die.Reserve(tMem, memEnd)
	if phase2Need > 0 {
		channel.Reserve(tDMA1, dma1End)
	}

	cmd.StartDMA0, cmd.EndDMA0 = tDMA0, tDMA0+phase0Need
	cmd.StartMem, cmd.EndMem = tMem, tMem+phase1Need
	if phase2Need > 0 {
		cmd.StartDMA1, cmd.EndDMA1 = tDMA1, dma1End
		cmd.FinishedTick = dma1End
	} else {
		cmd.FinishedTick = tMem + phase1Need
	}

	if cmd.Conflict != ConflictNone {
		s.log.Info().
			Stringer("conflict", cmd.Conflict).
			Uint64("ppn", uint64(ppn)).
			Uint64("channel", uint64(chIdx)).
			Uint64("die", uint64(dieIdx)).
			Log("pal: nand command waited")
	}

	s.stats.Record(cmd, chIdx, dieIdx, loc.Page, s.table, phase0Need, phase1Need, phase2Need, s.geo.PageSizeBytes, s.geo.PagesPerBlock)

	return cmd
}

// Flush drops timeline slots that ended before now-flushRange on every
// channel and die ledger.
func (s *Scheduler) Flush(now Tick) {
	if now < flushRange {
		return
	}
	cut := now - flushRange
	for _, l := range s.channels {
		l.FlushBefore(cut)
	}
	for _, l := range s.dies {
		l.FlushBefore(cut)
	}
}

// ChannelLedger exposes the ledger for channel i, for testing and
// statistics consumers.
func (s *Scheduler) ChannelLedger(i uint32) *Ledger { return s.channels[i] }

// DieLedger exposes the ledger for die i.
func (s *Scheduler) DieLedger(i uint32) *Ledger { return s.dies[i] }
