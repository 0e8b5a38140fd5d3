// Package firmware implements the firmware CPU model: every
// firmware-callable function costs deterministic ticks, driven by a
// per-function instruction mix and a clock period, so command throughput
// reflects firmware-CPU bottlenecks rather than being free.
package firmware

import (
	"github.com/nandsim/nandsim/internal/engine"
	"github.com/nandsim/nandsim/internal/simlog"
)

// Group identifies one of the three firmware core pools.
type Group int

const (
	HIL Group = iota
	ICL
	FTL
	groupCount
)

func (g Group) String() string {
	switch g {
	case HIL:
		return "HIL"
	case ICL:
		return "ICL"
	case FTL:
		return "FTL"
	default:
		return "Group(?)"
	}
}

// InstructionMix is the per-function instruction breakdown latency is
// derived from.
type InstructionMix struct {
	Branch, Load, Store, Arith, FP, Other uint64
}

func (m InstructionMix) total() uint64 {
	return m.Branch + m.Load + m.Store + m.Arith + m.FP + m.Other
}

// FunctionID identifies a firmware entry point within a Group's CPI table.
type FunctionID string

// CoreStats accumulates per-core accounting.
type CoreStats struct {
	BusyTicks   uint64
	JobsHandled uint64
}

type job struct {
	completion engine.EventID
	mix        InstructionMix
	submit     engine.Tick
	delay      engine.Tick
}

type core struct {
	id      int
	busy    bool
	queue   []job
	stats   CoreStats
	doneEvt engine.EventID
}

// Model is the firmware CPU model.
type Model struct {
	eng *engine.Engine
	log *simlog.Logger

	clockPeriod          engine.Tick // ticks per cycle
	cyclesPerInstruction uint64

	cores [groupCount][]*core
	cpi   [groupCount]map[FunctionID]InstructionMix
}

// Config configures Model construction.
type Config struct {
	ClockPeriodPs        engine.Tick
	CyclesPerInstruction uint64
	CoresPerGroup        [groupCount]int
}

// New builds a Model with the given per-group core counts.
func New(eng *engine.Engine, log *simlog.Logger, cfg Config) *Model {
	if log == nil {
		log = simlog.Discard()
	}
	if cfg.ClockPeriodPs == 0 {
		cfg.ClockPeriodPs = 286 // ~3.5GHz
	}
	if cfg.CyclesPerInstruction == 0 {
		cfg.CyclesPerInstruction = 1
	}
	m := &Model{
		eng:                  eng,
		log:                  log,
		clockPeriod:          cfg.ClockPeriodPs,
		cyclesPerInstruction: cfg.CyclesPerInstruction,
	}
	for g := Group(0); g < groupCount; g++ {
		m.cpi[g] = make(map[FunctionID]InstructionMix)
		n := cfg.CoresPerGroup[g]
		m.cores[g] = make([]*core, n)
		for i := 0; i < n; i++ {
			c := &core{id: i}
			c.doneEvt = eng.CreateEvent(func(now engine.Tick, payload any) {
				m.jobDone(c, now)
			}, "firmware.jobDone")
			m.cores[g][i] = c
		}
	}
	return m
}

// RegisterFunction installs the instruction mix for functionID within group.
func (m *Model) RegisterFunction(group Group, functionID FunctionID, mix InstructionMix) {
	m.cpi[group][functionID] = mix
}

func (m *Model) latency(mix InstructionMix) engine.Tick {
	return engine.Tick(mix.total()*m.cyclesPerInstruction) * m.clockPeriod
}

// Execute models calling functionID on the least-busy core of group,
// firing completion once the simulated instruction-mix latency elapses.
func (m *Model) Execute(group Group, functionID FunctionID, completion engine.EventID, delay engine.Tick) {
	cores := m.cores[group]
	if len(cores) == 0 {
		// "zero model": no core in this group, fire immediately.
		m.eng.ScheduleRel(completion, 0, nil)
		return
	}
	mix, ok := m.cpi[group][functionID]
	if !ok {
		simlog.Panicf(m.log, "firmware: no instruction mix registered for %s/%s", group, functionID)
	}

	best := cores[0]
	for _, c := range cores[1:] {
		if c.busy != best.busy {
			if !c.busy {
				best = c
			}
			continue
		}
		if c.stats.BusyTicks < best.stats.BusyTicks {
			best = c
		} else if c.stats.BusyTicks == best.stats.BusyTicks && len(c.queue) < len(best.queue) {
			best = c
		}
	}

	now := m.eng.Now()
	j := job{completion: completion, mix: mix, submit: now, delay: delay}
	best.queue = append(best.queue, j)
	if !best.busy {
		best.busy = true
		m.armHead(best)
	}
}

func (m *Model) armHead(c *core) {
	j := c.queue[0]
	lat := m.latency(j.mix)
	due := j.submit + j.delay + lat
	if now := m.eng.Now(); now+lat > due {
		due = now + lat
	}
	m.eng.Schedule(c.doneEvt, due, nil)
}

func (m *Model) jobDone(c *core, now engine.Tick) {
	j := c.queue[0]
	c.queue = c.queue[1:]
	c.stats.BusyTicks += m.latency(j.mix)
	c.stats.JobsHandled++
	m.eng.ScheduleRel(j.completion, 0, nil)
	if len(c.queue) > 0 {
		m.armHead(c)
	} else {
		c.busy = false
	}
}

// ApplyLatency accounts stats for functionID in group and returns the
// latency without queueing, for callers that model the delay inline
// rather than through a completion event.
func (m *Model) ApplyLatency(group Group, functionID FunctionID) engine.Tick {
	cores := m.cores[group]
	mix, ok := m.cpi[group][functionID]
	if !ok {
		simlog.Panicf(m.log, "firmware: no instruction mix registered for %s/%s", group, functionID)
	}
	lat := m.latency(mix)
	if len(cores) > 0 {
		cores[0].stats.BusyTicks += lat
		cores[0].stats.JobsHandled++
	}
	return lat
}

// Stats returns a copy of the per-core stats of group.
func (m *Model) Stats(group Group) []CoreStats {
	cores := m.cores[group]
	out := make([]CoreStats, len(cores))
	for i, c := range cores {
		out[i] = c.stats
	}
	return out
}
