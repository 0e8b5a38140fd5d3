// Package arbiter implements the command arbiter: submission/completion
// ring management, the periodic round-robin or weighted-round-robin
// fetch cycle, the dispatch hand-off to whichever component owns opcode
// routing, and completion/shutdown bookkeeping.
package arbiter

import (
	"sort"

	"github.com/nandsim/nandsim/internal/config"
	"github.com/nandsim/nandsim/internal/dma"
	"github.com/nandsim/nandsim/internal/engine"
	"github.com/nandsim/nandsim/internal/nvmewire"
	"github.com/nandsim/nandsim/internal/simlog"
)

// Priority is a submission queue's WRR class.
type Priority int

const (
	PriorityUrgent Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

// Policy selects the fetch-cycle arbitration algorithm.
type Policy int

const (
	PolicyRoundRobin Policy = iota
	PolicyWeightedRoundRobin
)

// SQRing is one submission queue's ring state.
type SQRing struct {
	ID       uint16
	CQID     uint16
	Priority Priority
	Base     uint64 // host memory address of entry 0
	Size     uint32 // entry count
	Head     uint32
	Tail     uint32
}

func (r *SQRing) empty() bool { return r.Head == r.Tail }

// advanceHead moves head forward by one, wrapping at Size.
func (r *SQRing) advanceHead() {
	r.Head = (r.Head + 1) % r.Size
}

// CQRing is one completion queue's ring state.
type CQRing struct {
	ID    uint16
	Base  uint64
	Size  uint32
	Head  uint32
	Tail  uint32
	Phase bool
	IV    uint16
}

func (r *CQRing) advanceTail() {
	r.Tail++
	if r.Tail == r.Size {
		r.Tail = 0
		r.Phase = !r.Phase
	}
}

// SubmissionContext is one fetched command in flight, kept in the
// arbiter's in-flight map from fetch until Complete.
type SubmissionContext struct {
	CmdID   uint64
	SQID    uint16
	CQID    uint16
	SQHead  uint32
	Entry   nvmewire.SQE
	Aborted bool
}

// Arbiter owns one controller's SQ/CQ rings, the fetch cycle, the
// dispatch queue and the in-flight command map.
type Arbiter struct {
	eng    *engine.Engine
	dmaEng *dma.Engine
	mem    dma.HostMemory
	log    *simlog.Logger
	cfg    config.NVMeConfig
	policy Policy

	sqs map[uint16]*SQRing
	cqs map[uint16]*CQRing

	dispatchQueue []*SubmissionContext
	inFlight      map[uint64]*SubmissionContext
	nextCmdID     uint64

	enabled      bool
	shuttingDown bool
	onShutdown   func()
	fetchEvt     engine.EventID
	fetchDoneEvt engine.EventID

	wrr wrrState
}

type wrrState struct {
	tier      Priority
	cursor    int // index into the current tier's sorted SQ id list
	remaining uint32
}

// New builds an Arbiter bound to host memory mem (for ring reads) and a
// DMA engine for the 64-byte fetch bursts.
func New(eng *engine.Engine, dmaEng *dma.Engine, mem dma.HostMemory, log *simlog.Logger, cfg config.NVMeConfig, policy Policy) *Arbiter {
	if log == nil {
		log = simlog.Discard()
	}
	a := &Arbiter{
		eng: eng, dmaEng: dmaEng, mem: mem, log: log, cfg: cfg, policy: policy,
		sqs:      make(map[uint16]*SQRing),
		cqs:      make(map[uint16]*CQRing),
		inFlight: make(map[uint64]*SubmissionContext),
	}
	a.fetchEvt = eng.CreateEvent(func(now engine.Tick, _ any) {
		a.fetchCycle()
		if a.enabled {
			eng.ScheduleRel(a.fetchEvt, cfg.WorkIntervalTicks, nil)
		}
	}, "arbiter.fetch")
	a.fetchDoneEvt = eng.CreateEvent(func(now engine.Tick, payload any) {
		a.onFetchComplete(payload.(*SubmissionContext))
	}, "arbiter.fetchDone")
	return a
}

// CreateSQ registers a new submission queue. The admin SQ (id 0) created
// by control registers and I/O queues created by admin commands both
// funnel through this one call.
func (a *Arbiter) CreateSQ(id uint16, cqid uint16, prio Priority, base uint64, size uint32) error {
	if _, exists := a.sqs[id]; exists {
		return errQueueIDCollision
	}
	a.sqs[id] = &SQRing{ID: id, CQID: cqid, Priority: prio, Base: base, Size: size}
	return nil
}

// CreateCQ registers a new completion queue.
func (a *Arbiter) CreateCQ(id uint16, base uint64, size uint32, iv uint16) error {
	if _, exists := a.cqs[id]; exists {
		return errQueueIDCollision
	}
	a.cqs[id] = &CQRing{ID: id, Base: base, Size: size, Phase: true, IV: iv}
	return nil
}

// RingSQTail and RingCQHead update ring indices from host doorbell
// writes.
func (a *Arbiter) RingSQTail(id uint16, tail uint32) { a.sqs[id].Tail = tail }
func (a *Arbiter) RingCQHead(id uint16, head uint32) { a.cqs[id].Head = head }

// Enable starts the periodic fetch cycle.
func (a *Arbiter) Enable() {
	if a.enabled {
		return
	}
	a.enabled = true
	a.eng.ScheduleRel(a.fetchEvt, a.cfg.WorkIntervalTicks, nil)
}

// idsInClass returns the ids of every SQ in the given priority class, in
// ascending order.
func (a *Arbiter) idsInClass(prio Priority) []uint16 {
	var out []uint16
	for id, sq := range a.sqs {
		if sq.Priority == prio {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (a *Arbiter) allIDs() []uint16 {
	out := make([]uint16, 0, len(a.sqs))
	for id := range a.sqs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// fetchCycle runs one iteration of the fetch algorithm, issuing at most
// one DMA read if the dispatch queue has room and a non-empty queue is
// found.
func (a *Arbiter) fetchCycle() {
	if a.shuttingDown {
		return
	}
	if uint32(len(a.dispatchQueue)) >= a.cfg.RequestQueueSize {
		return
	}

	var chosen *SQRing
	switch a.policy {
	case PolicyRoundRobin:
		chosen = a.pickRoundRobin()
	default:
		chosen = a.pickWeightedRoundRobin()
	}
	if chosen == nil {
		return
	}
	a.beginFetch(chosen)
}

func (a *Arbiter) pickRoundRobin() *SQRing {
	ids := a.allIDs()
	for _, id := range ids {
		sq := a.sqs[id]
		if !sq.empty() {
			return sq
		}
	}
	return nil
}

// pickWeightedRoundRobin runs the tiered budget algorithm: urgent SQs
// first (unlimited per-SQ budget, round-robin across them), then high up
// to hpw+1, medium up to mpw+1, low up to lpw+1, restarting the whole
// scan every time a tier empties out.
func (a *Arbiter) pickWeightedRoundRobin() *SQRing {
	tiers := [...]struct {
		prio   Priority
		budget uint32
	}{
		{PriorityUrgent, 0}, // 0 = unlimited, handled specially below
		{PriorityHigh, a.cfg.WRRHighWeight + 1},
		{PriorityMedium, a.cfg.WRRMediumWeight + 1},
		{PriorityLow, a.cfg.WRRLowWeight + 1},
	}

	for _, t := range tiers {
		ids := a.idsInClass(t.prio)
		if len(ids) == 0 {
			continue
		}
		if a.wrr.tier != t.prio || a.wrr.cursor >= len(ids) {
			a.wrr.tier = t.prio
			a.wrr.cursor = 0
			a.wrr.remaining = t.budget
		}
		// scan at most once fully around this tier for a non-empty SQ
		for i := 0; i < len(ids); i++ {
			idx := (a.wrr.cursor + i) % len(ids)
			sq := a.sqs[ids[idx]]
			if sq.empty() {
				continue
			}
			if i > 0 || (t.budget != 0 && a.wrr.remaining == 0) {
				// rotate to this SQ fresh
				a.wrr.cursor = idx
				a.wrr.remaining = t.budget
			}
			if t.budget != 0 {
				a.wrr.remaining--
				if a.wrr.remaining == 0 {
					a.wrr.cursor = (idx + 1) % len(ids)
					a.wrr.remaining = t.budget
				}
			}
			return sq
		}
	}
	return nil
}

func (a *Arbiter) beginFetch(sq *SQRing) {
	addr := sq.Base + uint64(sq.Head)*nvmewire.SQESize
	buf := make([]byte, nvmewire.SQESize)
	a.mem.ReadAt(addr, buf)
	entry := nvmewire.DecodeSQE(buf)

	a.nextCmdID++
	ctx := &SubmissionContext{
		CmdID:  a.nextCmdID,
		SQID:   sq.ID,
		CQID:   sq.CQID,
		SQHead: sq.Head,
		Entry:  entry,
	}
	sq.advanceHead()

	if a.dmaEng != nil {
		tag := a.dmaEng.InitRaw(addr, nvmewire.SQESize)
		a.dmaEng.Read(tag, 0, nvmewire.SQESize, nil, a.eng.Now(), a.fetchDoneEvt, ctx)
	} else {
		a.onFetchComplete(ctx)
	}
}

func (a *Arbiter) onFetchComplete(ctx *SubmissionContext) {
	a.inFlight[ctx.CmdID] = ctx
	a.dispatchQueue = append(a.dispatchQueue, ctx)
}

// Dispatch pulls the next fetched context off the dispatch queue, FIFO.
// Returns nil if nothing is queued.
func (a *Arbiter) Dispatch() *SubmissionContext {
	if len(a.dispatchQueue) == 0 {
		return nil
	}
	ctx := a.dispatchQueue[0]
	a.dispatchQueue = a.dispatchQueue[1:]
	return ctx
}

// Complete writes cqe at the CQ tail (stamping the current phase bit),
// advances the tail, posts the vector's interrupt and removes ctx from
// the in-flight map. Completing an unknown or already-completed command
// id is a fatal invariant violation.
func (a *Arbiter) Complete(ctx *SubmissionContext, cqe nvmewire.CQE, postInterrupt func(vector uint16)) {
	if _, ok := a.inFlight[ctx.CmdID]; !ok {
		simlog.Panicf(a.log, "arbiter: complete of command %d which is not in flight (double-complete?)", ctx.CmdID)
	}
	cq := a.cqs[ctx.CQID]
	cqe.SQHead = uint16(ctx.SQHead)
	cqe.SQID = ctx.SQID
	cqe.CID = ctx.Entry.CID
	cqe.Phase = cq.Phase

	raw := cqe.Encode()
	addr := cq.Base + uint64(cq.Tail)*nvmewire.CQESize
	a.mem.WriteAt(addr, raw[:])
	cq.advanceTail()

	if postInterrupt != nil {
		postInterrupt(cq.IV)
	}
	delete(a.inFlight, ctx.CmdID)

	if a.shuttingDown && len(a.inFlight) == 0 {
		a.shuttingDown = false
		if a.onShutdown != nil {
			a.onShutdown()
		}
	}
}

// DeleteSQ removes a submission queue created by a prior CreateSQ
// (the Delete I/O Submission Queue admin command's effect).
func (a *Arbiter) DeleteSQ(id uint16) error {
	if _, ok := a.sqs[id]; !ok {
		return errQueueNotFound
	}
	delete(a.sqs, id)
	return nil
}

// DeleteCQ removes a completion queue created by a prior CreateCQ.
func (a *Arbiter) DeleteCQ(id uint16) error {
	if _, ok := a.cqs[id]; !ok {
		return errQueueNotFound
	}
	delete(a.cqs, id)
	return nil
}

// FindInFlight locates the in-flight context matching (sqid, cid), for
// the Abort admin command. Returns nil if no such command is currently
// in flight.
func (a *Arbiter) FindInFlight(sqid uint16, cid uint16) *SubmissionContext {
	for _, ctx := range a.inFlight {
		if ctx.SQID == sqid && ctx.Entry.CID == cid {
			return ctx
		}
	}
	return nil
}

// ReserveShutdown stops fetching; onDone fires once every in-flight
// command has completed.
func (a *Arbiter) ReserveShutdown(onDone func()) {
	a.enabled = false
	a.eng.Deschedule(a.fetchEvt, true)
	a.onShutdown = onDone
	if len(a.inFlight) == 0 {
		onDone()
		return
	}
	a.shuttingDown = true
}

// InFlightCount exposes the in-flight map size for tests and diagnostics.
func (a *Arbiter) InFlightCount() int { return len(a.inFlight) }
