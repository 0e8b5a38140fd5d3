// Package subsystem glues the controller together: it owns the arbiter,
// translates each dispatched SubmissionContext into Cache/FTL calls by
// opcode, and completes the command once the simulated host DMA and NAND
// traffic it required has finished.
package subsystem

import (
	"github.com/nandsim/nandsim/internal/arbiter"
	"github.com/nandsim/nandsim/internal/cache"
	"github.com/nandsim/nandsim/internal/config"
	"github.com/nandsim/nandsim/internal/dma"
	"github.com/nandsim/nandsim/internal/engine"
	"github.com/nandsim/nandsim/internal/firmware"
	"github.com/nandsim/nandsim/internal/ftl"
	"github.com/nandsim/nandsim/internal/intr"
	"github.com/nandsim/nandsim/internal/nvmewire"
	"github.com/nandsim/nandsim/internal/simlog"
)

// NVMe opcodes this subsystem recognizes (NVMe 1.4 §5/§6).
const (
	ioFlush = 0x00
	ioWrite = 0x01
	ioRead  = 0x02
	ioDSM   = 0x09 // Dataset Management (Trim), simplified to one range

	adminDeleteSQ   = 0x00
	adminCreateSQ   = 0x01
	adminGetLogPage = 0x02
	adminDeleteCQ   = 0x04
	adminCreateCQ   = 0x05
	adminIdentify   = 0x06
	adminAbort      = 0x08
	adminFormatNVM  = 0x80
)

// Firmware entry points charged against the CPU model, one per handler
// that does real work. The instruction mixes are registered in New.
const (
	fnRead   firmware.FunctionID = "hil.read"
	fnWrite  firmware.FunctionID = "hil.write"
	fnFlush  firmware.FunctionID = "icl.flush"
	fnTrim   firmware.FunctionID = "ftl.trim"
	fnFormat firmware.FunctionID = "ftl.format"
)

// pendingOp is the bookkeeping a handler keeps alive between issuing a
// DMA transfer and that transfer's completion callback; continuations
// are explicit, every operation that takes time carries a done event.
type pendingOp struct {
	ctx      *arbiter.SubmissionContext
	data     []byte
	unmapped bool
}

// Subsystem wires one controller's arbiter, DMA engine, interrupt
// coalescer, cache and FTL together and drains the arbiter's dispatch
// queue.
type Subsystem struct {
	eng *engine.Engine
	log *simlog.Logger

	arb       *arbiter.Arbiter
	dmaEng    *dma.Engine
	coalescer *intr.Coalescer
	fw        *firmware.Model
	cache     *cache.Cache
	backend   *ftlBackend
	lba       *LBAConverter

	memPage      uint64
	pumpInterval engine.Tick

	pumpEvt      engine.EventID
	readDoneEvt  engine.EventID
	writeDoneEvt engine.EventID
	completeEvt  engine.EventID

	pending       map[uint64]*pendingOp
	nextPendingID uint64
}

// completion is the payload scheduled against completeEvt: a delayed
// finish for a command whose handler computed a future tick (e.g. a
// flush or format) rather than completing inline.
type completion struct {
	ctx    *arbiter.SubmissionContext
	status nvmewire.Status
}

// New builds a Subsystem. memPage is the controller's configured memory
// page size (derived from Controller Configuration.MPS) used for PRP
// resolution. fw may be nil, in which case firmware calls cost nothing.
func New(eng *engine.Engine, log *simlog.Logger, arb *arbiter.Arbiter, dmaEng *dma.Engine, coalescer *intr.Coalescer, fw *firmware.Model, f *ftl.FTL, iclCfg config.ICLConfig, pageSize uint32, dramLatency engine.Tick, lbaSize uint32, memPage uint64) *Subsystem {
	if log == nil {
		log = simlog.Discard()
	}
	backend := newFTLBackend(f, pageSize)
	s := &Subsystem{
		eng: eng, log: log,
		arb: arb, dmaEng: dmaEng, coalescer: coalescer, fw: fw,
		backend: backend,
		cache:   cache.New(iclCfg, backend, dramLatency),
		lba:     NewLBAConverter(lbaSize, pageSize),
		memPage: memPage,
		pending: make(map[uint64]*pendingOp),
	}
	if fw != nil {
		fw.RegisterFunction(firmware.HIL, fnRead, firmware.InstructionMix{Branch: 30, Load: 120, Store: 60, Arith: 90, Other: 20})
		fw.RegisterFunction(firmware.HIL, fnWrite, firmware.InstructionMix{Branch: 30, Load: 100, Store: 90, Arith: 90, Other: 20})
		fw.RegisterFunction(firmware.ICL, fnFlush, firmware.InstructionMix{Branch: 50, Load: 200, Store: 150, Arith: 80, Other: 20})
		fw.RegisterFunction(firmware.FTL, fnTrim, firmware.InstructionMix{Branch: 20, Load: 60, Store: 40, Arith: 40, Other: 10})
		fw.RegisterFunction(firmware.FTL, fnFormat, firmware.InstructionMix{Branch: 100, Load: 400, Store: 300, Arith: 200, Other: 50})
	}

	s.pumpEvt = eng.CreateEvent(func(now engine.Tick, _ any) {
		s.pump()
		if s.pumpInterval > 0 {
			eng.ScheduleRel(s.pumpEvt, s.pumpInterval, nil)
		}
	}, "subsystem.pump")
	s.readDoneEvt = eng.CreateEvent(func(now engine.Tick, payload any) {
		s.onReadDMADone(payload.(uint64))
	}, "subsystem.readDone")
	s.writeDoneEvt = eng.CreateEvent(func(now engine.Tick, payload any) {
		s.onWriteDMADone(payload.(uint64))
	}, "subsystem.writeDone")
	s.completeEvt = eng.CreateEvent(func(now engine.Tick, payload any) {
		c := payload.(completion)
		s.finish(c.ctx, c.status)
	}, "subsystem.complete")

	return s
}

// Start arms the recurring dispatch-drain loop.
func (s *Subsystem) Start(pumpInterval engine.Tick) {
	s.pumpInterval = pumpInterval
	s.eng.ScheduleRel(s.pumpEvt, pumpInterval, nil)
}

func (s *Subsystem) pump() {
	for {
		ctx := s.arb.Dispatch()
		if ctx == nil {
			return
		}
		s.handle(ctx)
	}
}

// handle routes ctx to its opcode's handler.
func (s *Subsystem) handle(ctx *arbiter.SubmissionContext) {
	if ctx.SQID == 0 {
		s.handleAdmin(ctx)
		return
	}
	switch ctx.Entry.OpCode {
	case ioRead:
		s.handleRead(ctx)
	case ioWrite:
		s.handleWrite(ctx)
	case ioFlush:
		s.handleFlush(ctx)
	case ioDSM:
		s.handleTrim(ctx)
	default:
		s.completeStatus(ctx, nvmewire.StatusInvalidOpcode)
	}
}

func (s *Subsystem) handleAdmin(ctx *arbiter.SubmissionContext) {
	switch ctx.Entry.OpCode {
	case adminIdentify:
		s.handleIdentify(ctx)
	case adminGetLogPage:
		s.handleGetLogPage(ctx)
	case adminFormatNVM:
		s.handleFormatNVM(ctx)
	case adminCreateSQ:
		s.handleCreateSQ(ctx)
	case adminCreateCQ:
		s.handleCreateCQ(ctx)
	case adminDeleteSQ:
		s.handleDeleteSQ(ctx)
	case adminDeleteCQ:
		s.handleDeleteCQ(ctx)
	case adminAbort:
		s.handleAbort(ctx)
	default:
		s.completeStatus(ctx, nvmewire.StatusInvalidOpcode)
	}
}

// lbaRange pulls (slba, nlb) out of a read/write/trim command's operand
// words (CDW10/11 = slba lo/hi, CDW12 low 16 bits = nlb-1, NVMe 1.4 §6.7).
func lbaRange(sqe nvmewire.SQE) (slba uint64, nlb uint32) {
	slba = uint64(sqe.CDW10) | uint64(sqe.CDW11)<<32
	nlb = (sqe.CDW12 & 0xffff) + 1
	return
}

// handleRead services the IO Read opcode: resolve the PRP destination,
// walk the logical-page range through the Cache, then DMA the assembled
// payload out to the host.
func (s *Subsystem) handleRead(ctx *arbiter.SubmissionContext) {
	slba, nlb := lbaRange(ctx.Entry)
	slpn, nlp, skipFront, skipEnd := s.lba.Convert(slba, nlb)

	tag := s.dmaEng.InitPRP(ctx.Entry.PRP1, ctx.Entry.PRP2, uint64(nlb)*uint64(s.lba.lbaSize), s.memPage)

	now := s.eng.Now() + s.fwCost(firmware.HIL, fnRead)
	unmapped := false
	payload := make([]byte, 0, nlp*uint64(s.lba.lpnSize))
	for i := uint64(0); i < nlp; i++ {
		// An LPN counts as written if the FTL maps it or a dirty line
		// holds it; a clean cached line from a previous unwritten read
		// must not mask the miss.
		if _, mapped := s.backend.ftl.LookupMapping(slpn + i); !mapped && !s.cache.Dirty(slpn+i) {
			unmapped = true
		}
		data, newTick := s.cache.Read(slpn+i, now)
		now = newTick
		payload = append(payload, data...)
	}
	payload = trimEdges(payload, skipFront, skipEnd)

	id := s.stash(&pendingOp{ctx: ctx, unmapped: unmapped})
	s.dmaEng.Write(tag, 0, uint64(len(payload)), payload, now, s.readDoneEvt, id)
}

func (s *Subsystem) onReadDMADone(id uint64) {
	op := s.takePending(id)
	if op.unmapped {
		s.completeStatus(op.ctx, nvmewire.StatusDeallocatedOrUnwrittenLogicalBlock)
		return
	}
	s.completeSuccess(op.ctx)
}

// handleWrite services the IO Write opcode: DMA the payload in from the
// host first, then fan it out across the touched logical pages through
// the Cache.
func (s *Subsystem) handleWrite(ctx *arbiter.SubmissionContext) {
	_, nlb := lbaRange(ctx.Entry)
	size := uint64(nlb) * uint64(s.lba.lbaSize)
	tag := s.dmaEng.InitPRP(ctx.Entry.PRP1, ctx.Entry.PRP2, size, s.memPage)

	buf := make([]byte, size)
	id := s.stash(&pendingOp{ctx: ctx, data: buf})
	s.dmaEng.Read(tag, 0, size, buf, s.eng.Now(), s.writeDoneEvt, id)
}

func (s *Subsystem) onWriteDMADone(id uint64) {
	op := s.takePending(id)
	ctx := op.ctx
	slba, nlb := lbaRange(ctx.Entry)
	slpn, nlp, _, _ := s.lba.Convert(slba, nlb)

	now := s.eng.Now() + s.fwCost(firmware.HIL, fnWrite)
	pageSize := int(s.lba.lpnSize)
	for i := uint64(0); i < nlp; i++ {
		off := int(i) * pageSize
		end := off + pageSize
		if end > len(op.data) {
			end = len(op.data)
		}
		page := make([]byte, pageSize)
		copy(page, op.data[off:end])
		now = s.cache.Write(slpn+i, page, now)
	}
	s.completeAt(ctx, now, nvmewire.StatusSuccess)
}

// handleFlush services the IO Flush opcode: write back every dirty cache
// line.
func (s *Subsystem) handleFlush(ctx *arbiter.SubmissionContext) {
	now := s.cache.Flush(s.eng.Now() + s.fwCost(firmware.ICL, fnFlush))
	s.completeAt(ctx, now, nvmewire.StatusSuccess)
}

// handleTrim services Dataset Management as a single-range Trim, taking
// the range from the command operands directly.
func (s *Subsystem) handleTrim(ctx *arbiter.SubmissionContext) {
	slba, nlb := lbaRange(ctx.Entry)
	slpn, nlp, _, _ := s.lba.Convert(slba, nlb)
	now := s.eng.Now() + s.fwCost(firmware.FTL, fnTrim)
	for i := uint64(0); i < nlp; i++ {
		s.cache.Trim(slpn+i, now)
	}
	s.completeAt(ctx, now, nvmewire.StatusSuccess)
}

// handleFormatNVM services the admin Format NVM opcode by reclaiming
// every block touched by the addressed LBA range through the FTL.
func (s *Subsystem) handleFormatNVM(ctx *arbiter.SubmissionContext) {
	slba, nlb := lbaRange(ctx.Entry)
	slpn, nlp, _, _ := s.lba.Convert(slba, nlb)
	now := s.backend.ftl.Format(slpn, nlp, s.eng.Now()+s.fwCost(firmware.FTL, fnFormat))
	s.completeAt(ctx, now, nvmewire.StatusSuccess)
}

// handleIdentify services the admin Identify opcode by DMAing a
// zero-filled 4 KiB data structure to the host; only the DMA round trip
// is modeled, not the controller/namespace data content.
func (s *Subsystem) handleIdentify(ctx *arbiter.SubmissionContext) {
	const identifySize = 4096
	tag := s.dmaEng.InitPRP(ctx.Entry.PRP1, ctx.Entry.PRP2, identifySize, s.memPage)
	buf := make([]byte, identifySize)
	id := s.stash(&pendingOp{ctx: ctx})
	s.dmaEng.Write(tag, 0, identifySize, buf, s.eng.Now(), s.readDoneEvt, id)
}

// handleGetLogPage services the admin Get Log Page opcode by DMAing a
// zero-filled log buffer sized by NUMDL/NUMDU in CDW10/CDW11 (NVMe 1.4
// §5.14); the simulator maintains no log content of its own.
func (s *Subsystem) handleGetLogPage(ctx *arbiter.SubmissionContext) {
	numd := uint64(ctx.Entry.CDW10>>16) | uint64(ctx.Entry.CDW11)<<16
	size := (numd + 1) * 4
	tag := s.dmaEng.InitPRP(ctx.Entry.PRP1, ctx.Entry.PRP2, size, s.memPage)
	buf := make([]byte, size)
	id := s.stash(&pendingOp{ctx: ctx})
	s.dmaEng.Write(tag, 0, size, buf, s.eng.Now(), s.readDoneEvt, id)
}

// handleCreateSQ services the admin Create I/O Submission Queue opcode
// (CDW10: QID low16/QSIZE high16; CDW11: PC bit0, priority bits1-2).
func (s *Subsystem) handleCreateSQ(ctx *arbiter.SubmissionContext) {
	qid := uint16(ctx.Entry.CDW10 & 0xffff)
	qsize := uint32(ctx.Entry.CDW10>>16) + 1
	cqid := uint16(ctx.Entry.CDW11 >> 16)
	prio := arbiter.Priority((ctx.Entry.CDW11 >> 1) & 0x3)
	if err := s.arb.CreateSQ(qid, cqid, prio, ctx.Entry.PRP1, qsize); err != nil {
		s.completeStatus(ctx, nvmewire.StatusInvalidQueueIdentifier)
		return
	}
	s.completeSuccess(ctx)
}

// handleCreateCQ services the admin Create I/O Completion Queue opcode
// (CDW10: QID low16/QSIZE high16; CDW11: PC bit0, IEN bit1, IV high16).
func (s *Subsystem) handleCreateCQ(ctx *arbiter.SubmissionContext) {
	qid := uint16(ctx.Entry.CDW10 & 0xffff)
	qsize := uint32(ctx.Entry.CDW10>>16) + 1
	iv := uint16(ctx.Entry.CDW11 >> 16)
	if err := s.arb.CreateCQ(qid, ctx.Entry.PRP1, qsize, iv); err != nil {
		s.completeStatus(ctx, nvmewire.StatusInvalidQueueIdentifier)
		return
	}
	s.completeSuccess(ctx)
}

// handleDeleteSQ services the admin Delete I/O Submission Queue opcode
// (CDW10 low16: QID).
func (s *Subsystem) handleDeleteSQ(ctx *arbiter.SubmissionContext) {
	qid := uint16(ctx.Entry.CDW10 & 0xffff)
	if err := s.arb.DeleteSQ(qid); err != nil {
		s.completeStatus(ctx, nvmewire.StatusInvalidQueueIdentifier)
		return
	}
	s.completeSuccess(ctx)
}

// handleDeleteCQ services the admin Delete I/O Completion Queue opcode.
func (s *Subsystem) handleDeleteCQ(ctx *arbiter.SubmissionContext) {
	qid := uint16(ctx.Entry.CDW10 & 0xffff)
	if err := s.arb.DeleteCQ(qid); err != nil {
		s.completeStatus(ctx, nvmewire.StatusInvalidQueueIdentifier)
		return
	}
	s.completeSuccess(ctx)
}

// handleAbort services the admin Abort opcode: it marks the targeted
// in-flight context so its eventual completion reports
// command-abort-requested instead of success. CDW10: SQID low16, CID
// high16.
func (s *Subsystem) handleAbort(ctx *arbiter.SubmissionContext) {
	sqid := uint16(ctx.Entry.CDW10 & 0xffff)
	cid := uint16(ctx.Entry.CDW10 >> 16)
	if target := s.arb.FindInFlight(sqid, cid); target != nil {
		target.Aborted = true
	}
	s.completeSuccess(ctx)
}

// completeSuccess completes ctx at the current tick with success status.
func (s *Subsystem) completeSuccess(ctx *arbiter.SubmissionContext) {
	s.completeAt(ctx, s.eng.Now(), nvmewire.StatusSuccess)
}

// completeStatus completes ctx immediately with an error status;
// protocol and media errors are recovered locally, never panics.
func (s *Subsystem) completeStatus(ctx *arbiter.SubmissionContext, status nvmewire.Status) {
	s.log.Warning().
		Uint64("cid", uint64(ctx.Entry.CID)).
		Uint64("sqid", uint64(ctx.SQID)).
		Uint64("opcode", uint64(ctx.Entry.OpCode)).
		Uint64("status", uint64(status)).
		Log("subsystem: command completed with error status")
	s.completeAt(ctx, s.eng.Now(), status)
}

// completeAt finishes ctx at tick now with status, folding in the
// abort-requested override.
func (s *Subsystem) completeAt(ctx *arbiter.SubmissionContext, now engine.Tick, status nvmewire.Status) {
	if ctx.Aborted && status == nvmewire.StatusSuccess {
		status = nvmewire.StatusAbortRequested
	}
	if now > s.eng.Now() {
		s.eng.Schedule(s.completeEvt, now, completion{ctx: ctx, status: status})
		return
	}
	s.finish(ctx, status)
}

func (s *Subsystem) finish(ctx *arbiter.SubmissionContext, status nvmewire.Status) {
	cqe := nvmewire.CQE{Status: status}
	s.arb.Complete(ctx, cqe, func(vector uint16) {
		s.coalescer.PostInterrupt(vector, true)
	})
}

// fwCost charges the firmware CPU model for one handler invocation and
// returns the latency to fold into the handler's timeline. Zero when no
// CPU model is attached.
func (s *Subsystem) fwCost(group firmware.Group, fn firmware.FunctionID) engine.Tick {
	if s.fw == nil {
		return 0
	}
	return s.fw.ApplyLatency(group, fn)
}

func (s *Subsystem) stash(op *pendingOp) uint64 {
	s.nextPendingID++
	id := s.nextPendingID
	s.pending[id] = op
	return id
}

func (s *Subsystem) takePending(id uint64) *pendingOp {
	op, ok := s.pending[id]
	if !ok {
		simlog.Panicf(s.log, "subsystem: completion of unknown pending op %d", id)
	}
	delete(s.pending, id)
	return op
}

// trimEdges drops skipFront bytes off the start and skipEnd bytes off
// the end of a page-aligned payload buffer.
func trimEdges(buf []byte, skipFront, skipEnd uint32) []byte {
	start := int(skipFront)
	end := len(buf) - int(skipEnd)
	if start > len(buf) {
		start = len(buf)
	}
	if end < start {
		end = start
	}
	return buf[start:end]
}
