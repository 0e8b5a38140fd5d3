package subsystem

import (
	"encoding/binary"
	"testing"

	"github.com/nandsim/nandsim/internal/addr"
	"github.com/nandsim/nandsim/internal/arbiter"
	"github.com/nandsim/nandsim/internal/config"
	"github.com/nandsim/nandsim/internal/dma"
	"github.com/nandsim/nandsim/internal/engine"
	"github.com/nandsim/nandsim/internal/firmware"
	"github.com/nandsim/nandsim/internal/ftl"
	"github.com/nandsim/nandsim/internal/intr"
	"github.com/nandsim/nandsim/internal/nvmewire"
	"github.com/nandsim/nandsim/internal/pal"
	"github.com/nandsim/nandsim/internal/timing"
	"github.com/stretchr/testify/require"
)

// fakeHostMemory is a flat byte slice backing host memory for tests.
type fakeHostMemory struct{ buf []byte }

func newFakeHostMemory(size int) *fakeHostMemory { return &fakeHostMemory{buf: make([]byte, size)} }

func (m *fakeHostMemory) ReadAt(addr uint64, buf []byte)  { copy(buf, m.buf[addr:addr+uint64(len(buf))]) }
func (m *fakeHostMemory) WriteAt(addr uint64, buf []byte) { copy(m.buf[addr:addr+uint64(len(buf))], buf) }

func testGeo() *config.Geometry {
	return &config.Geometry{
		Channels: 2, WaysPerChannel: 1, DiesPerWay: 2, PlanesPerDie: 1,
		BlocksPerPlane: 8, PagesPerBlock: 8, PageSizeBytes: 4096,
		NANDType: config.SLC, PageAllocationOrder: config.DefaultPageAllocationOrder(false),
		SuperblockDegree: 1,
	}
}

const (
	adminSQBase = 0x08000
	adminCQBase = 0x09000
	sqBase      = 0x10000
	cqBase      = 0x20000
)

type harness struct {
	eng *engine.Engine
	mem *fakeHostMemory
	arb *arbiter.Arbiter
	sub *Subsystem
}

func newHarness(t *testing.T) *harness {
	geo := testGeo()
	eng := engine.New(nil)
	conv := addr.New(geo)
	table := timing.NewDefault(geo.NANDType, geo.PagesPerBlock)
	sched := pal.New(geo, conv, table, nil, nil)
	flashTL := ftl.New(geo, conv, sched, config.FTLConfig{GCThreshold: 0, EraseCycleLimit: 10000}, nil)

	mem := newFakeHostMemory(1 << 20)
	// zero speed/width makes every DMA transfer latency-free, so a test
	// only has to reason about fetch/pump cadence, not burst timing.
	dmaEng := dma.New(mem, eng, nil, 0, 0)

	nvmeCfg := config.NVMeConfig{
		MaxSQ: 8, MaxCQ: 8,
		WRRHighWeight: 1, WRRMediumWeight: 1, WRRLowWeight: 0,
		WorkIntervalTicks: 10, RequestQueueSize: 64,
	}
	arb := arbiter.New(eng, dmaEng, mem, nil, nvmeCfg, arbiter.PolicyRoundRobin)
	require.NoError(t, arb.CreateCQ(0, adminCQBase, 64, 0))
	require.NoError(t, arb.CreateSQ(0, 0, arbiter.PriorityUrgent, adminSQBase, 64))
	require.NoError(t, arb.CreateCQ(1, cqBase, 64, 1))
	require.NoError(t, arb.CreateSQ(1, 1, arbiter.PriorityHigh, sqBase, 64))

	coalescer := intr.New(eng, nil, func(vector uint16, set bool) {})
	coalescer.Configure(0, intr.VectorConfig{Enabled: false})
	coalescer.Configure(1, intr.VectorConfig{Enabled: false})

	iclCfg := config.ICLConfig{
		EnableReadCache: true, EnableWriteCache: true,
		Sets: 4, Ways: 2, EntrySizeBytes: geo.PageSizeBytes, Evict: config.EvictLRU,
	}
	sub := New(eng, nil, arb, dmaEng, coalescer, nil, flashTL, iclCfg, geo.PageSizeBytes, 0, 512, 4096)

	h := &harness{eng: eng, mem: mem, arb: arb, sub: sub}
	h.arb.Enable()
	h.sub.Start(5)
	return h
}

// submitIO writes one SQE into SQ 1 (the I/O queue) at the given ring
// slot and advances its tail, so the next fetch cycle picks it up.
func (h *harness) submitIO(slot uint32, opcode uint8, cid uint16, prp1, prp2 uint64, cdw10, cdw11, cdw12 uint32) {
	h.writeSQE(sqBase, slot, opcode, cid, prp1, prp2, cdw10, cdw11, cdw12)
	h.arb.RingSQTail(1, slot+1)
}

// submitAdmin is submitIO's counterpart for SQ 0.
func (h *harness) submitAdmin(slot uint32, opcode uint8, cid uint16, prp1, prp2 uint64, cdw10, cdw11, cdw12 uint32) {
	h.writeSQE(adminSQBase, slot, opcode, cid, prp1, prp2, cdw10, cdw11, cdw12)
	h.arb.RingSQTail(0, slot+1)
}

func (h *harness) writeSQE(base uint64, slot uint32, opcode uint8, cid uint16, prp1, prp2 uint64, cdw10, cdw11, cdw12 uint32) {
	buf := make([]byte, nvmewire.SQESize)
	buf[0] = opcode
	binary.LittleEndian.PutUint16(buf[2:4], cid)
	binary.LittleEndian.PutUint64(buf[24:32], prp1)
	binary.LittleEndian.PutUint64(buf[32:40], prp2)
	binary.LittleEndian.PutUint32(buf[40:44], cdw10)
	binary.LittleEndian.PutUint32(buf[44:48], cdw11)
	binary.LittleEndian.PutUint32(buf[48:52], cdw12)
	h.mem.WriteAt(base+uint64(slot)*nvmewire.SQESize, buf)
}

func (h *harness) ioCQE(slot uint32) nvmewire.CQE    { return readCQE(h.mem, cqBase, slot) }
func (h *harness) adminCQE(slot uint32) nvmewire.CQE { return readCQE(h.mem, adminCQBase, slot) }

func readCQE(mem *fakeHostMemory, base uint64, slot uint32) nvmewire.CQE {
	raw := make([]byte, nvmewire.CQESize)
	mem.ReadAt(base+uint64(slot)*nvmewire.CQESize, raw)
	return nvmewire.CQE{
		Result: binary.LittleEndian.Uint32(raw[0:4]),
		SQHead: binary.LittleEndian.Uint16(raw[8:10]),
		SQID:   binary.LittleEndian.Uint16(raw[10:12]),
		CID:    binary.LittleEndian.Uint16(raw[12:14]),
		Status: nvmewire.Status(binary.LittleEndian.Uint16(raw[14:16]) >> 1),
	}
}

// TestWriteThenReadRoundTrip drives one full write followed by one full
// read through the fetch -> dispatch -> cache/FTL -> DMA -> complete
// pipeline and checks the host sees back what it wrote.
func TestWriteThenReadRoundTrip(t *testing.T) {
	h := newHarness(t)

	const writeSrc = 0x30000
	const readDst = 0x40000
	pattern := make([]byte, 4096)
	for i := range pattern {
		pattern[i] = byte(i)
	}
	h.mem.WriteAt(writeSrc, pattern)

	// nlb-1 = 7 (8 LBAs of 512 B = one 4096 B logical page), slba = 0.
	h.submitIO(0, 0x01, 1, writeSrc, 0, 0, 0, 7)
	h.eng.RunUntil(200)

	cqe := h.ioCQE(0)
	require.Equal(t, nvmewire.StatusSuccess, cqe.Status)
	require.Equal(t, uint16(1), cqe.CID)

	h.submitIO(1, 0x02, 2, readDst, 0, 0, 0, 7)
	h.eng.RunUntil(400)

	cqe2 := h.ioCQE(1)
	require.Equal(t, nvmewire.StatusSuccess, cqe2.Status)

	got := make([]byte, 4096)
	h.mem.ReadAt(readDst, got)
	require.Equal(t, pattern, got)
}

// TestFlushWritesBackDirtyLines exercises the IO Flush opcode: a write
// dirties a cache line and Flush writes it back, both completing
// successfully.
func TestFlushWritesBackDirtyLines(t *testing.T) {
	h := newHarness(t)

	pattern := make([]byte, 4096)
	for i := range pattern {
		pattern[i] = 0xAB
	}
	h.mem.WriteAt(0x30000, pattern)
	h.submitIO(0, 0x01, 1, 0x30000, 0, 0, 0, 7)
	h.eng.RunUntil(200)
	require.Equal(t, nvmewire.StatusSuccess, h.ioCQE(0).Status)
	require.Equal(t, 0, h.sub.cache.DirtyEvictions())

	h.submitIO(1, 0x00, 2, 0, 0, 0, 0, 0)
	h.eng.RunUntil(400)
	require.Equal(t, nvmewire.StatusSuccess, h.ioCQE(1).Status)
	require.Equal(t, 1, h.sub.cache.DirtyEvictions())
}

// TestTrimInvalidatesMapping exercises the Dataset Management (Trim)
// opcode end to end: a written LPN is unmapped afterward.
func TestTrimInvalidatesMapping(t *testing.T) {
	h := newHarness(t)
	h.submitIO(0, 0x01, 1, 0x30000, 0, 0, 0, 7)
	h.eng.RunUntil(200)
	require.Equal(t, nvmewire.StatusSuccess, h.ioCQE(0).Status)

	// Flush first so the write actually lands in the FTL rather than
	// sitting dirty in the cache, so Trim has a mapping to remove.
	h.submitIO(1, 0x00, 2, 0, 0, 0, 0, 0)
	h.eng.RunUntil(400)
	require.Equal(t, nvmewire.StatusSuccess, h.ioCQE(1).Status)

	h.submitIO(2, 0x09, 3, 0, 0, 0, 0, 7)
	h.eng.RunUntil(600)
	require.Equal(t, nvmewire.StatusSuccess, h.ioCQE(2).Status)

	_, ok := h.sub.backend.ftl.LookupMapping(0)
	require.False(t, ok)
}

// TestCreateAndDeleteIOQueue exercises the admin Create/Delete I/O
// Submission Queue opcodes.
func TestCreateAndDeleteIOQueue(t *testing.T) {
	h := newHarness(t)

	// Create I/O SQ 2, bound to CQ 1, queue size 16 (QSIZE is zero-based
	// so CDW10 high16 carries 15), base at 0x50000.
	h.submitAdmin(0, 0x01, 1, 0x50000, 0, (15<<16)|2, uint32(1)<<16, 0)
	h.eng.RunUntil(200)
	require.Equal(t, nvmewire.StatusSuccess, h.adminCQE(0).Status)

	h.submitAdmin(1, 0x00, 2, 0, 0, 2, 0, 0)
	h.eng.RunUntil(400)
	require.Equal(t, nvmewire.StatusSuccess, h.adminCQE(1).Status)
}

// TestUnknownOpcodeReportsInvalidOpcode checks the protocol error path:
// an unrecognized I/O opcode is recovered locally with a completion
// status, never a panic.
func TestUnknownOpcodeReportsInvalidOpcode(t *testing.T) {
	h := newHarness(t)
	h.submitIO(0, 0x7f, 1, 0, 0, 0, 0, 0)
	h.eng.RunUntil(200)
	require.Equal(t, nvmewire.StatusInvalidOpcode, h.ioCQE(0).Status)
}

// TestFirmwareModelChargesHandlers checks that attaching a CPU model
// makes the I/O handlers account firmware work against its cores.
func TestFirmwareModelChargesHandlers(t *testing.T) {
	geo := testGeo()
	eng := engine.New(nil)
	conv := addr.New(geo)
	sched := pal.New(geo, conv, timing.NewDefault(geo.NANDType, geo.PagesPerBlock), nil, nil)
	flashTL := ftl.New(geo, conv, sched, config.FTLConfig{GCThreshold: 0, EraseCycleLimit: 10000}, nil)
	mem := newFakeHostMemory(1 << 20)
	dmaEng := dma.New(mem, eng, nil, 0, 0)
	nvmeCfg := config.NVMeConfig{MaxSQ: 8, MaxCQ: 8, WorkIntervalTicks: 10, RequestQueueSize: 64}
	arb := arbiter.New(eng, dmaEng, mem, nil, nvmeCfg, arbiter.PolicyRoundRobin)
	require.NoError(t, arb.CreateCQ(1, cqBase, 64, 1))
	require.NoError(t, arb.CreateSQ(1, 1, arbiter.PriorityHigh, sqBase, 64))
	coalescer := intr.New(eng, nil, func(uint16, bool) {})
	coalescer.Configure(1, intr.VectorConfig{Enabled: false})
	fw := firmware.New(eng, nil, firmware.Config{CoresPerGroup: [3]int{1, 1, 1}})
	iclCfg := config.ICLConfig{EnableReadCache: true, EnableWriteCache: true, Sets: 4, Ways: 2, EntrySizeBytes: geo.PageSizeBytes, Evict: config.EvictLRU}
	sub := New(eng, nil, arb, dmaEng, coalescer, fw, flashTL, iclCfg, geo.PageSizeBytes, 0, 512, 4096)

	h := &harness{eng: eng, mem: mem, arb: arb, sub: sub}
	h.arb.Enable()
	h.sub.Start(5)

	h.submitIO(0, 0x01, 1, 0x30000, 0, 0, 0, 7)
	h.eng.RunUntil(1_000_000)
	require.Equal(t, nvmewire.StatusSuccess, h.ioCQE(0).Status)

	stats := fw.Stats(firmware.HIL)
	require.Len(t, stats, 1)
	require.Equal(t, uint64(1), stats[0].JobsHandled)
	require.NotZero(t, stats[0].BusyTicks)
}

// TestAbortMarksInFlightCommand exercises the abort path: a targeted
// in-flight context completes with command-abort-requested instead of
// success.
func TestAbortMarksInFlightCommand(t *testing.T) {
	h := newHarness(t)

	h.submitIO(0, 0x00, 7, 0, 0, 0, 0, 0) // flush, cheap and always completes
	// The first fetch cycle runs at the work interval (tick 10) and the
	// dispatch pump that would complete the flush fires on the next pump
	// tick, so the context is reliably in flight right after tick 10.
	h.eng.RunUntil(10)
	target := h.arb.FindInFlight(1, 7)
	require.NotNil(t, target, "flush must be in flight after the first fetch cycle")
	target.Aborted = true
	h.eng.RunUntil(400)
	require.Equal(t, nvmewire.StatusAbortRequested, h.ioCQE(0).Status)
}
