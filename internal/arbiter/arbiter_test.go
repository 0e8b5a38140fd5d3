package arbiter

import (
	"testing"

	"github.com/nandsim/nandsim/internal/config"
	"github.com/nandsim/nandsim/internal/engine"
	"github.com/nandsim/nandsim/internal/nvmewire"
	"github.com/stretchr/testify/require"
)

// fakeMem is a flat byte slice backing SQ/CQ rings for tests.
type fakeMem struct{ buf []byte }

func newFakeMem(size int) *fakeMem { return &fakeMem{buf: make([]byte, size)} }
func (m *fakeMem) ReadAt(addr uint64, buf []byte)  { copy(buf, m.buf[addr:addr+uint64(len(buf))]) }
func (m *fakeMem) WriteAt(addr uint64, buf []byte) { copy(m.buf[addr:addr+uint64(len(buf))], buf) }

func fillSQEntries(mem *fakeMem, base uint64, n int) {
	for i := 0; i < n; i++ {
		off := base + uint64(i)*nvmewire.SQESize
		mem.buf[off] = 0x02 // write opcode, just needs to be non-garbage
	}
}

func newTestArbiter(t *testing.T, policy Policy) (*engine.Engine, *Arbiter, *fakeMem) {
	eng := engine.New(nil)
	mem := newFakeMem(1 << 20)
	cfg := config.NVMeConfig{
		MaxSQ: 8, MaxCQ: 8,
		WRRHighWeight: 1, WRRMediumWeight: 1, WRRLowWeight: 0,
		WorkIntervalTicks: 100, RequestQueueSize: 64,
	}
	a := New(eng, nil, mem, nil, cfg, policy)
	require.NoError(t, a.CreateCQ(0, 0x10000, 64, 1))
	return eng, a, mem
}

// TestTwoQueueWRRInterleave runs two high-priority SQs with weight 1,
// both with 10 pending entries; fetch order over the first several
// cycles never takes three in a row from one SQ.
func TestTwoQueueWRRInterleave(t *testing.T) {
	eng, a, mem := newTestArbiter(t, PolicyWeightedRoundRobin)
	require.NoError(t, a.CreateSQ(1, 0, PriorityHigh, 0x1000, 64))
	require.NoError(t, a.CreateSQ(2, 0, PriorityHigh, 0x2000, 64))
	fillSQEntries(mem, 0x1000, 10)
	fillSQEntries(mem, 0x2000, 10)
	a.sqs[1].Tail = 10
	a.sqs[2].Tail = 10

	var order []uint16
	for i := 0; i < 20; i++ {
		a.fetchCycle()
		ctx := a.Dispatch()
		require.NotNil(t, ctx)
		order = append(order, ctx.SQID)
	}

	runLen := 1
	for i := 1; i < len(order); i++ {
		if order[i] == order[i-1] {
			runLen++
			require.LessOrEqual(t, runLen, 2, "never three consecutive fetches from one SQ")
		} else {
			runLen = 1
		}
	}
	_ = eng
}

func TestRoundRobinVisitsInIDOrder(t *testing.T) {
	eng, a, mem := newTestArbiter(t, PolicyRoundRobin)
	require.NoError(t, a.CreateSQ(5, 0, PriorityHigh, 0x1000, 64))
	require.NoError(t, a.CreateSQ(1, 0, PriorityHigh, 0x2000, 64))
	fillSQEntries(mem, 0x1000, 1)
	fillSQEntries(mem, 0x2000, 1)
	a.sqs[5].Tail = 1
	a.sqs[1].Tail = 1

	a.fetchCycle()
	ctx := a.Dispatch()
	require.Equal(t, uint16(1), ctx.SQID, "id order means SQ 1 is visited before SQ 5")
	_ = eng
}

func TestCompleteTwiceIsFatal(t *testing.T) {
	_, a, mem := newTestArbiter(t, PolicyRoundRobin)
	require.NoError(t, a.CreateSQ(1, 0, PriorityHigh, 0x1000, 64))
	fillSQEntries(mem, 0x1000, 1)
	a.sqs[1].Tail = 1

	a.fetchCycle()
	ctx := a.Dispatch()
	require.NotNil(t, ctx)

	require.NotPanics(t, func() {
		a.Complete(ctx, nvmewire.CQE{}, nil)
	})
	require.Panics(t, func() {
		a.Complete(ctx, nvmewire.CQE{}, nil)
	})
}

func TestReserveShutdownFiresImmediatelyWhenIdle(t *testing.T) {
	_, a, _ := newTestArbiter(t, PolicyRoundRobin)
	fired := false
	a.ReserveShutdown(func() { fired = true })
	require.True(t, fired)
}

func TestReserveShutdownWaitsForInFlight(t *testing.T) {
	_, a, mem := newTestArbiter(t, PolicyRoundRobin)
	require.NoError(t, a.CreateSQ(1, 0, PriorityHigh, 0x1000, 64))
	fillSQEntries(mem, 0x1000, 1)
	a.sqs[1].Tail = 1
	a.fetchCycle()
	ctx := a.Dispatch()

	fired := false
	a.ReserveShutdown(func() { fired = true })
	require.False(t, fired, "shutdown must wait for the in-flight command")

	a.Complete(ctx, nvmewire.CQE{}, nil)
	require.True(t, fired)
}
