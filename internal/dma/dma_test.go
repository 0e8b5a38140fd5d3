package dma

import (
	"testing"

	"github.com/nandsim/nandsim/internal/engine"
	"github.com/nandsim/nandsim/internal/nvmewire"
	"github.com/stretchr/testify/require"
)

// fakeHostMemory is a flat byte slice backing host memory for tests.
type fakeHostMemory struct {
	buf []byte
}

func newFakeHostMemory(size int) *fakeHostMemory { return &fakeHostMemory{buf: make([]byte, size)} }

func (m *fakeHostMemory) ReadAt(addr uint64, buf []byte)  { copy(buf, m.buf[addr:addr+uint64(len(buf))]) }
func (m *fakeHostMemory) WriteAt(addr uint64, buf []byte) { copy(m.buf[addr:addr+uint64(len(buf))], buf) }

func putLE64(b []byte, off int, v uint64) {
	for i := 0; i < 8; i++ {
		b[off+i] = byte(v >> (8 * i))
	}
}

// TestPRPListWalk drives a 32 KiB transfer through an 8-entry PRP list
// page, producing exactly 8 4096-byte regions summing to 32768.
func TestPRPListWalk(t *testing.T) {
	const memPage = 4096
	mem := newFakeHostMemory(1 << 20)

	listEntries := []uint64{0x3000, 0x4000, 0x5000, 0x6000, 0x7000, 0x8000, 0x9000, 0xA000}
	listPage := make([]byte, memPage)
	for i, addr := range listEntries {
		putLE64(listPage, i*8, addr)
	}
	mem.WriteAt(0x2000, listPage)

	e := New(mem, nil, nil, 0, 0)
	tag := e.InitPRP(0x1000, 0x2000, 32*1024, memPage)

	entry := e.tags[tag]
	require.Len(t, entry.regions, 8)
	var total uint64
	for _, r := range entry.regions {
		require.Equal(t, uint64(4096), r.Size)
		total += r.Size
	}
	require.Equal(t, uint64(32768), total)
}

func TestInitPRPSingleRegionWithinRemainder(t *testing.T) {
	mem := newFakeHostMemory(1 << 16)
	e := New(mem, nil, nil, 0, 0)
	tag := e.InitPRP(0x1000, 0, 100, 4096)
	entry := e.tags[tag]
	require.Len(t, entry.regions, 1)
	require.Equal(t, uint64(100), entry.regions[0].Size)
}

func TestInitPRPTwoRegionsSpanningPage(t *testing.T) {
	mem := newFakeHostMemory(1 << 16)
	e := New(mem, nil, nil, 0, 0)
	// prp1 offset into page leaves remainder 96, size 200 > remainder but <= memPage
	tag := e.InitPRP(0x1FA0, 0x3000, 200, 4096)
	entry := e.tags[tag]
	require.Len(t, entry.regions, 2)
	require.Equal(t, uint64(200), entry.regions[0].Size+entry.regions[1].Size)
}

func TestInitSGLDataBlockCoverage(t *testing.T) {
	mem := newFakeHostMemory(1 << 16)
	e := New(mem, nil, nil, 0, 0)
	d := nvmewire.SGLDescriptor{Address: 0x1000, Length: 4096, ID: uint8(nvmewire.SGLTypeDataBlock) << 4}
	tag, err := e.InitSGL(d, 4096)
	require.NoError(t, err)
	entry := e.tags[tag]
	require.Len(t, entry.regions, 1)
	require.False(t, entry.regions[0].Ignore)
}

func TestInitSGLBitBucketIgnored(t *testing.T) {
	mem := newFakeHostMemory(1 << 16)
	e := New(mem, nil, nil, 0, 0)
	d := nvmewire.SGLDescriptor{Address: 0, Length: 512, ID: uint8(nvmewire.SGLTypeBitBucket) << 4}
	tag, err := e.InitSGL(d, 512)
	require.NoError(t, err)
	entry := e.tags[tag]
	require.True(t, entry.regions[0].Ignore)
}

func TestInitSGLRejectsUnsupportedSubtype(t *testing.T) {
	mem := newFakeHostMemory(1 << 16)
	e := New(mem, nil, nil, 0, 0)
	d := nvmewire.SGLDescriptor{ID: 0xF0} // type 0xF, not recognized
	_, err := e.InitSGL(d, 4096)
	require.True(t, IsUnsupportedSGL(err))
}

// TestReadWriteRoundTrip exercises a raw tag end to end, including the
// done-event firing exactly once.
func TestReadWriteRoundTrip(t *testing.T) {
	mem := newFakeHostMemory(1 << 16)
	eng := engine.New(nil)
	e := New(mem, eng, nil, 1000, 32) // 1000 MT/s, 32-bit wide bus

	tag := e.InitRaw(0x100, 256)
	payload := []byte("0123456789abcdef0123456789abcdef")
	mem.WriteAt(0x100, payload)

	var fired int
	doneEvt := eng.CreateEvent(func(now engine.Tick, _ any) { fired++ }, "dma.done")

	out := make([]byte, len(payload))
	e.Read(tag, 0, uint64(len(payload)), out, 0, doneEvt, nil)
	require.Equal(t, payload, out)

	eng.Run()
	require.Equal(t, 1, fired)
}

// TestDMACoverageInvariant checks that the sum of non-ignored region
// sizes of a PRP tag equals the requested size exactly, for the
// multi-page chase path too.
func TestDMACoverageInvariant(t *testing.T) {
	const memPage = 4096
	mem := newFakeHostMemory(1 << 20)
	listEntries := []uint64{0x3000, 0x4000, 0x5000, 0x6000}
	listPage := make([]byte, memPage)
	for i, addr := range listEntries {
		putLE64(listPage, i*8, addr)
	}
	mem.WriteAt(0x2000, listPage)

	e := New(mem, nil, nil, 0, 0)
	tag := e.InitPRP(0x1000, 0x2000, 4*memPage, memPage)
	entry := e.tags[tag]
	var total uint64
	for _, r := range entry.regions {
		if !r.Ignore {
			total += r.Size
		}
	}
	require.Equal(t, uint64(4*memPage), total)
}
