// Command nandsim runs a cycle-accurate NAND SSD simulation driven by an
// INI configuration file, given as the one positional argument.
package main

import (
	"fmt"
	"os"

	"github.com/joeycumines/logiface"

	"github.com/nandsim/nandsim/internal/addr"
	"github.com/nandsim/nandsim/internal/arbiter"
	"github.com/nandsim/nandsim/internal/config"
	"github.com/nandsim/nandsim/internal/dma"
	"github.com/nandsim/nandsim/internal/engine"
	"github.com/nandsim/nandsim/internal/firmware"
	"github.com/nandsim/nandsim/internal/ftl"
	"github.com/nandsim/nandsim/internal/intr"
	"github.com/nandsim/nandsim/internal/pal"
	"github.com/nandsim/nandsim/internal/simlog"
	"github.com/nandsim/nandsim/internal/subsystem"
	"github.com/nandsim/nandsim/internal/timing"
)

// hostMemory is a flat byte slice standing in for the host's DMA-visible
// address space (internal/dma.HostMemory's one real-deployment-grade
// implementation would be a mapped file or shared memory segment; this
// simulator's tests and CLI both just need something addressable).
type hostMemory struct{ buf []byte }

func newHostMemory(size int) *hostMemory { return &hostMemory{buf: make([]byte, size)} }

func (m *hostMemory) ReadAt(addr uint64, buf []byte)  { copy(buf, m.buf[addr:addr+uint64(len(buf))]) }
func (m *hostMemory) WriteAt(addr uint64, buf []byte) { copy(m.buf[addr:addr+uint64(len(buf))], buf) }

const hostMemorySize = 256 << 20 // 256 MiB, enough for admin+a handful of I/O queues plus PRP lists

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <config.ini>\n", os.Args[0])
		os.Exit(1)
	}

	log := simlog.New(os.Stderr, logiface.LevelInformational)

	if err := run(os.Args[1], log); err != nil {
		log.Err().Str("error", err.Error()).Log("nandsim: fatal")
		os.Exit(1)
	}
}

func run(configPath string, log *simlog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Err().Str("panic", fmt.Sprint(r)).Log("nandsim: simulator invariant violation")
			err = fmt.Errorf("nandsim: panic: %v", r)
		}
	}()

	f, ferr := os.Open(configPath)
	if ferr != nil {
		return fmt.Errorf("nandsim: open config: %w", ferr)
	}
	defer f.Close()

	cfg, cerr := config.Load(f)
	if cerr != nil {
		return fmt.Errorf("nandsim: load config: %w", cerr)
	}

	eng := engine.New(log)
	conv := addr.New(&cfg.Geometry)
	table := timing.NewDefault(cfg.Geometry.NANDType, cfg.Geometry.PagesPerBlock)
	palSched := pal.New(&cfg.Geometry, conv, table, log, eng)
	flashTL := ftl.New(&cfg.Geometry, conv, palSched, cfg.FTL, log)

	mem := newHostMemory(hostMemorySize)
	dmaEng := dma.New(mem, eng, log, cfg.Geometry.DMASpeedMTps, cfg.Geometry.DMAWidthBits)

	arb := arbiter.New(eng, dmaEng, mem, log, cfg.NVMe, arbiter.PolicyWeightedRoundRobin)
	if err := arb.CreateCQ(0, 0, 64, 0); err != nil {
		return fmt.Errorf("nandsim: create admin cq: %w", err)
	}
	if err := arb.CreateSQ(0, 0, arbiter.PriorityUrgent, 0x1000, 64); err != nil {
		return fmt.Errorf("nandsim: create admin sq: %w", err)
	}

	const memPage = 4096
	coalescer := intr.New(eng, log, func(vector uint16, set bool) {
		log.Debug().Str("vector", fmt.Sprint(vector)).Log("interrupt line change")
	})
	coalescer.Configure(0, intr.VectorConfig{Enabled: false})

	fw := firmware.New(eng, log, firmware.Config{
		CoresPerGroup: [3]int{1, 1, 1}, // HIL, ICL, FTL
	})

	sub := subsystem.New(eng, log, arb, dmaEng, coalescer, fw, flashTL, cfg.ICL, cfg.Geometry.PageSizeBytes, 0, 512, memPage)

	arb.Enable()
	sub.Start(engine.Tick(cfg.NVMe.WorkIntervalTicks))

	// There is no host driver to ring doorbells, so nothing ever stops
	// the arbiter's fetch cycle or the PAL's periodic flush on its own;
	// run for a fixed simulated horizon rather than spin forever with an
	// idle controller.
	eng.RunUntil(runHorizon)
	return nil
}

// runHorizon bounds a driverless run: 10 simulated seconds in picosecond
// ticks.
const runHorizon = engine.Tick(10_000_000_000_000)
