// Package timing defines the timing-table contract the PAL scheduler
// depends on, plus one concrete deterministic implementation keyed by
// NAND type. There is no class hierarchy per cell technology; one table
// with a page-type lookup covers SLC, MLC and TLC.
package timing

import "github.com/nandsim/nandsim/internal/config"

// Op identifies the NAND-level operation a phase duration is keyed on.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpErase
)

// Phase identifies one of the three phases of a NAND command: command
// and address over the channel, the array operation on the die, and the
// data transfer back over the channel.
type Phase int

const (
	PhaseDMA0 Phase = iota
	PhaseMem
	PhaseDMA1
)

// PageType is the NAND page's bit-position class within a multi-level
// cell.
type PageType int

const (
	PageLSB PageType = iota
	PageCSB
	PageMSB
	pageTypeCount
)

// Table is the contract every timing-table implementation satisfies:
// Latency(pageIndex, op, phase) in picoseconds, and Power for energy
// accounting.
type Table interface {
	Latency(pageIndex uint32, op Op, phase Phase) uint64
	Power(pageIndex uint32, op Op, phase Phase) float64
	PageType(pageIndex uint32) PageType
}

// Default is a concrete, deterministic timing table keyed by NAND type:
// one struct and a page-type-indexed lookup rather than a class per cell
// technology.
type Default struct {
	nandType      config.NANDType
	pagesPerBlock uint32
	// latency[pageType][op][phase] in picoseconds.
	latency [pageTypeCount][3][3]uint64
	power   [pageTypeCount][3][3]float64
}

// NewDefault builds a Default table for nandType. Single-level pages use
// the baseline figures below; multi-level NAND pays a multiple of the
// baseline array-operation latency per extra bit stored.
func NewDefault(nandType config.NANDType, pagesPerBlock uint32) *Default {
	d := &Default{nandType: nandType, pagesPerBlock: pagesPerBlock}

	base := [3][3]uint64{
		OpRead:  {PhaseDMA0: 1_000_000, PhaseMem: 50_000_000, PhaseDMA1: 1_000_000},
		OpWrite: {PhaseDMA0: 1_000_000, PhaseMem: 500_000_000, PhaseDMA1: 1_000_000},
		OpErase: {PhaseDMA0: 1_000_000, PhaseMem: 2_000_000_000, PhaseDMA1: 0},
	}
	basePower := [3][3]float64{
		OpRead:  {PhaseDMA0: 0.02, PhaseMem: 0.03, PhaseDMA1: 0.02},
		OpWrite: {PhaseDMA0: 0.02, PhaseMem: 0.05, PhaseDMA1: 0.02},
		OpErase: {PhaseDMA0: 0.02, PhaseMem: 0.08, PhaseDMA1: 0},
	}

	multByPageType := func(pt PageType) uint64 {
		switch nandType {
		case config.SLC:
			return 1
		case config.MLC:
			if pt == PageLSB {
				return 1
			}
			return 2
		default: // TLC
			switch pt {
			case PageLSB:
				return 1
			case PageCSB:
				return 2
			default:
				return 3
			}
		}
	}

	for pt := PageType(0); pt < pageTypeCount; pt++ {
		mult := multByPageType(pt)
		for op := 0; op < 3; op++ {
			for ph := 0; ph < 3; ph++ {
				d.latency[pt][op][ph] = base[op][ph]
				if Phase(ph) == PhaseMem {
					d.latency[pt][op][ph] *= mult
				}
				d.power[pt][op][ph] = basePower[op][ph]
			}
		}
	}
	return d
}

// PageType classifies a page index within its block by NAND level.
func (d *Default) PageType(pageIndex uint32) PageType {
	switch d.nandType {
	case config.SLC:
		return PageLSB
	case config.MLC:
		if pageIndex%2 == 0 {
			return PageLSB
		}
		return PageCSB
	default: // TLC
		switch pageIndex % 3 {
		case 0:
			return PageLSB
		case 1:
			return PageCSB
		default:
			return PageMSB
		}
	}
}

// Latency returns the phase duration in picoseconds.
func (d *Default) Latency(pageIndex uint32, op Op, phase Phase) uint64 {
	return d.latency[d.PageType(pageIndex)][op][phase]
}

// Power returns the phase's instantaneous power draw in watts.
func (d *Default) Power(pageIndex uint32, op Op, phase Phase) float64 {
	return d.power[d.PageType(pageIndex)][op][phase]
}
