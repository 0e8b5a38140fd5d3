// Package addr converts between physical page numbers and
// (channel, way, die, plane, block, page) tuples, either via bit
// shifts/masks when every geometry dimension is a power of two, or a
// divmod chain following the configured page allocation order otherwise.
package addr

import "github.com/nandsim/nandsim/internal/config"

// PPN is a 64-bit physical page number.
type PPN uint64

// Location is the decoded (C,W,D,P,B,P) tuple of a PPN.
type Location struct {
	Channel uint32
	Way     uint32
	Die     uint32
	Plane   uint32
	Block   uint32
	Page    uint32
}

// DieIndex returns the flat (channel, way, die) index this location's
// die resides at, the unit the PAL scheduler keys its per-die ledgers on.
func (l Location) DieIndex(g *config.Geometry) uint32 {
	return (l.Channel*g.WaysPerChannel+l.Way)*g.DiesPerWay + l.Die
}

type axisField struct {
	shift uint
	mask  uint64
	size  uint64
}

// Converter converts between PPN and Location for a fixed Geometry.
type Converter struct {
	geo      *config.Geometry
	fastPath bool
	fields   [6]axisField // indexed by fieldIndex
	order    []fieldIndex // divmod order, innermost first
}

type fieldIndex int

const (
	fChannel fieldIndex = iota
	fWay
	fDie
	fPlane
	fBlock
	fPage
)

func log2(n uint32) uint {
	var s uint
	for (uint32(1) << s) < n {
		s++
	}
	return s
}

// New builds a Converter for the given geometry.
func New(g *config.Geometry) *Converter {
	c := &Converter{geo: g}
	c.fastPath = g.PowerOfTwoGeometry()

	order := make([]fieldIndex, 0, 6)
	for _, ax := range g.PageAllocationOrder {
		switch ax {
		case config.AxisChannel:
			order = append(order, fChannel)
		case config.AxisWay:
			order = append(order, fWay)
		case config.AxisDie:
			order = append(order, fDie)
		case config.AxisPlane:
			order = append(order, fPlane)
		}
	}
	order = append(order, fBlock, fPage)
	c.order = order

	if c.fastPath {
		sizes := map[fieldIndex]uint32{
			fChannel: g.Channels,
			fWay:     g.WaysPerChannel,
			fDie:     g.DiesPerWay,
			fPlane:   g.PlanesPerDie,
			fBlock:   g.BlocksPerPlane,
			fPage:    g.PagesPerBlock,
		}
		var shift uint
		for _, fi := range order {
			size := sizes[fi]
			c.fields[fi] = axisField{shift: shift, mask: uint64(size) - 1, size: uint64(size)}
			shift += log2(size)
		}
	} else {
		sizes := map[fieldIndex]uint64{
			fChannel: uint64(g.Channels),
			fWay:     uint64(g.WaysPerChannel),
			fDie:     uint64(g.DiesPerWay),
			fPlane:   uint64(g.PlanesPerDie),
			fBlock:   uint64(g.BlocksPerPlane),
			fPage:    uint64(g.PagesPerBlock),
		}
		for _, fi := range order {
			c.fields[fi] = axisField{size: sizes[fi]}
		}
	}
	return c
}

// ToLocation decodes a PPN.
func (c *Converter) ToLocation(ppn PPN) Location {
	var loc Location
	if c.fastPath {
		get := func(fi fieldIndex) uint32 {
			f := c.fields[fi]
			return uint32((uint64(ppn) >> f.shift) & f.mask)
		}
		loc.Channel = get(fChannel)
		loc.Way = get(fWay)
		loc.Die = get(fDie)
		loc.Plane = get(fPlane)
		loc.Block = get(fBlock)
		loc.Page = get(fPage)
		return loc
	}

	rem := uint64(ppn)
	vals := map[fieldIndex]uint32{}
	for _, fi := range c.order {
		size := c.fields[fi].size
		vals[fi] = uint32(rem % size)
		rem /= size
	}
	loc.Channel = vals[fChannel]
	loc.Way = vals[fWay]
	loc.Die = vals[fDie]
	loc.Plane = vals[fPlane]
	loc.Block = vals[fBlock]
	loc.Page = vals[fPage]
	return loc
}

// ToPPN encodes a Location.
func (c *Converter) ToPPN(loc Location) PPN {
	vals := map[fieldIndex]uint64{
		fChannel: uint64(loc.Channel),
		fWay:     uint64(loc.Way),
		fDie:     uint64(loc.Die),
		fPlane:   uint64(loc.Plane),
		fBlock:   uint64(loc.Block),
		fPage:    uint64(loc.Page),
	}
	if c.fastPath {
		var ppn uint64
		for fi, v := range vals {
			ppn |= (v & c.fields[fi].mask) << c.fields[fi].shift
		}
		return PPN(ppn)
	}
	var ppn uint64
	var multiplier uint64 = 1
	for _, fi := range c.order {
		ppn += vals[fi] * multiplier
		multiplier *= c.fields[fi].size
	}
	return PPN(ppn)
}

// BlockAlignedPPN clears the page axis of ppn.
func (c *Converter) BlockAlignedPPN(ppn PPN) PPN {
	loc := c.ToLocation(ppn)
	loc.Page = 0
	return c.ToPPN(loc)
}

// IncreasePage adds one superpage stride. The page axis is the outermost
// term in the divmod chain, so this is +1 on the Page field with no
// carry into other axes; exhausting a block is the FTL's job, not a
// wraparound here.
func (c *Converter) IncreasePage(ppn PPN) PPN {
	loc := c.ToLocation(ppn)
	loc.Page++
	return c.ToPPN(loc)
}
