package addr

import (
	"testing"

	"github.com/nandsim/nandsim/internal/config"
	"github.com/stretchr/testify/require"
)

func powerOfTwoGeo() *config.Geometry {
	return &config.Geometry{
		Channels:            2,
		WaysPerChannel:      2,
		DiesPerWay:          2,
		PlanesPerDie:        2,
		BlocksPerPlane:      4,
		PagesPerBlock:       8,
		PageAllocationOrder: config.DefaultPageAllocationOrder(false),
	}
}

func nonPowerOfTwoGeo() *config.Geometry {
	return &config.Geometry{
		Channels:            3,
		WaysPerChannel:      1,
		DiesPerWay:          1,
		PlanesPerDie:        1,
		BlocksPerPlane:      5,
		PagesPerBlock:       7,
		PageAllocationOrder: config.DefaultPageAllocationOrder(false),
	}
}

func TestFastPathRoundTrip(t *testing.T) {
	g := powerOfTwoGeo()
	require.True(t, g.PowerOfTwoGeometry())
	c := New(g)

	for ch := uint32(0); ch < g.Channels; ch++ {
		for way := uint32(0); way < g.WaysPerChannel; way++ {
			for die := uint32(0); die < g.DiesPerWay; die++ {
				loc := Location{Channel: ch, Way: way, Die: die, Plane: 1, Block: 2, Page: 3}
				ppn := c.ToPPN(loc)
				got := c.ToLocation(ppn)
				require.Equal(t, loc, got)
			}
		}
	}
}

func TestDivmodPathRoundTrip(t *testing.T) {
	g := nonPowerOfTwoGeo()
	require.False(t, g.PowerOfTwoGeometry())
	c := New(g)

	loc := Location{Channel: 2, Way: 0, Die: 0, Plane: 0, Block: 4, Page: 6}
	ppn := c.ToPPN(loc)
	require.Equal(t, loc, c.ToLocation(ppn))
}

func TestBlockAlignedAndIncreasePage(t *testing.T) {
	g := powerOfTwoGeo()
	c := New(g)
	loc := Location{Channel: 1, Way: 1, Die: 1, Plane: 1, Block: 2, Page: 5}
	ppn := c.ToPPN(loc)

	aligned := c.BlockAlignedPPN(ppn)
	require.Equal(t, uint32(0), c.ToLocation(aligned).Page)

	next := c.IncreasePage(ppn)
	require.Equal(t, loc.Page+1, c.ToLocation(next).Page)
}

func TestDieIndex(t *testing.T) {
	g := powerOfTwoGeo()
	loc := Location{Channel: 1, Way: 1, Die: 1}
	require.Equal(t, (1*g.WaysPerChannel+1)*g.DiesPerWay+1, loc.DieIndex(g))
}
