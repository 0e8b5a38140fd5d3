package pal

import (
	"testing"

	"github.com/nandsim/nandsim/internal/config"
	"github.com/nandsim/nandsim/internal/timing"
	"github.com/stretchr/testify/require"
)

func writeCommand() *Command {
	return &Command{
		ArrivedTick:  0,
		FinishedTick: 12,
		Op:           timing.OpWrite,
		Conflict:     ConflictNone,
		StartDMA0:    0, EndDMA0: 1,
		StartMem: 1, EndMem: 11,
		StartDMA1: 11, EndDMA1: 12,
	}
}

func TestStatsRecordAccumulatesPhasesAndConflicts(t *testing.T) {
	s := NewStats()
	table := timing.NewDefault(config.SLC, 8)
	cmd := writeCommand()

	s.Record(cmd, 0, 0, 0, table, 1, 10, 1, 4096, 8)

	phases, conflicts, count := s.Bucket(BucketWrite)
	require.Equal(t, uint64(1), count)
	require.Equal(t, Tick(1), phases[timing.PageLSB].DMA0)
	require.Equal(t, Tick(10), phases[timing.PageLSB].Mem)
	require.Equal(t, Tick(1), phases[timing.PageLSB].DMA1)
	require.Equal(t, Tick(12), phases[timing.PageLSB].Total)
	require.Equal(t, uint64(1), conflicts[timing.PageLSB].None)

	totalPhases, _, totalCount := s.Bucket(BucketTotal)
	require.Equal(t, uint64(1), totalCount)
	require.Equal(t, Tick(12), totalPhases[timing.PageLSB].Total)
}

func TestStatsRecordTracksAccessBytesByOp(t *testing.T) {
	s := NewStats()
	table := timing.NewDefault(config.SLC, 8)

	write := writeCommand()
	s.Record(write, 0, 0, 0, table, 1, 10, 1, 4096, 8)

	erase := writeCommand()
	erase.Op = timing.OpErase
	s.Record(erase, 0, 0, 0, table, 1, 10, 0, 4096, 8)

	_, _, writeCount := s.Bucket(BucketWrite)
	_, _, eraseCount := s.Bucket(BucketErase)
	require.Equal(t, uint64(1), writeCount)
	require.Equal(t, uint64(1), eraseCount)
	// read/write account one page; erase accounts a whole block
	require.Equal(t, uint64(4096), s.buckets[BucketWrite].accessBytes)
	require.Equal(t, uint64(4096*8), s.buckets[BucketErase].accessBytes)
}

func TestStatsEpochRollsOverAfterPeriod(t *testing.T) {
	s := NewStats()
	table := timing.NewDefault(config.SLC, 8)

	cmd := writeCommand()
	cmd.FinishedTick = epochPeriod + 1
	s.Record(cmd, 0, 0, 0, table, 1, 10, 1, 4096, 8)

	epochs := s.Epochs()
	require.Len(t, epochs, 1)
	require.Equal(t, uint64(1), epochs[0].Commands)
	require.Equal(t, uint64(4096), epochs[0].AccessBytes)
}

func TestEpochRingDropsOldestWhenFull(t *testing.T) {
	r := newEpochRing(2)
	r.Push(EpochSnapshot{EndTick: 1})
	r.Push(EpochSnapshot{EndTick: 2})
	r.Push(EpochSnapshot{EndTick: 3})

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, Tick(2), snap[0].EndTick)
	require.Equal(t, Tick(3), snap[1].EndTick)
}

func TestActiveTimeSummaryAcrossUnits(t *testing.T) {
	s := NewStats()
	s.SetResourceCounts(2, 2)
	table := timing.NewDefault(config.SLC, 8)

	// Two writes on channel 0 / die 0, one on channel 1 / die 1: each
	// adds dma0+dma1 = 2 channel ticks and mem = 10 die ticks.
	s.Record(writeCommand(), 0, 0, 0, table, 1, 10, 1, 4096, 8)
	s.Record(writeCommand(), 0, 0, 0, table, 1, 10, 1, 4096, 8)
	s.Record(writeCommand(), 1, 1, 0, table, 1, 10, 1, 4096, 8)

	ch := s.ChannelActiveSummary()
	require.Equal(t, Tick(2), ch.Min)
	require.Equal(t, Tick(4), ch.Max)
	require.Equal(t, 3.0, ch.Avg)

	die := s.DieActiveSummary()
	require.Equal(t, Tick(10), die.Min)
	require.Equal(t, Tick(20), die.Max)
	require.Equal(t, 15.0, die.Avg)
}

func TestActiveSummaryEmptyIsZero(t *testing.T) {
	s := NewStats()
	require.Equal(t, ActiveSummary{}, s.ChannelActiveSummary())
}
