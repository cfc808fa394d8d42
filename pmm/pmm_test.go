package pmm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func freshRegion(frames int) []MemRegion {
	return []MemRegion{
		{Base: 0, Length: uint64(frames) * PGSIZE, Type: Usable},
	}
}

func TestInitReservesLowMemory(t *testing.T) {
	a := Init(freshRegion(1024))
	for i := 0; i < int(lowMemEnd/PGSIZE); i++ {
		require.False(t, a.IsFree(i), "frame %d below 1MiB must be reserved", i)
	}
	require.True(t, a.IsFree(int(lowMemEnd/PGSIZE)))
}

func TestAllocateZeroFails(t *testing.T) {
	a := Init(freshRegion(16))
	_, ok := a.Allocate(0)
	require.False(t, ok)
}

func TestAllocateFreeRoundTrip(t *testing.T) {
	a := Init(freshRegion(1024))
	stats0 := a.Stats()

	addr, ok := a.Allocate(10)
	require.True(t, ok)
	require.Zero(t, addr%PGSIZE)

	a.Free(addr, 10)
	stats1 := a.Stats()
	require.Equal(t, stats0, stats1)
}

func TestCoalescingUnderPressure(t *testing.T) {
	// Scenario 1: a 1024-frame usable region above the 1 MiB line,
	// allocated frame by frame; after freeing the even-indexed frames a
	// 256-contiguous request should fail, and after freeing the rest a
	// 1024-frame request should succeed at the region's base.
	a := Init([]MemRegion{{Base: lowMemEnd, Length: 1024 * PGSIZE, Type: Usable}})

	var addrs []Pa_t
	for i := 0; i < 1024; i++ {
		addr, ok := a.Allocate(1)
		require.True(t, ok)
		addrs = append(addrs, addr)
	}

	for i := 0; i < len(addrs); i += 2 {
		a.Free(addrs[i], 1)
	}

	_, ok := a.Allocate(256)
	require.False(t, ok, "no 256-contiguous run should exist after checkerboard free")

	for i := 1; i < len(addrs); i += 2 {
		a.Free(addrs[i], 1)
	}

	base, ok := a.Allocate(1024)
	require.True(t, ok)
	require.Equal(t, Pa_t(lowMemEnd), base)
}

func TestFreeOfAlreadyFreeDoesNotCorrupt(t *testing.T) {
	a := Init(freshRegion(512))
	addr, ok := a.Allocate(1)
	require.True(t, ok)
	a.Free(addr, 1)
	a.Free(addr, 1) // double free: logged, must not corrupt counters

	stats := a.Stats()
	require.Equal(t, stats.Total, stats.Free+stats.Used)
}

func TestTotalEqualsFreePlusUsed(t *testing.T) {
	a := Init(freshRegion(256))
	_, _ = a.Allocate(37)
	stats := a.Stats()
	require.Equal(t, stats.Total, stats.Free+stats.Used)
}

func TestReserveRangeIdempotent(t *testing.T) {
	a := Init(freshRegion(64))
	a.ReserveRange(20*PGSIZE, PGSIZE*4)
	stats1 := a.Stats()
	a.ReserveRange(20*PGSIZE, PGSIZE*4)
	stats2 := a.Stats()
	require.Equal(t, stats1, stats2)
}
