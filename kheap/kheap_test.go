package kheap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aaaos/core/config"
	"github.com/aaaos/core/pmm"
)

func freshHeap(t *testing.T) *Heap {
	t.Helper()
	alloc := pmm.Init([]pmm.MemRegion{{Base: 0, Length: 4096 * pmm.PGSIZE, Type: pmm.Usable}})
	cfg := config.DefaultHeap()
	cfg.MinGrowth = 64 * 1024
	cfg.MaxHeap = 16 * 1024 * 1024
	return New(alloc, cfg)
}

func TestSplitCoalesce(t *testing.T) {
	// Scenario 2: a = allocate(100); b = allocate(100); c = allocate(100);
	// free(b); d = allocate(100) reuses b by first-fit; freeing
	// everything collapses to a single free block.
	h := freshHeap(t)

	a, ok := h.Allocate(100)
	require.True(t, ok)
	b, ok := h.Allocate(100)
	require.True(t, ok)
	c, ok := h.Allocate(100)
	require.True(t, ok)

	h.Free(b)
	d, ok := h.Allocate(100)
	require.True(t, ok)
	require.Equal(t, b, d, "first-fit should reuse the freed block")

	h.Free(a)
	h.Free(c)
	h.Free(d)

	require.NoError(t, h.Validate())
	stats := h.Stats()
	require.Equal(t, 1, stats.FreeBlocks)
	require.Equal(t, stats.Total, stats.Free)
}

func TestAllocateThenFreeRestoresState(t *testing.T) {
	h := freshHeap(t)
	// The arena starts empty and the first allocation grows it; grow it
	// once up front so the measured allocate/free pair needs no growth.
	warm, ok := h.Allocate(123)
	require.True(t, ok)
	h.Free(warm)
	before := h.Stats()

	off, ok := h.Allocate(123)
	require.True(t, ok)
	h.Free(off)

	after := h.Stats()
	require.Equal(t, before.Free, after.Free)
	require.Equal(t, before.Blocks, after.Blocks)
	require.Equal(t, before.FreeBlocks, after.FreeBlocks)
}

func TestFreeOfForeignPointerIsNoop(t *testing.T) {
	h := freshHeap(t)
	_, ok := h.Allocate(10)
	require.True(t, ok)
	before := h.Stats()

	h.Free(999999999)

	after := h.Stats()
	require.Equal(t, before, after)
}

// TestFreeOfNilOffsetIsSilentNoop covers the sentinel Realloc already
// treats as "nothing allocated": unlike a free of a genuinely foreign
// offset, it must not be reported as a heap-corruption condition.
func TestFreeOfNilOffsetIsSilentNoop(t *testing.T) {
	h := freshHeap(t)
	_, ok := h.Allocate(10)
	require.True(t, ok)
	before := h.Stats()

	h.Free(nilOffset)

	after := h.Stats()
	require.Equal(t, before, after)
}

func TestReallocGrowAndShrink(t *testing.T) {
	h := freshHeap(t)
	off, ok := h.Allocate(16)
	require.True(t, ok)
	copy(h.Payload(off), []byte("hello world12345"))

	grown, ok := h.Realloc(off, 4000)
	require.True(t, ok)
	require.Equal(t, []byte("hello world12345")[:16], h.Payload(grown)[:16])

	shrunk, ok := h.Realloc(grown, 8)
	require.True(t, ok)
	require.Equal(t, grown, shrunk)

	freed, ok := h.Realloc(shrunk, 0)
	require.True(t, ok)
	require.Equal(t, uint64(nilOffset), freed)
	require.NoError(t, h.Validate())
}

func TestAlignedAllocation(t *testing.T) {
	h := freshHeap(t)
	off, ok := h.AllocateAligned(64, 64)
	require.True(t, ok)
	require.Zero(t, off%64)
	h.FreeAligned(off)
	require.NoError(t, h.Validate())
}

func TestGrowthAcrossPageBoundary(t *testing.T) {
	h := freshHeap(t)
	var allocs []uint64
	for i := 0; i < 2000; i++ {
		off, ok := h.Allocate(64)
		require.True(t, ok)
		allocs = append(allocs, off)
	}
	require.NoError(t, h.Validate())
	for _, off := range allocs {
		h.Free(off)
	}
	require.NoError(t, h.Validate())
	stats := h.Stats()
	require.Equal(t, 1, stats.FreeBlocks)
}
