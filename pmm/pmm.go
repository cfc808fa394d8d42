// Package pmm implements the physical page-frame allocator: a linear
// bitmap over all usable physical memory, one bit per 4 KiB frame.
//
// The bitmap itself favors github.com/boljen/go-bitmap over a hand
// rolled []uint64 so that bit indexing, which the source open-codes
// with shifts and masks, is test-covered library code instead.
package pmm

import (
	"sync"

	"github.com/boljen/go-bitmap"

	"github.com/aaaos/core/klog"
)

// Pa_t is a physical address. The underscore-style name mirrors the
// teacher's mem.Pa_t; nothing here relies on pointer arithmetic so a
// plain uint64 suffices.
type Pa_t uint64

const (
	PGSHIFT = 12
	PGSIZE  = 1 << PGSHIFT
	PGOFFSET Pa_t = PGSIZE - 1
	PGMASK   Pa_t = ^PGOFFSET
)

// NullPa is the distinguished "no frame" sentinel returned on failure.
const NullPa Pa_t = 0

// lowMemEnd is the boundary below which every page is forced reserved
// regardless of what the firmware memory map claims.
const lowMemEnd = 1 << 20 // 1 MiB

// RegionType classifies one firmware memory-map record.
type RegionType int

const (
	Reserved RegionType = iota
	Usable
	ACPIReclaim
	ACPINVS
	Bad
)

// MemRegion is one record of the boot memory map.
type MemRegion struct {
	Base   uint64
	Length uint64
	Type   RegionType
}

// Stats reports allocator-wide counters for observability.
type Stats struct {
	Total int
	Free  int
	Used  int
}

// Allocator is the page-frame bitmap allocator. One instance is created
// at boot from the firmware memory map and lives for the lifetime of the
// system; it is never destroyed.
type Allocator struct {
	mu sync.Mutex // single test-and-set style lock guarding the bitmap

	bm         bitmap.Bitmap
	base       Pa_t // physical address of frame 0
	numFrames  int
	freeFrames int
}

// Init walks the firmware memory map and builds a bitmap covering every
// frame from address zero up to the highest address named by any record.
// Every frame in a region tagged Usable is marked free; everything else,
// including any frame below 1 MiB, is marked used.
func Init(memMap []MemRegion) *Allocator {
	if len(memMap) == 0 {
		panic("pmm: empty memory map")
	}

	var highest uint64
	for _, r := range memMap {
		if end := r.Base + r.Length; end > highest {
			highest = end
		}
	}

	numFrames := int((highest + PGSIZE - 1) / PGSIZE)
	a := &Allocator{
		bm:        bitmap.New(numFrames),
		base:      0,
		numFrames: numFrames,
	}

	// Start with every frame reserved (bit set == used), then clear the
	// bits for usable frames at or above the 1 MiB line.
	for i := 0; i < numFrames; i++ {
		a.bm.Set(i, true)
	}

	for _, r := range memMap {
		if r.Type != Usable {
			continue
		}
		startFrame := int(r.Base / PGSIZE)
		endFrame := int((r.Base + r.Length) / PGSIZE)
		for f := startFrame; f < endFrame && f < numFrames; f++ {
			if uint64(f)*PGSIZE < lowMemEnd {
				continue
			}
			a.bm.Set(f, false)
		}
	}

	free := 0
	for i := 0; i < numFrames; i++ {
		if !a.bm.Get(i) {
			free++
		}
	}
	a.freeFrames = free

	klog.Log.WithFields(klog.Fields{"frames": numFrames, "free": free}).Info("pmm: initialized")
	return a
}

// frame returns the frame index for a physical address; the caller must
// already know the address is frame-aligned.
func (a *Allocator) frame(addr Pa_t) int {
	return int((addr - a.base) / PGSIZE)
}

// Allocate finds n contiguous free frames via a linear first-fit scan of
// the bitmap, marks them used, and returns the physical address of the
// first frame. Allocating zero frames always fails: it returns NullPa,
// false rather than succeeding trivially. Callers that need an error
// rather than a bool, such as vmm, construct kerr.ErrNoMemory themselves
// from a false result.
func (a *Allocator) Allocate(n int) (Pa_t, bool) {
	if n <= 0 {
		return NullPa, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	run := 0
	for i := 0; i < a.numFrames; i++ {
		if a.bm.Get(i) {
			run = 0
			continue
		}
		run++
		if run == n {
			start := i - n + 1
			for f := start; f <= i; f++ {
				a.bm.Set(f, true)
			}
			a.freeFrames -= n
			return a.base + Pa_t(start)*PGSIZE, true
		}
	}
	return NullPa, false
}

// Free clears the bits for n frames starting at addr. Freeing a frame
// that is already free is reported but does not corrupt the bitmap or
// the free counter.
func (a *Allocator) Free(addr Pa_t, n int) {
	if n <= 0 {
		return
	}
	if addr&PGOFFSET != 0 {
		klog.Log.WithField("addr", addr).Error("pmm: free of unaligned address")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	start := a.frame(addr)
	for f := start; f < start+n; f++ {
		if f < 0 || f >= a.numFrames {
			klog.Log.WithField("frame", f).Error("pmm: free out of range")
			continue
		}
		if !a.bm.Get(f) {
			klog.Log.WithField("frame", f).Warn("pmm: double free")
			continue
		}
		a.bm.Set(f, false)
		a.freeFrames++
	}
}

// ReserveRange marks every frame overlapping [addr, addr+size) as used.
// It is idempotent: reserving an already-reserved range leaves the
// bitmap and counters unchanged for those frames.
func (a *Allocator) ReserveRange(addr Pa_t, size uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	startFrame := a.frame(addr & PGMASK)
	endAddr := addr + Pa_t(size)
	endFrame := a.frame((endAddr + PGOFFSET) & PGMASK)
	for f := startFrame; f < endFrame; f++ {
		if f < 0 || f >= a.numFrames {
			continue
		}
		if !a.bm.Get(f) {
			a.bm.Set(f, true)
			a.freeFrames--
		}
	}
}

// Stats reports allocator-wide counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		Total: a.numFrames,
		Free:  a.freeFrames,
		Used:  a.numFrames - a.freeFrames,
	}
}

// IsFree reports whether the page at frame index i is free. Exported
// chiefly for tests asserting the PMM invariant directly against the
// bitmap rather than through Stats.
func (a *Allocator) IsFree(i int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i < 0 || i >= a.numFrames {
		return false
	}
	return !a.bm.Get(i)
}
