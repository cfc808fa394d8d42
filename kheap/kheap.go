// Package kheap implements the kernel's variable-size allocator: a
// free-list, first-fit, coalescing, auto-growing heap over a single
// logical arena.
//
// The header layout and split/coalesce algorithm are bespoke to this
// layer, since a hosted kernel has no general-purpose allocator of its
// own to generalize from: blocks are addressed by offset into the arena
// and headers are kept as typed Go values indexed by offset rather than
// raw pointers, an ownership-by-indices treatment of the heap's
// prev-physical and free-list links. Rounding helpers reuse
// util.Roundup/Rounddown.
package kheap

import (
	"sync"

	"github.com/aaaos/core/config"
	"github.com/aaaos/core/kerr"
	"github.com/aaaos/core/klog"
	"github.com/aaaos/core/pmm"
	"github.com/aaaos/core/util"
)

const (
	magicUsed = 0xABCD1234
	magicFree = 0xDEADBEEF

	nilOffset = ^uint64(0)
)

// header is the logical block header. Fields mirror spec §3's
// heap-block data model, with the used flag kept as its own field
// rather than packed into the size; magic is one of the two sentinels
// and must agree with it.
type header struct {
	size         uint64 // payload size, not including the header
	used         bool
	magic        uint32
	nextFree     uint64 // offset of next free block; nilOffset if none
	prevPhysical uint64 // offset of the physically preceding block; nilOffset if first
}

// Stats reports heap-wide counters for observability, mirroring the
// teacher's accnt/stats counter style.
type Stats struct {
	Total       uint64
	Used        uint64
	Free        uint64
	Blocks      int
	FreeBlocks  int
	Allocations uint64
	Frees       uint64
	Growths     uint64
}

// Heap is the kernel allocator. One instance backs all kernel
// allocations; it grows on demand by pulling pages from the physical
// allocator.
type Heap struct {
	mu sync.Mutex // single test-and-set lock guarding every operation

	cfg   config.Heap
	alloc *pmm.Allocator

	headers map[uint64]*header // offset -> header, the arena's typed index space
	payload map[uint64][]byte  // offset -> payload bytes, sized to header.size
	alignedStash map[uint64]uint64 // aligned offset -> raw allocation offset, for AllocateAligned/FreeAligned

	start    uint64 // offset of the first block (always 0)
	end      uint64 // one past the last allocated byte of the arena
	firstBlk uint64 // offset of the physically-first block
	lastBlk  uint64 // offset of the physically-last block
	freeHead uint64 // offset of the first free block on the sorted free list

	stats Stats
}

// New creates an empty heap backed by alloc. The arena starts at zero
// bytes; the first allocation request triggers growth.
func New(alloc *pmm.Allocator, cfg config.Heap) *Heap {
	return &Heap{
		cfg:      cfg,
		alloc:    alloc,
		headers:      make(map[uint64]*header),
		payload:      make(map[uint64][]byte),
		alignedStash: make(map[uint64]uint64),
		lastBlk:      nilOffset,
		freeHead:     nilOffset,
	}
}

// physicalNext returns the offset of the block physically following
// off, or nilOffset if off is the last block.
func (h *Heap) physicalNext(off uint64) uint64 {
	hd := h.headers[off]
	next := off + hd.size
	if next >= h.end {
		return nilOffset
	}
	return next
}

// insertFree inserts off into the sorted (by ascending address) free
// list.
func (h *Heap) insertFree(off uint64) {
	if h.freeHead == nilOffset || off < h.freeHead {
		h.headers[off].nextFree = h.freeHead
		h.freeHead = off
		return
	}
	cur := h.freeHead
	for {
		nxt := h.headers[cur].nextFree
		if nxt == nilOffset || off < nxt {
			h.headers[cur].nextFree = off
			h.headers[off].nextFree = nxt
			return
		}
		cur = nxt
	}
}

// removeFree splices off out of the free list. prev is the preceding
// free-list offset, or nilOffset if off was the head.
func (h *Heap) removeFree(off uint64, prev uint64) {
	if prev == nilOffset {
		h.freeHead = h.headers[off].nextFree
		return
	}
	h.headers[prev].nextFree = h.headers[off].nextFree
}

// findFreePrev returns the free-list predecessor of off, or
// (nilOffset, false) if off is not on the free list.
func (h *Heap) findFreePrev(off uint64) (uint64, bool) {
	if h.freeHead == off {
		return nilOffset, true
	}
	cur := h.freeHead
	for cur != nilOffset {
		nxt := h.headers[cur].nextFree
		if nxt == off {
			return cur, true
		}
		cur = nxt
	}
	return 0, false
}

func roundUp(v, b uint64) uint64 { return util.Roundup(v, b) }

// requestSize computes the payload size actually reserved for a
// request of n bytes: rounded up to at least min_block and to the
// alignment granularity.
func (h *Heap) requestSize(n uint64) uint64 {
	n = roundUp(n, h.cfg.Alignment)
	if n < h.cfg.MinBlock {
		n = h.cfg.MinBlock
	}
	return n
}

// Allocate reserves n bytes and returns their offset into the arena
// (the heap's analogue of a pointer past the header), or false if the
// request cannot be satisfied even after growth.
func (h *Heap) Allocate(n uint64) (uint64, bool) {
	if n == 0 {
		return 0, false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	need := h.requestSize(n)

	off, ok := h.firstFit(need)
	if !ok {
		if !h.grow(need) {
			return 0, false
		}
		off, ok = h.firstFit(need)
		if !ok {
			return 0, false
		}
	}

	hd := h.headers[off]
	prev, _ := h.findFreePrev(off)
	h.removeFree(off, prev)
	h.stats.FreeBlocks--

	if hd.size >= need+h.cfg.MinBlock {
		h.split(off, need)
		hd = h.headers[off]
	}

	hd.used = true
	hd.magic = magicUsed
	h.payload[off] = make([]byte, hd.size)

	h.stats.Allocations++
	h.stats.Used += hd.size
	h.stats.Free -= hd.size

	return off, true
}

// firstFit scans the free list in ascending-address order for the
// first block whose payload is at least need bytes.
func (h *Heap) firstFit(need uint64) (uint64, bool) {
	cur := h.freeHead
	for cur != nilOffset {
		hd := h.headers[cur]
		if hd.size >= need {
			return cur, true
		}
		cur = hd.nextFree
	}
	return 0, false
}

// split carves a used-sized block out of the free block at off,
// leaving the remainder as a new free block immediately after it.
func (h *Heap) split(off, used uint64) {
	hd := h.headers[off]
	total := hd.size
	remainder := total - used

	tailOff := off + used
	tail := &header{
		size:         remainder,
		used:         false,
		magic:        magicFree,
		prevPhysical: off,
	}
	h.headers[tailOff] = tail

	if next := h.physicalNext(tailOff); next != nilOffset {
		h.headers[next].prevPhysical = tailOff
	}
	if h.lastBlk == off {
		h.lastBlk = tailOff
	}

	hd.size = used
	h.insertFree(tailOff)
	h.stats.Blocks++
	h.stats.FreeBlocks++
}

// grow requests additional pages from PMM and appends a new free block
// covering them, coalescing with the current tail block if it is free.
// It returns false if growth would exceed max_heap or PMM allocation
// fails.
func (h *Heap) grow(need uint64) bool {
	want := need
	if want < h.cfg.MinGrowth {
		want = h.cfg.MinGrowth
	}
	pages := (want + pmm.PGSIZE - 1) / pmm.PGSIZE
	growBytes := pages * pmm.PGSIZE

	if h.stats.Total+growBytes > h.cfg.MaxHeap {
		klog.Log.WithFields(klog.Fields{"total": h.stats.Total, "request": growBytes}).
			Warn("kheap: growth would exceed max_heap")
		return false
	}

	if _, ok := h.alloc.Allocate(int(pages)); !ok {
		klog.Log.Warn("kheap: pmm allocation failed during growth")
		return false
	}

	newOff := h.end
	newSize := growBytes

	if h.lastBlk != nilOffset {
		if last := h.headers[h.lastBlk]; !last.used {
			prev, _ := h.findFreePrev(h.lastBlk)
			h.removeFree(h.lastBlk, prev)
			last.size += newSize
			h.end += newSize
			h.insertFree(h.lastBlk)
			h.stats.Total += newSize
			h.stats.Free += newSize
			h.stats.Growths++
			return true
		}
	}

	hd := &header{
		size:         newSize,
		used:         false,
		magic:        magicFree,
		prevPhysical: func() uint64 {
			if h.lastBlk == 0 && h.end == 0 {
				return nilOffset
			}
			return h.lastBlk
		}(),
	}
	h.headers[newOff] = hd
	if h.end == 0 {
		h.firstBlk = newOff
		hd.prevPhysical = nilOffset
	}
	h.lastBlk = newOff
	h.end += newSize
	h.insertFree(newOff)

	h.stats.Total += newSize
	h.stats.Free += newSize
	h.stats.Blocks++
	h.stats.FreeBlocks++
	h.stats.Growths++
	return true
}

// Free validates the header at off (magic must be used-magic, offset
// in range), marks it free, inserts it into the free list, and
// coalesces with adjacent free physical neighbors.
func (h *Heap) Free(off uint64) {
	if off == nilOffset {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	hd, ok := h.headers[off]
	if !ok || off >= h.end {
		klog.Log.WithField("offset", off).Error("kheap: free of pointer not produced by this heap")
		return
	}
	if !hd.used || hd.magic != magicUsed {
		klog.Log.WithField("offset", off).Error("kheap: corruption detected on free")
		return
	}

	hd.used = false
	hd.magic = magicFree
	delete(h.payload, off)

	h.stats.Frees++
	h.stats.Used -= hd.size
	h.stats.Free += hd.size

	h.insertFree(off)
	h.stats.FreeBlocks++

	if next := h.physicalNext(off); next != nilOffset && !h.headers[next].used {
		h.mergeWithNext(off)
	}
	if hd.prevPhysical != nilOffset && !h.headers[hd.prevPhysical].used {
		h.mergeWithNext(hd.prevPhysical)
	}
}

// mergeWithNext merges the block at off with its physical successor,
// which must be free. The successor is removed from the free list and
// its bytes folded into off; the block after the successor (if any) has
// its prevPhysical pointer fixed up.
func (h *Heap) mergeWithNext(off uint64) {
	hd := h.headers[off]
	nextOff := off + hd.size
	next, ok := h.headers[nextOff]
	if !ok {
		return
	}

	prevFreeOfNext, _ := h.findFreePrev(nextOff)
	h.removeFree(nextOff, prevFreeOfNext)

	hd.size += next.size
	delete(h.headers, nextOff)
	delete(h.payload, nextOff)

	if h.lastBlk == nextOff {
		h.lastBlk = off
	}
	if after := h.physicalNext(off); after != nilOffset {
		h.headers[after].prevPhysical = off
	}

	h.stats.Blocks--
	h.stats.FreeBlocks--
}

// AllocateAligned over-allocates by alignment+pointer_size, rounds the
// returned offset up to a multiple of alignment, and stashes the
// original offset immediately before it so Free can recover it. The
// "pointer_size" slot is modeled as a uint64 entry in the stash map
// rather than bytes written into the arena, since this layer has no
// raw memory to write into.
func (h *Heap) AllocateAligned(n, alignment uint64) (uint64, bool) {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return 0, false
	}
	raw, ok := h.Allocate(n + alignment + 8)
	if !ok {
		return 0, false
	}
	aligned := roundUp(raw+8, alignment)
	h.mu.Lock()
	h.alignedStash[aligned] = raw
	h.mu.Unlock()
	return aligned, true
}

// FreeAligned frees a pointer previously returned by AllocateAligned.
func (h *Heap) FreeAligned(aligned uint64) {
	h.mu.Lock()
	raw, ok := h.alignedStash[aligned]
	if ok {
		delete(h.alignedStash, aligned)
	}
	h.mu.Unlock()
	if !ok {
		klog.Log.WithField("offset", aligned).Error("kheap: free of pointer not produced by AllocateAligned")
		return
	}
	h.Free(raw)
}

// Realloc implements the heap's reallocation policy: nil -> allocate,
// zero size -> free, shrink retains the block, grow attempts an
// in-place merge with a free physical-next neighbor before falling
// back to allocate-copy-free.
func (h *Heap) Realloc(off uint64, newSize uint64) (uint64, bool) {
	if off == nilOffset {
		return h.Allocate(newSize)
	}
	if newSize == 0 {
		h.Free(off)
		return nilOffset, true
	}

	h.mu.Lock()
	hd, ok := h.headers[off]
	if !ok || !hd.used {
		h.mu.Unlock()
		return 0, false
	}
	need := h.requestSize(newSize)

	if need <= hd.size {
		h.mu.Unlock()
		return off, true
	}

	next := h.physicalNext(off)
	if next != nilOffset && !h.headers[next].used && hd.size+h.headers[next].size >= need {
		prev, _ := h.findFreePrev(next)
		h.removeFree(next, prev)
		nextSize := h.headers[next].size
		hd.size += nextSize
		h.stats.Used += nextSize
		h.stats.Free -= nextSize
		h.stats.FreeBlocks--
		delete(h.headers, next)
		delete(h.payload, next)
		if h.lastBlk == next {
			h.lastBlk = off
		}
		if after := h.physicalNext(off); after != nilOffset {
			h.headers[after].prevPhysical = off
		}
		old := h.payload[off]
		grown := make([]byte, hd.size)
		copy(grown, old)
		h.payload[off] = grown
		h.stats.Blocks--
		h.mu.Unlock()
		return off, true
	}
	h.mu.Unlock()

	newOff, ok := h.Allocate(newSize)
	if !ok {
		return 0, false
	}
	h.mu.Lock()
	copy(h.payload[newOff], h.payload[off])
	h.mu.Unlock()
	h.Free(off)
	return newOff, true
}

// Payload returns the byte slice backing the allocation at off, for
// callers that need to read or write through the allocation (tests,
// and higher layers that treat a kheap offset as a buffer handle).
func (h *Heap) Payload(off uint64) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.payload[off]
}

// Stats returns a snapshot of heap-wide counters.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// Validate walks the physical block chain confirming every invariant
// from spec §4.3: magic agrees with the used flag, prev_physical forms
// a consistent back-chain, sizes stay within heap bounds, and the sum
// of block sizes equals end-start.
func (h *Heap) Validate() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.end == 0 {
		return nil
	}

	var sum uint64
	off := h.firstBlk
	prev := uint64(nilOffset)
	for {
		hd, ok := h.headers[off]
		if !ok {
			return kerr.Wrapf(kerr.ErrCorrupt, "kheap: missing header at offset %d", off)
		}
		wantMagic := uint32(magicFree)
		if hd.used {
			wantMagic = magicUsed
		}
		if hd.magic != wantMagic {
			return kerr.Wrapf(kerr.ErrCorrupt, "kheap: magic mismatch at offset %d", off)
		}
		if hd.prevPhysical != prev {
			return kerr.Wrapf(kerr.ErrCorrupt, "kheap: prev_physical mismatch at offset %d", off)
		}
		if off+hd.size > h.end {
			return kerr.Wrapf(kerr.ErrCorrupt, "kheap: block at %d exceeds heap bounds", off)
		}
		sum += hd.size

		next := h.physicalNext(off)
		if next == nilOffset {
			break
		}
		prev = off
		off = next
	}

	if sum != h.end-h.start {
		return kerr.Wrapf(kerr.ErrCorrupt, "kheap: block sizes sum to %d, want %d", sum, h.end-h.start)
	}
	return nil
}
