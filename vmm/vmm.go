// Package vmm implements the 4-level x86_64 page-table walker and
// address-space manager. The level-index math (9 bits per level, 12-bit
// page offset) follows standard x86_64 paging conventions; the
// walk-with-create-on-demand structure follows gopher-os's
// kernel/mem/vmm map.go Map/Unmap, generalized into the map_page /
// unmap_page / translate / create_address_space / destroy_address_space
// operations this layer needs.
package vmm

import (
	"sync"

	"github.com/aaaos/core/kerr"
	"github.com/aaaos/core/klog"
	"github.com/aaaos/core/pmm"
)

// PTE flag bits, matching the x86_64 page-table-entry layout.
const (
	PTE_P  uint64 = 1 << 0 // present
	PTE_W  uint64 = 1 << 1 // writable
	PTE_U  uint64 = 1 << 2 // user-accessible
	PTE_PWT uint64 = 1 << 3 // write-through
	PTE_PCD uint64 = 1 << 4 // cache-disable
	PTE_A  uint64 = 1 << 5 // accessed
	PTE_D  uint64 = 1 << 6 // dirty
	PTE_PS uint64 = 1 << 7 // huge page (PS at PD/PDPT level)
	PTE_G  uint64 = 1 << 8 // global
	PTE_NX uint64 = 1 << 63 // no-execute
)

// PTE_ADDR selects the 40 physical-frame bits of a PTE (bits 12-51).
const PTE_ADDR uint64 = 0x000FFFFFFFFFF000

const (
	pgShift  = 12
	pageSize = 1 << pgShift
	pageMask = pageSize - 1
	entries  = 512 // PTEs per table

	// kernel/user half boundary: PML4 index 256 is the first kernel slot.
	kernelPML4Start = 256
)

// Pa_t mirrors pmm.Pa_t so callers don't need to import both packages
// for a physical address type.
type Pa_t = pmm.Pa_t

// Table is one 4 KiB, 512-entry page table at any of the four levels.
// In a real kernel this would be accessed through the direct map or a
// recursive slot; here each Table is a plain in-memory array addressed
// by its physical frame number via the host map below, which plays the
// role a direct-mapped window of physical memory plays on real
// hardware.
type Table [entries]uint64

// frameStore backs physical frames with addressable Go memory: a way to
// read/write the bytes at a physical address without a full MMU. It is
// not a cache —
// every physical frame the VMM touches for page tables is allocated
// through this store so table contents survive across calls.
type frameStore struct {
	mu     sync.Mutex
	tables map[pmm.Pa_t]*Table
}

func newFrameStore() *frameStore {
	return &frameStore{tables: make(map[pmm.Pa_t]*Table)}
}

func (fs *frameStore) alloc(frame pmm.Pa_t) *Table {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	t := &Table{}
	fs.tables[frame] = t
	return t
}

func (fs *frameStore) lookup(frame pmm.Pa_t) *Table {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.tables[frame]
}

// Manager owns the physical allocator and the table-store used to walk
// and mutate address spaces. One Manager exists per running kernel; the
// kernel's own address space is created once at Init and lives forever.
type Manager struct {
	mu sync.Mutex // single test-and-set lock guarding every walk

	alloc  *pmm.Allocator
	frames *frameStore

	kernelRoot pmm.Pa_t
	current    pmm.Pa_t
}

// Init allocates the kernel's root PML4 and returns a Manager with it
// installed as both the kernel root and the active address space.
func Init(alloc *pmm.Allocator) *Manager {
	m := &Manager{alloc: alloc, frames: newFrameStore()}
	root, ok := alloc.Allocate(1)
	if !ok {
		panic("vmm: out of memory bringing up kernel address space")
	}
	m.frames.alloc(root)
	m.kernelRoot = root
	m.current = root
	return m
}

// KernelRoot returns the physical address of the kernel's permanent PML4.
func (m *Manager) KernelRoot() pmm.Pa_t { return m.kernelRoot }

// CurrentRoot returns the physical address of the active PML4.
func (m *Manager) CurrentRoot() pmm.Pa_t {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func aligned(addr uint64) bool { return addr&pageMask == 0 }

// index extracts the 9-bit index for level (3=PML4 .. 0=PT) of a
// virtual address.
func index(virt uint64, level uint) uint64 {
	shift := uint(pgShift) + 9*level
	return (virt >> shift) & 0x1ff
}

// walk descends from root toward the PT level for virt, allocating
// intermediate tables on demand when create is true. It returns the
// final-level table and the index within it, or ok=false if a table is
// missing and create was false.
func (m *Manager) walk(root pmm.Pa_t, virt uint64, create bool, userAccessible bool) (table *Table, idx uint64, ok bool) {
	// Kernel-half virtual addresses always resolve through kernelRoot's
	// own PML4, regardless of which address space root was passed in.
	// This is what makes the kernel half shared-by-reference across
	// every address space: a page the kernel maps after some user space
	// was created is visible to that space on the very next walk,
	// because there is only ever one table backing kernel-half PDPTs.
	effectiveRoot := root
	if index(virt, 3) >= kernelPML4Start {
		effectiveRoot = m.kernelRoot
	}

	cur := m.frames.lookup(effectiveRoot)
	if cur == nil {
		return nil, 0, false
	}

	for level := uint(3); level >= 1; level-- {
		i := index(virt, level)
		entry := cur[i]

		if entry&PTE_P == 0 {
			if !create {
				return nil, 0, false
			}
			frame, allocated := m.alloc.Allocate(1)
			if !allocated {
				return nil, 0, false
			}
			next := m.frames.alloc(frame)
			for j := range next {
				next[j] = 0
			}
			flags := PTE_P | PTE_W
			if userAccessible {
				flags |= PTE_U
			}
			cur[i] = uint64(frame) | flags
			cur = next
			continue
		}

		if entry&PTE_PS != 0 {
			// Huge page: recursion stops here. The manager recognizes
			// but never creates these, so a walk landing on one when a
			// 4 KiB mapping was requested is treated as "no table".
			return nil, 0, false
		}

		next := m.frames.lookup(pmm.Pa_t(entry & PTE_ADDR))
		if next == nil {
			return nil, 0, false
		}
		cur = next
	}

	return cur, index(virt, 0), true
}

// invalidate models a TLB invalidation for a single virtual page. On
// real hardware this would be `invlpg`; here it is a no-op marking the
// point every mapping mutation must invalidate before returning.
func invalidate(virt uint64) {
	_ = virt
}

// MapPage installs a single 4 KiB mapping virt -> phys with flags in
// the given root's page tables, allocating intermediate tables as
// needed. Both addresses must be page-aligned. Remapping an
// already-mapped page is permitted: it overwrites and logs.
func (m *Manager) MapPage(root pmm.Pa_t, virt uint64, phys pmm.Pa_t, flags uint64) error {
	if !aligned(virt) || !aligned(uint64(phys)) {
		return errUnaligned
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	user := flags&PTE_U != 0
	table, idx, ok := m.walk(root, virt, true, user)
	if !ok {
		return errNoMemory
	}

	if table[idx]&PTE_P != 0 {
		klog.Log.WithField("virt", virt).Warn("vmm: remapping already-mapped page")
	}

	table[idx] = uint64(phys) | flags | PTE_P
	invalidate(virt)
	return nil
}

// MapRange maps count consecutive pages starting at virt/phys. It is
// atomic with respect to failure: on the first failure, every page
// mapped so far in this call is unmapped again.
func (m *Manager) MapRange(root pmm.Pa_t, virt uint64, phys pmm.Pa_t, count int, flags uint64) error {
	for i := 0; i < count; i++ {
		v := virt + uint64(i)*pageSize
		p := phys + pmm.Pa_t(i)*pageSize
		if err := m.MapPage(root, v, p, flags); err != nil {
			for j := 0; j < i; j++ {
				m.UnmapPage(root, virt+uint64(j)*pageSize)
			}
			return err
		}
	}
	return nil
}

// UnmapPage clears the PTE for virt and invalidates the TLB entry,
// returning the formerly mapped physical address, or NullPa if the
// page wasn't mapped.
func (m *Manager) UnmapPage(root pmm.Pa_t, virt uint64) pmm.Pa_t {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, idx, ok := m.walk(root, virt, false, false)
	if !ok {
		return pmm.NullPa
	}
	entry := table[idx]
	if entry&PTE_P == 0 {
		return pmm.NullPa
	}
	table[idx] = 0
	invalidate(virt)
	return pmm.Pa_t(entry & PTE_ADDR)
}

// Translate returns the physical address corresponding to virt,
// including its page offset, or NullPa if virt is not mapped.
func (m *Manager) Translate(root pmm.Pa_t, virt uint64) pmm.Pa_t {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, idx, ok := m.walk(root, virt, false, false)
	if !ok {
		return pmm.NullPa
	}
	entry := table[idx]
	if entry&PTE_P == 0 {
		return pmm.NullPa
	}
	return pmm.Pa_t(entry&PTE_ADDR) | pmm.Pa_t(virt&pageMask)
}

// IsMapped reports whether virt currently has a present mapping.
func (m *Manager) IsMapped(root pmm.Pa_t, virt uint64) bool {
	return m.Translate(root, virt) != pmm.NullPa
}

// CreateAddressSpace allocates a new, empty PML4 for a user address
// space. Its upper half (indices 256-511) is left zeroed: walk resolves
// every kernel-half virtual address through kernelRoot directly, so the
// new space shares the kernel's mappings by reference from the moment
// it is created, including mappings the kernel installs afterward.
func (m *Manager) CreateAddressSpace() pmm.Pa_t {
	m.mu.Lock()
	defer m.mu.Unlock()

	frame, ok := m.alloc.Allocate(1)
	if !ok {
		return pmm.NullPa
	}
	m.frames.alloc(frame)
	return frame
}

// DestroyAddressSpace recursively frees every intermediate table and
// the root reachable through the lower half (user) entries only. It
// refuses to destroy the kernel root or the currently active root.
func (m *Manager) DestroyAddressSpace(root pmm.Pa_t) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if root == m.kernelRoot {
		return errRefused
	}
	if root == m.current {
		return errRefused
	}

	pml4 := m.frames.lookup(root)
	if pml4 == nil {
		return errInvalidArg
	}

	for i := 0; i < kernelPML4Start; i++ {
		entry := pml4[i]
		if entry&PTE_P == 0 {
			continue
		}
		m.freeSubtree(pmm.Pa_t(entry&PTE_ADDR), 2)
	}

	m.alloc.Free(root, 1)
	m.frames.mu.Lock()
	delete(m.frames.tables, root)
	m.frames.mu.Unlock()
	return nil
}

// freeSubtree recursively frees an intermediate table and everything
// below it down to, but not including, leaf data pages (the VMM only
// owns page-table frames, never the mapped data itself).
func (m *Manager) freeSubtree(frame pmm.Pa_t, level int) {
	table := m.frames.lookup(frame)
	if table == nil {
		return
	}
	if level > 0 {
		for _, entry := range table {
			if entry&PTE_P == 0 || entry&PTE_PS != 0 {
				continue
			}
			m.freeSubtree(pmm.Pa_t(entry&PTE_ADDR), level-1)
		}
	}
	m.alloc.Free(frame, 1)
	m.frames.mu.Lock()
	delete(m.frames.tables, frame)
	m.frames.mu.Unlock()
}

// SwitchAddressSpace installs root as the active page-table base. It is
// a no-op if root is already current.
func (m *Manager) SwitchAddressSpace(root pmm.Pa_t) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == root {
		return
	}
	m.current = root
}

var (
	errUnaligned  = kerr.ErrUnaligned
	errNoMemory   = kerr.ErrNoMemory
	errRefused    = kerr.ErrInvalidArg
	errInvalidArg = kerr.ErrInvalidArg
)
