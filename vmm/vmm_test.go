package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aaaos/core/pmm"
)

func freshManager(t *testing.T) (*Manager, *pmm.Allocator) {
	t.Helper()
	alloc := pmm.Init([]pmm.MemRegion{{Base: 0, Length: 4096 * pmm.PGSIZE, Type: pmm.Usable}})
	return Init(alloc), alloc
}

func TestMapTranslateUnmap(t *testing.T) {
	m, alloc := freshManager(t)
	root := m.KernelRoot()

	phys, ok := alloc.Allocate(1)
	require.True(t, ok)

	virt := uint64(0x0000_7000_0000_0000)
	require.NoError(t, m.MapPage(root, virt, phys, PTE_P|PTE_W))

	require.True(t, m.IsMapped(root, virt))
	require.Equal(t, phys, m.Translate(root, virt))

	got := m.UnmapPage(root, virt)
	require.Equal(t, phys, got)
	require.False(t, m.IsMapped(root, virt))
	require.Equal(t, pmm.NullPa, m.Translate(root, virt))
}

func TestMapUnalignedFails(t *testing.T) {
	m, alloc := freshManager(t)
	root := m.KernelRoot()
	phys, ok := alloc.Allocate(1)
	require.True(t, ok)

	err := m.MapPage(root, 0x1001, phys, PTE_P|PTE_W)
	require.Error(t, err)
	require.False(t, m.IsMapped(root, 0x1000))
}

func TestCreateAddressSpaceSharesKernelHalf(t *testing.T) {
	m, alloc := freshManager(t)
	u1 := m.CreateAddressSpace()
	require.NotEqual(t, pmm.NullPa, u1)

	// Canonical kernel-half address: its PML4 index is 256, the first
	// kernel-half slot.
	virt := uint64(0xFFFF_8000_0000_0000)
	require.GreaterOrEqual(t, index(virt, 3), uint64(kernelPML4Start))

	phys, ok := alloc.Allocate(1)
	require.True(t, ok)

	// Map into the kernel root *after* u1 already exists. If the kernel
	// half were copied by value at creation time, u1 would never see
	// this mapping.
	require.NoError(t, m.MapPage(m.KernelRoot(), virt, phys, PTE_P|PTE_W))

	require.Equal(t, phys, m.Translate(u1, virt))
	require.True(t, m.IsMapped(u1, virt))
}

func TestAddressSpaceIsolation(t *testing.T) {
	m, alloc := freshManager(t)

	u1 := m.CreateAddressSpace()
	u2 := m.CreateAddressSpace()

	p1, ok := alloc.Allocate(1)
	require.True(t, ok)

	virt := uint64(0x40000000)
	require.NoError(t, m.MapPage(u1, virt, p1, PTE_P|PTE_W|PTE_U))

	require.Equal(t, pmm.NullPa, m.Translate(u2, virt))
	require.Equal(t, p1, m.Translate(u1, virt))
}

func TestDestroyAddressSpaceRefusesKernelAndCurrent(t *testing.T) {
	m, _ := freshManager(t)
	require.Error(t, m.DestroyAddressSpace(m.KernelRoot()))
	require.Error(t, m.DestroyAddressSpace(m.CurrentRoot()))

	u1 := m.CreateAddressSpace()
	require.NoError(t, m.DestroyAddressSpace(u1))
}

func TestSwitchAddressSpaceNoOpWhenCurrent(t *testing.T) {
	m, _ := freshManager(t)
	cur := m.CurrentRoot()
	m.SwitchAddressSpace(cur)
	require.Equal(t, cur, m.CurrentRoot())
}
