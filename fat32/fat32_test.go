package fat32

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aaaos/core/kerr"
)

func TestMountRejectsBadBootSignature(t *testing.T) {
	disk := formatFAT32(t, 1, 32)
	boot := make([]byte, disk.SectorSize())
	require.NoError(t, disk.ReadSectors(0, 1, boot))
	boot[bpbSignatureOffset] = 0x00
	require.NoError(t, disk.WriteSectors(0, 1, boot))

	_, err := MountFS(disk, 8, true)
	require.ErrorIs(t, err, kerr.ErrBadSignature)
}

func TestMountToleratesBadFSInfoSignature(t *testing.T) {
	disk := formatFAT32(t, 1, 32)
	fsi := make([]byte, disk.SectorSize())
	require.NoError(t, disk.ReadSectors(1, 1, fsi))
	fsi[0] = 0 // corrupt lead signature
	require.NoError(t, disk.WriteSectors(1, 1, fsi))

	m, err := MountFS(disk, 8, true)
	require.NoError(t, err)
	require.False(t, m.fsi.valid)
}

func TestAllocateFreeChainRestoresFreeCount(t *testing.T) {
	disk := formatFAT32(t, 1, 32)
	m := mustMount(t, disk, false)

	before := m.FreeClusters()
	c, err := m.AllocateCluster()
	require.NoError(t, err)
	require.NotZero(t, c)
	require.Equal(t, before-1, m.FreeClusters())

	require.NoError(t, m.FreeChain(c))
	require.Equal(t, before, m.FreeClusters())
}

func TestMkdirCreateWriteReadStatListUnlink(t *testing.T) {
	disk := formatFAT32(t, 1, 64)
	m := mustMount(t, disk, false)

	require.NoError(t, m.Mkdir("/dir"))
	require.NoError(t, m.CreateFile("/dir/f.txt"))

	payload := []byte("Hello, World!\n")
	n, err := m.WriteFile("/dir/f.txt", 0, payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	out := make([]byte, len(payload))
	n, err = m.ReadFile("/dir/f.txt", 0, out)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, out)

	st, err := m.Stat("/dir/f.txt")
	require.NoError(t, err)
	require.Equal(t, uint32(14), st.Size)
	require.False(t, st.IsDir)

	entries, err := m.List("/dir")
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		names = append(names, e.Name)
	}
	require.Equal(t, []string{"F.TXT"}, names)

	freeBefore := m.FreeClusters()
	require.NoError(t, m.Unlink("/dir/f.txt"))
	_, err = m.Stat("/dir/f.txt")
	require.ErrorIs(t, err, kerr.ErrNoEntry)
	require.Equal(t, freeBefore+1, m.FreeClusters())
}

func TestWriteSpanningMultipleClusters(t *testing.T) {
	// bytes_per_cluster = 4096 (8 sectors of 512); a 10000-byte write
	// must span three clusters and round-trip exactly.
	disk := formatFAT32(t, 8, 16)
	m := mustMount(t, disk, false)
	require.Equal(t, 4096, m.BytesPerCluster())

	require.NoError(t, m.CreateFile("/big.bin"))

	pattern := make([]byte, 10000)
	for i := range pattern {
		pattern[i] = byte(i % 251)
	}
	n, err := m.WriteFile("/big.bin", 0, pattern)
	require.NoError(t, err)
	require.Equal(t, len(pattern), n)

	out := make([]byte, len(pattern))
	n, err = m.ReadFile("/big.bin", 0, out)
	require.NoError(t, err)
	require.Equal(t, len(pattern), n)
	require.True(t, bytes.Equal(pattern, out))

	st, err := m.Stat("/big.bin")
	require.NoError(t, err)
	require.Equal(t, uint32(10000), st.Size)
}

func TestReadAtOrPastEOFReturnsZeroBytes(t *testing.T) {
	disk := formatFAT32(t, 1, 32)
	m := mustMount(t, disk, false)
	require.NoError(t, m.CreateFile("/f.txt"))
	_, err := m.WriteFile("/f.txt", 0, []byte("abc"))
	require.NoError(t, err)

	out := make([]byte, 16)
	n, err := m.ReadFile("/f.txt", 3, out)
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = m.ReadFile("/f.txt", 100, out)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestReadOnlyMountRejectsMutators(t *testing.T) {
	disk := formatFAT32(t, 1, 32)
	m := mustMount(t, disk, true)

	require.ErrorIs(t, m.Mkdir("/dir"), kerr.ErrReadOnly)
	require.ErrorIs(t, m.CreateFile("/f.txt"), kerr.ErrReadOnly)
	_, err := m.WriteFile("/f.txt", 0, []byte("x"))
	require.ErrorIs(t, err, kerr.ErrReadOnly)
	require.ErrorIs(t, m.Unlink("/f.txt"), kerr.ErrReadOnly)
	_, err = m.AllocateCluster()
	require.ErrorIs(t, err, kerr.ErrReadOnly)
}

func TestUnlinkNonEmptyDirectoryRefused(t *testing.T) {
	disk := formatFAT32(t, 1, 32)
	m := mustMount(t, disk, false)
	require.NoError(t, m.Mkdir("/dir"))
	require.NoError(t, m.CreateFile("/dir/f.txt"))

	require.ErrorIs(t, m.Unlink("/dir"), kerr.ErrNotEmpty)
}

func TestValidateConsistentVolume(t *testing.T) {
	disk := formatFAT32(t, 1, 64)
	m := mustMount(t, disk, false)

	require.NoError(t, m.Mkdir("/dir"))
	require.NoError(t, m.CreateFile("/dir/a.txt"))
	_, err := m.WriteFile("/dir/a.txt", 0, []byte("some content"))
	require.NoError(t, err)

	require.NoError(t, m.Validate())
}

func TestValidateDetectsOrphanedUsedCluster(t *testing.T) {
	disk := formatFAT32(t, 1, 32)
	m := mustMount(t, disk, false)

	c, err := m.AllocateCluster() // used but never linked into any directory
	require.NoError(t, err)
	require.NotZero(t, c)

	require.Error(t, m.Validate())
}
