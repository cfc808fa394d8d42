package fat32

import (
	"encoding/binary"
	"testing"

	"github.com/aaaos/core/blockdev"
)

// formatFAT32 builds a minimal, valid FAT32 volume in a RAMDisk: a boot
// sector, an FSInfo sector, two identical FAT copies with the root
// directory's cluster marked end-of-chain, and a zeroed data region.
// It lays out the same structures a FAT32 formatter would, pared down
// to what tests need to control directly.
func formatFAT32(t *testing.T, sectorsPerCluster int, totalClusters int) *blockdev.RAMDisk {
	t.Helper()

	const sectorSize = 512
	const reservedSectors = 32
	const numFATs = 2

	entriesNeeded := totalClusters + firstDataCluster
	entriesPerSector := sectorSize / 4
	fatSectors := (entriesNeeded + entriesPerSector - 1) / entriesPerSector

	dataSectors := totalClusters * sectorsPerCluster
	totalSectors := reservedSectors + numFATs*fatSectors + dataSectors

	disk := blockdev.NewRAMDisk(uint64(totalSectors), sectorSize)

	boot := make([]byte, sectorSize)
	binary.LittleEndian.PutUint16(boot[11:], sectorSize)
	boot[13] = byte(sectorsPerCluster)
	binary.LittleEndian.PutUint16(boot[14:], reservedSectors)
	boot[16] = numFATs
	binary.LittleEndian.PutUint16(boot[19:], 0)
	binary.LittleEndian.PutUint16(boot[22:], 0)
	binary.LittleEndian.PutUint32(boot[32:], uint32(totalSectors))
	binary.LittleEndian.PutUint32(boot[36:], uint32(fatSectors))
	binary.LittleEndian.PutUint32(boot[44:], 2) // root cluster
	binary.LittleEndian.PutUint16(boot[48:], 1) // FSInfo sector
	binary.LittleEndian.PutUint16(boot[bpbSignatureOffset:], bpbSignature)
	if err := disk.WriteSectors(0, 1, boot); err != nil {
		t.Fatalf("writing boot sector: %v", err)
	}

	fsi := make([]byte, sectorSize)
	encodeFSInfo(fsi, fsInfo{freeCount: uint32(totalClusters - 1), nextFree: 3})
	if err := disk.WriteSectors(1, 1, fsi); err != nil {
		t.Fatalf("writing FSInfo sector: %v", err)
	}

	fatImage := make([]byte, fatSectors*sectorSize)
	binary.LittleEndian.PutUint32(fatImage[2*4:], clusterEOCMin) // root directory cluster
	for n := 0; n < numFATs; n++ {
		start := reservedSectors + n*fatSectors
		if err := disk.WriteSectors(uint64(start), fatSectors, fatImage); err != nil {
			t.Fatalf("writing FAT copy %d: %v", n, err)
		}
	}

	return disk
}

func mustMount(t *testing.T, disk *blockdev.RAMDisk, readOnly bool) *Mount {
	t.Helper()
	m, err := MountFS(disk, 8, readOnly)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	return m
}
