package blockdev

import (
	"github.com/aaaos/core/kerr"
)

const defaultSectorSize = 512

// RAMDisk is an in-memory Device, the test-oriented counterpart to the
// teacher's ufs/driver.go ahci_disk_t file-backed double. It is the
// natural stand-in for AHCI in unit tests that exercise FAT32 without
// simulating real HBA registers.
type RAMDisk struct {
	sectorSize int
	sectors    [][]byte
}

// NewRAMDisk allocates a disk of count sectors, each sectorSize bytes,
// zero-filled.
func NewRAMDisk(count uint64, sectorSize int) *RAMDisk {
	if sectorSize <= 0 {
		sectorSize = defaultSectorSize
	}
	d := &RAMDisk{sectorSize: sectorSize, sectors: make([][]byte, count)}
	for i := range d.sectors {
		d.sectors[i] = make([]byte, sectorSize)
	}
	return d
}

func (d *RAMDisk) SectorSize() int     { return d.sectorSize }
func (d *RAMDisk) SectorCount() uint64 { return uint64(len(d.sectors)) }

func (d *RAMDisk) ReadSectors(lba uint64, count int, buf []byte) error {
	if count <= 0 {
		return kerr.ErrInvalidArg
	}
	if lba+uint64(count) > uint64(len(d.sectors)) {
		return kerr.ErrOutOfRange
	}
	if len(buf) < count*d.sectorSize {
		return kerr.ErrInvalidArg
	}
	for i := 0; i < count; i++ {
		copy(buf[i*d.sectorSize:(i+1)*d.sectorSize], d.sectors[lba+uint64(i)])
	}
	return nil
}

func (d *RAMDisk) WriteSectors(lba uint64, count int, buf []byte) error {
	if count <= 0 {
		return kerr.ErrInvalidArg
	}
	if lba+uint64(count) > uint64(len(d.sectors)) {
		return kerr.ErrOutOfRange
	}
	if len(buf) < count*d.sectorSize {
		return kerr.ErrInvalidArg
	}
	for i := 0; i < count; i++ {
		copy(d.sectors[lba+uint64(i)], buf[i*d.sectorSize:(i+1)*d.sectorSize])
	}
	return nil
}

func (d *RAMDisk) Flush() error { return nil }
