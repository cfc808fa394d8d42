// Package fat32 implements a FAT32 filesystem over an injected
// blockdev.Device: standard on-disk layout and mount/access algorithms,
// grounded in the retrieval pack's soypat-fat FS struct (BPB/FSInfo
// field layout, single-sector window cache, redundant-FAT write-back)
// adapted from raw-pointer FatFs style into idiomatic Go with typed
// errors.
package fat32

import (
	"encoding/binary"

	"github.com/aaaos/core/kerr"
	"github.com/hashicorp/go-multierror"
)

const (
	bpbSignatureOffset = 510
	bpbSignature       = 0xAA55

	fsInfoLeadSig  = 0x41615252
	fsInfoStrucSig = 0x61417272
	fsInfoTrailSig = 0xAA550000

	dirEntrySize = 32

	// EOC and bad-cluster markers; only the low 28 bits of a FAT entry
	// are significant.
	clusterEOCMin   uint32 = 0x0FFFFFF8
	clusterBad      uint32 = 0x0FFFFFF7
	clusterFree     uint32 = 0
	clusterMask     uint32 = 0x0FFFFFFF
	firstDataCluster = 2
)

// bpb holds the fields of the BIOS Parameter Block and FAT32 extended
// BPB this layer needs; it is parsed directly from sector 0's bytes.
type bpb struct {
	bytesPerSector    uint16
	sectorsPerCluster uint8
	reservedSectors   uint16
	numFATs           uint8
	fatSize16         uint16
	totalSectors16    uint16
	totalSectors32    uint32
	fatSize32         uint32
	rootCluster       uint32
	fsInfoSector      uint16
}

func parseBPB(sector []byte) (*bpb, error) {
	if len(sector) < 90 {
		return nil, kerr.Wrapf(kerr.ErrBadSignature, "fat32: boot sector too short")
	}
	if binary.LittleEndian.Uint16(sector[bpbSignatureOffset:]) != bpbSignature {
		return nil, kerr.Wrapf(kerr.ErrBadSignature, "fat32: missing 0xAA55 boot signature")
	}

	b := &bpb{
		bytesPerSector:    binary.LittleEndian.Uint16(sector[11:]),
		sectorsPerCluster: sector[13],
		reservedSectors:   binary.LittleEndian.Uint16(sector[14:]),
		numFATs:           sector[16],
		totalSectors16:    binary.LittleEndian.Uint16(sector[19:]),
		fatSize16:         binary.LittleEndian.Uint16(sector[22:]),
		totalSectors32:    binary.LittleEndian.Uint32(sector[32:]),
		fatSize32:         binary.LittleEndian.Uint32(sector[36:]),
		rootCluster:       binary.LittleEndian.Uint32(sector[44:]),
		fsInfoSector:      binary.LittleEndian.Uint16(sector[48:]),
	}

	var result *multierror.Error
	switch b.bytesPerSector {
	case 512, 1024, 2048, 4096:
	default:
		result = multierror.Append(result, kerr.Wrapf(kerr.ErrBadSignature, "fat32: bad bytes_per_sector %d", b.bytesPerSector))
	}
	if b.sectorsPerCluster == 0 || b.sectorsPerCluster&(b.sectorsPerCluster-1) != 0 {
		result = multierror.Append(result, kerr.Wrapf(kerr.ErrBadSignature, "fat32: sectors_per_cluster %d not a power of two", b.sectorsPerCluster))
	}
	if b.fatSize16 != 0 {
		result = multierror.Append(result, kerr.Wrapf(kerr.ErrBadSignature, "fat32: fat_size16 must be zero for FAT32"))
	}
	if b.numFATs == 0 {
		result = multierror.Append(result, kerr.Wrapf(kerr.ErrBadSignature, "fat32: num_fats is zero"))
	}
	if result != nil {
		return nil, result.ErrorOrNil()
	}

	return b, nil
}

// totalSectorCount returns the 32-bit total-sector count, falling back to
// the 16-bit field (never populated on a true FAT32 volume, but parsed
// for completeness).
func (b *bpb) totalSectorCount() uint64 {
	if b.totalSectors32 != 0 {
		return uint64(b.totalSectors32)
	}
	return uint64(b.totalSectors16)
}

// fsInfo holds the auxiliary free-cluster hints FAT32 optionally
// persists in the FSInfo sector.
type fsInfo struct {
	freeCount uint32
	nextFree  uint32
	valid     bool
	dirty     bool
}

func parseFSInfo(sector []byte) fsInfo {
	if len(sector) < 512 {
		return fsInfo{}
	}
	lead := binary.LittleEndian.Uint32(sector[0:])
	struc := binary.LittleEndian.Uint32(sector[484:])
	trail := binary.LittleEndian.Uint32(sector[508:])
	if lead != fsInfoLeadSig || struc != fsInfoStrucSig || trail != fsInfoTrailSig {
		return fsInfo{valid: false}
	}
	return fsInfo{
		freeCount: binary.LittleEndian.Uint32(sector[488:]),
		nextFree:  binary.LittleEndian.Uint32(sector[492:]),
		valid:     true,
	}
}

func encodeFSInfo(sector []byte, info fsInfo) {
	binary.LittleEndian.PutUint32(sector[0:], fsInfoLeadSig)
	binary.LittleEndian.PutUint32(sector[484:], fsInfoStrucSig)
	binary.LittleEndian.PutUint32(sector[488:], info.freeCount)
	binary.LittleEndian.PutUint32(sector[492:], info.nextFree)
	binary.LittleEndian.PutUint32(sector[508:], fsInfoTrailSig)
}
