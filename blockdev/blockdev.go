// Package blockdev defines the abstract block-device port that
// decouples the FAT32 filesystem from any particular storage driver,
// trimmed to three synchronous operations instead of an async
// request/channel machinery a kernel-hosted driver would need.
package blockdev

// Device is the port FAT32 mounts against. Any type satisfying it —
// the AHCI driver, a RAM disk, or a file-backed disk — can back a
// mount. All three operations return nil on success; I/O errors from
// the underlying device propagate unchanged.
type Device interface {
	ReadSectors(lba uint64, count int, buf []byte) error
	WriteSectors(lba uint64, count int, buf []byte) error
	Flush() error
	SectorSize() int
	SectorCount() uint64
}
