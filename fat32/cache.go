package fat32

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/aaaos/core/blockdev"
	"github.com/aaaos/core/kerr"
)

// fatCacheEntry caches one FAT sector's worth of bytes.
type fatCacheEntry struct {
	sector uint64
	data   []byte
	valid  bool
	dirty  bool
}

// fatCache is a fixed-capacity, round-robin write-back cache of FAT
// sectors. A write to any cached sector is mirrored to every backup FAT
// copy when the slot is evicted or the cache is synced.
type fatCache struct {
	entries    []fatCacheEntry
	nextVictim int

	dev            blockdev.Device
	sectorSize     int
	fatStartSector uint64
	fatSectors     uint64
	numFATs        int

	// fills collapses concurrent misses on the same FAT sector into a
	// single disk read, in case a caller ever drives this cache without
	// the mount-wide lock held.
	fills singleflight.Group
}

func newFATCache(capacity int, dev blockdev.Device, fatStart, fatSectors uint64, numFATs int, sectorSize int) *fatCache {
	return &fatCache{
		entries:        make([]fatCacheEntry, capacity),
		dev:            dev,
		sectorSize:     sectorSize,
		fatStartSector: fatStart,
		fatSectors:     fatSectors,
		numFATs:        numFATs,
	}
}

// find returns the cache slot index for a FAT sector, loading it on
// miss by evicting the next victim in round-robin order (writing it
// back first if dirty).
func (c *fatCache) find(sector uint64) (int, error) {
	for i := range c.entries {
		if c.entries[i].valid && c.entries[i].sector == sector {
			return i, nil
		}
	}

	victim := c.nextVictim
	c.nextVictim = (c.nextVictim + 1) % len(c.entries)

	if c.entries[victim].valid && c.entries[victim].dirty {
		if err := c.writeBack(victim); err != nil {
			return 0, err
		}
	}

	v, err, _ := c.fills.Do(fmt.Sprintf("%d", sector), func() (interface{}, error) {
		data := make([]byte, c.sectorSize)
		if err := c.dev.ReadSectors(sector, 1, data); err != nil {
			return nil, kerr.Wrap(err, "fat32: reading FAT sector")
		}
		return data, nil
	})
	if err != nil {
		return 0, err
	}

	c.entries[victim] = fatCacheEntry{sector: sector, data: v.([]byte), valid: true}
	return victim, nil
}

// writeBack writes a dirty slot's sector to every FAT copy.
func (c *fatCache) writeBack(slot int) error {
	e := &c.entries[slot]
	offset := e.sector - c.fatStartSector
	for fat := 0; fat < c.numFATs; fat++ {
		target := c.fatStartSector + uint64(fat)*c.fatSectors + offset
		if err := c.dev.WriteSectors(target, 1, e.data); err != nil {
			return kerr.Wrap(err, "fat32: writing back FAT sector")
		}
	}
	e.dirty = false
	return nil
}

// readEntry returns the low 28 bits of the FAT entry for cluster c.
func (c *fatCache) readEntry(cluster uint32) (uint32, error) {
	byteOff := uint64(cluster) * 4
	sector := c.fatStartSector + byteOff/uint64(c.sectorSize)
	within := byteOff % uint64(c.sectorSize)

	slot, err := c.find(sector)
	if err != nil {
		return 0, err
	}
	raw := binary.LittleEndian.Uint32(c.entries[slot].data[within:])
	return raw & clusterMask, nil
}

// writeEntry stores value's low 28 bits into the FAT entry for cluster
// c, preserving the on-disk high 4 bits.
func (c *fatCache) writeEntry(cluster uint32, value uint32) error {
	byteOff := uint64(cluster) * 4
	sector := c.fatStartSector + byteOff/uint64(c.sectorSize)
	within := byteOff % uint64(c.sectorSize)

	slot, err := c.find(sector)
	if err != nil {
		return err
	}
	e := &c.entries[slot]
	existing := binary.LittleEndian.Uint32(e.data[within:])
	merged := (existing &^ clusterMask) | (value & clusterMask)
	binary.LittleEndian.PutUint32(e.data[within:], merged)
	e.dirty = true
	return nil
}

// sync writes back every dirty entry without evicting it.
func (c *fatCache) sync() error {
	for i := range c.entries {
		if c.entries[i].valid && c.entries[i].dirty {
			if err := c.writeBack(i); err != nil {
				return err
			}
		}
	}
	return nil
}
