package fat32

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/aaaos/core/blockdev"
	"github.com/aaaos/core/kerr"
	"github.com/aaaos/core/klog"
)

// Mount holds the in-memory state of one mounted FAT32 volume: the
// parsed BPB, computed geometry, FSInfo state, FAT sector cache, and a
// reusable cluster-sized scratch buffer.
type Mount struct {
	mu sync.Mutex // single critical section: the FAT cache and FSInfo state

	dev      blockdev.Device
	readOnly bool

	sectorSize        int
	sectorsPerCluster int
	bytesPerCluster   int
	reservedSectors   uint64
	fatStartSector    uint64
	fatSectors        uint64
	numFATs           int
	dataStartSector   uint64
	totalClusters     uint64
	rootCluster       uint32
	fsInfoSector      uint64

	fsi   fsInfo
	cache *fatCache

	scratch []byte

	volumeID uuid.UUID // mount-generation identifier, supplements the on-disk volume serial
}

// MountFS validates sector 0, reads the FSInfo sector, computes
// geometry, and returns a ready Mount. An invalid boot sector refuses
// the mount entirely; invalid FSInfo signatures only make the
// free-cluster hints unknown (handled in parseFSInfo).
func MountFS(dev blockdev.Device, cacheCapacity int, readOnly bool) (*Mount, error) {
	sector0 := make([]byte, dev.SectorSize())
	if err := dev.ReadSectors(0, 1, sector0); err != nil {
		return nil, kerr.Wrap(err, "fat32: reading boot sector")
	}

	b, err := parseBPB(sector0)
	if err != nil {
		return nil, err
	}

	m := &Mount{
		dev:               dev,
		readOnly:          readOnly,
		sectorSize:        int(b.bytesPerSector),
		sectorsPerCluster: int(b.sectorsPerCluster),
		bytesPerCluster:   int(b.bytesPerSector) * int(b.sectorsPerCluster),
		reservedSectors:   uint64(b.reservedSectors),
		fatStartSector:    uint64(b.reservedSectors),
		fatSectors:        uint64(b.fatSize32),
		numFATs:           int(b.numFATs),
		rootCluster:       b.rootCluster,
		fsInfoSector:      uint64(b.fsInfoSector),
		volumeID:          uuid.New(),
	}
	m.dataStartSector = m.fatStartSector + uint64(m.numFATs)*m.fatSectors
	total := b.totalSectorCount()
	if total > m.dataStartSector {
		m.totalClusters = (total - m.dataStartSector) / uint64(m.sectorsPerCluster)
	}

	if m.fsInfoSector != 0 {
		fsiSector := make([]byte, dev.SectorSize())
		if err := dev.ReadSectors(m.fsInfoSector, 1, fsiSector); err == nil {
			m.fsi = parseFSInfo(fsiSector)
		} else {
			klog.Log.WithError(err).Warn("fat32: failed to read FSInfo sector; hints unknown")
		}
	}

	m.cache = newFATCache(cacheCapacity, dev, m.fatStartSector, m.fatSectors, m.numFATs, m.sectorSize)
	m.scratch = make([]byte, m.bytesPerCluster)

	klog.Log.WithFields(klog.Fields{
		"bytes_per_cluster": m.bytesPerCluster,
		"total_clusters":    m.totalClusters,
		"root_cluster":      m.rootCluster,
	}).Info("fat32: mounted")

	return m, nil
}

// IsValid reports whether c is a cluster number that could legally be
// part of a chain: c ∈ [2, 2+total_clusters).
func (m *Mount) IsValid(c uint32) bool {
	if c < firstDataCluster {
		return false
	}
	return uint64(c-firstDataCluster) < m.totalClusters
}

// IsEOC reports whether a FAT entry value marks end-of-chain.
func IsEOC(v uint32) bool { return v >= clusterEOCMin }

// sectorOf returns the first sector of cluster c's data.
func (m *Mount) sectorOf(c uint32) uint64 {
	return m.dataStartSector + uint64(c-firstDataCluster)*uint64(m.sectorsPerCluster)
}

// NextCluster returns the FAT entry for cluster c.
func (m *Mount) NextCluster(c uint32) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.readEntry(c)
}

// readCluster reads cluster c's data into the mount's scratch buffer
// and returns it. The scratch buffer is reused by every caller; callers
// must copy out what they need before the next cluster I/O.
func (m *Mount) readCluster(c uint32) ([]byte, error) {
	if err := m.dev.ReadSectors(m.sectorOf(c), m.sectorsPerCluster, m.scratch); err != nil {
		return nil, kerr.Wrap(err, "fat32: reading cluster")
	}
	return m.scratch, nil
}

func (m *Mount) writeCluster(c uint32, data []byte) error {
	if err := m.dev.WriteSectors(m.sectorOf(c), m.sectorsPerCluster, data); err != nil {
		return kerr.Wrap(err, "fat32: writing cluster")
	}
	return nil
}

// AllocateCluster starts at the next_free hint (clamped to >= 2), scans
// forward with wraparound for the first free entry, marks it
// end-of-chain, and updates the free-cluster/next-free bookkeeping.
// It returns 0 if no free cluster exists.
func (m *Mount) AllocateCluster() (uint32, error) {
	if m.readOnly {
		return 0, kerr.ErrReadOnly
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	start := m.fsi.nextFree
	if start < firstDataCluster {
		start = firstDataCluster
	}

	last := uint32(firstDataCluster) + uint32(m.totalClusters)
	if last <= firstDataCluster {
		return 0, nil
	}

	c := start
	for scanned := uint64(0); scanned < m.totalClusters; scanned++ {
		if c >= last {
			c = firstDataCluster
		}
		entry, err := m.cache.readEntry(c)
		if err != nil {
			return 0, err
		}
		if entry == clusterFree {
			if err := m.cache.writeEntry(c, clusterEOCMin); err != nil {
				return 0, err
			}
			if m.fsi.freeCount > 0 {
				m.fsi.freeCount--
			}
			m.fsi.nextFree = c + 1
			m.fsi.dirty = true
			return c, nil
		}
		c++
	}
	return 0, nil
}

// FreeChain walks the chain starting at start, writing zero to every
// entry and incrementing the free-cluster count, until end-of-chain or
// an invalid cluster is reached.
func (m *Mount) FreeChain(start uint32) error {
	if m.readOnly {
		return kerr.ErrReadOnly
	}
	if !m.IsValid(start) {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := start
	for m.IsValid(c) {
		next, err := m.cache.readEntry(c)
		if err != nil {
			return err
		}
		if err := m.cache.writeEntry(c, clusterFree); err != nil {
			return err
		}
		m.fsi.freeCount++
		m.fsi.dirty = true
		if IsEOC(next) {
			break
		}
		c = next
	}
	return nil
}

// FreeClusters returns the current free-cluster count as tracked by
// FSInfo bookkeeping (statfs-equivalent observability).
func (m *Mount) FreeClusters() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fsi.freeCount
}

// BytesPerCluster exposes cluster size for callers sizing buffers.
func (m *Mount) BytesPerCluster() int { return m.bytesPerCluster }

// Sync flushes dirty FAT cache entries (and their backups), writes
// FSInfo if dirty, and invokes the block device's flush.
func (m *Mount) Sync() error {
	m.mu.Lock()
	if err := m.cache.sync(); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.fsi.dirty && m.fsInfoSector != 0 {
		sector := make([]byte, m.sectorSize)
		encodeFSInfo(sector, m.fsi)
		if err := m.dev.WriteSectors(m.fsInfoSector, 1, sector); err != nil {
			m.mu.Unlock()
			return kerr.Wrap(err, "fat32: writing FSInfo")
		}
		m.fsi.dirty = false
	}
	m.mu.Unlock()
	return m.dev.Flush()
}

// Unmount flushes the volume. The Mount value must not be used again
// afterward.
func (m *Mount) Unmount() error {
	return m.Sync()
}

func splitPath(p string) []string {
	p = strings.ReplaceAll(p, "\\", "/")
	var parts []string
	for _, c := range strings.Split(p, "/") {
		if c != "" {
			parts = append(parts, c)
		}
	}
	return parts
}
