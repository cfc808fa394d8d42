package fat32

import (
	"github.com/aaaos/core/kerr"
)

// Validate walks every directory-reachable cluster chain and checks it
// against the FAT's free/used state: every cluster reachable from a
// directory entry must be marked non-free, and (by elimination) every
// cluster the walk never visits must be marked free. It returns the
// first inconsistency found, or nil if the volume is internally
// consistent.
func (m *Mount) Validate() error {
	reachable := make(map[uint32]bool)
	if err := m.walkReachable(m.rootCluster, reachable); err != nil {
		return err
	}

	var c uint32
	for c = firstDataCluster; uint64(c-firstDataCluster) < m.totalClusters; c++ {
		entry, err := m.NextCluster(c)
		if err != nil {
			return err
		}
		free := entry == clusterFree
		if free && reachable[c] {
			return kerr.Wrapf(kerr.ErrCorrupt, "fat32: cluster %d reachable from a directory but marked free", c)
		}
		if !free && !reachable[c] && entry != clusterBad {
			return kerr.Wrapf(kerr.ErrCorrupt, "fat32: cluster %d marked used but unreachable from any directory", c)
		}
	}
	return nil
}

// walkReachable marks every cluster in dirCluster's own chain as
// reachable, then recurses into every non-"."/".." subdirectory and
// marks every file's chain.
func (m *Mount) walkReachable(dirCluster uint32, reachable map[uint32]bool) error {
	if dirCluster != 0 {
		if err := m.markChain(dirCluster, reachable); err != nil {
			return err
		}
	}

	var subdirs []uint32
	err := m.iterateDir(dirCluster, func(_ dirPos, d dirEntry) (bool, error) {
		if d.isFree() || d.isLFN() || d.isVolumeID() {
			return false, nil
		}
		name := d.shortName()
		if name == "." || name == ".." {
			return false, nil
		}
		if d.firstClus == 0 {
			return false, nil
		}
		if d.isDirectory() {
			subdirs = append(subdirs, d.firstClus)
			return false, nil
		}
		return false, m.markChain(d.firstClus, reachable)
	})
	if err != nil {
		return err
	}

	for _, s := range subdirs {
		if err := m.walkReachable(s, reachable); err != nil {
			return err
		}
	}
	return nil
}

// markChain marks every cluster in the chain starting at start as
// reachable.
func (m *Mount) markChain(start uint32, reachable map[uint32]bool) error {
	c := start
	for m.IsValid(c) && !reachable[c] {
		reachable[c] = true
		next, err := m.NextCluster(c)
		if err != nil {
			return err
		}
		if IsEOC(next) {
			break
		}
		c = next
	}
	return nil
}
