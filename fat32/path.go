package fat32

import (
	"strings"

	"github.com/aaaos/core/kerr"
)

// dirPos locates one directory entry: the cluster holding it and the
// byte offset within that cluster's data.
type dirPos struct {
	cluster uint32
	offset  int
}

// iterateDir walks the cluster chain starting at dirCluster, invoking
// visit with each entry's decoded form and on-disk position. The scan
// stops at the first end-of-directory entry (name[0] == 0) or when
// visit returns stop=true.
func (m *Mount) iterateDir(dirCluster uint32, visit func(pos dirPos, d dirEntry) (stop bool, err error)) error {
	c := dirCluster
	for m.IsValid(c) {
		buf := make([]byte, m.bytesPerCluster)
		if err := m.dev.ReadSectors(m.sectorOf(c), m.sectorsPerCluster, buf); err != nil {
			return kerr.Wrap(err, "fat32: reading directory cluster")
		}

		for off := 0; off+dirEntrySize <= len(buf); off += dirEntrySize {
			raw := buf[off : off+dirEntrySize]
			d := decodeDirEntry(raw, uint64(off))
			if d.isEnd() {
				return nil
			}
			stop, err := visit(dirPos{cluster: c, offset: off}, d)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		}

		next, err := m.NextCluster(c)
		if err != nil {
			return err
		}
		if IsEOC(next) {
			return nil
		}
		c = next
	}
	return nil
}

// writeDirEntry rewrites the 32-byte entry at pos within its cluster.
func (m *Mount) writeDirEntry(pos dirPos, d dirEntry) error {
	buf := make([]byte, m.bytesPerCluster)
	if err := m.dev.ReadSectors(m.sectorOf(pos.cluster), m.sectorsPerCluster, buf); err != nil {
		return kerr.Wrap(err, "fat32: reading directory cluster for update")
	}
	encodeDirEntry(buf[pos.offset:pos.offset+dirEntrySize], d)
	if err := m.dev.WriteSectors(m.sectorOf(pos.cluster), m.sectorsPerCluster, buf); err != nil {
		return kerr.Wrap(err, "fat32: writing directory cluster")
	}
	return nil
}

// resolved is what path resolution returns for an existing entry: its
// decoded directory entry, on-disk position, and the cluster of the
// directory that contains it (needed to rewrite the entry later).
type resolved struct {
	entry     dirEntry
	pos       dirPos
	parentDir uint32
}

// lookup resolves a '/'-or-'\'-separated path starting at the root
// directory. Each component is matched case-insensitively against the
// short name; long-filename and volume-label entries are skipped.
// Non-terminal components must be directories.
func (m *Mount) lookup(path string) (resolved, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return resolved{entry: dirEntry{attr: attrDir, firstClus: m.rootCluster}, parentDir: m.rootCluster}, nil
	}

	dir := m.rootCluster
	var found resolved
	for i, part := range parts {
		target := makeShortName(part)
		var match *resolved
		err := m.iterateDir(dir, func(pos dirPos, d dirEntry) (bool, error) {
			if d.isFree() || d.isLFN() || d.isVolumeID() {
				return false, nil
			}
			if equalShortName(d.name, target) {
				match = &resolved{entry: d, pos: pos, parentDir: dir}
				return true, nil
			}
			return false, nil
		})
		if err != nil {
			return resolved{}, err
		}
		if match == nil {
			return resolved{}, kerr.Wrapf(kerr.ErrNoEntry, "fat32: %q not found", strings.Join(parts[:i+1], "/"))
		}
		found = *match
		if i != len(parts)-1 {
			if !found.entry.isDirectory() {
				return resolved{}, kerr.ErrNotDirectory
			}
			dir = found.entry.firstClus
			if dir == 0 {
				dir = m.rootCluster
			}
		}
	}
	return found, nil
}

// DirEntryInfo is the caller-facing view of a directory entry returned
// by List and Stat.
type DirEntryInfo struct {
	Name      string
	IsDir     bool
	Size      uint32
	FirstClus uint32
}

// List returns every non-LFN, non-volume-label entry in the directory
// named by path.
func (m *Mount) List(path string) ([]DirEntryInfo, error) {
	r, err := m.lookup(path)
	if err != nil {
		return nil, err
	}
	if !r.entry.isDirectory() && path != "" && path != "/" {
		return nil, kerr.ErrNotDirectory
	}

	dirCluster := r.entry.firstClus
	if dirCluster == 0 {
		dirCluster = m.rootCluster
	}

	var out []DirEntryInfo
	err = m.iterateDir(dirCluster, func(_ dirPos, d dirEntry) (bool, error) {
		if d.isFree() || d.isLFN() || d.isVolumeID() {
			return false, nil
		}
		out = append(out, DirEntryInfo{
			Name:      d.shortName(),
			IsDir:     d.isDirectory(),
			Size:      d.size,
			FirstClus: d.firstClus,
		})
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stat returns the directory-entry metadata for path.
func (m *Mount) Stat(path string) (DirEntryInfo, error) {
	r, err := m.lookup(path)
	if err != nil {
		return DirEntryInfo{}, err
	}
	return DirEntryInfo{
		Name:      r.entry.shortName(),
		IsDir:     r.entry.isDirectory(),
		Size:      r.entry.size,
		FirstClus: r.entry.firstClus,
	}, nil
}

// findSlot scans dirCluster for a free or end-of-directory slot,
// appending a new cluster to the chain if none exists. It returns the
// position to write the new entry into.
func (m *Mount) findSlot(dirCluster uint32) (dirPos, error) {
	var slot *dirPos
	err := m.iterateDir(dirCluster, func(pos dirPos, d dirEntry) (bool, error) {
		if d.isFree() {
			p := pos
			slot = &p
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return dirPos{}, err
	}
	if slot != nil {
		return *slot, nil
	}

	// No free slot and iterateDir stopped at end-of-directory without
	// reporting it (it only reports visited entries); find the
	// end-of-directory slot explicitly, appending a cluster if the
	// chain is exhausted.
	c := dirCluster
	for {
		buf := make([]byte, m.bytesPerCluster)
		if err := m.dev.ReadSectors(m.sectorOf(c), m.sectorsPerCluster, buf); err != nil {
			return dirPos{}, kerr.Wrap(err, "fat32: reading directory cluster")
		}
		for off := 0; off+dirEntrySize <= len(buf); off += dirEntrySize {
			if buf[off] == entryEndByte {
				return dirPos{cluster: c, offset: off}, nil
			}
		}
		next, err := m.NextCluster(c)
		if err != nil {
			return dirPos{}, err
		}
		if IsEOC(next) {
			newClus, err := m.AllocateCluster()
			if err != nil {
				return dirPos{}, err
			}
			if newClus == 0 {
				return dirPos{}, kerr.ErrNoSpace
			}
			zero := make([]byte, m.bytesPerCluster)
			if err := m.writeCluster(newClus, zero); err != nil {
				return dirPos{}, err
			}
			if err := m.linkCluster(c, newClus); err != nil {
				return dirPos{}, err
			}
			return dirPos{cluster: newClus, offset: 0}, nil
		}
		c = next
	}
}

// linkCluster sets prev's FAT entry to point at next. It does not touch
// next's own entry; callers mark next end-of-chain themselves.
func (m *Mount) linkCluster(prev, next uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.writeEntry(prev, next)
}

// markEOC stamps cluster c's FAT entry as end-of-chain.
func (m *Mount) markEOC(c uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.writeEntry(c, clusterEOCMin)
}

// Create makes a new file or directory entry named by path's final
// component inside the directory named by its prefix. For a new
// directory, a first cluster is allocated, zeroed, and seeded with '.'
// and '..' entries.
func (m *Mount) Create(path string, isDir bool) error {
	if m.readOnly {
		return kerr.ErrReadOnly
	}

	parts := splitPath(path)
	if len(parts) == 0 {
		return kerr.ErrInvalidArg
	}
	parentPath := "/" + strings.Join(parts[:len(parts)-1], "/")
	leaf := parts[len(parts)-1]

	parent, err := m.lookup(parentPath)
	if err != nil {
		return err
	}
	if !parent.entry.isDirectory() {
		return kerr.ErrNotDirectory
	}
	parentCluster := parent.entry.firstClus
	if parentCluster == 0 {
		parentCluster = m.rootCluster
	}

	if _, err := m.lookup(path); err == nil {
		return kerr.ErrExists
	}

	attr := byte(attrArchive)
	var firstClus uint32
	if isDir {
		attr = attrDir
		firstClus, err = m.AllocateCluster()
		if err != nil {
			return err
		}
		if firstClus == 0 {
			return kerr.ErrNoSpace
		}
		if err := m.markEOC(firstClus); err != nil {
			return err
		}
		buf := make([]byte, m.bytesPerCluster)
		dot := dirEntry{attr: attrDir, firstClus: firstClus}
		copy(dot.name[:], ".          ")
		dotdot := dirEntry{attr: attrDir, firstClus: parentCluster}
		copy(dotdot.name[:], "..         ")
		encodeDirEntry(buf[0:dirEntrySize], dot)
		encodeDirEntry(buf[dirEntrySize:2*dirEntrySize], dotdot)
		if err := m.writeCluster(firstClus, buf); err != nil {
			return err
		}
	}

	slot, err := m.findSlot(parentCluster)
	if err != nil {
		return err
	}

	entry := dirEntry{name: makeShortName(leaf), attr: attr, firstClus: firstClus}
	return m.writeDirEntry(slot, entry)
}

// Unlink removes the entry named by path: it frees the entry's cluster
// chain (if any) and stamps the first name byte to 0xE5. Removing a
// non-empty directory is refused.
func (m *Mount) Unlink(path string) error {
	if m.readOnly {
		return kerr.ErrReadOnly
	}

	r, err := m.lookup(path)
	if err != nil {
		return err
	}

	if r.entry.isDirectory() {
		empty := true
		err := m.iterateDir(r.entry.firstClus, func(_ dirPos, d dirEntry) (bool, error) {
			if d.isFree() || d.isLFN() {
				return false, nil
			}
			name := d.shortName()
			if name == "." || name == ".." {
				return false, nil
			}
			empty = false
			return true, nil
		})
		if err != nil {
			return err
		}
		if !empty {
			return kerr.ErrNotEmpty
		}
	}

	if r.entry.firstClus != 0 {
		if err := m.FreeChain(r.entry.firstClus); err != nil {
			return err
		}
	}

	r.entry.name[0] = entryFreeByte
	return m.writeDirEntry(r.pos, r.entry)
}
