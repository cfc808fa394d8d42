package fat32

import (
	"github.com/aaaos/core/kerr"
)

// ReadFile reads up to len(out) bytes from the file at path starting at
// offset, clamped to the file's size, and returns the number of bytes
// copied into out. A read at or past end-of-file returns 0 bytes.
func (m *Mount) ReadFile(path string, offset uint64, out []byte) (int, error) {
	r, err := m.lookup(path)
	if err != nil {
		return 0, err
	}
	if r.entry.isDirectory() {
		return 0, kerr.ErrNotDirectory
	}
	if offset >= uint64(r.entry.size) {
		return 0, nil
	}

	remaining := uint64(r.entry.size) - offset
	want := uint64(len(out))
	if want > remaining {
		want = remaining
	}

	c := r.entry.firstClus
	if c == 0 {
		return 0, nil
	}

	toSkip := offset / uint64(m.bytesPerCluster)
	for i := uint64(0); i < toSkip; i++ {
		next, err := m.NextCluster(c)
		if err != nil {
			return 0, err
		}
		if IsEOC(next) {
			return 0, nil
		}
		c = next
	}

	withinFirst := offset % uint64(m.bytesPerCluster)
	var copied uint64
	for copied < want {
		data, err := m.readCluster(c)
		if err != nil {
			return int(copied), err
		}
		start := uint64(0)
		if copied == 0 {
			start = withinFirst
		}
		n := uint64(len(data)) - start
		if remain := want - copied; n > remain {
			n = remain
		}
		copy(out[copied:copied+n], data[start:start+n])
		copied += n

		if copied >= want {
			break
		}
		next, err := m.NextCluster(c)
		if err != nil {
			return int(copied), err
		}
		if IsEOC(next) {
			break
		}
		c = next
	}

	return int(copied), nil
}

// WriteFile writes data at offset into the file at path, allocating
// and linking new clusters as needed, and returns the number of bytes
// written. It rewrites the file's directory entry itself (new size
// and first cluster), since it already holds the entry's position.
func (m *Mount) WriteFile(path string, offset uint64, data []byte) (int, error) {
	if m.readOnly {
		return 0, kerr.ErrReadOnly
	}

	r, err := m.lookup(path)
	if err != nil {
		return 0, err
	}
	if r.entry.isDirectory() {
		return 0, kerr.ErrNotDirectory
	}

	if r.entry.firstClus == 0 {
		first, err := m.AllocateCluster()
		if err != nil {
			return 0, err
		}
		if first == 0 {
			return 0, kerr.ErrNoSpace
		}
		if err := m.markEOC(first); err != nil {
			return 0, err
		}
		r.entry.firstClus = first
	}

	c := r.entry.firstClus
	toSkip := offset / uint64(m.bytesPerCluster)
	for i := uint64(0); i < toSkip; i++ {
		next, err := m.NextCluster(c)
		if err != nil {
			return 0, err
		}
		if IsEOC(next) {
			newClus, err := m.AllocateCluster()
			if err != nil {
				return 0, err
			}
			if newClus == 0 {
				return 0, kerr.ErrNoSpace
			}
			if err := m.markEOC(newClus); err != nil {
				return 0, err
			}
			if err := m.linkCluster(c, newClus); err != nil {
				return 0, err
			}
			zero := make([]byte, m.bytesPerCluster)
			if err := m.writeCluster(newClus, zero); err != nil {
				return 0, err
			}
			next = newClus
		}
		c = next
	}

	withinFirst := offset % uint64(m.bytesPerCluster)
	var written uint64
	want := uint64(len(data))
	for written < want {
		buf, err := m.readCluster(c)
		if err != nil {
			return int(written), err
		}
		owned := make([]byte, len(buf))
		copy(owned, buf)

		start := uint64(0)
		if written == 0 {
			start = withinFirst
		}
		n := uint64(len(owned)) - start
		if remain := want - written; n > remain {
			n = remain
		}
		copy(owned[start:start+n], data[written:written+n])
		if err := m.writeCluster(c, owned); err != nil {
			return int(written), err
		}
		written += n

		if written >= want {
			break
		}
		next, err := m.NextCluster(c)
		if err != nil {
			return int(written), err
		}
		if IsEOC(next) {
			newClus, err := m.AllocateCluster()
			if err != nil {
				return int(written), err
			}
			if newClus == 0 {
				return int(written), kerr.ErrNoSpace
			}
			if err := m.markEOC(newClus); err != nil {
				return int(written), err
			}
			if err := m.linkCluster(c, newClus); err != nil {
				return int(written), err
			}
			zero := make([]byte, m.bytesPerCluster)
			if err := m.writeCluster(newClus, zero); err != nil {
				return int(written), err
			}
			next = newClus
		}
		c = next
	}

	newEnd := offset + written
	if newEnd > uint64(r.entry.size) {
		r.entry.size = uint32(newEnd)
		if err := m.writeDirEntry(r.pos, r.entry); err != nil {
			return int(written), err
		}
	} else if r.entry.firstClus != 0 {
		// First-cluster assignment on a previously-empty file must
		// still be flushed even when size didn't change (size 0 write).
		if err := m.writeDirEntry(r.pos, r.entry); err != nil {
			return int(written), err
		}
	}

	return int(written), nil
}

// Truncate changes the file's size. Growing is lazy: the entry's size
// field is updated but no clusters are allocated until the next write.
// Shrinking walks to the new tail cluster, stamps end-of-chain there,
// and frees the remainder; a new size of zero releases the entire
// chain and clears the first-cluster field.
func (m *Mount) Truncate(path string, newSize uint32) error {
	if m.readOnly {
		return kerr.ErrReadOnly
	}

	r, err := m.lookup(path)
	if err != nil {
		return err
	}
	if r.entry.isDirectory() {
		return kerr.ErrNotDirectory
	}

	if newSize >= r.entry.size {
		r.entry.size = newSize
		return m.writeDirEntry(r.pos, r.entry)
	}

	if newSize == 0 {
		if r.entry.firstClus != 0 {
			if err := m.FreeChain(r.entry.firstClus); err != nil {
				return err
			}
		}
		r.entry.firstClus = 0
		r.entry.size = 0
		return m.writeDirEntry(r.pos, r.entry)
	}

	clustersToKeep := (uint64(newSize) + uint64(m.bytesPerCluster) - 1) / uint64(m.bytesPerCluster)
	c := r.entry.firstClus
	for i := uint64(1); i < clustersToKeep; i++ {
		next, err := m.NextCluster(c)
		if err != nil {
			return err
		}
		if IsEOC(next) {
			break
		}
		c = next
	}

	tail, err := m.NextCluster(c)
	if err != nil {
		return err
	}
	if err := m.markEOC(c); err != nil {
		return err
	}
	if !IsEOC(tail) {
		if err := m.FreeChain(tail); err != nil {
			return err
		}
	}

	r.entry.size = newSize
	return m.writeDirEntry(r.pos, r.entry)
}
