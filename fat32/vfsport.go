package fat32

// Mkdir and CreateFile are thin wrappers over Create distinguishing
// the two directory-vs-file creation entry points callers expect from
// a VFS port.

// Mkdir creates a new directory at path.
func (m *Mount) Mkdir(path string) error { return m.Create(path, true) }

// CreateFile creates a new empty file at path.
func (m *Mount) CreateFile(path string) error { return m.Create(path, false) }

// StatFS reports volume-wide space accounting, the filesystem-level
// counterpart to Stat's per-entry view.
type StatFS struct {
	BytesPerCluster int
	TotalClusters   uint64
	FreeClusters    uint32
	FreeBytes       uint64
}

// Statfs returns volume-wide space accounting.
func (m *Mount) Statfs() StatFS {
	free := m.FreeClusters()
	return StatFS{
		BytesPerCluster: m.bytesPerCluster,
		TotalClusters:   m.totalClusters,
		FreeClusters:    free,
		FreeBytes:       uint64(free) * uint64(m.bytesPerCluster),
	}
}
