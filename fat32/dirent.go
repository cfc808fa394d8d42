package fat32

import (
	"encoding/binary"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// Directory-entry attribute bits.
const (
	attrReadOnly = 0x01
	attrHidden   = 0x02
	attrSystem   = 0x04
	attrVolumeID = 0x08
	attrDir      = 0x10
	attrArchive  = 0x20

	attrLFNMask = attrReadOnly | attrHidden | attrSystem | attrVolumeID

	entryFreeByte = 0xE5
	entryEndByte  = 0x00
)

// dirEntry is the decoded form of one 32-byte on-disk directory entry.
type dirEntry struct {
	name       [11]byte // 8.3 short name, space-padded
	attr       byte
	firstClus  uint32
	size       uint32
	offsetInDir uint64 // byte offset within the parent directory's data, for rewriting in place
}

func decodeDirEntry(raw []byte, offsetInDir uint64) dirEntry {
	var d dirEntry
	copy(d.name[:], raw[0:11])
	d.attr = raw[11]
	hi := binary.LittleEndian.Uint16(raw[20:])
	lo := binary.LittleEndian.Uint16(raw[26:])
	d.firstClus = uint32(hi)<<16 | uint32(lo)
	d.size = binary.LittleEndian.Uint32(raw[28:])
	d.offsetInDir = offsetInDir
	return d
}

func encodeDirEntry(raw []byte, d dirEntry) {
	for i := range raw[:dirEntrySize] {
		raw[i] = 0
	}
	copy(raw[0:11], d.name[:])
	raw[11] = d.attr
	binary.LittleEndian.PutUint16(raw[20:], uint16(d.firstClus>>16))
	binary.LittleEndian.PutUint16(raw[26:], uint16(d.firstClus))
	binary.LittleEndian.PutUint32(raw[28:], d.size)
}

func (d dirEntry) isLFN() bool       { return d.attr&attrLFNMask == attrLFNMask && d.attr != attrDir }
func (d dirEntry) isVolumeID() bool  { return d.attr&attrVolumeID != 0 && d.attr&attrDir == 0 }
func (d dirEntry) isDirectory() bool { return d.attr&attrDir != 0 }
func (d dirEntry) isFree() bool      { return d.name[0] == entryFreeByte }
func (d dirEntry) isEnd() bool       { return d.name[0] == entryEndByte }

// shortName renders the 8.3 name as a display string: trailing spaces
// trimmed from both the name and extension, a '.' inserted between
// them only if an extension is present.
func (d dirEntry) shortName() string {
	name := strings.TrimRight(string(d.name[0:8]), " ")
	ext := strings.TrimRight(string(d.name[8:11]), " ")
	if ext == "" {
		return name
	}
	return name + "." + ext
}

// oemEncoder folds non-ASCII short-name characters into the IBM PC
// OEM code page (CP437), the convention FAT32 short names use, instead
// of silently truncating or rejecting them.
var oemEncoder = charmap.CodePage437.NewEncoder()

// makeShortName converts a path component into an 8.3 short name: each
// half uppercased, folded through the OEM code page, and filtered to
// the permitted short-name character set, truncated to 8 and 3 bytes
// respectively.
func makeShortName(component string) [11]byte {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}

	upper := strings.ToUpper(component)
	folded, err := oemEncoder.String(upper)
	if err != nil {
		folded = upper
	}

	base := folded
	ext := ""
	if idx := strings.LastIndexByte(folded, '.'); idx >= 0 {
		base = folded[:idx]
		ext = folded[idx+1:]
	}

	bi := 0
	for i := 0; i < len(base) && bi < 8; i++ {
		if isShortNameChar(base[i]) {
			out[bi] = base[i]
			bi++
		}
	}
	ei := 0
	for i := 0; i < len(ext) && ei < 3; i++ {
		if isShortNameChar(ext[i]) {
			out[8+ei] = ext[i]
			ei++
		}
	}
	return out
}

// isShortNameChar reports whether b is permitted in an 8.3 short name:
// uppercase letters, digits, a conservative punctuation set, and OEM
// code-page bytes (0x80 and above).
func isShortNameChar(b byte) bool {
	switch {
	case b >= 'A' && b <= 'Z':
		return true
	case b >= '0' && b <= '9':
		return true
	case b >= 0x80:
		return true
	case strings.IndexByte("!#$%&'()-@^_`{}~", b) >= 0:
		return true
	}
	return false
}

// equalShortName compares two short names case-insensitive-ASCII, per
// the path-resolution contract (the bytes are already uppercase on
// disk for conforming writers, but comparison does not assume it).
func equalShortName(a, b [11]byte) bool {
	for i := range a {
		ca, cb := a[i], b[i]
		if ca >= 'a' && ca <= 'z' {
			ca -= 'a' - 'A'
		}
		if cb >= 'a' && cb <= 'z' {
			cb -= 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
