package passthrough

import (
	"encoding/binary"

	"github.com/coreboxvmm/vmm/internal/devices/virtio"
)

// fuse_dirent / fuse_direntplus wire layout, from include/uapi/linux/fuse.h.
// Both are padded to an 8-byte boundary per entry so the guest kernel can
// walk the buffer without re-parsing lengths from the host.
const (
	direntHeaderSize     = 24  // ino(8) off(8) namelen(4) type(4)
	direntPlusHeaderSize = 136 // fuse_entry_out(128) + fuse_dirent header(8... folded below)
	entryOutSize         = 128
)

func direntAlignedLen(nameLen int) int {
	total := direntHeaderSize + nameLen
	return (total + 7) &^ 7
}

// appendDirent appends one fuse_dirent to buf, or returns buf unchanged and
// false if it would overflow the caller's remaining budget.
func appendDirent(buf []byte, budget int, ino uint64, off uint64, fileType uint32, name string) ([]byte, bool) {
	n := direntAlignedLen(len(name))
	if n > budget {
		return buf, false
	}
	start := len(buf)
	buf = append(buf, make([]byte, n)...)
	binary.LittleEndian.PutUint64(buf[start:], ino)
	binary.LittleEndian.PutUint64(buf[start+8:], off)
	binary.LittleEndian.PutUint32(buf[start+16:], uint32(len(name)))
	binary.LittleEndian.PutUint32(buf[start+20:], fileType)
	copy(buf[start+24:], name)
	// Padding bytes beyond the name are left zeroed by append's make.
	return buf, true
}

// appendEntryOut writes the fuse_entry_out header (nodeid, generation,
// entry/attr cache timeouts, attr) ahead of a readdirplus dirent.
func appendEntryOut(buf []byte, nodeID uint64, entryValid, attrValid uint64, attr virtio.FuseAttr) []byte {
	hdr := make([]byte, entryOutSize)
	binary.LittleEndian.PutUint64(hdr[0:], nodeID)
	binary.LittleEndian.PutUint64(hdr[8:], 0) // generation
	binary.LittleEndian.PutUint64(hdr[16:], entryValid)
	binary.LittleEndian.PutUint64(hdr[24:], attrValid)
	// entry_valid_nsec/attr_valid_nsec at [32:36]/[36:40] left zero.
	encodeAttr(hdr[40:], attr)
	return append(buf, hdr...)
}

// encodeAttr duplicates virtio's own (unexported) fuse_attr encoder, since
// the wire layout is a protocol constant, not something worth exporting
// across a package boundary just for this.
func encodeAttr(dst []byte, attr virtio.FuseAttr) {
	if len(dst) < 88 {
		return
	}
	binary.LittleEndian.PutUint64(dst[0:], attr.Ino)
	binary.LittleEndian.PutUint64(dst[8:], attr.Size)
	binary.LittleEndian.PutUint64(dst[16:], attr.Blocks)
	binary.LittleEndian.PutUint64(dst[24:], attr.ATimeSec)
	binary.LittleEndian.PutUint64(dst[32:], attr.MTimeSec)
	binary.LittleEndian.PutUint64(dst[40:], attr.CTimeSec)
	binary.LittleEndian.PutUint32(dst[48:], attr.ATimeNsec)
	binary.LittleEndian.PutUint32(dst[52:], attr.MTimeNsec)
	binary.LittleEndian.PutUint32(dst[56:], attr.CTimeNsec)
	binary.LittleEndian.PutUint32(dst[60:], attr.Mode)
	binary.LittleEndian.PutUint32(dst[64:], attr.NLink)
	binary.LittleEndian.PutUint32(dst[68:], attr.UID)
	binary.LittleEndian.PutUint32(dst[72:], attr.GID)
	binary.LittleEndian.PutUint32(dst[76:], attr.RDev)
	binary.LittleEndian.PutUint32(dst[80:], attr.BlkSize)
	binary.LittleEndian.PutUint32(dst[84:], attr.Flags)
}

// direntTypeFromMode converts a host st_mode into the FUSE DT_* constant
// embedded in struct fuse_dirent.type (the high nibble of d_type, same
// encoding Linux getdents64 uses).
func direntTypeFromMode(mode uint32) uint32 {
	const sIFMT = 0170000
	switch mode & sIFMT {
	case 0140000: // S_IFSOCK
		return 12
	case 0120000: // S_IFLNK
		return 10
	case 0100000: // S_IFREG
		return 8
	case 0060000: // S_IFBLK
		return 6
	case 0040000: // S_IFDIR
		return 4
	case 0020000: // S_IFCHR
		return 2
	case 0010000: // S_IFIFO
		return 1
	default:
		return 0 // DT_UNKNOWN
	}
}
