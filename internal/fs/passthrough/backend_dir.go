package passthrough

import (
	"unsafe"

	"golang.org/x/sys/unix"

	linux "github.com/coreboxvmm/vmm/internal/linux/defs/amd64"
)

func (b *Backend) OpenDir(nodeID uint64, flags uint32) (uint64, int32) {
	node := b.nodes.get(nodeID)
	if node == nil {
		return 0, -int32(linux.EBADF)
	}
	fd, err := withRefresh(b, node, func(path string) (int, error) {
		return unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	})
	if err != nil {
		return 0, toLinuxErrno(err)
	}
	return b.handles.insert(nodeID, fd, true), 0
}

func (b *Backend) ReleaseDir(nodeID, fh uint64) {
	b.handles.release(nodeID, fh)
}

func (b *Backend) ReadDirHandle(nodeID, fh uint64, off uint64, maxBytes uint32) ([]byte, int32) {
	return b.readdir(nodeID, fh, off, maxBytes, false)
}

func (b *Backend) ReadDirPlus(nodeID, fh uint64, off uint64, maxBytes uint32) ([]byte, int32) {
	return b.readdir(nodeID, fh, off, maxBytes, true)
}

// ReadDir satisfies virtio.FsBackend's mandatory method for backends that
// never hand out a directory handle. This backend always does (OpenDir is
// implemented), so the FUSE dispatcher takes the ReadDirHandle path instead
// and this is effectively dead code in practice; kept correct anyway.
func (b *Backend) ReadDir(nodeID uint64, off uint64, maxBytes uint32) ([]byte, int32) {
	fh, errno := b.OpenDir(nodeID, 0)
	if errno != 0 {
		return nil, errno
	}
	defer b.ReleaseDir(nodeID, fh)
	return b.ReadDirHandle(nodeID, fh, off, maxBytes)
}

// readdir is do_readdir/readdirplus combined: page host dirents in via
// getdirentries(2), reusing whatever's left over from the last call before
// asking the kernel for more, and encode each into a fuse_dirent (or, for
// readdirplus, a fuse_entry_out + fuse_dirent pair obtained by doing a full
// Lookup so the guest's dcache is populated without a follow-up round trip).
//
// Only sequential iteration (off == 0, or off == the offset this stream
// last returned) is supported: getdirentries exposes a single opaque
// resume cookie for the whole buffer, not one per entry the way
// telldir/seekdir do, so arbitrary reseeking isn't something this path can
// honor without keeping a full index of host cookies per entry.
func (b *Backend) readdir(nodeID, fh uint64, off uint64, maxBytes uint32, plus bool) ([]byte, int32) {
	if maxBytes == 0 {
		return nil, 0
	}
	h := b.handles.get(fh)
	if h == nil || h.nodeID != nodeID || !h.isDir {
		return nil, -int32(linux.EBADF)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	ds := h.lockedDir()

	if off == 0 && ds.emitted != 0 {
		if _, err := unix.Seek(h.fd, 0, 0); err != nil {
			return nil, toLinuxErrno(err)
		}
		ds.basep, ds.buf, ds.bufOff, ds.emitted, ds.eof = 0, nil, 0, 0, false
	} else if off != ds.emitted {
		return nil, -int32(linux.EINVAL)
	}

	out := make([]byte, 0, maxBytes)
	budget := int(maxBytes)

	for budget > 0 {
		if ds.bufOff >= len(ds.buf) {
			if ds.eof {
				break
			}
			raw := make([]byte, 32*1024)
			n, err := unix.Getdirentries(h.fd, raw, &ds.basep)
			if err != nil {
				return nil, toLinuxErrno(err)
			}
			if n == 0 {
				ds.eof = true
				break
			}
			ds.buf, ds.bufOff = raw[:n], 0
		}

		name, ino, fileType, reclen, ok := parseDirent(ds.buf[ds.bufOff:])
		if !ok {
			ds.eof = true
			break
		}
		ds.bufOff += reclen

		if name == "." || name == ".." {
			continue
		}

		if fileType == 0 {
			// DT_UNKNOWN: some network filesystems never fill in d_type.
			// Fall back to an lstat so the guest still gets a usable type
			// bit instead of treating every such entry as a plain file.
			if dirNode := b.nodes.get(nodeID); dirNode != nil {
				if dirPath, err := b.pathFor(dirNode); err == nil {
					if st, err := lstatPath(dirPath+"/"+name, b.uid, b.gid); err == nil {
						fileType = direntTypeFromMode(st.Mode)
					}
				}
			}
		}

		entrySize := direntAlignedLen(len(name))
		if plus {
			entrySize += entryOutSize
		}
		if entrySize > budget {
			// Put this entry back for the next call by rewinding bufOff.
			ds.bufOff -= reclen
			break
		}

		if plus {
			childNodeID, attr, errno := b.Lookup(nodeID, name)
			if errno != 0 {
				// Skip entries Lookup can't resolve (e.g. raced away);
				// readdirplus still reports overall success.
				continue
			}
			out = appendEntryOut(out, childNodeID, uint64(b.cfg.EntryTimeout.Seconds()), uint64(b.cfg.AttrTimeout.Seconds()), attr)
		}

		ds.emitted++
		var appended bool
		out, appended = appendDirent(out, budget, ino, ds.emitted, fileType, name)
		if !appended {
			ds.bufOff -= reclen
			ds.emitted--
			break
		}
		budget = int(maxBytes) - len(out)
	}

	return out, 0
}

// parseDirent reads one struct dirent (Darwin's variable-length layout) off
// the front of buf and returns its name, inode, FUSE DT_* type, and the
// byte length to advance by.
func parseDirent(buf []byte) (name string, ino uint64, fileType uint32, reclen int, ok bool) {
	if len(buf) < int(unsafe.Offsetof(unix.Dirent{}.Name)) {
		return "", 0, 0, 0, false
	}
	de := (*unix.Dirent)(unsafe.Pointer(&buf[0]))
	if de.Reclen == 0 || int(de.Reclen) > len(buf) {
		return "", 0, 0, 0, false
	}
	nameLen := int(de.Namlen)
	nameBytes := make([]byte, nameLen)
	for i := 0; i < nameLen; i++ {
		nameBytes[i] = byte(de.Name[i])
	}
	return string(nameBytes), de.Ino, darwinDirentType(de.Type), int(de.Reclen), true
}

func darwinDirentType(t uint8) uint32 {
	switch t {
	case 1: // DT_FIFO
		return 1
	case 2: // DT_CHR
		return 2
	case 4: // DT_DIR
		return 4
	case 6: // DT_BLK
		return 6
	case 8: // DT_REG
		return 8
	case 10: // DT_LNK
		return 10
	case 12: // DT_SOCK
		return 12
	default:
		return 0
	}
}
