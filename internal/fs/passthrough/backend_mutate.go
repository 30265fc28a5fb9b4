package passthrough

import (
	"time"
	"unsafe"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/coreboxvmm/vmm/internal/devices/virtio"
	linux "github.com/coreboxvmm/vmm/internal/linux/defs/amd64"
)

// rejectIfReadOnly returns -EROFS when cfg.ReadOnly is set, letting every
// mutating entry point bail out before touching the host filesystem.
func (b *Backend) rejectIfReadOnly() int32 {
	if b.cfg.ReadOnly {
		return -int32(linux.EROFS)
	}
	return 0
}

func (b *Backend) Create(parent uint64, name string, mode uint32, flags uint32, umask uint32, uid uint32, gid uint32) (uint64, uint64, virtio.FuseAttr, int32) {
	if errno := b.rejectIfReadOnly(); errno != 0 {
		return 0, 0, virtio.FuseAttr{}, errno
	}
	parentNode := b.nodes.get(parent)
	if parentNode == nil {
		return 0, 0, virtio.FuseAttr{}, -int32(linux.EBADF)
	}
	path, err := b.pathForChild(parentNode, name)
	if err != nil {
		return 0, 0, virtio.FuseAttr{}, toLinuxErrno(err)
	}

	hostFlags := parseOpenFlags(flags) | unix.O_CREAT | unix.O_CLOEXEC
	fd, err := unix.Open(path, hostFlags, uint32(mode&^umask))
	if err != nil {
		return 0, 0, virtio.FuseAttr{}, toLinuxErrno(err)
	}

	nodeID, attr, errno := b.Lookup(parent, name)
	if errno != 0 {
		_ = unix.Close(fd)
		return 0, 0, virtio.FuseAttr{}, errno
	}
	fh := b.handles.insert(nodeID, fd, false)
	return nodeID, fh, attr, 0
}

func (b *Backend) Mkdir(parent uint64, name string, mode uint32, umask uint32, uid uint32, gid uint32) (uint64, virtio.FuseAttr, int32) {
	if errno := b.rejectIfReadOnly(); errno != 0 {
		return 0, virtio.FuseAttr{}, errno
	}
	parentNode := b.nodes.get(parent)
	if parentNode == nil {
		return 0, virtio.FuseAttr{}, -int32(linux.EBADF)
	}
	path, err := b.pathForChild(parentNode, name)
	if err != nil {
		return 0, virtio.FuseAttr{}, toLinuxErrno(err)
	}
	if err := unix.Mkdir(path, uint32(mode&^umask)); err != nil {
		return 0, virtio.FuseAttr{}, toLinuxErrno(err)
	}
	return b.Lookup(parent, name)
}

func (b *Backend) Mknod(parent uint64, name string, mode uint32, rdev uint32, umask uint32, uid uint32, gid uint32) (uint64, virtio.FuseAttr, int32) {
	if errno := b.rejectIfReadOnly(); errno != 0 {
		return 0, virtio.FuseAttr{}, errno
	}
	parentNode := b.nodes.get(parent)
	if parentNode == nil {
		return 0, virtio.FuseAttr{}, -int32(linux.EBADF)
	}
	path, err := b.pathForChild(parentNode, name)
	if err != nil {
		return 0, virtio.FuseAttr{}, toLinuxErrno(err)
	}
	if err := unix.Mknod(path, uint32(mode&^umask), int(rdev)); err != nil {
		return 0, virtio.FuseAttr{}, toLinuxErrno(err)
	}
	return b.Lookup(parent, name)
}

func (b *Backend) Write(nodeID, fh uint64, off uint64, data []byte) (uint32, int32) {
	if errno := b.rejectIfReadOnly(); errno != 0 {
		return 0, errno
	}
	h := b.handles.get(fh)
	if h == nil || h.nodeID != nodeID {
		return 0, -int32(linux.EBADF)
	}
	n, err := unix.Pwrite(h.fd, data, int64(off))
	if err != nil {
		return 0, toLinuxErrno(err)
	}
	return uint32(n), 0
}

func (b *Backend) Symlink(parent uint64, name string, target string, umask uint32, uid uint32, gid uint32) (uint64, virtio.FuseAttr, int32) {
	if errno := b.rejectIfReadOnly(); errno != 0 {
		return 0, virtio.FuseAttr{}, errno
	}
	parentNode := b.nodes.get(parent)
	if parentNode == nil {
		return 0, virtio.FuseAttr{}, -int32(linux.EBADF)
	}
	path, err := b.pathForChild(parentNode, name)
	if err != nil {
		return 0, virtio.FuseAttr{}, toLinuxErrno(err)
	}
	if err := unix.Symlink(target, path); err != nil {
		return 0, virtio.FuseAttr{}, toLinuxErrno(err)
	}
	return b.Lookup(parent, name)
}

func (b *Backend) Readlink(nodeID uint64) (string, int32) {
	node := b.nodes.get(nodeID)
	if node == nil {
		return "", -int32(linux.EBADF)
	}
	target, err := withRefresh(b, node, func(path string) (string, error) {
		buf := make([]byte, unix.PathMax)
		n, err := unix.Readlink(path, buf)
		if err != nil {
			return "", err
		}
		return string(buf[:n]), nil
	})
	if err != nil {
		return "", toLinuxErrno(err)
	}
	return target, 0
}

// Linux RENAME_* flag bits (include/uapi/linux/fs.h), as carried unmodified
// on the wire by FUSE_RENAME2.
const (
	linuxRenameNoReplace = 0x1
	linuxRenameExchange  = 0x2
	linuxRenameWhiteout  = 0x4
)

// Darwin renamex_np(2) flag bits (sys/fcntl.h); not exposed as named
// constants by x/sys/unix.
const (
	darwinRenameSwap = 0x2
	darwinRenameExcl = 0x4
)

func (b *Backend) Rename(oldParent uint64, oldName string, newParent uint64, newName string, flags uint32) int32 {
	if errno := b.rejectIfReadOnly(); errno != 0 {
		return errno
	}
	if flags&linuxRenameWhiteout != 0 && flags&linuxRenameExchange != 0 {
		return -int32(linux.EINVAL)
	}
	oldParentNode := b.nodes.get(oldParent)
	newParentNode := b.nodes.get(newParent)
	if oldParentNode == nil || newParentNode == nil {
		return -int32(linux.EBADF)
	}
	oldPath, err := b.pathForChild(oldParentNode, oldName)
	if err != nil {
		return toLinuxErrno(err)
	}
	newPath, err := b.pathForChild(newParentNode, newName)
	if err != nil {
		return toLinuxErrno(err)
	}

	var mflags uint32
	if flags&linuxRenameNoReplace != 0 {
		mflags |= darwinRenameExcl
	}
	if flags&linuxRenameExchange != 0 {
		mflags |= darwinRenameSwap
	}

	renameErr := fallbackRenamex(oldPath, newPath, mflags)
	// ENOTSUP means the backing filesystem (e.g. NFS) doesn't implement
	// renamex_np's atomic flags at all. RENAME_SWAP can't be simulated, but
	// RENAME_EXCL (the common case: GNU coreutils' mv uses RENAME_NOREPLACE)
	// can be approximated with a check-then-rename.
	if renameErr == unix.ENOTSUP && mflags == darwinRenameExcl {
		if accessErr := unix.Access(newPath, unix.F_OK); accessErr == nil {
			return -int32(linux.EEXIST)
		} else if accessErr != unix.ENOENT {
			return toLinuxErrno(accessErr)
		}
		renameErr = fallbackRenamex(oldPath, newPath, 0)
	}
	if renameErr != nil {
		return toLinuxErrno(renameErr)
	}
	return 0
}

func (b *Backend) Unlink(parent uint64, name string) int32 {
	return b.unlinkAt(parent, name, 0)
}

func (b *Backend) Rmdir(parent uint64, name string) int32 {
	return b.unlinkAt(parent, name, unix.AT_REMOVEDIR)
}

func (b *Backend) unlinkAt(parent uint64, name string, flags int) int32 {
	if errno := b.rejectIfReadOnly(); errno != 0 {
		return errno
	}
	parentNode := b.nodes.get(parent)
	if parentNode == nil {
		return -int32(linux.EBADF)
	}
	path, err := b.pathForChild(parentNode, name)
	if err != nil {
		return toLinuxErrno(err)
	}
	if err := unix.Unlinkat(unix.AT_FDCWD, path, flags); err != nil {
		return toLinuxErrno(err)
	}
	return 0
}

func (b *Backend) Link(oldNodeID uint64, newParent uint64, newName string) (uint64, virtio.FuseAttr, int32) {
	if errno := b.rejectIfReadOnly(); errno != 0 {
		return 0, virtio.FuseAttr{}, errno
	}
	oldNode := b.nodes.get(oldNodeID)
	newParentNode := b.nodes.get(newParent)
	if oldNode == nil || newParentNode == nil {
		return 0, virtio.FuseAttr{}, -int32(linux.EBADF)
	}
	oldPath, err := b.pathFor(oldNode)
	if err != nil {
		return 0, virtio.FuseAttr{}, toLinuxErrno(err)
	}
	newPath, err := b.pathForChild(newParentNode, newName)
	if err != nil {
		return 0, virtio.FuseAttr{}, toLinuxErrno(err)
	}

	if oldNode.flags&flagLinkAsClone != 0 {
		if err := fallbackClonefile(oldPath, newPath, 0); err != nil {
			return 0, virtio.FuseAttr{}, toLinuxErrno(err)
		}
	} else if err := unix.Link(oldPath, newPath); err != nil {
		return 0, virtio.FuseAttr{}, toLinuxErrno(err)
	}
	return b.Lookup(newParent, newName)
}

func (b *Backend) SetAttr(nodeID uint64, size *uint64, mode *uint32, uid *uint32, gid *uint32, atime *time.Time, mtime *time.Time, reqUID uint32, reqGID uint32) int32 {
	if errno := b.rejectIfReadOnly(); errno != 0 {
		return errno
	}
	node := b.nodes.get(nodeID)
	if node == nil {
		return -int32(linux.EBADF)
	}

	_, err := withRefresh(b, node, func(path string) (struct{}, error) {
		if mode != nil {
			if err := unix.Chmod(path, *mode&0o7777); err != nil {
				return struct{}{}, err
			}
		}
		if size != nil {
			if err := unix.Truncate(path, int64(*size)); err != nil {
				return struct{}{}, err
			}
		}
		if atime != nil || mtime != nil {
			var ts [2]unix.Timespec
			ts[0] = toTimespec(atime)
			ts[1] = toTimespec(mtime)
			if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, ts[:], 0); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	})
	if err != nil {
		return toLinuxErrno(err)
	}
	return 0
}

func toTimespec(t *time.Time) unix.Timespec {
	if t == nil {
		return unix.Timespec{Sec: 0, Nsec: unix.UTIME_OMIT}
	}
	return unix.NsecToTimespec(t.UnixNano())
}

func (b *Backend) Lseek(nodeID, fh uint64, offset uint64, whence uint32) (uint64, int32) {
	h := b.handles.get(fh)
	if h == nil || h.nodeID != nodeID {
		return 0, -int32(linux.EBADF)
	}
	// Linux numbers SEEK_DATA 3 and SEEK_HOLE 4; Darwin has them the other
	// way round, so translate those two before handing whence to the host.
	hostWhence := int(whence)
	switch whence {
	case 3:
		hostWhence = unix.SEEK_DATA
	case 4:
		hostWhence = unix.SEEK_HOLE
	}
	off, err := unix.Seek(h.fd, int64(offset), hostWhence)
	if err != nil {
		return 0, toLinuxErrno(err)
	}
	return uint64(off), 0
}

func (b *Backend) Fallocate(nodeID, fh uint64, offset uint64, length uint64, mode uint32) int32 {
	if errno := b.rejectIfReadOnly(); errno != 0 {
		return errno
	}
	h := b.handles.get(fh)
	if h == nil || h.nodeID != nodeID {
		return -int32(linux.EBADF)
	}
	const fallocKeepSize = 0x01 // FALLOC_FL_KEEP_SIZE
	if mode&^fallocKeepSize != 0 {
		// PUNCH_HOLE/COLLAPSE_RANGE etc. have no direct F_PREALLOCATE
		// analogue; report unsupported rather than silently no-op.
		return -int32(linux.EOPNOTSUPP)
	}
	// Darwin has no posix_fallocate-style syscall; F_PREALLOCATE reserves
	// space without changing the file's apparent size, so unless KEEP_SIZE
	// is set, follow it with an ftruncate that extends st_size to
	// offset+length like Linux fallocate does (a longer file is left as is).
	store := unix.Fstore_t{
		Flags:   unix.F_ALLOCATECONTIG,
		Posmode: unix.F_PEOFPOSMODE,
		Offset:  0,
		Length:  int64(offset) + int64(length),
	}
	_, _, errno := unix.Syscall(unix.SYS_FCNTL, uintptr(h.fd), uintptr(unix.F_PREALLOCATE), uintptr(unsafe.Pointer(&store)))
	if errno != 0 {
		store.Flags = unix.F_ALLOCATEALL
		_, _, errno = unix.Syscall(unix.SYS_FCNTL, uintptr(h.fd), uintptr(unix.F_PREALLOCATE), uintptr(unsafe.Pointer(&store)))
		if errno != 0 {
			return toLinuxErrno(errno)
		}
	}
	if mode&fallocKeepSize != 0 {
		return 0
	}
	var st unix.Stat_t
	if err := unix.Fstat(h.fd, &st); err != nil {
		return toLinuxErrno(err)
	}
	if end := int64(offset) + int64(length); end > st.Size {
		if err := unix.Ftruncate(h.fd, end); err != nil {
			return toLinuxErrno(err)
		}
	}
	return 0
}

func (b *Backend) Flush(nodeID, fh uint64, lockOwner uint64) int32 {
	h := b.handles.get(fh)
	if h == nil || h.nodeID != nodeID {
		return -int32(linux.EBADF)
	}
	// Darwin close() already flushes and the guest still holds its own fd
	// open via fh, so there is nothing to do here; ENOSYS tells the guest
	// kernel to stop sending FUSE_FLUSH altogether.
	return -int32(linux.ENOSYS)
}

func (b *Backend) Forget(nodeID uint64, nlookup uint64) {
	if fd := b.nodes.forget(nodeID, nlookup); fd >= 0 {
		closeFd(fd)
		b.openFds.Add(-1)
	}
}

// batchForgetConcurrency bounds how many FUSE_BATCH_FORGET entries run at
// once: a single batch can carry thousands of node IDs after a guest-side
// `rm -fr` of a large tree, and closing that many fds is worth spreading
// across goroutines but not worth one goroutine per entry.
const batchForgetConcurrency = 32

// BatchForget forgets many nodes concurrently. FUSE_BATCH_FORGET carries no
// reply and Forget never fails, so errgroup here is purely a bounded
// worker pool, not error propagation.
func (b *Backend) BatchForget(items []virtio.ForgetItem) {
	if len(items) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(batchForgetConcurrency)
	for _, it := range items {
		g.Go(func() error {
			b.Forget(it.NodeID, it.Nlookup)
			return nil
		})
	}
	g.Wait()
}
