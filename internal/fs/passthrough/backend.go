package passthrough

import (
	"os"
	"strconv"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
	"golang.org/x/sys/unix"

	"github.com/coreboxvmm/vmm/internal/devices/virtio"
	linux "github.com/coreboxvmm/vmm/internal/linux/defs/amd64"
)

// maxPathFds caps how many nodes may hold a kept-open O_EVTONLY fd at once,
// mirroring MAX_PATH_FDS in the original: large host directories full of
// character/block-less, non-volfs files would otherwise exhaust the
// process's file descriptor table just tracking paths.
const maxPathFds = 8000

// FUSE_INIT capability bits this backend negotiates (include/uapi/linux/fuse.h).
const (
	fuseDoReaddirplus  = 1 << 13
	fuseWritebackCache = 1 << 16
)

var _ virtio.FsBackend = (*Backend)(nil)

// Backend implements virtio.FsBackend (and most of its optional capability
// interfaces) by translating every FUSE request into a host syscall rooted
// at Config.RootDir.
type Backend struct {
	cfg Config

	uid uint32
	gid uint32

	nodes   *nodeTable
	handles *handleTable
	volfs   *volfsSupport

	// lookups collapses concurrent Lookup calls racing on the same
	// (parent,name) pair into a single stat + possible open_nodeid, instead
	// of letting every caller duplicate that work and rely solely on
	// insertNew's after-the-fact race resolution to throw away the losers.
	lookups singleflight.Group

	openFds   atomic.Int64
	writeback atomic.Bool
}

// New opens cfg.RootDir, seeds the root node, and returns a ready Backend.
func New(cfg Config) (*Backend, error) {
	var st unix.Stat_t
	if err := unix.Lstat(cfg.RootDir, &st); err != nil {
		return nil, err
	}

	b := &Backend{
		cfg:     cfg,
		uid:     uint32(os.Getuid()),
		gid:     uint32(os.Getgid()),
		nodes:   newNodeTable(),
		handles: newHandleTable(),
		volfs:   newVolfsSupport(),
	}
	b.nodes.insertRoot(devIno{dev: st.Dev, ino: st.Ino}, uint32(st.Nlink))
	return b, nil
}

func (b *Backend) Init() (uint32, uint32) {
	flags := uint32(fuseDoReaddirplus)
	if b.cfg.Writeback {
		flags |= fuseWritebackCache
		b.writeback.Store(true)
	}
	return 128 * 1024, flags
}

func (b *Backend) GetAttr(nodeID uint64) (virtio.FuseAttr, int32) {
	node := b.nodes.get(nodeID)
	if node == nil {
		return virtio.FuseAttr{}, -int32(linux.EBADF)
	}
	attr, err := withRefresh(b, node, func(path string) (virtio.FuseAttr, error) {
		return lstatPath(path, b.uid, b.gid)
	})
	if err != nil {
		return virtio.FuseAttr{}, toLinuxErrno(err)
	}
	return attr, 0
}

// Lookup is finish_lookup: resolve (parent,name) to a host path, stat it,
// and either reuse an existing node for that (dev,ino) or mint a new one —
// deciding along the way whether the new node needs a kept-open path fd.
//
// Concurrent lookups of the same (parent,name) collapse onto a single call
// via b.lookups: without this, a burst of guest threads racing to open the
// same just-extracted file would each independently stat it and each try
// to open a path fd, leaving insertNew to discard every loser's fd anyway.
func (b *Backend) Lookup(parent uint64, name string) (uint64, virtio.FuseAttr, int32) {
	key := strconv.FormatUint(parent, 10) + "/" + name
	v, _, _ := b.lookups.Do(key, func() (interface{}, error) {
		nodeID, attr, errno := b.lookupLocked(parent, name)
		return lookupResult{nodeID, attr, errno}, nil
	})
	r := v.(lookupResult)
	return r.nodeID, r.attr, r.errno
}

type lookupResult struct {
	nodeID uint64
	attr   virtio.FuseAttr
	errno  int32
}

func (b *Backend) lookupLocked(parent uint64, name string) (uint64, virtio.FuseAttr, int32) {
	parentNode := b.nodes.get(parent)
	if parentNode == nil {
		return 0, virtio.FuseAttr{}, -int32(linux.EBADF)
	}
	childPath, err := b.pathForChild(parentNode, name)
	if err != nil {
		return 0, virtio.FuseAttr{}, toLinuxErrno(err)
	}

	var st unix.Stat_t
	if err := unix.Lstat(childPath, &st); err != nil {
		// ENOENT here might mean the name truly doesn't exist, or it might
		// mean the parent itself is stale (its own path no longer resolves
		// to the inode this node was minted for). Refresh the parent once
		// and re-walk before reporting the child missing.
		if err != unix.ENOENT || !b.refreshStale(parentNode) {
			return 0, virtio.FuseAttr{}, toLinuxErrno(err)
		}
		childPath, err = b.pathForChild(parentNode, name)
		if err != nil {
			return 0, virtio.FuseAttr{}, toLinuxErrno(err)
		}
		if err := unix.Lstat(childPath, &st); err != nil {
			return 0, virtio.FuseAttr{}, toLinuxErrno(err)
		}
	}
	key := devIno{dev: st.Dev, ino: st.Ino}

	if existing := b.nodes.lookupAlt(key); existing != nil {
		return existing.nodeID, statToFuseAttr(&st, b.uid, b.gid), 0
	}

	fd := -1
	isDevNode := st.Mode&unix.S_IFMT == unix.S_IFCHR || st.Mode&unix.S_IFMT == unix.S_IFBLK
	supportsVolfs, volfsErr := b.volfs.supports(st.Dev, childPath)
	if volfsErr != nil {
		supportsVolfs = false
	}
	if !isDevNode && !supportsVolfs {
		if b.openFds.Load() >= maxPathFds {
			return 0, virtio.FuseAttr{}, -int32(linux.ENFILE)
		}
		if f, err := unix.Open(childPath, unix.O_EVTONLY|unix.O_SYMLINK|unix.O_CLOEXEC, 0); err == nil {
			fd = f
			b.openFds.Add(1)
		}
		// An open failure here just means this node falls back to /.vol
		// addressing like a volfs-backed one would; it is not fatal to the
		// lookup itself.
	}

	flags := nodeFlags(0)
	if parentNode.flags&flagLinkAsClone != 0 {
		flags |= flagLinkAsClone
	} else if st.Mode&unix.S_IFMT == unix.S_IFDIR && b.isCloneDir(name) {
		flags |= flagLinkAsClone
	}

	node := b.nodes.insertNew(key, flags, uint32(st.Nlink), fd, parent, name)
	if node.fd != fd && fd >= 0 {
		// insertNew discovered a racing winner and closed our fd itself.
		b.openFds.Add(-1)
	}
	return node.nodeID, statToFuseAttr(&st, b.uid, b.gid), 0
}

func (b *Backend) isCloneDir(name string) bool {
	for _, d := range b.cfg.LinkAsCloneDirs {
		if d == name {
			return true
		}
	}
	return false
}

func (b *Backend) Open(nodeID uint64, flags uint32) (uint64, int32) {
	// flags is Linux-encoded (FUSE_OPEN); its low two bits are the access
	// mode regardless of host O_* numbering, so mask that directly instead
	// of trusting unix.O_WRONLY/O_RDWR to line up with the guest's values.
	const oAccmode = 0x3
	if b.cfg.ReadOnly && flags&oAccmode != 0 {
		return 0, -int32(linux.EROFS)
	}
	node := b.nodes.get(nodeID)
	if node == nil {
		return 0, -int32(linux.EBADF)
	}
	hostFlags := parseOpenFlags(flags)
	if b.writeback.Load() && flags&oAccmode == unix.O_WRONLY {
		// Writeback caching buffers guest writes and later reads them back
		// out of the page cache, which requires the backing fd to support
		// reads too; it also can't honor O_APPEND's atomic-seek-to-end
		// semantics once writes are reordered through the cache, so drop it
		// the same way the original's open_nodeid does.
		hostFlags = (hostFlags &^ oAccmode) | unix.O_RDWR
		hostFlags &^= unix.O_APPEND
	}
	fd, err := withRefresh(b, node, func(path string) (int, error) {
		return unix.Open(path, hostFlags|unix.O_CLOEXEC, 0)
	})
	if err != nil {
		return 0, toLinuxErrno(err)
	}
	return b.handles.insert(nodeID, fd, false), 0
}

func (b *Backend) Release(nodeID, fh uint64) {
	b.handles.release(nodeID, fh)
}

func (b *Backend) Read(nodeID, fh uint64, off uint64, size uint32) ([]byte, int32) {
	h := b.handles.get(fh)
	if h == nil || h.nodeID != nodeID {
		return nil, -int32(linux.EBADF)
	}
	buf := make([]byte, size)
	n, err := unix.Pread(h.fd, buf, int64(off))
	if err != nil {
		return nil, toLinuxErrno(err)
	}
	return buf[:n], 0
}

func (b *Backend) StatFS(nodeID uint64) (blocks, bfree, bavail, files, ffree, bsize, frsize, namelen uint64, errno int32) {
	node := b.nodes.get(nodeID)
	if node == nil {
		return 0, 0, 0, 0, 0, 0, 0, 0, -int32(linux.EBADF)
	}
	st, err := withRefresh(b, node, func(path string) (unix.Statfs_t, error) {
		var st unix.Statfs_t
		err := unix.Statfs(path, &st)
		return st, err
	})
	if err != nil {
		return 0, 0, 0, 0, 0, 0, 0, 0, toLinuxErrno(err)
	}
	return st.Blocks, st.Bfree, st.Bavail, st.Files, st.Ffree, uint64(st.Bsize), uint64(st.Bsize), 255, 0
}

// parseOpenFlags translates the Linux O_* bits FUSE hands us into the
// Darwin equivalents, the same subset the original backend handles (it
// only ever needs to recognize flags the guest kernel can actually send
// down to a server: accmode, append/creat/trunc/excl/nofollow/cloexec).
func parseOpenFlags(linuxFlags uint32) int {
	const (
		oACCMODE  = 0x3
		oCREAT    = 0o100
		oEXCL     = 0o200
		oTRUNC    = 0o1000
		oAPPEND   = 0o2000
		oNONBLOCK = 0o4000
		oNOFOLLOW = 0o400000
		oCLOEXEC  = 0o2000000
	)

	out := int(linuxFlags) & oACCMODE
	if linuxFlags&oNONBLOCK != 0 {
		out |= unix.O_NONBLOCK
	}
	if linuxFlags&oAPPEND != 0 {
		out |= unix.O_APPEND
	}
	if linuxFlags&oCREAT != 0 {
		out |= unix.O_CREAT
	}
	if linuxFlags&oTRUNC != 0 {
		out |= unix.O_TRUNC
	}
	if linuxFlags&oEXCL != 0 {
		out |= unix.O_EXCL
	}
	if linuxFlags&oNOFOLLOW != 0 {
		out |= unix.O_NOFOLLOW
	}
	if linuxFlags&oCLOEXEC != 0 {
		out |= unix.O_CLOEXEC
	}
	return out
}
