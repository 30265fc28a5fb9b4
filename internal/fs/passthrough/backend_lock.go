package passthrough

import (
	"golang.org/x/sys/unix"

	"github.com/coreboxvmm/vmm/internal/devices/virtio"
	linux "github.com/coreboxvmm/vmm/internal/linux/defs/amd64"
)

// Linux and Darwin disagree on the F_RDLCK/F_WRLCK/F_UNLCK numbering, so a
// lock type has to be translated in both directions just like an errno does.
const (
	linuxFRDLCK = 0
	linuxFWRLCK = 1
	linuxFUNLCK = 2
)

func lockTypeToDarwin(t uint32) int16 {
	switch t {
	case linuxFWRLCK:
		return unix.F_WRLCK
	case linuxFUNLCK:
		return unix.F_UNLCK
	default:
		return unix.F_RDLCK
	}
}

func lockTypeToLinux(t int16) uint32 {
	switch t {
	case unix.F_WRLCK:
		return linuxFWRLCK
	case unix.F_UNLCK:
		return linuxFUNLCK
	default:
		return linuxFRDLCK
	}
}

// fuseLockToFlock converts a fuse_file_lock's inclusive [start,end] range
// into an fcntl Flock_t's (start,len) pair. end == ^uint64(0) is FUSE's way
// of saying "to the end of the file", which fcntl spells as len == 0.
func fuseLockToFlock(lk virtio.FuseLock) unix.Flock_t {
	length := int64(0)
	if lk.End != ^uint64(0) {
		length = int64(lk.End-lk.Start) + 1
	}
	return unix.Flock_t{
		Start:  int64(lk.Start),
		Len:    length,
		Pid:    int32(lk.PID),
		Type:   lockTypeToDarwin(lk.Type),
		Whence: unix.SEEK_SET,
	}
}

func flockToFuseLock(fl unix.Flock_t) virtio.FuseLock {
	end := uint64(^uint64(0))
	if fl.Len != 0 {
		end = uint64(fl.Start + fl.Len - 1)
	}
	return virtio.FuseLock{
		Start: uint64(fl.Start),
		End:   end,
		Type:  lockTypeToLinux(fl.Type),
		PID:   uint32(fl.Pid),
	}
}

// GetLk tests whether lk could be placed without actually placing it,
// returning the conflicting lock (or lk itself, marked F_UNLCK, if the
// range is free) the same way fcntl(F_GETLK) does.
func (b *Backend) GetLk(nodeID uint64, fh uint64, owner uint64, lk virtio.FuseLock, flags uint32) (virtio.FuseLock, int32) {
	h := b.handles.get(fh)
	if h == nil || h.nodeID != nodeID {
		return virtio.FuseLock{}, -int32(linux.EBADF)
	}
	fl := fuseLockToFlock(lk)
	if err := unix.FcntlFlock(uintptr(h.fd), unix.F_GETLK, &fl); err != nil {
		return virtio.FuseLock{}, toLinuxErrno(err)
	}
	return flockToFuseLock(fl), 0
}

// SetLk sets or clears a POSIX advisory lock without blocking.
func (b *Backend) SetLk(nodeID uint64, fh uint64, owner uint64, lk virtio.FuseLock, flags uint32) int32 {
	return b.setLk(nodeID, fh, lk, unix.F_SETLK)
}

// SetLkW is handled the same as SetLk: the dispatcher retries FUSE_SETLKW
// requests that come back EAGAIN rather than have this call block the
// device thread, so there is no blocking fcntl call to make here.
func (b *Backend) SetLkW(nodeID uint64, fh uint64, owner uint64, lk virtio.FuseLock, flags uint32) int32 {
	return b.setLk(nodeID, fh, lk, unix.F_SETLK)
}

func (b *Backend) setLk(nodeID uint64, fh uint64, lk virtio.FuseLock, cmd int) int32 {
	h := b.handles.get(fh)
	if h == nil || h.nodeID != nodeID {
		return -int32(linux.EBADF)
	}
	fl := fuseLockToFlock(lk)
	if err := unix.FcntlFlock(uintptr(h.fd), cmd, &fl); err != nil {
		return toLinuxErrno(err)
	}
	return 0
}
