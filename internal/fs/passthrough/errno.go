package passthrough

import (
	"golang.org/x/sys/unix"

	linux "github.com/coreboxvmm/vmm/internal/linux/defs/amd64"
)

// toLinuxErrno maps a Darwin host errno onto the Linux errno number the
// guest kernel expects on the wire. The two number spaces diverge past the
// first dozen or so codes (ENOTEMPTY, EOPNOTSUPP, ENODATA, ELOOP, ...), so a
// bare pass-through of the host errno would silently hand the guest the
// wrong condition.
func toLinuxErrno(err error) int32 {
	if err == nil {
		return 0
	}
	errno, ok := err.(unix.Errno)
	if !ok {
		return -int32(linux.EIO)
	}
	return -int32(darwinToLinux(errno))
}

func darwinToLinux(e unix.Errno) linux.Errno {
	switch e {
	case unix.EPERM:
		return linux.EPERM
	case unix.ENOENT:
		return linux.ENOENT
	case unix.ESRCH:
		return linux.Errno(3)
	case unix.EINTR:
		return linux.EINTR
	case unix.EIO:
		return linux.EIO
	case unix.ENXIO:
		return linux.ENXIO
	case unix.E2BIG:
		return linux.Errno(7)
	case unix.ENOEXEC:
		return linux.Errno(8)
	case unix.EBADF:
		return linux.EBADF
	case unix.ECHILD:
		return linux.Errno(10)
	case unix.EAGAIN:
		return linux.EAGAIN
	case unix.ENOMEM:
		return linux.ENOMEM
	case unix.EACCES:
		return linux.EACCES
	case unix.EFAULT:
		return linux.Errno(14)
	case unix.EBUSY:
		return linux.EBUSY
	case unix.EEXIST:
		return linux.EEXIST
	case unix.EXDEV:
		return linux.EXDEV
	case unix.ENODEV:
		return linux.ENODEV
	case unix.ENOTDIR:
		return linux.ENOTDIR
	case unix.EISDIR:
		return linux.EISDIR
	case unix.EINVAL:
		return linux.EINVAL
	case unix.ENFILE:
		return linux.ENFILE
	case unix.EMFILE:
		return linux.EMFILE
	case unix.ENOTTY:
		return linux.ENOTTY
	case unix.EFBIG:
		return linux.EFBIG
	case unix.ENOSPC:
		return linux.ENOSPC
	case unix.ESPIPE:
		return linux.ESPIPE
	case unix.EROFS:
		return linux.EROFS
	case unix.EMLINK:
		return linux.EMLINK
	case unix.EPIPE:
		return linux.EPIPE
	case unix.ERANGE:
		return linux.ERANGE
	case unix.ENAMETOOLONG:
		return linux.ENAMETOOLONG
	case unix.ENOLCK:
		return linux.ENOLCK
	case unix.ENOSYS:
		return linux.ENOSYS
	case unix.ENOTEMPTY:
		return linux.ENOTEMPTY
	case unix.ELOOP:
		return linux.ELOOP
	case unix.ENODATA:
		return linux.ENODATA
	case unix.EOVERFLOW:
		return linux.EOVERFLOW
	case unix.EOPNOTSUPP:
		return linux.EOPNOTSUPP
	case unix.EDEADLK:
		return linux.EDEADLK
	case unix.ENOATTR:
		return linux.ENODATA
	default:
		return linux.EIO
	}
}
