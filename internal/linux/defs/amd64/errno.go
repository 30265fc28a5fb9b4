// Package amd64 holds the small set of Linux-guest-facing numeric constants
// (errno values, fcntl/utimensat sentinels) that the virtio-fs FUSE reply
// path needs to speak the guest kernel's ABI. These are architecture
// invariant on Linux (the errno numbering is shared across amd64/arm64), so
// the same table backs an ARM64 guest; the package path is kept as the
// teacher repository named it.
package amd64

// Errno is a Linux errno value as seen by the guest kernel.
type Errno uint32

const (
	EPERM   Errno = 1
	ENOENT  Errno = 2
	EIO     Errno = 5
	ENXIO   Errno = 6
	EAGAIN  Errno = 11
	EACCES  Errno = 13
	EEXIST  Errno = 17
	EXDEV   Errno = 18
	ENODEV  Errno = 19
	ENOTDIR Errno = 20
	EISDIR  Errno = 21
	EINVAL  Errno = 22
	ENFILE  Errno = 23
	EFBIG   Errno = 27
	ENOSPC  Errno = 28
	EROFS   Errno = 30
	ERANGE  Errno = 34
	ENOSYS  Errno = 38
	ENOTEMPTY Errno = 39
	ENOTTY  Errno = 25
	ENOTSUP Errno = 95
	EOPNOTSUPP Errno = 95
	EDEADLK Errno = 35
	EBADF   Errno = 9
	EINTR   Errno = 4
	ENOMEM  Errno = 12
	EBUSY   Errno = 16
	EMFILE  Errno = 24
	ESPIPE  Errno = 29
	EMLINK  Errno = 31
	EPIPE   Errno = 32
	ENAMETOOLONG Errno = 36
	ENOLCK  Errno = 37
	ELOOP   Errno = 40
	ENODATA Errno = 61
	EOVERFLOW Errno = 75
)

// utimensat sentinel values for tv_nsec (include/uapi/linux/stat.h via utimes(2)).
const (
	UTIME_NOW  = 0x3fffffff
	UTIME_OMIT = 0x3ffffffe
)
