package passthrough

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// pathFor turns a node's identity into a path the host syscalls below can
// open: when the node holds a kept-open fd, the current path is re-derived
// from that fd via F_GETPATH (so renames are transparent); otherwise the
// macOS /.vol/<dev>/<ino> shortcut addresses the file directly without
// walking any directory names at all.
func (b *Backend) pathFor(node *nodeData) (string, error) {
	if node.hasFd() {
		return getPathByFd(node.fd)
	}
	key := node.getKey()
	return fmt.Sprintf("/.vol/%d/%d", key.dev, key.ino), nil
}

// pathForChild resolves a (parent, name) pair the same way, for operations
// that haven't looked the child up yet (lookup itself, create, mkdir, ...).
func (b *Backend) pathForChild(parent *nodeData, name string) (string, error) {
	parentPath, err := b.pathFor(parent)
	if err != nil {
		return "", err
	}
	return parentPath + "/" + name, nil
}

const maxGetPathLen = 1024 // MAXPATHLEN

// getPathByFd resolves an open descriptor's current path via fcntl(fd,
// F_GETPATH, buf). golang.org/x/sys/unix does not expose a buffer-taking
// Fcntl wrapper on darwin, so this goes through the raw syscall the same
// way the clonefile(2) call in fallbackClonefile does.
func getPathByFd(fd int) (string, error) {
	var buf [maxGetPathLen]byte
	_, _, errno := unix.Syscall(unix.SYS_FCNTL, uintptr(fd), uintptr(unix.F_GETPATH), uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return "", errno
	}
	n := indexByte(buf[:], 0)
	if n < 0 {
		n = len(buf)
	}
	return string(buf[:n]), nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func closeFd(fd int) {
	if fd >= 0 {
		_ = unix.Close(fd)
	}
}

// volfsSupport caches, per host device number, whether that mount supports
// the /.vol/<dev>/<ino> shortcut (MNT_DOVOLFS). statfs never triggers the
// sandbox/TCC prompting that open() would, so this check is cheap and safe
// to do eagerly.
type volfsSupport struct {
	mu sync.RWMutex
	m  map[int32]bool
}

func newVolfsSupport() *volfsSupport {
	return &volfsSupport{m: make(map[int32]bool)}
}

func (v *volfsSupport) supports(dev int32, path string) (bool, error) {
	v.mu.RLock()
	supported, ok := v.m[dev]
	v.mu.RUnlock()
	if ok {
		return supported, nil
	}

	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return false, err
	}
	supported = st.Flags&unix.MNT_DOVOLFS != 0

	v.mu.Lock()
	v.m[dev] = supported
	v.mu.Unlock()
	return supported, nil
}

// fallbackClonefile invokes clonefile(2) directly: x/sys/unix does not wrap
// this Darwin-only syscall, so this calls through unix.Syscall the same way
// getPathByFd above reaches F_GETPATH.
func fallbackClonefile(src, dst string, flags int) error {
	srcPtr, err := unix.BytePtrFromString(src)
	if err != nil {
		return err
	}
	dstPtr, err := unix.BytePtrFromString(dst)
	if err != nil {
		return err
	}
	_, _, errno := unix.Syscall(unix.SYS_CLONEFILEAT, uintptr(unsafe.Pointer(srcPtr)), uintptr(unsafe.Pointer(dstPtr)), uintptr(flags))
	if errno != 0 {
		return errno
	}
	return nil
}

// fallbackRenamex invokes renameatx_np(2) (the only kernel entry point for
// what libc exposes as renamex_np) directly: x/sys/unix does not wrap this
// Darwin-only syscall either, so this reaches it the same way
// fallbackClonefile reaches clonefileat(2).
func fallbackRenamex(src, dst string, flags uint32) error {
	srcPtr, err := unix.BytePtrFromString(src)
	if err != nil {
		return err
	}
	dstPtr, err := unix.BytePtrFromString(dst)
	if err != nil {
		return err
	}
	_, _, errno := unix.Syscall6(unix.SYS_RENAMEATX_NP, uintptr(unix.AT_FDCWD), uintptr(unsafe.Pointer(srcPtr)), uintptr(unix.AT_FDCWD), uintptr(unsafe.Pointer(dstPtr)), uintptr(flags), 0)
	if errno != 0 {
		return errno
	}
	return nil
}
