package passthrough

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// dirStream holds the getdirentries(2) scan position for one open directory
// handle: basep is the opaque host cookie used to resume the kernel-side
// iterator, buf/bufOff hold host dirents already read but not yet consumed
// by a FUSE_READDIR reply, and emitted is the guest-visible "off" cookie
// (a plain sequential count, not the host's telldir cookie).
type dirStream struct {
	basep   uintptr
	buf     []byte
	bufOff  int
	emitted uint64
	eof     bool
}

// handleData is one open FUSE file handle: a host fd plus, for directories,
// the lazily-created scan state above. The Rust original opens the dir
// stream lazily too, so a plain opendir+releasedir round trip (common when
// the guest only wants to check permissions) never pays for a getdirentries
// call.
type handleData struct {
	nodeID uint64
	fd     int
	isDir  bool

	mu  sync.Mutex
	dir *dirStream
}

func (h *handleData) lockedDir() *dirStream {
	if h.dir == nil {
		h.dir = &dirStream{}
	}
	return h.dir
}

type handleTable struct {
	mu   sync.RWMutex
	m    map[uint64]*handleData
	next atomic.Uint64
}

func newHandleTable() *handleTable {
	return &handleTable{m: make(map[uint64]*handleData)}
}

func (t *handleTable) insert(nodeID uint64, fd int, isDir bool) uint64 {
	h := t.next.Add(1)
	t.mu.Lock()
	t.m[h] = &handleData{nodeID: nodeID, fd: fd, isDir: isDir}
	t.mu.Unlock()
	return h
}

func (t *handleTable) get(h uint64) *handleData {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.m[h]
}

// release removes a handle (only if it belongs to nodeID, matching the
// original's defense against a guest passing a stale/mismatched fh) and
// closes its fd.
func (t *handleTable) release(nodeID, h uint64) bool {
	t.mu.Lock()
	data, ok := t.m[h]
	if ok && data.nodeID == nodeID {
		delete(t.m, h)
	} else {
		ok = false
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	_ = unix.Close(data.fd)
	return true
}
