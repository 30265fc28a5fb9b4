package passthrough

import (
	"hash/maphash"
	"sync"
	"sync/atomic"
)

// nodeFlags mirrors a node's inherited/derived behavior flags.
type nodeFlags uint32

const (
	// flagLinkAsClone marks a node (a directory) whose children should be
	// hard-linked via clonefile(2) rather than linkat(2).
	flagLinkAsClone nodeFlags = 1 << iota
	// flagNoSyncIO names a node backed by a non-local filesystem. No code
	// path sets or checks it: requests are not rejected with EDEADLK on its
	// account, since the dispatcher has no synchronous hypercall path.
	flagNoSyncIO
)

type devIno struct {
	dev int32
	ino uint64
}

// nodeData is one FUSE node: the (dev,ino) identity the host filesystem
// assigned it, its FUSE lookup refcount, and — when the backing mount
// doesn't support the /.vol/<dev>/<ino> shortcut — an open O_EVTONLY fd used
// to re-derive its current path even across renames.
type nodeData struct {
	nodeID uint64

	mu  sync.RWMutex
	key devIno

	refcount atomic.Uint64

	flags nodeFlags
	nlink uint32

	// fd is the kept-open O_EVTONLY|O_SYMLINK descriptor, or -1 if this
	// node relies on the /.vol shortcut instead.
	fd int

	// parentID and name are the node's parent and in-parent basename at the
	// time it was minted, used only for stale-dentry refresh: an out-of-band
	// replace that reuses a path but not an inode leaves this node's key
	// pointing at a now-gone (dev,ino), and the only way back is to re-walk
	// parent+name. The root node has parentID == 0.
	parentID uint64
	name     string
}

func (n *nodeData) getKey() devIno {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.key
}

func (n *nodeData) hasFd() bool { return n.fd >= 0 }

const nodeShardCount = 16

type nodeShard struct {
	mu sync.RWMutex
	m  map[uint64]*nodeData
}

type altShard struct {
	mu sync.RWMutex
	m  map[devIno]uint64 // devIno -> nodeID
}

// nodeTable is the sharded concurrent node table: a primary index by node
// ID and an alternate index by (dev,ino) so that a second lookup of an
// already-known file reuses its node ID instead of minting a new one.
type nodeTable struct {
	seed maphash.Seed

	primary [nodeShardCount]nodeShard
	alt     [nodeShardCount]altShard

	nextNodeID atomic.Uint64
}

const rootNodeID = 1

func newNodeTable() *nodeTable {
	t := &nodeTable{seed: maphash.MakeSeed()}
	for i := range t.primary {
		t.primary[i].m = make(map[uint64]*nodeData)
	}
	for i := range t.alt {
		t.alt[i].m = make(map[devIno]uint64)
	}
	t.nextNodeID.Store(rootNodeID + 1)
	return t
}

func (t *nodeTable) primaryShard(nodeID uint64) *nodeShard {
	return &t.primary[nodeID%nodeShardCount]
}

func (t *nodeTable) altShard(key devIno) *altShard {
	var h maphash.Hash
	h.SetSeed(t.seed)
	var buf [12]byte
	buf[0] = byte(key.dev)
	buf[1] = byte(key.dev >> 8)
	buf[2] = byte(key.dev >> 16)
	buf[3] = byte(key.dev >> 24)
	for i := 0; i < 8; i++ {
		buf[4+i] = byte(key.ino >> (8 * i))
	}
	h.Write(buf[:])
	return &t.alt[h.Sum64()%nodeShardCount]
}

// insertRoot seeds the table with the root node, pinned with an extra
// reference so it can never be forgotten away.
func (t *nodeTable) insertRoot(key devIno, nlink uint32) {
	node := &nodeData{nodeID: rootNodeID, key: key, nlink: nlink, fd: -1, parentID: 0}
	node.refcount.Store(2)

	ps := t.primaryShard(rootNodeID)
	ps.mu.Lock()
	ps.m[rootNodeID] = node
	ps.mu.Unlock()

	as := t.altShard(key)
	as.mu.Lock()
	as.m[key] = rootNodeID
	as.mu.Unlock()
}

// get returns the node for a node ID, or nil if it doesn't exist (EBADF:
// the guest is referencing a node ID we never handed out, or one that has
// already been forgotten away).
func (t *nodeTable) get(nodeID uint64) *nodeData {
	ps := t.primaryShard(nodeID)
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.m[nodeID]
}

// lookupAlt finds an existing node by (dev,ino), bumping its refcount by one
// on success — the "there is already a nodeid for this (dev,ino)" path of
// finish_lookup.
func (t *nodeTable) lookupAlt(key devIno) *nodeData {
	as := t.altShard(key)
	as.mu.RLock()
	nodeID, ok := as.m[key]
	as.mu.RUnlock()
	if !ok {
		return nil
	}
	node := t.get(nodeID)
	if node == nil {
		// The alt entry outlived a forget race; treat as a miss so the
		// caller mints a fresh node instead.
		return nil
	}
	node.refcount.Add(1)
	return node
}

// insertNew allocates a fresh node ID and inserts it under both indices,
// unless a concurrent insert already won the race for this (dev,ino), in
// which case the winner's node is returned (with its refcount bumped) and
// the fresh ID is discarded.
func (t *nodeTable) insertNew(key devIno, flags nodeFlags, nlink uint32, fd int, parentID uint64, name string) *nodeData {
	as := t.altShard(key)
	as.mu.Lock()
	if existingID, ok := as.m[key]; ok {
		as.mu.Unlock()
		if existing := t.get(existingID); existing != nil {
			existing.refcount.Add(1)
			if fd >= 0 {
				closeFd(fd)
			}
			return existing
		}
		// The alt entry outlived a forget race (existingID's node is gone
		// but the alt mapping wasn't cleaned up yet): reacquire the lock so
		// the fresh insert below still holds it exactly once.
		as.mu.Lock()
	}

	nodeID := t.nextNodeID.Add(1) - 1
	node := &nodeData{nodeID: nodeID, key: key, flags: flags, nlink: nlink, fd: fd, parentID: parentID, name: name}
	node.refcount.Store(1)
	as.m[key] = nodeID
	as.mu.Unlock()

	ps := t.primaryShard(nodeID)
	ps.mu.Lock()
	ps.m[nodeID] = node
	ps.mu.Unlock()

	return node
}

// rebind rewrites a node's (dev,ino) key after a stale-dentry refresh
// discovers the path now resolves to a different inode: the alt index entry
// moves from the old key to the new one so future lookupAlt/forget calls
// find the node under its current identity.
func (t *nodeTable) rebind(node *nodeData, newKey devIno) {
	oldKey := node.getKey()
	if oldKey == newKey {
		return
	}

	oldShard := t.altShard(oldKey)
	oldShard.mu.Lock()
	if oldShard.m[oldKey] == node.nodeID {
		delete(oldShard.m, oldKey)
	}
	oldShard.mu.Unlock()

	node.mu.Lock()
	node.key = newKey
	node.mu.Unlock()

	newShard := t.altShard(newKey)
	newShard.mu.Lock()
	newShard.m[newKey] = node.nodeID
	newShard.mu.Unlock()
}

// forget decrements a node's refcount by count and, if it reaches zero,
// removes the node from both indices and returns the fd that should be
// closed (or -1 if none was held). The alt index is dropped first, then the
// primary entry, matching finish_lookup's own removal order so that a
// concurrent lookupAlt never observes an alt entry whose primary node is
// already gone.
func (t *nodeTable) forget(nodeID uint64, count uint64) (closedFd int) {
	node := t.get(nodeID)
	if node == nil {
		return -1
	}
	if node.refcount.Add(-count) != 0 { // unsigned wraparound decrement
		return -1
	}
	if node.nodeID == rootNodeID {
		// Should not happen: the root's pinned +1 reference means its
		// count never reaches zero from forgets alone.
		return -1
	}

	key := node.getKey()
	as := t.altShard(key)
	as.mu.Lock()
	if as.m[key] == nodeID {
		delete(as.m, key)
	}
	as.mu.Unlock()

	ps := t.primaryShard(nodeID)
	ps.mu.Lock()
	delete(ps.m, nodeID)
	ps.mu.Unlock()

	return node.fd
}
