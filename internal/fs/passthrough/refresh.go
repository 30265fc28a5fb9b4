package passthrough

import "golang.org/x/sys/unix"

// refreshStale implements the node-table side of stale-dentry recovery: an
// out-of-band replace (rm + recreate) can leave a node's (dev,ino) key
// pointing at an inode that no longer exists at that path, even though the
// path itself is still live under a new inode. Re-walking the node's
// recorded parent+name finds the new inode and rebinds the node to it in
// place, so the guest's existing node ID keeps working instead of the next
// lookup minting a second node for the same path.
//
// If the child lstat comes back ENOENT, the refresh recurses into the parent
// (which may in turn recurse into its own parent) and, if that rebound the
// parent, retries the child lstat once before giving up.
func (b *Backend) refreshStale(node *nodeData) bool {
	if node.parentID == 0 {
		return false // root can't be stale: it has no parent to re-walk from.
	}
	parent := b.nodes.get(node.parentID)
	if parent == nil {
		return false
	}

	st, err := b.lstatChild(parent, node.name)
	if err == unix.ENOENT && b.refreshStale(parent) {
		st, err = b.lstatChild(parent, node.name)
	}
	if err != nil {
		return false
	}

	newKey := devIno{dev: st.Dev, ino: st.Ino}
	if newKey == node.getKey() {
		return false
	}
	b.nodes.rebind(node, newKey)
	return true
}

func (b *Backend) lstatChild(parent *nodeData, name string) (unix.Stat_t, error) {
	var st unix.Stat_t
	parentPath, err := b.pathFor(parent)
	if err != nil {
		return st, err
	}
	err = unix.Lstat(parentPath+"/"+name, &st)
	return st, err
}

// withRefresh resolves node's current path, runs op against it, and — per
// the "any operation that resolves the path and returns ENOENT triggers one
// retry" rule — retries op exactly once against the refreshed path if the
// first attempt came back ENOENT and refreshStale actually rebound the node.
func withRefresh[T any](b *Backend, node *nodeData, op func(path string) (T, error)) (T, error) {
	var zero T
	path, err := b.pathFor(node)
	if err != nil {
		return zero, err
	}
	res, err := op(path)
	if err == unix.ENOENT && b.refreshStale(node) {
		if path, err = b.pathFor(node); err == nil {
			return op(path)
		}
	}
	return res, err
}
