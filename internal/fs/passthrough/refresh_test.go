package passthrough

import "testing"

func TestNodeTableRebindMovesAltEntry(t *testing.T) {
	nt := newNodeTable()
	oldKey := devIno{dev: 1, ino: 100}
	newKey := devIno{dev: 1, ino: 200}
	node := nt.insertNew(oldKey, 0, 1, -1, rootNodeID, "f")

	nt.rebind(node, newKey)

	if nt.lookupAlt(oldKey) != nil {
		t.Fatalf("old key should no longer resolve after rebind")
	}
	if found := nt.lookupAlt(newKey); found == nil || found.nodeID != node.nodeID {
		t.Fatalf("new key should resolve to the rebound node")
	}
	if node.getKey() != newKey {
		t.Fatalf("node.getKey() = %+v, want %+v", node.getKey(), newKey)
	}
}

func TestNodeTableRebindNoopWhenKeyUnchanged(t *testing.T) {
	nt := newNodeTable()
	key := devIno{dev: 1, ino: 100}
	node := nt.insertNew(key, 0, 1, -1, rootNodeID, "f")

	nt.rebind(node, key)

	if found := nt.lookupAlt(key); found == nil || found.nodeID != node.nodeID {
		t.Fatalf("rebinding to the same key should leave the node resolvable")
	}
}
