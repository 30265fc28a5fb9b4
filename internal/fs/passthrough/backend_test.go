package passthrough

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/coreboxvmm/vmm/internal/devices/virtio"
	linux "github.com/coreboxvmm/vmm/internal/linux/defs/amd64"
)

func newTestBackend(t *testing.T, cfg Config) *Backend {
	t.Helper()
	cfg.RootDir = t.TempDir()
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestBackendCreateWriteReadRoundTrip(t *testing.T) {
	b := newTestBackend(t, DefaultConfig(""))

	nodeID, fh, _, errno := b.Create(rootNodeID, "hello.txt", 0o644, 0, 0, 0, 0)
	if errno != 0 {
		t.Fatalf("Create errno = %d", errno)
	}

	n, errno := b.Write(nodeID, fh, 0, []byte("hi"))
	if errno != 0 || n != 2 {
		t.Fatalf("Write = (%d, %d), want (2, 0)", n, errno)
	}

	data, errno := b.Read(nodeID, fh, 0, 16)
	if errno != 0 {
		t.Fatalf("Read errno = %d", errno)
	}
	if string(data) != "hi" {
		t.Fatalf("Read = %q, want %q", data, "hi")
	}
	b.Release(nodeID, fh)
}

func TestBackendReadOnlyRejectsMutation(t *testing.T) {
	cfg := DefaultConfig("")
	cfg.ReadOnly = true
	b := newTestBackend(t, cfg)

	if _, _, _, errno := b.Create(rootNodeID, "x", 0o644, 0, 0, 0, 0); errno != -int32(linux.EROFS) {
		t.Fatalf("Create on read-only share errno = %d, want -EROFS", errno)
	}
	if _, _, errno := b.Mkdir(rootNodeID, "d", 0o755, 0, 0, 0); errno != -int32(linux.EROFS) {
		t.Fatalf("Mkdir on read-only share errno = %d, want -EROFS", errno)
	}
	if errno := b.unlinkAt(rootNodeID, "x", 0); errno != -int32(linux.EROFS) {
		t.Fatalf("Unlink on read-only share errno = %d, want -EROFS", errno)
	}
}

func TestBackendReadOnlyAllowsOpenForRead(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "existing.txt"), []byte("data"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	cfg := DefaultConfig(dir)
	cfg.ReadOnly = true
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	nodeID, _, errno := b.Lookup(rootNodeID, "existing.txt")
	if errno != 0 {
		t.Fatalf("Lookup errno = %d", errno)
	}

	const oRdonly = 0x0
	if _, errno := b.Open(nodeID, oRdonly); errno != 0 {
		t.Fatalf("read-only Open on a read-only share errno = %d, want 0", errno)
	}

	const oWronly = 0x1
	if _, errno := b.Open(nodeID, oWronly); errno != -int32(linux.EROFS) {
		t.Fatalf("write Open on a read-only share errno = %d, want -EROFS", errno)
	}
}

// TestBackendWritebackUpgradesWriteOnlyOpen covers spec §4.6's writeback
// contract: once FUSE_INIT negotiated writeback caching, a write-only Open
// is upgraded to O_RDWR (so the guest can read back its own buffered
// writes) and O_APPEND is dropped (so a Pwrite at an explicit offset lands
// there instead of always landing at EOF).
func TestBackendWritebackUpgradesWriteOnlyOpen(t *testing.T) {
	cfg := DefaultConfig("")
	cfg.Writeback = true
	b := newTestBackend(t, cfg)
	b.Init() // negotiates writeback caching, setting b.writeback

	nodeID, fh, _, errno := b.Create(rootNodeID, "wb.txt", 0o644, 0, 0, 0, 0)
	if errno != 0 {
		t.Fatalf("Create errno = %d", errno)
	}
	if _, errno := b.Write(nodeID, fh, 0, []byte("AAAA")); errno != 0 {
		t.Fatalf("seed Write errno = %d", errno)
	}
	b.Release(nodeID, fh)

	const (
		oWronly = 0x1
		oAppend = 0o2000
	)
	fh2, errno := b.Open(nodeID, oWronly|oAppend)
	if errno != 0 {
		t.Fatalf("Open errno = %d", errno)
	}
	defer b.Release(nodeID, fh2)

	if _, errno := b.Write(nodeID, fh2, 0, []byte("B")); errno != 0 {
		t.Fatalf("Write at offset 0 errno = %d", errno)
	}

	data, errno := b.Read(nodeID, fh2, 0, 16)
	if errno != 0 {
		t.Fatalf("Read on a writeback-upgraded write-only fd errno = %d, want 0 (readable)", errno)
	}
	if string(data) != "BAAA" {
		t.Fatalf("Read = %q, want %q (O_APPEND must be dropped so offset 0 overwrites)", data, "BAAA")
	}
}

// TestBackendWithoutWritebackLeavesWriteOnlyOpenUnreadable confirms the
// upgrade only fires once writeback caching was actually negotiated: a
// plain write-only Open must still produce a write-only host fd.
func TestBackendWithoutWritebackLeavesWriteOnlyOpenUnreadable(t *testing.T) {
	b := newTestBackend(t, DefaultConfig(""))

	nodeID, fh, _, errno := b.Create(rootNodeID, "nowb.txt", 0o644, 0, 0, 0, 0)
	if errno != 0 {
		t.Fatalf("Create errno = %d", errno)
	}
	b.Release(nodeID, fh)

	const oWronly = 0x1
	fh2, errno := b.Open(nodeID, oWronly)
	if errno != 0 {
		t.Fatalf("Open errno = %d", errno)
	}
	defer b.Release(nodeID, fh2)

	if _, errno := b.Read(nodeID, fh2, 0, 16); errno == 0 {
		t.Fatalf("Read on a plain write-only fd unexpectedly succeeded")
	}
}

func TestBackendBatchForgetReleasesAllNodes(t *testing.T) {
	b := newTestBackend(t, DefaultConfig(""))

	var items []virtio.ForgetItem
	for i, name := range []string{"a", "b", "c"} {
		nodeID, _, _, errno := b.Create(rootNodeID, name, 0o644, 0, 0, 0, 0)
		if errno != 0 {
			t.Fatalf("Create %q: errno %d", name, errno)
		}
		_ = i
		items = append(items, virtio.ForgetItem{NodeID: nodeID, Nlookup: 1})
	}

	b.BatchForget(items)

	for _, it := range items {
		if b.nodes.get(it.NodeID) != nil {
			t.Fatalf("node %d still present after BatchForget", it.NodeID)
		}
	}
}

func TestBackendRenamePlain(t *testing.T) {
	b := newTestBackend(t, DefaultConfig(""))

	if _, _, _, errno := b.Create(rootNodeID, "src.txt", 0o644, 0, 0, 0, 0); errno != 0 {
		t.Fatalf("Create src: errno %d", errno)
	}

	if errno := b.Rename(rootNodeID, "src.txt", rootNodeID, "dst.txt", 0); errno != 0 {
		t.Fatalf("Rename errno = %d, want 0", errno)
	}
	if _, _, errno := b.Lookup(rootNodeID, "dst.txt"); errno != 0 {
		t.Fatalf("Lookup dst.txt after rename: errno %d", errno)
	}
	if _, _, errno := b.Lookup(rootNodeID, "src.txt"); errno != -int32(linux.ENOENT) {
		t.Fatalf("Lookup src.txt after rename: errno %d, want -ENOENT", errno)
	}
}

func TestBackendRenameNoReplaceRejectsExistingTarget(t *testing.T) {
	b := newTestBackend(t, DefaultConfig(""))

	if _, _, _, errno := b.Create(rootNodeID, "src.txt", 0o644, 0, 0, 0, 0); errno != 0 {
		t.Fatalf("Create src: errno %d", errno)
	}
	if _, _, _, errno := b.Create(rootNodeID, "dst.txt", 0o644, 0, 0, 0, 0); errno != 0 {
		t.Fatalf("Create dst: errno %d", errno)
	}

	const renameNoReplace = 0x1
	if errno := b.Rename(rootNodeID, "src.txt", rootNodeID, "dst.txt", renameNoReplace); errno != -int32(linux.EEXIST) {
		t.Fatalf("Rename with RENAME_NOREPLACE onto existing target: errno %d, want -EEXIST", errno)
	}
	if _, _, errno := b.Lookup(rootNodeID, "src.txt"); errno != 0 {
		t.Fatalf("src.txt should survive a rejected rename, errno = %d", errno)
	}
}

func TestBackendRenameNoReplaceAllowsFreshTarget(t *testing.T) {
	b := newTestBackend(t, DefaultConfig(""))

	if _, _, _, errno := b.Create(rootNodeID, "src.txt", 0o644, 0, 0, 0, 0); errno != 0 {
		t.Fatalf("Create src: errno %d", errno)
	}

	const renameNoReplace = 0x1
	if errno := b.Rename(rootNodeID, "src.txt", rootNodeID, "dst.txt", renameNoReplace); errno != 0 {
		t.Fatalf("Rename with RENAME_NOREPLACE onto a fresh name: errno %d, want 0", errno)
	}
	if _, _, errno := b.Lookup(rootNodeID, "dst.txt"); errno != 0 {
		t.Fatalf("Lookup dst.txt after rename: errno %d", errno)
	}
}

func TestBackendRenameExchangeSwapsBothEntries(t *testing.T) {
	b := newTestBackend(t, DefaultConfig(""))

	aID, fh, _, errno := b.Create(rootNodeID, "a.txt", 0o644, 0, 0, 0, 0)
	if errno != 0 {
		t.Fatalf("Create a.txt: errno %d", errno)
	}
	if _, errno := b.Write(aID, fh, 0, []byte("A")); errno != 0 {
		t.Fatalf("Write a.txt: errno %d", errno)
	}
	b.Release(aID, fh)

	bID, fh, _, errno := b.Create(rootNodeID, "b.txt", 0o644, 0, 0, 0, 0)
	if errno != 0 {
		t.Fatalf("Create b.txt: errno %d", errno)
	}
	if _, errno := b.Write(bID, fh, 0, []byte("B")); errno != 0 {
		t.Fatalf("Write b.txt: errno %d", errno)
	}
	b.Release(bID, fh)

	const renameExchange = 0x2
	if errno := b.Rename(rootNodeID, "a.txt", rootNodeID, "b.txt", renameExchange); errno != 0 {
		t.Fatalf("Rename with RENAME_EXCHANGE: errno %d, want 0", errno)
	}

	if _, _, errno := b.Lookup(rootNodeID, "a.txt"); errno != 0 {
		t.Fatalf("a.txt should still exist after exchange, errno = %d", errno)
	}
	if _, _, errno := b.Lookup(rootNodeID, "b.txt"); errno != 0 {
		t.Fatalf("b.txt should still exist after exchange, errno = %d", errno)
	}
}

func TestBackendRenameWhiteoutExchangeRejected(t *testing.T) {
	b := newTestBackend(t, DefaultConfig(""))

	if _, _, _, errno := b.Create(rootNodeID, "a.txt", 0o644, 0, 0, 0, 0); errno != 0 {
		t.Fatalf("Create a.txt: errno %d", errno)
	}
	if _, _, _, errno := b.Create(rootNodeID, "b.txt", 0o644, 0, 0, 0, 0); errno != 0 {
		t.Fatalf("Create b.txt: errno %d", errno)
	}

	const renameWhiteout = 0x4
	const renameExchange = 0x2
	if errno := b.Rename(rootNodeID, "a.txt", rootNodeID, "b.txt", renameWhiteout|renameExchange); errno != -int32(linux.EINVAL) {
		t.Fatalf("Rename with WHITEOUT|EXCHANGE: errno %d, want -EINVAL", errno)
	}
}
