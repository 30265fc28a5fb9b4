// Package passthrough implements a FUSE passthrough filesystem backend for
// virtio-fs: every guest filesystem request is translated into a host
// syscall against a real directory tree on the macOS host running the VM.
package passthrough

import "time"

// CachePolicy controls how aggressively the guest kernel may cache entry and
// attribute metadata between round trips to this backend.
type CachePolicy int

const (
	CachePolicyAuto CachePolicy = iota
	CachePolicyAlways
	CachePolicyNever
)

// Config configures a Backend.
type Config struct {
	// RootDir is the host directory served as the filesystem root (node ID 1).
	RootDir string

	EntryTimeout time.Duration
	AttrTimeout  time.Duration
	CachePolicy  CachePolicy

	// Writeback enables writeback caching: FUSE_OPEN upgrades write-only
	// opens to read/write and FUSE_SETATTR/FUSE_WRITE ordering assumes the
	// guest kernel, not this backend, is the source of truth for size.
	Writeback bool

	// Xattr enables the xattr operation family. When false, setxattr /
	// getxattr / listxattr / removexattr all return EOPNOTSUPP.
	Xattr bool

	// ReadOnly rejects every mutating FUSE request against this share with
	// EROFS before it reaches the host filesystem, leaving Lookup/GetAttr/
	// Read/ReadDir and friends untouched.
	ReadOnly bool

	// LinkAsCloneDirs names directories (by basename, checked at lookup
	// time against the parent) whose children should be hard-linked via
	// clonefile(2) rather than linkat(2) — the package-manager directories
	// (node_modules, site-packages) where this meaningfully reduces copy
	// cost without changing on-disk semantics, since clonefile is
	// copy-on-write on APFS.
	LinkAsCloneDirs []string
}

const defaultCacheTTL = time.Second

// DefaultConfig returns the Config a fresh passthrough mount should start
// from when the caller has no stronger opinion.
func DefaultConfig(rootDir string) Config {
	return Config{
		RootDir:         rootDir,
		EntryTimeout:    defaultCacheTTL,
		AttrTimeout:     defaultCacheTTL,
		CachePolicy:     CachePolicyAuto,
		Xattr:           true,
		LinkAsCloneDirs: []string{"node_modules", "site-packages"},
	}
}
