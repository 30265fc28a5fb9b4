// Package vmconfig parses the on-disk VM configuration file consumed by
// cmd/vmm: guest memory size, vCPU count, and the virtio-fs share list.
// This is the only persisted format this build owns (see spec §6
// "Persisted state: none" at the core-subsystem level); boot-image loading,
// device-tree construction, and guest command-line assembly remain external
// collaborators per §1.
package vmconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const DefaultFilename = "vmm.yaml"

// Share describes one virtio-fs mount exposed to the guest.
type Share struct {
	// Tag is the virtio-fs mount tag the guest's `mount -t virtiofs <tag>`
	// names; it must be unique across a VM's shares.
	Tag string `yaml:"tag"`

	// HostPath is the host directory served as the share's root (FUSE
	// node ID 1 for that share).
	HostPath string `yaml:"hostPath"`

	// Writeback enables writeback caching for this share (passthrough.Config.Writeback).
	Writeback bool `yaml:"writeback,omitempty"`

	// Xattr enables the xattr operation family for this share.
	Xattr bool `yaml:"xattr,omitempty"`

	// ReadOnly rejects any mutating FUSE operation on this share with EROFS
	// before it reaches the host filesystem.
	ReadOnly bool `yaml:"readOnly,omitempty"`
}

// Config is the top-level VM configuration.
type Config struct {
	Version int `yaml:"version"`

	// CPUs is the vCPU count; each gets its own OS thread (spec §5).
	CPUs int `yaml:"cpus"`

	// MemoryMB is the guest RAM size in mebibytes.
	MemoryMB uint64 `yaml:"memoryMB"`

	Shares []Share `yaml:"shares,omitempty"`

	Console ConsoleConfig `yaml:"console,omitempty"`
}

// ConsoleConfig is the console section of the config file. normalize sets
// Enabled to true whatever the file says, and no code outside this package
// reads it: the arm64 vCPU loop has no IO-port console emulation.
type ConsoleConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`
}

const (
	DefaultCPUs     = 1
	DefaultMemoryMB = 1024
	bytesPerMB      = 1024 * 1024
)

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.CPUs == 0 {
		c.CPUs = DefaultCPUs
	}
	if c.MemoryMB == 0 {
		c.MemoryMB = DefaultMemoryMB
	}
	c.Console.Enabled = true
}

// MemorySize returns the guest RAM size in bytes.
func (c Config) MemorySize() uint64 {
	return c.MemoryMB * bytesPerMB
}

// Validate checks the config for the obvious footguns the YAML parser
// itself can't catch: a non-positive CPU/memory count, or two shares
// fighting over the same mount tag.
func (c Config) Validate() error {
	if c.CPUs <= 0 {
		return fmt.Errorf("vmconfig: cpus must be positive, got %d", c.CPUs)
	}
	if c.MemoryMB == 0 {
		return fmt.Errorf("vmconfig: memoryMB must be positive")
	}
	seen := make(map[string]bool, len(c.Shares))
	for _, s := range c.Shares {
		if s.Tag == "" {
			return fmt.Errorf("vmconfig: share with hostPath %q has no tag", s.HostPath)
		}
		if s.HostPath == "" {
			return fmt.Errorf("vmconfig: share %q has no hostPath", s.Tag)
		}
		if seen[s.Tag] {
			return fmt.Errorf("vmconfig: duplicate share tag %q", s.Tag)
		}
		seen[s.Tag] = true
	}
	return nil
}

// Load reads and parses a VM configuration file, applying defaults for any
// zero-valued field and validating the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WriteTemplate writes a starter config file, useful for `vmm init`.
func WriteTemplate(path string, cfg Config) error {
	cfg.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return enc.Close()
}
