package vmconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vmm.yaml")
	if err := os.WriteFile(path, []byte("version: 1\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.CPUs != DefaultCPUs {
		t.Errorf("CPUs = %d, want %d", cfg.CPUs, DefaultCPUs)
	}
	if cfg.MemoryMB != DefaultMemoryMB {
		t.Errorf("MemoryMB = %d, want %d", cfg.MemoryMB, DefaultMemoryMB)
	}
	if !cfg.Console.Enabled {
		t.Error("Console.Enabled should default to true")
	}
	if got, want := cfg.MemorySize(), uint64(DefaultMemoryMB)*bytesPerMB; got != want {
		t.Errorf("MemorySize() = %d, want %d", got, want)
	}
}

func TestLoadParsesShares(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vmm.yaml")
	content := `version: 1
cpus: 4
memoryMB: 4096
shares:
  - tag: root
    hostPath: /Users/me/project
    writeback: true
  - tag: cache
    hostPath: /Users/me/.cache
    readOnly: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.CPUs != 4 {
		t.Errorf("CPUs = %d, want 4", cfg.CPUs)
	}
	if len(cfg.Shares) != 2 {
		t.Fatalf("Shares length = %d, want 2", len(cfg.Shares))
	}
	if cfg.Shares[0].Tag != "root" || !cfg.Shares[0].Writeback {
		t.Errorf("Shares[0] = %+v", cfg.Shares[0])
	}
	if cfg.Shares[1].Tag != "cache" || !cfg.Shares[1].ReadOnly {
		t.Errorf("Shares[1] = %+v", cfg.Shares[1])
	}
}

func TestValidateRejectsDuplicateTags(t *testing.T) {
	cfg := Config{
		CPUs:     1,
		MemoryMB: 1024,
		Shares: []Share{
			{Tag: "root", HostPath: "/a"},
			{Tag: "root", HostPath: "/b"},
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate should reject duplicate share tags")
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no cpus", Config{CPUs: 0, MemoryMB: 1024}},
		{"no memory", Config{CPUs: 1, MemoryMB: 0}},
		{"share without tag", Config{CPUs: 1, MemoryMB: 1024, Shares: []Share{{HostPath: "/a"}}}},
		{"share without host path", Config{CPUs: 1, MemoryMB: 1024, Shares: []Share{{Tag: "root"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate(%+v) should fail", tt.cfg)
			}
		})
	}
}

func TestWriteTemplateRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vmm.yaml")

	want := Config{
		CPUs:     2,
		MemoryMB: 2048,
		Shares: []Share{
			{Tag: "root", HostPath: "/srv/project"},
		},
	}
	if err := WriteTemplate(path, want); err != nil {
		t.Fatalf("WriteTemplate failed: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load after WriteTemplate failed: %v", err)
	}
	if got.CPUs != want.CPUs || got.MemoryMB != want.MemoryMB {
		t.Errorf("got = %+v, want %+v", got, want)
	}
	if len(got.Shares) != 1 || got.Shares[0].Tag != "root" {
		t.Errorf("Shares round-trip failed: %+v", got.Shares)
	}
}
