// Command vmm boots a single guest described by a vmconfig.Config file:
// allocates guest RAM, wires one virtio-fs device per configured share, and
// runs the vCPU loop until the guest halts or reboots. Boot-image loading,
// device-tree construction, and guest command-line assembly are out of
// scope here (see internal/vmconfig's package doc) — the kernel image is
// loaded as a raw flat binary at the guest's reset PC.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/coreboxvmm/vmm/internal/devices/virtio"
	"github.com/coreboxvmm/vmm/internal/fs/passthrough"
	"github.com/coreboxvmm/vmm/internal/hv"
	"github.com/coreboxvmm/vmm/internal/hv/factory"
	"github.com/coreboxvmm/vmm/internal/vmconfig"
)

// guestResetPC is where the vCPU's PC is set to on boot; the raw kernel
// image is loaded starting at the guest RAM base, which on ARM64 doubles
// as the image's entry point for the flat-binary images this loader
// accepts.
const guestResetPC = 0x80000000

// armEL1hPstate selects EL1h (SPSel=1) with the D, A, I and F interrupt
// masks set, matching the PSTATE a Linux ARM64 kernel expects at entry.
const armEL1hPstate = 0x3c5

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vmm: %v\n", err)
		os.Exit(1)
	}
}

type uint32Flag struct {
	v   uint32
	set bool
}

func (f *uint32Flag) String() string { return strconv.FormatUint(uint64(f.v), 10) }

func (f *uint32Flag) Set(s string) error {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return err
	}
	f.v = uint32(v)
	f.set = true
	return nil
}

func run() error {
	configPath := flag.String("config", vmconfig.DefaultFilename, "VM configuration file")
	initFlag := flag.Bool("init", false, "Write a starter configuration file to -config and exit")
	kernelPath := flag.String("kernel", "", "Path to a raw flat kernel image loaded at the guest reset address")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	quiet := flag.Bool("quiet", false, "Suppress the boot progress bar")
	var cpusOverride uint32Flag
	flag.Var(&cpusOverride, "cpus", "Override the vCPU count from -config")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Run a VM described by a vmconfig file.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *initFlag {
		if err := vmconfig.WriteTemplate(*configPath, vmconfig.Config{
			CPUs:     vmconfig.DefaultCPUs,
			MemoryMB: vmconfig.DefaultMemoryMB,
		}); err != nil {
			return fmt.Errorf("write template config: %w", err)
		}
		slog.Info("wrote starter config", "path", *configPath)
		return nil
	}

	if *kernelPath == "" {
		flag.Usage()
		return fmt.Errorf("-kernel is required")
	}

	cfg, err := vmconfig.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cpusOverride.set {
		cfg.CPUs = int(cpusOverride.v)
	}

	kernel, err := os.ReadFile(*kernelPath)
	if err != nil {
		return fmt.Errorf("read kernel image: %w", err)
	}
	if uint64(len(kernel)) > cfg.MemorySize() {
		return fmt.Errorf("kernel image (%d bytes) does not fit in %d bytes of guest RAM", len(kernel), cfg.MemorySize())
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	hyp, err := factory.OpenWithArchitecture(hv.ArchitectureARM64)
	if err != nil {
		return fmt.Errorf("open hypervisor: %w", err)
	}
	defer hyp.Close()

	var bar *progressbar.ProgressBar
	if !*quiet {
		bar = progressbar.Default(int64(len(cfg.Shares)) + 2)
		defer bar.Close()
	}
	advance := func(desc string) {
		slog.Info(desc)
		if bar != nil {
			bar.Add(1)
		}
	}

	vmConfig := hv.SimpleVMConfig{
		NumCPUs:          cfg.CPUs,
		MemSize:          cfg.MemorySize(),
		MemBase:          guestResetPC,
		InterruptSupport: true,
		CreateVMWithMemory: func(vm hv.VirtualMachine) error {
			advance("loading kernel image")
			if _, err := vm.WriteAt(kernel, guestResetPC); err != nil {
				return fmt.Errorf("write kernel image: %w", err)
			}

			// Each share's New does a host Lstat of its root; mounting them
			// concurrently keeps a VM with many shares from paying for that
			// round trip serially.
			backends := make([]*passthrough.Backend, len(cfg.Shares))
			var g errgroup.Group
			for i, share := range cfg.Shares {
				i, share := i, share
				g.Go(func() error {
					pcfg := passthrough.DefaultConfig(share.HostPath)
					pcfg.Writeback = share.Writeback
					pcfg.Xattr = share.Xattr
					pcfg.ReadOnly = share.ReadOnly

					backend, err := passthrough.New(pcfg)
					if err != nil {
						return fmt.Errorf("share %q: mount %s: %w", share.Tag, share.HostPath, err)
					}
					backends[i] = backend
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			for i, share := range cfg.Shares {
				tmpl := virtio.FSTemplate{
					Tag:      share.Tag,
					Backend:  backends[i],
					MMIOBase: virtio.FsDefaultMMIOBase + uint64(i)*virtio.FsDefaultMMIOSize,
					IRQLine:  virtio.FsDefaultIRQLine + uint32(i),
				}
				if _, err := vm.AddDeviceFromTemplate(tmpl); err != nil {
					return fmt.Errorf("share %q: add virtio-fs device: %w", share.Tag, err)
				}
				advance(fmt.Sprintf("mounted share %q at %s", share.Tag, share.HostPath))
			}
			return nil
		},
	}

	vm, err := hyp.NewVirtualMachine(vmConfig)
	if err != nil {
		return fmt.Errorf("create virtual machine: %w", err)
	}
	defer vm.Close()

	advance("starting vcpus")

	runCfg := &bootRunConfig{}
	if cfg.CPUs > 1 {
		runner, ok := vm.(runAller)
		if !ok {
			return fmt.Errorf("hypervisor backend does not support multi-vCPU VMs")
		}
		if err := runner.RunAll(ctx, runCfg); err != nil && !isCleanShutdown(err) {
			return fmt.Errorf("run vm: %w", err)
		}
		return nil
	}

	if err := vm.Run(ctx, runCfg); err != nil && !isCleanShutdown(err) {
		return fmt.Errorf("run vm: %w", err)
	}
	return nil
}

// runAller is satisfied by hypervisor backends that support running more
// than one vCPU concurrently. It is intentionally not part of
// hv.VirtualMachine: a test fake backing that interface need not implement
// SMP coordination to be useful.
type runAller interface {
	RunAll(ctx context.Context, cfg hv.RunConfig) error
}

// bootRunConfig implements hv.RunConfig for the single boot image this
// command loads: vCPU 0 starts at the reset PC with the rest of its
// register state zeroed and PSTATE set to EL1h; any secondary vCPU parks
// until the guest itself brings it up via PSCI, same as a real SMP Linux
// boot.
type bootRunConfig struct {
	primaryStarted bool
}

func (c *bootRunConfig) Run(ctx context.Context, vcpu hv.VirtualCPU) error {
	if vcpu.ID() == 0 && !c.primaryStarted {
		c.primaryStarted = true
		if err := vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
			hv.RegisterARM64Pc:     hv.Register64(guestResetPC),
			hv.RegisterARM64X0:     hv.Register64(0),
			hv.RegisterARM64Pstate: hv.Register64(armEL1hPstate),
		}); err != nil {
			return fmt.Errorf("set initial registers: %w", err)
		}
	}

	for {
		if err := vcpu.Run(ctx); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// isCleanShutdown reports whether err represents the guest halting or
// rebooting on its own rather than a host-side failure.
func isCleanShutdown(err error) bool {
	return errors.Is(err, hv.ErrVMHalted) ||
		errors.Is(err, hv.ErrGuestRequestedReboot) ||
		errors.Is(err, context.Canceled)
}
