//go:build darwin && arm64

package hvf

import (
	"fmt"

	"github.com/coreboxvmm/vmm/internal/hv"
)

// Fixed GICv3 distributor/redistributor placement in guest physical address
// space. HVF's native hv_gic_create is never invoked: these addresses are
// ours to pick, not queried from the hypervisor, since the distributor and
// redistributor are both emulated in software by gicEmulator.
const (
	arm64GICDistributorBase   = 0x08000000
	arm64GICDistributorSize   = 0x10000
	arm64GICRedistributorBase = 0x080a0000
	// Each redistributor occupies two 64KB frames (RD_base + SGI_base); size
	// the region to cover every vCPU the VM can ever have.
	arm64GICRedistributorFrameSize = 0x20000
	arm64GICSPIBase                = 32
	arm64GICSPICount               = 960
)

var arm64GICMaintenanceInterrupt = hv.Arm64Interrupt{Type: 1, Num: 9, Flags: 0xF04}

// configureGIC sets up the VM's paravirtualized GICv3. Unlike HVF's native
// hv_gic_create/hv_gic_config_* acceleration, the distributor, redistributor
// and CPU-interface (ICC_*) state are never handed to the hypervisor: every
// access is trapped (MMIO for the distributor/redistributor, system-register
// traps for ICC_*) and answered by gicEmulator. This is what makes the GIC
// paravirtualized rather than passthrough: a guest driver talking to it sees
// a GICv3, but every register access round-trips through our own emulation.
func (h *hypervisor) configureGIC(vm *virtualMachine, config hv.VMConfig) error {
	if vm == nil {
		return fmt.Errorf("hvf: configure GIC on nil VM")
	}

	if !config.NeedsInterruptSupport() {
		return nil
	}

	vm.gicInfo = hv.Arm64GICInfo{
		Version:              hv.Arm64GICVersion3,
		DistributorBase:      uint64(arm64GICDistributorBase),
		DistributorSize:      uint64(arm64GICDistributorSize),
		RedistributorBase:    uint64(arm64GICRedistributorBase),
		RedistributorSize:    uint64(arm64GICRedistributorFrameSize * config.CPUCount()),
		MaintenanceInterrupt: arm64GICMaintenanceInterrupt,
	}
	vm.gicSPIBase = arm64GICSPIBase
	vm.gicSPICount = arm64GICSPICount
	vm.gicConfigured = true

	return vm.addGICEmulator()
}
