//go:build darwin && arm64

package hvf

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coreboxvmm/vmm/internal/hv"
	"github.com/coreboxvmm/vmm/internal/hv/hvf/bindings"
)

// GICv3 register offsets within the redistributor (per-CPU region)
const (
	// RD_base (first 64KB of each redistributor)
	gicrCtlr      = 0x0000 // Redistributor Control Register
	gicrIidr      = 0x0004 // Implementer Identification Register
	gicrTyper     = 0x0008 // Redistributor Type Register
	gicrStatusr   = 0x0010 // Error Reporting Status Register
	gicrWaker     = 0x0014 // Redistributor Wake Register
	gicrPropbaser = 0x0070 // LPI Configuration Table Address
	gicrPendbaser = 0x0078 // LPI Pending Table Address

	// SGI_base (second 64KB of each redistributor)
	gicrSGIOffset  = 0x10000
	gicrIgroupr0   = gicrSGIOffset + 0x0080 // Interrupt Group Register 0
	gicrIsenabler0 = gicrSGIOffset + 0x0100 // Interrupt Set-Enable Register 0
	gicrIcenabler0 = gicrSGIOffset + 0x0180 // Interrupt Clear-Enable Register 0
	gicrIspendr0   = gicrSGIOffset + 0x0200 // Interrupt Set-Pending Register 0
	gicrIcpendr0   = gicrSGIOffset + 0x0280 // Interrupt Clear-Pending Register 0
	gicrIsactiver0 = gicrSGIOffset + 0x0300 // Interrupt Set-Active Register 0
	gicrIcactiver0 = gicrSGIOffset + 0x0380 // Interrupt Clear-Active Register 0
	gicrIpriorityr = gicrSGIOffset + 0x0400 // Interrupt Priority Registers (0-7)
	gicrIcfgr0     = gicrSGIOffset + 0x0C00 // Interrupt Configuration Register 0
	gicrIcfgr1     = gicrSGIOffset + 0x0C04 // Interrupt Configuration Register 1
	gicrIgrpmodr0  = gicrSGIOffset + 0x0D00 // Interrupt Group Modifier Register 0
	gicrNsacr      = gicrSGIOffset + 0x0E00 // Non-secure Access Control Register

	// Peripheral ID registers (at the end of each 64KB block)
	gicrPidr2RDBase  = 0xFFE8                 // Peripheral ID 2 (RD_base)
	gicrPidr2SGIBase = gicrSGIOffset + 0xFFE8 // Peripheral ID 2 (SGI_base)

	// GIC Distributor offsets
	gicdCtlr       = 0x0000 // Distributor Control Register
	gicdTyper      = 0x0004 // Interrupt Controller Type Register
	gicdIidr       = 0x0008 // Distributor Implementer Identification Register
	gicdTyper2     = 0x000C // Interrupt Controller Type Register 2
	gicdStatusr    = 0x0010 // Error Reporting Status Register
	gicdSetspi_nsr = 0x0040 // Set SPI Register (Non-secure)
	gicdClrspi_nsr = 0x0048 // Clear SPI Register (Non-secure)
	gicdIgroupr    = 0x0080 // Interrupt Group Registers
	gicdIsenabler  = 0x0100 // Interrupt Set-Enable Registers
	gicdIcenabler  = 0x0180 // Interrupt Clear-Enable Registers
	gicdIspendr    = 0x0200 // Interrupt Set-Pending Registers
	gicdIcpendr    = 0x0280 // Interrupt Clear-Pending Registers
	gicdIsactiver  = 0x0300 // Interrupt Set-Active Registers
	gicdIcactiver  = 0x0380 // Interrupt Clear-Active Registers
	gicdIpriorityr = 0x0400 // Interrupt Priority Registers
	gicdItargetsr  = 0x0800 // Interrupt Processor Targets Registers (GICv2 compat)
	gicdIcfgr      = 0x0C00 // Interrupt Configuration Registers
	gicdIgrpmodr   = 0x0D00 // Interrupt Group Modifier Registers
	gicdNsacr      = 0x0E00 // Non-secure Access Control Registers
	gicdIrouter    = 0x6000 // Interrupt Routing Registers
	gicdPidr2      = 0xFFE8 // Peripheral ID 2

	// Architecture version in PIDR2
	gicArchRevGICv1 = 0x10
	gicArchRevGICv2 = 0x20
	gicArchRevGICv3 = 0x30
	gicArchRevGICv4 = 0x40
)

// gicIntidSpurious is returned by ICC_IAR1_EL1 when nothing is pending.
const gicIntidSpurious = 1023

// gicIntidVtimer is the architectural PPI for the non-secure EL1 virtual
// timer (GICv3 naming: PPI 11, intid 27).
const gicIntidVtimer = 27

// The guest always programs GICD_IPRIORITYR/GICR_IPRIORITYR to this single
// fixed value (writes of anything else are a guest bug); ICC_PMR_EL1 is
// therefore a plain enable/disable mask rather than a real priority compare.
const gicFixedPriority = 0xa0

// interruptKind classifies an INTID the way the architecture does: the low
// 1024 IDs split into software-generated, private-peripheral and
// shared-peripheral ranges, each with different addressing and configuration
// rules.
type interruptKind int

const (
	interruptKindSoftwareGenerated interruptKind = iota // SGI: 0-15
	interruptKindPrivatePeripheral                      // PPI: 16-31
	interruptKindSharedPeripheral                       // SPI: 32+
)

func classifyIntid(intid uint32) interruptKind {
	switch {
	case intid < 16:
		return interruptKindSoftwareGenerated
	case intid < 32:
		return interruptKindPrivatePeripheral
	default:
		return interruptKindSharedPeripheral
	}
}

// interruptConfig is a single interrupt's distributor-level configuration:
// trigger mode, whether the distributor has it enabled, whether it has been
// administratively disabled from ever reaching a vCPU, and (SPIs only) the
// affinity it is routed to.
type interruptConfig struct {
	edgeTriggered bool
	enabled       bool
	notForwarded  bool
	targetAff     [4]uint8
}

// vgicCPUState is one vCPU's GICv3 redistributor and CPU-interface state.
// SGIs and PPIs are banked per-vCPU (each vCPU has its own 32 private
// interrupts); the pending queue and active slot implement the
// acknowledge/EOI handshake for every interrupt kind this vCPU can take.
type vgicCPUState struct {
	aff0, aff1, aff2, aff3 uint8

	priorityMask  uint8
	group1Enabled bool

	sgiPPI [32]interruptConfig

	pending []uint32
	active  uint32
}

func newVgicCPUState(idx int) *vgicCPUState {
	s := &vgicCPUState{
		aff0:   uint8(idx),
		active: gicIntidSpurious,
	}
	// SGIs are always enabled and edge-triggered; the guest never configures
	// them individually the way it does PPIs/SPIs.
	for i := 0; i < 16; i++ {
		s.sgiPPI[i] = interruptConfig{edgeTriggered: true, enabled: true}
	}
	return s
}

// gicEmulator is the paravirtualized GICv3: the distributor and every
// redistributor are MMIO-trapped, and the CPU interface (ICC_*) is trapped
// at the system-register level by handleMsrAccess. HVF's native GIC
// acceleration is never used, so all of this state lives here rather than
// inside the hypervisor.
type gicEmulator struct {
	vm *virtualMachine

	mu sync.Mutex

	distCtlr uint32 // GICD_CTLR: ARE_S / EnableGrp1NS / EnableGrp0

	redistWaker []uint32

	spi []interruptConfig // index = SPI number (intid - 32)

	cpus []*vgicCPUState // index = dense vCPU idx

	// guestScratchAddr is the guest-physical address of a scratch area the
	// guest registered via the pvgic-set-state hypercall. The VMM never
	// dereferences it itself; it's surfaced for devices that need a place
	// to stash paravirt GIC bookkeeping the guest driver also reads.
	guestScratchAddr uint64
}

func (g *gicEmulator) setGuestScratchAddr(addr uint64) {
	g.mu.Lock()
	g.guestScratchAddr = addr
	g.mu.Unlock()
}

func newGICEmulator(vm *virtualMachine) *gicEmulator {
	cpuCount := len(vm.cpus)
	if n := int(vm.gicInfo.RedistributorSize / arm64GICRedistributorFrameSize); n > cpuCount {
		cpuCount = n
	}
	if cpuCount == 0 {
		cpuCount = 1
	}
	spiCount := int(vm.gicSPICount)
	if spiCount == 0 {
		spiCount = 960
	}

	g := &gicEmulator{
		vm:          vm,
		redistWaker: make([]uint32, cpuCount),
		spi:         make([]interruptConfig, spiCount),
		cpus:        make([]*vgicCPUState, cpuCount),
	}
	for i := range g.cpus {
		g.cpus[i] = newVgicCPUState(i)
	}
	return g
}

func (g *gicEmulator) Init(vm hv.VirtualMachine) error {
	return nil
}

func (g *gicEmulator) MMIORegions() []hv.MMIORegion {
	info := g.vm.gicInfo
	if info.Version == hv.Arm64GICVersionUnknown {
		return nil
	}

	cpuCount := len(g.cpus)
	if cpuCount == 0 {
		cpuCount = 1
	}

	return []hv.MMIORegion{
		{Address: info.DistributorBase, Size: info.DistributorSize},
		{Address: info.RedistributorBase, Size: arm64GICRedistributorFrameSize * uint64(cpuCount)},
	}
}

func (g *gicEmulator) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	info := g.vm.gicInfo

	if addr >= info.DistributorBase && addr < info.DistributorBase+info.DistributorSize {
		return g.readDistributor(addr-info.DistributorBase, data)
	}

	redistEnd := info.RedistributorBase + arm64GICRedistributorFrameSize*uint64(len(g.cpus))
	if addr >= info.RedistributorBase && addr < redistEnd {
		offset := addr - info.RedistributorBase
		cpuIdx := int(offset / arm64GICRedistributorFrameSize)
		regOffset := offset % arm64GICRedistributorFrameSize
		return g.readRedistributor(cpuIdx, regOffset, data)
	}

	for i := range data {
		data[i] = 0
	}
	return nil
}

func (g *gicEmulator) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	info := g.vm.gicInfo

	if addr >= info.DistributorBase && addr < info.DistributorBase+info.DistributorSize {
		return g.writeDistributor(addr-info.DistributorBase, data)
	}

	redistEnd := info.RedistributorBase + arm64GICRedistributorFrameSize*uint64(len(g.cpus))
	if addr >= info.RedistributorBase && addr < redistEnd {
		offset := addr - info.RedistributorBase
		cpuIdx := int(offset / arm64GICRedistributorFrameSize)
		regOffset := offset % arm64GICRedistributorFrameSize
		return g.writeRedistributor(cpuIdx, regOffset, data)
	}

	return nil
}

func (g *gicEmulator) readDistributor(offset uint64, data []byte) error {
	var value uint32

	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case offset == gicdCtlr:
		value = g.distCtlr
	case offset == gicdTyper:
		itLines := uint32(len(g.spi)/32) - 1
		value = itLines | (1 << 10) // SecurityExtn
	case offset == gicdIidr:
		value = 0x0200043B
	case offset == gicdTyper2:
		value = 0
	case offset >= gicdIsenabler && offset < gicdIsenabler+0x80:
		value = g.readSPIBits(offset-gicdIsenabler, func(cfg interruptConfig) bool { return cfg.enabled })
	case offset >= gicdIcenabler && offset < gicdIcenabler+0x80:
		value = g.readSPIBits(offset-gicdIcenabler, func(cfg interruptConfig) bool { return cfg.enabled })
	case offset >= gicdIcactiver && offset < gicdIcactiver+0x80:
		// Active state is folded into the per-vCPU active slot rather than
		// tracked per SPI; report nothing active from the distributor side.
		value = 0
	case offset >= gicdIcfgr && offset < gicdIcfgr+0x100:
		value = g.readSPIConfigBits(offset - gicdIcfgr)
	case offset >= gicdIgroupr && offset < gicdIgroupr+0x80:
		value = 0xFFFFFFFF // guest always puts everything in group 1
	case offset >= gicdIpriorityr && offset < gicdIpriorityr+0x400:
		value = gicFixedPriority | gicFixedPriority<<8 | gicFixedPriority<<16 | gicFixedPriority<<24
	case offset >= gicdIrouter && offset < gicdIrouter+0x2000:
		g.readIrouter(offset-gicdIrouter, data)
		return nil
	case offset == gicdPidr2:
		value = gicArchRevGICv3
	default:
		value = 0
	}

	writeU32LE(data, value)
	return nil
}

func (g *gicEmulator) writeDistributor(offset uint64, data []byte) error {
	value := readU32LE(data)

	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case offset == gicdCtlr:
		// ARE_S = bit 4, EnableGrp1NS = bit 1, EnableGrp0 = bit 0.
		g.distCtlr = value
	case offset >= gicdIsenabler && offset < gicdIsenabler+0x80:
		g.writeSPIBits(offset-gicdIsenabler, value, func(cfg *interruptConfig, set bool) { cfg.enabled = set })
	case offset >= gicdIcenabler && offset < gicdIcenabler+0x80:
		g.writeSPIBitsClear(offset-gicdIcenabler, value, func(cfg *interruptConfig, clear bool) {
			if clear {
				cfg.enabled = false
			}
		})
	case offset >= gicdIcactiver && offset < gicdIcactiver+0x80:
		// No per-SPI active bitmap to clear (see readDistributor); accepted
		// as a no-op since a real guest only uses it to recover from a stuck
		// controller, which this emulator never produces.
	case offset >= gicdIcfgr && offset < gicdIcfgr+0x100:
		g.writeSPIConfigBits(offset-gicdIcfgr, value)
	case offset >= gicdIgroupr && offset < gicdIgroupr+0x80:
		if value != 0xFFFFFFFF {
			panic(fmt.Sprintf("hvf: guest wrote non-group-1 GICD_IGROUPR value 0x%x", value))
		}
	case offset >= gicdIpriorityr && offset < gicdIpriorityr+0x400:
		for shift := uint(0); shift < 32; shift += 8 {
			if b := uint8(value >> shift); b != 0 && b != gicFixedPriority {
				panic(fmt.Sprintf("hvf: guest wrote non-default GICD_IPRIORITYR byte 0x%x", b))
			}
		}
	case offset >= gicdIrouter && offset < gicdIrouter+0x2000:
		g.writeIrouter(offset-gicdIrouter, data)
	default:
		// Ignore writes to unhandled registers.
	}

	return nil
}

// readSPIBits/writeSPIBits implement the GICD_IS/ICENABLER-style bit-array
// registers: one bit per SPI, 32 SPIs per register, starting at SPI 0
// (INTID 32). byteOffset is relative to the start of the register block.
func (g *gicEmulator) readSPIBits(byteOffset uint64, get func(interruptConfig) bool) uint32 {
	regIdx := int(byteOffset / 4)
	var value uint32
	for bit := 0; bit < 32; bit++ {
		spiNum := regIdx*32 + bit
		if spiNum >= len(g.spi) {
			break
		}
		if get(g.spi[spiNum]) {
			value |= 1 << uint(bit)
		}
	}
	return value
}

func (g *gicEmulator) writeSPIBits(byteOffset uint64, value uint32, set func(*interruptConfig, bool)) {
	regIdx := int(byteOffset / 4)
	for bit := 0; bit < 32; bit++ {
		if value&(1<<uint(bit)) == 0 {
			continue
		}
		spiNum := regIdx*32 + bit
		if spiNum >= len(g.spi) {
			break
		}
		set(&g.spi[spiNum], true)
	}
}

func (g *gicEmulator) writeSPIBitsClear(byteOffset uint64, value uint32, clear func(*interruptConfig, bool)) {
	regIdx := int(byteOffset / 4)
	for bit := 0; bit < 32; bit++ {
		spiNum := regIdx*32 + bit
		if spiNum >= len(g.spi) {
			break
		}
		clear(&g.spi[spiNum], value&(1<<uint(bit)) != 0)
	}
}

// readSPIConfigBits/writeSPIConfigBits implement GICD_ICFGR: 2 bits per
// interrupt, bit 1 of each pair selects edge- vs level-triggered.
func (g *gicEmulator) readSPIConfigBits(byteOffset uint64) uint32 {
	regIdx := int(byteOffset / 4)
	var value uint32
	for pair := 0; pair < 16; pair++ {
		spiNum := regIdx*16 + pair
		if spiNum >= len(g.spi) {
			break
		}
		if g.spi[spiNum].edgeTriggered {
			value |= 1 << uint(pair*2+1)
		}
	}
	return value
}

func (g *gicEmulator) writeSPIConfigBits(byteOffset uint64, value uint32) {
	regIdx := int(byteOffset / 4)
	for pair := 0; pair < 16; pair++ {
		spiNum := regIdx*16 + pair
		if spiNum >= len(g.spi) {
			break
		}
		g.spi[spiNum].edgeTriggered = value&(1<<uint(pair*2+1)) != 0
	}
}

// readIrouter/writeIrouter implement GICD_IROUTER<n>: each SPI has one
// 64-bit register holding its target affinity (Aff3 in the high word,
// Aff2/Aff1/Aff0 packed into the low word alongside the unsupported 1-of-N
// routing bit). The guest may access it as one 8-byte or two 4-byte
// accesses; byteOffset is relative to the start of the IROUTER block and
// is always 4-byte aligned, so a 4-byte access at an offset divisible by 8
// targets the low word and one at offset+4 targets the high word (Aff3).
func (g *gicEmulator) readIrouter(byteOffset uint64, data []byte) {
	spiNum := int(byteOffset / 8)
	var aff [4]uint8
	if spiNum < len(g.spi) {
		aff = g.spi[spiNum].targetAff
	}
	low := uint32(aff[0]) | uint32(aff[1])<<8 | uint32(aff[2])<<16
	high := uint32(aff[3])

	switch {
	case len(data) >= 8:
		binary.LittleEndian.PutUint32(data[0:4], low)
		binary.LittleEndian.PutUint32(data[4:8], high)
	case byteOffset%8 == 0:
		writeU32LE(data, low)
	default:
		writeU32LE(data, high)
	}
}

func (g *gicEmulator) writeIrouter(byteOffset uint64, data []byte) {
	spiNum := int(byteOffset / 8)
	if spiNum >= len(g.spi) {
		return
	}
	aff := &g.spi[spiNum].targetAff

	switch {
	case len(data) >= 8:
		low := binary.LittleEndian.Uint32(data[0:4])
		high := binary.LittleEndian.Uint32(data[4:8])
		*aff = [4]uint8{uint8(low), uint8(low >> 8), uint8(low >> 16), uint8(high)}
	case byteOffset%8 == 0:
		low := readU32LE(data)
		aff[0], aff[1], aff[2] = uint8(low), uint8(low>>8), uint8(low>>16)
	default:
		aff[3] = uint8(readU32LE(data))
	}
}

func (g *gicEmulator) readRedistributor(cpuIdx int, offset uint64, data []byte) error {
	var value uint32

	g.mu.Lock()
	defer g.mu.Unlock()

	cpuCount := len(g.cpus)

	switch {
	case offset == gicrCtlr:
		value = 0
	case offset == gicrIidr:
		value = 0x0200043B
	case offset == gicrTyper:
		procNum := uint32(cpuIdx) << 8
		last := uint32(0)
		if cpuIdx == cpuCount-1 {
			last = 1 << 4 // GICR_TYPER.Last
		}
		value = procNum | last
	case offset == gicrTyper+4:
		if cpuIdx >= 0 && cpuIdx < cpuCount {
			cpu := g.cpus[cpuIdx]
			value = uint32(cpu.aff0) | uint32(cpu.aff1)<<8 | uint32(cpu.aff2)<<16 | uint32(cpu.aff3)<<24
		}
	case offset == gicrWaker:
		if cpuIdx >= 0 && cpuIdx < len(g.redistWaker) {
			value = g.redistWaker[cpuIdx]
		}
	case offset == gicrPidr2RDBase:
		value = gicArchRevGICv3
	case offset == gicrIgroupr0:
		value = 0xFFFFFFFF
	case offset == gicrIsenabler0, offset == gicrIcenabler0:
		if cpuIdx >= 0 && cpuIdx < cpuCount {
			cpu := g.cpus[cpuIdx]
			for i := 0; i < 32; i++ {
				if cpu.sgiPPI[i].enabled {
					value |= 1 << uint(i)
				}
			}
		}
	case offset == gicrIcfgr0, offset == gicrIcfgr1:
		if cpuIdx >= 0 && cpuIdx < cpuCount {
			cpu := g.cpus[cpuIdx]
			base := 0
			if offset == gicrIcfgr1 {
				base = 16
			}
			for pair := 0; pair < 16; pair++ {
				if cpu.sgiPPI[base+pair].edgeTriggered {
					value |= 1 << uint(pair*2+1)
				}
			}
		}
	case offset >= gicrIpriorityr && offset < gicrIpriorityr+0x20:
		value = gicFixedPriority | gicFixedPriority<<8 | gicFixedPriority<<16 | gicFixedPriority<<24
	case offset == gicrPidr2SGIBase:
		value = gicArchRevGICv3
	default:
		value = 0
	}

	writeU32LE(data, value)
	return nil
}

func (g *gicEmulator) writeRedistributor(cpuIdx int, offset uint64, data []byte) error {
	value := readU32LE(data)

	g.mu.Lock()
	defer g.mu.Unlock()

	cpuCount := len(g.cpus)

	switch offset {
	case gicrWaker:
		if cpuIdx >= 0 && cpuIdx < len(g.redistWaker) {
			if value&0x2 == 0 { // ProcessorSleep cleared
				g.redistWaker[cpuIdx] = 0
			} else {
				g.redistWaker[cpuIdx] = value & 0x6
			}
		}
	case gicrIgroupr0:
		if value != 0xFFFFFFFF {
			panic(fmt.Sprintf("hvf: guest wrote non-group-1 GICR_IGROUPR0 value 0x%x", value))
		}
	case gicrIsenabler0:
		if cpuIdx >= 0 && cpuIdx < cpuCount {
			cpu := g.cpus[cpuIdx]
			for i := 0; i < 32; i++ {
				if value&(1<<uint(i)) != 0 {
					cpu.sgiPPI[i].enabled = true
				}
			}
		}
	case gicrIcenabler0:
		if cpuIdx >= 0 && cpuIdx < cpuCount {
			cpu := g.cpus[cpuIdx]
			for i := 0; i < 32; i++ {
				if value&(1<<uint(i)) != 0 {
					cpu.sgiPPI[i].enabled = false
				}
			}
		}
	case gicrIcfgr0, gicrIcfgr1:
		if cpuIdx >= 0 && cpuIdx < cpuCount {
			cpu := g.cpus[cpuIdx]
			base := 0
			if offset == gicrIcfgr1 {
				base = 16
			}
			for pair := 0; pair < 16; pair++ {
				intid := base + pair
				if intid < 16 {
					continue // SGI trigger mode is fixed, per architecture.
				}
				cpu.sgiPPI[intid].edgeTriggered = value&(1<<uint(pair*2+1)) != 0
			}
		}
	case gicrIcactiver0:
		// No per-PPI active bitmap; see the distributor equivalent.
	default:
		if offset >= gicrIpriorityr && offset < gicrIpriorityr+0x20 {
			for shift := uint(0); shift < 32; shift += 8 {
				if b := uint8(value >> shift); b != 0 && b != gicFixedPriority {
					panic(fmt.Sprintf("hvf: guest wrote non-default GICR_IPRIORITYR byte 0x%x", b))
				}
			}
		}
	}

	return nil
}

func readU32LE(data []byte) uint32 {
	if len(data) < 4 {
		var tmp [4]byte
		copy(tmp[:], data)
		return binary.LittleEndian.Uint32(tmp[:])
	}
	return binary.LittleEndian.Uint32(data)
}

func writeU32LE(data []byte, value uint32) {
	if len(data) >= 4 {
		binary.LittleEndian.PutUint32(data, value)
	} else {
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], value)
		copy(data, tmp[:len(data)])
	}
}

// --- ICC_* system-register handling (the CPU interface) ---
//
// Unlike the distributor/redistributor, these are never reached via MMIO:
// handleMsrAccess in hvf_darwin_arm64.go traps the corresponding MRS/MSR
// instructions and calls down into the methods below.

// readICCIAR1 implements ICC_IAR1_EL1 (interrupt acknowledge): if an
// interrupt is already active for this vCPU, that ID is returned again;
// otherwise the next entry is popped off the pending queue and becomes
// active; otherwise the spurious ID is returned.
func (g *gicEmulator) readICCIAR1(cpuIdx int) uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cpuIdx < 0 || cpuIdx >= len(g.cpus) {
		return gicIntidSpurious
	}
	cpu := g.cpus[cpuIdx]

	if cpu.active != gicIntidSpurious {
		return cpu.active
	}
	if len(cpu.pending) == 0 {
		return gicIntidSpurious
	}

	intid := cpu.pending[0]
	cpu.pending = cpu.pending[1:]
	cpu.active = intid
	return intid
}

// writeICCEOIR1 implements ICC_EOIR1_EL1 (end of interrupt). The guest must
// deactivate the interrupt it most recently acknowledged; anything else is a
// guest protocol violation.
func (g *gicEmulator) writeICCEOIR1(cpuIdx int, intid uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cpuIdx < 0 || cpuIdx >= len(g.cpus) {
		return
	}
	cpu := g.cpus[cpuIdx]

	if cpu.active != intid {
		panic(fmt.Sprintf("hvf: ICC_EOIR1_EL1 deactivated intid %d but %d is active", intid, cpu.active))
	}
	cpu.active = gicIntidSpurious
}

// readICCPMR implements ICC_PMR_EL1 (priority mask read).
func (g *gicEmulator) readICCPMR(cpuIdx int) uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cpuIdx < 0 || cpuIdx >= len(g.cpus) {
		return 0
	}
	return uint32(g.cpus[cpuIdx].priorityMask)
}

// writeICCPMR implements ICC_PMR_EL1 (priority mask write). Only future
// interrupt delivery is affected; an interrupt already active is untouched.
// Reproduces Linux's gic_has_group0 workaround: a mask that exactly equals
// the one-hot value for this GIC's priority-bit width folds to zero (i.e.
// "mask everything") instead of being treated as a real priority level.
func (g *gicEmulator) writeICCPMR(cpuIdx int, value uint32) {
	if value&^0xFF != 0 {
		panic(fmt.Sprintf("hvf: ICC_PMR_EL1 write has reserved bits set: 0x%x", value))
	}

	priority := uint8(value)
	const priorityBits = 5 // matches gicFixedPriority == 0xa0's 3 unimplemented low zero bits
	if oneHot := uint8(1) << (8 - priorityBits); priority == oneHot {
		priority = 0
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if cpuIdx < 0 || cpuIdx >= len(g.cpus) {
		return
	}
	g.cpus[cpuIdx].priorityMask = priority
}

// writeICCIGRPEN1 implements ICC_IGRPEN1_EL1: bit 0 enables/disables group 1
// interrupt signalling for this vCPU.
func (g *gicEmulator) writeICCIGRPEN1(cpuIdx int, value uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cpuIdx < 0 || cpuIdx >= len(g.cpus) {
		return
	}
	g.cpus[cpuIdx].group1Enabled = value&0x1 != 0
}

func (g *gicEmulator) readICCIGRPEN1(cpuIdx int) uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cpuIdx < 0 || cpuIdx >= len(g.cpus) || !g.cpus[cpuIdx].group1Enabled {
		return 0
	}
	return 1
}

// ICC_SGI1R_EL1 bit layout (ARMv8-A, GICv3 system register encoding).
const (
	sgi1rTargetListMask = 0xFFFF
	sgi1rAff1Shift      = 16
	sgi1rAff1Mask       = 0xFF
	sgi1rIntidShift      = 24
	sgi1rIntidMask       = 0xF
	sgi1rIrmShift        = 40
	sgi1rAff2Shift       = 32
	sgi1rAff2Mask        = 0xFF
	sgi1rAff3Shift       = 48
	sgi1rAff3Mask        = 0xFF
	sgi1rRsShift         = 44
	sgi1rRsMask          = 0xF
)

// writeICCSGI1R implements ICC_SGI1R_EL1: generate a software interrupt,
// either to an explicit target list within one affinity cluster or, in
// broadcast mode, to every other vCPU in the VM.
func (g *gicEmulator) writeICCSGI1R(senderIdx int, value uint64) {
	if rs := uint8(value>>sgi1rRsShift) & sgi1rRsMask; rs != 0 {
		panic(fmt.Sprintf("hvf: ICC_SGI1R_EL1 RSS targeting not supported (RS=%d)", rs))
	}

	intid := uint32(value>>sgi1rIntidShift) & sgi1rIntidMask
	if classifyIntid(intid) != interruptKindSoftwareGenerated {
		panic(fmt.Sprintf("hvf: ICC_SGI1R_EL1 targets non-SGI intid %d", intid))
	}

	broadcast := (value>>sgi1rIrmShift)&0x1 != 0

	aff1 := uint8(value>>sgi1rAff1Shift) & sgi1rAff1Mask
	aff2 := uint8(value>>sgi1rAff2Shift) & sgi1rAff2Mask
	aff3 := uint8(value>>sgi1rAff3Shift) & sgi1rAff3Mask
	targetList := uint16(value & sgi1rTargetListMask)

	if broadcast {
		if aff1 != 0 || aff2 != 0 || aff3 != 0 || targetList != 0 {
			panic("hvf: ICC_SGI1R_EL1 broadcast request carries non-zero affinity/target-list fields")
		}
		for i := range g.cpus {
			if i == senderIdx {
				continue
			}
			g.deliverInterrupt(i, intid)
		}
		return
	}

	for aff0 := 0; aff0 < 16; aff0++ {
		if targetList&(1<<uint(aff0)) == 0 {
			continue
		}
		cpuIdx := g.findCPUByAffinity(uint8(aff0), aff1, aff2, aff3)
		if cpuIdx < 0 {
			continue
		}
		g.deliverInterrupt(cpuIdx, intid)
	}
}

func (g *gicEmulator) findCPUByAffinity(aff0, aff1, aff2, aff3 uint8) int {
	for i, cpu := range g.cpus {
		if cpu.aff0 == aff0 && cpu.aff1 == aff1 && cpu.aff2 == aff2 && cpu.aff3 == aff3 {
			return i
		}
	}
	return -1
}

// deliverInterrupt runs the general delivery algorithm shared by SGI
// generation, PPI assertion and SPI routing: a disabled or not-forwarded
// interrupt is dropped, otherwise it is pushed onto the target vCPU's
// pending queue and the vCPU's virtual IRQ line is asserted so the next
// hv_vcpu_run call takes the interrupt exception.
func (g *gicEmulator) deliverInterrupt(cpuIdx int, intid uint32) {
	if cpuIdx < 0 || cpuIdx >= len(g.cpus) {
		return
	}

	g.mu.Lock()
	cpu := g.cpus[cpuIdx]

	var cfg *interruptConfig
	switch classifyIntid(intid) {
	case interruptKindSoftwareGenerated, interruptKindPrivatePeripheral:
		cfg = &cpu.sgiPPI[intid]
	default:
		spiNum := int(intid - 32)
		if spiNum < 0 || spiNum >= len(g.spi) {
			g.mu.Unlock()
			return
		}
		cfg = &g.spi[spiNum]
	}

	if cfg.notForwarded || !cfg.enabled {
		g.mu.Unlock()
		return
	}
	if !priorityPasses(cpu.priorityMask) {
		g.mu.Unlock()
		return
	}

	// Level-triggered sources (SPIs raised repeatedly by virtio while the
	// guest hasn't yet EOI'd) must not pile up duplicate queue entries.
	if cpu.active == intid {
		g.mu.Unlock()
		return
	}
	for _, pending := range cpu.pending {
		if pending == intid {
			g.mu.Unlock()
			return
		}
	}

	cpu.pending = append(cpu.pending, intid)
	g.mu.Unlock()

	g.assertIRQLine(cpuIdx)
}

// priorityPasses reports whether gicFixedPriority would be allowed through
// the given ICC_PMR_EL1 value. A mask of zero means "nothing gets through".
func priorityPasses(mask uint8) bool {
	return mask != 0 && gicFixedPriority < mask
}

// assertIRQLine asks the hypervisor to raise the virtual IRQ line for a
// vCPU so it exits hv_vcpu_run and takes the interrupt. It is safe to call
// for a vCPU that is currently running: HVF delivers the exit on the next
// opportunity.
func (g *gicEmulator) assertIRQLine(cpuIdx int) {
	vcpu, ok := g.vm.cpus[cpuIdx]
	if !ok {
		return
	}
	if err := bindings.HvVcpuSetPendingInterrupt(vcpu.id, bindings.HV_INTERRUPT_TYPE_IRQ, true); err != bindings.HV_SUCCESS {
		slog.Warn("hvf: failed to assert virtual IRQ line", "cpu", cpuIdx, "err", err)
	}
}

// deliverSPI is the MSI/legacy entry point other devices use to raise a
// shared-peripheral interrupt (e.g. a virtio device signalling its queue).
func (g *gicEmulator) deliverSPI(intid uint32) {
	if classifyIntid(intid) != interruptKindSharedPeripheral {
		return
	}
	spiNum := int(intid - 32)
	g.mu.Lock()
	if spiNum < 0 || spiNum >= len(g.spi) {
		g.mu.Unlock()
		return
	}
	aff := g.spi[spiNum].targetAff
	g.mu.Unlock()

	cpuIdx := g.findCPUByAffinity(aff[0], aff[1], aff[2], aff[3])
	if cpuIdx < 0 {
		cpuIdx = 0 // default to the boot vCPU until the guest has routed it
	}
	g.deliverInterrupt(cpuIdx, intid)
}

// deliverVtimerIRQ raises the virtual timer PPI for the vCPU whose
// HV_EXIT_REASON_VTIMER_ACTIVATED just fired. HVF itself only tells us the
// timer condition became true; routing that into an interrupt the guest's
// GIC driver can see is our job, same as any other PPI/SPI source.
func (g *gicEmulator) deliverVtimerIRQ(cpuIdx int) {
	g.deliverInterrupt(cpuIdx, gicIntidVtimer)
}

var (
	_ hv.MemoryMappedIODevice = (*gicEmulator)(nil)
)

// addGICEmulator adds a GIC emulator device to the VM if GIC is configured
func (vm *virtualMachine) addGICEmulator() error {
	if vm.gicInfo.Version == hv.Arm64GICVersionUnknown {
		return nil
	}

	emulator := newGICEmulator(vm)
	vm.gicEmulator = emulator
	if err := vm.AddDevice(emulator); err != nil {
		return fmt.Errorf("add GIC emulator: %w", err)
	}

	return nil
}
