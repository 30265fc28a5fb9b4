//go:build darwin && arm64

package factory

import (
	"github.com/coreboxvmm/vmm/internal/hv"
	"github.com/coreboxvmm/vmm/internal/hv/hvf"
)

func Open() (hv.Hypervisor, error) {
	return hvf.Open()
}
