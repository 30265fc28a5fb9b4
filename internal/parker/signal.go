// Package parker implements the VM-wide stop-the-world barrier used before
// any operation that mutates the guest-physical memory map or snapshots
// register state, plus the per-vCPU cooperative signal channel its run loop
// waits on between guest entries.
package parker

import (
	"context"
	"sync"
	"sync/atomic"
)

// SignalBits are the cooperative wakeup reasons a vCPU's run loop waits on
// alongside the hypervisor's own exit reasons.
type SignalBits uint32

const (
	SignalExitLoop SignalBits = 1 << iota
	SignalDestroyVM
	SignalPause
	SignalInterrupt
	SignalDumpDebug
	SignalPVLock

	// SignalAnyShutdown aggregates every bit that means "stop running and
	// tear down" as opposed to SignalPause, which expects to resume.
	SignalAnyShutdown = SignalExitLoop | SignalDestroyVM
)

// SignalChannel is one vCPU's composite wakeup signal: a bitset of pending
// reasons plus a channel that is closed (and replaced) to broadcast "the
// bitset changed" to whoever is parked in Wait. Raising a bit that a vCPU is
// waiting on forces it out of any blocking wait without needing to know
// which specific condition variable it's sitting on.
type SignalChannel struct {
	bits atomic.Uint32

	mu   sync.Mutex
	wake chan struct{}
}

// NewSignalChannel returns a SignalChannel with no bits set.
func NewSignalChannel() *SignalChannel {
	return &SignalChannel{wake: make(chan struct{})}
}

// Raise sets bits and wakes anyone blocked in Wait or in the parker's
// unpark wait.
func (c *SignalChannel) Raise(bits SignalBits) {
	c.bits.Or(uint32(bits))
	c.broadcast()
}

// Clear unsets bits. Only the owning vCPU should call this: clearing is an
// acknowledgement that it has acted on the condition, not a broadcast.
func (c *SignalChannel) Clear(bits SignalBits) {
	c.bits.And(^uint32(bits))
}

// Load returns the current bitset.
func (c *SignalChannel) Load() SignalBits {
	return SignalBits(c.bits.Load())
}

// AnyShutdown reports whether any of SignalAnyShutdown's bits are set.
func (c *SignalChannel) AnyShutdown() bool {
	return c.Load()&SignalAnyShutdown != 0
}

func (c *SignalChannel) broadcast() {
	c.mu.Lock()
	close(c.wake)
	c.wake = make(chan struct{})
	c.mu.Unlock()
}

func (c *SignalChannel) waitChan() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wake
}

// Wait blocks until some bit changes or ctx is done, then returns the
// current bitset so the caller can re-check which condition fired.
func (c *SignalChannel) Wait(ctx context.Context) SignalBits {
	wake := c.waitChan()
	select {
	case <-wake:
	case <-ctx.Done():
	}
	return c.Load()
}
