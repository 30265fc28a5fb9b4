package parker

import (
	"context"
	"errors"
	"sync"
)

// ErrAborted is returned from a vCPU's Park wait when a shutdown signal
// arrives instead of an unpark release.
var ErrAborted = errors.New("parker: aborted by shutdown")

// Parker coordinates the VM-wide pause barrier: Park asserts PAUSE on every
// registered vCPU and blocks the caller until all of them have acknowledged
// by calling AckParked. Unpark then runs the caller's maintenance action and
// releases every parked vCPU to resume. No vCPU may re-enter the guest
// between the PAUSE acknowledgement and the unpark release, which is what
// makes it safe to mutate guest-physical memory or snapshot register state
// while holding that window open.
type Parker struct {
	mu    sync.Mutex
	vcpus []*SignalChannel

	ackCount    int
	allParkedCh chan struct{}
	unparkCh    chan struct{}
}

// New returns a Parker with no vCPUs registered.
func New() *Parker {
	return &Parker{unparkCh: make(chan struct{})}
}

// Register adds a vCPU's signal channel to the set Park waits on. It must be
// called once per vCPU before that vCPU's run loop ever calls AckParked.
func (p *Parker) Register(ch *SignalChannel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vcpus = append(p.vcpus, ch)
}

// Unregister removes a vCPU's signal channel, for permanent vCPU teardown.
func (p *Parker) Unregister(ch *SignalChannel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.vcpus {
		if c == ch {
			p.vcpus = append(p.vcpus[:i], p.vcpus[i+1:]...)
			return
		}
	}
}

// Park asserts PAUSE on every registered vCPU and blocks until every one of
// them has called AckParked, or ctx is done first.
func (p *Parker) Park(ctx context.Context) error {
	p.mu.Lock()
	vcpus := append([]*SignalChannel(nil), p.vcpus...)
	p.ackCount = 0
	p.allParkedCh = make(chan struct{})
	// A fresh unparkCh for this cycle: any vCPU about to wait sees a channel
	// that is still open, and any vCPU already waiting on the previous one
	// was released when it was closed by the prior Unpark.
	p.unparkCh = make(chan struct{})
	allParkedCh := p.allParkedCh
	p.mu.Unlock()

	if len(vcpus) == 0 {
		return nil
	}

	for _, ch := range vcpus {
		ch.Raise(SignalPause)
	}

	select {
	case <-allParkedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AckParked is called by a vCPU's run loop once it has observed its own
// PAUSE bit and stopped entering the guest. It acknowledges the park (which
// may be the last acknowledgement Park is waiting on) and then blocks until
// Unpark releases it, or until its own signal channel picks up a shutdown
// bit, in which case AckParked returns ErrAborted instead of waiting for a
// release that will never come.
func (p *Parker) AckParked(ctx context.Context, ch *SignalChannel) error {
	p.mu.Lock()
	p.ackCount++
	if p.ackCount == len(p.vcpus) {
		close(p.allParkedCh)
	}
	unparkCh := p.unparkCh
	p.mu.Unlock()

	for {
		if ch.AnyShutdown() {
			return ErrAborted
		}
		select {
		case <-unparkCh:
			return nil
		case <-ch.waitChan():
			// Some bit changed; loop around to re-check for shutdown, or it
			// was a spurious wake and we keep waiting on the same unparkCh.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Unpark runs fn (the caller's remap/remount maintenance action) and then
// releases every vCPU parked in AckParked, regardless of fn's outcome. The
// correctness rule this upholds is that fn runs only while every vCPU is
// confirmed parked, and no vCPU resumes before fn has returned.
func (p *Parker) Unpark(fn func() error) error {
	err := fn()

	p.mu.Lock()
	close(p.unparkCh)
	p.mu.Unlock()

	return err
}
