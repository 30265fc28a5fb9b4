package parker

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestParkUnparkReleasesAllVCPUs(t *testing.T) {
	p := New()
	const n = 4

	chans := make([]*SignalChannel, n)
	for i := range chans {
		chans[i] = NewSignalChannel()
		p.Register(chans[i])
	}

	var wg sync.WaitGroup
	ackErrs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			// A real vCPU loop only calls AckParked once it observes PAUSE.
			for chans[i].Load()&SignalPause == 0 {
				chans[i].Wait(ctx)
			}
			ackErrs[i] = p.AckParked(ctx, chans[i])
		}(i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Park(ctx); err != nil {
		t.Fatalf("Park: %v", err)
	}

	ran := false
	if err := p.Unpark(func() error {
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("Unpark: %v", err)
	}
	if !ran {
		t.Fatalf("Unpark did not run the maintenance action")
	}

	wg.Wait()
	for i, err := range ackErrs {
		if err != nil {
			t.Fatalf("vcpu %d AckParked: %v", i, err)
		}
	}
}

func TestAckParkedAbortsOnShutdown(t *testing.T) {
	p := New()
	ch := NewSignalChannel()
	p.Register(ch)

	ackErr := make(chan error, 1)
	go func() {
		ctx := context.Background()
		for ch.Load()&SignalPause == 0 {
			ch.Wait(ctx)
		}
		ackErr <- p.AckParked(ctx, ch)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Park(ctx); err != nil {
		t.Fatalf("Park: %v", err)
	}

	// A shutdown request arrives instead of an unpark release.
	ch.Raise(SignalExitLoop)

	select {
	case err := <-ackErr:
		if err != ErrAborted {
			t.Fatalf("AckParked error = %v, want ErrAborted", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("AckParked did not abort on shutdown")
	}
}

func TestParkWithNoVCPUsReturnsImmediately(t *testing.T) {
	p := New()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Park(ctx); err != nil {
		t.Fatalf("Park: %v", err)
	}
}

func TestSignalChannelRaiseAndClear(t *testing.T) {
	ch := NewSignalChannel()
	ch.Raise(SignalPause | SignalInterrupt)

	if ch.Load()&SignalPause == 0 {
		t.Fatalf("PAUSE bit not set")
	}
	if ch.AnyShutdown() {
		t.Fatalf("PAUSE/INTERRUPT must not count as shutdown")
	}

	ch.Clear(SignalInterrupt)
	if ch.Load()&SignalInterrupt != 0 {
		t.Fatalf("INTERRUPT bit should have been cleared")
	}
	if ch.Load()&SignalPause == 0 {
		t.Fatalf("clearing INTERRUPT should not clear PAUSE")
	}

	ch.Raise(SignalDestroyVM)
	if !ch.AnyShutdown() {
		t.Fatalf("DESTROY_VM should count as shutdown")
	}
}

func TestSignalChannelWaitWakesOnRaise(t *testing.T) {
	ch := NewSignalChannel()
	done := make(chan SignalBits, 1)
	go func() {
		done <- ch.Wait(context.Background())
	}()

	// Give the goroutine a chance to start waiting before raising.
	time.Sleep(10 * time.Millisecond)
	ch.Raise(SignalDumpDebug)

	select {
	case bits := <-done:
		if bits&SignalDumpDebug == 0 {
			t.Fatalf("Wait returned bits %v without DUMP_DEBUG", bits)
		}
	case <-time.After(time.Second):
		t.Fatalf("Wait did not return after Raise")
	}
}
