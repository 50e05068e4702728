package evstream

import (
	"sync"
	"testing"
	"time"
)

func TestOwnedGetReplace(t *testing.T) {
	o := NewOwned(1)
	if got := o.Get(); got != 1 {
		t.Fatalf("Get: got %d want 1", got)
	}
	o.Replace(2)
	if got := o.Get(); got != 2 {
		t.Fatalf("Get after Replace: got %d want 2", got)
	}
}

func TestBorrowReleaseDrain(t *testing.T) {
	o := NewOwned(1)
	b := o.Borrow()
	if !b.IsValid() {
		t.Fatalf("IsValid: expected true before drain")
	}

	drained := make(chan struct{})
	go func() {
		o.Drain()
		close(drained)
	}()

	select {
	case <-drained:
		t.Fatalf("Drain returned before the outstanding borrow released")
	case <-time.After(50 * time.Millisecond):
	}

	if b.IsValid() {
		t.Fatalf("IsValid: expected false once draining has started")
	}
	b.Release()

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatalf("Drain did not return after the last borrow released")
	}
}

// BorrowWithCallback's onCancel must run synchronously from inside
// Drain, before Drain blocks waiting for the borrow count to reach
// zero — this is what lets a subscriber goroutine blocked on a
// persister's condition variable wake up immediately instead of
// polling IsValid on a timer.
func TestBorrowWithCallbackRunsSynchronouslyFromDrain(t *testing.T) {
	o := NewOwned(1)
	var called bool
	var mu sync.Mutex
	b := o.BorrowWithCallback(func() {
		mu.Lock()
		called = true
		mu.Unlock()
	})

	go func() {
		time.Sleep(10 * time.Millisecond)
		b.Release()
	}()
	o.Drain()

	mu.Lock()
	defer mu.Unlock()
	if !called {
		t.Fatalf("onCancel was not invoked by Drain")
	}
}

func TestBorrowOfGuaranteedLifetimePanicsIfOutstandingDuringDrain(t *testing.T) {
	o := NewOwned(1)
	_ = o.BorrowOfGuaranteedLifetime()

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected Drain to panic with an outstanding guaranteed-lifetime borrow")
		}
	}()
	o.Drain()
}

func TestMultipleBorrowersAllMustReleaseBeforeDrainReturns(t *testing.T) {
	o := NewOwned(1)
	b1 := o.Borrow()
	b2 := o.Borrow()
	b3 := o.Borrow()

	drained := make(chan struct{})
	go func() {
		o.Drain()
		close(drained)
	}()

	b1.Release()
	b2.Release()

	select {
	case <-drained:
		t.Fatalf("Drain returned with one borrower still outstanding")
	case <-time.After(50 * time.Millisecond):
	}

	b3.Release()
	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatalf("Drain did not return once every borrower released")
	}
}
