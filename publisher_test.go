package evstream

import "testing"

func TestPublisherHostStartsAsMaster(t *testing.T) {
	p := NewMemoryPersister[testEntry](testSignature())
	h := newPublisherHost(p)
	if !h.IsMaster() {
		t.Fatalf("newPublisherHost: expected IsMaster() true")
	}
	borrow, err := h.GetPublisher()
	if err != nil {
		t.Fatalf("GetPublisher: %v", err)
	}
	defer borrow.Release()
	if _, err := borrow.Value().Publish(testEntry{Value: 1}, 100); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestPublisherHostBecomeFollowingBlocksLocalPublish(t *testing.T) {
	p := NewMemoryPersister[testEntry](testSignature())
	h := newPublisherHost(p)

	followBorrow, err := h.BecomeFollowing()
	if err != nil {
		t.Fatalf("BecomeFollowing: %v", err)
	}
	defer followBorrow.Release()

	if h.IsMaster() {
		t.Errorf("IsMaster() true after BecomeFollowing")
	}
	if _, err := h.GetPublisher(); err != ErrPublisherNotAvailable {
		t.Errorf("GetPublisher while following: got %v want ErrPublisherNotAvailable", err)
	}

	// The exclusive following-mode borrow can still publish, since it
	// is how replication applies remote writes locally.
	if _, err := followBorrow.Value().Publish(testEntry{Value: 1}, 100); err != nil {
		t.Errorf("Publish via following borrow: %v", err)
	}
}

func TestPublisherHostBecomeFollowingTwiceFails(t *testing.T) {
	p := NewMemoryPersister[testEntry](testSignature())
	h := newPublisherHost(p)
	if _, err := h.BecomeFollowing(); err != nil {
		t.Fatalf("BecomeFollowing: %v", err)
	}
	if _, err := h.BecomeFollowing(); err != ErrStreamIsAlreadyFollowing {
		t.Errorf("second BecomeFollowing: got %v want ErrStreamIsAlreadyFollowing", err)
	}
}

func TestPublisherHostBecomeMasterRequiresFollowingFirst(t *testing.T) {
	p := NewMemoryPersister[testEntry](testSignature())
	h := newPublisherHost(p)
	if err := h.BecomeMaster(); err != ErrStreamIsAlreadyMaster {
		t.Errorf("BecomeMaster while already master: got %v want ErrStreamIsAlreadyMaster", err)
	}
}

func TestPublisherHostBecomeMasterWaitsForFollowingBorrowRelease(t *testing.T) {
	p := NewMemoryPersister[testEntry](testSignature())
	h := newPublisherHost(p)
	followBorrow, err := h.BecomeFollowing()
	if err != nil {
		t.Fatalf("BecomeFollowing: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- h.BecomeMaster()
	}()

	select {
	case <-done:
		t.Fatalf("BecomeMaster returned before the following borrow was released")
	default:
	}

	followBorrow.Release()
	if err := <-done; err != nil {
		t.Fatalf("BecomeMaster: %v", err)
	}
	if !h.IsMaster() {
		t.Errorf("IsMaster() false after BecomeMaster")
	}

	borrow, err := h.GetPublisher()
	if err != nil {
		t.Fatalf("GetPublisher after BecomeMaster: %v", err)
	}
	borrow.Release()
}
