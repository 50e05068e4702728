package evstream

import (
	"net/http/httptest"
	"testing"
	"time"
)

func newMasterServer(t *testing.T) (*Stream[testEntry], *httptest.Server) {
	t.Helper()
	p := NewMemoryPersister[testEntry](testSignature())
	s := NewStream(p)
	handler, err := s.ExposeViaHTTP()
	if err != nil {
		t.Fatalf("ExposeViaHTTP: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		s.Close()
	})
	return s, srv
}

func newFollowerStream(t *testing.T) *Stream[testEntry] {
	t.Helper()
	p := NewMemoryPersister[testEntry](testSignature())
	s := NewStream(p)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFollowerReplicatesExistingHistoryThenTails(t *testing.T) {
	master, srv := newMasterServer(t)
	for i := 0; i < 3; i++ {
		if _, err := master.Publish(testEntry{Value: i}, int64(100*(i+1))); err != nil {
			t.Fatalf("Publish #%d: %v", i, err)
		}
	}

	local := newFollowerStream(t)
	follower := NewFollower(local, srv.URL, true)
	if err := follower.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer follower.Stop()

	waitUntil(t, func() bool { return local.Size() == 3 })

	if _, err := master.Publish(testEntry{Value: 99}, 1000); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitUntil(t, func() bool { return local.Size() == 4 })

	if local.IsMaster() {
		t.Errorf("local stream reports IsMaster() true while following")
	}
}

func TestFollowerSchemaMismatchStopsImmediately(t *testing.T) {
	master, srv := newMasterServer(t)
	_ = master

	type differentEntry struct {
		Other string `json:"other"`
	}
	p := NewMemoryPersister[differentEntry](NewSignature[differentEntry]("evstream_test", "differentEntry", HashXXHash3))
	local := NewStream(p)
	defer local.Close()

	follower := NewFollower(local, srv.URL, true)
	if err := follower.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		<-follower.done
		close(done)
	}()
	select {
	case <-done:
	case <-timeoutChan():
		t.Fatalf("follower did not stop after a schema mismatch")
	}
	follower.Stop()
}

func TestFollowerStopReleasesPublisherBorrowAllowingBecomeMaster(t *testing.T) {
	_, srv := newMasterServer(t)
	local := newFollowerStream(t)

	follower := NewFollower(local, srv.URL, true)
	if err := follower.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	follower.Stop()

	if err := local.BecomeMaster(); err != nil {
		t.Fatalf("BecomeMaster after Stop: %v", err)
	}
	if !local.IsMaster() {
		t.Errorf("IsMaster() false after BecomeMaster")
	}
}

func TestExponentialBackoffDoublesAndCaps(t *testing.T) {
	b := newExponentialBackoff(10*time.Millisecond, 50*time.Millisecond)
	got := []time.Duration{b.next(), b.next(), b.next(), b.next()}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 50 * time.Millisecond}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("next() #%d = %v, want %v", i, got[i], want[i])
		}
	}
}
