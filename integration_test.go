package evstream

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// TestEndToEndReplicationThenFlip exercises the full lifecycle a real
// deployment goes through: a master accumulates history, a follower
// replicates it over HTTP, write authority flips from master to
// follower, and the new master accepts writes while the old master
// stays Following.
func TestEndToEndReplicationThenFlip(t *testing.T) {
	masterP := NewMemoryPersister[testEntry](testSignature())
	master := NewStream(masterP)
	defer master.Close()

	streamHandler, err := master.ExposeViaHTTP()
	if err != nil {
		t.Fatalf("ExposeViaHTTP: %v", err)
	}
	controller := NewFlipController(master, MasterFlipRestrictions{}, FlipCallbacks{})
	flipHandler, flipKey, err := controller.ExposeViaHTTP()
	if err != nil {
		t.Fatalf("controller.ExposeViaHTTP: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/stream", streamHandler)
	mux.Handle("/stream/control/flip_to_master", flipHandler)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	for i := 0; i < 5; i++ {
		if _, err := master.Publish(testEntry{Key: "k", Value: i}, int64(100*(i+1))); err != nil {
			t.Fatalf("Publish #%d: %v", i, err)
		}
	}

	localP := NewMemoryPersister[testEntry](testSignature())
	local := NewStream(localP)
	defer local.Close()

	follower := NewFollower(local, srv.URL+"/stream", true)
	if err := follower.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitUntil(t, func() bool { return local.Size() == 5 })

	sub := &countingSubscription{}
	scope := local.Subscribe(sub, SubscribeOptions{})
	defer scope.Close()
	waitUntil(t, func() bool { return len(sub.snapshotEntries()) == 5 })

	if err := follower.FlipToMaster(flipKey); err != nil {
		t.Fatalf("FlipToMaster: %v", err)
	}
	if !local.IsMaster() {
		t.Fatalf("local stream is not master after the flip")
	}
	if master.IsMaster() {
		t.Fatalf("old master still reports IsMaster() true after flipping away authority")
	}

	idxts, err := local.Publish(testEntry{Key: "k", Value: 99}, 10000)
	if err != nil {
		t.Fatalf("Publish on new master: %v", err)
	}
	if idxts.Index != 5 {
		t.Errorf("Publish on new master: index = %d, want 5 (continues the replicated history)", idxts.Index)
	}
	waitUntil(t, func() bool { return len(sub.snapshotEntries()) == 6 })

	if _, err := master.Publish(testEntry{}, 20000); err != ErrPublisherNotAvailable {
		t.Errorf("Publish on old master after flip: got %v want ErrPublisherNotAvailable", err)
	}
}
