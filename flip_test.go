package evstream

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// flipTestRig wires a master Stream (with a FlipController mounted
// alongside its subscription endpoint) and a Follower pointed at it,
// the shape every master-flip scenario test starts from.
type flipTestRig struct {
	master     *Stream[testEntry]
	controller *FlipController[testEntry]
	flipKey    string
	srv        *httptest.Server
	local      *Stream[testEntry]
	follower   *Follower[testEntry]
}

func newFlipTestRig(t *testing.T, restrictions MasterFlipRestrictions) *flipTestRig {
	t.Helper()
	p := NewMemoryPersister[testEntry](testSignature())
	master := NewStream(p)
	streamHandler, err := master.ExposeViaHTTP()
	if err != nil {
		t.Fatalf("ExposeViaHTTP: %v", err)
	}
	controller := NewFlipController(master, restrictions, FlipCallbacks{})
	flipHandler, key, err := controller.ExposeViaHTTP()
	if err != nil {
		t.Fatalf("controller.ExposeViaHTTP: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/stream", streamHandler)
	mux.Handle("/stream/control/flip_to_master", flipHandler)
	srv := httptest.NewServer(mux)

	localP := NewMemoryPersister[testEntry](testSignature())
	local := NewStream(localP)
	follower := NewFollower(local, srv.URL+"/stream", true)
	if err := follower.Start(); err != nil {
		t.Fatalf("follower.Start: %v", err)
	}

	rig := &flipTestRig{
		master:     master,
		controller: controller,
		flipKey:    key,
		srv:        srv,
		local:      local,
		follower:   follower,
	}
	t.Cleanup(func() {
		srv.Close()
		master.Close()
		local.Close()
	})
	return rig
}

func TestFlipToMasterHappyPath(t *testing.T) {
	rig := newFlipTestRig(t, MasterFlipRestrictions{})
	for i := 0; i < 3; i++ {
		if _, err := rig.master.Publish(testEntry{Value: i}, int64(100*(i+1))); err != nil {
			t.Fatalf("Publish #%d: %v", i, err)
		}
	}
	waitUntil(t, func() bool { return rig.local.Size() == 3 })

	if err := rig.follower.FlipToMaster(rig.flipKey); err != nil {
		t.Fatalf("FlipToMaster: %v", err)
	}
	if !rig.local.IsMaster() {
		t.Errorf("local stream is not master after a successful flip")
	}
	if rig.master.IsMaster() {
		t.Errorf("old master still reports IsMaster() true after flipping away authority")
	}

	// The new master can publish immediately.
	if _, err := rig.local.Publish(testEntry{Value: 99}, 10000); err != nil {
		t.Errorf("Publish on new master: %v", err)
	}
}

func TestFlipToMasterWrongKeyRejectedAndRateLimited(t *testing.T) {
	rig := newFlipTestRig(t, MasterFlipRestrictions{})

	if err := rig.follower.FlipToMaster("0000000000000000000"); err == nil {
		t.Fatalf("expected an error for a wrong flip key")
	}
	if rig.local.IsMaster() {
		t.Errorf("local stream should remain Following after a rejected flip")
	}

	// A second attempt with the *correct* key, made immediately after a
	// failure, should also be rejected: the rate limiter's backoff
	// window is still in effect.
	newLocalP := NewMemoryPersister[testEntry](testSignature())
	newLocal := NewStream(newLocalP)
	defer newLocal.Close()
	secondFollower := NewFollower(newLocal, rig.srv.URL+"/stream", true)
	if err := secondFollower.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer secondFollower.Stop()

	if err := secondFollower.FlipToMaster(rig.flipKey); err == nil {
		t.Fatalf("expected the correct key to still be rate-limited immediately after a failure")
	}
}

// TestFlipToMasterIndexDiffRestrictionRejectsThenSucceedsAfterCatchUp:
// a flip request that would ship too large a diff is rejected (as a
// precondition, before any state changes), and the same request
// succeeds once the prospective master has caught up.
// A rejected FlipToMaster re-arms its own Follower's steady-state loop
// before returning, so the same Follower can keep catching up and be
// retried directly.
func TestFlipToMasterIndexDiffRestrictionRejectsThenSucceedsAfterCatchUp(t *testing.T) {
	rig := newFlipTestRig(t, MasterFlipRestrictions{MaxIndexDiff: 1})
	for i := 0; i < 5; i++ {
		if _, err := rig.master.Publish(testEntry{Value: i}, int64(100*(i+1))); err != nil {
			t.Fatalf("Publish #%d: %v", i, err)
		}
	}

	if err := rig.follower.FlipToMaster(rig.flipKey); err == nil {
		t.Fatalf("expected the oversized diff to be rejected")
	}
	if !rig.master.IsMaster() {
		t.Fatalf("a rejected flip must leave the master's authority untouched")
	}

	waitUntil(t, func() bool { return rig.local.Size() == 5 })

	if err := rig.follower.FlipToMaster(rig.flipKey); err != nil {
		t.Fatalf("FlipToMaster after catching up: %v", err)
	}
	if !rig.local.IsMaster() {
		t.Errorf("local stream is not master after the retried flip")
	}
}

func TestMeasureDiffSizeMatchesBuiltBody(t *testing.T) {
	p := NewMemoryPersister[testEntry](testSignature())
	for i := 0; i < 4; i++ {
		if _, err := p.Publish(testEntry{Value: i}, int64(100*(i+1))); err != nil {
			t.Fatalf("Publish #%d: %v", i, err)
		}
	}
	measured, err := measureDiffSize[testEntry](p, 0, p.Size())
	if err != nil {
		t.Fatalf("measureDiffSize: %v", err)
	}
	built, err := buildDiffBody[testEntry](p, 0, p.Size(), false)
	if err != nil {
		t.Fatalf("buildDiffBody: %v", err)
	}
	if measured != int64(len(built)) {
		t.Errorf("measureDiffSize = %d, buildDiffBody produced %d bytes (head-line sizing may diverge)", measured, len(built))
	}
}

func TestNewFlipKeyFormatAndUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		key, err := newFlipKey()
		if err != nil {
			t.Fatalf("newFlipKey: %v", err)
		}
		if len(key) != 19 {
			t.Fatalf("key length = %d, want 19", len(key))
		}
		if seen[key] {
			t.Fatalf("duplicate flip key: %s", key)
		}
		seen[key] = true
	}
}
