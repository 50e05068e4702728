// Publisher: the single active write path into a Persister.
//
// A Publisher is a thin handle — it holds no state of its own beyond a
// reference to the Persister it forwards to. What matters is who is
// allowed to hold one: publisherHost enforces that at most one
// Publisher handle is ever live per stream, using the Owned/Borrowed
// primitive from owned.go the same way a single *Publisher[R] would be
// the one value behind an Owned[*Publisher[R]] in the original design.
package evstream

import "sync/atomic"

const (
	publisherMaster int32 = iota
	publisherFollowing
)

// Publisher forwards writes to the Persister it wraps. Holding a
// Borrowed[*Publisher[R]] is, by construction, the only way to publish.
type Publisher[R any] struct {
	persister Persister[R]
}

func newPublisher[R any](persister Persister[R]) *Publisher[R] {
	return &Publisher[R]{persister: persister}
}

// Publish appends a new record with the given timestamp.
func (pub *Publisher[R]) Publish(payload R, us int64) (IndexTimestamp, error) {
	return pub.persister.Publish(payload, us)
}

// PublishUnsafe appends a raw, already-encoded record line verbatim.
func (pub *Publisher[R]) PublishUnsafe(raw []byte) (IndexTimestamp, error) {
	return pub.persister.PublishUnsafe(raw)
}

// UpdateHead advances HEAD independently of any record.
func (pub *Publisher[R]) UpdateHead(us int64) error {
	return pub.persister.UpdateHead(us)
}

// publisherHost implements the MasterHoldingPublisher/Following state
// machine a Stream needs around its Publisher. state is read without
// holding owned's internal lock so GetPublisher can fail fast while
// BecomeFollowing/BecomeMaster are mid-drain.
type publisherHost[R any] struct {
	state     atomic.Int32
	persister Persister[R]
	owned     *Owned[*Publisher[R]]
}

func newPublisherHost[R any](persister Persister[R]) *publisherHost[R] {
	h := &publisherHost[R]{persister: persister}
	h.owned = NewOwned(newPublisher(persister))
	h.state.Store(publisherMaster)
	return h
}

// IsMaster reports whether this stream currently owns its Publisher.
func (h *publisherHost[R]) IsMaster() bool {
	return h.state.Load() == publisherMaster
}

// GetPublisher borrows the live Publisher, failing if the stream has
// given it away via BecomeFollowing.
func (h *publisherHost[R]) GetPublisher() (Borrowed[*Publisher[R]], error) {
	if h.state.Load() != publisherMaster {
		return Borrowed[*Publisher[R]]{}, ErrPublisherNotAvailable
	}
	return h.owned.Borrow(), nil
}

// BecomeFollowing drains all current borrowers, mints a fresh Publisher
// handle over the same persister, and returns it exclusively borrowed
// to the caller — typically the master-flip controller, which will use
// it to apply replicated records while this stream is Following.
func (h *publisherHost[R]) BecomeFollowing() (Borrowed[*Publisher[R]], error) {
	if !h.state.CompareAndSwap(publisherMaster, publisherFollowing) {
		return Borrowed[*Publisher[R]]{}, ErrStreamIsAlreadyFollowing
	}
	h.owned.Drain()
	h.owned.Replace(newPublisher(h.persister))
	return h.owned.Borrow(), nil
}

// BecomeMaster drains the exclusive Following-mode borrower, mints a
// fresh Publisher handle, and returns this stream to the state where
// local callers may GetPublisher again.
func (h *publisherHost[R]) BecomeMaster() error {
	if h.state.Load() == publisherMaster {
		return ErrStreamIsAlreadyMaster
	}
	h.owned.Drain()
	h.owned.Replace(newPublisher(h.persister))
	h.state.Store(publisherMaster)
	return nil
}
