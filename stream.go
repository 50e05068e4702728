// Stream: binds a Persister to a Publisher, hosts schema metadata, and
// mints subscriptions. Stream is the type application code constructs
// directly; Publisher, Persister, and the subscriber scheduler are all
// reachable only through it.
//
// Resource cleanup follows one fixed order: signal every local
// subscriber first, then tear down the HTTP exposure (subscription
// scopes before response bodies), then close the Persister, whose file
// handles are the last thing released.
package evstream

import (
	"sync"
	"sync/atomic"
)

// httpExposer is the narrow interface Stream needs from whatever owns
// the HTTP subscription table (installed by ExposeViaHTTP in http.go),
// so stream.go does not need to know about net/http types directly.
type httpExposer interface {
	closeAllSubscriptions()
}

// Stream is a single append-only log together with its write-authority
// state and the set of things currently reading from it.
type Stream[R any] struct {
	persister Persister[R]
	pub       *publisherHost[R]

	subMu     sync.Mutex
	subs      map[uint64]*SubscriberScope[R]
	nextSubID uint64

	exposureMu sync.Mutex
	exposure   httpExposer

	closed atomic.Bool
}

// NewStream builds a Stream around an already-open Persister. The
// Stream starts in the Master state: it owns its Publisher until
// BecomeFollowing is called.
func NewStream[R any](persister Persister[R]) *Stream[R] {
	return &Stream[R]{
		persister: persister,
		pub:       newPublisherHost(persister),
		subs:      make(map[uint64]*SubscriberScope[R]),
	}
}

// Persister returns the storage backing this stream.
func (s *Stream[R]) Persister() Persister[R] {
	return s.persister
}

// Signature returns the stream's entry-type signature.
func (s *Stream[R]) Signature() Signature {
	return s.persister.Signature()
}

// Size returns the number of published records.
func (s *Stream[R]) Size() uint64 {
	return s.persister.Size()
}

// HeadAndLast returns the atomic {head, last} snapshot.
func (s *Stream[R]) HeadAndLast() HeadAndMaybeLast {
	return s.persister.HeadAndLast()
}

// IsMaster reports whether this stream currently owns its Publisher.
func (s *Stream[R]) IsMaster() bool {
	return s.pub.IsMaster()
}

// GetPublisher borrows the live Publisher. Fails with
// ErrPublisherNotAvailable while the stream is Following.
func (s *Stream[R]) GetPublisher() (Borrowed[*Publisher[R]], error) {
	return s.pub.GetPublisher()
}

// BecomeFollowing hands exclusive write access to the caller (typically
// the master-flip controller or a Follower), blocking until every
// current borrower of the Publisher has released it.
func (s *Stream[R]) BecomeFollowing() (Borrowed[*Publisher[R]], error) {
	return s.pub.BecomeFollowing()
}

// BecomeMaster reclaims write authority after a prior BecomeFollowing.
func (s *Stream[R]) BecomeMaster() error {
	return s.pub.BecomeMaster()
}

// Publish is a convenience wrapper that borrows the Publisher, appends
// payload at us, and releases. Fails with ErrPublisherNotAvailable
// while the stream is Following.
func (s *Stream[R]) Publish(payload R, us int64) (IndexTimestamp, error) {
	borrow, err := s.pub.GetPublisher()
	if err != nil {
		return IndexTimestamp{}, err
	}
	defer borrow.Release()
	return borrow.Value().Publish(payload, us)
}

// PublishUnsafe is the raw-line equivalent of Publish.
func (s *Stream[R]) PublishUnsafe(raw []byte) (IndexTimestamp, error) {
	borrow, err := s.pub.GetPublisher()
	if err != nil {
		return IndexTimestamp{}, err
	}
	defer borrow.Release()
	return borrow.Value().PublishUnsafe(raw)
}

// UpdateHead is the HEAD-only equivalent of Publish.
func (s *Stream[R]) UpdateHead(us int64) error {
	borrow, err := s.pub.GetPublisher()
	if err != nil {
		return err
	}
	defer borrow.Release()
	return borrow.Value().UpdateHead(us)
}

// registerSubscriber adds scope to the live set tracked for cleanup,
// assigning it the registry id it will later unregister itself with.
func (s *Stream[R]) registerSubscriber(scope *SubscriberScope[R]) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	scope.regID = s.nextSubID
	s.nextSubID++
	s.subs[scope.regID] = scope
}

// unregisterSubscriber removes a subscriber scope once it has finished,
// normally called by the scope itself as its goroutine returns.
func (s *Stream[R]) unregisterSubscriber(scope *SubscriberScope[R]) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	delete(s.subs, scope.regID)
}

// setExposure installs the HTTP subscription table owner so Close can
// tear it down in the right order. Fails with ErrStreamIsAlreadyExposed
// if one is already installed.
func (s *Stream[R]) setExposure(e httpExposer) error {
	s.exposureMu.Lock()
	defer s.exposureMu.Unlock()
	if s.exposure != nil {
		return ErrStreamIsAlreadyExposed
	}
	s.exposure = e
	return nil
}

// clearExposure removes the installed HTTP exposure, failing with
// ErrStreamIsNotExposed if none is installed.
func (s *Stream[R]) clearExposure() error {
	s.exposureMu.Lock()
	defer s.exposureMu.Unlock()
	if s.exposure == nil {
		return ErrStreamIsNotExposed
	}
	s.exposure = nil
	return nil
}

// Close signals every subscriber, tears down the HTTP exposure, and
// closes the underlying Persister. Safe to call once; a second call is
// a no-op.
func (s *Stream[R]) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.subMu.Lock()
	scopes := make([]*SubscriberScope[R], 0, len(s.subs))
	for _, scope := range s.subs {
		scopes = append(scopes, scope)
	}
	s.subMu.Unlock()
	for _, scope := range scopes {
		scope.cancel()
	}
	for _, scope := range scopes {
		scope.join()
	}

	s.exposureMu.Lock()
	exposure := s.exposure
	s.exposure = nil
	s.exposureMu.Unlock()
	if exposure != nil {
		exposure.closeAllSubscriptions()
	}

	return s.persister.Close()
}
