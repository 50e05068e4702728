// Subscriber scheduler: one goroutine per subscription, replaying
// history and then following the tail, suspending on the persister's
// condition variable between updates. This is the Go rendering of "one
// OS thread per subscription" — a goroutine blocked in Persister.Wait
// costs nothing but a stack, so the 1:1 model carries over directly.
package evstream

import "sync"

// SubscriberResult is returned by every subscription callback to tell
// the scheduler whether to keep delivering or stop.
type SubscriberResult int

const (
	More SubscriberResult = iota
	Done
)

// TerminateDecision is returned by Terminate when cancellation has been
// requested, to let a subscriber finish processing in flight data
// before actually stopping.
type TerminateDecision int

const (
	Wait TerminateDecision = iota
	Terminate
)

// Subscription is the capability set a consumer of a Stream implements.
// OnEntry is used in checked mode, OnRaw in unchecked mode; a
// subscription only needs to implement the one it will actually
// receive, but both are part of the interface so a single type can
// support either mode.
type Subscription[R any] interface {
	// OnEntry delivers one decoded record, the entry's own index/us
	// (duplicated from entry.IdxTS for convenience), and the last
	// record known to the stream at snapshot time.
	OnEntry(entry Entry[R], current IndexTimestamp, last *IndexTimestamp) SubscriberResult

	// OnRaw delivers one undecoded log line in unchecked mode.
	OnRaw(raw RawEntry, currentIndex uint64, last *IndexTimestamp) SubscriberResult

	// OnHead is called once when HEAD advances independently of any
	// record the subscription has already seen.
	OnHead(us int64) SubscriberResult

	// Terminate is polled once per scheduler iteration after
	// cancellation has been requested via scope Close/cancel.
	Terminate() TerminateDecision
}

// TypeFilteredSubscription is implemented by subscriptions interested
// in only one variant of the stream's record type. Matches decides
// whether an entry is delivered at all; EntryResponseIfNoMorePassTypeFilter
// is consulted each time the subscription has caught up to the tail,
// whether or not any record has passed its filter, so it can decide
// whether to keep waiting or stop.
type TypeFilteredSubscription[R any] interface {
	Subscription[R]
	Matches(entry Entry[R]) bool
	EntryResponseIfNoMorePassTypeFilter() SubscriberResult
}

// TailAware is an optional interface a subscription can implement to
// be consulted the moment the scheduler has caught up to the tail and
// has nothing queued to deliver right now (no new record, no pending
// head advance). Returning Done there ends the subscription instead of
// suspending it — used by the HTTP endpoint's nowait mode.
type TailAware interface {
	AtTail() SubscriberResult
}

// SubscribeOptions configures where a subscription starts and which
// delivery mode it uses.
type SubscribeOptions struct {
	// BeginIndex is the first index the subscription will see.
	BeginIndex uint64
	// Unchecked selects OnRaw delivery instead of OnEntry.
	Unchecked bool
}

// SubscriberScope owns one running subscription's goroutine. Closing
// it signals cooperative cancellation and blocks until the goroutine
// has actually returned, mirroring a dropped scope joining its thread.
type SubscriberScope[R any] struct {
	regID      uint64
	persister  Persister[R]
	cancelCh   chan struct{}
	cancelOnce sync.Once
	doneCh     chan struct{}
}

// Subscribe mints a new subscription over s, starting at opts.BeginIndex,
// and starts its scheduler goroutine. The returned scope must be closed
// once the caller no longer wants the subscription running.
func (s *Stream[R]) Subscribe(sub Subscription[R], opts SubscribeOptions) *SubscriberScope[R] {
	scope := &SubscriberScope[R]{
		persister: s.persister,
		cancelCh:  make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	s.registerSubscriber(scope)
	go scope.run(s, sub, opts)
	return scope
}

// Close signals cancellation and blocks until the subscriber's
// goroutine has returned. Safe to call more than once.
func (sc *SubscriberScope[R]) Close() {
	sc.cancel()
	sc.join()
}

// cancel closes cancelCh and wakes anyone currently blocked in
// persister.Wait on this scope's behalf — without this, a subscriber
// parked at the tail would not notice cancellation until the next
// unrelated publish woke its condition variable.
func (sc *SubscriberScope[R]) cancel() {
	sc.cancelOnce.Do(func() {
		close(sc.cancelCh)
		if sc.persister != nil {
			sc.persister.WakeWaiters()
		}
	})
}

func (sc *SubscriberScope[R]) join() {
	<-sc.doneCh
}

// run is the scheduler loop: snapshot, deliver anything new, deliver a
// pure head update if one occurred, or suspend until something changes
// or cancellation is requested.
func (sc *SubscriberScope[R]) run(s *Stream[R], sub Subscription[R], opts SubscribeOptions) {
	defer close(sc.doneCh)
	defer s.unregisterSubscriber(sc)

	persister := s.persister
	cursor := opts.BeginIndex
	lastNotifiedUS := int64(-1)
	filtered, isFiltered := sub.(TypeFilteredSubscription[R])

	for {
		select {
		case <-sc.cancelCh:
			if sub.Terminate() == Terminate {
				return
			}
		default:
		}

		snap := persister.HeadAndLast()
		size := persister.Size()

		if cursor < size {
			stop, newCursor, newLastUS := sc.deliver(persister, sub, filtered, isFiltered, opts.Unchecked, cursor, size, snap.Last)
			cursor = newCursor
			if newLastUS > lastNotifiedUS {
				lastNotifiedUS = newLastUS
			}
			if stop {
				return
			}
			continue
		}

		if isFiltered {
			if filtered.EntryResponseIfNoMorePassTypeFilter() == Done {
				return
			}
		}

		if snap.Head > lastNotifiedUS {
			if sub.OnHead(snap.Head) == Done {
				return
			}
			lastNotifiedUS = snap.Head
			continue
		}

		if tailAware, ok := sub.(TailAware); ok {
			if tailAware.AtTail() == Done {
				return
			}
		}

		persister.Wait(snap.Head, sc.cancelCh)
	}
}

// deliver iterates the half-open range [cursor, size) in the requested
// mode, invoking the subscription's callback for each entry. It returns
// whether the subscription asked to stop, the cursor to resume from,
// and the us of the last entry actually delivered (-1 if none was).
func (sc *SubscriberScope[R]) deliver(
	persister Persister[R],
	sub Subscription[R],
	filtered TypeFilteredSubscription[R],
	isFiltered bool,
	unchecked bool,
	cursor, size uint64,
	last *IndexTimestamp,
) (stop bool, newCursor uint64, lastUS int64) {
	newCursor = cursor
	lastUS = -1

	if unchecked {
		seq, err := persister.IterateUnsafe(cursor, size)
		if err != nil {
			return true, newCursor, lastUS
		}
		for raw, err := range seq {
			if err != nil {
				continue
			}
			result := sub.OnRaw(raw, raw.IdxTS.Index, last)
			newCursor = raw.IdxTS.Index + 1
			lastUS = raw.IdxTS.US
			if result == Done {
				return true, newCursor, lastUS
			}
		}
		return false, newCursor, lastUS
	}

	seq, err := persister.Iterate(cursor, size)
	if err != nil {
		return true, newCursor, lastUS
	}
	for entry, err := range seq {
		if err != nil {
			continue
		}
		newCursor = entry.IdxTS.Index + 1
		if isFiltered && !filtered.Matches(entry) {
			continue
		}
		result := sub.OnEntry(entry, entry.IdxTS, last)
		lastUS = entry.IdxTS.US
		if result == Done {
			return true, newCursor, lastUS
		}
	}
	return false, newCursor, lastUS
}
