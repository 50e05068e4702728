// Owned/Borrowed ownership primitive.
//
// Exactly one Owned[T] exists at a time over a given value. Borrowers
// register a cancel callback in the owner's borrower map; when the
// owner begins draining it invokes every registered callback
// synchronously, then blocks until the map empties. This is how
// Publisher handover (become_following/become_master) gets an
// exclusivity guarantee without a second lock: a Borrowed[Publisher]
// either releases promptly when told to, or the drain simply waits.
package evstream

import (
	"sync"
)

// borrowerID identifies one outstanding borrow within an Owned[T].
type borrowerID uint64

// Owned holds the single live value of type T and coordinates its
// borrowers. The zero value is not usable; construct with NewOwned.
type Owned[T any] struct {
	mu        sync.Mutex
	cond      *sync.Cond
	value     T
	draining  bool
	nextID    borrowerID
	borrowers map[borrowerID]func()
}

// NewOwned wraps value as the sole Owned[T].
func NewOwned[T any](value T) *Owned[T] {
	o := &Owned[T]{
		value:     value,
		borrowers: make(map[borrowerID]func()),
	}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// Get returns the current value. Safe to call while borrowers exist;
// the value itself is replaced only by Replace, never mutated in place.
func (o *Owned[T]) Get() T {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.value
}

// Replace installs a new value after any prior drain has completed. The
// caller is responsible for having drained borrowers of the old value
// first (via Drain) — Replace does not drain on its own.
func (o *Owned[T]) Replace(value T) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.value = value
	o.draining = false
}

// Drain signals every outstanding borrower's cancel callback and blocks
// until all of them have released their borrow. It does not replace the
// value; callers that need a fresh value call Replace afterward.
func (o *Owned[T]) Drain() {
	o.mu.Lock()
	o.draining = true
	callbacks := make([]func(), 0, len(o.borrowers))
	for _, cb := range o.borrowers {
		callbacks = append(callbacks, cb)
	}
	o.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}

	o.mu.Lock()
	for len(o.borrowers) > 0 {
		o.cond.Wait()
	}
	o.mu.Unlock()
}

// Borrowed is a counted reference into an Owned[T]. IsValid returns
// false once the owner has begun draining; callers should stop using
// the borrowed value and call Release promptly.
type Borrowed[T any] struct {
	owner *Owned[T]
	id    borrowerID
}

// Borrow registers a new borrow with a no-op cancel callback: the
// borrower must poll IsValid() itself.
func (o *Owned[T]) Borrow() Borrowed[T] {
	return o.borrowWithCallback(func() {})
}

func (o *Owned[T]) borrowWithCallback(onCancel func()) Borrowed[T] {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextID
	o.nextID++
	o.borrowers[id] = onCancel
	return Borrowed[T]{owner: o, id: id}
}

// Value returns the current owned value. Always safe to call; the
// caller should check IsValid if it needs to know whether the owner is
// draining before acting on it.
func (b Borrowed[T]) Value() T {
	return b.owner.Get()
}

// IsValid reports whether the owner has not yet begun draining this
// borrow.
func (b Borrowed[T]) IsValid() bool {
	b.owner.mu.Lock()
	defer b.owner.mu.Unlock()
	return !b.owner.draining
}

// Release ends this borrow. Must be called exactly once per Borrowed
// obtained from Borrow/BorrowWithCallback.
func (b Borrowed[T]) Release() {
	b.owner.mu.Lock()
	delete(b.owner.borrowers, b.id)
	empty := len(b.owner.borrowers) == 0
	b.owner.mu.Unlock()
	if empty {
		b.owner.cond.Broadcast()
	}
}

// BorrowedWithCallback is a Borrowed that additionally runs onCancel
// synchronously, from within the owner's Drain call, the instant the
// owner begins draining — used by subscriber scopes so a thread blocked
// on the stream's condition variable is woken immediately rather than
// polling IsValid on a timer.
type BorrowedWithCallback[T any] struct {
	Borrowed[T]
}

// BorrowWithCallback registers a borrow whose onCancel callback runs
// synchronously from Drain.
func (o *Owned[T]) BorrowWithCallback(onCancel func()) BorrowedWithCallback[T] {
	return BorrowedWithCallback[T]{Borrowed: o.borrowWithCallback(onCancel)}
}

// BorrowedOfGuaranteedLifetime asserts, by construction, that its scope
// ends strictly before the owner's. If the owner ever tries to drain
// while such a borrow is outstanding, that is an invariant violation in
// the caller's code, not a condition the library can recover from — so
// the cancel callback panics instead of returning control,
// deliberately loud so the bug surfaces immediately instead of
// deadlocking silently.
type BorrowedOfGuaranteedLifetime[T any] struct {
	Borrowed[T]
}

// BorrowOfGuaranteedLifetime registers a borrow that the caller promises
// to release before the owner ever attempts to drain.
func (o *Owned[T]) BorrowOfGuaranteedLifetime() BorrowedOfGuaranteedLifetime[T] {
	b := o.borrowWithCallback(func() {
		panic("evstream: Owned drained while a BorrowedOfGuaranteedLifetime was still outstanding")
	})
	return BorrowedOfGuaranteedLifetime[T]{Borrowed: b}
}
