// Persister: durable, ordered storage with O(1) append and O(log n)
// lookup by timestamp.
//
// Two implementations share this interface: memoryPersister (backed by
// an in-process slice) and filePersister (backed by an append-only log
// file, validated on open). Both protect their mutable metadata — next
// index, last timestamp, HEAD, and the offset/timestamp indexes used
// for range lookups — with exactly one mutex, and a separate sync.Cond
// for "something changed, wake up" notifications.
package evstream

import "iter"

// Entry is one decoded record together with its position in the log.
type Entry[R any] struct {
	IdxTS   IndexTimestamp
	Payload R
}

// RawEntry is one undecoded log line together with its position, used
// by the unsafe iteration path and by replication, which forwards bytes
// without parsing them.
type RawEntry struct {
	IdxTS IndexTimestamp
	Raw   []byte
}

// Persister is the storage contract shared by the memory and file
// implementations. All methods are safe for concurrent use.
type Persister[R any] interface {
	// Publish appends a new record at the next index with the given
	// timestamp. Fails with ErrInconsistentTimestamp if us does not
	// exceed the current HEAD.
	Publish(payload R, us int64) (IndexTimestamp, error)

	// PublishUnsafe appends a raw, already-encoded record line exactly
	// as received (from a replication source, typically). The line's
	// own idxts.Index must equal the persister's next index and its
	// idxts.US must exceed HEAD.
	PublishUnsafe(raw []byte) (IndexTimestamp, error)

	// UpdateHead advances HEAD independently of any record. Fails with
	// ErrInconsistentTimestamp if us does not exceed the current HEAD.
	UpdateHead(us int64) error

	// Size returns the number of published records.
	Size() uint64

	// Empty reports whether Size() == 0.
	Empty() bool

	// CurrentHead returns the current HEAD watermark, or -1 if nothing
	// has ever been published or head-updated.
	CurrentHead() int64

	// LastPublished returns the most recently published record's
	// IndexTimestamp, or ErrNoEntriesPublishedYet if the log is empty.
	LastPublished() (IndexTimestamp, error)

	// HeadAndLast returns the atomic {head, last} snapshot. Never fails.
	HeadAndLast() HeadAndMaybeLast

	// IndexRangeByTimestampRange returns the half-open index interval
	// [begin, end) of records with from <= us < till. till < 0 means
	// open-ended (up to Size()).
	IndexRangeByTimestampRange(from, till int64) (begin, end uint64)

	// Iterate returns a lazy, single-pass, restartable sequence of
	// decoded records over the half-open index range [begin, end).
	Iterate(begin, end uint64) (iter.Seq2[Entry[R], error], error)

	// IterateUnsafe is the same as Iterate but yields raw log lines
	// without decoding the payload.
	IterateUnsafe(begin, end uint64) (iter.Seq2[RawEntry, error], error)

	// Wait blocks until HEAD advances past sinceHead or cancel is found
	// closed, whichever happens first. Returns immediately if HEAD has
	// already advanced past sinceHead. cancel is checked before each
	// suspension, so a waiter that is already suspended notices it only
	// after a HEAD advance or a WakeWaiters call.
	Wait(sinceHead int64, cancel <-chan struct{})

	// WakeWaiters wakes every goroutine currently blocked in Wait,
	// without changing any state. Used to propagate subscriber
	// cancellation through to a blocked scheduler thread.
	WakeWaiters()

	// Signature returns the signature this persister was opened or
	// created with.
	Signature() Signature

	// Close releases any resources held by the persister (file handles,
	// locks). Safe to call once; the memory persister's Close is a
	// no-op.
	Close() error
}

// indexRangeByTimestamp performs a binary search over a slice of
// strictly increasing timestamps. It is shared by both persister
// implementations since both maintain such a slice in memory.
func indexRangeByTimestamp(timestamps []int64, from, till int64) (begin, end uint64) {
	n := len(timestamps)
	lo := searchFirstGE(timestamps, from)
	var hi int
	if till < 0 {
		hi = n
	} else {
		hi = searchFirstGE(timestamps, till)
	}
	if hi < lo {
		hi = lo
	}
	return uint64(lo), uint64(hi)
}

// searchFirstGE returns the index of the first element >= target, or
// len(ts) if none.
func searchFirstGE(ts []int64, target int64) int {
	lo, hi := 0, len(ts)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if ts[mid] < target {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
