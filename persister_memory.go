// In-memory Persister implementation.
//
// Records live as raw encoded lines in an append-only slice, exactly
// the bytes a file persister would have written — decoding into R
// happens lazily in Iterate, a "store bytes, parse on read" split that
// keeps the memory and file implementations sharing one
// iteration/validation code path.
//
// The constructor takes no mutex parameter: there is nothing useful a
// caller-supplied mutex could do here that the persister's own mu
// doesn't already do, so the signature doesn't pretend otherwise.
package evstream

import (
	"iter"
	"sync"
)

type memoryPersister[R any] struct {
	mu   sync.RWMutex
	cond *sync.Cond

	sig Signature

	nextIndex   uint64
	lastEntryUS int64 // -1 if empty
	head        int64 // -1 if empty

	timestamps []int64
	lines      [][]byte // raw record line, without trailing newline
}

// NewMemoryPersister creates an empty in-memory Persister for entry
// type R, identified by sig for schema-drift comparisons against
// replicated or flipped-in data.
func NewMemoryPersister[R any](sig Signature) Persister[R] {
	p := &memoryPersister[R]{
		sig:         sig,
		lastEntryUS: -1,
		head:        -1,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *memoryPersister[R]) Publish(payload R, us int64) (IndexTimestamp, error) {
	payloadJSON, err := marshalJSON(payload)
	if err != nil {
		return IndexTimestamp{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if us <= p.head {
		return IndexTimestamp{}, ErrInconsistentTimestamp
	}

	idxts := IndexTimestamp{Index: p.nextIndex, US: us}
	line, err := encodeRecordLine(idxts, payloadJSON)
	if err != nil {
		return IndexTimestamp{}, err
	}
	line = line[:len(line)-1] // strip the trailing \n this in-memory copy doesn't need

	p.appendLocked(idxts, line)
	p.cond.Broadcast()
	return idxts, nil
}

func (p *memoryPersister[R]) PublishUnsafe(raw []byte) (IndexTimestamp, error) {
	idxts, err := parseIndexTimestamp(raw)
	if err != nil {
		return IndexTimestamp{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if idxts.Index != p.nextIndex {
		return IndexTimestamp{}, ErrUnsafePublishBadIndexTimestamp
	}
	if idxts.US <= p.head {
		return IndexTimestamp{}, ErrInconsistentTimestamp
	}

	p.appendLocked(idxts, raw)
	p.cond.Broadcast()
	return idxts, nil
}

// appendLocked records line as the entry for idxts. Caller holds mu.
func (p *memoryPersister[R]) appendLocked(idxts IndexTimestamp, line []byte) {
	owned := make([]byte, len(line))
	copy(owned, line)

	p.timestamps = append(p.timestamps, idxts.US)
	p.lines = append(p.lines, owned)
	p.nextIndex++
	p.lastEntryUS = idxts.US
	p.head = idxts.US
}

func (p *memoryPersister[R]) UpdateHead(us int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if us <= p.head {
		return ErrInconsistentTimestamp
	}
	p.head = us
	p.cond.Broadcast()
	return nil
}

func (p *memoryPersister[R]) Size() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nextIndex
}

func (p *memoryPersister[R]) Empty() bool {
	return p.Size() == 0
}

func (p *memoryPersister[R]) CurrentHead() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.head
}

func (p *memoryPersister[R]) LastPublished() (IndexTimestamp, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.nextIndex == 0 {
		return IndexTimestamp{}, ErrNoEntriesPublishedYet
	}
	return IndexTimestamp{Index: p.nextIndex - 1, US: p.lastEntryUS}, nil
}

func (p *memoryPersister[R]) HeadAndLast() HeadAndMaybeLast {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := HeadAndMaybeLast{Head: p.head}
	if p.nextIndex > 0 {
		last := IndexTimestamp{Index: p.nextIndex - 1, US: p.lastEntryUS}
		out.Last = &last
	}
	return out
}

func (p *memoryPersister[R]) IndexRangeByTimestampRange(from, till int64) (uint64, uint64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return indexRangeByTimestamp(p.timestamps, from, till)
}

func (p *memoryPersister[R]) snapshotRange(begin, end uint64) ([][]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if begin > end || end > p.nextIndex {
		return nil, ErrInvalidIterableRange
	}
	return p.lines[begin:end], nil
}

func (p *memoryPersister[R]) Iterate(begin, end uint64) (iter.Seq2[Entry[R], error], error) {
	lines, err := p.snapshotRange(begin, end)
	if err != nil {
		return nil, err
	}
	return func(yield func(Entry[R], error) bool) {
		for _, line := range lines {
			idxtsJSON, payloadJSON, ok := splitRecordLine(line)
			if !ok {
				if !yield(Entry[R]{}, ErrMalformedEntry) {
					return
				}
				continue
			}
			var idxts IndexTimestamp
			if err := unmarshalJSON(idxtsJSON, &idxts); err != nil {
				if !yield(Entry[R]{}, ErrMalformedEntry) {
					return
				}
				continue
			}
			var payload R
			if err := unmarshalJSON(payloadJSON, &payload); err != nil {
				if !yield(Entry[R]{}, err) {
					return
				}
				continue
			}
			if !yield(Entry[R]{IdxTS: idxts, Payload: payload}, nil) {
				return
			}
		}
	}, nil
}

func (p *memoryPersister[R]) IterateUnsafe(begin, end uint64) (iter.Seq2[RawEntry, error], error) {
	lines, err := p.snapshotRange(begin, end)
	if err != nil {
		return nil, err
	}
	return func(yield func(RawEntry, error) bool) {
		for _, line := range lines {
			idxts, err := parseIndexTimestamp(line)
			if err != nil {
				if !yield(RawEntry{}, err) {
					return
				}
				continue
			}
			if !yield(RawEntry{IdxTS: idxts, Raw: line}, nil) {
				return
			}
		}
	}, nil
}

func (p *memoryPersister[R]) Wait(sinceHead int64, cancel <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.head <= sinceHead {
		select {
		case <-cancel:
			return
		default:
		}
		p.cond.Wait()
	}
}

func (p *memoryPersister[R]) WakeWaiters() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *memoryPersister[R]) Signature() Signature {
	return p.sig
}

func (p *memoryPersister[R]) Close() error {
	return nil
}
