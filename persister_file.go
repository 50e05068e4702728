// File-backed Persister implementation.
//
// On-disk grammar: an optional `#signature ...` directive (required,
// and only valid as the very first line of a non-empty file), followed
// by any mix of record lines (`JSON(idxts)\tpayloadJSON\n`) and
// `#head <20-digit us>\n` directives. Opening an existing file replays
// it top to bottom, reconstructing the in-memory index from the data
// file, validating monotonicity and the signature as it goes rather
// than trusting the bytes on disk.
package evstream

import (
	"bufio"
	"io"
	"iter"
	"os"
	"sync"
)

type filePersister[R any] struct {
	mu   sync.RWMutex
	cond *sync.Cond
	sig  Signature
	path string
	f    *os.File
	lock *fileLock

	nextIndex   uint64
	lastEntryUS int64
	head        int64

	timestamps              []int64
	offsets                 []int64 // byte offset of the start of record line i
	lastHeadDirectiveOffset int64   // -1 if no #head directive can be rewritten in place
	writeOffset             int64   // end of valid data; next append lands here
}

// OpenFilePersister opens or creates the log file at path as a
// Persister for entry type R identified by sig. A brand-new (empty)
// file is initialized with a signature header; an existing file is
// replayed and its signature checked against sig.
func OpenFilePersister[R any](path string, sig Signature) (Persister[R], error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, ErrPersistenceFileNotWritable
	}

	lk := &fileLock{}
	lk.setFile(f)
	if err := lk.Lock(LockExclusive); err != nil {
		f.Close()
		return nil, err
	}

	p := &filePersister[R]{
		sig:                     sig,
		path:                    path,
		f:                       f,
		lock:                    lk,
		lastEntryUS:             -1,
		head:                    -1,
		lastHeadDirectiveOffset: -1,
	}
	p.cond = sync.NewCond(&p.mu)

	size := fileSize(f)
	if size == 0 {
		header, err := encodeSignatureDirective(sig)
		if err != nil {
			lk.setFile(nil)
			f.Close()
			return nil, err
		}
		if _, err := f.WriteAt(header, 0); err != nil {
			lk.setFile(nil)
			f.Close()
			return nil, err
		}
		p.writeOffset = int64(len(header))
		return p, nil
	}

	if err := p.replay(); err != nil {
		lk.setFile(nil)
		f.Close()
		return nil, err
	}
	return p, nil
}

// replay reads the file from offset 0, reconstructing nextIndex, head,
// the timestamp/offset indexes, and the signature check. A trailing
// line with no terminating newline is treated as an incomplete write
// and discarded (the file is truncated to the last complete line) —
// it never gets to claim an index.
func (p *filePersister[R]) replay() error {
	r := bufio.NewReader(p.f)
	var offset int64
	first := true

	for {
		raw, err := r.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return err
		}
		complete := len(raw) > 0 && raw[len(raw)-1] == '\n'
		if !complete {
			break // partial trailing line (or clean EOF with raw empty): stop here
		}
		content := raw[:len(raw)-1]
		if n := len(content); n > 0 && content[n-1] == '\r' {
			content = content[:n-1]
		}

		if first {
			first = false
			sig, err := parseSignatureDirective(content)
			if err != nil {
				return err
			}
			if !sig.Equal(p.sig) {
				return ErrInvalidStreamSignature
			}
			offset += int64(len(raw))
			continue
		}

		if isSignatureDirective(content) {
			return ErrInvalidSignatureLocation
		}

		if isHeadDirective(content) {
			us, ok := parseHeadDirective(content)
			if !ok || us <= p.head {
				return ErrMalformedEntry
			}
			p.head = us
			p.lastHeadDirectiveOffset = offset
			offset += int64(len(raw))
			continue
		}

		idxts, err := parseIndexTimestamp(content)
		if err != nil {
			return err
		}
		if idxts.Index != p.nextIndex || idxts.US <= p.head {
			return ErrMalformedEntry
		}
		p.timestamps = append(p.timestamps, idxts.US)
		p.offsets = append(p.offsets, offset)
		p.nextIndex++
		p.lastEntryUS = idxts.US
		p.head = idxts.US
		p.lastHeadDirectiveOffset = -1
		offset += int64(len(raw))
	}

	if err := p.f.Truncate(offset); err != nil {
		return err
	}
	p.writeOffset = offset
	return nil
}

func (p *filePersister[R]) Publish(payload R, us int64) (IndexTimestamp, error) {
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
	if err := p.appendRecordLocked(idxts, line); err != nil {
		return IndexTimestamp{}, err
	}
	p.cond.Broadcast()
	return idxts, nil
}

func (p *filePersister[R]) PublishUnsafe(raw []byte) (IndexTimestamp, error) {
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

	line := make([]byte, 0, len(raw)+1)
	line = append(line, raw...)
	if line[len(line)-1] != '\n' {
		line = append(line, '\n')
	}
	if err := p.appendRecordLocked(idxts, line); err != nil {
		return IndexTimestamp{}, err
	}
	p.cond.Broadcast()
	return idxts, nil
}

// appendRecordLocked writes line (already newline-terminated) at the
// current write offset and updates every in-memory index. Caller holds
// mu.
func (p *filePersister[R]) appendRecordLocked(idxts IndexTimestamp, line []byte) error {
	if _, err := p.f.WriteAt(line, p.writeOffset); err != nil {
		return err
	}
	p.offsets = append(p.offsets, p.writeOffset)
	p.writeOffset += int64(len(line))
	p.timestamps = append(p.timestamps, idxts.US)
	p.nextIndex++
	p.lastEntryUS = idxts.US
	p.head = idxts.US
	p.lastHeadDirectiveOffset = -1
	return p.f.Sync()
}

func (p *filePersister[R]) UpdateHead(us int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if us <= p.head {
		return ErrInconsistentTimestamp
	}

	if p.lastHeadDirectiveOffset >= 0 {
		digits := encodeHeadDirectiveDigits(us)
		if _, err := p.f.WriteAt(digits, p.lastHeadDirectiveOffset+int64(len(headDirectivePrefix))); err != nil {
			return err
		}
	} else {
		line := encodeHeadDirective(us)
		if _, err := p.f.WriteAt(line, p.writeOffset); err != nil {
			return err
		}
		p.lastHeadDirectiveOffset = p.writeOffset
		p.writeOffset += int64(len(line))
	}

	p.head = us
	if err := p.f.Sync(); err != nil {
		return err
	}
	p.cond.Broadcast()
	return nil
}

func (p *filePersister[R]) Size() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nextIndex
}

func (p *filePersister[R]) Empty() bool {
	return p.Size() == 0
}

func (p *filePersister[R]) CurrentHead() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.head
}

func (p *filePersister[R]) LastPublished() (IndexTimestamp, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.nextIndex == 0 {
		return IndexTimestamp{}, ErrNoEntriesPublishedYet
	}
	return IndexTimestamp{Index: p.nextIndex - 1, US: p.lastEntryUS}, nil
}

func (p *filePersister[R]) HeadAndLast() HeadAndMaybeLast {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := HeadAndMaybeLast{Head: p.head}
	if p.nextIndex > 0 {
		last := IndexTimestamp{Index: p.nextIndex - 1, US: p.lastEntryUS}
		out.Last = &last
	}
	return out
}

func (p *filePersister[R]) IndexRangeByTimestampRange(from, till int64) (uint64, uint64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return indexRangeByTimestamp(p.timestamps, from, till)
}

func (p *filePersister[R]) snapshotOffsets(begin, end uint64) ([]int64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if begin > end || end > p.nextIndex {
		return nil, ErrInvalidIterableRange
	}
	return p.offsets[begin:end], nil
}

func (p *filePersister[R]) Iterate(begin, end uint64) (iter.Seq2[Entry[R], error], error) {
	offsets, err := p.snapshotOffsets(begin, end)
	if err != nil {
		return nil, err
	}
	return func(yield func(Entry[R], error) bool) {
		for _, offset := range offsets {
			raw, err := readLineAt(p.f, offset)
			if err != nil {
				if !yield(Entry[R]{}, err) {
					return
				}
				continue
			}
			idxtsJSON, payloadJSON, ok := splitRecordLine(raw)
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

func (p *filePersister[R]) IterateUnsafe(begin, end uint64) (iter.Seq2[RawEntry, error], error) {
	offsets, err := p.snapshotOffsets(begin, end)
	if err != nil {
		return nil, err
	}
	return func(yield func(RawEntry, error) bool) {
		for _, offset := range offsets {
			raw, err := readLineAt(p.f, offset)
			if err != nil {
				if !yield(RawEntry{}, err) {
					return
				}
				continue
			}
			idxts, err := parseIndexTimestamp(raw)
			if err != nil {
				if !yield(RawEntry{}, err) {
					return
				}
				continue
			}
			if !yield(RawEntry{IdxTS: idxts, Raw: raw}, nil) {
				return
			}
		}
	}, nil
}

func (p *filePersister[R]) Wait(sinceHead int64, cancel <-chan struct{}) {
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

func (p *filePersister[R]) WakeWaiters() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *filePersister[R]) Signature() Signature {
	return p.sig
}

func (p *filePersister[R]) Close() error {
	p.lock.setFile(nil)
	return p.f.Close()
}

// encodeSignatureDirective renders `#signature {json}\n`.
func encodeSignatureDirective(sig Signature) ([]byte, error) {
	j, err := marshalJSON(sig)
	if err != nil {
		return nil, err
	}
	line := make([]byte, 0, len(signatureDirectivePrefix)+len(j)+1)
	line = append(line, signatureDirectivePrefix...)
	line = append(line, j...)
	line = append(line, '\n')
	return line, nil
}

// parseSignatureDirective parses a `#signature {json}` line (without
// trailing newline) back into a Signature.
func parseSignatureDirective(content []byte) (Signature, error) {
	if !isSignatureDirective(content) {
		return Signature{}, ErrInvalidStreamSignature
	}
	var sig Signature
	if err := unmarshalJSON(content[len(signatureDirectivePrefix):], &sig); err != nil {
		return Signature{}, ErrInvalidStreamSignature
	}
	return sig, nil
}
