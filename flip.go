// Master-flip controller: migrates write authority from this stream to
// a prospective new master with zero gap and zero overlap. The
// controller mints a secret key over ExposeViaHTTP, accepts exactly one
// flip_to_master request at a time, and on success hands this stream's
// write authority away permanently (it remains Following, still
// serving reads, for the rest of its life as this controller knows it).
package evstream

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/zeebo/xxh3"
)

// MasterFlipRestrictions bounds how large a pending diff a flip request
// is allowed to trigger. Zero in any field means that bound is
// unlimited.
type MasterFlipRestrictions struct {
	MaxIndexDiff uint64        // entries still to ship
	MaxHeadDiff  int64         // HEAD gap, in microseconds
	MaxDiffSize  int64         // bytes of diff payload
	MaxClockDiff int64         // clock skew tolerance, in microseconds
}

// FlipCallbacks are optional hooks fired around a successful flip. Any
// of them may be nil.
type FlipCallbacks struct {
	// OnFlipStarted fires once preconditions pass, before the Publisher
	// is taken away; it may still publish into the outgoing master to
	// let the diff shrink.
	OnFlipStarted func()
	// OnFlipFinished fires asynchronously after the diff has been
	// delivered cleanly.
	OnFlipFinished func()
	// OnFlipCanceled fires when a flip that had begun is rolled back,
	// with the error that caused the rollback.
	OnFlipCanceled func(error)
}

// flipRateLimiter tracks the exponential backoff a wrong key triggers:
// the first mismatch blocks further attempts for 1s, the next for 2s,
// and so on, resetting to 1s on the next success.
type flipRateLimiter struct {
	mu           sync.Mutex
	backoff      time.Duration
	blockedUntil time.Time
}

func newFlipRateLimiter() *flipRateLimiter {
	return &flipRateLimiter{backoff: time.Second}
}

func (r *flipRateLimiter) blocked(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return now.Before(r.blockedUntil)
}

func (r *flipRateLimiter) recordFailure(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blockedUntil = now.Add(r.backoff)
	r.backoff *= 2
}

func (r *flipRateLimiter) recordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backoff = time.Second
	r.blockedUntil = time.Time{}
}

// FlipController wraps a Stream and exposes the flip_to_master control
// route that migrates its write authority away.
type FlipController[R any] struct {
	stream       *Stream[R]
	restrictions MasterFlipRestrictions
	callbacks    FlipCallbacks
	limiter      *flipRateLimiter

	// CompressionThreshold, if positive, is the diff size in bytes at or
	// above which the response is sent as Content-Encoding: zstd. Zero (the
	// default) never compresses, matching the "skip compressor warm-up
	// on the common small-diff flip" reasoning.
	CompressionThreshold int64

	mu       sync.Mutex
	key      string
	flipping bool
}

// NewFlipController builds a controller around stream. The controller
// does not expose anything until ExposeViaHTTP is called.
func NewFlipController[R any](stream *Stream[R], restrictions MasterFlipRestrictions, callbacks FlipCallbacks) *FlipController[R] {
	return &FlipController[R]{
		stream:       stream,
		restrictions: restrictions,
		callbacks:    callbacks,
		limiter:      newFlipRateLimiter(),
	}
}

// newFlipKey draws a 19-digit decimal secret from a cryptographic
// random source, entropy-mixed with xxh3 and folded through SHA-256
// the same way newSubscriptionID produces HTTP subscription ids.
func newFlipKey() (string, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return "", err
	}
	mixed := xxh3.Hash(seed)
	var buf [40]byte
	copy(buf[:32], seed)
	binary.BigEndian.PutUint64(buf[32:], mixed)
	sum := sha256.Sum256(buf[:])
	n := binary.BigEndian.Uint64(sum[:8]) % 10000000000000000000
	return fmt.Sprintf("%019d", n), nil
}

// ExposeViaHTTP mints the secret flip key and returns an http.Handler
// for the `/control/flip_to_master` route, along with the key. The key
// is never retrievable again after this call returns.
func (fc *FlipController[R]) ExposeViaHTTP() (http.Handler, string, error) {
	key, err := newFlipKey()
	if err != nil {
		return nil, "", err
	}
	fc.mu.Lock()
	fc.key = key
	fc.mu.Unlock()
	return fc, key, nil
}

func (fc *FlipController[R]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	keyParam := q.Get("key")
	if keyParam == "" || !q.Has("head") {
		http.Error(w, "missing required query parameter", http.StatusBadRequest)
		return
	}
	clientHead, err := strconv.ParseInt(q.Get("head"), 10, 64)
	if err != nil {
		http.Error(w, "malformed head parameter", http.StatusBadRequest)
		return
	}
	hasI := q.Has("i")
	var clientNextIndex uint64
	if hasI {
		clientNextIndex, err = strconv.ParseUint(q.Get("i"), 10, 64)
		if err != nil {
			http.Error(w, "malformed i parameter", http.StatusBadRequest)
			return
		}
	}
	hasClock := q.Has("clock")
	var clientClock int64
	if hasClock {
		clientClock, err = strconv.ParseInt(q.Get("clock"), 10, 64)
		if err != nil {
			http.Error(w, "malformed clock parameter", http.StatusBadRequest)
			return
		}
	}
	checked := q.Has("checked")

	now := time.Now()

	if fc.limiter.blocked(now) {
		http.Error(w, ErrFlipRateLimited.Error(), http.StatusBadRequest)
		return
	}

	fc.mu.Lock()
	if fc.flipping {
		fc.mu.Unlock()
		http.Error(w, ErrFlipAlreadyInProgress.Error(), http.StatusBadRequest)
		return
	}
	fc.flipping = true
	expectedKey := fc.key
	fc.mu.Unlock()
	defer func() {
		fc.mu.Lock()
		fc.flipping = false
		fc.mu.Unlock()
	}()

	if subtle.ConstantTimeCompare([]byte(keyParam), []byte(expectedKey)) != 1 {
		fc.limiter.recordFailure(now)
		http.Error(w, ErrFlipKeyMismatch.Error(), http.StatusBadRequest)
		return
	}
	fc.limiter.recordSuccess()

	persister := fc.stream.Persister()
	currentHead := persister.CurrentHead()
	if clientHead > currentHead {
		http.Error(w, ErrFlipPreconditionFailed.Error(), http.StatusBadRequest)
		return
	}

	currentNextIndex := persister.Size()
	diffBeginIndex := uint64(0)
	if hasI {
		if clientNextIndex > currentNextIndex {
			http.Error(w, ErrFlipPreconditionFailed.Error(), http.StatusBadRequest)
			return
		}
		begin, _ := persister.IndexRangeByTimestampRange(clientHead+1, -1)
		if begin != clientNextIndex {
			http.Error(w, ErrFlipPreconditionFailed.Error(), http.StatusBadRequest)
			return
		}
		diffBeginIndex = clientNextIndex
	}

	if fc.restrictions.MaxClockDiff > 0 && hasClock {
		skew := clientClock - now.UnixMicro()
		if skew < 0 {
			skew = -skew
		}
		if skew > fc.restrictions.MaxClockDiff {
			http.Error(w, ErrFlipClockSkewTooLarge.Error(), http.StatusBadRequest)
			return
		}
	}

	if fc.restrictions.MaxIndexDiff > 0 && currentNextIndex-diffBeginIndex > fc.restrictions.MaxIndexDiff {
		http.Error(w, ErrFlipDiffTooLarge.Error(), http.StatusBadRequest)
		return
	}
	if fc.restrictions.MaxHeadDiff > 0 && currentHead-clientHead > fc.restrictions.MaxHeadDiff {
		http.Error(w, ErrFlipDiffTooLarge.Error(), http.StatusBadRequest)
		return
	}
	if fc.restrictions.MaxDiffSize > 0 {
		size, err := measureDiffSize(persister, diffBeginIndex, currentNextIndex)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if size > fc.restrictions.MaxDiffSize {
			http.Error(w, ErrFlipDiffTooLarge.Error(), http.StatusBadRequest)
			return
		}
	}

	if fc.callbacks.OnFlipStarted != nil {
		fc.callbacks.OnFlipStarted()
	}

	borrow, err := fc.stream.BecomeFollowing()
	if err != nil {
		if fc.callbacks.OnFlipCanceled != nil {
			fc.callbacks.OnFlipCanceled(err)
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	streamErr := fc.streamDiff(w, persister, diffBeginIndex, checked)
	borrow.Release()
	if streamErr != nil {
		if becomeErr := fc.stream.BecomeMaster(); becomeErr != nil {
			streamErr = becomeErr
		}
		if fc.callbacks.OnFlipCanceled != nil {
			fc.callbacks.OnFlipCanceled(streamErr)
		}
		return
	}

	if fc.callbacks.OnFlipFinished != nil {
		go fc.callbacks.OnFlipFinished()
	}
}

// measureDiffSize sums the on-wire byte length of the raw lines in
// [begin, end) without decoding them, used to enforce MaxDiffSize as a
// precondition before any state changes.
func measureDiffSize[R any](persister Persister[R], begin, end uint64) (int64, error) {
	seq, err := persister.IterateUnsafe(begin, end)
	if err != nil {
		return 0, err
	}
	var total int64
	for raw, err := range seq {
		if err != nil {
			return 0, err
		}
		total += int64(len(raw.Raw)) + 1
	}
	return total, nil
}

// buildDiffBody renders the full flip diff: every record in [begin,
// end), checked or unchecked, followed by a trailing head-update line
// if the persister's current HEAD has advanced past the last record's
// own timestamp.
func buildDiffBody[R any](persister Persister[R], begin, end uint64, checked bool) ([]byte, error) {
	var buf bytes.Buffer
	lastUS := int64(-1)

	if checked {
		seq, err := persister.Iterate(begin, end)
		if err != nil {
			return nil, err
		}
		for entry, err := range seq {
			if err != nil {
				return nil, err
			}
			payloadJSON, err := marshalJSON(entry.Payload)
			if err != nil {
				return nil, err
			}
			line, err := encodeRecordLine(entry.IdxTS, payloadJSON)
			if err != nil {
				return nil, err
			}
			buf.Write(line)
			lastUS = entry.IdxTS.US
		}
	} else {
		seq, err := persister.IterateUnsafe(begin, end)
		if err != nil {
			return nil, err
		}
		for raw, err := range seq {
			if err != nil {
				return nil, err
			}
			buf.Write(raw.Raw)
			if n := len(raw.Raw); n == 0 || raw.Raw[n-1] != '\n' {
				buf.WriteByte('\n')
			}
			lastUS = raw.IdxTS.US
		}
	}

	snap := persister.HeadAndLast()
	if snap.Last != nil && snap.Last.US > lastUS {
		lastUS = snap.Last.US
	}
	head := snap.Head
	if head > lastUS {
		headLine, err := marshalJSON(headOnlyLine{US: head})
		if err != nil {
			return nil, err
		}
		buf.Write(headLine)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func (fc *FlipController[R]) streamDiff(w http.ResponseWriter, persister Persister[R], begin uint64, checked bool) error {
	end := persister.Size()
	body, err := buildDiffBody(persister, begin, end, checked)
	if err != nil {
		return err
	}

	payload := body
	encoding := ""
	if fc.CompressionThreshold > 0 && int64(len(body)) >= fc.CompressionThreshold {
		if compressed := zstdCompress(body); len(compressed) < len(body) {
			payload = compressed
			encoding = "zstd"
		}
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if encoding != "" {
		w.Header().Set("Content-Encoding", encoding)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(payload); err != nil {
		return err
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

// FlipToMaster is the calling side of the protocol: it stops this
// Follower's steady-state reconnect loop (while keeping its Publisher
// borrow alive), requests the remote relinquish master status, applies
// the returned diff through the same dispatch path as ordinary
// replication, and finally promotes the local stream to Master.
//
// On success the Follower is done; it must not be Start-ed again. On
// failure the steady-state loop is re-armed from the current tail
// before FlipToMaster returns, so the local stream keeps catching up
// and the caller can retry once it has.
func (f *Follower[R]) FlipToMaster(key string) error {
	f.cancelOnce.Do(func() { close(f.cancel) })
	<-f.done

	persister := f.local.Persister()
	headNow := persister.CurrentHead()
	nextIndex := persister.Size()

	reqURL := fmt.Sprintf("%s/control/flip_to_master?key=%s&head=%d&i=%d&clock=%d",
		f.remoteBase, url.QueryEscape(key), headNow, nextIndex, time.Now().UnixMicro())
	if f.checked {
		reqURL += "&checked"
	}

	resp, err := f.client.Get(reqURL)
	if err != nil {
		f.rearm()
		return ErrRemoteStreamDoesNotRespond
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		f.rearm()
		return ErrRemoteStreamRefusedFlipRequest
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		f.rearm()
		return ErrRemoteStreamDoesNotRespond
	}
	if resp.Header.Get("Content-Encoding") == "zstd" {
		raw, err = zstdDecompress(raw)
		if err != nil {
			f.rearm()
			return ErrRemoteStreamMalformedChunk
		}
	}

	// pump reports the end of its input as ErrRemoteStreamDoesNotRespond;
	// here the end of input is simply the end of the diff.
	if err := f.pump(bytes.NewReader(raw)); err != nil && err != ErrRemoteStreamDoesNotRespond {
		f.rearm()
		return err
	}

	f.releaseOnce.Do(func() { f.publisherBorrow.Release() })
	return f.local.BecomeMaster()
}
