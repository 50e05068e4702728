// Replication follower: the client half of the HTTP pub/sub protocol.
// A Follower is itself a kind of subscriber, except its destination is
// a local Persister (via a borrowed Publisher) rather than application
// callbacks — bytes come off the wire and go straight into publish/
// publish_unsafe/update_head.
package evstream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Follower consumes a remote stream's chunked HTTP endpoint and
// replicates it into a local Stream, reconnecting on socket loss or
// malformed chunks. A schema mismatch reported by the remote stops it.
type Follower[R any] struct {
	local      *Stream[R]
	remoteBase string
	client     *http.Client
	checked    bool

	// Logf receives a line of text for conditions worth surfacing
	// (three consecutive malformed chunks); it defaults to a no-op so
	// the library never writes to stderr on its own.
	Logf func(string)

	mu                 sync.Mutex
	expectedNextIndex  uint64
	expectedNextUS     int64
	lastSubscriptionID string
	malformedStreak    int
	publisherBorrow    Borrowed[*Publisher[R]]

	// cancel/done/cancelOnce belong to the current run of the
	// steady-state loop. A failed FlipToMaster attempt re-arms these
	// with fresh values so the loop can resume from
	// expectedNextIndex/expectedNextUS; cancelOnce is a pointer so
	// re-arming never copies a sync.Once that has already fired.
	cancel      chan struct{}
	cancelOnce  *sync.Once
	done        chan struct{}
	releaseOnce sync.Once
}

// NewFollower constructs a Follower that will replicate remoteBase
// (e.g. "http://host:port/route") into local once Start is called.
func NewFollower[R any](local *Stream[R], remoteBase string, checked bool) *Follower[R] {
	return &Follower[R]{
		local:      local,
		remoteBase: remoteBase,
		client:     &http.Client{},
		checked:    checked,
		Logf:       func(string) {},
		cancel:     make(chan struct{}),
		cancelOnce: &sync.Once{},
		done:       make(chan struct{}),
	}
}

// Start puts the local stream into Following state and begins the
// reconnect loop in a background goroutine.
func (f *Follower[R]) Start() error {
	borrow, err := f.local.BecomeFollowing()
	if err != nil {
		return err
	}
	f.publisherBorrow = borrow
	go f.runLoop()
	return nil
}

// Stop cancels the reconnect loop, waits for it to exit, and releases
// the borrowed Publisher.
func (f *Follower[R]) Stop() {
	f.cancelOnce.Do(func() { close(f.cancel) })
	<-f.done
	f.releaseOnce.Do(func() { f.publisherBorrow.Release() })
}

// rearm restarts the steady-state loop after a flip attempt fails. It
// picks up from expectedNextIndex/expectedNextUS, the position already
// recorded by ordinary replication, so the local stream keeps catching
// up and a subsequent FlipToMaster retry can succeed once it has.
func (f *Follower[R]) rearm() {
	f.mu.Lock()
	f.cancel = make(chan struct{})
	f.cancelOnce = &sync.Once{}
	f.done = make(chan struct{})
	f.mu.Unlock()
	go f.runLoop()
}

func (f *Follower[R]) runLoop() {
	defer close(f.done)

	backoff := newExponentialBackoff(100*time.Millisecond, 5*time.Second)
	for {
		select {
		case <-f.cancel:
			return
		default:
		}

		if err := f.checkSchema(); err != nil {
			if errors.Is(err, ErrRemoteStreamInvalidSchema) {
				return
			}
			select {
			case <-f.cancel:
				return
			case <-time.After(backoff.next()):
			}
			continue
		}

		err := f.runOnce()
		if err == nil {
			return // context canceled cleanly inside runOnce
		}
		if errors.Is(err, errStreamTerminatedBySubscriber) {
			return
		}

		select {
		case <-f.cancel:
			return
		case <-time.After(backoff.next()):
		}
	}
}

// checkSchema fetches schema.simple from the remote and compares it to
// the local stream's own signature.
func (f *Follower[R]) checkSchema() error {
	req, err := http.NewRequest(http.MethodGet, f.remoteBase+"?schema=simple", nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return ErrRemoteStreamDoesNotRespond
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ErrRemoteStreamDoesNotRespond
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ErrRemoteStreamDoesNotRespond
	}
	var remote SimpleSchema
	if err := unmarshalJSON(body, &remote); err != nil {
		return ErrRemoteStreamInvalidSchema
	}
	local := renderSimpleSchema(f.local.Signature())
	if remote != local {
		return ErrRemoteStreamInvalidSchema
	}
	return nil
}

// runOnce opens one chunked GET, assembles and dispatches lines until
// the connection ends or cancellation is requested, and returns the
// error that ended it (nil only on cooperative cancellation).
func (f *Follower[R]) runOnce() error {
	f.mu.Lock()
	nextIndex, nextUS := f.expectedNextIndex, f.expectedNextUS
	f.mu.Unlock()

	ctx, cancelReq := context.WithCancel(context.Background())
	defer cancelReq()
	go func() {
		select {
		case <-f.cancel:
			cancelReq()
		case <-ctx.Done():
		}
	}()

	reqURL := fmt.Sprintf("%s?i=%d&since=%d", f.remoteBase, nextIndex, nextUS)
	if f.checked {
		reqURL += "&checked"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		select {
		case <-f.cancel:
			return nil
		default:
		}
		return ErrRemoteStreamDoesNotRespond
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ErrRemoteStreamDoesNotRespond
	}

	subID := resp.Header.Get(headerSubscriptionID)
	f.mu.Lock()
	f.lastSubscriptionID = subID
	f.mu.Unlock()

	dispatchErr := f.pump(resp.Body)
	if dispatchErr != nil {
		f.requestTerminate(subID)
	}
	select {
	case <-f.cancel:
		return nil
	default:
	}
	return dispatchErr
}

// pump implements the single two-state chunk-assembly machine: either
// we are mid-line (carrying a partial line from the previous read) or
// we are not. It never attempts to interpret bytes beyond finding line
// boundaries; dispatchLine owns all parsing.
func (f *Follower[R]) pump(body io.Reader) error {
	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			content := line
			if content[len(content)-1] == '\n' {
				content = content[:len(content)-1]
			}
			if n := len(content); n > 0 && content[n-1] == '\r' {
				content = content[:n-1]
			}
			if len(content) > 0 {
				if dispatchErr := f.dispatchLine(content); dispatchErr != nil {
					f.noteMalformed()
					return dispatchErr
				}
				f.noteWellFormed()
			}
		}
		if err != nil {
			if err == io.EOF {
				return ErrRemoteStreamDoesNotRespond
			}
			return err
		}
	}
}

func (f *Follower[R]) noteMalformed() {
	f.mu.Lock()
	f.malformedStreak++
	streak := f.malformedStreak
	f.mu.Unlock()
	if streak >= 3 {
		f.Logf("evstream: three consecutive malformed chunks from remote follower source")
	}
}

func (f *Follower[R]) noteWellFormed() {
	f.mu.Lock()
	f.malformedStreak = 0
	f.mu.Unlock()
}

// dispatchLine routes one complete line to publish_unsafe (record
// lines) or update_head (pure head lines).
func (f *Follower[R]) dispatchLine(content []byte) error {
	idxtsJSON, payloadJSON, hasTab := splitRecordLine(content)
	pub := f.publisherBorrow.Value()

	if !hasTab {
		var head headOnlyLine
		if err := unmarshalJSON(content, &head); err != nil {
			return ErrRemoteStreamMalformedChunk
		}
		if err := pub.UpdateHead(head.US); err != nil {
			return ErrRemoteStreamMalformedChunk
		}
		return nil
	}

	var idxts IndexTimestamp
	if err := unmarshalJSON(idxtsJSON, &idxts); err != nil {
		return ErrRemoteStreamMalformedChunk
	}
	_ = payloadJSON

	f.mu.Lock()
	expected := f.expectedNextIndex
	f.mu.Unlock()

	if f.checked && idxts.Index != expected {
		return ErrRemoteStreamMalformedChunk
	}

	if _, err := pub.PublishUnsafe(content); err != nil {
		return ErrRemoteStreamMalformedChunk
	}

	f.mu.Lock()
	f.expectedNextIndex = idxts.Index + 1
	f.expectedNextUS = idxts.US
	f.mu.Unlock()
	return nil
}

// requestTerminate best-effort cancels our own previous subscription on
// the remote before reconnecting, so the remote's subscription table
// doesn't accumulate dead entries across reconnects.
func (f *Follower[R]) requestTerminate(subID string) {
	if subID == "" {
		return
	}
	reqURL := f.remoteBase + "?terminate=" + url.QueryEscape(subID)
	resp, err := f.client.Get(reqURL)
	if err != nil {
		return
	}
	resp.Body.Close()
}

// exponentialBackoff doubles its delay on every call to next, starting
// at start and never exceeding max.
type exponentialBackoff struct {
	start, max, current time.Duration
}

func newExponentialBackoff(start, max time.Duration) *exponentialBackoff {
	return &exponentialBackoff{start: start, max: max, current: start}
}

func (b *exponentialBackoff) next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return d
}
