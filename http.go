// HTTP pub/sub endpoint: exposes a Stream over a chunked GET with a
// parameterized query language for range selection and output shaping.
//
// Each request that isn't sizeonly/schema/terminate runs a subscription
// (subscriber.go) synchronously in the request's own goroutine — the
// request goroutine net/http already gives us is the "one thread per
// HTTP chunked response" the concurrency model calls for, so there is
// no second goroutine hop for the common case.
package evstream

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/zeebo/xxh3"
)

// Custom response headers exposed on every chunked subscription.
const (
	headerSubscriptionID = "X-Current-Stream-Subscription-Id"
	headerStreamSize     = "X-Current-Stream-Size"
)

// httpSubscriptionTable tracks the cancel function for every in-flight
// chunked response on one stream's endpoint, so `?terminate=<id>` can
// reach it and Stream.Close can tear every one of them down.
type httpSubscriptionTable[R any] struct {
	mu   sync.Mutex
	subs map[string]func()
}

func newHTTPSubscriptionTable[R any]() *httpSubscriptionTable[R] {
	return &httpSubscriptionTable[R]{subs: make(map[string]func())}
}

// register inserts id, failing if it is already present — collisions
// are rejected rather than silently overwriting the earlier
// subscription.
func (t *httpSubscriptionTable[R]) register(id string, cancel func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.subs[id]; exists {
		return false
	}
	t.subs[id] = cancel
	return true
}

func (t *httpSubscriptionTable[R]) unregister(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, id)
}

// terminate cancels the named subscription, reporting whether it was
// found.
func (t *httpSubscriptionTable[R]) terminate(id string) bool {
	t.mu.Lock()
	cancel, ok := t.subs[id]
	t.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (t *httpSubscriptionTable[R]) closeAllSubscriptions() {
	t.mu.Lock()
	cancels := make([]func(), 0, len(t.subs))
	for _, cancel := range t.subs {
		cancels = append(cancels, cancel)
	}
	t.subs = make(map[string]func())
	t.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// newSubscriptionID returns a 64-hex-digit SHA-256 digest of a
// cryptographically random source, xxh3-mixed in as a fast entropy
// stirrer rather than a cryptographic primitive in its own right.
func newSubscriptionID() (string, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return "", err
	}
	mixed := xxh3.Hash(seed[:])
	var buf [40]byte
	copy(buf[:32], seed[:])
	binary.BigEndian.PutUint64(buf[32:], mixed)
	sum := sha256.Sum256(buf[:])
	return hex.EncodeToString(sum[:]), nil
}

// streamHandler is the http.Handler ExposeViaHTTP returns.
type streamHandler[R any] struct {
	stream *Stream[R]
	table  *httpSubscriptionTable[R]
}

// ExposeViaHTTP installs an HTTP subscription table on the stream and
// returns the handler to mount at whatever route the caller chooses.
// Fails with ErrStreamIsAlreadyExposed if called twice.
func (s *Stream[R]) ExposeViaHTTP() (http.Handler, error) {
	table := newHTTPSubscriptionTable[R]()
	if err := s.setExposure(table); err != nil {
		return nil, err
	}
	return &streamHandler[R]{stream: s, table: table}, nil
}

func (h *streamHandler[R]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	values := r.URL.Query()

	if id := values.Get("terminate"); id != "" {
		if h.table.terminate(id) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "terminated")
		} else {
			writeJSONError(w, http.StatusNotFound, "unknown subscription id")
		}
		return
	}

	if lang, want := parseSchemaRequest(r, values); want {
		h.serveSchema(w, lang)
		return
	}

	if _, ok := values["sizeonly"]; ok {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "%d", h.stream.Size())
		return
	}

	w.Header().Set(headerStreamSize, strconv.FormatUint(h.stream.Size(), 10))
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	params, err := parseQueryParams(values)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	persister := h.stream.Persister()
	size := persister.Size()
	begin, err := computeBeginIndex(persister, params, size)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap := persister.HeadAndLast()
	noRecordsPending := begin >= size
	noHeadPending := (snap.Last == nil && snap.Head < 0) || (snap.Last != nil && snap.Head <= snap.Last.US)
	if params.nowait && !params.array && noRecordsPending && noHeadPending {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	id, err := newSubscriptionID()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	flusher, _ := w.(http.Flusher)
	sub := &httpSubscription[R]{
		w:       w,
		flusher: flusher,
		opts:    params,
		firstUS: -1,
	}

	scope := &SubscriberScope[R]{persister: persister, cancelCh: make(chan struct{}), doneCh: make(chan struct{})}
	if !h.table.register(id, scope.cancel) {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	defer h.table.unregister(id)

	w.Header().Set(headerSubscriptionID, id)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	watchDone := make(chan struct{})
	go func() {
		select {
		case <-r.Context().Done():
			scope.cancel()
		case <-watchDone:
		}
	}()

	h.stream.registerSubscriber(scope)
	scope.run(h.stream, sub, SubscribeOptions{BeginIndex: begin, Unchecked: !params.checked})
	close(watchDone)

	sub.finalize()
}

func (h *streamHandler[R]) serveSchema(w http.ResponseWriter, lang string) {
	sig := h.stream.Signature()
	if lang == "" {
		doc := renderTopLevelSchema(sig)
		body, err := marshalJSON(doc)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
		return
	}
	body, contentType, ok := renderSchemaLanguage(sig, lang)
	if !ok {
		writeJSONErrorWithField(w, http.StatusNotFound, unknownSchemaLanguageBody(lang))
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	body, _ := marshalJSON(struct {
		Error string `json:"error"`
	}{Error: message})
	writeJSONErrorWithField(w, status, body)
}

func writeJSONErrorWithField(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// parseSchemaRequest reports whether this request asks for a schema
// document, and which language (empty string for the top-level
// object). The language can arrive as `?schema=lang`, bare `?schema`,
// or a `schema.<lang>` path suffix.
func parseSchemaRequest(r *http.Request, values map[string][]string) (lang string, want bool) {
	if v, ok := values["schema"]; ok {
		if len(v) > 0 && v[0] != "" {
			return v[0], true
		}
		return "", true
	}
	if idx := strings.LastIndex(r.URL.Path, "/schema."); idx >= 0 {
		return r.URL.Path[idx+len("/schema."):], true
	}
	return "", false
}

// queryParams is the parsed form of the subscription endpoint's HTTP
// query language.
type queryParams struct {
	hasI    bool
	i       uint64
	hasTail bool
	tail    uint64

	hasSince  bool
	since     int64
	hasRecent bool
	recentDUS int64

	hasN      bool
	n         uint64
	hasPeriod bool
	periodDUS int64
	nowait    bool

	hasStopAfterBytes bool
	stopAfterBytes    uint64

	entriesOnly bool
	array       bool
	checked     bool
	jsonDialect string
}

func parseQueryParams(values map[string][]string) (queryParams, error) {
	var p queryParams
	var err error

	if v, ok := values["i"]; ok {
		p.hasI = true
		if p.i, err = strconv.ParseUint(v[0], 10, 64); err != nil {
			return p, fmt.Errorf("invalid i: %w", err)
		}
	}
	if v, ok := values["tail"]; ok {
		p.hasTail = true
		if p.tail, err = strconv.ParseUint(v[0], 10, 64); err != nil {
			return p, fmt.Errorf("invalid tail: %w", err)
		}
	}
	if v, ok := values["since"]; ok {
		p.hasSince = true
		if p.since, err = strconv.ParseInt(v[0], 10, 64); err != nil {
			return p, fmt.Errorf("invalid since: %w", err)
		}
	}
	if v, ok := values["recent"]; ok {
		p.hasRecent = true
		if p.recentDUS, err = strconv.ParseInt(v[0], 10, 64); err != nil {
			return p, fmt.Errorf("invalid recent: %w", err)
		}
	}
	if v, ok := values["n"]; ok {
		p.hasN = true
		if p.n, err = strconv.ParseUint(v[0], 10, 64); err != nil {
			return p, fmt.Errorf("invalid n: %w", err)
		}
	}
	if v, ok := values["period"]; ok {
		p.hasPeriod = true
		if p.periodDUS, err = strconv.ParseInt(v[0], 10, 64); err != nil {
			return p, fmt.Errorf("invalid period: %w", err)
		}
	}
	if _, ok := values["nowait"]; ok {
		p.nowait = true
	}
	if v, ok := values["stop_after_bytes"]; ok {
		p.hasStopAfterBytes = true
		if p.stopAfterBytes, err = strconv.ParseUint(v[0], 10, 64); err != nil {
			return p, fmt.Errorf("invalid stop_after_bytes: %w", err)
		}
	}
	if _, ok := values["entries_only"]; ok {
		p.entriesOnly = true
	}
	if _, ok := values["array"]; ok {
		p.array = true
		p.entriesOnly = true
	}
	if _, ok := values["checked"]; ok {
		p.checked = true
	}
	if v, ok := values["json"]; ok {
		p.jsonDialect = v[0]
	}
	return p, nil
}

// computeBeginIndex combines the range-start parameters, AND style: the
// most restrictive (highest) candidate start wins.
func computeBeginIndex[R any](persister Persister[R], p queryParams, size uint64) (uint64, error) {
	var begin uint64
	found := false

	consider := func(candidate uint64) {
		if !found || candidate > begin {
			begin = candidate
		}
		found = true
	}

	if p.hasI {
		consider(p.i)
	}
	if p.hasTail {
		if p.tail == 0 {
			consider(size)
		} else if p.tail > size {
			consider(0)
		} else {
			consider(size - p.tail)
		}
	}
	if p.hasSince {
		b, _ := persister.IndexRangeByTimestampRange(p.since, -1)
		consider(b)
	}
	if p.hasRecent {
		since := Now() - p.recentDUS
		b, _ := persister.IndexRangeByTimestampRange(since, -1)
		consider(b)
	}
	if !found {
		return 0, nil
	}
	return begin, nil
}

// httpSubscription renders one chunked response body. The array-mode
// bracket state lives here, scoped to one response, rather than on the
// stream.
type httpSubscription[R any] struct {
	w       http.ResponseWriter
	flusher http.Flusher
	opts    queryParams

	firstUS      int64
	count        uint64
	bytesWritten uint64
	wroteAny     bool
}

func (sub *httpSubscription[R]) write(b []byte) {
	n, _ := sub.w.Write(b)
	sub.bytesWritten += uint64(n)
	if sub.flusher != nil {
		sub.flusher.Flush()
	}
}

// writeLine emits one payload line, handling array-mode bracket/comma
// placement: the first line has no leading separator, every later one
// is preceded by ",\n".
func (sub *httpSubscription[R]) writeLine(payload []byte) {
	if sub.opts.array {
		if !sub.wroteAny {
			sub.write([]byte("[\n"))
		} else {
			sub.write([]byte(",\n"))
		}
		sub.write(payload)
		sub.write([]byte("\n"))
		sub.wroteAny = true
		return
	}
	sub.write(payload)
	sub.write([]byte("\n"))
	sub.wroteAny = true
}

// finalize closes the array bracket, if array mode was requested.
func (sub *httpSubscription[R]) finalize() {
	if !sub.opts.array {
		return
	}
	if !sub.wroteAny {
		sub.write([]byte("[]\n"))
		return
	}
	sub.write([]byte("]\n"))
}

func (sub *httpSubscription[R]) recordLine(idxts IndexTimestamp, payload []byte) []byte {
	if sub.opts.entriesOnly {
		return payload
	}
	idxtsJSON, err := marshalJSON(idxts)
	if err != nil {
		return payload
	}
	line := make([]byte, 0, len(idxtsJSON)+1+len(payload))
	line = append(line, idxtsJSON...)
	line = append(line, '\t')
	line = append(line, payload...)
	return line
}

func (sub *httpSubscription[R]) withinPeriod(us int64) bool {
	if !sub.opts.hasPeriod {
		return true
	}
	if sub.firstUS < 0 {
		return true
	}
	return us <= sub.firstUS+sub.opts.periodDUS
}

func (sub *httpSubscription[R]) OnEntry(entry Entry[R], current IndexTimestamp, last *IndexTimestamp) SubscriberResult {
	if sub.firstUS < 0 {
		sub.firstUS = entry.IdxTS.US
	}
	if !sub.withinPeriod(entry.IdxTS.US) {
		return Done
	}
	payload, err := marshalJSON(entry.Payload)
	if err != nil {
		return Done
	}
	sub.writeLine(sub.recordLine(entry.IdxTS, payload))
	sub.count++
	if sub.opts.hasN && sub.count >= sub.opts.n {
		return Done
	}
	if sub.opts.hasStopAfterBytes && sub.bytesWritten >= sub.opts.stopAfterBytes {
		return Done
	}
	return More
}

func (sub *httpSubscription[R]) OnRaw(raw RawEntry, currentIndex uint64, last *IndexTimestamp) SubscriberResult {
	if sub.firstUS < 0 {
		sub.firstUS = raw.IdxTS.US
	}
	if !sub.withinPeriod(raw.IdxTS.US) {
		return Done
	}
	var payload []byte
	if sub.opts.entriesOnly {
		_, payloadJSON, ok := splitRecordLine(raw.Raw)
		if !ok {
			return Done
		}
		payload = payloadJSON
	} else {
		payload = raw.Raw
	}
	sub.writeLine(payload)
	sub.count++
	if sub.opts.hasN && sub.count >= sub.opts.n {
		return Done
	}
	if sub.opts.hasStopAfterBytes && sub.bytesWritten >= sub.opts.stopAfterBytes {
		return Done
	}
	return More
}

func (sub *httpSubscription[R]) OnHead(us int64) SubscriberResult {
	line, err := marshalJSON(headOnlyLine{US: us})
	if err != nil {
		return Done
	}
	sub.writeLine(line)
	if sub.opts.hasStopAfterBytes && sub.bytesWritten >= sub.opts.stopAfterBytes {
		return Done
	}
	return More
}

func (sub *httpSubscription[R]) Terminate() TerminateDecision {
	return Terminate
}

// AtTail is consulted by the scheduler once it has nothing left to
// deliver right now; nowait turns that moment into the end of the
// response instead of a suspend.
func (sub *httpSubscription[R]) AtTail() SubscriberResult {
	if sub.opts.nowait {
		return Done
	}
	return More
}
