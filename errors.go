// Package evstream implements an append-only, single-writer event log
// with multiplexed subscribers and controlled handover of write
// authority between replicas ("master flip").
//
// A Stream binds a Persister (durable storage) to a Publisher (the sole
// write path) and mints Subscriptions that replay history and follow the
// tail. The HTTP pub/sub endpoint exposes a Stream to remote callers; a
// Follower is the client half of that protocol, and the flip controller
// arbitrates which of two streams currently holds write authority.
package evstream

import "errors"

// Sentinel errors returned by Persister, Stream, Publisher, the HTTP
// endpoint, the replication follower, and the master-flip controller.
var (
	// ErrUnsafePublishBadIndexTimestamp is returned by publish_unsafe when
	// the raw line's index does not match the persister's expected next
	// index.
	ErrUnsafePublishBadIndexTimestamp = errors.New("unsafe publish: index does not match next index")

	// ErrInconsistentTimestamp is returned by publish/update_head when
	// the supplied timestamp does not advance past HEAD.
	ErrInconsistentTimestamp = errors.New("timestamp does not exceed current head")

	// ErrMalformedEntry is returned when a raw log line cannot be split
	// into its idxts and payload halves.
	ErrMalformedEntry = errors.New("malformed log entry")

	// ErrInvalidStreamSignature is returned when a log's persisted
	// signature does not match the signature of the type being opened.
	ErrInvalidStreamSignature = errors.New("stream signature mismatch")

	// ErrInvalidSignatureLocation is returned when a #signature
	// directive appears anywhere but the first line of the file.
	ErrInvalidSignatureLocation = errors.New("signature directive not at start of file")

	// ErrInvalidIterableRange is returned when iterate is asked for a
	// range with begin > end or end beyond the persister's size.
	ErrInvalidIterableRange = errors.New("invalid iterable range")

	// ErrNoEntriesPublishedYet is returned by last_published on an
	// empty persister.
	ErrNoEntriesPublishedYet = errors.New("no entries published yet")

	// ErrPersistenceFileNotWritable is returned when the log file
	// cannot be opened for writing.
	ErrPersistenceFileNotWritable = errors.New("persistence file not writable")

	// ErrPublisherNotAvailable is returned by get_publisher while the
	// stream is in the Following state.
	ErrPublisherNotAvailable = errors.New("publisher not available: stream is following")

	// ErrStreamIsAlreadyMaster is returned by become_master on a stream
	// that already owns its publisher.
	ErrStreamIsAlreadyMaster = errors.New("stream is already master")

	// ErrStreamIsAlreadyFollowing is returned by become_following on a
	// stream that has already given its publisher away.
	ErrStreamIsAlreadyFollowing = errors.New("stream is already following")

	// ErrStreamIsAlreadyExposed is returned by Stream.ExposeViaHTTP when
	// the stream already has an HTTP subscription table installed.
	ErrStreamIsAlreadyExposed = errors.New("stream is already exposed via http")

	// ErrStreamIsNotExposed is returned by operations that require a
	// prior ExposeViaHTTP call.
	ErrStreamIsNotExposed = errors.New("stream is not exposed via http")

	// ErrStreamDoesNotFollowAnyone is returned when FlipToMaster is
	// called without a remote stream configured to follow.
	ErrStreamDoesNotFollowAnyone = errors.New("stream does not follow any remote")

	// ErrRemoteStreamDoesNotRespond is returned by the follower/flip
	// client when the remote endpoint cannot be reached.
	ErrRemoteStreamDoesNotRespond = errors.New("remote stream does not respond")

	// ErrRemoteStreamInvalidSchema is returned when the remote's schema
	// does not match the local expectation.
	ErrRemoteStreamInvalidSchema = errors.New("remote stream schema mismatch")

	// ErrRemoteStreamMalformedChunk is returned when a line received from
	// the remote cannot be parsed or applied to the local stream.
	ErrRemoteStreamMalformedChunk = errors.New("remote stream sent malformed chunk")

	// ErrRemoteStreamRefusedFlipRequest is returned when the remote
	// rejects a flip_to_master request (HTTP status other than 200).
	ErrRemoteStreamRefusedFlipRequest = errors.New("remote stream refused flip request")

	// ErrFlipAlreadyInProgress is returned when a flip_to_master request
	// arrives while a previous one is still being served.
	ErrFlipAlreadyInProgress = errors.New("master flip already in progress")

	// ErrFlipRateLimited is returned while the key-mismatch backoff
	// window from a previous failed attempt is still in effect.
	ErrFlipRateLimited = errors.New("master flip rate limited")

	// ErrFlipKeyMismatch is returned when the flip_to_master request's
	// key does not match the one minted by ExposeViaHTTP.
	ErrFlipKeyMismatch = errors.New("master flip key mismatch")

	// ErrFlipPreconditionFailed is returned when the client-reported
	// head/index does not satisfy the ordering preconditions required
	// before a flip can proceed.
	ErrFlipPreconditionFailed = errors.New("master flip precondition failed")

	// ErrFlipClockSkewTooLarge is returned when the prospective master's
	// reported clock differs from the controller's by more than the
	// configured MasterFlipRestrictions.MaxClockDiff.
	ErrFlipClockSkewTooLarge = errors.New("master flip clock skew too large")

	// ErrFlipDiffTooLarge is returned when the pending diff would exceed
	// a configured MasterFlipRestrictions bound.
	ErrFlipDiffTooLarge = errors.New("master flip diff exceeds configured restriction")

	// errStreamTerminatedBySubscriber is an internal control-flow signal
	// used by the follower's read loop to unwind cleanly; it is never
	// returned to a caller of the public API.
	errStreamTerminatedBySubscriber = errors.New("stream terminated by subscriber")
)
