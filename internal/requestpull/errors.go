package requestpull

import "errors"

// Failure kinds. Per-ref rejections inside a successful replication
// surface via replication.Outcome, not as these errors.
var (
	// ErrNoConnection means the client could not establish or reuse a
	// connection to the remote peer.
	ErrNoConnection = errors.New("requestpull: no connection")
	// ErrTransport means a send/receive failed on an established
	// connection; fatal to the enclosing RPC.
	ErrTransport = errors.New("requestpull: transport error")
	// ErrProtocol means a frame failed to decode or arrived out of the
	// expected sequence.
	ErrProtocol = errors.New("requestpull: protocol error")
	// ErrAuthorization wraps a guard rejection surfaced as the single
	// Error response on the wire.
	ErrAuthorization = errors.New("requestpull: authorization rejected")
	// ErrCancelled is returned verbatim when an external abort stops a
	// client stream mid-flight, so callers can distinguish it from faults.
	ErrCancelled = errors.New("requestpull: cancelled")
)
