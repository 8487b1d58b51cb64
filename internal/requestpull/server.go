package requestpull

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/emberlink/ember/internal/gossip"
	"github.com/emberlink/ember/internal/refdb"
	"github.com/emberlink/ember/internal/replication"
)

// Guard authorizes a request-pull for (peer, urn). On success it
// returns something renderable as a progress message.
type Guard func(ctx context.Context, peer refdb.PeerID, urn refdb.URN) (fmt.Stringer, error)

// Displayable wraps a plain string as a fmt.Stringer for guards that
// have nothing richer to report.
type Displayable string

func (d Displayable) String() string { return string(d) }

// Replicator is the narrow capability Server needs from the
// replication driver: given the same connection the request-pull
// stream arrived on, pull urn from peer and report the structured
// outcome. Callers close over their own store, tracking policy, and
// identity validator when constructing this function, so this package
// stays decoupled from replication's wider parameter list.
type Replicator interface {
	Replicate(ctx context.Context, conn replication.Connection, urn refdb.URN, peer refdb.PeerID) (*replication.Outcome, error)
}

// ReplicatorFunc adapts a function to Replicator.
type ReplicatorFunc func(ctx context.Context, conn replication.Connection, urn refdb.URN, peer refdb.PeerID) (*replication.Outcome, error)

func (f ReplicatorFunc) Replicate(ctx context.Context, conn replication.Connection, urn refdb.URN, peer refdb.PeerID) (*replication.Outcome, error) {
	return f(ctx, conn, urn, peer)
}

// Server drives one bidirectional stream through the single-shot
// Recv -> Authorize -> Replicate -> Gossip -> Reply state machine.
// It also bounds the number of sessions it will run concurrently and
// supports a graceful Close: sessions already in flight finish, new
// ones are turned away with a single Error response.
type Server struct {
	Guard      Guard
	Replicator Replicator
	Announcer  gossip.Announcer

	// MaxSessions bounds concurrent in-flight Serve calls. Zero (the
	// default from NewServer) means unbounded.
	MaxSessions int

	activeSessions int32 // atomic
	shutdownChan   chan struct{}
	stopOnce       sync.Once
}

// NewServer constructs a Server from its three capabilities.
func NewServer(guard Guard, replicator Replicator, announcer gossip.Announcer) *Server {
	return &Server{
		Guard:        guard,
		Replicator:   replicator,
		Announcer:    announcer,
		shutdownChan: make(chan struct{}),
	}
}

// Close begins graceful shutdown: sessions already in flight run to
// completion, but any Serve call made after Close returns a single
// Error response of "server shutting down" instead of starting a new
// session. Safe to call more than once.
func (s *Server) Close() {
	s.stopOnce.Do(func() { close(s.shutdownChan) })
}

// ActiveSessions reports the number of Serve calls currently in flight.
func (s *Server) ActiveSessions() int32 {
	return atomic.LoadInt32(&s.activeSessions)
}

// Serve runs one request-pull session to completion. rw is the control
// stream the CBOR frames travel over; gitConn is the same logical
// connection exposed as a replication.Connection so Replicate can open
// its own multiplexed git stream alongside these frames. Serve sends at
// most one terminal frame (Success or Error) and then returns; when
// reading the request or sending a frame fails it returns that error
// without a terminal frame. It never panics on a well-formed or
// malformed request.
func (s *Server) Serve(ctx context.Context, rw io.ReadWriter, peer refdb.PeerID, gitConn replication.Connection) error {
	br := bufio.NewReaderSize(rw, MinFrameBuffer)
	bw := bufio.NewWriterSize(rw, MinFrameBuffer)

	select {
	case <-s.shutdownChan:
		sessionMetrics.rejected.Add(ctx, 1)
		return sendTerminal(bw, Response{Kind: KindError, Message: "server shutting down"})
	default:
	}
	if s.MaxSessions > 0 && atomic.LoadInt32(&s.activeSessions) >= int32(s.MaxSessions) {
		sessionMetrics.rejected.Add(ctx, 1)
		return sendTerminal(bw, Response{Kind: KindError, Message: "too many concurrent request-pull sessions"})
	}

	atomic.AddInt32(&s.activeSessions, 1)
	sessionMetrics.started.Add(ctx, 1)
	sessionMetrics.active.Add(ctx, 1)
	defer func() {
		atomic.AddInt32(&s.activeSessions, -1)
		sessionMetrics.active.Add(ctx, -1)
	}()

	// Recv
	reqBytes, err := readFrame(br)
	if err != nil {
		sessionMetrics.errored.Add(ctx, 1)
		return fmt.Errorf("%w: recv: %v", ErrTransport, err)
	}
	var req Request
	if err := req.UnmarshalCBOR(reqBytes); err != nil {
		sessionMetrics.errored.Add(ctx, 1)
		return sendTerminal(bw, Response{Kind: KindError, Message: "failed to decode request"})
	}
	urn, err := refdb.ParseURN(req.URN)
	if err != nil {
		sessionMetrics.errored.Add(ctx, 1)
		return sendTerminal(bw, Response{Kind: KindError, Message: "failed to decode request"})
	}

	// Authorize
	if err := sendProgress(bw, "authorizing "+urn.String()); err != nil {
		sessionMetrics.errored.Add(ctx, 1)
		return err
	}
	disp, err := s.Guard(ctx, peer, urn)
	if err != nil {
		sessionMetrics.errored.Add(ctx, 1)
		return sendTerminal(bw, Response{Kind: KindError, Message: err.Error()})
	}
	if err := sendProgress(bw, disp.String()); err != nil {
		sessionMetrics.errored.Add(ctx, 1)
		return err
	}

	// Replicate
	if err := sendProgress(bw, "replicating "+urn.String()); err != nil {
		sessionMetrics.errored.Add(ctx, 1)
		return err
	}
	outcome, err := s.Replicator.Replicate(ctx, gitConn, urn, peer)
	if err != nil {
		sessionMetrics.errored.Add(ctx, 1)
		return sendTerminal(bw, Response{Kind: KindError, Message: err.Error()})
	}

	refs := make([]RefEntry, 0, len(outcome.Updated))
	for _, u := range outcome.Updated {
		if u.Pruned {
			continue
		}
		refs = append(refs, RefEntry{Name: u.Name, Oid: u.Target[:]})
	}

	// Gossip: one announce per replicated tip, excluding the requester.
	// Fire-and-forget with no inter-rev ordering guarantee, but every
	// announce precedes the terminal Success.
	if s.Announcer != nil {
		for _, u := range outcome.Updated {
			if u.Pruned {
				continue
			}
			s.Announcer.Publish(ctx, gossip.Announce{URN: urn, Rev: u.Target}, peer)
		}
	}

	// Reply
	return sendTerminal(bw, Response{Kind: KindSuccess, Refs: refs})
}

func sendProgress(bw *bufio.Writer, message string) error {
	if err := sendFrame(bw, Response{Kind: KindProgress, Message: message}); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

func sendTerminal(bw *bufio.Writer, resp Response) error {
	if err := sendFrame(bw, resp); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}
