package requestpull_test

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/emberlink/ember/internal/gossip"
	"github.com/emberlink/ember/internal/refdb"
	"github.com/emberlink/ember/internal/replication"
	"github.com/emberlink/ember/internal/requestpull"
)

// readRawFrame reads one length-delimited CBOR frame directly off conn,
// bypassing Client so a test can observe a Serve call that rejects a
// session without ever reading a request frame itself (a write from
// Client before any read would otherwise deadlock against such a Serve
// call on a synchronous net.Pipe).
func readRawFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		t.Fatalf("reading frame length: %v", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("reading frame body: %v", err)
	}
	return buf
}

func newPeer(t *testing.T) refdb.PeerID {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	id, err := refdb.NewPeerID(pub)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

type recordingAnnouncer struct {
	announces []gossip.Announce
	excluded  []refdb.PeerID
}

func (r *recordingAnnouncer) Publish(ctx context.Context, a gossip.Announce, excluded refdb.PeerID) {
	r.announces = append(r.announces, a)
	r.excluded = append(r.excluded, excluded)
}

func TestServerAuthorizedHappyPath(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	requester := newPeer(t)
	urn, err := refdb.ParseURN("rad:git:proj")
	if err != nil {
		t.Fatal(err)
	}

	oid1 := refdb.HashOid([]byte("r1"))
	oid2 := refdb.HashOid([]byte("r2"))
	announcer := &recordingAnnouncer{}

	srv := requestpull.NewServer(
		func(ctx context.Context, peer refdb.PeerID, u refdb.URN) (fmt.Stringer, error) {
			return requestpull.Displayable("checks pass"), nil
		},
		requestpull.ReplicatorFunc(func(ctx context.Context, conn replication.Connection, u refdb.URN, peer refdb.PeerID) (*replication.Outcome, error) {
			return &replication.Outcome{
				Updated: []replication.RefUpdate{
					{Name: "R1", Target: oid1},
					{Name: "R2", Target: oid2},
				},
			}, nil
		}),
		announcer,
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(context.Background(), serverConn, requester, nil) }()

	client := &requestpull.Client{}
	respCh, sess, err := client.RequestPull(context.Background(), clientConn, urn, nil)
	if err != nil {
		t.Fatal(err)
	}

	var got []requestpull.Response
	for r := range respCh {
		got = append(got, r)
	}
	sess.Wait()

	if len(got) != 4 {
		t.Fatalf("expected 4 frames (2 progress + authorize-confirm fold + success), got %d: %+v", len(got), got)
	}
	if got[0].Kind != requestpull.KindProgress || got[1].Kind != requestpull.KindProgress || got[2].Kind != requestpull.KindProgress {
		t.Fatalf("expected first three frames to be progress, got %+v", got[:3])
	}
	last := got[len(got)-1]
	if last.Kind != requestpull.KindSuccess {
		t.Fatalf("expected terminal Success, got %+v", last)
	}
	if len(last.Refs) != 2 {
		t.Fatalf("expected 2 refs in success, got %d", len(last.Refs))
	}

	if len(announcer.announces) != 2 {
		t.Fatalf("expected 2 gossip announces, got %d", len(announcer.announces))
	}
	for _, ex := range announcer.excluded {
		if !ex.Equal(requester) {
			t.Fatalf("expected every announce to exclude the requester")
		}
	}

	if err := <-errCh; err != nil {
		t.Fatalf("server returned error: %v", err)
	}
}

func TestServerGuardRejects(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	urn, _ := refdb.ParseURN("rad:git:proj")
	announcer := &recordingAnnouncer{}

	replicateCalled := false
	srv := requestpull.NewServer(
		func(ctx context.Context, peer refdb.PeerID, u refdb.URN) (fmt.Stringer, error) {
			return nil, fmt.Errorf("forbidden")
		},
		requestpull.ReplicatorFunc(func(ctx context.Context, conn replication.Connection, u refdb.URN, peer refdb.PeerID) (*replication.Outcome, error) {
			replicateCalled = true
			return &replication.Outcome{}, nil
		}),
		announcer,
	)

	go func() { _ = srv.Serve(context.Background(), serverConn, newPeer(t), nil) }()

	client := &requestpull.Client{}
	respCh, sess, err := client.RequestPull(context.Background(), clientConn, urn, nil)
	if err != nil {
		t.Fatal(err)
	}

	var got []requestpull.Response
	for r := range respCh {
		got = append(got, r)
	}
	sess.Wait()

	if len(got) != 2 {
		t.Fatalf("expected Progress then Error, got %d: %+v", len(got), got)
	}
	if got[0].Kind != requestpull.KindProgress {
		t.Fatalf("expected first frame progress, got %+v", got[0])
	}
	if got[1].Kind != requestpull.KindError || got[1].Message != "forbidden" {
		t.Fatalf("expected Error{forbidden}, got %+v", got[1])
	}
	if replicateCalled {
		t.Fatal("replicate must not run when the guard rejects")
	}
	if len(announcer.announces) != 0 {
		t.Fatal("no gossip announce expected when the guard rejects")
	}
}

func TestServerDecodeError(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	srv := requestpull.NewServer(
		func(ctx context.Context, peer refdb.PeerID, u refdb.URN) (fmt.Stringer, error) {
			t.Fatal("guard should not be invoked on a decode error")
			return nil, nil
		},
		requestpull.ReplicatorFunc(func(ctx context.Context, conn replication.Connection, u refdb.URN, peer refdb.PeerID) (*replication.Outcome, error) {
			t.Fatal("replicate should not run on a decode error")
			return nil, nil
		}),
		nil,
	)

	done := make(chan struct{})
	go func() {
		_ = srv.Serve(context.Background(), serverConn, newPeer(t), nil)
		close(done)
	}()

	// Write garbage bytes as the request frame: a length prefix
	// followed by bytes that do not decode as a Request array.
	go func() {
		clientConn.SetDeadline(time.Now().Add(2 * time.Second))
		badLen := []byte{0, 0, 0, 3}
		clientConn.Write(badLen)
		clientConn.Write([]byte{0xff, 0xff, 0xff})
	}()

	br := make([]byte, 256)
	clientConn.SetDeadline(time.Now().Add(2 * time.Second))
	n, err := clientConn.Read(br)
	if err != nil {
		t.Fatalf("reading server's error frame: %v", err)
	}
	if n == 0 {
		t.Fatal("expected a non-empty error frame")
	}
	<-done
}

func TestServerRejectsSessionsAfterClose(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	srv := requestpull.NewServer(
		func(ctx context.Context, peer refdb.PeerID, u refdb.URN) (fmt.Stringer, error) {
			t.Fatal("guard should not be invoked once the server has been closed")
			return nil, nil
		},
		requestpull.ReplicatorFunc(func(ctx context.Context, conn replication.Connection, u refdb.URN, peer refdb.PeerID) (*replication.Outcome, error) {
			t.Fatal("replicate should not run once the server has been closed")
			return nil, nil
		}),
		nil,
	)
	srv.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(context.Background(), serverConn, newPeer(t), nil) }()

	// Serve rejects the session at the shutdownChan check before ever
	// reading a request frame, so read its terminal Error frame directly
	// rather than driving a real Client (whose initial request write
	// would otherwise race a Serve call that never consumes it).
	var resp requestpull.Response
	if err := resp.UnmarshalCBOR(readRawFrame(t, clientConn)); err != nil {
		t.Fatalf("decoding response frame: %v", err)
	}
	if resp.Kind != requestpull.KindError {
		t.Fatalf("expected KindError, got %+v", resp)
	}

	if err := <-errCh; err != nil {
		t.Fatalf("Serve should return nil after sending a terminal Error frame, got %v", err)
	}
	if srv.ActiveSessions() != 0 {
		t.Fatalf("expected 0 active sessions after a rejected Serve, got %d", srv.ActiveSessions())
	}
}

func TestServerRejectsSessionsOverMaxSessions(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	srv := requestpull.NewServer(
		func(ctx context.Context, peer refdb.PeerID, u refdb.URN) (fmt.Stringer, error) {
			t.Fatal("guard should not be invoked: the first session never sends a request")
			return nil, nil
		},
		requestpull.ReplicatorFunc(func(ctx context.Context, conn replication.Connection, u refdb.URN, peer refdb.PeerID) (*replication.Outcome, error) {
			t.Fatal("replicate should not run: the first session never sends a request")
			return nil, nil
		}),
		nil,
	)
	srv.MaxSessions = 1

	// Occupy the one available session slot: the first Serve call
	// increments activeSessions and then blocks reading a request frame
	// that the test never sends, holding the slot open.
	firstDone := make(chan struct{})
	go func() {
		_ = srv.Serve(context.Background(), serverConn, newPeer(t), nil)
		close(firstDone)
	}()

	// Poll until the first session has incremented the active count,
	// to avoid racing the second Serve call against the first.
	deadline := time.Now().Add(2 * time.Second)
	for srv.ActiveSessions() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("first session never became active")
		}
		time.Sleep(time.Millisecond)
	}

	secondServerConn, secondClientConn := net.Pipe()
	defer secondServerConn.Close()
	defer secondClientConn.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(context.Background(), secondServerConn, newPeer(t), nil) }()

	// The over-limit check also rejects before reading a request frame,
	// so read the terminal Error frame directly (see the Close test above
	// for why a real Client would deadlock here).
	var resp requestpull.Response
	if err := resp.UnmarshalCBOR(readRawFrame(t, secondClientConn)); err != nil {
		t.Fatalf("decoding response frame: %v", err)
	}
	if resp.Kind != requestpull.KindError {
		t.Fatalf("expected KindError for the over-limit session, got %+v", resp)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("over-limit Serve call should return no error (it replies Error, not fail): %v", err)
	}

	// Release the first session by closing its connection, ending its
	// blocked read with an error.
	serverConn.Close()
	<-firstDone
}

// blockingGitReceiver blocks until ctx is cancelled, modelling a git
// task awaiting a stream the server never opens.
type blockingGitReceiver struct {
	entered chan struct{}
}

func (b *blockingGitReceiver) Receive(ctx context.Context) error {
	close(b.entered)
	<-ctx.Done()
	return ctx.Err()
}

func TestClientCancellationDuringGitTaskSurfacesErrCancelled(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	// The server never replies: the client's response loop blocks on
	// its own read, and the git task blocks on ctx, so cancellation is
	// the only thing that can end the session.
	go func() {
		buf := make([]byte, 256)
		for {
			if _, err := serverConn.Read(buf); err != nil {
				return
			}
		}
	}()

	urn, _ := refdb.ParseURN("rad:git:proj")
	ctx, cancel := context.WithCancel(context.Background())

	git := &blockingGitReceiver{entered: make(chan struct{})}
	client := &requestpull.Client{}
	respCh, sess, err := client.RequestPull(ctx, clientConn, urn, git)
	if err != nil {
		t.Fatal(err)
	}

	<-git.entered
	cancel()

	for range respCh {
		// drain until the channel closes
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("Session.Err() must not panic when the git task was merely cancelled, got %v", r)
			}
		}()
		if err := sess.Err(); err != requestpull.ErrCancelled {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	}()
}
