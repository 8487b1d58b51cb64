package requestpull

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/emberlink/ember/internal/refdb"
)

// GitReceiver accepts and drives to completion the one bidirectional
// git stream the server may open back to the client during a
// request-pull session. Implementations are provided by the transport
// layer wiring this package into a concrete connection.
type GitReceiver interface {
	Receive(ctx context.Context) error
}

// NoGitReceiver is a GitReceiver that completes immediately, for
// callers that only care about the response stream.
type NoGitReceiver struct{}

func (NoGitReceiver) Receive(ctx context.Context) error { return nil }

// panicValue wraps a recovered panic so it can travel through an error
// channel and be re-raised at the point the caller observes it.
type panicValue struct{ recovered any }

func (p *panicValue) Error() string {
	return fmt.Sprintf("requestpull: git task panicked: %v", p.recovered)
}

// Client sends a request-pull and drives the two-phase response
// stream: first yields Progress frames until a terminal Success/Error,
// while concurrently awaiting the incoming git stream. The combined
// stream does not close until both halves complete. The zero value is
// ready to use.
type Client struct {
	progressBuffer int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProgressBuffer sets the response channel's capacity. The channel
// is bounded so a slow consumer back-pressures the response reader
// instead of buffering without limit.
func WithProgressBuffer(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.progressBuffer = n
		}
	}
}

// NewClient constructs a Client with the given options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

const defaultProgressBuffer = 8

// RequestPull sends Request{urn} over rw and returns a channel of
// Response. The channel is closed once the terminal response has been
// received AND the git task has completed. Cancelling ctx aborts both
// halves; a cancelled stream surfaces ErrCancelled through Session.Err,
// not as a channel value. A git-task panic is re-raised when the caller
// calls Err() after the channel closes.
func (c *Client) RequestPull(ctx context.Context, rw io.ReadWriter, urn refdb.URN, git GitReceiver) (<-chan Response, *Session, error) {
	if rw == nil {
		return nil, nil, ErrNoConnection
	}
	if git == nil {
		git = NoGitReceiver{}
	}

	bw := bufio.NewWriterSize(rw, MinFrameBuffer)
	req := Request{URN: urn.String()}
	data, err := req.MarshalCBOR()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if err := writeFrame(bw, data); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	buffer := c.progressBuffer
	if buffer <= 0 {
		buffer = defaultProgressBuffer
	}
	out := make(chan Response, buffer)
	sess := &Session{done: make(chan struct{})}

	respDone := make(chan error, 1)
	gitDone := make(chan error, 1)

	go func() {
		br := bufio.NewReaderSize(rw, MinFrameBuffer)
		respDone <- runResponseLoop(ctx, br, out)
	}()

	go func() {
		gitDone <- runGitTask(ctx, git)
	}()

	go func() {
		defer close(out)
		defer close(sess.done)

		var respErr, gitErr error
		respOpen, gitOpen := true, true
		for respOpen || gitOpen {
			select {
			case err := <-respDone:
				respErr = err
				respOpen = false
				respDone = nil // disable this case once consumed
			case err := <-gitDone:
				gitErr = err
				gitOpen = false
				gitDone = nil
			}
		}
		sess.err = firstNonNil(respErr, gitErr)
	}()

	return out, sess, nil
}

// Session reports the terminal outcome of one RequestPull call, valid
// once the response channel has been closed.
type Session struct {
	done chan struct{}
	err  error
}

// Wait blocks until both phases of the session have completed.
func (s *Session) Wait() {
	<-s.done
}

// Err returns the combined terminal error, or nil on a clean
// Success/complete-git-task outcome. If the git task panicked, Err
// re-raises that panic in the caller's goroutine.
func (s *Session) Err() error {
	<-s.done
	if pv, ok := s.err.(*panicValue); ok {
		panic(pv.recovered)
	}
	return s.err
}

type frameResult struct {
	data []byte
	err  error
}

// runResponseLoop decodes frames until a terminal Success/Error. The
// raw reads happen on their own goroutine feeding a channel, so a
// cancelled ctx ends the loop even while a read is still blocked on a
// connection that will never produce another byte. The reader
// goroutine exits once that read fails, which the caller triggers by
// closing the underlying connection.
func runResponseLoop(ctx context.Context, br *bufio.Reader, out chan<- Response) error {
	frames := make(chan frameResult)
	go func() {
		defer close(frames)
		for {
			data, err := readFrame(br)
			select {
			case frames <- frameResult{data: data, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		var fr frameResult
		select {
		case <-ctx.Done():
			return ErrCancelled
		case fr = <-frames:
		}
		if fr.err != nil {
			select {
			case <-ctx.Done():
				return ErrCancelled
			default:
				return fmt.Errorf("%w: %v", ErrTransport, fr.err)
			}
		}
		var resp Response
		if err := resp.UnmarshalCBOR(fr.data); err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		select {
		case out <- resp:
		case <-ctx.Done():
			return ErrCancelled
		}
		if resp.Kind == KindSuccess || resp.Kind == KindError {
			return nil
		}
	}
}

func runGitTask(ctx context.Context, git GitReceiver) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicValue{recovered: r}
		}
	}()
	if err := git.Receive(ctx); err != nil {
		select {
		case <-ctx.Done():
			return ErrCancelled
		default:
			return err
		}
	}
	return nil
}

func firstNonNil(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}
