// Package hooks implements the hooks controller: after-receive work
// that re-signs and re-announces local refs, pre-receive seeding from
// configured peers, and post-upload request-pull fanout. Subprocess
// execution lives outside this package; callers satisfy the capability
// interfaces with whatever runner they use.
package hooks

import (
	"context"
	"errors"
	"fmt"

	"github.com/emberlink/ember/internal/refdb"
	"github.com/emberlink/ember/internal/requestpull"
)

// ErrProgress wraps a ProgressReporter failure. Progress-channel
// errors terminate the hook immediately, distinct from storage or
// transport failures.
var ErrProgress = errors.New("hooks: progress reporter error")

// ProgressReporter is the only side channel hooks report through.
// Implementations typically forward to a CLI's stderr or an RPC
// progress stream.
type ProgressReporter interface {
	Report(ctx context.Context, message string) error
}

// SignedRefsOutcome classifies the result of recomputing a peer's
// signed-refs snapshot.
type SignedRefsOutcome int

const (
	SignedRefsUpdated SignedRefsOutcome = iota
	SignedRefsUnchanged
	SignedRefsConcurrentlyModified
)

// SignedRefsWriter recomputes and writes the signed-refs snapshot for
// urn under refs/namespaces/<urn>/refs/rad/signed_refs.
// Implementations read the consistent reference view inside one
// blocking closure and detect concurrent modification rather than
// racing silently.
type SignedRefsWriter interface {
	WriteSignedRefs(ctx context.Context, urn refdb.URN) (SignedRefsOutcome, refdb.Oid, error)
}

// AnnounceReplyKind discriminates the three reply shapes the
// Unix-domain announce RPC streams back.
type AnnounceReplyKind int

const (
	AnnounceProgress AnnounceReplyKind = iota
	AnnounceSuccess
	AnnounceError
)

// AnnounceReply is one reply in the stream Announcer.Announce returns.
type AnnounceReply struct {
	Kind    AnnounceReplyKind
	Message string
}

// Announcer issues announce(urn, at) over a Unix-domain RPC connection
// to the announcing node.
type Announcer interface {
	Announce(ctx context.Context, urn refdb.URN, at refdb.Oid) (<-chan AnnounceReply, error)
}

// ReplicateOutcome is the minimal replication result PreReceive reports
// on; it intentionally does not import internal/replication.Outcome
// wholesale to keep this package's capability surface narrow.
type ReplicateOutcome struct {
	RefsUpdated int
}

// SeedReplicator performs one replicate() pull from a configured seed.
type SeedReplicator interface {
	ReplicateFromSeed(ctx context.Context, seed refdb.PeerID, urn refdb.URN) (ReplicateOutcome, error)
}

// SeedPuller performs one request_pull() against a configured seed,
// streaming back the same Response frames a request-pull client would
// see.
type SeedPuller interface {
	RequestPullFromSeed(ctx context.Context, seed refdb.PeerID, urn refdb.URN) (<-chan requestpull.Response, error)
}

// Controller implements the three hook entry points. Any capability
// left nil makes its corresponding step a no-op, so a daemon can wire
// only the hooks it configures (e.g. no seeds means
// PreReceive/PostUpload do nothing).
type Controller struct {
	SignedRefs  SignedRefsWriter
	Announce    Announcer
	Replicate   SeedReplicator
	RequestPull SeedPuller
	Seeds       []refdb.PeerID
}

// PostReceive recomputes the signed-refs snapshot and, if configured,
// announces the result. A ConcurrentlyModified result is downgraded
// to a warning progress message and an early, successful return,
// never an error.
func (c *Controller) PostReceive(ctx context.Context, urn refdb.URN, reporter ProgressReporter) error {
	return withHookSpan(ctx, "post_receive", urn, func(ctx context.Context) error {
		return c.postReceive(ctx, urn, reporter)
	})
}

func (c *Controller) postReceive(ctx context.Context, urn refdb.URN, reporter ProgressReporter) error {
	if c.SignedRefs == nil {
		return nil
	}
	outcome, at, err := c.SignedRefs.WriteSignedRefs(ctx, urn)
	if err != nil {
		return fmt.Errorf("hooks: post-receive: %w", err)
	}

	switch outcome {
	case SignedRefsConcurrentlyModified:
		return report(ctx, reporter, "sigrefs race whilst updating signed refs, you may need to retry")
	case SignedRefsUnchanged:
		return nil
	}

	if err := report(ctx, reporter, "signed refs updated"); err != nil {
		return err
	}

	if c.Announce == nil {
		return nil
	}

	if err := report(ctx, reporter, "announcing new refs"); err != nil {
		return err
	}

	replies, err := c.Announce.Announce(ctx, urn, at)
	if err != nil {
		return fmt.Errorf("hooks: announce: %w", err)
	}
	for reply := range replies {
		switch reply.Kind {
		case AnnounceProgress:
			if err := report(ctx, reporter, reply.Message); err != nil {
				return err
			}
		case AnnounceSuccess:
			if err := report(ctx, reporter, "succesful announcement"); err != nil {
				return err
			}
		case AnnounceError:
			return fmt.Errorf("hooks: announce: %s", reply.Message)
		}
	}
	return nil
}

// PreReceive replicates urn from every configured seed before accepting
// new content.
func (c *Controller) PreReceive(ctx context.Context, urn refdb.URN, reporter ProgressReporter) error {
	return withHookSpan(ctx, "pre_receive", urn, func(ctx context.Context) error {
		return c.preReceive(ctx, urn, reporter)
	})
}

func (c *Controller) preReceive(ctx context.Context, urn refdb.URN, reporter ProgressReporter) error {
	if c.Replicate == nil {
		return nil
	}
	for _, seed := range c.Seeds {
		outcome, err := c.Replicate.ReplicateFromSeed(ctx, seed, urn)
		if err != nil {
			if err := report(ctx, reporter, fmt.Sprintf("pre-receive: replicate from %s failed: %v", seed, err)); err != nil {
				return err
			}
			continue
		}
		if err := report(ctx, reporter, fmt.Sprintf("pre-receive: replicated %d refs from %s", outcome.RefsUpdated, seed)); err != nil {
			return err
		}
	}
	return nil
}

// PostUpload runs request_pull against every configured seed after
// serving an upload, streaming each seed's responses onto the caller's
// progress channel.
func (c *Controller) PostUpload(ctx context.Context, urn refdb.URN, reporter ProgressReporter) error {
	return withHookSpan(ctx, "post_upload", urn, func(ctx context.Context) error {
		return c.postUpload(ctx, urn, reporter)
	})
}

func (c *Controller) postUpload(ctx context.Context, urn refdb.URN, reporter ProgressReporter) error {
	if c.RequestPull == nil {
		return nil
	}
	for _, seed := range c.Seeds {
		respCh, err := c.RequestPull.RequestPullFromSeed(ctx, seed, urn)
		if err != nil {
			if err := report(ctx, reporter, fmt.Sprintf("post-upload: request-pull to %s failed: %v", seed, err)); err != nil {
				return err
			}
			continue
		}
		for resp := range respCh {
			msg := resp.Message
			if resp.Kind == requestpull.KindSuccess {
				msg = fmt.Sprintf("post-upload: %s pulled %d refs", seed, len(resp.Refs))
			}
			if err := report(ctx, reporter, msg); err != nil {
				return err
			}
		}
	}
	return nil
}

func report(ctx context.Context, r ProgressReporter, msg string) error {
	if r == nil {
		return nil
	}
	if err := r.Report(ctx, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrProgress, err)
	}
	return nil
}
