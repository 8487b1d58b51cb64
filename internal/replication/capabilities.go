package replication

import (
	"context"

	"github.com/emberlink/ember/internal/refdb"
)

// AdvertisedRef is one reference a remote offers during negotiation.
type AdvertisedRef struct {
	Name   string
	Target refdb.Oid
}

// FetchedObject is one object pulled over the wire during replication.
type FetchedObject struct {
	Oid     refdb.Oid
	Data    []byte
	Parents []refdb.Oid // backing-object parents, for reachability verification
}

// GitStream is a logical git stream opened over one multiplexed
// connection: advertise, then fetch the objects the driver
// decided it wants.
type GitStream interface {
	AdvertisedRefs(ctx context.Context) ([]AdvertisedRef, error)
	FetchObjects(ctx context.Context, wanted []refdb.Oid) (<-chan FetchedObject, <-chan error)
	Close() error
}

// Connection is the capability Replicate uses to open a logical git
// stream. A concrete implementation multiplexes this stream
// alongside request-pull's control frames over one socket; Replicate
// itself stays agnostic of that multiplexing.
type Connection interface {
	OpenGitStream(ctx context.Context, urn refdb.URN) (GitStream, error)
}

// Spawner dispatches blocking I/O work onto a bounded pool distinct
// from the caller's goroutine, so a slow remote cannot starve the
// scheduler driving other sessions.
type Spawner interface {
	Spawn(ctx context.Context, fn func(context.Context) error) error
}

// IdentityValidator re-validates an updated identity document against
// its previous revision under the monotonic delegation/version rules
//: updates failing validation are rejected, not applied.
type IdentityValidator interface {
	ValidateUpdate(ctx context.Context, urn refdb.URN, previous, updated []byte) error
}

// PolicyChecker reports whether a remote ref is admitted by local
// tracking policy, consulted through this interface rather than
// imported directly so replication does not need to know tracking's
// wire format.
type PolicyChecker interface {
	AllowsRef(urn refdb.URN, peer refdb.PeerID, refName string) bool
}
