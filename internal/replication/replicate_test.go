package replication_test

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/emberlink/ember/internal/refdb"
	"github.com/emberlink/ember/internal/refdb/memref"
	"github.com/emberlink/ember/internal/replication"
)

type inlineSpawner struct{}

func (inlineSpawner) Spawn(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

type allowAllPolicy struct{}

func (allowAllPolicy) AllowsRef(refdb.URN, refdb.PeerID, string) bool { return true }

type fixtureStream struct {
	advertised []replication.AdvertisedRef
	objects    map[refdb.Oid]replication.FetchedObject
}

func (s fixtureStream) AdvertisedRefs(context.Context) ([]replication.AdvertisedRef, error) {
	return s.advertised, nil
}

func (s fixtureStream) FetchObjects(_ context.Context, wanted []refdb.Oid) (<-chan replication.FetchedObject, <-chan error) {
	dataCh := make(chan replication.FetchedObject, len(wanted))
	errCh := make(chan error, 1)
	for _, oid := range wanted {
		if obj, ok := s.objects[oid]; ok {
			dataCh <- obj
		}
	}
	close(dataCh)
	close(errCh)
	return dataCh, errCh
}

func (s fixtureStream) Close() error { return nil }

type fixtureConn struct{ stream fixtureStream }

func (c fixtureConn) OpenGitStream(context.Context, refdb.URN) (replication.GitStream, error) {
	return c.stream, nil
}

func newPeer(t *testing.T, seed byte) refdb.PeerID {
	t.Helper()
	raw := make([]byte, ed25519.PublicKeySize)
	for i := range raw {
		raw[i] = seed
	}
	p, err := refdb.NewPeerID(raw)
	require.NoError(t, err)
	return p
}

func TestReplicateWritesVerifiedRefs(t *testing.T) {
	ctx := context.Background()
	urn := refdb.URN{Kind: refdb.URNKindProject, Namespace: "proj"}
	peer := newPeer(t, 0x02)

	rootOid := refdb.HashOid([]byte("root"))
	stream := fixtureStream{
		advertised: []replication.AdvertisedRef{{Name: "refs/heads/main", Target: rootOid}},
		objects: map[refdb.Oid]replication.FetchedObject{
			rootOid: {Oid: rootOid, Data: []byte("root-content")},
		},
	}
	conn := fixtureConn{stream: stream}
	store := memref.New()

	outcome, err := replication.Replicate(ctx, inlineSpawner{}, store, conn, allowAllPolicy{}, nil, urn, peer, nil, nil)
	require.NoError(t, err)
	require.Len(t, outcome.Updated, 1)
	require.Empty(t, outcome.Rejected)
	require.Len(t, outcome.TrackedAdded.Direct, 1)
	require.True(t, outcome.TrackedAdded.Direct[0].Equal(peer))

	ref, err := store.FindReference(ctx, "refs/namespaces/proj/refs/remotes/"+peer.String()+"/heads/main")
	require.NoError(t, err)
	require.NotNil(t, ref)
	require.Equal(t, rootOid, ref.DirectTarget)
}

func TestReplicateRejectsUnreachableObject(t *testing.T) {
	ctx := context.Background()
	urn := refdb.URN{Kind: refdb.URNKindProject, Namespace: "proj"}
	peer := newPeer(t, 0x02)

	wantedOid := refdb.HashOid([]byte("wanted"))
	stream := fixtureStream{
		advertised: []replication.AdvertisedRef{{Name: "refs/heads/main", Target: wantedOid}},
		objects:    map[refdb.Oid]replication.FetchedObject{}, // never actually fetched
	}
	conn := fixtureConn{stream: stream}
	store := memref.New()

	_, err := replication.Replicate(ctx, inlineSpawner{}, store, conn, allowAllPolicy{}, nil, urn, peer, nil, nil)
	require.ErrorIs(t, err, replication.ErrVerificationFailed)
}

func TestReplicateSkipsAlreadyUpToDateRefs(t *testing.T) {
	ctx := context.Background()
	urn := refdb.URN{Kind: refdb.URNKindProject, Namespace: "proj"}
	peer := newPeer(t, 0x02)

	rootOid := refdb.HashOid([]byte("root"))
	localName := "refs/namespaces/proj/refs/remotes/" + peer.String() + "/heads/main"
	store := memref.New()
	_, err := store.Update(ctx, []refdb.BatchOp{{Name: localName, Target: rootOid}})
	require.NoError(t, err)

	stream := fixtureStream{
		advertised: []replication.AdvertisedRef{{Name: "refs/heads/main", Target: rootOid}},
		objects:    map[refdb.Oid]replication.FetchedObject{},
	}
	conn := fixtureConn{stream: stream}

	outcome, err := replication.Replicate(ctx, inlineSpawner{}, store, conn, allowAllPolicy{}, nil, urn, peer, nil, nil)
	require.NoError(t, err)
	require.Empty(t, outcome.Updated)
}

func TestReplicatePrunesStaleRemoteRefs(t *testing.T) {
	ctx := context.Background()
	urn := refdb.URN{Kind: refdb.URNKindProject, Namespace: "proj"}
	peer := newPeer(t, 0x02)

	staleName := "refs/namespaces/proj/refs/remotes/" + peer.String() + "/heads/stale"
	store := memref.New()
	_, err := store.Update(ctx, []refdb.BatchOp{{Name: staleName, Target: refdb.HashOid([]byte("stale"))}})
	require.NoError(t, err)

	stream := fixtureStream{advertised: nil, objects: map[refdb.Oid]replication.FetchedObject{}}
	conn := fixtureConn{stream: stream}

	outcome, err := replication.Replicate(ctx, inlineSpawner{}, store, conn, allowAllPolicy{}, nil, urn, peer, nil, nil)
	require.NoError(t, err)
	require.Len(t, outcome.Updated, 1)
	require.True(t, outcome.Updated[0].Pruned)

	ref, err := store.FindReference(ctx, staleName)
	require.NoError(t, err)
	require.Nil(t, ref)
}

func TestReplicateBudgetExceeded(t *testing.T) {
	ctx := context.Background()
	urn := refdb.URN{Kind: refdb.URNKindProject, Namespace: "proj"}
	peer := newPeer(t, 0x02)

	rootOid := refdb.HashOid([]byte("root"))
	stream := fixtureStream{
		advertised: []replication.AdvertisedRef{{Name: "refs/heads/main", Target: rootOid}},
		objects: map[refdb.Oid]replication.FetchedObject{
			rootOid: {Oid: rootOid, Data: make([]byte, 100)},
		},
	}
	conn := fixtureConn{stream: stream}
	store := memref.New()
	budget := &replication.Budget{MaxBytes: 10}

	_, err := replication.Replicate(ctx, inlineSpawner{}, store, conn, allowAllPolicy{}, nil, urn, peer, nil, budget)
	require.ErrorIs(t, err, replication.ErrBudgetExceeded)
}
