package cob_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/emberlink/ember/internal/cob"
	"github.com/emberlink/ember/internal/cob/automerge"
	"github.com/emberlink/ember/internal/identity"
	"github.com/emberlink/ember/internal/refdb"
)

// projectFixture wires a single-maintainer project identity so tests
// only have to describe the change graph itself.
func projectFixture(t *testing.T) (refdb.URN, *identity.Cache, refdb.PeerID, func(oid refdb.Oid) []cob.Signature) {
	t.Helper()
	urn := refdb.URN{Kind: refdb.URNKindProject, Namespace: "proj"}
	maintainer, priv := newSigner(t)
	resolver := fixtureIdentityResolver{
		docs: map[string]identity.Document{
			urn.String(): {URN: urn, IsProject: true, Delegates: map[string]bool{maintainer.String(): true}},
		},
	}
	signFor := func(oid refdb.Oid) []cob.Signature {
		return []cob.Signature{{Signer: maintainer, Sig: sign(priv, oid)}}
	}
	return urn, identity.NewCache(resolver), maintainer, signFor
}

func TestEvaluatePrunesEveryDescendantOfInvalidSignature(t *testing.T) {
	ctx := context.Background()
	urn, cache, maintainer, signFor := projectFixture(t)

	rootOid := oidOf("chain-root")
	root := cob.Change{
		Oid:             rootOid,
		AuthorPeer:      maintainer,
		RequiredSigners: []refdb.PeerID{maintainer},
		Payload:         []byte(`{"a":1}`),
	}
	root.Signatures = signFor(rootOid)

	midOid := oidOf("chain-mid")
	mid := cob.Change{
		Oid:             midOid,
		AuthorPeer:      maintainer,
		RequiredSigners: []refdb.PeerID{maintainer},
		Payload:         []byte(`{"b":2}`),
		Parents:         []refdb.Oid{rootOid},
		// Signature forged: signed bytes do not match this Oid.
		Signatures: signFor(oidOf("some-other-change")),
	}

	leafOid := oidOf("chain-leaf")
	leaf := cob.Change{
		Oid:             leafOid,
		AuthorPeer:      maintainer,
		RequiredSigners: []refdb.PeerID{maintainer},
		Payload:         []byte(`{"c":3}`),
		Parents:         []refdb.Oid{midOid},
	}
	leaf.Signatures = signFor(leafOid)

	source := fixtureSource{changes: map[refdb.Oid]cob.Change{rootOid: root, midOid: mid, leafOid: leaf}}
	lister := fixtureLister{heads: []refdb.Oid{leafOid}}

	g, _, err := cob.Load(ctx, lister, source, urn, "issue", "obj-1")
	require.NoError(t, err)

	co, err := g.Evaluate(ctx, cache, automerge.New())
	require.NoError(t, err)

	// The forged mid change is pruned and the valid leaf below it is
	// never reached: pruning cuts the whole subtree, not just the node.
	require.Equal(t, []refdb.Oid{rootOid}, co.Accepted)
	require.Len(t, co.Pruned, 1)
	require.Equal(t, midOid, co.Pruned[0].Oid)
	require.Equal(t, cob.PruneSignature, co.Pruned[0].Reason)
	require.Equal(t, `{"a":1}`, string(co.Value))
}

func TestEvaluateIsDeterministicForAFixedSnapshot(t *testing.T) {
	ctx := context.Background()
	urn, cache, maintainer, signFor := projectFixture(t)

	rootOid := oidOf("det-root")
	root := cob.Change{
		Oid:             rootOid,
		AuthorPeer:      maintainer,
		RequiredSigners: []refdb.PeerID{maintainer},
		Payload:         []byte(`{"n":0}`),
	}
	root.Signatures = signFor(rootOid)

	// Two concurrent children of the root, loaded through separate heads.
	leftOid := oidOf("det-left")
	left := cob.Change{
		Oid:             leftOid,
		AuthorPeer:      maintainer,
		RequiredSigners: []refdb.PeerID{maintainer},
		Payload:         []byte(`{"l":1}`),
		Parents:         []refdb.Oid{rootOid},
	}
	left.Signatures = signFor(leftOid)

	rightOid := oidOf("det-right")
	right := cob.Change{
		Oid:             rightOid,
		AuthorPeer:      maintainer,
		RequiredSigners: []refdb.PeerID{maintainer},
		Payload:         []byte(`{"r":2}`),
		Parents:         []refdb.Oid{rootOid},
	}
	right.Signatures = signFor(rightOid)

	changes := map[refdb.Oid]cob.Change{rootOid: root, leftOid: left, rightOid: right}
	source := fixtureSource{changes: changes}
	lister := fixtureLister{heads: []refdb.Oid{leftOid, rightOid}}

	var values []string
	for i := 0; i < 3; i++ {
		g, _, err := cob.Load(ctx, lister, source, urn, "issue", "obj-1")
		require.NoError(t, err)
		co, err := g.Evaluate(ctx, cache, automerge.New())
		require.NoError(t, err)
		require.Len(t, co.Accepted, 3)
		values = append(values, string(co.Value))
	}
	require.Equal(t, values[0], values[1])
	require.Equal(t, values[1], values[2])
}

func TestLoadRejectsInvalidTypeName(t *testing.T) {
	ctx := context.Background()
	urn := refdb.URN{Kind: refdb.URNKindProject, Namespace: "proj"}

	for _, bad := range []string{"", ".issue", "issue.", "is sue", "a..b", "ä.issue"} {
		_, _, err := cob.Load(ctx, fixtureLister{}, fixtureSource{}, urn, bad, "obj-1")
		require.ErrorIs(t, err, cob.ErrInvalidTypeName)
	}

	for _, good := range []string{"issue", "xyz.radicle.issue", "a-b.c-d", "v2.patch"} {
		_, _, err := cob.Load(ctx, fixtureLister{}, fixtureSource{}, urn, good, "obj-1")
		require.NoError(t, err)
	}
}

func TestGraphvizRendersNodesEdgesAndSkips(t *testing.T) {
	ctx := context.Background()
	urn, _, maintainer, signFor := projectFixture(t)

	rootOid := oidOf("viz-root")
	root := cob.Change{
		Oid:             rootOid,
		AuthorPeer:      maintainer,
		RequiredSigners: []refdb.PeerID{maintainer},
		Payload:         []byte(`{}`),
	}
	root.Signatures = signFor(rootOid)

	childOid := oidOf("viz-child")
	child := cob.Change{
		Oid:             childOid,
		AuthorPeer:      maintainer,
		RequiredSigners: []refdb.PeerID{maintainer},
		Payload:         []byte(`{}`),
		Parents:         []refdb.Oid{rootOid},
	}
	child.Signatures = signFor(childOid)

	source := fixtureSource{changes: map[refdb.Oid]cob.Change{rootOid: root, childOid: child}}
	lister := fixtureLister{heads: []refdb.Oid{childOid}}

	g, skipped, err := cob.Load(ctx, lister, source, urn, "issue", "obj-1")
	require.NoError(t, err)

	skipped = append(skipped, cob.SkippedChange{Oid: oidOf("viz-lost"), Reason: "unreadable"})
	dot := g.Graphviz(skipped)

	require.True(t, strings.HasPrefix(dot, "digraph"))
	require.Contains(t, dot, rootOid.String())
	require.Contains(t, dot, childOid.String())
	require.Contains(t, dot, "->")
	require.Contains(t, dot, "skipped: unreadable")
}
