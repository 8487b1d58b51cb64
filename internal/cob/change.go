// Package cob implements the change-graph loader and
// collaborative-object evaluator: a DAG of signed, schema-validated
// changes from multiple authors, pruned by signature and
// authorization, folded through a pluggable CRDT-style materializer.
package cob

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"regexp"

	"github.com/emberlink/ember/internal/refdb"
)

// Signature is one signer's signature over a Change's signing payload.
type Signature struct {
	Signer refdb.PeerID
	Sig    []byte
}

// Change is one node in a collaborative object's DAG. Parents are
// backing-object parent commits with the
// author-commit and schema-commit ids already excluded — they are
// referenced by a Change but are not graph edges.
type Change struct {
	Oid             refdb.Oid
	AuthorCommit    refdb.Oid
	AuthorPeer      refdb.PeerID // delegation key claimed as this change's author
	SchemaCommit    refdb.Oid
	RequiredSigners []refdb.PeerID
	Signatures      []Signature
	Payload         []byte
	Parents         []refdb.Oid
}

// SigningPayload is the byte sequence each declared signer must sign.
// The change's own Oid already commits to every other field (author,
// schema, payload, parents), so signing the Oid is sufficient.
func (c Change) SigningPayload() []byte {
	return c.Oid[:]
}

// VerifySignatures checks that every required signer produced a valid
// signature over the change's signing payload.
func (c Change) VerifySignatures() bool {
	if len(c.RequiredSigners) == 0 {
		return false
	}
	signed := make(map[string][]byte, len(c.Signatures))
	for _, sig := range c.Signatures {
		signed[sig.Signer.String()] = sig.Sig
	}
	payload := c.SigningPayload()
	for _, signer := range c.RequiredSigners {
		sig, ok := signed[signer.String()]
		if !ok {
			return false
		}
		if !ed25519.Verify(signer.Bytes(), payload, sig) {
			return false
		}
	}
	return true
}

// ChangeSource loads a Change's content and the parent commits of its
// backing object (author-commit and schema-commit ids already
// excluded), abstracting over the underlying object store so Load can
// be driven by a fixture in tests.
type ChangeSource interface {
	LoadChange(ctx context.Context, oid refdb.Oid) (Change, error)
}

// RefLister enumerates the change-reference heads for one collaborative
// object: refs/namespaces/<urn>/refs/cob/<typename>/<object_id>
// across the local peer and every remote.
type RefLister interface {
	ListChangeRefs(ctx context.Context, urn refdb.URN, typename, objectID string) ([]refdb.Oid, error)
}

// SkippedChange records a change Oid that failed to *load* (as opposed
// to failing validation during evaluate), and why. Surfaced as data
// rather than only a log line so Graphviz and callers can see what
// never made it into the graph.
type SkippedChange struct {
	Oid    refdb.Oid
	Reason string
}

// ErrNoSchema is returned by Load when the graph loads a non-empty set
// of changes but every loaded change has a loaded parent, so there is
// no root. Several roots are not an error: Load orders them by Oid.
var ErrNoSchema = fmt.Errorf("cob: graph has no unique root")

// ErrInvalidTypeName is returned when a collaborative-object typename
// fails the typename grammar.
var ErrInvalidTypeName = fmt.Errorf("cob: invalid typename")

var typeNameRe = regexp.MustCompile(`^[A-Za-z0-9]+([.-][A-Za-z0-9]+)*$`)

// ValidateTypeName checks a collaborative-object typename against the
// reverse-DNS-ish grammar heads are named with: dot- or dash-separated
// runs of ASCII alphanumerics, e.g. "xyz.radicle.issue".
func ValidateTypeName(name string) error {
	if !typeNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidTypeName, name)
	}
	return nil
}
