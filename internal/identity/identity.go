// Package identity resolves author and maintainer checks for the
// collaborative-object engine: whether a change's author commit is
// entitled to contribute to a given containing identity.
package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/emberlink/ember/internal/refdb"
)

// Document is the resolved shape of an identity document at
// refs/namespaces/<URN>/refs/rad/id: either a person (a single owning
// URN) or a project (a set of delegate PeerIDs forming the eligible
// delegation closure).
type Document struct {
	URN          refdb.URN
	IsProject    bool
	Delegates    map[string]bool // PeerID.String() -> member, project identities only
	DelegatedURN *refdb.URN      // person identities only, self-referential in practice
}

// Resolver looks up the identity document a containing URN currently
// resolves to, and the author identity a change's author-commit Oid
// resolves to. Implementations typically read refs/namespaces/<urn>/refs/rad/id
// via a refdb.RefDb + refdb.ObjectStore pair; this package stays
// agnostic of that wiring so tests can supply a fixture Resolver.
type Resolver interface {
	ResolveIdentity(ctx context.Context, urn refdb.URN) (Document, error)
	ResolveAuthor(ctx context.Context, authorCommit refdb.Oid) (refdb.URN, error)
}

// Cache memoizes Resolver lookups for the lifetime of one evaluate()
// call — a DAG with N changes from
// the same small set of authors should not re-resolve the containing
// identity document N times.
type Cache struct {
	resolver Resolver

	mu        sync.Mutex
	docs      map[string]Document
	authorURN map[refdb.Oid]refdb.URN
}

// NewCache wraps a Resolver with a per-evaluation memoization cache.
func NewCache(resolver Resolver) *Cache {
	return &Cache{
		resolver:  resolver,
		docs:      make(map[string]Document),
		authorURN: make(map[refdb.Oid]refdb.URN),
	}
}

func (c *Cache) identity(ctx context.Context, urn refdb.URN) (Document, error) {
	key := urn.String()
	c.mu.Lock()
	if doc, ok := c.docs[key]; ok {
		c.mu.Unlock()
		return doc, nil
	}
	c.mu.Unlock()

	doc, err := c.resolver.ResolveIdentity(ctx, urn)
	if err != nil {
		return Document{}, err
	}
	c.mu.Lock()
	c.docs[key] = doc
	c.mu.Unlock()
	return doc, nil
}

func (c *Cache) authorOf(ctx context.Context, authorCommit refdb.Oid) (refdb.URN, error) {
	c.mu.Lock()
	if urn, ok := c.authorURN[authorCommit]; ok {
		c.mu.Unlock()
		return urn, nil
	}
	c.mu.Unlock()

	urn, err := c.resolver.ResolveAuthor(ctx, authorCommit)
	if err != nil {
		return refdb.URN{}, err
	}
	c.mu.Lock()
	c.authorURN[authorCommit] = urn
	c.mu.Unlock()
	return urn, nil
}

// IsMaintainer implements the authorship rule: for a
// person-typed containing identity the author's URN must equal the
// containing URN; for a project-typed containing identity the author
// must hold at least one delegation key in the project's eligible
// delegation closure.
func (c *Cache) IsMaintainer(ctx context.Context, containing refdb.URN, authorCommit refdb.Oid, authorPeer refdb.PeerID) (bool, error) {
	doc, err := c.identity(ctx, containing)
	if err != nil {
		return false, fmt.Errorf("identity: resolve containing identity %s: %w", containing, err)
	}

	authorURN, err := c.authorOf(ctx, authorCommit)
	if err != nil {
		return false, fmt.Errorf("identity: resolve author commit %s: %w", authorCommit, err)
	}

	if !doc.IsProject {
		return authorURN.String() == containing.String(), nil
	}

	if authorPeer.IsZero() {
		return false, nil
	}
	return doc.Delegates[authorPeer.String()], nil
}
