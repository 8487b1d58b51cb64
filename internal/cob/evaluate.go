package cob

import (
	"context"
	"fmt"

	"github.com/emberlink/ember/internal/identity"
	"github.com/emberlink/ember/internal/refdb"
)

// PruneReason classifies why a node's subtree was pruned during
// evaluate, so Graphviz and callers can report which filter rejected a
// branch rather than a bare warning.
type PruneReason string

const (
	PruneSignature  PruneReason = "signature"
	PruneAuthorship PruneReason = "authorship"
	PrunePayload    PruneReason = "payload"
)

// Pruned records one subtree root that evaluate chose not to descend
// past.
type Pruned struct {
	Oid    refdb.Oid
	Reason PruneReason
}

// CollaborativeObject is the materialized result of evaluate.
type CollaborativeObject struct {
	URN       refdb.URN
	Typename  string
	ObjectID  string
	Value     []byte
	Accepted  []refdb.Oid // Oids folded into Value, in DFS order
	Pruned    []Pruned
}

// Evaluate performs the deterministic DFS materialization of the
// graph: roots sorted by Oid, signatures then authorship then payload
// validity checked in order per node, subtree pruned at the first
// failure, materializer state cached across valid applications and
// rolled back only on rejection.
func (g *Graph) Evaluate(ctx context.Context, cache *identity.Cache, mat Materializer) (*CollaborativeObject, error) {
	co := &CollaborativeObject{URN: g.URN, Typename: g.Typename, ObjectID: g.ObjectID}
	visited := make(map[int]bool, len(g.nodes))

	// When concurrent initial changes produce multiple roots, only the
	// lexicographically first (g.roots is sorted by Oid at Load/Extend
	// time) is used as the DFS origin; other disconnected roots are not
	// separately walked.
	if len(g.roots) == 0 {
		co.Value = mat.Bytes()
		return co, nil
	}
	origin := g.roots[0]

	var walk func(idx int) error
	walk = func(idx int) error {
		if visited[idx] {
			return nil
		}
		visited[idx] = true
		n := &g.nodes[idx]
		change := n.change

		if !change.VerifySignatures() {
			co.Pruned = append(co.Pruned, Pruned{Oid: change.Oid, Reason: PruneSignature})
			return nil
		}

		isMaintainer, err := cache.IsMaintainer(ctx, g.URN, change.AuthorCommit, change.AuthorPeer)
		if err != nil {
			return fmt.Errorf("cob: authorship check for %s: %w", change.Oid, err)
		}
		if !isMaintainer {
			co.Pruned = append(co.Pruned, Pruned{Oid: change.Oid, Reason: PruneAuthorship})
			return nil
		}

		snap := mat.Snapshot()
		if err := mat.Apply(change.Payload); err != nil {
			mat.Rollback(snap)
			co.Pruned = append(co.Pruned, Pruned{Oid: change.Oid, Reason: PrunePayload})
			return nil
		}
		if err := mat.Validate(g.schema); err != nil {
			mat.Rollback(snap)
			co.Pruned = append(co.Pruned, Pruned{Oid: change.Oid, Reason: PrunePayload})
			return nil
		}

		co.Accepted = append(co.Accepted, change.Oid)

		// Children are walked in insertion (adjacency) order, matching
		// the order Load recorded edges in, so siblings reached through
		// non-root nodes keep their insertion order.
		for _, childIdx := range n.children {
			if err := walk(childIdx); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(origin); err != nil {
		return nil, err
	}

	co.Value = mat.Bytes()
	return co, nil
}
