package cob

import (
	"context"
	"fmt"
	"sort"

	"github.com/emberlink/ember/internal/refdb"
)

// node is one arena entry: a loaded Change plus its adjacency indices
// into the same arena. The index-map-plus-edge-arena layout keeps the
// DAG free of shared-ownership cycles.
type node struct {
	change   Change
	children []int // indices of nodes reachable by a (this, child) edge
	parents  []int
}

// Graph is the in-memory DAG built by Load.
type Graph struct {
	URN      refdb.URN
	Typename string
	ObjectID string

	nodes   []node
	index   map[refdb.Oid]int
	roots   []int // node indices with no incoming edges, sorted by Oid
	schema  refdb.Oid
}

// Load constructs the in-memory DAG for one collaborative object. It
// returns the graph, the changes that failed to load (log-and-skip),
// and an error when typename is invalid (ErrInvalidTypeName), when
// listing the change refs fails, or when the loaded changes have no
// root (ErrNoSchema).
func Load(ctx context.Context, lister RefLister, source ChangeSource, urn refdb.URN, typename, objectID string) (*Graph, []SkippedChange, error) {
	if err := ValidateTypeName(typename); err != nil {
		return nil, nil, err
	}
	heads, err := lister.ListChangeRefs(ctx, urn, typename, objectID)
	if err != nil {
		return nil, nil, fmt.Errorf("cob: list change refs: %w", err)
	}

	g := &Graph{URN: urn, Typename: typename, ObjectID: objectID, index: make(map[refdb.Oid]int)}
	var skipped []SkippedChange

	attempted := make(map[refdb.Oid]bool)
	ensure := func(oid refdb.Oid) (idx int, isNew bool) {
		if idx, ok := g.index[oid]; ok {
			return idx, false
		}
		if attempted[oid] {
			return -1, false
		}
		attempted[oid] = true
		ch, err := source.LoadChange(ctx, oid)
		if err != nil {
			skipped = append(skipped, SkippedChange{Oid: oid, Reason: err.Error()})
			return -1, false
		}
		idx = len(g.nodes)
		g.nodes = append(g.nodes, node{change: ch})
		g.index[oid] = idx
		return idx, true
	}

	// Breadth-first walk from each head, following Change.Parents edges.
	// Each node's parents are walked once, when the node is dequeued.
	walked := make(map[int]bool)
	var queue []refdb.Oid
	queue = append(queue, heads...)
	for len(queue) > 0 {
		oid := queue[0]
		queue = queue[1:]
		idx, _ := ensure(oid)
		if idx < 0 {
			continue // failed to load; already recorded as skipped
		}
		if walked[idx] {
			continue // already walked
		}
		walked[idx] = true
		for _, parentOid := range g.nodes[idx].change.Parents {
			parentIdx, _ := ensure(parentOid)
			if parentIdx < 0 {
				continue
			}
			g.nodes[parentIdx].children = append(g.nodes[parentIdx].children, idx)
			g.nodes[idx].parents = append(g.nodes[idx].parents, parentIdx)
			if !walked[parentIdx] {
				queue = append(queue, parentOid)
			}
		}
	}

	for i, n := range g.nodes {
		if len(n.parents) == 0 {
			g.roots = append(g.roots, i)
		}
	}
	if len(g.nodes) > 0 && len(g.roots) == 0 {
		return nil, skipped, ErrNoSchema
	}
	sort.Slice(g.roots, func(i, j int) bool {
		return g.nodes[g.roots[i]].change.Oid.Cmp(g.nodes[g.roots[j]].change.Oid) < 0
	})
	if len(g.roots) > 0 {
		g.schema = g.nodes[g.roots[0]].change.SchemaCommit
	}

	return g, skipped, nil
}

// Schema returns the schema commit declared by the graph's origin
// root.
func (g *Graph) Schema() refdb.Oid { return g.schema }

// Tips returns the set of nodes with no outgoing edges — the set
// extend(change) parents a new change against.
func (g *Graph) Tips() []refdb.Oid {
	var tips []refdb.Oid
	for _, n := range g.nodes {
		if len(n.children) == 0 {
			tips = append(tips, n.change.Oid)
		}
	}
	sort.Slice(tips, func(i, j int) bool { return tips[i].Cmp(tips[j]) < 0 })
	return tips
}

// Extend appends change to the graph, parenting it on the current tips
// at the moment of extension. It does not re-validate authorship of
// the extending change; maintainer status is enforced at evaluation
// time only. Re-extending with an Oid already present in
// the graph is a no-op:
// without this check the duplicate node would overwrite g.index's entry
// for change.Oid, and if that Oid is also one of the current tips the
// node ends up parented on itself.
func (g *Graph) Extend(change Change) {
	if _, exists := g.index[change.Oid]; exists {
		return
	}

	tips := g.Tips()
	change.Parents = append([]refdb.Oid(nil), tips...)

	idx := len(g.nodes)
	g.nodes = append(g.nodes, node{change: change})
	g.index[change.Oid] = idx
	for _, tip := range tips {
		tipIdx, ok := g.index[tip]
		if !ok {
			continue
		}
		g.nodes[tipIdx].children = append(g.nodes[tipIdx].children, idx)
		g.nodes[idx].parents = append(g.nodes[idx].parents, tipIdx)
	}
	if len(g.roots) == 0 {
		g.roots = []int{idx}
		g.schema = change.SchemaCommit
	}
}

// Graphviz renders the graph as a debugging "digraph" textual form,
// including skipped-change annotations so a caller can see what never
// made it into the graph without re-running Load.
func (g *Graph) Graphviz(skipped []SkippedChange) string {
	out := "digraph cob {\n"
	for _, n := range g.nodes {
		out += fmt.Sprintf("  %q;\n", n.change.Oid.String())
		for _, childIdx := range n.children {
			out += fmt.Sprintf("  %q -> %q;\n", n.change.Oid.String(), g.nodes[childIdx].change.Oid.String())
		}
	}
	for _, s := range skipped {
		out += fmt.Sprintf("  %q [style=dashed, label=%q];\n", s.Oid.String(), "skipped: "+s.Reason)
	}
	out += "}\n"
	return out
}
