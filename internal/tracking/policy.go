package tracking

import (
	"context"
	"strings"

	"github.com/emberlink/ember/internal/refdb"
)

// RefPolicy adapts a Store to the single-method shape
// internal/replication.PolicyChecker expects (AllowsRef), so
// replication stays unaware of the tracking wire format while the
// daemon wires the two together at startup.
type RefPolicy struct {
	store *Store
}

// NewRefPolicy wraps store for use as a replication.PolicyChecker.
func NewRefPolicy(store *Store) *RefPolicy { return &RefPolicy{store: store} }

// AllowsRef reports whether a peer-specific or default tracking entry
// for urn admits refName: data refs require Config.Data; refs/cob/...
// entries consult Config.AllowsCob by (typename, objectID) parsed out
// of the ref's path. Lookup order is the peer entry first, falling
// back to the "default" entry.
func (p *RefPolicy) AllowsRef(urn refdb.URN, peer refdb.PeerID, refName string) bool {
	ctx := context.Background()
	cfg, ok := p.resolve(ctx, urn, peer)
	if !ok {
		return false
	}

	typename, objectID, isCob := parseCobRef(urn, refName)
	if isCob {
		return cfg.AllowsCob(typename, objectID)
	}
	return cfg.Data
}

func (p *RefPolicy) resolve(ctx context.Context, urn refdb.URN, peer refdb.PeerID) (Config, bool) {
	if t, err := p.store.Get(ctx, urn, &peer); err == nil && t != nil {
		return t.Config, true
	}
	if t, err := p.store.Get(ctx, urn, nil); err == nil && t != nil {
		return t.Config, true
	}
	return Config{}, false
}

// parseCobRef extracts (typename, objectID) from a collaborative-object
// head name, refs/namespaces/<urn>/refs/cob/<typename>/<objectID>.
func parseCobRef(urn refdb.URN, refName string) (typename, objectID string, ok bool) {
	prefix := "refs/namespaces/" + urn.PathSegment() + "/refs/cob/"
	if !strings.HasPrefix(refName, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(refName, prefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
