package replication

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/emberlink/ember/internal/refdb"
)

// identityRefSuffix marks the identity-document reference within a
// namespace.
const identityRefSuffix = "refs/rad/id"

// Replicate performs a single pull from a connected remote:
// opens a logical git stream, negotiates wanted refs against local
// tracking policy, fetches and verifies objects, re-validates identity
// documents, writes refs under refs/namespaces/<urn>/refs/remotes/<peer>/…
// only once verified, prunes stale remote refs, and returns the
// structured Outcome. whoami, if non-nil, is excluded from any
// resulting peer-tracking side effect (a peer never tracks itself).
func Replicate(
	ctx context.Context,
	spawner Spawner,
	store refdb.Store,
	conn Connection,
	policy PolicyChecker,
	idval IdentityValidator,
	urn refdb.URN,
	peer refdb.PeerID,
	whoami *refdb.PeerID,
	budget *Budget,
) (*Outcome, error) {
	if conn == nil {
		return nil, ErrNoConnection
	}

	stream, err := conn.OpenGitStream(ctx, urn)
	if err != nil {
		return nil, fmt.Errorf("%w: open stream: %v", ErrNoConnection, err)
	}
	defer stream.Close()

	outcome := &Outcome{}

	var advertised []AdvertisedRef
	fetchErr := spawner.Spawn(ctx, func(ctx context.Context) error {
		refs, err := stream.AdvertisedRefs(ctx)
		if err != nil {
			return err
		}
		advertised = refs
		return nil
	})
	if fetchErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, fetchErr)
	}

	// Negotiate wanted refs: intersect what the remote advertises with
	// local tracking policy.
	var wanted []AdvertisedRef
	for _, ref := range advertised {
		if !policy.AllowsRef(urn, peer, ref.Name) {
			outcome.Rejected = append(outcome.Rejected, RejectedRef{Name: ref.Name, Reason: ErrPolicyRejected})
			continue
		}
		if existing, _ := store.FindReference(ctx, localRefName(urn, peer, ref.Name)); existing != nil && existing.DirectTarget == ref.Target {
			continue // already up to date, nothing to fetch
		}
		wanted = append(wanted, ref)
	}

	if len(wanted) == 0 {
		if err := pruneStaleRefs(ctx, store, urn, peer, advertised, outcome); err != nil {
			return nil, err
		}
		return outcome, nil
	}

	wantedOids := make([]refdb.Oid, len(wanted))
	for i, w := range wanted {
		wantedOids[i] = w.Target
	}

	objects := make(map[refdb.Oid]FetchedObject)
	objCount, byteCount := 0, 0

	dataCh, errCh := stream.FetchObjects(ctx, wantedOids)
fetchLoop:
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrTransport, ctx.Err())
		case obj, ok := <-dataCh:
			if !ok {
				break fetchLoop
			}
			objCount++
			byteCount += len(obj.Data)
			if budget.exceeded(objCount, byteCount) {
				return nil, ErrBudgetExceeded
			}
			objects[obj.Oid] = obj
		case err, ok := <-errCh:
			if ok && err != nil {
				return nil, fmt.Errorf("%w: %v", ErrTransport, err)
			}
		}
	}

	// Verify every fetched chain is reachable from what was offered:
	// walk from each wanted Oid through declared parents, all of which
	// must resolve either to a freshly fetched object or something
	// already in the store. Each root walks independently and only
	// reads objects/store, so the roots verify concurrently.
	g, gctx := errgroup.WithContext(ctx)
	for _, target := range wantedOids {
		target := target
		g.Go(func() error {
			return verifyReachable(gctx, store, objects, target)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	for oid, o := range objects {
		if _, err := store.WriteBlob(ctx, o.Data); err != nil {
			return nil, fmt.Errorf("%w: write blob %s: %v", ErrStorage, oid, err)
		}
	}

	var ops []refdb.BatchOp
	for _, ref := range wanted {
		obj, ok := objects[ref.Target]
		if !ok {
			outcome.Rejected = append(outcome.Rejected, RejectedRef{Name: ref.Name, Reason: ErrVerificationFailed})
			continue
		}

		if strings.HasSuffix(ref.Name, identityRefSuffix) && idval != nil {
			var previous []byte
			if existing, _ := store.FindReference(ctx, localRefName(urn, peer, ref.Name)); existing != nil {
				previous, _, _ = store.FindBlob(ctx, existing.DirectTarget)
			}
			if err := idval.ValidateUpdate(ctx, urn, previous, obj.Data); err != nil {
				outcome.Rejected = append(outcome.Rejected, RejectedRef{Name: ref.Name, Reason: fmt.Errorf("%w: %v", ErrVerificationFailed, err)})
				continue
			}
		}

		localName := localRefName(urn, peer, ref.Name)
		ops = append(ops, refdb.BatchOp{Name: localName, Target: ref.Target, Precondition: refdb.PreconditionNone})
	}

	if len(ops) > 0 {
		applied, err := store.Update(ctx, ops)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		for _, u := range applied.Updates {
			outcome.Updated = append(outcome.Updated, RefUpdate{Name: u.Name, Kind: RefDirect, Target: u.DirectTarget})
		}
		for _, r := range applied.Rejections {
			outcome.Rejected = append(outcome.Rejected, RejectedRef{Name: r.Name, Reason: r.Err})
		}
	}

	if whoami == nil || !peer.Equal(*whoami) {
		outcome.TrackedAdded.Direct = append(outcome.TrackedAdded.Direct, peer)
	}

	if err := pruneStaleRefs(ctx, store, urn, peer, advertised, outcome); err != nil {
		return nil, err
	}

	return outcome, nil
}

// localRefName maps a remote-advertised reference to the local name it
// is written under: refs/namespaces/<urn>/refs/remotes/<peer>/<remote-ref-path>.
func localRefName(urn refdb.URN, peer refdb.PeerID, remoteName string) string {
	suffix := strings.TrimPrefix(remoteName, "refs/")
	return fmt.Sprintf("refs/namespaces/%s/refs/remotes/%s/%s", urn.PathSegment(), peer.String(), suffix)
}

func verifyReachable(ctx context.Context, store refdb.Store, objects map[refdb.Oid]FetchedObject, start refdb.Oid) error {
	seen := map[refdb.Oid]bool{}
	var walk func(oid refdb.Oid) error
	walk = func(oid refdb.Oid) error {
		if seen[oid] {
			return nil
		}
		seen[oid] = true
		if obj, ok := objects[oid]; ok {
			for _, parent := range obj.Parents {
				if err := walk(parent); err != nil {
					return err
				}
			}
			return nil
		}
		if _, found, err := store.FindBlob(ctx, oid); err != nil {
			return err
		} else if found {
			return nil
		}
		return fmt.Errorf("object %s not reachable from offered refs", oid)
	}
	return walk(start)
}

// pruneStaleRefs deletes locally-held remote refs for (urn, peer) that
// the remote no longer advertises.
func pruneStaleRefs(ctx context.Context, store refdb.Store, urn refdb.URN, peer refdb.PeerID, advertised []AdvertisedRef, outcome *Outcome) error {
	stillAdvertised := make(map[string]bool, len(advertised))
	for _, ref := range advertised {
		stillAdvertised[localRefName(urn, peer, ref.Name)] = true
	}

	prefix := fmt.Sprintf("refs/namespaces/%s/refs/remotes/%s/*", urn.PathSegment(), peer.String())
	it, err := store.References(ctx, prefix)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	defer it.Close()

	var ops []refdb.BatchOp
	for it.Next() {
		r := it.Ref()
		if !stillAdvertised[r.Name] {
			ops = append(ops, refdb.BatchOp{Name: r.Name, Delete: true, Precondition: refdb.PreconditionMustExist})
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if len(ops) == 0 {
		return nil
	}

	if _, err := store.Update(ctx, ops); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	for _, op := range ops {
		outcome.Updated = append(outcome.Updated, RefUpdate{Name: op.Name, Pruned: true})
	}
	return nil
}
