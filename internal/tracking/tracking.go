// Package tracking implements the tracking store: a durable,
// policy-driven registry of which remote peers' references are
// admissible for which project namespaces.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/emberlink/ember/internal/refdb"
)

// ErrSelfReferential is returned when a Track targets the local peer.
var ErrSelfReferential = errors.New("tracking: cannot track the local peer")

// Tracked is one resolved tracking entry.
type Tracked struct {
	URN    refdb.URN
	Peer   *refdb.PeerID // nil for the "default" entry
	Config Config
}

// Store wraps a refdb.RefDb + refdb.ObjectStore to implement the
// tracking operations.
type Store struct {
	refs  refdb.RefDb
	blobs refdb.ObjectStore
	self  refdb.PeerID
}

// New creates a tracking Store. self is the local peer, used to enforce
// the self-tracking rule.
func New(refs refdb.RefDb, blobs refdb.ObjectStore, self refdb.PeerID) *Store {
	return &Store{refs: refs, blobs: blobs, self: self}
}

const defaultSegment = "default"

// refName builds the canonical tracking reference name:
// refs/rad/remotes/<urn-encoded>/<default|peer-id>.
func refName(urn refdb.URN, peer *refdb.PeerID) (string, error) {
	seg := defaultSegment
	if peer != nil {
		seg = peer.String()
	}
	name := fmt.Sprintf("refs/rad/remotes/%s/%s", urn.PathSegment(), seg)
	if err := refdb.ValidateRefName(name); err != nil {
		return "", err
	}
	return name, nil
}

func peerFromSegment(seg string) (*refdb.PeerID, error) {
	if seg == defaultSegment {
		return nil, nil
	}
	p, err := refdb.ParsePeerID(seg)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Track creates a tracking entry if absent. It returns the created
// Ref, or nil (not an error) if an entry already exists.
func (s *Store) Track(ctx context.Context, urn refdb.URN, peer *refdb.PeerID, cfg Config) (*refdb.Ref, error) {
	if peer != nil && peer.Equal(s.self) {
		return nil, ErrSelfReferential
	}
	name, err := refName(urn, peer)
	if err != nil {
		return nil, err
	}

	blob, err := cfg.Marshal()
	if err != nil {
		return nil, err
	}
	oid, err := s.blobs.WriteBlob(ctx, blob)
	if err != nil {
		return nil, err
	}

	applied, err := s.refs.Update(ctx, []refdb.BatchOp{
		{Name: name, Target: oid, Precondition: refdb.PreconditionMustNotExist},
	})
	if err != nil {
		return nil, err
	}
	if len(applied.Updates) == 0 {
		return nil, nil // entry already exists
	}
	ref := applied.Updates[0]
	return &ref, nil
}

// Untrack deletes a tracking entry if present, returning the
// config it held, or nil if absent.
func (s *Store) Untrack(ctx context.Context, urn refdb.URN, peer *refdb.PeerID) (*Config, error) {
	name, err := refName(urn, peer)
	if err != nil {
		return nil, err
	}

	existing, err := s.refs.FindReference(ctx, name)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}
	cfg, err := s.loadConfig(ctx, existing.DirectTarget)
	if err != nil {
		return nil, err
	}

	applied, err := s.refs.Update(ctx, []refdb.BatchOp{
		{Name: name, Delete: true, Precondition: refdb.PreconditionMustExist},
	})
	if err != nil {
		return nil, err
	}
	if len(applied.Rejections) > 0 {
		return nil, nil
	}
	return &cfg, nil
}

// UntrackAll deletes every entry under refs/rad/remotes/<urn>/* and
// returns the deleted names.
func (s *Store) UntrackAll(ctx context.Context, urn refdb.URN) ([]string, error) {
	pattern := fmt.Sprintf("refs/rad/remotes/%s/*", urn.PathSegment())
	it, err := s.refs.References(ctx, pattern)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var names []string
	var ops []refdb.BatchOp
	for it.Next() {
		r := it.Ref()
		names = append(names, r.Name)
		ops = append(ops, refdb.BatchOp{Name: r.Name, Delete: true, Precondition: refdb.PreconditionMustExist})
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, nil
	}
	if _, err := s.refs.Update(ctx, ops); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Update modifies an existing entry's config, returning the new
// Ref, or nil if the entry is absent.
func (s *Store) Update(ctx context.Context, urn refdb.URN, peer *refdb.PeerID, cfg Config) (*refdb.Ref, error) {
	name, err := refName(urn, peer)
	if err != nil {
		return nil, err
	}
	existing, err := s.refs.FindReference(ctx, name)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}

	blob, err := cfg.Marshal()
	if err != nil {
		return nil, err
	}
	oid, err := s.blobs.WriteBlob(ctx, blob)
	if err != nil {
		return nil, err
	}

	applied, err := s.refs.Update(ctx, []refdb.BatchOp{
		{Name: name, Target: oid, Precondition: refdb.PreconditionMustExistWithTarget, ExpectedTarget: existing.DirectTarget},
	})
	if err != nil {
		return nil, err
	}
	if len(applied.Updates) == 0 {
		return nil, nil
	}
	ref := applied.Updates[0]
	return &ref, nil
}

// Get looks up a single tracking entry.
func (s *Store) Get(ctx context.Context, urn refdb.URN, peer *refdb.PeerID) (*Tracked, error) {
	name, err := refName(urn, peer)
	if err != nil {
		return nil, err
	}
	ref, err := s.refs.FindReference(ctx, name)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, nil
	}
	cfg, err := s.loadConfig(ctx, ref.DirectTarget)
	if err != nil {
		return nil, err
	}
	return &Tracked{URN: urn, Peer: peer, Config: cfg}, nil
}

// IsTracked reports whether an entry exists.
func (s *Store) IsTracked(ctx context.Context, urn refdb.URN, peer *refdb.PeerID) (bool, error) {
	t, err := s.Get(ctx, urn, peer)
	if err != nil {
		return false, err
	}
	return t != nil, nil
}

// DefaultOnly reports whether the only entry for urn is the "default"
// entry.
func (s *Store) DefaultOnly(ctx context.Context, urn refdb.URN) (bool, error) {
	entries, err := s.Tracked(ctx, &urn)
	if err != nil {
		return false, err
	}
	if len(entries) != 1 {
		return false, nil
	}
	return entries[0].Peer == nil, nil
}

// Tracked returns every tracking entry, optionally scoped to one URN.
// Equal configs across entries share one blob read (the iterator
// caches blobs by Oid for the duration of one call).
func (s *Store) Tracked(ctx context.Context, urn *refdb.URN) ([]Tracked, error) {
	pattern := "refs/rad/remotes/*"
	if urn != nil {
		pattern = fmt.Sprintf("refs/rad/remotes/%s/*", urn.PathSegment())
	}
	it, err := s.refs.References(ctx, pattern)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	blobCache := make(map[refdb.Oid]Config)
	var out []Tracked
	for it.Next() {
		r := it.Ref()
		entryURN, peer, err := parseTrackingRefName(r.Name)
		if err != nil {
			return nil, err
		}
		cfg, ok := blobCache[r.DirectTarget]
		if !ok {
			cfg, err = s.loadConfig(ctx, r.DirectTarget)
			if err != nil {
				return nil, err
			}
			blobCache[r.DirectTarget] = cfg
		}
		out = append(out, Tracked{URN: entryURN, Peer: peer, Config: cfg})
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// TrackedPeers projects Tracked down to PeerID, skipping "default"
// entries.
func (s *Store) TrackedPeers(ctx context.Context, urn *refdb.URN) ([]refdb.PeerID, error) {
	entries, err := s.Tracked(ctx, urn)
	if err != nil {
		return nil, err
	}
	var peers []refdb.PeerID
	for _, e := range entries {
		if e.Peer != nil {
			peers = append(peers, *e.Peer)
		}
	}
	return peers, nil
}

// ActionKind selects which of the three batchable operations an Action
// performs.
type ActionKind int

const (
	ActionTrack ActionKind = iota
	ActionUntrack
	ActionUpdate
)

// Action is one element of a Batch call.
type Action struct {
	Kind   ActionKind
	URN    refdb.URN
	Peer   *refdb.PeerID
	Config Config // consulted for ActionTrack and ActionUpdate only
}

// Batch executes a sequence of Track/Untrack/Update actions as a single
// RefDb transaction. A Track whose entry already exists, and an
// Update whose entry is absent, are silently dropped from the batch
// rather than rejected — bulk policy changes are expected to be
// idempotent. Every other precondition failure surfaces as a
// refdb.Rejection without aborting the rest of the batch. Identical
// configs across actions share one blob write.
func (s *Store) Batch(ctx context.Context, actions []Action) (*refdb.Applied, error) {
	for _, a := range actions {
		if a.Kind == ActionTrack && a.Peer != nil && a.Peer.Equal(s.self) {
			return nil, ErrSelfReferential
		}
	}

	blobCache := make(map[string]refdb.Oid)
	writeBlob := func(cfg Config) (refdb.Oid, error) {
		blob, err := cfg.Marshal()
		if err != nil {
			return refdb.Oid{}, err
		}
		key := string(blob)
		if oid, ok := blobCache[key]; ok {
			return oid, nil
		}
		oid, err := s.blobs.WriteBlob(ctx, blob)
		if err != nil {
			return refdb.Oid{}, err
		}
		blobCache[key] = oid
		return oid, nil
	}

	var ops []refdb.BatchOp
	for _, a := range actions {
		name, err := refName(a.URN, a.Peer)
		if err != nil {
			return nil, err
		}

		switch a.Kind {
		case ActionTrack:
			existing, err := s.refs.FindReference(ctx, name)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				continue // silently dropped: entry already exists
			}
			oid, err := writeBlob(a.Config)
			if err != nil {
				return nil, err
			}
			ops = append(ops, refdb.BatchOp{Name: name, Target: oid, Precondition: refdb.PreconditionMustNotExist})

		case ActionUpdate:
			existing, err := s.refs.FindReference(ctx, name)
			if err != nil {
				return nil, err
			}
			if existing == nil {
				continue // silently dropped: entry absent
			}
			oid, err := writeBlob(a.Config)
			if err != nil {
				return nil, err
			}
			ops = append(ops, refdb.BatchOp{Name: name, Target: oid, Precondition: refdb.PreconditionMustExistWithTarget, ExpectedTarget: existing.DirectTarget})

		case ActionUntrack:
			ops = append(ops, refdb.BatchOp{Name: name, Delete: true, Precondition: refdb.PreconditionMustExist})

		default:
			return nil, fmt.Errorf("tracking: unknown action kind %d", a.Kind)
		}
	}

	if len(ops) == 0 {
		return &refdb.Applied{}, nil
	}
	return s.refs.Update(ctx, ops)
}

func (s *Store) loadConfig(ctx context.Context, oid refdb.Oid) (Config, error) {
	data, ok, err := s.blobs.FindBlob(ctx, oid)
	if err != nil {
		return Config{}, err
	}
	if !ok {
		return Config{}, fmt.Errorf("tracking: blob %s missing for tracked entry", oid)
	}
	return Unmarshal(data)
}

// parseTrackingRefName extracts (urn, peer) from a canonical tracking
// reference name. The URN's PathSegment encoding is lossy for Path (dots
// stand in for slashes) and does not carry the kind, so every parsed URN
// is reported as a project URN; this is sufficient for this store's own
// round-trip since it always looks entries up by the same encoding it
// wrote; full URN recovery from an arbitrary segment is not attempted.
func parseTrackingRefName(name string) (refdb.URN, *refdb.PeerID, error) {
	const prefix = "refs/rad/remotes/"
	if !strings.HasPrefix(name, prefix) {
		return refdb.URN{}, nil, fmt.Errorf("tracking: ref %q outside tracking namespace", name)
	}
	rest := strings.TrimPrefix(name, prefix)
	idx := strings.LastIndex(rest, "/")
	if idx < 0 {
		return refdb.URN{}, nil, fmt.Errorf("tracking: malformed tracking ref %q", name)
	}
	urnSeg, peerSeg := rest[:idx], rest[idx+1:]
	urn := refdb.URN{Kind: refdb.URNKindProject, Namespace: urnSeg}
	peer, err := peerFromSegment(peerSeg)
	if err != nil {
		return refdb.URN{}, nil, err
	}
	return urn, peer, nil
}
