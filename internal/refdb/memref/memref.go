// Package memref is an in-memory RefDb/ObjectStore implementation used by
// the refdb-backed test suites and by emberd with backend "memory".
package memref

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/emberlink/ember/internal/refdb"
)

// Store is a sync.RWMutex-guarded in-memory RefDb + ObjectStore.
type Store struct {
	mu    sync.RWMutex
	refs  map[string]refdb.Oid
	blobs map[refdb.Oid][]byte
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		refs:  make(map[string]refdb.Oid),
		blobs: make(map[refdb.Oid][]byte),
	}
}

func (s *Store) FindReference(_ context.Context, name string) (*refdb.Ref, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	target, ok := s.refs[name]
	if !ok {
		return nil, nil
	}
	return &refdb.Ref{Name: name, DirectTarget: target}, nil
}

type iterator struct {
	refs []refdb.Ref
	pos  int
}

func (it *iterator) Next() bool {
	if it.pos >= len(it.refs) {
		return false
	}
	it.pos++
	return true
}

func (it *iterator) Ref() refdb.Ref { return it.refs[it.pos-1] }
func (it *iterator) Err() error     { return nil }
func (it *iterator) Close() error   { return nil }

func (s *Store) References(_ context.Context, pattern string) (refdb.RefIterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]refdb.Ref, 0, len(s.refs))
	for name, target := range s.refs {
		if refdb.MatchPattern(pattern, name) {
			matched = append(matched, refdb.Ref{Name: name, DirectTarget: target})
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })
	return &iterator{refs: matched}, nil
}

func (s *Store) Update(_ context.Context, batch []refdb.BatchOp) (*refdb.Applied, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	applied := &refdb.Applied{}
	// Evaluate preconditions against a scratch copy so the whole batch
	// commits together; Update never partially applies a batch that fails
	// outright, only individual ops fail as rejections.
	scratch := make(map[string]refdb.Oid, len(s.refs))
	for k, v := range s.refs {
		scratch[k] = v
	}

	type pending struct {
		op     refdb.BatchOp
		delete bool
		target refdb.Oid
	}
	var toApply []pending

	for _, op := range batch {
		if err := refdb.ValidateRefName(op.Name); err != nil {
			applied.Rejections = append(applied.Rejections, refdb.Rejection{Name: op.Name, Err: err})
			continue
		}

		existing, exists := scratch[op.Name]
		switch op.Precondition {
		case refdb.PreconditionMustNotExist:
			if exists {
				applied.Rejections = append(applied.Rejections, refdb.Rejection{Name: op.Name, Err: refdb.ErrPreconditionFailed})
				continue
			}
		case refdb.PreconditionMustExist:
			if !exists {
				applied.Rejections = append(applied.Rejections, refdb.Rejection{Name: op.Name, Err: refdb.ErrPreconditionFailed})
				continue
			}
		case refdb.PreconditionMustExistWithTarget:
			if !exists || existing != op.ExpectedTarget {
				applied.Rejections = append(applied.Rejections, refdb.Rejection{Name: op.Name, Err: refdb.ErrPreconditionFailed})
				continue
			}
		case refdb.PreconditionNone:
			// no check
		}

		if op.Delete {
			if !exists {
				applied.Rejections = append(applied.Rejections, refdb.Rejection{Name: op.Name, Err: refdb.ErrReferenceNotFound})
				continue
			}
			delete(scratch, op.Name)
			toApply = append(toApply, pending{op: op, delete: true})
		} else {
			scratch[op.Name] = op.Target
			toApply = append(toApply, pending{op: op, target: op.Target})
		}
	}

	for _, p := range toApply {
		if p.delete {
			delete(s.refs, p.op.Name)
		} else {
			s.refs[p.op.Name] = p.target
			applied.Updates = append(applied.Updates, refdb.Ref{Name: p.op.Name, DirectTarget: p.target})
		}
	}

	return applied, nil
}

func (s *Store) FindBlob(_ context.Context, oid refdb.Oid) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[oid]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, true, nil
}

func (s *Store) WriteBlob(_ context.Context, data []byte) (refdb.Oid, error) {
	oid := refdb.HashOid(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[oid]; !ok {
		cp := make([]byte, len(data))
		copy(cp, data)
		s.blobs[oid] = cp
	}
	return oid, nil
}

// ListNames returns a sorted snapshot of every reference name currently
// held, a convenience used by tests exercising UntrackAll-style sweeps.
func (s *Store) ListNames(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for name := range s.refs {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

var _ refdb.Store = (*Store)(nil)
