// Package boltref is an on-disk RefDb/ObjectStore implementation backed by
// go.etcd.io/bbolt, an embedded single-writer key/value store. One bbolt
// read-write transaction gives Update the atomic, linearizable batch
// semantics the tracking store and replication driver depend on without
// any additional locking.
package boltref

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"go.etcd.io/bbolt"

	"github.com/emberlink/ember/internal/refdb"
)

var (
	refsBucket  = []byte("refs")
	blobsBucket = []byte("blobs")
)

// Store opens (or creates) a bbolt database file at path.
type Store struct {
	db *bbolt.DB
}

// Open opens the database at path, creating the buckets on first use.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltref: open %s: %w: %w", path, refdb.ErrIO, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(refsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(blobsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltref: init buckets: %w: %w", refdb.ErrIO, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying file lock.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) FindReference(_ context.Context, name string) (*refdb.Ref, error) {
	var ref *refdb.Ref
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(refsBucket).Get([]byte(name))
		if v == nil {
			return nil
		}
		if len(v) != len(refdb.Oid{}) {
			return fmt.Errorf("%w: ref %q has malformed target", refdb.ErrIO, name)
		}
		var oid refdb.Oid
		copy(oid[:], v)
		ref = &refdb.Ref{Name: name, DirectTarget: oid}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ref, nil
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
	var matched []refdb.Ref
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(refsBucket).Cursor()
		// A single trailing "*" lets us seek directly to the prefix
		// instead of scanning the whole bucket.
		if n := len(pattern); n > 0 && pattern[n-1] == '*' {
			prefix := []byte(pattern[:n-1])
			for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
				var oid refdb.Oid
				copy(oid[:], v)
				matched = append(matched, refdb.Ref{Name: string(k), DirectTarget: oid})
			}
			return nil
		}
		if v := tx.Bucket(refsBucket).Get([]byte(pattern)); v != nil {
			var oid refdb.Oid
			copy(oid[:], v)
			matched = append(matched, refdb.Ref{Name: pattern, DirectTarget: oid})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })
	return &iterator{refs: matched}, nil
}

func (s *Store) Update(_ context.Context, batch []refdb.BatchOp) (*refdb.Applied, error) {
	applied := &refdb.Applied{}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(refsBucket)
		for _, op := range batch {
			if err := refdb.ValidateRefName(op.Name); err != nil {
				applied.Rejections = append(applied.Rejections, refdb.Rejection{Name: op.Name, Err: err})
				continue
			}

			existing := b.Get([]byte(op.Name))
			exists := existing != nil
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
				if !exists || !bytes.Equal(existing, op.ExpectedTarget[:]) {
					applied.Rejections = append(applied.Rejections, refdb.Rejection{Name: op.Name, Err: refdb.ErrPreconditionFailed})
					continue
				}
			}

			if op.Delete {
				if !exists {
					applied.Rejections = append(applied.Rejections, refdb.Rejection{Name: op.Name, Err: refdb.ErrReferenceNotFound})
					continue
				}
				if err := b.Delete([]byte(op.Name)); err != nil {
					return err
				}
			} else {
				if err := b.Put([]byte(op.Name), op.Target[:]); err != nil {
					return err
				}
				applied.Updates = append(applied.Updates, refdb.Ref{Name: op.Name, DirectTarget: op.Target})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("boltref: update: %w: %w", refdb.ErrLockContention, err)
	}
	return applied, nil
}

func (s *Store) FindBlob(_ context.Context, oid refdb.Oid) ([]byte, bool, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(blobsBucket).Get(oid[:])
		if v == nil {
			return nil
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return data, data != nil, nil
}

func (s *Store) WriteBlob(_ context.Context, data []byte) (refdb.Oid, error) {
	oid := refdb.HashOid(data)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(blobsBucket)
		if b.Get(oid[:]) != nil {
			return nil
		}
		return b.Put(oid[:], data)
	})
	if err != nil {
		return refdb.Oid{}, fmt.Errorf("boltref: write blob: %w: %w", refdb.ErrIO, err)
	}
	return oid, nil
}

var _ refdb.Store = (*Store)(nil)
