package cob

import "github.com/emberlink/ember/internal/refdb"

// Snapshot is an opaque materializer checkpoint, cheap enough to hold
// one per accepted change so Rollback can restore the pre-application
// state after a payload is rejected.
type Snapshot any

// Materializer is the pluggable CRDT-style payload folder; the
// structured-change CRDT itself is external to this module and
// consumed through this capability. Apply and Validate are called
// in that order for every change that survives signature and
// authorship pruning; on rejection or schema failure Rollback restores
// the materializer to the snapshot taken before Apply.
type Materializer interface {
	Snapshot() Snapshot
	Apply(payload []byte) error
	Validate(schemaCommit refdb.Oid) error
	Rollback(snap Snapshot)
	Bytes() []byte
}
