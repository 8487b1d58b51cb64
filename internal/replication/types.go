// Package replication implements fetch-and-verify orchestration: a
// single pull from a connected remote, producing a structured Outcome
// of refs updated/rejected/pruned, peers tracked, and URNs created.
// The driver consumes a Connection/Spawner capability pair and never
// learns the transport's concrete shape.
package replication

import (
	"errors"

	"github.com/emberlink/ember/internal/refdb"
)

// Failure kinds. None of these ever panic; Replicate always returns
// one of them wrapped with context, or a nil error.
var (
	ErrNoConnection       = errors.New("replication: no connection")
	ErrTransport          = errors.New("replication: transport error")
	ErrVerificationFailed = errors.New("replication: verification failed")
	ErrPolicyRejected     = errors.New("replication: rejected by tracking policy")
	ErrStorage            = errors.New("replication: storage error")
	ErrBudgetExceeded     = errors.New("replication: fetch budget exceeded")
)

// RefKind distinguishes a direct reference update from a symbolic one.
type RefKind int

const (
	RefDirect RefKind = iota
	RefSymbolic
)

// RefUpdate is one successfully-applied reference change.
type RefUpdate struct {
	Name   string
	Kind   RefKind
	Target refdb.Oid
	Pruned bool
}

// RejectedRef is one reference update that failed verification or
// policy and was not applied.
type RejectedRef struct {
	Name   string
	Reason error
}

// TrackedAdded records peers and URNs newly admitted to the tracking
// store as a side effect of this replication.
type TrackedAdded struct {
	Direct   []refdb.PeerID
	Indirect []refdb.URN
}

// Outcome is the structured result of one Replicate call.
type Outcome struct {
	Updated              []RefUpdate
	Rejected             []RejectedRef
	TrackedAdded         TrackedAdded
	URNsCreated          []refdb.URN
	RequiresConfirmation bool
}

// Budget bounds how much one Replicate call will fetch from an
// untrusted peer. Exceeding it aborts with ErrBudgetExceeded, fatal to
// this one pull but not to the caller.
type Budget struct {
	MaxObjects int
	MaxBytes   int
}

func (b *Budget) exceeded(objects, bytesFetched int) bool {
	if b == nil {
		return false
	}
	if b.MaxObjects > 0 && objects > b.MaxObjects {
		return true
	}
	if b.MaxBytes > 0 && bytesFetched > b.MaxBytes {
		return true
	}
	return false
}
