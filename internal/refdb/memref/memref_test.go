package memref_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/emberlink/ember/internal/refdb"
	"github.com/emberlink/ember/internal/refdb/memref"
)

func TestUpdateAppliesWritesAndRecordsRejections(t *testing.T) {
	ctx := context.Background()
	s := memref.New()
	oidA := refdb.HashOid([]byte("a"))
	oidB := refdb.HashOid([]byte("b"))

	applied, err := s.Update(ctx, []refdb.BatchOp{
		{Name: "refs/heads/main", Target: oidA, Precondition: refdb.PreconditionMustNotExist},
		{Name: "refs/heads/main", Target: oidB, Precondition: refdb.PreconditionMustNotExist}, // now exists
		{Name: "refs/heads/dev", Target: oidB},
	})
	require.NoError(t, err)
	require.Len(t, applied.Updates, 2)
	require.Len(t, applied.Rejections, 1)
	require.ErrorIs(t, applied.Rejections[0].Err, refdb.ErrPreconditionFailed)

	ref, err := s.FindReference(ctx, "refs/heads/main")
	require.NoError(t, err)
	require.Equal(t, oidA, ref.DirectTarget)
}

func TestUpdateCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := memref.New()
	oidA := refdb.HashOid([]byte("a"))
	oidB := refdb.HashOid([]byte("b"))

	_, err := s.Update(ctx, []refdb.BatchOp{{Name: "refs/heads/main", Target: oidA}})
	require.NoError(t, err)

	applied, err := s.Update(ctx, []refdb.BatchOp{
		{Name: "refs/heads/main", Target: oidB, Precondition: refdb.PreconditionMustExistWithTarget, ExpectedTarget: oidB},
	})
	require.NoError(t, err)
	require.Empty(t, applied.Updates)
	require.Len(t, applied.Rejections, 1)

	applied, err = s.Update(ctx, []refdb.BatchOp{
		{Name: "refs/heads/main", Target: oidB, Precondition: refdb.PreconditionMustExistWithTarget, ExpectedTarget: oidA},
	})
	require.NoError(t, err)
	require.Len(t, applied.Updates, 1)
}

func TestUpdateRejectsInvalidRefName(t *testing.T) {
	ctx := context.Background()
	s := memref.New()

	applied, err := s.Update(ctx, []refdb.BatchOp{
		{Name: "refs/../escape", Target: refdb.HashOid([]byte("x"))},
	})
	require.NoError(t, err)
	require.Empty(t, applied.Updates)
	require.Len(t, applied.Rejections, 1)
	require.ErrorIs(t, applied.Rejections[0].Err, refdb.ErrInvalidRefName)
}

func TestReferencesMatchesTrailingGlob(t *testing.T) {
	ctx := context.Background()
	s := memref.New()
	oid := refdb.HashOid([]byte("x"))

	_, err := s.Update(ctx, []refdb.BatchOp{
		{Name: "refs/rad/remotes/proj/default", Target: oid},
		{Name: "refs/rad/remotes/proj/peer1", Target: oid},
		{Name: "refs/rad/remotes/other/default", Target: oid},
	})
	require.NoError(t, err)

	it, err := s.References(ctx, "refs/rad/remotes/proj/*")
	require.NoError(t, err)
	defer it.Close()

	var names []string
	for it.Next() {
		names = append(names, it.Ref().Name)
	}
	require.NoError(t, it.Err())
	require.Equal(t, []string{"refs/rad/remotes/proj/default", "refs/rad/remotes/proj/peer1"}, names)
	require.Equal(t, names, s.ListNames("refs/rad/remotes/proj/"))
}

func TestBlobsAreContentAddressedAndImmutable(t *testing.T) {
	ctx := context.Background()
	s := memref.New()

	data := []byte("payload")
	oid1, err := s.WriteBlob(ctx, data)
	require.NoError(t, err)
	oid2, err := s.WriteBlob(ctx, []byte("payload"))
	require.NoError(t, err)
	require.Equal(t, oid1, oid2)

	got, ok, err := s.FindBlob(ctx, oid1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, data, got)

	// Mutating the returned slice must not affect the stored blob.
	got[0] = 'X'
	again, ok, err := s.FindBlob(ctx, oid1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, data, again)
}

func TestFindBlobAbsent(t *testing.T) {
	ctx := context.Background()
	s := memref.New()
	_, ok, err := s.FindBlob(ctx, refdb.HashOid([]byte("never written")))
	require.NoError(t, err)
	require.False(t, ok)
}
