package ownership

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shapefabric/internal/fault"
	"github.com/roach88/shapefabric/internal/replog"
	"github.com/roach88/shapefabric/internal/shape"
)

var (
	ownerA = uuid.MustParse("aaaaaaaa-0000-4000-8000-000000000000")
	ownerB = uuid.MustParse("bbbbbbbb-0000-4000-8000-000000000000")
	shape1 = uuid.MustParse("00000000-0000-4000-8000-000000000001")
	shape2 = uuid.MustParse("00000000-0000-4000-8000-000000000002")
	shape3 = uuid.MustParse("00000000-0000-4000-8000-000000000003")
)

func newTestIndex(t *testing.T) (*Index, *replog.Log, []*replog.MemoryReplica) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	replicas := replog.NewMemoryReplicas(3)
	l, err := replog.Open(context.Background(), replog.AsReplicas(replicas), replog.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return New(l, logger), l, replicas
}

func TestAddThenList(t *testing.T) {
	ix, _, _ := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.Add(ctx, shape2, ownerA))
	require.NoError(t, ix.Add(ctx, shape1, ownerA))
	require.NoError(t, ix.Add(ctx, shape3, ownerB))

	got, err := ix.ListByOwner(ctx, ownerA)
	require.NoError(t, err)
	assert.Equal(t, []shape.ID{shape1, shape2}, got)

	got, err = ix.ListByOwner(ctx, ownerB)
	require.NoError(t, err)
	assert.Equal(t, []shape.ID{shape3}, got)
}

func TestListByOwner_Empty(t *testing.T) {
	ix, _, _ := newTestIndex(t)

	got, err := ix.ListByOwner(context.Background(), ownerA)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestAdd_Upsert(t *testing.T) {
	ix, _, _ := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.Add(ctx, shape1, ownerA))
	require.NoError(t, ix.Add(ctx, shape1, ownerB))

	owner, err := ix.Owner(ctx, shape1)
	require.NoError(t, err)
	assert.Equal(t, ownerB, owner)

	got, err := ix.ListByOwner(ctx, ownerA)
	require.NoError(t, err)
	assert.Empty(t, got, "a shape has at most one owner")
}

func TestRemove(t *testing.T) {
	ix, _, _ := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.Add(ctx, shape1, ownerA))
	require.NoError(t, ix.Remove(ctx, shape1))

	_, err := ix.Owner(ctx, shape1)
	assert.True(t, fault.IsNotFound(err))
	got, err := ix.ListByOwner(ctx, ownerA)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRemove_AbsentIsNoop(t *testing.T) {
	ix, l, _ := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.Add(ctx, shape1, ownerA))
	before := l.Index()

	require.NoError(t, ix.Remove(ctx, shape2))
	assert.Equal(t, before, l.Index(), "removing an absent shape appends nothing")

	owner, err := ix.Owner(ctx, shape1)
	require.NoError(t, err)
	assert.Equal(t, ownerA, owner)
}

func TestAdd_QuorumLossLeavesNoTrace(t *testing.T) {
	ix, l, replicas := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.Add(ctx, shape1, ownerA))
	replicas[0].SetDown(true)
	replicas[1].SetDown(true)

	err := ix.Add(ctx, shape2, ownerA)
	require.Error(t, err)
	assert.True(t, fault.IsAborted(err), "got %v", err)

	err = ix.Remove(ctx, shape1)
	assert.True(t, fault.IsAborted(err), "got %v", err)

	replicas[0].SetDown(false)
	replicas[1].SetDown(false)

	got, err := ix.ListByOwner(ctx, ownerA)
	require.NoError(t, err)
	assert.Equal(t, []shape.ID{shape1}, got)
	assert.Equal(t, uint64(1), l.Index())

	for _, r := range replicas {
		snap, _, err := r.Snapshot(ctx)
		require.NoError(t, err)
		assert.NotContains(t, snap, Key(shape2), r.ID())
		assert.Zero(t, r.Pending(), r.ID())
	}
}

func TestOwner_NotFound(t *testing.T) {
	ix, _, _ := newTestIndex(t)
	_, err := ix.Owner(context.Background(), shape1)
	assert.True(t, fault.IsNotFound(err))
}

func TestClosedLogIsUnavailable(t *testing.T) {
	ix, l, _ := newTestIndex(t)
	require.NoError(t, l.Close())

	ctx := context.Background()
	assert.True(t, fault.IsUnavailable(ix.Add(ctx, shape1, ownerA)))
	assert.True(t, fault.IsUnavailable(ix.Remove(ctx, shape1)))
	_, err := ix.ListByOwner(ctx, ownerA)
	assert.True(t, fault.IsUnavailable(err))
}
