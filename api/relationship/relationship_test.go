package relationship_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cameron/datahog/api/relationship"
	"github.com/cameron/datahog/conf"
	"github.com/cameron/datahog/errors"
	"github.com/cameron/datahog/pool"
	"github.com/cameron/datahog/query"
	"github.com/cameron/datahog/registry"
)

const (
	ctxUser      = 1
	ctxGroup     = 2
	ctxMemberOf  = 7  // undirected, union endpoints
	ctxFollows   = 8  // directed
	idUserShard0 = 1000
	idGroupShard = 1<<63 | 2000
)

func newHarness(t *testing.T) (pool.Pool, *registry.Registry) {
	t.Helper()
	cfg := conf.Config{
		ShardBits: 1,
		Shards:    []conf.ShardDSN{{ShardID: 0}, {ShardID: 1}},
	}
	backend := query.NewFake()
	p := pool.New(cfg, backend)

	for _, id := range []uint64{1, 2, 10, 11, 12, idUserShard0, idGroupShard} {
		sess, err := backend.Open(context.Background(), p.ShardMap().ShardByID(id))
		require.NoError(t, err)
		require.NoError(t, sess.InsertNode(context.Background(), id, ctxUser))
	}

	reg := registry.New()
	require.NoError(t, reg.Register(ctxUser, registry.Meta{Kind: registry.KindNode}))
	require.NoError(t, reg.Register(ctxGroup, registry.Meta{Kind: registry.KindNode}))
	require.NoError(t, reg.Register(ctxMemberOf, registry.Meta{
		Kind: registry.KindRelationship,
		Relationship: registry.RelationshipMeta{
			BaseCtx:  registry.Union(ctxUser, ctxGroup),
			RelCtx:   registry.Union(ctxUser, ctxGroup),
			Class:    registry.ClassNull,
			Directed: false,
			Flags:    []int{1, 2},
		},
	}))
	require.NoError(t, reg.Register(ctxFollows, registry.Meta{
		Kind: registry.KindRelationship,
		Relationship: registry.RelationshipMeta{
			BaseCtx:  registry.Single(ctxUser),
			RelCtx:   registry.Single(ctxUser),
			Class:    registry.ClassNull,
			Directed: true,
			Flags:    []int{1},
		},
	}))
	reg.Freeze()
	return p, reg
}

// Both endpoints of an undirected pair see the link from their own
// side: the base lists it forward, the other endpoint lists it from the
// reverse side even though its row is stored forward-shaped.
func TestUndirectedPairVisibleFromBothSides(t *testing.T) {
	p, reg := newHarness(t)
	bg := context.Background()

	created, err := relationship.Create(bg, p, reg, idUserShard0, idGroupShard, ctxMemberOf, ctxUser, ctxGroup, nil, 0, 0, nil, nil)
	require.NoError(t, err)
	require.True(t, created)

	fromBase, err := relationship.List(bg, p, reg, idUserShard0, ctxMemberOf, true, nil)
	require.NoError(t, err)
	require.Len(t, fromBase, 1)
	require.Equal(t, uint64(idGroupShard), fromBase[0].RelID)

	fromOther, err := relationship.List(bg, p, reg, idGroupShard, ctxMemberOf, false, nil)
	require.NoError(t, err)
	require.Len(t, fromOther, 1)
	require.Equal(t, uint64(idUserShard0), fromOther[0].RelID)
}

func TestUnionEndpointsRequireConcreteContexts(t *testing.T) {
	p, reg := newHarness(t)
	_, err := relationship.Create(context.Background(), p, reg, idUserShard0, idGroupShard, ctxMemberOf, 0, ctxGroup, nil, 0, 0, nil, nil)
	require.True(t, errors.Is(err, errors.KindMissingContext))
}

func TestCreateTwiceReturnsFalse(t *testing.T) {
	p, reg := newHarness(t)
	bg := context.Background()

	created, err := relationship.Create(bg, p, reg, 1, 2, ctxFollows, 0, 0, nil, 0, 0, nil, nil)
	require.NoError(t, err)
	require.True(t, created)

	created, err = relationship.Create(bg, p, reg, 1, 2, ctxFollows, 0, 0, nil, 0, 0, nil, nil)
	require.NoError(t, err)
	require.False(t, created)
}

func TestSetFlagsMirrorsAgree(t *testing.T) {
	p, reg := newHarness(t)
	bg := context.Background()

	_, err := relationship.Create(bg, p, reg, idUserShard0, idGroupShard, ctxMemberOf, ctxUser, ctxGroup, nil, 0, 0, nil, nil)
	require.NoError(t, err)

	newFlags, err := relationship.SetFlags(bg, p, reg, idUserShard0, idGroupShard, ctxMemberOf, []int{1}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), newFlags)

	fromBase, err := relationship.List(bg, p, reg, idUserShard0, ctxMemberOf, true, nil)
	require.NoError(t, err)
	fromOther, err := relationship.List(bg, p, reg, idGroupShard, ctxMemberOf, false, nil)
	require.NoError(t, err)
	require.Equal(t, fromBase[0].Flags, fromOther[0].Flags)
}

func TestShiftReordersOneSideOnly(t *testing.T) {
	p, reg := newHarness(t)
	bg := context.Background()

	for i, rel := range []uint64{10, 11, 12} {
		created, err := relationship.Create(bg, p, reg, 1, rel, ctxFollows, 0, 0, nil, i, 0, nil, nil)
		require.NoError(t, err)
		require.True(t, created)
	}

	ok, err := relationship.Shift(bg, p, reg, 1, 12, ctxFollows, true, 0, nil)
	require.NoError(t, err)
	require.True(t, ok)

	list, err := relationship.List(bg, p, reg, 1, ctxFollows, true, nil)
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, uint64(12), list[0].RelID)
	require.Equal(t, uint64(10), list[1].RelID)
	require.Equal(t, uint64(11), list[2].RelID)
	for i, r := range list {
		require.Equal(t, i, r.Index)
	}
}

func TestRemoveTearsDownBothHalves(t *testing.T) {
	p, reg := newHarness(t)
	bg := context.Background()

	_, err := relationship.Create(bg, p, reg, idUserShard0, idGroupShard, ctxMemberOf, ctxUser, ctxGroup, nil, 0, 0, nil, nil)
	require.NoError(t, err)

	removed, err := relationship.Remove(bg, p, reg, idUserShard0, idGroupShard, ctxMemberOf, nil)
	require.NoError(t, err)
	require.True(t, removed)

	fromBase, err := relationship.List(bg, p, reg, idUserShard0, ctxMemberOf, true, nil)
	require.NoError(t, err)
	require.Empty(t, fromBase)
	fromOther, err := relationship.List(bg, p, reg, idGroupShard, ctxMemberOf, false, nil)
	require.NoError(t, err)
	require.Empty(t, fromOther)
}
