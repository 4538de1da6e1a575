package node_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cameron/datahog/api/node"
	"github.com/cameron/datahog/conf"
	"github.com/cameron/datahog/pool"
	"github.com/cameron/datahog/query"
	"github.com/cameron/datahog/registry"
)

const ctxPerson = 1

func newHarness(t *testing.T) (pool.Pool, *query.Fake, *registry.Registry) {
	t.Helper()
	cfg := conf.Config{
		ShardBits:      1,
		Shards:         []conf.ShardDSN{{ShardID: 0}, {ShardID: 1}},
		RootInsertPlan: []uint64{0},
	}
	backend := query.NewFake()
	p := pool.New(cfg, backend)

	reg := registry.New()
	require.NoError(t, reg.Register(ctxPerson, registry.Meta{Kind: registry.KindNode}))
	reg.Freeze()
	return p, backend, reg
}

func TestCreateGetListRoundTrip(t *testing.T) {
	p, _, reg := newHarness(t)
	bg := context.Background()

	parent, err := node.Create(bg, p, reg, nil, ctxPerson, 0, nil)
	require.NoError(t, err)

	got, err := node.Get(bg, p, parent, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, ctxPerson, got.Ctx)

	child, err := node.Create(bg, p, reg, &parent, ctxPerson, 0, nil)
	require.NoError(t, err)

	children, err := node.List(bg, p, parent, ctxPerson, nil)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, child, children[0].ChildID)
}

func TestGetMissingNode(t *testing.T) {
	p, _, _ := newHarness(t)
	got, err := node.Get(context.Background(), p, 424242, nil)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestMoveReparentsChild(t *testing.T) {
	p, _, reg := newHarness(t)
	bg := context.Background()

	parent, err := node.Create(bg, p, reg, nil, ctxPerson, 0, nil)
	require.NoError(t, err)
	other, err := node.Create(bg, p, reg, nil, ctxPerson, 0, nil)
	require.NoError(t, err)
	child, err := node.Create(bg, p, reg, &parent, ctxPerson, 0, nil)
	require.NoError(t, err)

	moved, err := node.Move(bg, p, child, ctxPerson, parent, other, 0, nil)
	require.NoError(t, err)
	require.True(t, moved)

	oldList, err := node.List(bg, p, parent, ctxPerson, nil)
	require.NoError(t, err)
	require.Empty(t, oldList)
	newList, err := node.List(bg, p, other, ctxPerson, nil)
	require.NoError(t, err)
	require.Len(t, newList, 1)
}

func TestRemoveSweepsSubtree(t *testing.T) {
	p, _, reg := newHarness(t)
	bg := context.Background()

	parent, err := node.Create(bg, p, reg, nil, ctxPerson, 0, nil)
	require.NoError(t, err)
	child, err := node.Create(bg, p, reg, &parent, ctxPerson, 0, nil)
	require.NoError(t, err)
	grandchild, err := node.Create(bg, p, reg, &child, ctxPerson, 0, nil)
	require.NoError(t, err)

	removed, err := node.Remove(bg, p, reg, child, ctxPerson, parent, nil)
	require.NoError(t, err)
	require.True(t, removed)

	for _, id := range []uint64{child, grandchild} {
		got, err := node.Get(bg, p, id, nil)
		require.NoError(t, err)
		require.Nil(t, got)
	}
	got, err := node.Get(bg, p, parent, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
}
