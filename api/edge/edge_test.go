package edge_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cameron/datahog/api/edge"
	"github.com/cameron/datahog/api/node"
	"github.com/cameron/datahog/conf"
	"github.com/cameron/datahog/errors"
	"github.com/cameron/datahog/pool"
	"github.com/cameron/datahog/query"
	"github.com/cameron/datahog/registry"
)

const ctxPerson = 1

func newHarness(t *testing.T) (pool.Pool, *registry.Registry) {
	t.Helper()
	cfg := conf.Config{
		ShardBits:      1,
		Shards:         []conf.ShardDSN{{ShardID: 0}, {ShardID: 1}},
		RootInsertPlan: []uint64{0},
	}
	p := pool.New(cfg, query.NewFake())

	reg := registry.New()
	require.NoError(t, reg.Register(ctxPerson, registry.Meta{Kind: registry.KindNode}))
	reg.Freeze()
	return p, reg
}

func TestShiftKeepsChildListDense(t *testing.T) {
	p, reg := newHarness(t)
	bg := context.Background()

	parent, err := node.Create(bg, p, reg, nil, ctxPerson, 0, nil)
	require.NoError(t, err)

	var children []uint64
	for i := 0; i < 3; i++ {
		child, err := node.Create(bg, p, reg, &parent, ctxPerson, i, nil)
		require.NoError(t, err)
		children = append(children, child)
	}

	ok, err := edge.Shift(bg, p, parent, ctxPerson, children[2], 0, nil)
	require.NoError(t, err)
	require.True(t, ok)

	list, err := edge.List(bg, p, parent, ctxPerson, nil)
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, children[2], list[0].ChildID)
	require.Equal(t, children[0], list[1].ChildID)
	require.Equal(t, children[1], list[2].ChildID)
	for i, e := range list {
		require.Equal(t, i, e.Pos)
	}
}

func TestShiftMissingChild(t *testing.T) {
	p, reg := newHarness(t)
	bg := context.Background()

	parent, err := node.Create(bg, p, reg, nil, ctxPerson, 0, nil)
	require.NoError(t, err)

	ok, err := edge.Shift(bg, p, parent, ctxPerson, 999, 0, nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestShiftFailsClosedOnReadOnlyPool(t *testing.T) {
	cfg := conf.Config{ReadOnly: true}
	p := pool.New(cfg, query.NewFake())
	_, err := edge.Shift(context.Background(), p, 1, ctxPerson, 2, 0, nil)
	require.True(t, errors.Is(err, errors.KindReadOnly))
}
