package name_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cameron/datahog/api/name"
	"github.com/cameron/datahog/conf"
	"github.com/cameron/datahog/pool"
	"github.com/cameron/datahog/query"
	"github.com/cameron/datahog/registry"
)

const (
	ctxPerson   = 1
	ctxNickname = 30
)

func newHarness(t *testing.T) (pool.Pool, *registry.Registry) {
	t.Helper()
	cfg := conf.Config{
		ShardBits:        1,
		Shards:           []conf.ShardDSN{{ShardID: 0}, {ShardID: 1}},
		PrefixLookupPlan: conf.LookupPlan{Buckets: [][]uint64{{0, 1}}},
	}
	backend := query.NewFake()
	p := pool.New(cfg, backend)

	sess, err := backend.Open(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, sess.InsertNode(context.Background(), 100, ctxPerson))

	reg := registry.New()
	require.NoError(t, reg.Register(ctxPerson, registry.Meta{Kind: registry.KindNode}))
	require.NoError(t, reg.Register(ctxNickname, registry.Meta{
		Kind: registry.KindName,
		Name: registry.NameMeta{BaseCtx: registry.Single(ctxPerson), Search: registry.SearchPrefix},
	}))
	reg.Freeze()
	return p, reg
}

func TestCreateSearchRemove(t *testing.T) {
	p, reg := newHarness(t)
	bg := context.Background()

	ok, err := name.Create(bg, p, reg, 100, ctxNickname, "shortstack", nil, 0, nil)
	require.NoError(t, err)
	require.True(t, ok)

	result, err := name.Search(bg, p, reg, ctxNickname, "short", 10, nil)
	require.NoError(t, err)
	require.Len(t, result.Names, 1)
	require.Equal(t, uint64(100), result.Names[0].BaseID)

	removed, err := name.Remove(bg, p, reg, 100, ctxNickname, "shortstack", nil)
	require.NoError(t, err)
	require.True(t, removed)

	result, err = name.Search(bg, p, reg, ctxNickname, "short", 10, nil)
	require.NoError(t, err)
	require.Empty(t, result.Names)
}

func TestShiftKeepsListDense(t *testing.T) {
	p, reg := newHarness(t)
	bg := context.Background()

	for i, v := range []string{"alpha", "beta", "gamma"} {
		ok, err := name.Create(bg, p, reg, 100, ctxNickname, v, nil, i, nil)
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := name.Shift(bg, p, reg, 100, ctxNickname, "gamma", 1, nil)
	require.NoError(t, err)
	require.True(t, ok)

	list, err := name.List(bg, p, 100, ctxNickname, nil)
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, "alpha", list[0].Value)
	require.Equal(t, "gamma", list[1].Value)
	require.Equal(t, "beta", list[2].Value)
	for i, n := range list {
		require.Equal(t, i, n.Pos)
	}
}
