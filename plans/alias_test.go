package plans_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cameron/datahog/conf"
	"github.com/cameron/datahog/errors"
	"github.com/cameron/datahog/plans"
	"github.com/cameron/datahog/pool"
	"github.com/cameron/datahog/query"
	"github.com/cameron/datahog/registry"
)

const (
	ctxPerson = 1
	ctxEmail  = 2
)

func newAliasHarness(t *testing.T) (pool.Pool, *registry.Registry) {
	t.Helper()
	cfg := conf.Config{
		ShardBits: 1,
		Shards:    []conf.ShardDSN{{ShardID: 0}, {ShardID: 1}},
		DigestKey: []byte("test-digest-key"),
		AliasLookupPlan: conf.LookupPlan{
			Buckets: [][]uint64{{0, 1}, {1, 0}},
		},
	}
	backend := query.NewFake()
	p := pool.New(cfg, backend)

	for _, id := range []uint64{100, 200, 300} {
		sess, err := backend.Open(context.Background(), p.ShardMap().ShardByID(id))
		require.NoError(t, err)
		require.NoError(t, sess.InsertNode(context.Background(), id, ctxPerson))
	}

	reg := registry.New()
	require.NoError(t, reg.Register(ctxPerson, registry.Meta{Kind: registry.KindNode}))
	require.NoError(t, reg.Register(ctxEmail, registry.Meta{
		Kind:  registry.KindAlias,
		Alias: registry.AliasMeta{BaseCtx: registry.Single(ctxPerson), Flags: []int{1, 2}},
	}))
	reg.Freeze()
	return p, reg
}

// TestAliasContention mirrors the classic alias race: the first caller to
// register a given value for a context wins; re-registering the same
// (value, base) pair is idempotent rather than a conflict; an attempt
// with a different base for the same value loses with AliasInUse.
func TestAliasContention(t *testing.T) {
	p, reg := newAliasHarness(t)

	owner, created, err := plans.SetAlias(context.Background(), p, reg, 100, ctxEmail, "a@example.com", 0, nil, nil)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, uint64(100), owner)

	owner, created, err = plans.SetAlias(context.Background(), p, reg, 100, ctxEmail, "a@example.com", 0, nil, nil)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, uint64(100), owner)

	_, created, err = plans.SetAlias(context.Background(), p, reg, 200, ctxEmail, "a@example.com", 0, nil, nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.KindAliasInUse))
	require.False(t, created)
}

func TestSetAliasWithoutBaseObject(t *testing.T) {
	p, reg := newAliasHarness(t)
	_, _, err := plans.SetAlias(context.Background(), p, reg, 999, ctxEmail, "nobody@example.com", 0, nil, nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.KindNoObject))
}

func TestSetAliasFlagsRoundTrips(t *testing.T) {
	p, reg := newAliasHarness(t)
	_, _, err := plans.SetAlias(context.Background(), p, reg, 100, ctxEmail, "a@example.com", 0, []int{1}, nil)
	require.NoError(t, err)

	newFlags, err := plans.SetAliasFlags(context.Background(), p, reg, 100, ctxEmail, "a@example.com", []int{2}, []int{1}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(2), newFlags)
}

func TestSetAliasFlagsOnMissingAlias(t *testing.T) {
	p, reg := newAliasHarness(t)
	_, err := plans.SetAliasFlags(context.Background(), p, reg, 999, ctxEmail, "nope@example.com", []int{1}, nil, nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.KindNoObject))
}

func TestRemoveAliasTearsDownLookupRow(t *testing.T) {
	p, reg := newAliasHarness(t)
	_, _, err := plans.SetAlias(context.Background(), p, reg, 100, ctxEmail, "a@example.com", 0, nil, nil)
	require.NoError(t, err)

	removed, err := plans.RemoveAlias(context.Background(), p, 100, ctxEmail, "a@example.com", nil)
	require.NoError(t, err)
	require.True(t, removed)

	// Removing again reports nothing to remove.
	removed, err = plans.RemoveAlias(context.Background(), p, 100, ctxEmail, "a@example.com", nil)
	require.NoError(t, err)
	require.False(t, removed)

	// Removed, so it can be registered again, this time under a new base.
	owner, created, err := plans.SetAlias(context.Background(), p, reg, 300, ctxEmail, "a@example.com", 0, nil, nil)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, uint64(300), owner)
}

func TestSetAliasFailsClosedOnReadOnlyPool(t *testing.T) {
	cfg := conf.Config{ReadOnly: true}
	p := pool.New(cfg, query.NewFake())
	reg := registry.New()
	require.NoError(t, reg.Register(ctxEmail, registry.Meta{Kind: registry.KindAlias}))

	_, _, err := plans.SetAlias(context.Background(), p, reg, 1, ctxEmail, "a@example.com", 0, nil, nil)
	require.True(t, errors.Is(err, errors.KindReadOnly))
}
