package plans_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cameron/datahog/conf"
	"github.com/cameron/datahog/plans"
	"github.com/cameron/datahog/pool"
	"github.com/cameron/datahog/query"
	"github.com/cameron/datahog/registry"
)

const (
	ctxNamePrefix   = 30
	ctxNamePhonetic = 31
)

func newNameHarness(t *testing.T) (pool.Pool, *query.Fake, *registry.Registry) {
	t.Helper()
	cfg := conf.Config{
		ShardBits: 1,
		Shards:    []conf.ShardDSN{{ShardID: 0}, {ShardID: 1}},
		// A single bucket spanning both shards keeps the lookup-write
		// shard deterministic across every hash/code this file exercises.
		PrefixLookupPlan:   conf.LookupPlan{Buckets: [][]uint64{{0, 1}}},
		PhoneticLookupPlan: conf.LookupPlan{Buckets: [][]uint64{{0, 1}}},
	}
	backend := query.NewFake()
	p := pool.New(cfg, backend)

	for _, id := range []uint64{1, 2} {
		sess, err := backend.Open(context.Background(), p.ShardMap().ShardByID(id))
		require.NoError(t, err)
		require.NoError(t, sess.InsertNode(context.Background(), id, ctxPerson))
	}

	reg := registry.New()
	require.NoError(t, reg.Register(ctxPerson, registry.Meta{Kind: registry.KindNode}))
	require.NoError(t, reg.Register(ctxNamePrefix, registry.Meta{
		Kind: registry.KindName,
		Name: registry.NameMeta{BaseCtx: registry.Single(ctxPerson), Search: registry.SearchPrefix, Flags: []int{1}},
	}))
	require.NoError(t, reg.Register(ctxNamePhonetic, registry.Meta{
		Kind: registry.KindName,
		Name: registry.NameMeta{BaseCtx: registry.Single(ctxPerson), Search: registry.SearchPhonetic, PhoneticLoose: true},
	}))
	reg.Freeze()
	return p, backend, reg
}

func TestCreatePrefixNameWritesLookupRow(t *testing.T) {
	p, backend, reg := newNameHarness(t)

	ok, err := plans.CreateName(context.Background(), p, reg, 1, ctxNamePrefix, "hello", nil, 0, nil)
	require.NoError(t, err)
	require.True(t, ok)

	writeShard := p.ShardMap().ShardForPrefixWrite([]byte("hello"))
	snap := backend.Snapshot(writeShard)
	require.Len(t, snap.NameLookups, 1)
	require.Equal(t, "hello", snap.NameLookups[0].Value)
	require.Empty(t, snap.NameLookups[0].Code)
}

// A name whose primary and alternate double-metaphone codes differ
// ("Catherine") gets a lookup row under each code when the context
// allows loose matching.
func TestCreatePhoneticNameWithLooseAltWritesBothCodes(t *testing.T) {
	p, backend, reg := newNameHarness(t)

	ok, err := plans.CreateName(context.Background(), p, reg, 1, ctxNamePhonetic, "Catherine", nil, 0, nil)
	require.NoError(t, err)
	require.True(t, ok)

	writeShard := p.ShardMap().ShardForPhoneticWrite("K0RN")
	snap := backend.Snapshot(writeShard)

	var codes []string
	for _, nl := range snap.NameLookups {
		codes = append(codes, nl.Code)
	}
	require.ElementsMatch(t, []string{"K0RN", "KTRN"}, codes)
}

func TestCreatePhoneticNameWithoutLooseSkipsAltCode(t *testing.T) {
	p, backend, reg := newNameHarness(t)

	reg2 := registry.New()
	require.NoError(t, reg2.Register(ctxPerson, registry.Meta{Kind: registry.KindNode}))
	require.NoError(t, reg2.Register(ctxNamePhonetic, registry.Meta{
		Kind: registry.KindName,
		Name: registry.NameMeta{BaseCtx: registry.Single(ctxPerson), Search: registry.SearchPhonetic, PhoneticLoose: false},
	}))
	reg2.Freeze()
	_ = reg

	ok, err := plans.CreateName(context.Background(), p, reg2, 1, ctxNamePhonetic, "Catherine", nil, 0, nil)
	require.NoError(t, err)
	require.True(t, ok)

	writeShard := p.ShardMap().ShardForPhoneticWrite("K0RN")
	snap := backend.Snapshot(writeShard)
	require.Len(t, snap.NameLookups, 1)
	require.Equal(t, "K0RN", snap.NameLookups[0].Code)
}

func TestSetNameFlagsNoOpSucceeds(t *testing.T) {
	p, _, reg := newNameHarness(t)

	_, err := plans.CreateName(context.Background(), p, reg, 1, ctxNamePrefix, "hello", nil, 0, nil)
	require.NoError(t, err)

	newFlags, err := plans.SetNameFlags(context.Background(), p, reg, 1, ctxNamePrefix, "hello", nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, int64(0), newFlags)
}

func TestSetNameFlagsOnMissingNameIsNoOp(t *testing.T) {
	p, _, reg := newNameHarness(t)
	newFlags, err := plans.SetNameFlags(context.Background(), p, reg, 1, ctxNamePrefix, "nope", []int{1}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, int64(0), newFlags)
}

func TestRemoveNameTearsDownPrefixLookup(t *testing.T) {
	p, backend, reg := newNameHarness(t)

	_, err := plans.CreateName(context.Background(), p, reg, 1, ctxNamePrefix, "hello", nil, 0, nil)
	require.NoError(t, err)

	removed, err := plans.RemoveName(context.Background(), p, reg, 1, ctxNamePrefix, "hello", nil)
	require.NoError(t, err)
	require.True(t, removed)

	writeShard := p.ShardMap().ShardForPrefixWrite([]byte("hello"))
	for _, nl := range backend.Snapshot(writeShard).NameLookups {
		require.NotNil(t, nl.TimeRemoved)
	}
}

func TestSearchNamesPrefixMatchesRegisteredValue(t *testing.T) {
	p, _, reg := newNameHarness(t)

	_, err := plans.CreateName(context.Background(), p, reg, 1, ctxNamePrefix, "hello", nil, 0, nil)
	require.NoError(t, err)
	_, err = plans.CreateName(context.Background(), p, reg, 2, ctxNamePrefix, "help", nil, 0, nil)
	require.NoError(t, err)

	result, err := plans.SearchNames(context.Background(), p, reg, ctxNamePrefix, "hel", 10, nil)
	require.NoError(t, err)
	require.Len(t, result.Names, 2)
}
