package estate_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cameron/datahog/conf"
	"github.com/cameron/datahog/errors"
	"github.com/cameron/datahog/estate"
	"github.com/cameron/datahog/plans"
	"github.com/cameron/datahog/pool"
	"github.com/cameron/datahog/query"
	"github.com/cameron/datahog/registry"
)

const (
	ctxPerson = 1
	ctxEmail  = 5
	ctxKnows  = 7
)

// Four shards, shard = top two bits of the id.
const (
	idParent = 1
	idOther  = 2
	idNode   = 1<<62 | 1
	idChildA = 2<<62 | 1
	idChildB = 3<<62 | 1
)

func newEstateHarness(t *testing.T) (pool.Pool, *query.Fake, *registry.Registry) {
	t.Helper()
	cfg := conf.Config{
		ShardBits: 2,
		Shards: []conf.ShardDSN{
			{ShardID: 0}, {ShardID: 1}, {ShardID: 2}, {ShardID: 3},
		},
		DigestKey: []byte("estate-digest-key"),
		AliasLookupPlan: conf.LookupPlan{
			Buckets: [][]uint64{{0, 1}},
		},
	}
	backend := query.NewFake()
	p := pool.New(cfg, backend)

	reg := registry.New()
	require.NoError(t, reg.Register(ctxPerson, registry.Meta{Kind: registry.KindNode}))
	require.NoError(t, reg.Register(ctxEmail, registry.Meta{
		Kind:  registry.KindAlias,
		Alias: registry.AliasMeta{BaseCtx: registry.Single(ctxPerson), Flags: []int{1}},
	}))
	require.NoError(t, reg.Register(ctxKnows, registry.Meta{
		Kind: registry.KindRelationship,
		Relationship: registry.RelationshipMeta{
			BaseCtx:  registry.Single(ctxPerson),
			RelCtx:   registry.Single(ctxPerson),
			Class:    registry.ClassNull,
			Directed: true,
			Flags:    []int{1},
		},
	}))
	reg.Freeze()
	return p, backend, reg
}

// seedEstate builds a parent on shard 0 holding a node on shard 1 with
// two children on shards 2 and 3, each child owning one alias and one
// relationship into an unrelated node back on shard 0.
func seedEstate(t *testing.T, p pool.Pool, backend *query.Fake, reg *registry.Registry) {
	t.Helper()
	bg := context.Background()

	insertNode := func(shard uint64, id uint64) {
		sess, err := backend.Open(bg, shard)
		require.NoError(t, err)
		require.NoError(t, sess.InsertNode(bg, id, ctxPerson))
	}
	insertNode(0, idParent)
	insertNode(0, idOther)
	insertNode(1, idNode)
	insertNode(2, idChildA)
	insertNode(3, idChildB)

	sess0, err := backend.Open(bg, 0)
	require.NoError(t, err)
	ok, err := sess0.InsertEdge(bg, idParent, ctxPerson, idNode, 0)
	require.NoError(t, err)
	require.True(t, ok)

	sess1, err := backend.Open(bg, 1)
	require.NoError(t, err)
	ok, err = sess1.InsertEdge(bg, idNode, ctxPerson, idChildA, 0)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = sess1.InsertEdge(bg, idNode, ctxPerson, idChildB, 1)
	require.NoError(t, err)
	require.True(t, ok)

	children := []struct {
		id    uint64
		alias string
	}{
		{idChildA, "a@x.test"},
		{idChildB, "b@x.test"},
	}
	for i, c := range children {
		_, created, err := plans.SetAlias(bg, p, reg, c.id, ctxEmail, c.alias, 0, nil, nil)
		require.NoError(t, err)
		require.True(t, created)

		created, err = plans.CreateRelationship(bg, p, reg, c.id, idOther, ctxKnows, 0, 0, nil, 0, i, nil, nil)
		require.NoError(t, err)
		require.True(t, created)
	}

	// A relationship from a surviving node keeps one live row in the
	// unrelated node's reverse list.
	created, err := plans.CreateRelationship(bg, p, reg, idParent, idOther, ctxKnows, 0, 0, nil, 0, 2, nil, nil)
	require.NoError(t, err)
	require.True(t, created)
}

func TestRemoveNodeSweepsEstateAcrossShards(t *testing.T) {
	p, backend, reg := newEstateHarness(t)
	seedEstate(t, p, backend, reg)

	removed, err := estate.RemoveNode(context.Background(), p, reg, idNode, ctxPerson, idParent, nil)
	require.NoError(t, err)
	require.True(t, removed)

	dead := map[uint64]bool{idNode: true, idChildA: true, idChildB: true}
	for shard := uint64(0); shard < 4; shard++ {
		snap := backend.Snapshot(shard)
		for _, n := range snap.Nodes {
			if dead[n.ID] {
				require.NotNil(t, n.TimeRemoved, "node %d should be removed on shard %d", n.ID, shard)
			} else {
				require.Nil(t, n.TimeRemoved, "node %d should survive on shard %d", n.ID, shard)
			}
		}
		for _, a := range snap.Aliases {
			require.NotNil(t, a.TimeRemoved, "alias %q on shard %d", a.Value, shard)
		}
		for _, l := range snap.AliasLookups {
			require.NotNil(t, l.TimeRemoved, "alias lookup on shard %d", shard)
		}
		for _, e := range snap.Edges {
			require.NotNil(t, e.TimeRemoved, "edge %d->%d on shard %d", e.BaseID, e.ChildID, shard)
		}
	}

	// Both halves of the surviving relationship are intact; everything
	// touching the removed children is gone.
	var liveForward, liveReverse int
	for shard := uint64(0); shard < 4; shard++ {
		for _, r := range backend.Snapshot(shard).Relationships {
			if r.TimeRemoved != nil {
				require.True(t, dead[r.BaseID] || dead[r.RelID],
					"unexpected removal of %d->%d on shard %d", r.BaseID, r.RelID, shard)
				continue
			}
			require.Equal(t, uint64(idParent), r.BaseID)
			require.Equal(t, uint64(idOther), r.RelID)
			if r.Forward {
				liveForward++
			} else {
				liveReverse++
				require.Equal(t, 0, r.Index, "reverse list should be re-densified")
			}
		}
	}
	require.Equal(t, 1, liveForward)
	require.Equal(t, 1, liveReverse)
}

// A failure after more than one shard's transaction has been prepared
// must roll every one of them back: afterwards no prepared transaction
// remains and the already-swept rows are live again.
func TestRemoveNodeFailureMidDrainRollsBackEveryPreparedShard(t *testing.T) {
	p, backend, reg := newEstateHarness(t)
	seedEstate(t, p, backend, reg)

	// Stall the third session open: the first two are the edge
	// coordinator and the seed shard's drain coordinator, so by then
	// both are prepared.
	opens := 0
	backend.OpenHook = func(uint64) {
		opens++
		if opens == 3 {
			time.Sleep(150 * time.Millisecond)
		}
	}
	timeout := 50 * time.Millisecond

	_, err := estate.RemoveNode(context.Background(), p, reg, idNode, ctxPerson, idParent, &timeout)
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.KindTimeout))

	require.Equal(t, 0, backend.PreparedCount())

	// The parent edge and the node row are live again.
	for _, e := range backend.Snapshot(0).Edges {
		require.Nil(t, e.TimeRemoved)
	}
	for _, n := range backend.Snapshot(1).Nodes {
		require.Nil(t, n.TimeRemoved)
	}
}

func TestRemoveNodeWithoutEdgeReturnsFalse(t *testing.T) {
	p, backend, reg := newEstateHarness(t)
	seedEstate(t, p, backend, reg)

	removed, err := estate.RemoveNode(context.Background(), p, reg, idChildA, ctxPerson, idParent, nil)
	require.NoError(t, err)
	require.False(t, removed)

	// Nothing was swept: the child and its alias are still live.
	for _, n := range backend.Snapshot(2).Nodes {
		if n.ID == idChildA {
			require.Nil(t, n.TimeRemoved)
		}
	}
	for _, a := range backend.Snapshot(2).Aliases {
		require.Nil(t, a.TimeRemoved)
	}
}

func TestRemoveNodeFailsClosedOnReadOnlyPool(t *testing.T) {
	cfg := conf.Config{ReadOnly: true, ShardBits: 2}
	p := pool.New(cfg, query.NewFake())
	reg := registry.New()
	reg.Freeze()

	_, err := estate.RemoveNode(context.Background(), p, reg, idNode, ctxPerson, idParent, nil)
	require.True(t, errors.Is(err, errors.KindReadOnly))
}
