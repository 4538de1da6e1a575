package txn_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cameron/datahog/conf"
	"github.com/cameron/datahog/pool"
	"github.com/cameron/datahog/query"
	"github.com/cameron/datahog/txn"
)

func newTestPool() (pool.Pool, *query.Fake) {
	backend := query.NewFake()
	cfg := conf.Config{Shards: []conf.ShardDSN{{ShardID: 0}, {ShardID: 1}}}
	return pool.New(cfg, backend), backend
}

func TestCoordinatorCommitsOnSuccess(t *testing.T) {
	p, backend := newTestPool()
	co := txn.New(p, 0, "create_node", uint64(1))

	sess, err := co.Enter(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, sess.InsertNode(context.Background(), 1, 7))

	require.NoError(t, co.Exit(nil))
	require.Equal(t, txn.StatePrepared, co.State())

	require.NoError(t, co.Commit())
	require.Equal(t, txn.StateCommitted, co.State())

	snap := backend.Snapshot(0)
	require.Len(t, snap.Nodes, 1)
	require.Equal(t, uint64(1), snap.Nodes[0].ID)
}

func TestCoordinatorRollsBackOnExitFailure(t *testing.T) {
	p, backend := newTestPool()
	co := txn.New(p, 0, "create_node", uint64(2))

	sess, err := co.Enter(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, sess.InsertNode(context.Background(), 2, 7))

	err = co.Exit(fmt.Errorf("boom"))
	require.Error(t, err)
	require.Equal(t, txn.StateRolledBack, co.State())

	snap := backend.Snapshot(0)
	require.Empty(t, snap.Nodes)
}

func TestCoordinatorFailForcesRollbackEvenWithoutWorkError(t *testing.T) {
	p, backend := newTestPool()
	co := txn.New(p, 0, "create_node", uint64(3))

	sess, err := co.Enter(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, sess.InsertNode(context.Background(), 3, 7))

	co.Fail()
	require.NoError(t, co.Exit(nil))
	require.Equal(t, txn.StateRolledBack, co.State())

	snap := backend.Snapshot(0)
	require.Empty(t, snap.Nodes)
}

func TestElsewhereCommitsFirstShardOnSuccess(t *testing.T) {
	p, backend := newTestPool()
	co := txn.New(p, 0, "create_node", uint64(4))

	sess, err := co.Enter(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, sess.InsertNode(context.Background(), 4, 7))
	require.NoError(t, co.Exit(nil))

	otherTouched := false
	err = co.Elsewhere(func() error {
		otherTouched = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, otherTouched)
	require.Equal(t, txn.StateCommitted, co.State())

	snap := backend.Snapshot(0)
	require.Len(t, snap.Nodes, 1)
}

func TestElsewhereRollsBackFirstShardWhenLaterWorkFails(t *testing.T) {
	p, backend := newTestPool()
	co := txn.New(p, 0, "create_node", uint64(5))

	sess, err := co.Enter(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, sess.InsertNode(context.Background(), 5, 7))
	require.NoError(t, co.Exit(nil))

	err = co.Elsewhere(func() error {
		return fmt.Errorf("second shard exploded")
	})
	require.Error(t, err)
	require.Equal(t, txn.StateRolledBack, co.State())

	// The prepared insert on shard 0 must have been undone too.
	snap := backend.Snapshot(0)
	require.Empty(t, snap.Nodes)
}

func TestElsewherePanicsWithoutPriorPreparedExit(t *testing.T) {
	p, _ := newTestPool()
	co := txn.New(p, 0, "create_node", uint64(6))

	require.Panics(t, func() {
		_ = co.Elsewhere(func() error { return nil })
	})
}

func TestRollbackIsNoOpUnlessPrepared(t *testing.T) {
	p, backend := newTestPool()
	co := txn.New(p, 0, "create_node", uint64(7))

	sess, err := co.Enter(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, sess.InsertNode(context.Background(), 7, 7))

	require.Error(t, co.Exit(fmt.Errorf("boom")))
	require.Equal(t, txn.StateRolledBack, co.State())

	// The transaction was never prepared, so a later blanket Rollback
	// must not issue ROLLBACK PREPARED for its xid.
	require.NoError(t, co.Rollback())
	require.Equal(t, txn.StateRolledBack, co.State())
	require.Equal(t, 0, backend.PreparedCount())
}

func TestCommitAndRollbackAreIdempotentAfterFinalization(t *testing.T) {
	p, backend := newTestPool()
	co := txn.New(p, 0, "create_node", uint64(8))

	sess, err := co.Enter(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, sess.InsertNode(context.Background(), 8, 7))
	require.NoError(t, co.Exit(nil))
	require.NoError(t, co.Commit())
	require.Equal(t, txn.StateCommitted, co.State())

	require.NoError(t, co.Commit())
	require.NoError(t, co.Rollback())
	require.Equal(t, txn.StateCommitted, co.State())
	require.Len(t, backend.Snapshot(0).Nodes, 1)
}

func TestNewTruncatesLongUniqData(t *testing.T) {
	p, _ := newTestPool()
	longValue := make([]byte, 200)
	for i := range longValue {
		longValue[i] = 'a'
	}
	// New must not panic regardless of how long the joined uniqData is.
	co := txn.New(p, 0, "create_node", string(longValue))
	require.Equal(t, txn.StateInit, co.State())
}
