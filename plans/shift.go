package plans

import (
	"context"
	"time"

	"github.com/cameron/datahog/pool"
	"github.com/cameron/datahog/query"
	"github.com/cameron/datahog/registry"
	"github.com/cameron/datahog/timer"
	"github.com/cameron/datahog/txn"
)

// shiftLocal runs one shard-local repositioning under a two-phase
// handle so the renumbering statements land atomically. fn returns
// false when the row to move doesn't exist, which rolls back and
// reports (false, nil) to the caller.
func shiftLocal(ctx context.Context, p pool.Pool, shard uint64, name string, uniq []interface{}, timeout *time.Duration, fn func(context.Context, query.Session) (bool, error)) (bool, error) {
	if err := checkWritable(p); err != nil {
		return false, err
	}
	scope := timer.New(ctx, timeout)
	defer scope.Close()

	co := txn.New(p, shard, name, uniq...)
	sess, err := co.Enter(scope.Context(), timeout)
	if err != nil {
		return false, scope.Translate(err)
	}
	ok, err := fn(scope.Context(), sess)
	if err != nil {
		co.Fail()
		_ = co.Exit(err)
		return false, scope.Translate(err)
	}
	if !ok {
		co.Fail()
		_ = co.Exit(nil)
		return false, nil
	}
	if err := co.Exit(nil); err != nil {
		return false, scope.Translate(err)
	}
	if err := co.Commit(); err != nil {
		return false, scope.Translate(err)
	}
	return true, nil
}

// ShiftAlias repositions one alias within its (base_id, ctx) ordered
// list; the rest of the list is renumbered densely around it.
func ShiftAlias(ctx context.Context, p pool.Pool, reg *registry.Registry, baseID uint64, ctxID int, value string, index int, timeout *time.Duration) (bool, error) {
	if _, err := mustMeta(reg, ctxID, registry.KindAlias); err != nil {
		return false, err
	}
	shard := p.ShardMap().ShardByID(baseID)
	return shiftLocal(ctx, p, shard, "shift_alias", []interface{}{baseID, ctxID, value, index}, timeout,
		func(c context.Context, s query.Session) (bool, error) {
			return s.ShiftAlias(c, baseID, ctxID, value, index)
		})
}

// ShiftName repositions one name within its (base_id, ctx) ordered
// list. The lookup rows carry no order, so no other shard is touched.
func ShiftName(ctx context.Context, p pool.Pool, reg *registry.Registry, baseID uint64, ctxID int, value string, index int, timeout *time.Duration) (bool, error) {
	if _, err := mustMeta(reg, ctxID, registry.KindName); err != nil {
		return false, err
	}
	shard := p.ShardMap().ShardByID(baseID)
	return shiftLocal(ctx, p, shard, "shift_name", []interface{}{baseID, ctxID, value, index}, timeout,
		func(c context.Context, s query.Session) (bool, error) {
			return s.ShiftName(c, baseID, ctxID, value, index)
		})
}

// ShiftRelationship repositions one relationship row within the ordered
// list on whichever side the caller names. Position is a per-side
// property: moving the forward row never touches the mirror, so a
// single shard's transaction suffices.
func ShiftRelationship(ctx context.Context, p pool.Pool, reg *registry.Registry, baseID, relID uint64, ctxID int, forward bool, index int, timeout *time.Duration) (bool, error) {
	meta, err := mustMeta(reg, ctxID, registry.KindRelationship)
	if err != nil {
		return false, err
	}
	rowBase, rowRel := baseID, relID
	rowForward := forward
	shard := p.ShardMap().ShardByID(baseID)
	if !forward {
		// The reverse-side list lives on rel_id's shard; undirected
		// contexts store it as another forward row with the endpoints
		// swapped.
		shard = p.ShardMap().ShardByID(relID)
		if meta.Relationship.Directed {
			rowForward = false
		} else {
			rowBase, rowRel = relID, baseID
			rowForward = true
		}
	}
	return shiftLocal(ctx, p, shard, "shift_relationship", []interface{}{baseID, relID, ctxID, forward, index}, timeout,
		func(c context.Context, s query.Session) (bool, error) {
			return s.ShiftRelationship(c, rowBase, rowRel, ctxID, rowForward, index)
		})
}

// ShiftEdge repositions a child within its parent's (base_id, ctx)
// ordered child list.
func ShiftEdge(ctx context.Context, p pool.Pool, baseID uint64, ctxID int, childID uint64, index int, timeout *time.Duration) (bool, error) {
	shard := p.ShardMap().ShardByID(baseID)
	return shiftLocal(ctx, p, shard, "shift_edge", []interface{}{baseID, ctxID, childID, index}, timeout,
		func(c context.Context, s query.Session) (bool, error) {
			return s.ShiftEdge(c, baseID, ctxID, childID, index)
		})
}
