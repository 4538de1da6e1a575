package plans

import (
	"context"
	"math/rand"
	"time"

	"github.com/cameron/datahog/errors"
	"github.com/cameron/datahog/pool"
	"github.com/cameron/datahog/query"
	"github.com/cameron/datahog/registry"
	"github.com/cameron/datahog/timer"
	"github.com/cameron/datahog/txn"
)

// maxNodeIDAttempts bounds the retry loop CreateNode uses when a freshly
// generated id collides with an existing row. Collision is astronomically
// unlikely with 64-shard_bits random bits, so a handful of attempts is
// purely a belt-and-suspenders backstop.
const maxNodeIDAttempts = 5

// CreateNode creates a node row: a rootless node goes to the shard the
// root-insert plan picks; a child node goes to its parent's home shard,
// with the parent→child edge inserted in the same local transaction so
// a missing parent rolls the node insert back too.
func CreateNode(ctx context.Context, p pool.Pool, reg *registry.Registry, baseID *uint64, ctxID int, index int, timeout *time.Duration) (uint64, error) {
	if err := checkWritable(p); err != nil {
		return 0, err
	}
	if _, err := mustMeta(reg, ctxID, registry.KindNode); err != nil {
		return 0, err
	}

	scope := timer.New(ctx, timeout)
	defer scope.Close()

	var shard uint64
	if baseID == nil {
		shard = p.ShardMap().ShardForRootInsert()
	} else {
		shard = p.ShardMap().ShardByID(*baseID)
	}

	var id uint64
	err := p.WithShard(scope.Context(), shard, timeout, func(c *pool.Conn) error {
		for attempt := 0; attempt < maxNodeIDAttempts; attempt++ {
			id = randomNodeID(shard, p.ShardBits())
			if err := c.Session.InsertNode(scope.Context(), id, ctxID); err != nil {
				if query.IsUniqueViolation(err) {
					continue
				}
				return err
			}

			if baseID != nil {
				ok, err := c.Session.InsertEdge(scope.Context(), *baseID, ctxID, id, index)
				if err != nil {
					return err
				}
				if !ok {
					return errors.NewNoObjectError("node-parent", ctxID, *baseID)
				}
			}
			return nil
		}
		return errors.NewInternalError(0, nil)
	})
	if err != nil {
		return 0, scope.Translate(err)
	}
	return id, nil
}

// randomNodeID draws a random id whose top shard_bits bits encode shard,
// matching shardmap.ShardByID's inverse.
func randomNodeID(shard uint64, shardBits uint) uint64 {
	if shardBits == 0 {
		return rand.Uint64()
	}
	localBits := 64 - shardBits
	local := rand.Uint64() & ((uint64(1) << localBits) - 1)
	return (shard << localBits) | local
}

// MoveNode reparents a node. A same-shard move is one local
// transaction (remove old edge, insert new edge, roll back the whole
// thing if the insert fails); a cross-shard move two-phases on the
// source parent and mirrors the insert on the destination parent.
func MoveNode(ctx context.Context, p pool.Pool, nodeID uint64, ctxID int, baseID, newBaseID uint64, index int, timeout *time.Duration) (bool, error) {
	if err := checkWritable(p); err != nil {
		return false, err
	}

	scope := timer.New(ctx, timeout)
	defer scope.Close()

	baseShard := p.ShardMap().ShardByID(baseID)
	newBaseShard := p.ShardMap().ShardByID(newBaseID)

	if baseShard == newBaseShard {
		co := txn.New(p, baseShard, "move_node_local", nodeID, ctxID, baseID, newBaseID)
		sess, err := co.Enter(scope.Context(), timeout)
		if err != nil {
			return false, scope.Translate(err)
		}

		removed, err := sess.RemoveEdge(scope.Context(), baseID, ctxID, nodeID)
		if err != nil {
			co.Fail()
			_ = co.Exit(err)
			return false, scope.Translate(err)
		}
		if !removed {
			co.Fail()
			_ = co.Exit(nil)
			return false, nil
		}

		inserted, err := sess.InsertEdge(scope.Context(), newBaseID, ctxID, nodeID, index)
		if err != nil {
			co.Fail()
			_ = co.Exit(nil)
			if query.IsUniqueViolation(err) {
				return false, nil
			}
			return false, scope.Translate(err)
		}
		if !inserted {
			co.Fail()
			_ = co.Exit(nil)
			return false, errors.NewNoObjectError("node-newparent", ctxID, newBaseID)
		}
		if err := co.Exit(nil); err != nil {
			return false, scope.Translate(err)
		}
		if err := co.Commit(); err != nil {
			return false, scope.Translate(err)
		}
		return true, nil
	}

	co := txn.New(p, baseShard, "move_node", nodeID, ctxID, baseID, newBaseID)
	sess, err := co.Enter(scope.Context(), timeout)
	if err != nil {
		return false, scope.Translate(err)
	}

	removed, err := sess.RemoveEdge(scope.Context(), baseID, ctxID, nodeID)
	if err != nil {
		co.Fail()
		_ = co.Exit(err)
		return false, scope.Translate(err)
	}
	if !removed {
		co.Fail()
		_ = co.Exit(nil)
		return false, nil
	}
	if err := co.Exit(nil); err != nil {
		return false, scope.Translate(err)
	}

	elseErr := co.Elsewhere(func() error {
		return autocommit(ctx, p, newBaseShard, timeout, func(s query.Session) error {
			ok, err := s.InsertEdge(scope.Context(), newBaseID, ctxID, nodeID, index)
			if err != nil {
				if query.IsUniqueViolation(err) {
					return errEdgeExists
				}
				return err
			}
			if !ok {
				return errors.NewNoObjectError("node-newparent", ctxID, newBaseID)
			}
			return nil
		})
	})
	if elseErr != nil {
		if elseErr == errEdgeExists {
			return false, nil
		}
		return false, scope.Translate(elseErr)
	}
	return true, nil
}

// errEdgeExists signals that the destination parent already holds the
// child, which rolls back the source-side edge removal and folds into a
// plain (false, nil) result.
var errEdgeExists = errors.NewInternalError(0, nil)
