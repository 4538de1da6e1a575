package plans

import (
	"context"
	"time"

	"github.com/cameron/datahog/errors"
	"github.com/cameron/datahog/pool"
	"github.com/cameron/datahog/query"
	"github.com/cameron/datahog/registry"
	"github.com/cameron/datahog/timer"
	"github.com/cameron/datahog/txn"
	"github.com/cameron/datahog/valuecodec"
)

// CreateRelationship inserts the forward row on base_id's home shard
// first — a missing parent there fails the whole call with NoObject
// before the reverse shard is ever touched — then inserts the mirror
// reverse row on rel_id's home shard in Elsewhere. Either insert
// reporting "already exists" returns false rather than an error.
func CreateRelationship(ctx context.Context, p pool.Pool, reg *registry.Registry, baseID, relID uint64, ctxID, baseCtx, relCtx int, value interface{}, forwIdx, revIdx int, flags []int, timeout *time.Duration) (bool, error) {
	if err := checkWritable(p); err != nil {
		return false, err
	}
	meta, err := mustMeta(reg, ctxID, registry.KindRelationship)
	if err != nil {
		return false, err
	}
	if _, err := resolveEndpointCtx(meta.Relationship.BaseCtx, baseCtx); err != nil {
		return false, err
	}
	if _, err := resolveEndpointCtx(meta.Relationship.RelCtx, relCtx); err != nil {
		return false, err
	}
	flagBits, err := valuecodec.FlagsToInt(ctxID, flags, meta.Relationship.Flags)
	if err != nil {
		return false, err
	}
	encoded, err := valuecodec.Wrap(meta.Relationship.Class, value, nil)
	if err != nil {
		return false, err
	}

	scope := timer.New(ctx, timeout)
	defer scope.Close()

	baseShard := p.ShardMap().ShardByID(baseID)
	relShard := p.ShardMap().ShardByID(relID)

	co := txn.New(p, baseShard, "create_relationship_pair", baseID, relID, ctxID)
	sess, err := co.Enter(scope.Context(), timeout)
	if err != nil {
		return false, scope.Translate(err)
	}

	inserted, err := sess.InsertRelationship(scope.Context(), baseID, relID, ctxID, encoded, true, forwIdx, flagBits)
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
		if err := co.Exit(nil); err != nil {
			return false, scope.Translate(err)
		}
		return false, errors.NewNoObjectError("relationship-base", baseCtx, baseID)
	}
	if err := co.Exit(nil); err != nil {
		return false, scope.Translate(err)
	}

	mirrorBase, mirrorRel, mirrorForward := mirrorEndpoint(meta.Relationship.Directed, baseID, relID)
	insertReverse := func(s query.Session) error {
		ok, err := s.InsertRelationship(scope.Context(), mirrorBase, mirrorRel, ctxID, encoded, mirrorForward, revIdx, flagBits)
		if err != nil {
			if query.IsUniqueViolation(err) {
				return errMirrorMismatch
			}
			return err
		}
		if !ok {
			return errors.NewNoObjectError("relationship-rel", relCtx, relID)
		}
		return nil
	}

	// The reverse insert always goes through Elsewhere, even when both
	// endpoints share a shard: it runs on its own session, and a
	// failure there must roll the prepared forward insert back.
	if elseErr := co.Elsewhere(func() error {
		return autocommit(ctx, p, relShard, timeout, insertReverse)
	}); elseErr != nil {
		if elseErr == errMirrorMismatch {
			return false, nil
		}
		return false, scope.Translate(elseErr)
	}
	return true, nil
}

// UpdateRelationship compares-and-swaps the forward row's value,
// updates the reverse/undirected mirror the same way, and requires the
// two sides' success to agree or the whole call rolls back with a
// false result.
func UpdateRelationship(ctx context.Context, p pool.Pool, reg *registry.Registry, baseID, relID uint64, ctxID int, oldValue, newValue interface{}, timeout *time.Duration) (bool, error) {
	if err := checkWritable(p); err != nil {
		return false, err
	}
	meta, err := mustMeta(reg, ctxID, registry.KindRelationship)
	if err != nil {
		return false, err
	}
	encodedOld, err := valuecodec.Wrap(meta.Relationship.Class, oldValue, nil)
	if err != nil {
		return false, err
	}
	encodedNew, err := valuecodec.Wrap(meta.Relationship.Class, newValue, nil)
	if err != nil {
		return false, err
	}

	scope := timer.New(ctx, timeout)
	defer scope.Close()

	baseShard := p.ShardMap().ShardByID(baseID)
	co := txn.New(p, baseShard, "update_relationship", baseID, relID, ctxID)
	sess, err := co.Enter(scope.Context(), timeout)
	if err != nil {
		return false, scope.Translate(err)
	}

	firstOK, err := sess.UpdateRelationship(scope.Context(), baseID, relID, ctxID, true, encodedOld, encodedNew)
	if err != nil {
		co.Fail()
		_ = co.Exit(err)
		return false, scope.Translate(err)
	}
	if !firstOK {
		co.Fail()
		_ = co.Exit(nil)
		return false, nil
	}
	if err := co.Exit(nil); err != nil {
		return false, scope.Translate(err)
	}

	mirrorBase, mirrorRel, mirrorForward := mirrorEndpoint(meta.Relationship.Directed, baseID, relID)
	relShard := p.ShardMap().ShardByID(relID)
	var secondOK bool
	elseErr := co.Elsewhere(func() error {
		return autocommit(ctx, p, relShard, timeout, func(s query.Session) error {
			var e error
			secondOK, e = s.UpdateRelationship(scope.Context(), mirrorBase, mirrorRel, ctxID, mirrorForward, encodedOld, encodedNew)
			if e == nil && !secondOK {
				return errMirrorMismatch
			}
			return e
		})
	})
	if elseErr != nil {
		if elseErr == errMirrorMismatch {
			return false, nil
		}
		return false, scope.Translate(elseErr)
	}
	return true, nil
}

// SetRelationshipFlags follows the same two-phase/mirror shape as
// UpdateRelationship, but the two sides' returned flag bitmaps must
// agree instead of an old/new value compare-and-swap.
func SetRelationshipFlags(ctx context.Context, p pool.Pool, reg *registry.Registry, baseID, relID uint64, ctxID int, add, clear []int, timeout *time.Duration) (int64, error) {
	if err := checkWritable(p); err != nil {
		return 0, err
	}
	meta, err := mustMeta(reg, ctxID, registry.KindRelationship)
	if err != nil {
		return 0, err
	}
	addBits, err := valuecodec.FlagsToInt(ctxID, add, meta.Relationship.Flags)
	if err != nil {
		return 0, err
	}
	clearBits, err := valuecodec.FlagsToInt(ctxID, clear, meta.Relationship.Flags)
	if err != nil {
		return 0, err
	}

	scope := timer.New(ctx, timeout)
	defer scope.Close()

	baseShard := p.ShardMap().ShardByID(baseID)
	co := txn.New(p, baseShard, "set_relationship_flags", baseID, relID, ctxID, add, clear)
	sess, err := co.Enter(scope.Context(), timeout)
	if err != nil {
		return 0, scope.Translate(err)
	}

	newFlags, ok, err := sess.SetRelationshipFlags(scope.Context(), baseID, relID, ctxID, true, addBits, clearBits)
	if err != nil {
		co.Fail()
		_ = co.Exit(err)
		return 0, scope.Translate(err)
	}
	if !ok {
		co.Fail()
		_ = co.Exit(nil)
		return 0, nil
	}
	if err := co.Exit(nil); err != nil {
		return 0, scope.Translate(err)
	}

	mirrorBase, mirrorRel, mirrorForward := mirrorEndpoint(meta.Relationship.Directed, baseID, relID)
	relShard := p.ShardMap().ShardByID(relID)
	elseErr := co.Elsewhere(func() error {
		return autocommit(ctx, p, relShard, timeout, func(s query.Session) error {
			other, ok, e := s.SetRelationshipFlags(scope.Context(), mirrorBase, mirrorRel, ctxID, mirrorForward, addBits, clearBits)
			if e != nil {
				return e
			}
			if !ok || other != newFlags {
				return errMirrorMismatch
			}
			return nil
		})
	})
	if elseErr != nil {
		if elseErr == errMirrorMismatch {
			return 0, nil
		}
		return 0, scope.Translate(elseErr)
	}
	return newFlags, nil
}

// RemoveRelationship two-phases on the forward shard and removes the
// mirror row in Elsewhere with a single autocommit statement; no
// explicit commit or rollback is issued on the mirror session.
func RemoveRelationship(ctx context.Context, p pool.Pool, reg *registry.Registry, baseID, relID uint64, ctxID int, timeout *time.Duration) (bool, error) {
	if err := checkWritable(p); err != nil {
		return false, err
	}
	meta, err := mustMeta(reg, ctxID, registry.KindRelationship)
	if err != nil {
		return false, err
	}

	scope := timer.New(ctx, timeout)
	defer scope.Close()

	baseShard := p.ShardMap().ShardByID(baseID)
	co := txn.New(p, baseShard, "remove_relationship_pair", baseID, relID, ctxID)
	sess, err := co.Enter(scope.Context(), timeout)
	if err != nil {
		return false, scope.Translate(err)
	}

	ok, err := sess.RemoveRelationship(scope.Context(), baseID, relID, ctxID, true)
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

	mirrorBase, mirrorRel, mirrorForward := mirrorEndpoint(meta.Relationship.Directed, baseID, relID)
	relShard := p.ShardMap().ShardByID(relID)
	removed := false
	elseErr := co.Elsewhere(func() error {
		return autocommit(ctx, p, relShard, timeout, func(s query.Session) error {
			var e error
			removed, e = s.RemoveRelationship(scope.Context(), mirrorBase, mirrorRel, ctxID, mirrorForward)
			if e == nil && !removed {
				return errMirrorMismatch
			}
			return e
		})
	})
	if elseErr != nil {
		if elseErr == errMirrorMismatch {
			return false, nil
		}
		return false, scope.Translate(elseErr)
	}
	return true, nil
}

// mirrorEndpoint computes the mirror row's address for a relationship
// (base_id, rel_id) pair: the reverse row on rel_id's shard for
// directed contexts, or a second forward-shaped row with endpoints
// swapped for undirected contexts.
func mirrorEndpoint(directed bool, baseID, relID uint64) (mirrorBase, mirrorRel uint64, forward bool) {
	if directed {
		return baseID, relID, false
	}
	return relID, baseID, true
}

// errMirrorMismatch signals that the mirror shard's write didn't agree
// with the primary shard's, which Elsewhere treats as an ordinary
// failure triggering rollback of the prepared first shard. Call sites
// that see it back from Elsewhere translate it into a plain (false,
// nil) result rather than surfacing it to the caller.
var errMirrorMismatch = errors.NewInternalError(0, nil)
