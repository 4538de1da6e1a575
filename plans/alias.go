package plans

import (
	"context"
	"time"

	"github.com/cameron/datahog/errors"
	"github.com/cameron/datahog/pool"
	"github.com/cameron/datahog/query"
	"github.com/cameron/datahog/registry"
	"github.com/cameron/datahog/row"
	"github.com/cameron/datahog/timer"
	"github.com/cameron/datahog/txn"
	"github.com/cameron/datahog/valuecodec"
)

// SetAlias digests the value, wins or loses the race for its
// alias_lookup row on the digest's write shard, then writes the alias
// row itself on the base id's home shard. The digest's
// shard always goes first — it's where the unique constraint that
// decides the race lives — so a losing caller never leaves a
// half-written alias behind.
func SetAlias(ctx context.Context, p pool.Pool, reg *registry.Registry, baseID uint64, ctxID int, value string, index int, flags []int, timeout *time.Duration) (ownerID uint64, created bool, err error) {
	if err := checkWritable(p); err != nil {
		return 0, false, err
	}
	meta, err := mustMeta(reg, ctxID, registry.KindAlias)
	if err != nil {
		return 0, false, err
	}
	flagBits, err := valuecodec.FlagsToInt(ctxID, flags, meta.Alias.Flags)
	if err != nil {
		return 0, false, err
	}

	scope := timer.New(ctx, timeout)
	defer scope.Close()

	dig := digestFor(p.DigestKey(), value)
	lookupShards := p.ShardMap().ShardsForLookupHash(dig)
	lookupShard := firstShard(lookupShards)
	baseShard := p.ShardMap().ShardByID(baseID)

	// Older candidate shards may still hold the digest mid-migration;
	// probe them before racing for the write shard's unique row.
	for _, s := range lookupShards {
		if s == lookupShard {
			continue
		}
		var existing *row.AliasLookup
		if err := autocommit(ctx, p, s, timeout, func(qs query.Session) error {
			var e error
			existing, e = qs.SelectAliasLookup(scope.Context(), dig, ctxID)
			return e
		}); err != nil {
			return 0, false, scope.Translate(err)
		}
		if existing != nil {
			if existing.BaseID == baseID {
				return baseID, false, nil
			}
			return existing.BaseID, false, errors.NewAliasInUseError(value, ctxID)
		}
	}

	co := txn.New(p, lookupShard, "set_alias", baseID, ctxID, value)
	sess, err := co.Enter(scope.Context(), timeout)
	if err != nil {
		return 0, false, scope.Translate(err)
	}

	inserted, owner, err := sess.MaybeInsertAliasLookup(scope.Context(), dig, ctxID, baseID, flagBits)
	if err != nil {
		co.Fail()
		_ = co.Exit(err)
		return 0, false, scope.Translate(err)
	}
	if !inserted {
		co.Fail()
		_ = co.Exit(nil)
		if owner == baseID {
			return owner, false, nil
		}
		return owner, false, errors.NewAliasInUseError(value, ctxID)
	}
	if err := co.Exit(nil); err != nil {
		return 0, false, scope.Translate(err)
	}

	insertAlias := func(s query.Session) error {
		ok, err := s.InsertAlias(scope.Context(), baseID, ctxID, value, index, flagBits)
		if err != nil {
			// The alias row already existing just means an earlier
			// attempt got this far; the lookup insert above restores
			// the pairing either way.
			if query.IsUniqueViolation(err) {
				return nil
			}
			return err
		}
		if !ok {
			return errors.NewNoObjectError("alias-base", ctxID, baseID)
		}
		return nil
	}

	// The alias write always goes through Elsewhere, even when both
	// rows share a shard: the mirror runs on its own session, and a
	// NoObject failure there must roll the prepared lookup insert back.
	elseErr := co.Elsewhere(func() error {
		return autocommit(ctx, p, baseShard, timeout, insertAlias)
	})
	if elseErr != nil {
		return 0, false, scope.Translate(elseErr)
	}
	return baseID, true, nil
}

// locateAliasLookup probes the digest's read list in order for a live
// lookup row owned by baseID. Returns the shard holding it, or false
// when no shard has one (absent, or owned by someone else).
func locateAliasLookup(ctx context.Context, p pool.Pool, scope *timer.Scope, dig []byte, ctxID int, baseID uint64, timeout *time.Duration) (uint64, bool, error) {
	for _, shard := range p.ShardMap().ShardsForLookupHash(dig) {
		var found *row.AliasLookup
		if err := autocommit(ctx, p, shard, timeout, func(s query.Session) error {
			var e error
			found, e = s.SelectAliasLookup(scope.Context(), dig, ctxID)
			return e
		}); err != nil {
			return 0, false, err
		}
		if found != nil {
			return shard, found.BaseID == baseID, nil
		}
	}
	return 0, false, nil
}

// SetAliasFlags locates the digest lookup row by probing its read list,
// two-phases the flag change there, then mirrors it onto the alias row
// on base_id's shard. The two sides' resulting bitmaps must agree, or
// the whole change rolls back and 0 is returned with no error.
func SetAliasFlags(ctx context.Context, p pool.Pool, reg *registry.Registry, baseID uint64, ctxID int, value string, add, clear []int, timeout *time.Duration) (newFlags int64, err error) {
	if err := checkWritable(p); err != nil {
		return 0, err
	}
	meta, err := mustMeta(reg, ctxID, registry.KindAlias)
	if err != nil {
		return 0, err
	}
	addBits, err := valuecodec.FlagsToInt(ctxID, add, meta.Alias.Flags)
	if err != nil {
		return 0, err
	}
	clearBits, err := valuecodec.FlagsToInt(ctxID, clear, meta.Alias.Flags)
	if err != nil {
		return 0, err
	}

	scope := timer.New(ctx, timeout)
	defer scope.Close()

	dig := digestFor(p.DigestKey(), value)
	lookupShard, owned, err := locateAliasLookup(ctx, p, scope, dig, ctxID, baseID, timeout)
	if err != nil {
		return 0, scope.Translate(err)
	}
	if !owned {
		return 0, errors.NewNoObjectError("alias", ctxID, baseID)
	}

	co := txn.New(p, lookupShard, "set_alias_flags", baseID, ctxID, value)
	sess, err := co.Enter(scope.Context(), timeout)
	if err != nil {
		return 0, scope.Translate(err)
	}
	lookupFlags, ok, err := sess.SetAliasLookupFlags(scope.Context(), dig, ctxID, addBits, clearBits)
	if err != nil {
		co.Fail()
		_ = co.Exit(err)
		return 0, scope.Translate(err)
	}
	if !ok {
		co.Fail()
		_ = co.Exit(nil)
		return 0, errors.NewNoObjectError("alias", ctxID, baseID)
	}
	if err := co.Exit(nil); err != nil {
		return 0, scope.Translate(err)
	}

	baseShard := p.ShardMap().ShardByID(baseID)
	elseErr := co.Elsewhere(func() error {
		return autocommit(ctx, p, baseShard, timeout, func(s query.Session) error {
			mirrored, ok, e := s.SetAliasFlags(scope.Context(), baseID, ctxID, value, addBits, clearBits)
			if e != nil {
				return e
			}
			if !ok || mirrored != lookupFlags {
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
	return lookupFlags, nil
}

// RemoveAlias tears down both the alias row and its digest mirror,
// two-phasing on the lookup shard. Returns false when no lookup row
// owned by base_id exists anywhere in the read list.
func RemoveAlias(ctx context.Context, p pool.Pool, baseID uint64, ctxID int, value string, timeout *time.Duration) (bool, error) {
	if err := checkWritable(p); err != nil {
		return false, err
	}
	scope := timer.New(ctx, timeout)
	defer scope.Close()

	dig := digestFor(p.DigestKey(), value)
	lookupShard, owned, err := locateAliasLookup(ctx, p, scope, dig, ctxID, baseID, timeout)
	if err != nil {
		return false, scope.Translate(err)
	}
	if !owned {
		return false, nil
	}

	co := txn.New(p, lookupShard, "remove_alias", baseID, ctxID, value)
	sess, err := co.Enter(scope.Context(), timeout)
	if err != nil {
		return false, scope.Translate(err)
	}
	removed, err := sess.RemoveAliasLookup(scope.Context(), dig, ctxID, baseID)
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

	baseShard := p.ShardMap().ShardByID(baseID)
	elseErr := co.Elsewhere(func() error {
		return autocommit(ctx, p, baseShard, timeout, func(s query.Session) error {
			ok, e := s.RemoveAlias(scope.Context(), baseID, ctxID, value)
			if e != nil {
				return e
			}
			if !ok {
				return errMirrorMismatch
			}
			return nil
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

func firstShard(shards []uint64) uint64 {
	if len(shards) == 0 {
		return 0
	}
	return shards[0]
}
