package plans

import (
	"context"
	"time"

	"github.com/cameron/datahog/pool"
	"github.com/cameron/datahog/registry"
	"github.com/cameron/datahog/timer"
	"github.com/cameron/datahog/valuecodec"
)

// SetProperty attempts an upsert first; if the row already exists, it
// falls back to a plain update. Both writes happen on a single shard's
// connection, with no two-phase handle needed since nothing else is
// touched. Properties have no registered flag whitelist
// (registry.PropertyMeta carries only a storage class), so flags is
// passed through as a raw bitmap rather than decoded via
// valuecodec.FlagsToInt.
func SetProperty(ctx context.Context, p pool.Pool, reg *registry.Registry, baseID uint64, ctxID int, value interface{}, flags int64, timeout *time.Duration) (inserted, updated bool, err error) {
	if err := checkWritable(p); err != nil {
		return false, false, err
	}
	meta, err := mustMeta(reg, ctxID, registry.KindProperty)
	if err != nil {
		return false, false, err
	}
	encoded, err := valuecodec.Wrap(meta.Property.Class, value, nil)
	if err != nil {
		return false, false, err
	}

	scope := timer.New(ctx, timeout)
	defer scope.Close()

	baseShard := p.ShardMap().ShardByID(baseID)
	runErr := p.WithShard(scope.Context(), baseShard, timeout, func(c *pool.Conn) error {
		ok, err := c.Session.UpsertProperty(scope.Context(), baseID, ctxID, encoded, flags)
		if err != nil {
			return err
		}
		if ok {
			inserted = true
			return nil
		}

		ok, err = c.Session.UpdateProperty(scope.Context(), baseID, ctxID, encoded)
		if err != nil {
			return err
		}
		updated = ok
		return nil
	})
	if runErr != nil {
		return false, false, scope.Translate(runErr)
	}
	return inserted, updated, nil
}

// RemoveProperty tombstones (base_id, ctx)'s property row, reporting
// whether a live row was there to remove.
func RemoveProperty(ctx context.Context, p pool.Pool, reg *registry.Registry, baseID uint64, ctxID int, timeout *time.Duration) (bool, error) {
	if err := checkWritable(p); err != nil {
		return false, err
	}
	if _, err := mustMeta(reg, ctxID, registry.KindProperty); err != nil {
		return false, err
	}

	scope := timer.New(ctx, timeout)
	defer scope.Close()

	var removed bool
	err := p.WithShard(scope.Context(), p.ShardMap().ShardByID(baseID), timeout, func(c *pool.Conn) error {
		var e error
		removed, e = c.Session.RemoveProperty(scope.Context(), baseID, ctxID)
		return e
	})
	if err != nil {
		return false, scope.Translate(err)
	}
	return removed, nil
}
