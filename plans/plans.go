// Package plans implements the multi-shard operation plans: the
// per-entity operations a caller drives, each built from a
// txn.Coordinator on the shard carrying the operation's unique
// constraint, an Elsewhere follow-on for any other shard touched, and a
// timer.Scope bounding the whole call.
package plans

import (
	"context"
	"time"

	"github.com/cameron/datahog/errors"
	"github.com/cameron/datahog/phonetic"
	"github.com/cameron/datahog/pool"
	"github.com/cameron/datahog/query"
	"github.com/cameron/datahog/registry"
)

// digestFor computes the alias digest plans route on. Factored out so
// every plan and its tests derive it the same way the pool does.
func digestFor(key []byte, value string) []byte {
	return phonetic.Digest(key, value)
}

// checkWritable is the first thing every plan does: the read-only
// fence, checked before any shard is touched.
func checkWritable(p pool.Pool) error {
	if p.ReadOnly() {
		return errors.NewReadOnlyError()
	}
	return nil
}

// autocommit runs fn against a plain (non-two-phase) session on shard,
// the shape Elsewhere follow-on work uses for the shard that isn't
// carrying the operation's unique constraint: each statement commits
// as it runs, and a returned error simply means nothing durable
// happened there yet for Elsewhere to roll back its primary against.
func autocommit(ctx context.Context, p pool.Pool, shard uint64, timeout *time.Duration, fn func(query.Session) error) error {
	return p.WithShard(ctx, shard, timeout, func(c *pool.Conn) error {
		return fn(c.Session)
	})
}

func mustMeta(reg *registry.Registry, ctxID int, want registry.TableKind) (registry.Meta, error) {
	return reg.MustKind(ctxID, want)
}

// resolveEndpointCtx resolves a relationship endpoint's context: when
// set names more than one candidate, the caller must supply the
// concrete one at create-time (0 means "not supplied"); a single-valued
// set ignores whatever the caller passed and always resolves to its one
// member.
func resolveEndpointCtx(set registry.CtxSet, supplied int) (int, error) {
	if set.IsUnion() {
		if supplied == 0 || !set.Allows(supplied) {
			return 0, errors.NewMissingContextError(supplied)
		}
		return supplied, nil
	}
	return set.Only(), nil
}
