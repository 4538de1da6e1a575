package plans

import (
	"context"
	"time"

	"github.com/cameron/datahog/pool"
	"github.com/cameron/datahog/query"
	"github.com/cameron/datahog/registry"
	"github.com/cameron/datahog/row"
	"github.com/cameron/datahog/timer"
	"github.com/cameron/datahog/valuecodec"
)

// Reads are best-effort per shard: each one probes a single shard (or a
// read list in order) outside any transaction, so no read-only fence or
// two-phase handle applies.

// GetNode returns id's node row, or nil if it doesn't exist or has been
// removed.
func GetNode(ctx context.Context, p pool.Pool, id uint64, timeout *time.Duration) (*row.Node, error) {
	scope := timer.New(ctx, timeout)
	defer scope.Close()

	var out *row.Node
	err := autocommit(ctx, p, p.ShardMap().ShardByID(id), timeout, func(s query.Session) error {
		var e error
		out, e = s.SelectNode(scope.Context(), id)
		return e
	})
	return out, scope.Translate(err)
}

// GetProperty returns the decoded value of (base_id, ctx)'s property
// along with whether the row exists.
func GetProperty(ctx context.Context, p pool.Pool, reg *registry.Registry, baseID uint64, ctxID int, timeout *time.Duration) (interface{}, bool, error) {
	meta, err := mustMeta(reg, ctxID, registry.KindProperty)
	if err != nil {
		return nil, false, err
	}
	scope := timer.New(ctx, timeout)
	defer scope.Close()

	var r *row.Property
	if err := autocommit(ctx, p, p.ShardMap().ShardByID(baseID), timeout, func(s query.Session) error {
		var e error
		r, e = s.SelectProperty(scope.Context(), baseID, ctxID)
		return e
	}); err != nil {
		return nil, false, scope.Translate(err)
	}
	if r == nil {
		return nil, false, nil
	}
	v, err := valuecodec.Unwrap(meta.Property.Class, r.Value, nil)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// LookupAlias resolves an alias value to its owning lookup row, probing
// the digest's read list in order and stopping at the first hit. A nil
// result means no live owner anywhere in the list.
func LookupAlias(ctx context.Context, p pool.Pool, reg *registry.Registry, ctxID int, value string, timeout *time.Duration) (*row.AliasLookup, error) {
	if _, err := mustMeta(reg, ctxID, registry.KindAlias); err != nil {
		return nil, err
	}
	scope := timer.New(ctx, timeout)
	defer scope.Close()

	dig := digestFor(p.DigestKey(), value)
	for _, shard := range p.ShardMap().ShardsForLookupHash(dig) {
		var r *row.AliasLookup
		if err := autocommit(ctx, p, shard, timeout, func(s query.Session) error {
			var e error
			r, e = s.SelectAliasLookup(scope.Context(), dig, ctxID)
			return e
		}); err != nil {
			return nil, scope.Translate(err)
		}
		if r != nil {
			return r, nil
		}
	}
	return nil, nil
}

// ListAliases returns base_id's live aliases for ctx in list order.
func ListAliases(ctx context.Context, p pool.Pool, baseID uint64, ctxID int, timeout *time.Duration) ([]row.Alias, error) {
	scope := timer.New(ctx, timeout)
	defer scope.Close()

	var out []row.Alias
	err := autocommit(ctx, p, p.ShardMap().ShardByID(baseID), timeout, func(s query.Session) error {
		var e error
		out, e = s.ListAliases(scope.Context(), baseID, ctxID)
		return e
	})
	return out, scope.Translate(err)
}

// GetRelationship returns the forward row for (base_id, ctx, rel_id),
// or nil if it doesn't exist.
func GetRelationship(ctx context.Context, p pool.Pool, baseID, relID uint64, ctxID int, timeout *time.Duration) (*row.Relationship, error) {
	scope := timer.New(ctx, timeout)
	defer scope.Close()

	var out *row.Relationship
	err := autocommit(ctx, p, p.ShardMap().ShardByID(baseID), timeout, func(s query.Session) error {
		var e error
		out, e = s.SelectRelationship(scope.Context(), baseID, relID, ctxID, true)
		return e
	})
	return out, scope.Translate(err)
}

// ListRelationships lists the relationships id participates in under
// ctx. forward selects which side of the pair id occupies: its outgoing
// list (rows where id is the base) or its incoming one. Undirected
// contexts store both sides forward-shaped, so the incoming list is
// just the forward list of the mirror rows on id's own shard.
func ListRelationships(ctx context.Context, p pool.Pool, reg *registry.Registry, id uint64, ctxID int, forward bool, timeout *time.Duration) ([]row.Relationship, error) {
	meta, err := mustMeta(reg, ctxID, registry.KindRelationship)
	if err != nil {
		return nil, err
	}
	scope := timer.New(ctx, timeout)
	defer scope.Close()

	asBase, rowForward := forward, forward
	if !meta.Relationship.Directed {
		asBase, rowForward = true, true
	}

	var out []row.Relationship
	errRun := autocommit(ctx, p, p.ShardMap().ShardByID(id), timeout, func(s query.Session) error {
		var e error
		out, e = s.ListRelationships(scope.Context(), id, ctxID, asBase, rowForward)
		return e
	})
	return out, scope.Translate(errRun)
}

// ListNames returns base_id's live names for ctx in list order.
func ListNames(ctx context.Context, p pool.Pool, baseID uint64, ctxID int, timeout *time.Duration) ([]row.Name, error) {
	scope := timer.New(ctx, timeout)
	defer scope.Close()

	var out []row.Name
	err := autocommit(ctx, p, p.ShardMap().ShardByID(baseID), timeout, func(s query.Session) error {
		var e error
		out, e = s.ListNames(scope.Context(), baseID, ctxID)
		return e
	})
	return out, scope.Translate(err)
}

// ListEdges returns base_id's live child edges for ctx in list order.
func ListEdges(ctx context.Context, p pool.Pool, baseID uint64, ctxID int, timeout *time.Duration) ([]row.Edge, error) {
	scope := timer.New(ctx, timeout)
	defer scope.Close()

	var out []row.Edge
	err := autocommit(ctx, p, p.ShardMap().ShardByID(baseID), timeout, func(s query.Session) error {
		var e error
		out, e = s.ListEdges(scope.Context(), baseID, ctxID)
		return e
	})
	return out, scope.Translate(err)
}
