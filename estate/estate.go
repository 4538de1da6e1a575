// Package estate implements recursive node removal: deleting a node
// cascades to every descendant and every dependent lookup row, across
// however many shards the subtree spans, as a single all-or-nothing
// operation over N independently prepared two-phase transactions.
package estate

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cameron/datahog/errors"
	"github.com/cameron/datahog/phonetic"
	"github.com/cameron/datahog/pool"
	"github.com/cameron/datahog/query"
	"github.com/cameron/datahog/registry"
	"github.com/cameron/datahog/timer"
	"github.com/cameron/datahog/txn"
)

// shardEstate is the per-shard accumulator bundle: alias/name lookups
// this shard must remove on behalf of some other shard's deleted rows,
// relationship mirror descriptors to remove here, and node ids still
// waiting to be processed on this shard.
type shardEstate struct {
	aliasLookups map[query.AliasLookupKey]struct{}
	nameLookups  map[query.NameLookupKey]struct{}
	relMirrors   []query.RemovedRelationship
	pendingIDs   []uint64
}

func newShardEstate() *shardEstate {
	return &shardEstate{
		aliasLookups: make(map[query.AliasLookupKey]struct{}),
		nameLookups:  make(map[query.NameLookupKey]struct{}),
	}
}

func estateFor(estates map[uint64]*shardEstate, shard uint64) *shardEstate {
	e, ok := estates[shard]
	if !ok {
		e = newShardEstate()
		estates[shard] = e
	}
	return e
}

// RemoveNode removes a node and its whole estate. It first two-phases the
// parent→child edge removal on base_id's shard; once that is durably
// prepared, it drains an estate map of every shard touched while
// cascading the deletion, preparing one two-phase transaction per
// shard visited. Every participating shard's transaction commits only
// if all of them reach PREPARED; any failure rolls every one of them
// back.
func RemoveNode(ctx context.Context, p pool.Pool, reg *registry.Registry, id uint64, ctxID int, baseID uint64, timeout *time.Duration) (bool, error) {
	if p.ReadOnly() {
		return false, errors.NewReadOnlyError()
	}

	scope := timer.New(ctx, timeout)
	defer scope.Close()

	edgeShard := p.ShardMap().ShardByID(baseID)
	edgeCo := txn.New(p, edgeShard, "remove_node_edge", id, ctxID, baseID, edgeShard)
	sess, err := edgeCo.Enter(scope.Context(), timeout)
	if err != nil {
		return false, scope.Translate(err)
	}

	removed, err := sess.RemoveEdge(scope.Context(), baseID, ctxID, id)
	if err != nil {
		edgeCo.Fail()
		_ = edgeCo.Exit(err)
		return false, scope.Translate(err)
	}
	if !removed {
		edgeCo.Fail()
		_ = edgeCo.Exit(nil)
		return false, nil
	}
	if err := edgeCo.Exit(nil); err != nil {
		return false, scope.Translate(err)
	}

	coords := []*txn.Coordinator{edgeCo}
	estates := map[uint64]*shardEstate{
		p.ShardMap().ShardByID(id): {
			aliasLookups: make(map[query.AliasLookupKey]struct{}),
			nameLookups:  make(map[query.NameLookupKey]struct{}),
			pendingIDs:   []uint64{id},
		},
	}

	if err := drainEstates(scope.Context(), p, reg, id, ctxID, baseID, estates, &coords, timeout); err != nil {
		rollbackAll(coords)
		return false, scope.Translate(err)
	}
	if err := commitAll(coords); err != nil {
		return false, scope.Translate(err)
	}
	return true, nil
}

// drainEstates repeatedly picks any shard still in the estate map,
// opens a two-phase transaction on it, and runs processShardEstate
// until that shard's own work (including any children that landed
// back on it) is exhausted, then removes it from the map. Processing
// one shard may add entries for other shards, but termination is
// guaranteed: every round strictly reduces the multiset of pending ids
// across all shards.
func drainEstates(ctx context.Context, p pool.Pool, reg *registry.Registry, id uint64, ctxID int, baseID uint64, estates map[uint64]*shardEstate, coords *[]*txn.Coordinator, timeout *time.Duration) error {
	for len(estates) > 0 {
		var shard uint64
		for s := range estates {
			shard = s
			break
		}

		co := txn.New(p, shard, "remove_node_shard", id, ctxID, baseID, shard)
		sess, err := co.Enter(ctx, timeout)
		if err != nil {
			return err
		}

		if err := processShardEstate(ctx, p, reg, sess, shard, estates); err != nil {
			co.Fail()
			_ = co.Exit(err)
			return err
		}
		if err := co.Exit(nil); err != nil {
			return err
		}
		// Only a successfully prepared coordinator joins the caller's
		// set: the Fail/Exit paths above have already finalized co with
		// a plain rollback, so it must not see RollbackPrepared later.
		*coords = append(*coords, co)

		delete(estates, shard)
	}
	return nil
}

// processShardEstate drains shard's pending node ids in rounds,
// cascading each round's removed properties/aliases/names/
// relationships/edges into the estate map, then applies whatever
// alias_lookups/name_lookups/rel_mirrors other shards queued onto
// this one.
func processShardEstate(ctx context.Context, p pool.Pool, reg *registry.Registry, sess query.Session, shard uint64, estates map[uint64]*shardEstate) error {
	est := estates[shard]
	ids := est.pendingIDs
	est.pendingIDs = nil

	for len(ids) > 0 {
		removedIDs, err := sess.RemoveNodes(ctx, ids)
		if err != nil {
			return err
		}
		if len(removedIDs) == 0 {
			break
		}
		ids = removedIDs

		if err := sess.RemoveProperties(ctx, ids); err != nil {
			return err
		}

		removedAliases, err := sess.RemoveAliasesMulti(ctx, ids)
		if err != nil {
			return err
		}
		for _, a := range removedAliases {
			digest := phonetic.Digest(p.DigestKey(), a.Value)
			for _, s := range p.ShardMap().ShardsForLookupHash(digest) {
				estateFor(estates, s).aliasLookups[query.AliasLookupKey{Digest: string(digest), Ctx: a.Ctx}] = struct{}{}
			}
		}

		removedNames, err := sess.RemoveNamesMulti(ctx, ids)
		if err != nil {
			return err
		}
		for _, n := range removedNames {
			// The candidate-shard lookup always uses the prefix plan,
			// regardless of the context's actual search class.
			for _, s := range p.ShardMap().ShardsForLookupPrefix([]byte(n.Value)) {
				estateFor(estates, s).nameLookups[query.NameLookupKey{BaseID: n.BaseID, Ctx: n.Ctx, Value: n.Value}] = struct{}{}
			}
		}

		removedRels, err := sess.RemoveRelationshipsMulti(ctx, ids)
		if err != nil {
			return err
		}
		for _, r := range removedRels {
			// The mirror of a directed row is the opposite-direction
			// row with the same endpoints, on the other endpoint's
			// shard. Undirected pairs store both halves forward-shaped
			// with the endpoints swapped.
			meta, ok := reg.Lookup(r.Ctx)
			var s uint64
			var mirror query.RemovedRelationship
			if ok && !meta.Relationship.Directed {
				s = p.ShardMap().ShardByID(r.RelID)
				mirror = query.RemovedRelationship{BaseID: r.RelID, Ctx: r.Ctx, Forward: true, RelID: r.BaseID}
			} else {
				other := r.RelID
				if !r.Forward {
					other = r.BaseID
				}
				s = p.ShardMap().ShardByID(other)
				mirror = query.RemovedRelationship{BaseID: r.BaseID, Ctx: r.Ctx, Forward: !r.Forward, RelID: r.RelID}
			}
			if s == shard {
				continue
			}
			target := estateFor(estates, s)
			target.relMirrors = append(target.relMirrors, mirror)
		}

		children, err := sess.RemoveEdgesMulti(ctx, ids)
		if err != nil {
			return err
		}
		for _, childID := range children {
			s := p.ShardMap().ShardByID(childID)
			estateFor(estates, s).pendingIDs = append(estateFor(estates, s).pendingIDs, childID)
		}

		ids = est.pendingIDs
		est.pendingIDs = nil
	}

	if err := applyAliasLookups(ctx, p, sess, shard, est, estates); err != nil {
		return err
	}
	if err := applyNameLookups(ctx, p, reg, sess, shard, est, estates); err != nil {
		return err
	}
	return applyRelMirrors(ctx, sess, est)
}

func applyAliasLookups(ctx context.Context, p pool.Pool, sess query.Session, shard uint64, est *shardEstate, estates map[uint64]*shardEstate) error {
	if len(est.aliasLookups) == 0 {
		return nil
	}
	keys := make([]query.AliasLookupKey, 0, len(est.aliasLookups))
	for k := range est.aliasLookups {
		keys = append(keys, k)
	}
	removed, err := sess.RemoveAliasLookupsMulti(ctx, keys)
	if err != nil {
		return err
	}
	for _, k := range removed {
		for _, s := range p.ShardMap().ShardsForLookupHash([]byte(k.Digest)) {
			if s == shard {
				continue
			}
			if other, ok := estates[s]; ok {
				delete(other.aliasLookups, k)
			}
		}
	}
	return nil
}

func applyNameLookups(ctx context.Context, p pool.Pool, reg *registry.Registry, sess query.Session, shard uint64, est *shardEstate, estates map[uint64]*shardEstate) error {
	if len(est.nameLookups) == 0 {
		return nil
	}
	var prefixKeys, phoneticKeys []query.NameLookupKey
	for k := range est.nameLookups {
		meta, ok := reg.Lookup(k.Ctx)
		if !ok {
			continue
		}
		switch meta.Name.Search {
		case registry.SearchPrefix:
			prefixKeys = append(prefixKeys, k)
		case registry.SearchPhonetic:
			phoneticKeys = append(phoneticKeys, k)
		}
	}

	var removed []query.NameLookupKey
	if len(prefixKeys) > 0 {
		r, err := sess.RemovePrefixLookupsMulti(ctx, prefixKeys)
		if err != nil {
			return err
		}
		removed = append(removed, r...)
	}
	if len(phoneticKeys) > 0 {
		r, err := sess.RemovePhoneticLookupsMulti(ctx, phoneticKeys)
		if err != nil {
			return err
		}
		removed = append(removed, r...)
	}

	for _, k := range removed {
		for _, s := range p.ShardMap().ShardsForLookupPrefix([]byte(k.Value)) {
			if s == shard {
				continue
			}
			if other, ok := estates[s]; ok {
				delete(other.nameLookups, k)
			}
		}
	}
	return nil
}

func applyRelMirrors(ctx context.Context, sess query.Session, est *shardEstate) error {
	if len(est.relMirrors) == 0 {
		return nil
	}
	if err := sess.RemoveRelationshipMirrorsMulti(ctx, est.relMirrors); err != nil {
		return err
	}

	forwSeen := make(map[query.RelationshipEndpoint]struct{})
	revSeen := make(map[query.RelationshipEndpoint]struct{})
	for _, r := range est.relMirrors {
		if r.Forward {
			forwSeen[query.RelationshipEndpoint{ID: r.BaseID, Ctx: r.Ctx}] = struct{}{}
		} else {
			revSeen[query.RelationshipEndpoint{ID: r.RelID, Ctx: r.Ctx}] = struct{}{}
		}
	}
	if len(forwSeen) > 0 {
		keys := make([]query.RelationshipEndpoint, 0, len(forwSeen))
		for k := range forwSeen {
			keys = append(keys, k)
		}
		if err := sess.BulkReorderRelationships(ctx, keys, true); err != nil {
			return err
		}
	}
	if len(revSeen) > 0 {
		keys := make([]query.RelationshipEndpoint, 0, len(revSeen))
		for k := range revSeen {
			keys = append(keys, k)
		}
		if err := sess.BulkReorderRelationships(ctx, keys, false); err != nil {
			return err
		}
	}
	return nil
}

func rollbackAll(coords []*txn.Coordinator) {
	for _, co := range coords {
		if err := co.Rollback(); err != nil {
			log.Errorf("estate: rollback of shard %d's prepared transaction failed: %v", co.Shard(), errors.Cause(err))
		}
	}
}

func commitAll(coords []*txn.Coordinator) error {
	for _, co := range coords {
		if err := co.Commit(); err != nil {
			return err
		}
	}
	return nil
}
