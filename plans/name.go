package plans

import (
	"context"
	"sort"
	"time"

	"github.com/cameron/datahog/errors"
	"github.com/cameron/datahog/phonetic"
	"github.com/cameron/datahog/pool"
	"github.com/cameron/datahog/query"
	"github.com/cameron/datahog/registry"
	"github.com/cameron/datahog/row"
	"github.com/cameron/datahog/timer"
	"github.com/cameron/datahog/txn"
	"github.com/cameron/datahog/valuecodec"
)

// errNameLookupFailed signals that an Elsewhere-phase lookup write did
// not land: an insert lost a unique-constraint race (already exists), a
// flag change found no lookup row or a result disagreeing with the name
// row, or a removal found no lookup row. The caller folds it into a
// plain (false, nil) result rather than an error.
var errNameLookupFailed = errors.NewInternalError(0, nil)

// CreateName writes the name row on base_id's home shard first, then
// the PREFIX or PHONETIC lookup mirror(s) in Elsewhere, dispatched by
// the context's search class.
func CreateName(ctx context.Context, p pool.Pool, reg *registry.Registry, baseID uint64, ctxID int, value string, flags []int, index int, timeout *time.Duration) (bool, error) {
	if err := checkWritable(p); err != nil {
		return false, err
	}
	meta, err := mustMeta(reg, ctxID, registry.KindName)
	if err != nil {
		return false, err
	}
	flagBits, err := valuecodec.FlagsToInt(ctxID, flags, meta.Name.Flags)
	if err != nil {
		return false, err
	}

	scope := timer.New(ctx, timeout)
	defer scope.Close()

	baseShard := p.ShardMap().ShardByID(baseID)
	co := txn.New(p, baseShard, "create_name", baseID, ctxID, value, flags, index)
	sess, err := co.Enter(scope.Context(), timeout)
	if err != nil {
		return false, scope.Translate(err)
	}

	inserted, err := sess.InsertName(scope.Context(), baseID, ctxID, value, index, flagBits)
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
		return false, errors.NewNoObjectError("name-base", ctxID, baseID)
	}
	if err := co.Exit(nil); err != nil {
		return false, scope.Translate(err)
	}

	var lookupOK bool
	elseErr := co.Elsewhere(func() error {
		ok, err := writeNameLookup(scope.Context(), p, meta, baseID, ctxID, value, timeout)
		lookupOK = ok
		if err != nil {
			return err
		}
		if !ok {
			return errNameLookupFailed
		}
		return nil
	})
	if elseErr != nil {
		if elseErr == errNameLookupFailed {
			return false, nil
		}
		return false, scope.Translate(elseErr)
	}
	return lookupOK, nil
}

func writeNameLookup(ctx context.Context, p pool.Pool, meta registry.Meta, baseID uint64, ctxID int, value string, timeout *time.Duration) (bool, error) {
	switch meta.Name.Search {
	case registry.SearchPrefix:
		return writePrefixLookup(ctx, p, baseID, ctxID, value, timeout)
	case registry.SearchPhonetic:
		return writePhoneticLookups(ctx, p, meta, baseID, ctxID, value, timeout)
	default:
		return false, errors.NewBadContextError(ctxID, "name")
	}
}

func writePrefixLookup(ctx context.Context, p pool.Pool, baseID uint64, ctxID int, value string, timeout *time.Duration) (bool, error) {
	shard := p.ShardMap().ShardForPrefixWrite([]byte(value))
	var ok bool
	err := autocommit(ctx, p, shard, timeout, func(s query.Session) error {
		var e error
		ok, e = s.InsertPrefixLookup(ctx, baseID, ctxID, value)
		return e
	})
	return ok, err
}

// writePhoneticLookups runs a nested two-phase plan over the phonetic
// lookup shards: the primary (dm) lookup is prepared first, and only
// when dmalt exists and the context allows loose phonetic matching
// does a second shard get touched at all.
func writePhoneticLookups(ctx context.Context, p pool.Pool, meta registry.Meta, baseID uint64, ctxID int, value string, timeout *time.Duration) (bool, error) {
	dm, dmalt := phonetic.DMetaphone(value)
	shard1 := p.ShardMap().ShardForPhoneticWrite(dm)

	co := txn.New(p, shard1, "phonetic_lookup_writes", baseID, ctxID, value, shard1)
	sess, err := co.Enter(ctx, timeout)
	if err != nil {
		return false, err
	}

	inserted, err := sess.InsertPhoneticLookup(ctx, baseID, ctxID, dm, value)
	if err != nil {
		co.Fail()
		_ = co.Exit(err)
		return false, err
	}
	if !inserted {
		co.Fail()
		if err := co.Exit(nil); err != nil {
			return false, err
		}
		return false, nil
	}
	if err := co.Exit(nil); err != nil {
		return false, err
	}

	if dmalt == "" || !meta.Name.PhoneticLoose {
		if err := co.Commit(); err != nil {
			return false, err
		}
		return true, nil
	}

	shard2 := p.ShardMap().ShardForPhoneticWrite(dmalt)
	var altOK bool
	elseErr := co.Elsewhere(func() error {
		return autocommit(ctx, p, shard2, timeout, func(s query.Session) error {
			var e error
			altOK, e = s.InsertPhoneticLookup(ctx, baseID, ctxID, dmalt, value)
			if e == nil && !altOK {
				return errNameLookupFailed
			}
			return e
		})
	})
	if elseErr != nil {
		if elseErr == errNameLookupFailed {
			return false, nil
		}
		return false, elseErr
	}
	return altOK, nil
}

// SetNameFlags first locates the lookup shard(s) by probing the read
// list (names migrate between shards), since the write plan alone may
// no longer hold the row.
func SetNameFlags(ctx context.Context, p pool.Pool, reg *registry.Registry, baseID uint64, ctxID int, value string, add, clear []int, timeout *time.Duration) (int64, error) {
	if err := checkWritable(p); err != nil {
		return 0, err
	}
	meta, err := mustMeta(reg, ctxID, registry.KindName)
	if err != nil {
		return 0, err
	}
	addBits, err := valuecodec.FlagsToInt(ctxID, add, meta.Name.Flags)
	if err != nil {
		return 0, err
	}
	clearBits, err := valuecodec.FlagsToInt(ctxID, clear, meta.Name.Flags)
	if err != nil {
		return 0, err
	}

	scope := timer.New(ctx, timeout)
	defer scope.Close()

	lookup, found, err := findNameLookupShard(scope.Context(), p, meta, baseID, value, timeout)
	if err != nil {
		return 0, scope.Translate(err)
	}
	if !found {
		return 0, nil
	}

	baseShard := p.ShardMap().ShardByID(baseID)
	co := txn.New(p, baseShard, "set_name_flags", baseID, ctxID, value, add, clear)
	sess, err := co.Enter(scope.Context(), timeout)
	if err != nil {
		return 0, scope.Translate(err)
	}

	newFlags, ok, err := sess.SetNameFlags(scope.Context(), baseID, ctxID, value, addBits, clearBits)
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

	elseErr := co.Elsewhere(func() error {
		ok, err := applyFlagsToLookup(scope.Context(), p, meta, lookup, addBits, clearBits, baseID, ctxID, value, newFlags, timeout)
		if err != nil {
			return err
		}
		if !ok {
			return errNameLookupFailed
		}
		return nil
	})
	if elseErr != nil {
		if elseErr == errNameLookupFailed {
			return 0, nil
		}
		return 0, scope.Translate(elseErr)
	}
	return newFlags, nil
}

// nameLookupShards records where a name's PREFIX or PHONETIC lookup
// row(s) were actually found, which may not match where a freshly
// created name would be written if the shard plan has since changed.
type nameLookupShards struct {
	prefix  uint64
	dm      uint64
	dmAlt   uint64
	hasAlt  bool
	phonetc bool
}

func findNameLookupShard(ctx context.Context, p pool.Pool, meta registry.Meta, baseID uint64, value string, timeout *time.Duration) (nameLookupShards, bool, error) {
	switch meta.Name.Search {
	case registry.SearchPrefix:
		for _, shard := range p.ShardMap().ShardsForLookupPrefix([]byte(value)) {
			var found *row.NameLookup
			if err := autocommit(ctx, p, shard, timeout, func(s query.Session) error {
				var e error
				found, e = s.SelectPrefixLookup(ctx, value)
				return e
			}); err != nil {
				return nameLookupShards{}, false, err
			}
			if found != nil {
				return nameLookupShards{prefix: shard}, true, nil
			}
		}
		return nameLookupShards{}, false, nil

	case registry.SearchPhonetic:
		dm, dmalt := phonetic.DMetaphone(value)
		var dmShard uint64
		var dmFound bool
		for _, shard := range p.ShardMap().ShardsForLookupPhonetic(dm) {
			var found *row.NameLookup
			if err := autocommit(ctx, p, shard, timeout, func(s query.Session) error {
				var e error
				found, e = s.SelectPhoneticLookup(ctx, dm, baseID, value)
				return e
			}); err != nil {
				return nameLookupShards{}, false, err
			}
			if found != nil {
				dmShard = shard
				dmFound = true
				break
			}
		}
		if !dmFound {
			return nameLookupShards{}, false, nil
		}
		if dmalt == "" || !meta.Name.PhoneticLoose {
			return nameLookupShards{phonetc: true, dm: dmShard}, true, nil
		}

		var dmaShard uint64
		var dmaFound bool
		for _, shard := range p.ShardMap().ShardsForLookupPhonetic(dmalt) {
			var found *row.NameLookup
			if err := autocommit(ctx, p, shard, timeout, func(s query.Session) error {
				var e error
				found, e = s.SelectPhoneticLookup(ctx, dmalt, baseID, value)
				return e
			}); err != nil {
				return nameLookupShards{}, false, err
			}
			if found != nil {
				dmaShard = shard
				dmaFound = true
				break
			}
		}
		if !dmaFound {
			return nameLookupShards{}, false, nil
		}
		return nameLookupShards{phonetc: true, dm: dmShard, dmAlt: dmaShard, hasAlt: true}, true, nil

	default:
		return nameLookupShards{}, false, errors.NewBadContextError(0, "name")
	}
}

func applyFlagsToLookup(ctx context.Context, p pool.Pool, meta registry.Meta, lookup nameLookupShards, add, clear int64, baseID uint64, ctxID int, value string, expected int64, timeout *time.Duration) (bool, error) {
	if !lookup.phonetc {
		var result int64
		var ok bool
		err := autocommit(ctx, p, lookup.prefix, timeout, func(s query.Session) error {
			var e error
			result, ok, e = s.SetPrefixLookupFlags(ctx, value, add, clear)
			return e
		})
		if err != nil {
			return false, err
		}
		return ok && result == expected, nil
	}

	if !lookup.hasAlt {
		dm, _ := phonetic.DMetaphone(value)
		var result int64
		var ok bool
		err := autocommit(ctx, p, lookup.dm, timeout, func(s query.Session) error {
			var e error
			result, ok, e = s.SetPhoneticLookupFlags(ctx, dm, baseID, value, add, clear)
			return e
		})
		if err != nil {
			return false, err
		}
		return ok && result == expected, nil
	}

	dm, dmalt := phonetic.DMetaphone(value)
	co := txn.New(p, lookup.dm, "apply_flag_phonetic", baseID, ctxID, add, clear)
	sess, err := co.Enter(ctx, timeout)
	if err != nil {
		return false, err
	}
	result, ok, err := sess.SetPhoneticLookupFlags(ctx, dm, baseID, value, add, clear)
	if err != nil {
		co.Fail()
		_ = co.Exit(err)
		return false, err
	}
	if !ok || result != expected {
		co.Fail()
		_ = co.Exit(nil)
		return false, nil
	}
	if err := co.Exit(nil); err != nil {
		return false, err
	}

	var altOK bool
	elseErr := co.Elsewhere(func() error {
		return autocommit(ctx, p, lookup.dmAlt, timeout, func(s query.Session) error {
			var result2 int64
			var e error
			result2, altOK, e = s.SetPhoneticLookupFlags(ctx, dmalt, baseID, value, add, clear)
			if e == nil && (!altOK || result2 != expected) {
				return errNameLookupFailed
			}
			return e
		})
	})
	if elseErr != nil {
		if elseErr == errNameLookupFailed {
			return false, nil
		}
		return false, elseErr
	}
	return altOK, nil
}

// RemoveName removes the name row on base_id's home shard first, then
// the lookup mirror(s) via the same shard-locating dance as
// SetNameFlags.
func RemoveName(ctx context.Context, p pool.Pool, reg *registry.Registry, baseID uint64, ctxID int, value string, timeout *time.Duration) (bool, error) {
	if err := checkWritable(p); err != nil {
		return false, err
	}
	meta, err := mustMeta(reg, ctxID, registry.KindName)
	if err != nil {
		return false, err
	}

	scope := timer.New(ctx, timeout)
	defer scope.Close()

	lookup, found, err := findNameLookupShard(scope.Context(), p, meta, baseID, value, timeout)
	if err != nil {
		return false, scope.Translate(err)
	}

	baseShard := p.ShardMap().ShardByID(baseID)
	co := txn.New(p, baseShard, "remove_name", baseID, ctxID, value)
	sess, err := co.Enter(scope.Context(), timeout)
	if err != nil {
		return false, scope.Translate(err)
	}

	removed, err := sess.RemoveName(scope.Context(), baseID, ctxID, value)
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

	if !found {
		if err := co.Commit(); err != nil {
			return false, scope.Translate(err)
		}
		return true, nil
	}

	elseErr := co.Elsewhere(func() error {
		ok, err := removeNameLookup(scope.Context(), p, lookup, baseID, ctxID, value, timeout)
		if err != nil {
			return err
		}
		if !ok {
			return errNameLookupFailed
		}
		return nil
	})
	if elseErr != nil {
		if elseErr == errNameLookupFailed {
			return false, nil
		}
		return false, scope.Translate(elseErr)
	}
	return true, nil
}

func removeNameLookup(ctx context.Context, p pool.Pool, lookup nameLookupShards, baseID uint64, ctxID int, value string, timeout *time.Duration) (bool, error) {
	if !lookup.phonetc {
		var ok bool
		err := autocommit(ctx, p, lookup.prefix, timeout, func(s query.Session) error {
			var e error
			ok, e = s.RemovePrefixLookup(ctx, baseID, ctxID, value)
			return e
		})
		return ok, err
	}

	dm, dmalt := phonetic.DMetaphone(value)
	if !lookup.hasAlt {
		var ok bool
		err := autocommit(ctx, p, lookup.dm, timeout, func(s query.Session) error {
			var e error
			ok, e = s.RemovePhoneticLookup(ctx, baseID, ctxID, dm, value)
			return e
		})
		return ok, err
	}

	co := txn.New(p, lookup.dm, "remove_phonetic_lookups", baseID, ctxID, value)
	sess, err := co.Enter(ctx, timeout)
	if err != nil {
		return false, err
	}
	removed, err := sess.RemovePhoneticLookup(ctx, baseID, ctxID, dm, value)
	if err != nil {
		co.Fail()
		_ = co.Exit(err)
		return false, err
	}
	if !removed {
		co.Fail()
		_ = co.Exit(nil)
		return false, nil
	}
	if err := co.Exit(nil); err != nil {
		return false, err
	}

	var altRemoved bool
	elseErr := co.Elsewhere(func() error {
		return autocommit(ctx, p, lookup.dmAlt, timeout, func(s query.Session) error {
			var e error
			altRemoved, e = s.RemovePhoneticLookup(ctx, baseID, ctxID, dmalt, value)
			if e == nil && !altRemoved {
				return errNameLookupFailed
			}
			return e
		})
	})
	if elseErr != nil {
		if elseErr == errNameLookupFailed {
			return false, nil
		}
		return false, elseErr
	}
	return altRemoved, nil
}

// NameSearchResult is the outcome of SearchNames: the merged, truncated
// page of matches and an opaque continuation token. PhoneticToken is
// populated only for PHONETIC searches and holds a single entry, keyed
// by the empty string, with the largest base_id in Names; it carries no
// per-code breakdown.
type NameSearchResult struct {
	Names         []row.Name
	PrefixToken   string
	PhoneticToken map[string]uint64
}

// SearchNames is a read-only fan-out across every shard in the lookup
// key's read list, merged and truncated to limit. The underlying query surface does not thread a resumption
// cursor through to the per-shard SQL (query.Session.SearchPrefix/
// SearchPhonetic take only a limit), so repeated calls re-scan each
// shard's first `limit` rows rather than resuming mid-shard; the
// returned token is informational only.
func SearchNames(ctx context.Context, p pool.Pool, reg *registry.Registry, ctxID int, value string, limit int, timeout *time.Duration) (NameSearchResult, error) {
	meta, err := mustMeta(reg, ctxID, registry.KindName)
	if err != nil {
		return NameSearchResult{}, err
	}

	scope := timer.New(ctx, timeout)
	defer scope.Close()

	switch meta.Name.Search {
	case registry.SearchPrefix:
		return searchPrefixNames(scope.Context(), p, ctxID, value, limit, timeout, scope)
	case registry.SearchPhonetic:
		return searchPhoneticNames(scope.Context(), p, meta, ctxID, value, limit, timeout, scope)
	default:
		return NameSearchResult{}, errors.NewBadContextError(ctxID, "name")
	}
}

func searchPrefixNames(ctx context.Context, p pool.Pool, ctxID int, value string, limit int, timeout *time.Duration, scope *timer.Scope) (NameSearchResult, error) {
	shards := p.ShardMap().ShardsForLookupPrefix([]byte(value))
	var names []row.Name
	for _, shard := range shards {
		if err := autocommit(ctx, p, shard, timeout, func(s query.Session) error {
			found, e := s.SearchPrefix(ctx, ctxID, value, limit)
			if e != nil {
				return e
			}
			names = append(names, found...)
			return nil
		}); err != nil {
			return NameSearchResult{}, scope.Translate(err)
		}
	}

	if len(shards) > 1 {
		sort.Slice(names, func(i, j int) bool { return names[i].Value < names[j].Value })
	}
	if len(names) > limit {
		names = names[:limit]
	}
	token := ""
	if len(names) > 0 {
		token = names[len(names)-1].Value
	}
	return NameSearchResult{Names: names, PrefixToken: token}, nil
}

func searchPhoneticNames(ctx context.Context, p pool.Pool, meta registry.Meta, ctxID int, value string, limit int, timeout *time.Duration, scope *timer.Scope) (NameSearchResult, error) {
	dm, dmalt := phonetic.DMetaphone(value)
	var names []row.Name

	for _, shard := range p.ShardMap().ShardsForLookupPhonetic(dm) {
		if err := autocommit(ctx, p, shard, timeout, func(s query.Session) error {
			found, e := s.SearchPhonetic(ctx, ctxID, dm, limit)
			if e != nil {
				return e
			}
			names = append(names, found...)
			return nil
		}); err != nil {
			return NameSearchResult{}, scope.Translate(err)
		}
	}

	var altShards []uint64
	if dmalt != "" && meta.Name.PhoneticLoose {
		altShards = p.ShardMap().ShardsForLookupPhonetic(dmalt)
	}
	for _, shard := range altShards {
		if err := autocommit(ctx, p, shard, timeout, func(s query.Session) error {
			found, e := s.SearchPhonetic(ctx, ctxID, dmalt, limit)
			if e != nil {
				return e
			}
			names = append(names, found...)
			return nil
		}); err != nil {
			return NameSearchResult{}, scope.Translate(err)
		}
	}

	shardBits := p.ShardBits()
	sort.SliceStable(names, func(i, j int) bool {
		localMask := uint64(1)<<(64-shardBits) - 1
		li, lj := names[i].BaseID&localMask, names[j].BaseID&localMask
		if li != lj {
			return li < lj
		}
		return names[i].BaseID < names[j].BaseID
	})

	seen := make(map[[3]interface{}]struct{}, len(names))
	deduped := names[:0]
	for _, n := range names {
		key := [3]interface{}{n.BaseID, n.Ctx, n.Value}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		deduped = append(deduped, n)
	}
	names = deduped
	if len(names) > limit {
		names = names[:limit]
	}
	return NameSearchResult{Names: names, PhoneticToken: phonTokens(names)}, nil
}

func phonTokens(names []row.Name) map[string]uint64 {
	// Name rows don't carry the phonetic code they were matched
	// under, so the token degenerates to the single highest base_id
	// seen; callers that need a per-code breakdown should track it
	// alongside the search call's dm/dmalt values.
	var max uint64
	for _, n := range names {
		if n.BaseID > max {
			max = n.BaseID
		}
	}
	if len(names) == 0 {
		return map[string]uint64{}
	}
	return map[string]uint64{"": max}
}
