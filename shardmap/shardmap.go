// Package shardmap is the deterministic mapping from object identifier
// to home shard, and from secondary lookup keys (alias digest, name
// prefix, phonetic code) to ordered candidate shards. Writes always
// target the first candidate; reads probe the whole list in order, so
// a lookup key's home can migrate by temporarily listing both the old
// and new shard on the read side.
package shardmap

import (
	"github.com/cameron/datahog/conf"
	"github.com/cameron/datahog/phonetic"
)

// Map is the shard-routing facade built from a pool's configuration.
type Map struct {
	shardBits uint
	rootPlan  []uint64

	aliasPlan    conf.LookupPlan
	prefixPlan   conf.LookupPlan
	phoneticPlan conf.LookupPlan

	rootCounter uint64
}

// New builds a Map from the pool configuration.
func New(cfg conf.Config) *Map {
	return &Map{
		shardBits:    cfg.ShardBits,
		rootPlan:     cfg.RootInsertPlan,
		aliasPlan:    cfg.AliasLookupPlan,
		prefixPlan:   cfg.PrefixLookupPlan,
		phoneticPlan: cfg.PhoneticLookupPlan,
	}
}

// ShardByID returns id's home shard: the top shardBits bits of id.
func (m *Map) ShardByID(id uint64) uint64 {
	if m.shardBits == 0 {
		return 0
	}
	return id >> (64 - m.shardBits)
}

// ShardForRootInsert picks a shard for a newly created rootless node,
// round-robining over the admin-configured root insert plan.
func (m *Map) ShardForRootInsert() uint64 {
	if len(m.rootPlan) == 0 {
		return 0
	}
	idx := m.rootCounter % uint64(len(m.rootPlan))
	m.rootCounter++
	return m.rootPlan[idx]
}

// ShardForAliasWrite returns the single shard a new alias-lookup row for
// digest must be written to: the first element of its read candidate
// list.
func (m *Map) ShardForAliasWrite(digest []byte) uint64 {
	return firstOrZero(m.ShardsForLookupHash(digest))
}

// ShardsForLookupHash returns the ordered probe list of candidate shards
// for an alias digest.
func (m *Map) ShardsForLookupHash(digest []byte) []uint64 {
	return m.aliasPlan.ShardFor(phonetic.Bucket(digest))
}

// ShardForPrefixWrite returns the single write shard for a PREFIX name
// lookup over value.
func (m *Map) ShardForPrefixWrite(value []byte) uint64 {
	return firstOrZero(m.ShardsForLookupPrefix(value))
}

// ShardsForLookupPrefix returns the ordered probe list of candidate
// shards for a PREFIX name value.
func (m *Map) ShardsForLookupPrefix(value []byte) []uint64 {
	return m.prefixPlan.ShardFor(phonetic.Bucket(value))
}

// ShardForPhoneticWrite returns the single write shard for a PHONETIC
// name lookup under code.
func (m *Map) ShardForPhoneticWrite(code string) uint64 {
	return firstOrZero(m.ShardsForLookupPhonetic(code))
}

// ShardsForLookupPhonetic returns the ordered probe list of candidate
// shards for a phonetic code.
func (m *Map) ShardsForLookupPhonetic(code string) []uint64 {
	return m.phoneticPlan.ShardFor(phonetic.Bucket([]byte(code)))
}

func firstOrZero(shards []uint64) uint64 {
	if len(shards) == 0 {
		return 0
	}
	return shards[0]
}
