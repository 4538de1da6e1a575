// Package conf holds the pool's configuration document: per-shard DSN
// info, lookup insertion plans, shard bits, and the digest key. It is a
// flat, exported-field value built by the embedding program and passed
// in at construction time.
package conf

import "time"

// ShardDSN is the DSN information for a single SQL shard.
type ShardDSN struct {
	ShardID uint64
	DSN     string
}

// Config is the pool's configuration document.
type Config struct {
	// Shards lists every shard the pool knows about, keyed by ShardID.
	Shards []ShardDSN

	// ShardBits is the number of high bits of a 64-bit id used to
	// compute its home shard.
	ShardBits uint

	// DigestKey is the HMAC key used to derive alias digests.
	DigestKey []byte

	// RootInsertPlan lists the shards eligible to receive newly created
	// rootless nodes, in the order shard_for_root_insert should try
	// them (round-robin over this list).
	RootInsertPlan []uint64

	// LookupInsertionPlans is the per-read-list sequence of candidate
	// shards for each lookup key space. Write plans (the first element
	// of each ordered list) are exactly the elements listed here; read
	// plans probe the whole ordered list in order.
	AliasLookupPlan    LookupPlan
	PrefixLookupPlan   LookupPlan
	PhoneticLookupPlan LookupPlan

	// ReadOnly, when set, makes every mutating pool entry point fail
	// immediately with errors.KindReadOnly before touching any shard.
	ReadOnly bool

	// ConnectTimeout bounds how long Pool.Start keeps retrying to open
	// and probe each shard, and is also the deadline of each single
	// probe attempt. Zero or less means 5 seconds.
	ConnectTimeout time.Duration

	// HealthListenAddress is the address the readiness gRPC health
	// server listens on.
	HealthListenAddress string

	// Driver names the database/sql driver query.Postgres opens each
	// shard with. Defaults to "postgres" (lib/pq); tests that swap in a
	// fake database/sql driver override this.
	Driver string
}

// LookupPlan maps a lookup-key bucket (0..N-1, as produced by hashing a
// digest/prefix/phonetic code) to an ordered list of candidate shards.
// The write shard for a bucket is always plan[bucket][0]; the read probe
// order is plan[bucket] in full.
type LookupPlan struct {
	Buckets [][]uint64
}

// ShardFor returns the ordered candidate list for the given bucket
// index, wrapping modulo the number of configured buckets.
func (p LookupPlan) ShardFor(bucket uint64) []uint64 {
	if len(p.Buckets) == 0 {
		return nil
	}
	return p.Buckets[bucket%uint64(len(p.Buckets))]
}
