// Package phonetic holds the coordinator's opaque string helpers: the
// alias HMAC digest, and the double-metaphone
// phonetic encoding used to shard PHONETIC name lookups. The
// coordinator never inspects the output of these functions beyond using
// them as shard-routing keys.
package phonetic

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // digest is a shard-routing key, not a security boundary

	"github.com/cespare/xxhash/v2"
)

// Digest computes HMAC-SHA1(key, utf8(value)), the alias lookup key.
func Digest(key []byte, value string) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write([]byte(value))
	return mac.Sum(nil)
}

// Bucket hashes an opaque routing key (a digest, a prefix, or a
// phonetic code) down to a shard-map bucket index via a
// non-cryptographic hash, used to pick an entry in a conf.LookupPlan.
func Bucket(key []byte) uint64 {
	return xxhash.Sum64(key)
}
