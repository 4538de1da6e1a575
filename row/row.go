// Package row defines the plain structs behind every logical row the
// store models: nodes, properties, aliases and their lookups,
// relationships, names and their lookups, and tree edges.
package row

import "time"

// Node is a logical row keyed by a 64-bit id.
type Node struct {
	ID          uint64
	Ctx         int
	TimeRemoved *time.Time
}

// Property is a logical row keyed by (BaseID, Ctx), living on BaseID's
// home shard.
type Property struct {
	BaseID      uint64
	Ctx         int
	Value       []byte
	Flags       int64
	TimeRemoved *time.Time
}

// Alias is a logical row keyed by (BaseID, Ctx, Value).
type Alias struct {
	BaseID      uint64
	Ctx         int
	Value       string
	Index       int
	Flags       int64
	TimeRemoved *time.Time
}

// AliasLookup is the mirror row for an Alias, keyed by (Digest, Ctx),
// globally unique per that pair.
type AliasLookup struct {
	Digest      []byte
	Ctx         int
	BaseID      uint64
	Flags       int64
	TimeRemoved *time.Time
}

// Relationship is one (forward or reverse) half of a relationship pair.
type Relationship struct {
	BaseID      uint64
	Ctx         int
	RelID       uint64
	Forward     bool
	Index       int
	Value       []byte
	Flags       int64
	TimeRemoved *time.Time
}

// Name is a logical row keyed by (BaseID, Ctx, Value, Pos).
type Name struct {
	BaseID      uint64
	Ctx         int
	Value       string
	Pos         int
	Flags       int64
	TimeRemoved *time.Time
}

// NameLookup is a PREFIX or PHONETIC mirror row for a Name.
type NameLookup struct {
	BaseID      uint64
	Ctx         int
	Value       string
	Code        string // empty for PREFIX lookups
	TimeRemoved *time.Time
}

// Edge attaches a child node to a parent node.
type Edge struct {
	BaseID      uint64
	Ctx         int
	ChildID     uint64
	Pos         int
	TimeRemoved *time.Time
}
