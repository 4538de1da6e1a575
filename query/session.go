// Package query is the coordinator's collaborator for persistence. It
// defines the thin per-entity contract the coordinator relies on —
// Session — and two implementations: Postgres (real SQL over lib/pq)
// and Fake (an in-memory double used by tests).
package query

import (
	"context"

	"github.com/cameron/datahog/row"
)

// RemovedAlias is one alias row removed from an estate sweep, along
// with the context it carries back the digest routing needs.
type RemovedAlias struct {
	BaseID uint64
	Ctx    int
	Value  string
}

// RemovedName is one name row removed from an estate sweep.
type RemovedName struct {
	BaseID uint64
	Ctx    int
	Value  string
}

// RemovedRelationship is one relationship row removed from an estate
// sweep, later flipped to describe the *other* side's mirror when it
// is queued onto that shard's estate.
type RemovedRelationship struct {
	BaseID  uint64
	Ctx     int
	Forward bool
	RelID   uint64
}

// AliasLookupKey identifies an alias-lookup row pending removal.
type AliasLookupKey struct {
	Digest string // string(digest bytes), used as a map/set key
	Ctx    int
}

// NameLookupKey identifies a name-lookup row pending removal.
type NameLookupKey struct {
	BaseID uint64
	Ctx    int
	Value  string
}

// TxSession is the transaction-control surface txn.Coordinator drives.
type TxSession interface {
	Begin(ctx context.Context) error
	Prepare(ctx context.Context, xid string) error
	Rollback(ctx context.Context) error
	CommitPrepared(ctx context.Context, xid string) error
	RollbackPrepared(ctx context.Context, xid string) error
	Close() error
}

// AliasSession is the per-shard query surface behind the alias plans.
type AliasSession interface {
	SelectAliasLookup(ctx context.Context, digest []byte, ctxID int) (*row.AliasLookup, error)
	SelectAlias(ctx context.Context, baseID uint64, ctxID int, value string) (*row.Alias, error)
	ListAliases(ctx context.Context, baseID uint64, ctxID int) ([]row.Alias, error)
	ShiftAlias(ctx context.Context, baseID uint64, ctxID int, value string, index int) (ok bool, err error)
	MaybeInsertAliasLookup(ctx context.Context, digest []byte, ctxID int, baseID uint64, flags int64) (inserted bool, ownerID uint64, err error)
	InsertAlias(ctx context.Context, baseID uint64, ctxID int, value string, index int, flags int64) (ok bool, err error)
	SetAliasLookupFlags(ctx context.Context, digest []byte, ctxID int, add, clear int64) (newFlags int64, ok bool, err error)
	SetAliasFlags(ctx context.Context, baseID uint64, ctxID int, value string, add, clear int64) (newFlags int64, ok bool, err error)
	RemoveAliasLookup(ctx context.Context, digest []byte, ctxID int, baseID uint64) (ok bool, err error)
	RemoveAlias(ctx context.Context, baseID uint64, ctxID int, value string) (ok bool, err error)
}

// RelationshipSession is the per-shard query surface behind the
// relationship plans. List and Select address rows by whichever column
// the caller's id occupies: asBase selects on base_id, otherwise on
// rel_id, with forward matched exactly in both cases.
type RelationshipSession interface {
	SelectRelationship(ctx context.Context, baseID, relID uint64, ctxID int, forward bool) (*row.Relationship, error)
	ListRelationships(ctx context.Context, id uint64, ctxID int, asBase, forward bool) ([]row.Relationship, error)
	ShiftRelationship(ctx context.Context, baseID, relID uint64, ctxID int, forward bool, index int) (ok bool, err error)
	InsertRelationship(ctx context.Context, baseID, relID uint64, ctxID int, value []byte, forward bool, index int, flags int64) (ok bool, err error)
	UpdateRelationship(ctx context.Context, baseID, relID uint64, ctxID int, forward bool, oldValue, newValue []byte) (ok bool, err error)
	SetRelationshipFlags(ctx context.Context, baseID, relID uint64, ctxID int, forward bool, add, clear int64) (newFlags int64, ok bool, err error)
	RemoveRelationship(ctx context.Context, baseID, relID uint64, ctxID int, forward bool) (ok bool, err error)
}

// NameSession is the per-shard query surface behind the name plans and
// the cross-shard search fan-out.
type NameSession interface {
	ListNames(ctx context.Context, baseID uint64, ctxID int) ([]row.Name, error)
	ShiftName(ctx context.Context, baseID uint64, ctxID int, value string, index int) (ok bool, err error)
	InsertName(ctx context.Context, baseID uint64, ctxID int, value string, pos int, flags int64) (ok bool, err error)
	RemoveName(ctx context.Context, baseID uint64, ctxID int, value string) (ok bool, err error)
	SetNameFlags(ctx context.Context, baseID uint64, ctxID int, value string, add, clear int64) (newFlags int64, ok bool, err error)

	SelectPrefixLookup(ctx context.Context, value string) (*row.NameLookup, error)
	InsertPrefixLookup(ctx context.Context, baseID uint64, ctxID int, value string) (ok bool, err error)
	RemovePrefixLookup(ctx context.Context, baseID uint64, ctxID int, value string) (ok bool, err error)
	SetPrefixLookupFlags(ctx context.Context, value string, add, clear int64) (newFlags int64, ok bool, err error)

	SelectPhoneticLookup(ctx context.Context, code string, baseID uint64, ctxValue string) (*row.NameLookup, error)
	InsertPhoneticLookup(ctx context.Context, baseID uint64, ctxID int, code string, value string) (ok bool, err error)
	RemovePhoneticLookup(ctx context.Context, baseID uint64, ctxID int, code string, value string) (ok bool, err error)
	SetPhoneticLookupFlags(ctx context.Context, code string, baseID uint64, value string, add, clear int64) (newFlags int64, ok bool, err error)

	SearchPrefix(ctx context.Context, ctxID int, value string, limit int) ([]row.Name, error)
	SearchPhonetic(ctx context.Context, ctxID int, code string, limit int) ([]row.Name, error)
}

// NodeSession is the per-shard query surface over nodes, edges, and the
// estate sweep's bulk removal fan-out.
type NodeSession interface {
	InsertNode(ctx context.Context, id uint64, ctxID int) error
	SelectNode(ctx context.Context, id uint64) (*row.Node, error)
	RemoveEdge(ctx context.Context, baseID uint64, ctxID int, childID uint64) (ok bool, err error)
	InsertEdge(ctx context.Context, baseID uint64, ctxID int, childID uint64, pos int) (ok bool, err error)
	ListEdges(ctx context.Context, baseID uint64, ctxID int) ([]row.Edge, error)
	ShiftEdge(ctx context.Context, baseID uint64, ctxID int, childID uint64, index int) (ok bool, err error)

	RemoveNodes(ctx context.Context, ids []uint64) (removed []uint64, err error)
	RemoveProperties(ctx context.Context, baseIDs []uint64) error
	RemoveAliasesMulti(ctx context.Context, baseIDs []uint64) ([]RemovedAlias, error)
	RemoveNamesMulti(ctx context.Context, baseIDs []uint64) ([]RemovedName, error)
	RemoveRelationshipsMulti(ctx context.Context, baseIDs []uint64) ([]RemovedRelationship, error)
	RemoveEdgesMulti(ctx context.Context, baseIDs []uint64) (childIDs []uint64, err error)

	RemoveAliasLookupsMulti(ctx context.Context, keys []AliasLookupKey) ([]AliasLookupKey, error)
	RemovePrefixLookupsMulti(ctx context.Context, keys []NameLookupKey) ([]NameLookupKey, error)
	RemovePhoneticLookupsMulti(ctx context.Context, keys []NameLookupKey) ([]NameLookupKey, error)
	RemoveRelationshipMirrorsMulti(ctx context.Context, items []RemovedRelationship) error
	BulkReorderRelationships(ctx context.Context, keys []RelationshipEndpoint, forward bool) error
}

// RelationshipEndpoint names one (id, ctx) list whose positions need
// re-densifying after mirrors were bulk-removed.
type RelationshipEndpoint struct {
	ID  uint64
	Ctx int
}

// PropertySession is the property upsert/update surface. A unique
// violation on the upsert is reported as inserted=false so the caller
// can retry as a plain update.
type PropertySession interface {
	UpsertProperty(ctx context.Context, baseID uint64, ctxID int, value []byte, flags int64) (inserted bool, err error)
	UpdateProperty(ctx context.Context, baseID uint64, ctxID int, value []byte) (ok bool, err error)
	SelectProperty(ctx context.Context, baseID uint64, ctxID int) (*row.Property, error)
	RemoveProperty(ctx context.Context, baseID uint64, ctxID int) (ok bool, err error)
}

// Session is everything one shard's bound connection can do within a
// single coordinator-managed transaction.
//
// Insert methods for rows hanging off a node (aliases, relationships,
// names, edges) report ok=false with a nil error when that node has no
// live row on the shard; inserting a row that already exists surfaces
// an error matched by IsUniqueViolation.
type Session interface {
	TxSession
	AliasSession
	RelationshipSession
	NameSession
	NodeSession
	PropertySession
}

// Backend opens per-shard Sessions. pool.Pool is parameterized over one
// Backend implementation.
type Backend interface {
	Open(ctx context.Context, shard uint64) (Session, error)
}
