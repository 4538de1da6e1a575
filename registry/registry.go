// Package registry implements the context table: a mapping ctx ->
// (table_kind, meta), populated once at startup and read-only
// thereafter. Rather than a package-level global mutated by
// registration calls, Registry is a value built via Register and then
// frozen, threaded through construction like conf.Config.
package registry

import (
	"fmt"
	"sync"

	"github.com/cameron/datahog/errors"
)

// TableKind identifies which of the six fixed entity kinds a context
// belongs to.
type TableKind int

const (
	KindNode TableKind = iota
	KindProperty
	KindAlias
	KindRelationship
	KindName
	KindEdge
)

func (k TableKind) String() string {
	switch k {
	case KindNode:
		return "node"
	case KindProperty:
		return "property"
	case KindAlias:
		return "alias"
	case KindRelationship:
		return "relationship"
	case KindName:
		return "name"
	case KindEdge:
		return "edge"
	default:
		return "unknown"
	}
}

// StorageClass is the storage coercion class for a context's value.
type StorageClass int

const (
	ClassNull StorageClass = iota
	ClassInt
	ClassStr
	ClassUTF8
	ClassSerial
)

// SearchClass distinguishes PREFIX from PHONETIC name contexts.
type SearchClass int

const (
	SearchNone SearchClass = iota
	SearchPrefix
	SearchPhonetic
)

// CtxSet represents either a single allowed endpoint context or a set
// of candidate contexts supplied per-call ("union" relationships).
type CtxSet struct {
	values map[int]struct{}
}

// Single returns a CtxSet containing exactly one context.
func Single(ctx int) CtxSet {
	return CtxSet{values: map[int]struct{}{ctx: {}}}
}

// Union returns a CtxSet over several candidate contexts.
func Union(ctxs ...int) CtxSet {
	m := make(map[int]struct{}, len(ctxs))
	for _, c := range ctxs {
		m[c] = struct{}{}
	}
	return CtxSet{values: m}
}

// IsUnion reports whether the set names more than one context, meaning
// the caller must supply the concrete endpoint context at create-time.
func (s CtxSet) IsUnion() bool { return len(s.values) > 1 }

// Allows reports whether ctx is one of the set's candidates.
func (s CtxSet) Allows(ctx int) bool {
	_, ok := s.values[ctx]
	return ok
}

// Only returns the set's sole member. Panics if the set is a union;
// callers must check IsUnion first.
func (s CtxSet) Only() int {
	if len(s.values) != 1 {
		panic("registry: Only called on a union CtxSet")
	}
	for c := range s.values {
		return c
	}
	panic("unreachable")
}

// NodeMeta carries meta for a Node context.
type NodeMeta struct{}

// PropertyMeta carries meta for a Property context.
type PropertyMeta struct {
	Class StorageClass
}

// AliasMeta carries meta for an Alias context.
type AliasMeta struct {
	BaseCtx CtxSet
	Flags   []int
}

// RelationshipMeta carries meta for a Relationship context.
type RelationshipMeta struct {
	BaseCtx CtxSet
	RelCtx  CtxSet
	Class   StorageClass
	Directed bool
	Flags    []int
}

// NameMeta carries meta for a Name context.
type NameMeta struct {
	BaseCtx       CtxSet
	Search        SearchClass
	PhoneticLoose bool
	Flags         []int
}

// EdgeMeta carries meta for an Edge context.
type EdgeMeta struct {
	BaseCtx CtxSet
}

// Meta is a tagged union over the six entity kinds' metadata, frozen
// with the registry. Register does not inspect a meta's fields: Kind and
// the matching per-kind field are stored as given.
type Meta struct {
	Kind TableKind

	Node         NodeMeta
	Property     PropertyMeta
	Alias        AliasMeta
	Relationship RelationshipMeta
	Name         NameMeta
	Edge         EdgeMeta
}

// Registry is the frozen ctx -> Meta mapping.
type Registry struct {
	mu     sync.RWMutex
	frozen bool
	metas  map[int]Meta
}

// New returns an empty, unfrozen Registry.
func New() *Registry {
	return &Registry{metas: make(map[int]Meta)}
}

// Register adds ctx -> meta. Registering a duplicate ctx, or
// registering after Freeze, is an error.
func (r *Registry) Register(ctx int, meta Meta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("registry: already frozen, cannot register ctx %d", ctx)
	}
	if _, exists := r.metas[ctx]; exists {
		return fmt.Errorf("registry: ctx %d already registered", ctx)
	}
	r.metas[ctx] = meta
	return nil
}

// Freeze prevents any further registration. Register and Lookup both
// take the registry's lock, so either is safe for concurrent use before
// and after Freeze.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Lookup returns the meta registered for ctx.
func (r *Registry) Lookup(ctx int) (Meta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.metas[ctx]
	return m, ok
}

// MustKind looks up ctx and validates it is of the expected kind,
// returning errors.NewBadContextError otherwise.
func (r *Registry) MustKind(ctx int, want TableKind) (Meta, error) {
	m, ok := r.Lookup(ctx)
	if !ok || m.Kind != want {
		return Meta{}, errors.NewBadContextError(ctx, want.String())
	}
	return m, nil
}
