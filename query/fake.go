package query

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cameron/datahog/row"
)

// markRemoved stamps *t with the current time and records an undo
// closure that clears it back to nil, returning true for the
// rows-affected style result the Session methods report.
func markRemoved(t **time.Time, s *fakeSession) bool {
	now := time.Now()
	*t = &now
	s.record(func() { *t = nil })
	return true
}

// Fake is an in-memory Backend, the test double for query.Postgres.
// Every mutation is applied directly
// to its shard's tables and also appended to the session's undo log;
// Prepare hands that undo log to the backend keyed by xid,
// CommitPrepared discards it, RollbackPrepared replays it in reverse.
// This gives read-your-writes within one coordinator session without
// modelling full MVCC, which is more isolation than Postgres promises
// mid-transaction but never less than what a single-shard 2PC plan
// observes end to end.
type Fake struct {
	mu       sync.Mutex
	shards   map[uint64]*fakeShard
	prepared map[string]preparedUndo

	// OpenHook, if non-nil, runs before every session open. Tests use
	// it to inject per-shard latency or stalls.
	OpenHook func(shard uint64)
}

type preparedUndo struct {
	shard *fakeShard
	undo  []func()
}

// NewFake builds an empty Fake backend. Shards are created lazily on
// first Open.
func NewFake() *Fake {
	return &Fake{shards: make(map[uint64]*fakeShard), prepared: make(map[string]preparedUndo)}
}

func (b *Fake) shardFor(id uint64) *fakeShard {
	b.mu.Lock()
	defer b.mu.Unlock()
	sh, ok := b.shards[id]
	if !ok {
		sh = newFakeShard()
		b.shards[id] = sh
	}
	return sh
}

// Open implements Backend.
func (b *Fake) Open(ctx context.Context, shard uint64) (Session, error) {
	if b.OpenHook != nil {
		b.OpenHook(shard)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &fakeSession{backend: b, shard: b.shardFor(shard)}, nil
}

// PreparedCount reports how many prepared-but-unresolved transactions
// the backend currently holds, across all shards.
func (b *Fake) PreparedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.prepared)
}

// Snapshot copies out every table of one shard, removed rows included,
// for assertions in tests that don't want to reach into backend
// internals directly.
func (b *Fake) Snapshot(shard uint64) FakeSnapshot {
	sh := b.shardFor(shard)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	snap := FakeSnapshot{}
	for k, v := range sh.nodes {
		cp := *v
		snap.Nodes = append(snap.Nodes, &cp)
		_ = k
	}
	for _, v := range sh.aliases {
		cp := *v
		snap.Aliases = append(snap.Aliases, &cp)
	}
	for _, v := range sh.aliasLookup {
		cp := *v
		snap.AliasLookups = append(snap.AliasLookups, &cp)
	}
	for _, v := range sh.relationships {
		cp := *v
		snap.Relationships = append(snap.Relationships, &cp)
	}
	for _, v := range sh.names {
		cp := *v
		snap.Names = append(snap.Names, &cp)
	}
	for _, v := range sh.nameLookup {
		cp := *v
		snap.NameLookups = append(snap.NameLookups, &cp)
	}
	for _, v := range sh.edges {
		cp := *v
		snap.Edges = append(snap.Edges, &cp)
	}
	for _, v := range sh.properties {
		cp := *v
		snap.Properties = append(snap.Properties, &cp)
	}
	return snap
}

// FakeSnapshot is a point-in-time copy of one shard's tables.
type FakeSnapshot struct {
	Nodes         []*row.Node
	Properties    []*row.Property
	Aliases       []*row.Alias
	AliasLookups  []*row.AliasLookup
	Relationships []*row.Relationship
	Names         []*row.Name
	NameLookups   []*row.NameLookup
	Edges         []*row.Edge
}

type aliasKey struct {
	baseID uint64
	ctx    int
	value  string
}
type aliasLookupKey struct {
	digest string
	ctx    int
}
type relKey struct {
	baseID  uint64
	ctx     int
	relID   uint64
	forward bool
}
type nameKey struct {
	baseID uint64
	ctx    int
	value  string
}
type nameLookupKey struct {
	baseID uint64
	ctx    int
	value  string
	code   string
}
type edgeKey struct {
	baseID  uint64
	ctx     int
	childID uint64
}
type propKey struct {
	baseID uint64
	ctx    int
}

type fakeShard struct {
	mu sync.Mutex

	nodes         map[uint64]*row.Node
	properties    map[propKey]*row.Property
	aliases       map[aliasKey]*row.Alias
	aliasLookup   map[aliasLookupKey]*row.AliasLookup
	relationships map[relKey]*row.Relationship
	names         map[nameKey]*row.Name
	nameLookup    map[nameLookupKey]*row.NameLookup
	edges         map[edgeKey]*row.Edge
}

func newFakeShard() *fakeShard {
	return &fakeShard{
		nodes:         make(map[uint64]*row.Node),
		properties:    make(map[propKey]*row.Property),
		aliases:       make(map[aliasKey]*row.Alias),
		aliasLookup:   make(map[aliasLookupKey]*row.AliasLookup),
		relationships: make(map[relKey]*row.Relationship),
		names:         make(map[nameKey]*row.Name),
		nameLookup:    make(map[nameLookupKey]*row.NameLookup),
		edges:         make(map[edgeKey]*row.Edge),
	}
}

// nodeLive reports whether id has a live node row on this shard.
// Callers must hold sh.mu.
func (sh *fakeShard) nodeLive(id uint64) bool {
	n, ok := sh.nodes[id]
	return ok && n.TimeRemoved == nil
}

type fakeSession struct {
	backend *Fake
	shard   *fakeShard
	undo    []func()
}

func (s *fakeSession) record(undo func()) {
	s.undo = append(s.undo, undo)
}

func (s *fakeSession) Close() error { return nil }

// --- TxSession ---

func (s *fakeSession) Begin(ctx context.Context) error {
	s.undo = nil
	return nil
}

func (s *fakeSession) Prepare(ctx context.Context, xid string) error {
	s.backend.mu.Lock()
	s.backend.prepared[xid] = preparedUndo{shard: s.shard, undo: s.undo}
	s.backend.mu.Unlock()
	s.undo = nil
	return nil
}

func (s *fakeSession) Rollback(ctx context.Context) error {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	for i := len(s.undo) - 1; i >= 0; i-- {
		s.undo[i]()
	}
	s.undo = nil
	return nil
}

func (s *fakeSession) CommitPrepared(ctx context.Context, xid string) error {
	s.backend.mu.Lock()
	delete(s.backend.prepared, xid)
	s.backend.mu.Unlock()
	return nil
}

func (s *fakeSession) RollbackPrepared(ctx context.Context, xid string) error {
	s.backend.mu.Lock()
	pu, ok := s.backend.prepared[xid]
	delete(s.backend.prepared, xid)
	s.backend.mu.Unlock()
	if !ok {
		return nil
	}
	pu.shard.mu.Lock()
	defer pu.shard.mu.Unlock()
	for i := len(pu.undo) - 1; i >= 0; i-- {
		pu.undo[i]()
	}
	return nil
}

// --- AliasSession ---

func (s *fakeSession) SelectAliasLookup(ctx context.Context, digest []byte, ctxID int) (*row.AliasLookup, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	r, ok := s.shard.aliasLookup[aliasLookupKey{string(digest), ctxID}]
	if !ok || r.TimeRemoved != nil {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *fakeSession) MaybeInsertAliasLookup(ctx context.Context, digest []byte, ctxID int, baseID uint64, flags int64) (bool, uint64, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	k := aliasLookupKey{string(digest), ctxID}
	if existing, ok := s.shard.aliasLookup[k]; ok && existing.TimeRemoved == nil {
		return false, existing.BaseID, nil
	}
	s.shard.aliasLookup[k] = &row.AliasLookup{Digest: digest, Ctx: ctxID, BaseID: baseID, Flags: flags}
	s.record(func() { delete(s.shard.aliasLookup, k) })
	return true, baseID, nil
}

func (s *fakeSession) InsertAlias(ctx context.Context, baseID uint64, ctxID int, value string, index int, flags int64) (bool, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	if !s.shard.nodeLive(baseID) {
		return false, nil
	}
	k := aliasKey{baseID, ctxID, value}
	if existing, ok := s.shard.aliases[k]; ok && existing.TimeRemoved == nil {
		return false, ErrDuplicate
	}
	s.shard.aliases[k] = &row.Alias{BaseID: baseID, Ctx: ctxID, Value: value, Index: index, Flags: flags}
	s.record(func() { delete(s.shard.aliases, k) })
	return true, nil
}

func (s *fakeSession) SetAliasLookupFlags(ctx context.Context, digest []byte, ctxID int, add, clear int64) (int64, bool, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	r, ok := s.shard.aliasLookup[aliasLookupKey{string(digest), ctxID}]
	if !ok || r.TimeRemoved != nil {
		return 0, false, nil
	}
	old := r.Flags
	r.Flags = (r.Flags &^ clear) | add
	s.record(func() { r.Flags = old })
	return r.Flags, true, nil
}

func (s *fakeSession) SetAliasFlags(ctx context.Context, baseID uint64, ctxID int, value string, add, clear int64) (int64, bool, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	r, ok := s.shard.aliases[aliasKey{baseID, ctxID, value}]
	if !ok || r.TimeRemoved != nil {
		return 0, false, nil
	}
	old := r.Flags
	r.Flags = (r.Flags &^ clear) | add
	s.record(func() { r.Flags = old })
	return r.Flags, true, nil
}

func (s *fakeSession) SelectAlias(ctx context.Context, baseID uint64, ctxID int, value string) (*row.Alias, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	r, ok := s.shard.aliases[aliasKey{baseID, ctxID, value}]
	if !ok || r.TimeRemoved != nil {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *fakeSession) ListAliases(ctx context.Context, baseID uint64, ctxID int) ([]row.Alias, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	var out []row.Alias
	for _, r := range s.shard.aliases {
		if r.BaseID == baseID && r.Ctx == ctxID && r.TimeRemoved == nil {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *fakeSession) ShiftAlias(ctx context.Context, baseID uint64, ctxID int, value string, index int) (bool, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	target, ok := s.shard.aliases[aliasKey{baseID, ctxID, value}]
	if !ok || target.TimeRemoved != nil {
		return false, nil
	}
	var rest []*row.Alias
	for _, r := range s.shard.aliases {
		if r.BaseID == baseID && r.Ctx == ctxID && r.TimeRemoved == nil && r != target {
			rest = append(rest, r)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].Index < rest[j].Index })
	assign := func(r *row.Alias, pos int) {
		old := r.Index
		r.Index = pos
		s.record(func() { r.Index = old })
	}
	placeOrdered(len(rest), index,
		func(i, pos int) { assign(rest[i], pos) },
		func(pos int) { assign(target, pos) })
	return true, nil
}

func (s *fakeSession) RemoveAliasLookup(ctx context.Context, digest []byte, ctxID int, baseID uint64) (bool, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	r, ok := s.shard.aliasLookup[aliasLookupKey{string(digest), ctxID}]
	if !ok || r.TimeRemoved != nil || r.BaseID != baseID {
		return false, nil
	}
	return markRemoved(&r.TimeRemoved, s), nil
}

func (s *fakeSession) RemoveAlias(ctx context.Context, baseID uint64, ctxID int, value string) (bool, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	r, ok := s.shard.aliases[aliasKey{baseID, ctxID, value}]
	if !ok || r.TimeRemoved != nil {
		return false, nil
	}
	return markRemoved(&r.TimeRemoved, s), nil
}

// --- RelationshipSession ---

func (s *fakeSession) SelectRelationship(ctx context.Context, baseID, relID uint64, ctxID int, forward bool) (*row.Relationship, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	r, ok := s.shard.relationships[relKey{baseID, ctxID, relID, forward}]
	if !ok || r.TimeRemoved != nil {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *fakeSession) ListRelationships(ctx context.Context, id uint64, ctxID int, asBase, forward bool) ([]row.Relationship, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	var out []row.Relationship
	for _, r := range s.shard.relationships {
		if r.Ctx != ctxID || r.Forward != forward || r.TimeRemoved != nil {
			continue
		}
		if (asBase && r.BaseID == id) || (!asBase && r.RelID == id) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *fakeSession) ShiftRelationship(ctx context.Context, baseID, relID uint64, ctxID int, forward bool, index int) (bool, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	target, ok := s.shard.relationships[relKey{baseID, ctxID, relID, forward}]
	if !ok || target.TimeRemoved != nil {
		return false, nil
	}
	// Siblings in the ordered list share base_id on the forward side
	// and rel_id on the reverse side.
	owner := baseID
	if !forward {
		owner = relID
	}
	var rest []*row.Relationship
	for _, r := range s.shard.relationships {
		if r.Ctx != ctxID || r.Forward != forward || r.TimeRemoved != nil || r == target {
			continue
		}
		if (forward && r.BaseID == owner) || (!forward && r.RelID == owner) {
			rest = append(rest, r)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].Index < rest[j].Index })
	assign := func(r *row.Relationship, pos int) {
		old := r.Index
		r.Index = pos
		s.record(func() { r.Index = old })
	}
	placeOrdered(len(rest), index,
		func(i, pos int) { assign(rest[i], pos) },
		func(pos int) { assign(target, pos) })
	return true, nil
}

func (s *fakeSession) InsertRelationship(ctx context.Context, baseID, relID uint64, ctxID int, value []byte, forward bool, index int, flags int64) (bool, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	// The row hangs off whichever endpoint lives on this shard: the
	// base for forward rows, the rel for reverse rows.
	local := baseID
	if !forward {
		local = relID
	}
	if !s.shard.nodeLive(local) {
		return false, nil
	}
	k := relKey{baseID, ctxID, relID, forward}
	if existing, ok := s.shard.relationships[k]; ok && existing.TimeRemoved == nil {
		return false, ErrDuplicate
	}
	s.shard.relationships[k] = &row.Relationship{BaseID: baseID, Ctx: ctxID, RelID: relID, Forward: forward, Index: index, Value: value, Flags: flags}
	s.record(func() { delete(s.shard.relationships, k) })
	return true, nil
}

func (s *fakeSession) UpdateRelationship(ctx context.Context, baseID, relID uint64, ctxID int, forward bool, oldValue, newValue []byte) (bool, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	r, ok := s.shard.relationships[relKey{baseID, ctxID, relID, forward}]
	if !ok || r.TimeRemoved != nil || string(r.Value) != string(oldValue) {
		return false, nil
	}
	old := r.Value
	r.Value = newValue
	s.record(func() { r.Value = old })
	return true, nil
}

func (s *fakeSession) SetRelationshipFlags(ctx context.Context, baseID, relID uint64, ctxID int, forward bool, add, clear int64) (int64, bool, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	r, ok := s.shard.relationships[relKey{baseID, ctxID, relID, forward}]
	if !ok || r.TimeRemoved != nil {
		return 0, false, nil
	}
	old := r.Flags
	r.Flags = (r.Flags &^ clear) | add
	s.record(func() { r.Flags = old })
	return r.Flags, true, nil
}

func (s *fakeSession) RemoveRelationship(ctx context.Context, baseID, relID uint64, ctxID int, forward bool) (bool, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	r, ok := s.shard.relationships[relKey{baseID, ctxID, relID, forward}]
	if !ok || r.TimeRemoved != nil {
		return false, nil
	}
	return markRemoved(&r.TimeRemoved, s), nil
}

// --- NameSession ---

func (s *fakeSession) ListNames(ctx context.Context, baseID uint64, ctxID int) ([]row.Name, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	var out []row.Name
	for _, r := range s.shard.names {
		if r.BaseID == baseID && r.Ctx == ctxID && r.TimeRemoved == nil {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pos < out[j].Pos })
	return out, nil
}

func (s *fakeSession) ShiftName(ctx context.Context, baseID uint64, ctxID int, value string, index int) (bool, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	target, ok := s.shard.names[nameKey{baseID, ctxID, value}]
	if !ok || target.TimeRemoved != nil {
		return false, nil
	}
	var rest []*row.Name
	for _, r := range s.shard.names {
		if r.BaseID == baseID && r.Ctx == ctxID && r.TimeRemoved == nil && r != target {
			rest = append(rest, r)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].Pos < rest[j].Pos })
	assign := func(r *row.Name, pos int) {
		old := r.Pos
		r.Pos = pos
		s.record(func() { r.Pos = old })
	}
	placeOrdered(len(rest), index,
		func(i, pos int) { assign(rest[i], pos) },
		func(pos int) { assign(target, pos) })
	return true, nil
}

func (s *fakeSession) InsertName(ctx context.Context, baseID uint64, ctxID int, value string, pos int, flags int64) (bool, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	if !s.shard.nodeLive(baseID) {
		return false, nil
	}
	k := nameKey{baseID, ctxID, value}
	if existing, ok := s.shard.names[k]; ok && existing.TimeRemoved == nil {
		return false, ErrDuplicate
	}
	s.shard.names[k] = &row.Name{BaseID: baseID, Ctx: ctxID, Value: value, Pos: pos, Flags: flags}
	s.record(func() { delete(s.shard.names, k) })
	return true, nil
}

func (s *fakeSession) RemoveName(ctx context.Context, baseID uint64, ctxID int, value string) (bool, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	r, ok := s.shard.names[nameKey{baseID, ctxID, value}]
	if !ok || r.TimeRemoved != nil {
		return false, nil
	}
	return markRemoved(&r.TimeRemoved, s), nil
}

func (s *fakeSession) SetNameFlags(ctx context.Context, baseID uint64, ctxID int, value string, add, clear int64) (int64, bool, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	r, ok := s.shard.names[nameKey{baseID, ctxID, value}]
	if !ok || r.TimeRemoved != nil {
		return 0, false, nil
	}
	old := r.Flags
	r.Flags = (r.Flags &^ clear) | add
	s.record(func() { r.Flags = old })
	return r.Flags, true, nil
}

func (s *fakeSession) SelectPrefixLookup(ctx context.Context, value string) (*row.NameLookup, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	for _, r := range s.shard.nameLookup {
		if r.Code == "" && r.Value == value && r.TimeRemoved == nil {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeSession) InsertPrefixLookup(ctx context.Context, baseID uint64, ctxID int, value string) (bool, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	for _, r := range s.shard.nameLookup {
		if r.Code == "" && r.Value == value && r.TimeRemoved == nil {
			return false, nil
		}
	}
	k := nameLookupKey{baseID, ctxID, value, ""}
	s.shard.nameLookup[k] = &row.NameLookup{BaseID: baseID, Ctx: ctxID, Value: value}
	s.record(func() { delete(s.shard.nameLookup, k) })
	return true, nil
}

func (s *fakeSession) RemovePrefixLookup(ctx context.Context, baseID uint64, ctxID int, value string) (bool, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	r, ok := s.shard.nameLookup[nameLookupKey{baseID, ctxID, value, ""}]
	if !ok || r.TimeRemoved != nil {
		return false, nil
	}
	return markRemoved(&r.TimeRemoved, s), nil
}

func (s *fakeSession) SetPrefixLookupFlags(ctx context.Context, value string, add, clear int64) (int64, bool, error) {
	return 0, true, nil
}

func (s *fakeSession) SelectPhoneticLookup(ctx context.Context, code string, baseID uint64, ctxValue string) (*row.NameLookup, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	for _, r := range s.shard.nameLookup {
		if r.Code == code && r.BaseID == baseID && r.Value == ctxValue && r.TimeRemoved == nil {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeSession) InsertPhoneticLookup(ctx context.Context, baseID uint64, ctxID int, code string, value string) (bool, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	k := nameLookupKey{baseID, ctxID, value, code}
	if existing, ok := s.shard.nameLookup[k]; ok && existing.TimeRemoved == nil {
		return false, nil
	}
	s.shard.nameLookup[k] = &row.NameLookup{BaseID: baseID, Ctx: ctxID, Value: value, Code: code}
	s.record(func() { delete(s.shard.nameLookup, k) })
	return true, nil
}

func (s *fakeSession) RemovePhoneticLookup(ctx context.Context, baseID uint64, ctxID int, code string, value string) (bool, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	r, ok := s.shard.nameLookup[nameLookupKey{baseID, ctxID, value, code}]
	if !ok || r.TimeRemoved != nil {
		return false, nil
	}
	return markRemoved(&r.TimeRemoved, s), nil
}

func (s *fakeSession) SetPhoneticLookupFlags(ctx context.Context, code string, baseID uint64, value string, add, clear int64) (int64, bool, error) {
	return 0, true, nil
}

func (s *fakeSession) SearchPrefix(ctx context.Context, ctxID int, value string, limit int) ([]row.Name, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	var out []row.Name
	for _, l := range s.shard.nameLookup {
		if l.Code != "" || l.Ctx != ctxID || l.TimeRemoved != nil {
			continue
		}
		if len(l.Value) < len(value) || l.Value[:len(value)] != value {
			continue
		}
		if n, ok := s.shard.names[nameKey{l.BaseID, l.Ctx, l.Value}]; ok && n.TimeRemoved == nil {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeSession) SearchPhonetic(ctx context.Context, ctxID int, code string, limit int) ([]row.Name, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	var out []row.Name
	for _, l := range s.shard.nameLookup {
		if l.Code != code || l.Ctx != ctxID || l.TimeRemoved != nil {
			continue
		}
		if n, ok := s.shard.names[nameKey{l.BaseID, l.Ctx, l.Value}]; ok && n.TimeRemoved == nil {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- NodeSession ---

func (s *fakeSession) InsertNode(ctx context.Context, id uint64, ctxID int) error {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	if existing, ok := s.shard.nodes[id]; ok && existing.TimeRemoved == nil {
		return ErrDuplicate
	}
	s.shard.nodes[id] = &row.Node{ID: id, Ctx: ctxID}
	s.record(func() { delete(s.shard.nodes, id) })
	return nil
}

func (s *fakeSession) SelectNode(ctx context.Context, id uint64) (*row.Node, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	r, ok := s.shard.nodes[id]
	if !ok || r.TimeRemoved != nil {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *fakeSession) ListEdges(ctx context.Context, baseID uint64, ctxID int) ([]row.Edge, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	var out []row.Edge
	for _, r := range s.shard.edges {
		if r.BaseID == baseID && r.Ctx == ctxID && r.TimeRemoved == nil {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pos < out[j].Pos })
	return out, nil
}

func (s *fakeSession) ShiftEdge(ctx context.Context, baseID uint64, ctxID int, childID uint64, index int) (bool, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	target, ok := s.shard.edges[edgeKey{baseID, ctxID, childID}]
	if !ok || target.TimeRemoved != nil {
		return false, nil
	}
	var rest []*row.Edge
	for _, r := range s.shard.edges {
		if r.BaseID == baseID && r.Ctx == ctxID && r.TimeRemoved == nil && r != target {
			rest = append(rest, r)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].Pos < rest[j].Pos })
	assign := func(r *row.Edge, pos int) {
		old := r.Pos
		r.Pos = pos
		s.record(func() { r.Pos = old })
	}
	placeOrdered(len(rest), index,
		func(i, pos int) { assign(rest[i], pos) },
		func(pos int) { assign(target, pos) })
	return true, nil
}

func (s *fakeSession) RemoveEdge(ctx context.Context, baseID uint64, ctxID int, childID uint64) (bool, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	r, ok := s.shard.edges[edgeKey{baseID, ctxID, childID}]
	if !ok || r.TimeRemoved != nil {
		return false, nil
	}
	return markRemoved(&r.TimeRemoved, s), nil
}

func (s *fakeSession) InsertEdge(ctx context.Context, baseID uint64, ctxID int, childID uint64, pos int) (bool, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	if !s.shard.nodeLive(baseID) {
		return false, nil
	}
	k := edgeKey{baseID, ctxID, childID}
	if existing, ok := s.shard.edges[k]; ok && existing.TimeRemoved == nil {
		return false, ErrDuplicate
	}
	s.shard.edges[k] = &row.Edge{BaseID: baseID, Ctx: ctxID, ChildID: childID, Pos: pos}
	s.record(func() { delete(s.shard.edges, k) })
	return true, nil
}

func (s *fakeSession) RemoveNodes(ctx context.Context, ids []uint64) ([]uint64, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	var removed []uint64
	for _, id := range ids {
		r, ok := s.shard.nodes[id]
		if !ok || r.TimeRemoved != nil {
			continue
		}
		if markRemoved(&r.TimeRemoved, s) {
			removed = append(removed, id)
		}
	}
	return removed, nil
}

func (s *fakeSession) RemoveProperties(ctx context.Context, baseIDs []uint64) error {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	set := toSetU64(baseIDs)
	for _, r := range s.shard.properties {
		if _, ok := set[r.BaseID]; ok && r.TimeRemoved == nil {
			markRemoved(&r.TimeRemoved, s)
		}
	}
	return nil
}

func (s *fakeSession) RemoveAliasesMulti(ctx context.Context, baseIDs []uint64) ([]RemovedAlias, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	set := toSetU64(baseIDs)
	var out []RemovedAlias
	for _, r := range s.shard.aliases {
		if _, ok := set[r.BaseID]; ok && r.TimeRemoved == nil {
			markRemoved(&r.TimeRemoved, s)
			out = append(out, RemovedAlias{BaseID: r.BaseID, Ctx: r.Ctx, Value: r.Value})
		}
	}
	return out, nil
}

func (s *fakeSession) RemoveNamesMulti(ctx context.Context, baseIDs []uint64) ([]RemovedName, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	set := toSetU64(baseIDs)
	var out []RemovedName
	for _, r := range s.shard.names {
		if _, ok := set[r.BaseID]; ok && r.TimeRemoved == nil {
			markRemoved(&r.TimeRemoved, s)
			out = append(out, RemovedName{BaseID: r.BaseID, Ctx: r.Ctx, Value: r.Value})
		}
	}
	return out, nil
}

func (s *fakeSession) RemoveRelationshipsMulti(ctx context.Context, baseIDs []uint64) ([]RemovedRelationship, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	set := toSetU64(baseIDs)
	var out []RemovedRelationship
	for _, r := range s.shard.relationships {
		if r.TimeRemoved != nil {
			continue
		}
		_, asBase := set[r.BaseID]
		_, asRel := set[r.RelID]
		if !asBase && !asRel {
			continue
		}
		markRemoved(&r.TimeRemoved, s)
		out = append(out, RemovedRelationship{BaseID: r.BaseID, Ctx: r.Ctx, Forward: r.Forward, RelID: r.RelID})
	}
	return out, nil
}

func (s *fakeSession) RemoveEdgesMulti(ctx context.Context, baseIDs []uint64) ([]uint64, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	set := toSetU64(baseIDs)
	var out []uint64
	for _, r := range s.shard.edges {
		if _, ok := set[r.BaseID]; ok && r.TimeRemoved == nil {
			markRemoved(&r.TimeRemoved, s)
			out = append(out, r.ChildID)
		}
	}
	return out, nil
}

func (s *fakeSession) RemoveAliasLookupsMulti(ctx context.Context, keys []AliasLookupKey) ([]AliasLookupKey, error) {
	var out []AliasLookupKey
	for _, k := range keys {
		s.shard.mu.Lock()
		r, ok := s.shard.aliasLookup[aliasLookupKey{k.Digest, k.Ctx}]
		if ok && r.TimeRemoved == nil {
			markRemoved(&r.TimeRemoved, s)
			out = append(out, k)
		}
		s.shard.mu.Unlock()
	}
	return out, nil
}

func (s *fakeSession) RemovePrefixLookupsMulti(ctx context.Context, keys []NameLookupKey) ([]NameLookupKey, error) {
	var out []NameLookupKey
	for _, k := range keys {
		ok, _ := s.RemovePrefixLookup(ctx, k.BaseID, k.Ctx, k.Value)
		if ok {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *fakeSession) RemovePhoneticLookupsMulti(ctx context.Context, keys []NameLookupKey) ([]NameLookupKey, error) {
	var out []NameLookupKey
	for _, k := range keys {
		s.shard.mu.Lock()
		for nk, r := range s.shard.nameLookup {
			if nk.baseID == k.BaseID && nk.ctx == k.Ctx && nk.value == k.Value && nk.code != "" && r.TimeRemoved == nil {
				markRemoved(&r.TimeRemoved, s)
				out = append(out, k)
				break
			}
		}
		s.shard.mu.Unlock()
	}
	return out, nil
}

func (s *fakeSession) RemoveRelationshipMirrorsMulti(ctx context.Context, items []RemovedRelationship) error {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	for _, it := range items {
		if r, ok := s.shard.relationships[relKey{it.BaseID, it.Ctx, it.RelID, it.Forward}]; ok && r.TimeRemoved == nil {
			markRemoved(&r.TimeRemoved, s)
		}
	}
	return nil
}

func (s *fakeSession) BulkReorderRelationships(ctx context.Context, keys []RelationshipEndpoint, forward bool) error {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	for _, k := range keys {
		var live []*row.Relationship
		for rk, r := range s.shard.relationships {
			if rk.ctx != k.Ctx || rk.forward != forward || r.TimeRemoved != nil {
				continue
			}
			if (forward && rk.baseID == k.ID) || (!forward && rk.relID == k.ID) {
				live = append(live, r)
			}
		}
		sort.Slice(live, func(i, j int) bool { return live[i].Index < live[j].Index })
		for i, r := range live {
			old := r.Index
			r.Index = i
			s.record(func() { r.Index = old })
		}
	}
	return nil
}

// --- PropertySession ---

func (s *fakeSession) UpsertProperty(ctx context.Context, baseID uint64, ctxID int, value []byte, flags int64) (bool, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	k := propKey{baseID, ctxID}
	if existing, ok := s.shard.properties[k]; ok && existing.TimeRemoved == nil {
		return false, nil
	}
	s.shard.properties[k] = &row.Property{BaseID: baseID, Ctx: ctxID, Value: value, Flags: flags}
	s.record(func() { delete(s.shard.properties, k) })
	return true, nil
}

func (s *fakeSession) UpdateProperty(ctx context.Context, baseID uint64, ctxID int, value []byte) (bool, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	r, ok := s.shard.properties[propKey{baseID, ctxID}]
	if !ok || r.TimeRemoved != nil {
		return false, nil
	}
	old := r.Value
	r.Value = value
	s.record(func() { r.Value = old })
	return true, nil
}

func (s *fakeSession) SelectProperty(ctx context.Context, baseID uint64, ctxID int) (*row.Property, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	r, ok := s.shard.properties[propKey{baseID, ctxID}]
	if !ok || r.TimeRemoved != nil {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *fakeSession) RemoveProperty(ctx context.Context, baseID uint64, ctxID int) (bool, error) {
	s.shard.mu.Lock()
	defer s.shard.mu.Unlock()
	r, ok := s.shard.properties[propKey{baseID, ctxID}]
	if !ok || r.TimeRemoved != nil {
		return false, nil
	}
	return markRemoved(&r.TimeRemoved, s), nil
}

// placeOrdered renumbers an ordered list of n rows plus one moved row:
// the moved row lands at index (clamped to the end of the list), the
// rest keep their relative order and fill the remaining positions
// densely from 0.
func placeOrdered(n, index int, rest func(i, pos int), target func(pos int)) {
	if index < 0 {
		index = 0
	}
	if index > n {
		index = n
	}
	pos := 0
	for i := 0; i < n; i++ {
		if pos == index {
			pos++
		}
		rest(i, pos)
		pos++
	}
	target(index)
}

func toSetU64(ids []uint64) map[uint64]struct{} {
	set := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
