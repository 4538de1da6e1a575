package query

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/lib/pq"

	"github.com/cameron/datahog/conf"
	"github.com/cameron/datahog/row"
)

// Postgres is the production Backend: one *sql.DB per configured shard,
// opened lazily and kept for the pool's lifetime.
type Postgres struct {
	cfg conf.Config

	mu  sync.Mutex
	dbs map[uint64]*sql.DB
}

// NewPostgres builds a Postgres backend from cfg. It opens no
// connections until the first Open call for a given shard.
func NewPostgres(cfg conf.Config) *Postgres {
	return &Postgres{cfg: cfg, dbs: make(map[uint64]*sql.DB)}
}

func (b *Postgres) dbFor(shard uint64) (*sql.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if db, ok := b.dbs[shard]; ok {
		return db, nil
	}
	for _, sd := range b.cfg.Shards {
		if sd.ShardID != shard {
			continue
		}
		driver := b.cfg.Driver
		if driver == "" {
			driver = "postgres"
		}
		db, err := sql.Open(driver, sd.DSN)
		if err != nil {
			return nil, fmt.Errorf("query: opening shard %d: %w", shard, err)
		}
		b.dbs[shard] = db
		return db, nil
	}
	return nil, fmt.Errorf("query: no shard %d configured", shard)
}

// Open implements Backend.
func (b *Postgres) Open(ctx context.Context, shard uint64) (Session, error) {
	db, err := b.dbFor(shard)
	if err != nil {
		return nil, err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &pgSession{conn: conn}, nil
}

// pgSession drives one borrowed *sql.Conn through a single prepared
// transaction, and answers entity queries against it.
type pgSession struct {
	conn *sql.Conn
	tx   *sql.Tx
}

func (s *pgSession) Close() error { return s.conn.Close() }

func (s *pgSession) exec(ctx context.Context, q string, args ...interface{}) (sql.Result, error) {
	if s.tx != nil {
		return s.tx.ExecContext(ctx, q, args...)
	}
	return s.conn.ExecContext(ctx, q, args...)
}

func (s *pgSession) query(ctx context.Context, q string, args ...interface{}) (*sql.Rows, error) {
	if s.tx != nil {
		return s.tx.QueryContext(ctx, q, args...)
	}
	return s.conn.QueryContext(ctx, q, args...)
}

func (s *pgSession) queryRow(ctx context.Context, q string, args ...interface{}) *sql.Row {
	if s.tx != nil {
		return s.tx.QueryRowContext(ctx, q, args...)
	}
	return s.conn.QueryRowContext(ctx, q, args...)
}

// --- TxSession ---

func (s *pgSession) Begin(ctx context.Context) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	s.tx = tx
	return nil
}

func (s *pgSession) Prepare(ctx context.Context, xid string) error {
	_, err := s.conn.ExecContext(ctx, fmt.Sprintf("PREPARE TRANSACTION %s", pq.QuoteLiteral(xid)))
	s.tx = nil
	return err
}

func (s *pgSession) Rollback(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback()
	s.tx = nil
	return err
}

func (s *pgSession) CommitPrepared(ctx context.Context, xid string) error {
	_, err := s.conn.ExecContext(ctx, fmt.Sprintf("COMMIT PREPARED %s", pq.QuoteLiteral(xid)))
	return err
}

func (s *pgSession) RollbackPrepared(ctx context.Context, xid string) error {
	_, err := s.conn.ExecContext(ctx, fmt.Sprintf("ROLLBACK PREPARED %s", pq.QuoteLiteral(xid)))
	return err
}

// --- AliasSession ---

func (s *pgSession) SelectAliasLookup(ctx context.Context, digest []byte, ctxID int) (*row.AliasLookup, error) {
	var r row.AliasLookup
	r.Digest, r.Ctx = digest, ctxID
	var baseID int64
	err := s.queryRow(ctx, `SELECT base_id, flags, time_removed FROM alias_lookup WHERE digest=$1 AND ctx=$2`,
		digest, ctxID).Scan(&baseID, &r.Flags, &r.TimeRemoved)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.BaseID = uint64(baseID)
	return &r, nil
}

func (s *pgSession) MaybeInsertAliasLookup(ctx context.Context, digest []byte, ctxID int, baseID uint64, flags int64) (bool, uint64, error) {
	_, err := s.exec(ctx, `INSERT INTO alias_lookup (digest, ctx, base_id, flags) VALUES ($1,$2,$3,$4)`,
		digest, ctxID, int64(baseID), flags)
	if err == nil {
		return true, baseID, nil
	}
	if !IsUniqueViolation(err) {
		return false, 0, err
	}
	existing, selErr := s.SelectAliasLookup(ctx, digest, ctxID)
	if selErr != nil {
		return false, 0, selErr
	}
	if existing == nil {
		return false, 0, err
	}
	return false, existing.BaseID, nil
}

func (s *pgSession) InsertAlias(ctx context.Context, baseID uint64, ctxID int, value string, index int, flags int64) (bool, error) {
	res, err := s.exec(ctx, `INSERT INTO aliases (base_id, ctx, value, index, flags)
		SELECT $1,$2,$3,$4,$5 WHERE EXISTS
		(SELECT 1 FROM nodes WHERE id=$1 AND time_removed IS NULL)`,
		int64(baseID), ctxID, value, index, flags)
	return affected(res, err)
}

func (s *pgSession) SetAliasLookupFlags(ctx context.Context, digest []byte, ctxID int, add, clear int64) (int64, bool, error) {
	var newFlags int64
	err := s.queryRow(ctx, `UPDATE alias_lookup SET flags = (flags & ~$3) | $4
		WHERE digest=$1 AND ctx=$2 AND time_removed IS NULL RETURNING flags`,
		digest, ctxID, clear, add).Scan(&newFlags)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return newFlags, true, nil
}

func (s *pgSession) SetAliasFlags(ctx context.Context, baseID uint64, ctxID int, value string, add, clear int64) (int64, bool, error) {
	var newFlags int64
	err := s.queryRow(ctx, `UPDATE aliases SET flags = (flags & ~$4) | $5
		WHERE base_id=$1 AND ctx=$2 AND value=$3 AND time_removed IS NULL RETURNING flags`,
		int64(baseID), ctxID, value, clear, add).Scan(&newFlags)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return newFlags, true, nil
}

func (s *pgSession) RemoveAliasLookup(ctx context.Context, digest []byte, ctxID int, baseID uint64) (bool, error) {
	res, err := s.exec(ctx, `UPDATE alias_lookup SET time_removed=now()
		WHERE digest=$1 AND ctx=$2 AND base_id=$3 AND time_removed IS NULL`,
		digest, ctxID, int64(baseID))
	return affected(res, err)
}

func (s *pgSession) RemoveAlias(ctx context.Context, baseID uint64, ctxID int, value string) (bool, error) {
	res, err := s.exec(ctx, `UPDATE aliases SET time_removed=now()
		WHERE base_id=$1 AND ctx=$2 AND value=$3 AND time_removed IS NULL`,
		int64(baseID), ctxID, value)
	return affected(res, err)
}

// --- RelationshipSession ---

func (s *pgSession) SelectAlias(ctx context.Context, baseID uint64, ctxID int, value string) (*row.Alias, error) {
	var r row.Alias
	var id int64
	err := s.queryRow(ctx, `SELECT base_id, ctx, value, index, flags FROM aliases
		WHERE base_id=$1 AND ctx=$2 AND value=$3 AND time_removed IS NULL`,
		int64(baseID), ctxID, value).Scan(&id, &r.Ctx, &r.Value, &r.Index, &r.Flags)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.BaseID = uint64(id)
	return &r, nil
}

func (s *pgSession) ListAliases(ctx context.Context, baseID uint64, ctxID int) ([]row.Alias, error) {
	rows, err := s.query(ctx, `SELECT base_id, ctx, value, index, flags FROM aliases
		WHERE base_id=$1 AND ctx=$2 AND time_removed IS NULL ORDER BY index`,
		int64(baseID), ctxID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []row.Alias
	for rows.Next() {
		var r row.Alias
		var id int64
		if err := rows.Scan(&id, &r.Ctx, &r.Value, &r.Index, &r.Flags); err != nil {
			return nil, err
		}
		r.BaseID = uint64(id)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *pgSession) ShiftAlias(ctx context.Context, baseID uint64, ctxID int, value string, index int) (bool, error) {
	var one int
	err := s.queryRow(ctx, `SELECT 1 FROM aliases
		WHERE base_id=$1 AND ctx=$2 AND value=$3 AND time_removed IS NULL`,
		int64(baseID), ctxID, value).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	rows, err := s.query(ctx, `SELECT value FROM aliases
		WHERE base_id=$1 AND ctx=$2 AND value<>$3 AND time_removed IS NULL ORDER BY index`,
		int64(baseID), ctxID, value)
	if err != nil {
		return false, err
	}
	rest, err := scanStrings(rows)
	if err != nil {
		return false, err
	}
	return true, renumberOrdered(len(rest), index,
		func(i, pos int) error {
			_, err := s.exec(ctx, `UPDATE aliases SET index=$4
				WHERE base_id=$1 AND ctx=$2 AND value=$3`, int64(baseID), ctxID, rest[i], pos)
			return err
		},
		func(pos int) error {
			_, err := s.exec(ctx, `UPDATE aliases SET index=$4
				WHERE base_id=$1 AND ctx=$2 AND value=$3`, int64(baseID), ctxID, value, pos)
			return err
		})
}

func (s *pgSession) InsertRelationship(ctx context.Context, baseID, relID uint64, ctxID int, value []byte, forward bool, index int, flags int64) (bool, error) {
	// The row hangs off whichever endpoint lives on this shard: the
	// base for forward rows, the rel for reverse rows.
	res, err := s.exec(ctx, `INSERT INTO relationships (base_id, ctx, rel_id, forward, index, value, flags)
		SELECT $1,$2,$3,$4,$5,$6,$7 WHERE EXISTS
		(SELECT 1 FROM nodes WHERE id = CASE WHEN $4 THEN $1 ELSE $3 END AND time_removed IS NULL)`,
		int64(baseID), ctxID, int64(relID), forward, index, value, flags)
	return affected(res, err)
}

func (s *pgSession) SelectRelationship(ctx context.Context, baseID, relID uint64, ctxID int, forward bool) (*row.Relationship, error) {
	var r row.Relationship
	var base, rel int64
	err := s.queryRow(ctx, `SELECT base_id, ctx, rel_id, forward, index, value, flags FROM relationships
		WHERE base_id=$1 AND ctx=$2 AND rel_id=$3 AND forward=$4 AND time_removed IS NULL`,
		int64(baseID), ctxID, int64(relID), forward).Scan(&base, &r.Ctx, &rel, &r.Forward, &r.Index, &r.Value, &r.Flags)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.BaseID, r.RelID = uint64(base), uint64(rel)
	return &r, nil
}

func (s *pgSession) ListRelationships(ctx context.Context, id uint64, ctxID int, asBase, forward bool) ([]row.Relationship, error) {
	col := "base_id"
	if !asBase {
		col = "rel_id"
	}
	rows, err := s.query(ctx, `SELECT base_id, ctx, rel_id, forward, index, value, flags FROM relationships
		WHERE `+col+`=$1 AND ctx=$2 AND forward=$3 AND time_removed IS NULL ORDER BY index`,
		int64(id), ctxID, forward)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []row.Relationship
	for rows.Next() {
		var r row.Relationship
		var base, rel int64
		if err := rows.Scan(&base, &r.Ctx, &rel, &r.Forward, &r.Index, &r.Value, &r.Flags); err != nil {
			return nil, err
		}
		r.BaseID, r.RelID = uint64(base), uint64(rel)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *pgSession) ShiftRelationship(ctx context.Context, baseID, relID uint64, ctxID int, forward bool, index int) (bool, error) {
	var one int
	err := s.queryRow(ctx, `SELECT 1 FROM relationships
		WHERE base_id=$1 AND ctx=$2 AND rel_id=$3 AND forward=$4 AND time_removed IS NULL`,
		int64(baseID), ctxID, int64(relID), forward).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	// Siblings share base_id on the forward side and rel_id on the
	// reverse side.
	ownerCol, otherCol := "base_id", "rel_id"
	owner, other := int64(baseID), int64(relID)
	if !forward {
		ownerCol, otherCol = "rel_id", "base_id"
		owner, other = int64(relID), int64(baseID)
	}
	rows, err := s.query(ctx, `SELECT `+otherCol+` FROM relationships
		WHERE `+ownerCol+`=$1 AND ctx=$2 AND forward=$3 AND `+otherCol+`<>$4 AND time_removed IS NULL ORDER BY index`,
		owner, ctxID, forward, other)
	if err != nil {
		return false, err
	}
	rest, err := scanInt64s(rows)
	if err != nil {
		return false, err
	}
	return true, renumberOrdered(len(rest), index,
		func(i, pos int) error {
			_, err := s.exec(ctx, `UPDATE relationships SET index=$5
				WHERE `+ownerCol+`=$1 AND ctx=$2 AND `+otherCol+`=$3 AND forward=$4`,
				owner, ctxID, rest[i], forward, pos)
			return err
		},
		func(pos int) error {
			_, err := s.exec(ctx, `UPDATE relationships SET index=$5
				WHERE `+ownerCol+`=$1 AND ctx=$2 AND `+otherCol+`=$3 AND forward=$4`,
				owner, ctxID, other, forward, pos)
			return err
		})
}

func (s *pgSession) UpdateRelationship(ctx context.Context, baseID, relID uint64, ctxID int, forward bool, oldValue, newValue []byte) (bool, error) {
	res, err := s.exec(ctx, `UPDATE relationships SET value=$5
		WHERE base_id=$1 AND ctx=$2 AND rel_id=$3 AND forward=$4 AND value=$6 AND time_removed IS NULL`,
		int64(baseID), ctxID, int64(relID), forward, newValue, oldValue)
	return affected(res, err)
}

func (s *pgSession) SetRelationshipFlags(ctx context.Context, baseID, relID uint64, ctxID int, forward bool, add, clear int64) (int64, bool, error) {
	var newFlags int64
	err := s.queryRow(ctx, `UPDATE relationships SET flags = (flags & ~$5) | $6
		WHERE base_id=$1 AND ctx=$2 AND rel_id=$3 AND forward=$4 AND time_removed IS NULL RETURNING flags`,
		int64(baseID), ctxID, int64(relID), forward, clear, add).Scan(&newFlags)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return newFlags, true, nil
}

func (s *pgSession) RemoveRelationship(ctx context.Context, baseID, relID uint64, ctxID int, forward bool) (bool, error) {
	res, err := s.exec(ctx, `UPDATE relationships SET time_removed=now()
		WHERE base_id=$1 AND ctx=$2 AND rel_id=$3 AND forward=$4 AND time_removed IS NULL`,
		int64(baseID), ctxID, int64(relID), forward)
	return affected(res, err)
}

// --- NameSession ---

func (s *pgSession) ListNames(ctx context.Context, baseID uint64, ctxID int) ([]row.Name, error) {
	rows, err := s.query(ctx, `SELECT base_id, ctx, value, pos, flags, time_removed FROM names
		WHERE base_id=$1 AND ctx=$2 AND time_removed IS NULL ORDER BY pos`,
		int64(baseID), ctxID)
	if err != nil {
		return nil, err
	}
	return scanNames(rows)
}

func (s *pgSession) ShiftName(ctx context.Context, baseID uint64, ctxID int, value string, index int) (bool, error) {
	var one int
	err := s.queryRow(ctx, `SELECT 1 FROM names
		WHERE base_id=$1 AND ctx=$2 AND value=$3 AND time_removed IS NULL`,
		int64(baseID), ctxID, value).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	rows, err := s.query(ctx, `SELECT value FROM names
		WHERE base_id=$1 AND ctx=$2 AND value<>$3 AND time_removed IS NULL ORDER BY pos`,
		int64(baseID), ctxID, value)
	if err != nil {
		return false, err
	}
	rest, err := scanStrings(rows)
	if err != nil {
		return false, err
	}
	return true, renumberOrdered(len(rest), index,
		func(i, pos int) error {
			_, err := s.exec(ctx, `UPDATE names SET pos=$4
				WHERE base_id=$1 AND ctx=$2 AND value=$3`, int64(baseID), ctxID, rest[i], pos)
			return err
		},
		func(pos int) error {
			_, err := s.exec(ctx, `UPDATE names SET pos=$4
				WHERE base_id=$1 AND ctx=$2 AND value=$3`, int64(baseID), ctxID, value, pos)
			return err
		})
}

func (s *pgSession) InsertName(ctx context.Context, baseID uint64, ctxID int, value string, pos int, flags int64) (bool, error) {
	res, err := s.exec(ctx, `INSERT INTO names (base_id, ctx, value, pos, flags)
		SELECT $1,$2,$3,$4,$5 WHERE EXISTS
		(SELECT 1 FROM nodes WHERE id=$1 AND time_removed IS NULL)`,
		int64(baseID), ctxID, value, pos, flags)
	return affected(res, err)
}

func (s *pgSession) RemoveName(ctx context.Context, baseID uint64, ctxID int, value string) (bool, error) {
	res, err := s.exec(ctx, `UPDATE names SET time_removed=now()
		WHERE base_id=$1 AND ctx=$2 AND value=$3 AND time_removed IS NULL`,
		int64(baseID), ctxID, value)
	return affected(res, err)
}

func (s *pgSession) SetNameFlags(ctx context.Context, baseID uint64, ctxID int, value string, add, clear int64) (int64, bool, error) {
	var newFlags int64
	err := s.queryRow(ctx, `UPDATE names SET flags = (flags & ~$4) | $5
		WHERE base_id=$1 AND ctx=$2 AND value=$3 AND time_removed IS NULL RETURNING flags`,
		int64(baseID), ctxID, value, clear, add).Scan(&newFlags)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return newFlags, true, nil
}

func (s *pgSession) SelectPrefixLookup(ctx context.Context, value string) (*row.NameLookup, error) {
	var r row.NameLookup
	r.Value = value
	var baseID int64
	err := s.queryRow(ctx, `SELECT base_id, ctx, time_removed FROM name_lookup WHERE value=$1 AND code=''`, value).
		Scan(&baseID, &r.Ctx, &r.TimeRemoved)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.BaseID = uint64(baseID)
	return &r, nil
}

func (s *pgSession) InsertPrefixLookup(ctx context.Context, baseID uint64, ctxID int, value string) (bool, error) {
	_, err := s.exec(ctx, `INSERT INTO name_lookup (base_id, ctx, value, code) VALUES ($1,$2,$3,'')`,
		int64(baseID), ctxID, value)
	if IsUniqueViolation(err) {
		return false, nil
	}
	return err == nil, err
}

func (s *pgSession) RemovePrefixLookup(ctx context.Context, baseID uint64, ctxID int, value string) (bool, error) {
	res, err := s.exec(ctx, `UPDATE name_lookup SET time_removed=now()
		WHERE base_id=$1 AND ctx=$2 AND value=$3 AND code='' AND time_removed IS NULL`,
		int64(baseID), ctxID, value)
	return affected(res, err)
}

func (s *pgSession) SetPrefixLookupFlags(ctx context.Context, value string, add, clear int64) (int64, bool, error) {
	// name_lookup carries no flags of its own; prefix-lookup
	// flag changes only ever mirror the owning name row, so this is a
	// no-op success used by plans that apply flags uniformly across
	// every mirror.
	return 0, true, nil
}

func (s *pgSession) SelectPhoneticLookup(ctx context.Context, code string, baseID uint64, ctxValue string) (*row.NameLookup, error) {
	var r row.NameLookup
	r.Code = code
	var id int64
	err := s.queryRow(ctx, `SELECT base_id, ctx, value, time_removed FROM name_lookup
		WHERE code=$1 AND base_id=$2 AND value=$3`, code, int64(baseID), ctxValue).
		Scan(&id, &r.Ctx, &r.Value, &r.TimeRemoved)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.BaseID = uint64(id)
	return &r, nil
}

func (s *pgSession) InsertPhoneticLookup(ctx context.Context, baseID uint64, ctxID int, code string, value string) (bool, error) {
	_, err := s.exec(ctx, `INSERT INTO name_lookup (base_id, ctx, value, code) VALUES ($1,$2,$3,$4)`,
		int64(baseID), ctxID, value, code)
	if IsUniqueViolation(err) {
		return false, nil
	}
	return err == nil, err
}

func (s *pgSession) RemovePhoneticLookup(ctx context.Context, baseID uint64, ctxID int, code string, value string) (bool, error) {
	res, err := s.exec(ctx, `UPDATE name_lookup SET time_removed=now()
		WHERE base_id=$1 AND ctx=$2 AND value=$3 AND code=$4 AND time_removed IS NULL`,
		int64(baseID), ctxID, value, code)
	return affected(res, err)
}

func (s *pgSession) SetPhoneticLookupFlags(ctx context.Context, code string, baseID uint64, value string, add, clear int64) (int64, bool, error) {
	return 0, true, nil
}

func (s *pgSession) SearchPrefix(ctx context.Context, ctxID int, value string, limit int) ([]row.Name, error) {
	rows, err := s.query(ctx, `SELECT n.base_id, n.ctx, n.value, n.pos, n.flags, n.time_removed
		FROM name_lookup l JOIN names n ON n.base_id=l.base_id AND n.ctx=l.ctx AND n.value=l.value
		WHERE l.code='' AND l.ctx=$1 AND l.value LIKE $2 AND l.time_removed IS NULL
		ORDER BY l.value LIMIT $3`, ctxID, value+"%", limit)
	if err != nil {
		return nil, err
	}
	return scanNames(rows)
}

func (s *pgSession) SearchPhonetic(ctx context.Context, ctxID int, code string, limit int) ([]row.Name, error) {
	rows, err := s.query(ctx, `SELECT n.base_id, n.ctx, n.value, n.pos, n.flags, n.time_removed
		FROM name_lookup l JOIN names n ON n.base_id=l.base_id AND n.ctx=l.ctx AND n.value=l.value
		WHERE l.code=$1 AND l.ctx=$2 AND l.time_removed IS NULL
		ORDER BY n.value LIMIT $3`, code, ctxID, limit)
	if err != nil {
		return nil, err
	}
	return scanNames(rows)
}

func scanNames(rows *sql.Rows) ([]row.Name, error) {
	defer rows.Close()
	var out []row.Name
	for rows.Next() {
		var n row.Name
		var baseID int64
		if err := rows.Scan(&baseID, &n.Ctx, &n.Value, &n.Pos, &n.Flags, &n.TimeRemoved); err != nil {
			return nil, err
		}
		n.BaseID = uint64(baseID)
		out = append(out, n)
	}
	return out, rows.Err()
}

// --- NodeSession ---

func (s *pgSession) InsertNode(ctx context.Context, id uint64, ctxID int) error {
	_, err := s.exec(ctx, `INSERT INTO nodes (id, ctx) VALUES ($1,$2)`, int64(id), ctxID)
	return err
}

func (s *pgSession) SelectNode(ctx context.Context, id uint64) (*row.Node, error) {
	var r row.Node
	var rid int64
	err := s.queryRow(ctx, `SELECT id, ctx FROM nodes
		WHERE id=$1 AND time_removed IS NULL`, int64(id)).Scan(&rid, &r.Ctx)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.ID = uint64(rid)
	return &r, nil
}

func (s *pgSession) ListEdges(ctx context.Context, baseID uint64, ctxID int) ([]row.Edge, error) {
	rows, err := s.query(ctx, `SELECT base_id, ctx, child_id, pos FROM edges
		WHERE base_id=$1 AND ctx=$2 AND time_removed IS NULL ORDER BY pos`,
		int64(baseID), ctxID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []row.Edge
	for rows.Next() {
		var r row.Edge
		var base, child int64
		if err := rows.Scan(&base, &r.Ctx, &child, &r.Pos); err != nil {
			return nil, err
		}
		r.BaseID, r.ChildID = uint64(base), uint64(child)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *pgSession) ShiftEdge(ctx context.Context, baseID uint64, ctxID int, childID uint64, index int) (bool, error) {
	var one int
	err := s.queryRow(ctx, `SELECT 1 FROM edges
		WHERE base_id=$1 AND ctx=$2 AND child_id=$3 AND time_removed IS NULL`,
		int64(baseID), ctxID, int64(childID)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	rows, err := s.query(ctx, `SELECT child_id FROM edges
		WHERE base_id=$1 AND ctx=$2 AND child_id<>$3 AND time_removed IS NULL ORDER BY pos`,
		int64(baseID), ctxID, int64(childID))
	if err != nil {
		return false, err
	}
	rest, err := scanInt64s(rows)
	if err != nil {
		return false, err
	}
	return true, renumberOrdered(len(rest), index,
		func(i, pos int) error {
			_, err := s.exec(ctx, `UPDATE edges SET pos=$4
				WHERE base_id=$1 AND ctx=$2 AND child_id=$3`, int64(baseID), ctxID, rest[i], pos)
			return err
		},
		func(pos int) error {
			_, err := s.exec(ctx, `UPDATE edges SET pos=$4
				WHERE base_id=$1 AND ctx=$2 AND child_id=$3`, int64(baseID), ctxID, int64(childID), pos)
			return err
		})
}

func (s *pgSession) RemoveEdge(ctx context.Context, baseID uint64, ctxID int, childID uint64) (bool, error) {
	res, err := s.exec(ctx, `UPDATE edges SET time_removed=now()
		WHERE base_id=$1 AND ctx=$2 AND child_id=$3 AND time_removed IS NULL`,
		int64(baseID), ctxID, int64(childID))
	return affected(res, err)
}

func (s *pgSession) InsertEdge(ctx context.Context, baseID uint64, ctxID int, childID uint64, pos int) (bool, error) {
	res, err := s.exec(ctx, `INSERT INTO edges (base_id, ctx, child_id, pos)
		SELECT $1,$2,$3,$4 WHERE EXISTS
		(SELECT 1 FROM nodes WHERE id=$1 AND time_removed IS NULL)`,
		int64(baseID), ctxID, int64(childID), pos)
	return affected(res, err)
}

func (s *pgSession) RemoveNodes(ctx context.Context, ids []uint64) ([]uint64, error) {
	rows, err := s.query(ctx, `UPDATE nodes SET time_removed=now()
		WHERE id = ANY($1) AND time_removed IS NULL RETURNING id`, pq.Array(toInt64s(ids)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []uint64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, uint64(id))
	}
	return out, rows.Err()
}

func (s *pgSession) RemoveProperties(ctx context.Context, baseIDs []uint64) error {
	_, err := s.exec(ctx, `UPDATE properties SET time_removed=now()
		WHERE base_id = ANY($1) AND time_removed IS NULL`, pq.Array(toInt64s(baseIDs)))
	return err
}

func (s *pgSession) RemoveAliasesMulti(ctx context.Context, baseIDs []uint64) ([]RemovedAlias, error) {
	rows, err := s.query(ctx, `UPDATE aliases SET time_removed=now()
		WHERE base_id = ANY($1) AND time_removed IS NULL RETURNING base_id, ctx, value`, pq.Array(toInt64s(baseIDs)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RemovedAlias
	for rows.Next() {
		var r RemovedAlias
		var baseID int64
		if err := rows.Scan(&baseID, &r.Ctx, &r.Value); err != nil {
			return nil, err
		}
		r.BaseID = uint64(baseID)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *pgSession) RemoveNamesMulti(ctx context.Context, baseIDs []uint64) ([]RemovedName, error) {
	rows, err := s.query(ctx, `UPDATE names SET time_removed=now()
		WHERE base_id = ANY($1) AND time_removed IS NULL RETURNING base_id, ctx, value`, pq.Array(toInt64s(baseIDs)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RemovedName
	for rows.Next() {
		var r RemovedName
		var baseID int64
		if err := rows.Scan(&baseID, &r.Ctx, &r.Value); err != nil {
			return nil, err
		}
		r.BaseID = uint64(baseID)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *pgSession) RemoveRelationshipsMulti(ctx context.Context, baseIDs []uint64) ([]RemovedRelationship, error) {
	// Every row on this shard involving a removed id goes: forward rows
	// it owns and reverse rows pointing at it.
	rows, err := s.query(ctx, `UPDATE relationships SET time_removed=now()
		WHERE (base_id = ANY($1) OR rel_id = ANY($1)) AND time_removed IS NULL
		RETURNING base_id, ctx, forward, rel_id`, pq.Array(toInt64s(baseIDs)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RemovedRelationship
	for rows.Next() {
		var r RemovedRelationship
		var baseID, relID int64
		if err := rows.Scan(&baseID, &r.Ctx, &r.Forward, &relID); err != nil {
			return nil, err
		}
		r.BaseID, r.RelID = uint64(baseID), uint64(relID)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *pgSession) RemoveEdgesMulti(ctx context.Context, baseIDs []uint64) ([]uint64, error) {
	rows, err := s.query(ctx, `UPDATE edges SET time_removed=now()
		WHERE base_id = ANY($1) AND time_removed IS NULL RETURNING child_id`, pq.Array(toInt64s(baseIDs)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []uint64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, uint64(id))
	}
	return out, rows.Err()
}

func (s *pgSession) RemoveAliasLookupsMulti(ctx context.Context, keys []AliasLookupKey) ([]AliasLookupKey, error) {
	var out []AliasLookupKey
	for _, k := range keys {
		res, err := s.exec(ctx, `UPDATE alias_lookup SET time_removed=now()
			WHERE digest=$1 AND ctx=$2 AND time_removed IS NULL`, []byte(k.Digest), k.Ctx)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *pgSession) RemovePrefixLookupsMulti(ctx context.Context, keys []NameLookupKey) ([]NameLookupKey, error) {
	var out []NameLookupKey
	for _, k := range keys {
		ok, err := s.RemovePrefixLookup(ctx, k.BaseID, k.Ctx, k.Value)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *pgSession) RemovePhoneticLookupsMulti(ctx context.Context, keys []NameLookupKey) ([]NameLookupKey, error) {
	var out []NameLookupKey
	for _, k := range keys {
		res, err := s.exec(ctx, `UPDATE name_lookup SET time_removed=now()
			WHERE base_id=$1 AND ctx=$2 AND value=$3 AND code<>'' AND time_removed IS NULL`,
			int64(k.BaseID), k.Ctx, k.Value)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *pgSession) RemoveRelationshipMirrorsMulti(ctx context.Context, items []RemovedRelationship) error {
	for _, it := range items {
		if _, err := s.exec(ctx, `UPDATE relationships SET time_removed=now()
			WHERE base_id=$1 AND ctx=$2 AND rel_id=$3 AND forward=$4 AND time_removed IS NULL`,
			int64(it.BaseID), it.Ctx, int64(it.RelID), it.Forward); err != nil {
			return err
		}
	}
	return nil
}

func (s *pgSession) BulkReorderRelationships(ctx context.Context, keys []RelationshipEndpoint, forward bool) error {
	// The list owner is base_id for forward rows, rel_id for reverse.
	ownerCol, otherCol := "base_id", "rel_id"
	if !forward {
		ownerCol, otherCol = "rel_id", "base_id"
	}
	for _, k := range keys {
		rows, err := s.query(ctx, `SELECT `+otherCol+` FROM relationships
			WHERE `+ownerCol+`=$1 AND ctx=$2 AND forward=$3 AND time_removed IS NULL ORDER BY index`,
			int64(k.ID), k.Ctx, forward)
		if err != nil {
			return err
		}
		others, err := scanInt64s(rows)
		if err != nil {
			return err
		}
		for i, other := range others {
			if _, err := s.exec(ctx, `UPDATE relationships SET index=$4
				WHERE `+ownerCol+`=$1 AND ctx=$2 AND `+otherCol+`=$3 AND forward=$5`,
				int64(k.ID), k.Ctx, other, i, forward); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- PropertySession ---

func (s *pgSession) UpsertProperty(ctx context.Context, baseID uint64, ctxID int, value []byte, flags int64) (bool, error) {
	_, err := s.exec(ctx, `INSERT INTO properties (base_id, ctx, value, flags) VALUES ($1,$2,$3,$4)`,
		int64(baseID), ctxID, value, flags)
	if IsUniqueViolation(err) {
		return false, nil
	}
	return err == nil, err
}

func (s *pgSession) UpdateProperty(ctx context.Context, baseID uint64, ctxID int, value []byte) (bool, error) {
	res, err := s.exec(ctx, `UPDATE properties SET value=$3
		WHERE base_id=$1 AND ctx=$2 AND time_removed IS NULL`, int64(baseID), ctxID, value)
	return affected(res, err)
}

func (s *pgSession) SelectProperty(ctx context.Context, baseID uint64, ctxID int) (*row.Property, error) {
	var r row.Property
	var id int64
	err := s.queryRow(ctx, `SELECT base_id, ctx, value, flags FROM properties
		WHERE base_id=$1 AND ctx=$2 AND time_removed IS NULL`,
		int64(baseID), ctxID).Scan(&id, &r.Ctx, &r.Value, &r.Flags)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.BaseID = uint64(id)
	return &r, nil
}

func (s *pgSession) RemoveProperty(ctx context.Context, baseID uint64, ctxID int) (bool, error) {
	res, err := s.exec(ctx, `UPDATE properties SET time_removed=now()
		WHERE base_id=$1 AND ctx=$2 AND time_removed IS NULL`, int64(baseID), ctxID)
	return affected(res, err)
}

// renumberOrdered walks the dense position assignment for a list of n
// unmoved rows plus one moved row landing at index (clamped to the end
// of the list), invoking the update callbacks with each row's new
// position.
func renumberOrdered(n, index int, rest func(i, pos int) error, target func(pos int) error) error {
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
		if err := rest(i, pos); err != nil {
			return err
		}
		pos++
	}
	return target(index)
}

func scanInt64s(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func toInt64s(ids []uint64) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}
