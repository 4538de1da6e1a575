package query

import (
	"context"
	"database/sql"
)

// schemaDDL is the per-shard Postgres schema backing the row kinds in
// package row. Every table carries time_removed so removal is a
// tombstone, never a delete.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS nodes (
		id BIGINT PRIMARY KEY,
		ctx INTEGER NOT NULL,
		time_removed TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS properties (
		base_id BIGINT NOT NULL,
		ctx INTEGER NOT NULL,
		value BYTEA NOT NULL,
		flags BIGINT NOT NULL DEFAULT 0,
		time_removed TIMESTAMPTZ,
		PRIMARY KEY (base_id, ctx)
	)`,
	`CREATE TABLE IF NOT EXISTS aliases (
		base_id BIGINT NOT NULL,
		ctx INTEGER NOT NULL,
		value TEXT NOT NULL,
		index INTEGER NOT NULL DEFAULT 0,
		flags BIGINT NOT NULL DEFAULT 0,
		time_removed TIMESTAMPTZ,
		PRIMARY KEY (base_id, ctx, value)
	)`,
	`CREATE TABLE IF NOT EXISTS alias_lookup (
		digest BYTEA NOT NULL,
		ctx INTEGER NOT NULL,
		base_id BIGINT NOT NULL,
		flags BIGINT NOT NULL DEFAULT 0,
		time_removed TIMESTAMPTZ,
		PRIMARY KEY (digest, ctx)
	)`,
	`CREATE TABLE IF NOT EXISTS relationships (
		base_id BIGINT NOT NULL,
		ctx INTEGER NOT NULL,
		rel_id BIGINT NOT NULL,
		forward BOOLEAN NOT NULL,
		index INTEGER NOT NULL DEFAULT 0,
		value BYTEA,
		flags BIGINT NOT NULL DEFAULT 0,
		time_removed TIMESTAMPTZ,
		PRIMARY KEY (base_id, ctx, rel_id, forward)
	)`,
	`CREATE TABLE IF NOT EXISTS names (
		base_id BIGINT NOT NULL,
		ctx INTEGER NOT NULL,
		value TEXT NOT NULL,
		pos INTEGER NOT NULL DEFAULT 0,
		flags BIGINT NOT NULL DEFAULT 0,
		time_removed TIMESTAMPTZ,
		PRIMARY KEY (base_id, ctx, value)
	)`,
	`CREATE TABLE IF NOT EXISTS name_lookup (
		base_id BIGINT NOT NULL,
		ctx INTEGER NOT NULL,
		value TEXT NOT NULL,
		code TEXT NOT NULL DEFAULT '',
		time_removed TIMESTAMPTZ,
		PRIMARY KEY (base_id, ctx, value, code)
	)`,
	`CREATE TABLE IF NOT EXISTS edges (
		base_id BIGINT NOT NULL,
		ctx INTEGER NOT NULL,
		child_id BIGINT NOT NULL,
		pos INTEGER NOT NULL DEFAULT 0,
		time_removed TIMESTAMPTZ,
		PRIMARY KEY (base_id, ctx, child_id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS name_lookup_prefix_idx
		ON name_lookup (value) WHERE code = ''`,
	`CREATE INDEX IF NOT EXISTS name_lookup_phonetic_idx
		ON name_lookup (code)`,
}

// Migrate applies schemaDDL to db. Operators run it once per shard
// before first use; plans never issue DDL themselves.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaDDL {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
