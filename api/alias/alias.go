// Package alias is the public surface over alias rows and their
// globally-unique digest lookups.
package alias

import (
	"context"
	"time"

	"github.com/cameron/datahog/plans"
	"github.com/cameron/datahog/pool"
	"github.com/cameron/datahog/registry"
	"github.com/cameron/datahog/row"
)

// Set registers value as an alias of base under ctx. Returns true when
// the alias was newly created; false when base already owned it. A
// different owner fails with an alias-in-use error.
func Set(ctx context.Context, p pool.Pool, reg *registry.Registry, base uint64, ctxID int, value string, index int, flags []int, timeout *time.Duration) (bool, error) {
	_, created, err := plans.SetAlias(ctx, p, reg, base, ctxID, value, index, flags, timeout)
	return created, err
}

// Lookup resolves value to its owning lookup row, or nil if nobody owns
// it.
func Lookup(ctx context.Context, p pool.Pool, reg *registry.Registry, ctxID int, value string, timeout *time.Duration) (*row.AliasLookup, error) {
	return plans.LookupAlias(ctx, p, reg, ctxID, value, timeout)
}

// List returns base's live aliases for ctx in list order.
func List(ctx context.Context, p pool.Pool, base uint64, ctxID int, timeout *time.Duration) ([]row.Alias, error) {
	return plans.ListAliases(ctx, p, base, ctxID, timeout)
}

// SetFlags adds and clears flag bits on the alias row and its digest
// lookup, returning the new bitmap.
func SetFlags(ctx context.Context, p pool.Pool, reg *registry.Registry, base uint64, ctxID int, value string, add, clear []int, timeout *time.Duration) (int64, error) {
	return plans.SetAliasFlags(ctx, p, reg, base, ctxID, value, add, clear, timeout)
}

// Shift repositions value within base's alias list.
func Shift(ctx context.Context, p pool.Pool, reg *registry.Registry, base uint64, ctxID int, value string, index int, timeout *time.Duration) (bool, error) {
	return plans.ShiftAlias(ctx, p, reg, base, ctxID, value, index, timeout)
}

// Remove tears down the alias row and its digest lookup. Returns false
// when base doesn't own the alias.
func Remove(ctx context.Context, p pool.Pool, base uint64, ctxID int, value string, timeout *time.Duration) (bool, error) {
	return plans.RemoveAlias(ctx, p, base, ctxID, value, timeout)
}
