// Package name is the public surface over name rows and their PREFIX or
// PHONETIC search lookups.
package name

import (
	"context"
	"time"

	"github.com/cameron/datahog/plans"
	"github.com/cameron/datahog/pool"
	"github.com/cameron/datahog/registry"
	"github.com/cameron/datahog/row"
)

// Create attaches value as a name of base under ctx at index, writing
// the search lookup row(s) the context's search class calls for.
// Returns false if the name already exists or a lookup write lost a
// uniqueness race.
func Create(ctx context.Context, p pool.Pool, reg *registry.Registry, base uint64, ctxID int, value string, flags []int, index int, timeout *time.Duration) (bool, error) {
	return plans.CreateName(ctx, p, reg, base, ctxID, value, flags, index, timeout)
}

// List returns base's live names for ctx in list order.
func List(ctx context.Context, p pool.Pool, base uint64, ctxID int, timeout *time.Duration) ([]row.Name, error) {
	return plans.ListNames(ctx, p, base, ctxID, timeout)
}

// Search fans out to the candidate shards for value's search key and
// returns the merged, truncated result with a continuation token.
func Search(ctx context.Context, p pool.Pool, reg *registry.Registry, ctxID int, value string, limit int, timeout *time.Duration) (plans.NameSearchResult, error) {
	return plans.SearchNames(ctx, p, reg, ctxID, value, limit, timeout)
}

// SetFlags adds and clears flag bits on the name row and its lookup
// mirror(s), returning the agreed new bitmap.
func SetFlags(ctx context.Context, p pool.Pool, reg *registry.Registry, base uint64, ctxID int, value string, add, clear []int, timeout *time.Duration) (int64, error) {
	return plans.SetNameFlags(ctx, p, reg, base, ctxID, value, add, clear, timeout)
}

// Shift repositions value within base's name list.
func Shift(ctx context.Context, p pool.Pool, reg *registry.Registry, base uint64, ctxID int, value string, index int, timeout *time.Duration) (bool, error) {
	return plans.ShiftName(ctx, p, reg, base, ctxID, value, index, timeout)
}

// Remove tears down the name row and its lookup mirror(s).
func Remove(ctx context.Context, p pool.Pool, reg *registry.Registry, base uint64, ctxID int, value string, timeout *time.Duration) (bool, error) {
	return plans.RemoveName(ctx, p, reg, base, ctxID, value, timeout)
}
