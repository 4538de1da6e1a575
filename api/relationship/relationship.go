// Package relationship is the public surface over relationship pairs:
// a forward row on the base's shard mirrored by a reverse (or, for
// undirected contexts, forward-shaped) row on the other endpoint's
// shard.
package relationship

import (
	"context"
	"time"

	"github.com/cameron/datahog/plans"
	"github.com/cameron/datahog/pool"
	"github.com/cameron/datahog/registry"
	"github.com/cameron/datahog/row"
)

// Create links base to rel under ctx, writing both halves of the pair.
// For union contexts the concrete endpoint contexts must be supplied in
// baseCtx/relCtx. Returns false if the pair already exists.
func Create(ctx context.Context, p pool.Pool, reg *registry.Registry, base, rel uint64, ctxID, baseCtx, relCtx int, value interface{}, forwIdx, revIdx int, flags []int, timeout *time.Duration) (bool, error) {
	return plans.CreateRelationship(ctx, p, reg, base, rel, ctxID, baseCtx, relCtx, value, forwIdx, revIdx, flags, timeout)
}

// Get returns the forward row for (base, ctx, rel), or nil.
func Get(ctx context.Context, p pool.Pool, base, rel uint64, ctxID int, timeout *time.Duration) (*row.Relationship, error) {
	return plans.GetRelationship(ctx, p, base, rel, ctxID, timeout)
}

// List returns the relationships id participates in under ctx, from
// whichever side forward selects, in list order.
func List(ctx context.Context, p pool.Pool, reg *registry.Registry, id uint64, ctxID int, forward bool, timeout *time.Duration) ([]row.Relationship, error) {
	return plans.ListRelationships(ctx, p, reg, id, ctxID, forward, timeout)
}

// Update compares-and-swaps the pair's value on both shards. Returns
// false if either side's current value didn't match oldValue.
func Update(ctx context.Context, p pool.Pool, reg *registry.Registry, base, rel uint64, ctxID int, oldValue, newValue interface{}, timeout *time.Duration) (bool, error) {
	return plans.UpdateRelationship(ctx, p, reg, base, rel, ctxID, oldValue, newValue, timeout)
}

// SetFlags adds and clears flag bits on both halves of the pair,
// returning the agreed new bitmap (0 with no error if the sides
// diverged and the change was rolled back).
func SetFlags(ctx context.Context, p pool.Pool, reg *registry.Registry, base, rel uint64, ctxID int, add, clear []int, timeout *time.Duration) (int64, error) {
	return plans.SetRelationshipFlags(ctx, p, reg, base, rel, ctxID, add, clear, timeout)
}

// Shift repositions the pair within one side's ordered list; the other
// side's list is untouched.
func Shift(ctx context.Context, p pool.Pool, reg *registry.Registry, base, rel uint64, ctxID int, forward bool, index int, timeout *time.Duration) (bool, error) {
	return plans.ShiftRelationship(ctx, p, reg, base, rel, ctxID, forward, index, timeout)
}

// Remove tears down both halves of the pair. Returns false if the
// forward row wasn't there.
func Remove(ctx context.Context, p pool.Pool, reg *registry.Registry, base, rel uint64, ctxID int, timeout *time.Duration) (bool, error) {
	return plans.RemoveRelationship(ctx, p, reg, base, rel, ctxID, timeout)
}
