// Package property is the public surface over property rows: a single
// valued slot per (base_id, ctx), upserted in place.
package property

import (
	"context"
	"time"

	"github.com/cameron/datahog/plans"
	"github.com/cameron/datahog/pool"
	"github.com/cameron/datahog/registry"
)

// Set stores value in base's property slot for ctx, creating the row if
// absent and updating it otherwise. The value must satisfy the
// context's storage class.
func Set(ctx context.Context, p pool.Pool, reg *registry.Registry, base uint64, ctxID int, value interface{}, timeout *time.Duration) (inserted bool, err error) {
	inserted, _, err = plans.SetProperty(ctx, p, reg, base, ctxID, value, 0, timeout)
	return inserted, err
}

// Get returns the decoded value and whether the row exists.
func Get(ctx context.Context, p pool.Pool, reg *registry.Registry, base uint64, ctxID int, timeout *time.Duration) (interface{}, bool, error) {
	return plans.GetProperty(ctx, p, reg, base, ctxID, timeout)
}

// Remove tombstones the property row, reporting whether a live row was
// there to remove.
func Remove(ctx context.Context, p pool.Pool, reg *registry.Registry, base uint64, ctxID int, timeout *time.Duration) (bool, error) {
	return plans.RemoveProperty(ctx, p, reg, base, ctxID, timeout)
}
