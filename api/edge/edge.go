// Package edge is the public surface over parent→child tree edges.
// Edges are created by node.Create and retargeted by node.Move; this
// package covers listing and repositioning a parent's child list.
package edge

import (
	"context"
	"time"

	"github.com/cameron/datahog/plans"
	"github.com/cameron/datahog/pool"
	"github.com/cameron/datahog/row"
)

// List returns parent's live child edges for ctx in list order.
func List(ctx context.Context, p pool.Pool, parent uint64, ctxID int, timeout *time.Duration) ([]row.Edge, error) {
	return plans.ListEdges(ctx, p, parent, ctxID, timeout)
}

// Shift repositions child within parent's ordered child list.
func Shift(ctx context.Context, p pool.Pool, parent uint64, ctxID int, child uint64, index int, timeout *time.Duration) (bool, error) {
	return plans.ShiftEdge(ctx, p, parent, ctxID, child, index, timeout)
}
